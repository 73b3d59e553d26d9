package artifact

import (
	"strconv"

	"github.com/google/uuid"
)

// Kind is the heuristic classification of an extracted block.
type Kind string

const (
	KindCode    Kind = "code"
	KindSpec    Kind = "spec"
	KindDiagram Kind = "diagram"
	KindOther   Kind = "other"
)

// LanguageUnknown is used when a block carries no annotation.
const LanguageUnknown = "unknown"

// Artifact is a delimited block pulled out of an assistant message.
type Artifact struct {
	ID                 uuid.UUID
	ConversationID     string
	Kind               Kind
	Title              string
	Language           string
	Content            string
	ContentHash        string
	SourceMessageIndex int
}

// namespace scopes artifact UUIDs so they never collide with other v5 ids.
var namespace = uuid.MustParse("6f1d3c52-8a4e-5b0c-9d27-c0de55a0a71f")

// ID derives the artifact identifier from its natural key. Re-extracting the
// same block from the same message always yields the same id.
func ID(conversationID string, messageIndex int, contentHash string) uuid.UUID {
	name := conversationID + "\x00" + strconv.Itoa(messageIndex) + "\x00" + contentHash
	return uuid.NewSHA1(namespace, []byte(name))
}

package transcript

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Role identifies who authored a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Source tags the assistant platform an export came from.
type Source string

const (
	SourceChatGPT    Source = "chatgpt"
	SourceClaude     Source = "claude"
	SourceClaudeCode Source = "claude-code"
	SourceGateway    Source = "gateway"
)

// RawExport is one discovered export blob. It is consumed once; only its
// content hash outlives the run.
type RawExport struct {
	Data         []byte
	SourceFormat string // filled by the dispatcher once a parser claims the blob
	OriginPath   string
	DiscoveredAt time.Time
}

// ContentHash returns the sha256 of the blob as lowercase hex.
func (r RawExport) ContentHash() string {
	return HashBytes(r.Data)
}

// Message is a single turn in a conversation, shared across parsers.
type Message struct {
	Role      Role
	Index     int // 0-based, strictly increasing within a conversation
	Text      string
	Timestamp time.Time // zero when the export carries none
}

// Conversation is the format-independent form of one exported thread.
type Conversation struct {
	ID        string // "<source>:<thread id>", stable across re-parses
	Source    Source
	ThreadID  string
	Title     string
	StartedAt time.Time
	Messages  []Message
}

// NewConversation builds a conversation and assigns message indices in the
// order given.
func NewConversation(source Source, threadID, title string, startedAt time.Time, msgs []Message) Conversation {
	for i := range msgs {
		msgs[i].Index = i
	}
	if startedAt.IsZero() {
		for _, m := range msgs {
			if !m.Timestamp.IsZero() {
				startedAt = m.Timestamp
				break
			}
		}
	}
	return Conversation{
		ID:        ConversationID(source, threadID),
		Source:    source,
		ThreadID:  threadID,
		Title:     title,
		StartedAt: startedAt,
		Messages:  msgs,
	}
}

// ConversationID joins the source tag and thread identifier.
func ConversationID(source Source, threadID string) string {
	return string(source) + ":" + threadID
}

// Diagnostic describes content a parser could not use. Diagnostics never
// abort a parse.
type Diagnostic struct {
	Format  string
	Path    string
	Line    int    // 1-based line number when known
	Thread  string // thread id when known
	Message string
}

func (d Diagnostic) String() string {
	s := d.Format
	if d.Path != "" {
		s += " " + d.Path
	}
	if d.Line > 0 {
		s += fmt.Sprintf(":%d", d.Line)
	}
	if d.Thread != "" {
		s += " thread=" + d.Thread
	}
	return s + ": " + d.Message
}

// HashBytes returns the sha256 of b as lowercase hex.
func HashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// digestID derives a short deterministic thread id for exports that carry
// no identifier of their own.
func digestID(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

func truncateTitle(text string, max int) string {
	for i, r := range text {
		if r == '\n' {
			text = text[:i]
			break
		}
	}
	runes := []rune(text)
	if len(runes) > max {
		return string(runes[:max]) + "..."
	}
	return text
}

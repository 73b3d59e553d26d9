package artifact

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/MikeSquared-Agency/codessa/internal/transcript"
)

var (
	headingLineRe = regexp.MustCompile(`^\s{0,3}#{1,6}\s+(.+?)\s*#*\s*$`)
	boldLineRe    = regexp.MustCompile(`^\s*(?:\*\*|__)(.+?)(?:\*\*|__)\s*:?\s*$`)

	identifierRes = []*regexp.Regexp{
		regexp.MustCompile(`^\s*class\s+([A-Za-z_]\w*)`),
		regexp.MustCompile(`^\s*(?:async\s+)?def\s+([A-Za-z_]\w*)`),
		regexp.MustCompile(`^func\s+(?:\([^)]*\)\s*)?([A-Za-z_]\w*)`),
		regexp.MustCompile(`^\s*(?:export\s+)?(?:default\s+)?(?:async\s+)?function\s+([A-Za-z_$][\w$]*)`),
		regexp.MustCompile(`^type\s+([A-Za-z_]\w*)`),
		regexp.MustCompile(`^\s*(?:export\s+)?const\s+([A-Za-z_$][\w$]*)\s*=`),
	}
)

// block is one fenced region of a message.
type block struct {
	info    string
	content string
	heading string // nearest heading-like line above the opening fence
}

// Extract pulls every fenced block out of the assistant messages of conv, in
// message order. Unterminated fences and whitespace-only blocks produce
// nothing. Blocks are never merged across messages.
func Extract(conv transcript.Conversation) []Artifact {
	var out []Artifact
	for _, msg := range conv.Messages {
		if msg.Role != transcript.RoleAssistant {
			continue
		}
		for _, b := range scanBlocks(msg.Text) {
			if strings.TrimSpace(b.content) == "" {
				continue
			}
			kind, lang := Classify(b.info, b.content)
			hash := transcript.HashBytes([]byte(b.content))
			a := Artifact{
				ID:                 ID(conv.ID, msg.Index, hash),
				ConversationID:     conv.ID,
				Kind:               kind,
				Language:           lang,
				Content:            b.content,
				ContentHash:        hash,
				SourceMessageIndex: msg.Index,
			}
			a.Title = inferTitle(b, kind, conv.Title, len(out)+1)
			out = append(out, a)
		}
	}
	return out
}

// scanBlocks walks text line by line. A fence closes only on a bare fence of
// the same character at least as long as the opener, so shorter fences nest
// inside longer ones as plain content.
func scanBlocks(text string) []block {
	var (
		blocks   []block
		heading  string
		open     bool
		openCh   byte
		openLen  int
		info     string
		body     []string
		atOpener string
	)

	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimRight(line, "\r")
		ch, n, fenceInfo := transcript.FenceMarker(line)

		if open {
			if n >= openLen && ch == openCh && fenceInfo == "" {
				blocks = append(blocks, block{
					info:    info,
					content: strings.Trim(strings.Join(body, "\n"), "\n"),
					heading: atOpener,
				})
				open, body = false, nil
				continue
			}
			body = append(body, line)
			continue
		}

		if n > 0 {
			open, openCh, openLen, info = true, ch, n, fenceInfo
			atOpener = heading
			continue
		}
		if h := headingText(line); h != "" {
			heading = h
		}
	}
	return blocks
}

func headingText(line string) string {
	if m := headingLineRe.FindStringSubmatch(line); m != nil {
		return cleanTitle(m[1])
	}
	if m := boldLineRe.FindStringSubmatch(line); m != nil {
		return cleanTitle(m[1])
	}
	return ""
}

func cleanTitle(s string) string {
	s = strings.TrimSpace(s)
	s = strings.Trim(s, "*_`")
	s = strings.TrimSuffix(strings.TrimSpace(s), ":")
	return strings.TrimSpace(s)
}

func inferTitle(b block, kind Kind, convTitle string, ordinal int) string {
	if b.heading != "" {
		return b.heading
	}
	for _, line := range strings.Split(b.content, "\n") {
		if kind == KindSpec {
			if m := headingLineRe.FindStringSubmatch(line); m != nil {
				if t := cleanTitle(m[1]); t != "" {
					return t
				}
			}
		}
		for _, re := range identifierRes {
			if m := re.FindStringSubmatch(line); m != nil {
				return m[1]
			}
		}
	}
	return fmt.Sprintf("%s – artifact %d", convTitle, ordinal)
}

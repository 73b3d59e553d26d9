package transcript

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode"

	"gopkg.in/yaml.v3"
)

// MarkdownParser reads a flat Markdown transcript where role headings
// ("## User", "## Assistant", ...) separate the turns.
type MarkdownParser struct{}

type frontMatter struct {
	ID       string `yaml:"id"`
	ThreadID string `yaml:"thread_id"`
	Title    string `yaml:"title"`
	Created  string `yaml:"created"`
}

var headingRe = regexp.MustCompile(`^(#{1,6})\s+(.+?)\s*#*\s*$`)

var roleWords = map[string]Role{
	"user":      RoleUser,
	"human":     RoleUser,
	"you":       RoleUser,
	"me":        RoleUser,
	"assistant": RoleAssistant,
	"claude":    RoleAssistant,
	"ai":        RoleAssistant,
	"chatgpt":   RoleAssistant,
	"system":    RoleSystem,
}

func (MarkdownParser) Name() string   { return "claude-markdown" }
func (MarkdownParser) Source() Source { return SourceClaude }

func (MarkdownParser) Sniff(data []byte) bool {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || json.Valid(trimmed) {
		return false
	}
	found := false
	walkMarkdown(string(trimmed), func(line string, inFence bool) bool {
		if inFence {
			return true
		}
		if m := headingRe.FindStringSubmatch(line); m != nil {
			if _, ok := roleHeading(m[2]); ok {
				found = true
				return false
			}
		}
		return true
	})
	return found
}

func (p MarkdownParser) Parse(raw RawExport) ([]Conversation, []Diagnostic) {
	var diags []Diagnostic
	body, fm, err := splitFrontMatter(string(raw.Data))
	if err != nil {
		diags = append(diags, Diagnostic{Message: fmt.Sprintf("front matter: %v", err)})
	}

	var (
		msgs    []Message
		role    Role
		current []string
		title   = strings.TrimSpace(fm.Title)
	)
	flush := func() {
		if role == "" {
			return
		}
		text := strings.TrimSpace(strings.Join(current, "\n"))
		if text != "" {
			msgs = append(msgs, Message{Role: role, Text: text})
		}
		current = nil
	}

	walkMarkdown(body, func(line string, inFence bool) bool {
		if !inFence {
			if m := headingRe.FindStringSubmatch(line); m != nil {
				if r, ok := roleHeading(m[2]); ok {
					flush()
					role = r
					return true
				}
				if role == "" && len(m[1]) == 1 && title == "" {
					title = strings.TrimSpace(m[2])
					return true
				}
			}
		}
		if role != "" {
			current = append(current, line)
		}
		return true
	})
	flush()

	if len(msgs) == 0 {
		diags = append(diags, Diagnostic{Message: "no messages found under role headings"})
		return nil, diags
	}
	if title == "" {
		title = "Untitled conversation"
	}

	threadID := strings.TrimSpace(fm.ThreadID)
	if threadID == "" {
		threadID = strings.TrimSpace(fm.ID)
	}
	if threadID == "" {
		threadID = digestID(title, msgs[0].Text)
	}

	return []Conversation{NewConversation(SourceClaude, threadID, title, parseLooseTime(fm.Created), msgs)}, diags
}

// walkMarkdown feeds fn every line along with whether the line sits inside
// (or delimits) a fenced block.
func walkMarkdown(text string, fn func(line string, inFence bool) bool) {
	var fenceChar byte
	fenceLen := 0
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimRight(line, "\r")
		ch, n, _ := FenceMarker(line)
		inFence := fenceLen > 0
		switch {
		case fenceLen == 0 && n > 0:
			fenceChar, fenceLen = ch, n
			inFence = true
		case fenceLen > 0 && n >= fenceLen && ch == fenceChar && isClosingFence(line):
			fenceLen = 0
		}
		if !fn(line, inFence) {
			return
		}
	}
}

// FenceMarker reports the fence character, run length and info string when
// line opens or closes a fenced block (``` or ~~~, up to three spaces of
// indentation). A zero length means the line is not a fence.
func FenceMarker(line string) (byte, int, string) {
	trimmed := strings.TrimLeft(line, " ")
	if len(line)-len(trimmed) > 3 || len(trimmed) < 3 {
		return 0, 0, ""
	}
	ch := trimmed[0]
	if ch != '`' && ch != '~' {
		return 0, 0, ""
	}
	n := 0
	for n < len(trimmed) && trimmed[n] == ch {
		n++
	}
	if n < 3 {
		return 0, 0, ""
	}
	info := strings.TrimSpace(trimmed[n:])
	if ch == '`' && strings.Contains(info, "`") {
		return 0, 0, ""
	}
	return ch, n, info
}

func isClosingFence(line string) bool {
	ch, n, info := FenceMarker(line)
	return n > 0 && ch != 0 && info == ""
}

func roleHeading(text string) (Role, bool) {
	t := strings.TrimSpace(text)
	t = strings.TrimFunc(t, func(r rune) bool {
		return !unicode.IsLetter(r)
	})
	r, ok := roleWords[strings.ToLower(t)]
	return r, ok
}

func splitFrontMatter(text string) (string, frontMatter, error) {
	var fm frontMatter
	normalized := strings.ReplaceAll(text, "\r\n", "\n")
	if !strings.HasPrefix(normalized, "---\n") {
		return normalized, fm, nil
	}
	rest := normalized[len("---\n"):]
	end := strings.Index(rest, "\n---")
	if end < 0 {
		return normalized, fm, nil
	}
	block := rest[:end]
	body := rest[end+len("\n---"):]
	if i := strings.IndexByte(body, '\n'); i >= 0 {
		body = body[i+1:]
	} else {
		body = ""
	}
	if err := yaml.Unmarshal([]byte(block), &fm); err != nil {
		return body, frontMatter{}, err
	}
	return body, fm, nil
}

func parseLooseTime(s string) time.Time {
	s = strings.TrimSpace(s)
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

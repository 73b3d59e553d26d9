package transcript

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// ClaudeCodeParser reads Claude Code JSONL session transcripts. One file may
// interleave several sessions; each becomes its own conversation.
type ClaudeCodeParser struct{}

// ccLine represents a single line from a CC JSONL transcript.
type ccLine struct {
	Type       string    `json:"type"`
	UUID       string    `json:"uuid"`
	ParentUUID *string   `json:"parentUuid"`
	SessionID  string    `json:"sessionId"`
	Timestamp  string    `json:"timestamp"`
	Summary    string    `json:"summary"`
	LeafUUID   string    `json:"leafUuid"`
	Message    ccMessage `json:"message"`

	lineNo int
}

type ccMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type ccContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// ccSession accumulates the lines of one sessionId.
type ccSession struct {
	id       string
	byUUID   map[string]*ccLine
	roots    []string          // lines with no parent, in file order
	children map[string]string // parentUUID → childUUID (single chain)
	lines    []*ccLine         // file order
}

const (
	maxLineBytes = 10 * 1024 * 1024
	sniffLines   = 20
)

func (ClaudeCodeParser) Name() string   { return "claude-code" }
func (ClaudeCodeParser) Source() Source { return SourceClaudeCode }

func (ClaudeCodeParser) Sniff(data []byte) bool {
	found := false
	scanJSONLines(data, sniffLines, func(_ int, raw []byte) bool {
		var probe struct {
			Type      string `json:"type"`
			SessionID string `json:"sessionId"`
		}
		if json.Unmarshal(raw, &probe) != nil {
			return true
		}
		if probe.SessionID != "" && (probe.Type == "user" || probe.Type == "assistant") {
			found = true
			return false
		}
		return true
	})
	return found
}

func (p ClaudeCodeParser) Parse(raw RawExport) ([]Conversation, []Diagnostic) {
	var diags []Diagnostic
	sessions := make(map[string]*ccSession)
	var order []string
	summaries := make(map[string]string) // leafUuid → summary

	err := scanJSONLines(raw.Data, 0, func(lineNo int, b []byte) bool {
		var line ccLine
		if err := json.Unmarshal(b, &line); err != nil {
			diags = append(diags, Diagnostic{Line: lineNo, Message: fmt.Sprintf("malformed line: %v", err)})
			return true
		}
		line.lineNo = lineNo

		if line.Type == "summary" && line.LeafUUID != "" {
			summaries[line.LeafUUID] = line.Summary
			return true
		}

		// Only care about user and assistant message types.
		if line.Type != "user" && line.Type != "assistant" {
			return true
		}
		if line.SessionID == "" || line.UUID == "" {
			diags = append(diags, Diagnostic{Line: lineNo, Message: "message line without sessionId or uuid"})
			return true
		}

		s, ok := sessions[line.SessionID]
		if !ok {
			s = &ccSession{
				id:       line.SessionID,
				byUUID:   make(map[string]*ccLine),
				children: make(map[string]string),
			}
			sessions[line.SessionID] = s
			order = append(order, line.SessionID)
		}
		l := line
		s.byUUID[l.UUID] = &l
		s.lines = append(s.lines, &l)
		if l.ParentUUID == nil || *l.ParentUUID == "" {
			s.roots = append(s.roots, l.UUID)
		} else {
			s.children[*l.ParentUUID] = l.UUID
		}
		return true
	})
	if err != nil {
		diags = append(diags, Diagnostic{Message: fmt.Sprintf("scan: %v", err)})
	}

	var convs []Conversation
	for _, id := range order {
		s := sessions[id]
		ordered := s.ordered()

		title := ""
		for _, l := range ordered {
			if sum, ok := summaries[l.UUID]; ok && sum != "" {
				title = sum
			}
		}

		var msgs []Message
		for _, line := range ordered {
			text, isToolResult := extractCCText(line)
			if isToolResult || text == "" {
				continue
			}
			ts, _ := time.Parse(time.RFC3339Nano, line.Timestamp)
			role := RoleUser
			if line.Type == "assistant" {
				role = RoleAssistant
			}
			if title == "" && role == RoleUser {
				title = truncateTitle(text, 60)
			}
			msgs = append(msgs, Message{Role: role, Text: text, Timestamp: ts})
		}
		if len(msgs) == 0 {
			continue
		}
		if title == "" {
			title = "Claude Code session " + id
		}
		convs = append(convs, NewConversation(SourceClaudeCode, id, title, time.Time{}, msgs))
	}
	return convs, diags
}

// ordered walks the chain from root(s) following parentUuid → uuid links.
// Lines the walk cannot reach are appended by timestamp, then file order.
func (s *ccSession) ordered() []*ccLine {
	var ordered []*ccLine
	visited := make(map[string]bool, len(s.byUUID))
	for _, rootID := range s.roots {
		current := rootID
		for current != "" && !visited[current] {
			line, ok := s.byUUID[current]
			if !ok {
				break
			}
			visited[current] = true
			ordered = append(ordered, line)
			current = s.children[current]
		}
	}

	if len(visited) < len(s.byUUID) {
		var orphans []*ccLine
		for _, l := range s.lines {
			if !visited[l.UUID] {
				visited[l.UUID] = true
				orphans = append(orphans, l)
			}
		}
		sort.Slice(orphans, func(i, j int) bool {
			ti, _ := time.Parse(time.RFC3339Nano, orphans[i].Timestamp)
			tj, _ := time.Parse(time.RFC3339Nano, orphans[j].Timestamp)
			if !ti.Equal(tj) {
				return ti.Before(tj)
			}
			return orphans[i].lineNo < orphans[j].lineNo
		})
		ordered = append(ordered, orphans...)
	}
	return ordered
}

// extractCCText extracts the text content from a CC message.
// Returns the text and whether this was a tool_result message (to be skipped).
func extractCCText(line *ccLine) (string, bool) {
	if line.Message.Content == nil {
		return "", false
	}

	// Try as plain string first (some user messages).
	var plainStr string
	if err := json.Unmarshal(line.Message.Content, &plainStr); err == nil {
		return plainStr, false
	}

	var blocks []ccContentBlock
	if err := json.Unmarshal(line.Message.Content, &blocks); err != nil {
		return "", false
	}

	for _, b := range blocks {
		if b.Type == "tool_result" {
			return "", true
		}
	}

	// Collect text blocks only (skip tool_use, thinking, etc.).
	return joinTextBlocks(blocks), false
}

func joinTextBlocks(blocks []ccContentBlock) string {
	var text string
	for _, b := range blocks {
		if b.Type == "text" && b.Text != "" {
			if text != "" {
				text += "\n"
			}
			text += b.Text
		}
	}
	return text
}

// scanJSONLines calls fn with every non-empty line. limit > 0 stops after
// that many non-empty lines. fn returns false to stop early.
func scanJSONLines(data []byte, limit int, fn func(lineNo int, line []byte) bool) error {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	lineNo, seen := 0, 0
	for scanner.Scan() {
		lineNo++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		seen++
		if !fn(lineNo, line) {
			return nil
		}
		if limit > 0 && seen >= limit {
			return nil
		}
	}
	return scanner.Err()
}

package transcript

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// GatewayParser reads gateway session JSONL files: an optional session
// header line followed by message events.
type GatewayParser struct{}

// gwLine represents a single line from a Gateway session JSONL file.
type gwLine struct {
	Type      string    `json:"type"`
	ID        string    `json:"id"`
	ParentID  *string   `json:"parentId"`
	Timestamp string    `json:"timestamp"`
	Title     string    `json:"title"`
	Message   gwMessage `json:"message"`
}

type gwMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

func (GatewayParser) Name() string   { return "gateway" }
func (GatewayParser) Source() Source { return SourceGateway }

func (GatewayParser) Sniff(data []byte) bool {
	found := false
	scanJSONLines(data, sniffLines, func(_ int, raw []byte) bool {
		var probe struct {
			Type      string `json:"type"`
			ID        string `json:"id"`
			SessionID string `json:"sessionId"`
			Message   struct {
				Role string `json:"role"`
			} `json:"message"`
		}
		if json.Unmarshal(raw, &probe) != nil || probe.SessionID != "" {
			return true
		}
		if (probe.Type == "session" && probe.ID != "") || (probe.Type == "message" && probe.Message.Role != "") {
			found = true
			return false
		}
		return true
	})
	return found
}

func (p GatewayParser) Parse(raw RawExport) ([]Conversation, []Diagnostic) {
	type parsed struct {
		role Role
		text string
		ts   time.Time
	}

	var (
		diags     []Diagnostic
		items     []parsed
		sessionID string
		firstID   string
		title     string
		started   time.Time
	)

	err := scanJSONLines(raw.Data, 0, func(lineNo int, b []byte) bool {
		var line gwLine
		if err := json.Unmarshal(b, &line); err != nil {
			diags = append(diags, Diagnostic{Line: lineNo, Message: fmt.Sprintf("malformed line: %v", err)})
			return true
		}

		if line.Type == "session" {
			if sessionID == "" {
				sessionID = line.ID
				title = line.Title
				started, _ = time.Parse(time.RFC3339Nano, line.Timestamp)
			}
			return true
		}

		// Only process message events.
		if line.Type != "message" {
			return true
		}
		if firstID == "" {
			firstID = line.ID
		}

		// toolResult and any other non-conversational roles are skipped.
		if line.Message.Role != "user" && line.Message.Role != "assistant" && line.Message.Role != "system" {
			return true
		}

		text := extractGatewayText(line.Message.Content)
		if text == "" {
			return true
		}

		ts, _ := time.Parse(time.RFC3339Nano, line.Timestamp)
		items = append(items, parsed{role: Role(line.Message.Role), text: text, ts: ts})
		return true
	})
	if err != nil {
		diags = append(diags, Diagnostic{Message: fmt.Sprintf("scan: %v", err)})
	}

	threadID := sessionID
	if threadID == "" {
		threadID = firstID
	}
	if threadID == "" || len(items) == 0 {
		if threadID == "" && len(items) > 0 {
			diags = append(diags, Diagnostic{Message: "session has no identifier"})
		}
		return nil, diags
	}

	// Order by timestamp; file order breaks ties.
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].ts.Before(items[j].ts)
	})

	msgs := make([]Message, len(items))
	for i, it := range items {
		msgs[i] = Message{Role: it.role, Text: it.text, Timestamp: it.ts}
		if title == "" && it.role == RoleUser {
			title = truncateTitle(it.text, 60)
		}
	}
	if title == "" {
		title = "Gateway session " + threadID
	}

	return []Conversation{NewConversation(SourceGateway, threadID, title, started, msgs)}, diags
}

// extractGatewayText extracts text content from gateway message content.
func extractGatewayText(raw json.RawMessage) string {
	if raw == nil {
		return ""
	}

	var plainStr string
	if err := json.Unmarshal(raw, &plainStr); err == nil {
		return plainStr
	}

	// Collect text blocks only (skip thinking, toolCall, etc.).
	var blocks []ccContentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return ""
	}
	return joinTextBlocks(blocks)
}

package transcript

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

// ChatGPTParser reads the conversations.json file from a ChatGPT data export.
type ChatGPTParser struct{}

type gptConversation struct {
	ID             string             `json:"id"`
	ConversationID string             `json:"conversation_id"`
	Title          string             `json:"title"`
	CreateTime     *float64           `json:"create_time"`
	CurrentNode    string             `json:"current_node"`
	Mapping        map[string]gptNode `json:"mapping"`
}

type gptNode struct {
	ID       string      `json:"id"`
	Message  *gptMessage `json:"message"`
	Parent   *string     `json:"parent"`
	Children []string    `json:"children"`
}

type gptMessage struct {
	Author struct {
		Role string `json:"role"`
	} `json:"author"`
	CreateTime *float64 `json:"create_time"`
	Content    struct {
		ContentType string            `json:"content_type"`
		Parts       []json.RawMessage `json:"parts"`
		Text        string            `json:"text"`
	} `json:"content"`
}

func (ChatGPTParser) Name() string   { return "chatgpt" }
func (ChatGPTParser) Source() Source { return SourceChatGPT }

func (ChatGPTParser) Sniff(data []byte) bool {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || (trimmed[0] != '[' && trimmed[0] != '{') {
		return false
	}
	return bytes.Contains(trimmed, []byte(`"mapping"`)) && json.Valid(trimmed)
}

func (p ChatGPTParser) Parse(raw RawExport) ([]Conversation, []Diagnostic) {
	trimmed := bytes.TrimSpace(raw.Data)

	var items []json.RawMessage
	if len(trimmed) > 0 && trimmed[0] == '{' {
		items = []json.RawMessage{trimmed}
	} else if err := json.Unmarshal(trimmed, &items); err != nil {
		return nil, []Diagnostic{{Message: fmt.Sprintf("decode export: %v", err)}}
	}

	var convs []Conversation
	var diags []Diagnostic
	for i, item := range items {
		var c gptConversation
		if err := json.Unmarshal(item, &c); err != nil {
			diags = append(diags, Diagnostic{Message: fmt.Sprintf("decode conversation %d: %v", i, err)})
			continue
		}

		threadID := c.ID
		if threadID == "" {
			threadID = c.ConversationID
		}
		if threadID == "" {
			created := ""
			if c.CreateTime != nil {
				created = fmt.Sprintf("%f", *c.CreateTime)
			}
			threadID = digestID(c.Title, created)
		}

		title := strings.TrimSpace(c.Title)
		if title == "" {
			title = "Untitled"
		}

		var started time.Time
		if c.CreateTime != nil {
			started = epochTime(*c.CreateTime)
		}

		convs = append(convs, NewConversation(SourceChatGPT, threadID, title, started, gptMessages(c)))
	}
	return convs, diags
}

// gptMessages flattens the active branch of the mapping tree.
func gptMessages(c gptConversation) []Message {
	var path []gptNode
	if node, ok := c.Mapping[c.CurrentNode]; ok && c.CurrentNode != "" {
		seen := make(map[string]bool)
		for ok && !seen[node.ID] {
			seen[node.ID] = true
			path = append(path, node)
			if node.Parent == nil {
				break
			}
			node, ok = c.Mapping[*node.Parent]
		}
		for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
			path[i], path[j] = path[j], path[i]
		}
	} else {
		var roots []string
		for id, node := range c.Mapping {
			if node.Parent == nil || *node.Parent == "" {
				roots = append(roots, id)
				continue
			}
			if _, ok := c.Mapping[*node.Parent]; !ok {
				roots = append(roots, id)
			}
		}
		sort.Strings(roots)
		seen := make(map[string]bool)
		for _, id := range roots {
			current := id
			for current != "" && !seen[current] {
				node, ok := c.Mapping[current]
				if !ok {
					break
				}
				seen[current] = true
				path = append(path, node)
				current = ""
				if len(node.Children) > 0 {
					current = node.Children[0]
				}
			}
		}
	}

	var msgs []Message
	for _, node := range path {
		if node.Message == nil {
			continue
		}
		role, ok := normalizeRole(node.Message.Author.Role)
		if !ok {
			continue
		}
		text := gptText(node.Message)
		if strings.TrimSpace(text) == "" {
			continue
		}
		var ts time.Time
		if node.Message.CreateTime != nil {
			ts = epochTime(*node.Message.CreateTime)
		}
		msgs = append(msgs, Message{Role: role, Text: text, Timestamp: ts})
	}
	return msgs
}

func gptText(m *gptMessage) string {
	var parts []string
	for _, raw := range m.Content.Parts {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			continue // images and other attachments
		}
		if s != "" {
			parts = append(parts, s)
		}
	}
	if len(parts) == 0 && m.Content.Text != "" {
		return m.Content.Text
	}
	return strings.Join(parts, "\n")
}

func normalizeRole(role string) (Role, bool) {
	switch strings.ToLower(strings.TrimSpace(role)) {
	case "user", "human":
		return RoleUser, true
	case "assistant", "ai", "model":
		return RoleAssistant, true
	case "system":
		return RoleSystem, true
	default:
		return "", false
	}
}

func epochTime(sec float64) time.Time {
	whole, frac := math.Modf(sec)
	return time.Unix(int64(whole), int64(frac*1e9)).UTC()
}

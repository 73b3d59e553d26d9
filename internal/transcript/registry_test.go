package transcript

import (
	"strings"
	"testing"
)

// chatExportJSON is a one-conversation ChatGPT export whose assistant reply
// carries a titled python block.
const chatExportJSON = `[{
  "id": "auth-thread",
  "title": "Auth work",
  "current_node": "a1",
  "mapping": {
    "a1": {"id": "a1", "parent": null, "children": [],
           "message": {"author": {"role": "assistant"}, "content": {"content_type": "text",
             "parts": ["## Auth Handler\n\n` + "```python\\ndef handle(req):\\n    return authorize(req)\\n```" + `\n"]}}}
  }
}]`

func TestRegistry_DetectsByContent(t *testing.T) {
	reg := DefaultRegistry()
	tests := []struct {
		name string
		data string
		want string
	}{
		{"chatgpt", chatExportJSON, "chatgpt"},
		{"claude code", `{"type":"user","uuid":"a","sessionId":"s","message":{"role":"user","content":"x"}}`, "claude-code"},
		{"gateway", `{"type":"session","id":"s1"}`, "gateway"},
		{"markdown", "## User\nhi\n## Assistant\nhello\n", "claude-markdown"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := reg.Detect([]byte(tt.data))
			if p == nil {
				t.Fatal("no parser detected")
			}
			if p.Name() != tt.want {
				t.Errorf("detected %q, want %q", p.Name(), tt.want)
			}
		})
	}
}

func TestRegistry_ChatExportScenario(t *testing.T) {
	convs, diags := DefaultRegistry().Parse(RawExport{Data: []byte(chatExportJSON), OriginPath: "chat_export.json"})
	if len(diags) != 0 {
		t.Fatalf("unexpected diagnostics: %v", diags)
	}
	if len(convs) != 1 {
		t.Fatalf("expected 1 conversation, got %d", len(convs))
	}
	msgs := convs[0].Messages
	if len(msgs) != 1 || msgs[0].Role != RoleAssistant {
		t.Fatalf("messages = %+v", msgs)
	}
	if !strings.Contains(msgs[0].Text, "```python\ndef handle(req):") {
		t.Errorf("code block lost: %q", msgs[0].Text)
	}
}

func TestRegistry_UnrecognizedFormat(t *testing.T) {
	convs, diags := DefaultRegistry().Parse(RawExport{Data: []byte("just some notes\n"), OriginPath: "notes.txt"})
	if len(convs) != 0 {
		t.Errorf("expected no conversations, got %d", len(convs))
	}
	if len(diags) != 1 || !strings.Contains(diags[0].Message, "unrecognized_format") {
		t.Fatalf("diags = %v", diags)
	}
	if diags[0].Path != "notes.txt" {
		t.Errorf("diagnostic path = %q", diags[0].Path)
	}
}

type panicParser struct{}

func (panicParser) Name() string { return "boom" }
func (panicParser) Source() Source { return "boom" }
func (panicParser) Sniff([]byte) bool { return true }
func (panicParser) Parse(RawExport) ([]Conversation, []Diagnostic) { panic("bad input") }

func TestRegistry_ParserPanicBecomesDiagnostic(t *testing.T) {
	reg := NewRegistry(panicParser{})
	convs, diags := reg.Parse(RawExport{Data: []byte("x"), OriginPath: "x.bin"})
	if convs != nil {
		t.Errorf("expected nil conversations, got %+v", convs)
	}
	if len(diags) != 1 || diags[0].Format != "boom" || !strings.Contains(diags[0].Message, "bad input") {
		t.Errorf("diags = %v", diags)
	}
}

func TestRegistry_DiagnosticsCarryFormatAndPath(t *testing.T) {
	data := `{"type":"user","uuid":"a","parentUuid":null,"sessionId":"s","message":{"role":"user","content":"x"}}` + "\n{broken\n"
	_, diags := DefaultRegistry().Parse(RawExport{Data: []byte(data), OriginPath: "session.jsonl"})
	if len(diags) != 1 {
		t.Fatalf("expected 1 diagnostic, got %v", diags)
	}
	if diags[0].Format != "claude-code" || diags[0].Path != "session.jsonl" || diags[0].Line != 2 {
		t.Errorf("diag = %+v", diags[0])
	}
	if got := diags[0].String(); !strings.HasPrefix(got, "claude-code session.jsonl:2: ") {
		t.Errorf("String() = %q", got)
	}
}

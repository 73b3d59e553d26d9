package transcript

import "testing"

func TestGatewayParser_BasicConversation(t *testing.T) {
	raw := rawFromLines([]string{
		`{"type":"session","version":3,"id":"s1","timestamp":"2026-02-09T07:30:00Z"}`,
		`{"type":"message","id":"m1","parentId":"s1","timestamp":"2026-02-09T07:30:01Z","message":{"role":"user","content":[{"type":"text","text":"Run the morning briefing"}]}}`,
		`{"type":"message","id":"m2","parentId":"m1","timestamp":"2026-02-09T07:30:05Z","message":{"role":"assistant","content":[{"type":"text","text":"Good morning! Here is your briefing."}]}}`,
		`{"type":"message","id":"m3","parentId":"m2","timestamp":"2026-02-09T07:30:10Z","message":{"role":"user","content":[{"type":"text","text":"Thanks"}]}}`,
	})

	if !(GatewayParser{}).Sniff(raw.Data) {
		t.Fatal("expected gateway sniff to match")
	}
	convs, diags := GatewayParser{}.Parse(raw)
	if len(diags) != 0 {
		t.Fatalf("unexpected diagnostics: %v", diags)
	}
	if len(convs) != 1 {
		t.Fatalf("expected 1 conversation, got %d", len(convs))
	}
	if convs[0].ID != "gateway:s1" {
		t.Errorf("id = %q", convs[0].ID)
	}
	msgs := convs[0].Messages
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	if msgs[0].Role != RoleUser || msgs[0].Text != "Run the morning briefing" {
		t.Errorf("msg[0] = %q %q", msgs[0].Role, msgs[0].Text)
	}
	if msgs[1].Role != RoleAssistant || msgs[1].Text != "Good morning! Here is your briefing." {
		t.Errorf("msg[1] = %q %q", msgs[1].Role, msgs[1].Text)
	}
}

func TestGatewayParser_SkipsToolResults(t *testing.T) {
	raw := rawFromLines([]string{
		`{"type":"message","id":"m1","parentId":null,"timestamp":"2026-02-09T07:30:01Z","message":{"role":"user","content":[{"type":"text","text":"Check status"}]}}`,
		`{"type":"message","id":"m2","parentId":"m1","timestamp":"2026-02-09T07:30:02Z","message":{"role":"assistant","content":[{"type":"toolCall","id":"t1","name":"exec","arguments":{"command":"curl localhost"}}]}}`,
		`{"type":"message","id":"m3","parentId":"m2","timestamp":"2026-02-09T07:30:03Z","message":{"role":"toolResult","toolCallId":"t1","content":[{"type":"text","text":"OK"}]}}`,
		`{"type":"message","id":"m4","parentId":"m3","timestamp":"2026-02-09T07:30:04Z","message":{"role":"assistant","content":[{"type":"text","text":"Service is running."}]}}`,
	})

	convs, _ := GatewayParser{}.Parse(raw)
	if len(convs) != 1 {
		t.Fatalf("expected 1 conversation, got %d", len(convs))
	}
	if convs[0].ID != "gateway:m1" {
		t.Errorf("expected id from first message, got %q", convs[0].ID)
	}
	msgs := convs[0].Messages
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[1].Text != "Service is running." {
		t.Errorf("msg[1] = %q", msgs[1].Text)
	}
}

func TestGatewayParser_StableOnEqualTimestamps(t *testing.T) {
	raw := rawFromLines([]string{
		`{"type":"session","id":"s9","timestamp":"2026-02-09T07:30:00Z"}`,
		`{"type":"message","id":"m1","timestamp":"2026-02-09T07:30:01Z","message":{"role":"user","content":"a"}}`,
		`{"type":"message","id":"m2","timestamp":"2026-02-09T07:30:01Z","message":{"role":"assistant","content":"b"}}`,
		`{"type":"message","id":"m3","timestamp":"2026-02-09T07:30:01Z","message":{"role":"user","content":"c"}}`,
	})

	for run := 0; run < 5; run++ {
		convs, _ := GatewayParser{}.Parse(raw)
		msgs := convs[0].Messages
		if msgs[0].Text != "a" || msgs[1].Text != "b" || msgs[2].Text != "c" {
			t.Fatalf("run %d: unstable order %q %q %q", run, msgs[0].Text, msgs[1].Text, msgs[2].Text)
		}
	}
}

//go:build integration

package hermes

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/MikeSquared-Agency/codessa/internal/report"
)

func skipWithoutNATS(t *testing.T) string {
	t.Helper()
	url := os.Getenv("NATS_URL")
	if url == "" {
		t.Skip("NATS_URL not set, skipping integration test")
	}
	return url
}

// subscribe listens on subject through the client's connection.
func subscribe(t *testing.T, c *Client, subject string, handler func(subject string, data []byte)) {
	t.Helper()
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Subject, msg.Data)
	})
	if err != nil {
		t.Fatalf("subscribe %s: %v", subject, err)
	}
	t.Cleanup(func() { _ = sub.Unsubscribe() })
}

func TestIntegration_PubSub(t *testing.T) {
	natsURL := skipWithoutNATS(t)
	ctx := context.Background()
	logger := slog.Default()

	client, err := NewClient(ctx, natsURL, os.Getenv("NATS_TOKEN"), logger)
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	defer client.Close()

	received := make(chan map[string]string, 1)

	subscribe(t, client, "swarm.codessa.test.>", func(subject string, data []byte) {
		var msg map[string]string
		json.Unmarshal(data, &msg)
		received <- msg
	})

	// Give subscription time to propagate
	time.Sleep(100 * time.Millisecond)

	err = client.Publish("swarm.codessa.test.ping", map[string]string{
		"message": "hello from integration test",
	})
	if err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	select {
	case msg := <-received:
		if msg["message"] != "hello from integration test" {
			t.Errorf("expected hello message, got %v", msg)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestIntegration_PublishSummary(t *testing.T) {
	natsURL := skipWithoutNATS(t)
	client, err := NewClient(context.Background(), natsURL, os.Getenv("NATS_TOKEN"), slog.Default())
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	defer client.Close()

	received := make(chan string, 4)
	subscribe(t, client, "swarm.codessa.>", func(subject string, _ []byte) {
		received <- subject
	})
	time.Sleep(100 * time.Millisecond)

	s := report.Summary{Failures: []report.ItemFailure{{Item: "a.json", Kind: report.KindParseDiagnostic}}}
	if err := PublishSummary(client, "capture", s); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	want := []string{SubjectRunCompleted, SubjectItemFailed}
	for _, subject := range want {
		select {
		case got := <-received:
			if got != subject {
				t.Errorf("subject = %s, want %s", got, subject)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for %s", subject)
		}
	}
}

package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/MikeSquared-Agency/codessa/internal/report"
)

const defaultPostMessageURL = "https://slack.com/api/chat.postMessage"

// maxThreadFailures bounds the failure listing posted in the summary thread.
const maxThreadFailures = 20

type Poster struct {
	token   string
	channel string
	client  *http.Client
	logger  *slog.Logger
	apiURL  string
}

func NewPoster(token, channel string, logger *slog.Logger) *Poster {
	return &Poster{
		token:   token,
		channel: channel,
		client:  &http.Client{Timeout: 10 * time.Second},
		apiURL:  defaultPostMessageURL,
		logger:  logger,
	}
}

// PostRunSummary posts the run summary and, when anything failed, a threaded
// reply listing the failures. Returns the summary message timestamp.
func (p *Poster) PostRunSummary(ctx context.Context, phase string, s report.Summary) (string, error) {
	text := report.FormatSummary(s)

	ts, err := p.post(ctx, map[string]any{
		"channel": p.channel,
		"text":    text,
		"blocks": []map[string]any{
			{
				"type": "section",
				"text": map[string]any{
					"type": "mrkdwn",
					"text": text,
				},
			},
			{
				"type": "context",
				"elements": []map[string]any{
					{
						"type": "mrkdwn",
						"text": fmt.Sprintf("phase: %s | %s", phase, s.FinishedAt.Format(time.RFC3339)),
					},
				},
			},
		},
	})
	if err != nil {
		return "", err
	}
	p.logger.Info("posted run summary to slack", "ts", ts, "phase", phase)

	if len(s.Failures) > 0 {
		if err := p.PostThread(ctx, ts, formatFailures(s.Failures)); err != nil {
			p.logger.Warn("failed to post failure thread", "ts", ts, "error", err)
		}
	}
	return ts, nil
}

// PostThread posts a threaded reply to a message.
func (p *Poster) PostThread(ctx context.Context, threadTS, text string) error {
	_, err := p.post(ctx, map[string]any{
		"channel":   p.channel,
		"thread_ts": threadTS,
		"text":      text,
	})
	return err
}

func (p *Poster) post(ctx context.Context, payload map[string]any) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal slack payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.apiURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Authorization", "Bearer "+p.token)

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("slack post: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	var slackResp struct {
		OK    bool   `json:"ok"`
		TS    string `json:"ts"`
		Error string `json:"error,omitempty"`
	}
	if err := json.Unmarshal(respBody, &slackResp); err != nil {
		return "", fmt.Errorf("parse slack response: %w", err)
	}
	if !slackResp.OK {
		return "", fmt.Errorf("slack error: %s", slackResp.Error)
	}
	return slackResp.TS, nil
}

func formatFailures(failures []report.ItemFailure) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "*Failures: %d*\n", len(failures))
	for i, f := range failures {
		if i == maxThreadFailures {
			fmt.Fprintf(&sb, "_...and %d more_\n", len(failures)-maxThreadFailures)
			break
		}
		fmt.Fprintf(&sb, "%d. [%s] `%s` %s\n", i+1, f.Kind, f.Item, f.Error)
	}
	return sb.String()
}

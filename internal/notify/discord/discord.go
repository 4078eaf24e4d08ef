// Package discord sends incident notifications to a Discord-compatible
// webhook, supporting message creation and in-place patching by message
// identifier.
package discord

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/firewatch/internal/notify"
)

const (
	httpTimeout = 10 * time.Second
	maxTitleLen = 256
	maxFieldLen = 1024

	// maxRespBody bounds the success-path read. Discord echoes the whole
	// created message object with ?wait=true, so this must comfortably
	// exceed a full embed payload or the identifier inside gets lost.
	maxRespBody = 1 << 20

	// maxErrSample bounds the error text quoted into notify.Error.
	maxErrSample = 512
)

// Webhook posts to a single Discord webhook URL.
type Webhook struct {
	url    string
	client *http.Client
	logger log.Logger
}

// New creates a webhook channel. logger may be nil.
func New(url string, logger log.Logger) *Webhook {
	if logger == nil {
		logger = log.Nop()
	}
	return &Webhook{
		url:    url,
		client: &http.Client{Timeout: httpTimeout},
		logger: logger,
	}
}

// Create posts a new message. The ?wait=true flag makes Discord return
// the created message; its identifier may appear at the top level, nested
// under a message wrapper, or not at all. An undeterminable identifier is
// reported as ("", nil): the post itself succeeded.
func (w *Webhook) Create(ctx context.Context, msg *notify.Message) (string, error) {
	respBody, err := w.send(ctx, http.MethodPost, w.url+"?wait=true", msg, "create")
	if err != nil {
		return "", err
	}

	var body struct {
		ID      string `json:"id"`
		Message *struct {
			ID string `json:"id"`
		} `json:"message"`
	}
	if err := json.Unmarshal(respBody, &body); err != nil {
		w.logger.Warn(ctx, "unparseable create response, proceeding without message id", "error", err)
		return "", nil
	}
	if body.ID != "" {
		return body.ID, nil
	}
	if body.Message != nil && body.Message.ID != "" {
		return body.Message.ID, nil
	}
	return "", nil
}

// Update patches an existing message in place.
func (w *Webhook) Update(ctx context.Context, messageID string, msg *notify.Message) error {
	_, err := w.send(ctx, http.MethodPatch, w.url+"/messages/"+messageID, msg, "update")
	return err
}

func (w *Webhook) send(ctx context.Context, method, url string, msg *notify.Message, op string) ([]byte, error) {
	payload, err := json.Marshal(buildPayload(msg))
	if err != nil {
		return nil, &notify.Error{Op: op, Err: fmt.Errorf("marshal payload: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(payload))
	if err != nil {
		return nil, &notify.Error{Op: op, Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req) //nolint:gosec // G704: webhook URL is from trusted config, not user input
	if err != nil {
		return nil, &notify.Error{Op: op, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		sample, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrSample))
		return nil, &notify.Error{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("webhook returned %d: %s", resp.StatusCode, string(sample))}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRespBody))
	if err != nil {
		return nil, &notify.Error{Op: op, Err: fmt.Errorf("read response: %w", err)}
	}
	return body, nil
}

func buildPayload(msg *notify.Message) map[string]any {
	fields := make([]map[string]any, 0, len(msg.Fields))
	for _, f := range msg.Fields {
		fields = append(fields, map[string]any{
			"name":   truncate(f.Name, maxTitleLen),
			"value":  truncate(f.Value, maxFieldLen),
			"inline": f.Inline,
		})
	}

	embed := map[string]any{
		"title":  truncate(msg.Title, maxTitleLen),
		"color":  msg.Color,
		"fields": fields,
	}
	if msg.URL != "" {
		embed["url"] = msg.URL
	}
	if !msg.Timestamp.IsZero() {
		embed["timestamp"] = msg.Timestamp.UTC().Format(time.RFC3339)
	}

	return map[string]any{"embeds": []map[string]any{embed}}
}

// truncate shortens s to at most limit bytes without splitting a rune.
func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit - 3
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

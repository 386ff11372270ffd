// Package notify delivers analysis results to the operator's Telegram chat.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

const defaultTelegramAPI = "https://api.telegram.org"

// Notifier sends one message per analyzed commit.
type Notifier interface {
	Send(ctx context.Context, text string) error
}

// Telegram posts messages through the Bot API. Messages go out with Markdown
// parsing first; when Telegram rejects the entity markup (commit titles and
// model output routinely contain stray underscores and brackets) the same
// text is resent plain.
type Telegram struct {
	token   string
	chatID  string
	baseURL string
	client  *http.Client
	log     *zap.Logger
}

// NewTelegram creates a Telegram notifier for the given bot token and chat.
func NewTelegram(token, chatID string, log *zap.Logger) *Telegram {
	return &Telegram{
		token:   token,
		chatID:  chatID,
		baseURL: defaultTelegramAPI,
		client:  &http.Client{Timeout: 30 * time.Second},
		log:     log,
	}
}

// WithBaseURL points the notifier at a different API host. Used in tests.
func (t *Telegram) WithBaseURL(url string) *Telegram {
	t.baseURL = url
	return t
}

type sendMessageRequest struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode,omitempty"`
}

type sendMessageResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

// Send delivers the message, falling back to plain text when Markdown parsing
// fails on the Telegram side.
func (t *Telegram) Send(ctx context.Context, text string) error {
	if err := t.send(ctx, text, "Markdown"); err != nil {
		t.log.Warn("markdown message rejected, retrying as plain text", zap.Error(err))
		if err := t.send(ctx, text, ""); err != nil {
			return fmt.Errorf("sending telegram message: %w", err)
		}
	}
	t.log.Debug("telegram message sent", zap.Int("length", len(text)))
	return nil
}

func (t *Telegram) send(ctx context.Context, text, parseMode string) error {
	payload, err := json.Marshal(sendMessageRequest{
		ChatID:    t.chatID,
		Text:      text,
		ParseMode: parseMode,
	})
	if err != nil {
		return fmt.Errorf("marshaling request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	var result sendMessageResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return fmt.Errorf("parsing response (status %d): %w", resp.StatusCode, err)
	}
	if !result.OK {
		return fmt.Errorf("telegram API error (status %d): %s", resp.StatusCode, result.Description)
	}
	return nil
}

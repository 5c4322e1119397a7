package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

const (
	telegramAPIBase = "https://api.telegram.org"
	// telegramMaxLen is the Bot API's hard limit on message text length.
	telegramMaxLen = 4096
)

// TelegramSender delivers alerts to a chat via the Telegram Bot API.
//
// Messages are sent as plain text on purpose: event payloads carry states
// and reasons like "stop_loss" or "leverage_cap", and Telegram's Markdown
// parse modes treat the underscores as styling markers, mangling the text
// or rejecting the message outright when they are unbalanced.
type TelegramSender struct {
	token  string
	chatID string
	api    string
	client *http.Client
}

// NewTelegramSender creates a TelegramSender for the given bot token and chat
// ID. It uses a default HTTP client with a 10-second timeout.
func NewTelegramSender(token, chatID string) *TelegramSender {
	return &TelegramSender{
		token:  token,
		chatID: chatID,
		api:    telegramAPIBase,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

type telegramMessage struct {
	ChatID string `json:"chat_id"`
	Text   string `json:"text"`
}

type telegramResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

// Send posts the title and body as one plain-text message through the
// sendMessage endpoint. Text beyond the API's length limit is truncated.
func (t *TelegramSender) Send(ctx context.Context, title, message string) error {
	text := title
	if message != "" {
		text += "\n" + message
	}
	if len(text) > telegramMaxLen {
		text = text[:telegramMaxLen]
	}

	body, err := json.Marshal(telegramMessage{ChatID: t.chatID, Text: text})
	if err != nil {
		return fmt.Errorf("telegram: marshal payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", t.api, t.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("telegram: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("telegram: send request: %w", err)
	}
	defer resp.Body.Close()

	var result telegramResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("telegram: decode response (status %d): %w", resp.StatusCode, err)
	}
	if !result.OK {
		return fmt.Errorf("telegram: sendMessage failed (status %d): %s", resp.StatusCode, result.Description)
	}
	return nil
}

// Name returns the sender identifier.
func (t *TelegramSender) Name() string {
	return "telegram"
}

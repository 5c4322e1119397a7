package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSender(t *testing.T, handler http.HandlerFunc) *TelegramSender {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &TelegramSender{
		token:  "test-token",
		chatID: "12345",
		api:    srv.URL,
		client: &http.Client{Timeout: time.Second},
	}
}

func TestTelegramSendPlainText(t *testing.T) {
	var captured map[string]any
	sender := newTestSender(t, func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(body, &captured))
		_, _ = w.Write([]byte(`{"ok":true}`))
	})

	err := sender.Send(context.Background(),
		"Position FAILED",
		"reason: stop_loss\nstate: action_pending -> failed")
	require.NoError(t, err)

	// Event reasons keep their underscores verbatim; no parse mode is
	// requested, so Telegram cannot reinterpret them as styling.
	assert.Equal(t, "12345", captured["chat_id"])
	assert.Contains(t, captured["text"], "stop_loss")
	assert.Contains(t, captured["text"], "action_pending -> failed")
	assert.NotContains(t, captured, "parse_mode")
}

func TestTelegramSendAPIError(t *testing.T) {
	sender := newTestSender(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"ok":false,"description":"Bad Request: chat not found"}`))
	})

	err := sender.Send(context.Background(), "title", "body")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chat not found")
}

func TestTelegramSendTruncatesLongMessages(t *testing.T) {
	var captured telegramMessage
	sender := newTestSender(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		_, _ = w.Write([]byte(`{"ok":true}`))
	})

	long := make([]byte, 2*telegramMaxLen)
	for i := range long {
		long[i] = 'x'
	}
	require.NoError(t, sender.Send(context.Background(), "title", string(long)))
	assert.Len(t, captured.Text, telegramMaxLen)
}

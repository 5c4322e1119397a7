package notify

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillsol/solguard/internal/domain"
)

type memorySender struct {
	mu   sync.Mutex
	sent []string
}

func (m *memorySender) Send(ctx context.Context, title, message string) error {
	m.mu.Lock()
	m.sent = append(m.sent, title+"\n"+message)
	m.mu.Unlock()
	return nil
}

func (m *memorySender) Name() string { return "memory" }

func (m *memorySender) titles() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.sent))
	copy(out, m.sent)
	return out
}

func TestSinkDeliversFilteredEvents(t *testing.T) {
	sender := &memorySender{}
	notifier := NewNotifier([]Sender{sender},
		[]string{string(domain.EventPositionFailed)}, slog.Default())
	sink := NewSink(notifier, slog.Default())
	defer sink.Close()

	sink.Publish(domain.Event{
		Type:       domain.EventPositionFailed,
		PositionID: "p1",
		Instrument: "SOL-PERP",
		Reason:     "stop-loss could not execute",
	})
	sink.Publish(domain.Event{
		Type:       domain.EventActionRetried, // filtered out
		PositionID: "p1",
	})

	require.Eventually(t, func() bool {
		return len(sender.titles()) == 1
	}, time.Second, time.Millisecond)

	msg := sender.titles()[0]
	assert.Contains(t, msg, "Position FAILED")
	assert.Contains(t, msg, "instrument: SOL-PERP")
	assert.Contains(t, msg, "reason: stop-loss could not execute")
}

func TestFormatTitles(t *testing.T) {
	title, _ := format(domain.Event{Type: domain.EventPositionClosed})
	assert.Equal(t, "Position closed", title)

	title, _ = format(domain.Event{Type: domain.EventActionAbandoned})
	assert.Equal(t, "Action abandoned", title)

	title, body := format(domain.Event{
		Type: domain.EventPositionState,
		From: "open",
		To:   "closing",
	})
	assert.Equal(t, "position state changed", title)
	assert.Contains(t, body, "state: open -> closing")
}

package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/quillsol/solguard/internal/domain"
)

// Sink adapts the Notifier to domain.EventSink. Publish hands the event to a
// buffered worker so the engine never blocks on a slow Telegram round trip;
// when the buffer is full the event is dropped with a log line.
type Sink struct {
	notifier *Notifier
	logger   *slog.Logger
	ch       chan domain.Event
	done     chan struct{}
}

// NewSink starts the delivery worker. Call Close to drain and stop it.
func NewSink(notifier *Notifier, logger *slog.Logger) *Sink {
	s := &Sink{
		notifier: notifier,
		logger:   logger.With(slog.String("component", "notify_sink")),
		ch:       make(chan domain.Event, 256),
		done:     make(chan struct{}),
	}
	go s.run()
	return s
}

// Publish enqueues the event for delivery. Never blocks.
func (s *Sink) Publish(ev domain.Event) {
	select {
	case s.ch <- ev:
	default:
		s.logger.Warn("notification dropped, buffer full",
			slog.String("type", string(ev.Type)),
			slog.String("position_id", ev.PositionID),
		)
	}
}

// Close stops the worker after the queue drains.
func (s *Sink) Close() {
	close(s.ch)
	<-s.done
}

func (s *Sink) run() {
	defer close(s.done)
	ctx := context.Background()
	for ev := range s.ch {
		title, message := format(ev)
		if err := s.notifier.Notify(ctx, ev.Type, title, message); err != nil {
			s.logger.Error("notify failed",
				slog.String("type", string(ev.Type)),
				slog.String("error", err.Error()),
			)
		}
	}
}

func format(ev domain.Event) (title, message string) {
	var b strings.Builder
	if ev.Instrument != "" {
		fmt.Fprintf(&b, "instrument: %s\n", ev.Instrument)
	}
	if ev.Protocol != "" {
		fmt.Fprintf(&b, "protocol: %s\n", ev.Protocol)
	}
	if ev.PositionID != "" {
		fmt.Fprintf(&b, "position: %s\n", ev.PositionID)
	}
	if ev.ActionID != "" {
		fmt.Fprintf(&b, "action: %s\n", ev.ActionID)
	}
	if ev.From != "" || ev.To != "" {
		fmt.Fprintf(&b, "state: %s -> %s\n", ev.From, ev.To)
	}
	if ev.Reason != "" {
		fmt.Fprintf(&b, "reason: %s\n", ev.Reason)
	}

	switch ev.Type {
	case domain.EventPositionOpened:
		title = "Position opened"
	case domain.EventPositionClosed:
		title = "Position closed"
	case domain.EventPositionFailed:
		title = "Position FAILED"
	case domain.EventActionAbandoned:
		title = "Action abandoned"
	case domain.EventActionRejected:
		title = "Action rejected"
	default:
		title = strings.ReplaceAll(string(ev.Type), "_", " ")
	}
	return title, strings.TrimRight(b.String(), "\n")
}

// Package feed supplies market snapshots to the engine. The wire client
// lives in ws.go; ChannelFeed is an in-process implementation for dry-run
// mode and tests.
package feed

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quillsol/solguard/internal/domain"
)

// Handler consumes one market snapshot. Implementations must not block.
type Handler func(domain.MarketSnapshot)

// Feed is a lazy, unbounded, non-restartable sequence of market snapshots.
// Run blocks until the context is cancelled or the feed fails terminally.
type Feed interface {
	Subscribe(h Handler)
	Run(ctx context.Context) error
}

// ChannelFeed is an in-process feed fed by Push. It assigns monotonically
// increasing snapshot IDs per instrument, so callers only supply prices.
type ChannelFeed struct {
	mu       sync.RWMutex
	handlers []Handler
	seqs     sync.Map // instrument -> *atomic.Uint64
	ch       chan domain.MarketSnapshot
}

// NewChannelFeed creates a ChannelFeed with the given buffer size.
func NewChannelFeed(buffer int) *ChannelFeed {
	if buffer <= 0 {
		buffer = 256
	}
	return &ChannelFeed{ch: make(chan domain.MarketSnapshot, buffer)}
}

// Subscribe registers a snapshot handler.
func (f *ChannelFeed) Subscribe(h Handler) {
	f.mu.Lock()
	f.handlers = append(f.handlers, h)
	f.mu.Unlock()
}

// Push publishes a price observation for an instrument, assigning the next
// snapshot ID.
func (f *ChannelFeed) Push(instrument string, markPrice decimal.Decimal) domain.MarketSnapshot {
	seqAny, _ := f.seqs.LoadOrStore(instrument, new(atomic.Uint64))
	seq := seqAny.(*atomic.Uint64)

	snap := domain.MarketSnapshot{
		Instrument: instrument,
		SnapshotID: seq.Add(1),
		MarkPrice:  markPrice,
		Timestamp:  time.Now().UTC(),
	}
	f.ch <- snap
	return snap
}

// Run dispatches pushed snapshots to subscribers until ctx is cancelled.
func (f *ChannelFeed) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case snap := <-f.ch:
			f.mu.RLock()
			handlers := f.handlers
			f.mu.RUnlock()
			for _, h := range handlers {
				h(snap)
			}
		}
	}
}

// Package memory implements the authoritative in-process position store.
// Postgres persistence, when enabled, trails it as write-behind audit.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quillsol/solguard/internal/domain"
)

// PositionStore implements domain.PositionStore with an in-memory table.
// All state changes go through Transition, which is checked-and-set: the
// caller names the states it expects, and the change is rejected when the
// current state is not among them. Every successful transition emits a
// state-change event to the configured sink.
type PositionStore struct {
	mu        sync.RWMutex
	positions map[string]domain.Position

	sink  domain.EventSink
	audit domain.AuditStore // optional write-behind persistence
}

// Option configures a PositionStore.
type Option func(*PositionStore)

// WithAudit attaches write-behind audit persistence. Audit failures are
// returned to the caller but do not roll back the in-memory change.
func WithAudit(a domain.AuditStore) Option {
	return func(s *PositionStore) { s.audit = a }
}

// NewPositionStore creates an empty store that publishes state-change events
// to sink.
func NewPositionStore(sink domain.EventSink, opts ...Option) *PositionStore {
	if sink == nil {
		sink = domain.NopSink{}
	}
	s := &PositionStore{
		positions: make(map[string]domain.Position),
		sink:      sink,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns the position with the given ID or domain.ErrNotFound.
func (s *PositionStore) Get(ctx context.Context, id string) (domain.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[id]
	if !ok {
		return domain.Position{}, fmt.Errorf("memory: position %s: %w", id, domain.ErrNotFound)
	}
	return p, nil
}

// Upsert inserts a new position or updates a non-state field of an existing
// one. Changing State through Upsert is a blind overwrite and is rejected;
// use Transition.
func (s *PositionStore) Upsert(ctx context.Context, p domain.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.positions[p.ID]; ok {
		if existing.State != p.State {
			return fmt.Errorf("memory: upsert must not change state (%s -> %s): %w",
				existing.State, p.State, domain.ErrInvalidTransition)
		}
		if existing.State.Terminal() {
			return fmt.Errorf("memory: position %s: %w", p.ID, domain.ErrPositionTerminal)
		}
	}
	s.positions[p.ID] = p
	return nil
}

// List returns all positions passing the filter, ordered by OpenedAt.
func (s *PositionStore) List(ctx context.Context, f domain.PositionFilter) ([]domain.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Position
	for _, p := range s.positions {
		if f.Match(p) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out, nil
}

// Transition moves the position to a new state. It fails with
// ErrInvalidTransition when the current state is not in from, or when the
// lifecycle table does not permit the change. mutate, when non-nil, runs on
// the copy before it is written back, so size/collateral updates are atomic
// with the state change.
func (s *PositionStore) Transition(ctx context.Context, id string, from []domain.PositionState, to domain.PositionState, mutate func(*domain.Position)) (domain.Position, error) {
	s.mu.Lock()
	p, ok := s.positions[id]
	if !ok {
		s.mu.Unlock()
		return domain.Position{}, fmt.Errorf("memory: position %s: %w", id, domain.ErrNotFound)
	}

	inFrom := false
	for _, f := range from {
		if p.State == f {
			inFrom = true
			break
		}
	}
	if !inFrom || !domain.ValidTransition(p.State, to) {
		cur := p.State
		s.mu.Unlock()
		return domain.Position{}, fmt.Errorf("memory: position %s cannot move %s -> %s: %w",
			id, cur, to, domain.ErrInvalidTransition)
	}

	prev := p.State
	if mutate != nil {
		mutate(&p)
	}
	p.State = to
	if to.Terminal() && p.ClosedAt == nil {
		now := time.Now().UTC()
		p.ClosedAt = &now
	}
	s.positions[id] = p
	s.mu.Unlock()

	s.publishTransition(p, prev)

	if s.audit != nil {
		if err := s.audit.SavePosition(ctx, p); err != nil {
			return p, fmt.Errorf("memory: audit position %s: %w", id, err)
		}
	}
	return p, nil
}

// MarkEvaluated records the newest snapshot the position was evaluated
// against. It is monotonic: an older snapshot ID never overwrites a newer
// one.
func (s *PositionStore) MarkEvaluated(ctx context.Context, id string, snapshotID uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.positions[id]
	if !ok {
		return fmt.Errorf("memory: position %s: %w", id, domain.ErrNotFound)
	}
	if snapshotID > p.LastSnapshotID {
		p.LastSnapshotID = snapshotID
		s.positions[id] = p
	}
	return nil
}

func (s *PositionStore) publishTransition(p domain.Position, prev domain.PositionState) {
	evType := domain.EventPositionState
	switch p.State {
	case domain.PositionClosed:
		evType = domain.EventPositionClosed
	case domain.PositionFailed:
		evType = domain.EventPositionFailed
	case domain.PositionOpen:
		if prev == domain.PositionOpening {
			evType = domain.EventPositionOpened
		}
	}
	s.sink.Publish(domain.Event{
		ID:         uuid.NewString(),
		Type:       evType,
		PositionID: p.ID,
		Protocol:   p.Protocol,
		Instrument: p.Instrument,
		From:       string(prev),
		To:         string(p.State),
		Reason:     p.CloseReason,
		At:         time.Now().UTC(),
	})
}

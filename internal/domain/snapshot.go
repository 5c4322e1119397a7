package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// MarketSnapshot is an immutable, versioned view of one instrument's market
// state. SnapshotID increases monotonically per instrument; consumers drop
// anything at or below the last ID they applied, so late or out-of-order
// snapshots are never evaluated.
type MarketSnapshot struct {
	Instrument string
	SnapshotID uint64
	MarkPrice  decimal.Decimal
	IndexPrice decimal.Decimal
	Timestamp  time.Time
}

// Newer reports whether the snapshot strictly supersedes the given ID.
func (s MarketSnapshot) Newer(lastID uint64) bool {
	return s.SnapshotID > lastID
}

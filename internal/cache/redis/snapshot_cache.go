package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/quillsol/solguard/internal/domain"
)

// SnapshotCache implements domain.SnapshotCache using Redis hashes. Each
// instrument's latest snapshot is stored at key "snap:{instrument}" with
// fields "id", "mark", "index", and "ts" (unix nanoseconds).
//
// Monotonicity is enforced with a small Lua script so concurrent writers
// can never regress the stored snapshot ID.
type SnapshotCache struct {
	rdb *redis.Client
}

// NewSnapshotCache creates a SnapshotCache backed by the given Client.
func NewSnapshotCache(c *Client) *SnapshotCache {
	return &SnapshotCache{rdb: c.Underlying()}
}

func snapKey(instrument string) string {
	return "snap:" + instrument
}

// setIfNewer only overwrites the hash when the incoming ID exceeds the
// stored one.
var setIfNewer = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'id')
if cur and tonumber(cur) >= tonumber(ARGV[1]) then
  return 0
end
redis.call('HSET', KEYS[1], 'id', ARGV[1], 'mark', ARGV[2], 'index', ARGV[3], 'ts', ARGV[4])
return 1
`)

// SetLatest stores the snapshot unless a newer one is already cached.
func (sc *SnapshotCache) SetLatest(ctx context.Context, snap domain.MarketSnapshot) error {
	err := setIfNewer.Run(ctx, sc.rdb,
		[]string{snapKey(snap.Instrument)},
		snap.SnapshotID,
		snap.MarkPrice.String(),
		snap.IndexPrice.String(),
		snap.Timestamp.UnixNano(),
	).Err()
	if err != nil {
		return fmt.Errorf("redis: set snapshot %s: %w", snap.Instrument, err)
	}
	return nil
}

// Latest retrieves the newest cached snapshot for an instrument. It returns
// domain.ErrNotFound when nothing is cached.
func (sc *SnapshotCache) Latest(ctx context.Context, instrument string) (domain.MarketSnapshot, error) {
	vals, err := sc.rdb.HGetAll(ctx, snapKey(instrument)).Result()
	if err != nil {
		return domain.MarketSnapshot{}, fmt.Errorf("redis: get snapshot %s: %w", instrument, err)
	}
	if len(vals) == 0 {
		return domain.MarketSnapshot{}, domain.ErrNotFound
	}

	id, err := strconv.ParseUint(vals["id"], 10, 64)
	if err != nil {
		return domain.MarketSnapshot{}, fmt.Errorf("redis: parse snapshot id %s: %w", instrument, err)
	}
	mark, err := decimal.NewFromString(vals["mark"])
	if err != nil {
		return domain.MarketSnapshot{}, fmt.Errorf("redis: parse mark price %s: %w", instrument, err)
	}
	index := decimal.Zero
	if v := vals["index"]; v != "" {
		if d, err := decimal.NewFromString(v); err == nil {
			index = d
		}
	}
	tsNano, err := strconv.ParseInt(vals["ts"], 10, 64)
	if err != nil {
		return domain.MarketSnapshot{}, fmt.Errorf("redis: parse snapshot ts %s: %w", instrument, err)
	}

	return domain.MarketSnapshot{
		Instrument: instrument,
		SnapshotID: id,
		MarkPrice:  mark,
		IndexPrice: index,
		Timestamp:  time.Unix(0, tsNano).UTC(),
	}, nil
}

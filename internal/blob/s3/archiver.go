package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/quillsol/solguard/internal/domain"
)

// BlobWriter is the upload surface the archiver needs.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
}

// Archiver periodically copies aged history out of the audit database into
// object storage as JSONL, partitioned by year-month. Deletion from the
// primary store is intentionally not performed here; that is a separate,
// explicit step once an archive has been verified.
type Archiver struct {
	writer   BlobWriter
	audit    domain.AuditStore
	prefix   string
	interval time.Duration
	retain   time.Duration
	logger   *slog.Logger
}

// NewArchiver creates an Archiver. interval is how often an archive pass
// runs; retain is how long records stay exclusively in the database before
// they are eligible for archival.
func NewArchiver(writer BlobWriter, audit domain.AuditStore, prefix string, interval, retain time.Duration, logger *slog.Logger) *Archiver {
	return &Archiver{
		writer:   writer,
		audit:    audit,
		prefix:   prefix,
		interval: interval,
		retain:   retain,
		logger:   logger.With(slog.String("component", "archiver")),
	}
}

// Run archives on a ticker until the context is cancelled.
func (a *Archiver) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			cutoff := time.Now().Add(-a.retain)
			if err := a.ArchiveOnce(ctx, cutoff); err != nil {
				a.logger.Error("archive pass failed", slog.String("error", err.Error()))
			}
		}
	}
}

// ArchiveOnce archives closed positions and terminal actions older than the
// cutoff in one pass.
func (a *Archiver) ArchiveOnce(ctx context.Context, before time.Time) error {
	posCount, err := a.archivePositions(ctx, before)
	if err != nil {
		return err
	}
	actCount, err := a.archiveActions(ctx, before)
	if err != nil {
		return err
	}
	if posCount+actCount > 0 {
		a.logger.Info("archive pass complete",
			slog.Int("positions", posCount),
			slog.Int("actions", actCount),
			slog.Time("before", before),
		)
	}
	return nil
}

const archiveBatch = 1000

func (a *Archiver) archivePositions(ctx context.Context, before time.Time) (int, error) {
	positions, err := a.audit.ListClosedPositionsBefore(ctx, before, archiveBatch)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive positions query: %w", err)
	}
	if len(positions) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(positions)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive positions marshal: %w", err)
	}

	path := a.archivePath("positions", before)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive positions upload: %w", err)
	}
	return len(positions), nil
}

func (a *Archiver) archiveActions(ctx context.Context, before time.Time) (int, error) {
	actions, err := a.audit.ListTerminalActionsBefore(ctx, before, archiveBatch)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive actions query: %w", err)
	}
	if len(actions) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(actions)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive actions marshal: %w", err)
	}

	path := a.archivePath("actions", before)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive actions upload: %w", err)
	}
	return len(actions), nil
}

// archivePath builds the object key, partitioned by the cutoff's year-month:
//
//	solguard/archive/positions/2026-08.jsonl
func (a *Archiver) archivePath(kind string, before time.Time) string {
	return fmt.Sprintf("%s/archive/%s/%s.jsonl", a.prefix, kind, before.Format("2006-01"))
}

// marshalJSONL serialises records as newline-delimited JSON, one compact
// line per record.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

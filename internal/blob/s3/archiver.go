package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/titanhub/internal/domain"
)

const (
	ndjsonContentType = "application/x-ndjson"
	jsonContentType   = "application/json"
	// multipartThreshold switches uploads to the multipart manager.
	multipartThreshold = 16 * 1024 * 1024
)

// TradeSource is the part of the trade repository the archiver reads from
// and prunes.
type TradeSource interface {
	ListTrades(ctx context.Context, opts domain.ListOpts) ([]domain.TradeRecord, error)
	DeleteTradesBefore(ctx context.Context, before time.Time) (int64, error)
}

// Archiver implements domain.Archiver. Trades closed before the cutoff are
// written as JSONL and removed from Postgres only after the upload succeeds.
type Archiver struct {
	writer domain.BlobWriter
	trades TradeSource
	events domain.EventLog
	logger *slog.Logger
}

// NewArchiver creates an Archiver. events may be nil.
func NewArchiver(writer domain.BlobWriter, trades TradeSource, events domain.EventLog, logger *slog.Logger) *Archiver {
	return &Archiver{
		writer: writer,
		trades: trades,
		events: events,
		logger: logger.With(slog.String("component", "archiver")),
	}
}

// ArchiveTrades uploads trades closed before the cutoff to
// archive/trades/YYYY-MM.jsonl and then deletes them from the store. It
// returns the number of trades archived.
func (a *Archiver) ArchiveTrades(ctx context.Context, before time.Time) (int64, error) {
	until := before
	all, err := a.trades.ListTrades(ctx, domain.ListOpts{Until: &until})
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive trades query: %w", err)
	}
	trades := make([]domain.TradeRecord, 0, len(all))
	for _, t := range all {
		if t.ClosedAt.Before(before) {
			trades = append(trades, t)
		}
	}
	if len(trades) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(trades)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive trades marshal: %w", err)
	}

	path := archivePath("trades", before)
	if len(buf) > multipartThreshold {
		err = a.writer.PutMultipart(ctx, path, bytes.NewReader(buf), 0)
	} else {
		err = a.writer.Put(ctx, path, bytes.NewReader(buf), ndjsonContentType)
	}
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive trades upload: %w", err)
	}

	count := int64(len(trades))
	deleted, err := a.trades.DeleteTradesBefore(ctx, before)
	if err != nil {
		return count, fmt.Errorf("s3blob: archive trades prune: %w", err)
	}

	a.logger.Info("s3blob: trades archived",
		slog.String("path", path),
		slog.Int64("count", count),
		slog.Int64("deleted", deleted),
	)
	a.logEvent(ctx, map[string]any{
		"kind":   "trades",
		"path":   path,
		"count":  count,
		"before": before.UTC().Format(time.RFC3339),
	})
	return count, nil
}

// ArchiveSnapshot uploads a serialized Shadow State snapshot to
// archive/snapshots/YYYY-MM/<timestamp>.json.
func (a *Archiver) ArchiveSnapshot(ctx context.Context, snapshot []byte, at time.Time) error {
	path := snapshotPath(at)
	if err := a.writer.Put(ctx, path, bytes.NewReader(snapshot), jsonContentType); err != nil {
		return fmt.Errorf("s3blob: archive snapshot upload: %w", err)
	}
	a.logger.Info("s3blob: snapshot archived",
		slog.String("path", path),
		slog.Int("bytes", len(snapshot)),
	)
	a.logEvent(ctx, map[string]any{
		"kind":  "snapshot",
		"path":  path,
		"bytes": len(snapshot),
	})
	return nil
}

func (a *Archiver) logEvent(ctx context.Context, detail map[string]any) {
	if a.events == nil {
		return
	}
	if err := a.events.LogEvent(ctx, domain.SysArchiveCompleted, detail); err != nil {
		a.logger.Warn("s3blob: failed to log archive event",
			slog.String("error", err.Error()),
		)
	}
}

// archivePath partitions archives by the cutoff month:
//
//	archive/trades/2025-01.jsonl
func archivePath(kind string, before time.Time) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, before.UTC().Format("2006-01"))
}

func snapshotPath(at time.Time) string {
	at = at.UTC()
	return fmt.Sprintf("archive/snapshots/%s/%s.json", at.Format("2006-01"), at.Format("20060102T150405Z"))
}

// marshalJSONL encodes one compact JSON record per line.
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

var _ domain.Archiver = (*Archiver)(nil)

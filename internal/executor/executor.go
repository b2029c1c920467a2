package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/titanhub/internal/domain"
)

// Handler routes one signed signal payload.
type Handler interface {
	Handle(ctx context.Context, payload []byte, signature string) (Result, error)
}

// Ingest consumes signed signals from a durable stream and hands them to the
// router one at a time, in stream order.
type Ingest struct {
	bus     domain.SignalBus
	handler Handler
	stream  string
	batch   int
	backoff time.Duration
	lastID  string
	logger  *slog.Logger
}

// NewIngest creates a stream consumer. Reading starts at messages appended
// after start, so a restart does not replay the whole stream.
func NewIngest(bus domain.SignalBus, handler Handler, stream string, start time.Time, logger *slog.Logger) *Ingest {
	if stream == "" {
		stream = domain.StreamSignals
	}
	return &Ingest{
		bus:     bus,
		handler: handler,
		stream:  stream,
		batch:   64,
		backoff: time.Second,
		lastID:  fmt.Sprintf("%d-0", start.UnixMilli()),
		logger:  logger.With(slog.String("component", "signal_ingest")),
	}
}

// LastID returns the id of the last stream entry consumed.
func (in *Ingest) LastID() string {
	return in.lastID
}

// Run reads the stream until ctx is cancelled. Read errors are retried after
// a pause; bad entries are logged and skipped.
func (in *Ingest) Run(ctx context.Context) error {
	in.logger.InfoContext(ctx, "signal_ingest: started", slog.String("stream", in.stream), slog.String("from", in.lastID))
	defer in.logger.Info("signal_ingest: stopped")

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		msgs, err := in.bus.StreamRead(ctx, in.stream, in.lastID, in.batch)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			in.logger.ErrorContext(ctx, "signal_ingest: stream read failed", slog.String("error", err.Error()))
			if !sleep(ctx, in.backoff) {
				return ctx.Err()
			}
			continue
		}
		if len(msgs) == 0 {
			if !sleep(ctx, 50*time.Millisecond) {
				return ctx.Err()
			}
			continue
		}
		for _, msg := range msgs {
			in.process(ctx, msg)
			in.lastID = msg.ID
		}
	}
}

func (in *Ingest) process(ctx context.Context, msg domain.StreamMessage) {
	log := in.logger.With(slog.String("entry_id", msg.ID))

	var env domain.SignedEnvelope
	if err := json.Unmarshal(msg.Payload, &env); err != nil || len(env.Payload) == 0 {
		log.WarnContext(ctx, "signal_ingest: malformed envelope skipped")
		return
	}
	res, err := in.handler.Handle(ctx, env.Payload, env.Signature)
	if err != nil {
		level := slog.LevelWarn
		if !errors.Is(err, domain.ErrValidation) && !errors.Is(err, domain.ErrInvalidSignature) &&
			!errors.Is(err, domain.ErrRiskRejected) && !errors.Is(err, domain.ErrPhaseMismatch) {
			level = slog.LevelError
		}
		log.Log(ctx, level, "signal_ingest: signal not executed",
			slog.String("signal_id", res.SignalID),
			slog.String("outcome", string(res.Outcome)),
			slog.String("reason", res.Reason),
			slog.String("error", err.Error()),
		)
		return
	}
	log.DebugContext(ctx, "signal_ingest: signal handled",
		slog.String("signal_id", res.SignalID),
		slog.String("outcome", string(res.Outcome)),
	)
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

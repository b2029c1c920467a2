package executor

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alanyoungcy/titanhub/internal/domain"
)

type fakeBus struct {
	mu    sync.Mutex
	batch []domain.StreamMessage
	reads []string
}

func (b *fakeBus) Publish(context.Context, string, []byte) error { return nil }
func (b *fakeBus) Subscribe(context.Context, string) (<-chan []byte, error) {
	return nil, nil
}
func (b *fakeBus) StreamAppend(context.Context, string, []byte) error { return nil }

func (b *fakeBus) StreamRead(_ context.Context, _ string, lastID string, _ int) ([]domain.StreamMessage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reads = append(b.reads, lastID)
	out := b.batch
	b.batch = nil
	return out, nil
}

type recordingHandler struct {
	mu   sync.Mutex
	seen []string
}

func (h *recordingHandler) Handle(_ context.Context, payload []byte, signature string) (Result, error) {
	var sig domain.Signal
	_ = json.Unmarshal(payload, &sig)
	h.mu.Lock()
	h.seen = append(h.seen, sig.SignalID+"/"+signature)
	h.mu.Unlock()
	return Result{SignalID: sig.SignalID, Outcome: OutcomePrepared}, nil
}

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.seen)
}

func envelope(t *testing.T, id, signature string) []byte {
	t.Helper()
	payload, err := json.Marshal(domain.Signal{SignalID: id, SignalType: domain.SignalAbort})
	if err != nil {
		t.Fatal(err)
	}
	data, err := json.Marshal(domain.SignedEnvelope{Payload: payload, Signature: signature})
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func TestIngest_ConsumesInOrderAndAdvances(t *testing.T) {
	bus := &fakeBus{batch: []domain.StreamMessage{
		{ID: "100-0", Payload: envelope(t, "a", "s1")},
		{ID: "100-1", Payload: []byte("not json")},
		{ID: "101-0", Payload: envelope(t, "b", "s2")},
	}}
	h := &recordingHandler{}
	start := time.UnixMilli(99)
	in := NewIngest(bus, h, "", start, slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- in.Run(ctx) }()

	deadline := time.After(time.Second)
	for h.count() < 2 {
		select {
		case <-deadline:
			t.Fatal("signals not consumed")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	<-done

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.seen[0] != "a/s1" || h.seen[1] != "b/s2" {
		t.Errorf("unexpected order %v", h.seen)
	}
	if in.LastID() != "101-0" {
		t.Errorf("expected last id 101-0, got %s", in.LastID())
	}
	bus.mu.Lock()
	defer bus.mu.Unlock()
	if bus.reads[0] != "99-0" {
		t.Errorf("first read should start at 99-0, got %s", bus.reads[0])
	}
}

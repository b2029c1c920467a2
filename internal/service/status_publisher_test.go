package service

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/alanyoungcy/titanhub/internal/domain"
)

type memSink struct {
	mu   sync.Mutex
	msgs []domain.StatusMessage
	err  error
}

func (s *memSink) Broadcast(_ context.Context, msg domain.StatusMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msg)
	return s.err
}

func (s *memSink) last() domain.StatusMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.msgs[len(s.msgs)-1]
}

func TestSlippagePct(t *testing.T) {
	tests := []struct {
		name     string
		side     domain.Side
		fill     float64
		expected float64
		want     float64
	}{
		{"long paid up", domain.SideLong, 101, 100, 1},
		{"long improved", domain.SideLong, 99, 100, -1},
		{"short sold lower", domain.SideShort, 99, 100, 1},
		{"missing expected", domain.SideLong, 101, 0, 0},
		{"nothing known", domain.SideShort, 0, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SlippagePct(tt.side, tt.fill, tt.expected); math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("SlippagePct = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPublishStampsAndFansOut(t *testing.T) {
	failing := &memSink{err: errors.New("closed")}
	ok := &memSink{}
	p := NewStatusPublisher([]StatusSink{failing, ok}, nil, discardLogger())
	p.now = func() time.Time { return time.UnixMilli(1700000000000) }

	p.OrderRejected(context.Background(), "sig-1", "BTCUSDT", "RISK")
	if len(ok.msgs) != 1 {
		t.Fatalf("a failing sink must not stop delivery, got %d", len(ok.msgs))
	}
	msg := ok.last()
	if msg.ID == "" || msg.Timestamp != 1700000000000 || msg.Type != domain.StatusOrderRejected {
		t.Errorf("msg = %+v", msg)
	}
	if msg.Data["reason"] != "RISK" || msg.Symbol != "BTCUSDT" {
		t.Errorf("data = %+v", msg.Data)
	}
}

func TestOrderFilledType(t *testing.T) {
	sink := &memSink{}
	p := NewStatusPublisher([]StatusSink{sink}, nil, discardLogger())
	ctx := context.Background()

	p.OrderFilled(ctx, "a", "BTCUSDT", domain.SideLong, domain.FillResult{Filled: true, FillPrice: 100, FillSize: 1, RequestedSize: 1, ExpectedPrice: 100})
	if got := sink.last().Type; got != domain.StatusOrderFilled {
		t.Errorf("full fill type = %s", got)
	}
	p.OrderFilled(ctx, "b", "BTCUSDT", domain.SideLong, domain.FillResult{Filled: true, FillPrice: 100, FillSize: 0.5, RequestedSize: 1})
	msg := sink.last()
	if msg.Type != domain.StatusOrderPartiallyFilled || msg.Data["fill_percent"] != 50.0 {
		t.Errorf("partial fill msg = %+v", msg)
	}
	if msg.Data["slippage_pct"] != 0.0 {
		t.Errorf("slippage without expected price = %v", msg.Data["slippage_pct"])
	}
}

func TestHandleStateEvent(t *testing.T) {
	sink := &memSink{}
	p := NewStatusPublisher([]StatusSink{sink}, nil, discardLogger())
	at := time.UnixMilli(1700000000123)
	pos := &domain.Position{Symbol: "ETHUSDT"}

	tests := []struct {
		event string
		want  domain.StatusType
	}{
		{domain.EventPositionOpened, domain.StatusPositionOpened},
		{domain.EventPositionUpdated, domain.StatusPositionUpdated},
		{domain.EventPositionPartialClose, domain.StatusPositionUpdated},
		{domain.EventPositionClosed, domain.StatusPositionClosed},
	}
	for _, tt := range tests {
		p.HandleStateEvent(domain.StateEvent{Name: tt.event, Position: pos, At: at})
		msg := sink.last()
		if msg.Type != tt.want || msg.Symbol != "ETHUSDT" || msg.Timestamp != at.UnixMilli() {
			t.Errorf("%s -> %+v", tt.event, msg)
		}
	}

	n := len(sink.msgs)
	p.HandleStateEvent(domain.StateEvent{Name: domain.EventIntentProcessed, At: at})
	p.HandleStateEvent(domain.StateEvent{Name: domain.EventTradeRecorded, At: at})
	if len(sink.msgs) != n {
		t.Error("intent and trade events are not broadcast")
	}
}

func TestTreasuryHaltAndPhaseMessages(t *testing.T) {
	sink := &memSink{}
	p := NewStatusPublisher([]StatusSink{sink}, nil, discardLogger())

	p.Treasury(domain.SweepResult{Amount: 10})
	if got := sink.last().Type; got != domain.StatusSweepCompleted {
		t.Errorf("sweep ok type = %s", got)
	}
	p.Treasury(domain.SweepResult{Error: "boom"})
	if got := sink.last().Type; got != domain.StatusSweepFailed {
		t.Errorf("sweep failed type = %s", got)
	}

	p.Halt(HaltSoft, "drawdown")
	if msg := sink.last(); msg.Type != domain.StatusHaltChanged || msg.Data["level"] != "SOFT_HALT" {
		t.Errorf("halt msg = %+v", msg)
	}

	phases := DefaultPhases()
	p.PhaseChanged(phases[0], phases[1])
	if msg := sink.last(); msg.Type != domain.StatusPhaseChanged || msg.Data["to"] != "TREND_RIDER" || msg.Data["phase"] != 2 {
		t.Errorf("phase msg = %+v", msg)
	}

	p.EmergencyFlatten(context.Background(), "operator", []domain.TradeRecord{{Symbol: "BTCUSDT"}})
	if msg := sink.last(); msg.Type != domain.StatusEmergencyFlatten || msg.Data["closed"] != 1 || msg.Symbol != "" {
		t.Errorf("flatten msg = %+v", msg)
	}
}

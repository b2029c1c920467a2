package executor

import (
	"time"

	"github.com/alanyoungcy/titanhub/internal/domain"
)

// Drift classes.
const (
	DriftSpread  = "SPREAD"
	DriftLatency = "LATENCY"
)

// DriftReport describes one way a confirmed fill strayed from its signal.
type DriftReport struct {
	SignalID     string  `json:"signal_id"`
	Symbol       string  `json:"symbol"`
	Class        string  `json:"class"`
	Expected     float64 `json:"expected"`
	Actual       float64 `json:"actual"`
	DeviationBps float64 `json:"deviation_bps,omitempty"`
}

// DriftDetector compares confirmed fills against the signal that caused them.
// A zero threshold disables that check.
type DriftDetector struct {
	SpreadThresholdBps float64
	LatencyBudget      time.Duration
}

// Analyze reports latency drift when the fill landed more than the budget
// after the signal was emitted, and spread drift when a long filled above the
// entry zone (or a short below it) by more than the threshold.
func (d DriftDetector) Analyze(sig domain.Signal, side domain.Side, fill domain.FillResult, filledAt time.Time) []DriftReport {
	var out []DriftReport

	if d.LatencyBudget > 0 && sig.Timestamp > 0 {
		if lat := filledAt.Sub(sig.Time()); lat > d.LatencyBudget {
			out = append(out, DriftReport{
				SignalID: sig.SignalID,
				Symbol:   sig.Symbol,
				Class:    DriftLatency,
				Expected: float64(d.LatencyBudget.Milliseconds()),
				Actual:   float64(lat.Milliseconds()),
			})
		}
	}

	zone := sig.EntryZone
	if d.SpreadThresholdBps <= 0 || zone.Min <= 0 || zone.Max <= 0 || fill.FillPrice <= 0 {
		return out
	}
	var bound, bps float64
	if side == domain.SideLong {
		bound = zone.Max
		if fill.FillPrice > bound {
			bps = (fill.FillPrice - bound) / bound * 10000
		}
	} else {
		bound = zone.Min
		if fill.FillPrice < bound {
			bps = (bound - fill.FillPrice) / bound * 10000
		}
	}
	if bps > d.SpreadThresholdBps {
		out = append(out, DriftReport{
			SignalID:     sig.SignalID,
			Symbol:       sig.Symbol,
			Class:        DriftSpread,
			Expected:     bound,
			Actual:       fill.FillPrice,
			DeviationBps: bps,
		})
	}
	return out
}

package service

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/alanyoungcy/titanhub/internal/domain"
	"github.com/alanyoungcy/titanhub/internal/metrics"
)

// Phase is an equity band with the signal sources allowed to trade in it.
type Phase struct {
	Number      int                   `json:"number"`
	Name        string                `json:"name"`
	MinEquity   float64               `json:"min_equity"`
	Sources     []domain.SignalSource `json:"sources"`
	RiskPct     float64               `json:"risk_pct"`
	MaxLeverage float64               `json:"max_leverage"`
}

// Allows reports whether src may trade in this phase.
func (p Phase) Allows(src domain.SignalSource) bool {
	for _, s := range p.Sources {
		if s == src {
			return true
		}
	}
	return false
}

// DefaultPhases returns the stock three-phase ladder.
func DefaultPhases() []Phase {
	return []Phase{
		{Number: 1, Name: "KICKSTARTER", MinEquity: 0, Sources: []domain.SignalSource{domain.SourceScavenger}, RiskPct: 10, MaxLeverage: 20},
		{Number: 2, Name: "TREND_RIDER", MinEquity: 1000, Sources: []domain.SignalSource{domain.SourceHunter}, RiskPct: 5, MaxLeverage: 10},
		{Number: 3, Name: "CAPITAL_PRESERVATION", MinEquity: 5000, Sources: []domain.SignalSource{domain.SourceHunter, domain.SourceSentinel}, RiskPct: 2, MaxLeverage: 5},
	}
}

// PhaseManager maps equity to the active trading phase.
type PhaseManager struct {
	mu       sync.RWMutex
	phases   []Phase
	current  Phase
	equity   float64
	metrics  *metrics.Metrics
	logger   *slog.Logger
	onChange []func(from, to Phase)
}

// NewPhaseManager validates the ladder and starts in the lowest phase.
func NewPhaseManager(phases []Phase, m *metrics.Metrics, logger *slog.Logger) (*PhaseManager, error) {
	if len(phases) == 0 {
		return nil, fmt.Errorf("phase_manager: %w: no phases configured", domain.ErrValidation)
	}
	sorted := append([]Phase(nil), phases...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].MinEquity < sorted[j].MinEquity })
	if sorted[0].MinEquity > 0 {
		return nil, fmt.Errorf("phase_manager: %w: lowest phase must start at 0 equity", domain.ErrValidation)
	}
	for i, p := range sorted {
		if len(p.Sources) == 0 {
			return nil, fmt.Errorf("phase_manager: %w: phase %d has no sources", domain.ErrValidation, p.Number)
		}
		if i > 0 && p.MinEquity == sorted[i-1].MinEquity {
			return nil, fmt.Errorf("phase_manager: %w: phases %d and %d share a threshold", domain.ErrValidation, sorted[i-1].Number, p.Number)
		}
	}
	pm := &PhaseManager{
		phases:  sorted,
		current: sorted[0],
		metrics: m,
		logger:  logger.With(slog.String("component", "phase_manager")),
	}
	m.SetPhase(sorted[0].Number)
	return pm, nil
}

// OnChange registers fn to run after each phase transition.
func (pm *PhaseManager) OnChange(fn func(from, to Phase)) {
	pm.mu.Lock()
	pm.onChange = append(pm.onChange, fn)
	pm.mu.Unlock()
}

// PhaseFor returns the phase for an equity level without changing state.
func (pm *PhaseManager) PhaseFor(equity float64) Phase {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.phaseForLocked(equity)
}

func (pm *PhaseManager) phaseForLocked(equity float64) Phase {
	out := pm.phases[0]
	for _, p := range pm.phases {
		if equity >= p.MinEquity {
			out = p
		}
	}
	return out
}

// UpdateEquity records the latest equity and returns the active phase.
func (pm *PhaseManager) UpdateEquity(equity float64) Phase {
	pm.mu.Lock()
	pm.equity = equity
	next := pm.phaseForLocked(equity)
	prev := pm.current
	pm.current = next
	hooks := append([]func(from, to Phase){}, pm.onChange...)
	pm.mu.Unlock()

	if next.Number != prev.Number {
		pm.logger.Info("phase_manager: phase transition",
			slog.Int("from", prev.Number),
			slog.Int("to", next.Number),
			slog.String("name", next.Name),
			slog.Float64("equity", equity),
		)
		pm.metrics.SetPhase(next.Number)
		for _, fn := range hooks {
			fn(prev, next)
		}
	}
	return next
}

// CurrentPhase returns the active phase.
func (pm *PhaseManager) CurrentPhase() Phase {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.current
}

// Equity returns the last recorded equity.
func (pm *PhaseManager) Equity() float64 {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.equity
}

// CheckSource fails with ErrPhaseMismatch when src is not allowed in the
// active phase.
func (pm *PhaseManager) CheckSource(src domain.SignalSource) error {
	cur := pm.CurrentPhase()
	if !cur.Allows(src) {
		return fmt.Errorf("phase_manager: source %q not active in phase %d (%s): %w", src, cur.Number, cur.Name, domain.ErrPhaseMismatch)
	}
	return nil
}

package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/titanhub/internal/domain"
)

const snapshotVersion = 1

// shadowSnapshot is the serialized form of Shadow State.
type shadowSnapshot struct {
	Version   int                  `json:"version"`
	Positions []domain.Position    `json:"positions"`
	Intents   []domain.Intent      `json:"intents"`
	Trades    []domain.TradeRecord `json:"trades"`
	Terminal  []terminalEntry      `json:"terminal,omitempty"`
	SavedAt   time.Time            `json:"saved_at"`
}

// terminalEntry is one remembered terminal signal id, oldest first.
type terminalEntry struct {
	SignalID string              `json:"signal_id"`
	Status   domain.IntentStatus `json:"status"`
}

// Recover loads active positions from the database into memory. Rows for
// symbols already held in memory are left alone, and invalid rows are
// skipped. It returns the number of positions restored.
func (s *ShadowState) Recover(ctx context.Context) (int, error) {
	if s.db == nil {
		return 0, nil
	}
	rows, err := s.db.GetActivePositions(ctx)
	if err != nil {
		return 0, fmt.Errorf("shadow_state: recover: %w", err)
	}

	// Latest row per symbol wins.
	latest := make(map[string]domain.PositionRow, len(rows))
	for _, r := range rows {
		if prev, ok := latest[r.Symbol]; ok && prev.OpenedAt.After(r.OpenedAt) {
			continue
		}
		latest[r.Symbol] = r
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return 0, fmt.Errorf("shadow_state: recover: %w", domain.ErrDestroyed)
	}

	now := s.now()
	restored := 0
	for sym, r := range latest {
		if err := validateRow(r); err != nil {
			s.logger.Warn("shadow_state: skipping invalid recovered row",
				slog.String("symbol", sym),
				slog.String("error", err.Error()),
			)
			continue
		}
		if _, exists := s.positions[sym]; exists {
			continue
		}
		pos := &domain.Position{
			Symbol:     sym,
			Side:       r.Side,
			Size:       r.Size,
			EntryPrice: r.AvgEntry,
			StopLoss:   r.CurrentStop,
			SignalID:   fmt.Sprintf("recovered_%s_%d", sym, now.UnixMilli()),
			OpenedAt:   r.OpenedAt,
			UpdatedAt:  now,
		}
		if r.CurrentTP > 0 {
			pos.TakeProfits = []float64{r.CurrentTP}
		}
		s.positions[sym] = pos
		restored++
		s.logger.Info("shadow_state: position recovered",
			slog.String("symbol", sym),
			slog.String("side", string(pos.Side)),
			slog.Float64("size", pos.Size),
			slog.Float64("entry_price", pos.EntryPrice),
		)
	}
	return restored, nil
}

func validateRow(r domain.PositionRow) error {
	switch {
	case r.Symbol == "":
		return fmt.Errorf("%w: empty symbol", domain.ErrValidation)
	case !r.Side.Valid():
		return fmt.Errorf("%w: unknown side %q", domain.ErrValidation, r.Side)
	case !validPrice(r.Size):
		return fmt.Errorf("%w: size %v", domain.ErrValidation, r.Size)
	case !validPrice(r.AvgEntry):
		return fmt.Errorf("%w: avg entry %v", domain.ErrValidation, r.AvgEntry)
	}
	return nil
}

// Serialize encodes positions, pending intents, trade history and the
// remembered terminal ids as JSON.
func (s *ShadowState) Serialize() ([]byte, error) {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return nil, fmt.Errorf("shadow_state: serialize: %w", domain.ErrDestroyed)
	}
	snap := shadowSnapshot{
		Version:   snapshotVersion,
		Positions: s.positionsLocked(),
		Trades:    s.recentTradesLocked(0),
		SavedAt:   s.now(),
	}
	for _, i := range s.intents {
		snap.Intents = append(snap.Intents, i.Clone())
	}
	for _, id := range s.terminalOrder {
		snap.Terminal = append(snap.Terminal, terminalEntry{SignalID: id, Status: s.terminal[id]})
	}
	s.mu.Unlock()

	data, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("shadow_state: serialize: %w", err)
	}
	return data, nil
}

// Deserialize replaces the in-memory state with a serialized snapshot. The
// whole snapshot is validated before anything is applied. Terminal ids
// remembered before the call are discarded in favour of the snapshot's.
func (s *ShadowState) Deserialize(data []byte) error {
	var snap shadowSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("shadow_state: deserialize: %w: %v", domain.ErrValidation, err)
	}
	if snap.Version != snapshotVersion {
		return fmt.Errorf("shadow_state: deserialize: %w: unsupported version %d", domain.ErrValidation, snap.Version)
	}

	positions := make(map[string]*domain.Position, len(snap.Positions))
	for idx, p := range snap.Positions {
		if err := validateRow(p.ToRow()); err != nil {
			return fmt.Errorf("shadow_state: deserialize: position %d: %w", idx, err)
		}
		if _, dup := positions[p.Symbol]; dup {
			return fmt.Errorf("shadow_state: deserialize: %w: duplicate position for %s", domain.ErrValidation, p.Symbol)
		}
		cp := p.Clone()
		positions[p.Symbol] = &cp
	}
	intents := make(map[string]*domain.Intent, len(snap.Intents))
	for idx, i := range snap.Intents {
		if i.SignalID == "" || i.Symbol == "" || (i.Direction != 1 && i.Direction != -1) {
			return fmt.Errorf("shadow_state: deserialize: %w: intent %d is malformed", domain.ErrValidation, idx)
		}
		if i.Status.Terminal() {
			return fmt.Errorf("shadow_state: deserialize: %w: intent %s has terminal status %s", domain.ErrValidation, i.SignalID, i.Status)
		}
		cp := i.Clone()
		intents[i.SignalID] = &cp
	}
	for idx, t := range snap.Trades {
		if t.Symbol == "" || !t.Side.Valid() {
			return fmt.Errorf("shadow_state: deserialize: %w: trade %d is malformed", domain.ErrValidation, idx)
		}
	}
	terminal := make(map[string]domain.IntentStatus, len(snap.Terminal))
	var terminalOrder []string
	for idx, e := range snap.Terminal {
		if e.SignalID == "" || !e.Status.Terminal() {
			return fmt.Errorf("shadow_state: deserialize: %w: terminal entry %d is malformed", domain.ErrValidation, idx)
		}
		if _, pending := intents[e.SignalID]; pending {
			return fmt.Errorf("shadow_state: deserialize: %w: intent %s is both pending and terminal", domain.ErrValidation, e.SignalID)
		}
		if _, dup := terminal[e.SignalID]; !dup {
			terminalOrder = append(terminalOrder, e.SignalID)
		}
		terminal[e.SignalID] = e.Status
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return fmt.Errorf("shadow_state: deserialize: %w", domain.ErrDestroyed)
	}
	s.positions = positions
	s.intents = intents
	s.terminal = make(map[string]domain.IntentStatus, len(terminal))
	s.terminalOrder = nil
	for _, id := range terminalOrder {
		s.rememberLocked(id, terminal[id])
	}
	s.trades = nil
	for _, t := range snap.Trades {
		s.appendTradeLocked(t)
	}
	return nil
}

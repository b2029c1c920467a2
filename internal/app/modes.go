package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/titanhub/internal/broker"
	"github.com/alanyoungcy/titanhub/internal/config"
	"github.com/alanyoungcy/titanhub/internal/crypto"
	"github.com/alanyoungcy/titanhub/internal/domain"
	"github.com/alanyoungcy/titanhub/internal/executor"
	"github.com/alanyoungcy/titanhub/internal/server"
	"github.com/alanyoungcy/titanhub/internal/server/handler"
	"github.com/alanyoungcy/titanhub/internal/server/middleware"
	"github.com/alanyoungcy/titanhub/internal/server/ws"
	"github.com/alanyoungcy/titanhub/internal/service"
)

// core is the execution stack shared by every run mode. router is nil in
// monitor mode.
type core struct {
	shadow    *service.ShadowState
	phases    *service.PhaseManager
	risk      *service.RiskGuard
	treasury  *service.TreasuryManager
	status    *service.StatusPublisher
	valuation *service.ValuationService
	gateway   *broker.Guarded
	verifier  *crypto.SignalVerifier
	router    *executor.Router
	hub       *ws.Hub
	statusH   *handler.StatusHandler
}

// HubMode runs the full execution hub against the configured gateway, or the
// paper broker when none was supplied.
func (a *App) HubMode(ctx context.Context, deps *Dependencies) error {
	gw := a.gateway
	if gw == nil {
		a.logger.WarnContext(ctx, "hub mode: no exchange gateway supplied, trading against the paper broker")
		gw = a.paperBroker(deps)
	}
	return a.run(ctx, deps, gw, false)
}

// PaperMode runs the full hub against the simulated exchange seeded from
// [paper].
func (a *App) PaperMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting paper mode",
		slog.Float64("futures_balance", a.cfg.Paper.FuturesBalance),
		slog.Float64("spot_balance", a.cfg.Paper.SpotBalance),
	)
	return a.run(ctx, deps, a.paperBroker(deps), false)
}

// MonitorMode recovers state and serves the read-only HTTP and WebSocket
// surface. It accepts no signals and runs no sweeps.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting monitor mode")
	gw := a.gateway
	if gw == nil {
		gw = a.paperBroker(deps)
	}
	return a.run(ctx, deps, gw, true)
}

func (a *App) paperBroker(deps *Dependencies) *broker.PaperBroker {
	p := a.cfg.Paper
	return broker.NewPaperBroker(broker.PaperConfig{
		FuturesBalance: p.FuturesBalance,
		SpotBalance:    p.SpotBalance,
		SlippageBps:    p.SlippageBps,
		FeeBps:         p.FeeBps,
		SpreadBps:      p.SpreadBps,
		FundingRate:    p.FundingRate,
		Prices:         p.Prices,
	}, deps.PriceCache, a.logger)
}

func (a *App) run(ctx context.Context, deps *Dependencies, gw domain.BrokerGateway, readOnly bool) error {
	c, err := a.buildCore(ctx, deps, gw, readOnly)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, func() { a.shutdownCore(c) })

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return c.hub.Run(ctx) })
	g.Go(func() error { return c.valuation.Run(ctx) })
	g.Go(func() error { return a.pollBalances(ctx, c.treasury) })

	if !readOnly {
		g.Go(func() error { return c.router.Run(ctx) })

		if a.cfg.Router.StreamIngest && deps.SignalBus != nil {
			ingest := executor.NewIngest(deps.SignalBus, c.router, a.cfg.Router.Stream, time.Now(), a.logger)
			g.Go(func() error { return ingest.Run(ctx) })
		}

		sched, err := a.buildScheduler(deps, c)
		if err != nil {
			return err
		}
		g.Go(func() error { return sched.Run(ctx) })
	}

	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, c, readOnly)
	}

	return g.Wait()
}

// buildCore assembles the execution stack and restores persisted state
// before anything can accept a signal.
func (a *App) buildCore(ctx context.Context, deps *Dependencies, gw domain.BrokerGateway, readOnly bool) (*core, error) {
	m := deps.Metrics
	var events domain.EventLog = deps.DB

	c := &core{}
	c.gateway = broker.NewGuarded(gw,
		broker.NewCircuitBreaker(a.cfg.Router.BreakerMaxFailures, a.cfg.Router.BreakerResetTimeout.Duration),
		m, a.logger)

	c.shadow = service.NewShadowState(deps.DB, service.ShadowStateConfig{
		MaxTradeHistory: a.cfg.Router.MaxTradeHistory,
	}, m, a.logger)
	if err := a.recover(ctx, c.shadow, events); err != nil {
		return nil, err
	}

	c.risk = service.NewRiskGuard(riskConfig(a.cfg.Risk), events, m, a.logger)
	if err := c.risk.Restore(ctx); err != nil {
		a.logger.WarnContext(ctx, "app: halt state not restored", slog.String("error", err.Error()))
	}

	phases, err := service.NewPhaseManager(phaseLadder(a.cfg.Phases), m, a.logger)
	if err != nil {
		return nil, fmt.Errorf("app: phases: %w", err)
	}
	c.phases = phases

	c.hub = ws.NewHub(deps.SignalBus, ws.Config{
		AllowedOrigins: a.cfg.Server.WSOrigins,
		Snapshot: func() map[string]any {
			return c.statusH.Snapshot()
		},
	}, m, a.logger)

	// With Redis the hub relays the shared status channel, so publishing
	// goes through the bus and every instance sees it.
	sinks := []service.StatusSink{deps.Notifier}
	if deps.Bus != nil {
		sinks = append(sinks, deps.Bus)
	} else {
		sinks = append(sinks, c.hub)
	}
	c.status = service.NewStatusPublisher(sinks, m, a.logger)
	c.shadow.Subscribe(c.status.HandleStateEvent)
	c.risk.OnHaltChange(c.status.Halt)
	c.phases.OnChange(c.status.PhaseChanged)

	c.treasury = service.NewTreasuryManager(c.gateway, events, deps.LockManager, deps.Notifier, treasuryConfig(a.cfg.Treasury), m, a.logger)
	c.treasury.UseUnrealizedPnL(c.shadow.TotalUnrealizedPnL)
	c.treasury.OnBalances(func(w domain.WalletSnapshot) {
		nav := w.TotalNAV()
		c.phases.UpdateEquity(nav)
		c.risk.UpdateEquity(context.Background(), nav)
	})
	c.treasury.OnSweepCompleted(c.status.Treasury)
	c.treasury.OnSweepFailed(c.status.Treasury)
	// Seed equity so the first signal is checked against the right phase.
	c.treasury.UpdateBalances(ctx)

	c.valuation = service.NewValuationService(c.shadow, c.risk, deps.PriceCache, deps.SignalBus, m, a.logger)

	var routerView handler.SignalRouter
	if !readOnly {
		verifier, err := crypto.NewSignalVerifier(
			a.cfg.Security.HMACSecret,
			a.cfg.Security.SignatureTolerance.Duration,
			a.cfg.Security.AllowUnsigned,
		)
		if err != nil {
			return nil, fmt.Errorf("app: signal verifier: %w", err)
		}
		c.verifier = verifier

		var postTrade executor.PostTradeHook
		if a.cfg.Treasury.Enabled {
			postTrade = c.treasury
		}
		c.router = executor.NewRouter(executor.Deps{
			Verifier:    verifier,
			Shadow:      c.shadow,
			Phases:      c.phases,
			Risk:        c.risk,
			Broker:      c.gateway,
			Status:      c.status,
			Events:      events,
			Idempotency: deps.Idempotency,
			Books:       deps.BookCache,
			PostTrade:   postTrade,
			Metrics:     m,
		}, routerConfig(a.cfg.Router), a.logger)
		routerView = c.router
	}

	c.statusH = handler.NewStatusHandler(a.cfg.Mode, c.shadow, c.risk, c.phases, c.treasury, routerView,
		func() string { return c.gateway.State().String() })

	return c, nil
}

// recover loads active positions. A failure starts the hub empty unless
// recovery_strict is set.
func (a *App) recover(ctx context.Context, shadow *service.ShadowState, events domain.EventLog) error {
	n, err := shadow.Recover(ctx)
	if err != nil {
		if events != nil {
			_ = events.LogEvent(ctx, domain.SysRecoveryFailed, map[string]any{"error": err.Error()})
		}
		if a.cfg.Router.RecoveryStrict {
			return fmt.Errorf("app: recover shadow state: %w", err)
		}
		a.logger.WarnContext(ctx, "app: recovery failed, starting with empty state",
			slog.String("error", err.Error()),
		)
		return nil
	}
	if events != nil {
		_ = events.LogEvent(ctx, domain.SysRecoveryCompleted, map[string]any{"positions": n})
	}
	a.logger.InfoContext(ctx, "app: shadow state recovered", slog.Int("positions", n))
	return nil
}

func (a *App) shutdownCore(c *core) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if c.router != nil {
		if err := c.router.Wait(ctx); err != nil {
			a.logger.Warn("app: post-trade checks still running", slog.String("error", err.Error()))
		}
	}
	if err := c.shadow.Drain(ctx); err != nil {
		a.logger.Warn("app: shadow state drain incomplete", slog.String("error", err.Error()))
	}
	c.shadow.Destroy()
}

// pollBalances refreshes wallet balances, which drives phase and equity
// tracking.
func (a *App) pollBalances(ctx context.Context, t *service.TreasuryManager) error {
	interval := a.cfg.Treasury.BalancePoll.Duration
	if interval <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			t.UpdateBalances(ctx)
		}
	}
}

func (a *App) buildScheduler(deps *Dependencies, c *core) (*service.Scheduler, error) {
	sched := service.NewScheduler(a.logger)

	tc := a.cfg.Treasury
	if tc.Enabled && tc.Schedule != "" {
		err := sched.Add("treasury_sweep", tc.Schedule, tc.ScheduleTimeout.Duration, func(ctx context.Context) error {
			_, err := c.treasury.ExecuteSweep(ctx, "scheduled")
			if errors.Is(err, domain.ErrSweepInProgress) {
				return nil
			}
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("app: %w", err)
		}
	}

	if rc := a.cfg.Router; rc.FundingSchedule != "" {
		funding := service.NewFundingAccruer(c.shadow, c.gateway, deps.DB, deps.Metrics, a.logger)
		err := sched.Add("funding", rc.FundingSchedule, rc.FundingTimeout.Duration, func(ctx context.Context) error {
			_, err := funding.Accrue(ctx)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("app: %w", err)
		}
	}

	if deps.Archiver != nil {
		ac := a.cfg.Archive
		err := sched.Add("archive", ac.Schedule, ac.Timeout.Duration, func(ctx context.Context) error {
			return a.archive(ctx, deps.Archiver, c.shadow)
		})
		if err != nil {
			return nil, fmt.Errorf("app: %w", err)
		}
	}
	return sched, nil
}

// archive uploads the current Shadow State snapshot, then moves trades past
// the retention window to the bucket.
func (a *App) archive(ctx context.Context, arch domain.Archiver, shadow *service.ShadowState) error {
	now := time.Now().UTC()
	snap, err := shadow.Serialize()
	if err != nil {
		return fmt.Errorf("archive: %w", err)
	}
	if err := arch.ArchiveSnapshot(ctx, snap, now); err != nil {
		return fmt.Errorf("archive: %w", err)
	}
	cutoff := now.AddDate(0, 0, -a.cfg.Archive.RetentionDays)
	n, err := arch.ArchiveTrades(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("archive: %w", err)
	}
	a.logger.InfoContext(ctx, "archive: completed",
		slog.Int64("trades", n),
		slog.Time("cutoff", cutoff),
	)
	return nil
}

func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, c *core, readOnly bool) {
	checks := make(map[string]handler.Pinger, len(deps.Health)+1)
	for name, p := range deps.Health {
		checks[name] = p
	}
	checks["broker"] = handler.PingFunc(c.gateway.HealthCheck)

	h := server.Handlers{
		Health:    handler.NewHealthHandler(checks, a.logger),
		Status:    c.statusH,
		Positions: handler.NewPositionHandler(c.shadow),
		Trades:    handler.NewTradeHandler(c.shadow, deps.DB, a.logger),
		Config:    handler.NewConfigHandler(config.RedactedConfig(a.cfg)),
	}
	if deps.DB != nil {
		h.Events = handler.NewEventHandler(deps.DB, a.logger)
	}
	if deps.Metrics != nil {
		h.Metrics = deps.Metrics.Handler()
	}
	if !readOnly {
		h.Treasury = handler.NewTreasuryHandler(c.treasury, a.logger)
		h.Signals = handler.NewSignalHandler(c.router, a.logger)
		var events domain.EventLog = deps.DB
		h.Control = handler.NewControlHandler(c.verifier, c.risk, c.router, events, deps.Idempotency, a.logger)
	}

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		Auth: middleware.AuthConfig{
			APIKey:    a.cfg.Security.APIKey,
			JWTSecret: a.cfg.Security.JWTSecret,
			Issuer:    a.cfg.Security.JWTIssuer,
		},
		RateLimit:  a.cfg.Server.RateLimit,
		RateWindow: a.cfg.Server.RateWindow.Duration,
	}, h, c.hub, deps.RateLimiter, a.logger)

	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout.Duration)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}

func riskConfig(rc config.RiskConfig) service.RiskConfig {
	wl := make([]string, 0, len(rc.SymbolWhitelist))
	for _, s := range rc.SymbolWhitelist {
		wl = append(wl, strings.ToUpper(s))
	}
	return service.RiskConfig{
		SymbolWhitelist:      wl,
		MaxPositionNotional:  rc.MaxPositionNotional,
		MaxAccountLeverage:   rc.MaxAccountLeverage,
		MaxSignalLeverage:    rc.MaxSignalLeverage,
		MaxDailyLoss:         rc.MaxDailyLoss,
		MaxDrawdownPct:       rc.MaxDrawdownPct,
		MaxOpenPositions:     rc.MaxOpenPositions,
		MaxConsecutiveLosses: rc.MaxConsecutiveLosses,
		LossCooldown:         rc.LossCooldown.Duration,
		MaxStaleness:         rc.MaxStaleness.Duration,
	}
}

func treasuryConfig(tc config.TreasuryConfig) service.TreasuryConfig {
	return service.TreasuryConfig{
		Coin:               tc.Coin,
		TargetAllocation:   tc.TargetAllocation,
		SweepThreshold:     tc.SweepThreshold,
		ReserveLimit:       tc.ReserveLimit,
		MaxRetries:         tc.MaxRetries,
		RetryDelay:         tc.RetryDelay.Duration,
		PostTradeThreshold: tc.PostTradeThreshold,
		AmountPrecision:    tc.AmountPrecision,
		LockTTL:            tc.LockTTL.Duration,
	}
}

func routerConfig(rc config.RouterConfig) executor.Config {
	return executor.Config{
		PreparedTTL:     rc.PreparedTTL.Duration,
		MaxIntentAge:    rc.MaxIntentAge.Duration,
		MaxSignalAge:    rc.MaxSignalAge.Duration,
		BookDepth:       rc.BookDepth,
		OrderTimeout:    rc.OrderTimeout.Duration,
		IdempotencyTTL:  rc.IdempotencyTTL.Duration,
		CleanupInterval: rc.CleanupInterval.Duration,
		Drift: executor.DriftDetector{
			SpreadThresholdBps: rc.DriftSpreadBps,
			LatencyBudget:      rc.DriftLatencyBudget.Duration,
		},
	}
}

func phaseLadder(pcs []config.PhaseConfig) []service.Phase {
	out := make([]service.Phase, 0, len(pcs))
	for _, pc := range pcs {
		sources := make([]domain.SignalSource, 0, len(pc.Sources))
		for _, s := range pc.Sources {
			sources = append(sources, domain.SignalSource(strings.ToLower(s)))
		}
		out = append(out, service.Phase{
			Number:      pc.Number,
			Name:        pc.Name,
			MinEquity:   pc.MinEquity,
			Sources:     sources,
			RiskPct:     pc.RiskPct,
			MaxLeverage: pc.MaxLeverage,
		})
	}
	return out
}

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for the execution hub. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	SignalsTotal     *prometheus.CounterVec // labels: type, result
	IntentRejections *prometheus.CounterVec // labels: reason
	OrderLatency     prometheus.Histogram
	OpenPositions    prometheus.Gauge
	Exposure         prometheus.Gauge
	PersistFailures  *prometheus.CounterVec // labels: op
	DriftReports     *prometheus.CounterVec // labels: class
	FundingApplied   prometheus.Counter

	// Treasury
	EquityNAV    prometheus.Gauge
	SweepsTotal  *prometheus.CounterVec // labels: result
	SweptAmount  prometheus.Counter
	SweepRetries prometheus.Counter

	// Risk
	BreakerState  prometheus.Gauge // 0=closed, 1=open, 2=half-open
	BreakerTrips  prometheus.Counter
	HaltState     prometheus.Gauge // 0=open, 1=soft, 2=hard
	ActivePhase   prometheus.Gauge
	WSClients     prometheus.Gauge
	StatusDropped prometheus.Counter
}

// NewMetrics creates and registers all collectors on a private registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		SignalsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "titan_signals_total",
			Help: "Signals handled by the router (by type and result)",
		}, []string{"type", "result"}),
		IntentRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "titan_intent_rejections_total",
			Help: "Intents rejected or expired (by reason)",
		}, []string{"reason"}),
		OrderLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "titan_order_latency_seconds",
			Help:    "Broker order placement latency",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}),
		OpenPositions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "titan_open_positions",
			Help: "Open positions held in shadow state",
		}),
		Exposure: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "titan_exposure_notional",
			Help: "Total notional of open positions",
		}),
		PersistFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "titan_persist_failures_total",
			Help: "Background persistence writes that failed (by operation)",
		}, []string{"op"}),
		DriftReports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "titan_execution_drift_total",
			Help: "Confirmed trades that drifted from their signal (by class)",
		}, []string{"class"}),
		FundingApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "titan_funding_applied_total",
			Help: "Absolute funding accrued on open positions",
		}),
		EquityNAV: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "titan_equity_nav",
			Help: "Last known total NAV (futures + spot + unrealized)",
		}),
		SweepsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "titan_sweeps_total",
			Help: "Treasury sweeps (by result)",
		}, []string{"result"}),
		SweptAmount: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "titan_swept_amount_total",
			Help: "Total amount moved from futures to spot",
		}),
		SweepRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "titan_sweep_retries_total",
			Help: "Transfer attempts retried after failure",
		}),
		BreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "titan_broker_circuit_breaker_state",
			Help: "Broker circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		BreakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "titan_broker_circuit_breaker_trips_total",
			Help: "Times the broker circuit breaker tripped open",
		}),
		HaltState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "titan_halt_state",
			Help: "Global halt state (0=open, 1=soft halt, 2=hard halt)",
		}),
		ActivePhase: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "titan_active_phase",
			Help: "Active trading phase number",
		}),
		WSClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "titan_ws_clients",
			Help: "Connected status websocket clients",
		}),
		StatusDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "titan_status_dropped_total",
			Help: "Status messages dropped for slow websocket clients",
		}),
	}

	m.registry.MustRegister(
		m.SignalsTotal,
		m.IntentRejections,
		m.OrderLatency,
		m.OpenPositions,
		m.Exposure,
		m.PersistFailures,
		m.DriftReports,
		m.FundingApplied,
		m.EquityNAV,
		m.SweepsTotal,
		m.SweptAmount,
		m.SweepRetries,
		m.BreakerState,
		m.BreakerTrips,
		m.HaltState,
		m.ActivePhase,
		m.WSClients,
		m.StatusDropped,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Signal(typ, result string) {
	if m == nil {
		return
	}
	m.SignalsTotal.WithLabelValues(typ, result).Inc()
}

func (m *Metrics) IntentRejected(reason string) {
	if m == nil {
		return
	}
	m.IntentRejections.WithLabelValues(reason).Inc()
}

func (m *Metrics) ObserveOrder(d time.Duration) {
	if m == nil {
		return
	}
	m.OrderLatency.Observe(d.Seconds())
}

func (m *Metrics) SetPositions(count int, exposure float64) {
	if m == nil {
		return
	}
	m.OpenPositions.Set(float64(count))
	m.Exposure.Set(exposure)
}

func (m *Metrics) PersistFailed(op string) {
	if m == nil {
		return
	}
	m.PersistFailures.WithLabelValues(op).Inc()
}

func (m *Metrics) Drift(class string) {
	if m == nil {
		return
	}
	m.DriftReports.WithLabelValues(class).Inc()
}

// FundingAccrued adds the absolute funding amount; counters cannot go down.
func (m *Metrics) FundingAccrued(amount float64) {
	if m == nil || amount == 0 {
		return
	}
	if amount < 0 {
		amount = -amount
	}
	m.FundingApplied.Add(amount)
}

func (m *Metrics) SetNAV(nav float64) {
	if m == nil {
		return
	}
	m.EquityNAV.Set(nav)
}

func (m *Metrics) Sweep(result string, amount float64) {
	if m == nil {
		return
	}
	m.SweepsTotal.WithLabelValues(result).Inc()
	if amount > 0 {
		m.SweptAmount.Add(amount)
	}
}

func (m *Metrics) SweepRetried() {
	if m == nil {
		return
	}
	m.SweepRetries.Inc()
}

func (m *Metrics) SetBreakerState(state int, tripped bool) {
	if m == nil {
		return
	}
	m.BreakerState.Set(float64(state))
	if tripped {
		m.BreakerTrips.Inc()
	}
}

func (m *Metrics) SetHaltState(level int) {
	if m == nil {
		return
	}
	m.HaltState.Set(float64(level))
}

func (m *Metrics) SetPhase(phase int) {
	if m == nil {
		return
	}
	m.ActivePhase.Set(float64(phase))
}

func (m *Metrics) SetWSClients(n int) {
	if m == nil {
		return
	}
	m.WSClients.Set(float64(n))
}

func (m *Metrics) StatusDrop() {
	if m == nil {
		return
	}
	m.StatusDropped.Inc()
}

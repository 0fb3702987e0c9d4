package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Risk 风控引擎指标
type Risk struct {
	common

	ordersValidated  *prometheus.CounterVec
	rejections       *prometheus.CounterVec
	checkDuration    *prometheus.HistogramVec
	fundLocks        *prometheus.CounterVec
	liquidations     prometheus.Counter
	killSwitch       prometheus.Gauge
	circuitBreaker   prometheus.Gauge
	rejectionRate    prometheus.Gauge
	trimmedEntries   *prometheus.CounterVec
	rulesReloadTotal *prometheus.CounterVec
}

// NewRisk 创建风控指标 registry
func NewRisk() *Risk {
	c := newCommon()

	m := &Risk{
		common: c,
		ordersValidated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orders_validated_total",
			Help: "Total number of orders validated, by result.",
		}, []string{"result"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orders_rejected_total",
			Help: "Total number of rejected orders, by reason code.",
		}, []string{"reason"}),
		checkDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "risk_check_duration_seconds",
			Help:    "Duration of the risk pipeline in seconds.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}, []string{"result"}),
		fundLocks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fund_lock_operations_total",
			Help: "Total number of fund lock operations.",
		}, []string{"operation", "status"}),
		liquidations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "liquidations_triggered_total",
			Help: "Total number of liquidation events published.",
		}),
		killSwitch: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kill_switch_status",
			Help: "Effective kill switch state (1 = active).",
		}),
		circuitBreaker: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "circuit_breaker_status",
			Help: "Circuit breaker auto-trip state (1 = tripped).",
		}),
		rejectionRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rejection_rate_per_minute",
			Help: "Rejections counted in the current breaker window.",
		}),
		trimmedEntries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "redis_stream_trimmed_entries_total",
			Help: "Total number of stream entries removed by the janitor.",
		}, []string{"stream"}),
		rulesReloadTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "risk_rules_reload_total",
			Help: "Total number of risk rules reload attempts.",
		}, []string{"status"}),
	}

	c.registry.MustRegister(
		m.ordersValidated, m.rejections, m.checkDuration, m.fundLocks, m.liquidations,
		m.killSwitch, m.circuitBreaker, m.rejectionRate, m.trimmedEntries, m.rulesReloadTotal,
	)
	return m
}

// ObserveDecision result: approved/rejected/error
func (m *Risk) ObserveDecision(result, reason string, d time.Duration) {
	if m == nil {
		return
	}
	m.ordersValidated.WithLabelValues(result).Inc()
	m.checkDuration.WithLabelValues(result).Observe(d.Seconds())
	if reason != "" {
		m.rejections.WithLabelValues(reason).Inc()
	}
}

// IncFundLock operation: lock；status: success/failure
func (m *Risk) IncFundLock(operation, status string) {
	if m == nil {
		return
	}
	m.fundLocks.WithLabelValues(operation, status).Inc()
}

func (m *Risk) IncLiquidation() {
	if m == nil {
		return
	}
	m.liquidations.Inc()
}

// SetBreaker 同步熔断器状态
func (m *Risk) SetBreaker(killSwitch, tripped bool, rejections int) {
	if m == nil {
		return
	}
	m.killSwitch.Set(boolGauge(killSwitch))
	m.circuitBreaker.Set(boolGauge(tripped))
	m.rejectionRate.Set(float64(rejections))
}

func (m *Risk) AddTrimmed(stream string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.trimmedEntries.WithLabelValues(stream).Add(float64(n))
}

// IncRulesReload status: success/failure
func (m *Risk) IncRulesReload(status string) {
	if m == nil {
		return
	}
	m.rulesReloadTotal.WithLabelValues(status).Inc()
}

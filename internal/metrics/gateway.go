package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Gateway 下单网关指标
type Gateway struct {
	common

	ordersCreated      *prometheus.CounterVec
	processingDuration *prometheus.HistogramVec
	pendingOrders      prometheus.Gauge
}

// NewGateway 创建网关指标 registry
func NewGateway() *Gateway {
	c := newCommon()

	ordersCreated := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "orders_created_total",
		Help: "Total number of orders created, by outcome status.",
	}, []string{"status"})

	processingDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "order_processing_duration_seconds",
		Help:    "Time from submission to decision in seconds.",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"result"})

	pendingOrders := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pending_orders_total",
		Help: "Number of orders waiting for a risk decision.",
	})

	c.registry.MustRegister(ordersCreated, processingDuration, pendingOrders)

	return &Gateway{
		common:             c,
		ordersCreated:      ordersCreated,
		processingDuration: processingDuration,
		pendingOrders:      pendingOrders,
	}
}

// IncOrderCreated status: pending/approved/rejected/timeout/error
func (m *Gateway) IncOrderCreated(status string) {
	if m == nil {
		return
	}
	m.ordersCreated.WithLabelValues(status).Inc()
}

// ObserveProcessing 记录一次下单从提交到出结果的耗时
func (m *Gateway) ObserveProcessing(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.processingDuration.WithLabelValues(result).Observe(d.Seconds())
}

// SetPendingOrders 当前等待决策的订单数
func (m *Gateway) SetPendingOrders(n int) {
	if m == nil {
		return
	}
	m.pendingOrders.Set(float64(n))
}

// Package metrics 网关与风控引擎的 Prometheus 指标
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// common 两个服务共有的指标
type common struct {
	registry *prometheus.Registry

	httpDuration    *prometheus.HistogramVec
	streamProcessed *prometheus.CounterVec
	streamErrors    *prometheus.CounterVec
	streamDLQ       *prometheus.CounterVec
}

func newCommon() common {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	c := common{
		registry: registry,
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds.",
			Buckets: []float64{0.1, 0.3, 0.5, 0.7, 1, 3, 5, 7, 10},
		}, []string{"method", "route", "status_code"}),
		streamProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stream_messages_processed_total",
			Help: "Total number of event bus messages processed.",
		}, []string{"stream"}),
		streamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "redis_stream_handler_errors_total",
			Help: "Total number of stream handler errors.",
		}, []string{"stream", "group"}),
		streamDLQ: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "redis_stream_dlq_total",
			Help: "Total number of messages moved to Redis Stream DLQ.",
		}, []string{"stream", "group"}),
	}
	registry.MustRegister(c.httpDuration, c.streamProcessed, c.streamErrors, c.streamDLQ)
	return c
}

// Handler 暴露 /metrics
func (c *common) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Registry 底层 registry
func (c *common) Registry() *prometheus.Registry {
	return c.registry
}

// ObserveHTTP 记录 HTTP 请求耗时
func (c *common) ObserveHTTP(method, route string, status int, d time.Duration) {
	if c == nil || c.registry == nil {
		return
	}
	c.httpDuration.WithLabelValues(method, route, strconv.Itoa(status)).Observe(d.Seconds())
}

// StreamResult 每条消息处理完成计数，失败时同时记错误
func (c *common) StreamResult(stream, group string, err error) {
	if c == nil || c.registry == nil {
		return
	}
	c.streamProcessed.WithLabelValues(stream).Inc()
	if err != nil {
		c.streamErrors.WithLabelValues(stream, group).Inc()
	}
}

// IncStreamDLQ 死信计数
func (c *common) IncStreamDLQ(stream, group string) {
	if c == nil || c.registry == nil {
		return
	}
	c.streamDLQ.WithLabelValues(stream, group).Inc()
}

func boolGauge(v bool) float64 {
	if v {
		return 1
	}
	return 0
}

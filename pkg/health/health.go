// Package health 存活/就绪检查
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

type Status string

const (
	StatusUp       Status = "up"
	StatusDown     Status = "down"
	StatusDegraded Status = "degraded"
)

// Checker 单个依赖的检查
type Checker interface {
	Name() string
	Check(ctx context.Context) CheckResult
}

type CheckResult struct {
	Status  Status        `json:"status"`
	Latency time.Duration `json:"latency"`
	Message string        `json:"message,omitempty"`
}

type Response struct {
	Status       Status                 `json:"status"`
	Service      string                 `json:"service,omitempty"`
	Timestamp    time.Time              `json:"timestamp"`
	Dependencies map[string]CheckResult `json:"dependencies,omitempty"`
	Info         map[string]interface{} `json:"info,omitempty"`
}

// InfoFunc 为 /health 附加服务自身状态（熔断、待决订单等）
type InfoFunc func() map[string]interface{}

// CheckTimeout 单个依赖检查的超时
const CheckTimeout = 2 * time.Second

type Health struct {
	service string
	ready   atomic.Bool

	mu       sync.RWMutex
	checkers []Checker
	info     InfoFunc
}

func New(service string) *Health {
	return &Health{service: service}
}

func (h *Health) Register(c Checker) {
	if c == nil {
		return
	}
	h.mu.Lock()
	h.checkers = append(h.checkers, c)
	h.mu.Unlock()
}

func (h *Health) SetInfo(fn InfoFunc) {
	h.mu.Lock()
	h.info = fn
	h.mu.Unlock()
}

// SetReady 启动完成后置 true，关停开始时置 false
func (h *Health) SetReady(ready bool) { h.ready.Store(ready) }

func (h *Health) IsReady() bool { return h.ready.Load() }

// Live 进程在响应即为 up
func (h *Health) Live() Response {
	return h.response(StatusUp, nil)
}

// Ready 未 SetReady 为 down；任一依赖不健康为 degraded
func (h *Health) Ready(ctx context.Context) Response {
	deps := h.runChecks(ctx)
	status := StatusDown
	if h.IsReady() {
		status = summarize(deps)
	}
	return h.response(status, deps)
}

// Health Ready 加上 InfoFunc 的内容
func (h *Health) Health(ctx context.Context) Response {
	resp := h.Ready(ctx)
	h.mu.RLock()
	info := h.info
	h.mu.RUnlock()
	if info != nil {
		resp.Info = info()
	}
	return resp
}

// Mount 注册 /live /ready /health
func (h *Health) Mount(mux *http.ServeMux) {
	mux.HandleFunc("/live", func(w http.ResponseWriter, r *http.Request) {
		writeResponse(w, h.Live())
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		writeResponse(w, h.Ready(r.Context()))
	})
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeResponse(w, h.Health(r.Context()))
	})
}

func (h *Health) response(status Status, deps map[string]CheckResult) Response {
	return Response{
		Status:       status,
		Service:      h.service,
		Timestamp:    time.Now().UTC(),
		Dependencies: deps,
	}
}

// runChecks 并发执行所有检查，超时的记为 down
func (h *Health) runChecks(ctx context.Context) map[string]CheckResult {
	h.mu.RLock()
	checkers := append([]Checker(nil), h.checkers...)
	h.mu.RUnlock()
	if len(checkers) == 0 {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	results := make([]CheckResult, len(checkers))
	var wg sync.WaitGroup
	for i, c := range checkers {
		i, c := i, c
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = checkWithTimeout(ctx, c)
		}()
	}
	wg.Wait()

	out := make(map[string]CheckResult, len(checkers))
	for i, c := range checkers {
		name := c.Name()
		if name == "" {
			name = "unknown"
		}
		out[name] = results[i]
	}
	return out
}

func checkWithTimeout(ctx context.Context, c Checker) CheckResult {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, CheckTimeout)
	defer cancel()

	done := make(chan CheckResult, 1)
	go func() { done <- c.Check(ctx) }()

	var res CheckResult
	select {
	case res = <-done:
	case <-ctx.Done():
		res = CheckResult{Status: StatusDown, Message: "timeout"}
	}
	if res.Latency <= 0 {
		res.Latency = time.Since(start)
	}
	if res.Status == "" {
		res.Status = StatusDown
	}
	return res
}

func summarize(deps map[string]CheckResult) Status {
	for _, r := range deps {
		if r.Status != StatusUp {
			return StatusDegraded
		}
	}
	return StatusUp
}

func writeResponse(w http.ResponseWriter, resp Response) {
	code := http.StatusOK
	if resp.Status != StatusUp {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(resp)
}

type redisChecker struct {
	client redis.Cmdable
}

// NewRedisChecker PING Redis
func NewRedisChecker(client redis.Cmdable) Checker {
	return &redisChecker{client: client}
}

func (c *redisChecker) Name() string { return "redis" }

func (c *redisChecker) Check(ctx context.Context) CheckResult {
	if c.client == nil {
		return CheckResult{Status: StatusDown, Message: "nil redis client"}
	}
	start := time.Now()
	if err := c.client.Ping(ctx).Err(); err != nil {
		return CheckResult{Status: StatusDown, Latency: time.Since(start), Message: err.Error()}
	}
	return CheckResult{Status: StatusUp, Latency: time.Since(start)}
}

package health

import (
	"context"
	"sync/atomic"
	"time"
)

// DefaultLoopMaxAge is used when a checker is built with a non-positive maxAge.
const DefaultLoopMaxAge = 10 * time.Second

// LoopMonitor tracks whether a background loop (stream consumer, janitor) is still ticking
// and the last error it reported.
type LoopMonitor struct {
	lastTick atomic.Int64 // unix nanos
	lastErr  atomic.Pointer[string]
}

func (m *LoopMonitor) Tick() { m.lastTick.Store(time.Now().UnixNano()) }

// SetError records err as the latest failure. nil is ignored.
func (m *LoopMonitor) SetError(err error) {
	if err == nil {
		return
	}
	msg := err.Error()
	m.lastErr.Store(&msg)
}

func (m *LoopMonitor) LastError() string {
	if p := m.lastErr.Load(); p != nil {
		return *p
	}
	return ""
}

// Healthy reports whether the last tick is within maxAge of now. A loop that never ticked is unhealthy.
func (m *LoopMonitor) Healthy(now time.Time, maxAge time.Duration) (ok bool, age time.Duration, lastErr string) {
	lastErr = m.LastError()
	ns := m.lastTick.Load()
	if ns == 0 {
		return false, 0, lastErr
	}
	if maxAge <= 0 {
		maxAge = DefaultLoopMaxAge
	}
	age = max(now.Sub(time.Unix(0, ns)), 0)
	return age <= maxAge, age, lastErr
}

type loopChecker struct {
	name   string
	loop   *LoopMonitor
	maxAge time.Duration
}

// NewLoopChecker exposes a LoopMonitor as a dependency check.
func NewLoopChecker(name string, loop *LoopMonitor, maxAge time.Duration) Checker {
	if name == "" {
		name = "loop"
	}
	return &loopChecker{name: name, loop: loop, maxAge: maxAge}
}

func (c *loopChecker) Name() string { return c.name }

func (c *loopChecker) Check(context.Context) CheckResult {
	if c.loop == nil {
		return CheckResult{Status: StatusDown, Message: "nil loop monitor"}
	}
	ok, age, lastErr := c.loop.Healthy(time.Now(), c.maxAge)
	if ok {
		return CheckResult{Status: StatusUp, Latency: age, Message: lastErr}
	}
	if lastErr == "" {
		lastErr = "stale"
	}
	return CheckResult{Status: StatusDown, Latency: age, Message: lastErr}
}

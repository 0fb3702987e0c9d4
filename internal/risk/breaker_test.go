package risk

import (
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestBreakerTripsAfterThreshold(t *testing.T) {
	clock := newFakeClock()
	var changes []BreakerSnapshot
	var mu sync.Mutex
	b := NewBreaker(3, time.Hour, WithClock(clock.Now), WithOnChange(func(s BreakerSnapshot) {
		mu.Lock()
		changes = append(changes, s)
		mu.Unlock()
	}))
	defer b.Close()

	for i := 0; i < 3; i++ {
		b.RecordRejection()
	}
	if b.Active() {
		t.Fatal("breaker should not trip at threshold")
	}
	if b.State() != StateNormal {
		t.Fatalf("state = %s, want Normal", b.State())
	}

	b.RecordRejection()
	if !b.Active() || b.State() != StateTripped {
		t.Fatalf("expected tripped, got %s", b.State())
	}

	// 熔断期间继续拒单不会重复触发
	b.RecordRejection()
	mu.Lock()
	defer mu.Unlock()
	if len(changes) != 1 || !changes[0].Tripped || changes[0].Rejections != 4 {
		t.Fatalf("changes = %+v", changes)
	}
}

func TestBreakerWindowResets(t *testing.T) {
	clock := newFakeClock()
	b := NewBreaker(2, time.Hour, WithClock(clock.Now), WithWindow(time.Minute))
	defer b.Close()

	b.RecordRejection()
	b.RecordRejection()
	clock.Advance(61 * time.Second)

	// 新窗口从 1 开始计数
	b.RecordRejection()
	if got := b.Snapshot().Rejections; got != 1 {
		t.Fatalf("rejections = %d, want 1", got)
	}
	b.RecordRejection()
	if b.Active() {
		t.Fatal("should not trip after window reset")
	}

	// 恰好 60s 不重置
	clock.Advance(60 * time.Second)
	b.Observe()
	if got := b.Snapshot().Rejections; got != 2 {
		t.Fatalf("rejections = %d, want 2", got)
	}
	clock.Advance(time.Second)
	b.Observe()
	if got := b.Snapshot().Rejections; got != 0 {
		t.Fatalf("rejections after Observe = %d, want 0", got)
	}
}

func TestBreakerCooldownClearsTrip(t *testing.T) {
	b := NewBreaker(0, 30*time.Millisecond)
	defer b.Close()

	b.RecordRejection()
	if b.State() != StateTripped {
		t.Fatalf("state = %s, want Tripped", b.State())
	}
	waitFor(t, time.Second, func() bool { return !b.Active() })
	if b.State() != StateNormal {
		t.Fatalf("state = %s, want Normal", b.State())
	}
}

func TestManualKillIndependentOfTrip(t *testing.T) {
	b := NewBreaker(0, 30*time.Millisecond)
	defer b.Close()

	b.SetManual(true)
	b.RecordRejection()
	if b.State() != StateManualKill {
		t.Fatalf("state = %s, want ManualKill", b.State())
	}
	snap := b.Snapshot()
	if !snap.Manual || !snap.Tripped || !snap.KillSwitch {
		t.Fatalf("snapshot = %+v", snap)
	}

	// 自动解除不影响人工开关
	waitFor(t, time.Second, func() bool { return !b.Snapshot().Tripped })
	if !b.Active() {
		t.Fatal("manual kill switch must stay active after cooldown")
	}

	b.SetManual(false)
	if b.Active() {
		t.Fatal("expected inactive")
	}
}

func TestSetManualOffDoesNotClearTrip(t *testing.T) {
	b := NewBreaker(0, time.Hour)
	defer b.Close()

	b.RecordRejection()
	b.SetManual(false)
	if !b.Active() {
		t.Fatal("manual off must not clear automatic trip")
	}
}

func TestBreakerCloseStopsClear(t *testing.T) {
	b := NewBreaker(0, 20*time.Millisecond)
	b.RecordRejection()
	b.Close()

	time.Sleep(60 * time.Millisecond)
	if !b.Snapshot().Tripped {
		t.Fatal("closed breaker should not clear trip")
	}
}

func TestSetLimits(t *testing.T) {
	b := NewBreaker(100, time.Hour)
	defer b.Close()

	b.RecordRejection()
	b.SetLimits(1, time.Hour)
	b.RecordRejection()
	if !b.Active() {
		t.Fatal("expected trip with lowered threshold")
	}
}

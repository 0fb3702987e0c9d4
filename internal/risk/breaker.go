package risk

import (
	"sync"
	"time"

	"github.com/mb6226/iranvault/pkg/logger"
)

// BreakerState 熔断器状态
type BreakerState string

const (
	StateNormal     BreakerState = "Normal"
	StateTripped    BreakerState = "Tripped"
	StateManualKill BreakerState = "ManualKill"
)

// DefaultBreakerWindow 拒单计数窗口
const DefaultBreakerWindow = time.Minute

// BreakerSnapshot 熔断器状态快照
type BreakerSnapshot struct {
	State       BreakerState `json:"state"`
	KillSwitch  bool         `json:"killSwitch"`
	Manual      bool         `json:"manual"`
	Tripped     bool         `json:"tripped"`
	Rejections  int          `json:"rejectionCount"`
	WindowStart time.Time    `json:"windowStart"`
}

// Breaker 人工 kill switch 与按窗口计数的自动熔断。
// 自动熔断后固定 cooldown 到期解除，期间新的拒单不会延长冷却。
type Breaker struct {
	mu sync.Mutex

	window        time.Duration
	maxRejections int
	cooldown      time.Duration

	count       int
	windowStart time.Time
	tripped     bool
	manual      bool

	// 每次熔断递增，解除回调只处理自己那一代
	gen    uint64
	timer  *time.Timer
	closed bool

	now      func() time.Time
	onChange func(BreakerSnapshot)
	log      *logger.Logger
}

// BreakerOption 熔断器选项
type BreakerOption func(*Breaker)

// WithClock 注入时钟（测试用）
func WithClock(now func() time.Time) BreakerOption {
	return func(b *Breaker) { b.now = now }
}

// WithWindow 计数窗口长度
func WithWindow(d time.Duration) BreakerOption {
	return func(b *Breaker) {
		if d > 0 {
			b.window = d
		}
	}
}

// WithOnChange 状态变化回调（指标），在锁外调用
func WithOnChange(fn func(BreakerSnapshot)) BreakerOption {
	return func(b *Breaker) { b.onChange = fn }
}

// WithBreakerLogger 日志
func WithBreakerLogger(log *logger.Logger) BreakerOption {
	return func(b *Breaker) { b.log = log }
}

// NewBreaker 创建熔断器，初始为 Normal
func NewBreaker(maxRejections int, cooldown time.Duration, opts ...BreakerOption) *Breaker {
	b := &Breaker{
		window:        DefaultBreakerWindow,
		maxRejections: maxRejections,
		cooldown:      cooldown,
		now:           time.Now,
		log:           logger.Nop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.windowStart = b.now()
	return b
}

// SetLimits 更新阈值与冷却时长，不影响当前计数与状态
func (b *Breaker) SetLimits(maxRejections int, cooldown time.Duration) {
	b.mu.Lock()
	b.maxRejections = maxRejections
	b.cooldown = cooldown
	b.mu.Unlock()
}

// Active kill switch 是否生效（人工或自动）
func (b *Breaker) Active() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.manual || b.tripped
}

// Observe 每笔订单的熔断簿记：只滚动窗口，不触发拒单
func (b *Breaker) Observe() {
	b.mu.Lock()
	b.rollLocked(b.now())
	b.mu.Unlock()
}

// RecordRejection 记录一次拒单，超过阈值时自动熔断
func (b *Breaker) RecordRejection() {
	b.mu.Lock()
	b.rollLocked(b.now())
	b.count++

	if b.count <= b.maxRejections || b.tripped {
		b.mu.Unlock()
		return
	}

	b.tripped = true
	b.gen++
	gen := b.gen
	cooldown := b.cooldown
	count := b.count
	if !b.closed {
		b.timer = time.AfterFunc(cooldown, func() { b.clearTrip(gen) })
	}
	snap := b.snapshotLocked()
	b.mu.Unlock()

	b.log.Warnf("circuit breaker tripped", map[string]interface{}{
		"rejections": count,
		"cooldown":   cooldown.String(),
	})
	b.notify(snap)
}

func (b *Breaker) clearTrip(gen uint64) {
	b.mu.Lock()
	if b.closed || gen != b.gen || !b.tripped {
		b.mu.Unlock()
		return
	}
	b.timer = nil
	b.tripped = false
	snap := b.snapshotLocked()
	b.mu.Unlock()

	b.log.Info("circuit breaker reset")
	b.notify(snap)
}

// SetManual 人工开关 kill switch，与自动熔断互不影响
func (b *Breaker) SetManual(on bool) {
	b.mu.Lock()
	changed := b.manual != on
	b.manual = on
	snap := b.snapshotLocked()
	b.mu.Unlock()

	if changed {
		b.log.Warnf("manual kill switch changed", map[string]interface{}{"killSwitch": on})
		b.notify(snap)
	}
}

// State 当前状态，人工优先
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stateLocked()
}

// Snapshot 当前快照
func (b *Breaker) Snapshot() BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshotLocked()
}

// Close 停止尚未触发的解除定时器（进程退出时）
func (b *Breaker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
}

func (b *Breaker) rollLocked(now time.Time) {
	if now.Sub(b.windowStart) > b.window {
		b.count = 0
		b.windowStart = now
	}
}

func (b *Breaker) stateLocked() BreakerState {
	switch {
	case b.manual:
		return StateManualKill
	case b.tripped:
		return StateTripped
	default:
		return StateNormal
	}
}

func (b *Breaker) snapshotLocked() BreakerSnapshot {
	return BreakerSnapshot{
		State:       b.stateLocked(),
		KillSwitch:  b.manual || b.tripped,
		Manual:      b.manual,
		Tripped:     b.tripped,
		Rejections:  b.count,
		WindowStart: b.windowStart,
	}
}

func (b *Breaker) notify(snap BreakerSnapshot) {
	if b.onChange != nil {
		b.onChange(snap)
	}
}

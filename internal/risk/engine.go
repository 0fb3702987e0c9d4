// Package risk 风控引擎：下单检查流水线、kill switch/熔断与强平监控
package risk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mb6226/iranvault/internal/cache"
	"github.com/mb6226/iranvault/internal/config"
	"github.com/mb6226/iranvault/internal/events"
	"github.com/mb6226/iranvault/internal/metrics"
	commonerrors "github.com/mb6226/iranvault/pkg/errors"
	"github.com/mb6226/iranvault/pkg/logger"
	"github.com/mb6226/iranvault/pkg/redis"
	"github.com/mb6226/iranvault/pkg/tracing"
)

// Publisher 事件发布
type Publisher interface {
	Publish(ctx context.Context, stream string, msg interface{}) (string, error)
}

// StateCache 余额与敞口读取
type StateCache interface {
	Balance(ctx context.Context, userID, asset string) (cache.Balance, error)
	SetBalance(ctx context.Context, userID, asset string, b cache.Balance) error
	Exposure(ctx context.Context, userID, symbol string) (decimal.Decimal, error)
}

// Decision 单笔订单的风控结论
type Decision struct {
	Approved    bool
	Reason      commonerrors.Code
	LockedFunds decimal.Decimal
	RiskID      string
}

// Engine 风控引擎，订单按到达顺序串行处理
type Engine struct {
	mu sync.Mutex

	bus     Publisher
	cache   StateCache
	rules   *RulesStore
	breaker *Breaker
	metrics *metrics.Risk
	log     *logger.Logger

	newRiskID func() string
	now       func() time.Time

	// 已冻结但 approved/to_match 未发出的订单，重投时直接补发。
	// 超过 approvalRetention 仍未补发成功的（消息已进死信流）丢弃。
	unpublished       map[string]*pendingApproval
	approvalRetention time.Duration
}

type pendingApproval struct {
	event        events.OrderApproved
	approvedSent bool
	since        time.Time
}

// DefaultApprovalRetention 补发状态保留时长，需大于消费者的重投窗口
const DefaultApprovalRetention = 10 * time.Minute

// EngineOption 引擎选项
type EngineOption func(*Engine)

// WithApprovalRetention 补发状态保留时长
func WithApprovalRetention(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.approvalRetention = d
		}
	}
}

// WithEngineClock 替换时钟（测试用）
func WithEngineClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// NewEngine 创建风控引擎
func NewEngine(bus Publisher, stateCache StateCache, rules *RulesStore, breaker *Breaker, m *metrics.Risk, log *logger.Logger, opts ...EngineOption) *Engine {
	if log == nil {
		log = logger.Nop()
	}
	e := &Engine{
		bus:               bus,
		cache:             stateCache,
		rules:             rules,
		breaker:           breaker,
		metrics:           m,
		log:               log,
		newRiskID:         uuid.NewString,
		now:               time.Now,
		unpublished:       make(map[string]*pendingApproval),
		approvalRetention: DefaultApprovalRetention,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Unpublished 等待补发 approved/to_match 的订单数
func (e *Engine) Unpublished() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.unpublished)
}

// pruneUnpublished 丢弃超过保留期的补发状态，调用方持有 e.mu
func (e *Engine) pruneUnpublished(now time.Time) {
	for id, p := range e.unpublished {
		if now.Sub(p.since) <= e.approvalRetention {
			continue
		}
		delete(e.unpublished, id)
		e.log.Errorf("approval never delivered, dropping retry state", map[string]interface{}{
			"orderId": id,
			"riskId":  p.event.RiskID,
			"since":   p.since.UTC().Format(time.RFC3339),
		})
	}
}

// Rules 当前规则
func (e *Engine) Rules() *config.Rules {
	return e.rules.Load()
}

// Breaker 熔断器
func (e *Engine) Breaker() *Breaker {
	return e.breaker
}

// ReloadRules 从文件重新加载规则；失败时保留旧规则，kill switch 运行态不受影响
func (e *Engine) ReloadRules(path string) (*config.Rules, error) {
	rules, err := config.LoadRules(path)
	if err != nil {
		e.metrics.IncRulesReload("failure")
		return nil, err
	}
	if err := e.rules.Swap(rules); err != nil {
		e.metrics.IncRulesReload("failure")
		return nil, err
	}
	e.breaker.SetLimits(rules.CircuitBreaker.MaxRejectionsPerWindow, rules.CircuitBreaker.Cooldown())
	e.metrics.IncRulesReload("success")
	e.log.Infof("risk rules reloaded", map[string]interface{}{"path": path})
	return rules, nil
}

// HandleOrderCreated orders.created 消费入口
func (e *Engine) HandleOrderCreated(ctx context.Context, msg *redis.Message) error {
	order, err := events.Decode[events.OrderCreated](msg.Data)
	if err != nil {
		return fmt.Errorf("%v: %w", err, redis.ErrPoison)
	}
	_, err = e.Evaluate(ctx, order)
	return err
}

// HandleWalletUpdated wallet.updated：刷新余额缓存
func (e *Engine) HandleWalletUpdated(ctx context.Context, msg *redis.Message) error {
	w, err := events.Decode[events.WalletUpdated](msg.Data)
	if err != nil {
		return fmt.Errorf("%v: %w", err, redis.ErrPoison)
	}
	return e.cache.SetBalance(ctx, w.UserID, w.Asset, cache.Balance{Free: w.Free(), Locked: w.Locked})
}

// Evaluate 执行流水线并发布结论。返回 error 表示结论未能发出，消息需要重投。
func (e *Engine) Evaluate(ctx context.Context, order events.OrderCreated) (Decision, error) {
	ctx, span := tracing.StartSpan(ctx, "risk.evaluate")
	defer span.End()

	e.mu.Lock()
	defer e.mu.Unlock()

	start := time.Now()
	log := e.log.WithContext(ctx).WithField("orderId", order.OrderID)

	e.pruneUnpublished(e.now())
	if p, ok := e.unpublished[order.OrderID]; ok {
		d := Decision{Approved: true, LockedFunds: p.event.LockedFunds, RiskID: p.event.RiskID}
		if err := e.publishApproval(ctx, p); err != nil {
			return d, err
		}
		delete(e.unpublished, order.OrderID)
		e.metrics.ObserveDecision("approved", "", time.Since(start))
		return d, nil
	}

	rules := e.rules.Load()

	// 1. kill switch
	if e.breaker.Active() {
		return e.reject(ctx, order, commonerrors.CodeKillSwitchActive, start)
	}

	// 2. 熔断窗口
	e.breaker.Observe()

	// 3-6. 余额、敞口、杠杆、单笔上限
	required := order.RequiredFunds()
	asset := events.QuoteAsset(order.Symbol)
	reason, err := e.check(ctx, order, rules, asset, required)
	if err != nil {
		log.WithError(err).Error("risk check failed")
		tracing.SetError(ctx, err)
		return e.reject(ctx, order, commonerrors.CodeRiskCheckError, start)
	}
	if reason != "" {
		return e.reject(ctx, order, reason, start)
	}

	// 7. 冻结资金
	lock := events.FundsLock{
		UserID:    order.UserID,
		Asset:     asset,
		Amount:    required,
		OrderID:   order.OrderID,
		Timestamp: events.NowMillis(),
	}
	if _, err := e.bus.Publish(ctx, events.SubjectFundsLock, lock); err != nil {
		e.metrics.IncFundLock("lock", "failure")
		log.WithError(err).Error("publish funds lock failed")
		return e.reject(ctx, order, commonerrors.CodeRiskCheckError, start)
	}
	e.metrics.IncFundLock("lock", "success")

	// 8. approved + to_match
	p := &pendingApproval{event: events.OrderApproved{
		OrderID:     order.OrderID,
		RiskID:      e.newRiskID(),
		LockedFunds: required,
		Timestamp:   events.NowMillis(),
	}, since: e.now()}
	d := Decision{Approved: true, LockedFunds: required, RiskID: p.event.RiskID}
	if err := e.publishApproval(ctx, p); err != nil {
		e.unpublished[order.OrderID] = p
		log.WithError(err).Error("publish approval failed")
		return d, err
	}

	e.metrics.ObserveDecision("approved", "", time.Since(start))
	log.Debugf("order approved", map[string]interface{}{"lockedFunds": required.String(), "riskId": d.RiskID})
	return d, nil
}

func (e *Engine) check(ctx context.Context, order events.OrderCreated, rules *config.Rules, asset string, required decimal.Decimal) (commonerrors.Code, error) {
	balance, err := e.cache.Balance(ctx, order.UserID, asset)
	if err != nil {
		return "", fmt.Errorf("balance: %w", err)
	}
	if balance.Free.LessThan(required) {
		return commonerrors.CodeInsufficientBalance, nil
	}

	exposure, err := e.cache.Exposure(ctx, order.UserID, order.Symbol)
	if err != nil {
		return "", fmt.Errorf("exposure: %w", err)
	}
	if exposure.Add(order.Quantity).GreaterThan(rules.MaxExposureFor(order.Symbol)) {
		return commonerrors.CodeExposureLimitExceeded, nil
	}

	if order.Leverage.GreaterThan(rules.MaxLeverage) {
		return commonerrors.CodeLeverageLimitExceeded, nil
	}

	if order.Quantity.GreaterThan(rules.MaxOrderSizeFor(order.Symbol)) {
		return commonerrors.CodeOrderSizeLimitExceeded, nil
	}
	return "", nil
}

func (e *Engine) publishApproval(ctx context.Context, p *pendingApproval) error {
	if !p.approvedSent {
		if _, err := e.bus.Publish(ctx, events.SubjectOrderApproved, p.event); err != nil {
			return fmt.Errorf("publish %s: %w", events.SubjectOrderApproved, err)
		}
		p.approvedSent = true
	}
	if _, err := e.bus.Publish(ctx, events.SubjectOrderToMatch, p.event); err != nil {
		return fmt.Errorf("publish %s: %w", events.SubjectOrderToMatch, err)
	}
	return nil
}

// reject 计入熔断后发布 orders.rejected
func (e *Engine) reject(ctx context.Context, order events.OrderCreated, reason commonerrors.Code, start time.Time) (Decision, error) {
	e.breaker.RecordRejection()

	result := "rejected"
	if reason == commonerrors.CodeRiskCheckError {
		result = "error"
	}
	e.metrics.ObserveDecision(result, string(reason), time.Since(start))
	e.syncBreakerMetrics()

	d := Decision{Reason: reason}
	ev := events.OrderRejected{OrderID: order.OrderID, Reason: string(reason), Timestamp: events.NowMillis()}
	if _, err := e.bus.Publish(ctx, events.SubjectOrderRejected, ev); err != nil {
		e.log.WithContext(ctx).WithError(err).Errorf("publish rejection failed", map[string]interface{}{
			"orderId": order.OrderID,
			"reason":  string(reason),
		})
		return d, fmt.Errorf("publish %s: %w", events.SubjectOrderRejected, err)
	}
	e.log.WithContext(ctx).Infof("order rejected", map[string]interface{}{
		"orderId": order.OrderID,
		"reason":  string(reason),
	})
	return d, nil
}

func (e *Engine) syncBreakerMetrics() {
	s := e.breaker.Snapshot()
	e.metrics.SetBreaker(s.KillSwitch, s.Tripped, s.Rejections)
}

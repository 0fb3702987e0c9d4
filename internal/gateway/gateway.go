// Package gateway 下单网关：发布 orders.created 并等待风控决策
package gateway

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mb6226/iranvault/internal/events"
	"github.com/mb6226/iranvault/internal/metrics"
	commonerrors "github.com/mb6226/iranvault/pkg/errors"
	"github.com/mb6226/iranvault/pkg/logger"
	"github.com/mb6226/iranvault/pkg/redis"
	"github.com/mb6226/iranvault/pkg/tracing"
)

// DefaultOrderTimeout 等待决策的默认时长
const DefaultOrderTimeout = 30 * time.Second

// Status 下单结果
type Status string

const (
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusTimeout  Status = "timeout"
)

// Outcome 一笔订单的最终结果
type Outcome struct {
	OrderID     string          `json:"orderId"`
	Status      Status          `json:"status"`
	Reason      string          `json:"reason,omitempty"`
	LockedFunds decimal.Decimal `json:"lockedFunds"`
	RiskID      string          `json:"riskId,omitempty"`
	Timestamp   int64           `json:"timestamp"`
}

// Publisher 事件发布
type Publisher interface {
	Publish(ctx context.Context, stream string, msg interface{}) (string, error)
}

// Gateway 下单网关
type Gateway struct {
	bus        Publisher
	pending    *pendingSet
	timeout    time.Duration
	newOrderID func() string
	metrics    *metrics.Gateway
	log        *logger.Logger
}

// New 创建网关，timeout<=0 时使用默认值
func New(bus Publisher, timeout time.Duration, m *metrics.Gateway, log *logger.Logger) *Gateway {
	if timeout <= 0 {
		timeout = DefaultOrderTimeout
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Gateway{
		bus:        bus,
		pending:    newPendingSet(),
		timeout:    timeout,
		newOrderID: uuid.NewString,
		metrics:    m,
		log:        log,
	}
}

// Pending 当前等待决策的订单数
func (g *Gateway) Pending() int {
	return g.pending.len()
}

// OldestPending 最早一笔等待中订单已等待的时长
func (g *Gateway) OldestPending() time.Duration {
	return g.pending.oldest(time.Now())
}

// Submit 提交订单并阻塞到出结果。
// 参数错误、重复 orderId、总线不可用以 *errors.Error 返回；拒单与超时体现在 Outcome.Status。
func (g *Gateway) Submit(ctx context.Context, req events.OrderRequest) (Outcome, error) {
	ctx, span := tracing.StartSpan(ctx, "gateway.submit")
	defer span.End()

	orderID := strings.TrimSpace(req.OrderID)
	if orderID == "" {
		orderID = g.newOrderID()
	}
	order, err := req.ToOrderCreated(orderID)
	if err != nil {
		return Outcome{}, commonerrors.New(commonerrors.CodeInvalidParam, err.Error())
	}
	order.Timestamp = events.NowMillis()

	log := g.log.WithContext(ctx).WithField("orderId", orderID)
	start := time.Now()

	result, ok := g.pending.add(orderID, g.timeout, func() Outcome {
		return Outcome{OrderID: orderID, Status: StatusTimeout, Timestamp: events.NowMillis()}
	})
	if !ok {
		return Outcome{}, commonerrors.Newf(commonerrors.CodeDuplicateOrderID, "order %s is pending or recently timed out", orderID)
	}
	g.syncPending()

	if _, err := g.bus.Publish(ctx, events.SubjectOrderCreated, order); err != nil {
		g.pending.cancel(orderID)
		g.syncPending()
		g.metrics.IncOrderCreated("error")
		log.WithError(err).Error("publish order failed")
		tracing.SetError(ctx, err)
		return Outcome{}, commonerrors.New(commonerrors.CodeUnavailable, "event bus unavailable")
	}
	g.metrics.IncOrderCreated("pending")

	select {
	case out := <-result:
		g.syncPending()
		g.metrics.IncOrderCreated(string(out.Status))
		g.metrics.ObserveProcessing(string(out.Status), time.Since(start))
		if out.Status == StatusTimeout {
			log.Warnf("order timed out waiting for risk decision", map[string]interface{}{"timeout": g.timeout.String()})
		}
		return out, nil
	case <-ctx.Done():
		// 调用方放弃；风控结论稍后到达时按未知订单丢弃
		g.pending.cancel(orderID)
		g.syncPending()
		return Outcome{}, fmt.Errorf("submit %s: %w", orderID, ctx.Err())
	}
}

// HandleApproved orders.approved 消费入口
func (g *Gateway) HandleApproved(ctx context.Context, msg *redis.Message) error {
	ev, err := events.Decode[events.OrderApproved](msg.Data)
	if err != nil {
		return fmt.Errorf("%v: %w", err, redis.ErrPoison)
	}
	g.deliver(ctx, ev.OrderID, Outcome{
		OrderID:     ev.OrderID,
		Status:      StatusApproved,
		LockedFunds: ev.LockedFunds,
		RiskID:      ev.RiskID,
		Timestamp:   ev.Timestamp,
	})
	return nil
}

// HandleRejected orders.rejected 消费入口
func (g *Gateway) HandleRejected(ctx context.Context, msg *redis.Message) error {
	ev, err := events.Decode[events.OrderRejected](msg.Data)
	if err != nil {
		return fmt.Errorf("%v: %w", err, redis.ErrPoison)
	}
	g.deliver(ctx, ev.OrderID, Outcome{
		OrderID:   ev.OrderID,
		Status:    StatusRejected,
		Reason:    ev.Reason,
		Timestamp: ev.Timestamp,
	})
	return nil
}

func (g *Gateway) deliver(ctx context.Context, orderID string, out Outcome) {
	if g.pending.resolve(orderID, out) {
		return
	}
	fields := map[string]interface{}{
		"orderId": orderID,
		"status":  string(out.Status),
	}
	if g.pending.late(orderID) {
		// 调用方已收到 timeout，这里不做补偿
		g.log.WithContext(ctx).Warnf("late decision after timeout dropped", fields)
		return
	}
	// 其他网关实例的订单
	g.log.WithContext(ctx).Debugf("decision for unknown order dropped", fields)
}

func (g *Gateway) syncPending() {
	g.metrics.SetPendingOrders(g.pending.len())
}

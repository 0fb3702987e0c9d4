package risk

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/mb6226/iranvault/internal/cache"
	"github.com/mb6226/iranvault/internal/events"
	"github.com/mb6226/iranvault/internal/metrics"
	"github.com/mb6226/iranvault/pkg/logger"
	"github.com/mb6226/iranvault/pkg/redis"
)

const unknownUser = "unknown"

// PositionReader 按 symbol 读取持仓
type PositionReader interface {
	Positions(ctx context.Context, symbol string) ([]cache.Position, error)
}

// MarginLevel 单个持仓的保证金水平
type MarginLevel struct {
	Equity   decimal.Decimal
	Notional decimal.Decimal
	Ratio    decimal.Decimal
}

// ComputeMargin equity = baseEquity + (price − entry) × size × leverage，
// ratio = equity / (price × |size|)。名义价值为 0 时 ok=false。
func ComputeMargin(p cache.Position, price, baseEquity decimal.Decimal) (MarginLevel, bool) {
	notional := price.Mul(p.Size.Abs())
	if notional.IsZero() {
		return MarginLevel{}, false
	}
	leverage := p.Leverage
	if !leverage.IsPositive() {
		leverage = decimal.NewFromInt(1)
	}
	pnl := price.Sub(p.EntryPrice).Mul(p.Size).Mul(leverage)
	equity := baseEquity.Add(pnl)
	return MarginLevel{
		Equity:   equity,
		Notional: notional,
		Ratio:    equity.DivRound(notional, 16),
	}, true
}

// LiquidationMonitor 价格更新时检查该 symbol 的全部持仓
type LiquidationMonitor struct {
	bus        Publisher
	positions  PositionReader
	rules      *RulesStore
	baseEquity decimal.Decimal
	metrics    *metrics.Risk
	log        *logger.Logger
}

// NewLiquidationMonitor 创建强平监控
func NewLiquidationMonitor(bus Publisher, positions PositionReader, rules *RulesStore, baseEquity decimal.Decimal, m *metrics.Risk, log *logger.Logger) *LiquidationMonitor {
	if log == nil {
		log = logger.Nop()
	}
	return &LiquidationMonitor{
		bus:        bus,
		positions:  positions,
		rules:      rules,
		baseEquity: baseEquity,
		metrics:    m,
		log:        log,
	}
}

// HandlePriceUpdated prices.updated 消费入口
func (m *LiquidationMonitor) HandlePriceUpdated(ctx context.Context, msg *redis.Message) error {
	ev, err := events.Decode[events.PriceUpdated](msg.Data)
	if err != nil {
		return fmt.Errorf("%v: %w", err, redis.ErrPoison)
	}
	_, err = m.Check(ctx, ev.Symbol, ev.Price)
	return err
}

// Check 返回发出的强平事件数。单个持仓发布失败不影响其余持仓。
func (m *LiquidationMonitor) Check(ctx context.Context, symbol string, price decimal.Decimal) (int, error) {
	positions, err := m.positions.Positions(ctx, symbol)
	if err != nil {
		return 0, fmt.Errorf("load positions: %w", err)
	}
	if len(positions) == 0 {
		return 0, nil
	}

	rules := m.rules.Load()
	log := m.log.WithContext(ctx)

	var (
		liquidated int
		errs       []error
	)
	for _, p := range positions {
		level, ok := ComputeMargin(p, price, m.baseEquity)
		if !ok {
			continue
		}

		fields := map[string]interface{}{
			"userId":      p.UserID,
			"symbol":      symbol,
			"price":       price.String(),
			"equity":      level.Equity.String(),
			"marginRatio": level.Ratio.String(),
		}

		switch {
		case level.Ratio.LessThan(rules.LiquidationMargin):
			userID := p.UserID
			if userID == "" {
				userID = unknownUser
			}
			ev := events.Liquidate{
				UserID:    userID,
				Symbol:    symbol,
				Size:      p.Size,
				Reason:    events.ReasonLiquidation,
				Timestamp: events.NowMillis(),
			}
			if _, err := m.bus.Publish(ctx, events.SubjectLiquidate, ev); err != nil {
				log.WithError(err).Errorf("publish liquidation failed", fields)
				errs = append(errs, err)
				continue
			}
			liquidated++
			m.metrics.IncLiquidation()
			log.Warnf("position liquidated", fields)
		case level.Ratio.LessThan(rules.MaintenanceMargin):
			log.Warnf("position below maintenance margin", fields)
		}
	}
	return liquidated, errors.Join(errs...)
}

// Package events 事件总线的 subject 与消息结构
package events

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Subject 列表，同时作为 Redis Stream key
const (
	SubjectOrderCreated  = "orders.created"
	SubjectOrderApproved = "orders.approved"
	SubjectOrderRejected = "orders.rejected"
	SubjectOrderToMatch  = "orders.to_match"
	SubjectFundsLock     = "funds.lock"
	SubjectWalletUpdated = "wallet.updated"
	SubjectPriceUpdated  = "prices.updated"
	SubjectLiquidate     = "positions.liquidate"
)

// AllSubjects 所有 subject，供 stream 裁剪使用
var AllSubjects = []string{
	SubjectOrderCreated,
	SubjectOrderApproved,
	SubjectOrderRejected,
	SubjectOrderToMatch,
	SubjectFundsLock,
	SubjectWalletUpdated,
	SubjectPriceUpdated,
	SubjectLiquidate,
}

// ReasonLiquidation 强平原因
const ReasonLiquidation = "LIQUIDATION"

func init() {
	// 金额按 JSON number 输出，与其他服务保持一致
	decimal.MarshalJSONWithoutQuotes = true
}

// Side 买卖方向
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderType 订单类型
type OrderType string

const (
	OrderTypeLimit  OrderType = "LIMIT"
	OrderTypeMarket OrderType = "MARKET"
)

// ValidationError 消息字段缺失或非法
type ValidationError struct {
	Subject string
	Field   string
	Reason  string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: invalid %s: %s", e.Subject, e.Field, e.Reason)
}

func invalid(subject, field, reason string) error {
	return &ValidationError{Subject: subject, Field: field, Reason: reason}
}

// NowMillis 事件时间戳（毫秒）
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

// OrderCreated orders.created
type OrderCreated struct {
	OrderID   string          `json:"orderId"`
	UserID    string          `json:"userId"`
	Symbol    string          `json:"symbol"`
	Side      Side            `json:"side"`
	Price     decimal.Decimal `json:"price"`
	Quantity  decimal.Decimal `json:"quantity"`
	Type      OrderType       `json:"type"`
	Leverage  decimal.Decimal `json:"leverage"`
	Timestamp int64           `json:"timestamp"`
}

// Validate 检查必填字段，leverage 缺省为 1
func (o *OrderCreated) Validate() error {
	if strings.TrimSpace(o.OrderID) == "" {
		return invalid(SubjectOrderCreated, "orderId", "required")
	}
	return o.validateBody(SubjectOrderCreated)
}

func (o *OrderCreated) validateBody(subject string) error {
	if strings.TrimSpace(o.UserID) == "" {
		return invalid(subject, "userId", "required")
	}
	if strings.TrimSpace(o.Symbol) == "" {
		return invalid(subject, "symbol", "required")
	}
	switch o.Side {
	case SideBuy, SideSell:
	default:
		return invalid(subject, "side", "must be BUY or SELL")
	}
	switch o.Type {
	case OrderTypeLimit, OrderTypeMarket:
	default:
		return invalid(subject, "type", "must be LIMIT or MARKET")
	}
	if o.Price.IsNegative() {
		return invalid(subject, "price", "must not be negative")
	}
	if o.Type == OrderTypeLimit && !o.Price.IsPositive() {
		return invalid(subject, "price", "must be positive for LIMIT orders")
	}
	if !o.Quantity.IsPositive() {
		return invalid(subject, "quantity", "must be positive")
	}
	if o.Leverage.IsZero() {
		o.Leverage = decimal.NewFromInt(1)
	}
	if o.Leverage.IsNegative() {
		return invalid(subject, "leverage", "must be positive")
	}
	return nil
}

// OrderRequest 网关下单请求（不含 orderId 时由网关生成）
type OrderRequest struct {
	OrderID  string          `json:"orderId,omitempty"`
	UserID   string          `json:"userId"`
	Symbol   string          `json:"symbol"`
	Side     Side            `json:"side"`
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
	Type     OrderType       `json:"type"`
	Leverage decimal.Decimal `json:"leverage"`
}

// ToOrderCreated 校验请求并生成 orders.created 消息
func (r OrderRequest) ToOrderCreated(orderID string) (OrderCreated, error) {
	o := OrderCreated{
		OrderID:  orderID,
		UserID:   strings.TrimSpace(r.UserID),
		Symbol:   strings.TrimSpace(r.Symbol),
		Side:     Side(strings.ToUpper(string(r.Side))),
		Price:    r.Price,
		Quantity: r.Quantity,
		Type:     OrderType(strings.ToUpper(string(r.Type))),
		Leverage: r.Leverage,
	}
	if o.Type == "" {
		o.Type = OrderTypeLimit
	}
	if err := o.validateBody("order request"); err != nil {
		return OrderCreated{}, err
	}
	return o, nil
}

// RequiredFunds 价格 × 数量
func (o OrderCreated) RequiredFunds() decimal.Decimal {
	return o.Price.Mul(o.Quantity)
}

// QuoteAsset 计价资产：BTC-USDT → USDT，缺省 USDT
func QuoteAsset(symbol string) string {
	if i := strings.IndexAny(symbol, "-_"); i >= 0 && i+1 < len(symbol) {
		return symbol[i+1:]
	}
	return "USDT"
}

// OrderApproved orders.approved / orders.to_match
type OrderApproved struct {
	OrderID     string          `json:"orderId"`
	RiskID      string          `json:"riskId"`
	LockedFunds decimal.Decimal `json:"lockedFunds"`
	Timestamp   int64           `json:"timestamp"`
}

func (a *OrderApproved) Validate() error {
	if strings.TrimSpace(a.OrderID) == "" {
		return invalid(SubjectOrderApproved, "orderId", "required")
	}
	return nil
}

// OrderRejected orders.rejected
type OrderRejected struct {
	OrderID   string `json:"orderId"`
	Reason    string `json:"reason"`
	Timestamp int64  `json:"timestamp"`
}

func (r *OrderRejected) Validate() error {
	if strings.TrimSpace(r.OrderID) == "" {
		return invalid(SubjectOrderRejected, "orderId", "required")
	}
	if strings.TrimSpace(r.Reason) == "" {
		return invalid(SubjectOrderRejected, "reason", "required")
	}
	return nil
}

// FundsLock funds.lock
type FundsLock struct {
	UserID    string          `json:"userId"`
	Asset     string          `json:"asset"`
	Amount    decimal.Decimal `json:"amount"`
	OrderID   string          `json:"orderId"`
	Timestamp int64           `json:"timestamp"`
}

// WalletUpdated wallet.updated
type WalletUpdated struct {
	UserID  string          `json:"userId"`
	Asset   string          `json:"asset"`
	Balance decimal.Decimal `json:"balance"`
	Locked  decimal.Decimal `json:"locked"`
}

func (w *WalletUpdated) Validate() error {
	if strings.TrimSpace(w.UserID) == "" {
		return invalid(SubjectWalletUpdated, "userId", "required")
	}
	if strings.TrimSpace(w.Asset) == "" {
		return invalid(SubjectWalletUpdated, "asset", "required")
	}
	if w.Locked.IsNegative() {
		return invalid(SubjectWalletUpdated, "locked", "must not be negative")
	}
	return nil
}

// Free 可用余额 = balance − locked
func (w WalletUpdated) Free() decimal.Decimal {
	return w.Balance.Sub(w.Locked)
}

// PriceUpdated prices.updated
type PriceUpdated struct {
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	Timestamp int64           `json:"timestamp"`
}

func (p *PriceUpdated) Validate() error {
	if strings.TrimSpace(p.Symbol) == "" {
		return invalid(SubjectPriceUpdated, "symbol", "required")
	}
	if !p.Price.IsPositive() {
		return invalid(SubjectPriceUpdated, "price", "must be positive")
	}
	return nil
}

// Liquidate positions.liquidate
type Liquidate struct {
	UserID    string          `json:"userId"`
	Symbol    string          `json:"symbol"`
	Size      decimal.Decimal `json:"size"`
	Reason    string          `json:"reason"`
	Timestamp int64           `json:"timestamp"`
}

type validator interface {
	Validate() error
}

// Decode 解析并校验消息
func Decode[T any, P interface {
	*T
	validator
}](data []byte) (T, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("decode: %w", err)
	}
	if err := P(&v).Validate(); err != nil {
		return v, err
	}
	return v, nil
}

package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// 未配置 symbol 时的默认上限
var (
	DefaultMaxExposure  = decimal.NewFromInt(10)
	DefaultMaxOrderSize = decimal.NewFromInt(1)
)

// CircuitBreakerRules 熔断参数
type CircuitBreakerRules struct {
	MaxRejectionsPerWindow int `json:"maxRejectionsPerWindow"`
	CooldownSeconds        int `json:"cooldownSeconds"`
}

// Cooldown 熔断冷却时长
func (c CircuitBreakerRules) Cooldown() time.Duration {
	return time.Duration(c.CooldownSeconds) * time.Second
}

// Rules 风控规则，加载后只读，整体替换
type Rules struct {
	MaxOrderSize      map[string]decimal.Decimal `json:"maxOrderSize"`
	MaxExposure       map[string]decimal.Decimal `json:"maxExposure"`
	MaxLeverage       decimal.Decimal            `json:"maxLeverage"`
	MaintenanceMargin decimal.Decimal            `json:"maintenanceMargin"`
	LiquidationMargin decimal.Decimal            `json:"liquidationMargin"`
	KillSwitch        bool                       `json:"killSwitch"`
	CircuitBreaker    CircuitBreakerRules        `json:"circuitBreaker"`
}

// DefaultRules 规则文件不存在时使用
func DefaultRules() *Rules {
	return &Rules{
		MaxOrderSize: map[string]decimal.Decimal{
			"BTC-USDT": decimal.NewFromInt(1),
			"BNB-PERP": decimal.NewFromInt(10),
		},
		MaxExposure: map[string]decimal.Decimal{
			"BTC-USDT": decimal.NewFromInt(5),
			"BNB-PERP": decimal.NewFromInt(50),
		},
		MaxLeverage:       decimal.NewFromInt(3),
		MaintenanceMargin: decimal.RequireFromString("0.005"),
		LiquidationMargin: decimal.RequireFromString("0.003"),
		CircuitBreaker: CircuitBreakerRules{
			MaxRejectionsPerWindow: 100,
			CooldownSeconds:        300,
		},
	}
}

// MaxExposureFor symbol 的最大敞口，未配置或非正数时为 10
func (r *Rules) MaxExposureFor(symbol string) decimal.Decimal {
	if v, ok := r.MaxExposure[symbol]; ok && v.IsPositive() {
		return v
	}
	return DefaultMaxExposure
}

// MaxOrderSizeFor symbol 的单笔上限，未配置或非正数时为 1
func (r *Rules) MaxOrderSizeFor(symbol string) decimal.Decimal {
	if v, ok := r.MaxOrderSize[symbol]; ok && v.IsPositive() {
		return v
	}
	return DefaultMaxOrderSize
}

// rulesFile YAML 结构，指针字段区分缺省与零值
type rulesFile struct {
	MaxOrderSize      map[string]float64 `yaml:"maxOrderSize"`
	MaxExposure       map[string]float64 `yaml:"maxExposure"`
	MaxLeverage       *float64           `yaml:"maxLeverage"`
	MaintenanceMargin *float64           `yaml:"maintenanceMargin"`
	LiquidationMargin *float64           `yaml:"liquidationMargin"`
	KillSwitch        *bool              `yaml:"killSwitch"`
	CircuitBreaker    *struct {
		MaxRejectionsPerWindow *int `yaml:"maxRejectionsPerWindow"`
		CooldownSeconds        *int `yaml:"cooldownSeconds"`
		// 旧字段名
		MaxRejectionsPerMinute *int `yaml:"maxRejectionsPerMinute"`
		TimeoutSeconds         *int `yaml:"timeoutSeconds"`
	} `yaml:"circuitBreaker"`
}

// ErrRulesNotFound 规则文件不存在
var ErrRulesNotFound = errors.New("risk rules file not found")

// LoadRules 读取规则文件；文件不存在返回默认规则和 ErrRulesNotFound
func LoadRules(path string) (*Rules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return DefaultRules(), fmt.Errorf("%s: %w", path, ErrRulesNotFound)
		}
		return nil, fmt.Errorf("read rules %s: %w", path, err)
	}
	rules, err := ParseRules(data)
	if err != nil {
		return nil, fmt.Errorf("parse rules %s: %w", path, err)
	}
	return rules, nil
}

// ParseRules 解析 YAML，未出现的字段取默认值
func ParseRules(data []byte) (*Rules, error) {
	var raw rulesFile
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, err
	}

	defaults := DefaultRules()
	rules := &Rules{
		MaxOrderSize:      toDecimalMap(raw.MaxOrderSize),
		MaxExposure:       toDecimalMap(raw.MaxExposure),
		MaxLeverage:       defaults.MaxLeverage,
		MaintenanceMargin: defaults.MaintenanceMargin,
		LiquidationMargin: defaults.LiquidationMargin,
		CircuitBreaker:    defaults.CircuitBreaker,
	}
	if raw.MaxLeverage != nil {
		rules.MaxLeverage = decimal.NewFromFloat(*raw.MaxLeverage)
	}
	if raw.MaintenanceMargin != nil {
		rules.MaintenanceMargin = decimal.NewFromFloat(*raw.MaintenanceMargin)
	}
	if raw.LiquidationMargin != nil {
		rules.LiquidationMargin = decimal.NewFromFloat(*raw.LiquidationMargin)
	}
	if raw.KillSwitch != nil {
		rules.KillSwitch = *raw.KillSwitch
	}
	if cb := raw.CircuitBreaker; cb != nil {
		switch {
		case cb.MaxRejectionsPerWindow != nil:
			rules.CircuitBreaker.MaxRejectionsPerWindow = *cb.MaxRejectionsPerWindow
		case cb.MaxRejectionsPerMinute != nil:
			rules.CircuitBreaker.MaxRejectionsPerWindow = *cb.MaxRejectionsPerMinute
		}
		switch {
		case cb.CooldownSeconds != nil:
			rules.CircuitBreaker.CooldownSeconds = *cb.CooldownSeconds
		case cb.TimeoutSeconds != nil:
			rules.CircuitBreaker.CooldownSeconds = *cb.TimeoutSeconds
		}
	}

	if err := rules.Validate(); err != nil {
		return nil, err
	}
	return rules, nil
}

// Validate 检查规则取值
func (r *Rules) Validate() error {
	if !r.MaxLeverage.IsPositive() {
		return fmt.Errorf("maxLeverage must be positive, got %s", r.MaxLeverage)
	}
	if r.MaintenanceMargin.IsNegative() {
		return fmt.Errorf("maintenanceMargin must not be negative, got %s", r.MaintenanceMargin)
	}
	if r.LiquidationMargin.IsNegative() {
		return fmt.Errorf("liquidationMargin must not be negative, got %s", r.LiquidationMargin)
	}
	if r.CircuitBreaker.MaxRejectionsPerWindow < 0 {
		return fmt.Errorf("circuitBreaker.maxRejectionsPerWindow must not be negative, got %d", r.CircuitBreaker.MaxRejectionsPerWindow)
	}
	if r.CircuitBreaker.CooldownSeconds <= 0 {
		return fmt.Errorf("circuitBreaker.cooldownSeconds must be positive, got %d", r.CircuitBreaker.CooldownSeconds)
	}
	return nil
}

func toDecimalMap(in map[string]float64) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(in))
	for k, v := range in {
		out[k] = decimal.NewFromFloat(v)
	}
	return out
}

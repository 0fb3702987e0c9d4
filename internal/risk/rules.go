package risk

import (
	"fmt"
	"sync/atomic"

	"github.com/mb6226/iranvault/internal/config"
)

// RulesStore 当前生效的规则，重载时整体替换指针
type RulesStore struct {
	p atomic.Pointer[config.Rules]
}

// NewRulesStore 用初始规则创建，nil 时使用默认规则
func NewRulesStore(initial *config.Rules) *RulesStore {
	if initial == nil {
		initial = config.DefaultRules()
	}
	s := &RulesStore{}
	s.p.Store(initial)
	return s
}

// Load 当前规则（只读）
func (s *RulesStore) Load() *config.Rules {
	return s.p.Load()
}

// Swap 校验后替换
func (s *RulesStore) Swap(r *config.Rules) error {
	if r == nil {
		return fmt.Errorf("nil rules")
	}
	if err := r.Validate(); err != nil {
		return err
	}
	s.p.Store(r)
	return nil
}

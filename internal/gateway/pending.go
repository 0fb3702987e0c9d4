package gateway

import (
	"sync"
	"time"
)

// pendingEntry 一笔等待风控决策的订单
type pendingEntry struct {
	result  chan Outcome
	timer   *time.Timer
	created time.Time
}

// pendingSet orderId → 等待项。take 是唯一的出口：
// 决策、超时、发布失败三方谁先 take 到谁负责写结果，其余方什么也拿不到。
type pendingSet struct {
	mu      sync.Mutex
	entries map[string]*pendingEntry
	// 已超时的 orderId，用于识别迟到的决策
	expired map[string]time.Time
}

// expiredRetention 超时记录保留时长
const expiredRetention = 5 * time.Minute

func newPendingSet() *pendingSet {
	return &pendingSet{
		entries: make(map[string]*pendingEntry),
		expired: make(map[string]time.Time),
	}
}

// add 注册等待项，超时后向 result 写入 onTimeout 的结果。
// orderId 正在等待，或在 expiredRetention 内超时过（迟到的决策仍可能到达）时返回 false。
func (s *pendingSet) add(orderID string, timeout time.Duration, onTimeout func() Outcome) (<-chan Outcome, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[orderID]; exists {
		return nil, false
	}
	if at, ok := s.expired[orderID]; ok {
		if time.Since(at) <= expiredRetention {
			return nil, false
		}
		delete(s.expired, orderID)
	}

	e := &pendingEntry{result: make(chan Outcome, 1), created: time.Now()}
	// 在锁内创建定时器，回调要等锁释放后才能 take
	e.timer = time.AfterFunc(timeout, func() {
		if s.expire(orderID, e) {
			e.result <- onTimeout()
		}
	})
	s.entries[orderID] = e
	return e.result, true
}

// resolve 写入决策结果；订单不存在（未知或已超时）时返回 false
func (s *pendingSet) resolve(orderID string, out Outcome) bool {
	e := s.take(orderID)
	if e == nil {
		return false
	}
	e.timer.Stop()
	e.result <- out
	return true
}

// cancel 撤回等待项，不写结果
func (s *pendingSet) cancel(orderID string) bool {
	e := s.take(orderID)
	if e == nil {
		return false
	}
	e.timer.Stop()
	return true
}

func (s *pendingSet) take(orderID string) *pendingEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[orderID]
	if !ok {
		return nil
	}
	delete(s.entries, orderID)
	return e
}

// expire 仅当 orderId 仍指向 e 时移除并记为超时，避免旧定时器误删同 id 的新订单
func (s *pendingSet) expire(orderID string, e *pendingEntry) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.entries[orderID]; !ok || cur != e {
		return false
	}
	delete(s.entries, orderID)

	now := time.Now()
	for id, at := range s.expired {
		if now.Sub(at) > expiredRetention {
			delete(s.expired, id)
		}
	}
	s.expired[orderID] = now
	return true
}

// late 是否为已超时订单，命中后清除记录
func (s *pendingSet) late(orderID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.expired[orderID]; !ok {
		return false
	}
	delete(s.expired, orderID)
	return true
}

func (s *pendingSet) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// oldest 最早一笔等待项的等待时长
func (s *pendingSet) oldest(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	var longest time.Duration
	for _, e := range s.entries {
		if age := now.Sub(e.created); age > longest {
			longest = age
		}
	}
	return longest
}

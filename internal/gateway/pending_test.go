package gateway

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func timeoutOutcome(id string) func() Outcome {
	return func() Outcome { return Outcome{OrderID: id, Status: StatusTimeout} }
}

func TestPendingResolveOnce(t *testing.T) {
	s := newPendingSet()
	ch, ok := s.add("o-1", time.Hour, timeoutOutcome("o-1"))
	if !ok {
		t.Fatal("add failed")
	}
	if _, ok := s.add("o-1", time.Hour, timeoutOutcome("o-1")); ok {
		t.Fatal("duplicate add must fail")
	}

	if !s.resolve("o-1", Outcome{OrderID: "o-1", Status: StatusApproved}) {
		t.Fatal("first resolve should win")
	}
	if s.resolve("o-1", Outcome{OrderID: "o-1", Status: StatusRejected}) {
		t.Fatal("second resolve must be a no-op")
	}
	if out := <-ch; out.Status != StatusApproved {
		t.Fatalf("status = %s", out.Status)
	}
	if s.len() != 0 {
		t.Fatalf("len = %d", s.len())
	}
}

func TestPendingTimeout(t *testing.T) {
	s := newPendingSet()
	ch, _ := s.add("o-t", 20*time.Millisecond, timeoutOutcome("o-t"))

	select {
	case out := <-ch:
		if out.Status != StatusTimeout {
			t.Fatalf("status = %s", out.Status)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout never fired")
	}

	if s.resolve("o-t", Outcome{Status: StatusApproved}) {
		t.Fatal("decision after timeout must be dropped")
	}
	if !s.late("o-t") {
		t.Fatal("expected late marker")
	}
	if s.late("o-t") {
		t.Fatal("late marker should be consumed")
	}
}

func TestTimedOutIDCannotBeReused(t *testing.T) {
	s := newPendingSet()
	ch, _ := s.add("dup", 10*time.Millisecond, timeoutOutcome("dup"))
	<-ch

	if _, ok := s.add("dup", time.Hour, timeoutOutcome("dup")); ok {
		t.Fatal("re-add of a recently timed out id must fail")
	}

	// 超过保留期后可以复用
	s.mu.Lock()
	s.expired["dup"] = time.Now().Add(-expiredRetention - time.Second)
	s.mu.Unlock()
	if _, ok := s.add("dup", time.Hour, timeoutOutcome("dup")); !ok {
		t.Fatal("re-add after retention failed")
	}
	if s.late("dup") {
		t.Fatal("expired record should be cleared on re-add")
	}
}

func TestPendingCancel(t *testing.T) {
	s := newPendingSet()
	s.add("o-c", 20*time.Millisecond, timeoutOutcome("o-c"))
	if !s.cancel("o-c") {
		t.Fatal("cancel failed")
	}
	time.Sleep(50 * time.Millisecond)
	if s.late("o-c") {
		t.Fatal("cancelled entry must not be marked as timed out")
	}

	// 同 id 可以重新提交
	if _, ok := s.add("o-c", time.Hour, timeoutOutcome("o-c")); !ok {
		t.Fatal("re-add after cancel failed")
	}
}

func TestStaleTimerDoesNotRemoveNewEntry(t *testing.T) {
	s := newPendingSet()
	old := &pendingEntry{result: make(chan Outcome, 1)}
	s.entries["o-s"] = &pendingEntry{result: make(chan Outcome, 1), timer: time.NewTimer(time.Hour)}
	if s.expire("o-s", old) {
		t.Fatal("expire must check entry identity")
	}
	if s.len() != 1 {
		t.Fatal("new entry was removed")
	}
}

func TestPendingRaceExactlyOneResult(t *testing.T) {
	for i := 0; i < 50; i++ {
		s := newPendingSet()
		ch, _ := s.add("o-r", time.Millisecond, timeoutOutcome("o-r"))

		var wins atomic.Int32
		var wg sync.WaitGroup
		for _, st := range []Status{StatusApproved, StatusRejected} {
			wg.Add(1)
			go func(st Status) {
				defer wg.Done()
				if s.resolve("o-r", Outcome{OrderID: "o-r", Status: st}) {
					wins.Add(1)
				}
			}(st)
		}
		wg.Wait()

		<-ch
		select {
		case extra := <-ch:
			t.Fatalf("second result delivered: %+v", extra)
		case <-time.After(5 * time.Millisecond):
		}
		if wins.Load() > 1 {
			t.Fatalf("wins = %d", wins.Load())
		}
	}
}

package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redismock "github.com/go-redis/redismock/v9"
	goredis "github.com/redis/go-redis/v9"

	"github.com/mb6226/iranvault/pkg/health"
)

type testEvent struct {
	OrderID string `json:"orderId"`
}

func setupStream(t *testing.T, opts ...StreamOption) (*miniredis.Miniredis, *StreamClient) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, NewStreamClient(rdb, opts...)
}

func TestNewConsumerDefaultsZeroOptions(t *testing.T) {
	client := NewStreamClient(goredis.NewClient(&goredis.Options{Addr: "localhost:6379"}))
	consumer := NewConsumer(client, "group", "consumer", []string{"stream"}, func(ctx context.Context, msg *Message) error {
		return nil
	}, &ConsumerOptions{BatchSize: 5})

	if consumer.opts.PendingCheckInterval != DefaultConsumerOptions.PendingCheckInterval {
		t.Fatalf("PendingCheckInterval = %v, want %v", consumer.opts.PendingCheckInterval, DefaultConsumerOptions.PendingCheckInterval)
	}
	if consumer.opts.BatchSize != 5 {
		t.Fatalf("BatchSize = %d, want 5", consumer.opts.BatchSize)
	}
	if consumer.opts.StartID != "0" {
		t.Fatalf("StartID = %q, want 0", consumer.opts.StartID)
	}
}

func TestPublishWritesDataField(t *testing.T) {
	mr, client := setupStream(t, WithMaxLen(100), WithOpTimeout(time.Second))

	id, err := client.Publish(context.Background(), "orders.created", testEvent{OrderID: "o-1"})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if id == "" {
		t.Fatal("expected stream id")
	}

	entries, err := mr.Stream("orders.created")
	if err != nil {
		t.Fatalf("read stream: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(entries))
	}
	values := entries[0].Values
	if len(values) < 2 || values[0] != "data" {
		t.Fatalf("unexpected values %v", values)
	}
	var got testEvent
	if err := json.Unmarshal([]byte(values[1]), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.OrderID != "o-1" {
		t.Fatalf("orderId = %q", got.OrderID)
	}
}

func TestPublishMarshalError(t *testing.T) {
	_, client := setupStream(t)
	if _, err := client.Publish(context.Background(), "s", make(chan int)); err == nil {
		t.Fatal("expected marshal error")
	}
}

func TestReadOnceHandlesAndAcks(t *testing.T) {
	_, client := setupStream(t)
	ctx := context.Background()

	var (
		mu  sync.Mutex
		got []string
	)
	var loop health.LoopMonitor
	consumer := NewConsumer(client, "risk-engine", "c1", []string{"orders.created"}, func(ctx context.Context, msg *Message) error {
		var ev testEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			return err
		}
		mu.Lock()
		got = append(got, ev.OrderID)
		mu.Unlock()
		return nil
	}, &ConsumerOptions{BlockTime: 50 * time.Millisecond, Loop: &loop})

	if err := consumer.EnsureGroups(ctx); err != nil {
		t.Fatalf("ensure groups: %v", err)
	}
	// 组已存在时再次创建不报错
	if err := consumer.EnsureGroups(ctx); err != nil {
		t.Fatalf("ensure groups twice: %v", err)
	}

	for i := 0; i < 3; i++ {
		if _, err := client.Publish(ctx, "orders.created", testEvent{OrderID: fmt.Sprintf("o-%d", i)}); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	if err := consumer.readOnce(ctx); err != nil {
		t.Fatalf("readOnce: %v", err)
	}

	if len(got) != 3 || got[0] != "o-0" || got[2] != "o-2" {
		t.Fatalf("handled = %v", got)
	}
	if ok, _, _ := loop.Healthy(time.Now(), time.Second); !ok {
		t.Fatal("expected loop heartbeat")
	}

	pending, err := client.Redis().XPending(ctx, "orders.created", "risk-engine").Result()
	if err != nil {
		t.Fatalf("xpending: %v", err)
	}
	if pending.Count != 0 {
		t.Fatalf("pending = %d, want 0 after ack", pending.Count)
	}

	// 无新消息时 BLOCK 超时返回 nil
	if err := consumer.readOnce(ctx); err != nil {
		t.Fatalf("empty readOnce: %v", err)
	}
}

func TestHandlerErrorLeavesMessagePending(t *testing.T) {
	_, client := setupStream(t)
	ctx := context.Background()

	var results int
	consumer := NewConsumer(client, "g", "c1", []string{"orders.approved"}, func(ctx context.Context, msg *Message) error {
		return errors.New("downstream unavailable")
	}, &ConsumerOptions{
		BlockTime:  50 * time.Millisecond,
		MaxRetries: 3,
		OnResult: func(stream string, err error) {
			if err != nil {
				results++
			}
		},
	})
	if err := consumer.EnsureGroups(ctx); err != nil {
		t.Fatalf("ensure groups: %v", err)
	}
	if _, err := client.Publish(ctx, "orders.approved", testEvent{OrderID: "o-9"}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if err := consumer.readOnce(ctx); err != nil {
		t.Fatalf("readOnce: %v", err)
	}
	if results != 1 {
		t.Fatalf("OnResult errors = %d, want 1", results)
	}

	pending, err := client.Redis().XPending(ctx, "orders.approved", "g").Result()
	if err != nil {
		t.Fatalf("xpending: %v", err)
	}
	if pending.Count != 1 {
		t.Fatalf("pending = %d, want 1", pending.Count)
	}
}

func TestPoisonMessageGoesToDLQ(t *testing.T) {
	mr, client := setupStream(t)
	ctx := context.Background()

	var dlq int
	consumer := NewConsumer(client, "g", "c1", []string{"orders.created"}, func(ctx context.Context, msg *Message) error {
		return fmt.Errorf("decode: %w", ErrPoison)
	}, &ConsumerOptions{BlockTime: 50 * time.Millisecond, OnDLQ: func(string) { dlq++ }})
	if err := consumer.EnsureGroups(ctx); err != nil {
		t.Fatalf("ensure groups: %v", err)
	}
	if _, err := client.Publish(ctx, "orders.created", "not-an-order"); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if err := consumer.readOnce(ctx); err != nil {
		t.Fatalf("readOnce: %v", err)
	}

	if dlq != 1 {
		t.Fatalf("dlq callbacks = %d, want 1", dlq)
	}
	entries, err := mr.Stream("orders.created" + DLQSuffix)
	if err != nil {
		t.Fatalf("read dlq: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("dlq entries = %d, want 1", len(entries))
	}
	pending, err := client.Redis().XPending(ctx, "orders.created", "g").Result()
	if err != nil {
		t.Fatalf("xpending: %v", err)
	}
	if pending.Count != 0 {
		t.Fatalf("poison message should be acked, pending = %d", pending.Count)
	}
}

func TestStartReturnsOnCancel(t *testing.T) {
	_, client := setupStream(t)
	ctx, cancel := context.WithCancel(context.Background())

	handled := make(chan string, 1)
	consumer := NewConsumer(client, "g", "c1", []string{"orders.rejected"}, func(ctx context.Context, msg *Message) error {
		var ev testEvent
		_ = json.Unmarshal(msg.Data, &ev)
		select {
		case handled <- ev.OrderID:
		default:
		}
		return nil
	}, &ConsumerOptions{BlockTime: 20 * time.Millisecond, StartID: "$"})

	done := make(chan error, 1)
	go func() { done <- consumer.Start(ctx) }()

	deadline := time.After(2 * time.Second)
	for {
		if _, err := client.Publish(context.Background(), "orders.rejected", testEvent{OrderID: "o-r"}); err != nil {
			t.Fatalf("publish: %v", err)
		}
		select {
		case id := <-handled:
			if id != "o-r" {
				t.Fatalf("handled %q", id)
			}
			cancel()
			select {
			case err := <-done:
				if !errors.Is(err, context.Canceled) {
					t.Fatalf("Start returned %v, want context.Canceled", err)
				}
			case <-time.After(2 * time.Second):
				t.Fatal("consumer did not stop")
			}
			return
		case <-time.After(50 * time.Millisecond):
		case <-deadline:
			cancel()
			t.Fatal("message was never consumed")
		}
	}
}

func TestRunRestartsUntilCancelled(t *testing.T) {
	mr, client := setupStream(t)
	mr.Close()

	var loop health.LoopMonitor
	consumer := NewConsumer(client, "g", "c1", []string{"orders.created"}, func(ctx context.Context, msg *Message) error {
		return nil
	}, &ConsumerOptions{BlockTime: 20 * time.Millisecond, Loop: &loop})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		consumer.Run(ctx, 10*time.Millisecond)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for loop.LastError() == "" && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if loop.LastError() == "" {
		t.Fatal("expected start error recorded on loop monitor")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestTrim(t *testing.T) {
	_, client := setupStream(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if _, err := client.Publish(ctx, "prices.updated", testEvent{OrderID: fmt.Sprint(i)}); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	removed, err := client.Trim(ctx, "prices.updated", 2)
	if err != nil {
		t.Fatalf("trim: %v", err)
	}
	if removed != 3 {
		t.Fatalf("removed = %d, want 3", removed)
	}

	length, err := client.Redis().XLen(ctx, "prices.updated").Result()
	if err != nil {
		t.Fatalf("xlen: %v", err)
	}
	if length != 2 {
		t.Fatalf("length = %d, want 2", length)
	}
}

func TestReadOnceWithMock(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	client := NewStreamClient(rdb)

	var handled string
	consumer := NewConsumer(client, "order-gateway:gw-1", "gw-1", []string{"orders.approved"}, func(ctx context.Context, msg *Message) error {
		handled = msg.ID
		return nil
	}, nil)

	mock.ExpectXReadGroup(&goredis.XReadGroupArgs{
		Group:    "order-gateway:gw-1",
		Consumer: "gw-1",
		Streams:  []string{"orders.approved", ">"},
		Count:    int64(DefaultConsumerOptions.BatchSize),
		Block:    DefaultConsumerOptions.BlockTime,
	}).SetVal([]goredis.XStream{
		{
			Stream: "orders.approved",
			Messages: []goredis.XMessage{
				{ID: "1-0", Values: map[string]interface{}{"data": `{"orderId":"o-1"}`}},
			},
		},
	})
	mock.ExpectXAck("orders.approved", "order-gateway:gw-1", "1-0").SetVal(1)

	if err := consumer.readOnce(context.Background()); err != nil {
		t.Fatalf("readOnce: %v", err)
	}
	if handled != "1-0" {
		t.Fatalf("handled = %q", handled)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestReadOnceReturnsReadError(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	consumer := NewConsumer(NewStreamClient(rdb), "g", "c", []string{"s"}, func(ctx context.Context, msg *Message) error {
		return nil
	}, nil)

	mock.ExpectXReadGroup(&goredis.XReadGroupArgs{
		Group:    "g",
		Consumer: "c",
		Streams:  []string{"s", ">"},
		Count:    int64(DefaultConsumerOptions.BatchSize),
		Block:    DefaultConsumerOptions.BlockTime,
	}).SetErr(errors.New("connection reset"))

	if err := consumer.readOnce(context.Background()); err == nil {
		t.Fatal("expected read error")
	}
}

func TestStartConsumersCreatesGroupsBeforeReturning(t *testing.T) {
	_, client := setupStream(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handled := make(chan string, 1)
	consumer := NewConsumer(client, "order-gateway:gw-1", "gw-1", []string{"orders.approved"}, func(ctx context.Context, msg *Message) error {
		var ev testEvent
		_ = json.Unmarshal(msg.Data, &ev)
		handled <- ev.OrderID
		return nil
	}, &ConsumerOptions{BlockTime: 20 * time.Millisecond, StartID: "$"})

	if err := StartConsumers(ctx, 10*time.Millisecond, consumer); err != nil {
		t.Fatalf("StartConsumers: %v", err)
	}

	// 发布一次即可：组在返回前已建在 $ 上，这条消息位于起点之后
	if _, err := client.Publish(context.Background(), "orders.approved", testEvent{OrderID: "o1"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case id := <-handled:
		if id != "o1" {
			t.Fatalf("handled %q, want o1", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("decision published right after start was never consumed")
	}
}

func TestStartConsumersFailsWhenGroupCannotBeCreated(t *testing.T) {
	mr, client := setupStream(t)
	mr.Close()

	consumer := NewConsumer(client, "g", "c1", []string{"orders.created"}, func(ctx context.Context, msg *Message) error {
		return nil
	}, &ConsumerOptions{BlockTime: 20 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := StartConsumers(ctx, 10*time.Millisecond, consumer)
	if err == nil {
		t.Fatal("expected error when redis is unreachable")
	}
	if !strings.Contains(err.Error(), "create group g on orders.created") {
		t.Fatalf("unexpected error: %v", err)
	}
}

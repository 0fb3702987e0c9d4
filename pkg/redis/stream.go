package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mb6226/iranvault/pkg/health"
	"github.com/mb6226/iranvault/pkg/logger"
	"github.com/mb6226/iranvault/pkg/tracing"
)

// ErrPoison 处理函数返回此错误（可包装）时消息直接进入死信流
var ErrPoison = errors.New("poison message")

// DLQSuffix 死信流后缀
const DLQSuffix = ":dlq"

// StreamClient Redis Streams 客户端
type StreamClient struct {
	client    redis.UniversalClient
	maxLen    int64
	opTimeout time.Duration
}

// StreamOption 客户端选项
type StreamOption func(*StreamClient)

// WithMaxLen XADD 时按 MAXLEN ~ n 近似裁剪
func WithMaxLen(n int64) StreamOption {
	return func(c *StreamClient) { c.maxLen = n }
}

// WithOpTimeout 单次发布的超时
func WithOpTimeout(d time.Duration) StreamOption {
	return func(c *StreamClient) { c.opTimeout = d }
}

// NewStreamClient 创建客户端
func NewStreamClient(client redis.UniversalClient, opts ...StreamOption) *StreamClient {
	c := &StreamClient{client: client}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Redis 返回底层客户端
func (c *StreamClient) Redis() redis.UniversalClient {
	return c.client
}

// Publish 发布消息到 Stream，返回消息 ID
func (c *StreamClient) Publish(ctx context.Context, stream string, msg interface{}) (string, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("marshal message: %w", err)
	}

	if c.opTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opTimeout)
		defer cancel()
	}

	values := map[string]interface{}{
		"data": string(data),
	}
	tracing.InjectRedisStream(ctx, values)

	args := &redis.XAddArgs{
		Stream: stream,
		Values: values,
	}
	if c.maxLen > 0 {
		args.MaxLen = c.maxLen
		args.Approx = true
	}

	id, err := c.client.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("xadd %s: %w", stream, err)
	}

	return id, nil
}

// Message 消息
type Message struct {
	ID     string
	Stream string
	Data   []byte
}

// Consumer 消费者组成员
type Consumer struct {
	client   *StreamClient
	group    string
	consumer string
	streams  []string
	handler  MessageHandler
	opts     ConsumerOptions
	log      *logger.Logger
}

// MessageHandler 消息处理函数，返回 error 时消息不 ACK，等待重投
type MessageHandler func(ctx context.Context, msg *Message) error

// ConsumerOptions 消费者选项
type ConsumerOptions struct {
	BatchSize    int           // 每次读取的消息数
	BlockTime    time.Duration // 阻塞等待时间
	MaxRetries   int           // 最大重试次数
	ClaimMinIdle time.Duration // 认领空闲消息的最小时间
	// PendingCheckInterval 周期性处理 pending 的间隔
	PendingCheckInterval time.Duration
	// StartID 新建消费者组的起始位置："0" 从头，"$" 只收新消息
	StartID string

	Logger *logger.Logger
	// Loop 每轮读取时心跳，供 /ready 检查
	Loop *health.LoopMonitor
	// OnResult 每条消息处理完成后回调（指标）
	OnResult func(stream string, err error)
	// OnDLQ 消息写入死信流后回调
	OnDLQ func(stream string)
}

// DefaultConsumerOptions 默认选项
var DefaultConsumerOptions = ConsumerOptions{
	BatchSize:            10,
	BlockTime:            2 * time.Second,
	MaxRetries:           3,
	ClaimMinIdle:         30 * time.Second,
	PendingCheckInterval: 30 * time.Second,
	StartID:              "0",
}

// NewConsumer 创建消费者，opts 中的零值取默认
func NewConsumer(client *StreamClient, group, consumer string, streams []string, handler MessageHandler, opts *ConsumerOptions) *Consumer {
	o := DefaultConsumerOptions
	if opts != nil {
		o = *opts
		if o.BatchSize <= 0 {
			o.BatchSize = DefaultConsumerOptions.BatchSize
		}
		if o.BlockTime <= 0 {
			o.BlockTime = DefaultConsumerOptions.BlockTime
		}
		if o.ClaimMinIdle <= 0 {
			o.ClaimMinIdle = DefaultConsumerOptions.ClaimMinIdle
		}
		if o.PendingCheckInterval <= 0 {
			o.PendingCheckInterval = DefaultConsumerOptions.PendingCheckInterval
		}
		if o.StartID == "" {
			o.StartID = DefaultConsumerOptions.StartID
		}
	}
	log := o.Logger
	if log == nil {
		log = logger.Nop()
	}
	return &Consumer{
		client:   client,
		group:    group,
		consumer: consumer,
		streams:  streams,
		handler:  handler,
		opts:     o,
		log:      log.WithField("group", group).WithField("consumer", consumer),
	}
}

// Group 消费者组名
func (c *Consumer) Group() string {
	return c.group
}

// Start 启动消费，阻塞直到 ctx 取消或读取失败
func (c *Consumer) Start(ctx context.Context) error {
	if err := c.EnsureGroups(ctx); err != nil {
		return err
	}

	// 先处理 pending 消息
	if err := c.processPending(ctx); err != nil {
		return fmt.Errorf("process pending: %w", err)
	}

	return c.consume(ctx)
}

// Run 循环调用 Start，读取失败或 panic 后等待 backoff 重启，直到 ctx 取消
func (c *Consumer) Run(ctx context.Context, backoff time.Duration) {
	if backoff <= 0 {
		backoff = time.Second
	}
	for {
		err := c.runOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		if c.opts.Loop != nil && err != nil {
			c.opts.Loop.SetError(err)
		}
		c.log.WithError(err).Warnf("consumer stopped, restarting", map[string]interface{}{
			"streams": strings.Join(c.streams, ","),
			"backoff": backoff.String(),
		})

		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

// StartConsumers 先同步创建全部消费者组，再后台 Run。
// 建组失败直接返回且不启动任何消费者；返回 nil 后发布的消息一定能被读到。
func StartConsumers(ctx context.Context, backoff time.Duration, consumers ...*Consumer) error {
	for _, c := range consumers {
		if err := c.EnsureGroups(ctx); err != nil {
			return err
		}
	}
	for _, c := range consumers {
		go c.Run(ctx, backoff)
	}
	return nil
}

func (c *Consumer) runOnce(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return c.Start(ctx)
}

// EnsureGroups 确保消费者组存在
func (c *Consumer) EnsureGroups(ctx context.Context) error {
	for _, stream := range c.streams {
		err := c.client.client.XGroupCreateMkStream(ctx, stream, c.group, c.opts.StartID).Err()
		if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
			return fmt.Errorf("create group %s on %s: %w", c.group, stream, err)
		}
	}
	return nil
}

// processPending 认领空闲超过 ClaimMinIdle 的 pending 消息并重试
func (c *Consumer) processPending(ctx context.Context) error {
	for _, stream := range c.streams {
		for {
			pending, err := c.client.client.XPendingExt(ctx, &redis.XPendingExtArgs{
				Stream: stream,
				Group:  c.group,
				Start:  "-",
				End:    "+",
				Count:  int64(c.opts.BatchSize),
			}).Result()
			if err != nil {
				return fmt.Errorf("xpending: %w", err)
			}

			if len(pending) == 0 {
				break
			}

			ids := make([]string, 0, len(pending))
			dlqIDs := make(map[string]int64)
			for _, p := range pending {
				if p.Idle >= c.opts.ClaimMinIdle {
					ids = append(ids, p.ID)
					if c.opts.MaxRetries > 0 && p.RetryCount > int64(c.opts.MaxRetries) {
						dlqIDs[p.ID] = p.RetryCount
					}
				}
			}

			if len(ids) == 0 {
				break
			}

			messages, err := c.client.client.XClaim(ctx, &redis.XClaimArgs{
				Stream:   stream,
				Group:    c.group,
				Consumer: c.consumer,
				MinIdle:  c.opts.ClaimMinIdle,
				Messages: ids,
			}).Result()
			if err != nil {
				return fmt.Errorf("xclaim: %w", err)
			}

			for _, m := range messages {
				if retryCount, toDLQ := dlqIDs[m.ID]; toDLQ {
					c.deadLetter(ctx, stream, m, fmt.Sprintf("max retries exceeded: %d", retryCount))
					continue
				}

				if err := c.processMessage(ctx, stream, m); err != nil {
					c.log.WithError(err).Warnf("process pending message failed", map[string]interface{}{
						"stream": stream,
						"msgId":  m.ID,
					})
				}
			}

			// 认领后的消息 idle 归零，本轮不会再次命中
			if len(ids) < len(pending) || len(pending) < c.opts.BatchSize {
				break
			}
		}
	}
	return nil
}

func (c *Consumer) readArgs() []string {
	args := make([]string, 0, len(c.streams)*2)
	args = append(args, c.streams...)
	for range c.streams {
		args = append(args, ">")
	}
	return args
}

// consume 消费新消息
func (c *Consumer) consume(ctx context.Context) error {
	pendingTicker := time.NewTicker(c.opts.PendingCheckInterval)
	defer pendingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-pendingTicker.C:
			if err := c.processPending(ctx); err != nil && ctx.Err() == nil {
				c.log.WithError(err).Warn("process pending failed")
			}
		default:
		}

		if err := c.readOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if c.opts.Loop != nil {
				c.opts.Loop.SetError(err)
			}
			return err
		}
	}
}

// readOnce 读取并处理一批新消息
func (c *Consumer) readOnce(ctx context.Context) error {
	if c.opts.Loop != nil {
		c.opts.Loop.Tick()
	}

	results, err := c.client.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.group,
		Consumer: c.consumer,
		Streams:  c.readArgs(),
		Count:    int64(c.opts.BatchSize),
		Block:    c.opts.BlockTime,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return fmt.Errorf("xreadgroup: %w", err)
	}

	for _, result := range results {
		for _, m := range result.Messages {
			if err := c.processMessage(ctx, result.Stream, m); err != nil {
				c.log.WithError(err).Warnf("process message failed", map[string]interface{}{
					"stream": result.Stream,
					"msgId":  m.ID,
				})
			}
		}
	}
	return nil
}

// processMessage 处理单条消息，成功后 ACK
func (c *Consumer) processMessage(ctx context.Context, stream string, m redis.XMessage) error {
	data, ok := m.Values["data"].(string)
	if !ok {
		c.deadLetter(ctx, stream, m, "missing data field")
		return nil
	}

	msgCtx, span := tracing.StartConsumerSpan(ctx, stream, m.ID, m.Values)
	defer span.End()

	err := c.handler(msgCtx, &Message{
		ID:     m.ID,
		Stream: stream,
		Data:   []byte(data),
	})
	if c.opts.OnResult != nil {
		c.opts.OnResult(stream, err)
	}

	if err != nil {
		tracing.SetError(msgCtx, err)
		if errors.Is(err, ErrPoison) {
			c.deadLetter(ctx, stream, m, err.Error())
			return nil
		}
		// 超过最大重试，写入死信流并 ACK
		if c.opts.MaxRetries > 0 {
			pending, pErr := c.client.client.XPendingExt(ctx, &redis.XPendingExtArgs{
				Stream: stream,
				Group:  c.group,
				Start:  m.ID,
				End:    m.ID,
				Count:  1,
			}).Result()
			if pErr == nil && len(pending) == 1 && pending[0].RetryCount > int64(c.opts.MaxRetries) {
				c.deadLetter(ctx, stream, m, err.Error())
				return nil
			}
		}
		return err
	}

	return c.client.client.XAck(ctx, stream, c.group, m.ID).Err()
}

// deadLetter 写入死信流并 ACK 原消息
func (c *Consumer) deadLetter(ctx context.Context, stream string, m redis.XMessage, reason string) {
	if err := c.sendToDLQ(ctx, stream, m, reason); err != nil {
		c.log.WithError(err).Errorf("send to dlq failed", map[string]interface{}{
			"stream": stream,
			"msgId":  m.ID,
		})
		return
	}
	if c.opts.OnDLQ != nil {
		c.opts.OnDLQ(stream)
	}
	c.log.Warnf("message dead-lettered", map[string]interface{}{
		"stream": stream,
		"msgId":  m.ID,
		"reason": reason,
	})
	if err := c.client.client.XAck(ctx, stream, c.group, m.ID).Err(); err != nil {
		c.log.WithError(err).Warn("ack dlq message failed")
	}
}

func (c *Consumer) sendToDLQ(ctx context.Context, stream string, m redis.XMessage, reason string) error {
	values := map[string]interface{}{
		"stream":   stream,
		"msgId":    m.ID,
		"reason":   reason,
		"tsMs":     time.Now().UnixMilli(),
		"group":    c.group,
		"consumer": c.consumer,
	}
	if data, ok := m.Values["data"]; ok {
		values["data"] = data
	}
	_, err := c.client.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream + DLQSuffix,
		Values: values,
	}).Result()
	if err != nil {
		return fmt.Errorf("xadd dlq: %w", err)
	}
	return nil
}

// Trim 按 MAXLEN 裁剪 Stream，返回删除条数
func (c *StreamClient) Trim(ctx context.Context, stream string, maxLen int64) (int64, error) {
	return c.client.XTrimMaxLen(ctx, stream, maxLen).Result()
}

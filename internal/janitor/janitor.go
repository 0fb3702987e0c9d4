// Package janitor 定时裁剪事件 stream
package janitor

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"

	"github.com/mb6226/iranvault/pkg/logger"
)

// DefaultSchedule 默认每分钟裁剪一次
const DefaultSchedule = "@every 1m"

// Trimmer stream 裁剪
type Trimmer interface {
	Trim(ctx context.Context, stream string, maxLen int64) (int64, error)
}

// TrimObserver 记录裁剪数量
type TrimObserver interface {
	AddTrimmed(stream string, n int64)
}

// Janitor 按 cron 表达式把每个 stream 裁到 maxLen
type Janitor struct {
	trimmer  Trimmer
	streams  []string
	maxLen   int64
	schedule cron.Schedule
	metrics  TrimObserver
	log      *logger.Logger
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// New 解析 schedule 并创建 janitor
func New(trimmer Trimmer, streams []string, maxLen int64, schedule string, m TrimObserver, log *logger.Logger) (*Janitor, error) {
	if maxLen <= 0 {
		return nil, fmt.Errorf("stream max length must be positive, got %d", maxLen)
	}
	if schedule == "" {
		schedule = DefaultSchedule
	}
	sched, err := parser.Parse(schedule)
	if err != nil {
		return nil, fmt.Errorf("invalid trim schedule %q: %w", schedule, err)
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Janitor{
		trimmer:  trimmer,
		streams:  streams,
		maxLen:   maxLen,
		schedule: sched,
		metrics:  m,
		log:      log,
	}, nil
}

// RunOnce 裁剪所有 stream，单个失败不影响其余
func (j *Janitor) RunOnce(ctx context.Context) int64 {
	var total int64
	for _, stream := range j.streams {
		if ctx.Err() != nil {
			return total
		}
		removed, err := j.trimmer.Trim(ctx, stream, j.maxLen)
		if err != nil {
			j.log.WithError(err).Warnf("trim stream failed", map[string]interface{}{"stream": stream})
			continue
		}
		if j.metrics != nil {
			j.metrics.AddTrimmed(stream, removed)
		}
		if removed > 0 {
			j.log.Debugf("stream trimmed", map[string]interface{}{"stream": stream, "removed": removed})
		}
		total += removed
	}
	return total
}

// Run 按计划执行直到 ctx 结束
func (j *Janitor) Run(ctx context.Context) {
	c := cron.New(cron.WithParser(parser))
	c.Schedule(j.schedule, cron.FuncJob(func() {
		if ctx.Err() != nil {
			return
		}
		j.RunOnce(ctx)
	}))

	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
}

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mb6226/iranvault/internal/cache"
	"github.com/mb6226/iranvault/internal/config"
	"github.com/mb6226/iranvault/internal/events"
	"github.com/mb6226/iranvault/internal/handler"
	"github.com/mb6226/iranvault/internal/janitor"
	"github.com/mb6226/iranvault/internal/metrics"
	"github.com/mb6226/iranvault/internal/risk"
	"github.com/mb6226/iranvault/pkg/health"
	"github.com/mb6226/iranvault/pkg/logger"
	"github.com/mb6226/iranvault/pkg/redis"
	"github.com/mb6226/iranvault/pkg/response"
	"github.com/mb6226/iranvault/pkg/tracing"
)

const consumerRestartBackoff = 2 * time.Second

func main() {
	cfg := config.LoadRisk()
	l := logger.New(cfg.ServiceName, os.Stdout).WithLevel(cfg.LogLevel)
	l.Info("Starting " + cfg.ServiceName)

	shutdownTracing, err := tracing.Init(tracing.Config{
		ServiceName: cfg.ServiceName,
		Endpoint:    cfg.Tracing.Endpoint,
		Enabled:     cfg.Tracing.Enabled,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		l.Fatal(fmt.Sprintf("Failed to init tracing: %v", err))
	}
	defer shutdownTracing(context.Background())

	// 规则文件缺失用默认值，格式错误直接退出
	rules, err := config.LoadRules(cfg.RulesFile)
	switch {
	case errors.Is(err, config.ErrRulesNotFound):
		l.WithError(err).Warn("Risk rules file not found, using defaults")
	case err != nil:
		l.Fatal(fmt.Sprintf("Failed to load risk rules: %v", err))
	}

	redisClient, err := redis.NewClient(cfg.Redis.Client())
	if err != nil {
		l.Fatal(fmt.Sprintf("Failed to connect to Redis: %v", err))
	}
	defer redisClient.Close()
	l.Info("Connected to Redis")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := metrics.NewRisk()
	bus := redis.NewStreamClient(redisClient, redis.WithMaxLen(cfg.StreamMaxLen), redis.WithOpTimeout(cfg.BusTimeout))
	stateCache := cache.NewRedisCache(redisClient,
		cache.WithTimeout(cfg.CacheTimeout),
		cache.WithDefaultFree(decimal.NewFromFloat(cfg.DefaultFreeBalance)),
	)

	breaker := risk.NewBreaker(
		rules.CircuitBreaker.MaxRejectionsPerWindow,
		rules.CircuitBreaker.Cooldown(),
		risk.WithWindow(cfg.CircuitBreakerWindow),
		risk.WithBreakerLogger(l),
		risk.WithOnChange(func(s risk.BreakerSnapshot) {
			m.SetBreaker(s.KillSwitch, s.Tripped, s.Rejections)
		}),
	)
	defer breaker.Close()
	if rules.KillSwitch {
		breaker.SetManual(true)
	}

	store := risk.NewRulesStore(rules)
	engine := risk.NewEngine(bus, stateCache, store, breaker, m, l, risk.WithApprovalRetention(cfg.ApprovalRetention))
	monitor := risk.NewLiquidationMonitor(bus, stateCache, store, decimal.NewFromFloat(cfg.BaseEquity), m, l)

	// 事件消费
	healthz := health.New(cfg.ServiceName)
	healthz.Register(health.NewRedisChecker(redisClient))

	consumers := []struct {
		name    string
		stream  string
		handler redis.MessageHandler
	}{
		{name: "order_consumer", stream: events.SubjectOrderCreated, handler: engine.HandleOrderCreated},
		{name: "wallet_consumer", stream: events.SubjectWalletUpdated, handler: engine.HandleWalletUpdated},
		{name: "price_consumer", stream: events.SubjectPriceUpdated, handler: monitor.HandlePriceUpdated},
	}
	started := make([]*redis.Consumer, 0, len(consumers))
	for _, c := range consumers {
		loop := &health.LoopMonitor{}
		loop.Tick()
		consumer := redis.NewConsumer(bus, cfg.ConsumerGroup, cfg.ConsumerName, []string{c.stream}, c.handler, &redis.ConsumerOptions{
			StartID: "0",
			Logger:  l,
			Loop:    loop,
			OnResult: func(stream string, err error) {
				m.StreamResult(stream, cfg.ConsumerGroup, err)
			},
			OnDLQ: func(stream string) {
				m.IncStreamDLQ(stream, cfg.ConsumerGroup)
			},
		})
		healthz.Register(health.NewLoopChecker(c.name, loop, 45*time.Second))
		started = append(started, consumer)
	}
	if err := redis.StartConsumers(ctx, consumerRestartBackoff, started...); err != nil {
		l.Fatal(fmt.Sprintf("Failed to create consumer groups: %v", err))
	}

	// stream 裁剪
	j, err := janitor.New(bus, events.AllSubjects, cfg.StreamMaxLen, cfg.StreamTrimSchedule, m, l)
	if err != nil {
		l.Fatal(fmt.Sprintf("Invalid stream trim config: %v", err))
	}
	go j.Run(ctx)

	healthz.SetInfo(handler.BreakerInfo(breaker))
	healthz.SetReady(true)

	// HTTP 服务
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	healthz.Mount(mux)

	handler.NewControlHandler(engine, cfg.RulesFile, l).Register(mux, m)

	var h http.Handler = mux
	h = tracing.HTTPMiddleware(h)
	h = response.RecoveryMiddleware(l, h)
	h = response.RequestIDMiddleware(h)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           h,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	go func() {
		l.Info(fmt.Sprintf("HTTP server listening on :%d", cfg.HTTPPort))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			l.Fatal(fmt.Sprintf("HTTP server error: %v", err))
		}
	}()

	// 等待退出信号
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	l.Info("Shutting down...")
	healthz.SetReady(false)
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		l.WithError(err).Warn("HTTP server shutdown")
	}
	l.Info("Shutdown complete")
}

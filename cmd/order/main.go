package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mb6226/iranvault/internal/config"
	"github.com/mb6226/iranvault/internal/events"
	"github.com/mb6226/iranvault/internal/gateway"
	"github.com/mb6226/iranvault/internal/handler"
	"github.com/mb6226/iranvault/internal/metrics"
	"github.com/mb6226/iranvault/pkg/health"
	"github.com/mb6226/iranvault/pkg/logger"
	"github.com/mb6226/iranvault/pkg/redis"
	"github.com/mb6226/iranvault/pkg/response"
	"github.com/mb6226/iranvault/pkg/tracing"
)

const consumerRestartBackoff = 2 * time.Second

func main() {
	cfg := config.LoadGateway()
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

	redisClient, err := redis.NewClient(cfg.Redis.Client())
	if err != nil {
		l.Fatal(fmt.Sprintf("Failed to connect to Redis: %v", err))
	}
	defer redisClient.Close()
	l.Info("Connected to Redis")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := metrics.NewGateway()
	bus := redis.NewStreamClient(redisClient, redis.WithOpTimeout(cfg.BusTimeout))
	gw := gateway.New(bus, cfg.OrderTimeout, m, l)

	healthz := health.New(cfg.ServiceName)
	healthz.Register(health.NewRedisChecker(redisClient))

	// 每个实例独立的消费者组，只收启动后的新决策
	group := cfg.DecisionGroup()
	decisions := []struct {
		name    string
		stream  string
		handler redis.MessageHandler
	}{
		{name: "approved_consumer", stream: events.SubjectOrderApproved, handler: gw.HandleApproved},
		{name: "rejected_consumer", stream: events.SubjectOrderRejected, handler: gw.HandleRejected},
	}
	consumers := make([]*redis.Consumer, 0, len(decisions))
	for _, d := range decisions {
		loop := &health.LoopMonitor{}
		loop.Tick()
		consumer := redis.NewConsumer(bus, group, cfg.InstanceID, []string{d.stream}, d.handler, &redis.ConsumerOptions{
			StartID: "$",
			Logger:  l,
			Loop:    loop,
			OnResult: func(stream string, err error) {
				m.StreamResult(stream, group, err)
			},
			OnDLQ: func(stream string) {
				m.IncStreamDLQ(stream, group)
			},
		})
		healthz.Register(health.NewLoopChecker(d.name, loop, 45*time.Second))
		consumers = append(consumers, consumer)
	}
	// 决策组必须在接受下单前建好，否则早到的决策落在 $ 之前收不到
	if err := redis.StartConsumers(ctx, consumerRestartBackoff, consumers...); err != nil {
		l.Fatal(fmt.Sprintf("Failed to create decision consumer groups: %v", err))
	}

	healthz.SetInfo(func() map[string]interface{} {
		return map[string]interface{}{
			"instanceId":    cfg.InstanceID,
			"pendingOrders": gw.Pending(),
			"oldestPending": gw.OldestPending().String(),
		}
	})
	healthz.SetReady(true)

	// HTTP 服务
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	healthz.Mount(mux)
	mux.Handle("/orders", handler.Instrument("/orders", m, handler.NewOrderHandler(gw, l)))

	var h http.Handler = mux
	h = tracing.HTTPMiddleware(h)
	h = response.RecoveryMiddleware(l, h)
	h = response.RequestIDMiddleware(h)

	// 写超时需覆盖等待风控决策的时间
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           h,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.OrderTimeout + 10*time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	go func() {
		l.Info(fmt.Sprintf("HTTP server listening on :%d", cfg.HTTPPort))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			l.Fatal(fmt.Sprintf("HTTP server error: %v", err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	l.Info("Shutting down...")
	healthz.SetReady(false)

	// 先停 HTTP，等在途订单拿到结果再停消费
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.OrderTimeout+5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		l.WithError(err).Warn("HTTP server shutdown")
	}
	cancel()
	l.Info("Shutdown complete")
}

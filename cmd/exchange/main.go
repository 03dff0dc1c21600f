package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/quantfabric/exchange-core/internal/app/pipeline"
	"github.com/quantfabric/exchange-core/internal/usecase/channel"
	"github.com/quantfabric/exchange-core/internal/usecase/publisher"
	"github.com/quantfabric/exchange-core/internal/usecase/snapshot"
	"github.com/quantfabric/exchange-core/pkg/config"
	"github.com/quantfabric/exchange-core/pkg/httplib/healthcheck"
	"github.com/quantfabric/exchange-core/pkg/logger"
	"github.com/quantfabric/exchange-core/pkg/metrics"
	"github.com/quantfabric/exchange-core/pkg/redis"
)

var cfg *config.Config
var log *logger.Logger

func init() {
	cfg = &config.Config{}
	if err := config.Load(cfg); err != nil {
		panic(err)
	}

	l, err := logger.NewLogger()
	if err != nil {
		panic(err)
	}
	log = l
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	met := metrics.New(registry)

	opts := []pipeline.Option{
		pipeline.WithMetrics(met),
	}

	// local transport needs no wiring: the pipeline builds its own
	// in-memory channel and snapshot store
	if cfg.Transport == config.TransportKafka {
		opts = append(opts, pipeline.WithChannel(channel.NewKafkaChannel(cfg.KafkaConfig, log)))

		redisConfig := redis.DefaultConfig()
		redisConfig.Addr = cfg.RedisConfig.Addr
		redisConfig.Username = cfg.RedisConfig.Username
		redisConfig.Password = cfg.RedisConfig.Password
		redisConfig.DB = cfg.RedisConfig.DB
		redisConfig.ConnectTimeout = cfg.RedisConfig.ConnectTimeout

		rclient := redis.NewClient(log, redisConfig)
		if err := rclient.Connect(ctx); err != nil {
			log.Error(err, logger.Field{Key: "action", Value: "connect_redis"})
			return
		}
		defer rclient.Close()

		opts = append(opts, pipeline.WithSnapshotStore(
			snapshot.NewRedisStore(rclient, cfg.RedisConfig.KeyPrefix, log),
		))
	}

	p := pipeline.New(*cfg, log, opts...)

	pipelineDone := make(chan error, 1)
	go func() {
		pipelineDone <- p.Run(ctx)
	}()

	server := publisher.NewServer(p.Acquiring(), p.Match(), p.Settlement(), p.Hub(), log)
	hc := healthcheck.HealthCheck{Ready: p.Running}
	apiServer := &http.Server{
		Addr:    cfg.PublishListenAddr,
		Handler: hc.Handler(server.Routes()),
	}
	go func() {
		log.Info("api server listening", logger.Field{Key: "addr", Value: cfg.PublishListenAddr})
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error(err, logger.Field{Key: "action", Value: "api_listen"})
		}
	}()

	metricsServer := &http.Server{
		Addr:    cfg.MetricsListenAddr,
		Handler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
	}
	go func() {
		log.Info("metrics server listening", logger.Field{Key: "addr", Value: cfg.MetricsListenAddr})
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error(err, logger.Field{Key: "action", Value: "metrics_listen"})
		}
	}()

	select {
	case sig := <-sigChan:
		log.Info("shutting down", logger.Field{Key: "signal", Value: sig.String()})
		cancel()
		if err := <-pipelineDone; err != nil {
			log.Error(err, logger.Field{Key: "action", Value: "pipeline_run"})
		}
	case err := <-pipelineDone:
		if err != nil {
			log.Error(err, logger.Field{Key: "action", Value: "pipeline_run"})
		}
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		log.Error(err, logger.Field{Key: "action", Value: "api_shutdown"})
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		log.Error(err, logger.Field{Key: "action", Value: "metrics_shutdown"})
	}

	log.Info("exchange stopped")
}

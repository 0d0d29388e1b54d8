package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/kursadbilgin/dispatch-worker/internal/config"
	"github.com/kursadbilgin/dispatch-worker/internal/domain"
	"github.com/kursadbilgin/dispatch-worker/internal/gateway"
	infraredis "github.com/kursadbilgin/dispatch-worker/internal/infra/redis"
	"github.com/kursadbilgin/dispatch-worker/internal/observability"
	"github.com/kursadbilgin/dispatch-worker/internal/provider"
	"github.com/kursadbilgin/dispatch-worker/internal/retry"
	"github.com/kursadbilgin/dispatch-worker/internal/service"
	"github.com/kursadbilgin/dispatch-worker/internal/source"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	metrics := observability.NewMetrics()
	metrics.EnablePush(cfg.MetricsPushgatewayURL)

	httpClient := gateway.NewClient(cfg.HTTPTimeout())

	dispatcherOpts := []provider.DispatcherOption{
		provider.WithStrictStatus(cfg.GatewayStrictStatus),
		provider.WithLogger(logger),
		provider.WithMetrics(metrics),
	}
	if cfg.RedisURL != "" {
		rdb, err := infraredis.NewRedis(cfg.RedisURL)
		if err != nil {
			logger.Fatal("redis initialization failed", zap.Error(err))
		}
		defer rdb.Close()

		limiter, err := infraredis.NewGatewayLimiter(rdb, cfg.GatewayRateLimitPerSec)
		if err != nil {
			logger.Fatal("gateway rate limiter initialization failed", zap.Error(err))
		}
		dispatcherOpts = append(dispatcherOpts, provider.WithRateLimiter(limiter))
	}

	dispatcher, err := provider.NewDispatcher(httpClient, map[domain.Channel]provider.Gateway{
		domain.ChannelEmail: {URL: cfg.EmailGatewayURL, APIKey: cfg.EmailGatewayAPIKey},
		domain.ChannelSMS:   {URL: cfg.SMSGatewayURL, APIKey: cfg.SMSGatewayAPIKey},
	}, dispatcherOpts...)
	if err != nil {
		logger.Fatal("dispatcher initialization failed", zap.Error(err))
	}

	messageSource, err := source.NewClient(
		httpClient,
		source.JoinURL(cfg.APIBaseURL, cfg.APIFetchEndpoint),
		source.JoinURL(cfg.APIBaseURL, cfg.APIUpdateEndpoint),
		cfg.AuthToken,
	)
	if err != nil {
		logger.Fatal("message source initialization failed", zap.Error(err))
	}

	policy := retry.NewPolicy(cfg.DeliveryMaxAttempts, cfg.RetryDelay(), gateway.IsRetryable)

	poller, err := service.NewPoller(messageSource, dispatcher, policy, cfg.DeliveryConcurrency, logger)
	if err != nil {
		logger.Fatal("poller initialization failed", zap.Error(err))
	}
	poller.SetMetrics(metrics)

	scheduler, err := service.NewScheduler(poller, cfg.PollInterval(), cfg.ShutdownTimeout(), logger)
	if err != nil {
		logger.Fatal("scheduler initialization failed", zap.Error(err))
	}
	scheduler.SetMetrics(metrics)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("dispatch-worker started",
		zap.Duration("pollInterval", cfg.PollInterval()),
		zap.Int("maxAttempts", cfg.DeliveryMaxAttempts),
		zap.Bool("gatewayStrictStatus", cfg.GatewayStrictStatus),
		zap.Bool("rateLimited", cfg.RedisURL != ""),
	)

	if err := scheduler.Start(ctx); err != nil {
		logger.Error("scheduler stopped with error", zap.Error(err))
		return
	}

	logger.Info("dispatch-worker stopped")
}

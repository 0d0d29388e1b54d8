package service

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/kursadbilgin/dispatch-worker/internal/observability"
	"go.uber.org/zap"
)

const (
	defaultPollInterval = 60 * time.Second
	defaultDrainTimeout = 5 * time.Minute
	metricsPushTimeout  = 10 * time.Second
	pollJobName         = "poll-cycle"
)

// Cycle is a single poll pass driven by the Scheduler.
type Cycle interface {
	RunOnce(ctx context.Context) CycleReport
}

// Scheduler fires poll cycles at a fixed rate, one at a time.
type Scheduler struct {
	cycle        Cycle
	interval     time.Duration
	drainTimeout time.Duration
	logger       *zap.Logger
	metrics      *observability.Metrics

	running  atomic.Bool
	inflight sync.WaitGroup
}

func NewScheduler(cycle Cycle, interval, drainTimeout time.Duration, logger *zap.Logger) (*Scheduler, error) {
	if cycle == nil {
		return nil, fmt.Errorf("poll cycle is required")
	}
	if interval <= 0 {
		interval = defaultPollInterval
	}
	if drainTimeout <= 0 {
		drainTimeout = defaultDrainTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Scheduler{
		cycle:        cycle,
		interval:     interval,
		drainTimeout: drainTimeout,
		logger:       logger,
	}, nil
}

func (s *Scheduler) SetMetrics(metrics *observability.Metrics) {
	if s == nil {
		return
	}
	s.metrics = metrics
}

// Start runs the first cycle immediately and then every interval until ctx
// is cancelled. On cancellation no new cycle is started and the in-flight
// one, if any, is allowed to finish.
func (s *Scheduler) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	cron, err := gocron.NewScheduler(
		gocron.WithStopTimeout(s.drainTimeout),
		gocron.WithLogger(zapCronLogger{s.logger.Sugar()}),
	)
	if err != nil {
		return fmt.Errorf("failed to create cron scheduler: %w", err)
	}

	// Cycles must not be interrupted mid-delivery by shutdown.
	cycleCtx := context.WithoutCancel(ctx)

	_, err = cron.NewJob(
		gocron.DurationJob(s.interval),
		gocron.NewTask(func() { s.tick(cycleCtx) }),
		gocron.WithName(pollJobName),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		_ = cron.Shutdown()
		return fmt.Errorf("failed to schedule poll cycle: %w", err)
	}

	cron.Start()
	s.logger.Info("scheduler started", zap.Duration("interval", s.interval))

	<-ctx.Done()

	s.logger.Info("scheduler stopping, waiting for in-flight poll cycle")
	if err := cron.Shutdown(); err != nil {
		s.logger.Warn("cron scheduler shutdown incomplete", zap.Error(err))
	}
	if !s.waitInflight(s.drainTimeout) {
		s.logger.Warn("in-flight poll cycle did not finish before drain timeout",
			zap.Duration("drainTimeout", s.drainTimeout),
		)
	}
	s.logger.Info("scheduler stopped")

	return nil
}

// tick runs one cycle unless another is still in progress.
func (s *Scheduler) tick(ctx context.Context) {
	if !s.running.CompareAndSwap(false, true) {
		s.logger.Warn("previous poll cycle still running, skipping tick")
		s.metrics.IncCycleSkipped()
		return
	}
	s.inflight.Add(1)
	defer func() {
		s.running.Store(false)
		s.inflight.Done()
	}()

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("poll cycle panic recovered", zap.Any("panic", r))
		}
	}()

	s.cycle.RunOnce(ctx)

	pushCtx, cancel := context.WithTimeout(ctx, metricsPushTimeout)
	defer cancel()
	if err := s.metrics.Push(pushCtx); err != nil {
		s.logger.Warn("failed to push metrics", zap.Error(err))
	}
}

func (s *Scheduler) waitInflight(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}

// zapCronLogger adapts zap to the gocron logger interface.
type zapCronLogger struct {
	l *zap.SugaredLogger
}

func (z zapCronLogger) Debug(msg string, args ...any) { z.l.Debugw(msg, args...) }
func (z zapCronLogger) Error(msg string, args ...any) { z.l.Errorw(msg, args...) }
func (z zapCronLogger) Info(msg string, args ...any)  { z.l.Debugw(msg, args...) }
func (z zapCronLogger) Warn(msg string, args ...any)  { z.l.Warnw(msg, args...) }

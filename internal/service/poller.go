package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/dispatch-worker/internal/domain"
	"github.com/kursadbilgin/dispatch-worker/internal/observability"
	"github.com/kursadbilgin/dispatch-worker/internal/provider"
	"github.com/kursadbilgin/dispatch-worker/internal/retry"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const minDeliveryConcurrency = 1

// MessageSource is the external store of pending messages.
type MessageSource interface {
	FetchMessages(ctx context.Context) ([]domain.Message, error)
	MarkSent(ctx context.Context, id int64) error
}

// Outcome is the result of one message within a poll cycle.
type Outcome string

const (
	OutcomeDelivered   Outcome = "delivered"
	OutcomeExhausted   Outcome = "retry_exhausted"
	OutcomeUnsupported Outcome = "unsupported_type"
	OutcomeFailed      Outcome = "permanent_error"
)

// CycleReport summarizes one fetch-process-reconcile pass.
type CycleReport struct {
	CycleID         string
	StartedAt       time.Time
	Duration        time.Duration
	Fetched         int
	Skipped         int
	Delivered       int
	Reconciled      int
	ReconcileFailed int
	Exhausted       int
	Unsupported     int
	Failed          int
	// Err is set when the cycle was aborted before processing messages.
	Err error
}

func (r CycleReport) Aborted() bool { return r.Err != nil }

func (r CycleReport) Outcome() string {
	if r.Aborted() {
		return "aborted"
	}
	return "completed"
}

func (r *CycleReport) record(res messageResult) {
	switch res.outcome {
	case OutcomeDelivered:
		r.Delivered++
		if res.reconciled {
			r.Reconciled++
		} else {
			r.ReconcileFailed++
		}
	case OutcomeExhausted:
		r.Exhausted++
	case OutcomeUnsupported:
		r.Unsupported++
	default:
		r.Failed++
	}
}

type messageResult struct {
	outcome    Outcome
	reconciled bool
}

// Poller runs poll cycles against a message source.
type Poller struct {
	source      MessageSource
	deliverer   provider.Deliverer
	retry       *retry.Policy
	logger      *zap.Logger
	metrics     *observability.Metrics
	concurrency int
	now         func() time.Time
	newCycleID  func() string
}

func NewPoller(
	source MessageSource,
	deliverer provider.Deliverer,
	policy *retry.Policy,
	concurrency int,
	logger *zap.Logger,
) (*Poller, error) {
	if source == nil {
		return nil, fmt.Errorf("message source is required")
	}
	if deliverer == nil {
		return nil, fmt.Errorf("deliverer is required")
	}
	if policy == nil {
		return nil, fmt.Errorf("retry policy is required")
	}
	if concurrency < minDeliveryConcurrency {
		concurrency = minDeliveryConcurrency
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Poller{
		source:      source,
		deliverer:   deliverer,
		retry:       policy,
		logger:      logger,
		concurrency: concurrency,
		now:         time.Now,
		newCycleID:  uuid.NewString,
	}, nil
}

func (p *Poller) SetMetrics(metrics *observability.Metrics) {
	if p == nil {
		return
	}
	p.metrics = metrics
}

// RunOnce executes one poll cycle. It never panics and never returns an
// error: failures are logged and reflected in the report.
func (p *Poller) RunOnce(ctx context.Context) (report CycleReport) {
	if ctx == nil {
		ctx = context.Background()
	}

	report.CycleID = p.newCycleID()
	report.StartedAt = p.now()
	ctx = observability.WithCycleID(ctx, report.CycleID)
	logger := observability.WithContextLogger(p.logger, ctx)

	defer func() {
		if r := recover(); r != nil {
			report.Err = fmt.Errorf("poll cycle panic: %v", r)
			logger.Error("poll cycle panic recovered", zap.Any("panic", r))
		}

		report.Duration = p.now().Sub(report.StartedAt)
		p.metrics.ObserveCycle(report.Outcome(), report.Duration)
		logger.Info("poll cycle finished",
			zap.String("outcome", report.Outcome()),
			zap.Int("fetched", report.Fetched),
			zap.Int("skipped", report.Skipped),
			zap.Int("delivered", report.Delivered),
			zap.Int("reconciled", report.Reconciled),
			zap.Int("reconcileFailed", report.ReconcileFailed),
			zap.Int("exhausted", report.Exhausted),
			zap.Int("unsupported", report.Unsupported),
			zap.Int("failed", report.Failed),
			zap.Duration("duration", report.Duration),
		)
	}()

	logger.Info("poll cycle started")

	messages, err := p.source.FetchMessages(ctx)
	if err != nil {
		report.Err = err
		logger.Error("poll cycle aborted: failed to load messages", zap.Error(err))
		return report
	}

	report.Fetched = len(messages)
	p.metrics.AddMessagesFetched(len(messages))
	logger.Info("fetched messages", zap.Int("count", len(messages)))

	var mu sync.Mutex
	g := new(errgroup.Group)
	g.SetLimit(p.concurrency)

	for i := range messages {
		msg := messages[i]
		if !msg.Pending() {
			mu.Lock()
			report.Skipped++
			mu.Unlock()
			logger.Debug("message already sent, skipping", zap.Int64("messageId", msg.ID))
			continue
		}

		g.Go(func() error {
			res := p.processMessage(ctx, msg)
			mu.Lock()
			report.record(res)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return report
}

func (p *Poller) processMessage(ctx context.Context, msg domain.Message) (res messageResult) {
	channel := domain.NormalizeType(msg.Type)
	logger := observability.WithContextLogger(p.logger, ctx).With(
		zap.Int64("messageId", msg.ID),
		zap.String("type", channel),
	)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("message processing panic recovered", zap.Any("panic", r))
			p.metrics.IncMessageFailed(channel, string(OutcomeFailed))
			res = messageResult{outcome: OutcomeFailed}
		}
	}()

	err := p.retry.Do(ctx, func(ctx context.Context, attempt int) error {
		_, err := p.deliverer.Deliver(ctx, msg.Type, msg.Recipient, msg.Body)
		if errors.Is(err, domain.ErrUnsupportedType) {
			return err
		}

		p.metrics.IncDeliveryAttempt(channel)
		if err != nil {
			logger.Warn("delivery attempt failed",
				zap.Int("attempt", attempt),
				zap.Int("maxAttempts", p.retry.MaxAttempts()),
				zap.Error(err),
			)
			return err
		}

		logger.Info("message delivered",
			zap.Int("attempt", attempt),
			zap.String("recipient", msg.Recipient),
		)
		return nil
	})

	switch {
	case err == nil:
		p.metrics.IncMessageDelivered(channel)
		return messageResult{outcome: OutcomeDelivered, reconciled: p.reconcile(ctx, logger, msg.ID)}
	case errors.Is(err, domain.ErrUnsupportedType):
		logger.Warn("unsupported message type, message stays pending at source", zap.Error(err))
		p.metrics.IncMessageFailed(channel, string(OutcomeUnsupported))
		return messageResult{outcome: OutcomeUnsupported}
	case errors.Is(err, retry.ErrExhausted):
		logger.Error("message failed to send after retries", zap.Error(err))
		p.metrics.IncMessageFailed(channel, string(OutcomeExhausted))
		return messageResult{outcome: OutcomeExhausted}
	default:
		logger.Error("message delivery failed", zap.Error(err))
		p.metrics.IncMessageFailed(channel, string(OutcomeFailed))
		return messageResult{outcome: OutcomeFailed}
	}
}

// reconcile marks a delivered message as sent. A failure leaves the message
// pending at the source, so it will be delivered again next cycle.
func (p *Poller) reconcile(ctx context.Context, logger *zap.Logger, id int64) bool {
	if err := p.source.MarkSent(ctx, id); err != nil {
		logger.Error("failed to mark message as sent, it will be resent next cycle", zap.Error(err))
		p.metrics.IncReconciliation("failed")
		return false
	}

	logger.Info("message marked as sent")
	p.metrics.IncReconciliation("ok")
	return true
}

package provider

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kursadbilgin/dispatch-worker/internal/domain"
	"github.com/kursadbilgin/dispatch-worker/internal/gateway"
	"github.com/kursadbilgin/dispatch-worker/internal/observability"
	"github.com/kursadbilgin/dispatch-worker/internal/ratelimit"
	"go.uber.org/zap"
)

var _ Deliverer = (*Dispatcher)(nil)

// Dispatcher routes a message to the gateway of its channel.
type Dispatcher struct {
	client       *gateway.Client
	gateways     map[domain.Channel]Gateway
	limiter      ratelimit.RateLimiter
	strictStatus bool
	logger       *zap.Logger
	metrics      *observability.Metrics
	now          func() time.Time
}

type DispatcherOption func(*Dispatcher)

// WithRateLimiter throttles every gateway call through limiter.
func WithRateLimiter(limiter ratelimit.RateLimiter) DispatcherOption {
	return func(d *Dispatcher) {
		if limiter != nil {
			d.limiter = limiter
		}
	}
}

// WithStrictStatus controls whether a non-2xx gateway reply fails the attempt.
func WithStrictStatus(strict bool) DispatcherOption {
	return func(d *Dispatcher) { d.strictStatus = strict }
}

func WithLogger(logger *zap.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

func WithMetrics(metrics *observability.Metrics) DispatcherOption {
	return func(d *Dispatcher) { d.metrics = metrics }
}

func NewDispatcher(client *gateway.Client, gateways map[domain.Channel]Gateway, opts ...DispatcherOption) (*Dispatcher, error) {
	if client == nil {
		return nil, fmt.Errorf("gateway client is required")
	}

	routes := make(map[domain.Channel]Gateway, len(gateways))
	for channel, gw := range gateways {
		if !channel.IsValid() {
			return nil, fmt.Errorf("%w: %q", domain.ErrUnsupportedType, channel)
		}
		endpoint := strings.TrimSpace(gw.URL)
		if _, err := url.ParseRequestURI(endpoint); err != nil {
			return nil, fmt.Errorf("invalid %s gateway url: %w", strings.ToLower(channel.String()), err)
		}
		routes[channel] = Gateway{URL: endpoint, APIKey: gw.APIKey}
	}

	d := &Dispatcher{
		client:       client,
		gateways:     routes,
		limiter:      ratelimit.Unlimited{},
		strictStatus: true,
		logger:       zap.NewNop(),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}

	return d, nil
}

// Deliver sends one message to its channel's gateway. Unsupported types fail
// with domain.ErrUnsupportedType before any network call.
func (d *Dispatcher) Deliver(ctx context.Context, messageType, recipient, body string) (*gateway.Response, error) {
	if d == nil || d.client == nil {
		return nil, fmt.Errorf("dispatcher is not initialized")
	}

	channel, err := domain.ParseChannel(messageType)
	if err != nil {
		return nil, err
	}
	gw, ok := d.gateways[channel]
	if !ok {
		return nil, fmt.Errorf("%w: no gateway configured for %s", domain.ErrUnsupportedType, channel)
	}

	logger := observability.WithContextLogger(d.logger, ctx).With(zap.String("channel", channel.String()))

	if err := d.limiter.Wait(ctx, channel); err != nil {
		return nil, fmt.Errorf("gateway rate limiter wait failed: %w", err)
	}

	start := d.now()
	resp, err := d.client.Do(ctx, http.MethodPost, gw.URL, gw.APIKey, deliveryRequest{
		To:      recipient,
		Message: body,
	})
	d.metrics.ObserveGatewayDuration(channel.String(), d.now().Sub(start))
	if err != nil {
		return nil, err
	}

	if !resp.IsSuccess() {
		if d.strictStatus {
			return nil, resp.Err(true)
		}
		logger.Warn("gateway returned non-2xx status, treating as delivered",
			zap.Int("status", resp.StatusCode),
			zap.String("body", resp.Body),
		)
	}

	logger.Debug("gateway accepted message", zap.Int("status", resp.StatusCode))
	return resp, nil
}

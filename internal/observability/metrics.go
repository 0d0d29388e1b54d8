package observability

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/push"
)

const (
	metricsNamespace = "dispatch_worker"
	pushJobName      = "dispatch_worker"
)

// Metrics stores Prometheus collectors used by the poll cycle and scheduler.
// The worker serves no HTTP endpoint, so collected values are pushed to a
// Pushgateway when one is configured.
type Metrics struct {
	registry *prometheus.Registry
	pusher   *push.Pusher

	cyclesTotal            *prometheus.CounterVec
	cycleDuration          prometheus.Histogram
	cyclesSkippedTotal     prometheus.Counter
	messagesFetchedTotal   prometheus.Counter
	messagesDeliveredTotal *prometheus.CounterVec
	messagesFailedTotal    *prometheus.CounterVec
	deliveryAttemptsTotal  *prometheus.CounterVec
	gatewayDuration        *prometheus.HistogramVec
	reconciliationsTotal   *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		cyclesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "poll_cycles_total",
				Help:      "Total number of poll cycles by outcome.",
			},
			[]string{"outcome"},
		),
		cycleDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "poll_cycle_duration_seconds",
				Help:      "Poll cycle duration in seconds.",
				Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
			},
		),
		cyclesSkippedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "poll_cycles_skipped_total",
				Help:      "Scheduler ticks skipped because a cycle was still running.",
			},
		),
		messagesFetchedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "messages_fetched_total",
				Help:      "Total number of messages returned by the message source.",
			},
		),
		messagesDeliveredTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "messages_delivered_total",
				Help:      "Total number of messages delivered through a gateway.",
			},
			[]string{"channel"},
		),
		messagesFailedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "messages_failed_total",
				Help:      "Total number of messages left pending after a cycle, by reason.",
			},
			[]string{"channel", "reason"},
		),
		deliveryAttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "delivery_attempts_total",
				Help:      "Total number of gateway delivery attempts.",
			},
			[]string{"channel"},
		),
		gatewayDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "gateway_request_duration_seconds",
				Help:      "Gateway request duration in seconds grouped by channel.",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
			},
			[]string{"channel"},
		),
		reconciliationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "reconciliations_total",
				Help:      "Total number of status update calls to the message source by result.",
			},
			[]string{"result"},
		),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.cyclesTotal,
		m.cycleDuration,
		m.cyclesSkippedTotal,
		m.messagesFetchedTotal,
		m.messagesDeliveredTotal,
		m.messagesFailedTotal,
		m.deliveryAttemptsTotal,
		m.gatewayDuration,
		m.reconciliationsTotal,
	)

	return m
}

// Registry exposes the underlying registry for gathering.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// EnablePush configures a Pushgateway target for Push.
func (m *Metrics) EnablePush(url string) {
	if m == nil {
		return
	}
	url = strings.TrimSpace(url)
	if url == "" {
		m.pusher = nil
		return
	}
	m.pusher = push.New(url, pushJobName).Gatherer(m.registry)
}

// Push sends the current registry to the Pushgateway. It is a no-op when
// pushing is not enabled.
func (m *Metrics) Push(ctx context.Context) error {
	if m == nil || m.pusher == nil {
		return nil
	}
	if err := m.pusher.PushContext(ctx); err != nil {
		return fmt.Errorf("failed to push metrics: %w", err)
	}
	return nil
}

func (m *Metrics) ObserveCycle(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.cyclesTotal.WithLabelValues(normalizeLabel(outcome)).Inc()
	m.cycleDuration.Observe(max(duration.Seconds(), 0))
}

func (m *Metrics) IncCycleSkipped() {
	if m == nil {
		return
	}
	m.cyclesSkippedTotal.Inc()
}

func (m *Metrics) AddMessagesFetched(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.messagesFetchedTotal.Add(float64(n))
}

func (m *Metrics) IncMessageDelivered(channel string) {
	if m == nil {
		return
	}
	m.messagesDeliveredTotal.WithLabelValues(normalizeLabel(channel)).Inc()
}

func (m *Metrics) IncMessageFailed(channel string, reason string) {
	if m == nil {
		return
	}
	m.messagesFailedTotal.WithLabelValues(normalizeLabel(channel), normalizeLabel(reason)).Inc()
}

func (m *Metrics) IncDeliveryAttempt(channel string) {
	if m == nil {
		return
	}
	m.deliveryAttemptsTotal.WithLabelValues(normalizeLabel(channel)).Inc()
}

func (m *Metrics) ObserveGatewayDuration(channel string, duration time.Duration) {
	if m == nil {
		return
	}
	m.gatewayDuration.WithLabelValues(normalizeLabel(channel)).Observe(max(duration.Seconds(), 0))
}

func (m *Metrics) IncReconciliation(result string) {
	if m == nil {
		return
	}
	m.reconciliationsTotal.WithLabelValues(normalizeLabel(result)).Inc()
}

func normalizeLabel(value string) string {
	normalized := strings.ToLower(strings.TrimSpace(value))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}

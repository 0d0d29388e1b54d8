package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kursadbilgin/dispatch-worker/internal/domain"
	"github.com/kursadbilgin/dispatch-worker/internal/gateway"
	"github.com/kursadbilgin/dispatch-worker/internal/observability"
	"github.com/kursadbilgin/dispatch-worker/internal/provider"
	"github.com/kursadbilgin/dispatch-worker/internal/retry"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func newTestPoller(t *testing.T, source MessageSource, deliverer provider.Deliverer, concurrency int) *Poller {
	t.Helper()

	poller, err := NewPoller(source, deliverer, retry.NewPolicy(3, 0, gateway.IsRetryable), concurrency, zap.NewNop())
	if err != nil {
		t.Fatalf("NewPoller() error = %v", err)
	}
	poller.newCycleID = func() string { return "cycle-test" }
	return poller
}

func transportFailure() error {
	return &gateway.TransportError{Method: "POST", URL: "http://gw", Cause: errors.New("connection refused")}
}

func TestPollerSkipsSentMessages(t *testing.T) {
	t.Parallel()

	source := &fakeSource{
		fetchFn: func(ctx context.Context) ([]domain.Message, error) {
			return []domain.Message{
				{ID: 2, Type: "EMAIL", Recipient: "Doe@email.com", Body: "hi", Sent: true},
				{ID: 3, Type: "SMS", Recipient: "+1", Body: "hi", Sent: true},
			}, nil
		},
	}
	deliverer := &fakeDeliverer{}

	report := newTestPoller(t, source, deliverer, 1).RunOnce(context.Background())

	if report.Aborted() {
		t.Fatalf("report aborted: %v", report.Err)
	}
	if report.Skipped != 2 {
		t.Fatalf("Skipped = %d, want 2", report.Skipped)
	}
	if deliverer.callCount() != 0 {
		t.Fatalf("deliver calls = %d, want 0", deliverer.callCount())
	}
	if len(source.marked()) != 0 {
		t.Fatalf("reconciliation calls = %d, want 0", len(source.marked()))
	}
}

func TestPollerDeliversAndReconciles(t *testing.T) {
	t.Parallel()

	source := &fakeSource{
		fetchFn: func(ctx context.Context) ([]domain.Message, error) {
			return []domain.Message{{ID: 1, Type: "EMAIL", Recipient: "a@b.com", Body: "hi"}}, nil
		},
	}
	deliverer := &fakeDeliverer{
		deliverFn: func(ctx context.Context, messageType, recipient, body string) (*gateway.Response, error) {
			if cycleID, _ := observability.CycleIDFromContext(ctx); cycleID != "cycle-test" {
				t.Errorf("cycle id = %q, want cycle-test", cycleID)
			}
			if messageType != "EMAIL" || recipient != "a@b.com" || body != "hi" {
				t.Errorf("Deliver(%q, %q, %q) unexpected arguments", messageType, recipient, body)
			}
			return &gateway.Response{StatusCode: 200}, nil
		},
	}

	report := newTestPoller(t, source, deliverer, 1).RunOnce(context.Background())

	if report.CycleID != "cycle-test" {
		t.Fatalf("CycleID = %q, want cycle-test", report.CycleID)
	}
	if report.Delivered != 1 || report.Reconciled != 1 {
		t.Fatalf("report = %+v, want 1 delivered and reconciled", report)
	}
	if got := source.marked(); len(got) != 1 || got[0] != 1 {
		t.Fatalf("marked = %v, want [1]", got)
	}
}

func TestPollerRetriesTransientFailureThenReconcilesOnce(t *testing.T) {
	t.Parallel()

	source := &fakeSource{
		fetchFn: func(ctx context.Context) ([]domain.Message, error) {
			return []domain.Message{{ID: 9, Type: " sms ", Recipient: "+1", Body: "code"}}, nil
		},
	}
	deliverer := &fakeDeliverer{
		deliverFn: func(ctx context.Context, messageType, recipient, body string) (*gateway.Response, error) {
			return nil, transportFailure()
		},
	}
	deliverer.succeedOnCall = 3

	report := newTestPoller(t, source, deliverer, 1).RunOnce(context.Background())

	if deliverer.callCount() != 3 {
		t.Fatalf("deliver calls = %d, want 3", deliverer.callCount())
	}
	if report.Delivered != 1 || report.Reconciled != 1 {
		t.Fatalf("report = %+v, want 1 delivered and reconciled", report)
	}
	if got := source.marked(); len(got) != 1 || got[0] != 9 {
		t.Fatalf("marked = %v, want [9]", got)
	}
}

func TestPollerExhaustedMessageIsNotReconciled(t *testing.T) {
	t.Parallel()

	source := &fakeSource{
		fetchFn: func(ctx context.Context) ([]domain.Message, error) {
			return []domain.Message{{ID: 5, Type: "EMAIL", Recipient: "x@y.z", Body: "b"}}, nil
		},
	}
	deliverer := &fakeDeliverer{
		deliverFn: func(ctx context.Context, messageType, recipient, body string) (*gateway.Response, error) {
			return nil, transportFailure()
		},
	}

	report := newTestPoller(t, source, deliverer, 1).RunOnce(context.Background())

	if deliverer.callCount() != 3 {
		t.Fatalf("deliver calls = %d, want 3", deliverer.callCount())
	}
	if report.Exhausted != 1 || report.Delivered != 0 {
		t.Fatalf("report = %+v, want 1 exhausted", report)
	}
	if len(source.marked()) != 0 {
		t.Fatalf("marked = %v, want none", source.marked())
	}
}

func TestPollerFirstFailureDoesNotBlockSecond(t *testing.T) {
	t.Parallel()

	source := &fakeSource{
		fetchFn: func(ctx context.Context) ([]domain.Message, error) {
			return []domain.Message{
				{ID: 1, Type: "EMAIL", Recipient: "broken@b.com", Body: "x"},
				{ID: 2, Type: "SMS", Recipient: "+2", Body: "y"},
			}, nil
		},
	}
	deliverer := &fakeDeliverer{
		deliverFn: func(ctx context.Context, messageType, recipient, body string) (*gateway.Response, error) {
			if recipient == "broken@b.com" {
				return nil, transportFailure()
			}
			return &gateway.Response{StatusCode: 200}, nil
		},
	}

	report := newTestPoller(t, source, deliverer, 1).RunOnce(context.Background())

	if report.Exhausted != 1 || report.Reconciled != 1 {
		t.Fatalf("report = %+v, want 1 exhausted and 1 reconciled", report)
	}
	if got := source.marked(); len(got) != 1 || got[0] != 2 {
		t.Fatalf("marked = %v, want [2]", got)
	}
}

func TestPollerUnsupportedTypeIsTerminal(t *testing.T) {
	t.Parallel()

	source := &fakeSource{
		fetchFn: func(ctx context.Context) ([]domain.Message, error) {
			return []domain.Message{
				{ID: 1, Type: "WHATSAPP", Recipient: "+1", Body: "x"},
				{ID: 2, Type: "EMAIL", Recipient: "a@b.com", Body: "y"},
			}, nil
		},
	}
	deliverer := &fakeDeliverer{
		deliverFn: func(ctx context.Context, messageType, recipient, body string) (*gateway.Response, error) {
			if _, err := domain.ParseChannel(messageType); err != nil {
				return nil, err
			}
			return &gateway.Response{StatusCode: 200}, nil
		},
	}

	metrics := observability.NewMetrics()
	poller := newTestPoller(t, source, deliverer, 1)
	poller.SetMetrics(metrics)

	report := poller.RunOnce(context.Background())

	if report.Unsupported != 1 || report.Reconciled != 1 {
		t.Fatalf("report = %+v, want 1 unsupported and 1 reconciled", report)
	}
	if deliverer.callCount() != 2 {
		t.Fatalf("deliver calls = %d, want 2 (unsupported must not be retried)", deliverer.callCount())
	}
	if got := source.marked(); len(got) != 1 || got[0] != 2 {
		t.Fatalf("marked = %v, want [2]", got)
	}
	got, err := testutil.GatherAndCount(metrics.Registry(), "dispatch_worker_messages_failed_total")
	if err != nil {
		t.Fatalf("GatherAndCount() error = %v", err)
	}
	if got != 1 {
		t.Fatalf("messages_failed_total series = %d, want 1", got)
	}
}

func TestPollerFetchFailureAbortsCycle(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name string
		err  error
	}{
		{name: "api error", err: &gateway.APIError{StatusCode: 500, Retryable: true}},
		{name: "malformed response", err: domain.ErrMalformedResponse},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			source := &fakeSource{
				fetchFn: func(ctx context.Context) ([]domain.Message, error) {
					return nil, tc.err
				},
			}
			deliverer := &fakeDeliverer{}

			report := newTestPoller(t, source, deliverer, 1).RunOnce(context.Background())

			if !report.Aborted() || !errors.Is(report.Err, tc.err) {
				t.Fatalf("report.Err = %v, want %v", report.Err, tc.err)
			}
			if report.Outcome() != "aborted" {
				t.Fatalf("Outcome() = %q, want aborted", report.Outcome())
			}
			if deliverer.callCount() != 0 || len(source.marked()) != 0 {
				t.Fatal("aborted cycle must not deliver or reconcile")
			}
		})
	}
}

func TestPollerReconcileFailureDoesNotAbortCycle(t *testing.T) {
	t.Parallel()

	core, recorded := observer.New(zapcore.InfoLevel)

	var attempts []int64
	var mu sync.Mutex
	source := &fakeSource{
		fetchFn: func(ctx context.Context) ([]domain.Message, error) {
			return []domain.Message{
				{ID: 1, Type: "SMS", Recipient: "+1", Body: "a"},
				{ID: 2, Type: "SMS", Recipient: "+2", Body: "b"},
			}, nil
		},
		markSentFn: func(ctx context.Context, id int64) error {
			mu.Lock()
			attempts = append(attempts, id)
			mu.Unlock()
			if id == 1 {
				return &gateway.APIError{StatusCode: 503}
			}
			return nil
		},
	}
	deliverer := &fakeDeliverer{}

	poller, err := NewPoller(source, deliverer, retry.NewPolicy(3, 0, gateway.IsRetryable), 1, zap.New(core))
	if err != nil {
		t.Fatalf("NewPoller() error = %v", err)
	}

	report := poller.RunOnce(context.Background())

	if report.Delivered != 2 || report.Reconciled != 1 || report.ReconcileFailed != 1 {
		t.Fatalf("report = %+v, want 2 delivered, 1 reconciled, 1 reconcile failure", report)
	}
	if len(attempts) != 2 {
		t.Fatalf("reconciliation attempts = %v, want both messages", attempts)
	}
	if deliverer.callCount() != 2 {
		t.Fatalf("deliver calls = %d, want 2 (reconciliation is not retried)", deliverer.callCount())
	}

	if got := recorded.FilterMessage("failed to mark message as sent, it will be resent next cycle").Len(); got != 1 {
		t.Fatalf("reconcile failure log entries = %d, want 1", got)
	}
	finished := recorded.FilterMessage("poll cycle finished").All()
	if len(finished) != 1 {
		t.Fatalf("cycle summary entries = %d, want 1", len(finished))
	}
	if got := finished[0].ContextMap()["cycleId"]; got == "" || got == nil {
		t.Fatal("cycle summary should carry cycleId")
	}
}

func TestPollerRecoversDelivererPanic(t *testing.T) {
	t.Parallel()

	source := &fakeSource{
		fetchFn: func(ctx context.Context) ([]domain.Message, error) {
			return []domain.Message{
				{ID: 1, Type: "SMS", Recipient: "+1", Body: "a"},
				{ID: 2, Type: "SMS", Recipient: "+2", Body: "b"},
			}, nil
		},
	}
	deliverer := &fakeDeliverer{
		deliverFn: func(ctx context.Context, messageType, recipient, body string) (*gateway.Response, error) {
			if recipient == "+1" {
				panic("gateway sdk blew up")
			}
			return &gateway.Response{StatusCode: 200}, nil
		},
	}

	report := newTestPoller(t, source, deliverer, 1).RunOnce(context.Background())

	if report.Failed != 1 || report.Reconciled != 1 {
		t.Fatalf("report = %+v, want 1 failed and 1 reconciled", report)
	}
}

func TestPollerConcurrentDeliveryProcessesAll(t *testing.T) {
	t.Parallel()

	const total = 20
	source := &fakeSource{
		fetchFn: func(ctx context.Context) ([]domain.Message, error) {
			messages := make([]domain.Message, 0, total)
			for i := 1; i <= total; i++ {
				messages = append(messages, domain.Message{ID: int64(i), Type: "EMAIL", Recipient: "a@b.com", Body: "x"})
			}
			return messages, nil
		},
	}

	var inflight, peak atomic.Int32
	deliverer := &fakeDeliverer{
		deliverFn: func(ctx context.Context, messageType, recipient, body string) (*gateway.Response, error) {
			n := inflight.Add(1)
			defer inflight.Add(-1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			return &gateway.Response{StatusCode: 200}, nil
		},
	}

	report := newTestPoller(t, source, deliverer, 4).RunOnce(context.Background())

	if report.Reconciled != total {
		t.Fatalf("Reconciled = %d, want %d", report.Reconciled, total)
	}
	if got := peak.Load(); got > 4 {
		t.Fatalf("peak concurrency = %d, want <= 4", got)
	}
}

func TestNewPollerValidatesDependencies(t *testing.T) {
	t.Parallel()

	policy := retry.NewPolicy(3, 0, gateway.IsRetryable)
	if _, err := NewPoller(nil, &fakeDeliverer{}, policy, 1, nil); err == nil {
		t.Fatal("expected error for nil source")
	}
	if _, err := NewPoller(&fakeSource{}, nil, policy, 1, nil); err == nil {
		t.Fatal("expected error for nil deliverer")
	}
	if _, err := NewPoller(&fakeSource{}, &fakeDeliverer{}, nil, 1, nil); err == nil {
		t.Fatal("expected error for nil policy")
	}

	poller, err := NewPoller(&fakeSource{}, &fakeDeliverer{}, policy, 0, nil)
	if err != nil {
		t.Fatalf("NewPoller() error = %v", err)
	}
	if poller.concurrency != minDeliveryConcurrency {
		t.Fatalf("concurrency = %d, want %d", poller.concurrency, minDeliveryConcurrency)
	}
}

type fakeSource struct {
	fetchFn    func(ctx context.Context) ([]domain.Message, error)
	markSentFn func(ctx context.Context, id int64) error

	mu       sync.Mutex
	markedID []int64
}

func (f *fakeSource) FetchMessages(ctx context.Context) ([]domain.Message, error) {
	if f.fetchFn != nil {
		return f.fetchFn(ctx)
	}
	return nil, nil
}

func (f *fakeSource) MarkSent(ctx context.Context, id int64) error {
	if f.markSentFn != nil {
		return f.markSentFn(ctx, id)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markedID = append(f.markedID, id)
	return nil
}

func (f *fakeSource) marked() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.markedID...)
}

var _ MessageSource = (*fakeSource)(nil)

type fakeDeliverer struct {
	deliverFn func(ctx context.Context, messageType, recipient, body string) (*gateway.Response, error)
	// succeedOnCall forces success on the given call number when > 0.
	succeedOnCall int32

	calls atomic.Int32
}

func (f *fakeDeliverer) Deliver(ctx context.Context, messageType, recipient, body string) (*gateway.Response, error) {
	n := f.calls.Add(1)
	if f.succeedOnCall > 0 && n == f.succeedOnCall {
		return &gateway.Response{StatusCode: 200}, nil
	}
	if f.deliverFn != nil {
		return f.deliverFn(ctx, messageType, recipient, body)
	}
	return &gateway.Response{StatusCode: 200}, nil
}

func (f *fakeDeliverer) callCount() int {
	return int(f.calls.Load())
}

var _ provider.Deliverer = (*fakeDeliverer)(nil)

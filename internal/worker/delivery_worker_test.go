package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kaftw/newsletter/internal/domain/delivery"
	domainErrors "github.com/kaftw/newsletter/internal/domain/errors"
	"github.com/kaftw/newsletter/internal/domain/newsletter"
	"github.com/kaftw/newsletter/internal/infrastructure/observability"
	"github.com/kaftw/newsletter/internal/providers"
	"github.com/kaftw/newsletter/internal/service"
	"github.com/kaftw/newsletter/internal/testutil"
	"github.com/kaftw/newsletter/pkg/retry"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Test Helpers ---

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type workerFixture struct {
	store   *testutil.MemoryStore
	channel *testutil.MockChannel
	clock   *fakeClock
	issue   *newsletter.Issue
}

func newFixture(t *testing.T) *workerFixture {
	t.Helper()
	store := testutil.NewMemoryStore()
	issue := testutil.NewTestIssue("Newsletter title")
	require.NoError(t, store.Issues().Create(context.Background(), issue))
	return &workerFixture{
		store:   store,
		channel: testutil.NewMockChannel(),
		clock:   newFakeClock(),
		issue:   issue,
	}
}

func (f *workerFixture) enqueue(t *testing.T, emails ...string) {
	t.Helper()
	tasks := make([]*delivery.Task, 0, len(emails))
	for _, e := range emails {
		tasks = append(tasks, testutil.NewTestTask(f.issue.ID, e, f.clock.Now()))
	}
	_, err := f.store.Deliveries().Enqueue(context.Background(), tasks)
	require.NoError(t, err)
}

func (f *workerFixture) worker(opts Options, metrics *observability.Metrics) *DeliveryWorker {
	if opts.Now == nil {
		opts.Now = f.clock.Now
	}
	if opts.Backoff == nil {
		opts.Backoff = retry.Exponential(time.Minute, 2, time.Hour)
	}
	return NewDeliveryWorker("test-worker", f.store.Deliveries(), f.store, f.channel, SleepWaiter{}, opts, metrics, zerolog.Nop())
}

// --- RunOnce Tests ---

func TestRunOnce_DeliversAndDeletes(t *testing.T) {
	f := newFixture(t)
	f.enqueue(t, "ursula@example.com", "ged@example.com")
	w := f.worker(Options{}, nil)

	n, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	assert.Empty(t, f.store.Tasks())
	assert.Empty(t, f.store.DeadLetters())

	sent := f.channel.Sent()
	require.Len(t, sent, 2)
	for _, e := range sent {
		assert.Equal(t, "Newsletter title", e.Subject)
		assert.Equal(t, f.issue.HTMLContent, e.HTMLBody)
		assert.Equal(t, f.issue.TextContent, e.TextBody)
	}

	n, err = w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestRunOnce_TransientFailureRecoversWithoutDuplicates(t *testing.T) {
	f := newFixture(t)
	f.enqueue(t, "ursula@example.com")

	failures := 2
	f.channel.SendFunc = func(ctx context.Context, email providers.Email) error {
		if failures > 0 {
			failures--
			return domainErrors.NewTransientDeliveryError(errors.New("503 service unavailable"))
		}
		return nil
	}
	w := f.worker(Options{MaxAttempts: 5}, nil)
	ctx := context.Background()

	// attempt 1 fails, retry after 1m
	_, err := w.RunOnce(ctx)
	require.NoError(t, err)
	tasks := f.store.Tasks()
	require.Len(t, tasks, 1)
	assert.Equal(t, 1, tasks[0].RetryCount)
	assert.Equal(t, f.clock.Now().Add(time.Minute), tasks[0].NextAttemptAt)
	require.NotNil(t, tasks[0].LastError)
	assert.Contains(t, *tasks[0].LastError, "503")
	firstDelay := tasks[0].NextAttemptAt.Sub(f.clock.Now())

	// not yet eligible
	n, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// attempt 2 fails, retry after 2m
	f.clock.Advance(time.Minute)
	_, err = w.RunOnce(ctx)
	require.NoError(t, err)
	tasks = f.store.Tasks()
	require.Len(t, tasks, 1)
	assert.Equal(t, 2, tasks[0].RetryCount)
	assert.Equal(t, f.clock.Now().Add(2*time.Minute), tasks[0].NextAttemptAt)
	assert.GreaterOrEqual(t, tasks[0].NextAttemptAt.Sub(f.clock.Now()), firstDelay)

	// attempt 3 succeeds
	f.clock.Advance(2 * time.Minute)
	n, err = w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.Empty(t, f.store.Tasks())
	assert.Empty(t, f.store.DeadLetters())
	assert.Len(t, f.channel.Sent(), 1)
	assert.Equal(t, 3, f.channel.Calls("ursula@example.com"))
}

func TestRunOnce_ExhaustionProducesOneDeadLetter(t *testing.T) {
	metrics := observability.NewMetrics("test", prometheus.NewRegistry())
	f := newFixture(t)
	f.enqueue(t, "ursula@example.com")
	f.channel.SendFunc = func(ctx context.Context, email providers.Email) error {
		return domainErrors.NewTransientDeliveryError(errors.New("connection reset"))
	}
	w := f.worker(Options{MaxAttempts: 3}, metrics)

	for i := 0; i < 6; i++ {
		_, err := w.RunOnce(context.Background())
		require.NoError(t, err)
		f.clock.Advance(2 * time.Hour)
	}

	assert.Empty(t, f.store.Tasks())
	dead := f.store.DeadLetters()
	require.Len(t, dead, 1)
	assert.Equal(t, "ursula@example.com", dead[0].SubscriberEmail)
	assert.Equal(t, f.issue.ID, dead[0].IssueID)
	assert.Equal(t, 2, dead[0].RetryCount)
	assert.Equal(t, delivery.StatusFailedTerminal, dead[0].Status)
	assert.Contains(t, dead[0].Reason, "connection reset")
	assert.Equal(t, 3, f.channel.Calls("ursula@example.com"))

	assert.Equal(t, float64(2), promtest.ToFloat64(metrics.DeliveriesTotal.WithLabelValues("retried")))
	assert.Equal(t, float64(1), promtest.ToFloat64(metrics.DeliveriesTotal.WithLabelValues("dead_lettered")))
	assert.Equal(t, float64(1), promtest.ToFloat64(metrics.DeadLettersTotal.WithLabelValues("exhausted")))
}

func TestRunOnce_OpenBreakerDoesNotConsumeAttempts(t *testing.T) {
	metrics := observability.NewMetrics("test", prometheus.NewRegistry())
	f := newFixture(t)
	f.enqueue(t, "ursula@example.com")

	breakerOpen := true
	f.channel.SendFunc = func(ctx context.Context, email providers.Email) error {
		if breakerOpen {
			return domainErrors.NewTransientDeliveryError(fmt.Errorf("%w: mock: circuit breaker is open", domainErrors.ErrChannelUnavailable))
		}
		return nil
	}
	w := f.worker(Options{MaxAttempts: 2}, metrics)

	for i := 0; i < 5; i++ {
		_, err := w.RunOnce(context.Background())
		require.NoError(t, err)
		tasks := f.store.Tasks()
		require.Len(t, tasks, 1, "cycle %d", i)
		assert.Equal(t, 0, tasks[0].RetryCount)
		assert.True(t, tasks[0].NextAttemptAt.After(f.clock.Now()))
		f.clock.Advance(2 * time.Hour)
	}
	assert.Empty(t, f.store.DeadLetters())

	breakerOpen = false
	n, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Empty(t, f.store.Tasks())
	assert.Len(t, f.channel.Sent(), 1)

	assert.Equal(t, float64(5), promtest.ToFloat64(metrics.DeliveriesTotal.WithLabelValues("deferred")))
}

func TestRunOnce_TerminalFailureIsNotRetried(t *testing.T) {
	metrics := observability.NewMetrics("test", prometheus.NewRegistry())
	f := newFixture(t)
	f.enqueue(t, "ursula@example.com", "ged@example.com")
	f.channel.SendFunc = func(ctx context.Context, email providers.Email) error {
		if email.To == "ged@example.com" {
			return domainErrors.NewTerminalDeliveryError(errors.New("422 inactive recipient"))
		}
		return nil
	}
	w := f.worker(Options{}, metrics)

	n, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	assert.Empty(t, f.store.Tasks())
	dead := f.store.DeadLetters()
	require.Len(t, dead, 1)
	assert.Equal(t, "ged@example.com", dead[0].SubscriberEmail)
	assert.Equal(t, 0, dead[0].RetryCount)
	assert.Equal(t, 1, f.channel.Calls("ged@example.com"))
	assert.Equal(t, float64(1), promtest.ToFloat64(metrics.DeadLettersTotal.WithLabelValues("terminal")))
	assert.Equal(t, float64(1), promtest.ToFloat64(metrics.DeliveriesTotal.WithLabelValues("delivered")))
}

func TestRunOnce_UnclassifiedErrorIsRetried(t *testing.T) {
	f := newFixture(t)
	f.enqueue(t, "ursula@example.com")
	f.channel.SendFunc = func(ctx context.Context, email providers.Email) error {
		return errors.New("something odd")
	}
	w := f.worker(Options{}, nil)

	_, err := w.RunOnce(context.Background())
	require.NoError(t, err)

	tasks := f.store.Tasks()
	require.Len(t, tasks, 1)
	assert.Equal(t, 1, tasks[0].RetryCount)
	assert.Empty(t, f.store.DeadLetters())
}

func TestRunOnce_DispatchTimeout(t *testing.T) {
	f := newFixture(t)
	f.enqueue(t, "ursula@example.com")

	var hadDeadline bool
	f.channel.SendFunc = func(ctx context.Context, email providers.Email) error {
		_, hadDeadline = ctx.Deadline()
		<-ctx.Done()
		return domainErrors.NewTransientDeliveryError(ctx.Err())
	}
	w := f.worker(Options{DispatchTimeout: 20 * time.Millisecond}, nil)

	start := time.Now()
	_, err := w.RunOnce(context.Background())
	require.NoError(t, err)

	assert.True(t, hadDeadline)
	assert.Less(t, time.Since(start), time.Second)
	tasks := f.store.Tasks()
	require.Len(t, tasks, 1)
	assert.Equal(t, 1, tasks[0].RetryCount)
}

func TestRunOnce_StoreFailureResendsWholeBatch(t *testing.T) {
	f := newFixture(t)
	f.enqueue(t, "a@example.com", "b@example.com")
	deletes := 0
	f.store.DeleteTaskFunc = func(ctx context.Context, id uuid.UUID) error {
		deletes++
		if deletes == 2 {
			return errors.New("connection lost")
		}
		return nil
	}
	w := f.worker(Options{BatchSize: 10}, nil)

	_, err := w.RunOnce(context.Background())
	require.Error(t, err)
	assert.Len(t, f.store.Tasks(), 2, "delete of the first task rolls back with the batch")

	f.store.DeleteTaskFunc = nil
	n, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Empty(t, f.store.Tasks())
	assert.Equal(t, 2, f.channel.Calls("a@example.com"))
	assert.Equal(t, 2, f.channel.Calls("b@example.com"))
}

func TestRunOnce_RespectsBatchSize(t *testing.T) {
	f := newFixture(t)
	emails := make([]string, 25)
	for i := range emails {
		emails[i] = fmt.Sprintf("reader%02d@example.com", i)
	}
	f.enqueue(t, emails...)
	w := f.worker(Options{BatchSize: 10}, nil)

	n, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 10, n)
	assert.Len(t, f.store.Tasks(), 15)
}

func TestRunOnce_ConcurrentWorkersSendOnce(t *testing.T) {
	f := newFixture(t)
	emails := make([]string, 30)
	for i := range emails {
		emails[i] = fmt.Sprintf("reader%02d@example.com", i)
	}
	f.enqueue(t, emails...)

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		w := f.worker(Options{BatchSize: 4}, nil)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				n, err := w.RunOnce(context.Background())
				if err != nil || n == 0 {
					return
				}
			}
		}()
	}
	wg.Wait()

	assert.Empty(t, f.store.Tasks())
	assert.Len(t, f.channel.Sent(), 30)
	for _, e := range emails {
		assert.Equal(t, 1, f.channel.Calls(e), e)
	}
}

// --- Run Tests ---

func TestRun_DrainsQueueAndStops(t *testing.T) {
	f := newFixture(t)
	f.enqueue(t, "ursula@example.com", "ged@example.com", "tenar@example.com")
	w := f.worker(Options{BatchSize: 1, PollInterval: 10 * time.Millisecond}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	assert.Eventually(t, func() bool { return len(f.store.Tasks()) == 0 }, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
	assert.Len(t, f.channel.Sent(), 3)
}

func TestRun_StopWaitsForCurrentCycle(t *testing.T) {
	f := newFixture(t)
	f.enqueue(t, "ursula@example.com")

	ctx, cancel := context.WithCancel(context.Background())
	f.channel.SendFunc = func(sendCtx context.Context, email providers.Email) error {
		cancel()
		time.Sleep(20 * time.Millisecond)
		return sendCtx.Err()
	}
	w := f.worker(Options{PollInterval: time.Hour}, nil)

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}

	// the in-flight send was not cancelled and its outcome was committed
	assert.Empty(t, f.store.Tasks())
	assert.Len(t, f.channel.Sent(), 1)
}

type countingWaiter struct {
	mu    sync.Mutex
	waits int
}

func (c *countingWaiter) Wait(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	c.waits++
	c.mu.Unlock()
	return SleepWaiter{}.Wait(ctx, time.Millisecond)
}

func (c *countingWaiter) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.waits
}

func TestRun_WaitsOnlyWhenIdle(t *testing.T) {
	f := newFixture(t)
	f.enqueue(t, "a@example.com", "b@example.com", "c@example.com")
	waiter := &countingWaiter{}
	w := NewDeliveryWorker("w", f.store.Deliveries(), f.store, f.channel, waiter,
		Options{BatchSize: 1, Now: f.clock.Now}, nil, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	assert.Eventually(t, func() bool { return waiter.count() >= 1 }, 2*time.Second, time.Millisecond)
	cancel()
	<-done

	assert.Empty(t, f.store.Tasks())
	assert.Len(t, f.channel.Sent(), 3, "busy cycles run back to back before the first wait")
}

type startingWaiter struct {
	countingWaiter
	events *[]string
}

func (s *startingWaiter) Start(ctx context.Context) error {
	s.mu.Lock()
	*s.events = append(*s.events, "start")
	s.mu.Unlock()
	return nil
}

func TestRun_StartsWaiterBeforeFirstCycle(t *testing.T) {
	f := newFixture(t)
	f.enqueue(t, "a@example.com")

	var events []string
	waiter := &startingWaiter{events: &events}
	f.channel.SendFunc = func(ctx context.Context, email providers.Email) error {
		waiter.mu.Lock()
		events = append(events, "send")
		waiter.mu.Unlock()
		return nil
	}
	w := NewDeliveryWorker("w", f.store.Deliveries(), f.store, f.channel, waiter,
		Options{Now: f.clock.Now}, nil, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	assert.Eventually(t, func() bool { return waiter.count() >= 1 }, 2*time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	waiter.mu.Lock()
	defer waiter.mu.Unlock()
	assert.Equal(t, []string{"start", "send"}, events)
}

// --- End-to-end scenario ---

func TestPublishAndDeliver_TwoRecipients(t *testing.T) {
	store := testutil.NewMemoryStore()
	channel := testutil.NewMockChannel()
	logger := zerolog.Nop()
	ctx := context.Background()

	store.AddConfirmedSubscriber("ursula@example.com")
	store.AddConfirmedSubscriber("ged@example.com")

	svc := service.NewNewsletterService(
		store.Issues(), store.Subscribers(), store.Deliveries(), store.Idempotency(),
		service.NewOutboxEnqueuer(store.Deliveries(), logger, nil),
		store, nil, nil, logger,
	)
	in := service.PublishInput{
		ActorID:        "publisher",
		IdempotencyKey: "issue-1",
		Title:          "Newsletter title",
		HTMLContent:    "<p>Newsletter body as HTML</p>",
		TextContent:    "Newsletter body as plain text",
	}

	first, err := svc.Publish(ctx, in)
	require.NoError(t, err)
	require.Len(t, store.Tasks(), 2)

	w := NewDeliveryWorker("w", store.Deliveries(), store, channel, nil, Options{}, nil, logger)
	n, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Empty(t, store.Tasks())
	assert.Empty(t, store.DeadLetters())
	assert.Len(t, channel.Sent(), 2)

	second, err := svc.Publish(ctx, in)
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.Response.Body, second.Response.Body)
	assert.Equal(t, first.Response.Headers, second.Response.Headers)
	assert.Empty(t, store.Tasks())
}

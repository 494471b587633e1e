package service

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/kaftw/newsletter/internal/domain/delivery"
	domainErrors "github.com/kaftw/newsletter/internal/domain/errors"
	"github.com/kaftw/newsletter/internal/domain/idempotency"
	"github.com/kaftw/newsletter/internal/domain/subscriber"
	"github.com/kaftw/newsletter/internal/infrastructure/observability"
	"github.com/kaftw/newsletter/internal/testutil"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Test Helpers ---

func setupNewsletterService(metrics *observability.Metrics) (*NewsletterService, *testutil.MemoryStore, *testutil.MockNotifier) {
	store := testutil.NewMemoryStore()
	logger := zerolog.Nop()
	notifier := &testutil.MockNotifier{}
	enqueuer := NewOutboxEnqueuer(store.Deliveries(), logger, metrics)

	svc := NewNewsletterService(
		store.Issues(),
		store.Subscribers(),
		store.Deliveries(),
		store.Idempotency(),
		enqueuer,
		store,
		notifier,
		metrics,
		logger,
	)
	return svc, store, notifier
}

func publishInput(key string) PublishInput {
	return PublishInput{
		ActorID:        "publisher-1",
		IdempotencyKey: key,
		Title:          "Issue #1",
		HTMLContent:    "<p>Hello</p>",
		TextContent:    "Hello",
	}
}

func decodeBody(t *testing.T, resp *idempotency.SavedResponse) AcceptedBody {
	t.Helper()
	var body AcceptedBody
	require.NoError(t, json.Unmarshal(resp.Body, &body))
	return body
}

// --- Publish Tests ---

func TestPublish_Success(t *testing.T) {
	svc, store, notifier := setupNewsletterService(nil)
	ctx := context.Background()

	store.AddConfirmedSubscriber("ursula@example.com")
	store.AddConfirmedSubscriber("ged@example.com")
	pending, err := subscriber.NewSubscriber("Tenar", "tenar@example.com")
	require.NoError(t, err)
	require.NoError(t, store.Subscribers().Create(ctx, pending))

	result, err := svc.Publish(ctx, publishInput("key-1"))
	require.NoError(t, err)
	assert.False(t, result.Replayed)
	assert.Equal(t, 2, result.Recipients)

	resp := result.Response
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, []idempotency.HeaderPair{
		{Name: "Content-Type", Value: "application/json"},
		{Name: "Location", Value: "/api/v1/newsletters/" + result.IssueID.String()},
	}, resp.Headers)

	body := decodeBody(t, resp)
	assert.Equal(t, result.IssueID.String(), body.IssueID)
	assert.Equal(t, "accepted", body.Status)
	assert.Equal(t, 2, body.Recipients)
	assert.Equal(t, AcceptedMessage, body.Message)

	// unconfirmed subscribers get no task
	tasks := store.Tasks()
	require.Len(t, tasks, 2)
	emails := []string{tasks[0].SubscriberEmail, tasks[1].SubscriberEmail}
	assert.ElementsMatch(t, []string{"ursula@example.com", "ged@example.com"}, emails)
	for _, task := range tasks {
		assert.Equal(t, result.IssueID, task.IssueID)
		assert.Equal(t, delivery.StatusPending, task.Status)
		assert.Equal(t, 0, task.RetryCount)
	}

	rec, ok := store.IdempotencyRecord("publisher-1", "key-1")
	require.True(t, ok)
	assert.Equal(t, idempotency.StateCompleted, rec.State)
	assert.Equal(t, []uuid.UUID{result.IssueID}, notifier.Notified())
}

func TestPublish_ReplaysSavedResponse(t *testing.T) {
	svc, store, notifier := setupNewsletterService(nil)
	ctx := context.Background()
	store.AddConfirmedSubscriber("ursula@example.com")

	first, err := svc.Publish(ctx, publishInput("key-1"))
	require.NoError(t, err)

	in := publishInput("key-1")
	in.Title = "A different title is ignored on replay"
	second, err := svc.Publish(ctx, in)
	require.NoError(t, err)

	assert.True(t, second.Replayed)
	assert.Equal(t, first.Response.StatusCode, second.Response.StatusCode)
	assert.Equal(t, first.Response.Headers, second.Response.Headers)
	assert.Equal(t, first.Response.Body, second.Response.Body)

	assert.Equal(t, 1, store.IssueCount())
	assert.Len(t, store.Tasks(), 1)
	assert.Len(t, notifier.Notified(), 1)
}

func TestPublish_KeysAreScopedPerActor(t *testing.T) {
	svc, store, _ := setupNewsletterService(nil)
	ctx := context.Background()

	_, err := svc.Publish(ctx, publishInput("shared-key"))
	require.NoError(t, err)

	other := publishInput("shared-key")
	other.ActorID = "publisher-2"
	result, err := svc.Publish(ctx, other)
	require.NoError(t, err)

	assert.False(t, result.Replayed)
	assert.Equal(t, 2, store.IssueCount())
}

func TestPublish_DerivedKey(t *testing.T) {
	svc, store, _ := setupNewsletterService(nil)
	ctx := context.Background()

	first, err := svc.Publish(ctx, publishInput(""))
	require.NoError(t, err)
	again, err := svc.Publish(ctx, publishInput(""))
	require.NoError(t, err)
	assert.False(t, first.Replayed)
	assert.True(t, again.Replayed)

	changed := publishInput("")
	changed.TextContent = "Hello again"
	third, err := svc.Publish(ctx, changed)
	require.NoError(t, err)
	assert.False(t, third.Replayed)

	assert.Equal(t, 2, store.IssueCount())
}

func TestPublish_ConcurrentDuplicates(t *testing.T) {
	svc, store, _ := setupNewsletterService(nil)
	store.AddConfirmedSubscriber("ursula@example.com")
	store.AddConfirmedSubscriber("ged@example.com")

	const callers = 10
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results []*PublishResult
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := svc.Publish(context.Background(), publishInput("same-key"))
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			results = append(results, res)
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Len(t, results, callers)
	fresh := 0
	for _, res := range results {
		if !res.Replayed {
			fresh++
		}
		assert.Equal(t, results[0].Response.Body, res.Response.Body)
	}
	assert.Equal(t, 1, fresh)
	assert.Equal(t, 1, store.IssueCount())
	assert.Len(t, store.Tasks(), 2)
}

func TestPublish_RollsBackOnLateFailure(t *testing.T) {
	svc, store, notifier := setupNewsletterService(nil)
	ctx := context.Background()
	store.AddConfirmedSubscriber("ursula@example.com")

	store.CompleteFunc = func(ctx context.Context, actorID, key string, resp *idempotency.SavedResponse) error {
		return errors.New("connection reset")
	}

	_, err := svc.Publish(ctx, publishInput("key-1"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")

	assert.Equal(t, 0, store.IssueCount())
	assert.Empty(t, store.Tasks())
	_, ok := store.IdempotencyRecord("publisher-1", "key-1")
	assert.False(t, ok)
	assert.Empty(t, notifier.Notified())

	// the key is free again once the failure is gone
	store.CompleteFunc = nil
	result, err := svc.Publish(ctx, publishInput("key-1"))
	require.NoError(t, err)
	assert.False(t, result.Replayed)
	assert.Len(t, store.Tasks(), 1)
}

func TestPublish_EnqueueFailure(t *testing.T) {
	svc, store, _ := setupNewsletterService(nil)
	store.AddConfirmedSubscriber("ursula@example.com")
	store.EnqueueFunc = func(ctx context.Context, tasks []*delivery.Task) (int64, error) {
		return 0, errors.New("disk full")
	}

	_, err := svc.Publish(context.Background(), publishInput("key-1"))
	require.Error(t, err)
	assert.Equal(t, 0, store.IssueCount())
}

func TestPublish_ListConfirmedFailure(t *testing.T) {
	svc, store, _ := setupNewsletterService(nil)
	store.ListConfirmedFunc = func(ctx context.Context) ([]string, error) {
		return nil, errors.New("timeout")
	}

	_, err := svc.Publish(context.Background(), publishInput("key-1"))
	require.Error(t, err)
	assert.Equal(t, 0, store.IssueCount())
}

func TestPublish_SkipsInvalidAndDuplicateRecipients(t *testing.T) {
	metrics := observability.NewMetrics("test", prometheus.NewRegistry())
	svc, store, _ := setupNewsletterService(metrics)

	store.AddConfirmedSubscriber("ursula@example.com")
	store.AddConfirmedSubscriber("not-an-email")
	store.AddConfirmedSubscriber("URSULA@example.com")
	store.AddConfirmedSubscriber("ged@example.com")

	result, err := svc.Publish(context.Background(), publishInput("key-1"))
	require.NoError(t, err)

	assert.Equal(t, 2, result.Recipients)
	assert.Len(t, store.Tasks(), 2)
	assert.Equal(t, float64(2), promtest.ToFloat64(metrics.RecipientsSkipped))
	assert.Equal(t, float64(1), promtest.ToFloat64(metrics.IssuesPublished))
	assert.Equal(t, float64(2), promtest.ToFloat64(metrics.TasksEnqueued))
}

func TestPublish_NoRecipients(t *testing.T) {
	svc, store, notifier := setupNewsletterService(nil)

	result, err := svc.Publish(context.Background(), publishInput("key-1"))
	require.NoError(t, err)

	assert.Equal(t, 0, result.Recipients)
	assert.Equal(t, 0, decodeBody(t, result.Response).Recipients)
	assert.Equal(t, 1, store.IssueCount())
	assert.Empty(t, notifier.Notified())
}

func TestPublish_ValidationHappensBeforeStoreAccess(t *testing.T) {
	tests := []struct {
		name  string
		in    PublishInput
		field string
	}{
		{"empty title", PublishInput{ActorID: "p", Title: " ", HTMLContent: "<p/>", TextContent: "t"}, "title"},
		{"empty html", PublishInput{ActorID: "p", Title: "t", TextContent: "t"}, "html_content"},
		{"empty text", PublishInput{ActorID: "p", Title: "t", HTMLContent: "<p/>"}, "text_content"},
		{"key too long", PublishInput{ActorID: "p", IdempotencyKey: strings.Repeat("k", 129), Title: "t", HTMLContent: "<p/>", TextContent: "t"}, "idempotency_key"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, store, _ := setupNewsletterService(nil)

			_, err := svc.Publish(context.Background(), tt.in)
			require.Error(t, err)

			var ve *domainErrors.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
			assert.Equal(t, 0, store.IssueCount())
		})
	}
}

func TestPublish_NotifierFailureIsIgnored(t *testing.T) {
	svc, store, notifier := setupNewsletterService(nil)
	store.AddConfirmedSubscriber("ursula@example.com")
	notifier.NotifyFunc = func(ctx context.Context, issueID uuid.UUID, recipients int) error {
		return errors.New("redis down")
	}

	result, err := svc.Publish(context.Background(), publishInput("key-1"))
	require.NoError(t, err)
	assert.Equal(t, 1, result.Recipients)
}

// --- Read Tests ---

func TestGetIssue(t *testing.T) {
	svc, store, _ := setupNewsletterService(nil)
	ctx := context.Background()
	store.AddConfirmedSubscriber("ursula@example.com")
	store.AddConfirmedSubscriber("ged@example.com")

	result, err := svc.Publish(ctx, publishInput("key-1"))
	require.NoError(t, err)

	status, err := svc.GetIssue(ctx, result.IssueID)
	require.NoError(t, err)
	assert.Equal(t, "Issue #1", status.Issue.Title)
	assert.Equal(t, int64(2), status.Pending)
	assert.Equal(t, int64(0), status.DeadLetters)

	_, err = svc.GetIssue(ctx, uuid.New())
	assert.ErrorIs(t, err, domainErrors.ErrIssueNotFound)
}

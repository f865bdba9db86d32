package dispatch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KurumiTJK/novahooks/internal/models"
	"github.com/KurumiTJK/novahooks/internal/storage"
)

func newTestDispatcher(t *testing.T) (*Dispatcher, *storage.SQLiteStorage) {
	t.Helper()
	store, err := storage.NewSQLite(":memory:")
	require.NoError(t, err)
	require.NoError(t, store.Migrate(context.Background()))
	t.Cleanup(func() { store.Close() })

	disp := NewDispatcher(DefaultConfig(), store, zerolog.Nop())
	return disp, store
}

func createSub(t *testing.T, store storage.Storage, url string, opts models.SubscriptionOptions) *models.Subscription {
	t.Helper()
	now := time.Now().UTC()
	sub := &models.Subscription{
		ID:         models.NewID("whk"),
		UserID:     "user_1",
		URL:        url,
		Secret:     testSecret,
		EventTypes: []string{"goal.*"},
		Status:     models.SubscriptionActive,
		Options:    opts,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	require.NoError(t, store.CreateSubscription(context.Background(), sub))
	return sub
}

// runUntilTerminal drains the queue by forcing each scheduled retry due
// and processing it, exactly as successive poll ticks would.
func runUntilTerminal(t *testing.T, disp *Dispatcher, store storage.Storage, deliveryID string, maxRounds int) *models.Delivery {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < maxRounds; i++ {
		dlv, err := store.GetDelivery(ctx, deliveryID)
		require.NoError(t, err)
		require.NotNil(t, dlv)
		if dlv.Status.Terminal() {
			return dlv
		}
		dlv.ScheduledAt = time.Now().UTC().Add(-time.Second)
		require.NoError(t, store.UpdateDelivery(ctx, dlv))

		due, err := store.GetDueDeliveries(ctx, 10)
		require.NoError(t, err)
		for _, d := range due {
			disp.process(ctx, d)
		}
	}
	dlv, err := store.GetDelivery(ctx, deliveryID)
	require.NoError(t, err)
	return dlv
}

func TestDispatchQueuesMatchingSubscriptions(t *testing.T) {
	disp, store := newTestDispatcher(t)
	ctx := context.Background()

	matching := createSub(t, store, "https://example.com/a", models.DefaultSubscriptionOptions())
	nonMatching := createSub(t, store, "https://example.com/b", models.DefaultSubscriptionOptions())
	nonMatching.EventTypes = []string{"quest.started"}
	require.NoError(t, store.UpdateSubscription(ctx, nonMatching))

	ev := models.NewEvent("goal.created", "user_1", json.RawMessage(`{"goal_id":"g1"}`))
	queued, err := disp.Dispatch(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, 1, queued)

	deliveries, err := store.ListDeliveries(ctx, matching.ID, 10)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)

	dlv := deliveries[0]
	assert.Equal(t, models.DeliveryPending, dlv.Status)
	assert.Equal(t, 0, dlv.Attempt)
	assert.Equal(t, 4, dlv.MaxAttempts)
	assert.Equal(t, ev.ID, dlv.EventID)
	assert.Equal(t, matching.URL, dlv.URL)

	// The stored payload snapshot already carries the embedded signature.
	var p models.DeliveryPayload
	require.NoError(t, json.Unmarshal(dlv.Payload, &p))
	assert.Equal(t, "goal.created", p.Event)
	assert.Equal(t, 1, p.Attempt)
	assert.NotEmpty(t, p.Signature)
	assert.Equal(t, dlv.Signature, p.Signature)
}

func TestDispatchNoMatches(t *testing.T) {
	disp, store := newTestDispatcher(t)
	ctx := context.Background()

	sub := createSub(t, store, "https://example.com/a", models.DefaultSubscriptionOptions())
	sub.EventTypes = []string{"quest.*"}
	require.NoError(t, store.UpdateSubscription(ctx, sub))

	queued, err := disp.Dispatch(ctx, models.NewEvent("goal.created", "user_1", json.RawMessage(`{}`)))
	require.NoError(t, err)
	assert.Zero(t, queued)
}

func TestDispatchSystemEventCrossesOwners(t *testing.T) {
	disp, store := newTestDispatcher(t)
	ctx := context.Background()

	a := createSub(t, store, "https://example.com/a", models.DefaultSubscriptionOptions())
	a.EventTypes = []string{"system.*"}
	require.NoError(t, store.UpdateSubscription(ctx, a))

	now := time.Now().UTC()
	b := &models.Subscription{
		ID: models.NewID("whk"), UserID: "user_2", URL: "https://example.com/b",
		Secret: testSecret, EventTypes: []string{"system.*"},
		Status: models.SubscriptionActive, Options: models.DefaultSubscriptionOptions(),
		CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, store.CreateSubscription(ctx, b))

	queued, err := disp.Dispatch(ctx, models.NewEvent("system.maintenance", "", json.RawMessage(`{}`)))
	require.NoError(t, err)
	assert.Equal(t, 2, queued)
}

func TestDispatchSkipsOversizedPayload(t *testing.T) {
	disp, store := newTestDispatcher(t)
	ctx := context.Background()

	sub := createSub(t, store, "https://example.com/a", models.DefaultSubscriptionOptions())

	big := make([]byte, maxPayloadSize+1)
	for i := range big {
		big[i] = 'a'
	}
	data, _ := json.Marshal(string(big))

	queued, err := disp.Dispatch(ctx, models.NewEvent("goal.created", "user_1", data))
	require.NoError(t, err, "an oversized payload is skipped, not an error")
	assert.Zero(t, queued)

	deliveries, err := store.ListDeliveries(ctx, sub.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, deliveries)
}

func TestDeliverySucceedsFirstTry(t *testing.T) {
	disp, store := newTestDispatcher(t)
	ctx := context.Background()

	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sub := createSub(t, store, srv.URL, models.DefaultSubscriptionOptions())
	queued, err := disp.Dispatch(ctx, models.NewEvent("goal.created", "user_1", json.RawMessage(`{}`)))
	require.NoError(t, err)
	require.Equal(t, 1, queued)

	deliveries, err := store.ListDeliveries(ctx, sub.ID, 10)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)

	dlv := runUntilTerminal(t, disp, store, deliveries[0].ID, 5)
	assert.Equal(t, models.DeliveryDelivered, dlv.Status)
	assert.Equal(t, 1, dlv.Attempt)
	assert.Equal(t, 200, dlv.ResponseStatus)
	assert.Empty(t, dlv.LastError)
	assert.NotNil(t, dlv.CompletedAt)
	assert.EqualValues(t, 1, atomic.LoadInt32(&hits))

	got, err := store.GetSubscription(ctx, sub.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, got.TotalDeliveries)
	assert.EqualValues(t, 1, got.SuccessfulDeliveries)
	assert.Zero(t, got.ConsecutiveFailures)

	attempts, err := store.GetAttemptsByDelivery(ctx, dlv.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, models.AttemptOutcomeSuccess, attempts[0].Outcome)
}

func TestDeliveryExhaustsRetriesThenFails(t *testing.T) {
	disp, store := newTestDispatcher(t)
	ctx := context.Background()

	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	opts := models.DefaultSubscriptionOptions()
	opts.MaxRetries = 2 // 3 attempts total
	opts.RetryDelayMs = 1
	sub := createSub(t, store, srv.URL, opts)

	queued, err := disp.Dispatch(ctx, models.NewEvent("goal.created", "user_1", json.RawMessage(`{}`)))
	require.NoError(t, err)
	require.Equal(t, 1, queued)

	deliveries, err := store.ListDeliveries(ctx, sub.ID, 10)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)

	dlv := runUntilTerminal(t, disp, store, deliveries[0].ID, 10)
	assert.Equal(t, models.DeliveryFailed, dlv.Status)
	assert.Equal(t, 3, dlv.Attempt)
	assert.Equal(t, "HTTP 500", dlv.LastError)
	assert.NotNil(t, dlv.CompletedAt)
	assert.EqualValues(t, 3, atomic.LoadInt32(&hits), "exactly maxAttempts HTTP calls")

	got, err := store.GetSubscription(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.ConsecutiveFailures, "one exhausted delivery counts as one failure")
	assert.EqualValues(t, 1, got.FailedDeliveries)
	assert.Equal(t, models.SubscriptionActive, got.Status)

	attempts, err := store.GetAttemptsByDelivery(ctx, dlv.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 3)
	for i, a := range attempts {
		assert.Equal(t, i+1, a.AttemptNumber)
		assert.Equal(t, models.AttemptOutcomeFailure, a.Outcome)
		assert.Equal(t, 500, a.StatusCode)
	}
}

func TestRetryScheduledInFuture(t *testing.T) {
	disp, store := newTestDispatcher(t)
	ctx := context.Background()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	sub := createSub(t, store, srv.URL, models.DefaultSubscriptionOptions())
	_, err := disp.Dispatch(ctx, models.NewEvent("goal.created", "user_1", json.RawMessage(`{}`)))
	require.NoError(t, err)

	deliveries, err := store.ListDeliveries(ctx, sub.ID, 10)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)

	before := time.Now().UTC()
	disp.process(ctx, deliveries[0])

	dlv, err := store.GetDelivery(ctx, deliveries[0].ID)
	require.NoError(t, err)
	assert.Equal(t, models.DeliveryRetrying, dlv.Status)
	assert.Equal(t, 1, dlv.Attempt)
	// Default backoff starts at 1s; the retry must not be due immediately.
	assert.True(t, dlv.ScheduledAt.After(before), "retry scheduled at %v, not after %v", dlv.ScheduledAt, before)

	due, err := store.GetDueDeliveries(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, due, "a freshly scheduled retry is not yet due")
}

func TestPausedSubscriptionGetsNoTraffic(t *testing.T) {
	disp, store := newTestDispatcher(t)
	ctx := context.Background()

	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
	}))
	defer srv.Close()

	sub := createSub(t, store, srv.URL, models.DefaultSubscriptionOptions())
	_, err := disp.Dispatch(ctx, models.NewEvent("goal.created", "user_1", json.RawMessage(`{}`)))
	require.NoError(t, err)

	sub.Status = models.SubscriptionPaused
	require.NoError(t, store.UpdateSubscription(ctx, sub))

	deliveries, err := store.ListDeliveries(ctx, sub.ID, 10)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	disp.process(ctx, deliveries[0])

	dlv, err := store.GetDelivery(ctx, deliveries[0].ID)
	require.NoError(t, err)
	assert.Equal(t, models.DeliveryFailed, dlv.Status)
	assert.Equal(t, "subscription paused", dlv.LastError)
	assert.Zero(t, dlv.Attempt, "no attempt consumed")
	assert.Zero(t, atomic.LoadInt32(&hits), "no HTTP call for a paused subscription")

	got, err := store.GetSubscription(ctx, sub.ID)
	require.NoError(t, err)
	assert.Zero(t, got.ConsecutiveFailures, "structural failure does not count against the subscription")
}

func TestDeletedSubscriptionDiscardsDelivery(t *testing.T) {
	disp, store := newTestDispatcher(t)
	ctx := context.Background()

	sub := createSub(t, store, "https://example.com/a", models.DefaultSubscriptionOptions())
	_, err := disp.Dispatch(ctx, models.NewEvent("goal.created", "user_1", json.RawMessage(`{}`)))
	require.NoError(t, err)

	deliveries, err := store.ListDeliveries(ctx, sub.ID, 10)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)

	// Copy before the cascade delete removes the row.
	orphan := deliveries[0]
	require.NoError(t, store.DeleteSubscription(ctx, sub.ID))
	disp.process(ctx, orphan)

	dlv, err := store.GetDelivery(ctx, orphan.ID)
	require.NoError(t, err)
	assert.Nil(t, dlv)
}

func TestRetryDelivery(t *testing.T) {
	disp, store := newTestDispatcher(t)
	ctx := context.Background()

	var status int32 = http.StatusInternalServerError
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(atomic.LoadInt32(&status)))
	}))
	defer srv.Close()

	opts := models.DefaultSubscriptionOptions()
	opts.MaxRetries = 0 // single attempt
	sub := createSub(t, store, srv.URL, opts)

	_, err := disp.Dispatch(ctx, models.NewEvent("goal.created", "user_1", json.RawMessage(`{}`)))
	require.NoError(t, err)
	deliveries, err := store.ListDeliveries(ctx, sub.ID, 10)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	id := deliveries[0].ID

	dlv := runUntilTerminal(t, disp, store, id, 5)
	require.Equal(t, models.DeliveryFailed, dlv.Status)

	// Only failed deliveries can be manually retried.
	assert.ErrorIs(t, disp.RetryDelivery(ctx, "dlv_nonexistent"), ErrDeliveryNotFound)

	require.NoError(t, disp.RetryDelivery(ctx, id))
	dlv, err = store.GetDelivery(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.DeliveryPending, dlv.Status)
	assert.Zero(t, dlv.Attempt)
	assert.Nil(t, dlv.CompletedAt)

	assert.ErrorIs(t, disp.RetryDelivery(ctx, id), ErrDeliveryNotRetryable)

	// The endpoint recovered; the requeued delivery goes through.
	atomic.StoreInt32(&status, http.StatusOK)
	dlv = runUntilTerminal(t, disp, store, id, 5)
	assert.Equal(t, models.DeliveryDelivered, dlv.Status)
}

func TestTestWebhookLeavesNoRecords(t *testing.T) {
	disp, store := newTestDispatcher(t)
	ctx := context.Background()

	var gotEvent string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotEvent = r.Header.Get("X-Nova-Event")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sub := createSub(t, store, srv.URL, models.DefaultSubscriptionOptions())

	result, err := disp.TestWebhook(ctx, sub.ID)
	require.NoError(t, err)
	assert.True(t, result.Success())
	assert.Equal(t, "system.ping", gotEvent)

	deliveries, err := store.ListDeliveries(ctx, sub.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, deliveries, "test pings are not persisted")

	got, err := store.GetSubscription(ctx, sub.ID)
	require.NoError(t, err)
	assert.Zero(t, got.TotalDeliveries, "test pings do not touch statistics")

	_, err = disp.TestWebhook(ctx, "whk_nonexistent")
	assert.ErrorIs(t, err, ErrSubscriptionNotFound)
}

func TestStartStopIdempotent(t *testing.T) {
	disp, _ := newTestDispatcher(t)
	ctx := context.Background()

	disp.Start(ctx)
	disp.Start(ctx) // no-op

	running, active := disp.Status()
	assert.True(t, running)
	assert.Zero(t, active)

	disp.Stop()
	disp.Stop() // no-op

	running, _ = disp.Status()
	assert.False(t, running)
}

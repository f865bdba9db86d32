// Package dispatch implements the delivery engine: fan-out of events to
// matching subscriptions and the polling loop that drives signed HTTP
// attempts, retries with backoff, and terminal bookkeeping.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/KurumiTJK/novahooks/internal/models"
	"github.com/KurumiTJK/novahooks/internal/storage"
)

// maxPayloadSize is the hard cap on a serialized delivery payload. One
// oversized event must not block delivery to other subscribers, so the
// affected subscription is skipped rather than the whole dispatch.
const maxPayloadSize = 1 << 20

var (
	ErrDeliveryNotFound     = errors.New("delivery not found")
	ErrDeliveryNotRetryable = errors.New("delivery is not in a failed state")
	ErrSubscriptionNotFound = errors.New("subscription not found")
)

type Config struct {
	PollInterval      time.Duration
	BatchSize         int
	UserAgent         string
	RetentionInterval time.Duration
	DeliveryTTL       time.Duration
	AttemptTTL        time.Duration
}

func DefaultConfig() Config {
	return Config{
		PollInterval:      5 * time.Second,
		BatchSize:         10,
		UserAgent:         "NovaHooks/1.0",
		RetentionInterval: time.Hour,
		DeliveryTTL:       30 * 24 * time.Hour,
		AttemptTTL:        7 * 24 * time.Hour,
	}
}

// Dispatcher is explicitly constructed and injected; lifecycle is owned
// by the process's top-level wiring. Multiple instances may poll the
// same store: processing is idempotent per delivery id and duplicate
// attempts across instances are bounded, not eliminated.
type Dispatcher struct {
	cfg    Config
	store  storage.Storage
	sender *Sender
	log    zerolog.Logger

	// active guards against double-processing a delivery within
	// overlapping poll ticks. Process-local and safe to lose on restart;
	// the store is the source of truth.
	mu      sync.Mutex
	active  map[string]struct{}
	running bool

	stop chan struct{}
	wg   sync.WaitGroup
}

func NewDispatcher(cfg Config, store storage.Storage, log zerolog.Logger) *Dispatcher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "NovaHooks/1.0"
	}
	return &Dispatcher{
		cfg:    cfg,
		store:  store,
		sender: NewSender(cfg.UserAgent),
		log:    log,
		active: make(map[string]struct{}),
	}
}

// Dispatch fans an event out to all matching active subscriptions and
// queues one delivery per match. A store failure on one subscription
// does not prevent queuing for the others; the joined error reports
// which enqueues failed.
func (d *Dispatcher) Dispatch(ctx context.Context, ev *models.Event) (int, error) {
	var subs []models.Subscription
	var err error
	if ev.Category == "system" {
		subs, err = d.store.GetAllSubscriptionsByEventType(ctx, ev.Type)
	} else {
		subs, err = d.store.GetSubscriptionsByEventType(ctx, ev.UserID, ev.Type)
	}
	if err != nil {
		return 0, fmt.Errorf("subscription lookup: %w", err)
	}

	queued := 0
	var errs []error
	for i := range subs {
		sub := &subs[i]
		if err := d.enqueue(ctx, sub, ev); err != nil {
			if errors.Is(err, errPayloadTooLarge) {
				d.log.Warn().
					Str("subscription_id", sub.ID).
					Str("event_type", ev.Type).
					Msg("skipping oversized delivery payload")
				continue
			}
			d.log.Error().Err(err).
				Str("subscription_id", sub.ID).
				Str("event_id", ev.ID).
				Msg("failed to enqueue delivery")
			errs = append(errs, fmt.Errorf("subscription %s: %w", sub.ID, err))
			continue
		}
		queued++
	}
	return queued, errors.Join(errs...)
}

var errPayloadTooLarge = errors.New("payload exceeds size limit")

func (d *Dispatcher) enqueue(ctx context.Context, sub *models.Subscription, ev *models.Event) error {
	now := time.Now().UTC()
	deliveryID := models.NewID("dlv")

	payload := models.DeliveryPayload{
		ID:        deliveryID,
		Event:     ev.Type,
		Timestamp: ev.Timestamp.Format(time.RFC3339),
		Data:      ev.Data,
		WebhookID: sub.ID,
		UserID:    ev.UserID,
		Attempt:   1,
	}
	body, stamped, err := stampPayload(mustMarshal(payload), 1, sub.Secret)
	if err != nil {
		return err
	}
	if len(body) > maxPayloadSize {
		return errPayloadTooLarge
	}

	dlv := &models.Delivery{
		ID:             deliveryID,
		SubscriptionID: sub.ID,
		EventID:        ev.ID,
		URL:            sub.URL,
		Payload:        body,
		Signature:      stamped.Signature,
		Status:         models.DeliveryPending,
		Attempt:        0,
		MaxAttempts:    sub.MaxAttempts(),
		CreatedAt:      now,
		ScheduledAt:    now,
	}
	if err := d.store.CreateDelivery(ctx, dlv); err != nil {
		return err
	}

	d.log.Debug().
		Str("delivery_id", dlv.ID).
		Str("subscription_id", sub.ID).
		Str("event_type", ev.Type).
		Msg("delivery queued")
	return nil
}

func mustMarshal(v interface{}) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}

// Start begins the polling and retention loops. It is a no-op if the
// dispatcher is already running.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return
	}
	d.running = true
	d.stop = make(chan struct{})
	d.mu.Unlock()

	d.wg.Add(2)
	go func() {
		defer d.wg.Done()
		d.pollLoop(ctx)
	}()
	go func() {
		defer d.wg.Done()
		d.retentionLoop(ctx)
	}()

	d.log.Info().
		Dur("poll_interval", d.cfg.PollInterval).
		Int("batch_size", d.cfg.BatchSize).
		Msg("dispatcher started")
}

// Stop halts the poll loop and waits for in-flight attempts to finish.
// Deliveries attempted but not yet recorded simply come due again on the
// next start.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	close(d.stop)
	d.mu.Unlock()

	d.wg.Wait()
	d.log.Info().Msg("dispatcher stopped")
}

// Status reports whether the poll loop is running and how many
// deliveries are currently being attempted.
func (d *Dispatcher) Status() (running bool, active int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running, len(d.active)
}

func (d *Dispatcher) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	sem := make(chan struct{}, d.cfg.BatchSize)

	for {
		select {
		case <-d.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.tick(ctx, sem)
		}
	}
}

func (d *Dispatcher) tick(ctx context.Context, sem chan struct{}) {
	deliveries, err := d.store.GetDueDeliveries(ctx, d.cfg.BatchSize)
	if err != nil {
		d.log.Error().Err(err).Msg("failed to fetch due deliveries")
		return
	}

	for _, dlv := range deliveries {
		dlv := dlv
		if !d.claim(dlv.ID) {
			continue
		}
		sem <- struct{}{}
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			defer func() { <-sem }()
			defer d.release(dlv.ID)
			d.process(ctx, dlv)
		}()
	}
}

func (d *Dispatcher) claim(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, busy := d.active[id]; busy {
		return false
	}
	d.active[id] = struct{}{}
	return true
}

func (d *Dispatcher) release(id string) {
	d.mu.Lock()
	delete(d.active, id)
	d.mu.Unlock()
}

// process runs one attempt for a due delivery and records the outcome.
func (d *Dispatcher) process(ctx context.Context, dlv models.Delivery) {
	sub, err := d.store.GetSubscription(ctx, dlv.SubscriptionID)
	if err != nil {
		// Leave the delivery due; the next tick retries it.
		d.log.Error().Err(err).Str("delivery_id", dlv.ID).Msg("failed to load subscription for delivery")
		return
	}
	if sub == nil {
		if err := d.store.DeleteDelivery(ctx, dlv.ID); err != nil {
			d.log.Error().Err(err).Str("delivery_id", dlv.ID).Msg("failed to discard orphaned delivery")
			return
		}
		d.log.Info().Str("delivery_id", dlv.ID).Msg("discarded delivery for deleted subscription")
		return
	}
	if sub.Status != models.SubscriptionActive {
		// A paused or disabled subscription must never receive traffic.
		// Finalized without consuming an attempt; retrying cannot fix it.
		now := time.Now().UTC()
		dlv.Status = models.DeliveryFailed
		dlv.CompletedAt = &now
		dlv.LastError = "subscription " + string(sub.Status)
		if err := d.store.UpdateDelivery(ctx, &dlv); err != nil {
			d.log.Error().Err(err).Str("delivery_id", dlv.ID).Msg("failed to finalize delivery")
		}
		return
	}

	dlv.Attempt++
	now := time.Now().UTC()
	dlv.Status = models.DeliveryInProgress
	dlv.AttemptedAt = &now
	if err := d.store.UpdateDelivery(ctx, &dlv); err != nil {
		d.log.Error().Err(err).Str("delivery_id", dlv.ID).Msg("failed to mark delivery in progress")
		return
	}

	result := d.sender.Send(ctx, sub, &dlv)

	outcome := models.AttemptOutcomeFailure
	if result.Success() {
		outcome = models.AttemptOutcomeSuccess
	}
	attempt := &models.Attempt{
		ID:            models.NewID("att"),
		DeliveryID:    dlv.ID,
		AttemptNumber: dlv.Attempt,
		Outcome:       outcome,
		StatusCode:    result.StatusCode,
		ResponseBody:  result.ResponseBody,
		LatencyMs:     result.LatencyMs,
		Error:         result.Error,
		CreatedAt:     time.Now().UTC(),
	}
	if err := d.store.CreateAttempt(ctx, attempt); err != nil {
		d.log.Error().Err(err).Str("delivery_id", dlv.ID).Msg("failed to record attempt")
	}

	dlv.ResponseStatus = result.StatusCode
	dlv.ResponseBody = result.ResponseBody
	dlv.LatencyMs = result.LatencyMs
	dlv.LastError = result.Error
	if dlv.LastError == "" && !result.Success() {
		dlv.LastError = fmt.Sprintf("HTTP %d", result.StatusCode)
	}

	done := time.Now().UTC()
	switch {
	case result.Success():
		dlv.Status = models.DeliveryDelivered
		dlv.CompletedAt = &done
		dlv.LastError = ""
		if err := d.store.UpdateDelivery(ctx, &dlv); err != nil {
			d.log.Error().Err(err).Str("delivery_id", dlv.ID).Msg("failed to finalize delivery")
			return
		}
		if err := d.store.RecordDeliverySuccess(ctx, sub.ID); err != nil {
			d.log.Error().Err(err).Str("subscription_id", sub.ID).Msg("failed to record delivery success")
		}
		d.log.Info().
			Str("delivery_id", dlv.ID).
			Int("status_code", result.StatusCode).
			Int64("latency_ms", result.LatencyMs).
			Msg("delivery succeeded")

	case dlv.Attempt < dlv.MaxAttempts:
		delay := Delay(retryBase(sub), retryMultiplier(sub), dlv.Attempt)
		dlv.Status = models.DeliveryRetrying
		dlv.ScheduledAt = done.Add(delay)
		if err := d.store.UpdateDelivery(ctx, &dlv); err != nil {
			d.log.Error().Err(err).Str("delivery_id", dlv.ID).Msg("failed to schedule retry")
			return
		}
		d.log.Info().
			Str("delivery_id", dlv.ID).
			Int("attempt", dlv.Attempt).
			Str("error", dlv.LastError).
			Time("next_attempt", dlv.ScheduledAt).
			Msg("delivery scheduled for retry")

	default:
		dlv.Status = models.DeliveryFailed
		dlv.CompletedAt = &done
		if err := d.store.UpdateDelivery(ctx, &dlv); err != nil {
			d.log.Error().Err(err).Str("delivery_id", dlv.ID).Msg("failed to finalize delivery")
			return
		}
		if err := d.store.RecordDeliveryFailure(ctx, sub.ID); err != nil {
			d.log.Error().Err(err).Str("subscription_id", sub.ID).Msg("failed to record delivery failure")
		}
		d.log.Warn().
			Str("delivery_id", dlv.ID).
			Int("attempts", dlv.Attempt).
			Str("error", dlv.LastError).
			Msg("delivery permanently failed")
	}
}

func retryBase(sub *models.Subscription) time.Duration {
	if sub.Options.RetryDelayMs > 0 {
		return time.Duration(sub.Options.RetryDelayMs) * time.Millisecond
	}
	return time.Second
}

func retryMultiplier(sub *models.Subscription) float64 {
	if sub.Options.RetryBackoffMultiplier >= 1 {
		return sub.Options.RetryBackoffMultiplier
	}
	return 2.0
}

// RetryDelivery re-queues a permanently failed delivery with a fresh
// attempt budget.
func (d *Dispatcher) RetryDelivery(ctx context.Context, id string) error {
	dlv, err := d.store.GetDelivery(ctx, id)
	if err != nil {
		return err
	}
	if dlv == nil {
		return ErrDeliveryNotFound
	}
	if dlv.Status != models.DeliveryFailed {
		return ErrDeliveryNotRetryable
	}

	dlv.Status = models.DeliveryPending
	dlv.Attempt = 0
	dlv.ScheduledAt = time.Now().UTC()
	dlv.CompletedAt = nil
	return d.store.UpdateDelivery(ctx, dlv)
}

// TestWebhook performs a single synchronous ping attempt against a
// subscription without persisting a delivery or touching its statistics.
func (d *Dispatcher) TestWebhook(ctx context.Context, subscriptionID string) (*SendResult, error) {
	sub, err := d.store.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, ErrSubscriptionNotFound
	}

	ev := models.NewEvent("system.ping", sub.UserID, mustMarshal(map[string]string{"message": "test ping"}))
	pingID := models.NewID("dlv")
	dlv := &models.Delivery{
		ID:      pingID,
		URL:     sub.URL,
		Attempt: 1,
		Payload: mustMarshal(models.DeliveryPayload{
			ID:        pingID,
			Event:     ev.Type,
			Timestamp: ev.Timestamp.Format(time.RFC3339),
			Data:      ev.Data,
			WebhookID: sub.ID,
			UserID:    sub.UserID,
			Attempt:   1,
		}),
	}
	return d.sender.Send(ctx, sub, dlv), nil
}

func (d *Dispatcher) retentionLoop(ctx context.Context) {
	if d.cfg.RetentionInterval <= 0 {
		return
	}
	ticker := time.NewTicker(d.cfg.RetentionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := d.store.PurgeExpired(ctx, d.cfg.DeliveryTTL, d.cfg.AttemptTTL)
			if err != nil {
				d.log.Error().Err(err).Msg("retention sweep failed")
				continue
			}
			if n > 0 {
				d.log.Info().Int64("rows", n).Msg("retention sweep purged expired records")
			}
		}
	}
}

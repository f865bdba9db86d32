package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/KurumiTJK/novahooks/internal/models"
)

// DefaultMaxSubscriptionsPerUser caps how many subscriptions one owner
// may register.
const DefaultMaxSubscriptionsPerUser = 20

// historyLimit bounds the per-subscription delivery history; older
// terminal records are trimmed as new deliveries are created.
const historyLimit = 100

type SQLiteStorage struct {
	db         *sql.DB
	maxPerUser int
}

func NewSQLite(path string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	return &SQLiteStorage{db: db, maxPerUser: DefaultMaxSubscriptionsPerUser}, nil
}

// SetSubscriptionLimit overrides the per-owner subscription cap; zero or
// negative restores the default.
func (s *SQLiteStorage) SetSubscriptionLimit(n int) {
	if n <= 0 {
		n = DefaultMaxSubscriptionsPerUser
	}
	s.maxPerUser = n
}

func (s *SQLiteStorage) Migrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS subscriptions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			url TEXT NOT NULL,
			secret TEXT NOT NULL,
			event_types TEXT NOT NULL DEFAULT '[]',
			status TEXT NOT NULL DEFAULT 'active',
			options TEXT NOT NULL DEFAULT '{}',
			total_deliveries INTEGER NOT NULL DEFAULT 0,
			successful_deliveries INTEGER NOT NULL DEFAULT 0,
			failed_deliveries INTEGER NOT NULL DEFAULT 0,
			consecutive_failures INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			last_delivery_at DATETIME,
			last_success_at DATETIME,
			last_failure_at DATETIME
		)`,
		`CREATE TABLE IF NOT EXISTS deliveries (
			id TEXT PRIMARY KEY,
			subscription_id TEXT NOT NULL REFERENCES subscriptions(id) ON DELETE CASCADE,
			event_id TEXT NOT NULL,
			url TEXT NOT NULL,
			payload TEXT NOT NULL,
			signature TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			attempt INTEGER NOT NULL DEFAULT 0,
			max_attempts INTEGER NOT NULL DEFAULT 1,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			scheduled_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			attempted_at DATETIME,
			completed_at DATETIME,
			response_status INTEGER NOT NULL DEFAULT 0,
			response_body TEXT NOT NULL DEFAULT '',
			latency_ms INTEGER NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS attempts (
			id TEXT PRIMARY KEY,
			delivery_id TEXT NOT NULL REFERENCES deliveries(id) ON DELETE CASCADE,
			attempt_number INTEGER NOT NULL,
			outcome TEXT NOT NULL,
			status_code INTEGER NOT NULL DEFAULT 0,
			response_body TEXT NOT NULL DEFAULT '',
			latency_ms INTEGER NOT NULL DEFAULT 0,
			error TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_subscriptions_user ON subscriptions(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_subscriptions_status ON subscriptions(status)`,
		`CREATE INDEX IF NOT EXISTS idx_deliveries_subscription ON deliveries(subscription_id)`,
		`CREATE INDEX IF NOT EXISTS idx_deliveries_due ON deliveries(status, scheduled_at) WHERE status IN ('pending', 'retrying')`,
		`CREATE INDEX IF NOT EXISTS idx_attempts_delivery ON attempts(delivery_id)`,
	}

	for _, q := range queries {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// --- Subscriptions ---

const subscriptionCols = `id, user_id, url, secret, event_types, status, options,
	total_deliveries, successful_deliveries, failed_deliveries, consecutive_failures,
	created_at, updated_at, last_delivery_at, last_success_at, last_failure_at`

func (s *SQLiteStorage) CreateSubscription(ctx context.Context, sub *models.Subscription) error {
	var count int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM subscriptions WHERE user_id = ?`, sub.UserID,
	).Scan(&count); err != nil {
		return err
	}
	if count >= s.maxPerUser {
		return ErrSubscriptionLimit
	}

	eventTypes, _ := json.Marshal(sub.EventTypes)
	options, _ := json.Marshal(sub.Options)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO subscriptions (id, user_id, url, secret, event_types, status, options, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sub.ID, sub.UserID, sub.URL, sub.Secret, string(eventTypes), sub.Status, string(options), sub.CreatedAt, sub.UpdatedAt,
	)
	return err
}

func (s *SQLiteStorage) scanSubscription(row interface{ Scan(...interface{}) error }) (*models.Subscription, error) {
	var sub models.Subscription
	var eventTypes, options string
	var lastDelivery, lastSuccess, lastFailure sql.NullTime
	err := row.Scan(&sub.ID, &sub.UserID, &sub.URL, &sub.Secret, &eventTypes, &sub.Status, &options,
		&sub.TotalDeliveries, &sub.SuccessfulDeliveries, &sub.FailedDeliveries, &sub.ConsecutiveFailures,
		&sub.CreatedAt, &sub.UpdatedAt, &lastDelivery, &lastSuccess, &lastFailure)
	if err != nil {
		return nil, err
	}
	json.Unmarshal([]byte(eventTypes), &sub.EventTypes)
	json.Unmarshal([]byte(options), &sub.Options)
	if lastDelivery.Valid {
		sub.LastDeliveryAt = &lastDelivery.Time
	}
	if lastSuccess.Valid {
		sub.LastSuccessAt = &lastSuccess.Time
	}
	if lastFailure.Valid {
		sub.LastFailureAt = &lastFailure.Time
	}
	return &sub, nil
}

func (s *SQLiteStorage) GetSubscription(ctx context.Context, id string) (*models.Subscription, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+subscriptionCols+` FROM subscriptions WHERE id = ?`, id)
	sub, err := s.scanSubscription(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return sub, err
}

func (s *SQLiteStorage) ListSubscriptions(ctx context.Context, userID string) ([]models.Subscription, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+subscriptionCols+` FROM subscriptions WHERE user_id = ? ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return s.collectSubscriptions(rows, "")
}

func (s *SQLiteStorage) collectSubscriptions(rows *sql.Rows, matchEventType string) ([]models.Subscription, error) {
	var subs []models.Subscription
	for rows.Next() {
		sub, err := s.scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		if matchEventType != "" && !sub.Matches(matchEventType) {
			continue
		}
		subs = append(subs, *sub)
	}
	return subs, rows.Err()
}

func (s *SQLiteStorage) UpdateSubscription(ctx context.Context, sub *models.Subscription) error {
	eventTypes, _ := json.Marshal(sub.EventTypes)
	options, _ := json.Marshal(sub.Options)
	_, err := s.db.ExecContext(ctx,
		`UPDATE subscriptions SET url = ?, event_types = ?, status = ?, options = ?, updated_at = ? WHERE id = ?`,
		sub.URL, string(eventTypes), sub.Status, string(options), time.Now().UTC(), sub.ID,
	)
	return err
}

func (s *SQLiteStorage) DeleteSubscription(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM subscriptions WHERE id = ?`, id)
	return err
}

func (s *SQLiteStorage) RotateSecret(ctx context.Context, id, newSecret string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE subscriptions SET secret = ?, updated_at = ? WHERE id = ?`,
		newSecret, time.Now().UTC(), id,
	)
	return err
}

func (s *SQLiteStorage) GetSubscriptionsByEventType(ctx context.Context, userID, eventType string) ([]models.Subscription, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+subscriptionCols+` FROM subscriptions WHERE user_id = ? AND status = 'active' ORDER BY created_at`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return s.collectSubscriptions(rows, eventType)
}

func (s *SQLiteStorage) GetAllSubscriptionsByEventType(ctx context.Context, eventType string) ([]models.Subscription, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+subscriptionCols+` FROM subscriptions WHERE status = 'active' ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return s.collectSubscriptions(rows, eventType)
}

// RecordDeliverySuccess and RecordDeliveryFailure are single UPDATE
// statements so concurrent dispatcher workers cannot lose counter
// increments. The status CASE keeps a paused subscription paused.

func (s *SQLiteStorage) RecordDeliverySuccess(ctx context.Context, id string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`UPDATE subscriptions SET
			total_deliveries = total_deliveries + 1,
			successful_deliveries = successful_deliveries + 1,
			consecutive_failures = 0,
			status = CASE WHEN status = 'failed' THEN 'active' ELSE status END,
			last_delivery_at = ?, last_success_at = ?, updated_at = ?
		 WHERE id = ?`,
		now, now, now, id,
	)
	return err
}

func (s *SQLiteStorage) RecordDeliveryFailure(ctx context.Context, id string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`UPDATE subscriptions SET
			total_deliveries = total_deliveries + 1,
			failed_deliveries = failed_deliveries + 1,
			consecutive_failures = consecutive_failures + 1,
			status = CASE WHEN consecutive_failures + 1 >= ? AND status = 'active' THEN 'failed' ELSE status END,
			last_delivery_at = ?, last_failure_at = ?, updated_at = ?
		 WHERE id = ?`,
		models.FailureThreshold, now, now, now, id,
	)
	return err
}

// --- Deliveries ---

const deliveryCols = `id, subscription_id, event_id, url, payload, signature, status, attempt, max_attempts,
	created_at, scheduled_at, attempted_at, completed_at, response_status, response_body, latency_ms, last_error`

func (s *SQLiteStorage) CreateDelivery(ctx context.Context, d *models.Delivery) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO deliveries (id, subscription_id, event_id, url, payload, signature, status, attempt, max_attempts, created_at, scheduled_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.SubscriptionID, d.EventID, d.URL, string(d.Payload), d.Signature, d.Status, d.Attempt, d.MaxAttempts, d.CreatedAt, d.ScheduledAt,
	)
	if err != nil {
		return err
	}
	return s.trimHistory(ctx, d.SubscriptionID)
}

// trimHistory drops the oldest terminal records beyond the history limit.
// Live records (pending, in_progress, retrying) are never trimmed.
func (s *SQLiteStorage) trimHistory(ctx context.Context, subscriptionID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM deliveries
		 WHERE subscription_id = ? AND status IN ('delivered', 'failed') AND id NOT IN (
			SELECT id FROM deliveries WHERE subscription_id = ? ORDER BY created_at DESC LIMIT ?
		 )`,
		subscriptionID, subscriptionID, historyLimit,
	)
	return err
}

func (s *SQLiteStorage) scanDelivery(row interface{ Scan(...interface{}) error }) (*models.Delivery, error) {
	var d models.Delivery
	var payload string
	var attemptedAt, completedAt sql.NullTime
	err := row.Scan(&d.ID, &d.SubscriptionID, &d.EventID, &d.URL, &payload, &d.Signature, &d.Status, &d.Attempt, &d.MaxAttempts,
		&d.CreatedAt, &d.ScheduledAt, &attemptedAt, &completedAt, &d.ResponseStatus, &d.ResponseBody, &d.LatencyMs, &d.LastError)
	if err != nil {
		return nil, err
	}
	d.Payload = json.RawMessage(payload)
	if attemptedAt.Valid {
		d.AttemptedAt = &attemptedAt.Time
	}
	if completedAt.Valid {
		d.CompletedAt = &completedAt.Time
	}
	return &d, nil
}

func (s *SQLiteStorage) GetDelivery(ctx context.Context, id string) (*models.Delivery, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+deliveryCols+` FROM deliveries WHERE id = ?`, id)
	d, err := s.scanDelivery(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return d, err
}

func (s *SQLiteStorage) UpdateDelivery(ctx context.Context, d *models.Delivery) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE deliveries SET status = ?, attempt = ?, scheduled_at = ?, attempted_at = ?, completed_at = ?,
			response_status = ?, response_body = ?, latency_ms = ?, last_error = ?
		 WHERE id = ?`,
		d.Status, d.Attempt, d.ScheduledAt, d.AttemptedAt, d.CompletedAt,
		d.ResponseStatus, d.ResponseBody, d.LatencyMs, d.LastError, d.ID,
	)
	return err
}

func (s *SQLiteStorage) DeleteDelivery(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM deliveries WHERE id = ?`, id)
	return err
}

func (s *SQLiteStorage) ListDeliveries(ctx context.Context, subscriptionID string, limit int) ([]models.Delivery, error) {
	if limit <= 0 || limit > historyLimit {
		limit = historyLimit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+deliveryCols+` FROM deliveries WHERE subscription_id = ? ORDER BY created_at DESC LIMIT ?`,
		subscriptionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectDeliveries(s, rows)
}

func (s *SQLiteStorage) GetDueDeliveries(ctx context.Context, limit int) ([]models.Delivery, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+deliveryCols+` FROM deliveries
		 WHERE status IN ('pending', 'retrying') AND scheduled_at <= ?
		 ORDER BY scheduled_at ASC LIMIT ?`,
		time.Now().UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectDeliveries(s, rows)
}

func collectDeliveries(s *SQLiteStorage, rows *sql.Rows) ([]models.Delivery, error) {
	var deliveries []models.Delivery
	for rows.Next() {
		d, err := s.scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		deliveries = append(deliveries, *d)
	}
	return deliveries, rows.Err()
}

// --- Attempts ---

func (s *SQLiteStorage) CreateAttempt(ctx context.Context, a *models.Attempt) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO attempts (id, delivery_id, attempt_number, outcome, status_code, response_body, latency_ms, error, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.DeliveryID, a.AttemptNumber, a.Outcome, a.StatusCode, a.ResponseBody, a.LatencyMs, a.Error, a.CreatedAt,
	)
	return err
}

func (s *SQLiteStorage) GetAttemptsByDelivery(ctx context.Context, deliveryID string) ([]models.Attempt, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, delivery_id, attempt_number, outcome, status_code, response_body, latency_ms, error, created_at
		 FROM attempts WHERE delivery_id = ? ORDER BY attempt_number`, deliveryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var attempts []models.Attempt
	for rows.Next() {
		var a models.Attempt
		if err := rows.Scan(&a.ID, &a.DeliveryID, &a.AttemptNumber, &a.Outcome, &a.StatusCode, &a.ResponseBody, &a.LatencyMs, &a.Error, &a.CreatedAt); err != nil {
			return nil, err
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

// --- Maintenance ---

func (s *SQLiteStorage) GetStats(ctx context.Context, userID string) (*Stats, error) {
	stats := &Stats{}

	s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM subscriptions WHERE user_id = ?`, userID).Scan(&stats.TotalSubscriptions)
	s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM subscriptions WHERE user_id = ? AND status = 'active'`, userID).Scan(&stats.ActiveSubscriptions)
	s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM deliveries d JOIN subscriptions s ON d.subscription_id = s.id WHERE s.user_id = ?`, userID).Scan(&stats.TotalDeliveries)
	s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM deliveries d JOIN subscriptions s ON d.subscription_id = s.id WHERE s.user_id = ? AND d.status = 'delivered'`, userID).Scan(&stats.DeliveredCount)
	s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM deliveries d JOIN subscriptions s ON d.subscription_id = s.id WHERE s.user_id = ? AND d.status = 'failed'`, userID).Scan(&stats.FailedCount)
	s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM deliveries d JOIN subscriptions s ON d.subscription_id = s.id WHERE s.user_id = ? AND d.status IN ('pending', 'retrying', 'in_progress')`, userID).Scan(&stats.PendingCount)

	if stats.TotalDeliveries > 0 {
		stats.SuccessRate = float64(stats.DeliveredCount) / float64(stats.TotalDeliveries) * 100
	}
	return stats, nil
}

// PurgeExpired enforces the bounded retention window: terminal deliveries
// older than deliveryTTL and attempt rows older than attemptTTL are
// removed. Returns the number of rows deleted.
func (s *SQLiteStorage) PurgeExpired(ctx context.Context, deliveryTTL, attemptTTL time.Duration) (int64, error) {
	now := time.Now().UTC()
	var total int64

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM attempts WHERE created_at < ?`, now.Add(-attemptTTL))
	if err != nil {
		return total, err
	}
	n, _ := res.RowsAffected()
	total += n

	res, err = s.db.ExecContext(ctx,
		`DELETE FROM deliveries WHERE status IN ('delivered', 'failed') AND completed_at IS NOT NULL AND completed_at < ?`,
		now.Add(-deliveryTTL))
	if err != nil {
		return total, err
	}
	n, _ = res.RowsAffected()
	total += n

	return total, nil
}

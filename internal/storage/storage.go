package storage

import (
	"context"
	"errors"
	"time"

	"github.com/KurumiTJK/novahooks/internal/models"
)

// ErrSubscriptionLimit is returned by CreateSubscription when the owner
// already holds the maximum number of subscriptions.
var ErrSubscriptionLimit = errors.New("subscription limit reached")

// Storage owns all durable state: webhook subscriptions, delivery records
// (which double as the pending-work queue), and the append-only attempt
// log. Implementations must be safe for concurrent callers; counter
// updates in RecordDeliverySuccess/RecordDeliveryFailure must be atomic
// per subscription.
type Storage interface {
	// Subscriptions
	CreateSubscription(ctx context.Context, sub *models.Subscription) error
	GetSubscription(ctx context.Context, id string) (*models.Subscription, error)
	ListSubscriptions(ctx context.Context, userID string) ([]models.Subscription, error)
	UpdateSubscription(ctx context.Context, sub *models.Subscription) error
	DeleteSubscription(ctx context.Context, id string) error
	RotateSecret(ctx context.Context, id, newSecret string) error

	// GetSubscriptionsByEventType returns the owner's active
	// subscriptions whose filter matches eventType. The cross-owner
	// variant serves system-level events.
	GetSubscriptionsByEventType(ctx context.Context, userID, eventType string) ([]models.Subscription, error)
	GetAllSubscriptionsByEventType(ctx context.Context, eventType string) ([]models.Subscription, error)

	// RecordDeliverySuccess resets consecutive_failures and reactivates
	// an auto-failed subscription; RecordDeliveryFailure increments it
	// and flips the subscription to failed at the threshold.
	RecordDeliverySuccess(ctx context.Context, id string) error
	RecordDeliveryFailure(ctx context.Context, id string) error

	// Deliveries
	CreateDelivery(ctx context.Context, d *models.Delivery) error
	GetDelivery(ctx context.Context, id string) (*models.Delivery, error)
	UpdateDelivery(ctx context.Context, d *models.Delivery) error
	DeleteDelivery(ctx context.Context, id string) error
	ListDeliveries(ctx context.Context, subscriptionID string, limit int) ([]models.Delivery, error)

	// GetDueDeliveries implements the pending queue: pending or retrying
	// records with scheduled_at at or before now, oldest first.
	GetDueDeliveries(ctx context.Context, limit int) ([]models.Delivery, error)

	// Attempts
	CreateAttempt(ctx context.Context, a *models.Attempt) error
	GetAttemptsByDelivery(ctx context.Context, deliveryID string) ([]models.Attempt, error)

	// Maintenance
	GetStats(ctx context.Context, userID string) (*Stats, error)
	PurgeExpired(ctx context.Context, deliveryTTL, attemptTTL time.Duration) (int64, error)
	Migrate(ctx context.Context) error
	Close() error
}

type Stats struct {
	TotalSubscriptions  int64   `json:"total_subscriptions"`
	ActiveSubscriptions int64   `json:"active_subscriptions"`
	TotalDeliveries     int64   `json:"total_deliveries"`
	DeliveredCount      int64   `json:"delivered_count"`
	FailedCount         int64   `json:"failed_count"`
	PendingCount        int64   `json:"pending_count"`
	SuccessRate         float64 `json:"success_rate"`
}

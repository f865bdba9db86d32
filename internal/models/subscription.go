package models

import (
	"strings"
	"time"
)

type SubscriptionStatus string

const (
	SubscriptionActive SubscriptionStatus = "active"
	SubscriptionPaused SubscriptionStatus = "paused"
	SubscriptionFailed SubscriptionStatus = "failed"
)

// FailureThreshold is the number of consecutive failed deliveries after
// which a subscription is automatically moved to the failed status.
const FailureThreshold = 10

type SubscriptionOptions struct {
	MaxRetries             int               `json:"max_retries"`
	RetryDelayMs           int               `json:"retry_delay_ms"`
	RetryBackoffMultiplier float64           `json:"retry_backoff_multiplier"`
	TimeoutMs              int               `json:"timeout_ms"`
	CustomHeaders          map[string]string `json:"custom_headers,omitempty"`
}

func DefaultSubscriptionOptions() SubscriptionOptions {
	return SubscriptionOptions{
		MaxRetries:             3,
		RetryDelayMs:           1000,
		RetryBackoffMultiplier: 2.0,
		TimeoutMs:              10000,
	}
}

type Subscription struct {
	ID         string              `json:"id"`
	UserID     string              `json:"user_id"`
	URL        string              `json:"url"`
	Secret     string              `json:"secret,omitempty"`
	EventTypes []string            `json:"event_types"`
	Status     SubscriptionStatus  `json:"status"`
	Options    SubscriptionOptions `json:"options"`

	TotalDeliveries      int64 `json:"total_deliveries"`
	SuccessfulDeliveries int64 `json:"successful_deliveries"`
	FailedDeliveries     int64 `json:"failed_deliveries"`
	ConsecutiveFailures  int   `json:"consecutive_failures"`

	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	LastDeliveryAt *time.Time `json:"last_delivery_at,omitempty"`
	LastSuccessAt  *time.Time `json:"last_success_at,omitempty"`
	LastFailureAt  *time.Time `json:"last_failure_at,omitempty"`
}

// MaxAttempts is the total attempt budget for a delivery: the first try
// plus MaxRetries retries.
func (s *Subscription) MaxAttempts() int {
	return s.Options.MaxRetries + 1
}

// Matches reports whether the subscription's event filter covers the
// given event type. An empty filter matches everything; "goal.*" matches
// "goal.created"; "*" matches any type.
func (s *Subscription) Matches(eventType string) bool {
	if len(s.EventTypes) == 0 {
		return true
	}
	for _, sub := range s.EventTypes {
		if sub == eventType || sub == "*" {
			return true
		}
		if strings.HasSuffix(sub, ".*") {
			prefix := strings.TrimSuffix(sub, ".*")
			if strings.HasPrefix(eventType, prefix+".") {
				return true
			}
		}
	}
	return false
}

// Redacted returns a copy safe to hand back from read endpoints. The
// secret is only ever returned by create and rotate.
func (s Subscription) Redacted() Subscription {
	s.Secret = ""
	return s
}

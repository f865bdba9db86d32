package models

import (
	"encoding/json"
	"time"
)

type DeliveryStatus string

const (
	DeliveryPending    DeliveryStatus = "pending"
	DeliveryInProgress DeliveryStatus = "in_progress"
	DeliveryRetrying   DeliveryStatus = "retrying"
	DeliveryDelivered  DeliveryStatus = "delivered"
	DeliveryFailed     DeliveryStatus = "failed"
)

// Terminal reports whether no further attempts will be made.
func (s DeliveryStatus) Terminal() bool {
	return s == DeliveryDelivered || s == DeliveryFailed
}

// Delivery is one attempted transmission of one event to one subscription.
// URL and Payload are snapshots taken at dispatch time; later edits to the
// subscription do not affect deliveries already queued.
type Delivery struct {
	ID             string          `json:"id"`
	SubscriptionID string          `json:"subscription_id"`
	EventID        string          `json:"event_id"`
	URL            string          `json:"url"`
	Payload        json.RawMessage `json:"payload"`
	Signature      string          `json:"signature"`
	Status         DeliveryStatus  `json:"status"`
	Attempt        int             `json:"attempt"`
	MaxAttempts    int             `json:"max_attempts"`

	CreatedAt   time.Time  `json:"created_at"`
	ScheduledAt time.Time  `json:"scheduled_at"`
	AttemptedAt *time.Time `json:"attempted_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	ResponseStatus int    `json:"response_status,omitempty"`
	ResponseBody   string `json:"response_body,omitempty"`
	LatencyMs      int64  `json:"latency_ms,omitempty"`
	LastError      string `json:"last_error,omitempty"`
}

// Attempt rows are append-only; they exist for operator audit and never
// drive control flow.
type Attempt struct {
	ID            string    `json:"id"`
	DeliveryID    string    `json:"delivery_id"`
	AttemptNumber int       `json:"attempt_number"`
	Outcome       string    `json:"outcome"`
	StatusCode    int       `json:"status_code"`
	ResponseBody  string    `json:"response_body"`
	LatencyMs     int64     `json:"latency_ms"`
	Error         string    `json:"error,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

const (
	AttemptOutcomeSuccess = "success"
	AttemptOutcomeFailure = "failure"
)

// DeliveryPayload is the wire body POSTed to receivers. Attempt and
// Signature are re-stamped on every try.
type DeliveryPayload struct {
	ID        string          `json:"id"`
	Event     string          `json:"event"`
	Timestamp string          `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
	WebhookID string          `json:"webhookId"`
	UserID    string          `json:"userId"`
	Attempt   int             `json:"attempt"`
	Signature string          `json:"signature,omitempty"`
}

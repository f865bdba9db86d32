package models

import (
	"encoding/json"
	"strings"
	"time"
)

const EventSchemaVersion = 1

// Event is an immutable fact emitted by business logic. Events are not
// persisted on their own; what survives is the payload embedded in each
// delivery record.
type Event struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	Category      string          `json:"category"`
	UserID        string          `json:"user_id"`
	Timestamp     time.Time       `json:"timestamp"`
	Data          json.RawMessage `json:"data"`
	Source        string          `json:"source,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Version       int             `json:"version"`
}

func NewEvent(eventType, userID string, data json.RawMessage) *Event {
	return &Event{
		ID:        NewEventID(),
		Type:      eventType,
		Category:  EventCategory(eventType),
		UserID:    userID,
		Timestamp: time.Now().UTC(),
		Data:      data,
		Version:   EventSchemaVersion,
	}
}

// EventCategory is the segment before the first dot: "goal.created" → "goal".
func EventCategory(eventType string) string {
	if i := strings.Index(eventType, "."); i > 0 {
		return eventType[:i]
	}
	return eventType
}

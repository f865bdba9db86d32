package events

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog"

	"github.com/KurumiTJK/novahooks/internal/models"
)

// Dispatcher is the slice of the delivery engine the emitter needs.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev *models.Event) (int, error)
}

// EmitOptions carries the optional event metadata.
type EmitOptions struct {
	Source        string
	CorrelationID string
}

// Emitter is the fire-and-forget boundary between business logic and
// webhook delivery. Emit never returns an error: delivery must not sit
// on the critical path of the feature that produced the event, so
// failures are logged and contained here.
type Emitter struct {
	dispatcher Dispatcher
	log        zerolog.Logger
}

func NewEmitter(dispatcher Dispatcher, log zerolog.Logger) *Emitter {
	return &Emitter{dispatcher: dispatcher, log: log}
}

func (e *Emitter) Emit(ctx context.Context, eventType, userID string, data interface{}, opts *EmitOptions) {
	if !Known(eventType) {
		e.log.Warn().Str("event_type", eventType).Msg("dropping event of unknown type")
		return
	}

	raw, err := json.Marshal(data)
	if err != nil {
		e.log.Error().Err(err).Str("event_type", eventType).Msg("dropping unmarshalable event data")
		return
	}

	ev := models.NewEvent(eventType, userID, raw)
	if opts != nil {
		ev.Source = opts.Source
		ev.CorrelationID = opts.CorrelationID
	}

	queued, err := e.dispatcher.Dispatch(ctx, ev)
	if err != nil {
		e.log.Error().Err(err).
			Str("event_id", ev.ID).
			Str("event_type", eventType).
			Msg("event dispatch failed")
		return
	}
	e.log.Debug().
		Str("event_id", ev.ID).
		Str("event_type", eventType).
		Int("queued", queued).
		Msg("event dispatched")
}

// Typed wrappers; thin sugar over Emit for the call sites in each
// domain area.

func (e *Emitter) GoalCreated(ctx context.Context, userID string, data interface{}) {
	e.Emit(ctx, GoalCreated, userID, data, nil)
}

func (e *Emitter) GoalCompleted(ctx context.Context, userID string, data interface{}) {
	e.Emit(ctx, GoalCompleted, userID, data, nil)
}

func (e *Emitter) QuestStarted(ctx context.Context, userID string, data interface{}) {
	e.Emit(ctx, QuestStarted, userID, data, nil)
}

func (e *Emitter) QuestCompleted(ctx context.Context, userID string, data interface{}) {
	e.Emit(ctx, QuestCompleted, userID, data, nil)
}

func (e *Emitter) StepCompleted(ctx context.Context, userID string, data interface{}) {
	e.Emit(ctx, StepCompleted, userID, data, nil)
}

func (e *Emitter) SparkTriggered(ctx context.Context, userID string, data interface{}) {
	e.Emit(ctx, SparkTriggered, userID, data, nil)
}

func (e *Emitter) MemoryCreated(ctx context.Context, userID string, data interface{}) {
	e.Emit(ctx, MemoryCreated, userID, data, nil)
}

func (e *Emitter) ChatMessageCreated(ctx context.Context, userID string, data interface{}) {
	e.Emit(ctx, ChatMessageCreated, userID, data, nil)
}

func (e *Emitter) UserCreated(ctx context.Context, userID string, data interface{}) {
	e.Emit(ctx, UserCreated, userID, data, nil)
}

func (e *Emitter) SystemMaintenance(ctx context.Context, data interface{}) {
	e.Emit(ctx, SystemMaintenance, "", data, nil)
}

package api

import (
	"encoding/json"
	"net/http"

	"github.com/KurumiTJK/novahooks/internal/dispatch"
	"github.com/KurumiTJK/novahooks/internal/events"
	"github.com/KurumiTJK/novahooks/internal/models"
	"github.com/KurumiTJK/novahooks/internal/storage"
)

type EventHandler struct {
	emitter    *events.Emitter
	dispatcher *dispatch.Dispatcher
	store      storage.Storage
}

func NewEventHandler(emitter *events.Emitter, dispatcher *dispatch.Dispatcher, store storage.Storage) *EventHandler {
	return &EventHandler{emitter: emitter, dispatcher: dispatcher, store: store}
}

func (h *EventHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": "novahooks",
	})
}

type emitRequest struct {
	EventType     string          `json:"event_type"`
	UserID        string          `json:"user_id"`
	Data          json.RawMessage `json:"data"`
	Source        string          `json:"source"`
	CorrelationID string          `json:"correlation_id"`
}

const maxEmitSize = 1 << 20

// Emit is the inbound surface for business logic running out of
// process. Unknown event types are rejected here, synchronously; a
// queued emit never fails the caller afterwards.
func (h *EventHandler) Emit(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxEmitSize)
	var req emitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.EventType == "" {
		writeError(w, http.StatusBadRequest, "event_type is required")
		return
	}
	if !events.Known(req.EventType) {
		writeError(w, http.StatusBadRequest, "unknown event type: "+req.EventType)
		return
	}
	if req.UserID == "" && models.EventCategory(req.EventType) != "system" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	h.emitter.Emit(r.Context(), req.EventType, req.UserID, req.Data, &events.EmitOptions{
		Source:        req.Source,
		CorrelationID: req.CorrelationID,
	})

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (h *EventHandler) Types(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"event_types": events.Types(),
	})
}

func (h *EventHandler) DispatcherStatus(w http.ResponseWriter, r *http.Request) {
	running, active := h.dispatcher.Status()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"running":           running,
		"active_deliveries": active,
	})
}

func (h *EventHandler) Stats(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user_id query parameter is required")
		return
	}

	stats, err := h.store.GetStats(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

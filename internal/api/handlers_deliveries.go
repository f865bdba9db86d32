package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/KurumiTJK/novahooks/internal/dispatch"
	"github.com/KurumiTJK/novahooks/internal/models"
	"github.com/KurumiTJK/novahooks/internal/storage"
)

type DeliveryHandler struct {
	store      storage.Storage
	dispatcher *dispatch.Dispatcher
}

func NewDeliveryHandler(store storage.Storage, dispatcher *dispatch.Dispatcher) *DeliveryHandler {
	return &DeliveryHandler{store: store, dispatcher: dispatcher}
}

func (h *DeliveryHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	d, err := h.store.GetDelivery(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get delivery")
		return
	}
	if d == nil {
		writeError(w, http.StatusNotFound, "delivery not found")
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (h *DeliveryHandler) ListBySubscription(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	deliveries, err := h.store.ListDeliveries(r.Context(), id, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list deliveries")
		return
	}
	if deliveries == nil {
		deliveries = []models.Delivery{}
	}
	writeJSON(w, http.StatusOK, deliveries)
}

func (h *DeliveryHandler) ListAttempts(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	attempts, err := h.store.GetAttemptsByDelivery(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get attempts")
		return
	}
	if attempts == nil {
		attempts = []models.Attempt{}
	}
	writeJSON(w, http.StatusOK, attempts)
}

func (h *DeliveryHandler) Retry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := h.dispatcher.RetryDelivery(r.Context(), id)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"status": "queued"})
	case errors.Is(err, dispatch.ErrDeliveryNotFound):
		writeError(w, http.StatusNotFound, "delivery not found")
	case errors.Is(err, dispatch.ErrDeliveryNotRetryable):
		writeError(w, http.StatusConflict, "only failed deliveries can be retried")
	default:
		writeError(w, http.StatusInternalServerError, "failed to retry delivery")
	}
}

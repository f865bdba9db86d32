package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/KurumiTJK/novahooks/internal/dispatch"
	"github.com/KurumiTJK/novahooks/internal/events"
	"github.com/KurumiTJK/novahooks/internal/models"
	"github.com/KurumiTJK/novahooks/internal/signing"
	"github.com/KurumiTJK/novahooks/internal/storage"
)

type WebhookHandler struct {
	store      storage.Storage
	dispatcher *dispatch.Dispatcher
	strictURLs bool
}

func NewWebhookHandler(store storage.Storage, dispatcher *dispatch.Dispatcher, strictURLs bool) *WebhookHandler {
	return &WebhookHandler{
		store:      store,
		dispatcher: dispatcher,
		strictURLs: strictURLs,
	}
}

type createWebhookRequest struct {
	UserID     string                      `json:"user_id"`
	URL        string                      `json:"url"`
	EventTypes []string                    `json:"event_types"`
	Options    *models.SubscriptionOptions `json:"options"`
}

func (h *WebhookHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createWebhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	if err := storage.ValidateTargetURL(req.URL, !h.strictURLs); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := validateEventTypes(req.EventTypes); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	opts := models.DefaultSubscriptionOptions()
	if req.Options != nil {
		opts = mergeOptions(opts, *req.Options)
	}

	now := time.Now().UTC()
	sub := &models.Subscription{
		ID:         models.NewID("whk"),
		UserID:     req.UserID,
		URL:        req.URL,
		Secret:     signing.GenerateSecret(),
		EventTypes: req.EventTypes,
		Status:     models.SubscriptionActive,
		Options:    opts,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if sub.EventTypes == nil {
		sub.EventTypes = []string{}
	}

	if err := h.store.CreateSubscription(r.Context(), sub); err != nil {
		if errors.Is(err, storage.ErrSubscriptionLimit) {
			writeError(w, http.StatusUnprocessableEntity, "subscription limit reached for this user")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to create webhook")
		return
	}

	// The only response that ever carries the secret.
	writeJSON(w, http.StatusCreated, sub)
}

func (h *WebhookHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sub, err := h.store.GetSubscription(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get webhook")
		return
	}
	if sub == nil {
		writeError(w, http.StatusNotFound, "webhook not found")
		return
	}
	writeJSON(w, http.StatusOK, sub.Redacted())
}

func (h *WebhookHandler) List(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user_id query parameter is required")
		return
	}

	subs, err := h.store.ListSubscriptions(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list webhooks")
		return
	}
	out := make([]models.Subscription, 0, len(subs))
	for _, sub := range subs {
		out = append(out, sub.Redacted())
	}
	writeJSON(w, http.StatusOK, out)
}

type updateWebhookRequest struct {
	URL        string                      `json:"url"`
	EventTypes []string                    `json:"event_types"`
	Status     string                      `json:"status"`
	Options    *models.SubscriptionOptions `json:"options"`
}

func (h *WebhookHandler) Update(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sub, err := h.store.GetSubscription(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get webhook")
		return
	}
	if sub == nil {
		writeError(w, http.StatusNotFound, "webhook not found")
		return
	}

	var req updateWebhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.URL != "" {
		if err := storage.ValidateTargetURL(req.URL, !h.strictURLs); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		sub.URL = req.URL
	}
	if req.EventTypes != nil {
		if err := validateEventTypes(req.EventTypes); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		sub.EventTypes = req.EventTypes
	}
	if req.Status != "" {
		switch models.SubscriptionStatus(req.Status) {
		case models.SubscriptionActive, models.SubscriptionPaused:
			sub.Status = models.SubscriptionStatus(req.Status)
		default:
			writeError(w, http.StatusBadRequest, "status must be active or paused")
			return
		}
	}
	if req.Options != nil {
		sub.Options = mergeOptions(sub.Options, *req.Options)
	}

	if err := h.store.UpdateSubscription(r.Context(), sub); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to update webhook")
		return
	}

	writeJSON(w, http.StatusOK, sub.Redacted())
}

func (h *WebhookHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sub, err := h.store.GetSubscription(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get webhook")
		return
	}
	if sub == nil {
		writeError(w, http.StatusNotFound, "webhook not found")
		return
	}

	if err := h.store.DeleteSubscription(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to delete webhook")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *WebhookHandler) RotateSecret(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sub, err := h.store.GetSubscription(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get webhook")
		return
	}
	if sub == nil {
		writeError(w, http.StatusNotFound, "webhook not found")
		return
	}

	newSecret := signing.GenerateSecret()
	if err := h.store.RotateSecret(r.Context(), id, newSecret); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to rotate secret")
		return
	}

	// Deliveries already queued keep the signature from the old secret;
	// only deliveries created after rotation use the new one.
	writeJSON(w, http.StatusOK, map[string]string{"secret": newSecret})
}

func (h *WebhookHandler) Test(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	result, err := h.dispatcher.TestWebhook(r.Context(), id)
	if err != nil {
		if errors.Is(err, dispatch.ErrSubscriptionNotFound) {
			writeError(w, http.StatusNotFound, "webhook not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to test webhook")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":     result.Success(),
		"status_code": result.StatusCode,
		"latency_ms":  result.LatencyMs,
		"error":       result.Error,
	})
}

func validateEventTypes(types []string) error {
	for _, t := range types {
		if t == "*" || events.Known(t) {
			continue
		}
		if strings.HasSuffix(t, ".*") {
			prefix := strings.TrimSuffix(t, ".*")
			if prefix != "" && !strings.Contains(prefix, "*") {
				continue
			}
		}
		return fmt.Errorf("unknown event type: %s", t)
	}
	return nil
}

func mergeOptions(base, override models.SubscriptionOptions) models.SubscriptionOptions {
	if override.MaxRetries > 0 {
		base.MaxRetries = override.MaxRetries
	}
	if override.RetryDelayMs > 0 {
		base.RetryDelayMs = override.RetryDelayMs
	}
	if override.RetryBackoffMultiplier >= 1 {
		base.RetryBackoffMultiplier = override.RetryBackoffMultiplier
	}
	if override.TimeoutMs > 0 {
		base.TimeoutMs = override.TimeoutMs
	}
	if override.CustomHeaders != nil {
		base.CustomHeaders = override.CustomHeaders
	}
	return base
}

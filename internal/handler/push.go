package handler

import (
	"net/http"

	"github.com/devcollab/internal/middleware"
	"github.com/devcollab/internal/push"
	"github.com/devcollab/internal/storage"
)

// PushHandler manages the caller's web-push subscriptions.
type PushHandler struct {
	notifier *push.Notifier
}

func NewPushHandler(notifier *push.Notifier) *PushHandler {
	return &PushHandler{notifier: notifier}
}

// SubscribeRequest wraps the browser's PushManager subscription.
type SubscribeRequest struct {
	Subscription storage.PushSubscription `json:"subscription"`
}

type UnsubscribeRequest struct {
	Endpoint string `json:"endpoint"`
}

func (h *PushHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	if !h.notifier.Enabled() {
		writeError(w, http.StatusServiceUnavailable, "push disabled")
		return
	}
	var req SubscribeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if !req.Subscription.Valid() {
		writeError(w, http.StatusBadRequest, "subscription.endpoint and subscription.keys required")
		return
	}
	if err := h.notifier.Subscribe(r.Context(), middleware.GetUserID(r.Context()), req.Subscription); err != nil {
		writeServiceError(w, "push subscribe", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *PushHandler) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	var req UnsubscribeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if req.Endpoint == "" {
		writeError(w, http.StatusBadRequest, "endpoint required")
		return
	}
	if err := h.notifier.Unsubscribe(r.Context(), middleware.GetUserID(r.Context()), req.Endpoint); err != nil {
		writeServiceError(w, "push unsubscribe", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

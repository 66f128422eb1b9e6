package handler

import (
	"encoding/json"
	"net/http"

	"github.com/askhub/livesync/internal/logger"
	"github.com/askhub/livesync/internal/middleware"
	"github.com/askhub/livesync/internal/push"
)

// PushHandler проксирует подписку и разрешения на push-сервис для текущего зрителя.
type PushHandler struct {
	client *push.Client
}

func NewPushHandler(client *push.Client) *PushHandler {
	return &PushHandler{client: client}
}

// SubscribeRequest: тело от фронта (subscription из PushManager.getSubscription()).
type SubscribeRequest struct {
	Subscription push.Subscription `json:"subscription"`
}

func (h *PushHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	viewer := middleware.GetUserID(r.Context())
	var req SubscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	sub := req.Subscription
	if sub.Endpoint == "" || sub.Keys.P256dh == "" || sub.Keys.Auth == "" {
		writeError(w, http.StatusBadRequest, "subscription.endpoint and subscription.keys required")
		return
	}
	if err := h.client.Subscribe(r.Context(), viewer, sub); err != nil {
		logger.Errorf("push subscribe viewer=%s: %v", viewer, err)
		writeError(w, http.StatusBadGateway, "failed to subscribe")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// UnsubscribeRequest: тело для отписки по endpoint.
type UnsubscribeRequest struct {
	Endpoint string `json:"endpoint"`
}

func (h *PushHandler) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	viewer := middleware.GetUserID(r.Context())
	var req UnsubscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Endpoint == "" {
		writeError(w, http.StatusBadRequest, "endpoint required")
		return
	}
	if err := h.client.Unsubscribe(r.Context(), viewer, req.Endpoint); err != nil {
		logger.Errorf("push unsubscribe viewer=%s: %v", viewer, err)
		writeError(w, http.StatusBadGateway, "failed to unsubscribe")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetPermission reports the viewer's desktop notification permission.
func (h *PushHandler) GetPermission(w http.ResponseWriter, r *http.Request) {
	viewer := middleware.GetUserID(r.Context())
	p, err := h.client.Permission(r.Context(), viewer)
	if err != nil {
		logger.Errorf("push permission viewer=%s: %v", viewer, err)
		writeError(w, http.StatusBadGateway, "push service unavailable")
		return
	}
	writeJSON(w, http.StatusOK, push.PermissionResponse{Permission: p})
}

// Deny turns desktop notifications off for the viewer.
func (h *PushHandler) Deny(w http.ResponseWriter, r *http.Request) {
	viewer := middleware.GetUserID(r.Context())
	if err := h.client.Deny(r.Context(), viewer); err != nil {
		logger.Errorf("push deny viewer=%s: %v", viewer, err)
		writeError(w, http.StatusBadGateway, "push service unavailable")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

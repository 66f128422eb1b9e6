package handler

import (
	"net/http"

	"github.com/askhub/livesync/internal/config"
	"github.com/askhub/livesync/internal/ws"
)

// ConfigHandler отдаёт публичные параметры конфигурации и состояние сервиса.
type ConfigHandler struct {
	cfg *config.Config
	hub *ws.Hub
}

func NewConfigHandler(cfg *config.Config, hub *ws.Hub) *ConfigHandler {
	return &ConfigHandler{cfg: cfg, hub: hub}
}

// GetPushConfig возвращает публичный VAPID-ключ для подписки на пуши (если включены).
func (h *ConfigHandler) GetPushConfig(w http.ResponseWriter, r *http.Request) {
	if h.cfg.Push.ServiceURL == "" || h.cfg.Push.VAPIDPublicKey == "" {
		writeJSON(w, http.StatusOK, map[string]any{"enabled": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"enabled":          true,
		"vapid_public_key": h.cfg.Push.VAPIDPublicKey,
	})
}

// GetSyncConfig describes limits a client should expect from its session.
func (h *ConfigHandler) GetSyncConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"feed_driver":            h.cfg.FeedDriver,
		"notification_limit":     h.cfg.NotificationLimit,
		"question_limit":         h.cfg.QuestionLimit,
		"reconnect_max_attempts": h.cfg.Reconnect.MaxAttempts,
		"ws_action_rate":         h.cfg.WS.ActionRate,
		"ws_action_burst":        h.cfg.WS.ActionBurst,
		"ws_max_message_size":    h.cfg.WS.MaxMessageSize,
	})
}

func (h *ConfigHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"connections": h.hub.Len(),
		"viewers":     h.hub.Viewers(),
	})
}

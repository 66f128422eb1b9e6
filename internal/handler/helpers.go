package handler

import (
	"encoding/json"
	"net/http"

	"github.com/askhub/livesync/internal/logger"
)

type errorResponse struct {
	Error string `json:"error"`
}

// writeJSON отдаёт v без кеширования: health и лимиты меняются на лету.
func writeJSON(w http.ResponseWriter, status int, v any) {
	h := w.Header()
	h.Set("Content-Type", "application/json; charset=utf-8")
	h.Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Errorf("handler: encode %T: %v", v, err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

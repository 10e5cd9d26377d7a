package handler

import (
	"net/http"
	"time"
)

// ConfigHandler exposes the public client settings (no auth).
type ConfigHandler struct {
	pushKey       string
	typingTimeout time.Duration
}

func NewConfigHandler(pushKey string, typingTimeout time.Duration) *ConfigHandler {
	return &ConfigHandler{pushKey: pushKey, typingTimeout: typingTimeout}
}

type ClientConfig struct {
	PushEnabled     bool   `json:"push_enabled"`
	VAPIDPublicKey  string `json:"vapid_public_key,omitempty"`
	TypingTimeoutMS int64  `json:"typing_timeout_ms"`
}

func (h *ConfigHandler) GetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, ClientConfig{
		PushEnabled:     h.pushKey != "",
		VAPIDPublicKey:  h.pushKey,
		TypingTimeoutMS: h.typingTimeout.Milliseconds(),
	})
}

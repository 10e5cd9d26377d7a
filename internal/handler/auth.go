package handler

import (
	"net/http"

	"github.com/devcollab/internal/middleware"
	"github.com/devcollab/internal/service"
)

type AuthHandler struct {
	tokens *service.TokenService
}

func NewAuthHandler(tokens *service.TokenService) *AuthHandler {
	return &AuthHandler{tokens: tokens}
}

// Logout revokes the token the request was made with.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if err := h.tokens.Revoke(r.Context(), middleware.GetClaims(r.Context())); err != nil {
		writeServiceError(w, "logout", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

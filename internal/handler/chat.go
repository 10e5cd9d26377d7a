package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/skip2/go-qrcode"

	"github.com/devcollab/internal/middleware"
	"github.com/devcollab/internal/service"
)

type ChatHandler struct {
	chats *service.ChatService
}

func NewChatHandler(chats *service.ChatService) *ChatHandler {
	return &ChatHandler{chats: chats}
}

type OpenDirectRequest struct {
	UserID string `json:"user_id"`
}

// ListChats returns the caller's chats, most recently active first.
func (h *ChatHandler) ListChats(w http.ResponseWriter, r *http.Request) {
	views, err := h.chats.ListChats(r.Context(), middleware.GetUserID(r.Context()))
	if err != nil {
		writeServiceError(w, "list chats", err)
		return
	}
	writeJSON(w, http.StatusOK, views)
}

// OpenDirect returns the direct chat with user_id, creating it on first use.
func (h *ChatHandler) OpenDirect(w http.ResponseWriter, r *http.Request) {
	var req OpenDirectRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	view, created, err := h.chats.GetOrCreateDirect(r.Context(), middleware.GetUserID(r.Context()), req.UserID)
	if err != nil {
		writeServiceError(w, "open direct chat", err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, view)
}

func (h *ChatHandler) GetChat(w http.ResponseWriter, r *http.Request) {
	view, err := h.chats.GetChat(r.Context(), middleware.GetUserID(r.Context()), chi.URLParam(r, "chatId"))
	if err != nil {
		writeServiceError(w, "get chat", err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *ChatHandler) CreateProjectChat(w http.ResponseWriter, r *http.Request) {
	view, err := h.chats.CreateProjectChat(r.Context(), middleware.GetUserID(r.Context()), chi.URLParam(r, "projectId"))
	if err != nil {
		writeServiceError(w, "create project chat", err)
		return
	}
	writeJSON(w, http.StatusCreated, view)
}

func (h *ChatHandler) AddParticipant(w http.ResponseWriter, r *http.Request) {
	err := h.chats.AddParticipant(r.Context(), middleware.GetUserID(r.Context()),
		chi.URLParam(r, "chatId"), chi.URLParam(r, "userId"))
	if err != nil {
		writeServiceError(w, "add participant", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *ChatHandler) RemoveParticipant(w http.ResponseWriter, r *http.Request) {
	err := h.chats.RemoveParticipant(r.Context(), middleware.GetUserID(r.Context()),
		chi.URLParam(r, "chatId"), chi.URLParam(r, "userId"))
	if err != nil {
		writeServiceError(w, "remove participant", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ShareQR renders the chat deep link as a PNG. Only participants may share.
func (h *ChatHandler) ShareQR(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatId")
	if err := h.chats.CanJoin(r.Context(), middleware.GetUserID(r.Context()), chatID); err != nil {
		writeServiceError(w, "share chat", err)
		return
	}
	png, err := qrcode.Encode(h.chats.ChatLink(chatID), qrcode.Medium, 256)
	if err != nil {
		writeServiceError(w, "share chat qr", err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "private, max-age=3600")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(png)
}

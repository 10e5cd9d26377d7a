package handler

import (
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/devcollab/internal/fileserver"
	"github.com/devcollab/internal/middleware"
	"github.com/devcollab/internal/model"
	"github.com/devcollab/internal/service"
)

// multipartMemory is how much of a multipart body is kept in memory; the rest spills to temp files.
const multipartMemory = 8 << 20

type MessageHandler struct {
	chats     *service.ChatService
	sink      fileserver.Sink
	maxUpload int64
}

func NewMessageHandler(chats *service.ChatService, sink fileserver.Sink, maxUpload int64) *MessageHandler {
	return &MessageHandler{chats: chats, sink: sink, maxUpload: maxUpload}
}

// SendMessageRequest is the JSON form of a message. Multipart requests carry
// the same fields as form values plus files[].
type SendMessageRequest struct {
	Content         string                  `json:"content"`
	GithubLink      string                  `json:"github_link,omitempty"`
	ProjectProgress *model.ProgressSnapshot `json:"project_progress,omitempty"`
}

// GetMessages returns the full history in append order and marks it read for the caller.
func (h *MessageHandler) GetMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := h.chats.History(r.Context(), middleware.GetUserID(r.Context()), chi.URLParam(r, "chatId"))
	if err != nil {
		writeServiceError(w, "get messages", err)
		return
	}
	if msgs == nil {
		msgs = []model.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (h *MessageHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	in := service.SendMessageInput{
		ChatID:   chi.URLParam(r, "chatId"),
		SenderID: middleware.GetUserID(r.Context()),
	}
	if isMultipart(r) {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)
		if err := r.ParseMultipartForm(multipartMemory); err != nil {
			writeError(w, http.StatusBadRequest, "invalid multipart body")
			return
		}
		defer r.MultipartForm.RemoveAll()
		in.Content = r.FormValue("content")
		in.GithubLink = r.FormValue("github_link")
		if raw := firstNonEmpty(r.FormValue("projectProgress"), r.FormValue("project_progress")); raw != "" {
			var p model.ProgressSnapshot
			if err := json.Unmarshal([]byte(raw), &p); err != nil {
				writeError(w, http.StatusBadRequest, "invalid projectProgress")
				return
			}
			in.ProjectProgress = &p
		}
		files := formFiles(r.MultipartForm, "files[]", "files")
		// Nothing is stored for a message that would be rejected.
		if err := h.chats.CheckSend(r.Context(), in, len(files)); err != nil {
			writeServiceError(w, "send message", err)
			return
		}
		atts, err := h.storeFiles(r, files)
		if err != nil {
			writeServiceError(w, "store attachments", err)
			return
		}
		in.Attachments = atts
	} else {
		var req SendMessageRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid body")
			return
		}
		in.Content = req.Content
		in.GithubLink = req.GithubLink
		in.ProjectProgress = req.ProjectProgress
	}

	msg, err := h.chats.SendMessage(r.Context(), in)
	if err != nil {
		writeServiceError(w, "send message", err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (h *MessageHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	n, err := h.chats.MarkRead(r.Context(), middleware.GetUserID(r.Context()), chi.URLParam(r, "chatId"))
	if err != nil {
		writeServiceError(w, "mark read", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"marked": n})
}

// Upload posts a message made of a single file attachment; content is optional.
func (h *MessageHandler) Upload(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatId")
	userID := middleware.GetUserID(r.Context())
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart body")
		return
	}
	defer r.MultipartForm.RemoveAll()
	files := formFiles(r.MultipartForm, "file")
	if len(files) != 1 {
		writeError(w, http.StatusBadRequest, "exactly one file is required")
		return
	}
	in := service.SendMessageInput{ChatID: chatID, SenderID: userID, Content: r.FormValue("content")}
	if err := h.chats.CheckSend(r.Context(), in, len(files)); err != nil {
		writeServiceError(w, "upload", err)
		return
	}
	atts, err := h.storeFiles(r, files)
	if err != nil {
		writeServiceError(w, "store attachment", err)
		return
	}
	in.Attachments = atts
	msg, err := h.chats.SendMessage(r.Context(), in)
	if err != nil {
		writeServiceError(w, "upload", err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (h *MessageHandler) storeFiles(r *http.Request, files []*multipart.FileHeader) ([]model.Attachment, error) {
	return storeUploads(r, h.sink, files)
}

// storeUploads streams each part into sink and describes it as an attachment.
// Names are checked for every part before the first one is written.
func storeUploads(r *http.Request, sink fileserver.Sink, files []*multipart.FileHeader) ([]model.Attachment, error) {
	for _, fh := range files {
		if err := fileserver.CheckName(fh.Filename); err != nil {
			return nil, fmt.Errorf("%s: %w", fh.Filename, err)
		}
	}
	out := make([]model.Attachment, 0, len(files))
	for _, fh := range files {
		f, err := fh.Open()
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", fh.Filename, err)
		}
		a, err := fileserver.Store(r.Context(), sink, fh.Filename, fh.Size, f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", fh.Filename, err)
		}
		out = append(out, a)
	}
	return out, nil
}

func formFiles(form *multipart.Form, keys ...string) []*multipart.FileHeader {
	if form == nil {
		return nil
	}
	var out []*multipart.FileHeader
	for _, k := range keys {
		out = append(out, form.File[k]...)
	}
	return out
}

func isMultipart(r *http.Request) bool {
	return strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data")
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

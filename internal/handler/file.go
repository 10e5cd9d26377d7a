package handler

import (
	"net/http"
	"path/filepath"

	"github.com/go-chi/chi/v5"

	"github.com/devcollab/internal/fileserver"
)

// FileHandler serves attachments kept by the disk sink. Cloudinary
// attachments are fetched from their secure URL directly.
type FileHandler struct {
	disk *fileserver.DiskSink
}

func NewFileHandler(disk *fileserver.DiskSink) *FileHandler {
	return &FileHandler{disk: disk}
}

func (h *FileHandler) Serve(w http.ResponseWriter, r *http.Request) {
	h.disk.Serve(w, r, filepath.Base(chi.URLParam(r, "filename")))
}

package handler

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/devcollab/internal/fileserver"
	"github.com/devcollab/internal/middleware"
	"github.com/devcollab/internal/model"
	"github.com/devcollab/internal/service"
)

type ProjectHandler struct {
	progress  *service.ProgressService
	sink      fileserver.Sink
	maxUpload int64
}

func NewProjectHandler(progress *service.ProgressService, sink fileserver.Sink, maxUpload int64) *ProjectHandler {
	return &ProjectHandler{progress: progress, sink: sink, maxUpload: maxUpload}
}

type SubmitModuleRequest struct {
	Title                string `json:"title"`
	CompletionPercentage int    `json:"completion_percentage"`
}

// SubmitModule answers 201 when both the project and its chat were updated
// and 207 when only the project was.
func (h *ProjectHandler) SubmitModule(w http.ResponseWriter, r *http.Request) {
	in := service.SubmitModuleInput{
		ProjectID:   chi.URLParam(r, "projectId"),
		SubmitterID: middleware.GetUserID(r.Context()),
	}
	if isMultipart(r) {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)
		if err := r.ParseMultipartForm(multipartMemory); err != nil {
			writeError(w, http.StatusBadRequest, "invalid multipart body")
			return
		}
		defer r.MultipartForm.RemoveAll()
		in.Title = r.FormValue("title")
		pct, err := strconv.Atoi(strings.TrimSpace(r.FormValue("completion_percentage")))
		if err != nil {
			writeError(w, http.StatusBadRequest, "completion_percentage must be an integer")
			return
		}
		in.CompletionPercentage = pct
		// A submission that would be refused stores no files.
		if err := h.progress.CheckSubmit(r.Context(), in); err != nil {
			writeServiceError(w, "submit module", err)
			return
		}
		files, err := storeUploads(r, h.sink, formFiles(r.MultipartForm, "files[]", "files"))
		if err != nil {
			writeServiceError(w, "store module files", err)
			return
		}
		in.Files = files
	} else {
		var req SubmitModuleRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid body")
			return
		}
		in.Title = req.Title
		in.CompletionPercentage = req.CompletionPercentage
	}

	res, err := h.progress.SubmitModule(r.Context(), in)
	if err != nil {
		writeServiceError(w, "submit module", err)
		return
	}
	status := http.StatusCreated
	if !res.ChatNotified {
		status = http.StatusMultiStatus
	}
	writeJSON(w, status, res)
}

// ListModules returns the project's module submissions, oldest first.
func (h *ProjectHandler) ListModules(w http.ResponseWriter, r *http.Request) {
	subs, err := h.progress.ListModules(r.Context(), middleware.GetUserID(r.Context()), chi.URLParam(r, "projectId"))
	if err != nil {
		writeServiceError(w, "list modules", err)
		return
	}
	if subs == nil {
		subs = []model.ModuleSubmission{}
	}
	writeJSON(w, http.StatusOK, subs)
}

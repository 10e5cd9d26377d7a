package handler

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/devcollab/internal/middleware"
	"github.com/devcollab/internal/model"
	"github.com/devcollab/internal/service"
)

// In production users and projects are owned by other services; the dev
// endpoints write to the local stores directly.
type DevUsers interface {
	Create(ctx context.Context, u *model.User) error
}

type DevProjects interface {
	Create(ctx context.Context, p *model.Project) error
	AddMember(ctx context.Context, projectID, userID string) error
}

// DevHandler is mounted only in -dev and -inmem mode.
type DevHandler struct {
	tokens   *service.TokenService
	users    DevUsers
	projects DevProjects
}

func NewDevHandler(tokens *service.TokenService, users DevUsers, projects DevProjects) *DevHandler {
	return &DevHandler{tokens: tokens, users: users, projects: projects}
}

type DevTokenRequest struct {
	Username    string `json:"username"`
	DisplayName string `json:"display_name,omitempty"`
}

type DevTokenResponse struct {
	Token string     `json:"token"`
	User  model.User `json:"user"`
}

// Token seeds a user named username and returns a token for it. The id is
// derived from the username so repeated calls log into the same account.
func (h *DevHandler) Token(w http.ResponseWriter, r *http.Request) {
	var req DevTokenRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	username := strings.ToLower(strings.TrimSpace(req.Username))
	if username == "" {
		writeError(w, http.StatusBadRequest, "username is required")
		return
	}
	display := strings.TrimSpace(req.DisplayName)
	if display == "" {
		display = username
	}
	u := model.User{
		ID:          DevUserID(username),
		Username:    username,
		DisplayName: display,
		CreatedAt:   time.Now().UTC(),
	}
	if err := h.users.Create(r.Context(), &u); err != nil {
		writeServiceError(w, "dev user", err)
		return
	}
	token, err := h.tokens.Issue(u.ID, u.Username)
	if err != nil {
		writeServiceError(w, "dev token", err)
		return
	}
	writeJSON(w, http.StatusOK, DevTokenResponse{Token: token, User: u})
}

type DevProjectRequest struct {
	Name     string     `json:"name"`
	Deadline *time.Time `json:"deadline,omitempty"`
	Members  []string   `json:"members,omitempty"`
}

// CreateProject creates a project owned by the caller with the given members.
func (h *DevHandler) CreateProject(w http.ResponseWriter, r *http.Request) {
	var req DevProjectRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	p := model.Project{
		ID:        uuid.New().String(),
		Name:      name,
		OwnerID:   middleware.GetUserID(r.Context()),
		Deadline:  req.Deadline,
		CreatedAt: time.Now().UTC(),
	}
	if err := h.projects.Create(r.Context(), &p); err != nil {
		writeServiceError(w, "dev project", err)
		return
	}
	for _, m := range req.Members {
		if err := h.projects.AddMember(r.Context(), p.ID, m); err != nil {
			writeServiceError(w, "dev project member", err)
			return
		}
	}
	writeJSON(w, http.StatusCreated, p)
}

// DevUserID is the stable id the dev login assigns to username.
func DevUserID(username string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("devcollab:"+username)).String()
}

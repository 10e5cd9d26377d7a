package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/devcollab/internal/model"
	"github.com/devcollab/internal/service"
)

// APIError is a non-2xx answer from the REST API.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api: %d %s", e.Status, e.Message)
}

// API is a small REST client for the chat endpoints.
type API struct {
	base  string
	token string
	hc    *http.Client
}

// NewAPI builds a client for baseURL (e.g. http://localhost:8080). hc may be nil.
func NewAPI(baseURL, token string, hc *http.Client) *API {
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	return &API{base: strings.TrimSuffix(baseURL, "/"), token: token, hc: hc}
}

// WithToken returns a copy authenticated as another user.
func (a *API) WithToken(token string) *API {
	cp := *a
	cp.token = token
	return &cp
}

func (a *API) do(ctx context.Context, method, path string, body any, out any) (int, error) {
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.base+path, rd)
	if err != nil {
		return 0, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}
	resp, err := a.hc.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return resp.StatusCode, &APIError{Status: resp.StatusCode, Message: e.Error}
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("api: decode %s %s: %w", method, path, err)
		}
	}
	return resp.StatusCode, nil
}

func chatPath(chatID string, rest string) string {
	return "/api/chats/" + url.PathEscape(chatID) + rest
}

// History fetches the full history of a chat; the server marks it read for the caller.
func (a *API) History(ctx context.Context, chatID string) ([]model.Message, error) {
	var out []model.Message
	_, err := a.do(ctx, http.MethodGet, chatPath(chatID, "/messages"), nil, &out)
	return out, err
}

func (a *API) Send(ctx context.Context, chatID, content string) (*model.Message, error) {
	var out model.Message
	if _, err := a.do(ctx, http.MethodPost, chatPath(chatID, "/messages"), map[string]string{"content": content}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (a *API) MarkRead(ctx context.Context, chatID string) (int, error) {
	var out struct {
		Marked int `json:"marked"`
	}
	_, err := a.do(ctx, http.MethodPost, chatPath(chatID, "/read"), nil, &out)
	return out.Marked, err
}

func (a *API) Chats(ctx context.Context) ([]model.ChatView, error) {
	var out []model.ChatView
	_, err := a.do(ctx, http.MethodGet, "/api/chats", nil, &out)
	return out, err
}

// OpenDirect returns the direct chat with userID and whether it was just created.
func (a *API) OpenDirect(ctx context.Context, userID string) (*model.ChatView, bool, error) {
	var out model.ChatView
	status, err := a.do(ctx, http.MethodPost, "/api/chats/direct", map[string]string{"user_id": userID}, &out)
	if err != nil {
		return nil, false, err
	}
	return &out, status == http.StatusCreated, nil
}

// SubmitModule submits a module without files.
func (a *API) SubmitModule(ctx context.Context, projectID, title string, pct int) (*service.SubmitResult, error) {
	var out service.SubmitResult
	body := map[string]any{"title": title, "completion_percentage": pct}
	if _, err := a.do(ctx, http.MethodPost, "/api/projects/"+url.PathEscape(projectID)+"/modules", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Modules lists a project's module submissions, oldest first.
func (a *API) Modules(ctx context.Context, projectID string) ([]model.ModuleSubmission, error) {
	var out []model.ModuleSubmission
	_, err := a.do(ctx, http.MethodGet, "/api/projects/"+url.PathEscape(projectID)+"/modules", nil, &out)
	return out, err
}

type DevSession struct {
	Token string     `json:"token"`
	User  model.User `json:"user"`
}

// DevLogin calls the dev-only token endpoint.
func (a *API) DevLogin(ctx context.Context, username string) (*DevSession, error) {
	var out DevSession
	if _, err := a.do(ctx, http.MethodPost, "/api/dev/token", map[string]string{"username": username}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DevProject creates a project owned by the caller (dev only).
func (a *API) DevProject(ctx context.Context, name string, members []string) (*model.Project, error) {
	var out model.Project
	body := map[string]any{"name": name, "members": members}
	if _, err := a.do(ctx, http.MethodPost, "/api/dev/projects", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

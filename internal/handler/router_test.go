package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/devcollab/internal/client"
	"github.com/devcollab/internal/fileserver"
	"github.com/devcollab/internal/handler"
	"github.com/devcollab/internal/model"
	"github.com/devcollab/internal/push"
	"github.com/devcollab/internal/repository"
	"github.com/devcollab/internal/service"
	"github.com/devcollab/internal/storage/memory"
	"github.com/devcollab/internal/ws"
)

type env struct {
	srv  *httptest.Server
	anon *client.API
}

// newEnv serves the full router over in-memory stores. wrap may replace the
// chat store, e.g. to inject failures.
func newEnv(t *testing.T, wrap func(repository.ChatStore) repository.ChatStore) *env {
	t.Helper()
	return newEnvWithSink(t, wrap, nil)
}

// newEnvWithSink also lets the test wrap the upload sink.
func newEnvWithSink(t *testing.T, wrap func(repository.ChatStore) repository.ChatStore, wrapSink func(fileserver.Sink) fileserver.Sink) *env {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	var chats repository.ChatStore = repository.NewMemoryChatRepository()
	if wrap != nil {
		chats = wrap(chats)
	}
	users := repository.NewMemoryUserRepository()
	projects := repository.NewMemoryProjectRepository()
	store := memory.New()
	tokens := service.NewTokenService("router-test", "devcollab", time.Hour, store)
	notifier := push.NewNotifier(store, "", "", "")
	chatSvc := service.NewChatService(chats, users, projects, notifier, "https://devcollab.test")
	hub := ws.NewHub(chatSvc, tokens, 0, ws.Options{})
	chatSvc.SetRealtime(hub)
	go hub.Run(ctx)
	progress := service.NewProgressService(projects, chats, chatSvc)
	disk := fileserver.NewDiskSink(t.TempDir())
	var sink fileserver.Sink = disk
	if wrapSink != nil {
		sink = wrapSink(disk)
	}
	const maxUpload = 1 << 20

	srv := httptest.NewServer(handler.NewRouter(handler.Router{
		Verifier: tokens,
		Chat:     handler.NewChatHandler(chatSvc),
		Message:  handler.NewMessageHandler(chatSvc, sink, maxUpload),
		Project:  handler.NewProjectHandler(progress, sink, maxUpload),
		Push:     handler.NewPushHandler(notifier),
		Auth:     handler.NewAuthHandler(tokens),
		Config:   handler.NewConfigHandler(notifier.PublicKey(), 3*time.Second),
		WS:       handler.NewWSHandler(hub, "*"),
		File:     handler.NewFileHandler(disk),
		Dev:      handler.NewDevHandler(tokens, users, projects),
	}))
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return &env{srv: srv, anon: client.NewAPI(srv.URL, "", srv.Client())}
}

type user struct {
	*client.API
	id    string
	token string
}

func (e *env) login(t *testing.T, name string) user {
	t.Helper()
	s, err := e.anon.DevLogin(context.Background(), name)
	if err != nil {
		t.Fatalf("dev login %s: %v", name, err)
	}
	return user{API: e.anon.WithToken(s.Token), id: s.User.ID, token: s.Token}
}

func (e *env) do(t *testing.T, method, path, token string, body io.Reader, contentType string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, e.srv.URL+path, body)
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := e.srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func status(err error) int {
	var apiErr *client.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status
	}
	return 0
}

func TestDevLoginIsStable(t *testing.T) {
	e := newEnv(t, nil)
	a := e.login(t, "Alice")
	b := e.login(t, "alice")
	if a.id != b.id || a.id != handler.DevUserID("alice") {
		t.Fatalf("ids %s / %s", a.id, b.id)
	}
}

func TestRequiresToken(t *testing.T) {
	e := newEnv(t, nil)
	resp := e.do(t, http.MethodGet, "/api/chats", "", nil, "")
	if resp.StatusCode != http.StatusUnauthorized || resp.Header.Get("WWW-Authenticate") == "" {
		t.Fatalf("no token: %d %v", resp.StatusCode, resp.Header)
	}
	resp = e.do(t, http.MethodGet, "/api/chats", "forged", nil, "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad token: %d", resp.StatusCode)
	}
	if resp := e.do(t, http.MethodGet, "/health", "", nil, ""); resp.StatusCode != http.StatusOK {
		t.Fatalf("health: %d", resp.StatusCode)
	}
}

func TestPublicConfig(t *testing.T) {
	e := newEnv(t, nil)
	resp := e.do(t, http.MethodGet, "/api/config", "", nil, "")
	var cfg handler.ClientConfig
	if err := json.NewDecoder(resp.Body).Decode(&cfg); err != nil {
		t.Fatal(err)
	}
	if cfg.PushEnabled || cfg.TypingTimeoutMS != 3000 {
		t.Fatalf("config = %+v", cfg)
	}
	if resp.Header.Get("X-Content-Type-Options") != "nosniff" {
		t.Fatal("security headers missing")
	}
}

func TestSendThenHistory(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	alice, bob := e.login(t, "alice"), e.login(t, "bob")

	view, created, err := alice.OpenDirect(ctx, bob.id)
	if err != nil || !created {
		t.Fatalf("open: %v created=%v", err, created)
	}
	again, created, err := bob.OpenDirect(ctx, alice.id)
	if err != nil || created || again.Chat.ID != view.Chat.ID {
		t.Fatalf("reopen: %v created=%v", err, created)
	}

	sent, err := alice.Send(ctx, view.Chat.ID, "hello bob")
	if err != nil {
		t.Fatal(err)
	}

	list, err := bob.Chats(ctx)
	if err != nil || len(list) != 1 {
		t.Fatalf("chats = %v, %v", list, err)
	}
	if list[0].UnreadCount != 1 || list[0].LastMessage == nil || list[0].LastMessage.MessageID != sent.ID {
		t.Fatalf("list item = %+v", list[0])
	}

	history, err := bob.History(ctx, view.Chat.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 1 || history[0].ID != sent.ID || history[0].Content != "hello bob" {
		t.Fatalf("history = %+v", history)
	}
	if history[0].Sender == nil || history[0].Sender.Username != "alice" {
		t.Fatalf("sender = %+v", history[0].Sender)
	}
	list, _ = bob.Chats(ctx)
	if list[0].UnreadCount != 0 {
		t.Fatalf("unread after history = %d", list[0].UnreadCount)
	}
	if n, err := bob.MarkRead(ctx, view.Chat.ID); err != nil || n != 0 {
		t.Fatalf("mark read again = %d, %v", n, err)
	}
}

func TestChatAccessAndValidation(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	alice, bob, mallory := e.login(t, "alice"), e.login(t, "bob"), e.login(t, "mallory")
	view, _, err := alice.OpenDirect(ctx, bob.id)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := mallory.History(ctx, view.Chat.ID); status(err) != http.StatusForbidden {
		t.Fatalf("foreign history: %v", err)
	}
	if _, err := mallory.Send(ctx, view.Chat.ID, "hi"); status(err) != http.StatusForbidden {
		t.Fatalf("foreign send: %v", err)
	}
	if _, err := alice.History(ctx, "missing"); status(err) != http.StatusNotFound {
		t.Fatalf("missing chat: %v", err)
	}
	if _, err := alice.Send(ctx, view.Chat.ID, "  "); status(err) != http.StatusBadRequest {
		t.Fatalf("empty message: %v", err)
	}
	if _, _, err := alice.OpenDirect(ctx, alice.id); status(err) != http.StatusBadRequest {
		t.Fatalf("self chat: %v", err)
	}
	resp := e.do(t, http.MethodPost, "/api/chats/"+view.Chat.ID+"/messages", alice.token,
		strings.NewReader(`{"content":"hi","chatroom":"x"}`), "application/json")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown field: %d", resp.StatusCode)
	}
	// Participants of a direct chat are fixed.
	resp = e.do(t, http.MethodPost, "/api/chats/"+view.Chat.ID+"/participants/"+mallory.id, alice.token, nil, "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("add to direct chat: %d", resp.StatusCode)
	}
}

func TestShareQR(t *testing.T) {
	e := newEnv(t, nil)
	alice, bob := e.login(t, "alice"), e.login(t, "bob")
	view, _, err := alice.OpenDirect(context.Background(), bob.id)
	if err != nil {
		t.Fatal(err)
	}
	resp := e.do(t, http.MethodGet, "/api/chats/"+view.Chat.ID+"/qr", alice.token, nil, "")
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || resp.Header.Get("Content-Type") != "image/png" {
		t.Fatalf("qr: %d %s", resp.StatusCode, resp.Header.Get("Content-Type"))
	}
	if !bytes.HasPrefix(body, []byte("\x89PNG\r\n\x1a\n")) {
		t.Fatal("qr body is not a png")
	}
	mallory := e.login(t, "mallory")
	if resp := e.do(t, http.MethodGet, "/api/chats/"+view.Chat.ID+"/qr", mallory.token, nil, ""); resp.StatusCode != http.StatusForbidden {
		t.Fatalf("foreign qr: %d", resp.StatusCode)
	}
}

func TestModuleSubmissions(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	alice, bob := e.login(t, "alice"), e.login(t, "bob")
	project, err := alice.DevProject(ctx, "Capstone", []string{bob.id})
	if err != nil {
		t.Fatal(err)
	}

	first, err := bob.SubmitModule(ctx, project.ID, "Auth", 40)
	if err != nil || !first.ChatNotified || first.Project.CompletionPercentage != 40 {
		t.Fatalf("first = %+v, %v", first, err)
	}
	second, err := alice.SubmitModule(ctx, project.ID, "Chat", 80)
	if err != nil || !second.ChatNotified || second.Project.CompletionPercentage != 60 {
		t.Fatalf("second = %+v, %v", second, err)
	}

	list, err := alice.Chats(ctx)
	if err != nil || len(list) != 1 || list[0].Project == nil || list[0].Project.CompletionPercentage != 60 {
		t.Fatalf("chats = %+v, %v", list, err)
	}
	history, err := alice.History(ctx, first.ChatID)
	if err != nil || len(history) != 2 {
		t.Fatalf("history = %d, %v", len(history), err)
	}
	for i, want := range []int{40, 60} {
		if p := history[i].ProjectProgress; p == nil || p.CompletionPercentage != want {
			t.Fatalf("message %d progress = %+v, want %d", i, p, want)
		}
	}

	mods, err := bob.Modules(ctx, project.ID)
	if err != nil || len(mods) != 2 {
		t.Fatalf("modules = %+v, %v", mods, err)
	}
	if mods[0].Title != "Auth" || mods[0].SubmitterID != bob.id || mods[1].Title != "Chat" || mods[1].CompletionPercentage != 80 {
		t.Fatalf("modules = %+v", mods)
	}

	outsider := e.login(t, "mallory")
	if _, err := outsider.SubmitModule(ctx, project.ID, "Sneaky", 100); status(err) != http.StatusForbidden {
		t.Fatalf("outsider: %v", err)
	}
	if _, err := outsider.Modules(ctx, project.ID); status(err) != http.StatusForbidden {
		t.Fatalf("outsider modules: %v", err)
	}
	if _, err := alice.SubmitModule(ctx, project.ID, "Too much", 120); status(err) != http.StatusBadRequest {
		t.Fatalf("over 100: %v", err)
	}
}

type failingAppend struct {
	repository.ChatStore
}

func (failingAppend) AppendMessage(context.Context, string, *model.Message) error {
	return errors.New("chat store unavailable")
}

func TestModuleSubmissionPartialSuccess(t *testing.T) {
	e := newEnv(t, func(s repository.ChatStore) repository.ChatStore { return failingAppend{s} })
	alice := e.login(t, "alice")
	project, err := alice.DevProject(context.Background(), "Capstone", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp := e.do(t, http.MethodPost, "/api/projects/"+project.ID+"/modules", alice.token,
		strings.NewReader(`{"title":"Auth","completion_percentage":70}`), "application/json")
	if resp.StatusCode != http.StatusMultiStatus {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var res service.SubmitResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		t.Fatal(err)
	}
	if res.ChatNotified || res.NotifyError == "" || res.Project == nil || res.Project.CompletionPercentage != 70 {
		t.Fatalf("result = %+v", res)
	}
}

func multipartBody(t *testing.T, field, filename, content string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile(field, filename)
	if err != nil {
		t.Fatal(err)
	}
	_, _ = fw.Write([]byte(content))
	if err := mw.WriteField("content", "have a look"); err != nil {
		t.Fatal(err)
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}
	return &buf, mw.FormDataContentType()
}

type countingSink struct {
	fileserver.Sink
	puts atomic.Int32
}

func (s *countingSink) Put(ctx context.Context, name string, body io.Reader) (string, error) {
	s.puts.Add(1)
	return s.Sink.Put(ctx, name, body)
}

type part struct{ name, content string }

func formBody(t *testing.T, fields map[string]string, fileField string, files ...part) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatal(err)
		}
	}
	for _, f := range files {
		fw, err := mw.CreateFormFile(fileField, f.name)
		if err != nil {
			t.Fatal(err)
		}
		_, _ = fw.Write([]byte(f.content))
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}
	return &buf, mw.FormDataContentType()
}

func TestRejectedRequestsStoreNoFiles(t *testing.T) {
	sink := &countingSink{}
	e := newEnvWithSink(t, nil, func(s fileserver.Sink) fileserver.Sink {
		sink.Sink = s
		return sink
	})
	ctx := context.Background()
	alice, bob, mallory := e.login(t, "alice"), e.login(t, "bob"), e.login(t, "mallory")
	project, err := alice.DevProject(ctx, "Capstone", []string{bob.id})
	if err != nil {
		t.Fatal(err)
	}
	chat, _, err := alice.OpenDirect(ctx, bob.id)
	if err != nil {
		t.Fatal(err)
	}
	modules := "/api/projects/" + project.ID + "/modules"
	messages := "/api/chats/" + chat.Chat.ID + "/messages"
	upload := "/api/chats/" + chat.Chat.ID + "/upload"
	code := part{"a.go", "package a\n"}

	cases := []struct {
		name   string
		path   string
		token  string
		fields map[string]string
		field  string
		files  []part
		want   int
	}{
		{"module by outsider", modules, mallory.token, map[string]string{"title": "m", "completion_percentage": "50"}, "files[]", []part{code}, http.StatusForbidden},
		{"module over 100", modules, alice.token, map[string]string{"title": "m", "completion_percentage": "150"}, "files[]", []part{code}, http.StatusBadRequest},
		{"module without title", modules, alice.token, map[string]string{"completion_percentage": "50"}, "files[]", []part{code}, http.StatusBadRequest},
		{"module with an exe", modules, alice.token, map[string]string{"title": "m", "completion_percentage": "50"}, "files[]", []part{code, {"b.exe", "MZ"}}, http.StatusBadRequest},
		{"message by outsider", messages, mallory.token, map[string]string{"content": "hi"}, "files[]", []part{code}, http.StatusForbidden},
		{"message with http link", messages, alice.token, map[string]string{"content": "hi", "github_link": "http://github.com/a/b"}, "files[]", []part{code}, http.StatusBadRequest},
		{"message too long", messages, alice.token, map[string]string{"content": strings.Repeat("x", service.MaxContentLength+1)}, "files[]", []part{code}, http.StatusBadRequest},
		{"message with bad progress", messages, alice.token, map[string]string{"content": "hi", "projectProgress": `{"completion_percentage":101}`}, "files[]", []part{code}, http.StatusBadRequest},
		{"upload by outsider", upload, mallory.token, nil, "file", []part{code}, http.StatusForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			body, ct := formBody(t, tc.fields, tc.field, tc.files...)
			if resp := e.do(t, http.MethodPost, tc.path, tc.token, body, ct); resp.StatusCode != tc.want {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tc.want)
			}
		})
	}
	if n := sink.puts.Load(); n != 0 {
		t.Fatalf("rejected requests stored %d files", n)
	}

	body, ct := formBody(t, map[string]string{"title": "m", "completion_percentage": "50"}, "files[]", code)
	if resp := e.do(t, http.MethodPost, modules, alice.token, body, ct); resp.StatusCode != http.StatusCreated {
		t.Fatalf("valid module: %d", resp.StatusCode)
	}
	if n := sink.puts.Load(); n != 1 {
		t.Fatalf("valid module stored %d files", n)
	}
}

func TestCodeUpload(t *testing.T) {
	e := newEnv(t, nil)
	alice, bob := e.login(t, "alice"), e.login(t, "bob")
	view, _, err := alice.OpenDirect(context.Background(), bob.id)
	if err != nil {
		t.Fatal(err)
	}
	src := "def add(a, b):\n    return a + b\n"
	body, ct := multipartBody(t, "file", "calc.py", src)
	resp := e.do(t, http.MethodPost, "/api/chats/"+view.Chat.ID+"/upload", alice.token, body, ct)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("upload: %d", resp.StatusCode)
	}
	var msg model.Message
	if err := json.NewDecoder(resp.Body).Decode(&msg); err != nil {
		t.Fatal(err)
	}
	if msg.Content != "have a look" || len(msg.Attachments) != 1 {
		t.Fatalf("message = %+v", msg)
	}
	a := msg.Attachments[0]
	if a.Kind != model.AttachmentCode || a.Language != "python" || a.Preview != strings.TrimRight(src, "\n") {
		t.Fatalf("attachment = %+v", a)
	}

	file := e.do(t, http.MethodGet, a.StorageRef, "", nil, "")
	got, _ := io.ReadAll(file.Body)
	if file.StatusCode != http.StatusOK || string(got) != src {
		t.Fatalf("download: %d %q", file.StatusCode, got)
	}

	body, ct = multipartBody(t, "file", "tool.exe", "MZ")
	if resp := e.do(t, http.MethodPost, "/api/chats/"+view.Chat.ID+"/upload", alice.token, body, ct); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("exe upload: %d", resp.StatusCode)
	}
}

func TestLogoutRevokesToken(t *testing.T) {
	e := newEnv(t, nil)
	alice := e.login(t, "alice")
	if _, err := alice.Chats(context.Background()); err != nil {
		t.Fatal(err)
	}
	if resp := e.do(t, http.MethodPost, "/api/auth/logout", alice.token, nil, ""); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("logout: %d", resp.StatusCode)
	}
	if _, err := alice.Chats(context.Background()); status(err) != http.StatusUnauthorized {
		t.Fatalf("after logout: %v", err)
	}
}

func waitFor(t *testing.T, events <-chan client.Event, typ ws.EventType) client.Event {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Type == typ {
				return ev
			}
		case <-timeout:
			t.Fatalf("no %s event", typ)
		}
	}
}

func TestRealtimeClientThroughRouter(t *testing.T) {
	e := newEnv(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	alice, bob := e.login(t, "alice"), e.login(t, "bob")
	chat, _, err := alice.OpenDirect(ctx, bob.id)
	if err != nil {
		t.Fatal(err)
	}

	events := make(chan client.Event, 16)
	conn := client.NewConn(client.ConnOptions{
		URL:     "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/ws",
		Token:   alice.token,
		OnEvent: func(ev client.Event) { events <- ev },
	})
	if err := conn.Join(chat.Chat.ID); err != nil {
		t.Fatal(err)
	}
	done := make(chan error, 1)
	go func() { done <- conn.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	waitFor(t, events, ws.EventJoinedChat)

	view := client.NewView(chat.Chat.ID, alice.id, nil)
	if _, err := view.Resync(ctx, alice.API); err != nil {
		t.Fatal(err)
	}

	sent, err := bob.Send(ctx, chat.Chat.ID, "ping")
	if err != nil {
		t.Fatal(err)
	}
	up, err := view.HandleEvent(waitFor(t, events, ws.EventReceiveMessage))
	if err != nil || !up.NewMessage {
		t.Fatalf("update = %+v, %v", up, err)
	}
	// The same message fetched over REST does not duplicate it.
	if _, err := view.Resync(ctx, alice.API); err != nil {
		t.Fatal(err)
	}
	msgs := view.Timeline.Messages()
	if len(msgs) != 1 || msgs[0].ID != sent.ID {
		t.Fatalf("timeline = %+v", msgs)
	}

	if err := conn.Send(chat.Chat.ID, "pong"); err != nil {
		t.Fatal(err)
	}
	ev := waitFor(t, events, ws.EventReceiveMessage)
	var p ws.ReceiveMessagePayload
	if err := ev.Decode(&p); err != nil || p.Message.Content != "pong" || p.Message.SenderID != alice.id {
		t.Fatalf("echo = %+v, %v", p.Message, err)
	}
}

func TestRealtimeClientRejectedToken(t *testing.T) {
	e := newEnv(t, nil)
	conn := client.NewConn(client.ConnOptions{
		URL:   "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/ws",
		Token: "not-a-token",
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Run(ctx); !errors.Is(err, client.ErrAuthentication) {
		t.Fatalf("run = %v", err)
	}
	if conn.State() != client.StateClosed {
		t.Fatalf("state = %s", conn.State())
	}
}

func TestRealtimeClientReconnects(t *testing.T) {
	e := newEnv(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	alice, bob := e.login(t, "alice"), e.login(t, "bob")
	chat, _, err := alice.OpenDirect(ctx, bob.id)
	if err != nil {
		t.Fatal(err)
	}

	// Every dial is recorded so the test can cut the live link.
	var (
		mu    sync.Mutex
		links []net.Conn
	)
	dialer := &websocket.Dialer{
		HandshakeTimeout: 3 * time.Second,
		NetDialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			c, err := (&net.Dialer{}).DialContext(ctx, network, addr)
			if err == nil {
				mu.Lock()
				links = append(links, c)
				mu.Unlock()
			}
			return c, err
		},
	}
	events := make(chan client.Event, 32)
	states := make(chan client.State, 32)
	resyncs := make(chan struct{}, 4)
	conn := client.NewConn(client.ConnOptions{
		URL:        "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/ws",
		Token:      alice.token,
		Dialer:     dialer,
		MinBackoff: 20 * time.Millisecond,
		MaxBackoff: 100 * time.Millisecond,
		OnEvent:    func(ev client.Event) { events <- ev },
		OnState:    func(s client.State) { states <- s },
		OnResync:   func(context.Context) { resyncs <- struct{}{} },
	})
	if err := conn.Join(chat.Chat.ID); err != nil {
		t.Fatal(err)
	}
	done := make(chan error, 1)
	go func() { done <- conn.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	waitState := func(want client.State) {
		t.Helper()
		timeout := time.After(3 * time.Second)
		for {
			select {
			case s := <-states:
				if s == want {
					return
				}
			case <-timeout:
				t.Fatalf("state never became %s (now %s)", want, conn.State())
			}
		}
	}
	waitState(client.StateConnected)
	waitFor(t, events, ws.EventJoinedChat)
	select {
	case <-resyncs:
		t.Fatal("resync on the first connect")
	default:
	}

	mu.Lock()
	links[len(links)-1].Close()
	mu.Unlock()

	waitState(client.StateReconnecting)
	waitState(client.StateConnected)
	// The remembered room is joined again without another Join call.
	waitFor(t, events, ws.EventJoinedChat)
	select {
	case <-resyncs:
	case <-time.After(3 * time.Second):
		t.Fatal("no resync after reconnect")
	}

	if _, err := bob.Send(ctx, chat.Chat.ID, "still there?"); err != nil {
		t.Fatal(err)
	}
	var p ws.ReceiveMessagePayload
	if err := waitFor(t, events, ws.EventReceiveMessage).Decode(&p); err != nil || p.Message.Content != "still there?" {
		t.Fatalf("after reconnect = %+v, %v", p.Message, err)
	}
	mu.Lock()
	dials := len(links)
	mu.Unlock()
	if dials != 2 {
		t.Fatalf("dials = %d, want 2", dials)
	}
}

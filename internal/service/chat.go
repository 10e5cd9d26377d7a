package service

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/devcollab/internal/logger"
	"github.com/devcollab/internal/model"
	"github.com/devcollab/internal/push"
	"github.com/devcollab/internal/repository"
)

// MaxContentLength bounds message text, in runes.
const MaxContentLength = 4000

// UserDirectory resolves user ids to display fields.
type UserDirectory interface {
	GetByID(ctx context.Context, id string) (*model.User, error)
	GetPublicMany(ctx context.Context, ids []string) (map[string]model.UserPublic, error)
}

// ProjectStore is the project aggregate as far as chats are concerned.
type ProjectStore interface {
	GetByID(ctx context.Context, id string) (*model.Project, error)
	IsMember(ctx context.Context, projectID, userID string) (bool, error)
	AddModuleSubmission(ctx context.Context, sub *model.ModuleSubmission) (*model.Project, error)
	ListSubmissions(ctx context.Context, projectID string) ([]model.ModuleSubmission, error)
}

// Realtime fans events out to live connections. Implemented by ws.Hub.
type Realtime interface {
	BroadcastMessage(chatID string, m *model.Message)
	IsOnline(userID string) bool
}

// Notifier reaches users with no live connection.
type Notifier interface {
	Notify(ctx context.Context, userID string, p push.Payload)
}

type ChatService struct {
	chats    repository.ChatStore
	users    UserDirectory
	projects ProjectStore
	rt       Realtime
	notifier Notifier
	baseURL  string

	now   func() time.Time
	async func(func())
}

func NewChatService(chats repository.ChatStore, users UserDirectory, projects ProjectStore, notifier Notifier, baseURL string) *ChatService {
	return &ChatService{
		chats:    chats,
		users:    users,
		projects: projects,
		notifier: notifier,
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		now:      time.Now,
		async:    func(f func()) { go f() },
	}
}

// SetRealtime attaches the gateway. The hub needs the service for room
// authorization, so it is wired after construction.
func (s *ChatService) SetRealtime(rt Realtime) {
	s.rt = rt
}

// ChatLink is the deep link to a chat, used in QR codes and push payloads.
func (s *ChatService) ChatLink(chatID string) string {
	return s.baseURL + "/chats/" + url.PathEscape(chatID)
}

// GetOrCreateDirect returns the caller's direct chat with other, creating it
// on first use. created reports whether this call created it.
func (s *ChatService) GetOrCreateDirect(ctx context.Context, caller, other string) (*model.ChatView, bool, error) {
	other = strings.TrimSpace(other)
	if other == "" {
		return nil, false, invalid("user_id is required")
	}
	if other == caller {
		return nil, false, invalid("cannot open a direct chat with yourself")
	}
	if _, err := s.users.GetByID(ctx, other); err != nil {
		return nil, false, err
	}
	chat, created, err := s.chats.GetOrCreateDirect(ctx, caller, other)
	if err != nil {
		return nil, false, err
	}
	if created {
		logger.Infof("chat: direct chat %s created for %s", chat.ID, chat.DirectKey)
	}
	view, err := s.view(ctx, chat, 0)
	return view, created, err
}

// CreateProjectChat opens the single chat of a project. The caller must be a
// project member and becomes its first participant.
func (s *ChatService) CreateProjectChat(ctx context.Context, caller, projectID string) (*model.ChatView, error) {
	project, err := s.projects.GetByID(ctx, projectID)
	if err != nil {
		return nil, err
	}
	member, err := s.projects.IsMember(ctx, projectID, caller)
	if err != nil {
		return nil, err
	}
	if !member {
		return nil, ErrForbidden
	}
	chat, err := s.chats.CreateProjectChat(ctx, project.ID, caller)
	if err != nil {
		return nil, err
	}
	logger.Infof("chat: project chat %s created for project %s", chat.ID, project.ID)
	return s.view(ctx, chat, 0)
}

// GetChat returns one chat the caller participates in.
func (s *ChatService) GetChat(ctx context.Context, caller, chatID string) (*model.ChatView, error) {
	if err := s.authorize(ctx, chatID, caller); err != nil {
		return nil, err
	}
	chat, err := s.chats.GetByID(ctx, chatID)
	if err != nil {
		return nil, err
	}
	return s.view(ctx, chat, 0)
}

// ListChats returns the caller's chats with participants, project summary,
// last message and unread count, newest activity first.
func (s *ChatService) ListChats(ctx context.Context, caller string) ([]model.ChatView, error) {
	items, err := s.chats.ListForUser(ctx, caller)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(items)*2)
	seen := make(map[string]bool)
	for _, it := range items {
		for _, p := range it.Chat.Participants {
			if !seen[p] {
				seen[p] = true
				ids = append(ids, p)
			}
		}
	}
	users, err := s.users.GetPublicMany(ctx, ids)
	if err != nil {
		return nil, err
	}
	projects := make(map[string]*model.ProjectSummary)
	views := make([]model.ChatView, 0, len(items))
	for i := range items {
		c := items[i].Chat
		v := model.ChatView{
			Chat:         c,
			Participants: s.participants(c.Participants, users),
			LastMessage:  c.LastMessage,
			UnreadCount:  items[i].UnreadCount,
		}
		if c.Kind == model.ChatKindProject {
			summary, ok := projects[c.ProjectRef]
			if !ok {
				summary = s.projectSummary(ctx, c.ProjectRef)
				projects[c.ProjectRef] = summary
			}
			v.Project = summary
		}
		views = append(views, v)
	}
	return views, nil
}

// SendMessageInput is one message as submitted over REST or the socket.
type SendMessageInput struct {
	ChatID          string
	SenderID        string
	Content         string
	Attachments     []model.Attachment
	GithubLink      string
	ProjectProgress *model.ProgressSnapshot
}

// SendMessage validates and appends a message, then fans it out to the chat
// room (the sender's own connections included) and pushes it to participants
// with no live connection.
func (s *ChatService) SendMessage(ctx context.Context, in SendMessageInput) (*model.Message, error) {
	m, err := s.buildMessage(in)
	if err != nil {
		return nil, err
	}
	if err := s.chats.AppendMessage(ctx, in.ChatID, m); err != nil {
		return nil, err
	}
	users, err := s.users.GetPublicMany(ctx, []string{m.SenderID})
	if err != nil {
		logger.Errorf("chat: resolve sender %s: %v", m.SenderID, err)
	} else if u, ok := users[m.SenderID]; ok {
		m.Sender = &u
	}
	if s.rt != nil {
		s.rt.BroadcastMessage(in.ChatID, m)
	}
	s.notifyOffline(ctx, m)
	return m, nil
}

// CheckSend runs the checks SendMessage makes before it writes: field
// validation, then participation. pendingFiles counts attachments the caller
// has not stored yet, so uploads happen only for a message that will be accepted.
func (s *ChatService) CheckSend(ctx context.Context, in SendMessageInput, pendingFiles int) error {
	if err := validateSend(in, len(in.Attachments)+pendingFiles); err != nil {
		return err
	}
	return s.authorize(ctx, in.ChatID, in.SenderID)
}

func validateSend(in SendMessageInput, attachments int) error {
	if strings.TrimSpace(in.ChatID) == "" {
		return invalid("chat_id is required")
	}
	content := strings.TrimSpace(in.Content)
	if content == "" && attachments == 0 {
		return invalid("message needs content or an attachment")
	}
	if utf8.RuneCountInString(content) > MaxContentLength {
		return invalid("message longer than %d characters", MaxContentLength)
	}
	if link := strings.TrimSpace(in.GithubLink); link != "" && !isGithubLink(link) {
		return invalid("github_link must be an https://github.com URL")
	}
	if p := in.ProjectProgress; p != nil && (p.CompletionPercentage < 0 || p.CompletionPercentage > 100) {
		return invalid("completion_percentage must be within 0..100")
	}
	return nil
}

func (s *ChatService) buildMessage(in SendMessageInput) (*model.Message, error) {
	if err := validateSend(in, len(in.Attachments)); err != nil {
		return nil, err
	}
	content := strings.TrimSpace(in.Content)
	link := strings.TrimSpace(in.GithubLink)
	now := s.now().UTC()
	var snapshot *model.ProgressSnapshot
	if p := in.ProjectProgress; p != nil {
		cp := *p
		if cp.CapturedAt.IsZero() {
			cp.CapturedAt = now
		}
		if p.Deadline != nil {
			d := *p.Deadline
			cp.Deadline = &d
		}
		snapshot = &cp
	}
	return &model.Message{
		ID:              uuid.New().String(),
		ChatID:          in.ChatID,
		SenderID:        in.SenderID,
		Content:         content,
		Attachments:     append([]model.Attachment(nil), in.Attachments...),
		GithubLink:      link,
		ProjectProgress: snapshot,
		CreatedAt:       now,
	}, nil
}

func isGithubLink(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme != "https" {
		return false
	}
	host := strings.ToLower(u.Hostname())
	return host == "github.com" || host == "www.github.com" || host == "gist.github.com"
}

func (s *ChatService) notifyOffline(ctx context.Context, m *model.Message) {
	if s.notifier == nil {
		return
	}
	chat, err := s.chats.GetByID(ctx, m.ChatID)
	if err != nil {
		logger.Errorf("chat: push recipients for %s: %v", m.ChatID, err)
		return
	}
	title := "New message"
	if m.Sender != nil {
		title = m.Sender.Name()
	}
	body := m.Content
	if body == "" && len(m.Attachments) > 0 {
		body = m.Attachments[0].Filename
	}
	if utf8.RuneCountInString(body) > 120 {
		body = string([]rune(body)[:120]) + "..."
	}
	payload := push.Payload{
		Title: title,
		Body:  body,
		Data:  map[string]string{"chat_id": m.ChatID, "message_id": m.ID, "url": s.ChatLink(m.ChatID)},
	}
	for _, p := range chat.Participants {
		if p == m.SenderID || (s.rt != nil && s.rt.IsOnline(p)) {
			continue
		}
		userID := p
		s.async(func() {
			pctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			s.notifier.Notify(pctx, userID, payload)
		})
	}
}

// History returns the ordered message log and marks it read for the caller.
func (s *ChatService) History(ctx context.Context, caller, chatID string) ([]model.Message, error) {
	if err := s.authorize(ctx, chatID, caller); err != nil {
		return nil, err
	}
	if _, err := s.chats.MarkRead(ctx, chatID, caller, s.now().UTC()); err != nil {
		return nil, err
	}
	msgs, err := s.chats.Messages(ctx, chatID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, 4)
	seen := make(map[string]bool)
	for _, m := range msgs {
		if !seen[m.SenderID] {
			seen[m.SenderID] = true
			ids = append(ids, m.SenderID)
		}
	}
	users, err := s.users.GetPublicMany(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range msgs {
		if u, ok := users[msgs[i].SenderID]; ok {
			msgs[i].Sender = &u
		}
	}
	return msgs, nil
}

// MarkRead marks every message read for the caller; returns how many changed.
func (s *ChatService) MarkRead(ctx context.Context, caller, chatID string) (int, error) {
	if err := s.authorize(ctx, chatID, caller); err != nil {
		return 0, err
	}
	return s.chats.MarkRead(ctx, chatID, caller, s.now().UTC())
}

func (s *ChatService) AddParticipant(ctx context.Context, caller, chatID, userID string) error {
	if err := s.authorize(ctx, chatID, caller); err != nil {
		return err
	}
	if _, err := s.users.GetByID(ctx, userID); err != nil {
		return err
	}
	return s.chats.AddParticipant(ctx, chatID, userID)
}

func (s *ChatService) RemoveParticipant(ctx context.Context, caller, chatID, userID string) error {
	if err := s.authorize(ctx, chatID, caller); err != nil {
		return err
	}
	return s.chats.RemoveParticipant(ctx, chatID, userID)
}

// CanJoin authorizes a realtime room join: the room id is a chat id and the
// user must participate in it.
func (s *ChatService) CanJoin(ctx context.Context, userID, chatID string) error {
	return s.authorize(ctx, chatID, userID)
}

func (s *ChatService) authorize(ctx context.Context, chatID, userID string) error {
	if strings.TrimSpace(chatID) == "" {
		return invalid("chat_id is required")
	}
	ok, err := s.chats.IsParticipant(ctx, chatID, userID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrForbidden
	}
	return nil
}

func (s *ChatService) view(ctx context.Context, chat *model.Chat, unread int) (*model.ChatView, error) {
	users, err := s.users.GetPublicMany(ctx, chat.Participants)
	if err != nil {
		return nil, err
	}
	v := &model.ChatView{
		Chat:         *chat,
		Participants: s.participants(chat.Participants, users),
		LastMessage:  chat.LastMessage,
		UnreadCount:  unread,
	}
	if chat.Kind == model.ChatKindProject {
		v.Project = s.projectSummary(ctx, chat.ProjectRef)
	}
	return v, nil
}

// participants keeps chat order; ids missing from the directory are listed by id only.
func (s *ChatService) participants(ids []string, users map[string]model.UserPublic) []model.UserPublic {
	out := make([]model.UserPublic, 0, len(ids))
	for _, id := range ids {
		u, ok := users[id]
		if !ok {
			u = model.UserPublic{ID: id}
		}
		if s.rt != nil {
			u.IsOnline = s.rt.IsOnline(id)
		}
		out = append(out, u)
	}
	return out
}

func (s *ChatService) projectSummary(ctx context.Context, projectID string) *model.ProjectSummary {
	p, err := s.projects.GetByID(ctx, projectID)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			logger.Errorf("chat: project summary %s: %v", projectID, err)
		}
		return nil
	}
	return p.Summary()
}

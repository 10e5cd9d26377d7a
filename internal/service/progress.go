package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/devcollab/internal/logger"
	"github.com/devcollab/internal/model"
	"github.com/devcollab/internal/repository"
)

// ProgressService records module submissions and mirrors each one into the
// project chat as a message with its own progress snapshot.
type ProgressService struct {
	projects ProjectStore
	chats    repository.ChatStore
	chatSvc  *ChatService
	now      func() time.Time
}

func NewProgressService(projects ProjectStore, chats repository.ChatStore, chatSvc *ChatService) *ProgressService {
	return &ProgressService{projects: projects, chats: chats, chatSvc: chatSvc, now: time.Now}
}

type SubmitModuleInput struct {
	ProjectID            string
	SubmitterID          string
	Title                string
	CompletionPercentage int
	Files                []model.Attachment
}

// SubmitResult distinguishes full success from "submitted but the chat
// notification failed": Project is always set once the submission is stored.
type SubmitResult struct {
	Project      *model.Project          `json:"project"`
	Submission   *model.ModuleSubmission `json:"submission"`
	ChatID       string                  `json:"chat_id,omitempty"`
	Message      *model.Message          `json:"message,omitempty"`
	ChatNotified bool                    `json:"chat_notified"`
	NotifyError  string                  `json:"notify_error,omitempty"`
}

// SubmitModule stores the submission and the new aggregate, then appends the
// progress message to the project chat. The two writes are independent: if the
// second fails the result reports it and the error is not retried.
func (s *ProgressService) SubmitModule(ctx context.Context, in SubmitModuleInput) (*SubmitResult, error) {
	if err := s.CheckSubmit(ctx, in); err != nil {
		return nil, err
	}
	title := strings.TrimSpace(in.Title)

	files := make([]string, 0, len(in.Files))
	for _, f := range in.Files {
		files = append(files, f.StorageRef)
	}
	sub := &model.ModuleSubmission{
		ID:                   uuid.New().String(),
		ProjectID:            in.ProjectID,
		SubmitterID:          in.SubmitterID,
		Title:                title,
		CompletionPercentage: in.CompletionPercentage,
		Files:                files,
		SubmittedAt:          s.now().UTC(),
	}
	project, err := s.projects.AddModuleSubmission(ctx, sub)
	if err != nil {
		return nil, err
	}
	logger.Infof("progress: project %s at %d%% after module %q", project.ID, project.CompletionPercentage, title)

	res := &SubmitResult{Project: project, Submission: sub}
	chatID, msg, err := s.postToChat(ctx, project, sub, in.Files)
	res.ChatID = chatID
	if err != nil {
		logger.Errorf("progress: project %s updated but chat notification failed: %v", project.ID, err)
		res.NotifyError = err.Error()
		return res, nil
	}
	res.Message = msg
	res.ChatNotified = true
	return res, nil
}

// CheckSubmit runs every check SubmitModule makes before it writes anything.
// Callers that store module files first call it before the upload.
func (s *ProgressService) CheckSubmit(ctx context.Context, in SubmitModuleInput) error {
	if strings.TrimSpace(in.Title) == "" {
		return invalid("title is required")
	}
	if in.CompletionPercentage < 0 || in.CompletionPercentage > 100 {
		return invalid("completion_percentage must be within 0..100")
	}
	return s.requireMember(ctx, in.ProjectID, in.SubmitterID)
}

// ListModules returns the project's submissions, oldest first. Members only.
func (s *ProgressService) ListModules(ctx context.Context, caller, projectID string) ([]model.ModuleSubmission, error) {
	if err := s.requireMember(ctx, projectID, caller); err != nil {
		return nil, err
	}
	return s.projects.ListSubmissions(ctx, projectID)
}

func (s *ProgressService) requireMember(ctx context.Context, projectID, userID string) error {
	if _, err := s.projects.GetByID(ctx, projectID); err != nil {
		return err
	}
	member, err := s.projects.IsMember(ctx, projectID, userID)
	if err != nil {
		return err
	}
	if !member {
		return ErrForbidden
	}
	return nil
}

func (s *ProgressService) postToChat(ctx context.Context, project *model.Project, sub *model.ModuleSubmission, files []model.Attachment) (string, *model.Message, error) {
	chat, err := s.projectChat(ctx, project.ID, sub.SubmitterID)
	if err != nil {
		return "", nil, err
	}
	if err := s.chats.AddParticipant(ctx, chat.ID, sub.SubmitterID); err != nil {
		return chat.ID, nil, fmt.Errorf("join project chat: %w", err)
	}

	attachments := make([]model.Attachment, 0, len(files)+1)
	attachments = append(attachments, model.Attachment{
		Kind:     model.AttachmentModule,
		Filename: sub.Title,
		MimeType: "application/vnd.devcollab.module",
		Module: &model.ModuleData{
			ModuleID:             sub.ID,
			Title:                sub.Title,
			CompletionPercentage: sub.CompletionPercentage,
		},
	})
	attachments = append(attachments, files...)

	var deadline *time.Time
	if project.Deadline != nil {
		d := *project.Deadline
		deadline = &d
	}
	msg, err := s.chatSvc.SendMessage(ctx, SendMessageInput{
		ChatID:      chat.ID,
		SenderID:    sub.SubmitterID,
		Content:     model.ProgressText(sub.Title, sub.CompletionPercentage, project.CompletionPercentage),
		Attachments: attachments,
		ProjectProgress: &model.ProgressSnapshot{
			ProjectRef:           project.ID,
			CompletionPercentage: project.CompletionPercentage,
			Deadline:             deadline,
			CapturedAt:           sub.SubmittedAt,
		},
	})
	if err != nil {
		return chat.ID, nil, err
	}
	return chat.ID, msg, nil
}

// projectChat finds the project's chat or creates it with the submitter as
// first participant. A concurrent creator wins the unique index; re-read then.
func (s *ProgressService) projectChat(ctx context.Context, projectID, submitter string) (*model.Chat, error) {
	chat, err := s.chats.FindProjectChat(ctx, projectID)
	if err == nil {
		return chat, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	chat, err = s.chats.CreateProjectChat(ctx, projectID, submitter)
	if errors.Is(err, ErrAlreadyExists) {
		return s.chats.FindProjectChat(ctx, projectID)
	}
	return chat, err
}

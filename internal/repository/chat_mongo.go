package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/devcollab/internal/logger"
	"github.com/devcollab/internal/model"
)

// headerProjection leaves the message log out of chat reads.
var headerProjection = bson.M{"messages": 0}

const (
	chatsCollection = "chats"
	// markReadAttempts bounds the optimistic retry loop in MarkRead.
	markReadAttempts = 5
)

// MongoChatRepository stores one document per chat with its message log
// embedded, so appends and receipts are single-document atomic updates.
type MongoChatRepository struct {
	coll *mongo.Collection
}

func NewMongoChatRepository(db *mongo.Database) *MongoChatRepository {
	return &MongoChatRepository{coll: db.Collection(chatsCollection)}
}

var _ ChatStore = (*MongoChatRepository)(nil)

// EnsureIndexes creates the uniqueness guarantees the store relies on:
// one direct chat per pair and one project chat per project.
func (r *MongoChatRepository) EnsureIndexes(ctx context.Context) error {
	defer logger.DeferLogDuration("chat.EnsureIndexes", time.Now())()
	indexes := []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "direct_key", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("uniq_direct_pair").
				SetPartialFilterExpression(bson.M{"kind": string(model.ChatKindDirect)}),
		},
		{
			Keys: bson.D{{Key: "project_ref", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("uniq_project_chat").
				SetPartialFilterExpression(bson.M{"kind": string(model.ChatKindProject)}),
		},
		{Keys: bson.D{{Key: "participants", Value: 1}, {Key: "updated_at", Value: -1}}},
	}
	if _, err := r.coll.Indexes().CreateMany(ctx, indexes); err != nil {
		return fmt.Errorf("chatRepo.EnsureIndexes: %w", err)
	}
	return nil
}

func (r *MongoChatRepository) GetOrCreateDirect(ctx context.Context, userA, userB string) (*model.Chat, bool, error) {
	defer logger.DeferLogDuration("chat.GetOrCreateDirect", time.Now())()
	key := model.DirectKey(userA, userB)
	now := time.Now().UTC()
	newID := uuid.New().String()

	filter := bson.M{"kind": string(model.ChatKindDirect), "direct_key": key}
	update := bson.M{"$setOnInsert": bson.M{
		"_id":          newID,
		"participants": bson.A{strings.TrimSpace(userA), strings.TrimSpace(userB)},
		"messages":     bson.A{},
		"version":      int64(0),
		"created_at":   now,
		"updated_at":   now,
	}}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After).SetProjection(headerProjection)

	var c model.Chat
	err := r.coll.FindOneAndUpdate(ctx, filter, update, opts).Decode(&c)
	if mongo.IsDuplicateKeyError(err) {
		// Lost the upsert race to a concurrent caller; its insert is now visible.
		if err := r.coll.FindOne(ctx, filter, options.FindOne().SetProjection(headerProjection)).Decode(&c); err != nil {
			return nil, false, fmt.Errorf("chatRepo.GetOrCreateDirect reread: %w", err)
		}
		return &c, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("chatRepo.GetOrCreateDirect: %w", err)
	}
	return &c, c.ID == newID, nil
}

func (r *MongoChatRepository) CreateProjectChat(ctx context.Context, projectRef, creator string) (*model.Chat, error) {
	defer logger.DeferLogDuration("chat.CreateProjectChat", time.Now())()
	now := time.Now().UTC()
	c := &model.Chat{
		ID:           uuid.New().String(),
		Kind:         model.ChatKindProject,
		Participants: []string{creator},
		ProjectRef:   projectRef,
		Messages:     []model.Message{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if _, err := r.coll.InsertOne(ctx, c); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil, ErrAlreadyExists
		}
		return nil, fmt.Errorf("chatRepo.CreateProjectChat: %w", err)
	}
	c.Messages = nil
	return c, nil
}

func (r *MongoChatRepository) FindProjectChat(ctx context.Context, projectRef string) (*model.Chat, error) {
	defer logger.DeferLogDuration("chat.FindProjectChat", time.Now())()
	return r.findOne(ctx, bson.M{"kind": string(model.ChatKindProject), "project_ref": projectRef}, "chatRepo.FindProjectChat")
}

func (r *MongoChatRepository) GetByID(ctx context.Context, chatID string) (*model.Chat, error) {
	defer logger.DeferLogDuration("chat.GetByID", time.Now())()
	return r.findOne(ctx, bson.M{"_id": chatID}, "chatRepo.GetByID")
}

func (r *MongoChatRepository) findOne(ctx context.Context, filter bson.M, op string) (*model.Chat, error) {
	var c model.Chat
	err := r.coll.FindOne(ctx, filter, options.FindOne().SetProjection(headerProjection)).Decode(&c)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &c, nil
}

func (r *MongoChatRepository) ListForUser(ctx context.Context, userID string) ([]ChatListItem, error) {
	defer logger.DeferLogDuration("chat.ListForUser", time.Now())()
	unread := bson.M{"$size": bson.M{"$filter": bson.M{
		"input": bson.M{"$ifNull": bson.A{"$messages", bson.A{}}},
		"as":    "m",
		"cond": bson.M{"$not": bson.A{
			bson.M{"$in": bson.A{userID, bson.M{"$ifNull": bson.A{"$$m.read_by.user_id", bson.A{}}}}},
		}},
	}}}
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"participants": userID}}},
		{{Key: "$sort", Value: bson.D{{Key: "updated_at", Value: -1}}}},
		{{Key: "$addFields", Value: bson.M{"unread_count": unread}}},
		{{Key: "$project", Value: bson.M{"messages": 0}}},
	}
	cur, err := r.coll.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("chatRepo.ListForUser aggregate: %w", err)
	}
	items := make([]ChatListItem, 0, 16)
	if err := cur.All(ctx, &items); err != nil {
		return nil, fmt.Errorf("chatRepo.ListForUser decode: %w", err)
	}
	return items, nil
}

func (r *MongoChatRepository) Messages(ctx context.Context, chatID string) ([]model.Message, error) {
	defer logger.DeferLogDuration("chat.Messages", time.Now())()
	var doc struct {
		Messages []model.Message `bson:"messages"`
	}
	opts := options.FindOne().SetProjection(bson.M{"messages": 1})
	err := r.coll.FindOne(ctx, bson.M{"_id": chatID}, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("chatRepo.Messages: %w", err)
	}
	if doc.Messages == nil {
		doc.Messages = []model.Message{}
	}
	return doc.Messages, nil
}

func (r *MongoChatRepository) IsParticipant(ctx context.Context, chatID, userID string) (bool, error) {
	defer logger.DeferLogDuration("chat.IsParticipant", time.Now())()
	var doc struct {
		Participants []string `bson:"participants"`
	}
	opts := options.FindOne().SetProjection(bson.M{"participants": 1})
	err := r.coll.FindOne(ctx, bson.M{"_id": chatID}, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("chatRepo.IsParticipant: %w", err)
	}
	for _, p := range doc.Participants {
		if p == userID {
			return true, nil
		}
	}
	return false, nil
}

// AppendMessage pushes the message and refreshes last_message in one update,
// guarded by the sender being a participant.
func (r *MongoChatRepository) AppendMessage(ctx context.Context, chatID string, m *model.Message) error {
	defer logger.DeferLogDuration("chat.AppendMessage", time.Now())()
	m.ChatID = chatID
	m.MarkReadBy(m.SenderID, m.CreatedAt)

	filter := bson.M{"_id": chatID, "participants": m.SenderID}
	update := bson.M{
		"$push": bson.M{"messages": m},
		"$set":  bson.M{"last_message": m.Preview(), "updated_at": m.CreatedAt},
		"$inc":  bson.M{"version": 1},
	}
	res, err := r.coll.UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("chatRepo.AppendMessage: %w", err)
	}
	if res.MatchedCount == 0 {
		return r.missOrForbidden(ctx, chatID, ErrForbidden)
	}
	return nil
}

// MarkRead adds receipts to every message userID has not read. The unread ids
// are read together with the chat version; the update only applies if the
// version is unchanged, otherwise it re-reads.
func (r *MongoChatRepository) MarkRead(ctx context.Context, chatID, userID string, at time.Time) (int, error) {
	defer logger.DeferLogDuration("chat.MarkRead", time.Now())()
	for attempt := 0; attempt < markReadAttempts; attempt++ {
		var doc struct {
			Version  int64 `bson:"version"`
			Messages []struct {
				ID     string              `bson:"id"`
				ReadBy []model.ReadReceipt `bson:"read_by"`
			} `bson:"messages"`
		}
		opts := options.FindOne().SetProjection(bson.M{"version": 1, "messages.id": 1, "messages.read_by": 1})
		err := r.coll.FindOne(ctx, bson.M{"_id": chatID}, opts).Decode(&doc)
		if errors.Is(err, mongo.ErrNoDocuments) {
			return 0, ErrNotFound
		}
		if err != nil {
			return 0, fmt.Errorf("chatRepo.MarkRead read: %w", err)
		}

		unread := make([]string, 0, len(doc.Messages))
		for _, m := range doc.Messages {
			read := false
			for _, rr := range m.ReadBy {
				if rr.UserID == userID {
					read = true
					break
				}
			}
			if !read {
				unread = append(unread, m.ID)
			}
		}
		if len(unread) == 0 {
			return 0, nil
		}

		update := bson.M{
			"$push": bson.M{"messages.$[m].read_by": model.ReadReceipt{UserID: userID, ReadAt: at}},
			"$inc":  bson.M{"version": 1},
		}
		uopts := options.UpdateOne().SetArrayFilters([]any{bson.M{"m.id": bson.M{"$in": unread}}})
		res, err := r.coll.UpdateOne(ctx, bson.M{"_id": chatID, "version": doc.Version}, update, uopts)
		if err != nil {
			return 0, fmt.Errorf("chatRepo.MarkRead update: %w", err)
		}
		if res.MatchedCount == 1 {
			return len(unread), nil
		}
		logger.Debugf("chatRepo.MarkRead version conflict chat=%s attempt=%d", chatID, attempt+1)
	}
	return 0, fmt.Errorf("chatRepo.MarkRead chat=%s: concurrent updates, gave up after %d attempts", chatID, markReadAttempts)
}

func (r *MongoChatRepository) AddParticipant(ctx context.Context, chatID, userID string) error {
	defer logger.DeferLogDuration("chat.AddParticipant", time.Now())()
	filter := bson.M{"_id": chatID, "kind": string(model.ChatKindProject)}
	update := bson.M{
		"$addToSet": bson.M{"participants": userID},
		"$set":      bson.M{"updated_at": time.Now().UTC()},
		"$inc":      bson.M{"version": 1},
	}
	res, err := r.coll.UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("chatRepo.AddParticipant: %w", err)
	}
	if res.MatchedCount == 0 {
		return r.missOrForbidden(ctx, chatID, ErrInvalidOperation)
	}
	return nil
}

// RemoveParticipant never leaves a project chat without participants.
func (r *MongoChatRepository) RemoveParticipant(ctx context.Context, chatID, userID string) error {
	defer logger.DeferLogDuration("chat.RemoveParticipant", time.Now())()
	filter := bson.M{
		"_id":  chatID,
		"kind": string(model.ChatKindProject),
		"$or": bson.A{
			bson.M{"participants": bson.M{"$ne": userID}},
			bson.M{"participants.1": bson.M{"$exists": true}},
		},
	}
	update := bson.M{
		"$pull": bson.M{"participants": userID},
		"$set":  bson.M{"updated_at": time.Now().UTC()},
		"$inc":  bson.M{"version": 1},
	}
	res, err := r.coll.UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("chatRepo.RemoveParticipant: %w", err)
	}
	if res.MatchedCount == 0 {
		return r.missOrForbidden(ctx, chatID, ErrInvalidOperation)
	}
	return nil
}

// missOrForbidden tells an absent chat apart from a rejected guard.
func (r *MongoChatRepository) missOrForbidden(ctx context.Context, chatID string, guardErr error) error {
	n, err := r.coll.CountDocuments(ctx, bson.M{"_id": chatID})
	if err != nil {
		return fmt.Errorf("chatRepo.count: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return guardErr
}

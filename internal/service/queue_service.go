package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"mailqueue/contracts/db"
	mqc "mailqueue/contracts/mq"
	"mailqueue/internal/identity"
	"mailqueue/internal/repository"
	"mailqueue/pkg/logger"
	"mailqueue/pkg/trace"
)

// QueueStore is the persistence the gateway needs.
type QueueStore interface {
	StatusStore
	Insert(ctx context.Context, item *db.QueueItem, event mqc.EmailInsertedPayload) error
	FindByPublicID(ctx context.Context, publicID string) (*db.QueueItem, error)
	ListActive(ctx context.Context, user string) ([]db.QueueItem, error)
}

// Notifier pushes newly inserted items to connected clients. It must not
// block the caller.
type Notifier interface {
	NotifyNewEmail(ctx context.Context, item db.QueueItem)
}

// NewEmail is an insert request.
type NewEmail struct {
	EmailID        string     `json:"emailId"`
	EmailTimestamp string     `json:"emailTimestamp"`
	PublicID       string     `json:"publicId"`
	User           string     `json:"user"`
	Sender         string     `json:"sender"`
	Subject        string     `json:"subject"`
	Body           string     `json:"body"`
	ReceivedAt     *time.Time `json:"receivedAt"`
}

type QueueService struct {
	store    QueueStore
	notifier Notifier
	logger   *zap.Logger
	now      func() time.Time
}

func NewQueueService(store QueueStore, notifier Notifier, logger *zap.Logger) *QueueService {
	return &QueueService{
		store:    store,
		notifier: notifier,
		logger:   logger,
		now:      time.Now,
	}
}

// List returns the user's active items, newest first.
func (s *QueueService) List(ctx context.Context, user string) ([]db.QueueItem, error) {
	if strings.TrimSpace(user) == "" {
		return nil, fmt.Errorf("%w: user is required", ErrInvalid)
	}
	return s.store.ListActive(ctx, user)
}

// Snapshot is List for push clients; an empty user returns every active item.
func (s *QueueService) Snapshot(ctx context.Context, user string) ([]db.QueueItem, error) {
	return s.store.ListActive(ctx, strings.TrimSpace(user))
}

// Insert stores a new pending item and announces it.
func (s *QueueService) Insert(ctx context.Context, in NewEmail) (*db.QueueItem, error) {
	if strings.TrimSpace(in.Body) == "" {
		return nil, fmt.Errorf("%w: body is required", ErrInvalid)
	}
	if strings.TrimSpace(in.User) == "" {
		return nil, fmt.Errorf("%w: user is required", ErrInvalid)
	}

	emailID := identity.Resolve(in.EmailID, in.EmailTimestamp)
	if emailID == "" {
		emailID = uuid.NewString()
	}

	now := s.now().UTC()
	item := &db.QueueItem{
		EmailID:               emailID,
		EmailTimestamp:        strings.TrimSpace(in.EmailTimestamp),
		PublicID:              identity.PublicID(in.PublicID, in.EmailTimestamp, emailID),
		User:                  in.User,
		Sender:                in.Sender,
		Subject:               in.Subject,
		Body:                  in.Body,
		ReceivedAt:            in.ReceivedAt,
		Status:                db.StatusPending,
		TimestampAddedToQueue: now,
	}

	event := mqc.EmailInsertedPayload{
		EventName:      mqc.EventNameInsert,
		EmailID:        item.EmailID,
		EmailTimestamp: item.EmailTimestamp,
		UserID:         item.User,
		Subject:        item.Subject,
		Body:           item.Body,
		ReceivedAt:     item.ReceivedAt,
		TraceID:        trace.FromContext(ctx),
	}

	if err := s.store.Insert(ctx, item, event); err != nil {
		return nil, err
	}

	logger.WithTrace(ctx, s.logger).Info("email queued",
		zap.String("email_id", item.EmailID),
		zap.String("public_id", item.PublicID),
		zap.String("user", item.User),
	)

	if s.notifier != nil {
		s.notifier.NotifyNewEmail(ctx, *item)
	}
	return item, nil
}

// MarkDone sets a user-visible item completed.
func (s *QueueService) MarkDone(ctx context.Context, publicID string) (*db.QueueItem, error) {
	return s.transition(ctx, publicID, db.StatusCompleted)
}

// MarkCleared removes an item from the user's view.
func (s *QueueService) MarkCleared(ctx context.Context, publicID string) (*db.QueueItem, error) {
	return s.transition(ctx, publicID, db.StatusCleared)
}

func (s *QueueService) transition(ctx context.Context, publicID string, to db.Status) (*db.QueueItem, error) {
	item, err := s.store.FindByPublicID(ctx, publicID)
	if err != nil {
		return nil, err
	}

	updated, err := s.store.UpdateStatus(ctx, item.EmailID, repository.StatusUpdate{
		To:          to,
		AllowedFrom: AllowedFrom(to),
	})
	if err != nil {
		return nil, err
	}

	logger.WithTrace(ctx, s.logger).Info("email status changed",
		zap.String("email_id", updated.EmailID),
		zap.String("public_id", publicID),
		zap.String("from", string(item.Status)),
		zap.String("status", string(updated.Status)),
	)
	return updated, nil
}

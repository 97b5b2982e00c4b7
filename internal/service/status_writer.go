package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"mailqueue/contracts/db"
	"mailqueue/internal/repository"
	"mailqueue/pkg/logger"
)

// StatusStore is the conditional update the pipeline writes through.
type StatusStore interface {
	UpdateStatus(ctx context.Context, emailID string, upd repository.StatusUpdate) (*db.QueueItem, error)
}

// StatusWriter records pipeline outcomes. Writes are not retried; failures
// are logged and returned.
type StatusWriter struct {
	store        StatusStore
	writeTimeout time.Duration
	logger       *zap.Logger
}

func NewStatusWriter(store StatusStore, writeTimeout time.Duration, logger *zap.Logger) *StatusWriter {
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	return &StatusWriter{store: store, writeTimeout: writeTimeout, logger: logger}
}

// MarkProcessing moves a pending item to processing.
func (w *StatusWriter) MarkProcessing(ctx context.Context, emailID string) error {
	return w.write(ctx, emailID, repository.StatusUpdate{
		To:          db.StatusProcessing,
		AllowedFrom: AllowedFrom(db.StatusProcessing),
	})
}

// WriteSuccess stores the normalized answer and marks the item processed.
func (w *StatusWriter) WriteSuccess(ctx context.Context, emailID string, response map[string]any) error {
	return w.write(ctx, emailID, repository.StatusUpdate{
		To:          db.StatusProcessed,
		AllowedFrom: AllowedFrom(db.StatusProcessed),
		SetResponse: true,
		Response:    response,
	})
}

// WriteFailure marks the item error and clears any stored answer.
func (w *StatusWriter) WriteFailure(ctx context.Context, emailID string) error {
	return w.write(ctx, emailID, repository.StatusUpdate{
		To:          db.StatusError,
		AllowedFrom: AllowedFrom(db.StatusError),
		SetResponse: true,
	})
}

func (w *StatusWriter) write(ctx context.Context, emailID string, upd repository.StatusUpdate) error {
	// 与编排的取消/超时解耦，单独设置写入超时
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.writeTimeout)
	defer cancel()

	log := logger.WithTrace(ctx, w.logger).With(
		zap.String("email_id", emailID),
		zap.String("status", string(upd.To)),
	)

	_, err := w.store.UpdateStatus(writeCtx, emailID, upd)
	if err == nil {
		log.Debug("status written")
		return nil
	}

	var transitionErr *repository.TransitionError
	switch {
	case errors.As(err, &transitionErr):
		log.Info("status transition rejected",
			zap.String("from", string(transitionErr.From)),
			zap.String("error_kind", KindTransitionRejected),
		)
	case errors.Is(err, repository.ErrNotFound):
		log.Warn("status write for unknown email", zap.String("error_kind", KindNotFound))
	default:
		log.Error("status write failed", zap.String("error_kind", KindPersistence), zap.Error(err))
		return fmt.Errorf("%w: %w", ErrStatusWrite, err)
	}
	return err
}

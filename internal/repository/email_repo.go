package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"mailqueue/contracts/db"
	mqc "mailqueue/contracts/mq"
	"mailqueue/pkg/mq"
	"mailqueue/pkg/otel"
	"mailqueue/pkg/outbox"
)

const (
	table         = "email_queue"
	aggregateType = "email"

	itemColumns = `email_id, email_timestamp, public_id, user_id, sender, subject, body,
		received_at, status, assistant_response, timestamp_added_to_queue, updated_at`
)

// StatusUpdate describes one conditional status write. The update only
// applies when the current status is in AllowedFrom.
type StatusUpdate struct {
	To          db.Status
	AllowedFrom []db.Status
	// SetResponse writes Response into assistant_response; a nil Response
	// clears it. When false the stored response is left untouched.
	SetResponse bool
	Response    map[string]any
}

type EmailRepository struct {
	db     *pgxpool.Pool
	outbox *outbox.Repository
}

func NewEmailRepository(pool *pgxpool.Pool, outboxRepo *outbox.Repository) *EmailRepository {
	return &EmailRepository{db: pool, outbox: outboxRepo}
}

// CheckTable verifies the queue table exists.
func (r *EmailRepository) CheckTable(ctx context.Context) error {
	var exists bool
	err := r.db.QueryRow(ctx, `SELECT to_regclass('public.email_queue') IS NOT NULL`).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check %s: %w", table, err)
	}
	if !exists {
		return ErrTableMissing
	}
	return nil
}

// Insert stores a new item and its email.inserted outbox event in one
// transaction.
func (r *EmailRepository) Insert(ctx context.Context, item *db.QueueItem, event mqc.EmailInsertedPayload) error {
	return otel.WithDBSpan(ctx, "insert", table, func(ctx context.Context) error {
		tx, err := r.db.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin insert tx: %w", err)
		}
		defer func() { _ = tx.Rollback(ctx) }()

		query := `
			INSERT INTO email_queue (email_id, email_timestamp, public_id, user_id, sender, subject, body,
				received_at, status, timestamp_added_to_queue, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
			ON CONFLICT DO NOTHING
		`
		tag, err := tx.Exec(ctx, query,
			item.EmailID,
			nullIfEmpty(item.EmailTimestamp),
			item.PublicID,
			item.User,
			item.Sender,
			item.Subject,
			item.Body,
			item.ReceivedAt,
			item.Status,
			item.TimestampAddedToQueue,
		)
		if err != nil {
			return fmt.Errorf("insert email %s: %w", item.EmailID, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("email %s / public id %s: %w", item.EmailID, item.PublicID, ErrDuplicate)
		}

		if _, err := r.outbox.InsertEventInTx(ctx, tx, aggregateType, item.EmailID, mq.RoutingKeyEmailInserted, event); err != nil {
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit insert tx: %w", err)
		}
		item.UpdatedAt = item.TimestampAddedToQueue
		return nil
	})
}

// GetByID is a point lookup by canonical identity.
func (r *EmailRepository) GetByID(ctx context.Context, emailID string) (*db.QueueItem, error) {
	return r.getOne(ctx, "get_by_id", `SELECT `+itemColumns+` FROM email_queue WHERE email_id = $1`, emailID)
}

// FindByPublicID resolves a client-facing id through its unique index.
func (r *EmailRepository) FindByPublicID(ctx context.Context, publicID string) (*db.QueueItem, error) {
	return r.getOne(ctx, "find_by_public_id", `SELECT `+itemColumns+` FROM email_queue WHERE public_id = $1`, publicID)
}

// ListActive returns the user's items that are neither completed nor
// cleared, newest first. An empty user lists every active item.
func (r *EmailRepository) ListActive(ctx context.Context, user string) ([]db.QueueItem, error) {
	query := `SELECT ` + itemColumns + `
		FROM email_queue
		WHERE status NOT IN ('completed', 'cleared')
		AND ($1 = '' OR user_id = $1)
		ORDER BY timestamp_added_to_queue DESC
	`
	return r.list(ctx, "list_active", query, user)
}

// ListStale returns items that have stayed in status for longer than
// olderThan, oldest first.
func (r *EmailRepository) ListStale(ctx context.Context, status db.Status, olderThan time.Duration, limit int) ([]db.QueueItem, error) {
	query := `SELECT ` + itemColumns + `
		FROM email_queue
		WHERE status = $1
		AND updated_at < NOW() - make_interval(secs => $2)
		ORDER BY updated_at ASC
		LIMIT $3
	`
	return r.list(ctx, "list_stale", query, status, olderThan.Seconds(), limit)
}

// UpdateStatus applies a conditional status write keyed by canonical identity
// and returns the updated row. It returns ErrNotFound for an unknown id and a
// *TransitionError when the current status is not allowed.
func (r *EmailRepository) UpdateStatus(ctx context.Context, emailID string, upd StatusUpdate) (*db.QueueItem, error) {
	var response []byte
	if upd.SetResponse && upd.Response != nil {
		b, err := json.Marshal(upd.Response)
		if err != nil {
			return nil, fmt.Errorf("marshal assistant response: %w", err)
		}
		response = b
	}

	allowed := make([]string, len(upd.AllowedFrom))
	for i, s := range upd.AllowedFrom {
		allowed[i] = string(s)
	}

	query := `
		UPDATE email_queue
		SET status = $2,
		    assistant_response = CASE WHEN $3::boolean THEN $4::jsonb ELSE assistant_response END,
		    updated_at = NOW()
		WHERE email_id = $1 AND status = ANY($5::text[])
		RETURNING ` + itemColumns

	item, err := r.getOne(ctx, "update_status", query, emailID, string(upd.To), upd.SetResponse, response, allowed)
	if !errors.Is(err, ErrNotFound) {
		return item, err
	}

	// 未命中：区分不存在和状态不允许
	current, getErr := r.GetByID(ctx, emailID)
	if getErr != nil {
		return nil, getErr
	}
	return nil, &TransitionError{EmailID: emailID, From: current.Status, To: upd.To}
}

func (r *EmailRepository) getOne(ctx context.Context, operation, query string, args ...any) (*db.QueueItem, error) {
	items, err := r.list(ctx, operation, query, args...)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, ErrNotFound
	}
	return &items[0], nil
}

func (r *EmailRepository) list(ctx context.Context, operation, query string, args ...any) ([]db.QueueItem, error) {
	var items []db.QueueItem
	err := otel.WithDBSpan(ctx, operation, table, func(ctx context.Context) error {
		rows, err := r.db.Query(ctx, query, args...)
		if err != nil {
			return err
		}
		items, err = scanItems(rows)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", operation, err)
	}
	return items, nil
}

func scanItems(rows pgx.Rows) ([]db.QueueItem, error) {
	defer rows.Close()

	items := []db.QueueItem{}
	for rows.Next() {
		var (
			it        db.QueueItem
			timestamp *string
			status    string
			response  []byte
		)
		if err := rows.Scan(
			&it.EmailID,
			&timestamp,
			&it.PublicID,
			&it.User,
			&it.Sender,
			&it.Subject,
			&it.Body,
			&it.ReceivedAt,
			&status,
			&response,
			&it.TimestampAddedToQueue,
			&it.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan email_queue row: %w", err)
		}
		if timestamp != nil {
			it.EmailTimestamp = *timestamp
		}
		it.Status = db.Status(status)
		if len(response) > 0 {
			if err := json.Unmarshal(response, &it.AssistantResponse); err != nil {
				return nil, fmt.Errorf("decode assistant_response of %s: %w", it.EmailID, err)
			}
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

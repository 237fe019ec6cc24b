package followup

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type FollowUpDTO struct {
	ID          string         `json:"id"`
	BatchStatus string         `json:"batch_status" example:"open"`
	Fields      map[string]any `json:"fields"`
	CreatedAt   time.Time      `json:"created_at" example:"2025-07-27T16:05:05Z"`
	UpdatedAt   time.Time      `json:"updated_at" example:"2025-07-27T16:05:05Z"`
}

type ActivityDTO struct {
	ID           int64          `json:"id"`
	FollowUpID   string         `json:"follow_up_id"`
	UserID       string         `json:"user_id"`
	ActivityType string         `json:"activity_type" example:"comment"`
	Content      string         `json:"content"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

const (
	ActivityComment      = "comment"
	ActivityStatusChange = "status_change"
)

var (
	ErrFollowUpNotFound = errors.New("follow-up not found")
)

// IFollowUpService is the persistence gateway for follow-up records. The room
// coordinator holds no cached copy; every mutation is a pass-through write and
// the database stays the single source of truth.
type IFollowUpService interface {
	ApplyFieldUpdates(ctx context.Context, followUpID string, updates map[string]any) error
	AppendActivity(ctx context.Context, followUpID, userID, activityType, content string, metadata map[string]any) (int64, error)
	SetStatus(ctx context.Context, followUpID, oldStatus, newStatus, userID string) error
	GetFollowUp(ctx context.Context, id string) (*FollowUpDTO, error)
	ListActivities(ctx context.Context, followUpID string, limit, offset int) ([]ActivityDTO, error)
}

type followUpService struct {
	db           *sql.DB
	writeTimeout time.Duration
}

func NewFollowUpService(db *sql.DB, writeTimeout time.Duration) IFollowUpService {
	return &followUpService{
		db:           db,
		writeTimeout: writeTimeout,
	}
}

// ApplyFieldUpdates merges arbitrary client fields into the record's jsonb
// column. The merge keeps client-chosen field names out of SQL identifiers.
func (svc *followUpService) ApplyFieldUpdates(ctx context.Context, followUpID string, updates map[string]any) error {
	ctx, cancel := context.WithTimeout(ctx, svc.writeTimeout)
	defer cancel()

	payload, err := json.Marshal(updates)
	if err != nil {
		return err
	}

	const q = `UPDATE follow_ups
	              SET fields = coalesce(fields, '{}'::jsonb) || $2::jsonb,
	                  updated_at = now()
	            WHERE id = $1`
	res, err := svc.db.ExecContext(ctx, q, followUpID, payload)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrFollowUpNotFound
	}
	return nil
}

// AppendActivity inserts one append-only activity entry and returns its id.
func (svc *followUpService) AppendActivity(ctx context.Context, followUpID, userID, activityType, content string, metadata map[string]any) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, svc.writeTimeout)
	defer cancel()

	meta, err := marshalMetadata(metadata)
	if err != nil {
		return 0, err
	}

	const q = `INSERT INTO activity_log (follow_up_id, user_id, activity_type, content, metadata)
	                VALUES ($1, $2, $3, $4, $5)
	             RETURNING id`
	var id int64
	if err := svc.db.QueryRowContext(ctx, q, followUpID, userID, activityType, content, meta).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

// SetStatus moves the record to newStatus and records the transition in the
// activity log inside one transaction, so a broadcast status change always has
// a matching audit entry.
func (svc *followUpService) SetStatus(ctx context.Context, followUpID, oldStatus, newStatus, userID string) error {
	ctx, cancel := context.WithTimeout(ctx, svc.writeTimeout)
	defer cancel()

	tx, err := svc.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	const upd = `UPDATE follow_ups
	                SET batch_status = $2, updated_at = now()
	              WHERE id = $1`
	res, err := tx.ExecContext(ctx, upd, followUpID, newStatus)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrFollowUpNotFound
	}

	meta, err := marshalMetadata(map[string]any{
		"old_status": oldStatus,
		"new_status": newStatus,
	})
	if err != nil {
		return err
	}
	const ins = `INSERT INTO activity_log (follow_up_id, user_id, activity_type, content, metadata)
	                  VALUES ($1, $2, $3, $4, $5)`
	content := fmt.Sprintf("status %s -> %s", oldStatus, newStatus)
	if _, err := tx.ExecContext(ctx, ins, followUpID, userID, ActivityStatusChange, content, meta); err != nil {
		return err
	}

	return tx.Commit()
}

func (svc *followUpService) GetFollowUp(ctx context.Context, id string) (*FollowUpDTO, error) {
	const q = `SELECT id, batch_status, coalesce(fields, '{}'::jsonb),
	                  created_at, updated_at
	             FROM follow_ups WHERE id = $1`
	row := svc.db.QueryRowContext(ctx, q, id)

	dto := &FollowUpDTO{}
	var fields []byte
	if err := row.Scan(&dto.ID, &dto.BatchStatus, &fields,
		&dto.CreatedAt, &dto.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrFollowUpNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal(fields, &dto.Fields); err != nil {
		return nil, err
	}
	return dto, nil
}

func (svc *followUpService) ListActivities(ctx context.Context, followUpID string,
	limit, offset int) ([]ActivityDTO, error) {

	if limit == 0 {
		limit = 20
	}
	const q = `SELECT id, follow_up_id, user_id, activity_type, content,
	                  coalesce(metadata, '{}'::jsonb), created_at
	             FROM activity_log
	            WHERE follow_up_id = $1
	            ORDER BY id DESC LIMIT $2 OFFSET $3`
	rows, err := svc.db.QueryContext(ctx, q, followUpID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	list := make([]ActivityDTO, 0, limit)
	for rows.Next() {
		var a ActivityDTO
		var meta []byte
		if err := rows.Scan(&a.ID, &a.FollowUpID, &a.UserID,
			&a.ActivityType, &a.Content, &meta, &a.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(meta, &a.Metadata); err != nil {
			return nil, err
		}
		list = append(list, a)
	}
	return list, rows.Err()
}

// helpers
func marshalMetadata(m map[string]any) ([]byte, error) {
	if m == nil {
		m = map[string]any{}
	}
	return json.Marshal(m)
}

package repo

import (
	"context"
	"time"

	"github.com/google/uuid"

	"retouch/internal/infra"
	"retouch/internal/sqlinline"
)

// EditRecord is one completed provider call, kept for operator visibility.
// The staged bytes themselves never enter the database; BufferKey is the
// opaque reference into the edit buffer when the result was staged.
type EditRecord struct {
	ID           string
	UserID       string
	AttachmentID int64
	Operation    string
	Provider     string
	Model        string
	Prompt       string
	MIME         string
	Width        int
	Height       int
	BufferKey    string
	CreatedAt    time.Time
}

// ProviderCount aggregates the last 24 hours per provider and operation.
type ProviderCount struct {
	Provider  string
	Operation string
	Count     int64
}

// EditRepository persists the AI edit audit trail using PostgreSQL.
type EditRepository struct {
	sql infra.SQLExecutor
}

// NewEditRepository constructs a new audit repository instance.
func NewEditRepository(sql infra.SQLExecutor) *EditRepository {
	return &EditRepository{sql: sql}
}

// Save appends one audit row. The generated id is returned for logging.
func (r *EditRepository) Save(ctx context.Context, record EditRecord) (string, error) {
	id := record.ID
	if id == "" {
		id = uuid.NewString()
	}
	_, err := r.sql.Exec(ctx, sqlinline.QInsertEditRecord,
		id,
		record.UserID,
		record.AttachmentID,
		record.Operation,
		record.Provider,
		record.Model,
		record.Prompt,
		record.MIME,
		record.Width,
		record.Height,
		record.BufferKey,
	)
	if err != nil {
		return "", err
	}
	return id, nil
}

// CountsByProvider reports per-provider activity over the last day.
func (r *EditRepository) CountsByProvider(ctx context.Context) ([]ProviderCount, error) {
	rows, err := r.sql.Query(ctx, sqlinline.QCountEditsByProvider)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var counts []ProviderCount
	for rows.Next() {
		var c ProviderCount
		if err := rows.Scan(&c.Provider, &c.Operation, &c.Count); err != nil {
			return nil, err
		}
		counts = append(counts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return counts, nil
}

// RecentForUser lists a user's latest audit rows, newest first.
func (r *EditRepository) RecentForUser(ctx context.Context, userID string, limit int) ([]EditRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.sql.Query(ctx, sqlinline.QRecentEditsForUser, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []EditRecord
	for rows.Next() {
		var rec EditRecord
		if err := rows.Scan(&rec.ID, &rec.AttachmentID, &rec.Operation, &rec.Provider, &rec.Model,
			&rec.Prompt, &rec.MIME, &rec.Width, &rec.Height, &rec.BufferKey, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.UserID = userID
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

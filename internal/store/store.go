package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrUploadNotFound = errors.New("upload not found")
	ErrUserNotFound   = errors.New("user not found")
)

// UploadStatus is the lifecycle state of an upload. Transitions only
// move forward: pending -> processing -> completed|failed.
type UploadStatus string

const (
	StatusPending    UploadStatus = "pending"
	StatusProcessing UploadStatus = "processing"
	StatusCompleted  UploadStatus = "completed"
	StatusFailed     UploadStatus = "failed"
)

// Upload is one ingestion job's metadata and lifecycle state.
type Upload struct {
	ID               uuid.UUID         `json:"id"`
	UserID           uuid.UUID         `json:"user_id"`
	OriginalFilename string            `json:"original_filename"`
	FilePath         string            `json:"file_path"`
	TotalRows        int64             `json:"total_rows"`
	ProcessedRows    int64             `json:"processed_rows"`
	Status           UploadStatus      `json:"status"`
	Errors           []string          `json:"errors"`
	Metadata         map[string]string `json:"metadata"`
	CreatedAt        time.Time         `json:"created_at"`
	StartedAt        *time.Time        `json:"started_at"`
	CompletedAt      *time.Time        `json:"completed_at"`
}

// Progress returns the completion percentage, 0 when the total is unknown.
func (u *Upload) Progress() float64 {
	if u.TotalRows <= 0 {
		return 0
	}
	return float64(u.ProcessedRows) / float64(u.TotalRows) * 100
}

// Duration returns processing time in seconds, nil until completed.
func (u *Upload) Duration() *float64 {
	if u.StartedAt == nil || u.CompletedAt == nil {
		return nil
	}
	d := u.CompletedAt.Sub(*u.StartedAt).Seconds()
	return &d
}

// Row is one persisted record of normalized column->value data.
// Rows are immutable once written.
type Row struct {
	ID        int64                  `json:"row_id"`
	UploadID  uuid.UUID              `json:"-"`
	Data      map[string]interface{} `json:"data"`
	CreatedAt time.Time              `json:"created_at"`
}

// User is the owning identity of an upload, consumed read-only for
// completion notifications.
type User struct {
	ID    uuid.UUID
	Email string
	Name  string
}

// RowFilter restricts a row scan. Search is a case-insensitive substring
// match OR-ed across Columns; Filters are AND-combined per column, each
// value list expanded to an OR of substring matches.
type RowFilter struct {
	UploadID uuid.UUID
	Search   string
	Columns  []string
	Filters  map[string][]string
}

// SortOrder for identity ordering at the storage layer.
type SortOrder string

const (
	OrderAsc  SortOrder = "asc"
	OrderDesc SortOrder = "desc"
)

// Store is the durable row store collaborator. Implementations must keep
// row identity monotonically increasing per insert order so cursor
// pagination stays stable.
type Store interface {
	CreateUpload(ctx context.Context, u *Upload) error
	GetUpload(ctx context.Context, id uuid.UUID) (*Upload, error)
	UpdateUpload(ctx context.Context, u *Upload) error
	ListUploads(ctx context.Context, userID uuid.UUID) ([]*Upload, error)
	// DeleteUpload removes the upload and cascades to all its rows.
	DeleteUpload(ctx context.Context, id uuid.UUID) error

	BulkInsertRows(ctx context.Context, uploadID uuid.UUID, rows []map[string]interface{}) error
	CountRows(ctx context.Context, f RowFilter) (int64, error)
	FetchRows(ctx context.Context, f RowFilter, order SortOrder, offset, limit int) ([]Row, error)
	// FetchRowsAfter returns up to limit rows with identity greater than
	// cursor, in ascending identity order.
	FetchRowsAfter(ctx context.Context, f RowFilter, cursor int64, limit int) ([]Row, error)
	FirstRow(ctx context.Context, uploadID uuid.UUID) (*Row, error)

	GetUser(ctx context.Context, id uuid.UUID) (*User, error)
}

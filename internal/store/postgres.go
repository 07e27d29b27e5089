package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Postgres implements Store on database/sql with the pq driver.
// Row payloads live in a JSONB column; filtering uses data->>'col' ILIKE
// so search semantics match case-insensitive substring containment.
type Postgres struct {
	db *sql.DB
}

// NewPostgres creates a Postgres-backed store.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// DB exposes the underlying handle for health checks.
func (p *Postgres) DB() *sql.DB {
	return p.db
}

func (p *Postgres) CreateUpload(ctx context.Context, u *Upload) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	if u.Status == "" {
		u.Status = StatusPending
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}

	errsJSON, err := json.Marshal(emptyIfNil(u.Errors))
	if err != nil {
		return fmt.Errorf("marshal errors: %w", err)
	}
	metaJSON, err := json.Marshal(emptyMapIfNil(u.Metadata))
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO csv_uploads (id, user_id, original_filename, file_path,
			total_rows, processed_rows, status, errors, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, u.ID, u.UserID, u.OriginalFilename, u.FilePath,
		u.TotalRows, u.ProcessedRows, u.Status, errsJSON, metaJSON, u.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert upload: %w", err)
	}
	return nil
}

func (p *Postgres) GetUpload(ctx context.Context, id uuid.UUID) (*Upload, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, user_id, original_filename, file_path, total_rows,
			processed_rows, status, errors, metadata, created_at, started_at, completed_at
		FROM csv_uploads WHERE id = $1
	`, id)
	return scanUpload(row)
}

func (p *Postgres) UpdateUpload(ctx context.Context, u *Upload) error {
	errsJSON, err := json.Marshal(emptyIfNil(u.Errors))
	if err != nil {
		return fmt.Errorf("marshal errors: %w", err)
	}
	metaJSON, err := json.Marshal(emptyMapIfNil(u.Metadata))
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	res, err := p.db.ExecContext(ctx, `
		UPDATE csv_uploads
		SET total_rows = $1, processed_rows = $2, status = $3, errors = $4,
			metadata = $5, started_at = $6, completed_at = $7
		WHERE id = $8
	`, u.TotalRows, u.ProcessedRows, u.Status, errsJSON, metaJSON,
		u.StartedAt, u.CompletedAt, u.ID)
	if err != nil {
		return fmt.Errorf("update upload: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrUploadNotFound
	}
	return nil
}

func (p *Postgres) ListUploads(ctx context.Context, userID uuid.UUID) ([]*Upload, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, user_id, original_filename, file_path, total_rows,
			processed_rows, status, errors, metadata, created_at, started_at, completed_at
		FROM csv_uploads WHERE user_id = $1 ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list uploads: %w", err)
	}
	defer rows.Close()

	var uploads []*Upload
	for rows.Next() {
		u, err := scanUpload(rows)
		if err != nil {
			return nil, err
		}
		uploads = append(uploads, u)
	}
	return uploads, rows.Err()
}

func (p *Postgres) DeleteUpload(ctx context.Context, id uuid.UUID) error {
	// csv_rows has ON DELETE CASCADE on upload_id.
	res, err := p.db.ExecContext(ctx, `DELETE FROM csv_uploads WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete upload: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrUploadNotFound
	}
	return nil
}

func (p *Postgres) BulkInsertRows(ctx context.Context, uploadID uuid.UUID, rows []map[string]interface{}) error {
	if len(rows) == 0 {
		return nil
	}

	// One multi-row VALUES statement per batch keeps the insert bounded
	// and an order of magnitude faster than row-at-a-time inserts.
	var sb strings.Builder
	sb.WriteString(`INSERT INTO csv_rows (upload_id, data) VALUES `)
	args := make([]interface{}, 0, len(rows)*2)
	for i, r := range rows {
		if i > 0 {
			sb.WriteString(", ")
		}
		data, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("marshal row %d: %w", i, err)
		}
		fmt.Fprintf(&sb, "($%d, $%d)", len(args)+1, len(args)+2)
		args = append(args, uploadID, data)
	}

	if _, err := p.db.ExecContext(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("bulk insert rows: %w", err)
	}
	return nil
}

func (p *Postgres) CountRows(ctx context.Context, f RowFilter) (int64, error) {
	where, args := buildRowWhere(f)
	var count int64
	err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM csv_rows WHERE `+where, args...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count rows: %w", err)
	}
	return count, nil
}

func (p *Postgres) FetchRows(ctx context.Context, f RowFilter, order SortOrder, offset, limit int) ([]Row, error) {
	where, args := buildRowWhere(f)
	dir := "ASC"
	if order == OrderDesc {
		dir = "DESC"
	}
	args = append(args, limit, offset)
	q := fmt.Sprintf(`SELECT id, upload_id, data, created_at FROM csv_rows WHERE %s ORDER BY id %s LIMIT $%d OFFSET $%d`,
		where, dir, len(args)-1, len(args))
	return p.queryRows(ctx, q, args)
}

func (p *Postgres) FetchRowsAfter(ctx context.Context, f RowFilter, cursor int64, limit int) ([]Row, error) {
	where, args := buildRowWhere(f)
	args = append(args, cursor, limit)
	q := fmt.Sprintf(`SELECT id, upload_id, data, created_at FROM csv_rows WHERE %s AND id > $%d ORDER BY id ASC LIMIT $%d`,
		where, len(args)-1, len(args))
	return p.queryRows(ctx, q, args)
}

func (p *Postgres) FirstRow(ctx context.Context, uploadID uuid.UUID) (*Row, error) {
	rows, err := p.queryRows(ctx,
		`SELECT id, upload_id, data, created_at FROM csv_rows WHERE upload_id = $1 ORDER BY id ASC LIMIT $2`,
		[]interface{}{uploadID, 1})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

func (p *Postgres) GetUser(ctx context.Context, id uuid.UUID) (*User, error) {
	var u User
	err := p.db.QueryRowContext(ctx,
		`SELECT id, email, name FROM users WHERE id = $1`, id,
	).Scan(&u.ID, &u.Email, &u.Name)
	if err == sql.ErrNoRows {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &u, nil
}

func (p *Postgres) queryRows(ctx context.Context, q string, args []interface{}) ([]Row, error) {
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("fetch rows: %w", err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var r Row
		var data []byte
		if err := rows.Scan(&r.ID, &r.UploadID, &data, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		if err := json.Unmarshal(data, &r.Data); err != nil {
			return nil, fmt.Errorf("unmarshal row %d: %w", r.ID, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// buildRowWhere translates a RowFilter into a WHERE clause over the
// JSONB payload. Returned args line up with $1..$n placeholders.
func buildRowWhere(f RowFilter) (string, []interface{}) {
	clauses := []string{"upload_id = $1"}
	args := []interface{}{f.UploadID}

	if f.Search != "" && len(f.Columns) > 0 {
		var ors []string
		for _, col := range f.Columns {
			args = append(args, "%"+f.Search+"%")
			ors = append(ors, fmt.Sprintf("data->>%s ILIKE $%d", pq.QuoteLiteral(col), len(args)))
		}
		clauses = append(clauses, "("+strings.Join(ors, " OR ")+")")
	}

	for _, col := range sortedKeys(f.Filters) {
		values := f.Filters[col]
		if len(values) == 0 {
			continue
		}
		var ors []string
		for _, v := range values {
			args = append(args, "%"+v+"%")
			ors = append(ors, fmt.Sprintf("data->>%s ILIKE $%d", pq.QuoteLiteral(col), len(args)))
		}
		clauses = append(clauses, "("+strings.Join(ors, " OR ")+")")
	}

	return strings.Join(clauses, " AND "), args
}

func sortedKeys(m map[string][]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	// Deterministic clause order keeps count cache fingerprints stable.
	sort.Strings(keys)
	return keys
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanUpload(s scanner) (*Upload, error) {
	var u Upload
	var errsJSON, metaJSON []byte
	var started, completed sql.NullTime

	err := s.Scan(&u.ID, &u.UserID, &u.OriginalFilename, &u.FilePath,
		&u.TotalRows, &u.ProcessedRows, &u.Status, &errsJSON, &metaJSON,
		&u.CreatedAt, &started, &completed)
	if err == sql.ErrNoRows {
		return nil, ErrUploadNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan upload: %w", err)
	}

	if len(errsJSON) > 0 {
		if err := json.Unmarshal(errsJSON, &u.Errors); err != nil {
			return nil, fmt.Errorf("unmarshal upload errors: %w", err)
		}
	}
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &u.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal upload metadata: %w", err)
		}
	}
	if started.Valid {
		u.StartedAt = &started.Time
	}
	if completed.Valid {
		u.CompletedAt = &completed.Time
	}
	return &u, nil
}

func emptyIfNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func emptyMapIfNil(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

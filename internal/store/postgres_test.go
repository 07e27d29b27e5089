package store

import (
	"context"
	"encoding/json"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
)

func setupPostgresTest(t *testing.T) (*Postgres, sqlmock.Sqlmock, func()) {
	t.Helper()

	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("Failed to create sqlmock: %v", err)
	}

	return NewPostgres(db), mock, func() { db.Close() }
}

func TestCreateUpload_AssignsDefaults(t *testing.T) {
	store, mock, cleanup := setupPostgresTest(t)
	defer cleanup()

	mock.ExpectExec(`INSERT INTO csv_uploads`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	u := &Upload{UserID: uuid.New(), OriginalFilename: "data.csv", FilePath: "/tmp/data.csv"}
	if err := store.CreateUpload(context.Background(), u); err != nil {
		t.Fatalf("CreateUpload() error: %v", err)
	}

	if u.ID == uuid.Nil {
		t.Errorf("CreateUpload did not assign an id")
	}
	if u.Status != StatusPending {
		t.Errorf("Status = %q, want %q", u.Status, StatusPending)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestGetUpload_NotFound(t *testing.T) {
	store, mock, cleanup := setupPostgresTest(t)
	defer cleanup()

	id := uuid.New()
	mock.ExpectQuery(`(?s)SELECT .* FROM csv_uploads WHERE id`).
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := store.GetUpload(context.Background(), id)
	if err != ErrUploadNotFound {
		t.Errorf("GetUpload() error = %v, want ErrUploadNotFound", err)
	}
}

func TestGetUpload_ScansJSONFields(t *testing.T) {
	store, mock, cleanup := setupPostgresTest(t)
	defer cleanup()

	id := uuid.New()
	userID := uuid.New()
	created := time.Now().UTC()
	started := created.Add(time.Second)

	rows := sqlmock.NewRows([]string{
		"id", "user_id", "original_filename", "file_path", "total_rows",
		"processed_rows", "status", "errors", "metadata", "created_at", "started_at", "completed_at",
	}).AddRow(id, userID, "big.csv", "/data/big.csv", int64(100), int64(40),
		"processing", []byte(`["row 5: bad quote"]`), []byte(`{"job_id":"abc"}`), created, started, nil)

	mock.ExpectQuery(`(?s)SELECT .* FROM csv_uploads WHERE id`).WithArgs(id).WillReturnRows(rows)

	u, err := store.GetUpload(context.Background(), id)
	if err != nil {
		t.Fatalf("GetUpload() error: %v", err)
	}

	if u.Status != StatusProcessing {
		t.Errorf("Status = %q, want processing", u.Status)
	}
	if len(u.Errors) != 1 || u.Errors[0] != "row 5: bad quote" {
		t.Errorf("Errors = %v", u.Errors)
	}
	if u.Metadata["job_id"] != "abc" {
		t.Errorf("Metadata = %v", u.Metadata)
	}
	if u.StartedAt == nil || u.CompletedAt != nil {
		t.Errorf("StartedAt/CompletedAt not scanned correctly: %v %v", u.StartedAt, u.CompletedAt)
	}
}

func TestBulkInsertRows_SingleStatement(t *testing.T) {
	store, mock, cleanup := setupPostgresTest(t)
	defer cleanup()

	uploadID := uuid.New()
	rows := []map[string]interface{}{
		{"name": "alice", "age": "30"},
		{"name": "bob", "age": nil},
	}

	data0, _ := json.Marshal(rows[0])
	data1, _ := json.Marshal(rows[1])

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO csv_rows (upload_id, data) VALUES ($1, $2), ($3, $4)`)).
		WithArgs(uploadID, data0, uploadID, data1).
		WillReturnResult(sqlmock.NewResult(0, 2))

	if err := store.BulkInsertRows(context.Background(), uploadID, rows); err != nil {
		t.Fatalf("BulkInsertRows() error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestBulkInsertRows_EmptyBatchIsNoop(t *testing.T) {
	store, mock, cleanup := setupPostgresTest(t)
	defer cleanup()

	if err := store.BulkInsertRows(context.Background(), uuid.New(), nil); err != nil {
		t.Fatalf("BulkInsertRows(nil) error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("no SQL should run for an empty batch: %v", err)
	}
}

func TestCountRows_SearchAndFilters(t *testing.T) {
	store, mock, cleanup := setupPostgresTest(t)
	defer cleanup()

	uploadID := uuid.New()
	f := RowFilter{
		UploadID: uploadID,
		Search:   "acme",
		Columns:  []string{"name", "company"},
		Filters:  map[string][]string{"status": {"open", "closed"}},
	}

	// upload_id, two search ORs, one AND group with two ORs
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM csv_rows WHERE upload_id = \$1 AND \(data->>'name' ILIKE \$2 OR data->>'company' ILIKE \$3\) AND \(data->>'status' ILIKE \$4 OR data->>'status' ILIKE \$5\)`).
		WithArgs(uploadID, "%acme%", "%acme%", "%open%", "%closed%").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(7)))

	count, err := store.CountRows(context.Background(), f)
	if err != nil {
		t.Fatalf("CountRows() error: %v", err)
	}
	if count != 7 {
		t.Errorf("count = %d, want 7", count)
	}
}

func TestFetchRowsAfter_CursorClause(t *testing.T) {
	store, mock, cleanup := setupPostgresTest(t)
	defer cleanup()

	uploadID := uuid.New()
	rows := sqlmock.NewRows([]string{"id", "upload_id", "data", "created_at"}).
		AddRow(int64(11), uploadID, []byte(`{"a":"1"}`), time.Now()).
		AddRow(int64(12), uploadID, []byte(`{"a":"2"}`), time.Now())

	mock.ExpectQuery(`SELECT id, upload_id, data, created_at FROM csv_rows WHERE upload_id = \$1 AND id > \$2 ORDER BY id ASC LIMIT \$3`).
		WithArgs(uploadID, int64(10), 2).
		WillReturnRows(rows)

	got, err := store.FetchRowsAfter(context.Background(), RowFilter{UploadID: uploadID}, 10, 2)
	if err != nil {
		t.Fatalf("FetchRowsAfter() error: %v", err)
	}
	if len(got) != 2 || got[0].ID != 11 || got[1].ID != 12 {
		t.Errorf("unexpected rows: %+v", got)
	}
	if got[0].Data["a"] != "1" {
		t.Errorf("row data not unmarshalled: %v", got[0].Data)
	}
}

func TestDeleteUpload_NotFound(t *testing.T) {
	store, mock, cleanup := setupPostgresTest(t)
	defer cleanup()

	id := uuid.New()
	mock.ExpectExec(`DELETE FROM csv_uploads WHERE id`).
		WithArgs(id).
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := store.DeleteUpload(context.Background(), id); err != ErrUploadNotFound {
		t.Errorf("DeleteUpload() error = %v, want ErrUploadNotFound", err)
	}
}

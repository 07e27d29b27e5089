package ingest

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/datagrid/internal/cache"
	"github.com/ignite/datagrid/internal/filestore"
	"github.com/ignite/datagrid/internal/store"
)

type fakeNotifier struct {
	called chan uuid.UUID
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{called: make(chan uuid.UUID, 1)}
}

func (f *fakeNotifier) UploadCompleted(_ context.Context, id uuid.UUID) error {
	f.called <- id
	return nil
}

type ingestFixture struct {
	store    *store.Memory
	cache    *cache.Gateway
	files    filestore.Store
	notifier *fakeNotifier
	dir      string
}

func setupIngestTest(t *testing.T) *ingestFixture {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})

	dir := t.TempDir()
	fs, err := filestore.NewLocal(dir)
	if err != nil {
		t.Fatalf("NewLocal() error: %v", err)
	}

	return &ingestFixture{
		store:    store.NewMemory(),
		cache:    cache.New(client),
		files:    fs,
		notifier: newFakeNotifier(),
		dir:      dir,
	}
}

// seedUpload writes content to disk and registers a pending upload for it.
func (fx *ingestFixture) seedUpload(t *testing.T, content string) *store.Upload {
	t.Helper()

	path := filepath.Join(fx.dir, uuid.New().String()+"_contacts.csv")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write csv: %v", err)
	}

	u := &store.Upload{
		UserID:           uuid.New(),
		OriginalFilename: "contacts.csv",
		FilePath:         path,
	}
	if err := fx.store.CreateUpload(context.Background(), u); err != nil {
		t.Fatalf("CreateUpload() error: %v", err)
	}
	return u
}

func TestProcessor_IngestsAllRows(t *testing.T) {
	fx := setupIngestTest(t)

	var sb strings.Builder
	sb.WriteString("Email Address,First Name,Status\n")
	for i := 0; i < 7; i++ {
		sb.WriteString("a@example.com,Alice,active\n")
	}
	u := fx.seedUpload(t, sb.String())

	p := NewProcessor(fx.store, fx.cache, fx.files, Config{
		ChunkSize:       3,
		BatchInsertSize: 2,
		Notifier:        fx.notifier,
	})

	var reports []ProgressState
	err := p.Process(context.Background(), u.ID, "job-1", func(s ProgressState) {
		reports = append(reports, s)
	})
	if err != nil {
		t.Fatalf("Process() error: %v", err)
	}

	got, err := fx.store.GetUpload(context.Background(), u.ID)
	if err != nil {
		t.Fatalf("GetUpload() error: %v", err)
	}
	if got.Status != store.StatusCompleted {
		t.Errorf("status = %s, want completed", got.Status)
	}
	if got.TotalRows != 7 || got.ProcessedRows != 7 {
		t.Errorf("rows = %d/%d, want 7/7", got.ProcessedRows, got.TotalRows)
	}
	if got.StartedAt == nil || got.CompletedAt == nil {
		t.Errorf("timestamps not set: started=%v completed=%v", got.StartedAt, got.CompletedAt)
	}
	if got.Metadata["job_id"] != "job-1" {
		t.Errorf("metadata job_id = %q", got.Metadata["job_id"])
	}

	count, err := fx.store.CountRows(context.Background(), store.RowFilter{UploadID: u.ID})
	if err != nil {
		t.Fatalf("CountRows() error: %v", err)
	}
	if count != 7 {
		t.Errorf("stored rows = %d, want 7", count)
	}

	// 7 rows at chunk size 3 is three windows.
	if len(reports) != 3 {
		t.Fatalf("progress reports = %d, want 3", len(reports))
	}
	for i := 1; i < len(reports); i++ {
		if reports[i].Current <= reports[i-1].Current {
			t.Errorf("progress not monotonic: %v", reports)
		}
	}
	last := reports[len(reports)-1]
	if last.Current != 7 || last.Percent != 100 {
		t.Errorf("final report = %+v", last)
	}

	var cols []string
	if !fx.cache.Get(context.Background(), cache.PrefixColumns+u.ID.String(), &cols) {
		t.Fatalf("column schema not cached")
	}
	want := []string{"email_address", "first_name", "status"}
	for i, c := range want {
		if cols[i] != c {
			t.Errorf("cols = %v, want %v", cols, want)
			break
		}
	}

	var pct float64
	if !fx.cache.Get(context.Background(), cache.PrefixProgress+u.ID.String(), &pct) {
		t.Fatalf("progress not cached")
	}
	if pct != 100 {
		t.Errorf("cached progress = %v, want 100", pct)
	}

	select {
	case id := <-fx.notifier.called:
		if id != u.ID {
			t.Errorf("notified for %s, want %s", id, u.ID)
		}
	case <-time.After(2 * time.Second):
		t.Errorf("completion notifier never called")
	}
}

func TestProcessor_EmptyFile(t *testing.T) {
	fx := setupIngestTest(t)
	u := fx.seedUpload(t, "")

	p := NewProcessor(fx.store, fx.cache, fx.files, Config{})

	var reports int
	if err := p.Process(context.Background(), u.ID, "job-1", func(ProgressState) { reports++ }); err != nil {
		t.Fatalf("Process() error: %v", err)
	}

	got, _ := fx.store.GetUpload(context.Background(), u.ID)
	if got.Status != store.StatusCompleted {
		t.Errorf("status = %s, want completed", got.Status)
	}
	if got.TotalRows != 0 || got.ProcessedRows != 0 {
		t.Errorf("rows = %d/%d, want 0/0", got.ProcessedRows, got.TotalRows)
	}
	if reports != 0 {
		t.Errorf("progress reports = %d, want 0", reports)
	}
}

func TestProcessor_HeaderOnlyFile(t *testing.T) {
	fx := setupIngestTest(t)
	u := fx.seedUpload(t, "Email,Name\n")

	p := NewProcessor(fx.store, fx.cache, fx.files, Config{})

	if err := p.Process(context.Background(), u.ID, "job-1", nil); err != nil {
		t.Fatalf("Process() error: %v", err)
	}

	got, _ := fx.store.GetUpload(context.Background(), u.ID)
	if got.Status != store.StatusCompleted {
		t.Errorf("status = %s, want completed", got.Status)
	}
	if got.TotalRows != 0 {
		t.Errorf("total = %d, want 0", got.TotalRows)
	}

	count, _ := fx.store.CountRows(context.Background(), store.RowFilter{UploadID: u.ID})
	if count != 0 {
		t.Errorf("stored rows = %d, want 0", count)
	}
}

func TestProcessor_EmptyCellsBecomeNull(t *testing.T) {
	fx := setupIngestTest(t)
	u := fx.seedUpload(t, "Email,Name,Phone\na@example.com,,555\nb@example.com,Bob\n")

	p := NewProcessor(fx.store, fx.cache, fx.files, Config{})
	if err := p.Process(context.Background(), u.ID, "job-1", nil); err != nil {
		t.Fatalf("Process() error: %v", err)
	}

	rows, err := fx.store.FetchRows(context.Background(), store.RowFilter{UploadID: u.ID}, store.OrderAsc, 0, 10)
	if err != nil {
		t.Fatalf("FetchRows() error: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(rows))
	}

	if rows[0].Data["name"] != nil {
		t.Errorf("empty cell = %v, want nil", rows[0].Data["name"])
	}
	if rows[0].Data["phone"] != "555" {
		t.Errorf("phone = %v", rows[0].Data["phone"])
	}
	// Short record: missing trailing column is null too.
	if rows[1].Data["phone"] != nil {
		t.Errorf("missing cell = %v, want nil", rows[1].Data["phone"])
	}
}

func TestProcessor_MissingFileFails(t *testing.T) {
	fx := setupIngestTest(t)

	u := &store.Upload{
		UserID:           uuid.New(),
		OriginalFilename: "gone.csv",
		FilePath:         filepath.Join(fx.dir, "does-not-exist.csv"),
	}
	if err := fx.store.CreateUpload(context.Background(), u); err != nil {
		t.Fatalf("CreateUpload() error: %v", err)
	}

	p := NewProcessor(fx.store, fx.cache, fx.files, Config{Notifier: fx.notifier})

	err := p.Process(context.Background(), u.ID, "job-1", nil)
	if err == nil {
		t.Fatalf("Process() succeeded on missing file")
	}

	got, _ := fx.store.GetUpload(context.Background(), u.ID)
	if got.Status != store.StatusFailed {
		t.Errorf("status = %s, want failed", got.Status)
	}
	if len(got.Errors) == 0 {
		t.Errorf("no error recorded on upload")
	}

	select {
	case <-fx.notifier.called:
		t.Errorf("notifier called for failed upload")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestProcessor_RetryResetsProgressCounter(t *testing.T) {
	fx := setupIngestTest(t)
	u := fx.seedUpload(t, "Email,Name\na@example.com,Alice\nb@example.com,Bob\nc@example.com,Carol\n")

	// State a failed mid-file attempt leaves behind.
	ctx := context.Background()
	u.Status = store.StatusFailed
	u.TotalRows = 3
	u.ProcessedRows = 2
	u.Errors = []string{"bulk insert at row 2: connection reset"}
	if err := fx.store.UpdateUpload(ctx, u); err != nil {
		t.Fatalf("UpdateUpload() error: %v", err)
	}

	p := NewProcessor(fx.store, fx.cache, fx.files, Config{})
	if err := p.Process(ctx, u.ID, "job-2", nil); err != nil {
		t.Fatalf("Process() error: %v", err)
	}

	got, err := fx.store.GetUpload(ctx, u.ID)
	if err != nil {
		t.Fatalf("GetUpload() error: %v", err)
	}
	if got.Status != store.StatusCompleted {
		t.Errorf("status = %s, want completed", got.Status)
	}
	if got.ProcessedRows != got.TotalRows {
		t.Errorf("rows = %d/%d, want the counter reset before the retry", got.ProcessedRows, got.TotalRows)
	}
	if got.Progress() != 100 {
		t.Errorf("progress = %v, want 100", got.Progress())
	}
}

func TestProcessor_CountMatchesAcrossQuoting(t *testing.T) {
	fx := setupIngestTest(t)

	// Quoted fields with embedded newlines still count as one row.
	csv := "Email,Notes\n" +
		"a@example.com,\"line one\nline two\"\n" +
		"b@example.com,plain\n"
	u := fx.seedUpload(t, csv)

	p := NewProcessor(fx.store, fx.cache, fx.files, Config{})
	if err := p.Process(context.Background(), u.ID, "job-1", nil); err != nil {
		t.Fatalf("Process() error: %v", err)
	}

	got, _ := fx.store.GetUpload(context.Background(), u.ID)
	if got.TotalRows != 2 || got.ProcessedRows != 2 {
		t.Errorf("rows = %d/%d, want 2/2", got.ProcessedRows, got.TotalRows)
	}
}

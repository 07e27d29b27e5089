package ingest

import (
	"bufio"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/datagrid/internal/cache"
	"github.com/ignite/datagrid/internal/filestore"
	"github.com/ignite/datagrid/internal/pkg/logger"
	"github.com/ignite/datagrid/internal/schema"
	"github.com/ignite/datagrid/internal/store"
)

const (
	// DefaultChunkSize is the number of data rows processed as one window.
	DefaultChunkSize = 50000
	// DefaultBatchInsertSize bounds each bulk insert statement.
	DefaultBatchInsertSize = 1000

	progressTTL = 5 * time.Minute
	columnsTTL  = time.Hour
)

// ProgressState is the structured progress update handed to the job
// runtime after every processed window.
type ProgressState struct {
	Current int64   `json:"current"`
	Total   int64   `json:"total"`
	Percent float64 `json:"percent"`
}

// ProgressFunc receives progress updates. Implementations must be cheap
// and must not block; the processor calls them inline between windows.
type ProgressFunc func(ProgressState)

// CompletionNotifier is invoked once an upload reaches a terminal
// success state. Failures are logged and never surfaced to ingestion.
type CompletionNotifier interface {
	UploadCompleted(ctx context.Context, uploadID uuid.UUID) error
}

// Config tunes a Processor. Zero values fall back to defaults.
type Config struct {
	ChunkSize       int
	BatchInsertSize int
	Notifier        CompletionNotifier
}

// Processor streams a CSV upload into the row store in bounded windows.
// Chunk processing is strictly sequential: each window's bulk write and
// progress persist complete before the next window is read, which keeps
// memory bounded and processed_rows monotonic.
type Processor struct {
	store     store.Store
	cache     *cache.Gateway
	files     filestore.Store
	notifier  CompletionNotifier
	chunkSize int
	batchSize int
}

// NewProcessor creates an ingestion processor.
func NewProcessor(st store.Store, cg *cache.Gateway, fs filestore.Store, cfg Config) *Processor {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.BatchInsertSize <= 0 {
		cfg.BatchInsertSize = DefaultBatchInsertSize
	}
	return &Processor{
		store:     st,
		cache:     cg,
		files:     fs,
		notifier:  cfg.Notifier,
		chunkSize: cfg.ChunkSize,
		batchSize: cfg.BatchInsertSize,
	}
}

// Process runs one ingestion attempt for the upload and drives its state
// machine to a terminal status. jobID is recorded in the upload's
// metadata bag so external observers can correlate with the job runtime.
// On error the upload is left failed and the error returned so the
// caller's retry policy can re-enter it.
func (p *Processor) Process(ctx context.Context, uploadID uuid.UUID, jobID string, report ProgressFunc) error {
	upload, err := p.store.GetUpload(ctx, uploadID)
	if err != nil {
		return fmt.Errorf("load upload %s: %w", uploadID, err)
	}

	now := time.Now().UTC()
	upload.Status = store.StatusProcessing
	upload.StartedAt = &now
	// Each attempt re-streams the whole file, so a counter left over
	// from a failed attempt would run past total_rows.
	upload.ProcessedRows = 0
	if upload.Metadata == nil {
		upload.Metadata = map[string]string{}
	}
	upload.Metadata["job_id"] = jobID
	if err := p.store.UpdateUpload(ctx, upload); err != nil {
		return fmt.Errorf("mark upload processing: %w", err)
	}

	total, err := p.countRows(ctx, upload.FilePath)
	if err != nil {
		return p.fail(ctx, upload, fmt.Errorf("count rows: %w", err))
	}

	upload.TotalRows = total
	if err := p.store.UpdateUpload(ctx, upload); err != nil {
		return p.fail(ctx, upload, fmt.Errorf("persist total: %w", err))
	}

	logger.Info("starting csv ingestion",
		"upload_id", upload.ID.String(), "file", upload.OriginalFilename, "total_rows", total)

	if err := p.processChunks(ctx, upload, report); err != nil {
		return p.fail(ctx, upload, err)
	}

	done := time.Now().UTC()
	upload.Status = store.StatusCompleted
	upload.CompletedAt = &done
	if err := p.store.UpdateUpload(ctx, upload); err != nil {
		return p.fail(ctx, upload, fmt.Errorf("mark upload completed: %w", err))
	}

	logger.Info("csv ingestion completed",
		"upload_id", upload.ID.String(), "rows", upload.ProcessedRows,
		"duration_seconds", done.Sub(now).Seconds())

	if p.notifier != nil {
		// Terminal notification is fire-and-forget: a delivery failure
		// must never fail an already-completed ingestion.
		go func(id uuid.UUID) {
			nctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := p.notifier.UploadCompleted(nctx, id); err != nil {
				logger.Error("completion notification failed", "upload_id", id.String(), "error", err.Error())
			}
		}(upload.ID)
	}

	return nil
}

// countRows streams the file once to count data rows without
// materializing it. A missing or empty header row counts as zero.
func (p *Processor) countRows(ctx context.Context, path string) (int64, error) {
	f, err := p.files.Open(ctx, path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	r := newCSVReader(f)

	// Header row is not data.
	if _, err := r.Read(); err == io.EOF {
		return 0, nil
	} else if err != nil {
		return 0, err
	}

	var total int64
	for {
		if _, err := r.Read(); err == io.EOF {
			break
		} else if err != nil {
			return 0, err
		}
		total++
	}
	return total, nil
}

// processChunks re-streams the file window by window, bulk-persisting
// each window and updating progress before reading the next.
func (p *Processor) processChunks(ctx context.Context, upload *store.Upload, report ProgressFunc) error {
	f, err := p.files.Open(ctx, upload.FilePath)
	if err != nil {
		return err
	}
	defer f.Close()

	r := newCSVReader(f)

	header, err := r.Read()
	if err == io.EOF {
		// Empty file: nothing to ingest, zero progress events required.
		return nil
	}
	if err != nil {
		return fmt.Errorf("read header: %w", err)
	}

	columns := schema.NormalizeHeaders(header)

	// The schema discovered from the first chunk is authoritative for
	// this upload's query access.
	p.cache.Set(ctx, cache.PrefixColumns+upload.ID.String(), columns, columnsTTL)

	chunk := make([]map[string]interface{}, 0, p.chunkSize)

	flush := func() error {
		if len(chunk) == 0 {
			return nil
		}
		for start := 0; start < len(chunk); start += p.batchSize {
			end := start + p.batchSize
			if end > len(chunk) {
				end = len(chunk)
			}
			if err := p.store.BulkInsertRows(ctx, upload.ID, chunk[start:end]); err != nil {
				return fmt.Errorf("bulk insert at row %d: %w", upload.ProcessedRows+int64(start), err)
			}
		}

		upload.ProcessedRows += int64(len(chunk))
		if err := p.store.UpdateUpload(ctx, upload); err != nil {
			return fmt.Errorf("persist progress: %w", err)
		}

		state := ProgressState{
			Current: upload.ProcessedRows,
			Total:   upload.TotalRows,
			Percent: upload.Progress(),
		}
		p.cache.Set(ctx, cache.PrefixProgress+upload.ID.String(), state.Percent, progressTTL)
		if report != nil {
			report(state)
		}

		chunk = chunk[:0]
		return nil
	}

	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read row %d: %w", upload.ProcessedRows+int64(len(chunk))+1, err)
		}

		chunk = append(chunk, buildRow(columns, record))

		if len(chunk) >= p.chunkSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}

	return flush()
}

// fail records the error on the upload and moves it to failed. The
// original error is returned so callers can apply their retry policy.
func (p *Processor) fail(ctx context.Context, upload *store.Upload, cause error) error {
	logger.Error("csv ingestion failed", "upload_id", upload.ID.String(), "error", cause.Error())

	upload.Errors = append(upload.Errors, cause.Error())
	upload.Status = store.StatusFailed
	if err := p.store.UpdateUpload(ctx, upload); err != nil {
		logger.Error("failed to mark upload failed", "upload_id", upload.ID.String(), "error", err.Error())
	}
	return cause
}

// buildRow maps a record onto the normalized column list. Empty or
// missing cells become nil so downstream consumers see an explicit null.
func buildRow(columns []string, record []string) map[string]interface{} {
	row := make(map[string]interface{}, len(columns))
	for i, col := range columns {
		if i >= len(record) || record[i] == "" {
			row[col] = nil
			continue
		}
		row[col] = record[i]
	}
	return row
}

func newCSVReader(f io.Reader) *csv.Reader {
	r := csv.NewReader(bufio.NewReaderSize(f, 1024*1024))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	r.TrimLeadingSpace = true
	r.ReuseRecord = false
	return r
}

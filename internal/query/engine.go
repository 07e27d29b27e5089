package query

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/datagrid/internal/cache"
	"github.com/ignite/datagrid/internal/store"
)

// ErrBadFilters reports an unparseable filters parameter.
var ErrBadFilters = errors.New("invalid filters parameter")

// NotReadyError reports a query against an upload that has not finished
// ingestion. The current status is carried for the API error message.
type NotReadyError struct {
	Status store.UploadStatus
}

func (e *NotReadyError) Error() string {
	return fmt.Sprintf("upload is not ready for querying: status is %s", e.Status)
}

// Strategy selects how a result window is addressed.
type Strategy string

const (
	// StrategyOffset is classic page/page_size addressing.
	StrategyOffset Strategy = "offset"
	// StrategyStreaming is offset addressing with a larger window clamp,
	// for bulk readers.
	StrategyStreaming Strategy = "streaming"
	// StrategyCursor addresses windows by row identity, immune to page
	// drift on concurrent writes.
	StrategyCursor Strategy = "cursor"
)

const (
	defaultPageSize = 100

	minPageSize = 1
	maxPageSize = 500

	minStreamingSize = 100
	maxStreamingSize = 5000

	countTTL = 10 * time.Minute
	pageTTL  = 5 * time.Minute
)

// Params is one query against a completed upload's rows.
type Params struct {
	UploadID uuid.UUID

	Page     int
	PageSize int
	Cursor   int64
	Strategy Strategy

	SortBy    string
	SortOrder store.SortOrder

	Search      string
	Columns     []string
	FiltersJSON string

	NoCache bool
}

// RowPayload is one row as presented to API consumers.
type RowPayload struct {
	RowID     int64                  `json:"row_id"`
	Data      map[string]interface{} `json:"data"`
	CreatedAt time.Time              `json:"created_at"`
}

// Pagination describes the window's position within the result set.
// Offset fields and cursor fields are mutually exclusive.
type Pagination struct {
	CurrentPage int   `json:"current_page,omitempty"`
	PageSize    int   `json:"page_size"`
	TotalCount  int64 `json:"total_count,omitempty"`
	TotalPages  int   `json:"total_pages,omitempty"`
	HasNext     bool  `json:"has_next"`
	HasPrev     bool  `json:"has_previous"`
	NextPage    *int  `json:"next_page,omitempty"`
	PrevPage    *int  `json:"previous_page,omitempty"`
	RangeStart  int64 `json:"range_start,omitempty"`
	RangeEnd    int64 `json:"range_end,omitempty"`

	NextCursor     *int64 `json:"next_cursor,omitempty"`
	PreviousCursor *int64 `json:"previous_cursor,omitempty"`
}

// Metadata echoes the resolved query context back to the caller.
type Metadata struct {
	AvailableColumns []string            `json:"available_columns"`
	SortBy           string              `json:"sort_by,omitempty"`
	SortOrder        string              `json:"sort_order,omitempty"`
	Search           string              `json:"search,omitempty"`
	Columns          []string            `json:"columns,omitempty"`
	Filters          map[string][]string `json:"filters,omitempty"`
	Strategy         string              `json:"pagination_strategy"`
}

// Performance carries query-side timing for API diagnostics.
type Performance struct {
	ResponseTimeMS float64 `json:"response_time_ms"`
	Cached         bool    `json:"cached"`
	QueryCount     int     `json:"query_count"`
}

// Envelope is the complete response to one row query.
type Envelope struct {
	UploadID         uuid.UUID          `json:"upload_id"`
	OriginalFilename string             `json:"original_filename"`
	UploadStatus     store.UploadStatus `json:"upload_status"`
	Data             []RowPayload       `json:"data"`
	Pagination       Pagination         `json:"pagination"`
	Metadata         Metadata           `json:"metadata"`
	Performance      Performance        `json:"performance"`
}

// Engine answers row queries over completed uploads, with a cache in
// front of the counting and page-assembly work.
type Engine struct {
	store store.Store
	cache *cache.Gateway
}

// New creates a query engine.
func New(st store.Store, cg *cache.Gateway) *Engine {
	return &Engine{store: st, cache: cg}
}

// Query validates, clamps and executes the given params, returning a
// fully assembled response envelope.
func (e *Engine) Query(ctx context.Context, p Params) (*Envelope, error) {
	started := time.Now()

	upload, err := e.store.GetUpload(ctx, p.UploadID)
	if err != nil {
		return nil, err
	}
	if upload.Status != store.StatusCompleted {
		return nil, &NotReadyError{Status: upload.Status}
	}

	filters, err := parseFilters(p.FiltersJSON)
	if err != nil {
		return nil, err
	}

	p = clamp(p)

	columns, err := e.availableColumns(ctx, upload.ID)
	if err != nil {
		return nil, err
	}

	// Search always spans the full schema; the columns parameter only
	// projects the response. Filters on columns the upload does not have
	// are dropped rather than matched against nothing.
	var searchCols []string
	if p.Search != "" {
		searchCols = columns
	}
	filters = pruneFilters(filters, columns)

	filter := store.RowFilter{
		UploadID: upload.ID,
		Search:   p.Search,
		Columns:  searchCols,
		Filters:  filters,
	}

	fp := fingerprint(p, filter)

	// Only offset pages are cacheable as a whole: cursor windows depend
	// on the caller's cursor value and streaming windows are one-shot
	// bulk reads.
	if p.Strategy == StrategyOffset && !p.NoCache {
		cached := &Envelope{}
		if e.cache.Get(ctx, cache.PrefixPage+upload.ID.String()+":"+fp, cached) {
			cached.Performance = Performance{
				ResponseTimeMS: float64(time.Since(started).Microseconds()) / 1000,
				Cached:         true,
			}
			return cached, nil
		}
	}

	env := &Envelope{
		UploadID:         upload.ID,
		OriginalFilename: upload.OriginalFilename,
		UploadStatus:     upload.Status,
		Metadata: Metadata{
			AvailableColumns: columns,
			SortBy:           p.SortBy,
			SortOrder:        string(p.SortOrder),
			Search:           p.Search,
			Columns:          p.Columns,
			Filters:          filters,
			Strategy:         string(p.Strategy),
		},
	}

	queries := 0

	switch p.Strategy {
	case StrategyCursor:
		n, err := e.cursorWindow(ctx, env, filter, p)
		if err != nil {
			return nil, err
		}
		queries += n
	default:
		n, err := e.offsetWindow(ctx, env, filter, p, fp)
		if err != nil {
			return nil, err
		}
		queries += n
	}

	// Identity sorts are already ordered by the store; the in-window
	// sort only applies to real schema columns.
	if p.SortBy != "" && p.SortBy != "id" && containsColumn(columns, p.SortBy) {
		sortPage(env.Data, p.SortBy, p.SortOrder)
	}
	project(env.Data, p.Columns)

	env.Performance = Performance{
		ResponseTimeMS: float64(time.Since(started).Microseconds()) / 1000,
		Cached:         false,
		QueryCount:     queries,
	}

	if p.Strategy == StrategyOffset && !p.NoCache {
		e.cache.Set(ctx, cache.PrefixPage+upload.ID.String()+":"+fp, env, pageTTL)
	}

	return env, nil
}

// offsetWindow fills env for page/page_size addressing. Returns the
// number of storage queries issued.
func (e *Engine) offsetWindow(ctx context.Context, env *Envelope, f store.RowFilter, p Params, fp string) (int, error) {
	queries := 0

	total, hit, err := e.countRows(ctx, f, p, fp)
	if err != nil {
		return queries, err
	}
	if !hit {
		queries++
	}

	totalPages := int((total + int64(p.PageSize) - 1) / int64(p.PageSize))
	offset := (p.Page - 1) * p.PageSize

	rows, err := e.store.FetchRows(ctx, f, p.SortOrder, offset, p.PageSize)
	if err != nil {
		return queries, err
	}
	queries++

	env.Data = toPayload(rows)

	pg := Pagination{
		CurrentPage: p.Page,
		PageSize:    p.PageSize,
		TotalCount:  total,
		TotalPages:  totalPages,
		HasNext:     p.Page < totalPages,
		HasPrev:     p.Page > 1,
	}
	if pg.HasNext {
		next := p.Page + 1
		pg.NextPage = &next
	}
	if pg.HasPrev {
		prev := p.Page - 1
		pg.PrevPage = &prev
	}
	pg.RangeStart = int64(offset) + 1
	pg.RangeEnd = int64(p.Page) * int64(p.PageSize)
	if pg.RangeEnd > total {
		pg.RangeEnd = total
	}
	env.Pagination = pg

	return queries, nil
}

// cursorWindow fills env for identity-cursor addressing. One extra row
// is fetched to decide has_next without a count query.
func (e *Engine) cursorWindow(ctx context.Context, env *Envelope, f store.RowFilter, p Params) (int, error) {
	rows, err := e.store.FetchRowsAfter(ctx, f, p.Cursor, p.PageSize+1)
	if err != nil {
		return 0, err
	}

	hasNext := len(rows) > p.PageSize
	if hasNext {
		rows = rows[:p.PageSize]
	}

	env.Data = toPayload(rows)

	pg := Pagination{
		PageSize:    p.PageSize,
		HasNext:     hasNext,
		HasPrev:     p.Cursor > 0,
		CurrentPage: 0,
	}
	if len(rows) > 0 {
		if hasNext {
			next := rows[len(rows)-1].ID
			pg.NextCursor = &next
		}
		if pg.HasPrev {
			prev := rows[0].ID - int64(p.PageSize) - 1
			if prev < 0 {
				prev = 0
			}
			pg.PreviousCursor = &prev
		}
	}
	env.Pagination = pg

	return 1, nil
}

// countRows returns the filtered row count, consulting the count cache
// first. The bool reports whether the cache served it.
func (e *Engine) countRows(ctx context.Context, f store.RowFilter, p Params, fp string) (int64, bool, error) {
	key := cache.PrefixCount + f.UploadID.String() + ":" + fp

	if !p.NoCache {
		var total int64
		if e.cache.Get(ctx, key, &total) {
			return total, true, nil
		}
	}

	total, err := e.store.CountRows(ctx, f)
	if err != nil {
		return 0, false, err
	}
	e.cache.Set(ctx, key, total, countTTL)
	return total, false, nil
}

// availableColumns returns the upload's column schema: the ordered list
// cached at ingestion time, falling back to the first row's keys sorted
// for determinism.
func (e *Engine) availableColumns(ctx context.Context, uploadID uuid.UUID) ([]string, error) {
	var columns []string
	if e.cache.Get(ctx, cache.PrefixColumns+uploadID.String(), &columns) && len(columns) > 0 {
		return columns, nil
	}

	row, err := e.store.FirstRow(ctx, uploadID)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, nil
	}
	for col := range row.Data {
		columns = append(columns, col)
	}
	sort.Strings(columns)
	return columns, nil
}

// pruneFilters drops filter entries for columns outside the upload's
// schema, so a typo'd filter widens the result instead of emptying it.
func pruneFilters(filters map[string][]string, columns []string) map[string][]string {
	if len(filters) == 0 {
		return filters
	}
	out := make(map[string][]string, len(filters))
	for col, values := range filters {
		if containsColumn(columns, col) {
			out[col] = values
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func containsColumn(columns []string, name string) bool {
	for _, c := range columns {
		if c == name {
			return true
		}
	}
	return false
}

// parseFilters decodes the filters parameter. Scalar values are lifted
// to single-element lists so handlers always see lists.
func parseFilters(raw string) (map[string][]string, error) {
	if raw == "" {
		return nil, nil
	}

	var generic map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &generic); err != nil {
		return nil, ErrBadFilters
	}

	out := make(map[string][]string, len(generic))
	for col, v := range generic {
		switch t := v.(type) {
		case []interface{}:
			for _, item := range t {
				out[col] = append(out[col], valueString(item))
			}
		default:
			out[col] = []string{valueString(t)}
		}
	}
	return out, nil
}

func valueString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		// JSON numbers arrive as float64; render integers without the
		// trailing fraction.
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%v", t)
	default:
		return fmt.Sprintf("%v", t)
	}
}

// clamp normalizes page addressing to safe bounds.
func clamp(p Params) Params {
	if p.Strategy == "" {
		p.Strategy = StrategyOffset
	}
	if p.SortOrder != store.OrderDesc {
		p.SortOrder = store.OrderAsc
	}
	if p.Page < 1 {
		p.Page = 1
	}
	if p.PageSize <= 0 {
		p.PageSize = defaultPageSize
	}

	lo, hi := minPageSize, maxPageSize
	if p.Strategy == StrategyStreaming {
		lo, hi = minStreamingSize, maxStreamingSize
	}
	if p.PageSize < lo {
		p.PageSize = lo
	}
	if p.PageSize > hi {
		p.PageSize = hi
	}

	if p.Cursor < 0 {
		p.Cursor = 0
	}
	return p
}

// fingerprint produces a stable cache key component from everything
// that shapes the result window.
func fingerprint(p Params, f store.RowFilter) string {
	h := sha256.New()

	var filterKeys []string
	for k := range f.Filters {
		filterKeys = append(filterKeys, k)
	}
	sort.Strings(filterKeys)

	fmt.Fprintf(h, "page=%d|size=%d|strategy=%s|sort=%s:%s|search=%s|cols=%s|",
		p.Page, p.PageSize, p.Strategy, p.SortBy, p.SortOrder, p.Search, strings.Join(p.Columns, ","))
	for _, k := range filterKeys {
		fmt.Fprintf(h, "%s=%s|", k, strings.Join(f.Filters[k], ","))
	}

	return hex.EncodeToString(h.Sum(nil))[:16]
}

// sortPage applies the requested column sort within the fetched window
// only. Comparison is case-insensitive on the stringified value, ties
// broken by row identity so the order is stable.
func sortPage(rows []RowPayload, sortBy string, order store.SortOrder) {
	if sortBy == "" {
		return
	}

	sort.SliceStable(rows, func(i, j int) bool {
		a := strings.ToLower(cellString(rows[i].Data[sortBy]))
		b := strings.ToLower(cellString(rows[j].Data[sortBy]))
		if a == b {
			return rows[i].RowID < rows[j].RowID
		}
		if order == store.OrderDesc {
			return a > b
		}
		return a < b
	})
}

func cellString(v interface{}) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	b, _ := json.Marshal(v)
	return string(b)
}

// project restricts each row's data to the requested columns. An empty
// request keeps everything.
func project(rows []RowPayload, columns []string) {
	if len(columns) == 0 {
		return
	}
	for i := range rows {
		data := make(map[string]interface{}, len(columns))
		for _, col := range columns {
			if v, ok := rows[i].Data[col]; ok {
				data[col] = v
			}
		}
		rows[i].Data = data
	}
}

func toPayload(rows []store.Row) []RowPayload {
	out := make([]RowPayload, 0, len(rows))
	for _, r := range rows {
		out = append(out, RowPayload{
			RowID:     r.ID,
			Data:      r.Data,
			CreatedAt: r.CreatedAt,
		})
	}
	return out
}

package store

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process Store used by tests and local development.
// It mirrors the Postgres implementation's filter semantics:
// case-insensitive substring matching over stringified values.
type Memory struct {
	mu      sync.RWMutex
	uploads map[uuid.UUID]*Upload
	rows    []Row
	users   map[uuid.UUID]*User
	nextID  int64
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		uploads: make(map[uuid.UUID]*Upload),
		users:   make(map[uuid.UUID]*User),
		nextID:  1,
	}
}

// AddUser seeds a user, for tests.
func (m *Memory) AddUser(u *User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = u
}

func (m *Memory) CreateUpload(_ context.Context, u *Upload) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	if u.Status == "" {
		u.Status = StatusPending
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	cp := *u
	m.uploads[u.ID] = &cp
	return nil
}

func (m *Memory) GetUpload(_ context.Context, id uuid.UUID) (*Upload, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.uploads[id]
	if !ok {
		return nil, ErrUploadNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *Memory) UpdateUpload(_ context.Context, u *Upload) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.uploads[u.ID]; !ok {
		return ErrUploadNotFound
	}
	cp := *u
	m.uploads[u.ID] = &cp
	return nil
}

func (m *Memory) ListUploads(_ context.Context, userID uuid.UUID) ([]*Upload, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Upload
	for _, u := range m.uploads {
		if u.UserID == userID {
			cp := *u
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) DeleteUpload(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.uploads[id]; !ok {
		return ErrUploadNotFound
	}
	delete(m.uploads, id)
	kept := m.rows[:0]
	for _, r := range m.rows {
		if r.UploadID != id {
			kept = append(kept, r)
		}
	}
	m.rows = kept
	return nil
}

func (m *Memory) BulkInsertRows(_ context.Context, uploadID uuid.UUID, rows []map[string]interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	for _, data := range rows {
		m.rows = append(m.rows, Row{
			ID:        m.nextID,
			UploadID:  uploadID,
			Data:      data,
			CreatedAt: now,
		})
		m.nextID++
	}
	return nil
}

func (m *Memory) CountRows(_ context.Context, f RowFilter) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var n int64
	for _, r := range m.rows {
		if matchRow(r, f) {
			n++
		}
	}
	return n, nil
}

func (m *Memory) FetchRows(_ context.Context, f RowFilter, order SortOrder, offset, limit int) ([]Row, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	matched := m.matched(f)
	if order == OrderDesc {
		for i, j := 0, len(matched)-1; i < j; i, j = i+1, j-1 {
			matched[i], matched[j] = matched[j], matched[i]
		}
	}
	if offset >= len(matched) {
		return nil, nil
	}
	end := offset + limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[offset:end], nil
}

func (m *Memory) FetchRowsAfter(_ context.Context, f RowFilter, cursor int64, limit int) ([]Row, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Row
	for _, r := range m.matched(f) {
		if r.ID > cursor {
			out = append(out, r)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (m *Memory) FirstRow(_ context.Context, uploadID uuid.UUID) (*Row, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.rows {
		if r.UploadID == uploadID {
			cp := r
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *Memory) GetUser(_ context.Context, id uuid.UUID) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

// matched returns rows passing the filter in ascending identity order.
func (m *Memory) matched(f RowFilter) []Row {
	var out []Row
	for _, r := range m.rows {
		if matchRow(r, f) {
			out = append(out, r)
		}
	}
	return out
}

func matchRow(r Row, f RowFilter) bool {
	if r.UploadID != f.UploadID {
		return false
	}

	if f.Search != "" {
		needle := strings.ToLower(f.Search)
		found := false
		for _, col := range f.Columns {
			if containsValue(r.Data[col], needle) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	for col, values := range f.Filters {
		if len(values) == 0 {
			continue
		}
		found := false
		for _, v := range values {
			if containsValue(r.Data[col], strings.ToLower(v)) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func containsValue(v interface{}, needle string) bool {
	if v == nil {
		return false
	}
	return strings.Contains(strings.ToLower(stringify(v)), needle)
}

func stringify(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	default:
		b, _ := json.Marshal(v)
		return string(b)
	}
}

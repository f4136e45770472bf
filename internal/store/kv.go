package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ErrNotFound is returned when a key does not exist.
var ErrNotFound = errors.New("not found")

// Record is one value in a namespace. Index is a secondary key that
// ListByIndex filters on; it may be empty.
type Record struct {
	Namespace string
	Key       string
	Index     string
	Value     []byte
	UpdatedAt time.Time
}

// KV is the local key-value store every component persists through.
type KV interface {
	Get(ctx context.Context, namespace, key string) (Record, error)
	Put(ctx context.Context, rec Record) error
	Delete(ctx context.Context, namespace, key string) error
	// ListByIndex returns records of namespace ordered by key. An empty
	// index returns every record in the namespace.
	ListByIndex(ctx context.Context, namespace, index string) ([]Record, error)
}

// SQLStore implements KV over the station database.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore creates a KV over db. The kv table must exist.
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

func (s *SQLStore) Get(ctx context.Context, namespace, key string) (Record, error) {
	rec := Record{Namespace: namespace, Key: key}
	var updatedAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT idx, value, updated_at FROM kv WHERE namespace = ? AND key = ?`,
		namespace, key).Scan(&rec.Index, &rec.Value, &updatedAt)
	if err == sql.ErrNoRows {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("failed to get %s/%s: %w", namespace, key, err)
	}
	rec.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return rec, nil
}

func (s *SQLStore) Put(ctx context.Context, rec Record) error {
	if rec.Namespace == "" || rec.Key == "" {
		return fmt.Errorf("namespace and key are required")
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv (namespace, key, idx, value, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(namespace, key) DO UPDATE SET
			idx = excluded.idx, value = excluded.value, updated_at = excluded.updated_at
	`, rec.Namespace, rec.Key, rec.Index, rec.Value, rec.UpdatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to put %s/%s: %w", rec.Namespace, rec.Key, err)
	}
	return nil
}

func (s *SQLStore) Delete(ctx context.Context, namespace, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE namespace = ? AND key = ?`, namespace, key)
	if err != nil {
		return fmt.Errorf("failed to delete %s/%s: %w", namespace, key, err)
	}
	return nil
}

func (s *SQLStore) ListByIndex(ctx context.Context, namespace, index string) ([]Record, error) {
	query := `SELECT key, idx, value, updated_at FROM kv WHERE namespace = ?`
	args := []any{namespace}
	if index != "" {
		query += ` AND idx = ?`
		args = append(args, index)
	}
	query += ` ORDER BY key ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", namespace, err)
	}
	defer rows.Close()

	var recs []Record
	for rows.Next() {
		rec := Record{Namespace: namespace}
		var updatedAt string
		if err := rows.Scan(&rec.Key, &rec.Index, &rec.Value, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		rec.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// MemStore is an in-memory KV for tests and ephemeral sessions.
type MemStore struct {
	mu   sync.RWMutex
	data map[string]map[string]Record
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{data: make(map[string]map[string]Record)}
}

func (m *MemStore) Get(_ context.Context, namespace, key string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.data[namespace][key]
	if !ok {
		return Record{}, ErrNotFound
	}
	rec.Value = append([]byte(nil), rec.Value...)
	return rec, nil
}

func (m *MemStore) Put(_ context.Context, rec Record) error {
	if rec.Namespace == "" || rec.Key == "" {
		return fmt.Errorf("namespace and key are required")
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	rec.Value = append([]byte(nil), rec.Value...)

	m.mu.Lock()
	defer m.mu.Unlock()
	ns, ok := m.data[rec.Namespace]
	if !ok {
		ns = make(map[string]Record)
		m.data[rec.Namespace] = ns
	}
	ns[rec.Key] = rec
	return nil
}

func (m *MemStore) Delete(_ context.Context, namespace, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data[namespace], key)
	return nil
}

func (m *MemStore) ListByIndex(_ context.Context, namespace, index string) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var recs []Record
	for _, rec := range m.data[namespace] {
		if index != "" && rec.Index != index {
			continue
		}
		rec.Value = append([]byte(nil), rec.Value...)
		recs = append(recs, rec)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].Key < recs[j].Key })
	return recs, nil
}

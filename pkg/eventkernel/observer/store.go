package observer

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/randalmurphal/eventkernel/pkg/eventkernel/eventlog"
	"github.com/randalmurphal/eventkernel/pkg/eventkernel/recovery"
	"github.com/randalmurphal/eventkernel/pkg/eventkernel/sqlitedb"
)

// StateStore persists observer state and failed partitions for one tenant.
type StateStore interface {
	// LoadState returns ErrStateNotFound for an observer that never
	// subscribed.
	LoadState(ctx context.Context, observerID string) (*State, error)
	SaveState(ctx context.Context, state *State) error
	ListStates(ctx context.Context) ([]*State, error)

	LoadFailedPartitions(ctx context.Context, observerID string) ([]*recovery.Record, error)
	SaveFailedPartition(ctx context.Context, observerID string, record *recovery.Record) error
	RemoveFailedPartition(ctx context.Context, observerID string, partition eventlog.SourceKey) error
}

// MemoryStateStore keeps observer state in memory.
type MemoryStateStore struct {
	mu     sync.RWMutex
	states map[string]*State
	failed map[string]map[eventlog.SourceKey]*recovery.Record
}

var _ StateStore = (*MemoryStateStore)(nil)

// NewMemoryStateStore creates an empty store.
func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{
		states: make(map[string]*State),
		failed: make(map[string]map[eventlog.SourceKey]*recovery.Record),
	}
}

func (s *MemoryStateStore) LoadState(_ context.Context, observerID string) (*State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.states[observerID]
	if !ok {
		return nil, ErrStateNotFound
	}
	return st.Clone(), nil
}

func (s *MemoryStateStore) SaveState(_ context.Context, state *State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[state.ObserverID] = state.Clone()
	return nil
}

func (s *MemoryStateStore) ListStates(_ context.Context) ([]*State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*State, 0, len(s.states))
	for _, st := range s.states {
		out = append(out, st.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ObserverID < out[j].ObserverID })
	return out, nil
}

func (s *MemoryStateStore) LoadFailedPartitions(_ context.Context, observerID string) ([]*recovery.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*recovery.Record
	for _, r := range s.failed[observerID] {
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Partition < out[j].Partition })
	return out, nil
}

func (s *MemoryStateStore) SaveFailedPartition(_ context.Context, observerID string, record *recovery.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.failed[observerID]
	if !ok {
		m = make(map[eventlog.SourceKey]*recovery.Record)
		s.failed[observerID] = m
	}
	m[record.Partition] = record.Clone()
	return nil
}

func (s *MemoryStateStore) RemoveFailedPartition(_ context.Context, observerID string, partition eventlog.SourceKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.failed[observerID], partition)
	return nil
}

// SQLiteStateStore persists observer state in SQLite, scoped to a tenant.
type SQLiteStateStore struct {
	db     *sql.DB
	tenant string
}

var _ StateStore = (*SQLiteStateStore)(nil)

var observerSchema = []string{
	`CREATE TABLE IF NOT EXISTS observer_states (
		tenant TEXT NOT NULL,
		observer_id TEXT NOT NULL,
		running_state TEXT NOT NULL,
		data BLOB NOT NULL,
		PRIMARY KEY (tenant, observer_id)
	)`,
	`CREATE TABLE IF NOT EXISTS failed_partitions (
		tenant TEXT NOT NULL,
		observer_id TEXT NOT NULL,
		partition_key TEXT NOT NULL,
		data BLOB NOT NULL,
		PRIMARY KEY (tenant, observer_id, partition_key)
	)`,
}

// OpenSQLiteStateStore creates the tables in db if needed.
func OpenSQLiteStateStore(db *sql.DB, tenant string) (*SQLiteStateStore, error) {
	if err := sqlitedb.Migrate(db, observerSchema...); err != nil {
		return nil, err
	}
	return &SQLiteStateStore{db: db, tenant: tenant}, nil
}

func (s *SQLiteStateStore) LoadState(ctx context.Context, observerID string) (*State, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM observer_states WHERE tenant = ? AND observer_id = ?`,
		s.tenant, observerID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrStateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load observer state: %w", err)
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("decode observer state %s: %w", observerID, err)
	}
	return &st, nil
}

func (s *SQLiteStateStore) SaveState(ctx context.Context, state *State) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode observer state: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO observer_states (tenant, observer_id, running_state, data)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(tenant, observer_id) DO UPDATE SET
			running_state = excluded.running_state,
			data = excluded.data
	`, s.tenant, state.ObserverID, string(state.RunningState), data)
	if err != nil {
		return fmt.Errorf("save observer state: %w", err)
	}
	return nil
}

func (s *SQLiteStateStore) ListStates(ctx context.Context) ([]*State, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT data FROM observer_states WHERE tenant = ? ORDER BY observer_id`, s.tenant)
	if err != nil {
		return nil, fmt.Errorf("list observer states: %w", err)
	}
	defer rows.Close()

	var out []*State
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan observer state: %w", err)
		}
		var st State
		if err := json.Unmarshal(data, &st); err != nil {
			return nil, fmt.Errorf("decode observer state: %w", err)
		}
		out = append(out, &st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate observer states: %w", err)
	}
	return out, nil
}

func (s *SQLiteStateStore) LoadFailedPartitions(ctx context.Context, observerID string) ([]*recovery.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT data FROM failed_partitions
		WHERE tenant = ? AND observer_id = ?
		ORDER BY partition_key
	`, s.tenant, observerID)
	if err != nil {
		return nil, fmt.Errorf("load failed partitions: %w", err)
	}
	defer rows.Close()

	var out []*recovery.Record
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan failed partition: %w", err)
		}
		var r recovery.Record
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, fmt.Errorf("decode failed partition: %w", err)
		}
		out = append(out, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate failed partitions: %w", err)
	}
	return out, nil
}

func (s *SQLiteStateStore) SaveFailedPartition(ctx context.Context, observerID string, record *recovery.Record) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode failed partition: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO failed_partitions (tenant, observer_id, partition_key, data)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(tenant, observer_id, partition_key) DO UPDATE SET
			data = excluded.data
	`, s.tenant, observerID, string(record.Partition), data)
	if err != nil {
		return fmt.Errorf("save failed partition: %w", err)
	}
	return nil
}

func (s *SQLiteStateStore) RemoveFailedPartition(ctx context.Context, observerID string, partition eventlog.SourceKey) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM failed_partitions WHERE tenant = ? AND observer_id = ? AND partition_key = ?`,
		s.tenant, observerID, string(partition))
	if err != nil {
		return fmt.Errorf("remove failed partition: %w", err)
	}
	return nil
}

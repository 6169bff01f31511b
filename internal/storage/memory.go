package storage

import (
	"context"
	"sync"
)

type memTable struct {
	order []string
	rows  map[string][]string
}

// MemoryStore keeps every table in process memory.
type MemoryStore struct {
	mu     sync.RWMutex
	tables map[string]*memTable
	closed bool
}

func NewMemory() *MemoryStore {
	m := &MemoryStore{tables: map[string]*memTable{}}
	for _, t := range Tables() {
		m.tables[t] = &memTable{rows: map[string][]string{}}
	}
	return m
}

func (m *MemoryStore) table(name string) (*memTable, error) {
	if err := checkTable(name); err != nil {
		return nil, err
	}
	if m.closed {
		return nil, ErrClosed
	}
	return m.tables[name], nil
}

func (m *MemoryStore) Rows(ctx context.Context, table string) ([]Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, err := m.table(table)
	if err != nil {
		return nil, err
	}
	out := make([]Row, 0, len(t.order))
	for _, k := range t.order {
		out = append(out, Row{Key: k, Cells: cloneCells(t.rows[k])})
	}
	return out, nil
}

func (m *MemoryStore) Get(ctx context.Context, table, key string) (Row, bool, error) {
	if err := ctx.Err(); err != nil {
		return Row{}, false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, err := m.table(table)
	if err != nil {
		return Row{}, false, err
	}
	c, ok := t.rows[key]
	if !ok {
		return Row{}, false, nil
	}
	return Row{Key: key, Cells: cloneCells(c)}, true, nil
}

func (m *MemoryStore) Append(ctx context.Context, table string, rows ...Row) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.table(table)
	if err != nil {
		return err
	}
	for _, r := range rows {
		if _, ok := t.rows[r.Key]; ok {
			continue
		}
		t.order = append(t.order, r.Key)
		t.rows[r.Key] = cloneCells(r.Cells)
	}
	return nil
}

func (m *MemoryStore) BatchUpsert(ctx context.Context, table string, rows []Row) (UpsertResult, error) {
	if err := ctx.Err(); err != nil {
		return UpsertResult{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.table(table)
	if err != nil {
		return UpsertResult{}, err
	}
	var res UpsertResult
	for _, r := range dedupe(rows) {
		if _, ok := t.rows[r.Key]; ok {
			res.Updated++
		} else {
			t.order = append(t.order, r.Key)
			res.Appended++
		}
		t.rows[r.Key] = cloneCells(r.Cells)
	}
	return res, nil
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	return ctx.Err()
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// snapshot returns a deep copy of all tables. Caller holds no lock.
func (m *MemoryStore) snapshot() map[string][]Row {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string][]Row, len(m.tables))
	for name, t := range m.tables {
		rows := make([]Row, 0, len(t.order))
		for _, k := range t.order {
			rows = append(rows, Row{Key: k, Cells: cloneCells(t.rows[k])})
		}
		out[name] = rows
	}
	return out
}

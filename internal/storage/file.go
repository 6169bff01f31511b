package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "adventbot/pkg/logx"
)

// fileStore keeps tables in memory and makes them durable with two files:
//   - <prefix>.snapshot.json (periodic full snapshot)
//   - <prefix>.journal.jsonl (append-only write journal)
//
// The journal is compacted into the snapshot every compactEvery writes and
// on Close.
type fileStore struct {
	*MemoryStore

	log logx.Logger

	mu           sync.Mutex
	snapshotPath string
	journal      *os.File
	writes       int
	compactEvery int
}

type journalRow struct {
	K string   `json:"k"`
	C []string `json:"c"`
}

type journalRecord struct {
	Op    string       `json:"op"` // append | upsert
	Table string       `json:"t"`
	Rows  []journalRow `json:"rows"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	snapPath := prefix + ".snapshot.json"
	journalPath := prefix + ".journal.jsonl"

	mem := NewMemory()
	if err := loadSnapshot(snapPath, mem); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("snapshot unreadable; starting from journal only", logx.Err(err))
	}
	replayed, err := replayJournal(journalPath, mem)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("journal replay stopped early", logx.Err(err), logx.Int("records", replayed))
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	log.Debug("file store opened", logx.String("prefix", prefix), logx.Int("replayed", replayed))
	return &fileStore{
		MemoryStore:  mem,
		log:          log,
		snapshotPath: snapPath,
		journal:      jf,
		writes:       replayed,
		compactEvery: 1000,
	}, nil
}

func (s *fileStore) Append(ctx context.Context, table string, rows ...Row) error {
	if err := checkTable(table); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writeJournal("append", table, rows); err != nil {
		return err
	}
	return s.MemoryStore.Append(ctx, table, rows...)
}

func (s *fileStore) BatchUpsert(ctx context.Context, table string, rows []Row) (UpsertResult, error) {
	if err := checkTable(table); err != nil {
		return UpsertResult{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writeJournal("upsert", table, rows); err != nil {
		return UpsertResult{}, err
	}
	return s.MemoryStore.BatchUpsert(ctx, table, rows)
}

// writeJournal must be called with s.mu held.
func (s *fileStore) writeJournal(op, table string, rows []Row) error {
	if s.journal == nil {
		return ErrClosed
	}
	if len(rows) == 0 {
		return nil
	}
	rec := journalRecord{Op: op, Table: table, Rows: make([]journalRow, 0, len(rows))}
	for _, r := range rows {
		rec.Rows = append(rec.Rows, journalRow{K: r.Key, C: r.Cells})
	}
	if err := json.NewEncoder(s.journal).Encode(rec); err != nil {
		return err
	}
	s.writes++
	if s.writes%s.compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("journal compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) Ping(ctx context.Context) error {
	s.mu.Lock()
	closed := s.journal == nil
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}
	return ctx.Err()
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	err := s.compactLocked()
	if cerr := s.journal.Close(); err == nil {
		err = cerr
	}
	s.journal = nil
	_ = s.MemoryStore.Close()
	return err
}

func (s *fileStore) compactLocked() error {
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	snap := map[string][]journalRow{}
	for name, rows := range s.MemoryStore.snapshot() {
		out := make([]journalRow, 0, len(rows))
		for _, r := range rows {
			out = append(out, journalRow{K: r.Key, C: r.Cells})
		}
		snap[name] = out
	}
	if err := json.NewEncoder(f).Encode(snap); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, 2)
	return err
}

func loadSnapshot(path string, into *MemoryStore) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var snap map[string][]journalRow
	if err := json.NewDecoder(f).Decode(&snap); err != nil {
		return err
	}
	ctx := context.Background()
	for name, rows := range snap {
		if checkTable(name) != nil {
			continue
		}
		batch := make([]Row, 0, len(rows))
		for _, r := range rows {
			batch = append(batch, Row{Key: r.K, Cells: r.C})
		}
		if _, err := into.BatchUpsert(ctx, name, batch); err != nil {
			return err
		}
	}
	return nil
}

func replayJournal(path string, into *MemoryStore) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	ctx := context.Background()
	n := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 8*1024*1024)
	for sc.Scan() {
		var rec journalRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			// torn tail write
			continue
		}
		if checkTable(rec.Table) != nil {
			continue
		}
		rows := make([]Row, 0, len(rec.Rows))
		for _, r := range rec.Rows {
			rows = append(rows, Row{Key: r.K, Cells: r.C})
		}
		switch rec.Op {
		case "append":
			_ = into.Append(ctx, rec.Table, rows...)
		case "upsert":
			_, _ = into.BatchUpsert(ctx, rec.Table, rows)
		default:
			continue
		}
		n++
	}
	return n, sc.Err()
}

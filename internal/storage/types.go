package storage

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrDisabled     = errors.New("storage disabled")
	ErrUnknownTable = errors.New("unknown table")
	ErrClosed       = errors.New("storage closed")
)

// Tables known to the bot.
const (
	TableUsers    = "users"
	TableProgress = "progress"
	TableAnswers  = "answers"
	TableMessages = "messages"
)

var tables = map[string]struct{}{
	TableUsers:    {},
	TableProgress: {},
	TableAnswers:  {},
	TableMessages: {},
}

// Tables returns the known table names in a stable order.
func Tables() []string {
	return []string{TableUsers, TableProgress, TableAnswers, TableMessages}
}

func checkTable(table string) error {
	if _, ok := tables[table]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownTable, table)
	}
	return nil
}

// Row is one keyed row. Cells are opaque to the store.
type Row struct {
	Key   string
	Cells []string
}

// Cell returns cells[i] or "".
func (r Row) Cell(i int) string {
	if i < 0 || i >= len(r.Cells) {
		return ""
	}
	return r.Cells[i]
}

type UpsertResult struct {
	Updated  int
	Appended int
}

// Store is the durable store. All methods are network or disk calls with no
// retry; callers decide whether a failure matters.
type Store interface {
	// Rows returns every row of table in insertion order.
	Rows(ctx context.Context, table string) ([]Row, error)
	Get(ctx context.Context, table, key string) (Row, bool, error)
	// Append inserts rows whose key is absent. Existing rows are untouched.
	Append(ctx context.Context, table string, rows ...Row) error
	// BatchUpsert updates rows that exist and appends the rest, in one call.
	// Within a batch the last row for a key wins.
	BatchUpsert(ctx context.Context, table string, rows []Row) (UpsertResult, error)
	Ping(ctx context.Context) error
	Close() error
}

// Config configures storage.
//
// Driver values:
//   - "memory": process-local, for tests and development
//   - "file": JSON lines journal + snapshot
//   - "sqlite": SQLite database file (pure Go driver)
//   - "postgres": PostgreSQL via pgx (DSN)
//   - "dynamodb": single DynamoDB table (PK=table, SK=key)
//
// Empty or "none" disables storage.
type Config struct {
	Driver      string
	Path        string
	DSN         string
	Table       string
	Region      string
	Endpoint    string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// dedupe keeps the last row per key, preserving first-seen order.
func dedupe(rows []Row) []Row {
	if len(rows) < 2 {
		return rows
	}
	idx := make(map[string]int, len(rows))
	out := make([]Row, 0, len(rows))
	for _, r := range rows {
		if i, ok := idx[r.Key]; ok {
			out[i] = r
			continue
		}
		idx[r.Key] = len(out)
		out = append(out, r)
	}
	return out
}

func cloneCells(c []string) []string {
	if c == nil {
		return []string{}
	}
	return append([]string(nil), c...)
}

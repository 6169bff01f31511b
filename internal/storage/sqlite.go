package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "adventbot/pkg/logx"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for sqlite driver")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// one writer; also keeps ":memory:" on a single connection
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.ExecContext(ctx, "PRAGMA journal_mode = WAL")
	_, _ = db.ExecContext(ctx, "PRAGMA synchronous = NORMAL")

	b, err := migrationsFS.ReadFile("migrations/sqlite.sql")
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.ExecContext(ctx, string(b)); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return &sqliteStore{db: db, log: log}, nil
}

func (s *sqliteStore) Rows(ctx context.Context, table string) ([]Row, error) {
	if err := checkTable(table); err != nil {
		return nil, err
	}
	rs, err := s.db.QueryContext(ctx, `SELECT key, cells FROM store_rows WHERE tbl = ? ORDER BY ord`, table)
	if err != nil {
		return nil, err
	}
	defer rs.Close()
	var out []Row
	for rs.Next() {
		var (
			key string
			raw string
		)
		if err := rs.Scan(&key, &raw); err != nil {
			return nil, err
		}
		cells, err := decodeCells(raw)
		if err != nil {
			return nil, fmt.Errorf("row %s/%s: %w", table, key, err)
		}
		out = append(out, Row{Key: key, Cells: cells})
	}
	return out, rs.Err()
}

func (s *sqliteStore) Get(ctx context.Context, table, key string) (Row, bool, error) {
	if err := checkTable(table); err != nil {
		return Row{}, false, err
	}
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT cells FROM store_rows WHERE tbl = ? AND key = ?`, table, key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return Row{}, false, nil
	}
	if err != nil {
		return Row{}, false, err
	}
	cells, err := decodeCells(raw)
	if err != nil {
		return Row{}, false, err
	}
	return Row{Key: key, Cells: cells}, true, nil
}

func (s *sqliteStore) Append(ctx context.Context, table string, rows ...Row) error {
	if err := checkTable(table); err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UTC().Format(time.RFC3339Nano)
		for _, r := range rows {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO store_rows(tbl, key, cells, updated_at) VALUES(?,?,?,?)
				 ON CONFLICT(tbl, key) DO NOTHING`,
				table, r.Key, encodeCells(r.Cells), now,
			); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *sqliteStore) BatchUpsert(ctx context.Context, table string, rows []Row) (UpsertResult, error) {
	if err := checkTable(table); err != nil {
		return UpsertResult{}, err
	}
	var res UpsertResult
	if len(rows) == 0 {
		return res, nil
	}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UTC().Format(time.RFC3339Nano)
		for _, r := range dedupe(rows) {
			var exists int
			err := tx.QueryRowContext(ctx, `SELECT 1 FROM store_rows WHERE tbl = ? AND key = ?`, table, r.Key).Scan(&exists)
			switch {
			case errors.Is(err, sql.ErrNoRows):
				res.Appended++
			case err != nil:
				return err
			default:
				res.Updated++
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO store_rows(tbl, key, cells, updated_at) VALUES(?,?,?,?)
				 ON CONFLICT(tbl, key) DO UPDATE SET cells = excluded.cells, updated_at = excluded.updated_at`,
				table, r.Key, encodeCells(r.Cells), now,
			); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return UpsertResult{}, err
	}
	return res, nil
}

func (s *sqliteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func encodeCells(c []string) string {
	b, _ := json.Marshal(cloneCells(c))
	return string(b)
}

func decodeCells(raw string) ([]string, error) {
	var c []string
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return nil, err
	}
	return cloneCells(c), nil
}

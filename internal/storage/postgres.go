package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	logx "adventbot/pkg/logx"
)

type postgresStore struct {
	pool *pgxpool.Pool
	log  logx.Logger
}

func openPostgres(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("storage.dsn is required for postgres driver")
	}
	pcfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres dsn: %w", err)
	}
	if pcfg.MaxConns > 8 {
		pcfg.MaxConns = 8
	}
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, err
	}
	st, err := NewPostgres(ctx, pool, log)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return st, nil
}

// NewPostgres wraps an existing pool and applies the schema.
func NewPostgres(ctx context.Context, pool *pgxpool.Pool, log logx.Logger) (Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	b, err := migrationsFS.ReadFile("migrations/postgres.sql")
	if err != nil {
		return nil, err
	}
	if _, err := pool.Exec(ctx, string(b)); err != nil {
		return nil, fmt.Errorf("postgres migrate: %w", err)
	}
	log.Debug("postgres store ready")
	return &postgresStore{pool: pool, log: log}, nil
}

func (s *postgresStore) Rows(ctx context.Context, table string) ([]Row, error) {
	if err := checkTable(table); err != nil {
		return nil, err
	}
	rs, err := s.pool.Query(ctx, `SELECT key, cells FROM store_rows WHERE tbl = $1 ORDER BY ord`, table)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rs, func(r pgx.CollectableRow) (Row, error) {
		var row Row
		err := r.Scan(&row.Key, &row.Cells)
		row.Cells = cloneCells(row.Cells)
		return row, err
	})
}

func (s *postgresStore) Get(ctx context.Context, table, key string) (Row, bool, error) {
	if err := checkTable(table); err != nil {
		return Row{}, false, err
	}
	var cells []string
	err := s.pool.QueryRow(ctx, `SELECT cells FROM store_rows WHERE tbl = $1 AND key = $2`, table, key).Scan(&cells)
	if errors.Is(err, pgx.ErrNoRows) {
		return Row{}, false, nil
	}
	if err != nil {
		return Row{}, false, err
	}
	return Row{Key: key, Cells: cloneCells(cells)}, true, nil
}

func (s *postgresStore) Append(ctx context.Context, table string, rows ...Row) error {
	if err := checkTable(table); err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}
	b := &pgx.Batch{}
	for _, r := range rows {
		b.Queue(`INSERT INTO store_rows(tbl, key, cells) VALUES($1, $2, $3) ON CONFLICT (tbl, key) DO NOTHING`,
			table, r.Key, cloneCells(r.Cells))
	}
	return s.pool.SendBatch(ctx, b).Close()
}

// BatchUpsert runs in one transaction. xmax = 0 on the returned row means
// the row was inserted rather than updated.
func (s *postgresStore) BatchUpsert(ctx context.Context, table string, rows []Row) (UpsertResult, error) {
	if err := checkTable(table); err != nil {
		return UpsertResult{}, err
	}
	var res UpsertResult
	if len(rows) == 0 {
		return res, nil
	}
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		for _, r := range dedupe(rows) {
			var inserted bool
			err := tx.QueryRow(ctx,
				`INSERT INTO store_rows(tbl, key, cells) VALUES($1, $2, $3)
				 ON CONFLICT (tbl, key) DO UPDATE SET cells = EXCLUDED.cells, updated_at = now()
				 RETURNING (xmax = 0)`,
				table, r.Key, cloneCells(r.Cells),
			).Scan(&inserted)
			if err != nil {
				return err
			}
			if inserted {
				res.Appended++
			} else {
				res.Updated++
			}
		}
		return nil
	})
	if err != nil {
		return UpsertResult{}, err
	}
	return res, nil
}

func (s *postgresStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *postgresStore) Close() error {
	s.pool.Close()
	return nil
}

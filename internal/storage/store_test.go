package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	logx "adventbot/pkg/logx"
)

// runStoreContract exercises the behavior every driver must share.
func runStoreContract(t *testing.T, open func(t *testing.T) Store) {
	t.Helper()
	ctx := context.Background()

	t.Run("upsert updates existing and appends missing", func(t *testing.T) {
		st := open(t)
		require.NoError(t, st.Append(ctx, TableUsers, Row{Key: "1", Cells: []string{"1", "Ann"}}))

		res, err := st.BatchUpsert(ctx, TableUsers, []Row{
			{Key: "2", Cells: []string{"2", "Bob"}},
			{Key: "1", Cells: []string{"1", "Anna"}},
			{Key: "3", Cells: []string{"3", "Cy"}},
		})
		require.NoError(t, err)
		require.Equal(t, UpsertResult{Updated: 1, Appended: 2}, res)

		rows, err := st.Rows(ctx, TableUsers)
		require.NoError(t, err)
		require.Equal(t, []Row{
			{Key: "1", Cells: []string{"1", "Anna"}},
			{Key: "2", Cells: []string{"2", "Bob"}},
			{Key: "3", Cells: []string{"3", "Cy"}},
		}, rows)
	})

	t.Run("append keeps existing rows", func(t *testing.T) {
		st := open(t)
		require.NoError(t, st.Append(ctx, TableUsers, Row{Key: "7", Cells: []string{"7", "first"}}))
		require.NoError(t, st.Append(ctx, TableUsers, Row{Key: "7", Cells: []string{"7", "second"}}))

		row, ok, err := st.Get(ctx, TableUsers, "7")
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, "first", row.Cell(1))
	})

	t.Run("last row per key wins within a batch", func(t *testing.T) {
		st := open(t)
		res, err := st.BatchUpsert(ctx, TableMessages, []Row{
			{Key: "42", Cells: []string{"10", ""}},
			{Key: "42", Cells: []string{"11", "12"}},
		})
		require.NoError(t, err)
		require.Equal(t, UpsertResult{Appended: 1}, res)

		row, ok, err := st.Get(ctx, TableMessages, "42")
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, []string{"11", "12"}, row.Cells)
	})

	t.Run("missing key and unknown table", func(t *testing.T) {
		st := open(t)
		_, ok, err := st.Get(ctx, TableMessages, "nobody")
		require.NoError(t, err)
		require.False(t, ok)

		_, err = st.Rows(ctx, "sheets")
		require.True(t, errors.Is(err, ErrUnknownTable))
		require.NoError(t, st.Ping(ctx))
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store {
		st := NewMemory()
		t.Cleanup(func() { _ = st.Close() })
		return st
	})
}

func TestFileStore(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store {
		st, err := Open(context.Background(), Config{Driver: "file", Path: filepath.Join(t.TempDir(), "bot.db")}, logx.Nop())
		require.NoError(t, err)
		t.Cleanup(func() { _ = st.Close() })
		return st
	})
}

func TestSQLiteStore(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store {
		st, err := Open(context.Background(), Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "bot.sqlite")}, logx.Nop())
		require.NoError(t, err)
		t.Cleanup(func() { _ = st.Close() })
		return st
	})
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	cfg := Config{Driver: "file", Path: filepath.Join(t.TempDir(), "bot.db")}

	st, err := Open(ctx, cfg, logx.Nop())
	require.NoError(t, err)
	_, err = st.BatchUpsert(ctx, TableProgress, []Row{{Key: "42", Cells: []string{"1,5"}}})
	require.NoError(t, err)
	require.NoError(t, st.Append(ctx, TableUsers, Row{Key: "42", Cells: []string{"42", "Ann"}}))
	require.NoError(t, st.Close())

	// reopen twice: once from snapshot, once after more journal writes
	st, err = Open(ctx, cfg, logx.Nop())
	require.NoError(t, err)
	_, err = st.BatchUpsert(ctx, TableProgress, []Row{{Key: "42", Cells: []string{"1,5,6"}}})
	require.NoError(t, err)
	fs := st.(*fileStore)
	fs.mu.Lock()
	_ = fs.journal.Close() // simulate a crash: no compaction
	fs.journal = nil
	fs.mu.Unlock()

	st, err = Open(ctx, cfg, logx.Nop())
	require.NoError(t, err)
	defer st.Close()
	row, ok, err := st.Get(ctx, TableProgress, "42")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []string{"1,5,6"}, row.Cells)
	users, err := st.Rows(ctx, TableUsers)
	require.NoError(t, err)
	require.Len(t, users, 1)
}

func TestOpenDisabledAndUnknown(t *testing.T) {
	st, err := Open(context.Background(), Config{Driver: "none"}, logx.Nop())
	require.NoError(t, err)
	require.Nil(t, st)

	_, err = Open(context.Background(), Config{Driver: "mongo"}, logx.Nop())
	require.Error(t, err)

	_, err = Open(context.Background(), Config{Driver: "file"}, logx.Nop())
	require.Error(t, err)
}

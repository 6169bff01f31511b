package writeback

import (
	"context"
	"errors"
	"sync"
	"testing"

	"adventbot/internal/storage"
	logx "adventbot/pkg/logx"
)

// flakyStore wraps a memory store, counts batch calls and can fail them.
type flakyStore struct {
	*storage.MemoryStore

	mu      sync.Mutex
	fail    bool
	upserts map[string]int
	hook    func() // runs inside BatchUpsert before writing
}

func newFlaky() *flakyStore {
	return &flakyStore{MemoryStore: storage.NewMemory(), upserts: map[string]int{}}
}

func (f *flakyStore) BatchUpsert(ctx context.Context, table string, rows []storage.Row) (storage.UpsertResult, error) {
	f.mu.Lock()
	f.upserts[table]++
	fail, hook := f.fail, f.hook
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	if fail {
		return storage.UpsertResult{}, errors.New("store unreachable")
	}
	return f.MemoryStore.BatchUpsert(ctx, table, rows)
}

func TestEnqueueCoalescesByKey(t *testing.T) {
	st := newFlaky()
	w := New(st, 0, logx.Nop())

	w.Enqueue(storage.TableMessages, storage.Row{Key: "42", Cells: []string{"1", ""}})
	w.Enqueue(storage.TableMessages, storage.Row{Key: "42", Cells: []string{"1", "2"}})
	w.Enqueue(storage.TableMessages, storage.Row{Key: "7", Cells: []string{"5", ""}})
	w.Enqueue(storage.TableProgress, storage.Row{Key: "42", Cells: []string{"5"}})
	if got := w.Pending(); got != 3 {
		t.Fatalf("Pending = %d, want 3", got)
	}

	res := w.Flush(context.Background())
	if res.Err != nil || res.Rows != 3 || res.Tables != 2 {
		t.Fatalf("flush = %+v", res)
	}
	if st.upserts[storage.TableMessages] != 1 || st.upserts[storage.TableProgress] != 1 {
		t.Fatalf("expected one batch per table, got %v", st.upserts)
	}
	row, ok, _ := st.Get(context.Background(), storage.TableMessages, "42")
	if !ok || row.Cell(1) != "2" {
		t.Fatalf("latest value should win, got %+v", row)
	}
	if w.Pending() != 0 || w.Flushed() != 3 {
		t.Fatalf("pending=%d flushed=%d", w.Pending(), w.Flushed())
	}
}

func TestFailedFlushKeepsRows(t *testing.T) {
	st := newFlaky()
	st.fail = true
	w := New(st, 0, logx.Nop())
	w.Enqueue(storage.TableAnswers, storage.Row{Key: "42:5", Cells: []string{"42", "5", "cookies"}})

	if res := w.Flush(context.Background()); res.Err == nil {
		t.Fatal("expected flush error")
	}
	if w.Pending() != 1 || w.Errors() != 1 {
		t.Fatalf("pending=%d errors=%d", w.Pending(), w.Errors())
	}

	st.fail = false
	if err := w.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if _, ok, _ := st.Get(context.Background(), storage.TableAnswers, "42:5"); !ok {
		t.Fatal("row should be flushed on Stop")
	}
}

func TestNewerValueDuringFlushStaysPending(t *testing.T) {
	st := newFlaky()
	w := New(st, 0, logx.Nop())
	w.Enqueue(storage.TableMessages, storage.Row{Key: "42", Cells: []string{"1", ""}})

	st.hook = func() {
		st.hook = nil
		w.Enqueue(storage.TableMessages, storage.Row{Key: "42", Cells: []string{"9", ""}})
	}
	w.Flush(context.Background())
	if w.Pending() != 1 {
		t.Fatalf("newer value must stay pending, got %d", w.Pending())
	}
	w.Flush(context.Background())
	row, _, _ := st.Get(context.Background(), storage.TableMessages, "42")
	if row.Cell(0) != "9" {
		t.Fatalf("store = %+v, want newest value", row)
	}
}

func TestUpsertNowDropsOlderQueuedRows(t *testing.T) {
	st := newFlaky()
	w := New(st, 0, logx.Nop())
	w.Enqueue(storage.TableMessages, storage.Row{Key: "1", Cells: []string{"", "5"}})
	mark := w.Mark()
	w.Enqueue(storage.TableMessages, storage.Row{Key: "2", Cells: []string{"", "6"}})

	rows := []storage.Row{{Key: "1", Cells: []string{"9", ""}}, {Key: "2", Cells: []string{"8", ""}}}
	if _, err := w.UpsertNow(context.Background(), storage.TableMessages, rows, mark); err != nil {
		t.Fatal(err)
	}
	// key 1 was queued before the mark and is superseded; key 2 is newer.
	if w.Pending() != 1 {
		t.Fatalf("pending = %d, want 1", w.Pending())
	}
	w.Flush(context.Background())
	r1, _, _ := st.Get(context.Background(), storage.TableMessages, "1")
	r2, _, _ := st.Get(context.Background(), storage.TableMessages, "2")
	if r1.Cell(0) != "9" || r2.Cell(1) != "6" {
		t.Fatalf("store: %+v %+v", r1, r2)
	}
}

func TestEnqueueAppendKeepsFirstValue(t *testing.T) {
	st := newFlaky()
	w := New(st, 0, logx.Nop())
	w.EnqueueAppend(storage.TableUsers, storage.Row{Key: "42", Cells: []string{"42", "Ann"}})
	w.Flush(context.Background())
	w.EnqueueAppend(storage.TableUsers, storage.Row{Key: "42", Cells: []string{"42", "Changed"}})
	w.Flush(context.Background())

	row, _, _ := st.Get(context.Background(), storage.TableUsers, "42")
	if row.Cell(1) != "Ann" {
		t.Fatalf("append must not overwrite, got %+v", row)
	}
	if st.upserts[storage.TableUsers] != 0 {
		t.Fatal("appends must not go through BatchUpsert")
	}
}

package refs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"adventbot/internal/storage"
	"adventbot/internal/transport"
	logx "adventbot/pkg/logx"
)

type fakeGetter struct {
	mu    sync.Mutex
	rows  map[string]storage.Row
	err   error
	delay time.Duration
	calls int
	hook  func()
}

func (f *fakeGetter) Get(ctx context.Context, table, key string) (storage.Row, bool, error) {
	f.mu.Lock()
	f.calls++
	err, delay, hook := f.err, f.delay, f.hook
	row, ok := f.rows[key]
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return storage.Row{}, false, ctx.Err()
		}
	}
	if err != nil {
		return storage.Row{}, false, err
	}
	return row, ok, nil
}

type fakeQueue struct {
	mu   sync.Mutex
	rows []storage.Row
}

func (q *fakeQueue) Enqueue(table string, row storage.Row) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.rows = append(q.rows, row)
}

type fakeDeleter struct {
	mu      sync.Mutex
	deleted []transport.MessageRef
	failID  int
}

func (d *fakeDeleter) DeleteMessage(_ context.Context, ref transport.MessageRef) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.deleted = append(d.deleted, ref)
	if ref.MessageID == d.failID {
		return errors.New("message to delete not found")
	}
	return nil
}

func TestRecordThenGetIsHit(t *testing.T) {
	st := &fakeGetter{}
	q := &fakeQueue{}
	c := New(st, q, nil, logx.Nop())

	c.Record(42, Refs{Calendar: 10, Content: 11})
	got := c.Get(context.Background(), 42)
	if got != (Refs{Calendar: 10, Content: 11}) {
		t.Fatalf("Get = %+v", got)
	}
	if st.calls != 0 {
		t.Fatalf("hit must not touch the store, calls=%d", st.calls)
	}
	if len(q.rows) != 1 || q.rows[0].Key != "42" || q.rows[0].Cell(0) != "10" || q.rows[0].Cell(1) != "11" {
		t.Fatalf("queued = %+v", q.rows)
	}
}

func TestRecordOverwritesWholeEntry(t *testing.T) {
	c := New(nil, nil, nil, logx.Nop())
	c.Record(42, Refs{Calendar: 10, Content: 11})
	c.Record(42, With(CalendarView, 12))
	if got, _ := c.Peek(42); got != (Refs{Calendar: 12}) {
		t.Fatalf("Peek = %+v", got)
	}
}

func TestMissLoadsFromStoreOnce(t *testing.T) {
	st := &fakeGetter{rows: map[string]storage.Row{"42": {Key: "42", Cells: []string{"", "77"}}}}
	c := New(st, nil, nil, logx.Nop())

	for i := 0; i < 3; i++ {
		if got := c.Get(context.Background(), 42); got.Content != 77 || got.Calendar != 0 {
			t.Fatalf("Get = %+v", got)
		}
	}
	if st.calls != 1 {
		t.Fatalf("store calls = %d, want 1", st.calls)
	}
}

func TestMissFailuresReturnEmptyAndRetry(t *testing.T) {
	cases := []struct {
		name string
		st   *fakeGetter
	}{
		{"error", &fakeGetter{err: errors.New("connection reset")}},
		{"timeout", &fakeGetter{delay: time.Second, rows: map[string]storage.Row{"42": {Key: "42", Cells: []string{"1", "2"}}}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := New(tc.st, nil, nil, logx.Nop(), WithLookupTimeout(20*time.Millisecond))
			start := time.Now()
			if got := c.Get(context.Background(), 42); !got.Empty() {
				t.Fatalf("Get = %+v, want empty", got)
			}
			if time.Since(start) > 500*time.Millisecond {
				t.Fatal("lookup was not bounded by the timeout")
			}
			c.Get(context.Background(), 42)
			if tc.st.calls != 2 {
				t.Fatalf("failed lookups must not be cached, calls=%d", tc.st.calls)
			}
		})
	}
}

func TestConcurrentRecordWinsOverStoreLoad(t *testing.T) {
	st := &fakeGetter{rows: map[string]storage.Row{"42": {Key: "42", Cells: []string{"1", ""}}}}
	c := New(st, nil, nil, logx.Nop())
	st.hook = func() { c.RecordLocal(42, Refs{Calendar: 99}) }

	if got := c.Get(context.Background(), 42); got.Calendar != 99 {
		t.Fatalf("Get = %+v, want the fresher recorded value", got)
	}
	if got, _ := c.Peek(42); got.Calendar != 99 {
		t.Fatalf("cache regressed to %+v", got)
	}
}

func TestDeleteTrackedNothingKnown(t *testing.T) {
	del := &fakeDeleter{}
	c := New(&fakeGetter{}, nil, del, logx.Nop())

	res := c.DeleteTracked(context.Background(), 42)
	if res != (DeleteResult{}) {
		t.Fatalf("result = %+v", res)
	}
	if len(del.deleted) != 0 {
		t.Fatalf("delete calls = %d, want 0", len(del.deleted))
	}
}

func TestDeleteTrackedCountsFailures(t *testing.T) {
	del := &fakeDeleter{failID: 11}
	c := New(nil, nil, del, logx.Nop())
	c.RecordLocal(42, Refs{Calendar: 10, Content: 11})

	res := c.DeleteTracked(context.Background(), 42)
	if res != (DeleteResult{Attempted: 2, Deleted: 1, Failed: 1}) {
		t.Fatalf("result = %+v", res)
	}
	for _, ref := range del.deleted {
		if ref.ChatID != 42 {
			t.Fatalf("delete sent to chat %d", ref.ChatID)
		}
	}
}

func TestRowsSkipsUnknownUsers(t *testing.T) {
	c := New(nil, nil, nil, logx.Nop())
	c.RecordLocal(1, Refs{Calendar: 5})
	rows := c.Rows([]int64{1, 2})
	if len(rows) != 1 || rows[0].Key != "1" || rows[0].Cell(0) != "5" || rows[0].Cell(1) != "" {
		t.Fatalf("rows = %+v", rows)
	}
}

func TestFromRowIgnoresGarbage(t *testing.T) {
	r := FromRow(storage.Row{Key: "1", Cells: []string{"abc"}})
	if !r.Empty() {
		t.Fatalf("FromRow = %+v", r)
	}
}

// Package writeback queues row writes in memory and flushes them to the
// durable store in batches, off the request path.
package writeback

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"adventbot/internal/storage"
	logx "adventbot/pkg/logx"
)

type entry struct {
	row storage.Row
	ver uint64
}

// queue holds pending rows for one table, in first-enqueue order.
type queue struct {
	order []string
	rows  map[string]entry
}

func (q *queue) put(r storage.Row, ver uint64) {
	if _, ok := q.rows[r.Key]; !ok {
		q.order = append(q.order, r.Key)
	}
	q.rows[r.Key] = entry{row: r, ver: ver}
}

func (q *queue) snapshot() []entry {
	out := make([]entry, 0, len(q.order))
	for _, k := range q.order {
		out = append(out, q.rows[k])
	}
	return out
}

// drop removes flushed keys unless a newer version arrived meanwhile.
func (q *queue) drop(flushed []entry) {
	for _, e := range flushed {
		if cur, ok := q.rows[e.row.Key]; ok && cur.ver == e.ver {
			delete(q.rows, e.row.Key)
		}
	}
	kept := q.order[:0]
	for _, k := range q.order {
		if _, ok := q.rows[k]; ok {
			kept = append(kept, k)
		}
	}
	q.order = kept
}

// Writer coalesces writes by (table, key); the latest value wins. Enqueue
// never blocks on the store.
type Writer struct {
	store    storage.Store
	log      logx.Logger
	interval time.Duration

	mu      sync.Mutex
	ver     uint64
	upserts map[string]*queue
	appends map[string]*queue

	flushMu sync.Mutex

	flushed atomic.Uint64
	errs    atomic.Uint64
}

// FlushResult is informational; callers may ignore it.
type FlushResult struct {
	Rows   int
	Tables int
	Err    error
}

func New(store storage.Store, interval time.Duration, log logx.Logger) *Writer {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Writer{
		store:    store,
		log:      log.With(logx.String("comp", "writeback")),
		interval: interval,
		upserts:  map[string]*queue{},
		appends:  map[string]*queue{},
	}
}

func (w *Writer) enqueue(m map[string]*queue, table string, row storage.Row) {
	row.Cells = append([]string(nil), row.Cells...)
	w.mu.Lock()
	defer w.mu.Unlock()
	w.ver++
	q := m[table]
	if q == nil {
		q = &queue{rows: map[string]entry{}}
		m[table] = q
	}
	q.put(row, w.ver)
}

// Enqueue schedules an upsert of row.
func (w *Writer) Enqueue(table string, row storage.Row) { w.enqueue(w.upserts, table, row) }

// EnqueueAppend schedules an insert-if-absent of row.
func (w *Writer) EnqueueAppend(table string, row storage.Row) { w.enqueue(w.appends, table, row) }

func (w *Writer) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for _, q := range w.upserts {
		n += len(q.rows)
	}
	for _, q := range w.appends {
		n += len(q.rows)
	}
	return n
}

func (w *Writer) Flushed() uint64 { return w.flushed.Load() }
func (w *Writer) Errors() uint64  { return w.errs.Load() }

func (w *Writer) take(m map[string]*queue) map[string][]entry {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make(map[string][]entry, len(m))
	for t, q := range m {
		if len(q.rows) > 0 {
			out[t] = q.snapshot()
		}
	}
	return out
}

func (w *Writer) done(m map[string]*queue, table string, flushed []entry) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if q := m[table]; q != nil {
		q.drop(flushed)
	}
}

func rowsOf(es []entry) []storage.Row {
	out := make([]storage.Row, len(es))
	for i, e := range es {
		out[i] = e.row
	}
	return out
}

// Flush writes everything pending: one Append and one BatchUpsert per table
// at most. A failed table stays pending for the next flush.
func (w *Writer) Flush(ctx context.Context) FlushResult {
	w.flushMu.Lock()
	defer w.flushMu.Unlock()

	var (
		res  FlushResult
		errs []error
	)
	for table, es := range w.take(w.appends) {
		if err := w.store.Append(ctx, table, rowsOf(es)...); err != nil {
			errs = append(errs, fmt.Errorf("append %s: %w", table, err))
			continue
		}
		w.done(w.appends, table, es)
		res.Rows += len(es)
		res.Tables++
	}
	for table, es := range w.take(w.upserts) {
		if _, err := w.store.BatchUpsert(ctx, table, rowsOf(es)); err != nil {
			errs = append(errs, fmt.Errorf("upsert %s: %w", table, err))
			continue
		}
		w.done(w.upserts, table, es)
		res.Rows += len(es)
		res.Tables++
	}
	w.flushed.Add(uint64(res.Rows))
	if len(errs) > 0 {
		w.errs.Add(uint64(len(errs)))
		res.Err = errors.Join(errs...)
		w.log.Warn("write-behind flush failed; rows kept for retry", logx.Err(res.Err), logx.Int("pending", w.Pending()))
	} else if res.Rows > 0 {
		w.log.Debug("write-behind flushed", logx.Int("rows", res.Rows), logx.Int("tables", res.Tables))
	}
	return res
}

// Mark returns the current enqueue version. Pass it to UpsertNow after
// snapshotting the values to write.
func (w *Writer) Mark() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ver
}

// UpsertNow writes rows in one BatchUpsert, serialized with background
// flushes. On success, queued upserts for the same keys enqueued at or
// before mark are dropped so an older value cannot land on top.
func (w *Writer) UpsertNow(ctx context.Context, table string, rows []storage.Row, mark uint64) (storage.UpsertResult, error) {
	w.flushMu.Lock()
	defer w.flushMu.Unlock()

	res, err := w.store.BatchUpsert(ctx, table, rows)
	if err != nil {
		w.errs.Add(1)
		return res, err
	}
	w.flushed.Add(uint64(len(rows)))

	w.mu.Lock()
	defer w.mu.Unlock()
	if q := w.upserts[table]; q != nil {
		var stale []entry
		for _, r := range rows {
			if e, ok := q.rows[r.Key]; ok && e.ver <= mark {
				stale = append(stale, e)
			}
		}
		q.drop(stale)
	}
	return res, nil
}

// Run flushes every interval until ctx is done.
func (w *Writer) Run(ctx context.Context) {
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			w.Flush(ctx)
		}
	}
}

// Stop flushes whatever is still pending. Call it after Run has returned.
func (w *Writer) Stop(ctx context.Context) error {
	if w.Pending() == 0 {
		return nil
	}
	res := w.Flush(ctx)
	if res.Err != nil {
		return res.Err
	}
	if n := w.Pending(); n > 0 {
		return fmt.Errorf("writeback: %d rows still pending", n)
	}
	return nil
}

// Package refs tracks the last interface messages sent to each user so they
// can be deleted before a replacement is sent.
//
// Writes land in memory first and reach the durable store through the
// write-behind queue. A cold entry is loaded from the store once, under a
// short timeout; a slow or failing store degrades to "no known messages".
package refs

import (
	"context"
	"strconv"
	"sync"
	"time"

	"adventbot/internal/metrics"
	"adventbot/internal/storage"
	"adventbot/internal/transport"
	logx "adventbot/pkg/logx"
)

type Role string

const (
	CalendarView Role = "calendar-view"
	ContentView  Role = "content-view"
)

// Refs holds message ids by role. Zero means none.
type Refs struct {
	Calendar int
	Content  int
}

func (r Refs) Empty() bool { return r.Calendar == 0 && r.Content == 0 }

// Get returns the id for role.
func (r Refs) Get(role Role) int {
	switch role {
	case CalendarView:
		return r.Calendar
	case ContentView:
		return r.Content
	}
	return 0
}

// With returns refs holding only id under role.
func With(role Role, id int) Refs {
	var r Refs
	switch role {
	case CalendarView:
		r.Calendar = id
	case ContentView:
		r.Content = id
	}
	return r
}

func (r Refs) Row(userID int64) storage.Row {
	return storage.Row{Key: strconv.FormatInt(userID, 10), Cells: []string{idCell(r.Calendar), idCell(r.Content)}}
}

// FromRow parses a messages row; unparsable cells read as empty.
func FromRow(row storage.Row) Refs {
	return Refs{Calendar: parseID(row.Cell(0)), Content: parseID(row.Cell(1))}
}

func idCell(id int) string {
	if id == 0 {
		return ""
	}
	return strconv.Itoa(id)
}

func parseID(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// Deleter removes a chat message.
type Deleter interface {
	DeleteMessage(ctx context.Context, ref transport.MessageRef) error
}

// Getter is the read side of the durable store.
type Getter interface {
	Get(ctx context.Context, table, key string) (storage.Row, bool, error)
}

// Enqueuer is the write-behind queue.
type Enqueuer interface {
	Enqueue(table string, row storage.Row)
}

// DeleteResult reports a DeleteTracked call. Callers may ignore it.
type DeleteResult struct {
	Attempted int
	Deleted   int
	Failed    int
}

type Cache struct {
	store         Getter
	queue         Enqueuer
	del           Deleter
	lookupTimeout time.Duration
	log           logx.Logger
	metrics       *metrics.Metrics

	mu sync.RWMutex
	m  map[int64]Refs
}

type Option func(*Cache)

func WithMetrics(m *metrics.Metrics) Option { return func(c *Cache) { c.metrics = m } }

func WithLookupTimeout(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.lookupTimeout = d
		}
	}
}

func New(store Getter, queue Enqueuer, del Deleter, log logx.Logger, opts ...Option) *Cache {
	c := &Cache{
		store:         store,
		queue:         queue,
		del:           del,
		lookupTimeout: 2 * time.Second,
		log:           log.With(logx.String("comp", "refs")),
		m:             map[int64]Refs{},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Record overwrites the user's entry and schedules persistence. It never
// waits on the store.
func (c *Cache) Record(userID int64, r Refs) {
	c.RecordLocal(userID, r)
	if c.queue != nil {
		c.queue.Enqueue(storage.TableMessages, r.Row(userID))
	}
}

// RecordLocal overwrites the user's entry without scheduling persistence;
// the caller persists it in bulk (see Rows).
func (c *Cache) RecordLocal(userID int64, r Refs) {
	c.mu.Lock()
	c.m[userID] = r
	c.mu.Unlock()
}

// Peek returns the cached entry without touching the store.
func (c *Cache) Peek(userID int64) (Refs, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.m[userID]
	return r, ok && !r.Empty()
}

// Get returns the user's refs. On a miss it does one bounded store lookup;
// a timeout or error returns empty refs and leaves the cache untouched.
func (c *Cache) Get(ctx context.Context, userID int64) Refs {
	if r, ok := c.Peek(userID); ok {
		c.metrics.CacheLookup("hit")
		return r
	}
	if c.store == nil {
		c.metrics.CacheLookup("miss_empty")
		return Refs{}
	}

	lctx, cancel := context.WithTimeout(ctx, c.lookupTimeout)
	defer cancel()
	row, found, err := c.store.Get(lctx, storage.TableMessages, strconv.FormatInt(userID, 10))
	if err != nil {
		c.metrics.CacheLookup("error")
		c.log.Warn("message refs lookup failed", logx.Int64("user_id", userID), logx.Err(err))
		return Refs{}
	}
	if !found {
		c.metrics.CacheLookup("miss_empty")
		return Refs{}
	}
	r := FromRow(row)
	if r.Empty() {
		c.metrics.CacheLookup("miss_empty")
		return r
	}
	c.metrics.CacheLookup("miss_found")

	c.mu.Lock()
	defer c.mu.Unlock()
	// a Record during the lookup is fresher than the store
	if cur, ok := c.m[userID]; ok && !cur.Empty() {
		return cur
	}
	c.m[userID] = r
	return r
}

// DeleteTracked deletes every tracked message of the user. Failures are
// counted, logged at debug and never returned.
func (c *Cache) DeleteTracked(ctx context.Context, userID int64) DeleteResult {
	if c.del == nil {
		return DeleteResult{}
	}
	return c.DeleteRefs(ctx, userID, c.Get(ctx, userID))
}

// DeleteRefs deletes the given messages of the user. Callers snapshot refs
// with Get before recording a replacement and delete the snapshot later.
func (c *Cache) DeleteRefs(ctx context.Context, userID int64, r Refs) DeleteResult {
	var res DeleteResult
	if c.del == nil {
		return res
	}
	for _, id := range []int{r.Calendar, r.Content} {
		if id == 0 {
			continue
		}
		res.Attempted++
		err := c.del.DeleteMessage(ctx, transport.MessageRef{ChatID: userID, MessageID: id})
		c.metrics.StaleDelete(err == nil)
		if err != nil {
			res.Failed++
			c.log.Debug("stale message delete failed", logx.Int64("user_id", userID), logx.Int("message_id", id), logx.Err(err))
			continue
		}
		res.Deleted++
	}
	return res
}

// Rows returns store rows for the given users from the current cache.
// Users without an entry are left out.
func (c *Cache) Rows(userIDs []int64) []storage.Row {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]storage.Row, 0, len(userIDs))
	for _, id := range userIDs {
		if r, ok := c.m[id]; ok {
			out = append(out, r.Row(id))
		}
	}
	return out
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.m)
}

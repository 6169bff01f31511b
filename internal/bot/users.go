package bot

import (
	"strconv"
	"sync"
	"time"

	"adventbot/internal/storage"
)

// Appender schedules insert-if-absent writes.
type Appender interface {
	EnqueueAppend(table string, row storage.Row)
}

// Users records each user in the durable store at most once per process.
type Users struct {
	queue Appender
	now   func() time.Time

	mu   sync.Mutex
	seen map[int64]struct{}
}

func NewUsers(q Appender, now func() time.Time) *Users {
	if now == nil {
		now = time.Now
	}
	return &Users{queue: q, now: now, seen: map[int64]struct{}{}}
}

// Seen records the user and reports whether this is the first sighting in
// this process.
func (u *Users) Seen(id int64, name string) bool {
	if id == 0 {
		return false
	}
	u.mu.Lock()
	if _, ok := u.seen[id]; ok {
		u.mu.Unlock()
		return false
	}
	u.seen[id] = struct{}{}
	u.mu.Unlock()

	if u.queue != nil {
		key := strconv.FormatInt(id, 10)
		u.queue.EnqueueAppend(storage.TableUsers, storage.Row{
			Key:   key,
			Cells: []string{key, name, u.now().UTC().Format(time.RFC3339)},
		})
	}
	return true
}

func (u *Users) Len() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.seen)
}

package calendar

import (
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"adventbot/internal/storage"
)

// Queue is the write-behind side of the durable store.
type Queue interface {
	Enqueue(table string, row storage.Row)
}

// Progress is the per-user set of opened days. It only grows; the in-memory
// copy is authoritative and persisted write-behind.
type Progress struct {
	queue Queue

	mu   sync.RWMutex
	days map[int64]map[int]struct{}
}

func NewProgress(q Queue) *Progress {
	return &Progress{queue: q, days: map[int64]map[int]struct{}{}}
}

// MarkOpened adds day to the user's set. It reports whether the day was new.
func (p *Progress) MarkOpened(userID int64, day int) bool {
	p.mu.Lock()
	set := p.days[userID]
	if set == nil {
		set = map[int]struct{}{}
		p.days[userID] = set
	}
	if _, ok := set[day]; ok {
		p.mu.Unlock()
		return false
	}
	set[day] = struct{}{}
	row := progressRow(userID, set)
	p.mu.Unlock()

	if p.queue != nil {
		p.queue.Enqueue(storage.TableProgress, row)
	}
	return true
}

func (p *Progress) IsOpened(userID int64, day int) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.days[userID][day]
	return ok
}

// Opened returns the user's opened days in ascending order.
func (p *Progress) Opened(userID int64) []int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return sortedDays(p.days[userID])
}

func (p *Progress) Users() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.days)
}

// Load merges stored rows into the set. Rows it cannot parse are counted
// and skipped.
func (p *Progress) Load(rows []storage.Row) (loaded, bad int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, r := range rows {
		uid, err := strconv.ParseInt(r.Key, 10, 64)
		if err != nil {
			bad++
			continue
		}
		set := p.days[uid]
		if set == nil {
			set = map[int]struct{}{}
			p.days[uid] = set
		}
		for _, f := range strings.Split(r.Cell(0), ",") {
			if f = strings.TrimSpace(f); f == "" {
				continue
			}
			d, err := strconv.Atoi(f)
			if err != nil || d < 1 {
				continue
			}
			set[d] = struct{}{}
		}
		loaded++
	}
	return loaded, bad
}

func sortedDays(set map[int]struct{}) []int {
	out := make([]int, 0, len(set))
	for d := range set {
		out = append(out, d)
	}
	slices.Sort(out)
	return out
}

func joinDays(days []int, sep string) string {
	parts := make([]string, len(days))
	for i, d := range days {
		parts[i] = strconv.Itoa(d)
	}
	return strings.Join(parts, sep)
}

func progressRow(userID int64, set map[int]struct{}) storage.Row {
	return storage.Row{Key: strconv.FormatInt(userID, 10), Cells: []string{joinDays(sortedDays(set), ",")}}
}

// Answer is one user's answer to one day's question.
type Answer struct {
	UserID int64
	Day    int
	Text   string
	Name   string
	At     time.Time
}

func answerKey(userID int64, day int) string {
	return strconv.FormatInt(userID, 10) + ":" + strconv.Itoa(day)
}

func (a Answer) Row() storage.Row {
	return storage.Row{
		Key: answerKey(a.UserID, a.Day),
		Cells: []string{
			strconv.FormatInt(a.UserID, 10),
			strconv.Itoa(a.Day),
			a.Text,
			a.At.UTC().Format(time.RFC3339),
			a.Name,
		},
	}
}

type answerKeyT struct {
	user int64
	day  int
}

// AnswerBook holds at most one answer per (user, day); the last Put wins.
type AnswerBook struct {
	queue Queue

	mu sync.RWMutex
	m  map[answerKeyT]Answer
}

func NewAnswerBook(q Queue) *AnswerBook {
	return &AnswerBook{queue: q, m: map[answerKeyT]Answer{}}
}

func (b *AnswerBook) Put(a Answer) {
	b.mu.Lock()
	b.m[answerKeyT{a.UserID, a.Day}] = a
	b.mu.Unlock()
	if b.queue != nil {
		b.queue.Enqueue(storage.TableAnswers, a.Row())
	}
}

func (b *AnswerBook) Get(userID int64, day int) (Answer, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	a, ok := b.m[answerKeyT{userID, day}]
	return a, ok
}

// ByDay returns the answers for day ordered by time.
func (b *AnswerBook) ByDay(day int) []Answer {
	b.mu.RLock()
	out := make([]Answer, 0)
	for k, a := range b.m {
		if k.day == day {
			out = append(out, a)
		}
	}
	b.mu.RUnlock()
	sortAnswers(out)
	return out
}

// All returns every answer ordered by day, then time.
func (b *AnswerBook) All() []Answer {
	b.mu.RLock()
	out := make([]Answer, 0, len(b.m))
	for _, a := range b.m {
		out = append(out, a)
	}
	b.mu.RUnlock()
	sortAnswers(out)
	return out
}

func (b *AnswerBook) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.m)
}

// Load merges stored rows. A row only replaces an answer that is older.
func (b *AnswerBook) Load(rows []storage.Row) (loaded, bad int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, r := range rows {
		uid, err1 := strconv.ParseInt(r.Cell(0), 10, 64)
		day, err2 := strconv.Atoi(r.Cell(1))
		if err1 != nil || err2 != nil || day < 1 {
			bad++
			continue
		}
		at, _ := time.Parse(time.RFC3339, r.Cell(3))
		a := Answer{UserID: uid, Day: day, Text: r.Cell(2), At: at, Name: r.Cell(4)}
		k := answerKeyT{uid, day}
		if cur, ok := b.m[k]; ok && cur.At.After(a.At) {
			continue
		}
		b.m[k] = a
		loaded++
	}
	return loaded, bad
}

func sortAnswers(as []Answer) {
	slices.SortFunc(as, func(x, y Answer) int {
		if x.Day != y.Day {
			return x.Day - y.Day
		}
		if c := x.At.Compare(y.At); c != 0 {
			return c
		}
		switch {
		case x.UserID < y.UserID:
			return -1
		case x.UserID > y.UserID:
			return 1
		}
		return 0
	})
}

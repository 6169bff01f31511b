// Package broadcast sends the periodic "a new door is open" notification to
// every known user.
//
// A run is cooldown-gated and never overlaps another run. Users are served
// by a bounded worker pool paced by a shared limiter; the new message ids
// are written back to the store in one batch at the end of the run.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"adventbot/internal/calendar"
	"adventbot/internal/eventbus"
	"adventbot/internal/keylock"
	"adventbot/internal/metrics"
	"adventbot/internal/refs"
	"adventbot/internal/storage"
	"adventbot/internal/transport"
	logx "adventbot/pkg/logx"
)

// ErrEnumerate means the user list could not be read; nothing was sent.
var ErrEnumerate = errors.New("enumerate users")

type Config struct {
	Cooldown       time.Duration
	InterSendDelay time.Duration
	Workers        int
	// SendTimeout bounds the wait for one send. A transport without context
	// support may keep the request running past it until its own deadline.
	SendTimeout    time.Duration
	FlushTimeout   time.Duration
	Text           string
}

func (c Config) normalize() Config {
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	if c.FlushTimeout <= 0 {
		c.FlushTimeout = 15 * time.Second
	}
	if c.InterSendDelay < 0 {
		c.InterSendDelay = 0
	}
	if c.Text == "" {
		c.Text = "🎄 A new door of your Advent Calendar is open!"
	}
	return c
}

// Users enumerates known users.
type Users interface {
	Rows(ctx context.Context, table string) ([]storage.Row, error)
}

// Batcher writes the end-of-run batch. writeback.Writer implements it.
type Batcher interface {
	Mark() uint64
	UpsertNow(ctx context.Context, table string, rows []storage.Row, mark uint64) (storage.UpsertResult, error)
}

type Sender interface {
	SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error)
}

type Failure struct {
	UserID int64  `json:"user_id"`
	Reason string `json:"reason"`
}

// Summary describes one trigger. A throttled trigger has only Throttled and
// RetryAfter set.
type Summary struct {
	RunID      string        `json:"run_id,omitempty"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at,omitempty"`
	Total      int           `json:"total"`
	Sent       int           `json:"sent"`
	Failed     int           `json:"failed"`
	Skipped    int           `json:"skipped"`
	Failures   []Failure     `json:"failures,omitempty"`
	Flushed    int           `json:"flushed"`
	FlushError string        `json:"flush_error,omitempty"`
	Throttled  bool          `json:"throttled,omitempty"`
	RetryAfter time.Duration `json:"-"`
	Canceled   bool          `json:"canceled,omitempty"`
}

func (s Summary) String() string {
	if s.Throttled {
		return fmt.Sprintf("throttled, retry in %s", s.RetryAfter.Round(time.Second))
	}
	var b strings.Builder
	fmt.Fprintf(&b, "sent=%d failed=%d skipped=%d total=%d flushed=%d", s.Sent, s.Failed, s.Skipped, s.Total, s.Flushed)
	if s.Canceled {
		b.WriteString(" canceled")
	}
	if s.FlushError != "" {
		fmt.Fprintf(&b, " flush_error=%q", s.FlushError)
	}
	if !s.FinishedAt.IsZero() {
		fmt.Fprintf(&b, " took=%s", s.FinishedAt.Sub(s.StartedAt).Round(time.Millisecond))
	}
	return b.String()
}

type Deps struct {
	Users   Users
	Batch   Batcher
	Sender  Sender
	Refs    *refs.Cache
	Locks   *keylock.Locker
	Log     logx.Logger
	Metrics *metrics.Metrics
	Bus     eventbus.Bus
}

type Dispatcher struct {
	users   Users
	batch   Batcher
	send    Sender
	refs    *refs.Cache
	locks   *keylock.Locker
	log     logx.Logger
	metrics *metrics.Metrics
	bus     eventbus.Bus

	mu      sync.Mutex
	cfg     Config
	last    time.Time
	running bool
	summary *Summary
}

func New(d Deps, cfg Config) *Dispatcher {
	x := &Dispatcher{
		users:   d.Users,
		batch:   d.Batch,
		send:    d.Sender,
		refs:    d.Refs,
		locks:   d.Locks,
		log:     d.Log.With(logx.String("comp", "broadcast")),
		metrics: d.Metrics,
		bus:     d.Bus,
		cfg:     cfg.normalize(),
	}
	if x.locks == nil {
		x.locks = keylock.New(0)
	}
	if x.bus == nil {
		x.bus = eventbus.Nop{}
	}
	if x.refs == nil {
		x.refs = refs.New(nil, nil, nil, d.Log)
	}
	return x
}

// Apply swaps the runtime settings. A run in progress keeps its settings.
func (d *Dispatcher) Apply(cfg Config) {
	d.mu.Lock()
	d.cfg = cfg.normalize()
	d.mu.Unlock()
}

func (d *Dispatcher) Config() Config {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg
}

// Last returns the summary of the most recent completed run.
func (d *Dispatcher) Last() (Summary, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.summary == nil {
		return Summary{}, false
	}
	return *d.summary, true
}

// Running reports whether a run is in progress.
func (d *Dispatcher) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

// acquire is the cooldown gate. It records now as the trigger time before
// any work starts.
func (d *Dispatcher) acquire(now time.Time) (Config, time.Duration, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return d.cfg, d.cfg.Cooldown, false
	}
	if !d.last.IsZero() {
		if since := now.Sub(d.last); since < d.cfg.Cooldown {
			return d.cfg, d.cfg.Cooldown - since, false
		}
	}
	d.last = now
	d.running = true
	return d.cfg, 0, true
}

func (d *Dispatcher) release(s Summary) {
	d.mu.Lock()
	d.running = false
	d.summary = &s
	d.mu.Unlock()
}

// Trigger runs one broadcast unless the gate rejects it. Cancelling ctx
// stops handing out users; in-flight sends finish and the batch is still
// written. The only error is ErrEnumerate, returned with the partial
// summary.
func (d *Dispatcher) Trigger(ctx context.Context, now time.Time) (Summary, error) {
	cfg, wait, ok := d.acquire(now)
	if !ok {
		d.metrics.BroadcastRun("throttled", now, 0, 0, 0, 0)
		d.log.Info("broadcast throttled", logx.Duration("retry_after", wait))
		return Summary{StartedAt: now, Throttled: true, RetryAfter: wait}, nil
	}

	s := Summary{RunID: uuid.NewString(), StartedAt: now}
	log := d.log.With(logx.String("run_id", s.RunID))
	began := time.Now()
	d.bus.Publish(eventbus.Event{Type: eventbus.BroadcastStarted, Data: s.RunID})
	log.Info("broadcast started")

	rows, err := d.users.Rows(ctx, storage.TableUsers)
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrEnumerate, err)
		s.FinishedAt = now.Add(time.Since(began))
		d.finish(log, s, "enumerate_failed", began)
		log.Error("broadcast aborted", logx.Err(err))
		return s, err
	}

	ids := d.userIDs(log, rows, &s)
	s.Total = len(ids)
	batch := d.fanOut(ctx, log, cfg, ids, &s)

	if len(batch) > 0 && d.batch != nil {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.FlushTimeout)
		mark := d.batch.Mark()
		res, err := d.batch.UpsertNow(fctx, storage.TableMessages, d.refs.Rows(batch), mark)
		cancel()
		if err != nil {
			s.FlushError = err.Error()
			log.Error("broadcast batch write failed", logx.Err(err), logx.Int("rows", len(batch)))
		} else {
			s.Flushed = res.Updated + res.Appended
		}
	}

	s.FinishedAt = now.Add(time.Since(began))
	outcome := "ok"
	if s.Canceled {
		outcome = "canceled"
	}
	d.finish(log, s, outcome, began)
	return s, nil
}

func (d *Dispatcher) finish(log logx.Logger, s Summary, outcome string, began time.Time) {
	d.release(s)
	d.metrics.BroadcastRun(outcome, s.StartedAt, time.Since(began), s.Sent, s.Failed, s.Skipped)
	d.bus.Publish(eventbus.Event{Type: eventbus.BroadcastFinished, Data: s})
	log.Info("broadcast finished",
		logx.String("outcome", outcome),
		logx.Int("sent", s.Sent),
		logx.Int("failed", s.Failed),
		logx.Int("skipped", s.Skipped),
		logx.Int("flushed", s.Flushed),
	)
}

// userIDs parses the user keys. Malformed and duplicate keys are skipped.
func (d *Dispatcher) userIDs(log logx.Logger, rows []storage.Row, s *Summary) []int64 {
	seen := make(map[int64]struct{}, len(rows))
	ids := make([]int64, 0, len(rows))
	for _, r := range rows {
		id, err := strconv.ParseInt(strings.TrimSpace(r.Key), 10, 64)
		if err != nil || id == 0 {
			s.Skipped++
			log.Warn("skipping malformed user id", logx.String("key", r.Key))
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids
}

func (d *Dispatcher) fanOut(ctx context.Context, log logx.Logger, cfg Config, ids []int64, s *Summary) []int64 {
	limit := rate.Inf
	if cfg.InterSendDelay > 0 {
		limit = rate.Every(cfg.InterSendDelay)
	}
	lim := rate.NewLimiter(limit, 1)

	var (
		mu    sync.Mutex
		batch []int64
		wg    sync.WaitGroup
		jobs  = make(chan int64)
	)
	workers := min(cfg.Workers, max(len(ids), 1))
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for uid := range jobs {
				err := d.deliver(ctx, cfg, uid)
				mu.Lock()
				if err != nil {
					s.Failed++
					s.Failures = append(s.Failures, Failure{UserID: uid, Reason: err.Error()})
				} else {
					s.Sent++
					batch = append(batch, uid)
				}
				mu.Unlock()
				if err != nil {
					log.Warn("broadcast send failed", logx.Int64("user_id", uid), logx.Err(err))
				}
			}
		}()
	}

feed:
	for _, uid := range ids {
		if err := lim.Wait(ctx); err != nil {
			s.Canceled = true
			break
		}
		select {
		case jobs <- uid:
		case <-ctx.Done():
			s.Canceled = true
			break feed
		}
	}
	close(jobs)
	wg.Wait()
	return batch
}

// deliver notifies one user. It runs under the user's lock so it cannot
// interleave with that user's own actions. The send is detached from run
// cancellation and bounded by SendTimeout.
func (d *Dispatcher) deliver(ctx context.Context, cfg Config, uid int64) error {
	unlock := d.locks.Lock(uid)
	defer unlock()

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.SendTimeout)
	defer cancel()

	d.refs.DeleteTracked(sctx, uid)
	ref, err := d.send.SendText(sctx, transport.ChatTarget{ChatID: uid}, cfg.Text, &transport.SendOptions{
		Keyboard: transport.Keyboard{{{Text: "Open calendar 🎄", Data: calendar.DataBackToCalendar}}},
	})
	if err != nil {
		return err
	}
	d.refs.RecordLocal(uid, refs.With(refs.CalendarView, ref.MessageID))
	return nil
}

package broadcast

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"adventbot/internal/eventbus"
	"adventbot/internal/refs"
	"adventbot/internal/storage"
	"adventbot/internal/transport"
	logx "adventbot/pkg/logx"
)

type fakeUsers struct {
	rows  []storage.Row
	err   error
	calls atomic.Int32
}

func (f *fakeUsers) Rows(_ context.Context, table string) ([]storage.Row, error) {
	f.calls.Add(1)
	if table != storage.TableUsers {
		return nil, errors.New("unexpected table " + table)
	}
	return f.rows, f.err
}

func users(keys ...string) *fakeUsers {
	f := &fakeUsers{}
	for _, k := range keys {
		f.rows = append(f.rows, storage.Row{Key: k, Cells: []string{k, "name"}})
	}
	return f
}

type recBatcher struct {
	mu    sync.Mutex
	calls [][]storage.Row
	err   error
}

func (b *recBatcher) Mark() uint64 { return 0 }

func (b *recBatcher) UpsertNow(ctx context.Context, table string, rows []storage.Row, _ uint64) (storage.UpsertResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ctx.Err() != nil {
		return storage.UpsertResult{}, ctx.Err()
	}
	b.calls = append(b.calls, rows)
	if b.err != nil {
		return storage.UpsertResult{}, b.err
	}
	return storage.UpsertResult{Appended: len(rows)}, nil
}

type fakeSender struct {
	mu      sync.Mutex
	nextID  int
	fail    map[int64]error
	sent    []int64
	deleted []transport.MessageRef
	ctxErrs int
	onSend  func(uid int64)
}

func (f *fakeSender) SendText(ctx context.Context, to transport.ChatTarget, _ string, _ *transport.SendOptions) (transport.MessageRef, error) {
	if f.onSend != nil {
		f.onSend(to.ChatID)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if ctx.Err() != nil {
		f.ctxErrs++
	}
	if err := f.fail[to.ChatID]; err != nil {
		return transport.MessageRef{}, err
	}
	f.nextID++
	f.sent = append(f.sent, to.ChatID)
	return transport.MessageRef{ChatID: to.ChatID, MessageID: 1000 + f.nextID}, nil
}

func (f *fakeSender) DeleteMessage(_ context.Context, ref transport.MessageRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, ref)
	return nil
}

type fixture struct {
	d     *Dispatcher
	users *fakeUsers
	batch *recBatcher
	send  *fakeSender
	cache *refs.Cache
}

func newFixture(u *fakeUsers, cfg Config) *fixture {
	f := &fixture{users: u, batch: &recBatcher{}, send: &fakeSender{fail: map[int64]error{}}}
	f.cache = refs.New(nil, nil, f.send, logx.Nop())
	f.d = New(Deps{
		Users:  f.users,
		Batch:  f.batch,
		Sender: f.send,
		Refs:   f.cache,
		Log:    logx.Nop(),
	}, cfg)
	return f
}

var t0 = time.Date(2025, time.December, 5, 8, 0, 0, 0, time.UTC)

func TestCooldownThrottlesSecondTrigger(t *testing.T) {
	f := newFixture(users("1", "2"), Config{Cooldown: time.Hour, Workers: 2})

	s1, err := f.d.Trigger(context.Background(), t0)
	if err != nil || s1.Throttled || s1.Sent != 2 {
		t.Fatalf("first = %+v, %v", s1, err)
	}
	s2, err := f.d.Trigger(context.Background(), t0.Add(10*time.Minute))
	if err != nil || !s2.Throttled {
		t.Fatalf("second = %+v, %v", s2, err)
	}
	if s2.Sent != 0 || s2.RetryAfter != 50*time.Minute {
		t.Fatalf("second = %+v", s2)
	}
	if n := f.users.calls.Load(); n != 1 {
		t.Fatalf("enumerations = %d, want 1", n)
	}
	if len(f.send.sent) != 2 {
		t.Fatalf("sends = %d, want 2", len(f.send.sent))
	}

	if s3, _ := f.d.Trigger(context.Background(), t0.Add(time.Hour)); s3.Throttled {
		t.Fatal("trigger after the cooldown should run")
	}
}

func TestConcurrentTriggersRunOnce(t *testing.T) {
	f := newFixture(users("1", "2", "3"), Config{Cooldown: time.Hour, Workers: 2})

	var (
		wg        sync.WaitGroup
		runs      atomic.Int32
		throttled atomic.Int32
		start     = make(chan struct{})
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			s, _ := f.d.Trigger(context.Background(), t0)
			if s.Throttled {
				throttled.Add(1)
			} else {
				runs.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	if runs.Load() != 1 || throttled.Load() != 15 {
		t.Fatalf("runs=%d throttled=%d", runs.Load(), throttled.Load())
	}
	if n := f.users.calls.Load(); n != 1 {
		t.Fatalf("enumerations = %d, want 1", n)
	}
}

func TestRunningRunBlocksEvenWithoutCooldown(t *testing.T) {
	f := newFixture(users("1"), Config{Workers: 1})
	entered := make(chan struct{})
	release := make(chan struct{})
	f.send.onSend = func(int64) {
		close(entered)
		<-release
	}

	done := make(chan Summary)
	go func() {
		s, _ := f.d.Trigger(context.Background(), t0)
		done <- s
	}()
	<-entered
	if !f.d.Running() {
		t.Fatal("run should be in progress")
	}
	s, _ := f.d.Trigger(context.Background(), t0.Add(time.Hour))
	if !s.Throttled {
		t.Fatalf("overlapping trigger = %+v", s)
	}
	close(release)
	if s := <-done; s.Sent != 1 {
		t.Fatalf("first run = %+v", s)
	}
	if f.users.calls.Load() != 1 {
		t.Fatalf("enumerations = %d", f.users.calls.Load())
	}
}

func TestSendFailureIsIsolated(t *testing.T) {
	f := newFixture(users("100", "200"), Config{Workers: 2})
	f.send.fail[100] = errors.New("bot was blocked by the user")

	s, err := f.d.Trigger(context.Background(), t0)
	if err != nil {
		t.Fatal(err)
	}
	if s.Sent != 1 || s.Failed != 1 {
		t.Fatalf("summary = %s", s)
	}
	if len(s.Failures) != 1 || s.Failures[0].UserID != 100 || !strings.Contains(s.Failures[0].Reason, "blocked") {
		t.Fatalf("failures = %+v", s.Failures)
	}
	if len(f.batch.calls) != 1 {
		t.Fatalf("batch calls = %d, want exactly 1", len(f.batch.calls))
	}
	rows := f.batch.calls[0]
	if len(rows) != 1 || rows[0].Key != "200" || rows[0].Cell(0) == "" {
		t.Fatalf("batch rows = %+v", rows)
	}
	if !strings.HasPrefix(s.String(), "sent=1 failed=1") {
		t.Fatalf("String() = %q", s.String())
	}
}

func TestEnumerateFailure(t *testing.T) {
	u := &fakeUsers{err: errors.New("sheet unavailable")}
	f := newFixture(u, Config{Cooldown: time.Hour})

	s, err := f.d.Trigger(context.Background(), t0)
	if !errors.Is(err, ErrEnumerate) {
		t.Fatalf("err = %v, want ErrEnumerate", err)
	}
	if s.Throttled || s.Sent != 0 || len(f.batch.calls) != 0 || len(f.send.sent) != 0 {
		t.Fatalf("summary = %+v", s)
	}
	if f.d.Running() {
		t.Fatal("run must be released after an enumeration failure")
	}
	// the trigger time was recorded before the failure
	if s2, _ := f.d.Trigger(context.Background(), t0.Add(time.Minute)); !s2.Throttled {
		t.Fatal("failed run still starts the cooldown")
	}
}

func TestMalformedIDsSkipped(t *testing.T) {
	f := newFixture(users("1", "abc", "", "2", "2"), Config{Workers: 3})
	s, err := f.d.Trigger(context.Background(), t0)
	if err != nil {
		t.Fatal(err)
	}
	if s.Skipped != 2 || s.Sent != 2 || s.Total != 2 {
		t.Fatalf("summary = %+v", s)
	}
}

func TestCancelStopsNewSendsAndStillFlushes(t *testing.T) {
	f := newFixture(users("1", "2", "3", "4", "5"), Config{Workers: 1})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.send.onSend = func(int64) { cancel() }

	s, err := f.d.Trigger(ctx, t0)
	if err != nil {
		t.Fatal(err)
	}
	if !s.Canceled || s.Sent == 0 || s.Sent >= 5 {
		t.Fatalf("summary = %+v", s)
	}
	if f.send.ctxErrs != 0 {
		t.Fatal("in-flight sends must not see the run's cancellation")
	}
	if len(f.batch.calls) != 1 || len(f.batch.calls[0]) != s.Sent {
		t.Fatalf("batch = %+v, sent=%d", f.batch.calls, s.Sent)
	}
}

func TestDeletesStaleRefsAndRecordsNewOnes(t *testing.T) {
	f := newFixture(users("7"), Config{})
	f.cache.RecordLocal(7, refs.Refs{Calendar: 3, Content: 4})

	if _, err := f.d.Trigger(context.Background(), t0); err != nil {
		t.Fatal(err)
	}
	if len(f.send.deleted) != 2 {
		t.Fatalf("deleted = %+v", f.send.deleted)
	}
	got, _ := f.cache.Peek(7)
	if got.Calendar != 1001 || got.Content != 0 {
		t.Fatalf("refs = %+v", got)
	}
}

func TestFlushErrorIsReported(t *testing.T) {
	f := newFixture(users("1"), Config{})
	f.batch.err = errors.New("quota exceeded")
	s, err := f.d.Trigger(context.Background(), t0)
	if err != nil {
		t.Fatal(err)
	}
	if s.Sent != 1 || s.FlushError == "" || s.Flushed != 0 {
		t.Fatalf("summary = %+v", s)
	}
	if last, ok := f.d.Last(); !ok || last.RunID != s.RunID {
		t.Fatalf("Last = %+v, %v", last, ok)
	}
}

func TestApplyAndEvents(t *testing.T) {
	f := newFixture(users("1"), Config{Cooldown: time.Hour})
	bus := eventbus.New()
	f.d.bus = bus
	ch, unsub := bus.Subscribe(4)
	defer unsub()

	f.d.Apply(Config{Cooldown: time.Minute, Workers: 8, Text: "new door"})
	if c := f.d.Config(); c.Workers != 8 || c.Text != "new door" || c.SendTimeout == 0 {
		t.Fatalf("config = %+v", c)
	}
	if _, err := f.d.Trigger(context.Background(), t0); err != nil {
		t.Fatal(err)
	}
	if s, _ := f.d.Trigger(context.Background(), t0.Add(2*time.Minute)); s.Throttled {
		t.Fatal("applied cooldown should be used")
	}

	var types []string
	for len(types) < 2 {
		select {
		case e := <-ch:
			types = append(types, e.Type)
		default:
			t.Fatalf("events = %v", types)
		}
	}
	if types[0] != eventbus.BroadcastStarted || types[1] != eventbus.BroadcastFinished {
		t.Fatalf("events = %v", types)
	}
}

func TestThrottledString(t *testing.T) {
	s := Summary{Throttled: true, RetryAfter: 90 * time.Second}
	if s.String() != "throttled, retry in 1m30s" {
		t.Fatalf("String() = %q", s.String())
	}
}

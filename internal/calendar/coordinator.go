// Package calendar decides what a user sees when they open a door and keeps
// the opened-days set and the answer book.
package calendar

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"adventbot/internal/eventbus"
	"adventbot/internal/metrics"
	"adventbot/internal/refs"
	"adventbot/internal/session"
	"adventbot/internal/storage"
	"adventbot/internal/transport"
	logx "adventbot/pkg/logx"
)

type Kind int

const (
	Locked Kind = iota + 1
	Opened
	AlreadyOpened
)

func (k Kind) String() string {
	switch k {
	case Locked:
		return "locked"
	case Opened:
		return "opened"
	case AlreadyOpened:
		return "already_opened"
	}
	return "unknown"
}

// Reveal is the outcome of asking for a day.
type Reveal struct {
	Kind  Kind
	Day   int
	Entry Entry
}

type User struct {
	ID   int64
	Name string
}

// Messenger is the part of the transport the coordinator sends through.
type Messenger interface {
	SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error)
	SendPhoto(ctx context.Context, to transport.ChatTarget, photo, caption string, opt *transport.SendOptions) (transport.MessageRef, error)
	AnswerCallback(ctx context.Context, callbackID string, text string, alert bool) error
}

type Deps struct {
	Messenger Messenger
	Refs      *refs.Cache
	Session   *session.Machine
	Progress  *Progress
	Answers   *AnswerBook
	Table     Table
	Unlocker  Unlocker
	Now       func() time.Time
	Log       logx.Logger
	Metrics   *metrics.Metrics
	Bus       eventbus.Bus
	// DeleteTimeout bounds the background delete of superseded messages.
	DeleteTimeout time.Duration
}

type Coordinator struct {
	msg      Messenger
	refs     *refs.Cache
	sm       *session.Machine
	progress *Progress
	answers  *AnswerBook
	table    Table
	unlock   Unlocker
	now      func() time.Time
	log      logx.Logger
	metrics  *metrics.Metrics
	bus      eventbus.Bus

	deleteTimeout time.Duration
	wg            sync.WaitGroup
}

func New(d Deps) *Coordinator {
	c := &Coordinator{
		msg:           d.Messenger,
		refs:          d.Refs,
		sm:            d.Session,
		progress:      d.Progress,
		answers:       d.Answers,
		table:         d.Table,
		unlock:        d.Unlocker,
		now:           d.Now,
		log:           d.Log.With(logx.String("comp", "calendar")),
		metrics:       d.Metrics,
		bus:           d.Bus,
		deleteTimeout: d.DeleteTimeout,
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.bus == nil {
		c.bus = eventbus.Nop{}
	}
	if c.sm == nil {
		c.sm = session.New(nil)
	}
	if c.refs == nil {
		c.refs = refs.New(nil, nil, nil, d.Log)
	}
	if c.progress == nil {
		c.progress = NewProgress(nil)
	}
	if c.answers == nil {
		c.answers = NewAnswerBook(nil)
	}
	if c.deleteTimeout <= 0 {
		c.deleteTimeout = 10 * time.Second
	}
	if c.unlock.Days == 0 {
		c.unlock.Days = c.table.Days
	}
	return c
}

func (c *Coordinator) Table() Table       { return c.table }
func (c *Coordinator) Unlocker() Unlocker { return c.unlock }

// Evaluate decides the reveal kind without side effects. Days outside the
// calendar range are always revealable and never stored.
func (c *Coordinator) Evaluate(userID int64, day int, now time.Time) Reveal {
	rv := Reveal{Day: day, Entry: c.table.Lookup(day)}
	switch {
	case !c.table.Known(day):
		rv.Kind = Opened
	case c.progress.IsOpened(userID, day):
		rv.Kind = AlreadyOpened
	case !c.unlock.Unlocked(day, now):
		rv.Kind = Locked
	default:
		rv.Kind = Opened
	}
	return rv
}

// Open reveals day to the user. A locked day only answers the callback with
// an alert. Otherwise the day is marked opened, the previous views are
// deleted in the background, the content is sent and recorded, and a
// question on the day arms the session.
func (c *Coordinator) Open(ctx context.Context, u User, day int, callbackID string) (Reveal, error) {
	rv := c.Evaluate(u.ID, day, c.now())
	c.metrics.Reveal(rv.Kind.String())

	if rv.Kind == Locked {
		if callbackID == "" {
			return rv, nil
		}
		return rv, c.msg.AnswerCallback(ctx, callbackID, lockedText(day, c.unlock.Month), true)
	}

	if rv.Kind == Opened && c.table.Known(day) && c.progress.MarkOpened(u.ID, day) {
		c.bus.Publish(eventbus.Event{Type: eventbus.DayOpened, Data: map[string]int64{"user_id": u.ID, "day": int64(day)}})
	}
	c.ack(ctx, callbackID)
	c.clearViews(ctx, u.ID)

	ref, err := c.sendContent(ctx, u.ID, rv)
	if err != nil {
		return rv, fmt.Errorf("send day %d: %w", day, err)
	}
	c.refs.Record(u.ID, refs.With(refs.ContentView, ref.MessageID))
	if rv.Entry.HasQuestion() {
		c.sm.Arm(u.ID, day)
	}
	c.log.Debug("day revealed", logx.Int64("user_id", u.ID), logx.Int("day", day), logx.String("kind", rv.Kind.String()))
	return rv, nil
}

func (c *Coordinator) sendContent(ctx context.Context, userID int64, rv Reveal) (transport.MessageRef, error) {
	to := transport.ChatTarget{ChatID: userID}
	opt := &transport.SendOptions{Keyboard: backKeyboard(), DisablePreview: true}
	text := contentText(rv)
	if rv.Entry.Image != "" {
		return c.msg.SendPhoto(ctx, to, rv.Entry.Image, text, opt)
	}
	return c.msg.SendText(ctx, to, text, opt)
}

// ShowCalendar replaces the user's views with the calendar keyboard under
// header.
func (c *Coordinator) ShowCalendar(ctx context.Context, u User, header string, callbackID string) error {
	c.ack(ctx, callbackID)
	c.clearViews(ctx, u.ID)

	ref, err := c.msg.SendText(ctx, transport.ChatTarget{ChatID: u.ID}, header, &transport.SendOptions{
		Keyboard: c.Keyboard(u.ID, c.now()),
	})
	if err != nil {
		return fmt.Errorf("send calendar: %w", err)
	}
	c.refs.Record(u.ID, refs.With(refs.CalendarView, ref.MessageID))
	return nil
}

// Keyboard renders the door grid for the user, six buttons per row.
func (c *Coordinator) Keyboard(userID int64, now time.Time) transport.Keyboard {
	kb := make(transport.Keyboard, 0, (c.table.Days+keyboardRowSize-1)/keyboardRowSize)
	row := make([]transport.Button, 0, keyboardRowSize)
	for day := 1; day <= c.table.Days; day++ {
		var b transport.Button
		switch {
		case c.progress.IsOpened(userID, day):
			b = transport.Button{Text: fmt.Sprintf("✓ %d", day), Data: fmt.Sprintf("%s%d", DataOpened, day)}
		case c.unlock.Unlocked(day, now):
			b = transport.Button{Text: fmt.Sprintf("🎁 %d", day), Data: fmt.Sprintf("%s%d", DataOpen, day)}
		default:
			b = transport.Button{Text: fmt.Sprintf("🔒 %d", day), Data: fmt.Sprintf("%s%d", DataLocked, day)}
		}
		row = append(row, b)
		if len(row) == keyboardRowSize {
			kb = append(kb, row)
			row = make([]transport.Button, 0, keyboardRowSize)
		}
	}
	if len(row) > 0 {
		kb = append(kb, row)
	}
	return kb
}

// SubmitAnswer stores text as the answer to the user's pending question.
// It reports false, with no side effect, when nothing is pending.
func (c *Coordinator) SubmitAnswer(ctx context.Context, u User, text string) (Answer, bool) {
	day, ok := c.sm.Consume(u.ID)
	if !ok {
		c.log.Debug("free text while idle dropped", logx.Int64("user_id", u.ID))
		return Answer{}, false
	}
	a := Answer{UserID: u.ID, Day: day, Text: text, Name: u.Name, At: c.now()}
	c.answers.Put(a)
	c.metrics.Answer()
	c.bus.Publish(eventbus.Event{Type: eventbus.AnswerStored, Data: map[string]int64{"user_id": u.ID, "day": int64(day)}})

	if _, err := c.msg.SendText(ctx, transport.ChatTarget{ChatID: u.ID}, answerSavedText(day), nil); err != nil {
		c.log.Warn("answer confirmation failed", logx.Int64("user_id", u.ID), logx.Int("day", day), logx.Err(err))
	}
	return a, true
}

// Progress renders the user's progress summary.
func (c *Coordinator) Progress(userID int64, now time.Time) string {
	opened := c.progress.Opened(userID)
	var b strings.Builder
	fmt.Fprintf(&b, "📊 Your Progress:\n\nOpened: %d/%d days\nAvailable: %d days\n\n",
		len(opened), c.table.Days, c.unlock.Available(now))
	if len(opened) == 0 {
		b.WriteString("You haven't opened any days yet! Use /calendar to start! 🎁")
		return b.String()
	}
	b.WriteString("Days you've opened: ")
	b.WriteString(joinDays(opened, ", "))
	return b.String()
}

// AnswersReport lists stored answers, for one day or all when day is 0.
func (c *Coordinator) AnswersReport(day int) string {
	if day > 0 {
		return FormatAnswers(c.answers.ByDay(day))
	}
	return FormatAnswers(c.answers.All())
}

// Wait blocks until background deletes have finished.
func (c *Coordinator) Wait() { c.wg.Wait() }

func (c *Coordinator) ack(ctx context.Context, callbackID string) {
	if callbackID == "" {
		return
	}
	if err := c.msg.AnswerCallback(ctx, callbackID, "", false); err != nil {
		c.log.Debug("callback ack failed", logx.Err(err))
	}
}

// clearViews snapshots the user's tracked messages and deletes them in the
// background. The snapshot is taken before the replacement is recorded.
func (c *Coordinator) clearViews(ctx context.Context, userID int64) {
	old := c.refs.Get(ctx, userID)
	if old.Empty() {
		return
	}
	dctx := context.WithoutCancel(ctx)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(dctx, c.deleteTimeout)
		defer cancel()
		c.refs.DeleteRefs(ctx, userID, old)
	}()
}

// RowSource reads whole tables from the durable store.
type RowSource interface {
	Rows(ctx context.Context, table string) ([]storage.Row, error)
}

// Hydrate loads opened days and answers from the store. A failing table is
// reported but does not stop the other.
func Hydrate(ctx context.Context, src RowSource, p *Progress, b *AnswerBook, log logx.Logger) error {
	var errs []error
	if rows, err := src.Rows(ctx, storage.TableProgress); err != nil {
		errs = append(errs, fmt.Errorf("load progress: %w", err))
	} else {
		n, bad := p.Load(rows)
		log.Info("progress loaded", logx.Int("users", n), logx.Int("skipped", bad))
	}
	if rows, err := src.Rows(ctx, storage.TableAnswers); err != nil {
		errs = append(errs, fmt.Errorf("load answers: %w", err))
	} else {
		n, bad := b.Load(rows)
		log.Info("answers loaded", logx.Int("answers", n), logx.Int("skipped", bad))
	}
	return errors.Join(errs...)
}

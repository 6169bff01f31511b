// Package bot routes inbound updates to the calendar and broadcast
// components.
package bot

import (
	"context"
	"runtime/debug"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"adventbot/internal/broadcast"
	"adventbot/internal/calendar"
	"adventbot/internal/keylock"
	"adventbot/internal/metrics"
	rtsup "adventbot/internal/runtime/supervisor"
	kit "adventbot/internal/transport"
	logx "adventbot/pkg/logx"
)

type Request struct {
	Update  kit.Update
	User    calendar.User
	ChatID  int64
	Command string // command name or "cb:<data>" or "text"
	Args    []string
	ReqID   string
	Logger  logx.Logger
}

type Command struct {
	Name        string
	Description string
	Admin       bool
	Handle      HandlerFunc
}

// Triggerer starts a broadcast run.
type Triggerer interface {
	Trigger(ctx context.Context, now time.Time) (broadcast.Summary, error)
}

// Messenger is the transport subset the router replies through.
type Messenger interface {
	SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error)
	AnswerCallback(ctx context.Context, callbackID string, text string, alert bool) error
}

type Deps struct {
	Messenger Messenger
	Calendar  *calendar.Coordinator
	Broadcast Triggerer
	Users     *Users
	Locks     *keylock.Locker
	Log       logx.Logger
	Metrics   *metrics.Metrics
	Now       func() time.Time

	Admins  []int64
	Workers int
	// QueueSize is the per-shard buffer.
	QueueSize int
	Timeout   time.Duration
}

type Router struct {
	msg     Messenger
	cal     *calendar.Coordinator
	bc      Triggerer
	users   *Users
	locks   *keylock.Locker
	log     logx.Logger
	metrics *metrics.Metrics
	now     func() time.Time
	timeout time.Duration

	workers   int
	queueSize int

	mu       sync.RWMutex
	admins   []int64
	commands map[string]Command

	// bg runs admin-triggered broadcasts; set while DispatchLoop runs.
	bgMu sync.Mutex
	bg   *rtsup.Supervisor
}

func New(d Deps) *Router {
	r := &Router{
		msg:       d.Messenger,
		cal:       d.Calendar,
		bc:        d.Broadcast,
		users:     d.Users,
		locks:     d.Locks,
		log:       d.Log.With(logx.String("comp", "bot.router")),
		metrics:   d.Metrics,
		now:       d.Now,
		timeout:   d.Timeout,
		workers:   d.Workers,
		queueSize: d.QueueSize,
		admins:    slices.Clone(d.Admins),
	}
	if r.now == nil {
		r.now = time.Now
	}
	if r.locks == nil {
		r.locks = keylock.New(0)
	}
	if r.users == nil {
		r.users = NewUsers(nil, r.now)
	}
	if r.workers <= 0 {
		r.workers = 4
	}
	if r.queueSize <= 0 {
		r.queueSize = 64
	}
	if r.timeout <= 0 {
		r.timeout = 30 * time.Second
	}
	r.commands = map[string]Command{}
	for _, c := range r.builtinCommands() {
		r.commands[c.Name] = c
	}
	return r
}

// SetAdmins replaces the privileged id list. Safe during hot reload.
func (r *Router) SetAdmins(ids []int64) {
	cp := slices.Clone(ids)
	r.mu.Lock()
	r.admins = cp
	r.mu.Unlock()
}

func (r *Router) IsAdmin(id int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Contains(r.admins, id)
}

// MenuCommands lists the public commands for the client menu.
func (r *Router) MenuCommands() []kit.BotCommand {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]kit.BotCommand, 0, len(r.commands))
	for _, c := range r.commands {
		if c.Admin {
			continue
		}
		out = append(out, kit.BotCommand{Command: c.Name, Description: c.Description})
	}
	slices.SortFunc(out, func(a, b kit.BotCommand) int { return strings.Compare(a.Command, b.Command) })
	return out
}

// DispatchLoop consumes updates until ctx is done or updates is closed.
// Updates are sharded by user id so one user's updates run in order while
// different users run in parallel.
func (r *Router) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	sup := rtsup.New(ctx, rtsup.WithLogger(r.log), rtsup.WithCancelOnError(false))
	r.bgMu.Lock()
	r.bg = sup
	r.bgMu.Unlock()

	shards := make([]chan kit.Update, r.workers)
	for i := range shards {
		shards[i] = make(chan kit.Update, r.queueSize)
		in := shards[i]
		sup.GoRestart("bot.shard."+strconv.Itoa(i), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case up, ok := <-in:
					if !ok {
						return nil
					}
					r.safeHandle(c, up)
				}
			}
		},
			rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second),
			rtsup.WithStopOnCleanExit(true),
		)
	}
	r.log.Info("dispatcher started", logx.Int("workers", r.workers), logx.Int("queue", r.queueSize))

	defer func() {
		for _, ch := range shards {
			close(ch)
		}
		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		sup.Cancel()
		r.bgMu.Lock()
		r.bg = nil
		r.bgMu.Unlock()
		r.log.Info("dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			uid := up.UserID()
			if uid == 0 {
				continue
			}
			shard := shards[uint64(uid)%uint64(len(shards))]
			select {
			case shard <- up:
			default:
				r.busy(ctx, up)
			}
		}
	}
}

func (r *Router) busy(ctx context.Context, up kit.Update) {
	switch {
	case up.Callback != nil:
		_ = r.msg.AnswerCallback(ctx, up.Callback.ID, "busy, try again", false)
	case up.Message != nil:
		_, _ = r.msg.SendText(ctx, kit.ChatTarget{ChatID: up.Message.ChatID}, "busy, try again", nil)
	}
}

// safeHandle keeps a shard alive if a handler panics past the middleware.
func (r *Router) safeHandle(ctx context.Context, up kit.Update) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("panic in update handler", logx.Any("panic", p), logx.Stack(string(debug.Stack())))
		}
	}()
	r.Handle(ctx, up)
}

// Handle routes one update synchronously.
func (r *Router) Handle(ctx context.Context, up kit.Update) {
	req, h := r.resolve(up)
	if h == nil {
		return
	}
	r.users.Seen(req.User.ID, req.User.Name)

	final := Chain(h,
		MWPanicRecover(r.log),
		MWRequestLog(r.log),
		MWMetrics(r.metrics),
		MWUserLock(r.locks),
		MWTimeout(r.timeout),
	)
	_ = final(ctx, req)
}

func (r *Router) resolve(up kit.Update) (*Request, HandlerFunc) {
	req := &Request{Update: up, ReqID: uuid.NewString()}
	switch {
	case up.Callback != nil:
		cb := up.Callback
		req.User = calendar.User{ID: cb.FromID, Name: cb.FromName}
		req.ChatID = cb.ChatID
		req.Command = "cb:" + cb.Data
		req.Logger = r.requestLog(req)
		return req, r.callbackHandler(cb)

	case up.Message != nil:
		m := up.Message
		if m.IsGroup {
			r.log.Debug("group message ignored", logx.Int64("chat_id", m.ChatID))
			return nil, nil
		}
		req.User = calendar.User{ID: m.FromID, Name: m.FromName}
		req.ChatID = m.ChatID
		text := strings.TrimSpace(m.Text)
		if !strings.HasPrefix(text, "/") {
			req.Command = "text"
			req.Logger = r.requestLog(req)
			return req, r.handleText
		}
		fields := strings.Fields(text)
		name := strings.TrimPrefix(fields[0], "/")
		if i := strings.IndexByte(name, '@'); i >= 0 {
			name = name[:i]
		}
		req.Command = strings.ToLower(name)
		req.Args = fields[1:]
		req.Logger = r.requestLog(req)

		r.mu.RLock()
		cmd, ok := r.commands[req.Command]
		r.mu.RUnlock()
		if !ok {
			return req, r.handleUnknown
		}
		if cmd.Admin {
			return req, r.adminOnly(cmd.Handle)
		}
		return req, cmd.Handle
	}
	return nil, nil
}

func (r *Router) requestLog(req *Request) logx.Logger {
	return r.log.With(
		logx.String("rid", req.ReqID),
		logx.Int64("from_id", req.User.ID),
		logx.String("cmd", req.Command),
	)
}

func (r *Router) adminOnly(h HandlerFunc) HandlerFunc {
	return func(ctx context.Context, req *Request) error {
		if !r.IsAdmin(req.User.ID) {
			req.Logger.Warn("admin command denied")
			return r.reply(ctx, req, "unauthorized")
		}
		return h(ctx, req)
	}
}

func (r *Router) reply(ctx context.Context, req *Request, text string) error {
	_, err := r.msg.SendText(ctx, kit.ChatTarget{ChatID: req.ChatID}, text, &kit.SendOptions{DisablePreview: true})
	return err
}

// background runs fn detached from the request, under the dispatcher's
// supervisor when one is running.
func (r *Router) background(name string, fn func(ctx context.Context)) {
	r.bgMu.Lock()
	sup := r.bg
	r.bgMu.Unlock()
	if sup == nil {
		go fn(context.Background())
		return
	}
	sup.Go0(name, fn)
}

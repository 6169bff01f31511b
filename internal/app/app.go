package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"adventbot/internal/bot"
	"adventbot/internal/broadcast"
	"adventbot/internal/calendar"
	"adventbot/internal/config"
	"adventbot/internal/eventbus"
	"adventbot/internal/httpapi"
	"adventbot/internal/refs"
	rtsup "adventbot/internal/runtime/supervisor"
	"adventbot/internal/scheduler"
	"adventbot/internal/storage"
	"adventbot/internal/storage/writeback"
	kit "adventbot/internal/transport"
	"adventbot/internal/transport/telegram"
	logx "adventbot/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log     logx.Logger
	logs    *logx.Service
	bus     eventbus.Bus
	store   storage.Store
	wb      *writeback.Writer

	adapter *telegram.Adapter
	refs    *refs.Cache
	cal     *calendar.Coordinator
	opened  *calendar.Progress
	answers *calendar.AnswerBook
	bc      *broadcast.Dispatcher
	router  *bot.Router
	sched   *scheduler.Service
	http    *httpapi.Server

	calCfg  config.Calendar
	updates chan kit.Update
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) validate(_ context.Context, cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	bc, _ := cfg.Broadcast.Resolve()
	if err := a.sched.Validate(scheduleSpec(bc)); err != nil {
		return err
	}
	cal, _ := cfg.Calendar.Resolve()
	if _, err := calendar.LoadTable(cal.ContentFile, cal.Days); err != nil {
		return fmt.Errorf("calendar.content_file: %w", err)
	}
	return nil
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(a.validate)

	// Opened days and answers must be in memory before the first update.
	hctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	err := calendar.Hydrate(hctx, a.store, a.opened, a.answers, a.log)
	cancel()
	if err != nil {
		return fmt.Errorf("hydrate: %w", err)
	}

	a.sup.Go0("writeback.run", a.wb.Run)

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}
	a.sup.Go("bot.dispatch", func(c context.Context) error {
		return a.router.DispatchLoop(c, a.updates)
	})
	a.sup.Go0("telegram.menu", func(c context.Context) {
		mctx, cancel := context.WithTimeout(c, 15*time.Second)
		defer cancel()
		if err := a.adapter.UpdateMenuCommands(mctx, a.router.MenuCommands()); err != nil {
			a.log.Warn("menu commands update failed", logx.Err(err))
		}
	})

	a.sched.Start(a.sup.Context())
	a.http.Reconfigure(a.sup.Context(), mapHTTPConfig(a.cfgm.Get()))

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time), logx.Any("data", e.Data))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started",
		logx.Int("days", a.calCfg.Days),
		logx.String("month", a.calCfg.Month.String()),
		logx.String("tz", a.calCfg.Location.String()),
	)
	return nil
}

// applyConfig applies the sections that can change live. Everything else
// is logged as needing a restart.
func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	ch := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(ch.Sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(ch.Sections, ","))}, ch.Attrs...)
	a.log.Debug("config change summary", fields...)
	if ch.RestartRequired {
		a.log.Warn("config change needs a restart to take full effect", logx.String("changed", strings.Join(ch.Sections, ",")))
	}

	// Log target first so Apply does not warn when the Telegram sink is on.
	if chatID, err := newCfg.Telegram.LogChatID(); err == nil {
		a.logs.SetTelegramTarget(chatID)
	}
	a.logs.Apply(mapLogConfig(newCfg))

	a.router.SetAdmins(newCfg.Telegram.AdminUserIDs)

	if bc, err := newCfg.Broadcast.Resolve(); err != nil {
		a.log.Warn("invalid broadcast config; keeping previous", logx.Err(err))
	} else {
		a.bc.Apply(mapBroadcastConfig(bc))
		if err := a.sched.Apply(scheduleSpec(bc), a.calCfg.Location); err != nil {
			a.log.Warn("invalid broadcast schedule; keeping previous", logx.Err(err))
		}
	}

	a.http.Reconfigure(ctx, mapHTTPConfig(newCfg))

	a.bus.Publish(eventbus.Event{Type: eventbus.ConfigReloaded, Data: ch.Sections})
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel first so background loops start unwinding immediately.
	a.sup.Cancel()

	// step bounds one shutdown step so a stuck component cannot stall the rest.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem < max {
				max = rem
			}
		}
		if max > 0 {
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("http", 2*time.Second, func(c context.Context) error { a.http.Stop(c); return nil })
	step("adapter", 3*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	// dispatcher, writeback loop, config watch
	step("supervisor", 3*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("calendar.deletes", 5*time.Second, func(context.Context) error { a.cal.Wait(); return nil })
	step("writeback", 10*time.Second, func(c context.Context) error { return a.wb.Stop(c) })
	step("storage", 2*time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped",
		logx.Int("tracked_users", a.refs.Len()),
		logx.Uint64("rows_flushed", a.wb.Flushed()),
		logx.Uint64("flush_errors", a.wb.Errors()),
		logx.Uint64("log_dropped", a.logs.Dropped()),
	)
	_ = a.logs.Close()
	return nil
}

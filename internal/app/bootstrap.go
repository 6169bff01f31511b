package app

import (
	"context"
	"fmt"
	"time"

	"adventbot/internal/bot"
	"adventbot/internal/broadcast"
	"adventbot/internal/calendar"
	"adventbot/internal/config"
	"adventbot/internal/eventbus"
	"adventbot/internal/httpapi"
	"adventbot/internal/keylock"
	"adventbot/internal/metrics"
	"adventbot/internal/refs"
	"adventbot/internal/scheduler"
	"adventbot/internal/session"
	"adventbot/internal/storage"
	"adventbot/internal/storage/writeback"
	kit "adventbot/internal/transport"
	"adventbot/internal/transport/telegram"
	logx "adventbot/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

func mapBroadcastConfig(b config.Broadcast) broadcast.Config {
	return broadcast.Config{
		Cooldown:       b.Cooldown,
		InterSendDelay: b.InterSendDelay,
		Workers:        b.Workers,
		SendTimeout:    b.SendTimeout,
		FlushTimeout:   b.FlushTimeout,
		Text:           b.Text,
	}
}

func mapHTTPConfig(cfg *config.Config) httpapi.Config {
	return httpapi.Config{
		Enabled:      cfg.HTTP.Enabled,
		Addr:         cfg.HTTP.Addr,
		Token:        cfg.HTTP.TriggerToken,
		Pprof:        cfg.HTTP.Pprof,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 5 * time.Minute, // a synchronous broadcast can take a while
		IdleTimeout:  60 * time.Second,
	}
}

// scheduleSpec is the cron spec in effect; a disabled broadcast has none.
func scheduleSpec(b config.Broadcast) string {
	if !b.Enabled {
		return ""
	}
	return b.Schedule
}

// NewApp loads the config and builds every component. Nothing runs until
// Start. On error, whatever was already opened is closed again.
func NewApp(ctx context.Context, cfgPath string) (_ *App, err error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	calCfg, _ := cfg.Calendar.Resolve()
	bcCfg, _ := cfg.Broadcast.Resolve()
	logChat, _ := cfg.Telegram.LogChatID()

	pollTimeout, err := cfg.Telegram.Poll()
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(telegram.Config{
		Token:          cfg.Telegram.Token,
		PollTimeout:    pollTimeout,
		RequestTimeout: bcCfg.SendTimeout,
	}, logx.NewConsole("INFO"))
	if err != nil {
		return nil, err
	}

	// Bootstrap with the Telegram sink off, set the target, then enable, so
	// Apply does not warn about a missing target.
	logCfg := mapLogConfig(cfg)
	bootCfg := logCfg
	bootCfg.Telegram.Enabled = false
	logSvc, root := logx.New(bootCfg, ad)
	var undo closers
	defer func() {
		if err != nil {
			_ = undo.run()
		}
	}()
	undo.add(logSvc.Close)
	logSvc.SetTelegramTarget(logChat)
	logSvc.Apply(logCfg)
	log := root.With(logx.String("comp", "app"))

	table, err := calendar.LoadTable(calCfg.ContentFile, calCfg.Days)
	if err != nil {
		return nil, fmt.Errorf("calendar.content_file: %w", err)
	}

	sc, stRes, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(ctx, sc, root)
	if err != nil {
		return nil, err
	}
	undo.add(store.Close)
	log.Info("storage ready", logx.String("driver", stRes.Driver))

	wb := writeback.New(store, stRes.FlushInterval, root)
	m := metrics.New(func() float64 { return float64(wb.Pending()) })
	logSvc.OnDrop(m.LogDrop)
	bus := eventbus.New()
	locks := keylock.New(0)

	refCache := refs.New(store, wb, ad, root,
		refs.WithMetrics(m),
		refs.WithLookupTimeout(stRes.LookupTimeout),
	)
	progress := calendar.NewProgress(wb)
	answers := calendar.NewAnswerBook(wb)
	coord := calendar.New(calendar.Deps{
		Messenger: ad,
		Refs:      refCache,
		Session:   session.New(nil),
		Progress:  progress,
		Answers:   answers,
		Table:     table,
		Unlocker:  calendar.Unlocker{Month: calCfg.Month, Days: calCfg.Days, Loc: calCfg.Location},
		Log:       root,
		Metrics:   m,
		Bus:       bus,
	})
	disp := broadcast.New(broadcast.Deps{
		Users:   store,
		Batch:   wb,
		Sender:  ad,
		Refs:    refCache,
		Locks:   locks,
		Log:     root,
		Metrics: m,
		Bus:     bus,
	}, mapBroadcastConfig(bcCfg))

	router := bot.New(bot.Deps{
		Messenger: ad,
		Calendar:  coord,
		Broadcast: disp,
		Users:     bot.NewUsers(wb, nil),
		Locks:     locks,
		Log:       root,
		Metrics:   m,
		Admins:    cfg.Telegram.AdminUserIDs,
	})

	sched := scheduler.New(disp, root)
	if err := sched.Apply(scheduleSpec(bcCfg), calCfg.Location); err != nil {
		return nil, err
	}

	httpSrv := httpapi.New(mapHTTPConfig(cfg), httpapi.Deps{
		Base:      ctx,
		Broadcast: disp,
		Store:     store,
		Metrics:   m,
		Log:       root,
	})

	undo.release()
	return &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		wb:      wb,
		adapter: ad,
		refs:    refCache,
		cal:     coord,
		opened:  progress,
		answers: answers,
		bc:      disp,
		router:  router,
		sched:   sched,
		http:    httpSrv,
		calCfg:  calCfg,
		updates: make(chan kit.Update, 256),
	}, nil
}

// Package scheduler fires the broadcast on a cron schedule.
package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"adventbot/internal/broadcast"
	logx "adventbot/pkg/logx"
)

// Triggerer starts a broadcast run.
type Triggerer interface {
	Trigger(ctx context.Context, now time.Time) (broadcast.Summary, error)
}

type Service struct {
	trig Triggerer
	log  logx.Logger
	// SecondOptional allows both 5-field and 6-field (with seconds) specs.
	parser cron.Parser

	mu    sync.Mutex
	ctx   context.Context
	c     *cron.Cron
	spec  string
	loc   *time.Location
	entry cron.EntryID
}

func New(trig Triggerer, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		trig:   trig,
		log:    log.With(logx.String("comp", "scheduler")),
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		loc:    time.Local,
	}
}

// Validate parses spec without registering it.
func (s *Service) Validate(spec string) error {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil
	}
	if _, err := s.parser.Parse(spec); err != nil {
		return fmt.Errorf("broadcast.schedule: %w", err)
	}
	return nil
}

// Apply replaces the broadcast entry. An empty spec removes it. A timezone
// change restarts cron so the new location applies to every entry.
func (s *Service) Apply(spec string, loc *time.Location) error {
	spec = strings.TrimSpace(spec)
	if err := s.Validate(spec); err != nil {
		return err
	}
	if loc == nil {
		loc = time.Local
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	tzChanged := s.loc.String() != loc.String()
	s.spec = spec
	s.loc = loc
	if s.c == nil {
		return nil
	}
	if tzChanged {
		s.restartLocked()
		return nil
	}
	return s.registerLocked()
}

// Start begins triggering. Runs use ctx, so cancelling it aborts a run in
// progress.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.ctx = ctx
	s.c = s.newCronLocked()
	if err := s.registerLocked(); err != nil {
		s.log.Error("schedule rejected", logx.String("spec", s.spec), logx.Err(err))
	}
	s.c.Start()
	s.log.Info("service started", logx.String("tz", s.loc.String()), logx.String("spec", s.spec))
}

// Stop waits for a running trigger until ctx expires.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.entry = 0
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("service stopped")
}

// Next returns the next scheduled run, zero when nothing is scheduled.
func (s *Service) Next() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c == nil || s.entry == 0 {
		return time.Time{}
	}
	return s.c.Entry(s.entry).Next
}

func (s *Service) newCronLocked() *cron.Cron {
	cl := cronLogger{log: s.log}
	return cron.New(
		cron.WithParser(s.parser),
		cron.WithLocation(s.loc),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
}

func (s *Service) restartLocked() {
	old := s.c
	s.c = s.newCronLocked()
	s.entry = 0
	if err := s.registerLocked(); err != nil {
		s.log.Error("schedule rejected", logx.String("spec", s.spec), logx.Err(err))
	}
	s.c.Start()
	go func() { <-old.Stop().Done() }()
	s.log.Info("restarted with new timezone", logx.String("tz", s.loc.String()))
}

func (s *Service) registerLocked() error {
	if s.entry != 0 {
		s.c.Remove(s.entry)
		s.entry = 0
	}
	if s.spec == "" {
		s.log.Info("broadcast schedule disabled")
		return nil
	}
	id, err := s.c.AddFunc(s.spec, s.fire)
	if err != nil {
		return err
	}
	s.entry = id
	s.log.Info("broadcast scheduled", logx.String("spec", s.spec), logx.Time("next", s.c.Entry(id).Next))
	return nil
}

func (s *Service) fire() {
	s.mu.Lock()
	ctx := s.ctx
	loc := s.loc
	s.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	if ctx.Err() != nil {
		return
	}

	sum, err := s.trig.Trigger(ctx, time.Now().In(loc))
	if err != nil {
		s.log.Warn("scheduled broadcast failed", logx.Err(err), logx.String("summary", sum.String()))
		return
	}
	s.log.Info("scheduled broadcast done", logx.String("summary", sum.String()))
}

// cronLogger routes cron's internal logs through logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug("cron: "+msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logx.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}

// Package httpapi serves the broadcast trigger plus health and metrics
// endpoints.
package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"adventbot/internal/broadcast"
	"adventbot/internal/metrics"
	rtsup "adventbot/internal/runtime/supervisor"
	logx "adventbot/pkg/logx"
)

const DefaultAddr = "127.0.0.1:8080"

type Config struct {
	Enabled bool
	Addr    string
	// Token guards /broadcast. Empty disables the endpoint.
	Token string
	// Pprof mounts the runtime profiler under /debug. Keep it on a
	// loopback address.
	Pprof bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// Triggerer starts a broadcast run.
type Triggerer interface {
	Trigger(ctx context.Context, now time.Time) (broadcast.Summary, error)
}

// Pinger reports store readiness.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Deps struct {
	// Base bounds broadcast runs started over HTTP. It should end only at
	// process shutdown.
	Base      context.Context
	Broadcast Triggerer
	Store     Pinger
	Metrics   *metrics.Metrics
	Log       logx.Logger
	Now       func() time.Time
}

type Server struct {
	base    context.Context
	bc      Triggerer
	store   Pinger
	metrics *metrics.Metrics
	now     func() time.Time

	mu       sync.Mutex
	log      logx.Logger
	cfg      Config
	srv      *http.Server
	sup      *rtsup.Supervisor
	stopDone chan struct{}
}

func New(cfg Config, d Deps) *Server {
	log := d.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Server{
		base:    d.Base,
		bc:      d.Broadcast,
		store:   d.Store,
		metrics: d.Metrics,
		now:     d.Now,
		log:     log.With(logx.String("comp", "httpapi")),
		cfg:     cfg,
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

func (s *Server) token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Token
}

// Router builds the handler tree. It reads the token on every request so a
// reload takes effect without a restart.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, s.requestLog, middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", s.readyz)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))
	}
	r.Post("/broadcast", s.triggerBroadcast)
	r.Get("/broadcast", s.triggerBroadcast)

	s.mu.Lock()
	pprof := s.cfg.Pprof
	s.mu.Unlock()
	if pprof {
		r.Mount("/debug", middleware.Profiler())
	}
	return r
}

// /readyz pings the store with a short timeout.
func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), time.Second)
		defer cancel()
		if err := s.store.Ping(ctx); err != nil {
			http.Error(w, "store not ready", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// Reconfigure applies cfg and starts, stops or restarts the listener when
// needed. Safe to call during hot reload.
func (s *Server) Reconfigure(ctx context.Context, cfg Config) {
	s.mu.Lock()
	prev := s.cfg
	running := s.sup != nil
	s.cfg = cfg
	s.mu.Unlock()

	switch {
	case !cfg.Enabled:
		if running {
			s.Stop(ctx)
		}
	case !running:
		s.Start(ctx)
	case normalizeAddr(prev.Addr) != normalizeAddr(cfg.Addr), prev.Pprof != cfg.Pprof,
		prev.ReadTimeout != cfg.ReadTimeout, prev.WriteTimeout != cfg.WriteTimeout, prev.IdleTimeout != cfg.IdleTimeout:
		s.Stop(ctx)
		s.Start(ctx)
	}
}

// Start is idempotent.
func (s *Server) Start(ctx context.Context) {
	for {
		s.mu.Lock()
		if s.stopDone != nil {
			done := s.stopDone
			s.mu.Unlock()
			select {
			case <-done:
				continue
			case <-ctx.Done():
				return
			}
		}
		if s.sup != nil || !s.cfg.Enabled {
			s.mu.Unlock()
			return
		}
		s.sup = rtsup.New(ctx,
			rtsup.WithLogger(s.log),
			rtsup.WithCancelOnError(false),
		)
		sup := s.sup
		s.mu.Unlock()

		sup.GoRestart("http.serve", s.serveOnce,
			rtsup.WithPublishFirstError(true),
			rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		)
		return
	}
}

func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.sup == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	srv := s.srv
	sup := s.sup
	s.mu.Unlock()

	go func() {
		defer close(done)
		if srv != nil {
			_ = srv.Shutdown(ctx)
			_ = srv.Close()
		}
		sup.Cancel()
		_ = sup.Wait(context.Background())

		s.mu.Lock()
		s.srv = nil
		s.sup = nil
		s.stopDone = nil
		s.mu.Unlock()
		s.log.Info("http stopped")
	}()

	select {
	case <-done:
	case <-ctx.Done():
		sup.Cancel()
	}
}

func (s *Server) serveOnce(ctx context.Context) error {
	s.mu.Lock()
	cur := s.cfg
	s.mu.Unlock()
	if !cur.Enabled {
		return context.Canceled
	}
	addr := normalizeAddr(cur.Addr)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		if ctx.Err() != nil {
			return context.Canceled
		}
		s.log.Error("http listen failed", logx.String("addr", addr), logx.Err(err))
		return err
	}
	srv := &http.Server{
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cur.ReadTimeout,
		WriteTimeout:      cur.WriteTimeout,
		IdleTimeout:       cur.IdleTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	s.mu.Lock()
	s.srv = srv
	s.mu.Unlock()

	if cur.Token == "" {
		s.log.Info("http listening; /broadcast disabled (no trigger token)", logx.String("addr", ln.Addr().String()))
	} else {
		s.log.Info("http listening", logx.String("addr", ln.Addr().String()))
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		_ = srv.Shutdown(sctx)
		cancel()
		<-errCh
		return context.Canceled
	case err := <-errCh:
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			if ctx.Err() != nil {
				return context.Canceled
			}
			return errors.New("http server closed unexpectedly")
		}
		return err
	}
}

func normalizeAddr(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return DefaultAddr
	}
	return addr
}

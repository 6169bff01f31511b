package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"adventbot/internal/broadcast"
	logx "adventbot/pkg/logx"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// triggerBroadcast runs one broadcast synchronously and maps the outcome to
// a status code. The run keeps going if the client disconnects.
func (s *Server) triggerBroadcast(w http.ResponseWriter, r *http.Request) {
	want := s.token()
	if want == "" || s.bc == nil {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "trigger_disabled"})
		return
	}
	got := r.Header.Get("X-Trigger-Token")
	if got == "" {
		got = r.URL.Query().Get("token")
	}
	if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid_token"})
		return
	}

	sum, err := s.bc.Trigger(s.runContext(r), s.now())
	switch {
	case errors.Is(err, broadcast.ErrEnumerate):
		writeJSON(w, http.StatusBadGateway, map[string]any{"error": err.Error(), "summary": sum})
	case err != nil:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	case sum.Throttled:
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(sum.RetryAfter)))
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error":       "throttled",
			"retry_after": sum.RetryAfter.String(),
		})
	default:
		writeJSON(w, http.StatusOK, sum)
	}
}

// runContext detaches the run from the request. The cooldown is spent as
// soon as the run starts, so a client hanging up or a listener restart must
// not leave the remaining users unnotified.
func (s *Server) runContext(r *http.Request) context.Context {
	if s.base != nil {
		return s.base
	}
	return context.WithoutCancel(r.Context())
}

// retryAfterSeconds rounds up so clients never retry inside the window.
func retryAfterSeconds(d time.Duration) int {
	if d <= 0 {
		return 1
	}
	return int(math.Ceil(d.Seconds()))
}

// requestLog logs one line per request and counts it by route pattern.
func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if rp := rc.RoutePattern(); rp != "" {
				route = rp
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.metrics.HTTP(route, r.Method, status)

		fields := []logx.Field{
			logx.String("rid", middleware.GetReqID(r.Context())),
			logx.String("method", r.Method),
			logx.String("route", route),
			logx.Int("status", status),
			logx.Duration("took", time.Since(start)),
			logx.String("remote", r.RemoteAddr),
		}
		if status >= http.StatusInternalServerError {
			s.log.Warn("http request", fields...)
			return
		}
		s.log.Debug("http request", fields...)
	})
}

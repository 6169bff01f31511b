package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"adventbot/internal/broadcast"
	"adventbot/internal/metrics"
	"adventbot/internal/refs"
	"adventbot/internal/storage"
	"adventbot/internal/transport"
	logx "adventbot/pkg/logx"
)

type stubTrigger struct {
	sum   broadcast.Summary
	err   error
	calls int
}

func (s *stubTrigger) Trigger(context.Context, time.Time) (broadcast.Summary, error) {
	s.calls++
	return s.sum, s.err
}

type stubPinger struct{ err error }

func (p stubPinger) Ping(context.Context) error { return p.err }

func newTestServer(token string, tr *stubTrigger, ping error) http.Handler {
	s := New(Config{Enabled: true, Token: token}, Deps{
		Broadcast: tr,
		Store:     stubPinger{err: ping},
		Metrics:   metrics.New(nil),
	})
	return s.Router()
}

func do(h http.Handler, method, target string, hdr map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestHealthAndReadiness(t *testing.T) {
	h := newTestServer("", &stubTrigger{}, nil)
	if w := do(h, http.MethodGet, "/healthz", nil); w.Code != http.StatusOK || w.Body.String() != "ok" {
		t.Fatalf("healthz = %d %q", w.Code, w.Body.String())
	}
	if w := do(h, http.MethodGet, "/readyz", nil); w.Code != http.StatusOK {
		t.Fatalf("readyz = %d", w.Code)
	}

	down := newTestServer("", &stubTrigger{}, errors.New("db gone"))
	if w := do(down, http.MethodGet, "/readyz", nil); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz with failing store = %d", w.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	h := newTestServer("", &stubTrigger{}, nil)
	_ = do(h, http.MethodGet, "/healthz", nil)
	w := do(h, http.MethodGet, "/metrics", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("metrics = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `adventbot_http_requests_total{code="200",handler="/healthz",method="GET"} 1`) {
		t.Fatalf("missing http counter in:\n%s", w.Body.String())
	}
}

func TestBroadcastStatusMapping(t *testing.T) {
	cases := []struct {
		name   string
		token  string
		hdr    map[string]string
		target string
		tr     *stubTrigger
		code   int
		calls  int
	}{
		{name: "disabled without token", token: "", target: "/broadcast", tr: &stubTrigger{}, code: http.StatusForbidden},
		{name: "missing token", token: "s3cret", target: "/broadcast", tr: &stubTrigger{}, code: http.StatusUnauthorized},
		{name: "wrong token", token: "s3cret", hdr: map[string]string{"X-Trigger-Token": "nope"}, target: "/broadcast", tr: &stubTrigger{}, code: http.StatusUnauthorized},
		{
			name: "ok via header", token: "s3cret", hdr: map[string]string{"X-Trigger-Token": "s3cret"}, target: "/broadcast",
			tr: &stubTrigger{sum: broadcast.Summary{Total: 2, Sent: 2}}, code: http.StatusOK, calls: 1,
		},
		{
			name: "ok via query", token: "s3cret", target: "/broadcast?token=s3cret",
			tr: &stubTrigger{sum: broadcast.Summary{Total: 1, Sent: 1}}, code: http.StatusOK, calls: 1,
		},
		{
			name: "throttled", token: "s3cret", target: "/broadcast?token=s3cret",
			tr: &stubTrigger{sum: broadcast.Summary{Throttled: true, RetryAfter: 90 * time.Second}}, code: http.StatusTooManyRequests, calls: 1,
		},
		{
			name: "enumerate failure", token: "s3cret", target: "/broadcast?token=s3cret",
			tr: &stubTrigger{err: fmt.Errorf("%w: boom", broadcast.ErrEnumerate)}, code: http.StatusBadGateway, calls: 1,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newTestServer(tc.token, tc.tr, nil)
			w := do(h, http.MethodPost, tc.target, tc.hdr)
			if w.Code != tc.code {
				t.Fatalf("code = %d, want %d (%s)", w.Code, tc.code, w.Body.String())
			}
			if tc.tr.calls != tc.calls {
				t.Fatalf("trigger calls = %d, want %d", tc.tr.calls, tc.calls)
			}
		})
	}
}

func TestBroadcastResponseBodies(t *testing.T) {
	tr := &stubTrigger{sum: broadcast.Summary{Total: 2, Sent: 1, Failed: 1,
		Failures: []broadcast.Failure{{UserID: 7, Reason: "blocked"}}}}
	h := newTestServer("tok", tr, nil)

	w := do(h, http.MethodGet, "/broadcast?token=tok", nil)
	var got broadcast.Summary
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.Sent != 1 || got.Failed != 1 || len(got.Failures) != 1 || got.Failures[0].UserID != 7 {
		t.Fatalf("summary = %+v", got)
	}

	tr.sum = broadcast.Summary{Throttled: true, RetryAfter: 1500 * time.Millisecond}
	w = do(h, http.MethodPost, "/broadcast", map[string]string{"X-Trigger-Token": "tok"})
	if ra := w.Header().Get("Retry-After"); ra != "2" {
		t.Fatalf("Retry-After = %q", ra)
	}
}

type userRows []storage.Row

func (u userRows) Rows(context.Context, string) ([]storage.Row, error) { return u, nil }

type countingSender struct {
	mu     sync.Mutex
	sent   int
	onSent func(n int)
}

func (c *countingSender) SendText(_ context.Context, to transport.ChatTarget, _ string, _ *transport.SendOptions) (transport.MessageRef, error) {
	c.mu.Lock()
	c.sent++
	n := c.sent
	c.mu.Unlock()
	if c.onSent != nil {
		c.onSent(n)
	}
	return transport.MessageRef{ChatID: to.ChatID, MessageID: n}, nil
}

func (c *countingSender) DeleteMessage(context.Context, transport.MessageRef) error { return nil }

func TestBroadcastSurvivesClientDisconnect(t *testing.T) {
	var rows userRows
	for i := 1; i <= 10; i++ {
		rows = append(rows, storage.Row{Key: strconv.Itoa(i)})
	}
	reqCtx, hangUp := context.WithCancel(context.Background())
	defer hangUp()
	send := &countingSender{onSent: func(n int) {
		if n == 2 {
			hangUp()
		}
	}}
	disp := broadcast.New(broadcast.Deps{
		Users:  rows,
		Sender: send,
		Refs:   refs.New(nil, nil, send, logx.Nop()),
		Log:    logx.Nop(),
	}, broadcast.Config{Cooldown: time.Hour, InterSendDelay: time.Millisecond, Workers: 1})

	h := New(Config{Enabled: true, Token: "tok"}, Deps{
		Base:      context.Background(),
		Broadcast: disp,
		Metrics:   metrics.New(nil),
	}).Router()

	req := httptest.NewRequest(http.MethodPost, "/broadcast", nil).WithContext(reqCtx)
	req.Header.Set("X-Trigger-Token", "tok")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("code = %d (%s)", w.Code, w.Body.String())
	}
	last, ok := disp.Last()
	if !ok || last.Sent != 10 || last.Canceled {
		t.Fatalf("run = %+v, want all 10 sent", last)
	}
	if send.sent != 10 {
		t.Fatalf("sender saw %d sends, want 10", send.sent)
	}
}

package logx

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	kit "adventbot/internal/transport"
)

type captureSender struct {
	mu   sync.Mutex
	sent []string
	to   []int64
}

func (c *captureSender) SendText(_ context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, text)
	c.to = append(c.to, to.ChatID)
	return kit.MessageRef{ChatID: to.ChatID, MessageID: len(c.sent)}, nil
}

func (c *captureSender) snapshot() ([]string, []int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.sent...), append([]int64(nil), c.to...)
}

func TestRenderRecord(t *testing.T) {
	lvl, got := renderRecord([]byte(`{"level":"warn","message":"store lookup failed","user_id":42,"caller":"refs.go:10"}` + "\n"))
	if lvl != zerolog.WarnLevel {
		t.Fatalf("level = %v", lvl)
	}
	if !strings.HasPrefix(got, "[WARN] store lookup failed") {
		t.Fatalf("unexpected prefix: %q", got)
	}
	if !strings.Contains(got, "- caller=refs.go:10\n- user_id=42") {
		t.Fatalf("expected sorted field lines, got %q", got)
	}

	_, raw := renderRecord([]byte("  not json  "))
	if raw != "not json" {
		t.Fatalf("raw fallback = %q", raw)
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]zerolog.Level{
		"debug":   zerolog.DebugLevel,
		" WARN ":  zerolog.WarnLevel,
		"warning": zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"bogus":   zerolog.InfoLevel,
	}
	for in, want := range tests {
		if got := parseLevel(in, zerolog.InfoLevel); got != want {
			t.Fatalf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestTelegramSinkRespectsMinLevelAndTarget(t *testing.T) {
	sender := &captureSender{}
	svc, log := New(Config{Level: "debug", Console: false, File: FileConfig{}}, sender)
	defer svc.Close()

	svc.SetTelegramTarget(-1001)
	svc.Apply(Config{
		Level:    "debug",
		Telegram: TelegramConfig{Enabled: true, MinLevel: "warn", RatePerSec: 50},
	})

	log.Info("just info")
	log.Warn("broadcast send failed", Int64("user_id", 7), Err(errors.New("blocked")))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if sent, _ := sender.snapshot(); len(sent) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	sent, to := sender.snapshot()
	if len(sent) != 1 {
		t.Fatalf("expected exactly one telegram log, got %d: %v", len(sent), sent)
	}
	if to[0] != -1001 {
		t.Fatalf("sent to %d, want -1001", to[0])
	}
	if !strings.Contains(sent[0], "broadcast send failed") || !strings.Contains(sent[0], "err=blocked") {
		t.Fatalf("unexpected telegram log: %q", sent[0])
	}
}

func TestZeroLoggerIsNoop(t *testing.T) {
	var l Logger
	if !l.IsZero() {
		t.Fatal("zero logger should report IsZero")
	}
	// must not panic
	l.With(String("comp", "x")).Info("ignored")
	Nop().Error("ignored")
}

func TestTelegramSinkCountsDrops(t *testing.T) {
	sender := &captureSender{}
	svc, log := New(Config{Level: "info"}, sender)
	defer svc.Close()

	var mu sync.Mutex
	reasons := map[string]int{}
	svc.OnDrop(func(reason string) {
		mu.Lock()
		reasons[reason]++
		mu.Unlock()
	})
	svc.SetTelegramTarget(5)
	svc.Apply(Config{Level: "info", Telegram: TelegramConfig{Enabled: true, RatePerSec: 1}})

	for i := 0; i < 3; i++ {
		log.Error("storage flush failed", Int("attempt", i))
	}
	if got := svc.Dropped(); got != 2 {
		t.Fatalf("dropped = %d, want 2", got)
	}
	mu.Lock()
	defer mu.Unlock()
	if reasons["rate_limited"] != 2 {
		t.Fatalf("drop reasons = %v", reasons)
	}
}

func TestClipCountsRunes(t *testing.T) {
	if got := clip("ünïcödé", 4); got != "ünï…" {
		t.Fatalf("clip = %q", got)
	}
	if got := clip("short", 10); got != "short" {
		t.Fatalf("clip = %q", got)
	}
}

package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	kit "adventbot/internal/transport"
)

// Sender is the part of the transport adapter the Telegram sink uses.
type Sender interface {
	SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error)
}

const (
	telegramQueue   = 256
	telegramMaxText = 3500
	telegramMaxVal  = 600
	telegramMaxStk  = 900
)

// telegramSink is a zerolog writer that forwards records to a chat. Write
// never blocks: records over the rate or past a full queue are dropped.
type telegramSink struct {
	sender  Sender
	queue   chan string
	dropped atomic.Uint64

	mu       sync.Mutex
	chatID   int64
	minLevel zerolog.Level
	limiter  *rate.Limiter
	onDrop   func(reason string)
	cancel   context.CancelFunc
	done     chan struct{}
}

func newTelegramSink(sender Sender) *telegramSink {
	return &telegramSink{
		sender:   sender,
		queue:    make(chan string, telegramQueue),
		minLevel: zerolog.WarnLevel,
		limiter:  rate.NewLimiter(1, 1),
	}
}

func (t *telegramSink) setTarget(chatID int64) {
	t.mu.Lock()
	t.chatID = chatID
	t.mu.Unlock()
}

func (t *telegramSink) hasTarget() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.chatID != 0
}

func (t *telegramSink) setOnDrop(fn func(string)) {
	t.mu.Lock()
	t.onDrop = fn
	t.mu.Unlock()
}

// configure applies level and rate, and starts the worker the first time
// the sink is enabled.
func (t *telegramSink) configure(cfg TelegramConfig) {
	rps := max(1, cfg.RatePerSec)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.minLevel = parseLevel(cfg.MinLevel, zerolog.WarnLevel)
	t.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	if cfg.Enabled && t.cancel == nil && t.sender != nil {
		ctx, cancel := context.WithCancel(context.Background())
		t.cancel = cancel
		t.done = make(chan struct{})
		go t.run(ctx, t.done)
	}
}

func (t *telegramSink) stop() {
	t.mu.Lock()
	cancel, done := t.cancel, t.done
	t.cancel, t.done = nil, nil
	t.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

func (t *telegramSink) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case text := <-t.queue:
			t.mu.Lock()
			chatID := t.chatID
			t.mu.Unlock()
			if chatID == 0 {
				continue
			}
			_, _ = t.sender.SendText(ctx, kit.ChatTarget{ChatID: chatID}, text, &kit.SendOptions{DisablePreview: true})
		}
	}
}

func (t *telegramSink) Write(p []byte) (int, error) {
	level, text := renderRecord(p)
	t.mu.Lock()
	muted := t.chatID == 0 || t.sender == nil || level < t.minLevel
	lim, onDrop := t.limiter, t.onDrop
	t.mu.Unlock()
	if muted || text == "" {
		return len(p), nil
	}
	if !lim.Allow() {
		t.drop(onDrop, "rate_limited")
		return len(p), nil
	}
	select {
	case t.queue <- text:
	default:
		t.drop(onDrop, "queue_full")
	}
	return len(p), nil
}

func (t *telegramSink) drop(onDrop func(string), reason string) {
	t.dropped.Add(1)
	if onDrop != nil {
		onDrop(reason)
	}
}

// renderRecord turns one zerolog JSON line into chat text: a "[LEVEL] msg"
// header, then one "- key=value" line per field in key order. A line that
// is not JSON is sent as is at NoLevel.
func renderRecord(p []byte) (zerolog.Level, string) {
	p = bytes.TrimSpace(p)
	var rec map[string]any
	if err := json.Unmarshal(p, &rec); err != nil {
		return zerolog.NoLevel, clip(string(p), telegramMaxText)
	}
	lvlName, _ := rec[zerolog.LevelFieldName].(string)
	level, err := zerolog.ParseLevel(lvlName)
	if err != nil {
		level = zerolog.NoLevel
	}
	msg, _ := rec[zerolog.MessageFieldName].(string)

	keys := make([]string, 0, len(rec))
	for k := range rec {
		switch k {
		case zerolog.LevelFieldName, zerolog.MessageFieldName, zerolog.TimestampFieldName:
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	if lvlName != "" {
		b.WriteString("[" + strings.ToUpper(lvlName) + "] ")
	}
	b.WriteString(msg)
	for _, k := range keys {
		v := fmt.Sprint(rec[k])
		if k == "stack" {
			b.WriteString("\n- stack=\n" + clip(v, telegramMaxStk))
			continue
		}
		b.WriteString("\n- " + k + "=" + clip(v, telegramMaxVal))
	}
	return level, clip(b.String(), telegramMaxText)
}

// clip shortens s to at most n runes.
func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

package router

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"noisegate/internal/gate"
	"noisegate/internal/transport"
	logx "noisegate/pkg/logx"
)

type fakeAdapter struct {
	mu    sync.Mutex
	sends []fakeSend
	err   error
}

type fakeSend struct {
	to   transport.ChatTarget
	text string
}

func (f *fakeAdapter) Start(ctx context.Context, out chan<- transport.Update) error { return nil }
func (f *fakeAdapter) Stop(ctx context.Context) error                               { return nil }

func (f *fakeAdapter) SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return transport.MessageRef{}, f.err
	}
	f.sends = append(f.sends, fakeSend{to: to, text: text})
	return transport.MessageRef{ChatID: to.ChatID, MessageID: len(f.sends)}, nil
}

func (f *fakeAdapter) sent() []fakeSend {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]fakeSend, len(f.sends))
	copy(out, f.sends)
	return out
}

func newTestRouter(t *testing.T, gateCfg gate.Config) (*Router, *fakeAdapter, *gate.Service) {
	t.Helper()
	g := gate.New(gateCfg, logx.Nop(), nil)
	ad := &fakeAdapter{}
	r := New(Config{Channels: map[string]transport.ChatTarget{
		"general": {ChatID: 100},
		"ops":     {ChatID: 200, ThreadID: 7},
	}}, g, ad, logx.Nop())
	return r, ad, g
}

func enabledGateConfig() gate.Config {
	return gate.Config{Enabled: true, Window: time.Hour, DedupWindow: time.Hour}
}

func TestSendAutomatedUnknownChannel(t *testing.T) {
	r, ad, _ := newTestRouter(t, enabledGateConfig())

	_, err := r.SendAutomated(context.Background(), AutomatedMessage{Channel: "nope", Sender: "bot", Content: "hi"})
	if err != ErrUnknownChannel {
		t.Fatalf("err = %v, want ErrUnknownChannel", err)
	}
	if len(ad.sent()) != 0 {
		t.Fatal("message sent to unknown channel")
	}
}

func TestSendAutomatedDeliversWhenAllowed(t *testing.T) {
	r, ad, _ := newTestRouter(t, enabledGateConfig())

	d, err := r.SendAutomated(context.Background(), AutomatedMessage{
		Channel: "ops", Sender: "bot", Content: "deploy finished", Category: "status-update",
	})
	if err != nil || !d.Allowed {
		t.Fatalf("send: decision=%+v err=%v", d, err)
	}

	sends := ad.sent()
	if len(sends) != 1 {
		t.Fatalf("sends = %d, want 1", len(sends))
	}
	if sends[0].to.ChatID != 200 || sends[0].to.ThreadID != 7 {
		t.Fatalf("wrong target: %+v", sends[0].to)
	}
}

func TestSendAutomatedSuppressedIsNotAnError(t *testing.T) {
	r, ad, _ := newTestRouter(t, enabledGateConfig())

	msg := AutomatedMessage{Channel: "general", Sender: "bot", Content: "deploy finished", Category: "status-update"}
	if _, err := r.SendAutomated(context.Background(), msg); err != nil {
		t.Fatalf("first send: %v", err)
	}
	d, err := r.SendAutomated(context.Background(), msg)
	if err != nil {
		t.Fatalf("suppressed send returned error: %v", err)
	}
	if d.Allowed || d.Reason != gate.ReasonDuplicate {
		t.Fatalf("decision = %+v, want duplicate suppression", d)
	}
	if len(ad.sent()) != 1 {
		t.Fatalf("sends = %d, want 1 (duplicate swallowed)", len(ad.sent()))
	}
}

func TestHandleUpdateFeedsBudgetDenominator(t *testing.T) {
	cfg := enabledGateConfig()
	cfg.ChannelBudgets = map[string]float64{"general": 0.3}
	r, _, g := newTestRouter(t, cfg)

	// Organic chatter in a mapped chat widens the budget denominator.
	for i := 0; i < 7; i++ {
		r.handleUpdate(transport.Update{Message: &transport.Message{
			ChatID: 100, FromUsername: "alice", Text: fmt.Sprintf("hello %d", i),
		}})
	}
	// Unmapped chats and empty messages are ignored.
	r.handleUpdate(transport.Update{Message: &transport.Message{ChatID: 999, FromUsername: "bob", Text: "hi"}})
	r.handleUpdate(transport.Update{Message: &transport.Message{ChatID: 100, FromUsername: "bob"}})
	r.handleUpdate(transport.Update{})

	snap := g.Snapshot()
	if len(snap.Channels) != 1 || snap.Channels[0].Total != 7 {
		t.Fatalf("snapshot = %+v, want 7 records in general", snap.Channels)
	}

	// Three automated status updates hit the 0.3 budget line; the fourth defers.
	for i := 0; i < 3; i++ {
		d, err := r.SendAutomated(context.Background(), AutomatedMessage{
			Channel: "general", Sender: "bot",
			Content:  fmt.Sprintf("status variant %s", string(rune('a'+i))),
			Category: "status-update",
		})
		if err != nil || !d.Allowed {
			t.Fatalf("status %d: decision=%+v err=%v", i, d, err)
		}
	}
	d, err := r.SendAutomated(context.Background(), AutomatedMessage{
		Channel: "general", Sender: "bot", Content: "one status too many", Category: "status-update",
	})
	if err != nil {
		t.Fatalf("over-budget send: %v", err)
	}
	if d.Allowed || !d.Digested {
		t.Fatalf("over-budget decision = %+v, want digested", d)
	}
}

func TestDigestHandlerSendsSummary(t *testing.T) {
	r, ad, _ := newTestRouter(t, enabledGateConfig())
	h := r.DigestHandler()

	entries := []gate.DigestEntry{
		{Channel: "general", Sender: "bot", Content: "first deferred", QueuedAt: time.Now()},
		{Channel: "general", Sender: "bot", Content: "second deferred", QueuedAt: time.Now()},
	}
	if err := h("general", entries); err != nil {
		t.Fatalf("digest handler: %v", err)
	}

	sends := ad.sent()
	if len(sends) != 1 {
		t.Fatalf("sends = %d, want 1 summary", len(sends))
	}
	if sends[0].to.ChatID != 100 {
		t.Fatalf("wrong target: %+v", sends[0].to)
	}
	if !strings.Contains(sends[0].text, "2 deferred") || !strings.Contains(sends[0].text, "#general") {
		t.Fatalf("summary text: %q", sends[0].text)
	}

	if err := h("nope", entries); err != ErrUnknownChannel {
		t.Fatalf("unknown channel: err = %v", err)
	}
}

func TestFormatDigest(t *testing.T) {
	t.Parallel()
	at := time.Date(2026, 8, 30, 15, 4, 0, 0, time.UTC)

	entries := []gate.DigestEntry{
		{Sender: "zoe", Content: "multi\nline\ncontent", QueuedAt: at},
		{Sender: "amy", Content: strings.Repeat("w", 200), QueuedAt: at},
	}
	out := FormatDigest("ops", entries)

	lines := strings.Split(out, "\n")
	if !strings.Contains(lines[0], "2 deferred update(s) in #ops") {
		t.Fatalf("header: %q", lines[0])
	}
	// Grouped by sender, sorted: amy before zoe.
	if !strings.Contains(lines[1], "[amy]") || !strings.Contains(lines[2], "[zoe]") {
		t.Fatalf("sender order: %q", out)
	}
	if !strings.Contains(lines[2], "multi") || strings.Contains(out, "line\ncontent") {
		t.Fatalf("multi-line content not reduced to first line: %q", out)
	}
	for _, l := range lines {
		if len(l) > 160 {
			t.Fatalf("line too long (%d): %q", len(l), l)
		}
	}
	if !strings.Contains(lines[1], "15:04") {
		t.Fatalf("timestamp missing: %q", lines[1])
	}
}

func TestFormatDigestTruncatesLongBatches(t *testing.T) {
	t.Parallel()
	at := time.Now()
	entries := make([]gate.DigestEntry, 30)
	for i := range entries {
		entries[i] = gate.DigestEntry{Sender: "bot", Content: fmt.Sprintf("update %d", i), QueuedAt: at}
	}
	out := FormatDigest("general", entries)

	lines := strings.Split(out, "\n")
	// Header + 20 entries + truncation marker.
	if len(lines) != maxDigestLines+2 {
		t.Fatalf("lines = %d, want %d", len(lines), maxDigestLines+2)
	}
	if !strings.Contains(lines[len(lines)-1], "10 more") {
		t.Fatalf("truncation marker: %q", lines[len(lines)-1])
	}
}

func TestFormatDigestLineKeepsValidUTF8(t *testing.T) {
	t.Parallel()
	entries := []gate.DigestEntry{{
		Sender:   "bot",
		Content:  strings.Repeat("ё", 120),
		QueuedAt: time.Now(),
	}}
	out := FormatDigest("general", entries)

	if !utf8.ValidString(out) {
		t.Fatalf("digest is not valid UTF-8: %q", out)
	}
	if !strings.Contains(out, "...") {
		t.Fatalf("long line not truncated: %q", out)
	}
}

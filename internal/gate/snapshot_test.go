package gate

import (
	"strings"
	"testing"
	"time"
	"unicode/utf8"
)

func TestSuppressionLogOrderAndFilters(t *testing.T) {
	cfg := testConfig()
	cfg.DedupWindow = time.Hour
	s := New(cfg, testLogger(), nil)

	req := CheckRequest{Sender: "bot", Channel: "general", Content: "phase one status", Category: CategoryStatusUpdate}
	s.Check(req)
	s.Check(req) // suppressed #1

	time.Sleep(20 * time.Millisecond)
	mid := time.Now()
	time.Sleep(20 * time.Millisecond)

	req2 := CheckRequest{Sender: "bot", Channel: "ops", Content: "phase two status", Category: CategoryStatusUpdate}
	s.Check(req2)
	s.Check(req2) // suppressed #2

	all := s.SuppressionLog(SuppressionQuery{})
	if len(all) != 2 {
		t.Fatalf("suppression log len = %d, want 2", len(all))
	}
	// Most recent first.
	if all[0].Channel != "ops" || all[1].Channel != "general" {
		t.Fatalf("log not most-recent-first: %s, %s", all[0].Channel, all[1].Channel)
	}
	if all[0].Reason != ReasonDuplicate || all[0].Preview == "" {
		t.Fatalf("entry missing detail: %+v", all[0])
	}

	if got := s.SuppressionLog(SuppressionQuery{Limit: 1}); len(got) != 1 || got[0].Channel != "ops" {
		t.Fatalf("limit=1 returned %+v", got)
	}
	if got := s.SuppressionLog(SuppressionQuery{Since: mid}); len(got) != 1 || got[0].Channel != "ops" {
		t.Fatalf("since filter returned %+v", got)
	}
}

func TestSuppressionLogBounded(t *testing.T) {
	cfg := testConfig()
	cfg.DedupWindow = time.Hour
	s := New(cfg, testLogger(), nil)

	req := CheckRequest{Sender: "bot", Channel: "general", Content: "same thing again", Category: CategoryStatusUpdate}
	s.Check(req)
	for i := 0; i < suppressionLogCap+25; i++ {
		s.Check(req)
	}

	if snap := s.Snapshot(); snap.SuppressionLogLen != suppressionLogCap {
		t.Fatalf("suppression log len = %d, want cap %d", snap.SuppressionLogLen, suppressionLogCap)
	}
}

func TestSuppressionPreviewTruncated(t *testing.T) {
	cfg := testConfig()
	s := New(cfg, testLogger(), nil)

	long := strings.Repeat("x", previewLen*3)
	req := CheckRequest{Sender: "bot", Channel: "general", Content: long, Category: CategoryStatusUpdate}
	s.Check(req)
	s.Check(req)

	entries := s.SuppressionLog(SuppressionQuery{Limit: 1})
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if len(entries[0].Preview) > previewLen {
		t.Fatalf("preview len = %d, want <= %d", len(entries[0].Preview), previewLen)
	}
	if !strings.HasSuffix(entries[0].Preview, "...") {
		t.Fatalf("long preview not marked truncated: %q", entries[0].Preview)
	}
}

func TestSuppressionPreviewKeepsValidUTF8(t *testing.T) {
	cfg := testConfig()
	s := New(cfg, testLogger(), nil)

	// Two-byte runes force the cut point into the middle of a rune.
	long := strings.Repeat("é", previewLen)
	req := CheckRequest{Sender: "bot", Channel: "general", Content: long, Category: CategoryStatusUpdate}
	s.Check(req)
	s.Check(req)

	entries := s.SuppressionLog(SuppressionQuery{Limit: 1})
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	p := entries[0].Preview
	if !utf8.ValidString(p) {
		t.Fatalf("preview is not valid UTF-8: %q", p)
	}
	if len(p) > previewLen || !strings.HasSuffix(p, "...") {
		t.Fatalf("preview = %q (len %d), want truncated to <= %d", p, len(p), previewLen)
	}
}

func TestSnapshotWindowPrunes(t *testing.T) {
	cfg := testConfig()
	cfg.Window = 100 * time.Millisecond
	s := New(cfg, testLogger(), nil)

	s.RecordContent("general", "alice")
	s.RecordContent("general", "bob")

	snap := s.Snapshot()
	if len(snap.Channels) != 1 || snap.Channels[0].Total != 2 {
		t.Fatalf("pre-expiry snapshot = %+v", snap.Channels)
	}

	time.Sleep(150 * time.Millisecond)

	snap = s.Snapshot()
	for _, ch := range snap.Channels {
		if ch.Channel == "general" && ch.Total != 0 {
			t.Fatalf("expired records still counted: %+v", ch)
		}
	}
}

func TestSnapshotChannelsSorted(t *testing.T) {
	s := New(testConfig(), testLogger(), nil)
	for _, ch := range []string{"zeta", "alpha", "mid"} {
		s.RecordContent(ch, "alice")
	}

	snap := s.Snapshot()
	if len(snap.Channels) != 3 {
		t.Fatalf("channels = %d, want 3", len(snap.Channels))
	}
	for i := 1; i < len(snap.Channels); i++ {
		if snap.Channels[i-1].Channel > snap.Channels[i].Channel {
			t.Fatalf("channels not sorted: %v", snap.Channels)
		}
	}
}

package router

import (
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"noisegate/internal/gate"
)

const maxDigestLines = 20

// FormatDigest renders one channel's deferred messages as a single summary.
// Entries are grouped by sender and kept short; the point of the digest is to
// be less noisy than what it replaces.
func FormatDigest(channel string, entries []gate.DigestEntry) string {
	bySender := map[string][]gate.DigestEntry{}
	for _, e := range entries {
		bySender[e.Sender] = append(bySender[e.Sender], e)
	}
	senders := make([]string, 0, len(bySender))
	for s := range bySender {
		senders = append(senders, s)
	}
	sort.Strings(senders)

	var b strings.Builder
	fmt.Fprintf(&b, "📋 Digest: %d deferred update(s) in #%s\n", len(entries), channel)

	lines := 0
	for _, sender := range senders {
		for _, e := range bySender[sender] {
			if lines >= maxDigestLines {
				fmt.Fprintf(&b, "… and %d more\n", len(entries)-lines)
				return strings.TrimRight(b.String(), "\n")
			}
			line := strings.TrimSpace(e.Content)
			if i := strings.IndexByte(line, '\n'); i >= 0 {
				line = line[:i]
			}
			line = truncateLine(line, 120)
			fmt.Fprintf(&b, "• %s [%s] %s\n", e.QueuedAt.Format("15:04"), sender, line)
			lines++
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// truncateLine shortens line to at most max bytes, backing off to a rune
// boundary so the digest never carries broken UTF-8.
func truncateLine(line string, max int) string {
	if len(line) <= max {
		return line
	}
	cut := max - 3
	for cut > 0 && !utf8.RuneStart(line[cut]) {
		cut--
	}
	return line[:cut] + "..."
}

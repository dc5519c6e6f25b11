package gate

import (
	"fmt"
	"hash/fnv"
	"regexp"
	"strings"
)

// Fingerprinting is a heuristic, not a security boundary: the goal is that a
// retried status update with a fresh timestamp or task id still collides with
// its earlier copy, while genuinely different messages don't.

var (
	// UUIDs and uuid-ish tokens.
	reUUID = regexp.MustCompile(`[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}`)
	// Long hex runs (commit SHAs, trace ids, ...).
	reHexRun = regexp.MustCompile(`\b[0-9a-f]{12,}\b`)
	// Prefixed identifiers like "task-a8f3k2" or "run_0042b7". The suffix must
	// contain a digit so plain hyphenated words ("status-update") survive.
	reIDToken = regexp.MustCompile(`\b[a-z]+[-_][a-z0-9]*\d[a-z0-9]*\b`)
	// Long numeric runs; >=13 digits catches epoch-millisecond timestamps.
	reNumRun = regexp.MustCompile(`\d{13,}`)
	reSpaces = regexp.MustCompile(`\s+`)
)

// Fingerprint computes a content-addressed dedup key for (sender, channel,
// content). Pure function; normalization rules are unit-tested in isolation.
func Fingerprint(sender, channel, content string) string {
	norm := normalizeContent(content)

	h := fnv.New64a()
	_, _ = h.Write([]byte(strings.ToLower(strings.TrimSpace(sender))))
	_, _ = h.Write([]byte{':'})
	_, _ = h.Write([]byte(strings.ToLower(strings.TrimSpace(channel))))
	_, _ = h.Write([]byte{':'})
	_, _ = h.Write([]byte(norm))
	return fmt.Sprintf("%016x", h.Sum64())
}

func normalizeContent(content string) string {
	s := strings.ToLower(strings.TrimSpace(content))
	s = reUUID.ReplaceAllString(s, "#")
	s = reHexRun.ReplaceAllString(s, "#")
	s = reIDToken.ReplaceAllString(s, "#")
	s = reNumRun.ReplaceAllString(s, "#")
	s = reSpaces.ReplaceAllString(s, " ")
	return s
}

package gate

import "time"

// Message categories. The control-plane set is fixed: these are the kinds of
// traffic the platform generates about itself. Everything else is content.
const (
	CategoryStatusUpdate   = "status-update"
	CategoryWatchdogAlert  = "watchdog-alert"
	CategoryDigest         = "digest"
	CategoryContinuityLoop = "continuity-loop"
	CategoryMentionRescue  = "mention-rescue"

	CategoryEscalation = "escalation"
	CategoryBlocker    = "blocker"

	// CategoryMessage is the safe generic classification for organic content
	// and for anything with missing/unknown category metadata.
	CategoryMessage = "message"
)

const SeverityCritical = "critical"

// Suppression reasons (also used as Decision.Reason in enforce mode).
const (
	ReasonDuplicate         = "duplicate"
	ReasonOverBudgetDigest  = "over-budget-digested"
	ReasonBypass            = "bypass"
	ReasonDisabled          = "disabled"
	ReasonCanaryDuplicate   = "canary-would-suppress-duplicate"
	ReasonCanaryWouldDigest = "canary-would-digest"
)

// CheckRequest describes one automated message about to be sent.
type CheckRequest struct {
	Sender  string
	Content string
	Channel string

	// Category is optional; unknown or empty values classify as content.
	Category string
	// Severity is optional; "critical" bypasses all checks.
	Severity string
	// CorrelationID is an optional caller-side reference (e.g. a task id)
	// carried into digest entries.
	CorrelationID string
}

// Decision is the gate's verdict. The caller must not send when Allowed is
// false. Digested means the message was deferred into the digest queue and
// will be re-delivered, summarized, on the next flush.
type Decision struct {
	Allowed  bool
	Reason   string
	Digested bool
}

// MessageRecord is one entry in the rolling audit log. Append-only; entries
// older than the window are pruned after every insert.
type MessageRecord struct {
	ID           string
	Channel      string
	Sender       string
	Fingerprint  string
	Category     string
	ControlPlane bool
	Severity     string
	At           time.Time

	Suppressed     bool
	SuppressReason string
}

// DigestEntry is a deferred message payload awaiting batched re-delivery.
type DigestEntry struct {
	ID            string
	Channel       string
	Sender        string
	Content       string
	Category      string
	QueuedAt      time.Time
	CorrelationID string
}

// SuppressionLogEntry is the audit record of one suppression decision.
type SuppressionLogEntry struct {
	At       time.Time `json:"at"`
	Channel  string    `json:"channel"`
	Sender   string    `json:"sender"`
	Reason   string    `json:"reason"`
	Category string    `json:"category"`
	Preview  string    `json:"preview"`
}

// FlushHandler turns one channel's digest entries into a delivery. Invoked
// once per channel per flush cycle; a failure is logged and dropped, never
// retried (at-most-once digest delivery).
type FlushHandler func(channel string, entries []DigestEntry) error

// Config is the gate's runtime-mutable configuration. Zero/invalid fields are
// defaulted (and budgets clamped into [0,1]) when applied; a bad reload can
// never wedge the gate.
type Config struct {
	Enabled    bool
	CanaryMode bool

	Window        time.Duration
	DefaultBudget float64
	// ChannelBudgets overrides DefaultBudget per channel name.
	ChannelBudgets map[string]float64

	DedupWindow time.Duration

	// FlushSchedule is either a Go duration ("30m") or a standard cron
	// expression ("*/30 * * * *").
	FlushSchedule string

	BypassCategories []string
	MaxDigestQueue   int

	// DeliveryRatePerSec paces flush handler invocations.
	DeliveryRatePerSec int
}

const (
	defaultWindow       = 24 * time.Hour
	defaultBudget       = 0.5
	defaultDedupWindow  = 10 * time.Minute
	defaultFlushEvery   = 30 * time.Minute
	defaultMaxQueue     = 200
	defaultDeliveryRate = 3

	// minBudgetSample guards low-traffic channels against false trips: a
	// channel is never over budget before it has seen this many messages.
	minBudgetSample = 10

	// suppressionLogCap bounds the suppression audit log (oldest evicted first).
	suppressionLogCap = 500

	// previewLen bounds content previews stored in the suppression log.
	previewLen = 80

	// rollbackThreshold is the number of escalation/critical suppressions
	// that trips the rollback signal.
	rollbackThreshold = 3
)

// controlPlane reports whether a normalized category belongs to the fixed
// control-plane set.
func controlPlane(category string) bool {
	switch category {
	case CategoryStatusUpdate, CategoryWatchdogAlert, CategoryDigest,
		CategoryContinuityLoop, CategoryMentionRescue:
		return true
	}
	return false
}

// GateEvent is emitted on the event bus for gate decisions.
// Keep it small; Data may be logged/serialized by subscribers.
type GateEvent struct {
	Channel  string    `json:"channel"`
	Sender   string    `json:"sender"`
	Category string    `json:"category"`
	Reason   string    `json:"reason,omitempty"`
	At       time.Time `json:"at"`
}

// FlushEvent is emitted after a digest flush cycle completes.
type FlushEvent struct {
	BatchID  string    `json:"batch_id"`
	Channels int       `json:"channels"`
	Entries  int       `json:"entries"`
	Failed   int       `json:"failed"`
	At       time.Time `json:"at"`
}

package gate

import (
	"context"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"noisegate/internal/eventbus"
	rtsup "noisegate/internal/runtime/supervisor"
	logx "noisegate/pkg/logx"
)

// Service is the noise-budget manager. One instance per process; the host
// passes the handle to the router and registers the flush handler at startup.
//
// It is safe for concurrent use: decisions are a single synchronous
// computation over shared state behind one mutex, with no blocking I/O inside
// Check. The only asynchronous boundary is the digest flush.
type Service struct {
	mu sync.Mutex

	log logx.Logger
	bus eventbus.Bus

	cfg     Config
	plan    flushPlan
	bypass  map[string]bool
	limiter *rate.Limiter

	// Rolling audit log, dedup cache, digest queue. All guarded by mu.
	records []MessageRecord
	dedup   map[string]time.Time
	digestQ []DigestEntry

	suppLog []SuppressionLogEntry
	tallies map[string]*channelTally

	handler FlushHandler

	dedupHits      uint64
	flushes        uint64
	delivered      uint64
	handlerErrs    uint64
	queueDrops     uint64
	criticalMisses uint64

	flushKick chan struct{}
	sup       *rtsup.Supervisor
}

type channelTally struct {
	suppressed uint64
	digested   uint64
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		log:       log,
		bus:       bus,
		dedup:     map[string]time.Time{},
		tallies:   map[string]*channelTally{},
		flushKick: make(chan struct{}, 1),
	}
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
	return s
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

// Apply updates the runtime configuration. Invalid values are defaulted or
// clamped rather than rejected, so a bad reload can never wedge the gate.
// A changed flush schedule takes effect after the next flush wakeup.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Window <= 0 {
		cfg.Window = defaultWindow
	}
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = defaultDedupWindow
	}
	if cfg.MaxDigestQueue <= 0 {
		cfg.MaxDigestQueue = defaultMaxQueue
	}
	if cfg.DeliveryRatePerSec <= 0 {
		cfg.DeliveryRatePerSec = defaultDeliveryRate
	}

	// Budgets: zero means "unset" (JSON omission), negative/overshoot clamps.
	// An explicit per-channel zero is honored (presence in the map is intent).
	if cfg.DefaultBudget == 0 {
		cfg.DefaultBudget = defaultBudget
	}
	cfg.DefaultBudget = clampBudget(s.log, "default", cfg.DefaultBudget)
	for ch, b := range cfg.ChannelBudgets {
		cfg.ChannelBudgets[ch] = clampBudget(s.log, ch, b)
	}

	if cfg.BypassCategories == nil {
		cfg.BypassCategories = []string{CategoryEscalation, CategoryBlocker}
	}
	bypass := make(map[string]bool, len(cfg.BypassCategories))
	for _, c := range cfg.BypassCategories {
		c = strings.ToLower(strings.TrimSpace(c))
		if c != "" {
			bypass[c] = true
		}
	}

	plan, err := parseFlushSchedule(cfg.FlushSchedule)
	if err != nil {
		s.log.Warn("invalid flush schedule; using default",
			logx.String("schedule", cfg.FlushSchedule), logx.Duration("default", defaultFlushEvery), logx.Err(err))
		plan = flushPlan{every: defaultFlushEvery}
	}

	s.cfg = cfg
	s.plan = plan
	s.bypass = bypass
	s.limiter = rate.NewLimiter(rate.Limit(cfg.DeliveryRatePerSec), cfg.DeliveryRatePerSec)
}

func clampBudget(log logx.Logger, channel string, b float64) float64 {
	switch {
	case b < 0:
		log.Warn("budget below 0; clamped", logx.String("channel", channel), logx.Float64("budget", b))
		return 0
	case b > 1:
		log.Warn("budget above 1; clamped", logx.String("channel", channel), logx.Float64("budget", b))
		return 1
	}
	return b
}

// Start launches the digest flush loop. Idempotent.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.sup != nil {
		s.mu.Unlock()
		return
	}
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log))
	sup := s.sup
	s.mu.Unlock()

	sup.GoRestart("gate.flush", s.flushLoop)
	s.log.Info("gate started",
		logx.Bool("enabled", s.Enabled()), logx.Bool("canary", s.CanaryMode()))
}

// Stop halts the flush loop and performs one final best-effort flush so a
// graceful shutdown doesn't strand queued digests.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()
	if sup == nil {
		return
	}
	_ = sup.Stop(ctx)
	s.Flush(ctx)
	s.log.Info("gate stopped")
}

func (s *Service) CanaryMode() bool {
	s.mu.Lock()
	c := s.cfg.CanaryMode
	s.mu.Unlock()
	return c
}

// ActivateEnforcement flips canary mode off. One-way at the API level; only a
// full config apply can re-enter canary mode.
func (s *Service) ActivateEnforcement() {
	s.mu.Lock()
	was := s.cfg.CanaryMode
	s.cfg.CanaryMode = false
	s.mu.Unlock()
	if was {
		s.log.Info("enforcement activated (canary off)")
	}
}

// SetFlushHandler registers the per-channel digest delivery callback.
func (s *Service) SetFlushHandler(fn FlushHandler) {
	s.mu.Lock()
	s.handler = fn
	s.mu.Unlock()
}

// Check evaluates one automated message about to be sent. It never blocks on
// I/O and never returns an error: every failure path degrades to allow.
func (s *Service) Check(req CheckRequest) Decision {
	now := time.Now()
	category := normalizeCategory(req.Category)
	severity := strings.ToLower(strings.TrimSpace(req.Severity))

	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return Decision{Allowed: true, Reason: ReasonDisabled}
	}
	canary := s.cfg.CanaryMode

	// Bypass categories and critical severity short-circuit everything:
	// escalations and blockers are never silently dropped.
	if s.bypass[category] || severity == SeverityCritical {
		s.recordLocked(req, category, severity, now, false, "")
		s.mu.Unlock()
		s.publish("gate.bypass", GateEvent{Channel: req.Channel, Sender: req.Sender, Category: category, Reason: ReasonBypass, At: now})
		return Decision{Allowed: true, Reason: ReasonBypass}
	}

	// Duplicate suppression.
	fp := Fingerprint(req.Sender, req.Channel, req.Content)
	if last, ok := s.dedup[fp]; ok && now.Sub(last) < s.cfg.DedupWindow {
		s.dedupHits++
		s.recordLocked(req, category, severity, now, true, ReasonDuplicate)
		s.mu.Unlock()
		s.publish("gate.deduped", GateEvent{Channel: req.Channel, Sender: req.Sender, Category: category, Reason: ReasonDuplicate, At: now})
		if canary {
			return Decision{Allowed: true, Reason: ReasonCanaryDuplicate}
		}
		return Decision{Allowed: false, Reason: ReasonDuplicate}
	}
	s.dedup[fp] = now
	s.evictDedupLocked(now)

	// Budget tracking gates control-plane traffic only; content always passes.
	if controlPlane(category) && s.overBudgetLocked(req.Channel, now) {
		if !canary {
			// Canary must not enqueue: the message is delivered as-is, and a
			// later digest re-delivery would duplicate it.
			s.enqueueDigestLocked(req, category, now)
		}
		s.recordLocked(req, category, severity, now, true, ReasonOverBudgetDigest)
		s.tallyLocked(req.Channel).digested++
		s.mu.Unlock()
		s.publish("gate.digested", GateEvent{Channel: req.Channel, Sender: req.Sender, Category: category, Reason: ReasonOverBudgetDigest, At: now})
		if canary {
			return Decision{Allowed: true, Reason: ReasonCanaryWouldDigest}
		}
		return Decision{Allowed: false, Reason: ReasonOverBudgetDigest, Digested: true}
	}

	s.recordLocked(req, category, severity, now, false, "")
	s.mu.Unlock()
	return Decision{Allowed: true}
}

// RecordContent registers organically-delivered content that never went
// through Check, keeping the budget denominator accurate.
func (s *Service) RecordContent(channel, sender string) {
	now := time.Now()
	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}
	s.recordLocked(CheckRequest{Sender: sender, Channel: channel}, CategoryMessage, "", now, false, "")
	s.mu.Unlock()
}

// normalizeCategory maps missing/malformed metadata to the generic message
// classification; incomplete metadata must never block traffic.
func normalizeCategory(raw string) string {
	c := strings.ToLower(strings.TrimSpace(raw))
	if c == "" {
		return CategoryMessage
	}
	return c
}

func (s *Service) recordLocked(req CheckRequest, category, severity string, now time.Time, suppressed bool, reason string) {
	rec := MessageRecord{
		ID:             uuid.NewString(),
		Channel:        req.Channel,
		Sender:         req.Sender,
		Fingerprint:    Fingerprint(req.Sender, req.Channel, req.Content),
		Category:       category,
		ControlPlane:   controlPlane(category),
		Severity:       severity,
		At:             now,
		Suppressed:     suppressed,
		SuppressReason: reason,
	}
	s.records = append(s.records, rec)
	s.pruneLocked(now)

	if suppressed {
		s.tallyLocked(req.Channel).suppressed++
		s.appendSuppressionLocked(SuppressionLogEntry{
			At:       now,
			Channel:  req.Channel,
			Sender:   req.Sender,
			Reason:   reason,
			Category: category,
			Preview:  preview(req.Content),
		})
		// Rollback trip-wire: suppressing escalation/critical traffic should be
		// structurally impossible (bypass), so any occurrence is a red flag.
		if category == CategoryEscalation || severity == SeverityCritical {
			s.criticalMisses++
		}
	}
}

func (s *Service) tallyLocked(channel string) *channelTally {
	t := s.tallies[channel]
	if t == nil {
		t = &channelTally{}
		s.tallies[channel] = t
	}
	return t
}

func (s *Service) appendSuppressionLocked(e SuppressionLogEntry) {
	s.suppLog = append(s.suppLog, e)
	if len(s.suppLog) > suppressionLogCap {
		s.suppLog = s.suppLog[len(s.suppLog)-suppressionLogCap:]
	}
}

func (s *Service) evictDedupLocked(now time.Time) {
	window := s.cfg.DedupWindow
	for k, t := range s.dedup {
		if now.Sub(t) >= window {
			delete(s.dedup, k)
		}
	}
}

func preview(content string) string {
	content = strings.TrimSpace(content)
	if len(content) <= previewLen {
		return content
	}
	// Back off to a rune boundary so the preview stays valid UTF-8.
	cut := previewLen - 3
	for cut > 0 && !utf8.RuneStart(content[cut]) {
		cut--
	}
	return content[:cut] + "..."
}

func (s *Service) publish(typ string, data any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: data})
}

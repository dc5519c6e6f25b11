package gate

import (
	"sort"
	"time"
)

// ChannelSnapshot is the per-channel budget view.
type ChannelSnapshot struct {
	Channel      string  `json:"channel"`
	Total        int     `json:"total"`
	ControlPlane int     `json:"control_plane"`
	Ratio        float64 `json:"ratio"`
	BudgetLimit  float64 `json:"budget_limit"`
	OverBudget   bool    `json:"over_budget"`
	Suppressed   uint64  `json:"suppressed"`
	Digested     uint64  `json:"digested"`
}

// Snapshot is a point-in-time view of the gate. Counters are process-lifetime;
// per-channel totals/ratios cover the rolling window only.
type Snapshot struct {
	Enabled    bool          `json:"enabled"`
	CanaryMode bool          `json:"canary_mode"`
	Window     time.Duration `json:"window"`

	Channels []ChannelSnapshot `json:"channels"`

	DedupHits         uint64 `json:"dedup_hits"`
	DigestQueueLen    int    `json:"digest_queue_len"`
	QueueDrops        uint64 `json:"queue_drops"`
	Flushes           uint64 `json:"flushes"`
	Delivered         uint64 `json:"delivered"`
	HandlerErrors     uint64 `json:"handler_errors"`
	SuppressionLogLen int    `json:"suppression_log_len"`

	At time.Time `json:"at"`
}

// RollbackSignals aggregates the safety metrics used to decide whether
// enforcement should revert to canary mode.
type RollbackSignals struct {
	CriticalMisses    uint64 `json:"critical_misses"`
	Threshold         int    `json:"threshold"`
	RollbackTriggered bool   `json:"rollback_triggered"`
}

// CanaryMetrics is the rollout view: the full snapshot plus rollback signals.
type CanaryMetrics struct {
	Snapshot Snapshot        `json:"snapshot"`
	Rollback RollbackSignals `json:"rollback"`
}

// SuppressionQuery filters the suppression log. Zero values mean "no filter";
// results are most-recent-first.
type SuppressionQuery struct {
	Limit int
	Since time.Time
}

func (s *Service) Snapshot() Snapshot {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.pruneLocked(now)

	// Channels seen in the window plus channels with lifetime tallies.
	names := map[string]bool{}
	for i := range s.records {
		names[s.records[i].Channel] = true
	}
	for ch := range s.tallies {
		names[ch] = true
	}

	channels := make([]ChannelSnapshot, 0, len(names))
	for ch := range names {
		total, control := s.channelCountsLocked(ch, now)
		cs := ChannelSnapshot{
			Channel:      ch,
			Total:        total,
			ControlPlane: control,
			BudgetLimit:  s.budgetLocked(ch),
		}
		if total > 0 {
			cs.Ratio = float64(control) / float64(total)
		}
		cs.OverBudget = total >= minBudgetSample && cs.Ratio >= cs.BudgetLimit
		if t := s.tallies[ch]; t != nil {
			cs.Suppressed = t.suppressed
			cs.Digested = t.digested
		}
		channels = append(channels, cs)
	}
	sort.Slice(channels, func(i, j int) bool { return channels[i].Channel < channels[j].Channel })

	return Snapshot{
		Enabled:           s.cfg.Enabled,
		CanaryMode:        s.cfg.CanaryMode,
		Window:            s.cfg.Window,
		Channels:          channels,
		DedupHits:         s.dedupHits,
		DigestQueueLen:    len(s.digestQ),
		QueueDrops:        s.queueDrops,
		Flushes:           s.flushes,
		Delivered:         s.delivered,
		HandlerErrors:     s.handlerErrs,
		SuppressionLogLen: len(s.suppLog),
		At:                now,
	}
}

func (s *Service) CanaryMetrics() CanaryMetrics {
	snap := s.Snapshot()

	s.mu.Lock()
	misses := s.criticalMisses
	s.mu.Unlock()

	return CanaryMetrics{
		Snapshot: snap,
		Rollback: RollbackSignals{
			CriticalMisses:    misses,
			Threshold:         rollbackThreshold,
			RollbackTriggered: misses >= rollbackThreshold,
		},
	}
}

// SuppressionLog returns recent suppression decisions, most-recent-first.
func (s *Service) SuppressionLog(q SuppressionQuery) []SuppressionLogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]SuppressionLogEntry, 0, len(s.suppLog))
	for i := len(s.suppLog) - 1; i >= 0; i-- {
		e := s.suppLog[i]
		if !q.Since.IsZero() && e.At.Before(q.Since) {
			// Entries are time-ordered; everything earlier is older still.
			break
		}
		out = append(out, e)
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out
}

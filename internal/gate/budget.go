package gate

import "time"

// pruneLocked drops audit records older than the rolling window. Records are
// appended in time order, so a single scan from the front suffices.
func (s *Service) pruneLocked(now time.Time) {
	cutoff := now.Add(-s.cfg.Window)
	idx := 0
	for idx < len(s.records) && s.records[idx].At.Before(cutoff) {
		idx++
	}
	if idx == 0 {
		return
	}
	// Re-allocate so the backing array doesn't pin pruned entries.
	kept := make([]MessageRecord, len(s.records)-idx)
	copy(kept, s.records[idx:])
	s.records = kept
}

// channelCounts tallies non-suppressed records for one channel within the
// window. Suppressed records are audit-only: they count toward neither the
// numerator nor the denominator.
func (s *Service) channelCountsLocked(channel string, now time.Time) (total, control int) {
	cutoff := now.Add(-s.cfg.Window)
	for i := range s.records {
		r := &s.records[i]
		if r.Channel != channel || r.Suppressed || r.At.Before(cutoff) {
			continue
		}
		total++
		if r.ControlPlane {
			control++
		}
	}
	return total, control
}

func (s *Service) budgetLocked(channel string) float64 {
	if b, ok := s.cfg.ChannelBudgets[channel]; ok {
		return b
	}
	return s.cfg.DefaultBudget
}

// overBudgetLocked reports whether the channel's control-plane ratio has
// reached its budget. The minimum-sample guard keeps low-traffic channels
// from tripping on a handful of messages.
func (s *Service) overBudgetLocked(channel string, now time.Time) bool {
	total, control := s.channelCountsLocked(channel, now)
	if total < minBudgetSample {
		return false
	}
	ratio := float64(control) / float64(total)
	return ratio >= s.budgetLocked(channel)
}

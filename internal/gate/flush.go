package gate

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	logx "noisegate/pkg/logx"
)

// flushPlan is the parsed digest flush schedule: either a fixed interval or a
// cron expression. Cron flushes align to wall-clock boundaries; interval
// flushes tick from the previous wakeup.
type flushPlan struct {
	every time.Duration
	cron  cron.Schedule
}

func (p flushPlan) next(now time.Time) time.Time {
	if p.cron != nil {
		return p.cron.Next(now)
	}
	every := p.every
	if every <= 0 {
		every = defaultFlushEvery
	}
	return now.Add(every)
}

// parseFlushSchedule accepts either a Go duration ("30m") or a standard
// 5-field cron expression ("*/30 * * * *", "@hourly").
func parseFlushSchedule(raw string) (flushPlan, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return flushPlan{every: defaultFlushEvery}, nil
	}
	// Whitespace or a leading '@' means cron.
	if strings.ContainsAny(s, " \t") || strings.HasPrefix(s, "@") {
		sched, err := cron.ParseStandard(s)
		if err != nil {
			return flushPlan{}, fmt.Errorf("invalid cron schedule %q: %w", raw, err)
		}
		return flushPlan{cron: sched}, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return flushPlan{}, fmt.Errorf("invalid flush interval %q (use a duration like '30m' or a cron expression): %w", raw, err)
	}
	if d <= 0 {
		return flushPlan{}, fmt.Errorf("flush interval must be > 0")
	}
	return flushPlan{every: d}, nil
}

// enqueueDigestLocked defers an over-budget message for batched re-delivery.
// Reaching the cap kicks an immediate background flush; it never blocks the
// caller. If the loop can't keep up, the oldest entry is dropped to hold the
// bound.
func (s *Service) enqueueDigestLocked(req CheckRequest, category string, now time.Time) {
	s.digestQ = append(s.digestQ, DigestEntry{
		ID:            uuid.NewString(),
		Channel:       req.Channel,
		Sender:        req.Sender,
		Content:       req.Content,
		Category:      category,
		QueuedAt:      now,
		CorrelationID: req.CorrelationID,
	})
	if len(s.digestQ) >= s.cfg.MaxDigestQueue {
		select {
		case s.flushKick <- struct{}{}:
		default:
		}
	}
	if over := len(s.digestQ) - s.cfg.MaxDigestQueue; over > 0 {
		s.digestQ = s.digestQ[over:]
		s.queueDrops += uint64(over)
		s.log.Warn("digest queue over capacity; oldest entries dropped",
			logx.Int("dropped", over), logx.Int("cap", s.cfg.MaxDigestQueue))
	}
}

// flushLoop wakes on the configured schedule (or a capacity kick) and drains
// the digest queue. Runs under the service supervisor until Stop.
func (s *Service) flushLoop(ctx context.Context) error {
	for {
		s.mu.Lock()
		plan := s.plan
		s.mu.Unlock()

		now := time.Now()
		wait := plan.next(now).Sub(now)
		if wait < time.Second {
			// Floor so a degenerate schedule can't spin the loop.
			wait = time.Second
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-s.flushKick:
			t.Stop()
		case <-t.C:
		}
		s.Flush(ctx)
	}
}

// Flush drains the digest queue and delivers one batch per channel through
// the registered handler. The queue is drained and reset atomically before
// delivery begins, so an overlapping timer/threshold trigger never
// re-processes the same entries. Handler failures (including panics) are
// caught per channel: one channel's failure does not block the others, and
// entries are never re-queued (at-most-once delivery).
func (s *Service) Flush(ctx context.Context) {
	s.mu.Lock()
	batch := s.digestQ
	s.digestQ = nil
	handler := s.handler
	limiter := s.limiter
	s.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	s.mu.Lock()
	s.flushes++
	s.mu.Unlock()

	byChannel := map[string][]DigestEntry{}
	for _, e := range batch {
		byChannel[e.Channel] = append(byChannel[e.Channel], e)
	}
	channels := make([]string, 0, len(byChannel))
	for ch := range byChannel {
		channels = append(channels, ch)
	}
	sort.Strings(channels)

	batchID := uuid.NewString()
	failed := 0
	for _, ch := range channels {
		entries := byChannel[ch]
		if handler == nil {
			// No handler registered: drain and discard.
			s.log.Debug("digest flush without handler; entries discarded",
				logx.String("channel", ch), logx.Int("entries", len(entries)))
			continue
		}
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				s.log.Warn("digest flush interrupted", logx.String("batch", batchID), logx.Err(err))
				return
			}
		}
		if err := s.deliver(handler, ch, entries); err != nil {
			failed++
			s.mu.Lock()
			s.handlerErrs++
			s.mu.Unlock()
			s.log.Warn("digest delivery failed", logx.String("batch", batchID),
				logx.String("channel", ch), logx.Int("entries", len(entries)), logx.Err(err))
			continue
		}
		s.mu.Lock()
		s.delivered += uint64(len(entries))
		s.mu.Unlock()
	}

	s.log.Info("digest flushed", logx.String("batch", batchID),
		logx.Int("channels", len(channels)), logx.Int("entries", len(batch)), logx.Int("failed", failed))
	s.publish("digest.flushed", FlushEvent{
		BatchID: batchID, Channels: len(channels), Entries: len(batch), Failed: failed, At: time.Now(),
	})
}

// deliver invokes the handler with panic isolation.
func (s *Service) deliver(handler FlushHandler, channel string, entries []DigestEntry) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("flush handler panicked: %v", r)
		}
	}()
	return handler(channel, entries)
}

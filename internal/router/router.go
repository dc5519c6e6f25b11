// Package router is the message-routing layer: it resolves logical channels
// to chat targets and consults the gate immediately before any automated
// message is sent. Inbound human traffic is fed back into the gate so budget
// denominators stay accurate.
package router

import (
	"context"
	"errors"
	"sync"
	"time"

	"noisegate/internal/gate"
	"noisegate/internal/transport"
	logx "noisegate/pkg/logx"
)

var ErrUnknownChannel = errors.New("unknown channel")

type Config struct {
	// Channels maps logical channel names to delivery targets.
	Channels map[string]transport.ChatTarget
}

// AutomatedMessage is one platform-generated message the router should send,
// budget permitting.
type AutomatedMessage struct {
	Channel       string
	Sender        string
	Content       string
	Category      string
	Severity      string
	CorrelationID string
}

type Router struct {
	mu        sync.Mutex
	cfg       Config
	chatIndex map[int64]string // chat id -> channel name, for inbound mapping

	gate    *gate.Service
	adapter transport.Adapter
	log     logx.Logger
}

func New(cfg Config, g *gate.Service, adapter transport.Adapter, log logx.Logger) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Router{gate: g, adapter: adapter, log: log}
	r.Apply(cfg)
	return r
}

func (r *Router) Apply(cfg Config) {
	idx := make(map[int64]string, len(cfg.Channels))
	for name, t := range cfg.Channels {
		idx[t.ChatID] = name
	}
	r.mu.Lock()
	r.cfg = cfg
	r.chatIndex = idx
	r.mu.Unlock()
}

func (r *Router) target(channel string) (transport.ChatTarget, bool) {
	r.mu.Lock()
	t, ok := r.cfg.Channels[channel]
	r.mu.Unlock()
	return t, ok
}

// SendAutomated checks the message against the gate and delivers it when
// allowed. A suppressed decision is not an error: the returned Decision tells
// the caller what happened (duplicate, digested, ...).
func (r *Router) SendAutomated(ctx context.Context, msg AutomatedMessage) (gate.Decision, error) {
	to, ok := r.target(msg.Channel)
	if !ok {
		return gate.Decision{}, ErrUnknownChannel
	}

	d := r.gate.Check(gate.CheckRequest{
		Sender:        msg.Sender,
		Content:       msg.Content,
		Channel:       msg.Channel,
		Category:      msg.Category,
		Severity:      msg.Severity,
		CorrelationID: msg.CorrelationID,
	})
	if !d.Allowed {
		r.log.Debug("automated message suppressed",
			logx.String("channel", msg.Channel), logx.String("sender", msg.Sender),
			logx.String("reason", d.Reason), logx.Bool("digested", d.Digested))
		return d, nil
	}

	if _, err := r.adapter.SendText(ctx, to, msg.Content, nil); err != nil {
		return d, err
	}
	return d, nil
}

// Run consumes inbound updates until ctx is done, recording human content so
// the gate's denominators reflect organic traffic.
func (r *Router) Run(ctx context.Context, updates <-chan transport.Update) {
	for {
		select {
		case <-ctx.Done():
			return
		case up, ok := <-updates:
			if !ok {
				return
			}
			r.handleUpdate(up)
		}
	}
}

func (r *Router) handleUpdate(up transport.Update) {
	m := up.Message
	if m == nil || m.Text == "" {
		return
	}
	r.mu.Lock()
	channel, ok := r.chatIndex[m.ChatID]
	r.mu.Unlock()
	if !ok {
		// Traffic in chats we don't manage doesn't count toward any budget.
		return
	}
	r.gate.RecordContent(channel, m.FromUsername)
}

// DigestHandler returns the flush callback: one summarizing message per
// channel per flush cycle. The summary is sent directly through the adapter
// rather than through the gate; the digest is the budget mechanism's own
// output and gating it would feed back into itself.
func (r *Router) DigestHandler() gate.FlushHandler {
	return func(channel string, entries []gate.DigestEntry) error {
		to, ok := r.target(channel)
		if !ok {
			return ErrUnknownChannel
		}
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_, err := r.adapter.SendText(ctx, to, FormatDigest(channel, entries), &transport.SendOptions{DisablePreview: true})
		return err
	}
}

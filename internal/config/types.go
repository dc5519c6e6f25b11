package config

import (
	"bytes"
	"encoding/json"
)

type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`

	// Gate controls the noise-budget manager.
	Gate GateConfig `json:"gate"`

	// Channels maps logical channel names (as used by callers of the gate)
	// to concrete chat targets for delivery.
	Channels map[string]ChannelTarget `json:"channels"`

	Ops *OpsConfig `json:"ops,omitempty"`
}

// GateConfig controls the noise-budget manager.
//
// All durations are Go duration strings (e.g. "500ms", "10m", "24h").
//
// Defaults (when fields are omitted/zero):
//   - window: "24h"
//   - default_budget: 0.5
//   - dedup_window: "10m"
//   - digest_flush: "30m"
//   - max_digest_queue: 200
//   - bypass_categories: ["escalation", "blocker"]
//   - delivery_rate_per_sec: 3
type GateConfig struct {
	Enabled bool `json:"enabled"`

	// CanaryMode computes and records every enforcement decision but never
	// alters delivery. Flip to false (or call ActivateEnforcement) to enforce.
	CanaryMode bool `json:"canary_mode"`

	// Window is the rolling window over which the control-plane ratio is computed.
	Window string `json:"window,omitempty"`

	// DefaultBudget is the fallback control-plane ratio limit for channels
	// without an explicit entry in ChannelBudgets. Clamped into [0,1].
	DefaultBudget float64 `json:"default_budget,omitempty"`

	// ChannelBudgets overrides the budget per channel name.
	ChannelBudgets map[string]float64 `json:"channel_budgets,omitempty"`

	DedupWindow string `json:"dedup_window,omitempty"`

	// DigestFlush is either a Go duration ("30m") or a cron expression
	// ("*/30 * * * *") controlling when the digest queue drains.
	DigestFlush string `json:"digest_flush,omitempty"`

	// BypassCategories are never suppressed, regardless of budget/dedup state.
	BypassCategories []string `json:"bypass_categories,omitempty"`

	MaxDigestQueue int `json:"max_digest_queue,omitempty"`

	// DeliveryRatePerSec paces digest handler invocations during a flush.
	DeliveryRatePerSec int `json:"delivery_rate_per_sec,omitempty"`
}

// ChannelTarget is the delivery address for a logical channel.
type ChannelTarget struct {
	ChatID   int64 `json:"chat_id"`
	ThreadID int   `json:"thread_id,omitempty"`
}

// OpsConfig controls the optional debug/ops HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6475").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type OpsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:6475"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	// Server timeouts (Go duration strings).
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// UnmarshalJSON disallows unknown fields so typos in the gate block are
// caught early during config reload instead of silently ignored.
func (g *GateConfig) UnmarshalJSON(b []byte) error {
	type plain GateConfig
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var t plain
	if err := dec.Decode(&t); err != nil {
		return err
	}
	*g = GateConfig(t)
	return nil
}

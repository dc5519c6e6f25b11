// Package gate implements the control-plane noise-budget manager.
//
// The gate is consulted synchronously by the router before every automated
// send. It classifies the message, suppresses near-identical repeats within a
// short window, tracks the per-channel ratio of control-plane to total
// messages over a rolling window, and defers over-budget control-plane
// messages into a periodically flushed digest queue. Bypass categories and
// critical severity always pass.
//
// Two operating modes: canary (observe-only; decisions are computed and
// recorded but delivery is never altered) and enforce. All state is
// process-lifetime, in-memory only.
package gate

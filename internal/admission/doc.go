// Package admission implements per-client admission control: fixed-window
// rate limits on session creation and shell commands, and live caps on
// concurrent sessions and WebSocket connections.
//
// Each client (usually a source IP) owns one tracking entry guarded by its
// own mutex, so checks for the same client are serialized while unrelated
// clients never contend. The store map itself is only locked to look entries
// up or remove them.
//
// Windows are fixed, not sliding: the window start is recorded on the first
// event and the counter resets once the window duration has fully elapsed.
//
// # Log Prefixes
//
// Denials log at the [admission] prefix.
package admission

// Package terminal proxies an interactive shell running inside a session's
// unit over a WebSocket.
//
// # Wire Protocol
//
// Server to client, on text frames:
//   - raw PTY output, chunked on UTF-8 boundaries
//   - JSON control messages: connected, output, error, initComplete
//
// Client to server:
//   - {"type":"input","data":"..."}
//   - {"type":"resize","rows":R,"cols":C}
//   - {"type":"init","commands":[...],"silent":true,"timeout":30000}
//
// A text frame that does not decode as one of those shapes is written to
// the shell verbatim. Binary frames are always verbatim input.
//
// # Close Codes
//
//	1000  shell exited
//	1011  exec stream error
//	4004  session not found or not running
//	4409  session already has a terminal attached
//	4410  session destroyed or expired
//	4429  too many concurrent connections for this client
//	4500  exec could not be started
//
// # Silent Init
//
// Silent init runs setup commands in the live shell while withholding their
// output. Each command is followed by a marker line whose exit status is
// only expanded by the shell, never present in the TTY echo, so the output
// pump can tell when each command finished and with what status.
//
// # Log Prefixes
//
// All log lines use the [terminal] prefix.
package terminal

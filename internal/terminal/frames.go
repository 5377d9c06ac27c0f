package terminal

import (
	"encoding/json"
	"unicode/utf8"

	"github.com/coder/websocket"
)

// Close codes sent to the client.
const (
	CloseShellExited     websocket.StatusCode = websocket.StatusNormalClosure
	CloseStreamError     websocket.StatusCode = websocket.StatusInternalError
	CloseNotRunning      websocket.StatusCode = 4004
	CloseAlreadyAttached websocket.StatusCode = 4409
	CloseSessionEnded    websocket.StatusCode = 4410
	CloseTooMany         websocket.StatusCode = 4429
	CloseExecFailed      websocket.StatusCode = 4500
)

// Input and terminal size bounds.
const (
	MaxInputMessageSize = 64 * 1024
	MaxTermCols         = 500
	MaxTermRows         = 200
	DefaultTermCols     = 80
	DefaultTermRows     = 24
)

// Server to client control messages.
type connectedMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
}

type outputMessage struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

type errorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type initCompleteMessage struct {
	Type    string `json:"type"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

type frameKind int

const (
	frameInput frameKind = iota
	frameResize
	frameInit
)

// clientFrame is a decoded client message.
type clientFrame struct {
	kind     frameKind
	data     []byte
	rows     int
	cols     int
	commands []string
	silent   bool
	timeout  int // milliseconds
}

type clientMessage struct {
	Type     string          `json:"type"`
	Data     *string         `json:"data"`
	Rows     *int            `json:"rows"`
	Cols     *int            `json:"cols"`
	Commands json.RawMessage `json:"commands"`
	Silent   bool            `json:"silent"`
	Timeout  int             `json:"timeout"`
}

// decodeClientFrame applies a structured decode first and falls back to
// literal input when the payload is not one of the known shapes.
func decodeClientFrame(typ websocket.MessageType, payload []byte) clientFrame {
	literal := clientFrame{kind: frameInput, data: payload}
	if typ == websocket.MessageBinary {
		return literal
	}

	var msg clientMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return literal
	}
	switch msg.Type {
	case "input":
		if msg.Data == nil {
			return literal
		}
		return clientFrame{kind: frameInput, data: []byte(*msg.Data)}
	case "resize":
		if msg.Rows == nil || msg.Cols == nil {
			return literal
		}
		return clientFrame{kind: frameResize, rows: *msg.Rows, cols: *msg.Cols}
	case "init":
		var commands []string
		if len(msg.Commands) > 0 && string(msg.Commands) != "null" {
			if err := json.Unmarshal(msg.Commands, &commands); err != nil {
				return literal
			}
		}
		return clientFrame{kind: frameInit, commands: commands, silent: msg.Silent, timeout: msg.Timeout}
	default:
		return literal
	}
}

// isCommand reports whether an input chunk submits a command line.
func isCommand(data []byte) bool {
	for _, b := range data {
		if b == '\n' || b == '\r' {
			return true
		}
	}
	return false
}

// clampSize bounds a requested terminal size. ok is false when either
// dimension is not positive.
func clampSize(rows, cols int) (r, c uint, ok bool) {
	if rows <= 0 || cols <= 0 {
		return 0, 0, false
	}
	if rows > MaxTermRows {
		rows = MaxTermRows
	}
	if cols > MaxTermCols {
		cols = MaxTermCols
	}
	return uint(rows), uint(cols), true
}

// splitUTF8 returns the longest prefix of p that does not end inside a
// multi-byte rune, and the incomplete tail.
func splitUTF8(p []byte) (complete, tail []byte) {
	for i := 1; i < utf8.UTFMax && i <= len(p); i++ {
		if !utf8.RuneStart(p[len(p)-i]) {
			continue
		}
		if !utf8.FullRune(p[len(p)-i:]) {
			return p[:len(p)-i], p[len(p)-i:]
		}
		break
	}
	return p, nil
}

package terminal

import (
	"bytes"
	"testing"

	"github.com/coder/websocket"
)

func TestDecodeClientFrame(t *testing.T) {
	tests := []struct {
		name     string
		typ      websocket.MessageType
		payload  string
		kind     frameKind
		data     string
		rows     int
		cols     int
		commands []string
		silent   bool
		timeout  int
	}{
		{name: "input", typ: websocket.MessageText, payload: `{"type":"input","data":"ls\n"}`, kind: frameInput, data: "ls\n"},
		{name: "resize", typ: websocket.MessageText, payload: `{"type":"resize","rows":40,"cols":120}`, kind: frameResize, rows: 40, cols: 120},
		{name: "init", typ: websocket.MessageText, payload: `{"type":"init","commands":["git init ."],"silent":true,"timeout":5000}`, kind: frameInit, commands: []string{"git init ."}, silent: true, timeout: 5000},
		{name: "init without commands", typ: websocket.MessageText, payload: `{"type":"init","silent":true}`, kind: frameInit, silent: true},
		{name: "plain text", typ: websocket.MessageText, payload: "echo hi\n", kind: frameInput, data: "echo hi\n"},
		{name: "unknown type", typ: websocket.MessageText, payload: `{"type":"bogus"}`, kind: frameInput, data: `{"type":"bogus"}`},
		{name: "json array", typ: websocket.MessageText, payload: `[1,2]`, kind: frameInput, data: `[1,2]`},
		{name: "input missing data", typ: websocket.MessageText, payload: `{"type":"input"}`, kind: frameInput, data: `{"type":"input"}`},
		{name: "resize missing cols", typ: websocket.MessageText, payload: `{"type":"resize","rows":40}`, kind: frameInput, data: `{"type":"resize","rows":40}`},
		{name: "init bad commands", typ: websocket.MessageText, payload: `{"type":"init","commands":"ls"}`, kind: frameInput, data: `{"type":"init","commands":"ls"}`},
		{name: "binary json stays literal", typ: websocket.MessageBinary, payload: `{"type":"resize","rows":1,"cols":1}`, kind: frameInput, data: `{"type":"resize","rows":1,"cols":1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := decodeClientFrame(tt.typ, []byte(tt.payload))
			if f.kind != tt.kind {
				t.Fatalf("kind = %d, want %d", f.kind, tt.kind)
			}
			if string(f.data) != tt.data {
				t.Errorf("data = %q, want %q", f.data, tt.data)
			}
			if f.rows != tt.rows || f.cols != tt.cols {
				t.Errorf("size = %dx%d, want %dx%d", f.rows, f.cols, tt.rows, tt.cols)
			}
			if len(f.commands) != len(tt.commands) {
				t.Fatalf("commands = %v, want %v", f.commands, tt.commands)
			}
			for i := range f.commands {
				if f.commands[i] != tt.commands[i] {
					t.Errorf("commands[%d] = %q, want %q", i, f.commands[i], tt.commands[i])
				}
			}
			if f.silent != tt.silent || f.timeout != tt.timeout {
				t.Errorf("silent/timeout = %v/%d, want %v/%d", f.silent, f.timeout, tt.silent, tt.timeout)
			}
		})
	}
}

func TestIsCommand(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"ls", false},
		{"ls\n", true},
		{"ls\r", true},
		{"\x03", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := isCommand([]byte(tt.in)); got != tt.want {
			t.Errorf("isCommand(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestClampSize(t *testing.T) {
	tests := []struct {
		rows, cols int
		wantR      uint
		wantC      uint
		ok         bool
	}{
		{40, 120, 40, 120, true},
		{1000, 1000, MaxTermRows, MaxTermCols, true},
		{0, 80, 0, 0, false},
		{24, -1, 0, 0, false},
	}
	for _, tt := range tests {
		r, c, ok := clampSize(tt.rows, tt.cols)
		if r != tt.wantR || c != tt.wantC || ok != tt.ok {
			t.Errorf("clampSize(%d, %d) = %d, %d, %v; want %d, %d, %v", tt.rows, tt.cols, r, c, ok, tt.wantR, tt.wantC, tt.ok)
		}
	}
}

func TestSplitUTF8(t *testing.T) {
	euro := []byte("€") // 3 bytes
	tests := []struct {
		name     string
		in       []byte
		complete []byte
		tail     []byte
	}{
		{"ascii", []byte("abc"), []byte("abc"), nil},
		{"full rune", append([]byte("a"), euro...), append([]byte("a"), euro...), nil},
		{"one byte of three", append([]byte("a"), euro[:1]...), []byte("a"), euro[:1]},
		{"two bytes of three", append([]byte("a"), euro[:2]...), []byte("a"), euro[:2]},
		{"invalid byte", []byte{'a', 0xff}, []byte{'a', 0xff}, nil},
		{"empty", nil, nil, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			complete, tail := splitUTF8(tt.in)
			if !bytes.Equal(complete, tt.complete) || !bytes.Equal(tail, tt.tail) {
				t.Errorf("splitUTF8(%q) = %q, %q; want %q, %q", tt.in, complete, tail, tt.complete, tt.tail)
			}
		})
	}
}

func TestInitRunScan(t *testing.T) {
	run := &initRun{nonce: "abc123", commands: []string{"false", "true"}}

	// The TTY echo of the marker command must not count.
	echo := []byte(markerCommand("abc123", 0) + "\r\n")
	if _, done := run.scan(echo); done {
		t.Fatal("echoed marker command matched")
	}

	if _, done := run.scan([]byte("__SANDBOXD_INIT_1_abc123_0__\r\n")); done {
		t.Fatal("first marker must not finish a two-command run")
	}
	if run.firstErr == nil {
		t.Fatal("expected non-zero exit to be recorded")
	}

	// A foreign nonce is ignored.
	if _, done := run.scan([]byte("__SANDBOXD_INIT_0_ffffff_1__\r\n")); done {
		t.Fatal("marker with foreign nonce matched")
	}

	// The final marker split across two reads.
	if _, done := run.scan([]byte("__SANDBOXD_INIT_0_ab")); done {
		t.Fatal("partial marker matched")
	}
	rest, done := run.scan([]byte("c123_1__\r\nsandbox$ "))
	if !done {
		t.Fatal("expected final marker to finish the run")
	}
	if string(rest) != "sandbox$ " {
		t.Errorf("rest = %q, want prompt", rest)
	}
	if got := run.firstErr.Error(); got != "command 1 (false) exited with status 1" {
		t.Errorf("firstErr = %q", got)
	}
}

func TestMarkerCommandEchoDoesNotMatch(t *testing.T) {
	cmd := markerCommand(newNonce(), 3)
	if markerPattern.MatchString(cmd) {
		t.Fatalf("marker command %q matches its own pattern", cmd)
	}
}

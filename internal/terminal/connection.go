package terminal

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log"
	"net"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/gluk-w/sandboxd/internal/database"
	"github.com/gluk-w/sandboxd/internal/orchestrator"
	"github.com/gluk-w/sandboxd/internal/sessions"
	"golang.org/x/time/rate"
)

const outputBufferSize = 32 * 1024

// Connection is one live WebSocket bound to one shell exec.
type Connection struct {
	proxy     *Proxy
	id        string
	sessionID string
	unitID    string
	clientID  string
	ws        *websocket.Conn
	exec      *orchestrator.ExecSession
	limiter   *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc

	stdinMu   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}

	// initMu guards init and serializes output forwarding with init
	// completion, so suppressed output can never overtake initComplete.
	initMu sync.Mutex
	init   *initRun
}

func newConnection(p *Proxy, id string, target *sessions.Target, clientID string, ws *websocket.Conn, exec *orchestrator.ExecSession) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	ws.SetReadLimit(MaxInputMessageSize + 1024)
	return &Connection{
		proxy:     p,
		id:        id,
		sessionID: target.SessionID,
		unitID:    target.UnitID,
		clientID:  clientID,
		ws:        ws,
		exec:      exec,
		limiter:   rate.NewLimiter(rate.Limit(p.opts.InputRate), p.opts.InputBurst),
		ctx:       ctx,
		cancel:    cancel,
		closed:    make(chan struct{}),
	}
}

// ID returns the connection ID.
func (c *Connection) ID() string { return c.id }

// SessionID returns the session the connection is attached to.
func (c *Connection) SessionID() string { return c.sessionID }

// Done is closed once the connection is closed.
func (c *Connection) Done() <-chan struct{} { return c.closed }

func (c *Connection) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// Serve sends the connected message and relays bytes in both directions
// until the connection closes. It always leaves the connection closed.
func (c *Connection) Serve(ctx context.Context) {
	c.sendJSON(connectedMessage{Type: "connected", SessionID: c.sessionID})
	go c.pumpOutput()

	stop := context.AfterFunc(ctx, func() {
		c.Close(websocket.StatusGoingAway, "server shutting down")
	})
	defer stop()

	c.readLoop()
	c.Close(websocket.StatusNormalClosure, "client disconnected")
}

// readLoop handles client frames until the socket fails.
func (c *Connection) readLoop() {
	for {
		typ, payload, err := c.ws.Read(c.ctx)
		if err != nil {
			return
		}
		if len(payload) > MaxInputMessageSize {
			log.Printf("[terminal] session %s: input message too large (%d bytes), dropped", c.sessionID, len(payload))
			continue
		}

		frame := decodeClientFrame(typ, payload)
		// Only input frames are throttled; init and resize always go through.
		if frame.kind == frameInput && !c.limiter.Allow() {
			continue
		}
		c.proxy.sessions.Touch(c.sessionID)

		switch frame.kind {
		case frameInput:
			c.handleInput(frame.data)
		case frameResize:
			if err := c.Resize(frame.rows, frame.cols); err != nil {
				log.Printf("[terminal] session %s: %v", c.sessionID, err)
			}
		case frameInit:
			opts := InitOptions{Silent: frame.silent, Timeout: time.Duration(frame.timeout) * time.Millisecond}
			go c.RunInitCommands(c.ctx, frame.commands, opts)
		}
	}
}

func (c *Connection) handleInput(data []byte) {
	if len(data) == 0 {
		return
	}
	if isCommand(data) {
		if d := c.proxy.admission.CheckAndRecordCommand(c.clientID); d != nil {
			c.sendJSON(errorMessage{Type: "error", Message: d.Error()})
			return
		}
	}
	if err := c.writeStdin(data); err != nil {
		log.Printf("[terminal] session %s: write stdin: %v", c.sessionID, err)
	}
}

func (c *Connection) writeStdin(p []byte) error {
	if c.isClosed() {
		return ErrConnectionClosed
	}
	c.stdinMu.Lock()
	defer c.stdinMu.Unlock()
	_, err := c.exec.Stdin.Write(p)
	return err
}

// Resize changes the PTY size. Non-positive dimensions are ignored and
// oversized ones clamped.
func (c *Connection) Resize(rows, cols int) error {
	r, cl, ok := clampSize(rows, cols)
	if !ok {
		return nil
	}
	ctx, cancel := context.WithTimeout(c.ctx, c.proxy.opts.WriteTimeout)
	defer cancel()
	return c.proxy.units.ResizeExec(ctx, c.exec.ID, r, cl)
}

// pumpOutput copies shell output to the client, preserving order, until the
// exec stream ends.
func (c *Connection) pumpOutput() {
	buf := make([]byte, outputBufferSize)
	var carry []byte
	for {
		n, err := c.exec.Stdout.Read(buf)
		if n > 0 {
			chunk := append(carry, buf[:n]...)
			var complete []byte
			complete, carry = splitUTF8(chunk)
			carry = bytes.Clone(carry)
			c.forwardOutput(complete)
		}
		if err != nil {
			if c.isClosed() {
				return
			}
			if errors.Is(err, io.EOF) {
				log.Printf("[terminal] session %s: shell exited", c.sessionID)
				c.Close(CloseShellExited, "shell exited")
			} else {
				log.Printf("[terminal] session %s: stream error: %v", c.sessionID, err)
				c.Close(CloseStreamError, "stream error")
			}
			return
		}
	}
}

// forwardOutput sends p to the client unless a silent init is withholding
// output, in which case p is scanned for completion markers instead.
func (c *Connection) forwardOutput(p []byte) {
	if len(p) == 0 {
		return
	}
	c.initMu.Lock()
	defer c.initMu.Unlock()
	if run := c.init; run != nil && run.silent && !run.done {
		rest, finished := run.scan(p)
		if !finished {
			return
		}
		c.completeInitLocked(run, run.firstErr)
		p = rest
		if len(p) == 0 {
			return
		}
	}
	c.sendRaw(p)
}

func (c *Connection) sendRaw(p []byte) {
	if c.isClosed() {
		return
	}
	ctx, cancel := context.WithTimeout(c.ctx, c.proxy.opts.WriteTimeout)
	defer cancel()
	if err := c.ws.Write(ctx, websocket.MessageText, bytes.ToValidUTF8(p, []byte("\uFFFD"))); err != nil {
		log.Printf("[terminal] session %s: write output: %v", c.sessionID, err)
	}
}

func (c *Connection) sendJSON(v any) {
	if c.isClosed() {
		return
	}
	ctx, cancel := context.WithTimeout(c.ctx, c.proxy.opts.WriteTimeout)
	defer cancel()
	if err := wsjson.Write(ctx, c.ws, v); err != nil {
		log.Printf("[terminal] session %s: write control message: %v", c.sessionID, err)
	}
}

// SendOutput wraps a server-side banner in an output control message.
func (c *Connection) SendOutput(data string) {
	c.sendJSON(outputMessage{Type: "output", Data: data})
}

// Close tears the connection down: the exec stream first, then the socket.
// It is safe to call any number of times from any goroutine.
func (c *Connection) Close(code websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.exec.Close()

		c.initMu.Lock()
		if run := c.init; run != nil && !run.done {
			run.done = true
			run.err = ErrConnectionClosed
			close(run.complete)
		}
		c.initMu.Unlock()

		c.proxy.forget(c.sessionID, c)
		c.proxy.admission.ReleaseConnection(c.clientID, c.id)

		if err := c.ws.Close(code, reason); err != nil && !isExpectedCloseError(err) {
			log.Printf("[terminal] session %s: close socket: %v", c.sessionID, err)
		}
		c.cancel()
		log.Printf("[terminal] session %s detached (conn=%s, code=%d, reason=%s)", c.sessionID, c.id, code, reason)
		database.RecordEvent(database.SessionEvent{
			SessionID: c.sessionID,
			ClientID:  c.clientID,
			Event:     database.EventDetached,
			UnitID:    c.unitID,
			Detail:    reason,
		})
	})
}

func isExpectedCloseError(err error) bool {
	return errors.Is(err, net.ErrClosed) || websocket.CloseStatus(err) != -1 || errors.Is(err, context.Canceled)
}

package terminal

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/gluk-w/sandboxd/internal/admission"
	"github.com/gluk-w/sandboxd/internal/database"
	"github.com/gluk-w/sandboxd/internal/logutil"
	"github.com/gluk-w/sandboxd/internal/orchestrator"
	"github.com/gluk-w/sandboxd/internal/sessions"
	"github.com/google/uuid"
)

var (
	ErrSessionNotRunning  = errors.New("session not found or not running")
	ErrAlreadyAttached    = errors.New("session already has a terminal attached")
	ErrExecCreateFailed   = errors.New("failed to create shell")
	ErrExecStartFailed    = errors.New("failed to start shell")
	ErrStreamAttachFailed = errors.New("failed to attach shell stream")
	ErrConnectionClosed   = errors.New("connection closed")
	ErrInitInProgress     = errors.New("init already in progress")
	ErrInitTimeout        = errors.New("init timed out")
)

// Defaults used when an Options field is zero.
const (
	DefaultInitCommandDelay = 200 * time.Millisecond
	DefaultInitTimeout      = 30 * time.Second
	DefaultInputRate        = 200
	DefaultInputBurst       = 200
	DefaultWriteTimeout     = 10 * time.Second
)

// Options tunes the proxy.
type Options struct {
	InitCommandDelay time.Duration
	InitTimeout      time.Duration
	// InputRate is the sustained input messages per second per connection;
	// input beyond the rate is dropped. Control frames are not limited.
	InputRate    float64
	InputBurst   int
	WriteTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.InitCommandDelay <= 0 {
		o.InitCommandDelay = DefaultInitCommandDelay
	}
	if o.InitTimeout <= 0 {
		o.InitTimeout = DefaultInitTimeout
	}
	if o.InputRate <= 0 {
		o.InputRate = DefaultInputRate
	}
	if o.InputBurst <= 0 {
		o.InputBurst = DefaultInputBurst
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	return o
}

// SessionSource validates attach targets and records activity.
type SessionSource interface {
	Lookup(id string) (*sessions.Target, error)
	Touch(id string)
}

// AttachRequest is the input to Attach. Rows and Cols are the initial
// terminal size; zero means the default.
type AttachRequest struct {
	SessionID string
	ClientID  string
	Conn      *websocket.Conn
	Rows      int
	Cols      int
}

// Proxy tracks the live connection of every session. At most one connection
// per session is allowed; a second attach is rejected.
type Proxy struct {
	sessions  SessionSource
	units     orchestrator.UnitManager
	admission *admission.Store
	opts      Options

	mu    sync.Mutex
	conns map[string]*Connection // session ID -> connection; nil while attaching
}

// NewProxy creates a Proxy.
func NewProxy(src SessionSource, units orchestrator.UnitManager, adm *admission.Store, opts Options) *Proxy {
	return &Proxy{
		sessions:  src,
		units:     units,
		admission: adm,
		opts:      opts.withDefaults(),
		conns:     make(map[string]*Connection),
	}
}

// Attach execs an interactive shell in the session's unit and binds it to
// req.Conn. The caller owns the socket until Attach succeeds and must close
// it with CloseCode(err) on failure.
func (p *Proxy) Attach(ctx context.Context, req AttachRequest) (*Connection, error) {
	target, err := p.sessions.Lookup(req.SessionID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSessionNotRunning, err)
	}

	p.mu.Lock()
	if _, busy := p.conns[req.SessionID]; busy {
		p.mu.Unlock()
		return nil, ErrAlreadyAttached
	}
	p.conns[req.SessionID] = nil
	p.mu.Unlock()

	connID := uuid.NewString()
	if d := p.admission.RegisterConnection(req.ClientID, connID); d != nil {
		p.forget(req.SessionID, nil)
		return nil, d
	}
	fail := func(err error) (*Connection, error) {
		p.admission.ReleaseConnection(req.ClientID, connID)
		p.forget(req.SessionID, nil)
		return nil, err
	}

	rows, cols, ok := clampSize(req.Rows, req.Cols)
	if !ok {
		rows, cols = DefaultTermRows, DefaultTermCols
	}
	env := target.Environment
	exec, err := p.units.ExecShell(ctx, target.UnitID, orchestrator.ExecParams{
		Cmd:     env.ShellCommand,
		Env:     env.Env,
		User:    env.User,
		Workdir: env.Workdir,
		Rows:    rows,
		Cols:    cols,
	})
	if err != nil {
		log.Printf("[terminal] session %s: exec shell: %v", req.SessionID, err)
		switch {
		case errors.Is(err, orchestrator.ErrUnitNotFound):
			return fail(fmt.Errorf("%w: %v", ErrSessionNotRunning, err))
		case errors.Is(err, orchestrator.ErrExecCreateFailed):
			return fail(fmt.Errorf("%w: %v", ErrExecCreateFailed, err))
		case errors.Is(err, orchestrator.ErrExecStartFailed):
			return fail(fmt.Errorf("%w: %v", ErrExecStartFailed, err))
		default:
			return fail(fmt.Errorf("%w: %v", ErrStreamAttachFailed, err))
		}
	}

	// The session may have been torn down while the exec was starting; its
	// destroy hook found no connection to close.
	if _, err := p.sessions.Lookup(req.SessionID); err != nil {
		exec.Close()
		return fail(fmt.Errorf("%w: %v", ErrSessionNotRunning, err))
	}

	c := newConnection(p, connID, target, req.ClientID, req.Conn, exec)
	p.mu.Lock()
	p.conns[req.SessionID] = c
	p.mu.Unlock()

	log.Printf("[terminal] session %s attached (conn=%s, client=%s, %dx%d)",
		req.SessionID, connID, logutil.SanitizeForLog(req.ClientID), rows, cols)
	database.RecordEvent(database.SessionEvent{
		SessionID: req.SessionID,
		ClientID:  req.ClientID,
		Event:     database.EventAttached,
		UnitID:    target.UnitID,
		Detail:    connID,
	})
	return c, nil
}

// forget removes the session's entry if it still belongs to c.
func (p *Proxy) forget(sessionID string, c *Connection) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cur, ok := p.conns[sessionID]; ok && cur == c {
		delete(p.conns, sessionID)
	}
}

// Connection returns the live connection of a session.
func (p *Proxy) Connection(sessionID string) (*Connection, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c := p.conns[sessionID]
	return c, c != nil
}

// CloseSession closes the session's connection, if any. It is registered as
// the session manager's destroy hook.
func (p *Proxy) CloseSession(sessionID string, final sessions.State) {
	c, ok := p.Connection(sessionID)
	if !ok {
		return
	}
	reason := "session destroyed"
	if final == sessions.StateExpired {
		reason = "session expired"
	}
	c.Close(CloseSessionEnded, reason)
}

// Count returns the number of live connections.
func (p *Proxy) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.conns {
		if c != nil {
			n++
		}
	}
	return n
}

// CloseCode maps an Attach error to the WebSocket close code and reason the
// client should see.
func CloseCode(err error) (websocket.StatusCode, string) {
	var denial *admission.Denial
	switch {
	case errors.As(err, &denial):
		return CloseTooMany, denial.Error()
	case errors.Is(err, ErrSessionNotRunning):
		return CloseNotRunning, "session not found or not running"
	case errors.Is(err, ErrAlreadyAttached):
		return CloseAlreadyAttached, "session already attached"
	default:
		return CloseExecFailed, "failed to start shell"
	}
}

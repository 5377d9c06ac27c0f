package orchestrator

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"
)

// Errors returned by UnitManager implementations. Engine errors are always
// translated into one of these before they leave the package.
var (
	ErrImageNotFound     = errors.New("unit image not found")
	ErrResourceExhausted = errors.New("unit resources exhausted")
	ErrEngineUnavailable = errors.New("container engine unavailable")
	ErrUnitNotFound      = errors.New("unit not found")
	ErrExecCreateFailed  = errors.New("exec create failed")
	ErrExecStartFailed   = errors.New("exec start failed")
	ErrResizeFailed      = errors.New("exec resize failed")
)

// UnitManager allocates and reclaims isolated compute units.
type UnitManager interface {
	Ping(ctx context.Context) error

	// Lifecycle
	CreateUnit(ctx context.Context, spec UnitSpec) (*UnitInfo, error)
	DestroyUnit(ctx context.Context, unitID string) error
	GetUnit(ctx context.Context, unitID string) (*UnitInfo, error)
	ListUnits(ctx context.Context) ([]UnitInfo, error)

	// Interactive exec
	ExecShell(ctx context.Context, unitID string, params ExecParams) (*ExecSession, error)
	ResizeExec(ctx context.Context, execID string, rows, cols uint) error
}

// UnitSpec describes the unit to create. The security profile is not set
// here; the manager applies its own to every unit.
type UnitSpec struct {
	Name      string
	SessionID string
	Image     string
	Env       []string
	User      string
	Workdir   string
	Labels    map[string]string
}

// UnitInfo is the monitoring view of a unit.
type UnitInfo struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Image       string            `json:"image"`
	State       string            `json:"state"`
	Running     bool              `json:"running"`
	SessionID   string            `json:"session_id,omitempty"`
	Environment string            `json:"environment,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	Labels      map[string]string `json:"-"`
}

// ExecParams configures an interactive shell exec.
type ExecParams struct {
	Cmd     []string
	Env     []string
	User    string
	Workdir string
	Rows    uint
	Cols    uint
}

// ExecSession is a live PTY-backed process inside a unit. Stdout carries the
// raw TTY stream; there is no stdout/stderr multiplexing with a TTY.
type ExecSession struct {
	ID     string
	Stdin  io.Writer
	Stdout io.Reader

	closeOnce sync.Once
	closeFn   func() error
	closeErr  error
}

// NewExecSession wraps the given streams. closeFn runs at most once.
func NewExecSession(id string, stdin io.Writer, stdout io.Reader, closeFn func() error) *ExecSession {
	return &ExecSession{ID: id, Stdin: stdin, Stdout: stdout, closeFn: closeFn}
}

// Close tears down the exec stream. Safe to call more than once.
func (e *ExecSession) Close() error {
	e.closeOnce.Do(func() {
		if e.closeFn != nil {
			e.closeErr = e.closeFn()
		}
	})
	return e.closeErr
}

// Label keys stamped on every unit.
const (
	LabelManagedBy   = "managed-by"
	LabelSession     = "sandboxd.session"
	LabelEnvironment = "sandboxd.environment"

	managedByValue = "sandboxd"
)

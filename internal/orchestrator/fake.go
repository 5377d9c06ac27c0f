package orchestrator

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"
)

// FakeUnitManager is an in-memory UnitManager for tests. Units are plain
// records and every exec runs a FakeShell.
type FakeUnitManager struct {
	// CreateErr, when set, is returned by CreateUnit.
	CreateErr error
	// CreateDelay blocks CreateUnit until it elapses or ctx is done.
	CreateDelay time.Duration
	// ExecErr, when set, is returned by ExecShell.
	ExecErr error
	// PingErr, when set, is returned by Ping.
	PingErr error

	mu           sync.Mutex
	seq          int
	units        map[string]*UnitInfo
	createCalls  int
	destroyCalls map[string]int
	shells       map[string]*FakeShell
	unitShells   map[string][]*FakeShell
}

// NewFakeUnitManager returns an empty fake.
func NewFakeUnitManager() *FakeUnitManager {
	return &FakeUnitManager{
		units:        make(map[string]*UnitInfo),
		destroyCalls: make(map[string]int),
		shells:       make(map[string]*FakeShell),
		unitShells:   make(map[string][]*FakeShell),
	}
}

func (f *FakeUnitManager) Ping(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.PingErr
}

func (f *FakeUnitManager) CreateUnit(ctx context.Context, spec UnitSpec) (*UnitInfo, error) {
	f.mu.Lock()
	f.createCalls++
	createErr, delay := f.CreateErr, f.CreateDelay
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, fmt.Errorf("create unit: %w: %w", ErrEngineUnavailable, ctx.Err())
		}
	}
	if createErr != nil {
		return nil, createErr
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	id := fmt.Sprintf("unit-%04d", f.seq)
	info := &UnitInfo{
		ID:          id,
		Name:        spec.Name,
		Image:       spec.Image,
		State:       "running",
		Running:     true,
		SessionID:   spec.SessionID,
		Environment: spec.Labels[LabelEnvironment],
		CreatedAt:   time.Now(),
	}
	f.units[id] = info
	cp := *info
	return &cp, nil
}

// AddUnit registers a unit that was not created through CreateUnit, such as
// an orphan from an earlier process.
func (f *FakeUnitManager) AddUnit(info UnitInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.units[info.ID] = &info
}

func (f *FakeUnitManager) DestroyUnit(_ context.Context, unitID string) error {
	f.mu.Lock()
	f.destroyCalls[unitID]++
	delete(f.units, unitID)
	shells := f.unitShells[unitID]
	delete(f.unitShells, unitID)
	f.mu.Unlock()

	for _, s := range shells {
		s.terminate()
	}
	return nil
}

func (f *FakeUnitManager) GetUnit(_ context.Context, unitID string) (*UnitInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.units[unitID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnitNotFound, unitID)
	}
	cp := *info
	return &cp, nil
}

func (f *FakeUnitManager) ListUnits(_ context.Context) ([]UnitInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]UnitInfo, 0, len(f.units))
	for _, u := range f.units {
		out = append(out, *u)
	}
	return out, nil
}

func (f *FakeUnitManager) ExecShell(_ context.Context, unitID string, params ExecParams) (*ExecSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ExecErr != nil {
		return nil, f.ExecErr
	}
	if _, ok := f.units[unitID]; !ok {
		return nil, fmt.Errorf("%w: %w: %s", ErrExecCreateFailed, ErrUnitNotFound, unitID)
	}
	f.seq++
	execID := fmt.Sprintf("exec-%04d", f.seq)
	shell := newFakeShell(params.Rows, params.Cols)
	f.shells[execID] = shell
	f.unitShells[unitID] = append(f.unitShells[unitID], shell)
	go shell.run()
	return NewExecSession(execID, shell.stdinW, shell.stdoutR, shell.closeClientSide), nil
}

func (f *FakeUnitManager) ResizeExec(_ context.Context, execID string, rows, cols uint) error {
	f.mu.Lock()
	shell, ok := f.shells[execID]
	f.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: unknown exec %s", ErrResizeFailed, execID)
	}
	shell.setSize(rows, cols)
	return nil
}

// CreateCalls returns how many times CreateUnit was invoked.
func (f *FakeUnitManager) CreateCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.createCalls
}

// DestroyCalls returns how many times DestroyUnit was invoked for unitID.
func (f *FakeUnitManager) DestroyCalls(unitID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.destroyCalls[unitID]
}

// UnitCount returns the number of live units.
func (f *FakeUnitManager) UnitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.units)
}

// Shell returns the fake shell behind an exec ID.
func (f *FakeUnitManager) Shell(execID string) *FakeShell {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.shells[execID]
}

// Shells returns every shell started in unitID.
func (f *FakeUnitManager) Shells(unitID string) []*FakeShell {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*FakeShell(nil), f.unitShells[unitID]...)
}

var _ UnitManager = (*FakeUnitManager)(nil)

// FakeShellPrompt is printed by FakeShell after every command.
const FakeShellPrompt = "sandbox:/workspace$ "

// FakeShell emulates a TTY shell: it echoes input, runs a handful of
// builtins, tracks $? and prints a prompt.
type FakeShell struct {
	stdinR  *io.PipeReader
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter

	mu       sync.Mutex
	rows     uint
	cols     uint
	lastCode int
	commands []string
}

func newFakeShell(rows, cols uint) *FakeShell {
	s := &FakeShell{rows: rows, cols: cols}
	s.stdinR, s.stdinW = io.Pipe()
	s.stdoutR, s.stdoutW = io.Pipe()
	return s
}

// Size returns the current terminal size as seen by the shell.
func (s *FakeShell) Size() (rows, cols uint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rows, s.cols
}

// Commands returns the command lines the shell has executed.
func (s *FakeShell) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

// Fail breaks the output stream with err, as a dropped engine connection
// would.
func (s *FakeShell) Fail(err error) {
	s.stdoutW.CloseWithError(err)
}

func (s *FakeShell) setSize(rows, cols uint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows, s.cols = rows, cols
}

func (s *FakeShell) closeClientSide() error {
	s.stdinW.Close()
	s.stdoutR.Close()
	return nil
}

func (s *FakeShell) terminate() {
	s.stdoutW.Close()
	s.stdinR.Close()
}

func (s *FakeShell) write(str string) bool {
	_, err := io.WriteString(s.stdoutW, str)
	return err == nil
}

func (s *FakeShell) run() {
	defer s.stdoutW.Close()
	if !s.write(FakeShellPrompt) {
		return
	}

	reader := bufio.NewReader(s.stdinR)
	var line strings.Builder
	buf := make([]byte, 4096)
	for {
		n, err := reader.Read(buf)
		for _, b := range buf[:n] {
			switch b {
			case '\r', '\n':
				if !s.write("\r\n") {
					return
				}
				out, exit := s.exec(line.String())
				line.Reset()
				if exit {
					return
				}
				if !s.write(out + FakeShellPrompt) {
					return
				}
			default:
				line.WriteByte(b)
				if !s.write(string(b)) {
					return
				}
			}
		}
		if err != nil {
			return
		}
	}
}

func (s *FakeShell) exec(line string) (output string, exit bool) {
	cmd := strings.TrimSpace(line)
	if cmd == "" {
		return "", false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.commands = append(s.commands, cmd)

	fields := strings.Fields(cmd)
	code := 0
	switch {
	case cmd == "exit":
		return "", true
	case fields[0] == "echo":
		output = s.expand(strings.TrimSpace(strings.TrimPrefix(cmd, "echo"))) + "\r\n"
	case cmd == "true":
	case cmd == "false":
		code = 1
	case cmd == "stty size":
		output = strconv.FormatUint(uint64(s.rows), 10) + " " + strconv.FormatUint(uint64(s.cols), 10) + "\r\n"
	case fields[0] == "git" && len(fields) > 1 && fields[1] == "init":
		output = "Initialized empty Git repository in /workspace/.git/\r\n"
	case cmd == "jj status":
		output = "The working copy has no changes.\r\nWorking copy  (@) : qpvuntsm 230dd059 (empty) (no description set)\r\n"
	default:
		output = "bash: " + fields[0] + ": command not found\r\n"
		code = 127
	}
	s.lastCode = code
	return output, false
}

// expand performs the little shell expansion echo needs: $? and quote
// removal.
func (s *FakeShell) expand(arg string) string {
	code := strconv.Itoa(s.lastCode)
	arg = strings.ReplaceAll(arg, "${?}", code)
	arg = strings.ReplaceAll(arg, "$?", code)
	arg = strings.ReplaceAll(arg, `"`, "")
	arg = strings.ReplaceAll(arg, `'`, "")
	return arg
}

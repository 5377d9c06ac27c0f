package terminal

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// InitOptions controls RunInitCommands. A zero Timeout uses the proxy
// default.
type InitOptions struct {
	Silent  bool
	Timeout time.Duration
}

// markerPattern matches the expanded completion marker. The TTY echo of the
// marker command carries a literal ${?} and never matches.
var markerPattern = regexp.MustCompile(`__SANDBOXD_INIT_(\d+)_([0-9a-f]+)_(\d+)__`)

// markerScanWindow is how much unmatched output is kept so a marker split
// across reads is still found.
const markerScanWindow = 256

func markerCommand(nonce string, index int) string {
	return fmt.Sprintf(`echo "__SANDBOXD_INIT_${?}_"'%s_%d__'`, nonce, index)
}

func newNonce() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// initRun is one RunInitCommands call. Fields are guarded by the
// connection's initMu.
type initRun struct {
	silent   bool
	nonce    string
	commands []string
	buf      []byte
	firstErr error
	done     bool
	err      error
	complete chan struct{}
}

// scan consumes suppressed output. When the last command's marker is seen it
// returns the output that followed it and finished=true.
func (r *initRun) scan(p []byte) (rest []byte, finished bool) {
	r.buf = append(r.buf, p...)
	for {
		loc := markerPattern.FindSubmatchIndex(r.buf)
		if loc == nil {
			break
		}
		code, _ := strconv.Atoi(string(r.buf[loc[2]:loc[3]]))
		nonce := string(r.buf[loc[4]:loc[5]])
		index, _ := strconv.Atoi(string(r.buf[loc[6]:loc[7]]))
		r.buf = r.buf[loc[1]:]

		if nonce != r.nonce || index >= len(r.commands) {
			continue
		}
		if code != 0 && r.firstErr == nil {
			r.firstErr = fmt.Errorf("command %d (%s) exited with status %d", index+1, r.commands[index], code)
		}
		if index == len(r.commands)-1 {
			rest = bytes.TrimPrefix(r.buf, []byte("\r\n"))
			rest = bytes.Clone(bytes.TrimPrefix(rest, []byte("\n")))
			r.buf = nil
			return rest, true
		}
	}
	if len(r.buf) > markerScanWindow {
		r.buf = bytes.Clone(r.buf[len(r.buf)-markerScanWindow:])
	}
	return nil, false
}

// RunInitCommands writes commands to the shell one at a time and emits
// exactly one initComplete message. With opts.Silent the commands' output is
// withheld from the client until they have all finished. It blocks until
// completion, timeout or connection close.
func (c *Connection) RunInitCommands(ctx context.Context, commands []string, opts InitOptions) error {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = c.proxy.opts.InitTimeout
	}

	c.initMu.Lock()
	if c.init != nil && !c.init.done {
		c.initMu.Unlock()
		c.sendJSON(initCompleteMessage{Type: "initComplete", Success: false, Error: ErrInitInProgress.Error()})
		return ErrInitInProgress
	}
	run := &initRun{
		silent:   opts.Silent,
		nonce:    newNonce(),
		commands: commands,
		complete: make(chan struct{}),
	}
	if len(commands) == 0 {
		c.completeInitLocked(run, nil)
		c.initMu.Unlock()
		return nil
	}
	c.init = run
	c.initMu.Unlock()

	log.Printf("[terminal] session %s: running %d init command(s), silent=%t", c.sessionID, len(commands), opts.Silent)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for i, cmd := range commands {
		if i > 0 {
			select {
			case <-time.After(c.proxy.opts.InitCommandDelay):
			case <-run.complete:
				return c.initResult(run)
			case <-ctx.Done():
				return c.abortInit(ctx, run, timeout)
			}
		}
		line := cmd + "\n"
		if run.silent {
			line += markerCommand(run.nonce, i) + "\n"
		}
		if err := c.writeStdin([]byte(line)); err != nil {
			return c.finishInit(run, fmt.Errorf("write command %d: %w", i+1, err))
		}
	}

	if !run.silent {
		return c.finishInit(run, nil)
	}
	select {
	case <-run.complete:
		return c.initResult(run)
	case <-ctx.Done():
		return c.abortInit(ctx, run, timeout)
	}
}

func (c *Connection) abortInit(ctx context.Context, run *initRun, timeout time.Duration) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		log.Printf("[terminal] session %s: init timed out after %s", c.sessionID, timeout)
		return c.finishInit(run, fmt.Errorf("%w after %s", ErrInitTimeout, timeout))
	}
	return c.finishInit(run, ErrConnectionClosed)
}

func (c *Connection) finishInit(run *initRun, err error) error {
	c.initMu.Lock()
	defer c.initMu.Unlock()
	c.completeInitLocked(run, err)
	return run.err
}

func (c *Connection) initResult(run *initRun) error {
	c.initMu.Lock()
	defer c.initMu.Unlock()
	return run.err
}

// completeInitLocked emits initComplete once per run and lifts output
// suppression. The caller holds initMu.
func (c *Connection) completeInitLocked(run *initRun, err error) {
	if run.done {
		return
	}
	run.done = true
	run.err = err
	if c.init == run {
		c.init = nil
	}
	msg := initCompleteMessage{Type: "initComplete", Success: err == nil}
	if err != nil {
		msg.Error = err.Error()
	}
	c.sendJSON(msg)
	close(run.complete)
}

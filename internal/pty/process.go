package pty

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/creack/pty"
	"github.com/rs/zerolog/log"
)

// UserSwitchPolicy controls what happens when a target user is requested but
// the platform cannot switch principals.
type UserSwitchPolicy string

const (
	// UserSwitchFail rejects the spawn.
	UserSwitchFail UserSwitchPolicy = "fail"
	// UserSwitchFallback runs the shell as the service principal and logs a warning.
	UserSwitchFallback UserSwitchPolicy = "fallback"
)

// ErrUserSwitchUnsupported is returned when a user switch was requested but
// no switch facility is available.
var ErrUserSwitchUnsupported = errors.New("user switch not supported on this platform")

const (
	defaultRows = 24
	defaultCols = 200
	defaultTerm = "dumb"
)

// Options describes how a shell is launched.
type Options struct {
	Shell      string
	Args       []string
	Env        []string // extra KEY=VALUE pairs, applied after the defaults
	Term       string
	Rows       uint16
	Cols       uint16
	User       string
	UserSwitch UserSwitchPolicy
}

// Process is a shell attached to the follower end of a PTY. The parent only
// holds the controller end.
type Process struct {
	cmd  *exec.Cmd
	ptmx *os.File

	mu     sync.Mutex
	closed bool
}

// Spawn allocates a PTY pair and starts the configured shell on it.
func Spawn(opts Options) (*Process, error) {
	if opts.Shell == "" {
		opts.Shell = DefaultShell()
	}
	if opts.Term == "" {
		opts.Term = defaultTerm
	}
	if opts.Rows == 0 {
		opts.Rows = defaultRows
	}
	if opts.Cols == 0 {
		opts.Cols = defaultCols
	}

	name, args := opts.Shell, opts.Args
	if opts.User != "" {
		wrapped, wrappedArgs, err := wrapUserSwitch(opts.User, opts.Shell, opts.Args)
		switch {
		case err == nil:
			name, args = wrapped, wrappedArgs
		case opts.UserSwitch == UserSwitchFallback:
			log.Warn().Err(err).Str("user", opts.User).Msg("pty: user switch unavailable, running as service user")
		default:
			return nil, err
		}
	}

	cmd := exec.Command(name, args...)
	cmd.Env = append(os.Environ(), shellEnv(opts.Term)...)
	cmd.Env = append(cmd.Env, opts.Env...)

	// pty.StartWithSize makes the child a session leader with the follower as
	// its controlling terminal, and closes the follower in this process.
	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: opts.Rows, Cols: opts.Cols})
	if err != nil {
		return nil, fmt.Errorf("start pty: %w", err)
	}
	if err := makePollable(ptmx); err != nil {
		_ = killGroup(cmd.Process, ptmx)
		_ = cmd.Wait()
		ptmx.Close()
		return nil, fmt.Errorf("set pty non-blocking: %w", err)
	}

	return &Process{cmd: cmd, ptmx: ptmx}, nil
}

// shellEnv keeps the child quiet: a dumb terminal and no prompts, so captured
// output carries as few escape sequences as possible.
func shellEnv(term string) []string {
	return []string{
		"TERM=" + term,
		"PS1=",
		"PS2=",
		"PROMPT_COMMAND=",
	}
}

// Read reads from the PTY controller.
func (p *Process) Read(buf []byte) (int, error) {
	return p.ptmx.Read(buf)
}

// Write writes to the PTY controller.
func (p *Process) Write(data []byte) (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, os.ErrClosed
	}
	p.mu.Unlock()
	return p.ptmx.Write(data)
}

// SetReadDeadline bounds the next Read. It fails with os.ErrNoDeadline when
// the controller is not pollable.
func (p *Process) SetReadDeadline(t time.Time) error {
	return p.ptmx.SetReadDeadline(t)
}

// Kill terminates the shell and everything in its process group.
func (p *Process) Kill() error {
	if p.cmd.Process == nil {
		return os.ErrProcessDone
	}
	return killGroup(p.cmd.Process, p.ptmx)
}

// Wait reaps the shell.
func (p *Process) Wait() error {
	return p.cmd.Wait()
}

// Close releases the PTY controller.
func (p *Process) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.ptmx.Close()
}

// Pid returns the shell's process id.
func (p *Process) Pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

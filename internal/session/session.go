// Package session owns live shell sessions: the PTY reader loop that pumps
// output into a per-session buffer, the registry of sessions, and the
// output capture used to run one command and collect what it printed.
package session

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionExists   = errors.New("session already exists")
)

const (
	readChunkSize = 1024

	// defaultReadPoll bounds how long a PTY read may block before the loop
	// re-checks cancellation. Kept equal to the capture poll interval.
	defaultReadPoll = 50 * time.Millisecond

	// maxBuffered caps output held between drains; the oldest bytes go first.
	maxBuffered = 4 * 1024 * 1024
)

// Session is one shell process plus its PTY bridge.
type Session struct {
	ID        string
	User      string
	CreatedAt time.Time

	term     Terminal
	log      zerolog.Logger
	timing   Timing
	readPoll time.Duration

	// Input and output are locked independently and only for a single
	// write or drain, never across a wait.
	inMu sync.Mutex

	outMu sync.Mutex
	out   bytes.Buffer

	cancelOnce sync.Once
	cancel     chan struct{}
	killOnce   sync.Once

	exited  chan struct{} // closed once the process has been reaped
	waitErr error
	done    chan struct{} // closed when the reader loop has finished
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the session's logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Session) { s.log = l }
}

// WithTiming overrides the capture timing constants.
func WithTiming(t Timing) Option {
	return func(s *Session) { s.timing = t }
}

// WithReadPoll overrides the reader loop's read deadline.
func WithReadPoll(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.readPoll = d
		}
	}
}

// New wraps a spawned terminal and starts its reader loop and process monitor.
func New(id, user string, term Terminal, opts ...Option) *Session {
	s := &Session{
		ID:        id,
		User:      user,
		CreatedAt: time.Now(),
		term:      term,
		log:       zerolog.Nop(),
		timing:    DefaultTiming,
		readPoll:  defaultReadPoll,
		cancel:    make(chan struct{}),
		exited:    make(chan struct{}),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With().Str("session_id", id).Logger()

	go s.monitor()
	go s.readLoop()
	return s
}

func (s *Session) monitor() {
	s.waitErr = s.term.Wait()
	close(s.exited)
	s.log.Debug().AnErr("wait", s.waitErr).Msg("shell exited")
}

// readLoop pumps PTY output into the buffer until the session is cancelled,
// the process exits, or the PTY closes.
func (s *Session) readLoop() {
	defer close(s.done)

	// A read that ignores its deadline is still ended by the kill, which
	// hangs up the PTY.
	go s.killOnCancel()

	pollable := true
	buf := make([]byte, readChunkSize)
	for !s.stopRequested() {
		if pollable && s.term.SetReadDeadline(time.Now().Add(s.readPoll)) != nil {
			pollable = false
		}

		n, err := s.term.Read(buf)
		if n > 0 {
			s.appendOutput(buf[:n])
		}
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			s.log.Debug().Err(err).Msg("pty closed")
			break
		}
		if n == 0 {
			s.log.Debug().Msg("pty closed")
			break
		}
	}

	s.reap()
	if err := s.term.Close(); err != nil {
		s.log.Debug().Err(err).Msg("close pty")
	}
	s.log.Debug().Msg("reader loop finished")
}

// stopRequested reports whether the loop should end, killing the process
// first when the cancel signal has fired.
func (s *Session) stopRequested() bool {
	select {
	case <-s.cancel:
		s.kill()
		return true
	default:
	}
	select {
	case <-s.exited:
		return true
	default:
		return false
	}
}

// reap waits for the process to be collected. A cancel that arrives while
// waiting still forces termination.
func (s *Session) reap() {
	select {
	case <-s.exited:
	case <-s.cancel:
		s.kill()
		<-s.exited
	}
}

func (s *Session) killOnCancel() {
	select {
	case <-s.cancel:
		s.kill()
	case <-s.done:
	}
}

func (s *Session) kill() {
	s.killOnce.Do(func() {
		if err := s.term.Kill(); err != nil {
			s.log.Debug().Err(err).Msg("kill shell")
			return
		}
		s.log.Debug().Msg("shell killed")
	})
}

func (s *Session) appendOutput(data []byte) {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	s.out.Write(data)
	if over := s.out.Len() - maxBuffered; over > 0 {
		s.out.Next(over)
	}
}

// Drain returns and clears everything buffered so far.
func (s *Session) Drain() []byte {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	if s.out.Len() == 0 {
		return nil
	}
	data := bytes.Clone(s.out.Bytes())
	s.out.Reset()
	return data
}

// WriteInput sends data to the shell.
func (s *Session) WriteInput(data []byte) error {
	s.inMu.Lock()
	defer s.inMu.Unlock()
	for len(data) > 0 {
		n, err := s.term.Write(data)
		if err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}

// Cancel fires the session's cancel signal. Only the first call has an effect;
// the reader loop observes it and force-terminates the process.
func (s *Session) Cancel() {
	s.cancelOnce.Do(func() {
		close(s.cancel)
	})
}

// Done is closed once the reader loop has exited and the process is reaped.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Alive reports whether the shell process is still running.
func (s *Session) Alive() bool {
	select {
	case <-s.exited:
		return false
	default:
		return true
	}
}

// ExitErr returns the shell's wait error once it has exited.
func (s *Session) ExitErr() error {
	select {
	case <-s.exited:
		return s.waitErr
	default:
		return nil
	}
}

// Pid returns the shell's process id, or 0 when unknown.
func (s *Session) Pid() int {
	if p, ok := s.term.(pidder); ok {
		return p.Pid()
	}
	return 0
}

// Info is a read-only snapshot of a session.
type Info struct {
	ID        string    `json:"id"`
	User      string    `json:"user,omitempty"`
	PID       int       `json:"pid"`
	CreatedAt time.Time `json:"created_at"`
	Alive     bool      `json:"alive"`
}

// Info returns a snapshot of the session.
func (s *Session) Info() Info {
	return Info{
		ID:        s.ID,
		User:      s.User,
		PID:       s.Pid(),
		CreatedAt: s.CreatedAt,
		Alive:     s.Alive(),
	}
}

func (s *Session) String() string {
	return fmt.Sprintf("session %s (pid %d)", s.ID, s.Pid())
}

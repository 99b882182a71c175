// Package sessiontest provides a scripted terminal for exercising sessions
// without spawning a shell.
package sessiontest

import (
	"bytes"
	"io"
	"os"
	"sync"
	"time"
)

// Terminal is a scripted session.Terminal. Output is injected with Emit;
// writes are recorded and may trigger Respond.
type Terminal struct {
	mu       sync.Mutex
	out      bytes.Buffer
	written  bytes.Buffer
	deadline time.Time
	hungUp   bool
	closed   bool
	kills    int

	// NoDeadline makes SetReadDeadline fail, so reads block until output
	// arrives or the terminal hangs up.
	NoDeadline bool
	// IgnoreDeadline makes SetReadDeadline succeed without bounding reads,
	// like a controller fd left in blocking mode.
	IgnoreDeadline bool
	// Respond, when set, is called with every write.
	Respond func(t *Terminal, input string)
	// WriteErr, when set, is returned by every write.
	WriteErr error

	notify   chan struct{}
	exit     chan struct{}
	exitOnce sync.Once
}

func NewTerminal() *Terminal {
	return &Terminal{
		notify: make(chan struct{}, 1),
		exit:   make(chan struct{}),
	}
}

// Echoing returns a terminal that echoes every input line the way a PTY in
// cooked mode does, then calls reply with the line.
func Echoing(reply func(t *Terminal, line string)) *Terminal {
	t := NewTerminal()
	t.Respond = func(t *Terminal, input string) {
		t.Emit(bytes.ReplaceAll([]byte(input), []byte("\n"), []byte("\r\n")))
		if reply != nil {
			reply(t, input)
		}
	}
	return t
}

// Emit makes data readable.
func (t *Terminal) Emit(data []byte) {
	t.mu.Lock()
	t.out.Write(data)
	t.mu.Unlock()
	t.wake()
}

func (t *Terminal) wake() {
	select {
	case t.notify <- struct{}{}:
	default:
	}
}

// Exit simulates the shell exiting on its own.
func (t *Terminal) Exit() {
	t.exitOnce.Do(func() {
		close(t.exit)
		t.mu.Lock()
		t.hungUp = true
		t.mu.Unlock()
		t.wake()
	})
}

func (t *Terminal) Read(p []byte) (int, error) {
	for {
		t.mu.Lock()
		if t.out.Len() > 0 {
			n, _ := t.out.Read(p)
			t.mu.Unlock()
			return n, nil
		}
		if t.hungUp || t.closed {
			t.mu.Unlock()
			return 0, io.EOF
		}
		deadline := t.deadline
		t.mu.Unlock()

		if deadline.IsZero() {
			<-t.notify
			continue
		}
		wait := time.Until(deadline)
		if wait <= 0 {
			return 0, os.ErrDeadlineExceeded
		}
		timer := time.NewTimer(wait)
		select {
		case <-t.notify:
			timer.Stop()
		case <-timer.C:
			return 0, os.ErrDeadlineExceeded
		}
	}
}

func (t *Terminal) Write(p []byte) (int, error) {
	t.mu.Lock()
	if t.WriteErr != nil {
		err := t.WriteErr
		t.mu.Unlock()
		return 0, err
	}
	if t.closed || t.hungUp {
		t.mu.Unlock()
		return 0, os.ErrClosed
	}
	t.written.Write(p)
	respond := t.Respond
	t.mu.Unlock()

	if respond != nil {
		respond(t, string(p))
	}
	return len(p), nil
}

func (t *Terminal) SetReadDeadline(d time.Time) error {
	if t.NoDeadline {
		return os.ErrNoDeadline
	}
	if t.IgnoreDeadline {
		return nil
	}
	t.mu.Lock()
	t.deadline = d
	t.mu.Unlock()
	return nil
}

// Kill counts the call and makes the shell exit.
func (t *Terminal) Kill() error {
	t.mu.Lock()
	t.kills++
	t.mu.Unlock()
	t.Exit()
	return nil
}

func (t *Terminal) Wait() error {
	<-t.exit
	return nil
}

func (t *Terminal) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	t.wake()
	return nil
}

// Kills returns how many times Kill was called.
func (t *Terminal) Kills() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.kills
}

// Closed reports whether Close was called.
func (t *Terminal) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Input returns everything written so far.
func (t *Terminal) Input() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.written.String()
}

package session

import (
	"io"
	"time"
)

// Terminal is the controller side of a PTY together with the process
// attached to its follower side.
type Terminal interface {
	io.ReadWriter

	// SetReadDeadline bounds the next Read. Implementations that cannot
	// interrupt a read return an error (typically os.ErrNoDeadline).
	SetReadDeadline(t time.Time) error

	// Kill forcibly terminates the process.
	Kill() error

	// Wait blocks until the process has exited and been reaped.
	Wait() error

	// Close releases the controller end.
	Close() error
}

// pidder is implemented by terminals backed by a real OS process.
type pidder interface {
	Pid() int
}

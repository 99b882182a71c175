//go:build !windows

package pty

import (
	"os"

	"golang.org/x/sys/unix"
)

// makePollable puts the controller back into non-blocking mode. Fd() inside
// pty.StartWithSize switched it to blocking, which leaves SetReadDeadline
// succeeding while reads ignore the deadline.
func makePollable(ptmx *os.File) error {
	return unix.SetNonblock(int(ptmx.Fd()), true)
}

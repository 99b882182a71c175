//go:build !windows

package pty

import (
	"os"

	"golang.org/x/sys/unix"
)

// killGroup sends SIGKILL to the shell's process group and to the terminal's
// current foreground job, which has its own group when job control is on.
// The shell is a session leader, so its pgid equals its pid.
func killGroup(proc *os.Process, ptmx *os.File) error {
	if rc, err := ptmx.SyscallConn(); err == nil {
		_ = rc.Control(func(fd uintptr) {
			pgrp, err := unix.IoctlGetInt(int(fd), unix.TIOCGPGRP)
			if err == nil && pgrp > 0 && pgrp != proc.Pid {
				_ = unix.Kill(-pgrp, unix.SIGKILL)
			}
		})
	}
	if err := unix.Kill(-proc.Pid, unix.SIGKILL); err != nil {
		return proc.Kill()
	}
	return nil
}

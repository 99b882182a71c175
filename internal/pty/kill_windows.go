//go:build windows

package pty

import "os"

func killGroup(proc *os.Process, _ *os.File) error {
	return proc.Kill()
}

//go:build !windows

package pty

import (
	"bytes"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}
}

func readUntil(t *testing.T, p *Process, want string) string {
	t.Helper()
	var out bytes.Buffer
	done := make(chan struct{})
	go func() {
		defer close(done)
		buf := make([]byte, 1024)
		for {
			n, err := p.Read(buf)
			out.Write(buf[:n])
			if strings.Contains(out.String(), want) || err != nil {
				return
			}
		}
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("timeout waiting for %q, got %q", want, out.String())
	}
	return out.String()
}

func TestSpawnRunsShell(t *testing.T) {
	requireShell(t)

	p, err := Spawn(Options{Shell: "/bin/sh"})
	require.NoError(t, err)
	defer p.Close()
	defer p.Kill()

	assert.Greater(t, p.Pid(), 0)

	_, err = p.Write([]byte("echo spawn_$((40+2))\n"))
	require.NoError(t, err)

	out := readUntil(t, p, "spawn_42")
	assert.Contains(t, out, "spawn_42")
}

func TestSpawnSetsDumbTerminal(t *testing.T) {
	requireShell(t)

	p, err := Spawn(Options{Shell: "/bin/sh"})
	require.NoError(t, err)
	defer p.Close()
	defer p.Kill()

	_, err = p.Write([]byte("echo term=$TERM.\n"))
	require.NoError(t, err)

	out := readUntil(t, p, "term=dumb.")
	assert.Contains(t, out, "term=dumb.")
}

func TestKillReapsProcess(t *testing.T) {
	requireShell(t)

	p, err := Spawn(Options{Shell: "/bin/sh"})
	require.NoError(t, err)
	defer p.Close()

	require.NoError(t, p.Kill())

	waited := make(chan error, 1)
	go func() { waited <- p.Wait() }()
	select {
	case err := <-waited:
		assert.Error(t, err, "killed shell should report a signal exit")
	case <-time.After(5 * time.Second):
		t.Fatal("shell was not reaped after kill")
	}
}

func TestReadDeadlineOnIdleController(t *testing.T) {
	requireShell(t)

	p, err := Spawn(Options{Shell: "/bin/sh"})
	require.NoError(t, err)
	defer p.Close()
	defer p.Kill()

	// Drain whatever the shell printed at startup.
	buf := make([]byte, 1024)
	for {
		require.NoError(t, p.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
		if _, err := p.Read(buf); err != nil {
			break
		}
	}

	require.NoError(t, p.SetReadDeadline(time.Now().Add(50*time.Millisecond)))
	result := make(chan error, 1)
	go func() {
		_, err := p.Read(buf)
		result <- err
	}()
	select {
	case err := <-result:
		assert.ErrorIs(t, err, os.ErrDeadlineExceeded)
	case <-time.After(2 * time.Second):
		p.Kill()
		t.Fatal("read on an idle controller ignored its deadline")
	}
}

func TestWriteAfterClose(t *testing.T) {
	requireShell(t)

	p, err := Spawn(Options{Shell: "/bin/sh"})
	require.NoError(t, err)
	p.Kill()
	p.Wait()
	require.NoError(t, p.Close())
	require.NoError(t, p.Close())

	_, err = p.Write([]byte("echo hi\n"))
	assert.ErrorIs(t, err, os.ErrClosed)
}

func TestWrapUserSwitch(t *testing.T) {
	if _, err := os.Stat("/bin/su"); err != nil {
		if _, err := os.Stat("/usr/bin/su"); err != nil {
			t.Skip("su not available")
		}
	}

	name, args, err := wrapUserSwitch("deploy", "/bin/bash", []string{"--norc"})
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(name, "su"))
	assert.Equal(t, []string{"deploy", "-c", "exec /bin/bash --norc"}, args)
}

func TestUserSwitchFailsWithoutSu(t *testing.T) {
	t.Setenv("PATH", t.TempDir())

	_, err := Spawn(Options{Shell: "/bin/sh", User: "nobody"})
	assert.ErrorIs(t, err, ErrUserSwitchUnsupported)
}

func TestUserSwitchFallback(t *testing.T) {
	requireShell(t)
	t.Setenv("PATH", t.TempDir())

	p, err := Spawn(Options{Shell: "/bin/sh", User: "nobody", UserSwitch: UserSwitchFallback})
	require.NoError(t, err)
	p.Kill()
	p.Wait()
	p.Close()
}

func TestShellQuote(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"", "''"},
		{"/bin/bash", "/bin/bash"},
		{"-i", "-i"},
		{"a b", "'a b'"},
		{"it's", `'it'\''s'`},
		{"$HOME", "'$HOME'"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, shellQuote(tt.in))
		})
	}
}

func TestDefaultShell(t *testing.T) {
	t.Setenv("SHELL", "/opt/custom/zsh")
	assert.Equal(t, "/opt/custom/zsh", DefaultShell())

	t.Setenv("SHELL", "")
	shell := DefaultShell()
	assert.Contains(t, []string{"/bin/bash", "/bin/sh"}, shell)
}

//go:build !windows

package pty

import (
	"fmt"
	"os/exec"
	"strings"
)

// wrapUserSwitch runs shell as user through su. The -c form works with both
// util-linux and BSD su; the environment (TERM, PS1) is preserved because no
// login shell is requested.
func wrapUserSwitch(user, shell string, args []string) (string, []string, error) {
	su, err := exec.LookPath("su")
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrUserSwitchUnsupported, err)
	}

	parts := make([]string, 0, len(args)+2)
	parts = append(parts, "exec", shellQuote(shell))
	for _, a := range args {
		parts = append(parts, shellQuote(a))
	}
	return su, []string{user, "-c", strings.Join(parts, " ")}, nil
}

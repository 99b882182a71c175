//go:build windows

package pty

func wrapUserSwitch(user, shell string, args []string) (string, []string, error) {
	return "", nil, ErrUserSwitchUnsupported
}

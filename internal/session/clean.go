package session

import (
	"strings"
	"unicode/utf8"

	"github.com/charmbracelet/x/ansi"
)

// echoWindow is how far into the cleaned output (in characters) the echoed
// command may start and still be removed.
const echoWindow = 100

// CleanOutput turns raw PTY bytes into printable text and removes the shell's
// echo of command.
func CleanOutput(raw []byte, command string) string {
	return stripEcho(StripControl(raw), command)
}

// StripControl removes terminal escape sequences and every control character
// except newline and tab. Carriage returns are dropped, so "\r\n" becomes "\n".
// Invalid UTF-8 is replaced with U+FFFD.
func StripControl(raw []byte) string {
	if len(raw) == 0 {
		return ""
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r == '\n' || r == '\t':
			return r
		case r < 0x20 || r == 0x7f:
			return -1
		}
		return r
	}, ansi.Strip(strings.ToValidUTF8(string(raw), "\uFFFD")))
}

// stripEcho drops everything up to and including the first occurrence of the
// trimmed command, plus the line terminators right after it, when that
// occurrence starts within the first echoWindow characters.
func stripEcho(text, command string) string {
	cmd := strings.TrimSpace(command)
	if cmd == "" {
		return text
	}
	idx := strings.Index(text, cmd)
	if idx < 0 || utf8.RuneCountInString(text[:idx]) >= echoWindow {
		return text
	}
	return strings.TrimLeft(text[idx+len(cmd):], "\r\n")
}

package muxsession

import "strings"

// shellSingleQuote quotes raw for safe embedding in a POSIX shell command
// line. Used for the pipe-pane target command and for injecting a tab's
// launch argv as keystrokes; no portion of the value can terminate the
// quoting or be interpreted by the shell.
func shellSingleQuote(raw string) string {
	if raw == "" {
		return "''"
	}
	return "'" + strings.ReplaceAll(raw, "'", "'\\''") + "'"
}

// shellJoin quotes each argv element and joins them into one shell command
// line suitable for literal keystroke injection.
func shellJoin(argv []string) string {
	parts := make([]string, 0, len(argv))
	for _, arg := range argv {
		parts = append(parts, shellSingleQuote(arg))
	}
	return strings.Join(parts, " ")
}

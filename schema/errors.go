package schema

import "errors"

var (
	// ErrTmuxMissing indicates the tmux binary is not installed. This is
	// fatal to the whole agent and is never retried.
	ErrTmuxMissing = errors.New("tmux binary not found")
	// ErrTabNotFound indicates a requested tab is not tracked.
	ErrTabNotFound = errors.New("tab not found")
	// ErrTabEnded indicates the tab's window has already ended.
	ErrTabEnded = errors.New("tab has ended")
	// ErrNotConnected indicates the hub channel is not established.
	ErrNotConnected = errors.New("not connected to hub")
	// ErrReconnectExhausted indicates the configured reconnect attempt
	// ceiling was exceeded and reconnection stopped permanently.
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
	// ErrInvalidRequest indicates a malformed request payload.
	ErrInvalidRequest = errors.New("invalid request")
)

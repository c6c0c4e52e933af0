// Package muxsession owns the agent's tmux session. It is the only
// component permitted to issue mutating commands against the multiplexer;
// every tmux invocation goes through Server as an argv array, never through
// a shell string.
package muxsession

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Server represents the tmux server the agent talks to. An optional
// dedicated socket path isolates the agent's session from any personal
// tmux server; when empty the default server is used.
type Server struct {
	socketPath string
}

// NewServer returns a Server. socketPath may be empty.
func NewServer(socketPath string) *Server {
	return &Server{socketPath: socketPath}
}

// LookPath reports whether the tmux binary is installed.
func (s *Server) LookPath() error {
	_, err := exec.LookPath("tmux")
	return err
}

// Run executes a tmux subcommand and returns its combined output. The -S
// flag is prepended automatically when a dedicated socket is configured.
func (s *Server) Run(ctx context.Context, args ...string) (string, error) {
	full := s.args(args...)
	cmd := exec.CommandContext(ctx, "tmux", full...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("tmux %s: %w (%s)",
			strings.Join(args, " "), err, strings.TrimSpace(string(output)))
	}
	return string(output), nil
}

// HasSession reports whether the named session exists. Returns false when
// the server is not running.
func (s *Server) HasSession(ctx context.Context, name string) bool {
	cmd := exec.CommandContext(ctx, "tmux", s.args("has-session", "-t", name)...)
	return cmd.Run() == nil
}

// NewSession creates a detached session with the given name.
func (s *Server) NewSession(ctx context.Context, name string) error {
	_, err := s.Run(ctx, "new-session", "-d", "-s", name)
	return err
}

// KillSession terminates the named session. A session that is already gone
// or a server that is not running are normal cleanup conditions, not errors.
func (s *Server) KillSession(ctx context.Context, name string) error {
	cmd := exec.CommandContext(ctx, "tmux", s.args("kill-session", "-t", name)...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		text := strings.TrimSpace(string(output))
		if strings.Contains(text, "can't find session") ||
			strings.Contains(text, "no server running") {
			return nil
		}
		return fmt.Errorf("tmux kill-session %q: %w (%s)", name, err, text)
	}
	return nil
}

func (s *Server) args(args ...string) []string {
	if s.socketPath == "" {
		return args
	}
	return append([]string{"-S", s.socketPath}, args...)
}

package schema

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// AgentConfig defines defaults and limits for the agent.
type AgentConfig struct {
	AgentID  AgentID
	Token    string
	HubURL   string
	StateDir string
	// WorkspaceDir is the directory git status and disk stats report on.
	WorkspaceDir string
	// UploadDir stages files delivered over the hub channel.
	UploadDir string

	SessionName  string
	TmuxSocket   string
	WindowPrefix string

	BufferMaxLines    int
	HeartbeatInterval time.Duration
	BackoffBase       time.Duration
	BackoffMax        time.Duration
	// MaxReconnectAttempts of 0 means retry forever.
	MaxReconnectAttempts int
}

// DefaultBufferMaxLines is the default per-tab ring capacity.
const DefaultBufferMaxLines = 1000

// DefaultSessionName is the well-known tmux session owned by the agent.
const DefaultSessionName = "deckhand"

// DefaultWindowPrefix names tab windows so a restarted agent can recover
// them by convention.
const DefaultWindowPrefix = "tab_"

// NormalizeAgentConfig applies defaults and validates the config.
func NormalizeAgentConfig(cfg AgentConfig) (AgentConfig, error) {
	if strings.TrimSpace(string(cfg.AgentID)) == "" {
		return AgentConfig{}, errors.New("agent id is required")
	}
	if strings.TrimSpace(cfg.HubURL) == "" {
		return AgentConfig{}, errors.New("hub url is required")
	}
	if cfg.StateDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return AgentConfig{}, err
		}
		cfg.StateDir = filepath.Join(home, ".deckhand", "state")
	}
	if cfg.WorkspaceDir == "" {
		cfg.WorkspaceDir = "/workspace"
	}
	if cfg.UploadDir == "" {
		cfg.UploadDir = filepath.Join(cfg.StateDir, "uploads")
	}
	if cfg.SessionName == "" {
		cfg.SessionName = DefaultSessionName
	}
	if cfg.WindowPrefix == "" {
		cfg.WindowPrefix = DefaultWindowPrefix
	}
	if cfg.BufferMaxLines <= 0 {
		cfg.BufferMaxLines = DefaultBufferMaxLines
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 20 * time.Second
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 30 * time.Second
	}
	if cfg.BackoffMax < cfg.BackoffBase {
		return AgentConfig{}, errors.New("backoff max must not be below backoff base")
	}
	if cfg.MaxReconnectAttempts < 0 {
		cfg.MaxReconnectAttempts = 0
	}
	return cfg, nil
}

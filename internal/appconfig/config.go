// Package appconfig loads the agent's YAML configuration. Credentials never
// live in the file itself; the file names the environment variable they
// arrive in.
package appconfig

import (
	"os"
	"path/filepath"
	"time"

	"github.com/hullworks/deckhand/schema"
)

// Config is the top-level application configuration.
type Config struct {
	ConfigVersion int            `mapstructure:"config_version" yaml:"config_version"`
	StateDir      string         `mapstructure:"state_dir" yaml:"state_dir"`
	WorkspaceDir  string         `mapstructure:"workspace_dir" yaml:"workspace_dir"`
	Agent         AgentSection   `mapstructure:"agent" yaml:"agent"`
	Hub           HubSection     `mapstructure:"hub" yaml:"hub"`
	Session       SessionSection `mapstructure:"session" yaml:"session"`
	Buffers       BuffersSection `mapstructure:"buffers" yaml:"buffers"`
	Uploads       UploadsSection `mapstructure:"uploads" yaml:"uploads"`
}

// CurrentConfigVersion marks the supported config version.
const CurrentConfigVersion = 1

// AgentSection identifies this agent to the hub.
type AgentSection struct {
	ID string `mapstructure:"id" yaml:"id"`
	// TokenEnv names the environment variable carrying the shared token.
	TokenEnv string `mapstructure:"token_env" yaml:"token_env"`
}

// HubSection configures the hub channel.
type HubSection struct {
	URL                      string `mapstructure:"url" yaml:"url"`
	HeartbeatIntervalSeconds int    `mapstructure:"heartbeat_interval_seconds" yaml:"heartbeat_interval_seconds"`
	BackoffBaseMilliseconds  int    `mapstructure:"backoff_base_milliseconds" yaml:"backoff_base_milliseconds"`
	BackoffMaxMilliseconds   int    `mapstructure:"backoff_max_milliseconds" yaml:"backoff_max_milliseconds"`
	MaxReconnectAttempts     int    `mapstructure:"max_reconnect_attempts" yaml:"max_reconnect_attempts"`
}

// SessionSection configures the tmux session.
type SessionSection struct {
	Name         string `mapstructure:"name" yaml:"name"`
	SocketPath   string `mapstructure:"socket_path" yaml:"socket_path"`
	WindowPrefix string `mapstructure:"window_prefix" yaml:"window_prefix"`
}

// BuffersSection configures per-tab output buffering.
type BuffersSection struct {
	MaxLines int `mapstructure:"max_lines" yaml:"max_lines"`
}

// UploadsSection configures upload staging.
type UploadsSection struct {
	Dir string `mapstructure:"dir" yaml:"dir"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() (Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return Config{}, err
	}
	return Config{
		ConfigVersion: CurrentConfigVersion,
		StateDir:      filepath.Join(home, ".deckhand", "state"),
		WorkspaceDir:  "/workspace",
		Agent: AgentSection{
			ID:       "",
			TokenEnv: "DECKHAND_TOKEN",
		},
		Hub: HubSection{
			URL:                      "",
			HeartbeatIntervalSeconds: 20,
			BackoffBaseMilliseconds:  1000,
			BackoffMaxMilliseconds:   30000,
			MaxReconnectAttempts:     0,
		},
		Session: SessionSection{
			Name:         schema.DefaultSessionName,
			SocketPath:   "",
			WindowPrefix: schema.DefaultWindowPrefix,
		},
		Buffers: BuffersSection{
			MaxLines: schema.DefaultBufferMaxLines,
		},
		Uploads: UploadsSection{
			Dir: "",
		},
	}, nil
}

// DefaultConfigPath returns the standard config path.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".deckhand", "config.yaml"), nil
}

// AgentConfig converts the file representation into the normalized runtime
// config, resolving the token from the configured environment variable.
func (c Config) AgentConfig() (schema.AgentConfig, error) {
	token := ""
	if c.Agent.TokenEnv != "" {
		token = os.Getenv(c.Agent.TokenEnv)
	}
	return schema.NormalizeAgentConfig(schema.AgentConfig{
		AgentID:              schema.AgentID(c.Agent.ID),
		Token:                token,
		HubURL:               c.Hub.URL,
		StateDir:             c.StateDir,
		WorkspaceDir:         c.WorkspaceDir,
		UploadDir:            c.Uploads.Dir,
		SessionName:          c.Session.Name,
		TmuxSocket:           c.Session.SocketPath,
		WindowPrefix:         c.Session.WindowPrefix,
		BufferMaxLines:       c.Buffers.MaxLines,
		HeartbeatInterval:    time.Duration(c.Hub.HeartbeatIntervalSeconds) * time.Second,
		BackoffBase:          time.Duration(c.Hub.BackoffBaseMilliseconds) * time.Millisecond,
		BackoffMax:           time.Duration(c.Hub.BackoffMaxMilliseconds) * time.Millisecond,
		MaxReconnectAttempts: c.Hub.MaxReconnectAttempts,
	})
}

package appconfig

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Load reads configuration from the provided path. If path is empty, uses DefaultConfigPath.
func Load(path string) (Config, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return Config{}, err
		}
		path = defaultPath
	}

	cfg, err := DefaultConfig()
	if err != nil {
		return Config{}, err
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetDefault("config_version", cfg.ConfigVersion)
	v.SetDefault("state_dir", cfg.StateDir)
	v.SetDefault("workspace_dir", cfg.WorkspaceDir)
	v.SetDefault("agent.id", cfg.Agent.ID)
	v.SetDefault("agent.token_env", cfg.Agent.TokenEnv)
	v.SetDefault("hub.url", cfg.Hub.URL)
	v.SetDefault("hub.heartbeat_interval_seconds", cfg.Hub.HeartbeatIntervalSeconds)
	v.SetDefault("hub.backoff_base_milliseconds", cfg.Hub.BackoffBaseMilliseconds)
	v.SetDefault("hub.backoff_max_milliseconds", cfg.Hub.BackoffMaxMilliseconds)
	v.SetDefault("hub.max_reconnect_attempts", cfg.Hub.MaxReconnectAttempts)
	v.SetDefault("session.name", cfg.Session.Name)
	v.SetDefault("session.socket_path", cfg.Session.SocketPath)
	v.SetDefault("session.window_prefix", cfg.Session.WindowPrefix)
	v.SetDefault("buffers.max_lines", cfg.Buffers.MaxLines)
	v.SetDefault("uploads.dir", cfg.Uploads.Dir)

	configLoaded := false
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return Config{}, err
		}
	} else {
		configLoaded = true
	}

	if configLoaded {
		if !v.IsSet("config_version") {
			return Config{}, fmt.Errorf("config_version is required; expected %d", CurrentConfigVersion)
		}
		if v.GetInt("config_version") != CurrentConfigVersion {
			return Config{}, fmt.Errorf("unsupported config_version %d; expected %d", v.GetInt("config_version"), CurrentConfigVersion)
		}
		if v.IsSet("agent.token") {
			return Config{}, fmt.Errorf("agent.token must not be stored in the config file; set agent.token_env instead")
		}
		if !v.IsSet("agent.id") {
			return Config{}, fmt.Errorf("agent.id is required for config_version %d", CurrentConfigVersion)
		}
		if !v.IsSet("hub.url") {
			return Config{}, fmt.Errorf("hub.url is required for config_version %d", CurrentConfigVersion)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	expandConfigEnv(&cfg)
	if err := validateHubURL(cfg.Hub.URL, configLoaded); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func validateHubURL(raw string, required bool) error {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		if required {
			return fmt.Errorf("hub.url must not be empty")
		}
		return nil
	}
	parsed, err := url.Parse(trimmed)
	if err != nil || parsed.Host == "" {
		return fmt.Errorf("hub.url must include scheme and host (e.g. wss://hub.example.com/agent)")
	}
	switch parsed.Scheme {
	case "ws", "wss":
		return nil
	default:
		return fmt.Errorf("hub.url scheme must be ws or wss, got %q", parsed.Scheme)
	}
}

func expandConfigEnv(cfg *Config) {
	if cfg == nil {
		return
	}
	cfg.StateDir = expandEnv(cfg.StateDir)
	cfg.WorkspaceDir = expandEnv(cfg.WorkspaceDir)
	cfg.Agent.ID = expandEnv(cfg.Agent.ID)
	cfg.Hub.URL = expandEnv(cfg.Hub.URL)
	cfg.Session.SocketPath = expandEnv(cfg.Session.SocketPath)
	cfg.Uploads.Dir = expandEnv(cfg.Uploads.Dir)
}

func expandEnv(value string) string {
	if value == "" {
		return value
	}
	return os.Expand(value, func(key string) string {
		if key == "" {
			return ""
		}
		if val, ok := lookupEnv(key); ok {
			return val
		}
		return "$" + key
	})
}

func lookupEnv(key string) (string, bool) {
	if val, ok := os.LookupEnv(key); ok {
		return val, true
	}
	switch key {
	case "UID":
		return fmt.Sprintf("%d", os.Getuid()), true
	case "GID":
		return fmt.Sprintf("%d", os.Getgid()), true
	}
	return "", false
}

// WriteDefault writes the default config to the target path.
func WriteDefault(path string, overwrite bool) (string, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return "", err
		}
		path = defaultPath
	}

	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return "", fmt.Errorf("config already exists at %s", path)
		}
	}

	cfg, err := DefaultConfig()
	if err != nil {
		return "", err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return "", err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", err
	}
	return path, nil
}

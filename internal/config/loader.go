package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// searchPaths returns the ordered list of config file locations to try.
func searchPaths() []string {
	paths := []string{
		"/etc/dispatchboard/dispatchboard.yaml",
	}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "dispatchboard", "dispatchboard.yaml"))
	}

	paths = append(paths, "dispatchboard.yaml")

	if envPath := os.Getenv("DISPATCHBOARD_CONFIG"); envPath != "" {
		paths = append(paths, envPath)
	}

	return paths
}

// Load reads configuration from YAML files and environment variables.
// Files are loaded in order (each overrides the previous):
// /etc/dispatchboard/dispatchboard.yaml < ~/.config/dispatchboard/dispatchboard.yaml
// < ./dispatchboard.yaml < $DISPATCHBOARD_CONFIG
func Load() (*Config, error) {
	cfg := Defaults()

	for _, path := range searchPaths() {
		if err := loadFile(cfg, path); err != nil {
			return nil, fmt.Errorf("loading config %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// LoadFromFile reads configuration from a specific file path.
func LoadFromFile(path string) (*Config, error) {
	cfg := Defaults()

	if err := loadFile(cfg, path); err != nil {
		return nil, fmt.Errorf("loading config %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables have higher priority than YAML config values.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DISPATCHBOARD_SECRET"); v != "" {
		cfg.Auth.Secret = v
	}
	if v := os.Getenv("DISPATCHBOARD_SMTP_PASSWORD"); v != "" {
		cfg.Notifications.Mail.Password = v
	}
	if v := os.Getenv("DISPATCHBOARD_NGROK_AUTHTOKEN"); v != "" {
		cfg.Tunnel.AuthToken = v
	}
	if v := os.Getenv("DISPATCHBOARD_REDIS_URL"); v != "" {
		cfg.Relay.URL = v
	}
}

func loadFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from trusted config search paths
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading file: %w", err)
	}

	slog.Debug("loading config file", "path", path)

	expanded := os.ExpandEnv(string(data))

	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return fmt.Errorf("parsing YAML: %w", err)
	}

	return nil
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}

func validate(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", cfg.Server.Port)
	}

	switch cfg.Server.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("server.log_level must be one of debug, info, warn, error, got %q", cfg.Server.LogLevel)
	}

	if cfg.Server.PublicURL != "" {
		if _, err := url.ParseRequestURI(cfg.Server.PublicURL); err != nil {
			return fmt.Errorf("server.public_url is not a valid URL: %w", err)
		}
		cfg.Server.PublicURL = strings.TrimRight(cfg.Server.PublicURL, "/")
	}

	if cfg.Auth.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl must be positive")
	}

	if cfg.Engine.WriteTimeout <= 0 {
		return fmt.Errorf("engine.write_timeout must be positive")
	}

	if cfg.Stream.OutboxSize < 1 {
		return fmt.Errorf("stream.outbox_size must be at least 1")
	}
	if cfg.Stream.PingInterval <= 0 || cfg.Stream.WriteTimeout <= 0 {
		return fmt.Errorf("stream.ping_interval and stream.write_timeout must be positive")
	}

	if cfg.Notifications.Workers < 1 {
		return fmt.Errorf("notifications.workers must be at least 1")
	}
	if cfg.Notifications.QueueSize < 1 {
		return fmt.Errorf("notifications.queue_size must be at least 1")
	}

	if m := cfg.Notifications.Mail; m.Enabled {
		if m.Host == "" || m.From == "" {
			return fmt.Errorf("notifications.mail.host and notifications.mail.from are required when mail is enabled")
		}
		switch m.TLS {
		case "starttls", "tls", "none":
		default:
			return fmt.Errorf("notifications.mail.tls must be one of starttls, tls, none, got %q", m.TLS)
		}
	}

	if cfg.Relay.Enabled && cfg.Relay.URL == "" {
		return fmt.Errorf("relay.url is required when relay is enabled")
	}

	if cfg.Tunnel.Enabled && cfg.Tunnel.AuthToken == "" {
		return fmt.Errorf("tunnel.authtoken is required when tunnel is enabled (or set DISPATCHBOARD_NGROK_AUTHTOKEN)")
	}

	if cfg.RateLimit.RequestsPerMinute < 0 || cfg.RateLimit.Burst < 0 {
		return fmt.Errorf("rate_limit values must not be negative")
	}

	cfg.Database.Path = ExpandHome(cfg.Database.Path)
	cfg.Auth.SecretDir = ExpandHome(cfg.Auth.SecretDir)

	return nil
}

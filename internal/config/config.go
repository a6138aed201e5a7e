package config

import "time"

// Config is the root configuration for the dispatch board.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Auth          AuthConfig          `yaml:"auth"`
	Database      DatabaseConfig      `yaml:"database"`
	Engine        EngineConfig        `yaml:"engine"`
	Stream        StreamConfig        `yaml:"stream"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Relay         RelayConfig         `yaml:"relay"`
	Tunnel        TunnelConfig        `yaml:"tunnel"`
	RateLimit     RateLimitConfig     `yaml:"rate_limit"`
}

type ServerConfig struct {
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	PublicURL string `yaml:"public_url"`
	LogLevel  string `yaml:"log_level"`
	LogFile   string `yaml:"log_file"`
}

type AuthConfig struct {
	// Secret signs actor tokens. When empty, a secret is generated and
	// persisted under SecretDir.
	Secret    string        `yaml:"secret"`
	SecretDir string        `yaml:"secret_dir"`
	TokenTTL  time.Duration `yaml:"token_ttl"`
	Issuer    string        `yaml:"issuer"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type EngineConfig struct {
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

type StreamConfig struct {
	OutboxSize      int           `yaml:"outbox_size"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	PingInterval    time.Duration `yaml:"ping_interval"`
	MaxMessageBytes int64         `yaml:"max_message_bytes"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
}

type NotificationsConfig struct {
	Workers        int           `yaml:"workers"`
	QueueSize      int           `yaml:"queue_size"`
	SendTimeout    time.Duration `yaml:"send_timeout"`
	HandoffTimeout time.Duration `yaml:"handoff_timeout"`
	Mail           MailConfig    `yaml:"mail"`
}

type MailConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
	// TLS is one of "starttls" (default), "tls" or "none".
	TLS string `yaml:"tls"`
}

type RelayConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Channel string `yaml:"channel"`
}

type TunnelConfig struct {
	Enabled   bool   `yaml:"enabled"`
	AuthToken string `yaml:"authtoken"`
	Domain    string `yaml:"domain"`
}

type RateLimitConfig struct {
	RequestsPerMinute int `yaml:"requests_per_minute"`
	Burst             int `yaml:"burst"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host:      "127.0.0.1",
			Port:      8430,
			PublicURL: "http://127.0.0.1:8430",
			LogLevel:  "info",
		},
		Auth: AuthConfig{
			SecretDir: "~/.config/dispatchboard",
			TokenTTL:  30 * 24 * time.Hour,
			Issuer:    "dispatchboard",
		},
		Database: DatabaseConfig{
			Path: "~/.config/dispatchboard/dispatchboard.db",
		},
		Engine: EngineConfig{
			WriteTimeout: 5 * time.Second,
		},
		Stream: StreamConfig{
			OutboxSize:      256,
			WriteTimeout:    10 * time.Second,
			PingInterval:    30 * time.Second,
			MaxMessageBytes: 4096,
		},
		Notifications: NotificationsConfig{
			Workers:        4,
			QueueSize:      256,
			SendTimeout:    30 * time.Second,
			HandoffTimeout: 15 * time.Millisecond,
			Mail: MailConfig{
				Port: 587,
				TLS:  "starttls",
			},
		},
		Relay: RelayConfig{
			URL:     "redis://127.0.0.1:6379/0",
			Channel: "dispatchboard:events",
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: 600,
			Burst:             100,
		},
	}
}

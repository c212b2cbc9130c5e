package config

import "time"

// ClientConfig is the root configuration for a chatwire client instance.
type ClientConfig struct {
	Instance InstanceConfig `yaml:"instance"`
	API      APIConfig      `yaml:"api"`
	Channel  ChannelConfig  `yaml:"channel"`
	Sync     SyncConfig     `yaml:"sync"`
	Store    StoreConfig    `yaml:"store"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// InstanceConfig identifies this client instance.
type InstanceConfig struct {
	ID string `yaml:"id"`
}

// APIConfig holds marketplace API settings.
type APIConfig struct {
	RestURL    string        `yaml:"rest_url"`
	WSURL      string        `yaml:"ws_url"`
	Token      string        `yaml:"token"` // JWT access token
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`
}

// ChannelConfig holds duplex channel settings.
type ChannelConfig struct {
	// RetrySchedule is the ordered backoff between reconnect attempts.
	// Exhausting it puts the channel in the failed state.
	RetrySchedule     []time.Duration `yaml:"retry_schedule"`
	HeartbeatInterval time.Duration   `yaml:"heartbeat_interval"`
	WriteTimeout      time.Duration   `yaml:"write_timeout"`
	PingTimeout       time.Duration   `yaml:"ping_timeout"`
	BufferSize        int             `yaml:"buffer_size"`
}

// SyncConfig holds synchronizer settings.
type SyncConfig struct {
	PollInterval    time.Duration `yaml:"poll_interval"`
	TypingPerMinute int           `yaml:"typing_per_minute"`
	TypingBurst     int           `yaml:"typing_burst"`
}

// StoreConfig holds the offline cache settings.
type StoreConfig struct {
	Path     string `yaml:"path"`
	Disabled bool   `yaml:"disabled"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

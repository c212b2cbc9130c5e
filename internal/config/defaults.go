package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultWriteTimeout      = 5 * time.Second
	DefaultPingTimeout       = 60 * time.Second
	DefaultBufferSize        = 1000
	DefaultAPITimeout        = 30 * time.Second
	DefaultMaxRetries        = 3
	DefaultPollInterval      = 3 * time.Second
	DefaultTypingPerMinute   = 20
	DefaultTypingBurst       = 3
	DefaultStorePath         = "chatwire-cache"
	DefaultMetricsPort       = 9090
	DefaultMetricsPath       = "/metrics"
)

// DefaultRetrySchedule returns the standard backoff schedule.
func DefaultRetrySchedule() []time.Duration {
	return []time.Duration{
		1 * time.Second,
		2 * time.Second,
		5 * time.Second,
		10 * time.Second,
		30 * time.Second,
	}
}

func (c *ClientConfig) applyDefaults() {
	// API defaults
	if c.API.Timeout == 0 {
		c.API.Timeout = DefaultAPITimeout
	}
	if c.API.MaxRetries == 0 {
		c.API.MaxRetries = DefaultMaxRetries
	}

	// Channel defaults
	if len(c.Channel.RetrySchedule) == 0 {
		c.Channel.RetrySchedule = DefaultRetrySchedule()
	}
	if c.Channel.HeartbeatInterval == 0 {
		c.Channel.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.Channel.WriteTimeout == 0 {
		c.Channel.WriteTimeout = DefaultWriteTimeout
	}
	if c.Channel.PingTimeout == 0 {
		c.Channel.PingTimeout = DefaultPingTimeout
	}
	if c.Channel.BufferSize == 0 {
		c.Channel.BufferSize = DefaultBufferSize
	}

	// Sync defaults
	if c.Sync.PollInterval == 0 {
		c.Sync.PollInterval = DefaultPollInterval
	}
	if c.Sync.TypingPerMinute == 0 {
		c.Sync.TypingPerMinute = DefaultTypingPerMinute
	}
	if c.Sync.TypingBurst == 0 {
		c.Sync.TypingBurst = DefaultTypingBurst
	}

	// Store defaults
	if c.Store.Path == "" {
		c.Store.Path = DefaultStorePath
	}

	// Metrics defaults
	if c.Metrics.Port == 0 {
		c.Metrics.Port = DefaultMetricsPort
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
}

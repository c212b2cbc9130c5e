package config

import (
	"errors"
	"fmt"
)

// Validate checks that all required fields are set and values are valid.
func (c *ClientConfig) Validate() error {
	if c.API.RestURL == "" {
		return errors.New("api.rest_url is required")
	}
	if c.API.WSURL == "" {
		return errors.New("api.ws_url is required")
	}
	if c.API.Token == "" {
		return errors.New("api.token is required")
	}

	for i, d := range c.Channel.RetrySchedule {
		if d <= 0 {
			return fmt.Errorf("channel.retry_schedule[%d] must be positive, got %s", i, d)
		}
		if i > 0 && d < c.Channel.RetrySchedule[i-1] {
			return fmt.Errorf("channel.retry_schedule must be non-decreasing, got %s after %s",
				d, c.Channel.RetrySchedule[i-1])
		}
	}
	if c.Channel.BufferSize < 1 {
		return errors.New("channel.buffer_size must be >= 1")
	}

	if c.Sync.PollInterval <= 0 {
		return errors.New("sync.poll_interval must be positive")
	}
	if c.Sync.TypingPerMinute < 1 {
		return errors.New("sync.typing_per_minute must be >= 1")
	}

	if c.Metrics.Enabled {
		if c.Metrics.Port < 1 || c.Metrics.Port > 65535 {
			return fmt.Errorf("metrics.port must be between 1 and 65535, got %d", c.Metrics.Port)
		}
	}

	return nil
}

package session

import "time"

// BackoffConfig defines retry backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// Config defines long-link transport defaults.
type Config struct {
	// ConnectTimeout bounds the socket dial. Zero means no bound.
	ConnectTimeout    time.Duration
	WriteTimeout      time.Duration
	ReadBufferSize    int
	RequestQueueSize  int
	ResponseQueueSize int
	Backoff           BackoffConfig
}

func DefaultConfig() Config {
	return Config{
		ConnectTimeout:    0,
		WriteTimeout:      15 * time.Second,
		ReadBufferSize:    64 * 1024,
		RequestQueueSize:  100,
		ResponseQueueSize: 100,
		Backoff: BackoffConfig{
			InitialDelay: 250 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     5 * time.Second,
			Jitter:       true,
		},
	}
}

// WithDefaults fills unset sizes and delays from DefaultConfig.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.ConnectTimeout < 0 {
		c.ConnectTimeout = 0
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = d.ReadBufferSize
	}
	if c.RequestQueueSize <= 0 {
		c.RequestQueueSize = d.RequestQueueSize
	}
	if c.ResponseQueueSize <= 0 {
		c.ResponseQueueSize = d.ResponseQueueSize
	}
	if c.Backoff.InitialDelay <= 0 {
		c.Backoff = d.Backoff
	}
	return c
}

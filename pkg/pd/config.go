package pd

import (
	"fmt"
	"math"
	"math/rand"
	"time"
)

// BackoffConfig controls how long a failed PD waits before it is retried
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// Config holds session timing and retry limits
type Config struct {
	ReplyTimeout         time.Duration
	HandshakeTimeout     time.Duration
	// MaxRetries counts re-sends after the first transmission
	MaxRetries           int
	MaxHandshakeAttempts int
	QueueLimit           int
	UseCRC               bool
	Backoff              BackoffConfig
}

// DefaultConfig returns the default session configuration
func DefaultConfig() Config {
	return Config{
		ReplyTimeout:         200 * time.Millisecond,
		HandshakeTimeout:     400 * time.Millisecond,
		MaxRetries:           3,
		MaxHandshakeAttempts: 3,
		QueueLimit:           32,
		UseCRC:               true,
		Backoff: BackoffConfig{
			InitialDelay: time.Second,
			Multiplier:   2.0,
			MaxDelay:     30 * time.Second,
		},
	}
}

// Validate checks the configuration for unusable values
func (c Config) Validate() error {
	if c.ReplyTimeout <= 0 {
		return fmt.Errorf("reply timeout must be positive")
	}
	if c.HandshakeTimeout <= 0 {
		return fmt.Errorf("handshake timeout must be positive")
	}
	if c.MaxRetries < 1 {
		return fmt.Errorf("max retries must be at least 1")
	}
	if c.MaxHandshakeAttempts < 1 {
		return fmt.Errorf("max handshake attempts must be at least 1")
	}
	if c.QueueLimit < 1 {
		return fmt.Errorf("queue limit must be at least 1")
	}
	return nil
}

// NextBackoffDelay returns the retry delay for failure N (1-based)
func NextBackoffDelay(cfg BackoffConfig, attempt int, rng *rand.Rand) time.Duration {
	if attempt <= 1 {
		return cfg.InitialDelay
	}
	if cfg.InitialDelay <= 0 {
		return 0
	}
	if cfg.Multiplier < 1.0 {
		cfg.Multiplier = 1.0
	}
	delay := float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, float64(attempt-1))
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	if cfg.Jitter {
		f := 0.5
		if rng != nil {
			f = 0.5 + rng.Float64()
		}
		delay = delay * f
	}
	return time.Duration(delay)
}

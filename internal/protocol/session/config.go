package session

import (
	"errors"
	"fmt"
	"time"
)

const DefaultBufferLimit = 8192

var ErrInvalidConfig = errors.New("session: invalid config")

// BackoffConfig defines reconnect backoff behavior for device clients.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// Config defines per-connection timing and resource limits.
type Config struct {
	// ReadTimeout closes a connection that stays silent at the socket level.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// HeartbeatInterval is the check period; a session idle for more than
	// twice this value is closed.
	HeartbeatInterval time.Duration
	KeepAlive         time.Duration
	// BufferLimit caps the reassembly buffer. A buffer above the cap is
	// dropped wholesale.
	BufferLimit         int
	CollaboratorTimeout time.Duration
	Backoff             BackoffConfig
}

// DefaultConfig mirrors the firmware's expected server behavior.
func DefaultConfig() Config {
	return Config{
		ReadTimeout:         30 * time.Second,
		WriteTimeout:        5 * time.Second,
		HeartbeatInterval:   60 * time.Second,
		KeepAlive:           60 * time.Second,
		BufferLimit:         DefaultBufferLimit,
		CollaboratorTimeout: 5 * time.Second,
		Backoff: BackoffConfig{
			InitialDelay: 500 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     30 * time.Second,
			Jitter:       true,
		},
	}
}

// WithDefaults fills zero fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = d.ReadTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.KeepAlive == 0 {
		c.KeepAlive = d.KeepAlive
	}
	if c.BufferLimit <= 0 {
		c.BufferLimit = d.BufferLimit
	}
	if c.CollaboratorTimeout <= 0 {
		c.CollaboratorTimeout = d.CollaboratorTimeout
	}
	if c.Backoff.InitialDelay <= 0 {
		c.Backoff = d.Backoff
	}
	return c
}

// HeartbeatDeadAfter is the idle span that expires a session.
func (c Config) HeartbeatDeadAfter() time.Duration {
	return 2 * c.HeartbeatInterval
}

func (c Config) Validate() error {
	if c.BufferLimit < 64 {
		return fmt.Errorf("%w: buffer limit %d below 64 bytes", ErrInvalidConfig, c.BufferLimit)
	}
	if c.HeartbeatInterval < time.Millisecond {
		return fmt.Errorf("%w: heartbeat interval %s", ErrInvalidConfig, c.HeartbeatInterval)
	}
	if c.ReadTimeout < time.Millisecond {
		return fmt.Errorf("%w: read timeout %s", ErrInvalidConfig, c.ReadTimeout)
	}
	return nil
}

package session

import (
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/danmuck/obdgate/internal/testutil/testlog"
)

func TestNextBackoffDelayDeterministicNoJitter(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{
		InitialDelay: 250 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
		Jitter:       false,
	}
	if got := NextBackoffDelay(cfg, 1, nil); got != 250*time.Millisecond {
		t.Fatalf("attempt1 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 2, nil); got != 500*time.Millisecond {
		t.Fatalf("attempt2 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 3, nil); got != time.Second {
		t.Fatalf("attempt3 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 6, nil); got != 5*time.Second {
		t.Fatalf("attempt6 got=%v", got)
	}
}

func TestNextBackoffDelayJitterBounds(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig().Backoff
	rng := rand.New(rand.NewSource(7))
	for attempt := 1; attempt < 10; attempt++ {
		got := NextBackoffDelay(cfg, attempt, rng)
		if got <= 0 || got > time.Duration(1.5*float64(cfg.MaxDelay)) {
			t.Fatalf("attempt=%d delay out of bounds: %v", attempt, got)
		}
	}
}

func TestConfigWithDefaults(t *testing.T) {
	testlog.Start(t)
	cfg := Config{HeartbeatInterval: 2 * time.Second}.WithDefaults()
	if cfg.HeartbeatInterval != 2*time.Second {
		t.Fatalf("explicit heartbeat overwritten: %v", cfg.HeartbeatInterval)
	}
	if cfg.BufferLimit != DefaultBufferLimit || cfg.ReadTimeout != 30*time.Second {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	if cfg.HeartbeatDeadAfter() != 4*time.Second {
		t.Fatalf("dead after got=%v", cfg.HeartbeatDeadAfter())
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestConfigValidateRejectsTinyBuffer(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	cfg.BufferLimit = 10
	if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

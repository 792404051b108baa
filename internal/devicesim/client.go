package devicesim

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"time"

	"github.com/danmuck/obdgate/internal/protocol/command"
	"github.com/danmuck/obdgate/internal/protocol/frame"
	"github.com/danmuck/obdgate/internal/protocol/session"
	"github.com/rs/zerolog/log"
)

var ErrBadAck = errors.New("devicesim: unexpected acknowledgment")

// ClientConfig drives one simulated device.
type ClientConfig struct {
	Addr        string
	DeviceID    string
	TripID      uint16
	Reports     int
	Interval    time.Duration
	AckTimeout  time.Duration
	DialTimeout time.Duration
	MaxAttempts int
	Backoff     session.BackoffConfig
	// Start is the first sample's position; each report drifts it.
	Start   Position
	Engine  EngineSample
	Seed    int64
	NoAcks  bool
	Sleeper func(ctx context.Context, d time.Duration) error
}

func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Addr:        "127.0.0.1:6909",
		DeviceID:    "000000000001",
		TripID:      1,
		Reports:     5,
		Interval:    time.Second,
		AckTimeout:  5 * time.Second,
		DialTimeout: 5 * time.Second,
		MaxAttempts: 5,
		Backoff:     session.DefaultConfig().Backoff,
		Start: Position{
			LatDeg:     22,
			LatMinutes: 50000,
			LonDeg:     113,
			LonMinutes: 30000,
			Flags:      FlagPositioned | FlagNorth | FlagEast,
		},
		Engine: EngineSample{
			Load:    90,
			Coolant: 130,
			RPMRaw:  8000,
			Speed:   60,
			Voltage: 138,
			Intake:  65,
		},
	}
}

// RunStats summarizes one Run.
type RunStats struct {
	Attempts   int
	FramesSent int
	AcksSeen   int
}

// Client replays an ignition, a series of GPS+engine reports and a
// flameout over one connection, reconnecting with backoff when the dial
// fails.
type Client struct {
	cfg ClientConfig
	rng *rand.Rand
}

func NewClient(cfg ClientConfig) (*Client, error) {
	def := DefaultClientConfig()
	if _, err := frame.ParseDeviceID(cfg.DeviceID); err != nil {
		return nil, err
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = def.AckTimeout
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = def.DialTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.Backoff.InitialDelay <= 0 {
		cfg.Backoff = def.Backoff
	}
	if cfg.Sleeper == nil {
		cfg.Sleeper = sleepCtx
	}
	return &Client{cfg: cfg, rng: rand.New(rand.NewSource(cfg.Seed))}, nil
}

func (c *Client) Run(ctx context.Context) (RunStats, error) {
	var st RunStats
	conn, err := c.dial(ctx, &st)
	if err != nil {
		return st, err
	}
	defer conn.Close()

	frames, err := c.Frames(time.Now())
	if err != nil {
		return st, err
	}
	for i, raw := range frames {
		if i > 0 && c.cfg.Interval > 0 {
			if err := c.cfg.Sleeper(ctx, c.cfg.Interval); err != nil {
				return st, err
			}
		}
		if _, err := conn.Write(raw); err != nil {
			return st, fmt.Errorf("devicesim: write frame %d: %w", i, err)
		}
		st.FramesSent++
		if c.cfg.NoAcks {
			continue
		}
		if err := c.readAck(conn); err != nil {
			return st, err
		}
		st.AcksSeen++
	}
	log.Info().
		Str("device", c.cfg.DeviceID).
		Int("frames", st.FramesSent).
		Int("acks", st.AcksSeen).
		Msg("devicesim.Client run complete")
	return st, nil
}

// Frames builds the full replay for one trip starting at now.
func (c *Client) Frames(now time.Time) ([][]byte, error) {
	pos := c.cfg.Start
	out := make([][]byte, 0, c.cfg.Reports+2)

	on, err := Frame(c.cfg.DeviceID, command.CodeIgnition, IgnitionPayload(true, c.cfg.TripID, now, &pos))
	if err != nil {
		return nil, err
	}
	out = append(out, on)

	for i := 0; i < c.cfg.Reports; i++ {
		pos.LatMinutes = (pos.LatMinutes + uint32(c.rng.Intn(200))) % 1000000
		pos.LonMinutes = (pos.LonMinutes + uint32(c.rng.Intn(200))) % 100000
		eng := c.cfg.Engine
		eng.Speed = byte(int(eng.Speed) + c.rng.Intn(11) - 5)
		s := GPSEngineSample{
			DataType:   0x01,
			TripID:     c.cfg.TripID,
			Time:       now.Add(time.Duration(i) * c.cfg.Interval),
			Position:   pos,
			GPSSpeed:   eng.Speed,
			HeadingRaw: byte(c.rng.Intn(180)),
			Satellites: 9,
			GSM:        24,
			Odometer:   uint32(1000 + i),
			Engine:     eng,
		}
		raw, err := Frame(c.cfg.DeviceID, command.CodeGPSEngine, GPSEnginePayload(s))
		if err != nil {
			return nil, err
		}
		out = append(out, raw)
	}

	off, err := Frame(c.cfg.DeviceID, command.CodeIgnition, IgnitionPayload(false, c.cfg.TripID, now.Add(time.Duration(c.cfg.Reports)*c.cfg.Interval), &pos))
	if err != nil {
		return nil, err
	}
	return append(out, off), nil
}

func (c *Client) dial(ctx context.Context, st *RunStats) (net.Conn, error) {
	d := net.Dialer{Timeout: c.cfg.DialTimeout}
	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		st.Attempts = attempt
		conn, err := d.DialContext(ctx, "tcp", c.cfg.Addr)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		if attempt == c.cfg.MaxAttempts {
			break
		}
		delay := session.NextBackoffDelay(c.cfg.Backoff, attempt, c.rng)
		log.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", delay).Msg("devicesim.Client dial failed")
		if err := c.cfg.Sleeper(ctx, delay); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("devicesim: dial %s after %d attempts: %w", c.cfg.Addr, c.cfg.MaxAttempts, lastErr)
}

func (c *Client) readAck(conn net.Conn) error {
	want := frame.StaticAck()
	got := make([]byte, len(want))
	_ = conn.SetReadDeadline(time.Now().Add(c.cfg.AckTimeout))
	if _, err := io.ReadFull(conn, got); err != nil {
		return fmt.Errorf("devicesim: read ack: %w", err)
	}
	if !bytes.Equal(got, want) {
		return fmt.Errorf("%w: % x", ErrBadAck, got)
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

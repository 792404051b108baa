package gateway

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/obdgate/internal/alerts"
	"github.com/danmuck/obdgate/internal/observability"
	"github.com/danmuck/obdgate/internal/protocol/command"
	"github.com/danmuck/obdgate/internal/protocol/frame"
	"github.com/danmuck/obdgate/internal/store"
	proxyproto "github.com/pires/go-proxyproto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// State is the session lifecycle position.
type State string

const (
	StateAccepted   State = "accepted"
	StateIdentified State = "identified"
	StateClosed     State = "closed"
)

// Close reasons reported to storage, logs and metrics.
const (
	ReasonPeerClosed       = "close"
	ReasonTimeout          = "timeout"
	ReasonError            = "error"
	ReasonHeartbeatTimeout = "heartbeat_timeout"
	ReasonShutdown         = "shutdown"
)

const readChunk = 4096

// deviceConn is one device session. Only the run goroutine touches buf.
type deviceConn struct {
	svc         *Service
	conn        net.Conn
	id          string
	remote      string
	connectedAt time.Time
	log         zerolog.Logger

	buf []byte

	mu       sync.Mutex
	state    State
	deviceID string
	orgID    string

	lastActivity atomic.Int64
	frames       atomic.Uint64

	closeOnce sync.Once
	closed    chan struct{}
	reason    string
}

func newDeviceConn(svc *Service, conn net.Conn) *deviceConn {
	c := &deviceConn{
		svc:         svc,
		conn:        conn,
		connectedAt: time.Now(),
		state:       StateAccepted,
		closed:      make(chan struct{}),
	}
	c.touch()
	return c
}

func (c *deviceConn) run(ctx context.Context) {
	// With PROXY support the remote address is only known once the header
	// has been read, so it is resolved here rather than in the accept loop.
	c.remote = c.conn.RemoteAddr().String()
	c.id = c.remote
	c.log = log.With().Str("conn", c.id).Logger()

	c.svc.trackConn(c)
	defer c.svc.untrackConn(c)
	if ctx.Err() != nil {
		c.close(ReasonShutdown)
	}

	c.configureSocket()
	c.log.Info().
		Int64("total_connections", c.svc.totalConns.Load()).
		Msg("gateway.session connected")

	go c.heartbeat(c.log)

	chunk := make([]byte, readChunk)
	cfg := c.svc.cfg.Session
	for {
		_ = c.conn.SetReadDeadline(time.Now().Add(cfg.ReadTimeout))
		n, err := c.conn.Read(chunk)
		if n > 0 {
			c.touch()
			c.process(ctx, chunk[:n])
		}
		if err != nil {
			c.close(readCloseReason(err))
			break
		}
	}
	c.teardown(ctx)
}

func (c *deviceConn) configureSocket() {
	raw := c.conn
	if pc, ok := raw.(*proxyproto.Conn); ok {
		raw = pc.Raw()
	}
	tc, ok := raw.(*net.TCPConn)
	if !ok || c.svc.cfg.Session.KeepAlive <= 0 {
		return
	}
	if err := tc.SetKeepAlive(true); err != nil {
		c.log.Debug().Err(err).Msg("gateway.session keepalive")
		return
	}
	_ = tc.SetKeepAlivePeriod(c.svc.cfg.Session.KeepAlive)
}

func readCloseReason(err error) string {
	var ne net.Error
	switch {
	case errors.As(err, &ne) && ne.Timeout():
		return ReasonTimeout
	case errors.Is(err, io.EOF):
		return ReasonPeerClosed
	default:
		return ReasonError
	}
}

// close is idempotent; the first reason wins. Closing the socket unblocks
// the read loop, which then tears the session down.
func (c *deviceConn) close(reason string) {
	c.closeOnce.Do(func() {
		c.reason = reason
		close(c.closed)
		_ = c.conn.Close()
	})
}

func (c *deviceConn) teardown(ctx context.Context) {
	c.buf = nil

	c.mu.Lock()
	wasIdentified := c.state == StateIdentified
	deviceID := c.deviceID
	c.state = StateClosed
	c.mu.Unlock()

	if wasIdentified && c.svc.deps.Storage != nil {
		meta := map[string]string{
			"connection_id":     c.id,
			"disconnect_reason": c.reason,
			"disconnect_time":   time.Now().UTC().Format(time.RFC3339),
		}
		cctx, cancel := c.collaboratorCtx(context.WithoutCancel(ctx))
		err := c.svc.deps.Storage.RegisterOrUpdateDeviceStatus(cctx, deviceID, store.StatusOffline, meta)
		cancel()
		if err != nil {
			observability.RecordCollaboratorError("storage", "device_offline")
			c.log.Error().Err(err).Str("device", deviceID).Msg("gateway.session offline status")
		}
	}
	observability.RecordConnectionClosed(c.reason)
	c.log.Info().
		Str("device", deviceID).
		Str("reason", c.reason).
		Uint64("frames", c.frames.Load()).
		Msg("gateway.session disconnected")
}

func (c *deviceConn) heartbeat(logger zerolog.Logger) {
	interval := c.svc.cfg.Session.HeartbeatInterval
	deadAfter := c.svc.cfg.Session.HeartbeatDeadAfter()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			idle := time.Since(time.Unix(0, c.lastActivity.Load()))
			if idle > deadAfter {
				logger.Warn().Dur("idle", idle).Msg("gateway.session heartbeat timeout")
				c.close(ReasonHeartbeatTimeout)
				return
			}
		}
	}
}

func (c *deviceConn) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// process appends one read to the buffer and drains every complete frame.
func (c *deviceConn) process(ctx context.Context, data []byte) {
	c.buf = append(c.buf, data...)
	consumed := 0
	for consumed < len(c.buf) {
		res, err := frame.Extract(c.buf[consumed:])
		if err != nil {
			if errors.Is(err, frame.ErrNeedMoreData) {
				consumed += res.Skip
			}
			break
		}
		c.handleFrame(ctx, res.Frame)
		consumed += res.Consumed
	}
	if consumed > 0 {
		n := copy(c.buf, c.buf[consumed:])
		c.buf = c.buf[:n]
	}
	if limit := c.svc.cfg.Session.BufferLimit; len(c.buf) > limit {
		c.log.Warn().Int("buffered", len(c.buf)).Int("limit", limit).Msg("gateway.session buffer reset")
		observability.RecordBufferReset()
		c.buf = c.buf[:0]
	}
}

func (c *deviceConn) handleFrame(ctx context.Context, raw []byte) {
	d, err := frame.Decode(raw)
	if err != nil {
		observability.RecordFrameError("malformed")
		c.log.Warn().Err(err).Msg("gateway.session invalid frame")
		return
	}
	c.frames.Add(1)
	observability.RecordFrame(command.KindOf(d.Code).String(), d.ChecksumValid)
	trusted := d.ChecksumValid || c.svc.cfg.TrustInvalidChecksum
	if !d.ChecksumValid {
		c.log.Warn().
			Str("device", d.DeviceID).
			Str("command", d.Command).
			Hex("raw", d.Raw).
			Msg("gateway.session checksum mismatch")
	}
	if d.Tail != frame.TailMarker {
		c.log.Debug().Str("command", d.Command).Uint8("tail", d.Tail).Msg("gateway.session unexpected tail marker")
	}
	if trusted {
		c.identify(ctx, d.DeviceID)
	}

	rec, err := command.Decode(d)
	switch {
	case errors.Is(err, command.ErrUnknownCommand):
		observability.RecordFrameError("unknown_command")
		c.log.Warn().Str("command", d.Command).Msg("gateway.session unknown command")
	case errors.Is(err, command.ErrPayloadTooShort):
		observability.RecordFrameError("payload_too_short")
		c.log.Warn().Str("command", d.Command).Int("payload", len(d.Payload)).Msg("gateway.session payload too short")
	case err != nil:
		observability.RecordFrameError("decode")
		c.log.Warn().Err(err).Str("command", d.Command).Msg("gateway.session decode failed")
	default:
		c.log.Debug().Str("device", d.DeviceID).Str("kind", rec.Kind().String()).Msg("gateway.session record")
		c.handleRecord(ctx, rec, trusted)
	}

	if command.KindOf(d.Code).RequiresAck() {
		c.ack(d.Command)
	}
}

func (c *deviceConn) identify(ctx context.Context, deviceID string) {
	c.mu.Lock()
	if c.state != StateAccepted {
		bound := c.deviceID
		c.mu.Unlock()
		if bound != deviceID {
			c.log.Warn().Str("bound", bound).Str("frame_device", deviceID).Msg("gateway.session device id changed")
		}
		return
	}
	c.state = StateIdentified
	c.deviceID = deviceID
	c.mu.Unlock()

	c.log = c.log.With().Str("device", deviceID).Logger()

	var orgID string
	if r := c.svc.deps.Organizations; r != nil {
		cctx, cancel := c.collaboratorCtx(ctx)
		org, err := r.OrganizationFor(cctx, deviceID)
		cancel()
		switch {
		case errors.Is(err, store.ErrDeviceNotFound):
			c.log.Debug().Msg("gateway.session device has no organization")
		case err != nil:
			observability.RecordCollaboratorError("organizations", "resolve")
			c.log.Warn().Err(err).Msg("gateway.session organization lookup")
		default:
			orgID = org
		}
	}
	c.mu.Lock()
	c.orgID = orgID
	c.mu.Unlock()

	if st := c.svc.deps.Storage; st != nil {
		meta := map[string]string{
			"connection_id":   c.id,
			"remote_addr":     c.remote,
			"last_connection": time.Now().UTC().Format(time.RFC3339),
		}
		cctx, cancel := c.collaboratorCtx(ctx)
		err := st.RegisterOrUpdateDeviceStatus(cctx, deviceID, store.StatusOnline, meta)
		cancel()
		if err != nil {
			observability.RecordCollaboratorError("storage", "device_online")
			c.log.Error().Err(err).Msg("gateway.session online status")
		}
	}
	c.log.Info().Str("organization", orgID).Msg("gateway.session identified")
}

// handleRecord persists every record. Untrusted records stop there.
func (c *deviceConn) handleRecord(ctx context.Context, rec command.Record, trusted bool) {
	c.mu.Lock()
	deviceID, orgID := c.deviceID, c.orgID
	c.mu.Unlock()
	if deviceID == "" {
		deviceID = rec.Meta().DeviceID
	}

	if st := c.svc.deps.Storage; st != nil {
		cctx, cancel := c.collaboratorCtx(ctx)
		err := st.AppendTelemetry(cctx, deviceID, rec)
		cancel()
		if err != nil {
			observability.RecordCollaboratorError("storage", "append_telemetry")
			c.log.Error().Err(err).Msg("gateway.session persist telemetry")
		}
	}
	if !trusted {
		return
	}

	for _, a := range alerts.Evaluate(rec, orgID, c.svc.cfg.Alerts, time.Now().UTC()) {
		observability.RecordAlert(a.Type)
		c.log.Warn().
			Str("type", a.Type).
			Str("severity", a.Severity).
			Float64("value", a.Value).
			Msg("gateway.session alert")
		if st := c.svc.deps.Storage; st != nil {
			cctx, cancel := c.collaboratorCtx(ctx)
			err := st.AppendAlert(cctx, deviceID, a)
			cancel()
			if err != nil {
				observability.RecordCollaboratorError("storage", "append_alert")
				c.log.Error().Err(err).Msg("gateway.session persist alert")
			}
		}
		if p := c.svc.deps.Publisher; p != nil {
			p.PublishAlert(a, orgID)
		}
	}
	if p := c.svc.deps.Publisher; p != nil {
		p.PublishTelemetry(deviceID, rec, orgID)
	}
}

func (c *deviceConn) ack(cmd string) {
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.svc.cfg.Session.WriteTimeout))
	if _, err := c.conn.Write(frame.StaticAck()); err != nil {
		c.log.Warn().Err(err).Str("command", cmd).Msg("gateway.session write ack")
		return
	}
	observability.RecordAck()
}

func (c *deviceConn) collaboratorCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.svc.cfg.Session.CollaboratorTimeout)
}

func (c *deviceConn) stats() ConnStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ConnStats{
		ID:            c.id,
		RemoteAddr:    c.remote,
		DeviceID:      c.deviceID,
		State:         c.state,
		ConnectedAt:   c.connectedAt,
		LastActivity:  time.Unix(0, c.lastActivity.Load()),
		FramesDecoded: c.frames.Load(),
	}
}

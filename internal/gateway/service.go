package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/obdgate/internal/alerts"
	"github.com/danmuck/obdgate/internal/observability"
	"github.com/danmuck/obdgate/internal/protocol/command"
	"github.com/danmuck/obdgate/internal/protocol/session"
	"github.com/danmuck/obdgate/internal/store"
	proxyproto "github.com/pires/go-proxyproto"
	"github.com/rs/zerolog/log"
)

var ErrAlreadyRunning = errors.New("gateway: service already running")

// Gateway listener configuration.
type ServiceConfig struct {
	ListenAddr string
	// ProxyProtocol accepts PROXY v1/v2 headers from a fronting load
	// balancer so sessions see the device's real address.
	ProxyProtocol bool
	// TrustInvalidChecksum lets frames with a bad checksum identify the
	// session, raise alerts and reach subscribers. They are persisted
	// either way.
	TrustInvalidChecksum bool
	Alerts               alerts.Thresholds
	Session              session.Config
}

// Gateway defaults matching the deployed firmware.
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		ListenAddr: ":6909",
		Alerts:     alerts.DefaultThresholds(),
		Session:    session.DefaultConfig(),
	}
}

// Publisher receives records and alerts for live subscribers.
type Publisher interface {
	PublishTelemetry(deviceID string, rec command.Record, orgID string)
	PublishAlert(alert alerts.Alert, orgID string)
}

// Deps are the collaborators a session talks to. Nil members are skipped.
type Deps struct {
	Storage       store.Storage
	Organizations store.OrganizationResolver
	Publisher     Publisher
}

// ConnStats is one row of Stats.Connections.
type ConnStats struct {
	ID            string    `json:"id"`
	RemoteAddr    string    `json:"remoteAddr"`
	DeviceID      string    `json:"deviceId,omitempty"`
	State         State     `json:"state"`
	ConnectedAt   time.Time `json:"connectedAt"`
	LastActivity  time.Time `json:"lastActivity"`
	FramesDecoded uint64    `json:"framesDecoded"`
}

type Stats struct {
	Running           bool        `json:"running"`
	ActiveConnections int         `json:"activeConnections"`
	TotalConnections  int64       `json:"totalConnections"`
	Connections       []ConnStats `json:"connections"`
}

type serveRun struct {
	ln     net.Listener
	cancel context.CancelFunc
	done   chan struct{}
}

// Gateway runtime service owning the connection registry.
type Service struct {
	cfg  ServiceConfig
	deps Deps

	mu  sync.Mutex
	run *serveRun

	connsMu sync.Mutex
	conns   map[*deviceConn]struct{}

	totalConns atomic.Int64
	sessions   sync.WaitGroup
}

func NewService(cfg ServiceConfig, deps Deps) *Service {
	if strings.TrimSpace(cfg.ListenAddr) == "" {
		cfg.ListenAddr = DefaultServiceConfig().ListenAddr
	}
	if cfg.Alerts == (alerts.Thresholds{}) {
		cfg.Alerts = alerts.DefaultThresholds()
	}
	cfg.Session = cfg.Session.WithDefaults()
	if deps.Organizations == nil {
		if r, ok := deps.Storage.(store.OrganizationResolver); ok {
			deps.Organizations = r
		}
	}
	return &Service{
		cfg:   cfg,
		deps:  deps,
		conns: make(map[*deviceConn]struct{}),
	}
}

func (s *Service) Config() ServiceConfig {
	return s.cfg
}

// Start listens on addr (ListenAddr when empty) and serves in the
// background. It returns the bound address.
func (s *Service) Start(ctx context.Context, addr string) (net.Addr, error) {
	if strings.TrimSpace(addr) == "" {
		addr = s.cfg.ListenAddr
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("gateway: listen %s: %w", addr, err)
	}
	run, runCtx, err := s.begin(ctx, ln)
	if err != nil {
		_ = ln.Close()
		return nil, err
	}
	go func() {
		if err := s.serve(runCtx, run); err != nil {
			log.Error().Err(err).Msg("gateway.Service.Start serve stopped")
		}
	}()
	return ln.Addr(), nil
}

// Serve runs the accept loop on an existing listener until ctx is done or
// Stop is called.
func (s *Service) Serve(ctx context.Context, ln net.Listener) error {
	run, runCtx, err := s.begin(ctx, ln)
	if err != nil {
		return err
	}
	return s.serve(runCtx, run)
}

// Stop closes the listener and every session, then waits for the session
// goroutines to finish teardown. Stopping an idle service is a no-op.
func (s *Service) Stop() error {
	s.mu.Lock()
	run := s.run
	s.mu.Unlock()
	if run == nil {
		return nil
	}
	run.cancel()
	<-run.done
	return nil
}

func (s *Service) Stats() Stats {
	s.mu.Lock()
	running := s.run != nil
	s.mu.Unlock()

	s.connsMu.Lock()
	rows := make([]ConnStats, 0, len(s.conns))
	for c := range s.conns {
		rows = append(rows, c.stats())
	}
	s.connsMu.Unlock()
	sort.Slice(rows, func(i, j int) bool { return rows[i].ID < rows[j].ID })

	return Stats{
		Running:           running,
		ActiveConnections: len(rows),
		TotalConnections:  s.totalConns.Load(),
		Connections:       rows,
	}
}

func (s *Service) begin(ctx context.Context, ln net.Listener) (*serveRun, context.Context, error) {
	if err := s.cfg.Session.Validate(); err != nil {
		return nil, nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.run != nil {
		return nil, nil, ErrAlreadyRunning
	}
	if s.cfg.ProxyProtocol {
		ln = &proxyproto.Listener{
			Listener:          ln,
			ReadHeaderTimeout: s.cfg.Session.ReadTimeout,
		}
	}
	runCtx, cancel := context.WithCancel(ctx)
	run := &serveRun{ln: ln, cancel: cancel, done: make(chan struct{})}
	s.run = run
	return run, runCtx, nil
}

// Gateway accept loop. Sessions are tracked for coordinated shutdown.
func (s *Service) serve(ctx context.Context, run *serveRun) error {
	defer func() {
		run.cancel()
		s.sessions.Wait()
		s.mu.Lock()
		if s.run == run {
			s.run = nil
		}
		s.mu.Unlock()
		close(run.done)
		log.Info().Msg("gateway.Service stopped")
	}()
	defer run.ln.Close()
	go func() {
		<-ctx.Done()
		_ = run.ln.Close()
		s.closeAllConns()
	}()

	log.Info().
		Str("addr", run.ln.Addr().String()).
		Bool("proxy_protocol", s.cfg.ProxyProtocol).
		Msg("gateway.Service listening")
	for {
		conn, err := run.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		s.totalConns.Add(1)
		observability.RecordConnectionOpened()
		s.sessions.Add(1)
		go func() {
			defer s.sessions.Done()
			newDeviceConn(s, conn).run(ctx)
		}()
	}
}

// Gateway connection-tracking add operation for coordinated shutdown.
func (s *Service) trackConn(c *deviceConn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	s.conns[c] = struct{}{}
}

func (s *Service) untrackConn(c *deviceConn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	delete(s.conns, c)
}

// Gateway shutdown helper; sessions tear themselves down once their read
// unblocks.
func (s *Service) closeAllConns() {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	for c := range s.conns {
		c.close(ReasonShutdown)
	}
}

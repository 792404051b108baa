package gateway

import (
	"bytes"
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/obdgate/internal/alerts"
	"github.com/danmuck/obdgate/internal/devicesim"
	"github.com/danmuck/obdgate/internal/protocol/command"
	"github.com/danmuck/obdgate/internal/store"
	"github.com/rs/zerolog"
)

const (
	deviceA = "0000000a0b0c"
	deviceB = "0000000d0e0f"
)

type statusCall struct {
	DeviceID string
	Status   store.DeviceStatus
	Meta     map[string]string
}

// recorder implements every collaborator and keeps what it was handed.
type recorder struct {
	mu              sync.Mutex
	statuses        []statusCall
	telemetry       map[string][]command.Record
	alerts          []alerts.Alert
	published       map[string][]command.Record
	publishedOrgs   []string
	publishedAlerts []alerts.Alert
	orgs            map[string]string
}

func newRecorder() *recorder {
	return &recorder{
		telemetry: make(map[string][]command.Record),
		published: make(map[string][]command.Record),
		orgs:      make(map[string]string),
	}
}

func (r *recorder) RegisterOrUpdateDeviceStatus(_ context.Context, deviceID string, status store.DeviceStatus, meta map[string]string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, statusCall{DeviceID: deviceID, Status: status, Meta: meta})
	return nil
}

func (r *recorder) AppendTelemetry(_ context.Context, deviceID string, rec command.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.telemetry[deviceID] = append(r.telemetry[deviceID], rec)
	return nil
}

func (r *recorder) AppendAlert(_ context.Context, _ string, a alerts.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
	return nil
}

func (r *recorder) OrganizationFor(_ context.Context, deviceID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	org, ok := r.orgs[deviceID]
	if !ok {
		return "", store.ErrDeviceNotFound
	}
	return org, nil
}

func (r *recorder) PublishTelemetry(deviceID string, rec command.Record, orgID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.published[deviceID] = append(r.published[deviceID], rec)
	r.publishedOrgs = append(r.publishedOrgs, orgID)
}

func (r *recorder) PublishAlert(a alerts.Alert, _ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.publishedAlerts = append(r.publishedAlerts, a)
}

func (r *recorder) records(deviceID string) []command.Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]command.Record(nil), r.telemetry[deviceID]...)
}

func (r *recorder) statusFor(deviceID string) []statusCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []statusCall
	for _, s := range r.statuses {
		if s.DeviceID == deviceID {
			out = append(out, s)
		}
	}
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func sample(trip uint16, coolantRaw byte) devicesim.GPSEngineSample {
	return devicesim.GPSEngineSample{
		DataType: 0x01,
		TripID:   trip,
		Time:     time.Date(2024, time.March, 1, 10, 0, int(trip%60), 0, time.UTC),
		Position: devicesim.Position{
			LatDeg:     22,
			LatMinutes: 50000,
			LonDeg:     113,
			LonMinutes: 30000,
			Flags:      devicesim.FlagPositioned | devicesim.FlagNorth | devicesim.FlagEast,
		},
		GPSSpeed:   40,
		Satellites: 8,
		GSM:        20,
		Engine: devicesim.EngineSample{
			Load:    128,
			Coolant: coolantRaw,
			RPMRaw:  8000,
			Speed:   60,
			Voltage: 138,
			Intake:  65,
		},
	}
}

func gpsFrame(t *testing.T, deviceID string, trip uint16, coolantRaw byte) []byte {
	t.Helper()
	raw, err := devicesim.Frame(deviceID, command.CodeGPSEngine, devicesim.GPSEnginePayload(sample(trip, coolantRaw)))
	if err != nil {
		t.Fatalf("build frame: %v", err)
	}
	return raw
}

func startService(t *testing.T, cfg ServiceConfig, deps Deps) (*Service, string) {
	t.Helper()
	svc := NewService(cfg, deps)
	addr, err := svc.Start(context.Background(), "127.0.0.1:0")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { _ = svc.Stop() })
	return svc, addr.String()
}

func dial(t *testing.T, addr string) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readAck(t *testing.T, conn net.Conn) []byte {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	buf := make([]byte, 6)
	n := 0
	for n < len(buf) {
		m, err := conn.Read(buf[n:])
		if err != nil {
			t.Fatalf("read ack: %v", err)
		}
		n += m
	}
	return buf
}

// pipeConn captures writes for sessions driven without a socket.
type pipeConn struct {
	net.Conn
	mu  sync.Mutex
	out bytes.Buffer
}

func (p *pipeConn) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.out.Write(b)
}

func (p *pipeConn) SetWriteDeadline(time.Time) error { return nil }
func (p *pipeConn) Close() error                     { return nil }

func (p *pipeConn) written() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]byte(nil), p.out.Bytes()...)
}

func offlineSession(t *testing.T, cfg ServiceConfig, deps Deps) (*deviceConn, *pipeConn) {
	t.Helper()
	pc := &pipeConn{}
	c := newDeviceConn(NewService(cfg, deps), pc)
	c.id = "pipe"
	c.log = zerolog.Nop()
	return c, pc
}

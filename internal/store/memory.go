package store

import (
	"context"
	"sync"
	"time"

	"github.com/danmuck/obdgate/internal/alerts"
	"github.com/danmuck/obdgate/internal/protocol/command"
)

// Memory is an in-process Backend. Telemetry and alerts are trimmed to the
// newest history entries per device.
type Memory struct {
	mu      sync.RWMutex
	history int
	closed  bool
	now     func() time.Time

	devices   map[string]*Device
	telemetry map[string][]command.Record
	alerts    map[string][]alerts.Alert
}

func NewMemory(history int) *Memory {
	if history <= 0 {
		history = DefaultHistory
	}
	return &Memory{
		history:   history,
		now:       time.Now,
		devices:   make(map[string]*Device),
		telemetry: make(map[string][]command.Record),
		alerts:    make(map[string][]alerts.Alert),
	}
}

func (m *Memory) RegisterDevice(_ context.Context, deviceID, organizationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	d := m.deviceLocked(deviceID)
	d.OrganizationID = organizationID
	return nil
}

func (m *Memory) RegisterOrUpdateDeviceStatus(_ context.Context, deviceID string, status DeviceStatus, meta map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	d := m.deviceLocked(deviceID)
	d.Status = status
	d.LastSeen = m.now().UTC()
	if meta != nil {
		d.Meta = cloneMeta(meta)
	}
	return nil
}

func (m *Memory) AppendTelemetry(_ context.Context, deviceID string, rec command.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.deviceLocked(deviceID).LastSeen = m.now().UTC()
	m.telemetry[deviceID] = trim(append(m.telemetry[deviceID], rec), m.history)
	return nil
}

func (m *Memory) AppendAlert(_ context.Context, deviceID string, alert alerts.Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.deviceLocked(deviceID)
	m.alerts[deviceID] = trim(append(m.alerts[deviceID], alert), m.history)
	return nil
}

func (m *Memory) OrganizationFor(_ context.Context, deviceID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.devices[deviceID]
	if !ok {
		return "", ErrDeviceNotFound
	}
	return d.OrganizationID, nil
}

func (m *Memory) Device(_ context.Context, deviceID string) (Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.devices[deviceID]
	if !ok {
		return Device{}, ErrDeviceNotFound
	}
	out := *d
	out.Meta = cloneMeta(d.Meta)
	return out, nil
}

// RecentTelemetry returns up to limit records, newest first.
func (m *Memory) RecentTelemetry(_ context.Context, deviceID string, limit int) ([]command.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return newestFirst(m.telemetry[deviceID], limit), nil
}

func (m *Memory) RecentAlerts(_ context.Context, deviceID string, limit int) ([]alerts.Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return newestFirst(m.alerts[deviceID], limit), nil
}

func (m *Memory) Stats(context.Context) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st := Stats{Backend: "memory", Devices: len(m.devices)}
	for _, d := range m.devices {
		if d.Status == StatusOnline {
			st.Online++
		}
	}
	for _, recs := range m.telemetry {
		st.Telemetry += len(recs)
	}
	for _, as := range m.alerts {
		st.Alerts += len(as)
	}
	return st, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func (m *Memory) deviceLocked(deviceID string) *Device {
	d, ok := m.devices[deviceID]
	if !ok {
		d = &Device{ID: deviceID, Status: StatusOffline}
		m.devices[deviceID] = d
	}
	return d
}

func trim[T any](items []T, keep int) []T {
	if len(items) <= keep {
		return items
	}
	out := make([]T, keep)
	copy(out, items[len(items)-keep:])
	return out
}

func newestFirst[T any](items []T, limit int) []T {
	if limit <= 0 || limit > len(items) {
		limit = len(items)
	}
	out := make([]T, 0, limit)
	for i := len(items) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, items[i])
	}
	return out
}

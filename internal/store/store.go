// Package store persists device status, decoded telemetry and alerts.
//
// Two backends implement Storage: Memory keeps a bounded per-device history
// for development and tests, SQLite keeps everything on disk.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/danmuck/obdgate/internal/alerts"
	"github.com/danmuck/obdgate/internal/protocol/command"
)

// DeviceStatus is the liveness state recorded for a device.
type DeviceStatus string

const (
	StatusOnline  DeviceStatus = "online"
	StatusOffline DeviceStatus = "offline"
)

// DefaultHistory is the number of telemetry records Memory keeps per device.
const DefaultHistory = 100

var (
	ErrDeviceNotFound = errors.New("store: device not found")
	ErrClosed         = errors.New("store: closed")
)

// Storage is what the gateway writes to. Every call may block and must
// honor ctx.
type Storage interface {
	RegisterOrUpdateDeviceStatus(ctx context.Context, deviceID string, status DeviceStatus, meta map[string]string) error
	AppendTelemetry(ctx context.Context, deviceID string, rec command.Record) error
	AppendAlert(ctx context.Context, deviceID string, alert alerts.Alert) error
}

// OrganizationResolver maps a device to the organization that owns it. An
// empty id with a nil error means the device is known but unassigned.
type OrganizationResolver interface {
	OrganizationFor(ctx context.Context, deviceID string) (string, error)
}

// Device is the stored view of one device.
type Device struct {
	ID             string            `json:"id"`
	OrganizationID string            `json:"organizationId,omitempty"`
	Status         DeviceStatus      `json:"status"`
	LastSeen       time.Time         `json:"lastSeen"`
	Meta           map[string]string `json:"meta,omitempty"`
}

// Stats summarizes store contents for the status endpoint.
type Stats struct {
	Backend   string `json:"backend"`
	Devices   int    `json:"devices"`
	Online    int    `json:"online"`
	Telemetry int    `json:"telemetry"`
	Alerts    int    `json:"alerts"`
}

// Backend is the full store surface used by the gateway binary.
type Backend interface {
	Storage
	OrganizationResolver
	RegisterDevice(ctx context.Context, deviceID, organizationID string) error
	Device(ctx context.Context, deviceID string) (Device, error)
	RecentTelemetry(ctx context.Context, deviceID string, limit int) ([]command.Record, error)
	RecentAlerts(ctx context.Context, deviceID string, limit int) ([]alerts.Alert, error)
	Stats(ctx context.Context) (Stats, error)
	Close() error
}

func cloneMeta(meta map[string]string) map[string]string {
	if len(meta) == 0 {
		return nil
	}
	out := make(map[string]string, len(meta))
	for k, v := range meta {
		out[k] = v
	}
	return out
}

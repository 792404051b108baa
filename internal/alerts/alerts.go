// Package alerts evaluates fixed threshold rules against decoded telemetry.
package alerts

import (
	"fmt"
	"time"

	"github.com/danmuck/obdgate/internal/protocol/command"
	"github.com/google/uuid"
)

const (
	TypeEngineOverheat = "engine_overheat"
	TypeSpeeding       = "speeding"
	TypeLowBattery     = "low_battery"

	SeverityHigh   = "high"
	SeverityMedium = "medium"
)

// Alert is one threshold breach.
type Alert struct {
	ID             string    `json:"id"`
	DeviceID       string    `json:"deviceId"`
	OrganizationID string    `json:"organizationId,omitempty"`
	Type           string    `json:"type"`
	Severity       string    `json:"severity"`
	Message        string    `json:"message"`
	Value          float64   `json:"value"`
	Threshold      float64   `json:"threshold"`
	TripID         uint16    `json:"tripId"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Thresholds are inclusive bounds; only strictly exceeding values alert.
type Thresholds struct {
	CoolantMaxC float64
	SpeedMaxKmh float64
	VoltageMinV float64
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		CoolantMaxC: 105,
		SpeedMaxKmh: 130,
		VoltageMinV: 11.5,
	}
}

// Evaluate returns one alert per breached threshold. Records other than
// GPS+engine reports never alert.
func Evaluate(rec command.Record, orgID string, th Thresholds, now time.Time) []Alert {
	report, ok := rec.(*command.GPSEngineReport)
	if !ok {
		return nil
	}
	var out []Alert
	add := func(typ, severity, msg string, value, threshold float64) {
		out = append(out, Alert{
			ID:             uuid.NewString(),
			DeviceID:       report.DeviceID,
			OrganizationID: orgID,
			Type:           typ,
			Severity:       severity,
			Message:        msg,
			Value:          value,
			Threshold:      threshold,
			TripID:         report.TripID,
			CreatedAt:      now,
		})
	}

	if coolant := float64(report.Engine.CoolantC); coolant > th.CoolantMaxC {
		add(TypeEngineOverheat, SeverityHigh,
			fmt.Sprintf("engine coolant temperature high: %.0f°C", coolant), coolant, th.CoolantMaxC)
	}
	if speed := float64(report.Vehicle.SpeedKmh); speed > th.SpeedMaxKmh {
		add(TypeSpeeding, SeverityMedium,
			fmt.Sprintf("overspeed detected: %.0f km/h", speed), speed, th.SpeedMaxKmh)
	}
	if volts := report.System.Voltage; volts < th.VoltageMinV {
		add(TypeLowBattery, SeverityMedium,
			fmt.Sprintf("battery voltage low: %.1fV", volts), volts, th.VoltageMinV)
	}
	return out
}

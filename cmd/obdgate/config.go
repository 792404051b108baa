package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/obdgate/internal/gateway"
	"github.com/danmuck/obdgate/internal/httpapi"
	"github.com/danmuck/obdgate/internal/protocol/frame"
	"github.com/danmuck/obdgate/internal/store"
)

const (
	EnvTCPAddr           = "OBDGATE_TCP_ADDR"
	EnvHTTPAddr          = "OBDGATE_HTTP_ADDR"
	EnvReadTimeout       = "OBDGATE_READ_TIMEOUT"
	EnvHeartbeatInterval = "OBDGATE_HEARTBEAT_INTERVAL"
	EnvAPIToken          = "OBDGATE_API_TOKEN"
)

const (
	storeMemory = "memory"
	storeSQLite = "sqlite"
)

type storeConfig struct {
	Kind          string
	SQLitePath    string
	MemoryHistory int
}

type deviceEntry struct {
	ID           string `toml:"id"`
	Organization string `toml:"organization"`
}

// appConfig is everything obdgate needs to start.
type appConfig struct {
	Gateway gateway.ServiceConfig
	HTTP    httpapi.Config
	Store   storeConfig
	Devices []deviceEntry
}

func defaultAppConfig() appConfig {
	return appConfig{
		Gateway: gateway.DefaultServiceConfig(),
		HTTP:    httpapi.DefaultConfig(),
		Store: storeConfig{
			Kind:          storeMemory,
			SQLitePath:    "obdgate.db",
			MemoryHistory: store.DefaultHistory,
		},
	}
}

// obdgate config.toml key mapping to runtime settings.
type fileConfig struct {
	Addr                 string        `toml:"addr"`
	HTTPAddr             string        `toml:"http_addr"`
	CORSOrigins          []string      `toml:"cors_origins"`
	APIToken             string        `toml:"api_token"`
	ProxyProtocol        bool          `toml:"proxy_protocol"`
	ReadTimeout          string        `toml:"read_timeout"`
	WriteTimeout         string        `toml:"write_timeout"`
	HeartbeatInterval    string        `toml:"heartbeat_interval"`
	KeepAlive            string        `toml:"keep_alive"`
	CollaboratorTimeout  string        `toml:"collaborator_timeout"`
	BufferLimit          int           `toml:"buffer_limit"`
	TrustInvalidChecksum bool          `toml:"trust_invalid_checksum"`
	AlertCoolantMaxC     float64       `toml:"alert_coolant_max_c"`
	AlertSpeedMaxKmh     float64       `toml:"alert_speed_max_kmh"`
	AlertVoltageMinV     float64       `toml:"alert_voltage_min_v"`
	Store                string        `toml:"store"`
	SQLitePath           string        `toml:"sqlite_path"`
	MemoryHistory        int           `toml:"memory_history"`
	Devices              []deviceEntry `toml:"devices"`
}

// obdgate loader for TOML config with default overlay. An empty path
// yields the defaults.
func loadAppConfig(path string) (appConfig, error) {
	cfg := defaultAppConfig()
	if strings.TrimSpace(path) == "" {
		return finishConfig(cfg)
	}

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return appConfig{}, fmt.Errorf("load obdgate config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return appConfig{}, fmt.Errorf("load obdgate config: unknown key %q", undecoded[0].String())
	}

	if meta.IsDefined("addr") {
		cfg.Gateway.ListenAddr = strings.TrimSpace(raw.Addr)
	}
	if meta.IsDefined("http_addr") {
		cfg.HTTP.Addr = strings.TrimSpace(raw.HTTPAddr)
	}
	if meta.IsDefined("cors_origins") {
		cfg.HTTP.CORSOrigins = raw.CORSOrigins
	}
	if meta.IsDefined("api_token") {
		cfg.HTTP.Token = strings.TrimSpace(raw.APIToken)
	}
	if meta.IsDefined("proxy_protocol") {
		cfg.Gateway.ProxyProtocol = raw.ProxyProtocol
	}
	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"read_timeout", raw.ReadTimeout, &cfg.Gateway.Session.ReadTimeout},
		{"write_timeout", raw.WriteTimeout, &cfg.Gateway.Session.WriteTimeout},
		{"heartbeat_interval", raw.HeartbeatInterval, &cfg.Gateway.Session.HeartbeatInterval},
		{"keep_alive", raw.KeepAlive, &cfg.Gateway.Session.KeepAlive},
		{"collaborator_timeout", raw.CollaboratorTimeout, &cfg.Gateway.Session.CollaboratorTimeout},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return appConfig{}, fmt.Errorf("load obdgate config: %s: %w", d.key, err)
		}
		*d.dst = v
	}
	if meta.IsDefined("buffer_limit") {
		cfg.Gateway.Session.BufferLimit = raw.BufferLimit
	}
	if meta.IsDefined("trust_invalid_checksum") {
		cfg.Gateway.TrustInvalidChecksum = raw.TrustInvalidChecksum
	}
	if meta.IsDefined("alert_coolant_max_c") {
		cfg.Gateway.Alerts.CoolantMaxC = raw.AlertCoolantMaxC
	}
	if meta.IsDefined("alert_speed_max_kmh") {
		cfg.Gateway.Alerts.SpeedMaxKmh = raw.AlertSpeedMaxKmh
	}
	if meta.IsDefined("alert_voltage_min_v") {
		cfg.Gateway.Alerts.VoltageMinV = raw.AlertVoltageMinV
	}
	if meta.IsDefined("store") {
		cfg.Store.Kind = strings.ToLower(strings.TrimSpace(raw.Store))
	}
	if meta.IsDefined("sqlite_path") {
		cfg.Store.SQLitePath = strings.TrimSpace(raw.SQLitePath)
	}
	if meta.IsDefined("memory_history") {
		cfg.Store.MemoryHistory = raw.MemoryHistory
	}
	for _, d := range raw.Devices {
		id := strings.ToLower(strings.TrimSpace(d.ID))
		if _, err := frame.ParseDeviceID(id); err != nil {
			return appConfig{}, fmt.Errorf("load obdgate config: device %q: %w", d.ID, err)
		}
		cfg.Devices = append(cfg.Devices, deviceEntry{ID: id, Organization: strings.TrimSpace(d.Organization)})
	}
	return finishConfig(cfg)
}

func finishConfig(cfg appConfig) (appConfig, error) {
	if err := applyEnvOverrides(&cfg); err != nil {
		return appConfig{}, err
	}
	switch cfg.Store.Kind {
	case storeMemory:
	case storeSQLite:
		if cfg.Store.SQLitePath == "" {
			return appConfig{}, fmt.Errorf("load obdgate config: sqlite_path is required when store=%q", storeSQLite)
		}
	default:
		return appConfig{}, fmt.Errorf("load obdgate config: unsupported store %q (expected memory or sqlite)", cfg.Store.Kind)
	}
	cfg.Gateway.Session = cfg.Gateway.Session.WithDefaults()
	if err := cfg.Gateway.Session.Validate(); err != nil {
		return appConfig{}, fmt.Errorf("load obdgate config: %w", err)
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *appConfig) error {
	if v := strings.TrimSpace(os.Getenv(EnvTCPAddr)); v != "" {
		cfg.Gateway.ListenAddr = normalizeAddr(v)
	}
	if v := strings.TrimSpace(os.Getenv(EnvHTTPAddr)); v != "" {
		cfg.HTTP.Addr = normalizeAddr(v)
	}
	if v := strings.TrimSpace(os.Getenv(EnvAPIToken)); v != "" {
		cfg.HTTP.Token = v
	}
	for _, o := range []struct {
		env string
		dst *time.Duration
	}{
		{EnvReadTimeout, &cfg.Gateway.Session.ReadTimeout},
		{EnvHeartbeatInterval, &cfg.Gateway.Session.HeartbeatInterval},
	} {
		v := strings.TrimSpace(os.Getenv(o.env))
		if v == "" {
			continue
		}
		d, err := parseDurationOrMillis(v)
		if err != nil {
			return fmt.Errorf("load obdgate config: %s: %w", o.env, err)
		}
		*o.dst = d
	}
	return nil
}

// normalizeAddr accepts a bare port, as deployments of the previous gateway
// set it.
func normalizeAddr(v string) string {
	if _, err := strconv.Atoi(v); err == nil {
		return ":" + v
	}
	return v
}

// parseDurationOrMillis accepts Go durations and plain millisecond counts.
func parseDurationOrMillis(v string) (time.Duration, error) {
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	return time.ParseDuration(v)
}

package store

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/danmuck/obdgate/internal/alerts"
	"github.com/danmuck/obdgate/internal/codec"
	"github.com/danmuck/obdgate/internal/protocol/command"
	"github.com/rs/zerolog/log"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// SQLiteConfig opens a SQLite backend. Path is required.
type SQLiteConfig struct {
	Path     string
	PoolSize int
}

// SQLite is a Backend on a zombiezen connection pool. Records are stored as
// CBOR blobs keyed by their kind.
type SQLite struct {
	pool *sqlitex.Pool
	path string
}

const schema = `
CREATE TABLE IF NOT EXISTS devices (
	device_id       TEXT PRIMARY KEY,
	organization_id TEXT NOT NULL DEFAULT '',
	status          TEXT NOT NULL DEFAULT 'offline',
	last_seen       INTEGER NOT NULL DEFAULT 0,
	meta            BLOB
);

CREATE TABLE IF NOT EXISTS telemetry (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	device_id      TEXT NOT NULL,
	kind           TEXT NOT NULL,
	received_at    INTEGER NOT NULL,
	checksum_valid INTEGER NOT NULL,
	record         BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_telemetry_device ON telemetry (device_id, id);

CREATE TABLE IF NOT EXISTS alerts (
	id              TEXT PRIMARY KEY,
	device_id       TEXT NOT NULL,
	organization_id TEXT NOT NULL DEFAULT '',
	type            TEXT NOT NULL,
	severity        TEXT NOT NULL,
	message         TEXT NOT NULL,
	value           REAL NOT NULL,
	threshold       REAL NOT NULL,
	trip_id         INTEGER NOT NULL,
	created_at      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_alerts_device ON alerts (device_id, created_at);
`

var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA temp_store=MEMORY",
}

func OpenSQLite(cfg SQLiteConfig) (*SQLite, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("store: sqlite path is required")
	}
	size := cfg.PoolSize
	if size <= 0 {
		size = max(runtime.NumCPU(), 4)
	}
	pool, err := sqlitex.NewPool(cfg.Path, sqlitex.PoolOptions{
		PoolSize:    size,
		PrepareConn: prepareConn,
	})
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", cfg.Path, err)
	}
	log.Info().Str("path", cfg.Path).Int("pool_size", size).Msg("store.OpenSQLite opened")
	return &SQLite{pool: pool, path: cfg.Path}, nil
}

func prepareConn(conn *sqlite.Conn) error {
	for _, p := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, p, nil); err != nil {
			return fmt.Errorf("store: %s: %w", p, err)
		}
	}
	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		return fmt.Errorf("store: schema: %w", err)
	}
	return nil
}

func (s *SQLite) Close() error {
	if err := s.pool.Close(); err != nil {
		return fmt.Errorf("store: close %s: %w", s.path, err)
	}
	log.Info().Str("path", s.path).Msg("store.SQLite closed")
	return nil
}

func (s *SQLite) take(ctx context.Context) (*sqlite.Conn, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: take: %w", err)
	}
	return conn, nil
}

func (s *SQLite) RegisterDevice(ctx context.Context, deviceID, organizationID string) error {
	conn, err := s.take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)
	return sqlitex.Execute(conn, `
		INSERT INTO devices (device_id, organization_id) VALUES (?, ?)
		ON CONFLICT (device_id) DO UPDATE SET organization_id = excluded.organization_id`,
		&sqlitex.ExecOptions{Args: []any{deviceID, organizationID}})
}

func (s *SQLite) RegisterOrUpdateDeviceStatus(ctx context.Context, deviceID string, status DeviceStatus, meta map[string]string) error {
	var metaBlob any
	if len(meta) > 0 {
		data, err := codec.Marshal(meta)
		if err != nil {
			return fmt.Errorf("store: marshal device meta: %w", err)
		}
		metaBlob = data
	}
	conn, err := s.take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)
	return sqlitex.Execute(conn, `
		INSERT INTO devices (device_id, status, last_seen, meta) VALUES (?, ?, ?, ?)
		ON CONFLICT (device_id) DO UPDATE SET
			status = excluded.status,
			last_seen = excluded.last_seen,
			meta = COALESCE(excluded.meta, devices.meta)`,
		&sqlitex.ExecOptions{Args: []any{deviceID, string(status), time.Now().UnixNano(), metaBlob}})
}

func (s *SQLite) AppendTelemetry(ctx context.Context, deviceID string, rec command.Record) (err error) {
	data, err := codec.Marshal(rec)
	if err != nil {
		return fmt.Errorf("store: marshal record: %w", err)
	}
	env := rec.Meta()
	valid := 0
	if env.ChecksumValid {
		valid = 1
	}

	conn, err := s.take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("store: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	err = sqlitex.Execute(conn, `
		INSERT INTO telemetry (device_id, kind, received_at, checksum_valid, record)
		VALUES (?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{deviceID, rec.Kind().String(), env.ReceivedAt.UnixNano(), valid, data}})
	if err != nil {
		return fmt.Errorf("store: insert telemetry: %w", err)
	}
	err = sqlitex.Execute(conn, `
		INSERT INTO devices (device_id, status, last_seen) VALUES (?, 'online', ?)
		ON CONFLICT (device_id) DO UPDATE SET last_seen = excluded.last_seen`,
		&sqlitex.ExecOptions{Args: []any{deviceID, time.Now().UnixNano()}})
	if err != nil {
		return fmt.Errorf("store: touch device: %w", err)
	}
	return nil
}

func (s *SQLite) AppendAlert(ctx context.Context, deviceID string, a alerts.Alert) error {
	conn, err := s.take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)
	return sqlitex.Execute(conn, `
		INSERT INTO alerts (id, device_id, organization_id, type, severity, message, value, threshold, trip_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{
			a.ID, deviceID, a.OrganizationID, a.Type, a.Severity, a.Message,
			a.Value, a.Threshold, int64(a.TripID), a.CreatedAt.UnixNano(),
		}})
}

func (s *SQLite) OrganizationFor(ctx context.Context, deviceID string) (string, error) {
	d, err := s.Device(ctx, deviceID)
	if err != nil {
		return "", err
	}
	return d.OrganizationID, nil
}

func (s *SQLite) Device(ctx context.Context, deviceID string) (Device, error) {
	conn, err := s.take(ctx)
	if err != nil {
		return Device{}, err
	}
	defer s.pool.Put(conn)

	var (
		out   Device
		found bool
		blob  []byte
	)
	err = sqlitex.Execute(conn,
		"SELECT organization_id, status, last_seen, meta FROM devices WHERE device_id = ?",
		&sqlitex.ExecOptions{
			Args: []any{deviceID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				found = true
				out = Device{
					ID:             deviceID,
					OrganizationID: stmt.ColumnText(0),
					Status:         DeviceStatus(stmt.ColumnText(1)),
				}
				if ns := stmt.ColumnInt64(2); ns > 0 {
					out.LastSeen = time.Unix(0, ns).UTC()
				}
				if n := stmt.ColumnLen(3); n > 0 {
					blob = make([]byte, n)
					stmt.ColumnBytes(3, blob)
				}
				return nil
			},
		})
	if err != nil {
		return Device{}, fmt.Errorf("store: query device: %w", err)
	}
	if !found {
		return Device{}, ErrDeviceNotFound
	}
	if blob != nil {
		if err := codec.Unmarshal(blob, &out.Meta); err != nil {
			return Device{}, fmt.Errorf("store: decode device meta: %w", err)
		}
	}
	return out, nil
}

// RecentTelemetry returns up to limit records, newest first.
func (s *SQLite) RecentTelemetry(ctx context.Context, deviceID string, limit int) ([]command.Record, error) {
	if limit <= 0 {
		limit = DefaultHistory
	}
	conn, err := s.take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var out []command.Record
	err = sqlitex.Execute(conn,
		"SELECT kind, record FROM telemetry WHERE device_id = ? ORDER BY id DESC LIMIT ?",
		&sqlitex.ExecOptions{
			Args: []any{deviceID, limit},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				blob := make([]byte, stmt.ColumnLen(1))
				stmt.ColumnBytes(1, blob)
				rec, err := decodeRecord(stmt.ColumnText(0), blob)
				if err != nil {
					return err
				}
				out = append(out, rec)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("store: query telemetry: %w", err)
	}
	return out, nil
}

func decodeRecord(kindName string, blob []byte) (command.Record, error) {
	var kind command.Kind
	if err := kind.UnmarshalText([]byte(kindName)); err != nil {
		return nil, err
	}
	var rec command.Record
	switch kind {
	case command.KindGPSEngine:
		rec = &command.GPSEngineReport{}
	case command.KindIgnition:
		rec = &command.IgnitionEvent{}
	default:
		rec = &command.QueryAck{}
	}
	if err := codec.Unmarshal(blob, rec); err != nil {
		return nil, fmt.Errorf("store: decode %s record: %w", kindName, err)
	}
	return rec, nil
}

func (s *SQLite) RecentAlerts(ctx context.Context, deviceID string, limit int) ([]alerts.Alert, error) {
	if limit <= 0 {
		limit = DefaultHistory
	}
	conn, err := s.take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var out []alerts.Alert
	err = sqlitex.Execute(conn, `
		SELECT id, organization_id, type, severity, message, value, threshold, trip_id, created_at
		FROM alerts WHERE device_id = ? ORDER BY created_at DESC, rowid DESC LIMIT ?`,
		&sqlitex.ExecOptions{
			Args: []any{deviceID, limit},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				out = append(out, alerts.Alert{
					ID:             stmt.ColumnText(0),
					DeviceID:       deviceID,
					OrganizationID: stmt.ColumnText(1),
					Type:           stmt.ColumnText(2),
					Severity:       stmt.ColumnText(3),
					Message:        stmt.ColumnText(4),
					Value:          stmt.ColumnFloat(5),
					Threshold:      stmt.ColumnFloat(6),
					TripID:         uint16(stmt.ColumnInt64(7)),
					CreatedAt:      time.Unix(0, stmt.ColumnInt64(8)).UTC(),
				})
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("store: query alerts: %w", err)
	}
	return out, nil
}

func (s *SQLite) Stats(ctx context.Context) (Stats, error) {
	conn, err := s.take(ctx)
	if err != nil {
		return Stats{}, err
	}
	defer s.pool.Put(conn)

	st := Stats{Backend: "sqlite"}
	err = sqlitex.Execute(conn, `
		SELECT
			(SELECT COUNT(*) FROM devices),
			(SELECT COUNT(*) FROM devices WHERE status = 'online'),
			(SELECT COUNT(*) FROM telemetry),
			(SELECT COUNT(*) FROM alerts)`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				st.Devices = stmt.ColumnInt(0)
				st.Online = stmt.ColumnInt(1)
				st.Telemetry = stmt.ColumnInt(2)
				st.Alerts = stmt.ColumnInt(3)
				return nil
			},
		})
	if err != nil {
		return Stats{}, fmt.Errorf("store: stats: %w", err)
	}
	return st, nil
}

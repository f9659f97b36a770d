package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fleetguard/fleetguard/wire"
)

// PostgresStore implements Store using a PostgreSQL backend.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore initializes a PostgresStore with a connection pool and
// ensures the schema exists.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}

	config.MaxConns = 20
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	s := &PostgresStore{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ensure schema: %w", err)
	}
	return s, nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS devices (
			id             TEXT PRIMARY KEY,
			hostname       TEXT NOT NULL DEFAULT '',
			os_info        TEXT NOT NULL DEFAULT '',
			ip_address     TEXT NOT NULL DEFAULT '',
			status         TEXT NOT NULL DEFAULT 'ONLINE',
			risk_score     INT  NOT NULL DEFAULT 0,
			work_stats     JSONB NOT NULL DEFAULT '{}',
			policy         JSONB NOT NULL DEFAULT '{}',
			last_heartbeat TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			registered_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS security_events (
			id          TEXT PRIMARY KEY,
			device_id   TEXT NOT NULL REFERENCES devices(id),
			timestamp   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			type        TEXT NOT NULL,
			severity    TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			risk_weight INT  NOT NULL DEFAULT 0,
			metadata    JSONB NOT NULL DEFAULT '{}'
		);
		CREATE INDEX IF NOT EXISTS idx_events_timestamp ON security_events (timestamp DESC);
		CREATE TABLE IF NOT EXISTS commands (
			id          TEXT PRIMARY KEY,
			device_id   TEXT NOT NULL REFERENCES devices(id),
			action      TEXT NOT NULL,
			status      TEXT NOT NULL DEFAULT 'PENDING',
			issued_by   TEXT NOT NULL DEFAULT '',
			issued_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			expires_at  TIMESTAMPTZ NOT NULL,
			executed_at TIMESTAMPTZ
		);
		CREATE INDEX IF NOT EXISTS idx_commands_pending ON commands (device_id, status);
		CREATE TABLE IF NOT EXISTS tenant_settings (
			id                   TEXT PRIMARY KEY,
			name                 TEXT NOT NULL,
			plan                 TEXT NOT NULL,
			print_limit          INT NOT NULL,
			risk_decay_rate      INT NOT NULL,
			idle_timeout         INT NOT NULL,
			critical_alert_level INT NOT NULL,
			keywords             JSONB NOT NULL DEFAULT '[]'
		);
	`
	_, err := s.pool.Exec(ctx, schema)
	return err
}

// --- Device Operations ---

func (s *PostgresStore) UpsertDevice(ctx context.Context, d *Device) error {
	stats, err := json.Marshal(d.WorkStats)
	if err != nil {
		return err
	}
	policy, err := json.Marshal(d.Policy)
	if err != nil {
		return err
	}
	// Re-registration keeps the accumulated risk, stats and policy.
	query := `
		INSERT INTO devices (id, hostname, os_info, ip_address, status, risk_score, work_stats, policy, last_heartbeat, registered_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
		ON CONFLICT (id) DO UPDATE SET
			hostname = EXCLUDED.hostname,
			os_info = EXCLUDED.os_info,
			ip_address = EXCLUDED.ip_address,
			status = 'ONLINE',
			last_heartbeat = EXCLUDED.last_heartbeat
	`
	_, err = s.pool.Exec(ctx, query,
		d.ID, d.Hostname, d.OSInfo, d.IPAddress, d.Status, d.RiskScore,
		stats, policy, d.LastHeartbeat,
	)
	return err
}

const deviceColumns = `id, hostname, os_info, ip_address, status, risk_score, work_stats, policy, last_heartbeat, registered_at`

func scanDevice(row pgx.Row) (*Device, error) {
	var d Device
	var stats, policy []byte
	err := row.Scan(
		&d.ID, &d.Hostname, &d.OSInfo, &d.IPAddress, &d.Status, &d.RiskScore,
		&stats, &policy, &d.LastHeartbeat, &d.RegisteredAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(stats, &d.WorkStats); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(policy, &d.Policy); err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *PostgresStore) GetDevice(ctx context.Context, id string) (*Device, error) {
	d, err := scanDevice(s.pool.QueryRow(ctx, `SELECT `+deviceColumns+` FROM devices WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return d, err
}

func (s *PostgresStore) ListDevices(ctx context.Context) ([]*Device, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+deviceColumns+` FROM devices ORDER BY registered_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var devices []*Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

func (s *PostgresStore) UpdateDevicePolicy(ctx context.Context, id string, policy wire.Policy) error {
	data, err := json.Marshal(policy)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `UPDATE devices SET policy = $2 WHERE id = $1`, id, data)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrDeviceNotFound
	}
	return nil
}

func (s *PostgresStore) IngestTelemetry(ctx context.Context, deviceID string, stats wire.WorkStats, events []SecurityEvent) (*Device, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	// Lock the device row so concurrent uploads from the same device apply
	// their risk increments serially.
	var exists bool
	err = tx.QueryRow(ctx, `SELECT true FROM devices WHERE id = $1 FOR UPDATE`, deviceID).Scan(&exists)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrDeviceNotFound
	}
	if err != nil {
		return nil, err
	}

	weight := 0
	for _, ev := range events {
		metadata, err := json.Marshal(ev.Metadata)
		if err != nil {
			return nil, err
		}
		tag, err := tx.Exec(ctx, `
			INSERT INTO security_events (id, device_id, timestamp, type, severity, description, risk_weight, metadata)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (id) DO NOTHING
		`, ev.ID, ev.DeviceID, ev.Timestamp, ev.Type, ev.Severity, ev.Description, ev.RiskWeight, metadata)
		if err != nil {
			return nil, err
		}
		// Replayed events (primary key collision) add no risk.
		if tag.RowsAffected() > 0 {
			weight += ev.RiskWeight
		}
	}

	statsData, err := json.Marshal(stats)
	if err != nil {
		return nil, err
	}
	row := tx.QueryRow(ctx, `
		UPDATE devices
		SET risk_score = LEAST($2, risk_score + $3),
		    work_stats = $4,
		    status = 'ONLINE',
		    last_heartbeat = NOW()
		WHERE id = $1
		RETURNING `+deviceColumns, deviceID, MaxRiskScore, weight, statsData)
	d, err := scanDevice(row)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return d, nil
}

// --- Event Operations ---

func (s *PostgresStore) ListEvents(ctx context.Context, limit int) ([]*SecurityEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, device_id, timestamp, type, severity, description, risk_weight, metadata
		FROM security_events ORDER BY timestamp DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*SecurityEvent
	for rows.Next() {
		var ev SecurityEvent
		var metadata []byte
		if err := rows.Scan(
			&ev.ID, &ev.DeviceID, &ev.Timestamp, &ev.Type, &ev.Severity,
			&ev.Description, &ev.RiskWeight, &metadata,
		); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(metadata, &ev.Metadata); err != nil {
			return nil, err
		}
		events = append(events, &ev)
	}
	return events, rows.Err()
}

// --- Command Operations ---

func (s *PostgresStore) CreateCommand(ctx context.Context, c *Command) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO commands (id, device_id, action, status, issued_by, issued_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, c.ID, c.DeviceID, c.Action, c.Status, c.IssuedBy, c.IssuedAt, c.ExpiresAt)
	return err
}

func (s *PostgresStore) ClaimPendingCommands(ctx context.Context, deviceID string, now time.Time) ([]*Command, error) {
	// Single UPDATE ... RETURNING: each command is claimed by at most one
	// poll even under concurrent delivery.
	rows, err := s.pool.Query(ctx, `
		UPDATE commands
		SET status = 'SENT'
		WHERE device_id = $1 AND status = 'PENDING' AND expires_at > $2
		RETURNING id, device_id, action, status, issued_by, issued_at, expires_at, executed_at
	`, deviceID, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanCommands(rows)
}

func (s *PostgresStore) AckCommand(ctx context.Context, id string, status string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE commands SET status = $2, executed_at = $3 WHERE id = $1
	`, id, status, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errors.New("command not found")
	}
	return nil
}

func (s *PostgresStore) ListCommands(ctx context.Context, limit int) ([]*Command, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, device_id, action, status, issued_by, issued_at, expires_at, executed_at
		FROM commands ORDER BY issued_at DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanCommands(rows)
}

func scanCommands(rows pgx.Rows) ([]*Command, error) {
	var commands []*Command
	for rows.Next() {
		var c Command
		if err := rows.Scan(
			&c.ID, &c.DeviceID, &c.Action, &c.Status, &c.IssuedBy,
			&c.IssuedAt, &c.ExpiresAt, &c.ExecutedAt,
		); err != nil {
			return nil, err
		}
		commands = append(commands, &c)
	}
	return commands, rows.Err()
}

// --- Tenant Configuration ---

func (s *PostgresStore) TenantSettings(ctx context.Context) (*TenantSettings, error) {
	var t TenantSettings
	var keywords []byte
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, plan, print_limit, risk_decay_rate, idle_timeout, critical_alert_level, keywords
		FROM tenant_settings WHERE id = 'default'
	`).Scan(&t.ID, &t.Name, &t.Plan, &t.PrintLimit, &t.RiskDecayRate, &t.IdleTimeout, &t.CriticalAlertLevel, &keywords)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(keywords, &t.Keywords); err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *PostgresStore) UpdateTenantSettings(ctx context.Context, t *TenantSettings) error {
	keywords, err := json.Marshal(t.Keywords)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO tenant_settings (id, name, plan, print_limit, risk_decay_rate, idle_timeout, critical_alert_level, keywords)
		VALUES ('default', $1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			plan = EXCLUDED.plan,
			print_limit = EXCLUDED.print_limit,
			risk_decay_rate = EXCLUDED.risk_decay_rate,
			idle_timeout = EXCLUDED.idle_timeout,
			critical_alert_level = EXCLUDED.critical_alert_level,
			keywords = EXCLUDED.keywords
	`, t.Name, t.Plan, t.PrintLimit, t.RiskDecayRate, t.IdleTimeout, t.CriticalAlertLevel, keywords)
	return err
}

func (s *PostgresStore) SeedTenantDefaults(ctx context.Context) error {
	t := DefaultTenantSettings()
	keywords, err := json.Marshal(t.Keywords)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO tenant_settings (id, name, plan, print_limit, risk_decay_rate, idle_timeout, critical_alert_level, keywords)
		VALUES ('default', $1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING
	`, t.Name, t.Plan, t.PrintLimit, t.RiskDecayRate, t.IdleTimeout, t.CriticalAlertLevel, keywords)
	return err
}

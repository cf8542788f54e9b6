package storage

import (
	"context"
	"fmt"
	"strings"
)

// The schema mirrors the tables the admin application owns. Column types are
// written for Postgres and narrowed for SQLite by sqliteTypes; JSON columns
// are stored as TEXT in both.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS farm_mqtt_configs (
		farm_id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		broker_url TEXT NOT NULL,
		port INTEGER NOT NULL DEFAULT 0,
		auth_mode TEXT NOT NULL DEFAULT 'user_pass',
		username TEXT NOT NULL DEFAULT '',
		secret_enc TEXT NOT NULL DEFAULT '',
		client_id_prefix TEXT NOT NULL DEFAULT 'bridge',
		ws_path TEXT NOT NULL DEFAULT '',
		qos INTEGER NOT NULL DEFAULT 1,
		is_active BOOLEAN NOT NULL DEFAULT true,
		last_test_ok BOOLEAN,
		last_test_at TIMESTAMPTZ,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS iot_devices (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		farm_id TEXT NOT NULL DEFAULT '',
		device_id TEXT NOT NULL,
		device_type TEXT NOT NULL DEFAULT '',
		capabilities TEXT NOT NULL DEFAULT '[]',
		device_key_hash TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'active',
		metadata TEXT NOT NULL DEFAULT '{}',
		last_seen_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		UNIQUE (tenant_id, device_id)
	)`,
	`CREATE TABLE IF NOT EXISTS iot_sensors (
		id TEXT PRIMARY KEY,
		device_uuid TEXT NOT NULL REFERENCES iot_devices(id),
		sensor_key TEXT NOT NULL,
		unit TEXT NOT NULL DEFAULT '',
		UNIQUE (device_uuid, sensor_key, unit)
	)`,
	`CREATE TABLE IF NOT EXISTS iot_readings (
		sensor_id TEXT NOT NULL REFERENCES iot_sensors(id),
		ts TIMESTAMPTZ NOT NULL,
		value DOUBLE PRECISION NOT NULL,
		unit TEXT NOT NULL DEFAULT '',
		quality TEXT NOT NULL DEFAULT 'good',
		PRIMARY KEY (sensor_id, ts)
	)`,
	`CREATE TABLE IF NOT EXISTS iot_commands (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		farm_id TEXT NOT NULL DEFAULT '',
		device_id TEXT NOT NULL,
		command_id TEXT NOT NULL,
		type TEXT NOT NULL,
		params TEXT NOT NULL DEFAULT '{}',
		status TEXT NOT NULL DEFAULT 'pending',
		detail TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		sent_at TIMESTAMPTZ,
		acked_at TIMESTAMPTZ
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS iot_commands_owner_idx ON iot_commands (tenant_id, device_id, command_id)`,
	`CREATE INDEX IF NOT EXISTS iot_commands_status_idx ON iot_commands (status, created_at)`,
	`CREATE TABLE IF NOT EXISTS device_claims (
		id TEXT PRIMARY KEY,
		setup_token_hash TEXT NOT NULL UNIQUE,
		tenant_id TEXT NOT NULL,
		farm_id TEXT NOT NULL DEFAULT '',
		expires_at TIMESTAMPTZ NOT NULL,
		ip_allowlist TEXT NOT NULL DEFAULT '[]',
		user_agent TEXT NOT NULL DEFAULT '',
		used_at TIMESTAMPTZ,
		used_by_device_id TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL
	)`,
}

// postgresStatements wire farm_mqtt_configs changes to LISTEN/NOTIFY so the
// MQTT manager reloads without waiting for its next poll. The first one drops
// the global command_id constraint of older databases; command IDs are now
// unique per device only.
var postgresStatements = []string{
	`ALTER TABLE iot_commands DROP CONSTRAINT IF EXISTS iot_commands_command_id_key`,
	`CREATE OR REPLACE FUNCTION notify_broker_config_change() RETURNS trigger AS $$
	BEGIN
		PERFORM pg_notify('` + BrokerChangesChannel + `', COALESCE(NEW.farm_id, OLD.farm_id));
		RETURN NULL;
	END;
	$$ LANGUAGE plpgsql`,
	`DROP TRIGGER IF EXISTS farm_mqtt_configs_notify ON farm_mqtt_configs`,
	`CREATE TRIGGER farm_mqtt_configs_notify
		AFTER INSERT OR UPDATE OR DELETE ON farm_mqtt_configs
		FOR EACH ROW EXECUTE FUNCTION notify_broker_config_change()`,
}

// sqliteTypes rewrites Postgres column types into ones the SQLite driver
// round-trips: TIMESTAMP columns come back as time.Time.
var sqliteTypes = strings.NewReplacer(
	"TIMESTAMPTZ", "TIMESTAMP",
	"DOUBLE PRECISION", "REAL",
)

func (s *SQLStore) applySchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if s.dialect == dialectSQLite {
			stmt = sqliteTypes.Replace(stmt)
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	if s.dialect != dialectPostgres {
		return nil
	}
	for _, stmt := range postgresStatements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply postgres schema: %w", err)
		}
	}
	return nil
}

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

type dialect int

const (
	dialectPostgres dialect = iota
	dialectSQLite
)

// SQLStore implements Store over database/sql. Postgres (lib/pq) is the
// production backend; SQLite (modernc.org/sqlite) serves standalone edge
// deployments and tests. Queries are written with '?' placeholders and
// rebound for Postgres.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
}

// OpenPostgres connects to the external Postgres store and applies the schema.
func OpenPostgres(ctx context.Context, dsn string) (*SQLStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("db open: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return open(ctx, db, dialectPostgres)
}

// OpenSQLite opens (creating if needed) a SQLite database file.
func OpenSQLite(ctx context.Context, path string) (*SQLStore, error) {
	dsn := path + "?_time_format=sqlite&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("db open: %w", err)
	}
	// SQLite serialises writers; one connection keeps transactions simple.
	db.SetMaxOpenConns(1)
	return open(ctx, db, dialectSQLite)
}

func open(ctx context.Context, db *sql.DB, d dialect) (*SQLStore, error) {
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("db ping: %w", err)
	}
	s := &SQLStore{db: db, dialect: d}
	if err := s.applySchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// DB exposes the underlying handle, e.g. for LISTEN/NOTIFY wiring.
func (s *SQLStore) DB() *sql.DB { return s.db }

func (s *SQLStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQLStore) Close() error { return s.db.Close() }

// q rebinds '?' placeholders to '$n' for Postgres.
func (s *SQLStore) q(query string) string {
	if s.dialect != dialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// ──────────────────────────────────────────────────────────────────────────────
// Devices
// ──────────────────────────────────────────────────────────────────────────────

const deviceColumns = `id, tenant_id, farm_id, device_id, device_type, capabilities,
	device_key_hash, status, metadata, last_seen_at, created_at, updated_at`

func (s *SQLStore) GetDevice(ctx context.Context, tenantID, deviceID string) (*Device, error) {
	row := s.db.QueryRowContext(ctx, s.q(
		`SELECT `+deviceColumns+` FROM iot_devices WHERE tenant_id = ? AND device_id = ?`),
		tenantID, deviceID)
	d, err := scanDevice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get device: %w", err)
	}
	return d, nil
}

func scanDevice(row *sql.Row) (*Device, error) {
	var (
		d        Device
		caps     string
		meta     string
		lastSeen sql.NullTime
	)
	if err := row.Scan(&d.ID, &d.TenantID, &d.FarmID, &d.DeviceID, &d.DeviceType, &caps,
		&d.DeviceKeyHash, &d.Status, &meta, &lastSeen, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(caps), &d.Capabilities); err != nil {
		return nil, fmt.Errorf("decode capabilities: %w", err)
	}
	if err := json.Unmarshal([]byte(meta), &d.Metadata); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	d.LastSeenAt = timePtr(lastSeen)
	return &d, nil
}

func (s *SQLStore) InsertDevice(ctx context.Context, d *Device) error {
	return s.insertDevice(ctx, s.db, d)
}

func (s *SQLStore) insertDevice(ctx context.Context, ex execer, d *Device) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	d.UpdatedAt = now
	if d.Status == "" {
		d.Status = DeviceActive
	}
	caps, meta, err := encodeDeviceJSON(d)
	if err != nil {
		return err
	}
	res, err := ex.ExecContext(ctx, s.q(
		`INSERT INTO iot_devices (`+deviceColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (tenant_id, device_id) DO NOTHING`),
		d.ID, d.TenantID, d.FarmID, d.DeviceID, d.DeviceType, caps,
		d.DeviceKeyHash, d.Status, meta, nullTime(d.LastSeenAt), d.CreatedAt.UTC(), d.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert device: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	return nil
}

func (s *SQLStore) UpdateDevice(ctx context.Context, d *Device) error {
	d.UpdatedAt = time.Now().UTC()
	caps, meta, err := encodeDeviceJSON(d)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, s.q(
		`UPDATE iot_devices SET farm_id = ?, device_type = ?, capabilities = ?, status = ?,
		        metadata = ?, last_seen_at = ?, updated_at = ?
		 WHERE tenant_id = ? AND device_id = ?`),
		d.FarmID, d.DeviceType, caps, d.Status, meta, nullTime(d.LastSeenAt), d.UpdatedAt,
		d.TenantID, d.DeviceID)
	if err != nil {
		return fmt.Errorf("update device: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) TouchDevice(ctx context.Context, tenantID, deviceID string, seen time.Time) error {
	res, err := s.db.ExecContext(ctx, s.q(
		`UPDATE iot_devices SET last_seen_at = ?, updated_at = ? WHERE tenant_id = ? AND device_id = ?`),
		seen.UTC(), time.Now().UTC(), tenantID, deviceID)
	if err != nil {
		return fmt.Errorf("touch device: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func encodeDeviceJSON(d *Device) (string, string, error) {
	caps := d.Capabilities
	if caps == nil {
		caps = []string{}
	}
	meta := d.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	cb, err := json.Marshal(caps)
	if err != nil {
		return "", "", fmt.Errorf("encode capabilities: %w", err)
	}
	mb, err := json.Marshal(meta)
	if err != nil {
		return "", "", fmt.Errorf("encode metadata: %w", err)
	}
	return string(cb), string(mb), nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Sensors & readings
// ──────────────────────────────────────────────────────────────────────────────

func (s *SQLStore) UpsertSensor(ctx context.Context, sn *Sensor) error {
	if sn.ID == "" {
		sn.ID = uuid.NewString()
	}
	if _, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO iot_sensors (id, device_uuid, sensor_key, unit) VALUES (?, ?, ?, ?)
		 ON CONFLICT (device_uuid, sensor_key, unit) DO NOTHING`),
		sn.ID, sn.DeviceID, sn.Key, sn.Unit); err != nil {
		return fmt.Errorf("upsert sensor: %w", err)
	}
	// Re-read so callers see the surviving ID when the row already existed.
	err := s.db.QueryRowContext(ctx, s.q(
		`SELECT id FROM iot_sensors WHERE device_uuid = ? AND sensor_key = ? AND unit = ?`),
		sn.DeviceID, sn.Key, sn.Unit).Scan(&sn.ID)
	if err != nil {
		return fmt.Errorf("read sensor: %w", err)
	}
	return nil
}

func (s *SQLStore) ListSensors(ctx context.Context, deviceRowID string) ([]Sensor, error) {
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT id, device_uuid, sensor_key, unit FROM iot_sensors WHERE device_uuid = ? ORDER BY sensor_key`),
		deviceRowID)
	if err != nil {
		return nil, fmt.Errorf("list sensors: %w", err)
	}
	defer rows.Close()

	sensors := make([]Sensor, 0)
	for rows.Next() {
		var sn Sensor
		if err := rows.Scan(&sn.ID, &sn.DeviceID, &sn.Key, &sn.Unit); err != nil {
			return nil, fmt.Errorf("scan sensor: %w", err)
		}
		sensors = append(sensors, sn)
	}
	return sensors, rows.Err()
}

func (s *SQLStore) InsertReadings(ctx context.Context, readings []Reading) (int, error) {
	if len(readings) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin readings: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, s.q(
		`INSERT INTO iot_readings (sensor_id, ts, value, unit, quality) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (sensor_id, ts) DO NOTHING`))
	if err != nil {
		return 0, fmt.Errorf("prepare readings: %w", err)
	}
	defer stmt.Close()

	stored := 0
	for _, r := range readings {
		quality := r.Quality
		if quality == "" {
			quality = "good"
		}
		res, err := stmt.ExecContext(ctx, r.SensorID, r.Timestamp.UTC(), r.Value, r.Unit, quality)
		if err != nil {
			return 0, fmt.Errorf("insert reading: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			stored++
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit readings: %w", err)
	}
	return stored, nil
}

// CountReadings returns how many readings exist for a sensor.
func (s *SQLStore) CountReadings(ctx context.Context, sensorID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM iot_readings WHERE sensor_id = ?`), sensorID).Scan(&n)
	return n, err
}

// ──────────────────────────────────────────────────────────────────────────────
// Commands
// ──────────────────────────────────────────────────────────────────────────────

const commandColumns = `id, tenant_id, farm_id, device_id, command_id, type, params,
	status, detail, created_at, sent_at, acked_at`

func (s *SQLStore) InsertCommand(ctx context.Context, cmd *Command) error {
	if cmd.ID == "" {
		cmd.ID = uuid.NewString()
	}
	if cmd.Status == "" {
		cmd.Status = CommandPending
	}
	if cmd.CreatedAt.IsZero() {
		cmd.CreatedAt = time.Now().UTC()
	}
	params := cmd.Params
	if params == nil {
		params = map[string]any{}
	}
	pb, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("encode params: %w", err)
	}
	res, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO iot_commands (`+commandColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (tenant_id, device_id, command_id) DO NOTHING`),
		cmd.ID, cmd.TenantID, cmd.FarmID, cmd.DeviceID, cmd.CommandID, cmd.Type, string(pb),
		cmd.Status, cmd.Detail, cmd.CreatedAt.UTC(), nullTime(cmd.SentAt), nullTime(cmd.AckedAt))
	if err != nil {
		return fmt.Errorf("insert command: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	return nil
}

const commandKeyWhere = `tenant_id = ? AND device_id = ? AND command_id = ?`

func (s *SQLStore) GetCommand(ctx context.Context, key CommandKey) (*Command, error) {
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT `+commandColumns+` FROM iot_commands WHERE `+commandKeyWhere),
		key.TenantID, key.DeviceID, key.CommandID)
	if err != nil {
		return nil, fmt.Errorf("get command: %w", err)
	}
	cmds, err := scanCommands(rows)
	if err != nil {
		return nil, err
	}
	if len(cmds) == 0 {
		return nil, ErrNotFound
	}
	return &cmds[0], nil
}

func (s *SQLStore) ListPendingCommands(ctx context.Context, limit int) ([]Command, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT `+commandColumns+` FROM iot_commands WHERE status = ? ORDER BY created_at LIMIT ?`),
		CommandPending, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending commands: %w", err)
	}
	return scanCommands(rows)
}

func scanCommands(rows *sql.Rows) ([]Command, error) {
	defer rows.Close()
	cmds := make([]Command, 0)
	for rows.Next() {
		var (
			c      Command
			params string
			sent   sql.NullTime
			acked  sql.NullTime
		)
		if err := rows.Scan(&c.ID, &c.TenantID, &c.FarmID, &c.DeviceID, &c.CommandID, &c.Type, &params,
			&c.Status, &c.Detail, &c.CreatedAt, &sent, &acked); err != nil {
			return nil, fmt.Errorf("scan command: %w", err)
		}
		if err := json.Unmarshal([]byte(params), &c.Params); err != nil {
			return nil, fmt.Errorf("decode params: %w", err)
		}
		c.SentAt = timePtr(sent)
		c.AckedAt = timePtr(acked)
		cmds = append(cmds, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows command: %w", err)
	}
	return cmds, nil
}

func (s *SQLStore) MarkCommandSent(ctx context.Context, key CommandKey, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.q(
		`UPDATE iot_commands SET status = ?, sent_at = ? WHERE `+commandKeyWhere+` AND status = ?`),
		CommandSent, at.UTC(), key.TenantID, key.DeviceID, key.CommandID, CommandPending)
	if err != nil {
		return false, fmt.Errorf("mark command sent: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *SQLStore) UpdateCommandStatus(ctx context.Context, key CommandKey, status, detail string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, s.q(
		`UPDATE iot_commands SET status = ?, detail = ?, acked_at = ? WHERE `+commandKeyWhere),
		status, detail, at.UTC(), key.TenantID, key.DeviceID, key.CommandID)
	if err != nil {
		return fmt.Errorf("update command status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Claims
// ──────────────────────────────────────────────────────────────────────────────

const claimColumns = `id, setup_token_hash, tenant_id, farm_id, expires_at, ip_allowlist,
	user_agent, used_at, used_by_device_id, created_at`

func (s *SQLStore) InsertClaim(ctx context.Context, c *Claim) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	allow := c.IPAllowList
	if allow == nil {
		allow = []string{}
	}
	ab, err := json.Marshal(allow)
	if err != nil {
		return fmt.Errorf("encode allow-list: %w", err)
	}
	res, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO device_claims (`+claimColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (setup_token_hash) DO NOTHING`),
		c.ID, c.TokenHash, c.TenantID, c.FarmID, c.ExpiresAt.UTC(), string(ab),
		c.UserAgent, nullTime(c.UsedAt), c.UsedByDeviceID, c.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert claim: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	return nil
}

func (s *SQLStore) GetActiveClaimByHash(ctx context.Context, tokenHash string, now time.Time) (*Claim, error) {
	var (
		c     Claim
		allow string
		used  sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, s.q(
		`SELECT `+claimColumns+` FROM device_claims
		 WHERE setup_token_hash = ? AND used_at IS NULL AND expires_at > ?`),
		tokenHash, now.UTC(),
	).Scan(&c.ID, &c.TokenHash, &c.TenantID, &c.FarmID, &c.ExpiresAt, &allow,
		&c.UserAgent, &used, &c.UsedByDeviceID, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get claim: %w", err)
	}
	if err := json.Unmarshal([]byte(allow), &c.IPAllowList); err != nil {
		return nil, fmt.Errorf("decode allow-list: %w", err)
	}
	c.UsedAt = timePtr(used)
	return &c, nil
}

func (s *SQLStore) MarkClaimUsed(ctx context.Context, claimID, deviceID string, at time.Time) error {
	return s.markClaimUsed(ctx, s.db, claimID, deviceID, at)
}

func (s *SQLStore) markClaimUsed(ctx context.Context, ex execer, claimID, deviceID string, at time.Time) error {
	res, err := ex.ExecContext(ctx, s.q(
		`UPDATE device_claims SET used_at = ?, used_by_device_id = ? WHERE id = ? AND used_at IS NULL`),
		at.UTC(), deviceID, claimID)
	if err != nil {
		return fmt.Errorf("mark claim used: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrClaimUsed
	}
	return nil
}

// BindClaim consumes the claim and creates or re-keys the device atomically.
// An existing (tenant, device_id) row is re-activated with the new key hash.
func (s *SQLStore) BindClaim(ctx context.Context, claimID string, d *Device, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin bind: %w", err)
	}
	defer tx.Rollback()

	if err := s.markClaimUsed(ctx, tx, claimID, d.DeviceID, at); err != nil {
		return err
	}

	err = s.insertDevice(ctx, tx, d)
	if errors.Is(err, ErrConflict) {
		caps, _, encErr := encodeDeviceJSON(d)
		if encErr != nil {
			return encErr
		}
		_, err = tx.ExecContext(ctx, s.q(
			`UPDATE iot_devices SET farm_id = ?, device_type = ?, capabilities = ?, device_key_hash = ?,
			        status = ?, updated_at = ?
			 WHERE tenant_id = ? AND device_id = ?`),
			d.FarmID, d.DeviceType, caps, d.DeviceKeyHash, DeviceActive, at.UTC(), d.TenantID, d.DeviceID)
		if err != nil {
			return fmt.Errorf("rebind device: %w", err)
		}
	} else if err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit bind: %w", err)
	}
	return nil
}

func (s *SQLStore) DeleteExpiredClaims(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM device_claims WHERE expires_at < ?`), before.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete expired claims: %w", err)
	}
	return res.RowsAffected()
}

// ──────────────────────────────────────────────────────────────────────────────
// Farm broker configs
// ──────────────────────────────────────────────────────────────────────────────

func (s *SQLStore) ListActiveBrokerConfigs(ctx context.Context) ([]FarmBrokerConfig, error) {
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT farm_id, tenant_id, broker_url, port, auth_mode, username, secret_enc,
		        client_id_prefix, ws_path, qos, is_active, last_test_ok, last_test_at, updated_at
		 FROM farm_mqtt_configs WHERE is_active = ? ORDER BY farm_id`), true)
	if err != nil {
		return nil, fmt.Errorf("list broker configs: %w", err)
	}
	defer rows.Close()

	configs := make([]FarmBrokerConfig, 0)
	for rows.Next() {
		var (
			c        FarmBrokerConfig
			qos      int
			testOK   sql.NullBool
			testedAt sql.NullTime
		)
		if err := rows.Scan(&c.FarmID, &c.TenantID, &c.BrokerURL, &c.Port, &c.AuthMode, &c.Username,
			&c.SecretEnc, &c.ClientIDPrefix, &c.WSPath, &qos, &c.Active, &testOK, &testedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan broker config: %w", err)
		}
		c.QoS = byte(qos)
		if testOK.Valid {
			ok := testOK.Bool
			c.LastTestOK = &ok
		}
		c.LastTestAt = timePtr(testedAt)
		configs = append(configs, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows broker config: %w", err)
	}
	return configs, nil
}

// UpsertBrokerConfig writes a farm's broker configuration. The admin
// application owns these rows in production; the bridge uses this for
// standalone deployments and tests.
func (s *SQLStore) UpsertBrokerConfig(ctx context.Context, c *FarmBrokerConfig) error {
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO farm_mqtt_configs (farm_id, tenant_id, broker_url, port, auth_mode, username,
		        secret_enc, client_id_prefix, ws_path, qos, is_active, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (farm_id) DO UPDATE SET tenant_id = excluded.tenant_id,
		        broker_url = excluded.broker_url, port = excluded.port, auth_mode = excluded.auth_mode,
		        username = excluded.username, secret_enc = excluded.secret_enc,
		        client_id_prefix = excluded.client_id_prefix, ws_path = excluded.ws_path,
		        qos = excluded.qos, is_active = excluded.is_active, updated_at = excluded.updated_at`),
		c.FarmID, c.TenantID, c.BrokerURL, c.Port, c.AuthMode, c.Username, c.SecretEnc,
		c.ClientIDPrefix, c.WSPath, int(c.QoS), c.Active, c.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("upsert broker config: %w", err)
	}
	return nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

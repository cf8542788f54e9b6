// Package storage defines the Device Registry Client: the single boundary
// between the bridge and the external device/command/reading store.
// The interfaces decouple every component from a specific database.
// Swap the database by providing a different implementation.
package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a referenced row does not exist.
	ErrNotFound = errors.New("storage: not found")
	// ErrConflict is returned when an insert hits a uniqueness constraint.
	ErrConflict = errors.New("storage: already exists")
	// ErrClaimUsed is returned when a claim has already been bound.
	ErrClaimUsed = errors.New("storage: claim already used")
)

// Device lifecycle and connectivity states.
const (
	DeviceActive   = "active"
	DeviceInactive = "inactive"
	DeviceDeleted  = "deleted"
	DeviceOnline   = "online"
	DeviceOffline  = "offline"
)

// Command lifecycle states.
const (
	CommandPending = "pending"
	CommandSent    = "sent"
	CommandAcked   = "acked"
	CommandFailed  = "failed"
)

// Device is a Device Identity row. DeviceID is tenant-scoped, not globally unique.
type Device struct {
	ID            string // row UUID
	TenantID      string
	FarmID        string
	DeviceID      string
	DeviceType    string
	Capabilities  []string
	DeviceKeyHash string
	Status        string
	Metadata      map[string]any
	LastSeenAt    *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Sensor is one measurable channel of a device, resolved by (Key, Unit).
type Sensor struct {
	ID       string
	DeviceID string // Device.ID (row UUID)
	Key      string
	Unit     string
}

// Reading is an immutable measurement, unique on (SensorID, Timestamp).
type Reading struct {
	SensorID  string
	Value     float64
	Unit      string
	Timestamp time.Time
	Quality   string
}

// Command is an instruction queued for a device; rows are never deleted.
type Command struct {
	ID        string
	TenantID  string
	FarmID    string
	DeviceID  string
	CommandID string
	Type      string
	Params    map[string]any
	Status    string
	Detail    string
	CreatedAt time.Time
	SentAt    *time.Time
	AckedAt   *time.Time
}

// CommandKey identifies a command. Command IDs are chosen by callers, so they
// are only unique within one device of one tenant.
type CommandKey struct {
	TenantID  string
	DeviceID  string
	CommandID string
}

func (c *Command) Key() CommandKey {
	return CommandKey{TenantID: c.TenantID, DeviceID: c.DeviceID, CommandID: c.CommandID}
}

// Claim is a setup-token provisioning claim. The raw token is never stored.
type Claim struct {
	ID             string
	TokenHash      string
	TenantID       string
	FarmID         string
	ExpiresAt      time.Time
	IPAllowList    []string
	UserAgent      string
	UsedAt         *time.Time
	UsedByDeviceID string
	CreatedAt      time.Time
}

// Broker auth modes.
const (
	BrokerAuthAPIKey   = "api_key"
	BrokerAuthUserPass = "user_pass"
)

// FarmBrokerConfig is one tenant farm's MQTT broker configuration. SecretEnc
// is ciphertext and is only decrypted immediately before connecting.
type FarmBrokerConfig struct {
	FarmID         string
	TenantID       string
	BrokerURL      string
	Port           int
	AuthMode       string
	Username       string
	SecretEnc      string
	ClientIDPrefix string
	WSPath         string
	QoS            byte
	Active         bool
	LastTestOK     *bool
	LastTestAt     *time.Time
	UpdatedAt      time.Time
}

// Registry is the device/command/reading side of the store.
// All methods must be safe to call from multiple goroutines concurrently.
type Registry interface {
	// GetDevice looks a device up by (tenantID, deviceID). ErrNotFound on miss.
	GetDevice(ctx context.Context, tenantID, deviceID string) (*Device, error)
	// InsertDevice creates a device. ErrConflict if (tenant, device_id) exists.
	InsertDevice(ctx context.Context, d *Device) error
	// UpdateDevice writes type, capabilities, status, metadata and last-seen.
	UpdateDevice(ctx context.Context, d *Device) error
	// TouchDevice sets last_seen_at without modifying anything else.
	TouchDevice(ctx context.Context, tenantID, deviceID string, seen time.Time) error

	UpsertSensor(ctx context.Context, s *Sensor) error
	ListSensors(ctx context.Context, deviceRowID string) ([]Sensor, error)
	// InsertReadings upserts with ignore-duplicates semantics on
	// (sensor_id, ts) and returns how many rows were newly stored.
	InsertReadings(ctx context.Context, readings []Reading) (int, error)

	// InsertCommand creates a command. ErrConflict if its key exists.
	InsertCommand(ctx context.Context, cmd *Command) error
	GetCommand(ctx context.Context, key CommandKey) (*Command, error)
	ListPendingCommands(ctx context.Context, limit int) ([]Command, error)
	// MarkCommandSent moves a command pending → sent. It reports false when
	// the command was no longer pending.
	MarkCommandSent(ctx context.Context, key CommandKey, at time.Time) (bool, error)
	UpdateCommandStatus(ctx context.Context, key CommandKey, status, detail string, at time.Time) error
}

// ClaimStore persists provisioning claims.
type ClaimStore interface {
	InsertClaim(ctx context.Context, c *Claim) error
	// GetActiveClaimByHash returns an unused claim whose expires_at is after
	// now. Any other case is ErrNotFound.
	GetActiveClaimByHash(ctx context.Context, tokenHash string, now time.Time) (*Claim, error)
	// MarkClaimUsed is the conditional CLAIMED → BOUND write. ErrClaimUsed
	// when the claim was already consumed (or does not exist).
	MarkClaimUsed(ctx context.Context, claimID, deviceID string, at time.Time) error
	// BindClaim runs MarkClaimUsed and the device upsert in one transaction.
	BindClaim(ctx context.Context, claimID string, d *Device, at time.Time) error
	DeleteExpiredClaims(ctx context.Context, before time.Time) (int64, error)
}

// BrokerConfigStore serves farm broker configurations to the MQTT manager.
type BrokerConfigStore interface {
	ListActiveBrokerConfigs(ctx context.Context) ([]FarmBrokerConfig, error)
}

// Store is everything the bridge needs from the external store.
type Store interface {
	Registry
	ClaimStore
	BrokerConfigStore
	Ping(ctx context.Context) error
	Close() error
}

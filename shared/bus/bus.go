package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/google/uuid"

	"github.com/velomano/smart-on-sub004/shared/metrics"
	"github.com/velomano/smart-on-sub004/shared/router"
	"github.com/velomano/smart-on-sub004/shared/storage"
)

// Processor is what protocol adapters hand canonical messages to.
type Processor interface {
	Process(ctx context.Context, msg DeviceMessage) (Result, error)
}

// Result summarises what a processed message changed.
type Result struct {
	// Stored is the number of readings newly written by a telemetry message.
	Stored int
	// Dropped is the number of readings with no matching sensor.
	Dropped int
	// CommandID is set for command messages.
	CommandID string
	// CommandStatus is the stored status of that command. For a duplicate
	// it is the status of the row that already existed.
	CommandStatus string
	// Duplicate reports that the command already existed and nothing was
	// written.
	Duplicate bool
	// Created reports that a registry message created the device.
	Created bool
}

// Bus dispatches canonical messages to the five handlers. It is safe for
// concurrent use; idempotency comes from the store's unique keys.
type Bus struct {
	registry  storage.Registry
	publisher router.MessageRouter
	metrics   *metrics.Metrics
	log       *slog.Logger
	now       func() time.Time
	onCommand func(storage.Command)
}

// Option customises a Bus.
type Option func(*Bus)

// WithPublisher fans processed messages out through r.
func WithPublisher(r router.MessageRouter) Option { return func(b *Bus) { b.publisher = r } }

// WithMetrics records message outcomes.
func WithMetrics(m *metrics.Metrics) Option { return func(b *Bus) { b.metrics = m } }

// WithLogger sets the bus logger.
func WithLogger(l *slog.Logger) Option { return func(b *Bus) { b.log = l } }

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option { return func(b *Bus) { b.now = now } }

// WithCommandHook runs fn after a command message creates a command row.
func WithCommandHook(fn func(storage.Command)) Option { return func(b *Bus) { b.onCommand = fn } }

// New returns a Bus over registry.
func New(registry storage.Registry, opts ...Option) *Bus {
	b := &Bus{
		registry: registry,
		log:      slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Process validates msg and runs the handler for its type. A panic inside a
// handler is returned as an error so one bad message never takes down the
// adapter that delivered it.
func (b *Bus) Process(ctx context.Context, msg DeviceMessage) (res Result, err error) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = b.now()
	}
	msg.Timestamp = msg.Timestamp.UTC()
	log := b.log.With("type", msg.Type, "protocol", msg.Protocol, "tenant_id", msg.TenantID, "device_id", msg.DeviceID)

	ignored := false
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("bus: handler panic: %v", r)
			log.ErrorContext(ctx, "message handler panicked", "panic", r)
		}
		o := outcome(err)
		if ignored {
			o = metrics.OutcomeIgnored
		}
		b.metrics.Message(msg.Protocol, string(msg.Type), o)
	}()

	payload, err := Decode(msg)
	if errors.Is(err, ErrUnknownType) {
		log.WarnContext(ctx, "message of unknown type ignored")
		ignored = true
		return Result{}, nil
	}
	if err != nil {
		log.WarnContext(ctx, "message rejected", "err", err)
		return Result{}, err
	}

	switch p := payload.(type) {
	case *RegistryPayload:
		res, err = b.handleRegistry(ctx, msg, p)
	case *StatePayload:
		err = b.handleState(ctx, msg, p)
	case *TelemetryPayload:
		res, err = b.handleTelemetry(ctx, log, msg, p)
	case *CommandPayload:
		res, err = b.handleCommand(ctx, log, msg, p)
	case *AckPayload:
		err = b.handleAck(ctx, log, msg, p)
	}

	switch {
	case errors.Is(err, ErrDeviceNotFound):
		log.WarnContext(ctx, "message for unregistered device discarded")
		return res, err
	case err != nil:
		log.ErrorContext(ctx, "message handling failed", "err", err)
		return res, err
	}

	b.publish(ctx, log, msg)
	return res, nil
}

func outcome(err error) string {
	switch {
	case err == nil:
		return metrics.OutcomeOK
	case errors.Is(err, ErrValidation):
		return metrics.OutcomeInvalid
	case errors.Is(err, ErrDeviceNotFound):
		return metrics.OutcomeNotFound
	default:
		return metrics.OutcomeError
	}
}

func (b *Bus) publish(ctx context.Context, log *slog.Logger, msg DeviceMessage) {
	if b.publisher == nil {
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		log.WarnContext(ctx, "event encode failed", "err", err)
		return
	}
	subject := router.EventSubject(msg.TenantID, msg.FarmID, msg.DeviceID, string(msg.Type))
	if err := b.publisher.Publish(ctx, subject, data); err != nil {
		log.WarnContext(ctx, "event publish failed", "subject", subject, "err", err)
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Handlers
// ──────────────────────────────────────────────────────────────────────────────

// lookup returns the device or ErrDeviceNotFound. A deleted device counts as
// missing, so nothing a device sends can bring it back.
func (b *Bus) lookup(ctx context.Context, msg DeviceMessage) (*storage.Device, error) {
	d, err := b.registry.GetDevice(ctx, msg.TenantID, msg.DeviceID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrDeviceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup device: %w", err)
	}
	if d.Status == storage.DeviceDeleted {
		return nil, ErrDeviceNotFound
	}
	return d, nil
}

// handleRegistry is the only path that creates a device.
func (b *Bus) handleRegistry(ctx context.Context, msg DeviceMessage, p *RegistryPayload) (Result, error) {
	var res Result
	seen := msg.Timestamp

	d, err := b.lookup(ctx, msg)
	if errors.Is(err, ErrDeviceNotFound) {
		d = &storage.Device{
			TenantID:   msg.TenantID,
			FarmID:     msg.FarmID,
			DeviceID:   msg.DeviceID,
			Status:     storage.DeviceActive,
			Metadata:   map[string]any{},
			LastSeenAt: &seen,
		}
		applyRegistry(d, p)
		err = b.registry.InsertDevice(ctx, d)
		if err == nil {
			res.Created = true
		} else if errors.Is(err, storage.ErrConflict) {
			// Lost a race with a concurrent registry for the same device.
			d, err = b.lookup(ctx, msg)
			if err != nil {
				return res, err
			}
			applyRegistry(d, p)
			d.LastSeenAt = &seen
			err = b.registry.UpdateDevice(ctx, d)
		}
	} else if err == nil {
		applyRegistry(d, p)
		if d.FarmID == "" {
			d.FarmID = msg.FarmID
		}
		d.LastSeenAt = &seen
		err = b.registry.UpdateDevice(ctx, d)
	}
	if err != nil {
		return res, fmt.Errorf("registry: %w", err)
	}

	for _, decl := range p.Sensors {
		if err := b.registry.UpsertSensor(ctx, &storage.Sensor{DeviceID: d.ID, Key: decl.Key, Unit: decl.Unit}); err != nil {
			return res, fmt.Errorf("registry sensor %s: %w", decl.Key, err)
		}
	}
	return res, nil
}

// applyRegistry merges only the fields present in p.
func applyRegistry(d *storage.Device, p *RegistryPayload) {
	if p.DeviceType != nil {
		d.DeviceType = *p.DeviceType
	}
	if p.Capabilities != nil {
		d.Capabilities = *p.Capabilities
	}
	if len(p.Metadata) > 0 {
		if d.Metadata == nil {
			d.Metadata = map[string]any{}
		}
		maps.Copy(d.Metadata, p.Metadata)
	}
}

func (b *Bus) handleState(ctx context.Context, msg DeviceMessage, p *StatePayload) error {
	d, err := b.lookup(ctx, msg)
	if err != nil {
		return err
	}
	d.Status = storage.DeviceOnline
	if p.Online != nil && !*p.Online {
		d.Status = storage.DeviceOffline
	}
	if len(p.State) > 0 {
		if d.Metadata == nil {
			d.Metadata = map[string]any{}
		}
		maps.Copy(d.Metadata, p.State)
	}
	seen := msg.Timestamp
	d.LastSeenAt = &seen
	if err := b.registry.UpdateDevice(ctx, d); err != nil {
		return fmt.Errorf("state: %w", err)
	}
	return nil
}

func (b *Bus) handleTelemetry(ctx context.Context, log *slog.Logger, msg DeviceMessage, p *TelemetryPayload) (Result, error) {
	var res Result
	d, err := b.lookup(ctx, msg)
	if err != nil {
		return res, err
	}
	sensors, err := b.registry.ListSensors(ctx, d.ID)
	if err != nil {
		return res, fmt.Errorf("telemetry sensors: %w", err)
	}
	index := newSensorIndex(sensors)

	readings := make([]storage.Reading, 0, len(p.Readings))
	for _, r := range p.Readings {
		sensorID, ok := index.resolve(r.Key, r.Unit)
		if !ok {
			res.Dropped++
			log.WarnContext(ctx, "reading dropped, no matching sensor", "key", r.Key, "unit", r.Unit)
			continue
		}
		ts := r.TS
		if ts.IsZero() {
			ts = msg.Timestamp
		}
		readings = append(readings, storage.Reading{
			SensorID:  sensorID,
			Value:     r.Value,
			Unit:      r.Unit,
			Timestamp: ts,
			Quality:   r.Quality,
		})
	}
	if len(readings) == 0 {
		return res, nil
	}

	stored, err := b.registry.InsertReadings(ctx, readings)
	if err != nil {
		return res, fmt.Errorf("telemetry insert: %w", err)
	}
	res.Stored = stored
	b.metrics.Readings(stored)
	if stored > 0 {
		if err := b.registry.TouchDevice(ctx, msg.TenantID, msg.DeviceID, msg.Timestamp); err != nil {
			return res, fmt.Errorf("telemetry touch: %w", err)
		}
	}
	return res, nil
}

// sensorIndex resolves (key, unit) pairs. A reading without a unit matches a
// key that has exactly one sensor.
type sensorIndex struct {
	exact map[[2]string]string
	byKey map[string][]string
}

func newSensorIndex(sensors []storage.Sensor) sensorIndex {
	idx := sensorIndex{exact: make(map[[2]string]string), byKey: make(map[string][]string)}
	for _, s := range sensors {
		idx.exact[[2]string{s.Key, s.Unit}] = s.ID
		idx.byKey[s.Key] = append(idx.byKey[s.Key], s.ID)
	}
	return idx
}

func (idx sensorIndex) resolve(key, unit string) (string, bool) {
	if id, ok := idx.exact[[2]string{key, unit}]; ok {
		return id, true
	}
	if unit == "" {
		if ids := idx.byKey[key]; len(ids) == 1 {
			return ids[0], true
		}
	}
	return "", false
}

func (b *Bus) handleCommand(ctx context.Context, log *slog.Logger, msg DeviceMessage, p *CommandPayload) (Result, error) {
	var res Result
	d, err := b.lookup(ctx, msg)
	if err != nil {
		return res, err
	}

	commandID := p.CommandID
	if commandID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return res, fmt.Errorf("command id: %w", err)
		}
		commandID = id.String()
	}
	cmd := storage.Command{
		TenantID:  d.TenantID,
		FarmID:    firstNonEmpty(d.FarmID, msg.FarmID),
		DeviceID:  d.DeviceID,
		CommandID: commandID,
		Type:      p.Type,
		Params:    p.Params,
		Status:    storage.CommandPending,
		CreatedAt: msg.Timestamp,
	}
	res.CommandID = commandID
	if err := b.registry.InsertCommand(ctx, &cmd); err != nil {
		if !errors.Is(err, storage.ErrConflict) {
			return res, fmt.Errorf("command insert: %w", err)
		}
		existing, err := b.registry.GetCommand(ctx, cmd.Key())
		if errors.Is(err, storage.ErrNotFound) {
			// The key collided with a row this device cannot see.
			return res, fmt.Errorf("command %s: %w", commandID, storage.ErrConflict)
		}
		if err != nil {
			return res, fmt.Errorf("command lookup: %w", err)
		}
		log.InfoContext(ctx, "duplicate command ignored", "command_id", commandID, "status", existing.Status)
		res.CommandStatus = existing.Status
		res.Duplicate = true
		return res, nil
	}
	res.CommandStatus = cmd.Status
	if b.onCommand != nil {
		b.onCommand(cmd)
	}
	return res, nil
}

// handleAck never fails for unknown or already-finished commands: those are
// logged and ignored. Commands are looked up under the acking device, so
// another device's command is simply unknown here.
func (b *Bus) handleAck(ctx context.Context, log *slog.Logger, msg DeviceMessage, p *AckPayload) error {
	key := storage.CommandKey{TenantID: msg.TenantID, DeviceID: msg.DeviceID, CommandID: p.CommandID}
	cmd, err := b.registry.GetCommand(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		log.InfoContext(ctx, "ack for unknown command ignored", "command_id", p.CommandID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("ack lookup: %w", err)
	}
	if cmd.Status == storage.CommandAcked || cmd.Status == storage.CommandFailed {
		log.DebugContext(ctx, "ack for finished command ignored", "command_id", p.CommandID, "status", cmd.Status)
		return nil
	}

	status, detail := AckStatus(p.Status), p.DetailText()
	if detail == "" && p.Status != "" && p.Status != status {
		detail = p.Status
	}
	if err := b.registry.UpdateCommandStatus(ctx, key, status, detail, msg.Timestamp); err != nil {
		return fmt.Errorf("ack update: %w", err)
	}
	return nil
}

// AckStatus maps a device-reported status onto the command lifecycle.
// Failure words mean failed; anything else, including none, means acked.
func AckStatus(reported string) string {
	switch reported {
	case storage.CommandFailed, "fail", "error", "rejected", "timeout":
		return storage.CommandFailed
	default:
		return storage.CommandAcked
	}
}

// Package dispatch delivers pending commands to devices over whichever
// transport currently reaches them.
//
// Delivery is at-least-once: a command leaves pending only after a transport
// accepted it, and a crash between delivery and the sent transition means it
// is delivered again next cycle. Every frame carries command_id so devices
// can drop repeats.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/velomano/smart-on-sub004/shared/metrics"
	"github.com/velomano/smart-on-sub004/shared/storage"
)

// ErrNotConnected means a transport has no live route to the device.
// Transports wrap it in their own sentinel.
var ErrNotConnected = errors.New("device not connected")

const (
	DefaultInterval  = 10 * time.Second
	DefaultBatchSize = 100
)

// Transport delivers one command frame to a device.
type Transport interface {
	Name() string
	Deliver(ctx context.Context, cmd storage.Command) error
}

// Frame is the JSON body transports put on the wire.
type Frame struct {
	CommandID string         `json:"command_id"`
	Type      string         `json:"type"`
	Params    map[string]any `json:"params,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// NewFrame builds the wire frame for cmd.
func NewFrame(cmd storage.Command) Frame {
	return Frame{CommandID: cmd.CommandID, Type: cmd.Type, Params: cmd.Params, CreatedAt: cmd.CreatedAt}
}

// Dispatcher scans pending commands on a ticker, or immediately when kicked.
type Dispatcher struct {
	registry   storage.Registry
	transports []Transport
	interval   time.Duration
	batch      int
	kick       chan struct{}
	log        *slog.Logger
	metrics    *metrics.Metrics
	now        func() time.Time
}

// Option customises a Dispatcher.
type Option func(*Dispatcher)

func WithInterval(d time.Duration) Option {
	return func(x *Dispatcher) {
		if d > 0 {
			x.interval = d
		}
	}
}

func WithBatchSize(n int) Option {
	return func(x *Dispatcher) {
		if n > 0 {
			x.batch = n
		}
	}
}

func WithLogger(l *slog.Logger) Option { return func(x *Dispatcher) { x.log = l } }

func WithMetrics(m *metrics.Metrics) Option { return func(x *Dispatcher) { x.metrics = m } }

func WithClock(now func() time.Time) Option { return func(x *Dispatcher) { x.now = now } }

// New returns a Dispatcher trying transports in order.
func New(registry storage.Registry, transports []Transport, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		registry:   registry,
		transports: transports,
		interval:   DefaultInterval,
		batch:      DefaultBatchSize,
		kick:       make(chan struct{}, 1),
		log:        slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Kick requests a cycle without waiting for the ticker. It never blocks.
func (d *Dispatcher) Kick() {
	select {
	case d.kick <- struct{}{}:
	default:
	}
}

// Run dispatches until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-d.kick:
		}
		if _, err := d.DispatchOnce(ctx); err != nil && ctx.Err() == nil {
			d.log.ErrorContext(ctx, "dispatch cycle failed", "err", err)
		}
	}
}

// DispatchOnce runs one cycle and returns how many commands moved to sent.
// Undeliverable commands stay pending for the next cycle.
func (d *Dispatcher) DispatchOnce(ctx context.Context) (int, error) {
	pending, err := d.registry.ListPendingCommands(ctx, d.batch)
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, cmd := range pending {
		if ctx.Err() != nil {
			return sent, ctx.Err()
		}
		transport, ok := d.deliver(ctx, cmd)
		if !ok {
			continue
		}
		moved, err := d.registry.MarkCommandSent(ctx, cmd.Key(), d.now())
		if err != nil {
			d.log.ErrorContext(ctx, "mark command sent failed", "command_id", cmd.CommandID, "err", err)
			continue
		}
		d.metrics.Dispatched(transport)
		if moved {
			sent++
		}
		d.log.InfoContext(ctx, "command dispatched", "command_id", cmd.CommandID,
			"device_id", cmd.DeviceID, "transport", transport)
	}
	return sent, nil
}

func (d *Dispatcher) deliver(ctx context.Context, cmd storage.Command) (string, bool) {
	for _, t := range d.transports {
		err := t.Deliver(ctx, cmd)
		if err == nil {
			return t.Name(), true
		}
		if errors.Is(err, ErrNotConnected) {
			continue
		}
		d.log.WarnContext(ctx, "command delivery failed", "command_id", cmd.CommandID,
			"transport", t.Name(), "err", err)
	}
	d.log.DebugContext(ctx, "no live route for command", "command_id", cmd.CommandID, "device_id", cmd.DeviceID)
	return "", false
}

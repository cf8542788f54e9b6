// Package serialbridge is the serial/USB adapter. Devices on a port speak
// newline-delimited JSON frames {"type","device_id","data"}; the port's
// configuration supplies tenant and farm. Commands are written back as JSON
// lines on the port that last carried the device.
package serialbridge

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/goburrow/serial"

	"github.com/velomano/smart-on-sub004/shared/bus"
	"github.com/velomano/smart-on-sub004/shared/dispatch"
	"github.com/velomano/smart-on-sub004/shared/metrics"
	"github.com/velomano/smart-on-sub004/shared/storage"
)

// ErrNotConnected means no open port has carried the device.
var ErrNotConnected = fmt.Errorf("serialbridge: %w", dispatch.ErrNotConnected)

const (
	DefaultRetry  = 5 * time.Second
	maxLine       = 64 << 10
	handleTimeout = 30 * time.Second
)

// Frame is one line on the wire.
type Frame struct {
	Type     string          `json:"type"`
	DeviceID string          `json:"device_id,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// Adapter owns the open ports and the device → port routes.
type Adapter struct {
	ports   []PortConfig
	open    Opener
	proc    bus.Processor
	retry   time.Duration
	log     *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu     sync.RWMutex
	live   map[string]*portConn
	routes map[string]string
}

type portConn struct {
	cfg PortConfig
	rw  io.ReadWriteCloser
	wmu sync.Mutex
}

// Option customises an Adapter.
type Option func(*Adapter)

func WithOpener(o Opener) Option { return func(a *Adapter) { a.open = o } }

func WithRetry(d time.Duration) Option { return func(a *Adapter) { a.retry = d } }

func WithLogger(l *slog.Logger) Option { return func(a *Adapter) { a.log = l } }

func WithMetrics(m *metrics.Metrics) Option { return func(a *Adapter) { a.metrics = m } }

func WithClock(now func() time.Time) Option { return func(a *Adapter) { a.now = now } }

// New returns an Adapter for ports. Nothing is opened until Run.
func New(ports []PortConfig, proc bus.Processor, opts ...Option) *Adapter {
	a := &Adapter{
		ports:  ports,
		open:   OpenSerial,
		proc:   proc,
		retry:  DefaultRetry,
		log:    slog.Default(),
		now:    time.Now,
		live:   make(map[string]*portConn),
		routes: make(map[string]string),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Run serves every port until ctx is cancelled, reopening ports that fail.
func (a *Adapter) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, pc := range a.ports {
		wg.Add(1)
		go func(pc PortConfig) {
			defer wg.Done()
			a.runPort(ctx, pc)
		}(pc)
	}
	wg.Wait()
	return ctx.Err()
}

func (a *Adapter) runPort(ctx context.Context, pc PortConfig) {
	log := a.log.With("port", pc.Name, "tenant_id", pc.TenantID)
	for ctx.Err() == nil {
		rw, err := a.open(pc)
		if err != nil {
			log.Warn("serial open failed", "address", pc.Address, "err", err)
		} else {
			log.Info("serial port open", "address", pc.Address)
			err = a.serve(ctx, pc, rw, log)
			if ctx.Err() == nil {
				log.Warn("serial port closed", "err", err)
			}
		}
		select {
		case <-ctx.Done():
		case <-time.After(a.retry):
		}
	}
}

func (a *Adapter) serve(ctx context.Context, pc PortConfig, rw io.ReadWriteCloser, log *slog.Logger) error {
	conn := &portConn{cfg: pc, rw: rw}
	a.mu.Lock()
	a.live[pc.Name] = conn
	a.mu.Unlock()

	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-stop:
		}
		rw.Close()
	}()
	defer func() {
		close(stop)
		a.mu.Lock()
		delete(a.live, pc.Name)
		for dev, port := range a.routes {
			if port == pc.Name {
				delete(a.routes, dev)
			}
		}
		a.mu.Unlock()
	}()

	r := bufio.NewReaderSize(rw, 4096)
	var pending []byte
	discarding := false
	for {
		chunk, err := r.ReadSlice('\n')
		if !discarding {
			pending = append(pending, chunk...)
		}
		switch {
		case err == nil:
			if !discarding {
				a.handleLine(conn, bytes.TrimSpace(pending), log)
			}
			pending, discarding = pending[:0], false
		case errors.Is(err, bufio.ErrBufferFull):
			if !discarding && len(pending) > maxLine {
				log.Warn("serial line too long, discarded", "bytes", len(pending))
				pending, discarding = pending[:0], true
			}
		case errors.Is(err, serial.ErrTimeout):
			// idle port; keep any partial line
		default:
			return err
		}
	}
}

// handleLine is the adapter's dispatch boundary: a bad line never closes
// the port.
func (a *Adapter) handleLine(conn *portConn, line []byte, log *slog.Logger) {
	if len(line) == 0 {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Error("serial line handler panicked", "panic", r)
		}
	}()
	var f Frame
	if err := json.Unmarshal(line, &f); err != nil {
		log.Warn("serial line is not json", "err", err)
		a.metrics.Message(bus.ProtocolSerial, "frame", metrics.OutcomeInvalid)
		return
	}
	if f.Type == "ping" {
		_ = a.writeFrame(conn, Frame{Type: "pong", DeviceID: f.DeviceID})
		return
	}
	if f.DeviceID == "" {
		log.Warn("serial frame without device_id", "type", f.Type)
		a.metrics.Message(bus.ProtocolSerial, f.Type, metrics.OutcomeInvalid)
		return
	}

	var typ bus.MessageType
	switch f.Type {
	case "registry":
		typ = bus.TypeRegistry
	case "state":
		typ = bus.TypeState
	case "telemetry":
		typ = bus.TypeTelemetry
	case "ack":
		typ = bus.TypeAck
	default:
		log.Warn("serial frame type unknown", "type", f.Type)
		a.metrics.Message(bus.ProtocolSerial, f.Type, metrics.OutcomeInvalid)
		return
	}

	a.mu.Lock()
	a.routes[routeKey(conn.cfg.TenantID, f.DeviceID)] = conn.cfg.Name
	a.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), handleTimeout)
	defer cancel()
	payload := f.Data
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	_, err := a.proc.Process(ctx, bus.DeviceMessage{
		Type:      typ,
		Protocol:  bus.ProtocolSerial,
		DeviceID:  f.DeviceID,
		TenantID:  conn.cfg.TenantID,
		FarmID:    conn.cfg.FarmID,
		Payload:   payload,
		Timestamp: a.now(),
	})
	if err != nil {
		log.Debug("serial frame not processed", "device_id", f.DeviceID, "type", f.Type, "err", err)
	}
}

func (a *Adapter) writeFrame(conn *portConn, f Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	conn.wmu.Lock()
	defer conn.wmu.Unlock()
	_, err = conn.rw.Write(data)
	return err
}

func routeKey(tenantID, deviceID string) string { return tenantID + "/" + deviceID }

// Name implements dispatch.Transport.
func (a *Adapter) Name() string { return "serial" }

// Deliver writes the command as a JSON line to the device's port.
func (a *Adapter) Deliver(ctx context.Context, cmd storage.Command) error {
	a.mu.RLock()
	conn, ok := a.live[a.routes[routeKey(cmd.TenantID, cmd.DeviceID)]]
	a.mu.RUnlock()
	if !ok {
		return ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(dispatch.NewFrame(cmd))
	if err != nil {
		return fmt.Errorf("serialbridge: encode command: %w", err)
	}
	if err := a.writeFrame(conn, Frame{Type: "command", DeviceID: cmd.DeviceID, Data: data}); err != nil {
		return fmt.Errorf("serialbridge: write %s: %w", conn.cfg.Name, err)
	}
	return nil
}

// OpenPorts lists the names of currently open ports.
func (a *Adapter) OpenPorts() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]string, 0, len(a.live))
	for name := range a.live {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

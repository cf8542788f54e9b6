// Package wsbridge is the WebSocket adapter. Devices hold a socket on
// /ws/{deviceId} to send telemetry and acks and to receive commands;
// observers hold /monitor/{setupToken} to watch a claim get bound and then
// follow the bound device's telemetry.
package wsbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/velomano/smart-on-sub004/shared/auth"
	"github.com/velomano/smart-on-sub004/shared/bus"
	"github.com/velomano/smart-on-sub004/shared/dispatch"
	"github.com/velomano/smart-on-sub004/shared/metrics"
	"github.com/velomano/smart-on-sub004/shared/provision"
	"github.com/velomano/smart-on-sub004/shared/router"
	"github.com/velomano/smart-on-sub004/shared/storage"
)

// ErrNotConnected means the device has no open socket.
var ErrNotConnected = fmt.Errorf("wsbridge: %w", dispatch.ErrNotConnected)

const (
	writeWait     = 10 * time.Second
	pongWait      = 60 * time.Second
	pingPeriod    = pongWait * 9 / 10
	maxFrameSize  = 64 << 10
	sendBuffer    = 32
	handleTimeout = 30 * time.Second
)

// Frame is the envelope of every message in both directions.
type Frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// CommandFrame is pushed to a device for each dispatched command.
type CommandFrame struct {
	Type    string         `json:"type"`
	ID      string         `json:"id"`
	Command string         `json:"command"`
	Payload map[string]any `json:"payload,omitempty"`
}

// TokenVerifier checks device JWTs.
type TokenVerifier interface {
	VerifyToken(token string) (*auth.DeviceClaims, error)
}

// ClaimLookup resolves a raw setup token to its open claim, nil if none.
type ClaimLookup interface {
	GetClaimByToken(ctx context.Context, rawToken string) (*storage.Claim, error)
}

// Config bounds the hub.
type Config struct {
	MaxConnections int
	FrameRate      rate.Limit
	FrameBurst     int
}

// Hub owns the device and monitor socket maps.
type Hub struct {
	tokens   TokenVerifier
	claims   ClaimLookup
	proc     bus.Processor
	events   router.MessageRouter
	cfg      Config
	log      *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
	upgrader websocket.Upgrader

	mu       sync.RWMutex
	devices  map[string]*deviceConn
	monitors map[string]map[*monitorConn]struct{}
}

// Option customises a Hub.
type Option func(*Hub)

// WithEvents lets monitor sockets follow device telemetry through r.
func WithEvents(r router.MessageRouter) Option { return func(h *Hub) { h.events = r } }

func WithLogger(l *slog.Logger) Option { return func(h *Hub) { h.log = l } }

func WithMetrics(m *metrics.Metrics) Option { return func(h *Hub) { h.metrics = m } }

func WithClock(now func() time.Time) Option { return func(h *Hub) { h.now = now } }

// NewHub returns an empty Hub.
func NewHub(tokens TokenVerifier, claims ClaimLookup, proc bus.Processor, cfg Config, opts ...Option) *Hub {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 1000
	}
	if cfg.FrameRate <= 0 {
		cfg.FrameRate = 20
	}
	if cfg.FrameBurst <= 0 {
		cfg.FrameBurst = 40
	}
	h := &Hub{
		tokens: tokens,
		claims: claims,
		proc:   proc,
		cfg:    cfg,
		log:    slog.Default(),
		now:    time.Now,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Devices are not browsers; origin carries no meaning here.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		devices:  make(map[string]*deviceConn),
		monitors: make(map[string]map[*monitorConn]struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register mounts the socket endpoints on mux.
func (h *Hub) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws/{deviceId}", h.ServeDevice)
	mux.HandleFunc("GET /monitor/{setupToken}", h.ServeMonitor)
}

// ──────────────────────────────────────────────────────────────────────────────
// Peer plumbing
// ──────────────────────────────────────────────────────────────────────────────

type outbound struct {
	data   []byte
	result chan error
}

// peer serialises writes to one socket. Only writePump writes to conn.
type peer struct {
	conn *websocket.Conn
	send chan outbound
	done chan struct{}
	once sync.Once
}

func newPeer(conn *websocket.Conn) *peer {
	return &peer{conn: conn, send: make(chan outbound, sendBuffer), done: make(chan struct{})}
}

func (p *peer) close() {
	p.once.Do(func() {
		close(p.done)
		p.conn.Close()
	})
}

func (p *peer) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer p.close()
	for {
		select {
		case out := <-p.send:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := p.conn.WriteMessage(websocket.TextMessage, out.data)
			if out.result != nil {
				out.result <- err
			}
			if err != nil {
				return
			}
		case <-ticker.C:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-p.done:
			return
		}
	}
}

// post queues a frame without waiting; a full buffer drops it.
func (p *peer) post(v any) bool {
	data, err := json.Marshal(v)
	if err != nil {
		return false
	}
	select {
	case p.send <- outbound{data: data}:
		return true
	case <-p.done:
		return false
	default:
		return false
	}
}

// deliver queues data and waits until it was written.
func (p *peer) deliver(ctx context.Context, data []byte) error {
	res := make(chan error, 1)
	select {
	case p.send <- outbound{data: data, result: res}:
	case <-p.done:
		return ErrNotConnected
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-res:
		if err != nil {
			return fmt.Errorf("wsbridge: write: %w", err)
		}
		return nil
	case <-p.done:
		return ErrNotConnected
	case <-ctx.Done():
		return ctx.Err()
	}
}

// readLoop reads frames until the socket fails, keeping the read deadline
// alive on pongs and on traffic.
func (p *peer) readLoop(fn func(data []byte)) error {
	p.conn.SetReadLimit(maxFrameSize)
	_ = p.conn.SetReadDeadline(time.Now().Add(pongWait))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			return err
		}
		_ = p.conn.SetReadDeadline(time.Now().Add(pongWait))
		fn(data)
	}
}

func closedNormally(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}

func httpError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// ──────────────────────────────────────────────────────────────────────────────
// Device sockets
// ──────────────────────────────────────────────────────────────────────────────

type deviceConn struct {
	*peer
	tenantID string
	farmID   string
	deviceID string
	limiter  *rate.Limiter
}

func deviceKey(tenantID, deviceID string) string { return tenantID + "/" + deviceID }

// ServeDevice authenticates a device token (Bearer header or token query
// parameter) bound to the path's device ID and upgrades the connection. A
// second socket for the same device replaces the first.
func (h *Hub) ServeDevice(w http.ResponseWriter, r *http.Request) {
	deviceID := r.PathValue("deviceId")
	raw := auth.BearerToken(r)
	if raw == "" {
		raw = r.URL.Query().Get("token")
	}
	claims, err := h.tokens.VerifyToken(raw)
	if err != nil || claims.DeviceID != deviceID {
		h.log.Debug("websocket device auth failed", "device_id", deviceID)
		httpError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	key := deviceKey(claims.TenantID, deviceID)
	if !h.hasRoom(key) {
		httpError(w, http.StatusServiceUnavailable, "too many connections")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "device_id", deviceID, "err", err)
		return
	}
	dc := &deviceConn{
		peer:     newPeer(conn),
		tenantID: claims.TenantID,
		farmID:   claims.FarmID,
		deviceID: deviceID,
		limiter:  rate.NewLimiter(h.cfg.FrameRate, h.cfg.FrameBurst),
	}
	if !h.addDevice(key, dc) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "too many connections"),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}
	log := h.log.With("device_id", deviceID, "tenant_id", claims.TenantID)
	log.Info("websocket device connected")

	go dc.writePump()
	err = dc.readLoop(func(data []byte) { h.handleDeviceFrame(dc, data, log) })
	h.removeDevice(key, dc)
	dc.close()
	if closedNormally(err) {
		log.Info("websocket device disconnected")
	} else {
		log.Warn("websocket device dropped", "err", err)
	}
}

func (h *Hub) hasRoom(key string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, replacing := h.devices[key]
	return replacing || len(h.devices) < h.cfg.MaxConnections
}

func (h *Hub) addDevice(key string, dc *deviceConn) bool {
	h.mu.Lock()
	old, replacing := h.devices[key]
	if !replacing && len(h.devices) >= h.cfg.MaxConnections {
		h.mu.Unlock()
		return false
	}
	h.devices[key] = dc
	n := len(h.devices)
	h.mu.Unlock()
	if replacing {
		old.close()
	}
	h.metrics.SetWSDeviceSockets(n)
	return true
}

func (h *Hub) removeDevice(key string, dc *deviceConn) {
	h.mu.Lock()
	if h.devices[key] == dc {
		delete(h.devices, key)
	}
	n := len(h.devices)
	h.mu.Unlock()
	h.metrics.SetWSDeviceSockets(n)
}

// handleDeviceFrame is the adapter's dispatch boundary: a bad frame never
// closes the socket.
func (h *Hub) handleDeviceFrame(dc *deviceConn, data []byte, log *slog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("websocket frame handler panicked", "panic", r)
		}
	}()
	if !dc.limiter.Allow() {
		log.Warn("websocket frame rate exceeded")
		h.metrics.Message(bus.ProtocolWebSocket, "frame", metrics.OutcomeDropped)
		return
	}
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		log.Warn("websocket frame is not json", "err", err)
		h.metrics.Message(bus.ProtocolWebSocket, "frame", metrics.OutcomeInvalid)
		return
	}

	var typ bus.MessageType
	switch f.Type {
	case "ping":
		dc.post(Frame{Type: "pong"})
		return
	case "telemetry":
		typ = bus.TypeTelemetry
	case "ack":
		typ = bus.TypeAck
	case "state":
		typ = bus.TypeState
	case "registry":
		typ = bus.TypeRegistry
	default:
		log.Warn("websocket frame type unknown", "type", f.Type)
		h.metrics.Message(bus.ProtocolWebSocket, f.Type, metrics.OutcomeInvalid)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), handleTimeout)
	defer cancel()
	_, err := h.proc.Process(ctx, bus.DeviceMessage{
		Type:      typ,
		Protocol:  bus.ProtocolWebSocket,
		DeviceID:  dc.deviceID,
		TenantID:  dc.tenantID,
		FarmID:    dc.farmID,
		Payload:   f.Data,
		Timestamp: h.now(),
	})
	if err != nil {
		log.Debug("websocket frame not processed", "type", f.Type, "err", err)
	}
}

// Connected reports whether the device has an open socket.
func (h *Hub) Connected(tenantID, deviceID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.devices[deviceKey(tenantID, deviceID)]
	return ok
}

// DeviceCount is the number of open device sockets.
func (h *Hub) DeviceCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.devices)
}

// Name implements dispatch.Transport.
func (h *Hub) Name() string { return "websocket" }

// Deliver writes the command frame to the device's socket and returns once
// it is on the wire.
func (h *Hub) Deliver(ctx context.Context, cmd storage.Command) error {
	h.mu.RLock()
	dc, ok := h.devices[deviceKey(cmd.TenantID, cmd.DeviceID)]
	h.mu.RUnlock()
	if !ok {
		return ErrNotConnected
	}
	data, err := json.Marshal(CommandFrame{
		Type:    "command",
		ID:      cmd.CommandID,
		Command: cmd.Type,
		Payload: cmd.Params,
	})
	if err != nil {
		return fmt.Errorf("wsbridge: encode command: %w", err)
	}
	return dc.deliver(ctx, data)
}

// ──────────────────────────────────────────────────────────────────────────────
// Monitor sockets
// ──────────────────────────────────────────────────────────────────────────────

type monitorConn struct {
	*peer
	tokenHash string
	ctx       context.Context
	cancel    context.CancelFunc
	follow    sync.Once
}

// BoundFrame announces the device a watched claim was bound to.
type BoundFrame struct {
	DeviceID string `json:"device_id"`
	TenantID string `json:"tenant_id"`
	FarmID   string `json:"farm_id,omitempty"`
}

// ServeMonitor upgrades an observer holding an open claim's setup token.
func (h *Hub) ServeMonitor(w http.ResponseWriter, r *http.Request) {
	raw := r.PathValue("setupToken")
	claim, err := h.claims.GetClaimByToken(r.Context(), raw)
	if err != nil {
		h.log.Error("monitor claim lookup failed", "err", err)
		httpError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if claim == nil {
		httpError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "claim_id", claim.ID, "err", err)
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	mc := &monitorConn{peer: newPeer(conn), tokenHash: claim.TokenHash, ctx: ctx, cancel: cancel}
	h.addMonitor(mc)
	log := h.log.With("claim_id", claim.ID, "tenant_id", claim.TenantID)
	log.Info("monitor connected")

	go mc.writePump()
	err = mc.readLoop(func(data []byte) {
		var f Frame
		if json.Unmarshal(data, &f) == nil && f.Type == "ping" {
			mc.post(Frame{Type: "pong"})
		}
	})
	h.removeMonitor(mc)
	cancel()
	mc.close()
	if !closedNormally(err) {
		log.Debug("monitor dropped", "err", err)
	}
}

func (h *Hub) addMonitor(mc *monitorConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.monitors[mc.tokenHash]
	if !ok {
		set = make(map[*monitorConn]struct{})
		h.monitors[mc.tokenHash] = set
	}
	set[mc] = struct{}{}
}

func (h *Hub) removeMonitor(mc *monitorConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.monitors[mc.tokenHash]
	delete(set, mc)
	if len(set) == 0 {
		delete(h.monitors, mc.tokenHash)
	}
}

// NotifyBound tells the claim's observers which device it was bound to and
// starts streaming that device's telemetry to them. It never blocks.
func (h *Hub) NotifyBound(ev provision.BoundEvent) {
	h.mu.RLock()
	watchers := make([]*monitorConn, 0, len(h.monitors[ev.TokenHash]))
	for mc := range h.monitors[ev.TokenHash] {
		watchers = append(watchers, mc)
	}
	h.mu.RUnlock()
	if len(watchers) == 0 {
		return
	}

	data, _ := json.Marshal(BoundFrame{DeviceID: ev.DeviceID, TenantID: ev.TenantID, FarmID: ev.FarmID})
	for _, mc := range watchers {
		mc.post(Frame{Type: "device_bound", Data: data})
		if h.events != nil {
			mc.follow.Do(func() { go h.followDevice(mc, ev) })
		}
	}
}

func (h *Hub) followDevice(mc *monitorConn, ev provision.BoundEvent) {
	ch, err := h.events.Subscribe(mc.ctx, router.DeviceSubject(ev.TenantID, ev.DeviceID, string(bus.TypeTelemetry)))
	if err != nil {
		h.log.Warn("monitor subscribe failed", "device_id", ev.DeviceID, "err", err)
		return
	}
	for msg := range ch {
		mc.post(Frame{Type: "telemetry", Data: json.RawMessage(msg.Data)})
	}
}

// Close drops every socket.
func (h *Hub) Close() {
	h.mu.Lock()
	devices := make([]*deviceConn, 0, len(h.devices))
	for _, dc := range h.devices {
		devices = append(devices, dc)
	}
	var monitors []*monitorConn
	for _, set := range h.monitors {
		for mc := range set {
			monitors = append(monitors, mc)
		}
	}
	h.mu.Unlock()
	for _, dc := range devices {
		dc.close()
	}
	for _, mc := range monitors {
		mc.cancel()
		mc.close()
	}
}

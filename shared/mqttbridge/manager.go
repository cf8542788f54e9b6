// Package mqttbridge keeps one persistent MQTT session per active tenant farm,
// routes inbound device topics into the message bus, and publishes commands.
package mqttbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/velomano/smart-on-sub004/shared/bus"
	"github.com/velomano/smart-on-sub004/shared/dispatch"
	"github.com/velomano/smart-on-sub004/shared/metrics"
	"github.com/velomano/smart-on-sub004/shared/storage"
)

// ErrNotConnected means the command's farm has no live connection.
var ErrNotConnected = fmt.Errorf("mqttbridge: %w", dispatch.ErrNotConnected)

const (
	ConnectTimeout    = 30 * time.Second
	KeepAlive         = 60 * time.Second
	ReconnectPeriod   = 5 * time.Second
	publishTimeout    = 10 * time.Second
	handleTimeout     = 30 * time.Second
	disconnectQuiesce = 250
)

// SecretOpener decrypts a stored broker secret.
type SecretOpener interface {
	Decrypt(ciphertext string) (string, error)
}

// ClientFactory builds an MQTT client; tests replace mqtt.NewClient.
type ClientFactory func(opts *mqtt.ClientOptions) mqtt.Client

// Config holds the manager's fixed settings.
type Config struct {
	DefaultPort    int
	DefaultTLSPort int
}

// Manager owns the farm → connection map. Every add and remove goes through
// it; nothing else caches whether a farm is connected.
type Manager struct {
	store     storage.BrokerConfigStore
	secrets   SecretOpener
	proc      bus.Processor
	cfg       Config
	newClient ClientFactory
	log       *slog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time

	// opMu serialises connect/disconnect so a farm never gets two sessions.
	opMu  sync.Mutex
	mu    sync.RWMutex
	conns map[string]*farmConn
}

type farmConn struct {
	cfg      storage.FarmBrokerConfig
	clientID string
	client   mqtt.Client
}

// Option customises a Manager.
type Option func(*Manager)

func WithClientFactory(f ClientFactory) Option { return func(m *Manager) { m.newClient = f } }

func WithLogger(l *slog.Logger) Option { return func(m *Manager) { m.log = l } }

func WithMetrics(mt *metrics.Metrics) Option { return func(m *Manager) { m.metrics = mt } }

func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

// NewManager returns a Manager with no connections.
func NewManager(store storage.BrokerConfigStore, secrets SecretOpener, proc bus.Processor, cfg Config, opts ...Option) *Manager {
	if cfg.DefaultPort == 0 {
		cfg.DefaultPort = 1883
	}
	if cfg.DefaultTLSPort == 0 {
		cfg.DefaultTLSPort = 8883
	}
	m := &Manager{
		store:     store,
		secrets:   secrets,
		proc:      proc,
		cfg:       cfg,
		newClient: mqtt.NewClient,
		log:       slog.Default(),
		now:       time.Now,
		conns:     make(map[string]*farmConn),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ──────────────────────────────────────────────────────────────────────────────
// Connection lifecycle
// ──────────────────────────────────────────────────────────────────────────────

// Connect opens the farm's session, replacing any existing one.
func (m *Manager) Connect(ctx context.Context, cfg storage.FarmBrokerConfig) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	m.disconnectLocked(cfg.FarmID, "replaced")
	return m.connectLocked(ctx, cfg)
}

// Disconnect ends the farm's session if there is one.
func (m *Manager) Disconnect(farmID string) {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	m.disconnectLocked(farmID, "requested")
}

func (m *Manager) connectLocked(ctx context.Context, cfg storage.FarmBrokerConfig) error {
	log := m.log.With("farm_id", cfg.FarmID, "tenant_id", cfg.TenantID)

	opts, clientID, err := m.clientOptions(cfg)
	if err != nil {
		return err
	}
	fc := &farmConn{cfg: cfg, clientID: clientID}
	// Subscribe and mark online as one sequence on every (re)connect.
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		m.onConnect(c, fc, log)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Warn("mqtt connection lost", "err", err)
	})
	opts.SetReconnectingHandler(func(mqtt.Client, *mqtt.ClientOptions) {
		log.Info("mqtt reconnecting")
	})

	client := m.newClient(opts)
	token := client.Connect()
	if err := waitToken(ctx, token, ConnectTimeout); err != nil {
		client.Disconnect(0)
		log.Warn("mqtt connect failed", "err", err)
		return fmt.Errorf("mqtt connect farm %s: %w", cfg.FarmID, err)
	}
	fc.client = client

	m.mu.Lock()
	m.conns[cfg.FarmID] = fc
	n := len(m.conns)
	m.mu.Unlock()
	m.metrics.SetMQTTConnections(n)
	log.Info("mqtt connected", "client_id", clientID)
	return nil
}

// clientOptions builds the paho options. The broker secret is decrypted
// here and only lives as long as the options it is written into.
func (m *Manager) clientOptions(cfg storage.FarmBrokerConfig) (*mqtt.ClientOptions, string, error) {
	broker, err := m.brokerURL(cfg)
	if err != nil {
		return nil, "", err
	}
	prefix := cfg.ClientIDPrefix
	if prefix == "" {
		prefix = "bridge"
	}
	clientID := fmt.Sprintf("%s-%s-%d", prefix, cfg.FarmID, m.now().UnixMilli())

	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetCleanSession(false).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(ReconnectPeriod).
		SetConnectTimeout(ConnectTimeout).
		SetKeepAlive(KeepAlive).
		SetOrderMatters(false).
		SetWill(StatusTopic(cfg.FarmID), `{"online":false}`, 1, true)

	if cfg.SecretEnc != "" {
		secret, err := m.secrets.Decrypt(cfg.SecretEnc)
		if err != nil {
			return nil, "", fmt.Errorf("mqtt farm %s: decrypt secret: %w", cfg.FarmID, err)
		}
		switch cfg.AuthMode {
		case storage.BrokerAuthAPIKey:
			if cfg.Username == "" {
				opts.SetUsername(secret)
			} else {
				opts.SetUsername(cfg.Username)
				opts.SetPassword(secret)
			}
		default:
			opts.SetUsername(cfg.Username)
			opts.SetPassword(secret)
		}
	} else if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	return opts, clientID, nil
}

// brokerURL normalises the configured broker address into a paho server URI,
// filling in the default port and WebSocket path.
func (m *Manager) brokerURL(cfg storage.FarmBrokerConfig) (string, error) {
	raw := strings.TrimSpace(cfg.BrokerURL)
	if raw == "" {
		return "", fmt.Errorf("mqtt farm %s: empty broker url", cfg.FarmID)
	}
	if !strings.Contains(raw, "://") {
		raw = "tcp://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return "", fmt.Errorf("mqtt farm %s: bad broker url", cfg.FarmID)
	}
	secure := false
	switch u.Scheme {
	case "mqtt", "tcp":
		u.Scheme = "tcp"
	case "mqtts", "ssl", "tls":
		u.Scheme, secure = "ssl", true
	case "ws":
	case "wss":
		secure = true
	default:
		return "", fmt.Errorf("mqtt farm %s: unsupported scheme %q", cfg.FarmID, u.Scheme)
	}
	if u.Port() == "" {
		port := cfg.Port
		if port == 0 {
			port = m.cfg.DefaultPort
			if secure {
				port = m.cfg.DefaultTLSPort
			}
		}
		u.Host = net.JoinHostPort(u.Hostname(), strconv.Itoa(port))
	}
	if (u.Scheme == "ws" || u.Scheme == "wss") && (u.Path == "" || u.Path == "/") && cfg.WSPath != "" {
		u.Path = "/" + strings.TrimPrefix(cfg.WSPath, "/")
	}
	return u.String(), nil
}

func (m *Manager) onConnect(c mqtt.Client, fc *farmConn, log *slog.Logger) {
	filters := SubscriptionFilters(fc.cfg.FarmID, fc.cfg.QoS)
	tok := c.SubscribeMultiple(filters, func(_ mqtt.Client, msg mqtt.Message) {
		m.handleMessage(fc, msg)
	})
	if !tok.WaitTimeout(ConnectTimeout) || tok.Error() != nil {
		log.Error("mqtt subscribe failed", "err", tok.Error())
		return
	}
	marker, _ := json.Marshal(map[string]any{
		"online":    true,
		"client_id": fc.clientID,
		"ts":        m.now().UTC(),
	})
	tok = c.Publish(StatusTopic(fc.cfg.FarmID), 1, true, marker)
	if !tok.WaitTimeout(publishTimeout) || tok.Error() != nil {
		log.Warn("mqtt status marker publish failed", "err", tok.Error())
	}
}

// handleMessage is the adapter's dispatch boundary: nothing here may take
// the connection down.
func (m *Manager) handleMessage(fc *farmConn, msg mqtt.Message) {
	route, ok := ParseTopic(msg.Topic())
	if !ok || route.FarmID != fc.cfg.FarmID {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("mqtt message handler panicked", "topic", msg.Topic(), "panic", r)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), handleTimeout)
	defer cancel()
	payload := msg.Payload()
	if !json.Valid(payload) {
		m.log.Warn("mqtt payload is not json", "topic", msg.Topic())
		m.metrics.Message(bus.ProtocolMQTT, string(route.Type), metrics.OutcomeInvalid)
		return
	}
	_, err := m.proc.Process(ctx, bus.DeviceMessage{
		Type:      route.Type,
		Protocol:  bus.ProtocolMQTT,
		DeviceID:  route.DeviceID,
		TenantID:  fc.cfg.TenantID,
		FarmID:    route.FarmID,
		Payload:   append(json.RawMessage(nil), payload...),
		Timestamp: m.now(),
	})
	if err != nil {
		m.log.Debug("mqtt message not processed", "topic", msg.Topic(), "err", err)
	}
}

func (m *Manager) disconnectLocked(farmID, reason string) {
	m.mu.Lock()
	fc, ok := m.conns[farmID]
	delete(m.conns, farmID)
	n := len(m.conns)
	m.mu.Unlock()
	if !ok {
		return
	}
	m.metrics.SetMQTTConnections(n)
	if fc.client.IsConnected() {
		// A clean disconnect suppresses the will, so set the marker ourselves.
		tok := fc.client.Publish(StatusTopic(farmID), 1, true, []byte(`{"online":false}`))
		tok.WaitTimeout(publishTimeout)
	}
	fc.client.Disconnect(disconnectQuiesce)
	m.log.Info("mqtt disconnected", "farm_id", farmID, "reason", reason)
}

// ──────────────────────────────────────────────────────────────────────────────
// Reconciliation
// ──────────────────────────────────────────────────────────────────────────────

// Reconcile diffs active broker configs against live connections. Farms no
// longer active are disconnected; new, changed or dropped farms are
// (re)connected. Running it repeatedly never opens a second session.
func (m *Manager) Reconcile(ctx context.Context) error {
	configs, err := m.store.ListActiveBrokerConfigs(ctx)
	if err != nil {
		return fmt.Errorf("mqtt reconcile: %w", err)
	}

	m.opMu.Lock()
	defer m.opMu.Unlock()

	active := make(map[string]storage.FarmBrokerConfig, len(configs))
	for _, cfg := range configs {
		active[cfg.FarmID] = cfg
	}

	m.mu.RLock()
	live := make(map[string]*farmConn, len(m.conns))
	for id, fc := range m.conns {
		live[id] = fc
	}
	m.mu.RUnlock()

	for id := range live {
		if _, ok := active[id]; !ok {
			m.disconnectLocked(id, "deactivated")
		}
	}

	var errs []error
	for _, id := range sortedKeys(active) {
		cfg := active[id]
		if fc, ok := live[id]; ok {
			if fc.client.IsConnected() && fc.cfg.UpdatedAt.Equal(cfg.UpdatedAt) {
				continue
			}
			reason := "config changed"
			if !fc.client.IsConnected() {
				reason = "connection dropped"
			}
			m.disconnectLocked(id, reason)
		}
		if err := m.connectLocked(ctx, cfg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Run reconciles every interval and whenever changes delivers a farm ID.
// changes may be nil.
func (m *Manager) Run(ctx context.Context, interval time.Duration, changes <-chan string) error {
	if err := m.Reconcile(ctx); err != nil {
		m.log.Warn("mqtt initial reconcile incomplete", "err", err)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case farmID, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			m.log.Info("broker config changed", "farm_id", farmID)
		}
		if err := m.Reconcile(ctx); err != nil && ctx.Err() == nil {
			m.log.Warn("mqtt reconcile incomplete", "err", err)
		}
	}
}

// Close disconnects every farm.
func (m *Manager) Close() {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	m.mu.RLock()
	ids := make([]string, 0, len(m.conns))
	for id := range m.conns {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	for _, id := range ids {
		m.disconnectLocked(id, "shutdown")
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Command transport
// ──────────────────────────────────────────────────────────────────────────────

// Name implements dispatch.Transport.
func (m *Manager) Name() string { return "mqtt" }

// Deliver publishes the command to the device's command topic through its
// farm's session.
func (m *Manager) Deliver(ctx context.Context, cmd storage.Command) error {
	m.mu.RLock()
	fc, ok := m.conns[cmd.FarmID]
	m.mu.RUnlock()
	if !ok || !fc.client.IsConnected() || fc.cfg.TenantID != cmd.TenantID {
		return ErrNotConnected
	}
	data, err := json.Marshal(dispatch.NewFrame(cmd))
	if err != nil {
		return fmt.Errorf("mqtt command encode: %w", err)
	}
	tok := fc.client.Publish(CommandTopic(cmd.FarmID, cmd.DeviceID), fc.cfg.QoS, false, data)
	return waitToken(ctx, tok, publishTimeout)
}

// ConnStatus describes one live farm connection.
type ConnStatus struct {
	FarmID    string `json:"farm_id"`
	TenantID  string `json:"tenant_id"`
	ClientID  string `json:"client_id"`
	Connected bool   `json:"connected"`
}

// Status lists live connections ordered by farm.
func (m *Manager) Status() []ConnStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ConnStatus, 0, len(m.conns))
	for _, fc := range m.conns {
		out = append(out, ConnStatus{
			FarmID:    fc.cfg.FarmID,
			TenantID:  fc.cfg.TenantID,
			ClientID:  fc.clientID,
			Connected: fc.client.IsConnected(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FarmID < out[j].FarmID })
	return out
}

func waitToken(ctx context.Context, tok mqtt.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-tok.Done():
		return tok.Error()
	case <-timer.C:
		return fmt.Errorf("mqtt: timed out after %s", timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func sortedKeys(m map[string]storage.FarmBrokerConfig) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

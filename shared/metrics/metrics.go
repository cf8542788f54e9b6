// Package metrics holds the bridge's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Message outcomes.
const (
	OutcomeOK       = "ok"
	OutcomeDropped  = "dropped"
	OutcomeNotFound = "not_found"
	OutcomeInvalid  = "invalid"
	OutcomeIgnored  = "ignored"
	OutcomeError    = "error"
)

// Metrics is the set of bridge collectors. A nil *Metrics is valid and
// records nothing, so components can take one optionally.
type Metrics struct {
	registry *prometheus.Registry

	MessagesProcessed  *prometheus.CounterVec
	ReadingsStored     prometheus.Counter
	CommandsDispatched *prometheus.CounterVec
	MQTTConnections    prometheus.Gauge
	WSDeviceSockets    prometheus.Gauge
	ProvisioningBinds  *prometheus.CounterVec
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		MessagesProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bridge",
			Name:      "messages_processed_total",
			Help:      "Canonical device messages processed by the message bus.",
		}, []string{"protocol", "type", "outcome"}),
		ReadingsStored: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bridge",
			Name:      "readings_stored_total",
			Help:      "Sensor readings newly stored (duplicates excluded).",
		}),
		CommandsDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bridge",
			Name:      "commands_dispatched_total",
			Help:      "Pending commands delivered to a device transport.",
		}, []string{"transport"}),
		MQTTConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "bridge",
			Name:      "mqtt_connections",
			Help:      "Live per-farm MQTT connections.",
		}),
		WSDeviceSockets: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "bridge",
			Name:      "ws_device_sockets",
			Help:      "Open WebSocket device sockets.",
		}),
		ProvisioningBinds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bridge",
			Name:      "provisioning_binds_total",
			Help:      "Provisioning bind attempts by result.",
		}, []string{"result"}),
	}
	reg.MustRegister(
		m.MessagesProcessed,
		m.ReadingsStored,
		m.CommandsDispatched,
		m.MQTTConnections,
		m.WSDeviceSockets,
		m.ProvisioningBinds,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Message counts one processed message.
func (m *Metrics) Message(protocol, messageType, outcome string) {
	if m == nil {
		return
	}
	m.MessagesProcessed.WithLabelValues(protocol, messageType, outcome).Inc()
}

// Readings counts newly stored readings.
func (m *Metrics) Readings(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.ReadingsStored.Add(float64(n))
}

// Dispatched counts one delivered command.
func (m *Metrics) Dispatched(transport string) {
	if m == nil {
		return
	}
	m.CommandsDispatched.WithLabelValues(transport).Inc()
}

// SetMQTTConnections records the live MQTT connection count.
func (m *Metrics) SetMQTTConnections(n int) {
	if m == nil {
		return
	}
	m.MQTTConnections.Set(float64(n))
}

// SetWSDeviceSockets records the open device socket count.
func (m *Metrics) SetWSDeviceSockets(n int) {
	if m == nil {
		return
	}
	m.WSDeviceSockets.Set(float64(n))
}

// Bind counts one provisioning bind attempt.
func (m *Metrics) Bind(result string) {
	if m == nil {
		return
	}
	m.ProvisioningBinds.WithLabelValues(result).Inc()
}

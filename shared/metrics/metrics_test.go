package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	qt "github.com/frankban/quicktest"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.Message("mqtt", "telemetry", OutcomeOK)
	m.Readings(3)
	m.Dispatched("ws")
	m.SetMQTTConnections(2)
	m.SetWSDeviceSockets(1)
	m.Bind("ok")
}

func TestCountersAndHandler(t *testing.T) {
	c := qt.New(t)
	m := New()
	m.Message("mqtt", "telemetry", OutcomeOK)
	m.Message("mqtt", "telemetry", OutcomeOK)
	m.Readings(5)
	m.Readings(0)
	m.SetMQTTConnections(3)

	c.Assert(testutil.ToFloat64(m.MessagesProcessed.WithLabelValues("mqtt", "telemetry", OutcomeOK)), qt.Equals, 2.0)
	c.Assert(testutil.ToFloat64(m.ReadingsStored), qt.Equals, 5.0)
	c.Assert(testutil.ToFloat64(m.MQTTConnections), qt.Equals, 3.0)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	c.Assert(err, qt.IsNil)
	c.Assert(strings.Contains(string(body), "bridge_messages_processed_total"), qt.IsTrue)
}

package router

import (
	"context"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
)

func TestEventSubject(t *testing.T) {
	c := qt.New(t)
	c.Assert(EventSubject("T1", "F1", "sensor-42", "telemetry"), qt.Equals, "bridge.T1.F1.sensor-42.telemetry")
	c.Assert(EventSubject("T1", "", "a.b*c", "state"), qt.Equals, "bridge.T1._.a_b_c.state")
	c.Assert(DeviceSubject("T1", "d1", "telemetry"), qt.Equals, "bridge.T1.*.d1.telemetry")
}

func TestSubjectMatches(t *testing.T) {
	c := qt.New(t)
	tests := []struct {
		pattern, subject string
		want             bool
	}{
		{"bridge.*.*.d1.telemetry", "bridge.T1.F1.d1.telemetry", true},
		{"bridge.*.*.d1.telemetry", "bridge.T1.F1.d2.telemetry", false},
		{"bridge.>", "bridge.T1.F1.d1.ack", true},
		{"bridge.>", "bridge", false},
		{"bridge.T1", "bridge.T1.F1", false},
		{"bridge.T1.F1", "bridge.T1", false},
	}
	for _, test := range tests {
		c.Check(SubjectMatches(test.pattern, test.subject), qt.Equals, test.want, qt.Commentf("%s vs %s", test.pattern, test.subject))
	}
}

func TestMemoryRouterFanOut(t *testing.T) {
	c := qt.New(t)
	r := NewMemoryRouter()
	defer r.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := r.Subscribe(ctx, DeviceSubject("T1", "d1", "telemetry"))
	c.Assert(err, qt.IsNil)

	c.Assert(r.Publish(ctx, EventSubject("T1", "F1", "d2", "telemetry"), []byte("other")), qt.IsNil)
	c.Assert(r.Publish(ctx, EventSubject("T1", "F1", "d1", "telemetry"), []byte("mine")), qt.IsNil)

	select {
	case msg := <-ch:
		c.Assert(string(msg.Data), qt.Equals, "mine")
	case <-time.After(time.Second):
		c.Fatal("no message delivered")
	}

	cancel()
	select {
	case _, ok := <-ch:
		c.Assert(ok, qt.IsFalse)
	case <-time.After(time.Second):
		c.Fatal("channel not closed after cancel")
	}
}

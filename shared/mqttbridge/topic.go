package mqttbridge

import (
	"strings"

	"github.com/velomano/smart-on-sub004/shared/bus"
)

// Route is what an inbound topic resolves to.
type Route struct {
	FarmID   string
	DeviceID string
	Type     bus.MessageType
}

// ParseTopic resolves farms/{farm}/{device}/.../{type}. The message type is
// the trailing segment, or "command/ack" for acks. Topics with fewer than
// four segments, plain command topics and anything else unrecognised report
// false.
func ParseTopic(topic string) (Route, bool) {
	seg := strings.Split(topic, "/")
	if len(seg) < 4 || seg[0] != "farms" || seg[1] == "" || seg[2] == "" {
		return Route{}, false
	}
	r := Route{FarmID: seg[1], DeviceID: seg[2]}
	last := seg[len(seg)-1]
	switch {
	case last == "ack" && seg[len(seg)-2] == "command":
		r.Type = bus.TypeAck
	case last == string(bus.TypeRegistry):
		r.Type = bus.TypeRegistry
	case last == string(bus.TypeState):
		r.Type = bus.TypeState
	case last == string(bus.TypeTelemetry):
		r.Type = bus.TypeTelemetry
	default:
		return Route{}, false
	}
	return r, true
}

// SubscriptionFilters are the four per-farm inbound topic patterns.
func SubscriptionFilters(farmID string, qos byte) map[string]byte {
	base := "farms/" + farmID + "/+/+/"
	return map[string]byte{
		base + "registry":    qos,
		base + "state":       qos,
		base + "telemetry":   qos,
		base + "command/ack": qos,
	}
}

// CommandTopic is where the bridge publishes commands for a device.
func CommandTopic(farmID, deviceID string) string {
	return "farms/" + farmID + "/" + deviceID + "/bridge/command"
}

// StatusTopic carries the bridge's retained online/offline marker for a farm.
func StatusTopic(farmID string) string {
	return "farms/" + farmID + "/bridge/offline"
}

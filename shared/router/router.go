// Package router defines MessageRouter, the boundary between the bridge and the
// downstream event broker (NATS JetStream). Every canonical message the bus
// processes successfully is fanned out through it, and monitor sockets
// subscribe to it for live device traffic.
package router

import (
	"context"
	"strings"
	"time"
)

// StreamName is the JetStream stream holding bridge events.
const StreamName = "bridge"

// Message is a received message from the broker.
type Message struct {
	Subject string
	Data    []byte
	Reply   string
}

// PubOptions controls publish behavior.
type PubOptions struct {
	// DeduplicationID routes the publish through JetStream with a Nats-Msg-Id
	// header. Empty means core publish (no persistence).
	DeduplicationID string
}

// SubOptions controls subscription behavior.
type SubOptions struct {
	// Durable names a JetStream consumer. Empty means an ephemeral core subscription.
	Durable   string
	AckWait   time.Duration
	StartTime *time.Time
}

// MessageRouter publishes and subscribes bridge events.
// Implementations must be goroutine-safe.
type MessageRouter interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...PubOptions) error
	// Subscribe supports NATS wildcards (* and >). The returned channel is
	// closed when ctx is cancelled.
	Subscribe(ctx context.Context, subject string, opts ...SubOptions) (<-chan *Message, error)
	EnsureStream(ctx context.Context, name string, subjects []string) error
	Close() error
}

// EventSubject returns bridge.{tenant}.{farm}.{device}.{type}. Empty parts
// become "_" and characters NATS reserves are replaced.
func EventSubject(tenantID, farmID, deviceID, messageType string) string {
	return strings.Join([]string{
		StreamName,
		subjectToken(tenantID),
		subjectToken(farmID),
		subjectToken(deviceID),
		subjectToken(messageType),
	}, ".")
}

// DeviceSubject matches one event type of a tenant's device in any farm.
func DeviceSubject(tenantID, deviceID, messageType string) string {
	return StreamName + "." + subjectToken(tenantID) + ".*." + subjectToken(deviceID) + "." + subjectToken(messageType)
}

var tokenReplacer = strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_", "\t", "_")

func subjectToken(s string) string {
	if s == "" {
		return "_"
	}
	return tokenReplacer.Replace(s)
}

// SubjectMatches reports whether subject matches the NATS pattern.
func SubjectMatches(pattern, subject string) bool {
	pt := strings.Split(pattern, ".")
	st := strings.Split(subject, ".")
	for i, p := range pt {
		if p == ">" {
			return len(st) > i
		}
		if i >= len(st) {
			return false
		}
		if p != "*" && p != st[i] {
			return false
		}
	}
	return len(pt) == len(st)
}

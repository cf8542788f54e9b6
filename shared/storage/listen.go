package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"
)

// BrokerChangesChannel is the Postgres NOTIFY channel carrying the farm_id of
// every changed farm_mqtt_configs row.
const BrokerChangesChannel = "broker_config_changes"

// BrokerChangeListener delivers farm IDs whose broker configuration changed.
type BrokerChangeListener struct {
	listener *pq.Listener
	changes  chan string
}

// ListenBrokerChanges subscribes to BrokerChangesChannel on the Postgres
// server at dsn. A reconnect emits an empty farm ID, meaning "reload all".
func ListenBrokerChanges(ctx context.Context, dsn string) (*BrokerChangeListener, error) {
	listener := pq.NewListener(dsn,
		10*time.Second,
		time.Minute,
		func(ev pq.ListenerEventType, err error) {
			if err != nil {
				slog.Warn("broker config listener", "event", int(ev), "err", err)
			}
		})
	if err := listener.Listen(BrokerChangesChannel); err != nil {
		listener.Close()
		return nil, fmt.Errorf("listen %s: %w", BrokerChangesChannel, err)
	}

	l := &BrokerChangeListener{listener: listener, changes: make(chan string, 64)}
	go l.run(ctx)
	return l, nil
}

// Changes returns the channel of changed farm IDs. It is closed when the
// listener's context ends.
func (l *BrokerChangeListener) Changes() <-chan string { return l.changes }

func (l *BrokerChangeListener) run(ctx context.Context) {
	defer close(l.changes)
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-l.listener.Notify:
			if !ok {
				return
			}
			farmID := ""
			if n != nil {
				farmID = n.Extra
			}
			select {
			case l.changes <- farmID:
			default:
				slog.Warn("broker change dropped, channel full", "farm_id", farmID)
			}
		case <-time.After(90 * time.Second):
			// Detect silently dead connections.
			go l.listener.Ping()
		}
	}
}

// Close stops listening.
func (l *BrokerChangeListener) Close() error {
	return l.listener.Close()
}

package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// NATSRouter implements MessageRouter backed by NATS JetStream.
type NATSRouter struct {
	nc *nats.Conn
	js jetstream.JetStream
}

// NewNATSRouter connects to NATS and returns a NATSRouter.
// name is the client name shown in NATS monitoring.
func NewNATSRouter(url, name string) (*NATSRouter, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.PingInterval(5*time.Second),
		nats.MaxPingsOutstanding(3),
		nats.ReconnectWait(500*time.Millisecond),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("nats disconnected", "err", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect %s: %w", url, err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("nats jetstream init: %w", err)
	}
	return &NATSRouter{nc: nc, js: js}, nil
}

// Publish sends to the NATS subject. With a DeduplicationID it goes through
// JetStream with a Nats-Msg-Id header, otherwise through core NATS.
func (r *NATSRouter) Publish(ctx context.Context, subject string, data []byte, opts ...PubOptions) error {
	var opt PubOptions
	if len(opts) > 0 {
		opt = opts[0]
	}

	if opt.DeduplicationID != "" {
		msg := &nats.Msg{
			Subject: subject,
			Data:    data,
			Header:  make(nats.Header),
		}
		msg.Header.Set(jetstream.MsgIDHeader, opt.DeduplicationID)
		_, err := r.js.PublishMsg(ctx, msg)
		return err
	}
	return r.nc.Publish(subject, data)
}

// Subscribe returns a channel of messages on subject. A Durable option creates
// a JetStream consumer on the stream named by the subject's first token.
func (r *NATSRouter) Subscribe(ctx context.Context, subject string, opts ...SubOptions) (<-chan *Message, error) {
	var opt SubOptions
	if len(opts) > 0 {
		opt = opts[0]
	}

	ch := make(chan *Message, 256)

	if opt.Durable == "" {
		sub, err := r.nc.Subscribe(subject, func(msg *nats.Msg) {
			select {
			case ch <- &Message{Subject: msg.Subject, Data: msg.Data, Reply: msg.Reply}:
			default:
				// slow consumer, drop
			}
		})
		if err != nil {
			return nil, fmt.Errorf("nats subscribe %s: %w", subject, err)
		}
		go func() {
			<-ctx.Done()
			sub.Unsubscribe()
			close(ch)
		}()
		return ch, nil
	}

	consumerCfg := jetstream.ConsumerConfig{
		Durable:       opt.Durable,
		FilterSubject: subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       coalesce(opt.AckWait, 30*time.Second),
		MaxDeliver:    5,
		DeliverPolicy: jetstream.DeliverNewPolicy,
	}
	if opt.StartTime != nil {
		consumerCfg.DeliverPolicy = jetstream.DeliverByStartTimePolicy
		consumerCfg.OptStartTime = opt.StartTime
	}
	consumer, err := r.js.CreateOrUpdateConsumer(ctx, streamNameFromSubject(subject), consumerCfg)
	if err != nil {
		return nil, fmt.Errorf("create JetStream consumer %s: %w", opt.Durable, err)
	}
	iter, err := consumer.Messages()
	if err != nil {
		return nil, fmt.Errorf("consume %s: %w", opt.Durable, err)
	}

	go func() {
		<-ctx.Done()
		iter.Stop()
	}()
	go func() {
		defer close(ch)
		for {
			msg, err := iter.Next()
			if err != nil {
				if !errors.Is(err, jetstream.ErrMsgIteratorClosed) {
					slog.Warn("jetstream consumer stopped", "durable", opt.Durable, "err", err)
				}
				return
			}
			msg.Ack()
			select {
			case ch <- &Message{Subject: msg.Subject(), Data: msg.Data()}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// EnsureStream creates or updates a JetStream stream with a two-minute
// duplicate window, matching the command dedup horizon.
func (r *NATSRouter) EnsureStream(ctx context.Context, name string, subjects []string) error {
	_, err := r.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       name,
		Subjects:   subjects,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     24 * time.Hour,
		Duplicates: 2 * time.Minute,
		Storage:    jetstream.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("ensure stream %s: %w", name, err)
	}
	return nil
}

func (r *NATSRouter) Close() error {
	return r.nc.Drain()
}

func coalesce(d, fallback time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return fallback
}

// streamNameFromSubject returns the first subject token.
// "bridge.T1.F1.d1.telemetry" → "bridge"
func streamNameFromSubject(subject string) string {
	for i, c := range subject {
		if c == '.' {
			return subject[:i]
		}
	}
	return subject
}

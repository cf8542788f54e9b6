package router

import (
	"context"
	"sync"
)

// MemoryRouter is an in-process MessageRouter used when no NATS URL is
// configured. Delivery is best-effort: a full subscriber buffer drops.
type MemoryRouter struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]*memorySub
	closed bool
}

type memorySub struct {
	pattern string
	ch      chan *Message
}

// NewMemoryRouter returns an empty MemoryRouter.
func NewMemoryRouter() *MemoryRouter {
	return &MemoryRouter{subs: make(map[int]*memorySub)}
}

func (r *MemoryRouter) Publish(_ context.Context, subject string, data []byte, _ ...PubOptions) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.subs {
		if !SubjectMatches(s.pattern, subject) {
			continue
		}
		select {
		case s.ch <- &Message{Subject: subject, Data: data}:
		default:
		}
	}
	return nil
}

func (r *MemoryRouter) Subscribe(ctx context.Context, subject string, _ ...SubOptions) (<-chan *Message, error) {
	ch := make(chan *Message, 256)
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		close(ch)
		return ch, nil
	}
	id := r.nextID
	r.nextID++
	r.subs[id] = &memorySub{pattern: subject, ch: ch}
	r.mu.Unlock()

	go func() {
		<-ctx.Done()
		r.mu.Lock()
		if _, ok := r.subs[id]; ok {
			delete(r.subs, id)
			close(ch)
		}
		r.mu.Unlock()
	}()
	return ch, nil
}

func (r *MemoryRouter) EnsureStream(context.Context, string, []string) error { return nil }

func (r *MemoryRouter) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, s := range r.subs {
		close(s.ch)
		delete(r.subs, id)
	}
	r.closed = true
	return nil
}

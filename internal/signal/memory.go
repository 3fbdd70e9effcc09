package signal

import (
	"context"
	"errors"
	"sync"
)

var ErrHubClosed = errors.New("signal: hub closed")

const memQueueSize = 256

// MemoryHub is an in-process Channel. Like the network channel it echoes a
// publisher's own messages back to it, and each subscriber is fed from its
// own goroutine so a slow handler never blocks Publish for long.
type MemoryHub struct {
	mu     sync.Mutex
	subs   map[string]map[int]*memSub
	nextID int
	closed bool
}

type memSub struct {
	ch   chan []byte
	done chan struct{}
	once sync.Once
}

func NewMemoryHub() *MemoryHub {
	return &MemoryHub{subs: make(map[string]map[int]*memSub)}
}

func (h *MemoryHub) Publish(ctx context.Context, topic string, msg []byte) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrHubClosed
	}
	targets := make([]*memSub, 0, len(h.subs[topic]))
	for _, s := range h.subs[topic] {
		targets = append(targets, s)
	}
	h.mu.Unlock()

	for _, s := range targets {
		cp := make([]byte, len(msg))
		copy(cp, msg)
		select {
		case s.ch <- cp:
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (h *MemoryHub) Subscribe(topic string, handler func([]byte)) (func(), error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrHubClosed
	}

	s := &memSub{ch: make(chan []byte, memQueueSize), done: make(chan struct{})}
	id := h.nextID
	h.nextID++
	if h.subs[topic] == nil {
		h.subs[topic] = make(map[int]*memSub)
	}
	h.subs[topic][id] = s

	go func() {
		for {
			select {
			case <-s.done:
				return
			case msg := <-s.ch:
				select {
				case <-s.done:
					return
				default:
				}
				handler(msg)
			}
		}
	}()

	return func() {
		h.mu.Lock()
		delete(h.subs[topic], id)
		if len(h.subs[topic]) == 0 {
			delete(h.subs, topic)
		}
		h.mu.Unlock()
		s.stop()
	}, nil
}

// Close stops every subscription.
func (h *MemoryHub) Close() error {
	h.mu.Lock()
	h.closed = true
	all := h.subs
	h.subs = make(map[string]map[int]*memSub)
	h.mu.Unlock()

	for _, byID := range all {
		for _, s := range byID {
			s.stop()
		}
	}
	return nil
}

func (s *memSub) stop() {
	s.once.Do(func() { close(s.done) })
}

package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/solvertalk/sonicbridge/internal/protocol"
)

// MemoryHub is an in-process pub/sub fabric with the same broadcast
// semantics as the events API: every handle subscribed to a path sees every
// publish on that path, its own included. It backs tests and mock mode.
type MemoryHub struct {
	mu    sync.Mutex
	paths map[string][]*memoryChannel
}

func NewMemoryHub() *MemoryHub {
	return &MemoryHub{paths: make(map[string][]*memoryChannel)}
}

func (h *MemoryHub) Connect(_ context.Context, path string) (Channel, error) {
	ch := &memoryChannel{hub: h, path: path}
	h.mu.Lock()
	h.paths[path] = append(h.paths[path], ch)
	h.mu.Unlock()
	return ch, nil
}

// PublishClient injects a client-to-model event, standing in for the browser.
func (h *MemoryHub) PublishClient(path string, kind protocol.EventKind, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	h.broadcast(path, protocol.Envelope{
		Direction: protocol.DirectionClientToModel,
		Event:     kind,
		Data:      payload,
	})
	return nil
}

func (h *MemoryHub) broadcast(path string, env protocol.Envelope) {
	h.mu.Lock()
	subs := append([]*memoryChannel(nil), h.paths[path]...)
	h.mu.Unlock()

	for _, ch := range subs {
		ch.deliver(env)
	}
}

type memoryChannel struct {
	hub  *MemoryHub
	path string

	mu      sync.Mutex
	closed  bool
	onEvent func(protocol.Envelope)
}

func (ch *memoryChannel) Publish(_ context.Context, kind protocol.EventKind, data any) error {
	ch.mu.Lock()
	closed := ch.closed
	ch.mu.Unlock()
	if closed {
		return fmt.Errorf("publish %s: %w", kind, ErrClosed)
	}

	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	ch.hub.broadcast(ch.path, protocol.Envelope{
		Direction: protocol.DirectionModelToClient,
		Event:     kind,
		Data:      payload,
	})
	return nil
}

func (ch *memoryChannel) Subscribe(onEvent func(protocol.Envelope), _ func(error)) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return ErrClosed
	}
	ch.onEvent = onEvent
	return nil
}

func (ch *memoryChannel) deliver(env protocol.Envelope) {
	ch.mu.Lock()
	handler := ch.onEvent
	closed := ch.closed
	ch.mu.Unlock()
	if closed || handler == nil {
		return
	}
	handler(env)
}

func (ch *memoryChannel) Close() error {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return nil
	}
	ch.closed = true
	ch.onEvent = nil
	ch.mu.Unlock()

	ch.hub.mu.Lock()
	subs := ch.hub.paths[ch.path]
	for i, sub := range subs {
		if sub == ch {
			ch.hub.paths[ch.path] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	ch.hub.mu.Unlock()
	return nil
}

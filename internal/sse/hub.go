// Package sse is the gateway's Server-Sent Events fan-out hub. It delivers
// GatewayEvents to subscribed HTTP clients without blocking the dispatcher:
// every subscriber has its own buffered channel and a full buffer drops the
// event for that subscriber rather than stalling the publisher.
package sse

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/tripwire/gateway/internal/store"
)

// DefaultBufferSize is the per-subscriber channel depth used when NewHub is
// called with bufSize ≤ 0.
const DefaultBufferSize = 256

// Filter narrows which events a subscriber receives. A nil or empty Kinds or
// ClientIDs set matches every kind or client respectively, same as an empty
// Target matching every target.
type Filter struct {
	Target    string
	Kinds     map[store.EventKind]bool
	ClientIDs map[string]bool
}

// NewFilter builds a Filter from CSV-friendly slices, as parsed from the
// /events/stream query string (spec §4.H: kinds=<csv>, client_id=<id>).
func NewFilter(target string, kinds []store.EventKind, clientIDs []string) Filter {
	f := Filter{Target: target}
	if len(kinds) > 0 {
		f.Kinds = make(map[store.EventKind]bool, len(kinds))
		for _, k := range kinds {
			f.Kinds[k] = true
		}
	}
	if len(clientIDs) > 0 {
		f.ClientIDs = make(map[string]bool, len(clientIDs))
		for _, id := range clientIDs {
			f.ClientIDs[id] = true
		}
	}
	return f
}

// Matches reports whether e satisfies f.
func (f Filter) Matches(e store.GatewayEvent) bool {
	if f.Target != "" && f.Target != e.Target {
		return false
	}
	if len(f.Kinds) > 0 && !f.Kinds[e.Kind] {
		return false
	}
	if len(f.ClientIDs) > 0 && !f.ClientIDs[e.ClientID] {
		return false
	}
	return true
}

// Subscriber represents one connected SSE client, created by Hub.Attach and
// valid until Hub.Detach is called.
type Subscriber struct {
	id      string
	filter  Filter
	events  chan []byte
	Dropped atomic.Int64
}

// ID returns the subscriber's unique identifier.
func (s *Subscriber) ID() string { return s.id }

// Events returns the receive-only channel of JSON-encoded GatewayEvent frames
// matching this subscriber's filter. The channel is closed when Hub.Detach
// is called for this subscriber's ID, or when Hub.Close runs.
func (s *Subscriber) Events() <-chan []byte { return s.events }

// Hub fans GatewayEvents out to every attached Subscriber whose Filter
// matches. It is safe for concurrent use.
type Hub struct {
	subscribers sync.Map // map[string]*Subscriber
	count       atomic.Int64

	bufSize int
	logger  *slog.Logger

	closed    atomic.Bool
	closeOnce sync.Once
}

// NewHub creates a Hub. bufSize is the per-subscriber channel buffer depth;
// a value ≤ 0 uses DefaultBufferSize.
func NewHub(logger *slog.Logger, bufSize int) *Hub {
	if bufSize <= 0 {
		bufSize = DefaultBufferSize
	}
	return &Hub{bufSize: bufSize, logger: logger}
}

// Attach registers a new Subscriber with id and filter, and returns it. The
// caller must call Detach(id) when the client disconnects. If the hub is
// already closed, Attach returns a Subscriber whose Events channel is
// already closed.
func (h *Hub) Attach(id string, filter Filter) *Subscriber {
	s := &Subscriber{
		id:     id,
		filter: filter,
		events: make(chan []byte, h.bufSize),
	}
	if h.closed.Load() {
		close(s.events)
		return s
	}
	h.subscribers.Store(id, s)
	h.count.Add(1)
	return s
}

// Detach removes the subscriber with id and closes its Events channel.
// Detaching an unknown id is a no-op.
func (h *Hub) Detach(id string) {
	if v, loaded := h.subscribers.LoadAndDelete(id); loaded {
		close(v.(*Subscriber).events)
		h.count.Add(-1)
	}
}

// SubscriberCount returns the number of currently attached subscribers.
func (h *Hub) SubscriberCount() int {
	return int(h.count.Load())
}

// Broadcast marshals e to JSON and delivers it, via a non-blocking send, to
// every subscriber whose filter matches. A subscriber with a full buffer has
// the event dropped and its Dropped counter incremented rather than applying
// back-pressure to the caller.
func (h *Hub) Broadcast(e store.GatewayEvent) {
	if h.closed.Load() {
		return
	}

	raw, err := json.Marshal(e)
	if err != nil {
		h.logger.Error("sse: marshal event failed", slog.Any("error", err))
		return
	}

	h.subscribers.Range(func(_, v any) bool {
		s := v.(*Subscriber)
		if !s.filter.Matches(e) {
			return true
		}
		select {
		case s.events <- raw:
		default:
			s.Dropped.Add(1)
			h.logger.Warn("sse: subscriber buffer full, dropping event",
				slog.String("subscriber_id", s.id),
				slog.String("target", e.Target),
			)
		}
		return true
	})
}

// Close detaches every subscriber, closing their Events channels. After
// Close returns, Broadcast is a no-op and Attach returns already-closed
// subscribers.
func (h *Hub) Close() {
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		h.subscribers.Range(func(key, value any) bool {
			h.subscribers.Delete(key)
			close(value.(*Subscriber).events)
			h.count.Add(-1)
			return true
		})
	})
}

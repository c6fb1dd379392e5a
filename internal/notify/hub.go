// Package notify fans task changes out to live dashboard connections.
package notify

import (
	"sync"
	"sync/atomic"
	"time"

	"changkun.de/x/plandash/internal/logger"
)

// Kind names a change event.
type Kind string

const (
	TaskCreated          Kind = "task_created"
	TaskUpdated          Kind = "task_updated"
	TaskDeleted          Kind = "task_deleted"
	TasksBulkReplaced    Kind = "tasks_bulk_replaced"
	HumanRequestsUpdated Kind = "human_requests_updated"
	RoadmapUpdated       Kind = "roadmap_updated"
)

// WireName is the message type sent to clients. The dashboard client
// predates the bulk kind and expects "tasks_updated" for full listings.
func (k Kind) WireName() string {
	if k == TasksBulkReplaced {
		return "tasks_updated"
	}
	return string(k)
}

// Event is one change delivered to subscribers.
type Event struct {
	Kind Kind
	Data any
}

// Message is the JSON frame pushed to clients.
type Message struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// Message returns the wire frame for e.
func (e Event) Message() Message {
	return Message{Type: e.Kind.WireName(), Data: e.Data}
}

const (
	DefaultBuffer      = 16
	DefaultSendTimeout = 2 * time.Second
)

// Hub is an in-process publish/subscribe fan-out. Each subscriber owns a
// buffered channel; a subscriber that stays full for longer than the send
// timeout is evicted and its channel closed, which tells the connection to
// resynchronize from a fresh snapshot.
type Hub struct {
	buffer  int
	timeout time.Duration

	mu     sync.Mutex
	nextID int
	subs   map[int]*subscriber
}

type subscriber struct {
	id     int
	mu     sync.Mutex
	ch     chan Event
	closed bool
}

// Option configures a Hub.
type Option func(*Hub)

// WithBuffer sets the per-subscriber channel capacity.
func WithBuffer(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.buffer = n
		}
	}
}

// WithSendTimeout sets how long Publish waits on a full subscriber before
// evicting it.
func WithSendTimeout(d time.Duration) Option {
	return func(h *Hub) {
		if d > 0 {
			h.timeout = d
		}
	}
}

// NewHub returns an empty hub.
func NewHub(opts ...Option) *Hub {
	h := &Hub{
		buffer:  DefaultBuffer,
		timeout: DefaultSendTimeout,
		subs:    make(map[int]*subscriber),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Subscribe registers a new subscriber and returns its id and channel.
func (h *Hub) Subscribe() (int, <-chan Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	s := &subscriber{id: h.nextID, ch: make(chan Event, h.buffer)}
	h.subs[s.id] = s
	return s.id, s.ch
}

// Unsubscribe removes the subscriber and closes its channel. Unknown or
// already removed ids are ignored.
func (h *Hub) Unsubscribe(id int) {
	h.mu.Lock()
	s, ok := h.subs[id]
	delete(h.subs, id)
	h.mu.Unlock()
	if ok {
		s.close()
	}
}

// Len returns the number of live subscribers.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Publish delivers e to every subscriber and returns how many received it.
// It never fails; subscribers that cannot keep up are evicted.
func (h *Hub) Publish(e Event) int {
	h.mu.Lock()
	subs := make([]*subscriber, 0, len(h.subs))
	for _, s := range h.subs {
		subs = append(subs, s)
	}
	h.mu.Unlock()

	var delivered atomic.Int64
	var wg sync.WaitGroup
	for _, s := range subs {
		if s.trySend(e) {
			delivered.Add(1)
			continue
		}
		wg.Go(func() {
			ok, stuck := s.send(e, h.timeout)
			if ok {
				delivered.Add(1)
			}
			if stuck {
				logger.Notify.Warn("evicting slow subscriber", "subscriber", s.id, "event", e.Kind)
				h.Unsubscribe(s.id)
			}
		})
	}
	wg.Wait()
	return int(delivered.Load())
}

func (s *subscriber) trySend(e Event) bool {
	if !s.mu.TryLock() {
		return false
	}
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- e:
		return true
	default:
		return false
	}
}

// send waits up to timeout for room in the buffer. stuck reports a live
// subscriber that never made room.
func (s *subscriber) send(e Event, timeout time.Duration) (ok, stuck bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, false
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case s.ch <- e:
		return true, false
	case <-timer.C:
		return false, true
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// Package feed delivers evidence change events to subscribers.
//
// Subscribers receive events on a channel and must Close the subscription
// when they are done. Publishing never blocks: each subscription buffers
// pending events and drains them in order on its own goroutine. Events for
// the same record are delivered in version order; an event whose version is
// not newer than one already delivered for that record is skipped.
package feed

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/R3E-Network/evidence_layer/internal/app/domain/evidence"
)

// Op is the kind of change.
type Op string

const (
	OpInsert Op = "INSERT"
	OpUpdate Op = "UPDATE"
	OpDelete Op = "DELETE"
)

// Event is one committed change to a record.
type Event struct {
	Op     Op              `json:"op"`
	Record evidence.Record `json:"record"`
	At     time.Time       `json:"at"`
}

// Filter scopes a subscription. Empty fields match everything.
type Filter struct {
	UserID     string
	EvidenceID string
}

// Match reports whether rec passes the filter.
func (f Filter) Match(rec evidence.Record) bool {
	if f.UserID != "" && rec.UserID != f.UserID {
		return false
	}
	if f.EvidenceID != "" && rec.ID != f.EvidenceID {
		return false
	}
	return true
}

// Publisher accepts committed changes.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Subscriber opens change subscriptions.
type Subscriber interface {
	Subscribe(ctx context.Context, filter Filter) (*Subscription, error)
}

// Broker both publishes and serves subscriptions.
type Broker interface {
	Publisher
	Subscriber
}

// DefaultMaxPending bounds the per-subscription backlog.
const DefaultMaxPending = 4096

var (
	ErrSlowConsumer = errors.New("feed: subscriber fell too far behind")
	ErrClosed       = errors.New("feed: closed")
)

// Subscription is a live, ordered stream of events matching a filter.
type Subscription struct {
	filter     Filter
	maxPending int
	onClose    func()

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []Event
	seen    map[string]int64
	closed  bool
	err     error
	once    sync.Once
	out     chan Event
	done    chan struct{}
	stopped chan struct{}
}

// NewSubscription creates a subscription and starts its delivery goroutine.
// onClose, if set, runs once when the subscription closes.
func NewSubscription(filter Filter, maxPending int, onClose func()) *Subscription {
	if maxPending <= 0 {
		maxPending = DefaultMaxPending
	}
	s := &Subscription{
		filter:     filter,
		maxPending: maxPending,
		onClose:    onClose,
		seen:       make(map[string]int64),
		out:        make(chan Event),
		done:       make(chan struct{}),
		stopped:    make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	go s.pump()
	return s
}

// C returns the delivery channel. It is closed after Close.
func (s *Subscription) C() <-chan Event { return s.out }

// Done is closed when the subscription stops.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Err reports why the subscription stopped, if it stopped on its own.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Push offers ev to the subscription. It never blocks.
func (s *Subscription) Push(ev Event) bool {
	if !s.filter.Match(ev.Record) {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}

	id := ev.Record.ID
	if ev.Op == OpDelete {
		delete(s.seen, id)
	} else if last, ok := s.seen[id]; ok && ev.Record.Version <= last {
		return false
	} else {
		s.seen[id] = ev.Record.Version
	}

	if len(s.queue) >= s.maxPending {
		s.err = ErrSlowConsumer
		s.shutdownLocked()
		go s.finish()
		return false
	}
	s.queue = append(s.queue, ev)
	s.cond.Signal()
	return true
}

// Close stops delivery and releases the subscription. It is safe to call
// more than once.
func (s *Subscription) Close() error {
	s.mu.Lock()
	s.shutdownLocked()
	s.mu.Unlock()
	s.finish()
	<-s.stopped
	return nil
}

func (s *Subscription) shutdownLocked() {
	if s.closed {
		return
	}
	s.closed = true
	s.queue = nil
	s.cond.Broadcast()
}

func (s *Subscription) finish() {
	s.once.Do(func() {
		close(s.done)
		if s.onClose != nil {
			s.onClose()
		}
	})
}

func (s *Subscription) pump() {
	defer close(s.stopped)
	defer close(s.out)
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if s.closed {
			s.mu.Unlock()
			return
		}
		ev := s.queue[0]
		s.queue[0] = Event{}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- ev:
		case <-s.done:
			return
		}
	}
}

// Hub is an in-process Publisher and Subscriber.
type Hub struct {
	mu         sync.RWMutex
	nextID     uint64
	subs       map[uint64]*Subscription
	maxPending int
	closed     bool
}

var _ Broker = (*Hub)(nil)

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[uint64]*Subscription), maxPending: DefaultMaxPending}
}

// Publish fans ev out to every matching subscription.
func (h *Hub) Publish(_ context.Context, ev Event) error {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return ErrClosed
	}
	for _, sub := range h.subs {
		sub.Push(ev)
	}
	return nil
}

// Subscribe registers a subscription. It is closed when ctx ends or when
// the caller closes it.
func (h *Hub) Subscribe(ctx context.Context, filter Filter) (*Subscription, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrClosed
	}
	id := h.nextID
	h.nextID++
	sub := NewSubscription(filter, h.maxPending, func() { h.remove(id) })
	h.subs[id] = sub
	h.mu.Unlock()

	if ctx != nil && ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				_ = sub.Close()
			case <-sub.Done():
			}
		}()
	}
	return sub, nil
}

// Len reports the number of open subscriptions.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close closes every subscription and rejects further use.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	subs := make([]*Subscription, 0, len(h.subs))
	for _, s := range h.subs {
		subs = append(subs, s)
	}
	h.mu.Unlock()

	for _, s := range subs {
		_ = s.Close()
	}
}

func (h *Hub) remove(id uint64) {
	h.mu.Lock()
	delete(h.subs, id)
	h.mu.Unlock()
}

// Package notify is the side channel that tells a user how a background
// registration ended.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/R3E-Network/evidence_layer/pkg/logger"
)

type Level string

const (
	LevelSuccess Level = "success"
	LevelError   Level = "error"
)

// Notification is one message for one user.
type Notification struct {
	UserID     string    `json:"user_id"`
	EvidenceID string    `json:"evidence_id,omitempty"`
	Level      Level     `json:"level"`
	Title      string    `json:"title"`
	Message    string    `json:"message"`
	At         time.Time `json:"at"`
}

// Notifier delivers notifications. Implementations must not block.
type Notifier interface {
	Notify(ctx context.Context, n Notification)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, n Notification)

func (f NotifierFunc) Notify(ctx context.Context, n Notification) { f(ctx, n) }

// Nop discards notifications.
var Nop Notifier = NotifierFunc(func(context.Context, Notification) {})

// DefaultBuffer is the per-listener channel size.
const DefaultBuffer = 16

// Broadcaster logs every notification and fans it out to the listeners of
// its user. A listener that is not keeping up misses notifications.
type Broadcaster struct {
	log    *logger.Logger
	buffer int

	mu        sync.RWMutex
	nextID    uint64
	listeners map[string]map[uint64]chan Notification
}

var _ Notifier = (*Broadcaster)(nil)

func NewBroadcaster(log *logger.Logger) *Broadcaster {
	if log == nil {
		log = logger.NewDefault("notify")
	}
	return &Broadcaster{log: log, buffer: DefaultBuffer, listeners: make(map[string]map[uint64]chan Notification)}
}

// Notify implements Notifier.
func (b *Broadcaster) Notify(_ context.Context, n Notification) {
	if n.At.IsZero() {
		n.At = time.Now().UTC()
	}

	entry := b.log.WithFields(map[string]interface{}{
		"user_id":     n.UserID,
		"evidence_id": n.EvidenceID,
		"level":       n.Level,
	})
	if n.Level == LevelError {
		entry.Warn(n.Title + ": " + n.Message)
	} else {
		entry.Info(n.Title + ": " + n.Message)
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.listeners[n.UserID] {
		select {
		case ch <- n:
		default:
		}
	}
}

// Listen registers a listener for userID. The returned cancel func closes
// the channel.
func (b *Broadcaster) Listen(userID string) (<-chan Notification, func()) {
	ch := make(chan Notification, b.buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	if b.listeners[userID] == nil {
		b.listeners[userID] = make(map[uint64]chan Notification)
	}
	b.listeners[userID][id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.listeners[userID], id)
			if len(b.listeners[userID]) == 0 {
				delete(b.listeners, userID)
			}
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Listeners reports the number of listeners for userID.
func (b *Broadcaster) Listeners(userID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners[userID])
}

// Package rollout fans live status snapshots out to console viewers and keeps
// one status sync running per watched deployment group.
package rollout

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/narvanalabs/topology-console/internal/statussync"
)

// subscriberBuffer is the number of updates queued per viewer. A slow viewer
// loses its oldest queued update first.
const subscriberBuffer = 8

// Update is one message to a viewer: a new snapshot or a failed tick.
type Update struct {
	Snapshot *statussync.Snapshot
	Err      error
}

// Subscriber receives the updates of one group.
type Subscriber struct {
	ID        string
	GroupKey  string
	Ch        chan Update
	CreatedAt time.Time

	// seed is the snapshot queued at Subscribe. Its own publish, which may
	// still be in flight, is not delivered twice.
	seed *statussync.Snapshot
}

// Broker manages snapshot subscriptions and publishing.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[string]*Subscriber // subscriber ID -> subscriber
	closed      bool
	logger      *slog.Logger
}

// NewBroker creates a new snapshot broker.
func NewBroker(logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		subscribers: make(map[string]*Subscriber),
		logger:      logger,
	}
}

// Subscribe registers a viewer of groupKey. If seed returns a snapshot it is
// queued before any later publish reaches the viewer.
func (b *Broker) Subscribe(groupKey string, seed func() *statussync.Snapshot) *Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscriber{
		ID:        uuid.New().String(),
		GroupKey:  groupKey,
		Ch:        make(chan Update, subscriberBuffer),
		CreatedAt: time.Now(),
	}
	if b.closed {
		close(sub.Ch)
		return sub
	}
	if seed != nil {
		if snap := seed(); snap != nil {
			sub.seed = snap
			sub.Ch <- Update{Snapshot: snap}
		}
	}

	b.subscribers[sub.ID] = sub
	b.logger.Debug("subscriber added", "subscriber_id", sub.ID, "group_key", groupKey)
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broker) Unsubscribe(sub *Subscriber) {
	if sub == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.subscribers[sub.ID]; exists {
		close(sub.Ch)
		delete(b.subscribers, sub.ID)
		b.logger.Debug("subscriber removed", "subscriber_id", sub.ID, "group_key", sub.GroupKey)
	}
}

// Publish sends an update to every viewer of groupKey. A viewer seeded with
// this very snapshot does not receive it again.
func (b *Broker) Publish(groupKey string, u Update) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.subscribers {
		if sub.GroupKey != groupKey {
			continue
		}
		if u.Snapshot != nil {
			seen := u.Snapshot == sub.seed
			sub.seed = nil
			if seen {
				continue
			}
		}
		b.send(sub, u)
	}
}

// send queues u, evicting the oldest queued update when the buffer is full.
// Must be called with mu held.
func (b *Broker) send(sub *Subscriber, u Update) {
	for {
		select {
		case sub.Ch <- u:
			return
		default:
		}
		select {
		case <-sub.Ch:
			b.logger.Warn("subscriber channel full, dropping oldest update",
				"subscriber_id", sub.ID,
				"group_key", sub.GroupKey,
			)
		default:
		}
	}
}

// SubscriberCount returns the number of viewers of groupKey, or of all groups
// when groupKey is empty.
func (b *Broker) SubscriberCount(groupKey string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if groupKey == "" {
		return len(b.subscribers)
	}
	n := 0
	for _, sub := range b.subscribers {
		if sub.GroupKey == groupKey {
			n++
		}
	}
	return n
}

// CloseAll removes every subscription and closes its channel. Later
// subscribers receive an already closed channel.
func (b *Broker) CloseAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for id, sub := range b.subscribers {
		close(sub.Ch)
		delete(b.subscribers, id)
	}
}

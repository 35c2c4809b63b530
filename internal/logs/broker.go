// Package logs ships build output: a buffered sink that persists lines in
// batches and a broker that fans them out to live subscribers.
package logs

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/narvanalabs/buildengine/internal/models"
)

// DefaultSubscriberBuffer is how many entries a slow subscriber may lag behind.
const DefaultSubscriberBuffer = 256

// Subscriber represents a log stream subscriber.
type Subscriber struct {
	ID      string
	BuildID string
	Phase   models.PhaseType // empty for all phases
	Ch      chan *models.LogEntry

	CreatedAt time.Time
}

// Broker manages log subscriptions and publishing.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[string]*Subscriber // subscriber ID -> subscriber
	logger      *slog.Logger
}

// NewBroker creates a new log broker.
func NewBroker(logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		subscribers: make(map[string]*Subscriber),
		logger:      logger,
	}
}

// Subscribe registers interest in one build's output. The subscription is
// removed when ctx is done.
func (b *Broker) Subscribe(ctx context.Context, buildID string, phase models.PhaseType) *Subscriber {
	sub := &Subscriber{
		ID:        uuid.NewString(),
		BuildID:   buildID,
		Phase:     phase,
		Ch:        make(chan *models.LogEntry, DefaultSubscriberBuffer),
		CreatedAt: time.Now(),
	}

	b.mu.Lock()
	b.subscribers[sub.ID] = sub
	b.mu.Unlock()
	b.logger.Debug("subscriber added", "subscriber_id", sub.ID, "build_id", buildID)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(sub)
	}()
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
		b.logger.Debug("subscriber removed", "subscriber_id", sub.ID)
	}
}

// Publish sends a log entry to all matching subscribers. Subscribers that
// are full miss the entry.
func (b *Broker) Publish(entry *models.LogEntry) {
	if entry == nil {
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subscribers {
		if !matches(sub, entry) {
			continue
		}
		select {
		case sub.Ch <- entry:
		default:
			b.logger.Warn("subscriber channel full, dropping log entry",
				"subscriber_id", sub.ID,
				"build_id", entry.BuildID,
			)
		}
	}
}

// PublishBatch sends multiple log entries to all matching subscribers.
func (b *Broker) PublishBatch(entries []*models.LogEntry) {
	for _, entry := range entries {
		b.Publish(entry)
	}
}

// CloseBuild ends every subscription to a build. Subscribers see their
// channel closed once the build's output is complete.
func (b *Broker) CloseBuild(buildID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, sub := range b.subscribers {
		if sub.BuildID == buildID {
			close(sub.Ch)
			delete(b.subscribers, id)
		}
	}
}

func matches(sub *Subscriber, entry *models.LogEntry) bool {
	if sub.BuildID != entry.BuildID {
		return false
	}
	return sub.Phase == "" || sub.Phase == entry.Phase
}

// SubscriberCount returns the number of active subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

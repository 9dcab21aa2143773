// Package events fans sync notifications out to SSE subscribers and,
// optionally, a Kafka topic.
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/liuyunc/mkviewer/internal/logging"
	"github.com/liuyunc/mkviewer/internal/metrics"
	"github.com/liuyunc/mkviewer/pkg/models"
	"github.com/liuyunc/mkviewer/pkg/protocol"
)

const (
	EventSyncComplete = "sync_complete"
	EventSyncFailed   = "sync_failed"
	EventCacheCleared = "cache_cleared"
)

const subscriberBuffer = 64

// Broadcaster manages SSE subscribers and publishes events.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[chan protocol.SyncEvent]struct{}
}

// NewBroadcaster creates a new event broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[chan protocol.SyncEvent]struct{}),
	}
}

// Subscribe adds a new subscriber and returns its event channel.
// The caller must call Unsubscribe when done.
func (b *Broadcaster) Subscribe() chan protocol.SyncEvent {
	ch := make(chan protocol.SyncEvent, subscriberBuffer)
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()
	metrics.SetSSEConnectionsActive(b.Count())
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broadcaster) Unsubscribe(ch chan protocol.SyncEvent) {
	b.mu.Lock()
	delete(b.subscribers, ch)
	close(ch)
	b.mu.Unlock()
	metrics.SetSSEConnectionsActive(b.Count())
}

// Publish sends an event to all subscribers. Non-blocking: drops events
// for slow consumers.
func (b *Broadcaster) Publish(event protocol.SyncEvent) {
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().Unix()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subscribers {
		select {
		case ch <- event:
		default:
			// slow consumer
		}
	}
	metrics.RecordEventPublished("sse", true)
}

// Count returns the current number of subscribers.
func (b *Broadcaster) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// MarshalEvent serializes an event to JSON.
func MarshalEvent(e protocol.SyncEvent) ([]byte, error) {
	return json.Marshal(e)
}

// SyncCompleted builds the event for a finished sync run.
func SyncCompleted(out *models.SyncOutcome) protocol.SyncEvent {
	return protocol.SyncEvent{
		Type:    EventSyncComplete,
		Updated: out.Updated,
		Removed: out.Removed,
		Errors:  len(out.Errors),
		Message: out.Message(),
	}
}

// SyncFailed builds the event for an aborted sync run.
func SyncFailed(err error) protocol.SyncEvent {
	return protocol.SyncEvent{Type: EventSyncFailed, Message: err.Error()}
}

// Sink is an external event destination.
type Sink interface {
	Publish(ctx context.Context, event protocol.SyncEvent) error
	Close() error
}

// Notifier publishes to the broadcaster and every sink. Sink failures
// are logged and never reach the caller.
type Notifier struct {
	broadcaster *Broadcaster
	sinks       []Sink
	logger      *zap.Logger
}

// NewNotifier creates a Notifier. b may be nil.
func NewNotifier(b *Broadcaster, sinks ...Sink) *Notifier {
	return &Notifier{broadcaster: b, sinks: sinks, logger: logging.Named("events")}
}

// Broadcaster returns the SSE broadcaster, or nil.
func (n *Notifier) Broadcaster() *Broadcaster { return n.broadcaster }

// Notify stamps and delivers event.
func (n *Notifier) Notify(ctx context.Context, event protocol.SyncEvent) {
	if n == nil {
		return
	}
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().Unix()
	}
	if n.broadcaster != nil {
		n.broadcaster.Publish(event)
	}
	for _, s := range n.sinks {
		if err := s.Publish(ctx, event); err != nil {
			n.logger.Warn("event sink publish failed", zap.String("type", event.Type), zap.Error(err))
		}
	}
}

// Close closes every sink.
func (n *Notifier) Close() error {
	if n == nil {
		return nil
	}
	var first error
	for _, s := range n.sinks {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

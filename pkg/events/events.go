package events

import (
	"sync"
	"time"
)

// EventType represents the type of internal event
type EventType string

const (
	EventChangeCaptured    EventType = "change.captured"
	EventChangeApplied     EventType = "change.applied"
	EventChangeQuarantined EventType = "change.quarantined"
	EventPeerDiscovered    EventType = "peer.discovered"
	EventPeerReachable     EventType = "peer.reachable"
	EventPeerUnreachable   EventType = "peer.unreachable"
	EventSyncCompleted     EventType = "sync.completed"
	EventSyncFailed        EventType = "sync.failed"
	EventConflictResolved  EventType = "conflict.resolved"
	EventPartitionOpened   EventType = "partition.opened"
	EventPartitionResolved EventType = "partition.resolved"
	EventRecoveryStarted   EventType = "recovery.started"
	EventRecoveryFinished  EventType = "recovery.finished"
	EventKeyRotated        EventType = "key.rotated"
)

// Event represents one internal daemon event
type Event struct {
	ID        string
	Type      EventType
	Timestamp time.Time
	NodeID    string // subject node/peer when applicable
	Message   string
	Metadata  map[string]string
}

// Subscriber is a channel that receives events
type Subscriber chan *Event

// Broker manages event subscriptions and distribution between the daemon's
// components: the tracker signals the engine, discovery signals the engine
// and the partition detector, and the metrics collector observes everything.
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
}

// NewBroker creates a new event broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 100), // Buffer up to 100 events
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe creates a new subscription and returns a channel
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50) // Buffer per subscriber
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subscribers, sub)
	close(sub)
}

// Publish publishes an event to all subscribers
func (b *Broker) Publish(event *Event) {
	// Set timestamp if not set
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
			// Subscriber buffer full, skip
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

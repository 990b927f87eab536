// Package events is the internal notification bus components publish
// domain events to — node transitions, config-delivery outcomes,
// upgrade results, HA state changes — independent of the broker's
// minion/peer/API wire traffic. pkg/config's Service is the subscriber
// in this repo: it listens for tunnel-config changes.
package events

import (
	"sync"
	"time"
)

// EventType represents the type of event
type EventType string

const (
	EventNodeOnline          EventType = "node.online"
	EventNodeOffline         EventType = "node.offline"
	EventUnknownMinion       EventType = "node.unknown_minion"
	EventWLANMACsAdded       EventType = "node.wlan_macs_added"
	EventNodeTypeMismatch    EventType = "node.type_mismatch"
	EventTunnelConfigChanged EventType = "node.tunnel_config_changed"
	EventWiredLinkChanged    EventType = "node.wired_link_changed"
	EventGPSOutlierRejected  EventType = "status.gps_outlier_rejected"
	EventConfigPushSent      EventType = "config.push_sent"
	EventConfigPushConfirmed EventType = "config.push_confirmed"
	EventUpgradeNodeResult   EventType = "upgrade.node_result"
	EventUpgradeRequestDone  EventType = "upgrade.request_done"
	EventHAStateChanged      EventType = "ha.state_changed"
)

// Event represents a single domain occurrence.
type Event struct {
	ID        string
	Type      EventType
	Timestamp time.Time
	Message   string
	Metadata  map[string]string
}

// Subscriber is a channel that receives events
type Subscriber chan *Event

// Sink manages event subscriptions and distribution. Grounded on the
// teacher's pkg/events.Broker: same buffered-channel fan-out, same
// best-effort (non-blocking) delivery to subscribers.
type Sink struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
}

// NewSink creates a new event sink.
func NewSink() *Sink {
	return &Sink{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 100), // Buffer up to 100 events
		stopCh:      make(chan struct{}),
	}
}

// Start begins the sink's event distribution loop
func (b *Sink) Start() {
	go b.run()
}

// Stop stops the sink
func (b *Sink) Stop() {
	close(b.stopCh)
}

// Subscribe creates a new subscription and returns a channel
func (b *Sink) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50) // Buffer per subscriber
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription
func (b *Sink) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subscribers, sub)
	close(sub)
}

// Publish publishes an event to all subscribers
func (b *Sink) Publish(event *Event) {
	// Set timestamp if not set
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
}

func (b *Sink) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Sink) broadcast(event *Event) {
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
func (b *Sink) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Package notify provides an in-process pub/sub bus announcing applied
// events and taken snapshots, so automation loops can react to state
// changes without polling the store.
package notify

import (
	"sync"

	"github.com/google/uuid"
)

// NotificationType represents the type of notification.
type NotificationType int

const (
	EventApplied NotificationType = iota
	SnapshotTaken
	StateRepaired
)

// Notification announces one engine-side state change.
type Notification struct {
	Type       NotificationType
	EventLogID string
	EntityID   string
	EntityType string
	EventType  string
	SeqNum     int64
	Timestamp  int64
}

// Notifier is an in-process pub/sub bus. Delivery is best-effort: a
// subscriber that stops draining its channel loses notifications rather
// than stalling the projection pipeline.
type Notifier struct {
	subscribers sync.Map
	bufferSize  int
}

// NewNotifier creates a new notifier instance.
func NewNotifier(bufferSize int) *Notifier {
	return &Notifier{bufferSize: bufferSize}
}

// Publish sends a notification to all subscribers whose filter matches.
// Non-blocking: if a subscriber's channel is full, the notification is
// dropped.
func (n *Notifier) Publish(notif Notification) {
	n.subscribers.Range(func(key, value interface{}) bool {
		sub := value.(*Subscriber)
		if n.matchesFilter(sub, notif.EventLogID) {
			select {
			case sub.Ch <- notif:
			default:
			}
		}
		return true
	})
}

// Subscribe adds a new subscriber with a custom ID. Filters are log id
// prefixes; an empty filter list receives everything.
func (n *Notifier) Subscribe(id string, filters []string) *Subscriber {
	sub := &Subscriber{
		ID:      id,
		Filters: filters,
		Ch:      make(chan Notification, n.bufferSize),
	}
	n.subscribers.Store(sub.ID, sub)
	return sub
}

// SubscribeAutoID adds a new subscriber with a generated ID.
func (n *Notifier) SubscribeAutoID(filters ...string) *Subscriber {
	return n.Subscribe("sub_"+uuid.NewString(), filters)
}

// Unsubscribe removes a subscriber and closes its channel.
func (n *Notifier) Unsubscribe(subID string) {
	if value, ok := n.subscribers.LoadAndDelete(subID); ok {
		sub := value.(*Subscriber)
		close(sub.Ch)
	}
}

// matchesFilter checks if the notification's log matches the subscriber's
// filters.
func (n *Notifier) matchesFilter(sub *Subscriber, logID string) bool {
	if len(sub.Filters) == 0 {
		return true
	}
	for _, filter := range sub.Filters {
		if len(filter) == 0 {
			return true
		}
		if len(logID) >= len(filter) && logID[:len(filter)] == filter {
			return true
		}
	}
	return false
}

// Subscriber receives notifications on Ch until unsubscribed.
type Subscriber struct {
	ID      string
	Filters []string
	Ch      chan Notification
}

// Package notify carries fire-and-forget change notifications from the
// controller to any number of listeners.
package notify

import (
	"sync"

	"github.com/google/uuid"

	"otaupdater/internal/logging"
)

// EventType names the kind of change. Events carry only the download id;
// listeners re-query the controller for current state.
type EventType string

const (
	UpdateStatusChanged     EventType = "update-status-changed"
	UpdateRemoved           EventType = "update-removed"
	DownloadProgressChanged EventType = "download-progress-changed"
	InstallProgressChanged  EventType = "install-progress-changed"
)

// Event is a single notification.
type Event struct {
	Type       EventType `json:"type"`
	DownloadID string    `json:"download_id"`
}

// Publisher is what producers of events depend on.
type Publisher interface {
	Publish(Event)
}

// Subscriber receives events on C until it is unsubscribed.
type Subscriber struct {
	ID string
	C  <-chan Event

	ch      chan Event
	dropped int
}

// Broadcaster fans events out to subscribers. Publish never blocks: a
// subscriber whose buffer is full misses the event.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]*Subscriber
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[string]*Subscriber),
	}
}

// Subscribe registers a listener with the given channel buffer.
func (b *Broadcaster) Subscribe(buffer int) *Subscriber {
	ch := make(chan Event, buffer)
	sub := &Subscriber{
		ID: uuid.NewString(),
		C:  ch,
		ch: ch,
	}

	b.mu.Lock()
	b.subscribers[sub.ID] = sub
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes a listener and closes its channel.
func (b *Broadcaster) Unsubscribe(sub *Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subscribers[sub.ID]; !ok {
		return
	}
	delete(b.subscribers, sub.ID)
	close(sub.ch)
	if sub.dropped > 0 {
		logging.Debug("Subscriber %s dropped %d events", sub.ID, sub.dropped)
	}
}

// Publish delivers ev to every subscriber without blocking.
func (b *Broadcaster) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.subscribers {
		select {
		case sub.ch <- ev:
		default:
			sub.dropped++
		}
	}
}

// Len returns the number of subscribers.
func (b *Broadcaster) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

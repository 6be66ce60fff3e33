// Package notify fans session notifications out to in-process listeners such as
// the websocket relay of the control API.
package notify

import (
	"sync"

	"github.com/google/uuid"
	"github.com/keyward/sessiond/sdk/session"
	log "github.com/sirupsen/logrus"
)

const defaultBuffer = 16

// Hub implements session.Notifier. Delivery never blocks the publisher: a
// listener whose buffer is full misses the notification.
type Hub struct {
	mu        sync.RWMutex
	listeners map[string]chan session.Notification
	last      *session.Notification
}

var _ session.Notifier = (*Hub)(nil)

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{listeners: make(map[string]chan session.Notification)}
}

// Notify delivers n to every listener.
func (h *Hub) Notify(n session.Notification) {
	h.mu.Lock()
	if n.Kind == session.NotifyStatus {
		snapshot := n
		h.last = &snapshot
	}
	h.mu.Unlock()

	h.mu.RLock()
	defer h.mu.RUnlock()
	for id, ch := range h.listeners {
		select {
		case ch <- n:
		default:
			log.WithField("listener", id).Warn("notify: listener buffer full, dropping notification")
		}
	}
}

// Subscribe registers a listener. The latest status notification, if any, is
// delivered first. The returned cancel func unregisters it and closes the channel.
func (h *Hub) Subscribe(buffer int) (string, <-chan session.Notification, func()) {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	id := uuid.NewString()
	ch := make(chan session.Notification, buffer)

	h.mu.Lock()
	if h.last != nil {
		ch <- *h.last
	}
	h.listeners[id] = ch
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.listeners, id)
			h.mu.Unlock()
			close(ch)
		})
	}
	return id, ch, cancel
}

// Len returns the number of registered listeners.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.listeners)
}

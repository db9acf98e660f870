package events

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/whatsapp-automation/dispatcher/internal/observability"
)

// Hub fans events out to in-process subscribers keyed by user id. A
// subscriber that falls behind loses events rather than stalling the
// publisher.
type Hub struct {
	buffer int
	log    zerolog.Logger

	mu   sync.RWMutex
	subs map[string]map[chan Event]struct{}
}

func NewHub(buffer int, log zerolog.Logger) *Hub {
	if buffer <= 0 {
		buffer = 64
	}
	return &Hub{
		buffer: buffer,
		log:    log,
		subs:   make(map[string]map[chan Event]struct{}),
	}
}

// Subscribe registers a listener for one user. The returned function
// unsubscribes and closes the channel.
func (h *Hub) Subscribe(userID string) (<-chan Event, func()) {
	ch := make(chan Event, h.buffer)

	h.mu.Lock()
	if h.subs[userID] == nil {
		h.subs[userID] = make(map[chan Event]struct{})
	}
	h.subs[userID][ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs[userID], ch)
			if len(h.subs[userID]) == 0 {
				delete(h.subs, userID)
			}
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Subscribers reports how many listeners a user has.
func (h *Hub) Subscribers(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[userID])
}

func (h *Hub) Publish(_ context.Context, ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for ch := range h.subs[ev.UserID] {
		select {
		case ch <- ev:
			observability.Events.WithLabelValues("hub", "ok").Inc()
		default:
			observability.Events.WithLabelValues("hub", "dropped").Inc()
			h.log.Debug().Str("user", ev.UserID).Str("event", string(ev.Name)).Msg("subscriber full, event dropped")
		}
	}
}

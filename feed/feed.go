// Package feed broadcasts live gateway activity (intent transitions, webhook
// outcomes, operator alerts) to in-process subscribers such as the admin
// websocket. Delivery is best effort: a slow subscriber drops updates rather
// than stalling publishers.
package feed

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"parapay/observability"
)

const historyLimit = 256

// Event kinds carried by the feed.
const (
	KindTransition = "intent.transition"
	KindWebhook    = "webhook.delivery"
	KindAlert      = "alert"
)

// Event captures one observable lifecycle change.
type Event struct {
	Sequence  uint64    `json:"seq"`
	Cursor    string    `json:"cursor"`
	Kind      string    `json:"kind"`
	IntentID  string    `json:"intent_id,omitempty"`
	From      string    `json:"from,omitempty"`
	To        string    `json:"to,omitempty"`
	WebhookID string    `json:"webhook_id,omitempty"`
	Status    string    `json:"status,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	At        time.Time `json:"at"`
}

// Hub fans events out to subscribers and retains a bounded history so a
// reconnecting client can replay what it missed via its cursor.
type Hub struct {
	mu      sync.Mutex
	seq     uint64
	nextID  uint64
	subs    map[uint64]chan Event
	history []Event
}

// NewHub constructs an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[uint64]chan Event)}
}

// Publish assigns the event a sequence number and delivers it to every
// subscriber that can accept it immediately.
func (h *Hub) Publish(ev Event) {
	if h == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	h.mu.Lock()
	h.seq++
	ev.Sequence = h.seq
	ev.Cursor = strconv.FormatUint(ev.Sequence, 10)
	h.history = append(h.history, ev)
	if len(h.history) > historyLimit {
		excess := len(h.history) - historyLimit
		trimmed := make([]Event, historyLimit)
		copy(trimmed, h.history[excess:])
		h.history = trimmed
	}
	subscribers := make([]chan Event, 0, len(h.subs))
	for _, ch := range h.subs {
		subscribers = append(subscribers, ch)
	}
	h.mu.Unlock()

	for _, ch := range subscribers {
		select {
		case ch <- ev:
		default:
			observability.Feed().RecordDrop()
		}
	}
}

// Subscribe registers a subscriber for events after the supplied cursor. The
// returned backlog holds retained history past the cursor; cancel must be
// called (it is also hooked to ctx) to release the subscription.
func (h *Hub) Subscribe(ctx context.Context, cursor string) (<-chan Event, func(), []Event, error) {
	updates := make(chan Event, 32)

	var since uint64
	if trimmed := strings.TrimSpace(cursor); trimmed != "" {
		if parsed, err := strconv.ParseUint(trimmed, 10, 64); err == nil {
			since = parsed
		}
	}

	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = updates
	history := make([]Event, len(h.history))
	copy(history, h.history)
	observability.Feed().SetSubscribers(len(h.subs))
	h.mu.Unlock()

	backlog := make([]Event, 0, len(history))
	for _, entry := range history {
		if entry.Sequence > since {
			backlog = append(backlog, entry)
		}
	}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			sub, ok := h.subs[id]
			if ok {
				delete(h.subs, id)
				close(sub)
			}
			observability.Feed().SetSubscribers(len(h.subs))
			h.mu.Unlock()
		})
	}

	if ctx != nil {
		go func() {
			<-ctx.Done()
			cancel()
		}()
	}

	return updates, cancel, backlog, nil
}

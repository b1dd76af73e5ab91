package ingest

import (
	"sync"
	"time"

	"parapay/chain"
)

const (
	defaultReplayCapacity = 256
	defaultReplayTTL      = 10 * time.Minute
)

type replayKey struct {
	blockHash string
	logIndex  uint
}

type replayEntry struct {
	ev       chain.Event
	queuedAt time.Time
}

// replayQueue parks events whose intent cannot be resolved yet, usually a
// deposit racing the creation event or a creation racing the intent row
// commit. Entries keep their original enqueue time across requeues so the TTL
// measures total time parked.
type replayQueue struct {
	mu       sync.Mutex
	entries  []replayEntry
	seen     map[replayKey]struct{}
	capacity int
	ttl      time.Duration
}

func newReplayQueue(capacity int, ttl time.Duration) *replayQueue {
	if capacity <= 0 {
		capacity = defaultReplayCapacity
	}
	if ttl <= 0 {
		ttl = defaultReplayTTL
	}
	return &replayQueue{
		seen:     make(map[replayKey]struct{}),
		capacity: capacity,
		ttl:      ttl,
	}
}

func keyOf(ev chain.Event) replayKey {
	return replayKey{blockHash: ev.BlockHash.Hex(), logIndex: ev.LogIndex}
}

// push parks an event. It reports false when the queue is full; duplicates of
// an already-parked event report true without growing the queue.
func (q *replayQueue) push(ev chain.Event, now time.Time) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	key := keyOf(ev)
	if _, ok := q.seen[key]; ok {
		return true
	}
	if len(q.entries) >= q.capacity {
		return false
	}
	q.entries = append(q.entries, replayEntry{ev: ev, queuedAt: now})
	q.seen[key] = struct{}{}
	return true
}

// take empties the queue, splitting entries into those still within the TTL
// (in enqueue order) and the events that timed out waiting.
func (q *replayQueue) take(now time.Time) ([]replayEntry, []chain.Event) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var alive []replayEntry
	var expired []chain.Event
	for _, e := range q.entries {
		if now.Sub(e.queuedAt) > q.ttl {
			expired = append(expired, e.ev)
			continue
		}
		alive = append(alive, e)
	}
	q.entries = nil
	q.seen = make(map[replayKey]struct{})
	return alive, expired
}

// requeue parks an entry again, keeping its original enqueue time.
func (q *replayQueue) requeue(e replayEntry) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	key := keyOf(e.ev)
	if _, ok := q.seen[key]; ok {
		return true
	}
	if len(q.entries) >= q.capacity {
		return false
	}
	q.entries = append(q.entries, e)
	q.seen[key] = struct{}{}
	return true
}

func (q *replayQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

package node

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

var ErrNotFound = errors.New("node: not found")

// EventKind tags registry notifications.
type EventKind string

const (
	EventFound EventKind = "node_found"
	EventLost  EventKind = "node_lost"
)

// Event is one liveness notification delivered to subscribers.
type Event struct {
	Kind     EventKind
	Identity Identity
	At       time.Time
}

// Registry is the single source of truth for peers currently believed
// live. Mutation is serialized behind one mutex; reads return snapshot
// copies so no caller observes a record mid-update.
type Registry struct {
	ttl time.Duration

	mu      sync.RWMutex
	records map[string]Record

	subMu   sync.Mutex
	subs    map[int]chan Event
	nextSub int
}

func NewRegistry(ttl time.Duration) *Registry {
	return &Registry{
		ttl:     ttl,
		records: make(map[string]Record),
		subs:    make(map[int]chan Event),
	}
}

// TTL is the silence window after which a record is eligible for eviction.
func (r *Registry) TTL() time.Duration {
	return r.ttl
}

// Upsert inserts or refreshes a peer and reports whether it was new.
// A refresh with a changed endpoint keeps the newest sighting.
func (r *Registry) Upsert(identity Identity, now time.Time) bool {
	r.mu.Lock()
	_, existed := r.records[identity.ID]
	r.records[identity.ID] = Record{
		Identity:   identity,
		LastSeenAt: now,
		State:      StateDiscovered,
	}
	r.mu.Unlock()

	if !existed {
		r.notify(Event{Kind: EventFound, Identity: identity, At: now})
	}
	return !existed
}

// Lookup returns a copy of one record, with its state recomputed
// against the TTL window at call time.
func (r *Registry) Lookup(id string) (Record, error) {
	r.mu.RLock()
	rec, ok := r.records[id]
	r.mu.RUnlock()
	if !ok {
		return Record{}, ErrNotFound
	}
	rec.State = r.stateAt(rec, time.Now())
	return rec, nil
}

// Snapshot returns copies of all records sorted by ID.
func (r *Registry) Snapshot() []Record {
	now := time.Now()
	r.mu.RLock()
	out := make([]Record, 0, len(r.records))
	for _, rec := range r.records {
		rec.State = r.stateAt(rec, now)
		out = append(out, rec)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].Identity.ID < out[j].Identity.ID
	})
	return out
}

// EvictExpired removes every record whose last beacon is older than the
// TTL window and returns the removed IDs. One EventLost fires per
// removed peer.
func (r *Registry) EvictExpired(now time.Time) []string {
	r.mu.Lock()
	removed := make([]Record, 0)
	for id, rec := range r.records {
		if now.Sub(rec.LastSeenAt) > r.ttl {
			removed = append(removed, rec)
			delete(r.records, id)
		}
	}
	r.mu.Unlock()

	ids := make([]string, 0, len(removed))
	for _, rec := range removed {
		ids = append(ids, rec.Identity.ID)
		r.notify(Event{Kind: EventLost, Identity: rec.Identity, At: now})
	}
	sort.Strings(ids)
	return ids
}

// Subscribe registers a notification channel with the given buffer.
// Delivery never blocks: events beyond the buffer are dropped so slow
// subscribers cannot stall discovery.
func (r *Registry) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)

	r.subMu.Lock()
	id := r.nextSub
	r.nextSub++
	r.subs[id] = ch
	r.subMu.Unlock()

	cancel := func() {
		r.subMu.Lock()
		if _, ok := r.subs[id]; ok {
			delete(r.subs, id)
			close(ch)
		}
		r.subMu.Unlock()
	}
	return ch, cancel
}

func (r *Registry) notify(ev Event) {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	for _, ch := range r.subs {
		select {
		case ch <- ev:
		default:
			log.Debug().Str("kind", string(ev.Kind)).Str("node_id", ev.Identity.ID).
				Msg("registry subscriber full, event dropped")
		}
	}
}

func (r *Registry) stateAt(rec Record, now time.Time) State {
	if now.Sub(rec.LastSeenAt) > r.ttl {
		return StateStale
	}
	return StateDiscovered
}

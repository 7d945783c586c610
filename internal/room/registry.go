// Package room tracks which live connections belong to which room and fans
// events out to them.
package room

import (
	"sort"
	"sync"

	"github.com/samber/lo"

	"github.com/moy-bank/support-gateway/internal/model"
	"github.com/moy-bank/support-gateway/pkg/metrics"
)

// Member is a live recipient of room events.
type Member interface {
	// Deliver enqueues ev without blocking. It reports false when the member
	// is closed or cannot keep up.
	Deliver(ev model.Event) bool
}

type room struct {
	mu      sync.Mutex
	members map[Member]struct{}

	// dead is set once the room was removed from the registry. Joiners that
	// raced with the removal retry against a fresh room.
	dead bool
}

// Registry maps room keys to members.
type Registry struct {
	mu    sync.Mutex
	rooms map[string]*room
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{rooms: make(map[string]*room)}
}

func (r *Registry) get(key string, create bool) *room {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[key]
	if !ok && create {
		rm = &room{members: make(map[Member]struct{})}
		r.rooms[key] = rm
		metrics.RoomsActive.Set(float64(len(r.rooms)))
	}
	return rm
}

// retire drops rm from the map if it is still the room registered under key.
// Caller holds rm.mu.
func (r *Registry) retire(key string, rm *room) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.rooms[key] == rm {
		delete(r.rooms, key)
		metrics.RoomsActive.Set(float64(len(r.rooms)))
	}
	rm.dead = true
}

// Join adds m to the room. Joining twice is a no-op.
func (r *Registry) Join(m Member, key string) {
	for {
		rm := r.get(key, true)
		rm.mu.Lock()
		if rm.dead {
			rm.mu.Unlock()
			continue
		}
		rm.members[m] = struct{}{}
		rm.mu.Unlock()
		return
	}
}

// Leave removes m from the room. Leaving a room m is not in is a no-op.
func (r *Registry) Leave(m Member, key string) {
	rm := r.get(key, false)
	if rm == nil {
		return
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()
	delete(rm.members, m)
	if len(rm.members) == 0 && !rm.dead {
		r.retire(key, rm)
	}
}

// LeaveAll removes m from every listed room.
func (r *Registry) LeaveAll(m Member, keys []string) {
	for _, key := range keys {
		r.Leave(m, key)
	}
}

// Broadcast delivers ev to every member of the room at the time of the call
// and returns how many accepted it.
func (r *Registry) Broadcast(key string, ev model.Event) int {
	rm := r.get(key, false)
	if rm == nil {
		return 0
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()

	delivered := 0
	for m := range rm.members {
		if m.Deliver(ev) {
			delivered++
			continue
		}
		metrics.FanoutDropped.Inc()
	}
	metrics.FanoutDeliveries.WithLabelValues(string(ev.Type)).Add(float64(delivered))
	return delivered
}

// Members returns the number of members in a room.
func (r *Registry) Members(key string) int {
	rm := r.get(key, false)
	if rm == nil {
		return 0
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return len(rm.members)
}

// Rooms returns the keys of all non-empty rooms, sorted.
func (r *Registry) Rooms() []string {
	r.mu.Lock()
	keys := lo.Keys(r.rooms)
	r.mu.Unlock()

	sort.Strings(keys)
	return keys
}

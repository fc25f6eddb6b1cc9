package directory

import (
	"sync"
	"time"
)

// Registry is the authoritative directory held by the coordinator.
//
// Nodes register themselves at startup and read it back through Snapshot.
// The version bumps on every visible change so callers can tell whether
// their cached copy moved.
type Registry struct {
	mu      sync.RWMutex
	members map[string]Member
	version uint64
}

func NewRegistry(self Member) *Registry {
	r := &Registry{members: map[string]Member{}}
	r.Register(self)
	return r
}

// Register upserts a member. Registering the same id, address and role
// again is a no-op and returns false.
func (r *Registry) Register(m Member) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.members[m.ID]
	if ok && cur.Address == m.Address && cur.Role == m.Role {
		return false
	}
	if ok {
		m.JoinedAt = cur.JoinedAt
	} else if m.JoinedAt.IsZero() {
		m.JoinedAt = time.Now()
	}
	r.members[m.ID] = m
	r.version++
	return true
}

func (r *Registry) Get(id string) (Member, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.members[id]
	return m, ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	members := make([]Member, 0, len(r.members))
	for _, m := range r.members {
		members = append(members, m)
	}
	sortMembers(members)
	return Snapshot{Members: members, Version: r.version, Authoritative: true, TakenAt: time.Now()}
}

package directory

import (
	"sort"
	"time"
)

type Role string

const (
	RoleCoordinator Role = "coordinator"
	RoleTeacher     Role = "teacher"
	RoleClient      Role = "client"
	RoleStudent     Role = "student"
	RoleBackup      Role = "backup"
)

// Member is one entry of the directory.
//
// ID is immutable once assigned; Address may change when a node restarts
// elsewhere and re-registers.
type Member struct {
	ID       string    `json:"id"`
	Address  string    `json:"address"`
	Role     Role      `json:"role"`
	JoinedAt time.Time `json:"joined_at,omitempty"`
}

// Snapshot is a consistent copy of the directory at one instant.
//
// Authoritative is false when the snapshot was rebuilt by probing local
// ports because the coordinator was unreachable.
type Snapshot struct {
	Members       []Member  `json:"members"`
	Version       uint64    `json:"version"`
	Authoritative bool      `json:"authoritative"`
	TakenAt       time.Time `json:"taken_at"`
}

func (s Snapshot) Lookup(id string) (Member, bool) {
	for _, m := range s.Members {
		if m.ID == id {
			return m, true
		}
	}
	return Member{}, false
}

// Addresses maps id -> address for every member with the given role.
// An empty role selects everyone.
func (s Snapshot) Addresses(role Role) map[string]string {
	out := make(map[string]string, len(s.Members))
	for _, m := range s.Members {
		if role == "" || m.Role == role {
			out[m.ID] = m.Address
		}
	}
	return out
}

// Others is Addresses without the caller's own entry.
func (s Snapshot) Others(selfID string, role Role) map[string]string {
	out := s.Addresses(role)
	delete(out, selfID)
	return out
}

func sortMembers(ms []Member) {
	sort.Slice(ms, func(i, j int) bool { return ms[i].ID < ms[j].ID })
}

package mutex

import (
	"time"

	"examsync/internal/directory"
)

// Config bounds the wait for grants.
//
// A peer that has not granted yet is pinged every ProbeInterval. Once it has
// failed pings for ExcludeAfter it is dropped from the expected set, so a
// crashed student cannot block everyone else forever. WaitTimeout bounds the
// whole wait; zero waits until the context ends.
type Config struct {
	CallTimeout   time.Duration
	WaitTimeout   time.Duration
	ProbeInterval time.Duration
	ExcludeAfter  time.Duration

	// PeerRole selects which directory entries take part.
	PeerRole directory.Role
}

func DefaultConfig() Config {
	return Config{
		CallTimeout:   5 * time.Second,
		WaitTimeout:   2 * time.Minute,
		ProbeInterval: time.Second,
		ExcludeAfter:  5 * time.Second,
		PeerRole:      directory.RoleStudent,
	}
}

package clock

import "sync"

// Lamport is the logical clock of a single node.
//
// Every local event ticks it and every observed remote timestamp is merged
// into it, so the value never decreases. All access goes through one lock:
// RPC handlers and the requesting goroutine share the same instance.
type Lamport struct {
	mu    sync.Mutex
	value int64
}

func NewLamport() *Lamport {
	return &Lamport{}
}

// Tick increments the clock and returns the new value.
// Used to timestamp outgoing requests.
func (l *Lamport) Tick() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.value++
	return l.value
}

// Merge sets the clock to max(local, observed) + 1 and returns it.
func (l *Lamport) Merge(observed int64) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if observed > l.value {
		l.value = observed
	}
	l.value++
	return l.value
}

// Now reads the clock without advancing it.
func (l *Lamport) Now() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.value
}

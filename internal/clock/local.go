package clock

import (
	"fmt"
	"sync"
	"time"
)

// Layout is the wall-clock format operators type at startup ("HH-MM-SS").
const Layout = "15-04-05"

// Local is a node's wall-like clock: the host clock shifted by an offset.
//
// Berkeley rounds move the offset; the Lamport clock is never touched by them.
type Local struct {
	mu     sync.Mutex
	offset time.Duration
	now    func() time.Time
}

func NewLocal() *Local {
	return &Local{now: time.Now}
}

// NewLocalFunc builds a clock over a custom time source (tests).
func NewLocalFunc(now func() time.Time) *Local {
	if now == nil {
		now = time.Now
	}
	return &Local{now: now}
}

func (l *Local) Now() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.now().Add(l.offset)
}

// Set moves the clock so that Now() reads t at this instant.
func (l *Local) Set(t time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.offset = t.Sub(l.now())
}

// SetTimeOfDay keeps today's date and replaces the time of day with the
// given "HH-MM-SS" value.
func (l *Local) SetTimeOfDay(s string) error {
	tod, err := time.Parse(Layout, s)
	if err != nil {
		return fmt.Errorf("parse local time %q: %w", s, err)
	}
	base := l.now()
	y, m, d := base.Date()
	l.Set(time.Date(y, m, d, tod.Hour(), tod.Minute(), tod.Second(), 0, base.Location()))
	return nil
}

// Adjust shifts the clock by delta seconds and returns the new reading.
func (l *Local) Adjust(delta float64) time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.offset += Seconds(delta)
	return l.now().Add(l.offset)
}

// Offset is the current shift against the host clock.
func (l *Local) Offset() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.offset
}

func (l *Local) String() string {
	return l.Now().Format(Layout)
}

// Seconds converts float seconds (the unit offsets travel in) to a Duration.
func Seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

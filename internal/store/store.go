package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

type Kind string

const (
	KindMCQ Kind = "mcq"
	KindISA Kind = "isa"
)

// Score is one authoritative result for a student.
type Score struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	Value     int       `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Sink receives results. Recording the same (id, kind) again overwrites.
type Sink interface {
	RecordScore(ctx context.Context, s Score) error
}

// Reader lists what a sink holds.
type Reader interface {
	Scores(ctx context.Context) ([]Score, error)
}

// Memory is a tiny in-memory score table.
//
// Each node is authoritative only for its local copy; pushing results to the
// teacher happens above this layer.
type Memory struct {
	mu sync.RWMutex
	m  map[string]Score
}

func NewMemory() *Memory {
	return &Memory{m: make(map[string]Score)}
}

func key(id string, kind Kind) string {
	return string(kind) + "/" + id
}

func (s *Memory) Get(id string, kind Kind) (Score, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.m[key(id, kind)]
	return v, ok
}

func (s *Memory) RecordScore(_ context.Context, sc Score) error {
	if sc.UpdatedAt.IsZero() {
		sc.UpdatedAt = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[key(sc.ID, sc.Kind)] = sc
	return nil
}

func (s *Memory) Scores(_ context.Context) ([]Score, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Score, 0, len(s.m))
	for _, v := range s.m {
		out = append(out, v)
	}
	sortScores(out)
	return out, nil
}

func sortScores(out []Score) {
	sort.Slice(out, func(i, j int) bool {
		if out[i].ID != out[j].ID {
			return out[i].ID < out[j].ID
		}
		return out[i].Kind < out[j].Kind
	})
}

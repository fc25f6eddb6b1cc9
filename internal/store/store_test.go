package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func TestMemory_RecordOverwrites(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	_ = m.RecordScore(ctx, Score{ID: "2", Kind: KindMCQ, Value: 40})
	_ = m.RecordScore(ctx, Score{ID: "1", Kind: KindISA, Value: 17})
	_ = m.RecordScore(ctx, Score{ID: "2", Kind: KindMCQ, Value: 70})

	got, ok := m.Get("2", KindMCQ)
	if !ok || got.Value != 70 {
		t.Fatalf("unexpected %+v", got)
	}
	all, _ := m.Scores(ctx)
	if len(all) != 2 || all[0].ID != "1" {
		t.Fatalf("unexpected listing %+v", all)
	}
}

func TestSQLite_RoundTrip(t *testing.T) {
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "scores.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	for _, sc := range []Score{
		{ID: "1", Kind: KindMCQ, Value: 90},
		{ID: "1", Kind: KindISA, Value: 18},
		{ID: "1", Kind: KindMCQ, Value: 80},
	} {
		if err := s.RecordScore(ctx, sc); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	all, err := s.Scores(ctx)
	if err != nil {
		t.Fatalf("scores: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 rows, got %+v", all)
	}
	if all[0].Kind != KindISA || all[0].Value != 18 || all[1].Value != 80 {
		t.Fatalf("unexpected rows %+v", all)
	}
}

type failingSink struct{}

func (failingSink) RecordScore(context.Context, Score) error { return errors.New("teacher offline") }

func TestTee_KeepsGoingOnFailure(t *testing.T) {
	m := NewMemory()
	err := Tee{failingSink{}, m}.RecordScore(context.Background(), Score{ID: "3", Kind: KindMCQ, Value: 50})
	if err == nil {
		t.Fatal("expected the failing sink to surface")
	}
	if _, ok := m.Get("3", KindMCQ); !ok {
		t.Fatal("healthy sink must still record")
	}
}

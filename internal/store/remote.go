package store

import (
	"context"
	"errors"
)

// Recorder is the RPC used to push a score to another node.
type Recorder interface {
	RecordScore(ctx context.Context, addr string, s Score) error
}

// Remote forwards every score to the node at Addr (the teacher).
type Remote struct {
	Addr string
	RPC  Recorder
}

func (r Remote) RecordScore(ctx context.Context, s Score) error {
	return r.RPC.RecordScore(ctx, r.Addr, s)
}

// Tee records into every sink and reports all failures together.
// A failing sink does not stop the others.
type Tee []Sink

func (t Tee) RecordScore(ctx context.Context, s Score) error {
	var errs []error
	for _, sink := range t {
		if err := sink.RecordScore(ctx, s); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

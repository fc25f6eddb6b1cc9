package node

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"examsync/internal/store"
)

var ErrInvalidMarks = errors.New("node: marks must be an integer")

// Student is the grade-entry side of a student node. Entering ISA marks is
// the critical section guarded by Ricart-Agrawala.
type Student struct {
	n *Node
}

// Student returns the student view of n, or nil for other roles.
func (n *Node) Student() *Student {
	if n.engine == nil {
		return nil
	}
	return &Student{n: n}
}

// EnterISA enters the critical section, validates raw and records it as
// this student's ISA marks through the coordinator, then releases. Invalid
// input abandons the section instead, so deferred peers are granted at once.
func (s *Student) EnterISA(ctx context.Context, raw string) (int, error) {
	n := s.n
	if err := n.engine.Acquire(ctx); err != nil {
		return 0, fmt.Errorf("enter critical section: %w", err)
	}
	log := n.log.WithField("ts", n.engine.Status().RequestTS)

	marks, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		log.WithField("input", raw).Warn("invalid marks, abandoning critical section")
		n.engine.Abandon(ctx)
		return 0, fmt.Errorf("%w: %q", ErrInvalidMarks, raw)
	}

	recErr := n.sink.RecordScore(ctx, store.Score{ID: n.self.ID, Kind: store.KindISA, Value: marks})
	if recErr != nil {
		log.WithError(recErr).Error("isa marks not recorded")
	} else {
		log.WithFields(logrus.Fields{"marks": marks}).Info("isa marks recorded")
	}

	if err := n.engine.Release(ctx); err != nil {
		return marks, err
	}
	if recErr != nil {
		return marks, fmt.Errorf("record isa marks: %w", recErr)
	}
	return marks, nil
}

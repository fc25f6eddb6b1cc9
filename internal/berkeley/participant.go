package berkeley

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"examsync/internal/clock"
)

type Reporter interface {
	ReportOffset(ctx context.Context, addr, round, id string, offset float64) error
}

// Participant answers a coordinator's rounds with the node's local clock.
//
// In push mode it computes its own offset against the coordinator's time
// and reports it back asynchronously instead of returning its time.
type Participant struct {
	id          string
	local       *clock.Local
	reporter    Reporter
	push        bool
	callTimeout time.Duration
	log         *logrus.Entry

	wg sync.WaitGroup
}

func NewParticipant(id string, local *clock.Local, reporter Reporter, push bool, callTimeout time.Duration, log *logrus.Entry) *Participant {
	return &Participant{
		id:          id,
		local:       local,
		reporter:    reporter,
		push:        push && reporter != nil,
		callTimeout: callTimeout,
		log:         log,
	}
}

func (p *Participant) OnRequestTime(req TimeRequest) TimeReply {
	now := p.local.Now()
	if !p.push || req.ReplyTo == "" {
		return TimeReply{Time: now}
	}

	cv := now.Sub(req.CoordinatorTime).Seconds()
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), p.callTimeout)
		defer cancel()
		if err := p.reporter.ReportOffset(ctx, req.ReplyTo, req.Round, p.id, cv); err != nil {
			p.log.WithError(err).WithField("round", req.Round).Warn("offset report failed")
			return
		}
		p.log.WithFields(logrus.Fields{"round": req.Round, "offset": cv}).Debug("reported offset")
	}()
	return TimeReply{Reported: true}
}

func (p *Participant) OnAdjust(round string, delta float64) time.Time {
	now := p.local.Adjust(delta)
	p.log.WithFields(logrus.Fields{"round": round, "delta": delta, "now": now.Format(clock.Layout)}).Info("local clock adjusted")
	return now
}

// Now is the participant's current local time.
func (p *Participant) Now() time.Time {
	return p.local.Now()
}

// Close waits for in-flight offset reports.
func (p *Participant) Close() {
	p.wg.Wait()
}

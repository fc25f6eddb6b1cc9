package berkeley

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"examsync/internal/clock"
	"examsync/internal/directory"
)

var (
	ErrUnknownRound       = errors.New("berkeley: unknown or closed round")
	ErrUnknownParticipant = errors.New("berkeley: not a participant of this round")
)

// TimeRequest opens step 1 of a round on a participant.
type TimeRequest struct {
	Round           string    `json:"round"`
	CoordinatorTime time.Time `json:"coordinator_time"`
	ReplyTo         string    `json:"reply_to,omitempty"`
}

// TimeReply either carries the participant's time, or says the participant
// computed its offset itself and reported it through ReportOffset.
type TimeReply struct {
	Time     time.Time `json:"time"`
	Reported bool      `json:"reported,omitempty"`
}

type Transport interface {
	RequestTime(ctx context.Context, addr string, req TimeRequest) (TimeReply, error)
	ApplyAdjustment(ctx context.Context, addr string, round string, delta float64) (time.Time, error)
}

type Members interface {
	Snapshot() directory.Snapshot
}

type Config struct {
	// RoundTimeout bounds steps 1 and 2 together; late participants are
	// left out of the average and get no adjustment.
	RoundTimeout time.Duration
	CallTimeout  time.Duration
}

func DefaultConfig() Config {
	return Config{
		RoundTimeout: 5 * time.Second,
		CallTimeout:  5 * time.Second,
	}
}

// Result describes one finished round. Offsets and deltas are seconds.
type Result struct {
	Round    string               `json:"round"`
	Average  float64              `json:"average"`
	Offsets  map[string]float64   `json:"offsets"`
	Deltas   map[string]float64   `json:"deltas"`
	Applied  map[string]time.Time `json:"applied"`
	Excluded []string             `json:"excluded,omitempty"`
}

// ComputeAdjustments averages the offsets and returns, per node, the delta
// that moves its clock onto coordinator_time + average.
func ComputeAdjustments(offsets map[string]float64) (float64, map[string]float64) {
	deltas := make(map[string]float64, len(offsets))
	if len(offsets) == 0 {
		return 0, deltas
	}
	sum := 0.0
	for _, o := range offsets {
		sum += o
	}
	avg := sum / float64(len(offsets))
	for id, o := range offsets {
		deltas[id] = avg - o
	}
	return avg, deltas
}

type round struct {
	participants map[string]string
	offsets      map[string]float64
	notify       chan struct{}
}

// Coordinator runs Berkeley rounds against every registered member.
type Coordinator struct {
	self    directory.Member
	local   *clock.Local
	members Members
	rpc     Transport
	cfg     Config
	log     *logrus.Entry

	mu   sync.Mutex
	open map[string]*round
	last *Result
}

func NewCoordinator(self directory.Member, local *clock.Local, members Members, rpc Transport, cfg Config, log *logrus.Entry) *Coordinator {
	return &Coordinator{
		self:    self,
		local:   local,
		members: members,
		rpc:     rpc,
		cfg:     cfg,
		log:     log,
		open:    map[string]*round{},
	}
}

// Round collects offsets, averages them (the coordinator counts as zero)
// and pushes corrective deltas, including to itself.
func (c *Coordinator) Round(ctx context.Context) (Result, error) {
	id := uuid.NewString()
	participants := c.members.Snapshot().Others(c.self.ID, "")
	log := c.log.WithField("round", id)

	r := &round{
		participants: participants,
		offsets:      map[string]float64{c.self.ID: 0},
		notify:       make(chan struct{}, len(participants)+1),
	}
	c.mu.Lock()
	c.open[id] = r
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.open, id)
		c.mu.Unlock()
	}()

	log.WithField("participants", len(participants)).Info("starting clock synchronization")

	ctx2, cancel := context.WithTimeout(ctx, c.cfg.RoundTimeout)
	defer cancel()

	reported := c.collect(ctx2, log, id, r, participants)
	c.awaitReports(ctx2, r, reported)

	c.mu.Lock()
	offsets := make(map[string]float64, len(r.offsets))
	for k, v := range r.offsets {
		offsets[k] = v
	}
	c.mu.Unlock()

	res := Result{Round: id, Offsets: offsets, Applied: map[string]time.Time{}}
	for pid := range participants {
		if _, ok := offsets[pid]; !ok {
			res.Excluded = append(res.Excluded, pid)
		}
	}
	sort.Strings(res.Excluded)
	if len(res.Excluded) > 0 {
		log.WithField("excluded", res.Excluded).Warn("participants left out of the average")
	}

	res.Average, res.Deltas = ComputeAdjustments(offsets)
	res.Applied = c.distribute(ctx, log, id, participants, res.Deltas)
	res.Applied[c.self.ID] = c.local.Adjust(res.Deltas[c.self.ID])

	log.WithFields(logrus.Fields{"average": res.Average, "now": c.local.String()}).Info("clock synchronization finished")

	c.mu.Lock()
	c.last = &res
	c.mu.Unlock()
	return res, ctx.Err()
}

// ReportOffset accepts an offset pushed by a participant for an open round.
// Only members asked at the start of the round may report; the coordinator's
// own offset is zero by definition.
func (c *Coordinator) ReportOffset(roundID, id string, offset float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.open[roundID]
	if !ok {
		return ErrUnknownRound
	}
	if _, ok := r.participants[id]; !ok || id == c.self.ID {
		return fmt.Errorf("%w: %q", ErrUnknownParticipant, id)
	}
	r.offsets[id] = offset
	select {
	case r.notify <- struct{}{}:
	default:
	}
	return nil
}

// Last returns the most recent round, if any.
func (c *Coordinator) Last() (Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.last == nil {
		return Result{}, false
	}
	return *c.last, true
}

// collect runs step 1 and returns the ids that chose to report by push.
func (c *Coordinator) collect(ctx context.Context, log *logrus.Entry, roundID string, r *round, participants map[string]string) []string {
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		reported []string
	)
	for pid, addr := range participants {
		wg.Add(1)
		go func(pid, addr string) {
			defer wg.Done()
			sent := c.local.Now()
			reply, err := c.rpc.RequestTime(ctx, addr, TimeRequest{Round: roundID, CoordinatorTime: sent, ReplyTo: c.self.Address})
			if err != nil {
				log.WithError(err).WithField("peer", pid).Warn("time request failed")
				return
			}
			if reply.Reported {
				mu.Lock()
				reported = append(reported, pid)
				mu.Unlock()
				return
			}
			received := c.local.Now()
			mid := sent.Add(received.Sub(sent) / 2)
			offset := reply.Time.Sub(mid).Seconds()

			c.mu.Lock()
			r.offsets[pid] = offset
			c.mu.Unlock()
			log.WithFields(logrus.Fields{"peer": pid, "offset": offset}).Debug("collected offset")
		}(pid, addr)
	}
	wg.Wait()
	return reported
}

func (c *Coordinator) awaitReports(ctx context.Context, r *round, reported []string) {
	missing := func() int {
		c.mu.Lock()
		defer c.mu.Unlock()
		n := 0
		for _, pid := range reported {
			if _, ok := r.offsets[pid]; !ok {
				n++
			}
		}
		return n
	}
	for missing() > 0 {
		select {
		case <-ctx.Done():
			return
		case <-r.notify:
		}
	}
}

func (c *Coordinator) distribute(ctx context.Context, log *logrus.Entry, roundID string, participants map[string]string, deltas map[string]float64) map[string]time.Time {
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		applied = map[string]time.Time{}
	)
	for pid, addr := range participants {
		delta, ok := deltas[pid]
		if !ok {
			continue
		}
		wg.Add(1)
		go func(pid, addr string, delta float64) {
			defer wg.Done()
			ctx2, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
			defer cancel()
			now, err := c.rpc.ApplyAdjustment(ctx2, addr, roundID, delta)
			if err != nil {
				log.WithError(err).WithField("peer", pid).Warn("adjustment not delivered")
				return
			}
			mu.Lock()
			applied[pid] = now
			mu.Unlock()
			log.WithFields(logrus.Fields{"peer": pid, "delta": delta, "now": now.Format(clock.Layout)}).Info("adjusted clock")
		}(pid, addr, delta)
	}
	wg.Wait()
	return applied
}

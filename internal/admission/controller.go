package admission

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"examsync/internal/scoring"
	"examsync/internal/store"
)

type completion struct {
	id     string
	ticket string
	result int
	route  Route
	local  bool // holds a gate slot
}

// Controller bounds local finalization work and overflows the rest to the
// backup node.
//
// The gate is a buffered channel used without blocking: a full gate routes
// the job to the backup instead of queueing it. Routing is first come,
// first slot. Every result, local or from the backup, goes through one
// reconciliation loop which is the only place a job becomes Complete.
type Controller struct {
	cfg    Config
	score  func(scoring.Submission) int
	sink   store.Sink
	backup Backup
	log    *logrus.Entry

	gate    chan struct{}
	results chan completion

	mu   sync.Mutex
	jobs map[string]*Job

	ctx    context.Context
	cancel context.CancelFunc

	wg sync.WaitGroup
}

func New(cfg Config, score func(scoring.Submission) int, sink store.Sink, backup Backup, log *logrus.Entry) *Controller {
	if cfg.Capacity < 0 {
		cfg.Capacity = 0
	}
	if cfg.ForwardAttempts <= 0 {
		cfg.ForwardAttempts = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		cfg:     cfg,
		score:   score,
		sink:    sink,
		backup:  backup,
		log:     log,
		gate:    make(chan struct{}, cfg.Capacity),
		results: make(chan completion, 64),
		jobs:    map[string]*Job{},
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start runs the reconciliation loop and, if a backup deadline is set, the
// watchdog for overdue forwarded jobs. Jobs accepted before Start keep
// running and are reconciled once the loop is up. Cancelling ctx stops the
// controller like Close.
func (c *Controller) Start(ctx context.Context) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		select {
		case <-ctx.Done():
			c.cancel()
		case <-c.ctx.Done():
		}
	}()

	c.wg.Add(1)
	go c.reconcileLoop(c.ctx)
	if c.cfg.BackupDeadline > 0 && c.cfg.SweepInterval > 0 {
		c.wg.Add(1)
		go c.watchdogLoop(c.ctx)
	}
}

// Close stops the loops and waits for workers and forwards in flight.
func (c *Controller) Close() {
	c.cancel()
	c.wg.Wait()
}

// Submit enters a job. A job already known (in flight or complete) is a
// no-op. The caller never learns which route was taken; it only gets an
// error when the job could be processed neither locally nor by the backup.
func (c *Controller) Submit(ctx context.Context, id string, sub scoring.Submission) error {
	log := c.log.WithField("job", id)

	c.mu.Lock()
	if j, ok := c.jobs[id]; ok {
		state := j.State
		c.mu.Unlock()
		log.WithField("state", state).Debug("duplicate submission ignored")
		return nil
	}
	j := &Job{ID: id, Submission: sub, State: Pending, SubmittedAt: time.Now()}
	c.jobs[id] = j

	if c.tryAcquire() {
		j.State = LocalProcessing
		j.Route = RouteLocal
		c.mu.Unlock()
		c.spawnLocal(id, sub)
		log.WithFields(logrus.Fields{"route": RouteLocal, "in_flight": len(c.gate), "capacity": cap(c.gate)}).Info("accepted")
		return nil
	}

	ticket := c.markForwardedLocked(j)
	c.mu.Unlock()
	log.WithFields(logrus.Fields{"route": RouteBackup, "ticket": ticket}).Info("capacity full, forwarding")

	err := c.forward(ctx, id, ticket, sub)
	if !c.forwardDone(id, ticket, err == nil, err != nil) {
		// Re-routed meanwhile; the job lives on under its new route.
		if err != nil {
			log.WithError(err).Warn("first forward failed after the job was re-routed")
		}
		return nil
	}
	if err != nil {
		log.WithError(err).Error("backup unreachable, submission rejected")
		return fmt.Errorf("%w: %v", ErrBackupUnavailable, err)
	}
	return nil
}

// forwardDone closes a hand-off. It reports false when the job no longer
// waits on ticket. On success the backup deadline starts counting; drop
// removes the job instead.
func (c *Controller) forwardDone(id, ticket string, ok, drop bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	j, found := c.jobs[id]
	if !found || j.State != Forwarded || j.Ticket != ticket {
		return false
	}
	j.forwarding = false
	switch {
	case drop:
		delete(c.jobs, id)
	case ok:
		j.ForwardedAt = time.Now()
	}
	return true
}

// ReportBackupResult is the backup's callback. Duplicates and results for
// jobs already complete are ignored by the reconciliation loop.
func (c *Controller) ReportBackupResult(rep ResultReport) {
	c.deliver(completion{id: rep.ID, ticket: rep.Ticket, result: rep.Result, route: RouteBackup})
}

func (c *Controller) Get(id string) (Job, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	j, ok := c.jobs[id]
	if !ok {
		return Job{}, false
	}
	return *j, true
}

func (c *Controller) Jobs() []Job {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Job, 0, len(c.jobs))
	for _, j := range c.jobs {
		out = append(out, *j)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out
}

func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Stats{
		Capacity: cap(c.gate),
		InFlight: len(c.gate),
		ByState:  map[State]int{},
		ByRoute:  map[Route]int{},
	}
	for _, j := range c.jobs {
		st.ByState[j.State]++
		if j.Route != "" {
			st.ByRoute[j.Route]++
		}
	}
	return st
}

func (c *Controller) tryAcquire() bool {
	select {
	case c.gate <- struct{}{}:
		return true
	default:
		return false
	}
}

func (c *Controller) markForwardedLocked(j *Job) string {
	j.State = Forwarded
	j.Route = RouteBackup
	j.Ticket = uuid.NewString()
	j.Forwards++
	j.forwarding = true
	return j.Ticket
}

func (c *Controller) spawnLocal(id string, sub scoring.Submission) {
	ctx := c.ctx
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if d := c.cfg.ProcessingDelay; d > 0 {
			t := time.NewTimer(d)
			select {
			case <-ctx.Done():
				t.Stop()
				<-c.gate
				return
			case <-t.C:
			}
		}
		c.deliver(completion{id: id, result: c.score(sub), route: RouteLocal, local: true})
	}()
}

func (c *Controller) deliver(comp completion) {
	ctx := c.ctx
	select {
	case c.results <- comp:
	case <-ctx.Done():
		if comp.local {
			<-c.gate
		}
	}
}

func (c *Controller) forward(ctx context.Context, id, ticket string, sub scoring.Submission) error {
	req := ForwardRequest{Ticket: ticket, ID: id, Submission: sub, ReplyTo: c.cfg.SelfAddr}
	var err error
	for attempt := 1; attempt <= c.cfg.ForwardAttempts; attempt++ {
		ctx2, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
		err = c.backup.ForwardFinalization(ctx2, c.cfg.BackupAddr, req)
		cancel()
		if err == nil {
			return nil
		}
		c.log.WithError(err).WithFields(logrus.Fields{"job": id, "ticket": ticket, "attempt": attempt}).Warn("forward failed")
		if attempt == c.cfg.ForwardAttempts {
			break
		}
		t := time.NewTimer(c.cfg.ForwardBackoff * time.Duration(attempt))
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	return err
}

func (c *Controller) reconcileLoop(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case comp := <-c.results:
			c.apply(ctx, comp)
		}
	}
}

func (c *Controller) apply(ctx context.Context, comp completion) {
	log := c.log.WithFields(logrus.Fields{"job": comp.id, "route": comp.route, "ticket": comp.ticket})

	c.mu.Lock()
	j, ok := c.jobs[comp.id]
	fresh := ok && j.State != Complete
	if fresh {
		r := comp.result
		j.State = Complete
		j.Result = &r
		j.CompletedBy = comp.route
		j.CompletedAt = time.Now()
	}
	c.mu.Unlock()

	if comp.local {
		<-c.gate
	}
	switch {
	case !ok:
		log.Warn("result for unknown job dropped")
		return
	case !fresh:
		log.Debug("duplicate result ignored")
		return
	}

	log.WithField("result", comp.result).Info("job complete")
	if err := c.sink.RecordScore(ctx, store.Score{ID: comp.id, Kind: store.KindMCQ, Value: comp.result}); err != nil {
		log.WithError(err).Error("score not recorded")
	}
}

func (c *Controller) watchdogLoop(ctx context.Context) {
	defer c.wg.Done()
	t := time.NewTicker(c.cfg.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			c.sweep(ctx, now)
		}
	}
}

// sweep re-routes forwarded jobs whose backup result is overdue: locally
// when a slot is free, otherwise to the backup again under a new ticket.
func (c *Controller) sweep(ctx context.Context, now time.Time) {
	type reforward struct {
		id, ticket string
		sub        scoring.Submission
	}
	var (
		local []*Job
		again []reforward
	)

	c.mu.Lock()
	for _, j := range c.jobs {
		if j.State != Forwarded || j.forwarding || now.Sub(j.ForwardedAt) < c.cfg.BackupDeadline {
			continue
		}
		c.log.WithFields(logrus.Fields{"job": j.ID, "ticket": j.Ticket, "overdue": now.Sub(j.ForwardedAt)}).
			Error("backup result overdue, re-routing")
		if c.tryAcquire() {
			j.State = LocalProcessing
			j.Route = RouteLocal
			local = append(local, j)
			continue
		}
		again = append(again, reforward{id: j.ID, ticket: c.markForwardedLocked(j), sub: j.Submission})
	}
	c.mu.Unlock()

	for _, j := range local {
		c.spawnLocal(j.ID, j.Submission)
	}
	for _, rf := range again {
		c.wg.Add(1)
		go func(rf reforward) {
			defer c.wg.Done()
			err := c.forward(ctx, rf.id, rf.ticket, rf.sub)
			c.forwardDone(rf.id, rf.ticket, err == nil, false)
			if err != nil {
				c.log.WithError(err).WithField("job", rf.id).Error("re-forward failed, will retry on next sweep")
			}
		}(rf)
	}
}

package mutex

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/wangjia184/sortedset"

	"examsync/internal/clock"
	"examsync/internal/directory"
)

type State int

const (
	Idle State = iota
	Requesting
	InCS
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Requesting:
		return "requesting"
	case InCS:
		return "in_cs"
	}
	return "unknown"
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	for _, st := range []State{Idle, Requesting, InCS} {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("mutex: unknown state %q", b)
}

var (
	ErrBusy        = errors.New("mutex: request already in progress")
	ErrNotHeld     = errors.New("mutex: critical section not held")
	ErrWaitTimeout = errors.New("mutex: timed out waiting for grants")
)

// Transport carries Ricart-Agrawala messages between peers.
type Transport interface {
	SendRequest(ctx context.Context, addr string, ts int64, from string) error
	SendOK(ctx context.Context, addr string, from string) error
	Ping(ctx context.Context, addr string) (directory.Member, error)
}

// Peers resolves who takes part in a round and where they live.
type Peers interface {
	Refresh(ctx context.Context) (directory.Snapshot, error)
	Lookup(ctx context.Context, id string) (directory.Member, bool)
}

// Engine is one node's Ricart-Agrawala state machine:
// Idle -> Requesting -> InCS -> Idle.
//
// The requesting goroutine and the RPC handlers (OnRequest, OnOK) share the
// state below under mu. No RPC is ever issued while mu is held.
type Engine struct {
	selfID string
	clock  *clock.Lamport
	peers  Peers
	rpc    Transport
	cfg    Config
	log    *logrus.Entry

	mu       sync.Mutex
	state    State
	reqTS    int64
	expected map[string]string // id -> address, fixed at request time
	oks      map[string]struct{}
	deferred *sortedset.SortedSet // requester id scored by its timestamp
	granted  chan struct{}
	entries  uint64
	excluded uint64
}

func New(selfID string, clk *clock.Lamport, peers Peers, rpc Transport, cfg Config, log *logrus.Entry) *Engine {
	return &Engine{
		selfID:   selfID,
		clock:    clk,
		peers:    peers,
		rpc:      rpc,
		cfg:      cfg,
		log:      log,
		deferred: sortedset.New(),
	}
}

// Acquire blocks until every other participant has granted this node's
// request, then leaves the engine InCS. On timeout or cancellation the
// request is abandoned (deferred grants are flushed) and an error returned.
func (e *Engine) Acquire(ctx context.Context) error {
	snap, err := e.peers.Refresh(ctx)
	if err != nil {
		return err
	}
	targets := snap.Others(e.selfID, e.cfg.PeerRole)

	e.mu.Lock()
	if e.state != Idle {
		e.mu.Unlock()
		return ErrBusy
	}
	ts := e.clock.Tick()
	e.state = Requesting
	e.reqTS = ts
	e.expected = targets
	e.oks = make(map[string]struct{}, len(targets))
	e.deferred = sortedset.New()
	e.granted = make(chan struct{})
	granted := e.granted
	e.checkLocked()
	e.mu.Unlock()

	e.log.WithFields(logrus.Fields{"ts": ts, "peers": len(targets), "authoritative": snap.Authoritative}).
		Info("requesting critical section")

	suspects := e.broadcast(ctx, ts, targets)

	if err := e.wait(ctx, granted, suspects); err != nil {
		e.log.WithError(err).WithField("ts", ts).Warn("abandoning request")
		e.Abandon(context.WithoutCancel(ctx))
		return err
	}
	e.log.WithField("ts", ts).Info("entered critical section")
	return nil
}

// Release leaves the critical section and sends every deferred grant.
func (e *Engine) Release(ctx context.Context) error {
	e.mu.Lock()
	if e.state != InCS {
		e.mu.Unlock()
		return ErrNotHeld
	}
	pending := e.resetLocked()
	e.mu.Unlock()

	e.log.WithField("deferred", len(pending)).Info("released critical section")
	e.flush(ctx, pending)
	return nil
}

// Abandon drops an in-flight or held request and flushes deferred grants,
// returning the engine to Idle. It is a no-op when already Idle.
func (e *Engine) Abandon(ctx context.Context) {
	e.mu.Lock()
	if e.state == Idle {
		e.mu.Unlock()
		return
	}
	pending := e.resetLocked()
	e.mu.Unlock()
	e.flush(ctx, pending)
}

// OnRequest handles a peer's timestamped request: merge the clock, then
// either defer it or grant immediately.
func (e *Engine) OnRequest(ctx context.Context, ts int64, from string) {
	if from == e.selfID {
		return
	}
	now := e.clock.Merge(ts)

	e.mu.Lock()
	deferIt := false
	switch e.state {
	case InCS:
		deferIt = true
	case Requesting:
		deferIt = Before(e.reqTS, e.selfID, ts, from)
	}
	if deferIt {
		e.deferred.AddOrUpdate(from, sortedset.SCORE(ts), ts)
	}
	state := e.state
	e.mu.Unlock()

	log := e.log.WithFields(logrus.Fields{"from": from, "ts": ts, "clock": now, "state": state})
	if deferIt {
		log.Info("deferred request")
		return
	}
	log.Debug("granting request")
	e.grant(ctx, from)
}

// OnOK records a grant for the current request.
func (e *Engine) OnOK(from string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != Requesting {
		e.log.WithFields(logrus.Fields{"from": from, "state": e.state}).Debug("ignoring grant outside a request")
		return
	}
	e.oks[from] = struct{}{}
	e.log.WithFields(logrus.Fields{"from": from, "granted": len(e.oks), "needed": len(e.expected)}).Debug("received grant")
	e.checkLocked()
}

type Status struct {
	State     State    `json:"state"`
	RequestTS int64    `json:"request_ts,omitempty"`
	Granted   []string `json:"granted,omitempty"`
	Waiting   []string `json:"waiting,omitempty"`
	Deferred  []string `json:"deferred,omitempty"`
	Entries   uint64   `json:"entries"`
	Excluded  uint64   `json:"excluded"`
	Clock     int64    `json:"clock"`
}

func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := Status{
		State:     e.state,
		RequestTS: e.reqTS,
		Entries:   e.entries,
		Excluded:  e.excluded,
		Clock:     e.clock.Now(),
	}
	for id := range e.oks {
		st.Granted = append(st.Granted, id)
	}
	for id := range e.missingLocked() {
		st.Waiting = append(st.Waiting, id)
	}
	st.Deferred = e.deferredLocked()
	sort.Strings(st.Granted)
	sort.Strings(st.Waiting)
	return st
}

func (e *Engine) broadcast(ctx context.Context, ts int64, targets map[string]string) map[string]time.Time {
	var (
		mu     sync.Mutex
		failed = map[string]time.Time{}
		wg     sync.WaitGroup
	)
	for id, addr := range targets {
		wg.Add(1)
		go func(id, addr string) {
			defer wg.Done()
			ctx2, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
			defer cancel()
			if err := e.rpc.SendRequest(ctx2, addr, ts, e.selfID); err != nil {
				e.log.WithError(err).WithFields(logrus.Fields{"peer": id, "addr": addr}).Warn("request not delivered")
				mu.Lock()
				failed[id] = time.Now()
				mu.Unlock()
			}
		}(id, addr)
	}
	wg.Wait()
	return failed
}

func (e *Engine) wait(parent context.Context, granted <-chan struct{}, suspects map[string]time.Time) error {
	ctx := parent
	if e.cfg.WaitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(parent, e.cfg.WaitTimeout)
		defer cancel()
	}

	var tick <-chan time.Time
	if e.cfg.ProbeInterval > 0 {
		t := time.NewTicker(e.cfg.ProbeInterval)
		defer t.Stop()
		tick = t.C
	}

	for {
		select {
		case <-granted:
			return nil
		case <-ctx.Done():
			select {
			case <-granted:
				return nil
			default:
			}
			if parent.Err() != nil {
				return parent.Err()
			}
			return ErrWaitTimeout
		case now := <-tick:
			e.probeMissing(ctx, suspects, now)
		}
	}
}

// probeMissing pings every peer still owing a grant. Peers that keep
// failing for ExcludeAfter are removed from the expected set.
func (e *Engine) probeMissing(ctx context.Context, suspects map[string]time.Time, now time.Time) {
	e.mu.Lock()
	if e.state != Requesting {
		e.mu.Unlock()
		return
	}
	missing := e.missingLocked()
	ts := e.reqTS
	e.mu.Unlock()

	for id, addr := range missing {
		ctx2, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
		_, err := e.rpc.Ping(ctx2, addr)
		cancel()
		if err == nil {
			if _, ok := suspects[id]; ok {
				// Alive again but may never have seen the request.
				e.resend(ctx, id, addr, ts)
			}
			delete(suspects, id)
			continue
		}
		first, ok := suspects[id]
		if !ok {
			suspects[id] = now
			first = now
		}
		if now.Sub(first) >= e.cfg.ExcludeAfter {
			e.exclude(id, now.Sub(first))
			delete(suspects, id)
		}
	}
}

func (e *Engine) resend(ctx context.Context, id, addr string, ts int64) {
	ctx2, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()
	if err := e.rpc.SendRequest(ctx2, addr, ts, e.selfID); err != nil {
		e.log.WithError(err).WithField("peer", id).Warn("request re-send failed")
	}
}

func (e *Engine) exclude(id string, silentFor time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != Requesting {
		return
	}
	if _, ok := e.expected[id]; !ok {
		return
	}
	delete(e.expected, id)
	e.excluded++
	e.log.WithFields(logrus.Fields{"peer": id, "silent_for": silentFor}).
		Error("liveness violation: peer excluded from grant set")
	e.checkLocked()
}

func (e *Engine) missingLocked() map[string]string {
	out := map[string]string{}
	for id, addr := range e.expected {
		if _, ok := e.oks[id]; !ok {
			out[id] = addr
		}
	}
	return out
}

// checkLocked moves Requesting -> InCS once every expected peer granted.
func (e *Engine) checkLocked() {
	if e.state != Requesting || len(e.missingLocked()) > 0 {
		return
	}
	e.state = InCS
	e.entries++
	close(e.granted)
}

// resetLocked returns to Idle and hands back the deferred requesters in
// (timestamp, id) order.
func (e *Engine) resetLocked() []string {
	pending := e.deferredLocked()
	e.deferred = sortedset.New()
	e.state = Idle
	e.reqTS = 0
	e.expected = nil
	e.oks = nil
	e.granted = nil
	return pending
}

// deferredLocked lists deferred requesters by (timestamp, id). The set only
// orders by timestamp, so equal timestamps are re-sorted with Before.
func (e *Engine) deferredLocked() []string {
	n := e.deferred.GetCount()
	if n == 0 {
		return nil
	}
	nodes := e.deferred.GetByRankRange(1, n, false)
	sort.SliceStable(nodes, func(i, k int) bool {
		return Before(int64(nodes[i].Score()), nodes[i].Key(), int64(nodes[k].Score()), nodes[k].Key())
	})
	out := make([]string, len(nodes))
	for i, node := range nodes {
		out[i] = node.Key()
	}
	return out
}

func (e *Engine) flush(ctx context.Context, ids []string) {
	for _, id := range ids {
		e.grant(ctx, id)
	}
}

func (e *Engine) grant(ctx context.Context, to string) {
	m, ok := e.peers.Lookup(ctx, to)
	if !ok {
		e.log.WithField("peer", to).Warn("no address for requester, grant not sent")
		return
	}
	ctx2, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()
	if err := e.rpc.SendOK(ctx2, m.Address, e.selfID); err != nil {
		e.log.WithError(err).WithField("peer", to).Warn("grant not delivered")
		return
	}
	e.log.WithField("peer", to).Debug("sent grant")
}

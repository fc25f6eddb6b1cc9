package directory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ReneKroon/ttlcache"
	"github.com/sirupsen/logrus"
)

const snapshotKey = "snapshot"

// Remote is what a node needs from the network to keep its view fresh.
type Remote interface {
	Register(ctx context.Context, addr string, m Member) error
	Snapshot(ctx context.Context, addr string) (Snapshot, error)
	Ping(ctx context.Context, addr string) (Member, error)
}

type Config struct {
	CoordinatorAddr string

	// TTL bounds how long a fetched snapshot is served without asking the
	// coordinator again.
	TTL time.Duration

	// CallTimeout bounds every call to the coordinator and every probe.
	CallTimeout time.Duration

	// Probe range used when the coordinator is unreachable.
	ProbeHost string
	ProbeFrom int
	ProbeTo   int
}

func DefaultConfig() Config {
	return Config{
		CoordinatorAddr: "127.0.0.1:9000",
		TTL:             5 * time.Second,
		CallTimeout:     5 * time.Second,
		ProbeHost:       "127.0.0.1",
		ProbeFrom:       9101,
		ProbeTo:         9110,
	}
}

// View is a node's cached copy of the coordinator's directory.
//
// It may be stale. Callers that are about to fan out (a mutual exclusion
// round, flushing deferred grants) call Refresh first.
type View struct {
	self   Member
	cfg    Config
	remote Remote
	log    *logrus.Entry

	cache *ttlcache.Cache

	mu   sync.RWMutex
	last Snapshot
}

func NewView(self Member, cfg Config, remote Remote, log *logrus.Entry) *View {
	c := ttlcache.NewCache()
	if cfg.TTL > 0 {
		c.SetTTL(cfg.TTL)
	}
	return &View{
		self:   self,
		cfg:    cfg,
		remote: remote,
		log:    log,
		cache:  c,
		last:   Snapshot{Members: []Member{self}},
	}
}

func (v *View) Self() Member { return v.self }

// Join registers this node with the coordinator.
func (v *View) Join(ctx context.Context) error {
	ctx2, cancel := context.WithTimeout(ctx, v.cfg.CallTimeout)
	defer cancel()
	if err := v.remote.Register(ctx2, v.cfg.CoordinatorAddr, v.self); err != nil {
		return fmt.Errorf("register with %s: %w", v.cfg.CoordinatorAddr, err)
	}
	return nil
}

// Refresh fetches a new snapshot from the coordinator. When that fails the
// view is rebuilt from whichever probe ports answer a ping; such a snapshot
// is flagged non-authoritative.
func (v *View) Refresh(ctx context.Context) (Snapshot, error) {
	ctx2, cancel := context.WithTimeout(ctx, v.cfg.CallTimeout)
	snap, err := v.remote.Snapshot(ctx2, v.cfg.CoordinatorAddr)
	cancel()
	if err == nil {
		snap.Authoritative = true
		v.store(snap)
		return snap, nil
	}
	if ctx.Err() != nil {
		return v.Last(), ctx.Err()
	}

	v.log.WithError(err).Warn("directory unavailable, probing local ports")
	snap = v.probe(ctx)
	v.log.WithField("members", len(snap.Members)).Warn("using non-authoritative directory")
	v.store(snap)
	return snap, nil
}

// Current serves the cached snapshot while its TTL holds, refreshing otherwise.
func (v *View) Current(ctx context.Context) Snapshot {
	if cached, ok := v.cache.Get(snapshotKey); ok {
		return cached.(Snapshot)
	}
	snap, _ := v.Refresh(ctx)
	return snap
}

// Lookup resolves an id, refreshing once if the current view lacks it.
func (v *View) Lookup(ctx context.Context, id string) (Member, bool) {
	if m, ok := v.Current(ctx).Lookup(id); ok {
		return m, true
	}
	snap, _ := v.Refresh(ctx)
	return snap.Lookup(id)
}

// Last returns the most recent snapshot without any network call.
func (v *View) Last() Snapshot {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.last
}

func (v *View) Close() {
	v.cache.Close()
}

func (v *View) store(s Snapshot) {
	if _, ok := s.Lookup(v.self.ID); !ok {
		s.Members = append(s.Members, v.self)
		sortMembers(s.Members)
	}
	v.mu.Lock()
	v.last = s
	v.mu.Unlock()
	v.cache.Set(snapshotKey, s)
}

func (v *View) probe(ctx context.Context) Snapshot {
	var (
		mu    sync.Mutex
		found = []Member{v.self}
		wg    sync.WaitGroup
	)
	for port := v.cfg.ProbeFrom; port > 0 && port <= v.cfg.ProbeTo; port++ {
		addr := fmt.Sprintf("%s:%d", v.cfg.ProbeHost, port)
		if addr == v.self.Address {
			continue
		}
		wg.Add(1)
		go func(addr string) {
			defer wg.Done()
			ctx2, cancel := context.WithTimeout(ctx, v.cfg.CallTimeout)
			defer cancel()
			m, err := v.remote.Ping(ctx2, addr)
			if err != nil || m.ID == "" || m.ID == v.self.ID {
				return
			}
			m.Address = addr
			mu.Lock()
			found = append(found, m)
			mu.Unlock()
		}(addr)
	}
	wg.Wait()
	sortMembers(found)
	return Snapshot{Members: found, Authoritative: false, TakenAt: time.Now()}
}

package mutex

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/goleak"

	"examsync/internal/clock"
	"examsync/internal/directory"
)

// network delivers messages by calling the target engine directly.
// Addresses are the node ids.
type network struct {
	mu      sync.Mutex
	engines map[string]*Engine
	members []directory.Member
	gate    chan struct{}
}

func newNetwork(gated bool) *network {
	n := &network{engines: map[string]*Engine{}}
	if gated {
		n.gate = make(chan struct{})
	}
	return n
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.CallTimeout = time.Second
	cfg.WaitTimeout = 5 * time.Second
	cfg.ProbeInterval = 10 * time.Millisecond
	cfg.ExcludeAfter = 50 * time.Millisecond
	return cfg
}

func quietLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func (n *network) add(id string, cfg Config) *Engine {
	e := New(id, clock.NewLamport(), n, n, cfg, quietLog().WithField("node", id))
	n.mu.Lock()
	defer n.mu.Unlock()
	n.engines[id] = e
	n.members = append(n.members, directory.Member{ID: id, Address: id, Role: directory.RoleStudent})
	return e
}

// addDead lists a member in the directory that never answers.
func (n *network) addDead(id string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.members = append(n.members, directory.Member{ID: id, Address: id, Role: directory.RoleStudent})
}

func (n *network) engine(addr string) (*Engine, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	e, ok := n.engines[addr]
	if !ok {
		return nil, errors.New("connection refused")
	}
	return e, nil
}

func (n *network) SendRequest(ctx context.Context, addr string, ts int64, from string) error {
	if n.gate != nil {
		select {
		case <-n.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	e, err := n.engine(addr)
	if err != nil {
		return err
	}
	e.OnRequest(ctx, ts, from)
	return nil
}

func (n *network) SendOK(_ context.Context, addr string, from string) error {
	e, err := n.engine(addr)
	if err != nil {
		return err
	}
	e.OnOK(from)
	return nil
}

func (n *network) Ping(_ context.Context, addr string) (directory.Member, error) {
	if _, err := n.engine(addr); err != nil {
		return directory.Member{}, err
	}
	return directory.Member{ID: addr}, nil
}

func (n *network) Refresh(context.Context) (directory.Snapshot, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	ms := append([]directory.Member(nil), n.members...)
	return directory.Snapshot{Members: ms, Authoritative: true}, nil
}

func (n *network) Lookup(ctx context.Context, id string) (directory.Member, bool) {
	snap, _ := n.Refresh(ctx)
	return snap.Lookup(id)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestBefore(t *testing.T) {
	cases := []struct {
		aTS  int64
		aID  string
		bTS  int64
		bID  string
		want bool
	}{
		{5, "1", 5, "2", true},
		{5, "2", 5, "1", false},
		{4, "9", 5, "1", true},
		{7, "3", 5, "2", false},
		{5, "2", 5, "10", true},
		{5, "alice", 5, "bob", true},
	}
	for _, tc := range cases {
		if got := Before(tc.aTS, tc.aID, tc.bTS, tc.bID); got != tc.want {
			t.Errorf("Before(%d,%s,%d,%s) = %v", tc.aTS, tc.aID, tc.bTS, tc.bID, got)
		}
	}
}

func TestEngine_SingleRequestNoContention(t *testing.T) {
	defer goleak.VerifyNone(t)

	net := newNetwork(false)
	e1 := net.add("1", testConfig())
	net.add("2", testConfig())
	net.add("3", testConfig())

	ctx := context.Background()
	if err := e1.Acquire(ctx); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	st := e1.Status()
	if st.State != InCS || len(st.Granted) != 2 {
		t.Fatalf("unexpected status after acquire %+v", st)
	}
	if err := e1.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}

	st = e1.Status()
	if st.State != Idle || len(st.Granted) != 0 || len(st.Deferred) != 0 || st.RequestTS != 0 {
		t.Fatalf("state not reset after release %+v", st)
	}
	if err := e1.Release(ctx); !errors.Is(err, ErrNotHeld) {
		t.Fatalf("expected ErrNotHeld, got %v", err)
	}
}

func TestEngine_EntersInTimestampOrder(t *testing.T) {
	defer goleak.VerifyNone(t)

	net := newNetwork(true)
	e1 := net.add("1", testConfig())
	e2 := net.add("2", testConfig())
	e3 := net.add("3", testConfig())

	// Next ticks produce (5,"1"), (5,"2"), (7,"3").
	e1.clock.Merge(3)
	e2.clock.Merge(3)
	e3.clock.Merge(5)

	var (
		mu     sync.Mutex
		order  []string
		inside int32
		wg     sync.WaitGroup
	)
	ctx := context.Background()
	for _, e := range []*Engine{e3, e2, e1} {
		wg.Add(1)
		go func(e *Engine) {
			defer wg.Done()
			if err := e.Acquire(ctx); err != nil {
				t.Errorf("%s acquire: %v", e.selfID, err)
				return
			}
			if atomic.AddInt32(&inside, 1) != 1 {
				t.Errorf("%s entered while another node was inside", e.selfID)
			}
			mu.Lock()
			order = append(order, e.selfID)
			mu.Unlock()
			time.Sleep(20 * time.Millisecond)
			atomic.AddInt32(&inside, -1)
			if err := e.Release(ctx); err != nil {
				t.Errorf("%s release: %v", e.selfID, err)
			}
		}(e)
	}

	waitFor(t, "all requests issued", func() bool {
		return e1.Status().State == Requesting && e2.Status().State == Requesting && e3.Status().State == Requesting
	})
	if e1.Status().RequestTS != 5 || e2.Status().RequestTS != 5 || e3.Status().RequestTS != 7 {
		t.Fatalf("unexpected timestamps %d %d %d", e1.Status().RequestTS, e2.Status().RequestTS, e3.Status().RequestTS)
	}
	close(net.gate)
	wg.Wait()

	if len(order) != 3 || order[0] != "1" || order[1] != "2" || order[2] != "3" {
		t.Fatalf("expected entry order [1 2 3], got %v", order)
	}
}

func TestEngine_DefersWhileInCS(t *testing.T) {
	defer goleak.VerifyNone(t)

	net := newNetwork(false)
	e1 := net.add("1", testConfig())
	e2 := net.add("2", testConfig())

	ctx := context.Background()
	if err := e1.Acquire(ctx); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- e2.Acquire(ctx) }()

	waitFor(t, "request deferred", func() bool {
		d := e1.Status().Deferred
		return len(d) == 1 && d[0] == "2"
	})
	select {
	case err := <-done:
		t.Fatalf("node 2 entered while node 1 held the section: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	if e2.Status().State != Requesting {
		t.Fatalf("node 2 should still be waiting, got %v", e2.Status().State)
	}

	if err := e1.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("node 2 acquire: %v", err)
	}
	if e2.Status().State != InCS {
		t.Fatalf("node 2 should hold the section")
	}
	if err := e2.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
}

func TestEngine_ExcludesDeadPeer(t *testing.T) {
	defer goleak.VerifyNone(t)

	net := newNetwork(false)
	e1 := net.add("1", testConfig())
	net.add("2", testConfig())
	net.addDead("3")

	ctx := context.Background()
	if err := e1.Acquire(ctx); err != nil {
		t.Fatalf("acquire should succeed once the dead peer is excluded: %v", err)
	}
	st := e1.Status()
	if st.Excluded != 1 || st.State != InCS {
		t.Fatalf("unexpected status %+v", st)
	}
	_ = e1.Release(ctx)
}

func TestEngine_TimeoutAbandonsAndFlushesDeferred(t *testing.T) {
	defer goleak.VerifyNone(t)

	net := newNetwork(false)
	short := testConfig()
	short.WaitTimeout = 300 * time.Millisecond
	e1 := net.add("1", short)
	e2 := net.add("2", testConfig())
	e3 := net.add("3", testConfig())

	ctx := context.Background()
	if err := e2.Acquire(ctx); err != nil {
		t.Fatalf("node 2 acquire: %v", err)
	}

	res1 := make(chan error, 1)
	go func() { res1 <- e1.Acquire(ctx) }()
	waitFor(t, "node 1 requesting", func() bool { return e1.Status().State == Requesting })

	res3 := make(chan error, 1)
	go func() { res3 <- e3.Acquire(ctx) }()
	waitFor(t, "node 1 defers node 3", func() bool {
		d := e1.Status().Deferred
		return len(d) == 1 && d[0] == "3"
	})

	if err := <-res1; !errors.Is(err, ErrWaitTimeout) {
		t.Fatalf("expected ErrWaitTimeout, got %v", err)
	}
	st := e1.Status()
	if st.State != Idle || len(st.Deferred) != 0 {
		t.Fatalf("abandoned request left state behind %+v", st)
	}
	waitFor(t, "node 3 holds grant from node 1", func() bool {
		for _, id := range e3.Status().Granted {
			if id == "1" {
				return true
			}
		}
		return false
	})

	if err := e2.Release(ctx); err != nil {
		t.Fatalf("node 2 release: %v", err)
	}
	if err := <-res3; err != nil {
		t.Fatalf("node 3 acquire: %v", err)
	}
	_ = e3.Release(ctx)
}

func TestEngine_BusyWhileRequesting(t *testing.T) {
	net := newNetwork(false)
	e1 := net.add("1", testConfig())
	ctx := context.Background()
	if err := e1.Acquire(ctx); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := e1.Acquire(ctx); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	e1.Abandon(ctx)
	if e1.Status().State != Idle {
		t.Fatal("abandon must return to idle")
	}
}

func TestEngine_DeferredOrderBreaksTiesByID(t *testing.T) {
	defer goleak.VerifyNone(t)

	net := newNetwork(false)
	e1 := net.add("1", testConfig())
	net.add("2", testConfig())
	net.add("10", testConfig())

	ctx := context.Background()
	if err := e1.Acquire(ctx); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	e1.OnRequest(ctx, 9, "10")
	e1.OnRequest(ctx, 9, "2")

	d := e1.Status().Deferred
	if len(d) != 2 || d[0] != "2" || d[1] != "10" {
		t.Fatalf("expected deferred order [2 10], got %v", d)
	}
	if err := e1.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	if st := e1.Status(); len(st.Deferred) != 0 {
		t.Fatalf("deferred set not drained: %v", st.Deferred)
	}
}

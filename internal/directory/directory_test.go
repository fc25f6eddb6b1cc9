package directory

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func quietLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

type fakeRemote struct {
	mu        sync.Mutex
	reg       *Registry
	down      bool
	snapshots int
	alive     map[string]Member
}

func (f *fakeRemote) Register(_ context.Context, _ string, m Member) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return errors.New("connection refused")
	}
	f.reg.Register(m)
	return nil
}

func (f *fakeRemote) Snapshot(_ context.Context, _ string) (Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshots++
	if f.down {
		return Snapshot{}, errors.New("connection refused")
	}
	return f.reg.Snapshot(), nil
}

func (f *fakeRemote) Ping(_ context.Context, addr string) (Member, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m, ok := f.alive[addr]; ok {
		return m, nil
	}
	return Member{}, errors.New("connection refused")
}

func (f *fakeRemote) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapshots
}

func TestRegistry_RegisterIsIdempotentUpsert(t *testing.T) {
	r := NewRegistry(Member{ID: "server", Address: "127.0.0.1:9000", Role: RoleCoordinator})
	v0 := r.Snapshot().Version

	if !r.Register(Member{ID: "1", Address: "127.0.0.1:9101", Role: RoleStudent}) {
		t.Fatal("first register must change the directory")
	}
	if r.Register(Member{ID: "1", Address: "127.0.0.1:9101", Role: RoleStudent}) {
		t.Fatal("repeated register must be a no-op")
	}
	if !r.Register(Member{ID: "1", Address: "127.0.0.1:9201", Role: RoleStudent}) {
		t.Fatal("address change must be visible")
	}

	snap := r.Snapshot()
	if snap.Version != v0+2 {
		t.Fatalf("expected version %d, got %d", v0+2, snap.Version)
	}
	m, ok := snap.Lookup("1")
	if !ok || m.Address != "127.0.0.1:9201" {
		t.Fatalf("unexpected member %+v", m)
	}
	if got := snap.Others("1", RoleStudent); len(got) != 0 {
		t.Fatalf("expected no other students, got %v", got)
	}
}

func TestRegistry_SnapshotIsACopy(t *testing.T) {
	r := NewRegistry(Member{ID: "server", Address: "a", Role: RoleCoordinator})
	snap := r.Snapshot()
	snap.Members[0].Address = "mutated"
	if m, _ := r.Get("server"); m.Address != "a" {
		t.Fatalf("registry leaked internal state: %+v", m)
	}
}

func TestView_RefreshAndTTL(t *testing.T) {
	remote := &fakeRemote{reg: NewRegistry(Member{ID: "server", Address: "s", Role: RoleCoordinator})}
	cfg := DefaultConfig()
	cfg.TTL = 100 * time.Millisecond
	self := Member{ID: "1", Address: "127.0.0.1:9101", Role: RoleStudent}
	v := NewView(self, cfg, remote, quietLog())
	defer v.Close()

	if err := v.Join(context.Background()); err != nil {
		t.Fatalf("join: %v", err)
	}
	remote.reg.Register(Member{ID: "2", Address: "127.0.0.1:9102", Role: RoleStudent})

	snap := v.Current(context.Background())
	if !snap.Authoritative || len(snap.Others("1", RoleStudent)) != 1 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	before := remote.calls()
	v.Current(context.Background())
	if remote.calls() != before {
		t.Fatal("cached snapshot should be served within TTL")
	}

	time.Sleep(250 * time.Millisecond)
	v.Current(context.Background())
	if remote.calls() == before {
		t.Fatal("expired snapshot should be refetched")
	}
}

func TestView_LookupRefreshesOnceWhenMissing(t *testing.T) {
	remote := &fakeRemote{reg: NewRegistry(Member{ID: "server", Address: "s", Role: RoleCoordinator})}
	cfg := DefaultConfig()
	cfg.TTL = time.Minute
	v := NewView(Member{ID: "1", Address: "x", Role: RoleStudent}, cfg, remote, quietLog())
	defer v.Close()

	v.Current(context.Background())
	remote.reg.Register(Member{ID: "3", Address: "127.0.0.1:9103", Role: RoleStudent})

	m, ok := v.Lookup(context.Background(), "3")
	if !ok || m.Address != "127.0.0.1:9103" {
		t.Fatalf("lookup should refresh stale view, got %+v %v", m, ok)
	}
}

func TestView_ProbeFallbackIsNonAuthoritative(t *testing.T) {
	remote := &fakeRemote{
		reg:  NewRegistry(Member{ID: "server", Address: "s", Role: RoleCoordinator}),
		down: true,
		alive: map[string]Member{
			"127.0.0.1:9102": {ID: "2", Role: RoleStudent},
			"127.0.0.1:9104": {ID: "4", Role: RoleStudent},
		},
	}
	cfg := DefaultConfig()
	cfg.CallTimeout = 200 * time.Millisecond
	self := Member{ID: "1", Address: "127.0.0.1:9101", Role: RoleStudent}
	v := NewView(self, cfg, remote, quietLog())
	defer v.Close()

	snap, err := v.Refresh(context.Background())
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if snap.Authoritative {
		t.Fatal("probed snapshot must not be authoritative")
	}
	others := snap.Others("1", RoleStudent)
	if len(others) != 2 || others["2"] != "127.0.0.1:9102" || others["4"] != "127.0.0.1:9104" {
		t.Fatalf("unexpected probed peers %v", others)
	}
}

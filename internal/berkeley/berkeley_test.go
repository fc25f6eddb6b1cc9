package berkeley

import (
	"context"
	"errors"
	"io"
	"math"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/goleak"

	"examsync/internal/clock"
	"examsync/internal/directory"
)

func quietLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

type fakeNet struct {
	coord        *Coordinator
	participants map[string]*Participant
	onRequest    func(req TimeRequest)
}

func (f *fakeNet) RequestTime(_ context.Context, addr string, req TimeRequest) (TimeReply, error) {
	if f.onRequest != nil {
		f.onRequest(req)
	}
	p, ok := f.participants[addr]
	if !ok {
		return TimeReply{}, errors.New("connection refused")
	}
	return p.OnRequestTime(req), nil
}

func (f *fakeNet) ApplyAdjustment(_ context.Context, addr string, round string, delta float64) (time.Time, error) {
	p, ok := f.participants[addr]
	if !ok {
		return time.Time{}, errors.New("connection refused")
	}
	return p.OnAdjust(round, delta), nil
}

func (f *fakeNet) ReportOffset(_ context.Context, _ string, round, id string, offset float64) error {
	return f.coord.ReportOffset(round, id, offset)
}

func TestComputeAdjustments(t *testing.T) {
	avg, deltas := ComputeAdjustments(map[string]float64{"A": 2, "B": -1, "C": 0})
	if math.Abs(avg-1.0/3) > 1e-9 {
		t.Fatalf("expected average 1/3, got %v", avg)
	}
	for id, off := range map[string]float64{"A": 2, "B": -1, "C": 0} {
		if math.Abs(off+deltas[id]-avg) > 1e-9 {
			t.Fatalf("%s: offset %v + delta %v != average %v", id, off, deltas[id], avg)
		}
	}

	avg, deltas = ComputeAdjustments(nil)
	if avg != 0 || len(deltas) != 0 {
		t.Fatalf("empty round should be a no-op")
	}
}

func TestRound_PullAndPushParticipants(t *testing.T) {
	defer goleak.VerifyNone(t)

	base := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	frozen := func() time.Time { return base }

	coordClock := clock.NewLocalFunc(frozen)
	aClock := clock.NewLocalFunc(frozen)
	aClock.Set(base.Add(2 * time.Second))
	bClock := clock.NewLocalFunc(frozen)
	bClock.Set(base.Add(-time.Second))

	reg := directory.NewRegistry(directory.Member{ID: "server", Address: "server", Role: directory.RoleCoordinator})
	reg.Register(directory.Member{ID: "teacher", Address: "teacher", Role: directory.RoleTeacher})
	reg.Register(directory.Member{ID: "client", Address: "client", Role: directory.RoleClient})
	reg.Register(directory.Member{ID: "gone", Address: "gone", Role: directory.RoleStudent})

	net := &fakeNet{participants: map[string]*Participant{}}
	cfg := DefaultConfig()
	cfg.RoundTimeout = time.Second
	net.coord = NewCoordinator(directory.Member{ID: "server", Address: "server"}, coordClock, reg, net, cfg, quietLog())

	teacher := NewParticipant("teacher", aClock, net, false, time.Second, quietLog())
	client := NewParticipant("client", bClock, net, true, time.Second, quietLog())
	net.participants["teacher"] = teacher
	net.participants["client"] = client
	defer teacher.Close()
	defer client.Close()

	res, err := net.coord.Round(context.Background())
	if err != nil {
		t.Fatalf("round: %v", err)
	}

	if math.Abs(res.Offsets["teacher"]-2) > 1e-9 || math.Abs(res.Offsets["client"]+1) > 1e-9 || res.Offsets["server"] != 0 {
		t.Fatalf("unexpected offsets %v", res.Offsets)
	}
	if math.Abs(res.Average-1.0/3) > 1e-9 {
		t.Fatalf("expected average 1/3, got %v", res.Average)
	}
	if len(res.Excluded) != 1 || res.Excluded[0] != "gone" {
		t.Fatalf("dead participant should be excluded, got %v", res.Excluded)
	}
	if _, ok := res.Deltas["gone"]; ok {
		t.Fatal("excluded participant must not receive an adjustment")
	}

	want := base.Add(time.Second / 3)
	for name, c := range map[string]*clock.Local{"server": coordClock, "teacher": aClock, "client": bClock} {
		if d := c.Now().Sub(want); d > time.Millisecond || d < -time.Millisecond {
			t.Errorf("%s clock off by %v after sync", name, d)
		}
	}
	if last, ok := net.coord.Last(); !ok || last.Round != res.Round {
		t.Fatal("last round not recorded")
	}
}

func TestReportOffset_UnknownRound(t *testing.T) {
	reg := directory.NewRegistry(directory.Member{ID: "server", Address: "server"})
	c := NewCoordinator(directory.Member{ID: "server"}, clock.NewLocal(), reg, &fakeNet{}, DefaultConfig(), quietLog())
	if err := c.ReportOffset("stale", "teacher", 1.5); !errors.Is(err, ErrUnknownRound) {
		t.Fatalf("expected ErrUnknownRound, got %v", err)
	}
}

func TestReportOffset_RejectsStrangersAndSelf(t *testing.T) {
	defer goleak.VerifyNone(t)

	base := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	frozen := func() time.Time { return base }
	coordClock := clock.NewLocalFunc(frozen)
	teacherClock := clock.NewLocalFunc(frozen)

	reg := directory.NewRegistry(directory.Member{ID: "server", Address: "server", Role: directory.RoleCoordinator})
	reg.Register(directory.Member{ID: "teacher", Address: "teacher", Role: directory.RoleTeacher})

	net := &fakeNet{participants: map[string]*Participant{}}
	cfg := DefaultConfig()
	cfg.RoundTimeout = time.Second
	net.coord = NewCoordinator(directory.Member{ID: "server", Address: "server"}, coordClock, reg, net, cfg, quietLog())
	teacher := NewParticipant("teacher", teacherClock, net, false, time.Second, quietLog())
	net.participants["teacher"] = teacher
	defer teacher.Close()

	var strayErrs []error
	net.onRequest = func(req TimeRequest) {
		strayErrs = append(strayErrs,
			net.coord.ReportOffset(req.Round, "stranger", 30),
			net.coord.ReportOffset(req.Round, "server", 30))
	}

	res, err := net.coord.Round(context.Background())
	if err != nil {
		t.Fatalf("round: %v", err)
	}
	if len(strayErrs) != 2 {
		t.Fatalf("expected 2 stray reports, got %d", len(strayErrs))
	}
	for _, err := range strayErrs {
		if !errors.Is(err, ErrUnknownParticipant) {
			t.Fatalf("expected ErrUnknownParticipant, got %v", err)
		}
	}
	if _, ok := res.Offsets["stranger"]; ok || res.Offsets["server"] != 0 || len(res.Offsets) != 2 {
		t.Fatalf("stray reports leaked into the round: %v", res.Offsets)
	}
	if math.Abs(res.Average) > 1e-9 {
		t.Fatalf("clocks in sync should average 0, got %v", res.Average)
	}
}

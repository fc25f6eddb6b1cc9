package node

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"examsync/internal/admission"
	"examsync/internal/api"
	"examsync/internal/berkeley"
	"examsync/internal/clock"
	"examsync/internal/directory"
	"examsync/internal/logging"
	"examsync/internal/mutex"
	"examsync/internal/scoring"
	"examsync/internal/store"
)

// Node wires the components one role needs and owns their lifecycle.
//
// Every role has a Lamport clock, a local clock and the RPC server. On top:
//
//	coordinator: registry, sync coordinator, admission controller, score book
//	student:     directory view, mutual exclusion engine, sync participant
//	teacher:     directory view, sync participant, score book
//	backup:      directory view, sync participant, backup worker
type Node struct {
	cfg  Config
	self directory.Member
	log  *logrus.Entry
	rpc  *api.Client

	lamport *clock.Lamport
	local   *clock.Local

	registry    *directory.Registry
	view        *directory.View
	engine      *mutex.Engine
	participant *berkeley.Participant
	sync        *berkeley.Coordinator
	admission   *admission.Controller
	worker      *admission.Worker
	book        *book
	db          *store.SQLite
	sink        store.Sink

	server  *api.Server
	handler http.Handler

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// book serves /scores: writes go to every sink, reads come from the local table.
type book struct {
	store.Sink
	store.Reader
}

func New(cfg Config, rpc *api.Client, log *logrus.Entry) (*Node, error) {
	if cfg.ID == "" || cfg.Addr == "" {
		return nil, errors.New("node: id and address required")
	}
	n := &Node{
		cfg:     cfg,
		self:    directory.Member{ID: cfg.ID, Address: cfg.Addr, Role: cfg.Role, JoinedAt: time.Now()},
		log:     log,
		rpc:     rpc,
		lamport: clock.NewLamport(),
		local:   clock.NewLocal(),
	}
	if cfg.StartTime != "" {
		if err := n.local.SetTimeOfDay(cfg.StartTime); err != nil {
			return nil, err
		}
	}

	caps := api.Capabilities{Lamport: n.lamport, Clock: n.local, Outbound: rpc.Transport()}
	var err error
	switch cfg.Role {
	case directory.RoleCoordinator:
		err = n.buildCoordinator(&caps)
	case directory.RoleStudent:
		n.buildMember(&caps)
		n.engine = mutex.New(cfg.ID, n.lamport, n.view, rpc, cfg.Mutex, logging.Component(log, "mutex"))
		n.sink = store.Remote{Addr: cfg.Directory.CoordinatorAddr, RPC: rpc}
		caps.Mutex = n.engine
	case directory.RoleTeacher:
		n.buildMember(&caps)
		err = n.openBook()
		caps.Scores = n.book
	case directory.RoleBackup:
		n.buildMember(&caps)
		n.worker = admission.NewWorker(cfg.Admission, scoring.DefaultRule().Score, rpc, logging.Component(log, "backup"))
		caps.Backup = n.worker
	default:
		err = fmt.Errorf("node: role %q has no server side", cfg.Role)
	}
	if err != nil {
		n.Close()
		return nil, err
	}

	n.server = api.NewServer(n.self, caps, logging.Component(log, "api"))
	n.handler = n.server.Handler()
	return n, nil
}

func (n *Node) buildCoordinator(caps *api.Capabilities) error {
	n.registry = directory.NewRegistry(n.self)
	if err := n.openBook(); err != nil {
		return err
	}
	if n.cfg.TeacherAddr != "" {
		n.book.Sink = store.Tee{n.book.Sink, store.Remote{Addr: n.cfg.TeacherAddr, RPC: n.rpc}}
	}
	n.sink = n.book

	n.sync = berkeley.NewCoordinator(n.self, n.local, n.registry, n.rpc, n.cfg.Berkeley, logging.Component(n.log, "berkeley"))

	acfg := n.cfg.Admission
	acfg.SelfAddr = n.cfg.Addr
	n.admission = admission.New(acfg, scoring.DefaultRule().Score, n.sink, n.rpc, logging.Component(n.log, "admission"))

	caps.Registry = n.registry
	caps.Sync = n.sync
	caps.Admission = n.admission
	caps.Scores = n.book
	return nil
}

func (n *Node) buildMember(caps *api.Capabilities) {
	n.view = directory.NewView(n.self, n.cfg.Directory, n.rpc, logging.Component(n.log, "directory"))
	n.participant = berkeley.NewParticipant(n.cfg.ID, n.local, n.rpc, n.cfg.PushOffsets, n.cfg.Berkeley.CallTimeout, logging.Component(n.log, "berkeley"))
	caps.Time = n.participant
}

func (n *Node) openBook() error {
	if n.cfg.DBPath == "" {
		mem := store.NewMemory()
		n.book = &book{Sink: mem, Reader: mem}
		return nil
	}
	db, err := store.OpenSQLite(n.cfg.DBPath)
	if err != nil {
		return err
	}
	n.db = db
	n.book = &book{Sink: db, Reader: db}
	return nil
}

func (n *Node) Handler() http.Handler { return n.handler }

func (n *Node) Self() directory.Member { return n.self }
func (n *Node) Lamport() *clock.Lamport { return n.lamport }
func (n *Node) Clock() *clock.Local { return n.local }
func (n *Node) Registry() *directory.Registry { return n.registry }
func (n *Node) Mutex() *mutex.Engine { return n.engine }
func (n *Node) Sync() *berkeley.Coordinator { return n.sync }
func (n *Node) Admission() *admission.Controller { return n.admission }

func (n *Node) Scores(ctx context.Context) ([]store.Score, error) {
	if n.book == nil {
		return nil, fmt.Errorf("node: role %q keeps no scores", n.cfg.Role)
	}
	return n.book.Scores(ctx)
}

// Start launches background work and registers with the coordinator. The
// server must already be listening: the coordinator may call back at once.
func (n *Node) Start(ctx context.Context) {
	ctx, n.cancel = context.WithCancel(ctx)

	if n.admission != nil {
		n.admission.Start(ctx)
	}
	if n.sync != nil && n.cfg.SyncInterval > 0 {
		n.wg.Add(1)
		go n.syncLoop(ctx)
	}
	if n.view != nil {
		if err := n.view.Join(ctx); err != nil {
			n.log.WithError(err).Warn("join failed, directory will fall back to probing")
		} else {
			n.log.WithField("coordinator", n.cfg.Directory.CoordinatorAddr).Info("joined")
		}
	}
	n.log.WithFields(logrus.Fields{"addr": n.self.Address, "time": n.local.String()}).Info("node started")
}

func (n *Node) syncLoop(ctx context.Context) {
	defer n.wg.Done()
	t := time.NewTicker(n.cfg.SyncInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := n.sync.Round(ctx); err != nil && ctx.Err() == nil {
				n.log.WithError(err).Warn("synchronization round failed")
			}
		}
	}
}

// Close stops background work. Any critical section held is given up so
// deferred peers are not left waiting.
func (n *Node) Close() {
	if n.cancel != nil {
		n.cancel()
	}
	n.wg.Wait()
	if n.engine != nil {
		ctx, cancel := context.WithTimeout(context.Background(), n.cfg.Mutex.CallTimeout)
		n.engine.Abandon(ctx)
		cancel()
	}
	if n.admission != nil {
		n.admission.Close()
	}
	if n.worker != nil {
		n.worker.Close()
	}
	if n.participant != nil {
		n.participant.Close()
	}
	if n.view != nil {
		n.view.Close()
	}
	if n.db != nil {
		if err := n.db.Close(); err != nil {
			n.log.WithError(err).Warn("closing score database")
		}
	}
}

package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"examsync/internal/admission"
	"examsync/internal/berkeley"
	"examsync/internal/clock"
	"examsync/internal/directory"
	"examsync/internal/mutex"
	"examsync/internal/scoring"
	"examsync/internal/store"
	"examsync/internal/transport"
)

// Registry is the coordinator's member directory.
type Registry interface {
	Register(m directory.Member) bool
	Snapshot() directory.Snapshot
}

// Mutex receives Ricart-Agrawala messages.
type Mutex interface {
	OnRequest(ctx context.Context, ts int64, from string)
	OnOK(from string)
	Status() mutex.Status
}

// TimeSource answers the coordinator's clock synchronization rounds.
type TimeSource interface {
	OnRequestTime(req berkeley.TimeRequest) berkeley.TimeReply
	OnAdjust(round string, delta float64) time.Time
}

// SyncCoordinator runs clock synchronization rounds.
type SyncCoordinator interface {
	Round(ctx context.Context) (berkeley.Result, error)
	ReportOffset(round, id string, offset float64) error
	Last() (berkeley.Result, bool)
}

type Admission interface {
	Submit(ctx context.Context, id string, sub scoring.Submission) error
	ReportBackupResult(rep admission.ResultReport)
	Stats() admission.Stats
}

type BackupWorker interface {
	Accept(req admission.ForwardRequest)
	Stats() admission.WorkerStats
}

type ScoreBook interface {
	store.Sink
	store.Reader
}

// Capabilities lists what a node serves. Routes are mounted only for the
// non-nil ones; everything else answers 404.
type Capabilities struct {
	Lamport *clock.Lamport
	Clock   *clock.Local

	Registry  Registry
	Mutex     Mutex
	Time      TimeSource
	Sync      SyncCoordinator
	Admission Admission
	Backup    BackupWorker
	Scores    ScoreBook

	Outbound *transport.Client
}

type Server struct {
	self directory.Member
	caps Capabilities
	log  *logrus.Entry

	// Written once in Handler, read-only afterwards.
	counters map[string]*atomic.Uint64
}

func NewServer(self directory.Member, caps Capabilities, log *logrus.Entry) *Server {
	return &Server{self: self, caps: caps, log: log, counters: map[string]*atomic.Uint64{}}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	s.route(mux, http.MethodGet, PathPing, s.handlePing)
	s.route(mux, http.MethodGet, PathStatus, s.handleStatus)

	if s.caps.Registry != nil {
		s.route(mux, http.MethodPost, PathRegister, s.handleRegister)
		s.route(mux, http.MethodGet, PathSnapshot, s.handleSnapshot)
	}
	if s.caps.Mutex != nil {
		s.route(mux, http.MethodPost, PathRequest, s.handleMutexRequest)
		s.route(mux, http.MethodPost, PathOK, s.handleMutexOK)
	}
	if s.caps.Time != nil {
		s.route(mux, http.MethodPost, PathTime, s.handleTime)
		s.route(mux, http.MethodPost, PathAdjust, s.handleAdjust)
	}
	if s.caps.Sync != nil {
		s.route(mux, http.MethodPost, PathOffset, s.handleOffset)
		s.route(mux, http.MethodPost, PathSync, s.handleSync)
	}
	if s.caps.Admission != nil {
		s.route(mux, http.MethodPost, PathSubmit, s.handleSubmit)
		s.route(mux, http.MethodPost, PathResult, s.handleResult)
	}
	if s.caps.Backup != nil {
		s.route(mux, http.MethodPost, PathForward, s.handleForward)
	}
	if s.caps.Scores != nil {
		s.route(mux, http.MethodPost, PathRecord, s.handleRecord)
		s.route(mux, http.MethodGet, PathScores, s.handleScores)
	}
	return mux
}

func (s *Server) route(mux *http.ServeMux, method, path string, h http.HandlerFunc) {
	n := &atomic.Uint64{}
	s.counters[strings.TrimPrefix(path, "/")] = n
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		n.Add(1)
		if r.Method != method {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h(w, r)
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) readJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func (s *Server) badRequest(w http.ResponseWriter, r *http.Request, err error) {
	s.log.WithError(err).WithFields(logrus.Fields{
		"path":       r.URL.Path,
		"request_id": r.Header.Get(transport.RequestIDHeader),
	}).Warn("malformed request")
	s.writeJSON(w, http.StatusBadRequest, Ack{OK: false, Error: err.Error()})
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, PingResponse{OK: true, ID: s.self.ID, Role: s.self.Role})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := Status{Self: s.self, Counters: make(map[string]uint64, len(s.counters))}
	if s.caps.Clock != nil {
		resp.Now = s.caps.Clock.String()
	}
	if s.caps.Lamport != nil {
		resp.Lamport = s.caps.Lamport.Now()
	}
	if s.caps.Registry != nil {
		snap := s.caps.Registry.Snapshot()
		resp.Directory = &snap
	}
	if s.caps.Mutex != nil {
		st := s.caps.Mutex.Status()
		resp.Mutex = &st
	}
	if s.caps.Sync != nil {
		if last, ok := s.caps.Sync.Last(); ok {
			resp.Sync = &last
		}
	}
	if s.caps.Admission != nil {
		st := s.caps.Admission.Stats()
		resp.Admission = &st
	}
	if s.caps.Backup != nil {
		st := s.caps.Backup.Stats()
		resp.Backup = &st
	}
	if s.caps.Outbound != nil {
		st := s.caps.Outbound.GetStats()
		resp.Outbound = &st
	}
	for name, n := range s.counters {
		resp.Counters[name] = n.Load()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := s.readJSON(r, &req); err != nil {
		s.badRequest(w, r, err)
		return
	}
	if strings.TrimSpace(req.ID) == "" || strings.TrimSpace(req.Address) == "" {
		s.badRequest(w, r, errors.New("id and address required"))
		return
	}
	changed := s.caps.Registry.Register(directory.Member{ID: req.ID, Address: req.Address, Role: req.Role})
	snap := s.caps.Registry.Snapshot()
	if changed {
		s.log.WithFields(logrus.Fields{"member": req.ID, "address": req.Address, "role": req.Role, "version": snap.Version}).
			Info("member registered")
	}
	s.writeJSON(w, http.StatusOK, RegisterResponse{OK: true, Changed: changed, Version: snap.Version})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.caps.Registry.Snapshot())
}

func (s *Server) handleMutexRequest(w http.ResponseWriter, r *http.Request) {
	var req MutexRequest
	if err := s.readJSON(r, &req); err != nil {
		s.badRequest(w, r, err)
		return
	}
	if req.From == "" {
		s.badRequest(w, r, errors.New("from required"))
		return
	}
	ts := req.TS.Value
	if !req.TS.Valid {
		if s.caps.Lamport != nil {
			ts = s.caps.Lamport.Now()
		}
		s.log.WithFields(logrus.Fields{"from": req.From, "coerced_to": ts}).Warn("non-numeric timestamp")
	}
	// The grant may be sent from inside this call; it must outlive the
	// requester's deadline.
	s.caps.Mutex.OnRequest(context.WithoutCancel(r.Context()), ts, req.From)
	s.writeJSON(w, http.StatusOK, Ack{OK: true})
}

func (s *Server) handleMutexOK(w http.ResponseWriter, r *http.Request) {
	var req MutexOK
	if err := s.readJSON(r, &req); err != nil {
		s.badRequest(w, r, err)
		return
	}
	if req.From == "" {
		s.badRequest(w, r, errors.New("from required"))
		return
	}
	s.caps.Mutex.OnOK(req.From)
	s.writeJSON(w, http.StatusOK, Ack{OK: true})
}

func (s *Server) handleTime(w http.ResponseWriter, r *http.Request) {
	var req berkeley.TimeRequest
	if err := s.readJSON(r, &req); err != nil {
		s.badRequest(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.caps.Time.OnRequestTime(req))
}

func (s *Server) handleAdjust(w http.ResponseWriter, r *http.Request) {
	var req AdjustRequest
	if err := s.readJSON(r, &req); err != nil {
		s.badRequest(w, r, err)
		return
	}
	now := s.caps.Time.OnAdjust(req.Round, req.Delta)
	s.writeJSON(w, http.StatusOK, AdjustResponse{OK: true, Time: now})
}

func (s *Server) handleOffset(w http.ResponseWriter, r *http.Request) {
	var req OffsetReport
	if err := s.readJSON(r, &req); err != nil {
		s.badRequest(w, r, err)
		return
	}
	if err := s.caps.Sync.ReportOffset(req.Round, req.ID, req.Offset); err != nil {
		s.log.WithError(err).WithFields(logrus.Fields{"round": req.Round, "peer": req.ID}).Warn("offset report rejected")
		s.writeJSON(w, http.StatusConflict, Ack{OK: false, Error: err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, Ack{OK: true})
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	res, err := s.caps.Sync.Round(r.Context())
	if err != nil {
		s.writeJSON(w, http.StatusServiceUnavailable, SyncResponse{OK: false, Result: res, Error: err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, SyncResponse{OK: true, Result: res})
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := s.readJSON(r, &req); err != nil {
		s.badRequest(w, r, err)
		return
	}
	if strings.TrimSpace(req.ID) == "" {
		s.badRequest(w, r, errors.New("id required"))
		return
	}
	if err := s.caps.Admission.Submit(r.Context(), req.ID, req.Submission); err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, admission.ErrBackupUnavailable) {
			code = http.StatusServiceUnavailable
		}
		s.writeJSON(w, code, SubmitResponse{Accepted: false, Error: err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, SubmitResponse{Accepted: true})
}

func (s *Server) handleForward(w http.ResponseWriter, r *http.Request) {
	var req admission.ForwardRequest
	if err := s.readJSON(r, &req); err != nil {
		s.badRequest(w, r, err)
		return
	}
	if req.ID == "" || req.ReplyTo == "" {
		s.badRequest(w, r, errors.New("id and reply_to required"))
		return
	}
	s.caps.Backup.Accept(req)
	s.writeJSON(w, http.StatusOK, Ack{OK: true})
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	var req admission.ResultReport
	if err := s.readJSON(r, &req); err != nil {
		s.badRequest(w, r, err)
		return
	}
	s.caps.Admission.ReportBackupResult(req)
	s.writeJSON(w, http.StatusOK, Ack{OK: true})
}

func (s *Server) handleRecord(w http.ResponseWriter, r *http.Request) {
	var sc store.Score
	if err := s.readJSON(r, &sc); err != nil {
		s.badRequest(w, r, err)
		return
	}
	if sc.ID == "" || sc.Kind == "" {
		s.badRequest(w, r, errors.New("id and kind required"))
		return
	}
	if err := s.caps.Scores.RecordScore(r.Context(), sc); err != nil {
		s.log.WithError(err).WithField("student", sc.ID).Error("score not recorded")
		s.writeJSON(w, http.StatusInternalServerError, Ack{OK: false, Error: err.Error()})
		return
	}
	s.log.WithFields(logrus.Fields{"student": sc.ID, "kind": sc.Kind, "value": sc.Value}).Info("score recorded")
	s.writeJSON(w, http.StatusOK, Ack{OK: true})
}

func (s *Server) handleScores(w http.ResponseWriter, r *http.Request) {
	scores, err := s.caps.Scores.Scores(r.Context())
	if err != nil {
		s.writeJSON(w, http.StatusInternalServerError, Ack{OK: false, Error: err.Error()})
		return
	}
	sort.SliceStable(scores, func(i, j int) bool { return scores[i].ID < scores[j].ID })
	s.writeJSON(w, http.StatusOK, ScoresResponse{Scores: scores})
}

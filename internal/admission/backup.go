package admission

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"examsync/internal/scoring"
)

// Worker is the backup side. It keeps no job table: it scores what it is
// given and reports back to the submitter.
type Worker struct {
	score    func(scoring.Submission) int
	reporter Reporter
	cfg      Config
	log      *logrus.Entry

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	accepted  uint64
	reported  uint64
	abandoned uint64
}

func NewWorker(cfg Config, score func(scoring.Submission) int, reporter Reporter, log *logrus.Entry) *Worker {
	if cfg.ForwardAttempts <= 0 {
		cfg.ForwardAttempts = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		score:    score,
		reporter: reporter,
		cfg:      cfg,
		log:      log,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Accept acknowledges the job immediately and finalizes it in the
// background.
func (w *Worker) Accept(req ForwardRequest) {
	atomic.AddUint64(&w.accepted, 1)
	log := w.log.WithFields(logrus.Fields{"job": req.ID, "ticket": req.Ticket})
	log.Info("accepted forwarded job")

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		if d := w.cfg.ProcessingDelay; d > 0 {
			t := time.NewTimer(d)
			select {
			case <-w.ctx.Done():
				t.Stop()
				atomic.AddUint64(&w.abandoned, 1)
				return
			case <-t.C:
			}
		}
		rep := ResultReport{Ticket: req.Ticket, ID: req.ID, Result: w.score(req.Submission)}
		if err := w.report(req.ReplyTo, rep); err != nil {
			atomic.AddUint64(&w.abandoned, 1)
			log.WithError(err).Error("result not delivered")
			return
		}
		atomic.AddUint64(&w.reported, 1)
		log.WithField("result", rep.Result).Info("result reported")
	}()
}

func (w *Worker) report(addr string, rep ResultReport) error {
	var err error
	for attempt := 1; attempt <= w.cfg.ForwardAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(w.ctx, w.cfg.CallTimeout)
		err = w.reporter.ReportBackupResult(ctx, addr, rep)
		cancel()
		if err == nil {
			return nil
		}
		if attempt == w.cfg.ForwardAttempts {
			break
		}
		t := time.NewTimer(w.cfg.ForwardBackoff * time.Duration(attempt))
		select {
		case <-w.ctx.Done():
			t.Stop()
			return w.ctx.Err()
		case <-t.C:
		}
	}
	return err
}

type WorkerStats struct {
	Accepted  uint64 `json:"accepted"`
	Reported  uint64 `json:"reported"`
	Abandoned uint64 `json:"abandoned"`
}

func (w *Worker) Stats() WorkerStats {
	return WorkerStats{
		Accepted:  atomic.LoadUint64(&w.accepted),
		Reported:  atomic.LoadUint64(&w.reported),
		Abandoned: atomic.LoadUint64(&w.abandoned),
	}
}

// Close abandons jobs still waiting and waits for reports in flight.
func (w *Worker) Close() {
	w.cancel()
	w.wg.Wait()
}

package admission

import (
	"context"
	"errors"
	"time"

	"examsync/internal/scoring"
)

type State string

const (
	Pending         State = "pending"
	LocalProcessing State = "local_processing"
	Forwarded       State = "forwarded"
	Complete        State = "complete"
)

type Route string

const (
	RouteLocal  Route = "local"
	RouteBackup Route = "backup"
)

var ErrBackupUnavailable = errors.New("admission: backup unavailable")

// Job is the coordinator's record of one finalization request. It reaches
// Complete exactly once, whichever route produced the result.
type Job struct {
	ID          string             `json:"id"`
	Submission  scoring.Submission `json:"submission"`
	State       State              `json:"state"`
	Route       Route              `json:"route,omitempty"`
	Ticket      string             `json:"ticket,omitempty"`
	Result      *int               `json:"result,omitempty"`
	CompletedBy Route              `json:"completed_by,omitempty"`
	Forwards    int                `json:"forwards,omitempty"`
	SubmittedAt time.Time          `json:"submitted_at"`
	ForwardedAt time.Time          `json:"forwarded_at,omitempty"`
	CompletedAt time.Time          `json:"completed_at,omitempty"`

	// forwarding is set while a hand-off to the backup is in flight. The
	// watchdog leaves such jobs alone.
	forwarding bool
}

// ForwardRequest hands a job to the backup. Ticket identifies this hand-off
// in logs; ReplyTo is where the backup reports the result.
type ForwardRequest struct {
	Ticket     string             `json:"ticket"`
	ID         string             `json:"id"`
	Submission scoring.Submission `json:"submission"`
	ReplyTo    string             `json:"reply_to"`
}

// ResultReport is the backup's asynchronous callback.
type ResultReport struct {
	Ticket string `json:"ticket"`
	ID     string `json:"id"`
	Result int    `json:"result"`
}

type Backup interface {
	ForwardFinalization(ctx context.Context, addr string, req ForwardRequest) error
}

type Reporter interface {
	ReportBackupResult(ctx context.Context, addr string, rep ResultReport) error
}

type Config struct {
	// Capacity is the number of jobs processed locally at once.
	Capacity int

	SelfAddr   string
	BackupAddr string

	CallTimeout     time.Duration
	ForwardAttempts int
	ForwardBackoff  time.Duration

	// BackupDeadline re-routes a forwarded job whose result has not come
	// back in time. Zero keeps the job waiting forever.
	BackupDeadline time.Duration
	SweepInterval  time.Duration

	// ProcessingDelay simulates finalization work.
	ProcessingDelay time.Duration
}

func DefaultConfig() Config {
	return Config{
		Capacity:        3,
		SelfAddr:        "127.0.0.1:9000",
		BackupAddr:      "127.0.0.1:9010",
		CallTimeout:     5 * time.Second,
		ForwardAttempts: 3,
		ForwardBackoff:  200 * time.Millisecond,
		BackupDeadline:  10 * time.Second,
		SweepInterval:   time.Second,
		ProcessingDelay: time.Second,
	}
}

type Stats struct {
	Capacity int           `json:"capacity"`
	InFlight int           `json:"in_flight"`
	ByState  map[State]int `json:"by_state"`
	ByRoute  map[Route]int `json:"by_route"`
}

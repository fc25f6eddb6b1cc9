package api

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"time"

	"examsync/internal/admission"
	"examsync/internal/berkeley"
	"examsync/internal/directory"
	"examsync/internal/mutex"
	"examsync/internal/scoring"
	"examsync/internal/store"
	"examsync/internal/transport"
)

// Route paths shared by the server and the client.
const (
	PathRegister = "/directory/register"
	PathSnapshot = "/directory/snapshot"
	PathRequest  = "/mutex/request"
	PathOK       = "/mutex/ok"
	PathPing     = "/ping"
	PathTime     = "/clock/time"
	PathOffset   = "/clock/offset"
	PathAdjust   = "/clock/adjust"
	PathSync     = "/clock/sync"
	PathSubmit   = "/finalize/submit"
	PathForward  = "/finalize/forward"
	PathResult   = "/finalize/result"
	PathRecord   = "/scores/record"
	PathScores   = "/scores"
	PathStatus   = "/status"
)

// Ack is the body of every call that only reports success.
type Ack struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// Directory

type RegisterRequest struct {
	ID      string         `json:"id"`
	Address string         `json:"address"`
	Role    directory.Role `json:"role"`
}

type RegisterResponse struct {
	OK      bool   `json:"ok"`
	Changed bool   `json:"changed"`
	Version uint64 `json:"version"`
	Error   string `json:"error,omitempty"`
}

type PingResponse struct {
	OK   bool           `json:"ok"`
	ID   string         `json:"id"`
	Role directory.Role `json:"role"`
}

// Mutual exclusion

// Timestamp is a Lamport timestamp as sent by a peer. Peers may send it as a
// number or as a numeric string; anything else decodes with Valid false.
type Timestamp struct {
	Value int64
	Valid bool
}

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 1 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			*t = Timestamp{}
			return nil
		}
		b = []byte(s)
	}
	v, ok := parseTimestamp(string(bytes.TrimSpace(b)))
	if !ok {
		*t = Timestamp{}
		return nil
	}
	*t = Timestamp{Value: v, Valid: true}
	return nil
}

// parseTimestamp accepts integers and truncates decimal forms ("5.0", "1e1").
func parseTimestamp(s string) (int64, bool) {
	if v, err := strconv.ParseInt(s, 10, 64); err == nil {
		return v, v >= 0
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || f < 0 || f >= math.MaxInt64 {
		return 0, false
	}
	return int64(f), true
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	return strconv.AppendInt(nil, t.Value, 10), nil
}

type MutexRequest struct {
	TS   Timestamp `json:"ts"`
	From string    `json:"from"`
}

type MutexOK struct {
	From string `json:"from"`
}

// Clock synchronization

type OffsetReport struct {
	Round  string  `json:"round"`
	ID     string  `json:"id"`
	Offset float64 `json:"offset"`
}

type AdjustRequest struct {
	Round string  `json:"round"`
	Delta float64 `json:"delta"`
}

type AdjustResponse struct {
	OK   bool      `json:"ok"`
	Time time.Time `json:"time"`
}

type SyncResponse struct {
	OK     bool            `json:"ok"`
	Result berkeley.Result `json:"result"`
	Error  string          `json:"error,omitempty"`
}

// Finalization

type SubmitRequest struct {
	ID         string             `json:"id"`
	Submission scoring.Submission `json:"submission"`
}

type SubmitResponse struct {
	Accepted bool   `json:"accepted"`
	Error    string `json:"error,omitempty"`
}

// Scores

type ScoresResponse struct {
	Scores []store.Score `json:"scores"`
}

// Status is the body of GET /status. Sections are present only for the
// capabilities the node serves.
type Status struct {
	Self      directory.Member       `json:"self"`
	Now       string                 `json:"now"`
	Lamport   int64                  `json:"lamport"`
	Directory *directory.Snapshot    `json:"directory,omitempty"`
	Mutex     *mutex.Status          `json:"mutex,omitempty"`
	Sync      *berkeley.Result       `json:"last_sync,omitempty"`
	Admission *admission.Stats       `json:"admission,omitempty"`
	Backup    *admission.WorkerStats `json:"backup,omitempty"`
	Counters  map[string]uint64      `json:"counters"`
	Outbound  *transport.Stats       `json:"outbound,omitempty"`
}

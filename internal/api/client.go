package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"examsync/internal/admission"
	"examsync/internal/berkeley"
	"examsync/internal/directory"
	"examsync/internal/scoring"
	"examsync/internal/store"
	"examsync/internal/transport"
)

// Client is the typed RPC client every role uses to talk to the others.
// Addresses are host:port.
type Client struct {
	http *transport.Client
}

func NewClient(hc *transport.Client) *Client {
	return &Client{http: hc}
}

func (c *Client) Transport() *transport.Client { return c.http }

func url(addr, path string) string {
	return "http://" + addr + path
}

func (c *Client) post(ctx context.Context, addr, path string, body, out any) error {
	if out == nil {
		out = &Ack{}
	}
	_, err := c.http.PostJSON(ctx, url(addr, path), body, out)
	return err
}

// Directory

func (c *Client) Register(ctx context.Context, addr string, m directory.Member) error {
	var resp RegisterResponse
	if err := c.post(ctx, addr, PathRegister, RegisterRequest{ID: m.ID, Address: m.Address, Role: m.Role}, &resp); err != nil {
		return err
	}
	if !resp.OK {
		return fmt.Errorf("register refused: %s", resp.Error)
	}
	return nil
}

func (c *Client) Snapshot(ctx context.Context, addr string) (directory.Snapshot, error) {
	var snap directory.Snapshot
	_, err := c.http.GetJSON(ctx, url(addr, PathSnapshot), &snap)
	return snap, err
}

func (c *Client) Ping(ctx context.Context, addr string) (directory.Member, error) {
	var resp PingResponse
	if _, err := c.http.GetJSON(ctx, url(addr, PathPing), &resp); err != nil {
		return directory.Member{}, err
	}
	if !resp.OK {
		return directory.Member{}, errors.New("ping not acknowledged")
	}
	return directory.Member{ID: resp.ID, Address: addr, Role: resp.Role}, nil
}

// Mutual exclusion

func (c *Client) SendRequest(ctx context.Context, addr string, ts int64, from string) error {
	return c.post(ctx, addr, PathRequest, MutexRequest{TS: Timestamp{Value: ts, Valid: true}, From: from}, nil)
}

func (c *Client) SendOK(ctx context.Context, addr string, from string) error {
	return c.post(ctx, addr, PathOK, MutexOK{From: from}, nil)
}

// Clock synchronization

func (c *Client) RequestTime(ctx context.Context, addr string, req berkeley.TimeRequest) (berkeley.TimeReply, error) {
	var reply berkeley.TimeReply
	err := c.post(ctx, addr, PathTime, req, &reply)
	return reply, err
}

func (c *Client) ApplyAdjustment(ctx context.Context, addr string, round string, delta float64) (time.Time, error) {
	var resp AdjustResponse
	err := c.post(ctx, addr, PathAdjust, AdjustRequest{Round: round, Delta: delta}, &resp)
	return resp.Time, err
}

func (c *Client) ReportOffset(ctx context.Context, addr, round, id string, offset float64) error {
	return c.post(ctx, addr, PathOffset, OffsetReport{Round: round, ID: id, Offset: offset}, nil)
}

// Sync asks the coordinator to run a synchronization round now.
func (c *Client) Sync(ctx context.Context, addr string) (berkeley.Result, error) {
	var resp SyncResponse
	err := c.post(ctx, addr, PathSync, struct{}{}, &resp)
	return resp.Result, err
}

// Finalization

// Submit enters a finalization job on the coordinator. A 503 answer is
// reported as admission.ErrBackupUnavailable so callers can retry.
func (c *Client) Submit(ctx context.Context, addr, id string, sub scoring.Submission) error {
	var resp SubmitResponse
	err := c.post(ctx, addr, PathSubmit, SubmitRequest{ID: id, Submission: sub}, &resp)
	var se *transport.StatusError
	if errors.As(err, &se) && se.Code == http.StatusServiceUnavailable {
		return fmt.Errorf("%w: %s", admission.ErrBackupUnavailable, resp.Error)
	}
	return err
}

func (c *Client) ForwardFinalization(ctx context.Context, addr string, req admission.ForwardRequest) error {
	return c.post(ctx, addr, PathForward, req, nil)
}

func (c *Client) ReportBackupResult(ctx context.Context, addr string, rep admission.ResultReport) error {
	return c.post(ctx, addr, PathResult, rep, nil)
}

// Scores

func (c *Client) RecordScore(ctx context.Context, addr string, s store.Score) error {
	return c.post(ctx, addr, PathRecord, s, nil)
}

func (c *Client) Scores(ctx context.Context, addr string) ([]store.Score, error) {
	var resp ScoresResponse
	_, err := c.http.GetJSON(ctx, url(addr, PathScores), &resp)
	return resp.Scores, err
}

func (c *Client) Status(ctx context.Context, addr string) (Status, error) {
	var st Status
	_, err := c.http.GetJSON(ctx, url(addr, PathStatus), &st)
	return st, err
}

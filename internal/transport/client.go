package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const RequestIDHeader = "X-Request-Id"

// Client is the outbound half of every RPC between nodes: JSON over HTTP
// with a per-call deadline taken from the context and an overall client
// timeout as a backstop.
type Client struct {
	hc *http.Client

	mu    sync.Mutex
	rng   *rand.Rand
	chaos ChaosConfig

	calls     atomic.Uint64
	failed    atomic.Uint64
	delayed   atomic.Uint64
	dropped   atomic.Uint64
	probeLost atomic.Uint64
}

// ChaosConfig makes outbound calls unreliable on purpose, so that peer
// exclusion and backup loss can be observed on a single machine.
type ChaosConfig struct {
	Enabled bool

	// DropProb is the probability of dropping any outbound request.
	DropProb float64

	// ProbeDropProb replaces DropProb for liveness probes (paths ending in /ping).
	ProbeDropProb float64

	DelayProb float64
	DelayMin  time.Duration
	DelayMax  time.Duration
}

func DefaultChaosConfig() ChaosConfig {
	return ChaosConfig{
		Enabled:       true,
		DropProb:      0.10,
		ProbeDropProb: 0.35,
		DelayProb:     0.30,
		DelayMin:      80 * time.Millisecond,
		DelayMax:      500 * time.Millisecond,
	}
}

var ErrChaosDrop = errors.New("chaos: dropped outbound request")

// StatusError is returned when the peer answered with a non-2xx code.
type StatusError struct {
	Code int
	URL  string
	Body string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("%s: http %d: %s", e.URL, e.Code, e.Body)
	}
	return fmt.Sprintf("%s: http %d", e.URL, e.Code)
}

func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		hc:  &http.Client{Timeout: timeout},
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (c *Client) EnableChaos(cfg ChaosConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chaos = cfg
}

type Stats struct {
	Calls     uint64 `json:"calls"`
	Failed    uint64 `json:"failed"`
	Delayed   uint64 `json:"delayed"`
	Dropped   uint64 `json:"dropped"`
	ProbeLost uint64 `json:"probes_dropped"`
}

func (c *Client) GetStats() Stats {
	return Stats{
		Calls:     c.calls.Load(),
		Failed:    c.failed.Load(),
		Delayed:   c.delayed.Load(),
		Dropped:   c.dropped.Load(),
		ProbeLost: c.probeLost.Load(),
	}
}

func (c *Client) float() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rng.Float64()
}

func (c *Client) maybeChaos(ctx context.Context, rawURL string) error {
	c.mu.Lock()
	cfg := c.chaos
	c.mu.Unlock()

	if !cfg.Enabled {
		return nil
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil
	}

	probe := strings.HasSuffix(parsed.Path, "/ping")
	dropProb := cfg.DropProb
	if probe {
		dropProb = cfg.ProbeDropProb
	}
	if dropProb > 0 && c.float() < dropProb {
		c.dropped.Add(1)
		if probe {
			c.probeLost.Add(1)
		}
		return ErrChaosDrop
	}

	if cfg.DelayProb > 0 && cfg.DelayMax > 0 && c.float() < cfg.DelayProb {
		min, max := cfg.DelayMin, cfg.DelayMax
		if max < min {
			max = min
		}
		d := min
		if jitter := max - min; jitter > 0 {
			c.mu.Lock()
			d = min + time.Duration(c.rng.Int63n(int64(jitter)))
			c.mu.Unlock()
		}
		c.delayed.Add(1)
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	return nil
}

// PostJSON sends body and decodes the reply into out when out is non-nil.
// A non-2xx answer is returned as a *StatusError, after out was decoded.
func (c *Client) PostJSON(ctx context.Context, url string, body any, out any) (int, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return 0, err
	}
	return c.do(ctx, http.MethodPost, url, b, out)
}

func (c *Client) GetJSON(ctx context.Context, url string, out any) (int, error) {
	return c.do(ctx, http.MethodGet, url, nil, out)
}

func (c *Client) do(ctx context.Context, method, url string, body []byte, out any) (int, error) {
	c.calls.Add(1)
	code, err := c.roundTrip(ctx, method, url, body, out)
	if err != nil {
		c.failed.Add(1)
	}
	return code, err
}

func (c *Client) roundTrip(ctx context.Context, method, url string, body []byte, out any) (int, error) {
	if err := c.maybeChaos(ctx, url); err != nil {
		return 0, err
	}
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rd)
	if err != nil {
		return 0, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(RequestIDHeader, uuid.NewString())

	resp, err := c.hc.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if out != nil && len(data) > 0 {
			_ = json.Unmarshal(data, out)
		}
		return resp.StatusCode, &StatusError{Code: resp.StatusCode, URL: url, Body: strings.TrimSpace(string(data))}
	}
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return resp.StatusCode, err
		}
	}
	return resp.StatusCode, nil
}

package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestPostJSON_RoundTrip(t *testing.T) {
	var gotID string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotID = r.Header.Get(RequestIDHeader)
		var in map[string]int
		_ = json.NewDecoder(r.Body).Decode(&in)
		_ = json.NewEncoder(w).Encode(map[string]int{"double": in["n"] * 2})
	}))
	defer srv.Close()

	c := NewClient(time.Second)
	var out struct{ Double int }
	code, err := c.PostJSON(context.Background(), srv.URL+"/x", map[string]int{"n": 21}, &out)
	if err != nil || code != 200 {
		t.Fatalf("code=%d err=%v", code, err)
	}
	if out.Double != 42 {
		t.Fatalf("expected 42, got %d", out.Double)
	}
	if gotID == "" {
		t.Fatal("request id header missing")
	}
}

func TestGetJSON_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false, "error": "full"})
	}))
	defer srv.Close()

	var out struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
	}
	code, err := NewClient(time.Second).GetJSON(context.Background(), srv.URL, &out)
	var se *StatusError
	if !errors.As(err, &se) || se.Code != 503 || code != 503 {
		t.Fatalf("expected a 503 StatusError, got code=%d err=%v", code, err)
	}
	if out.Error != "full" {
		t.Fatalf("error body not decoded: %+v", out)
	}
}

func TestChaos_DropsProbes(t *testing.T) {
	c := NewClient(time.Second)
	c.EnableChaos(ChaosConfig{Enabled: true, ProbeDropProb: 1})

	_, err := c.GetJSON(context.Background(), "http://127.0.0.1:1/ping", nil)
	if !errors.Is(err, ErrChaosDrop) {
		t.Fatalf("expected ErrChaosDrop, got %v", err)
	}
	st := c.GetStats()
	if st.Dropped != 1 || st.ProbeLost != 1 || st.Failed != 1 {
		t.Fatalf("unexpected stats %+v", st)
	}
}

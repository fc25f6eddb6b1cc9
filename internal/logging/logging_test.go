package logging

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestNew_JSONCarriesNodeFields(t *testing.T) {
	var buf bytes.Buffer
	log, err := New(Options{Node: "3", Role: "student", JSON: true, Level: "debug", Out: &buf})
	if err != nil {
		t.Fatal(err)
	}
	Component(log, "mutex").WithField("ts", 7).Debug("deferred request")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("not json: %q", buf.String())
	}
	for k, want := range map[string]any{"node": "3", "role": "student", "component": "mutex", "msg": "deferred request"} {
		if line[k] != want {
			t.Errorf("%s: expected %v, got %v", k, want, line[k])
		}
	}
	if line["ts"] != float64(7) {
		t.Errorf("ts: got %v", line["ts"])
	}
}

func TestNew_BadLevel(t *testing.T) {
	if _, err := New(Options{Level: "loud"}); err == nil {
		t.Fatal("expected an error for an unknown level")
	}
}

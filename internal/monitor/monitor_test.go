package monitor

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"marketfeed/internal/breaker"
	"marketfeed/internal/errtrack"
	"marketfeed/internal/model"
)

func TestRenderWithNoErrorsReportsExcellentHealth(t *testing.T) {
	m := New(errtrack.New(nil), breaker.NewRegistry())
	out := m.Render()

	if !strings.Contains(out, "EXCELLENT") {
		t.Errorf("expected excellent health indicator with no errors, got:\n%s", out)
	}
	if !strings.Contains(out, "none registered") {
		t.Errorf("expected no circuit breakers registered, got:\n%s", out)
	}
}

func TestRenderIncludesErrorCountsAndBreakerState(t *testing.T) {
	tracker := errtrack.New(nil)
	for i := 0; i < 3; i++ {
		tracker.Record(model.KindNetwork, errors.New("dial failed"), nil, errtrack.SeverityError)
	}

	registry := breaker.NewRegistry()
	b := registry.Get("ohlcv", breaker.EndpointOptions())
	_ = b.Call(func() error { return errors.New("boom") })

	m := New(tracker, registry)
	out := m.Render()

	if !strings.Contains(out, string(model.KindNetwork)) {
		t.Errorf("expected network error kind in dashboard, got:\n%s", out)
	}
	if !strings.Contains(out, "ohlcv") {
		t.Errorf("expected ohlcv breaker in dashboard, got:\n%s", out)
	}
	if !strings.Contains(out, "Total errors: 3") {
		t.Errorf("expected total error count of 3, got:\n%s", out)
	}
}

func TestExportWritesFile(t *testing.T) {
	tracker := errtrack.New(nil)
	tracker.Record(model.KindStorage, errors.New("disk full"), nil, errtrack.SeverityCritical)

	m := New(tracker, breaker.NewRegistry())
	path := filepath.Join(t.TempDir(), "errors.json")
	if err := m.Export(path); err != nil {
		t.Fatalf("export: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read exported file: %v", err)
	}
	if !strings.Contains(string(data), "disk full") {
		t.Errorf("expected exported file to contain the recorded error message, got:\n%s", data)
	}
}

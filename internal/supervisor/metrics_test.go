package supervisor

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// gathered returns the metric family name from the default registry.
func gathered(t *testing.T, name string) *dto.MetricFamily {
	t.Helper()
	mfs, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() == name {
			return mf
		}
	}
	return nil
}

func counterValue(t *testing.T, name string, labels map[string]string) float64 {
	t.Helper()
	mf := gathered(t, name)
	if mf == nil {
		return 0
	}
	for _, m := range mf.GetMetric() {
		match := true
		for _, lp := range m.GetLabel() {
			if want, ok := labels[lp.GetName()]; ok && want != lp.GetValue() {
				match = false
			}
		}
		if match {
			return m.GetCounter().GetValue()
		}
	}
	return 0
}

func TestExitAndFailureCounters(t *testing.T) {
	unexpected := counterValue(t, "whisperer_server_exits_total", map[string]string{"kind": "unexpected"})
	failures := counterValue(t, "whisperer_server_spawn_failures_total", nil)

	h, err := New().Start(context.Background(), serverCfg(writeScript(t, "exit 1")))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.Wait()
	if got := counterValue(t, "whisperer_server_exits_total", map[string]string{"kind": "unexpected"}); got != unexpected+1 {
		t.Fatalf("unexpected exits = %v, want %v", got, unexpected+1)
	}
	if mf := gathered(t, "whisperer_server_up"); mf == nil || mf.GetMetric()[0].GetGauge().GetValue() != 0 {
		t.Fatalf("server_up should be 0 after exit: %v", mf)
	}

	if _, err := New().Start(context.Background(), serverCfg(filepath.Join(t.TempDir(), "missing"))); err == nil {
		t.Fatalf("expected spawn error")
	}
	if got := counterValue(t, "whisperer_server_spawn_failures_total", nil); got != failures+1 {
		t.Fatalf("spawn failures = %v, want %v", got, failures+1)
	}
}

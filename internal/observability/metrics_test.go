package observability

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
)

func TestCollectorRecordsCommandsAndFailures(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := NewControllerCollector(reg)
	if err != nil {
		t.Fatalf("NewControllerCollector: %v", err)
	}

	c.RecordCommand("ep-a", "ok")
	c.RecordCommand("ep-a", "ok")
	c.RecordCommand("ep-a", "exit")
	c.RecordApplyFailure("ep-a")

	if got := testutil.ToFloat64(c.ApplyCommands.WithLabelValues("ep-a", "ok")); got != 2 {
		t.Fatalf("netem_apply_commands_total{ok} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.ApplyCommands.WithLabelValues("ep-a", "exit")); got != 1 {
		t.Fatalf("netem_apply_commands_total{exit} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.ApplyFailures.WithLabelValues("ep-a")); got != 1 {
		t.Fatalf("netem_apply_failures_total = %v, want 1", got)
	}
}

func TestCollectorRecordsStepDispatch(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := NewControllerCollector(reg)
	if err != nil {
		t.Fatalf("NewControllerCollector: %v", err)
	}

	c.RecordStepDispatched(0.120)
	c.RecordStepDispatched(0.350)
	c.RecordTimingOverrun()

	if got := testutil.ToFloat64(c.StepsApplied); got != 2 {
		t.Fatalf("netem_steps_applied_total = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.TimingOverruns); got != 1 {
		t.Fatalf("netem_timing_overruns_total = %v, want 1", got)
	}
	if count := histogramSampleCount(t, reg, "netem_step_dispatch_seconds", nil); count != 2 {
		t.Fatalf("netem_step_dispatch_seconds sample_count = %d, want 2", count)
	}
}

func TestCollectorDoubleRegistrationReusesCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := NewControllerCollector(reg)
	if err != nil {
		t.Fatalf("first NewControllerCollector: %v", err)
	}
	second, err := NewControllerCollector(reg)
	if err != nil {
		t.Fatalf("second NewControllerCollector: %v", err)
	}

	first.RecordTimingOverrun()
	second.RecordTimingOverrun()

	if got := testutil.ToFloat64(first.TimingOverruns); got != 2 {
		t.Fatalf("shared counter = %v, want 2", got)
	}
}

func TestCollectorNilSafety(t *testing.T) {
	var c *ControllerCollector

	c.RecordCommand("ep-a", "ok")
	c.RecordApplyFailure("ep-a")
	c.RecordStepDispatched(1)
	c.RecordTimingOverrun()
	c.RecordUnreachable("ep-a")
	c.SetClassifiedInterfaces("ep-a", "wifi", 1)
	c.SetScenarioSteps(3)
}

func TestHandlerServesMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := NewControllerCollector(reg)
	if err != nil {
		t.Fatalf("NewControllerCollector: %v", err)
	}
	c.SetScenarioSteps(4)

	srv := httptest.NewServer(c.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if !strings.Contains(string(body), "netem_scenario_steps 4") {
		t.Fatalf("metrics output missing netem_scenario_steps:\n%s", body)
	}
}

func histogramSampleCount(t *testing.T, gatherer prometheus.Gatherer, name string, labels map[string]string) uint64 {
	t.Helper()

	metrics, err := gatherer.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range metrics {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.Metric {
			if matchLabels(m.GetLabel(), labels) && m.GetHistogram() != nil {
				return m.GetHistogram().GetSampleCount()
			}
		}
	}
	return 0
}

func matchLabels(got []*dto.LabelPair, want map[string]string) bool {
	if len(got) < len(want) {
		return false
	}
	matched := 0
	for _, lp := range got {
		if val, ok := want[lp.GetName()]; ok && val == lp.GetValue() {
			matched++
		}
	}
	return matched == len(want)
}

package metrics

import (
	"strings"
	"testing"
)

func TestRenderIncludesRunCounters(t *testing.T) {
	IncRunStarted()
	IncRunFinished("partial")
	IncUnitFailed()
	ObserveRunDurationMs(1200)

	out := Render()
	for _, want := range []string{
		"# TYPE runs_started_total counter",
		"runs_partial_total ",
		"units_failed_total ",
		`run_duration_ms_bucket{le="5000"}`,
		"run_duration_ms_count ",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in output:\n%s", want, out)
		}
	}
}

func TestHistogramBucketsAreCumulative(t *testing.T) {
	h := newHistogram([]float64{10, 100})
	h.Observe(5)
	h.Observe(50)
	h.Observe(500)

	snap := h.Snapshot()
	if snap.count != 3 {
		t.Fatalf("expected count 3, got %d", snap.count)
	}
	if snap.counts[0] != 1 || snap.counts[1] != 2 {
		t.Fatalf("unexpected bucket counts: %v", snap.counts)
	}
}

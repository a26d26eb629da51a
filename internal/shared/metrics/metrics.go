package metrics

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/gin-gonic/gin"
)

var (
	runsStartedTotal   atomic.Uint64
	runsCompletedTotal atomic.Uint64
	runsPartialTotal   atomic.Uint64
	runsFailedTotal    atomic.Uint64
	runsCancelledTotal atomic.Uint64

	unitsSucceededTotal atomic.Uint64
	unitsFailedTotal    atomic.Uint64

	runJobsReceivedTotal      atomic.Uint64
	runJobsCompletedTotal     atomic.Uint64
	runJobsFailedTotal        atomic.Uint64
	runJobsUnrecoverableTotal atomic.Uint64

	runDuration = newHistogram([]float64{1000, 5000, 15000, 30000, 60000, 120000, 300000, 600000, 1800000})
)

// IncRunStarted increments the started counter.
func IncRunStarted() {
	runsStartedTotal.Add(1)
}

// IncRunFinished increments the counter matching a terminal status.
func IncRunFinished(status string) {
	switch status {
	case "completed":
		runsCompletedTotal.Add(1)
	case "partial":
		runsPartialTotal.Add(1)
	case "cancelled":
		runsCancelledTotal.Add(1)
	default:
		runsFailedTotal.Add(1)
	}
}

// IncUnitSucceeded counts a unit of stage work that produced its artifact.
func IncUnitSucceeded() {
	unitsSucceededTotal.Add(1)
}

// IncUnitFailed counts a unit of stage work that failed.
func IncUnitFailed() {
	unitsFailedTotal.Add(1)
}

// IncRunJobsReceived counts queue messages received by a worker.
func IncRunJobsReceived() {
	runJobsReceivedTotal.Add(1)
}

// IncRunJobsCompleted counts queue messages processed and deleted.
func IncRunJobsCompleted() {
	runJobsCompletedTotal.Add(1)
}

// IncRunJobsFailed counts queue messages left for redelivery.
func IncRunJobsFailed() {
	runJobsFailedTotal.Add(1)
}

// IncRunJobsDeletedUnrecoverable counts queue messages dropped as unprocessable.
func IncRunJobsDeletedUnrecoverable() {
	runJobsUnrecoverableTotal.Add(1)
}

// ObserveRunDurationMs records an orchestrator invocation duration in milliseconds.
func ObserveRunDurationMs(value float64) {
	if value < 0 {
		value = 0
	}
	runDuration.Observe(value)
}

// Handler exposes metrics in Prometheus text format.
func Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Content-Type", "text/plain; version=0.0.4")
		c.String(http.StatusOK, Render())
	}
}

// Render renders metrics in Prometheus text format.
func Render() string {
	var buf bytes.Buffer
	writeCounter(&buf, "runs_started_total", "Total orchestrator invocations started", runsStartedTotal.Load())
	writeCounter(&buf, "runs_completed_total", "Total runs completed", runsCompletedTotal.Load())
	writeCounter(&buf, "runs_partial_total", "Total runs finished partial", runsPartialTotal.Load())
	writeCounter(&buf, "runs_failed_total", "Total runs failed", runsFailedTotal.Load())
	writeCounter(&buf, "runs_cancelled_total", "Total runs cancelled", runsCancelledTotal.Load())
	writeCounter(&buf, "units_succeeded_total", "Total stage units succeeded", unitsSucceededTotal.Load())
	writeCounter(&buf, "units_failed_total", "Total stage units failed", unitsFailedTotal.Load())
	writeCounter(&buf, "run_jobs_received_total", "Total run queue messages received", runJobsReceivedTotal.Load())
	writeCounter(&buf, "run_jobs_completed_total", "Total run queue messages completed", runJobsCompletedTotal.Load())
	writeCounter(&buf, "run_jobs_failed_total", "Total run queue messages left for retry", runJobsFailedTotal.Load())
	writeCounter(&buf, "run_jobs_deleted_unrecoverable_total", "Total run queue messages deleted as unrecoverable", runJobsUnrecoverableTotal.Load())
	writeHistogram(&buf, "run_duration_ms", "Orchestrator invocation duration in milliseconds", runDuration.Snapshot())
	return buf.String()
}

type histogram struct {
	mu      sync.Mutex
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

type histogramSnapshot struct {
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

func newHistogram(buckets []float64) *histogram {
	return &histogram{
		buckets: buckets,
		counts:  make([]uint64, len(buckets)),
	}
}

func (h *histogram) Observe(value float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
	h.sum += value
	for i, bound := range h.buckets {
		if value <= bound {
			h.counts[i]++
		}
	}
}

func (h *histogram) Snapshot() histogramSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := histogramSnapshot{
		buckets: append([]float64(nil), h.buckets...),
		counts:  append([]uint64(nil), h.counts...),
		sum:     h.sum,
		count:   h.count,
	}
	return out
}

func writeCounter(buf *bytes.Buffer, name, help string, value uint64) {
	fmt.Fprintf(buf, "# HELP %s %s\n", name, help)
	fmt.Fprintf(buf, "# TYPE %s counter\n", name)
	fmt.Fprintf(buf, "%s %d\n", name, value)
}

func writeHistogram(buf *bytes.Buffer, name, help string, snap histogramSnapshot) {
	fmt.Fprintf(buf, "# HELP %s %s\n", name, help)
	fmt.Fprintf(buf, "# TYPE %s histogram\n", name)
	var cumulative uint64
	for i, bound := range snap.buckets {
		cumulative += snap.counts[i]
		fmt.Fprintf(buf, "%s_bucket{le=\"%s\"} %d\n", name, formatFloat(bound), cumulative)
	}
	fmt.Fprintf(buf, "%s_bucket{le=\"+Inf\"} %d\n", name, snap.count)
	fmt.Fprintf(buf, "%s_sum %s\n", name, formatFloat(snap.sum))
	fmt.Fprintf(buf, "%s_count %d\n", name, snap.count)
}

func formatFloat(value float64) string {
	if value == float64(int64(value)) {
		return strconv.FormatInt(int64(value), 10)
	}
	return strconv.FormatFloat(value, 'f', -1, 64)
}

package pipeline

import (
	"slices"
	"sync"
	"time"
)

// HealthStatus represents the health state of a task.
type HealthStatus string

const (
	HealthStatusUnknown   HealthStatus = "UNKNOWN"
	HealthStatusHealthy   HealthStatus = "HEALTHY"
	HealthStatusDegraded  HealthStatus = "DEGRADED"
	HealthStatusUnhealthy HealthStatus = "UNHEALTHY"

	// DefaultUnhealthyThreshold is the number of consecutive failed runs
	// before a task is considered unhealthy.
	DefaultUnhealthyThreshold = 5

	// DefaultDegradedLatencyThreshold applies when no task interval is known.
	DefaultDegradedLatencyThreshold = 30 * time.Second

	latencyWindowSize = 10
)

// gaugeValue maps a status to the task_health_status gauge encoding.
func (s HealthStatus) gaugeValue() float64 {
	switch s {
	case HealthStatusHealthy, HealthStatusDegraded:
		return 1
	case HealthStatusUnhealthy:
		return 2
	}
	return 0
}

// latencyWindow keeps the last latencyWindowSize run durations.
type latencyWindow struct {
	buf  [latencyWindowSize]time.Duration
	n    int
	next int
}

func (w *latencyWindow) add(d time.Duration) {
	w.buf[w.next] = d
	w.next = (w.next + 1) % latencyWindowSize
	w.n = min(w.n+1, latencyWindowSize)
}

func (w *latencyWindow) percentile(pct int) time.Duration {
	if w.n == 0 {
		return 0
	}
	sorted := slices.Clone(w.buf[:w.n])
	slices.Sort(sorted)
	idx := max(0, min((pct*w.n-1)/100, w.n-1))
	return sorted[idx]
}

// TaskHealth tracks one scheduled task. A task is unhealthy after
// unhealthyThreshold consecutive failed runs and degraded while the P95 of
// its recent runs is above degradedAfter.
type TaskHealth struct {
	task               Task
	unhealthyThreshold int
	degradedAfter      time.Duration
	now                func() time.Time

	mu                  sync.RWMutex
	status              HealthStatus
	consecutiveFailures int
	runs, failures      int64
	lastSuccessAt       *time.Time
	lastFailureAt       *time.Time
	lastError           string
	latencies           latencyWindow
}

// HealthOption configures a TaskHealth.
type HealthOption func(*TaskHealth)

// WithDegradedLatency sets the P95 run time above which the task is
// degraded. The pipeline passes the task interval: a task whose runs outlast
// its own schedule is falling behind.
func WithDegradedLatency(d time.Duration) HealthOption {
	return func(h *TaskHealth) {
		if d > 0 {
			h.degradedAfter = d
		}
	}
}

func NewTaskHealth(task Task, unhealthyThreshold int, opts ...HealthOption) *TaskHealth {
	if unhealthyThreshold <= 0 {
		unhealthyThreshold = DefaultUnhealthyThreshold
	}
	h := &TaskHealth{
		task:               task,
		unhealthyThreshold: unhealthyThreshold,
		degradedAfter:      DefaultDegradedLatencyThreshold,
		now:                time.Now,
		status:             HealthStatusUnknown,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *TaskHealth) Status() HealthStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.status
}

func (h *TaskHealth) ConsecutiveFailures() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.consecutiveFailures
}

// RecordSuccess records a successful run and reports whether it ended an
// unhealthy streak.
func (h *TaskHealth) RecordSuccess() (recovered bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	now := h.now()
	recovered = h.status == HealthStatusUnhealthy
	h.runs++
	h.consecutiveFailures = 0
	h.lastSuccessAt = &now
	h.lastError = ""
	h.status = h.latencyStatus()
	return recovered
}

// RecordFailure records a failed run and reports whether the task became
// unhealthy on this call.
func (h *TaskHealth) RecordFailure(err error) (becameUnhealthy bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	now := h.now()
	h.runs++
	h.failures++
	h.consecutiveFailures++
	h.lastFailureAt = &now
	if err != nil {
		h.lastError = err.Error()
	}
	if h.consecutiveFailures < h.unhealthyThreshold || h.status == HealthStatusUnhealthy {
		return false
	}
	h.status = HealthStatusUnhealthy
	return true
}

// RecordLatency adds a run duration to the window. It can move a healthy
// task to degraded and back, never out of unhealthy or unknown.
func (h *TaskHealth) RecordLatency(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.latencies.add(d)
	if h.status == HealthStatusHealthy || h.status == HealthStatusDegraded {
		h.status = h.latencyStatus()
	}
}

// Caller holds mu.
func (h *TaskHealth) latencyStatus() HealthStatus {
	if h.latencies.n >= 2 && h.latencies.percentile(95) > h.degradedAfter {
		return HealthStatusDegraded
	}
	return HealthStatusHealthy
}

// Snapshot returns the current health state.
func (h *TaskHealth) Snapshot() HealthSnapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return HealthSnapshot{
		Task:                string(h.task),
		Status:              string(h.status),
		ConsecutiveFailures: h.consecutiveFailures,
		Runs:                h.runs,
		Failures:            h.failures,
		LastSuccessAt:       h.lastSuccessAt,
		LastFailureAt:       h.lastFailureAt,
		LastError:           h.lastError,
		P95Latency:          h.latencies.percentile(95).String(),
		DegradedAfter:       h.degradedAfter.String(),
	}
}

// HealthSnapshot is a point-in-time view of task health (JSON-safe).
type HealthSnapshot struct {
	Task                string     `json:"task"`
	Status              string     `json:"status"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	Runs                int64      `json:"runs"`
	Failures            int64      `json:"failures"`
	LastSuccessAt       *time.Time `json:"last_success_at,omitempty"`
	LastFailureAt       *time.Time `json:"last_failure_at,omitempty"`
	LastError           string     `json:"last_error,omitempty"`
	P95Latency          string     `json:"p95_latency"`
	DegradedAfter       string     `json:"degraded_after"`
	Breaker             string     `json:"breaker,omitempty"`
}

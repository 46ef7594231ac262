package metrics

import (
	"fmt"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
)

// Metrics holds the shadow manager's counters for Prometheus-style
// exposition via PrometheusFormat and JSON exposition via GetMetrics.
type Metrics struct {
	// IPC operation counters
	TotalGets    int64 `json:"total_gets"`
	TotalUpdates int64 `json:"total_updates"`
	TotalDeletes int64 `json:"total_deletes"`
	TotalLists   int64 `json:"total_lists"`

	// Outcome counters
	ConflictErrors int64 `json:"conflict_errors"`
	ThrottledTotal int64 `json:"throttled_total"`
	ThrottledThing int64 `json:"throttled_per_thing"`
	RejectedTotal  int64 `json:"rejected_total"`

	// Sync counters
	SyncRetries    int64 `json:"sync_retries"`
	SyncSkipped    int64 `json:"sync_skipped"`
	SyncCompleted  int64 `json:"sync_completed"`
	SyncQueueDepth int64 `json:"sync_queue_depth"`

	// System metrics
	Uptime int64 `json:"uptime_seconds"`

	// Admin surface metrics
	TotalRequests   int64   `json:"total_requests"`
	TotalErrors     int64   `json:"total_errors"`
	AvgResponseTime float64 `json:"avg_response_time_ms"`

	mu        sync.RWMutex
	startTime time.Time
}

// NewMetrics constructs an empty Metrics with its clock started.
func NewMetrics() *Metrics {
	return &Metrics{
		startTime: time.Now(),
	}
}

func (m *Metrics) IncrementGets() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.TotalGets++
}

func (m *Metrics) IncrementUpdates() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.TotalUpdates++
}

func (m *Metrics) IncrementDeletes() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.TotalDeletes++
}

func (m *Metrics) IncrementLists() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.TotalLists++
}

func (m *Metrics) IncrementConflicts() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ConflictErrors++
}

func (m *Metrics) IncrementThrottledTotal() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ThrottledTotal++
}

func (m *Metrics) IncrementThrottledPerThing() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ThrottledThing++
}

func (m *Metrics) IncrementRejected() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RejectedTotal++
}

func (m *Metrics) IncrementSyncRetries() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SyncRetries++
}

func (m *Metrics) IncrementSyncSkipped() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SyncSkipped++
}

func (m *Metrics) IncrementSyncCompleted() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SyncCompleted++
}

// SetSyncQueueDepth records the current depth of the sync request queue.
func (m *Metrics) SetSyncQueueDepth(depth int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SyncQueueDepth = int64(depth)
}

func (m *Metrics) IncrementRequests() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.TotalRequests++
}

func (m *Metrics) IncrementErrors() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.TotalErrors++
}

// RecordResponseTime folds duration into an exponential moving average.
func (m *Metrics) RecordResponseTime(duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ms := float64(duration.Milliseconds())
	if m.AvgResponseTime == 0 {
		m.AvgResponseTime = ms
	} else {
		m.AvgResponseTime = (m.AvgResponseTime * 0.9) + (ms * 0.1)
	}
}

// UpdateUptime refreshes the uptime counter; call before exposition.
func (m *Metrics) UpdateUptime() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Uptime = int64(time.Since(m.startTime).Seconds())
}

// GetMetrics returns a JSON-friendly snapshot.
func (m *Metrics) GetMetrics() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return map[string]interface{}{
		"operations": map[string]interface{}{
			"gets":    m.TotalGets,
			"updates": m.TotalUpdates,
			"deletes": m.TotalDeletes,
			"lists":   m.TotalLists,
		},
		"outcomes": map[string]interface{}{
			"conflicts":          m.ConflictErrors,
			"throttled_total":    m.ThrottledTotal,
			"throttled_per_thing": m.ThrottledThing,
			"rejected":           m.RejectedTotal,
		},
		"sync": map[string]interface{}{
			"retries":      m.SyncRetries,
			"skipped":      m.SyncSkipped,
			"completed":    m.SyncCompleted,
			"queue_depth":  m.SyncQueueDepth,
		},
		"system": map[string]interface{}{
			"uptime_seconds": m.Uptime,
		},
		"api": map[string]interface{}{
			"total_requests":       m.TotalRequests,
			"total_errors":         m.TotalErrors,
			"avg_response_time_ms": m.AvgResponseTime,
			"error_rate": func() float64 {
				if m.TotalRequests == 0 {
					return 0.0
				}
				return float64(m.TotalErrors) / float64(m.TotalRequests) * 100
			}(),
		},
	}
}

// PrometheusFormat renders the counters as Prometheus text exposition.
func (m *Metrics) PrometheusFormat() string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return `# HELP shadowmgr_gets_total Total number of GetThingShadow requests
# TYPE shadowmgr_gets_total counter
shadowmgr_gets_total ` + formatInt64(m.TotalGets) + `

# HELP shadowmgr_updates_total Total number of UpdateThingShadow requests
# TYPE shadowmgr_updates_total counter
shadowmgr_updates_total ` + formatInt64(m.TotalUpdates) + `

# HELP shadowmgr_deletes_total Total number of DeleteThingShadow requests
# TYPE shadowmgr_deletes_total counter
shadowmgr_deletes_total ` + formatInt64(m.TotalDeletes) + `

# HELP shadowmgr_lists_total Total number of ListNamedShadowsForThing requests
# TYPE shadowmgr_lists_total counter
shadowmgr_lists_total ` + formatInt64(m.TotalLists) + `

# HELP shadowmgr_conflict_errors_total Total number of version conflict errors
# TYPE shadowmgr_conflict_errors_total counter
shadowmgr_conflict_errors_total ` + formatInt64(m.ConflictErrors) + `

# HELP shadowmgr_throttled_total Total number of globally throttled requests
# TYPE shadowmgr_throttled_total counter
shadowmgr_throttled_total ` + formatInt64(m.ThrottledTotal) + `

# HELP shadowmgr_throttled_per_thing_total Total number of per-thing throttled requests
# TYPE shadowmgr_throttled_per_thing_total counter
shadowmgr_throttled_per_thing_total ` + formatInt64(m.ThrottledThing) + `

# HELP shadowmgr_sync_retries_total Total number of retried sync operations
# TYPE shadowmgr_sync_retries_total counter
shadowmgr_sync_retries_total ` + formatInt64(m.SyncRetries) + `

# HELP shadowmgr_sync_completed_total Total number of completed sync operations
# TYPE shadowmgr_sync_completed_total counter
shadowmgr_sync_completed_total ` + formatInt64(m.SyncCompleted) + `

# HELP shadowmgr_sync_queue_depth Current depth of the sync request queue
# TYPE shadowmgr_sync_queue_depth gauge
shadowmgr_sync_queue_depth ` + formatInt64(m.SyncQueueDepth) + `

# HELP shadowmgr_uptime_seconds Uptime in seconds
# TYPE shadowmgr_uptime_seconds gauge
shadowmgr_uptime_seconds ` + formatInt64(m.Uptime) + `

# HELP shadowmgr_api_requests_total Total number of admin API requests
# TYPE shadowmgr_api_requests_total counter
shadowmgr_api_requests_total ` + formatInt64(m.TotalRequests) + `

# HELP shadowmgr_api_errors_total Total number of admin API errors
# TYPE shadowmgr_api_errors_total counter
shadowmgr_api_errors_total ` + formatInt64(m.TotalErrors) + `

# HELP shadowmgr_api_response_time_ms Average admin API response time in milliseconds
# TYPE shadowmgr_api_response_time_ms gauge
shadowmgr_api_response_time_ms ` + formatFloat64(m.AvgResponseTime) + `
`
}

// MetricsMiddleware instruments the admin fiber app's request handling.
func MetricsMiddleware(m *Metrics) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()

		m.IncrementRequests()
		err := c.Next()

		m.RecordResponseTime(time.Since(start))
		if c.Response().StatusCode() >= 400 {
			m.IncrementErrors()
		}

		return err
	}
}

func formatInt64(n int64) string { return fmt.Sprintf("%d", n) }

func formatFloat64(n float64) string { return fmt.Sprintf("%.2f", n) }

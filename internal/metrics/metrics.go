// Package metrics tracks gateway-wide counters (local API traffic,
// sync engine throughput, process resource usage) and exposes them as
// both a JSON snapshot and a Prometheus text exposition.
package metrics

import (
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
)

type Metrics struct {
	TotalSyncRequests   int64
	FailedSyncRequests  int64
	RetriedSyncRequests int64

	Uptime         int64
	MemoryUsedBytes uint64
	GoroutineCount int

	TotalRequests   int64
	TotalErrors     int64
	AvgResponseTime float64

	mu        sync.RWMutex
	startTime time.Time
}

func NewMetrics() *Metrics {
	return &Metrics{startTime: time.Now()}
}

func (m *Metrics) IncrementSyncRequests() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.TotalSyncRequests++
}

func (m *Metrics) IncrementFailedSyncRequests() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.FailedSyncRequests++
}

func (m *Metrics) IncrementRetriedSyncRequests() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RetriedSyncRequests++
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

// RecordResponseTime folds a new sample into an exponential moving
// average, weighting the most recent sample at 10%.
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

func (m *Metrics) UpdateSystemMetrics() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Uptime = int64(time.Since(m.startTime).Seconds())

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	m.MemoryUsedBytes = memStats.Alloc
	m.GoroutineCount = runtime.NumGoroutine()
}

func (m *Metrics) Snapshot() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return map[string]interface{}{
		"sync": map[string]interface{}{
			"total":   m.TotalSyncRequests,
			"failed":  m.FailedSyncRequests,
			"retried": m.RetriedSyncRequests,
		},
		"system": map[string]interface{}{
			"uptime_seconds":    m.Uptime,
			"memory_used_bytes": m.MemoryUsedBytes,
			"goroutines":        m.GoroutineCount,
		},
		"local_api": map[string]interface{}{
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

func (m *Metrics) PrometheusFormat() string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return `# HELP shadowgw_sync_requests_total Total sync requests dispatched
# TYPE shadowgw_sync_requests_total counter
shadowgw_sync_requests_total ` + formatInt64(m.TotalSyncRequests) + `

# HELP shadowgw_sync_requests_failed_total Total sync requests dropped as terminal failures
# TYPE shadowgw_sync_requests_failed_total counter
shadowgw_sync_requests_failed_total ` + formatInt64(m.FailedSyncRequests) + `

# HELP shadowgw_sync_requests_retried_total Total sync request retry attempts
# TYPE shadowgw_sync_requests_retried_total counter
shadowgw_sync_requests_retried_total ` + formatInt64(m.RetriedSyncRequests) + `

# HELP shadowgw_uptime_seconds Uptime in seconds
# TYPE shadowgw_uptime_seconds gauge
shadowgw_uptime_seconds ` + formatInt64(m.Uptime) + `

# HELP shadowgw_memory_used_bytes Memory used in bytes
# TYPE shadowgw_memory_used_bytes gauge
shadowgw_memory_used_bytes ` + formatUint64(m.MemoryUsedBytes) + `

# HELP shadowgw_goroutines Number of goroutines
# TYPE shadowgw_goroutines gauge
shadowgw_goroutines ` + formatInt(m.GoroutineCount) + `

# HELP shadowgw_local_api_requests_total Total local API requests
# TYPE shadowgw_local_api_requests_total counter
shadowgw_local_api_requests_total ` + formatInt64(m.TotalRequests) + `

# HELP shadowgw_local_api_errors_total Total local API error responses
# TYPE shadowgw_local_api_errors_total counter
shadowgw_local_api_errors_total ` + formatInt64(m.TotalErrors) + `

# HELP shadowgw_local_api_response_time_ms Average local API response time in milliseconds
# TYPE shadowgw_local_api_response_time_ms gauge
shadowgw_local_api_response_time_ms ` + formatFloat64(m.AvgResponseTime) + `
`
}

// Middleware counts every local API request and its response time,
// folding 4xx/5xx responses into the error counter.
func Middleware(m *Metrics) fiber.Handler {
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

func formatInt64(n int64) string  { return fmt.Sprintf("%d", n) }
func formatUint64(n uint64) string { return fmt.Sprintf("%d", n) }
func formatInt(n int) string      { return fmt.Sprintf("%d", n) }
func formatFloat64(n float64) string { return fmt.Sprintf("%.2f", n) }

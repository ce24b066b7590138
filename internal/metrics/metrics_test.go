package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsCounters(t *testing.T) {
	m := NewMetrics()
	m.IncrementSyncRequests()
	m.IncrementSyncRequests()
	m.IncrementFailedSyncRequests()
	m.IncrementRetriedSyncRequests()

	snap := m.Snapshot()
	sync := snap["sync"].(map[string]interface{})
	assert.EqualValues(t, 2, sync["total"])
	assert.EqualValues(t, 1, sync["failed"])
	assert.EqualValues(t, 1, sync["retried"])
}

func TestRecordResponseTimeAppliesMovingAverage(t *testing.T) {
	m := NewMetrics()
	m.RecordResponseTime(100 * time.Millisecond)
	assert.Equal(t, 100.0, m.AvgResponseTime)

	m.RecordResponseTime(200 * time.Millisecond)
	assert.InDelta(t, 110.0, m.AvgResponseTime, 0.01)
}

func TestUpdateSystemMetricsPopulatesFields(t *testing.T) {
	m := NewMetrics()
	m.UpdateSystemMetrics()

	assert.GreaterOrEqual(t, m.GoroutineCount, 1)
}

func TestPrometheusFormatIncludesCounters(t *testing.T) {
	m := NewMetrics()
	m.IncrementSyncRequests()

	out := m.PrometheusFormat()
	assert.Contains(t, out, "shadowgw_sync_requests_total 1")
}

func TestMiddlewareTracksRequestsAndErrors(t *testing.T) {
	m := NewMetrics()
	app := fiber.New()
	app.Use(Middleware(m))
	app.Get("/ok", func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusOK) })
	app.Get("/fail", func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusInternalServerError) })

	req := httptest.NewRequest(http.MethodGet, "/ok", nil)
	resp, err := app.Test(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	req = httptest.NewRequest(http.MethodGet, "/fail", nil)
	resp, err = app.Test(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	snap := m.Snapshot()
	api := snap["local_api"].(map[string]interface{})
	assert.EqualValues(t, 2, api["total_requests"])
	assert.EqualValues(t, 1, api["total_errors"])
}

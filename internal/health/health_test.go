package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewChecker(t *testing.T) {
	checker := NewChecker()
	assert.NotNil(t, checker)
	assert.Empty(t, checker.checks)
}

func TestCheckerRegisterAndRun(t *testing.T) {
	checker := NewChecker()
	checker.RegisterCheck("healthy", func(ctx context.Context) (Status, string) { return StatusHealthy, "ok" }, time.Minute)
	checker.RegisterCheck("degraded", func(ctx context.Context) (Status, string) { return StatusDegraded, "slow" }, time.Minute)
	checker.RegisterCheck("unhealthy", func(ctx context.Context) (Status, string) { return StatusUnhealthy, "down" }, time.Minute)

	results := checker.RunChecks(context.Background())
	require.Len(t, results, 3)
	assert.Equal(t, StatusHealthy, results["healthy"].Status)
	assert.Equal(t, StatusUnhealthy, results["unhealthy"].Status)

	assert.Equal(t, StatusUnhealthy, checker.OverallStatus())
}

func TestCheckerOverallStatusPrefersWorstResult(t *testing.T) {
	checker := NewChecker()
	checker.RegisterCheck("a", func(ctx context.Context) (Status, string) { return StatusHealthy, "ok" }, time.Minute)
	checker.RegisterCheck("b", func(ctx context.Context) (Status, string) { return StatusDegraded, "meh" }, time.Minute)
	checker.RunChecks(context.Background())

	assert.Equal(t, StatusDegraded, checker.OverallStatus())
}

func TestCheckerSnapshot(t *testing.T) {
	checker := NewChecker()
	checker.RegisterCheck("store", func(ctx context.Context) (Status, string) { return StatusHealthy, "reachable" }, time.Minute)
	checker.RunChecks(context.Background())

	snap := checker.Snapshot()
	assert.Equal(t, StatusHealthy, snap["status"])
	assert.NotNil(t, snap["checks"])
}

func TestCheckerConcurrentAccess(t *testing.T) {
	checker := NewChecker()
	checker.RegisterCheck("concurrent", func(ctx context.Context) (Status, string) { return StatusHealthy, "ok" }, time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() { defer wg.Done(); checker.RunChecks(context.Background()) }()
		go func() { defer wg.Done(); checker.Snapshot() }()
	}
	wg.Wait()
}

func TestStoreHealthCheck(t *testing.T) {
	ok := StoreHealthCheck(func(ctx context.Context) error { return nil })
	status, msg := ok(context.Background())
	assert.Equal(t, StatusHealthy, status)
	assert.Contains(t, msg, "reachable")

	failing := StoreHealthCheck(func(ctx context.Context) error { return errors.New("disk full") })
	status, msg = failing(context.Background())
	assert.Equal(t, StatusUnhealthy, status)
	assert.Contains(t, msg, "disk full")
}

func TestCloudConnectionHealthCheck(t *testing.T) {
	connected := CloudConnectionHealthCheck(func() bool { return true })
	status, _ := connected(context.Background())
	assert.Equal(t, StatusHealthy, status)

	disconnected := CloudConnectionHealthCheck(func() bool { return false })
	status, msg := disconnected(context.Background())
	assert.Equal(t, StatusDegraded, status)
	assert.Contains(t, msg, "offline")
}

func TestGoroutineHealthCheck(t *testing.T) {
	healthy := GoroutineHealthCheck(func() int { return 50 }, 1000)
	status, _ := healthy(context.Background())
	assert.Equal(t, StatusHealthy, status)

	degraded := GoroutineHealthCheck(func() int { return 1500 }, 1000)
	status, msg := degraded(context.Background())
	assert.Equal(t, StatusDegraded, status)
	assert.Contains(t, msg, "1500")
}

func TestCheckerStartPeriodicChecks(t *testing.T) {
	checker := NewChecker()
	var count int
	var mu sync.Mutex
	checker.RegisterCheck("periodic", func(ctx context.Context) (Status, string) {
		mu.Lock()
		count++
		mu.Unlock()
		return StatusHealthy, "ok"
	}, 50*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	checker.StartPeriodicChecks(ctx)
	time.Sleep(200 * time.Millisecond)
	cancel()
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.GreaterOrEqual(t, count, 2)
}

package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAllowRespectsBurst(t *testing.T) {
	now := time.Unix(0, 0)
	clock := func() time.Time { return now }
	l := NewWithClock(Config{
		MaxLocalRequestsPerThingPerSec: 1,
		BurstPerThing:                  2,
		MaxTotalLocalRequestRate:       100,
		TotalBurst:                     100,
	}, clock)

	assert.True(t, l.Allow("thing-1"))
	assert.True(t, l.Allow("thing-1"))
	assert.False(t, l.Allow("thing-1"))
}

func TestAllowRefillsOverTime(t *testing.T) {
	now := time.Unix(0, 0)
	clock := func() time.Time { return now }
	l := NewWithClock(Config{
		MaxLocalRequestsPerThingPerSec: 1,
		BurstPerThing:                  1,
		MaxTotalLocalRequestRate:       100,
		TotalBurst:                     100,
	}, clock)

	assert.True(t, l.Allow("thing-1"))
	assert.False(t, l.Allow("thing-1"))

	now = now.Add(1100 * time.Millisecond)
	assert.True(t, l.Allow("thing-1"))
}

func TestAggregateLimitAppliesAcrossThings(t *testing.T) {
	now := time.Unix(0, 0)
	clock := func() time.Time { return now }
	l := NewWithClock(Config{
		MaxLocalRequestsPerThingPerSec: 100,
		BurstPerThing:                  100,
		MaxTotalLocalRequestRate:       1,
		TotalBurst:                     1,
	}, clock)

	assert.True(t, l.Allow("thing-a"))
	assert.False(t, l.Allow("thing-b"))
}

func TestReconfigureRescalesProportionally(t *testing.T) {
	now := time.Unix(0, 0)
	clock := func() time.Time { return now }
	l := NewWithClock(Config{
		MaxLocalRequestsPerThingPerSec: 1,
		BurstPerThing:                  10,
		MaxTotalLocalRequestRate:       100,
		TotalBurst:                     100,
	}, clock)

	assert.True(t, l.Allow("thing-1"))

	l.Reconfigure(Config{
		MaxLocalRequestsPerThingPerSec: 1,
		BurstPerThing:                  20,
		MaxTotalLocalRequestRate:       100,
		TotalBurst:                     100,
	})

	for i := 0; i < 15; i++ {
		assert.True(t, l.Allow("thing-1"))
	}
}

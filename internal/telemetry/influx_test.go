package telemetry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestNewReporterFailsFastOnUnreachableServer(t *testing.T) {
	_, err := NewReporter(Config{
		URL: "http://127.0.0.1:1", Token: "test-token", Org: "edge", Bucket: "shadowgw",
	}, zap.NewNop())
	assert.Error(t, err)
}

package cloudclient

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/edgeflow/shadowgw/internal/pubsub"
)

func TestSplitOpSuffixMatchesUpdateDelta(t *testing.T) {
	op, suffix, ok := splitOpSuffix("$aws/things/thing-1/shadow/update/delta")
	assert.True(t, ok)
	assert.Equal(t, pubsub.OpUpdate, op)
	assert.Equal(t, pubsub.SuffixDelta, suffix)
}

func TestSplitOpSuffixMatchesNamedShadowDeleteAccepted(t *testing.T) {
	op, suffix, ok := splitOpSuffix("$aws/things/thing-1/shadow/name/config/delete/accepted")
	assert.True(t, ok)
	assert.Equal(t, pubsub.OpDelete, op)
	assert.Equal(t, pubsub.SuffixAccepted, suffix)
}

func TestSplitOpSuffixRejectsUnknownSuffix(t *testing.T) {
	_, _, ok := splitOpSuffix("$aws/things/thing-1/shadow/update/unknown")
	assert.False(t, ok)
}

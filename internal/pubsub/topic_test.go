package pubsub

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuildTopicClassicShadow(t *testing.T) {
	assert.Equal(t, "things/thing-1/shadow/update/accepted", BuildTopic("thing-1", "", OpUpdate, SuffixAccepted))
}

func TestBuildTopicNamedShadow(t *testing.T) {
	assert.Equal(t, "things/thing-1/shadow/name/config/update/delta", BuildTopic("thing-1", "config", OpUpdate, SuffixDelta))
}

func TestAWSTopicHasPrefix(t *testing.T) {
	assert.Equal(t, "$aws/things/thing-1/shadow/get/accepted", AWSTopic("thing-1", "", OpGet, SuffixAccepted))
}

func TestParseTopicClassicShadow(t *testing.T) {
	thing, name, ok := ParseTopic("$aws/things/thing-1/shadow/update/accepted")
	assert.True(t, ok)
	assert.Equal(t, "thing-1", thing)
	assert.Equal(t, "", name)
}

func TestParseTopicNamedShadow(t *testing.T) {
	thing, name, ok := ParseTopic("$aws/things/thing-1/shadow/name/config/update/accepted")
	assert.True(t, ok)
	assert.Equal(t, "thing-1", thing)
	assert.Equal(t, "config", name)
}

func TestParseTopicRejectsMalformed(t *testing.T) {
	_, _, ok := ParseTopic("not/a/shadow/topic")
	assert.False(t, ok)
}

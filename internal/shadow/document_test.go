package shadow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergePatchDeletesNullLeaves(t *testing.T) {
	dst := map[string]interface{}{"color": "red", "brightness": float64(80)}
	patch := map[string]interface{}{"color": nil}

	got := MergePatch(dst, patch)

	assert.NotContains(t, got, "color")
	assert.Equal(t, float64(80), got["brightness"])
}

func TestMergePatchPrunesEmptyParent(t *testing.T) {
	dst := map[string]interface{}{
		"wifi": map[string]interface{}{"ssid": "home"},
	}
	patch := map[string]interface{}{
		"wifi": map[string]interface{}{"ssid": nil},
	}

	got := MergePatch(dst, patch)

	assert.NotContains(t, got, "wifi")
}

func TestDeltaFindsDivergentLeaves(t *testing.T) {
	desired := map[string]interface{}{"power": "ON", "color": map[string]interface{}{"r": float64(1)}}
	reported := map[string]interface{}{"power": "OFF", "color": map[string]interface{}{"r": float64(1)}}

	d := Delta(desired, reported)

	require.NotNil(t, d)
	assert.Equal(t, "ON", d["power"])
	assert.NotContains(t, d, "color")
}

func TestDeltaEmptyWhenInSync(t *testing.T) {
	desired := map[string]interface{}{"power": "ON"}
	reported := map[string]interface{}{"power": "ON"}

	assert.Nil(t, Delta(desired, reported))
}

func TestParsePatchRejectsOversizedPayload(t *testing.T) {
	limits := Limits{MaxDocumentBytes: 8, MaxStateDepth: 6}

	_, err := ParsePatch([]byte(`{"a":"too long for 8 bytes"}`), limits)

	require.Error(t, err)
}

func TestParsePatchRejectsExcessiveDepth(t *testing.T) {
	limits := Limits{MaxDocumentBytes: 4096, MaxStateDepth: 2}

	_, err := ParsePatch([]byte(`{"a":{"b":{"c":1}}}`), limits)

	require.Error(t, err)
}

func TestTouchMetadataStampsLeaves(t *testing.T) {
	now := time.Unix(1000, 0)
	meta := TouchMetadata(nil, map[string]interface{}{"power": "ON"}, now)

	leaf, ok := meta["power"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, int64(1000), leaf["timestamp"])
}

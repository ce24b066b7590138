package syncengine

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/edgeflow/shadowgw/internal/shadow"
)

func TestReconcileDesiredConflictCloudWins(t *testing.T) {
	ancestor := shadow.State{Desired: map[string]interface{}{"power": "OFF"}}
	local := shadow.State{Desired: map[string]interface{}{"power": "ON"}}
	cloud := shadow.State{Desired: map[string]interface{}{"power": "STANDBY"}}

	merged := reconcile(ancestor, local, cloud)

	assert.Equal(t, "STANDBY", merged.Desired["power"])
}

func TestReconcileReportedConflictLocalWins(t *testing.T) {
	ancestor := shadow.State{Reported: map[string]interface{}{"temp": float64(20)}}
	local := shadow.State{Reported: map[string]interface{}{"temp": float64(25)}}
	cloud := shadow.State{Reported: map[string]interface{}{"temp": float64(30)}}

	merged := reconcile(ancestor, local, cloud)

	assert.Equal(t, float64(25), merged.Reported["temp"])
}

func TestReconcileNonConflictingChangesBothSurvive(t *testing.T) {
	ancestor := shadow.State{Desired: map[string]interface{}{}}
	local := shadow.State{Desired: map[string]interface{}{"brightness": float64(80)}}
	cloud := shadow.State{Desired: map[string]interface{}{"color": "red"}}

	merged := reconcile(ancestor, local, cloud)

	assert.Equal(t, float64(80), merged.Desired["brightness"])
	assert.Equal(t, "red", merged.Desired["color"])
}

func TestReconcileComputesDelta(t *testing.T) {
	ancestor := shadow.State{}
	local := shadow.State{Reported: map[string]interface{}{"power": "OFF"}}
	cloud := shadow.State{Desired: map[string]interface{}{"power": "ON"}}

	merged := reconcile(ancestor, local, cloud)

	assert.Equal(t, "ON", merged.Delta["power"])
}

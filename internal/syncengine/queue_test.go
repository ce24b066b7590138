package syncengine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPushCoalescesSameTypeUpdates(t *testing.T) {
	q := &keyQueue{}
	q.push(NewRequest(LocalUpdate, "thing-1", "", []byte(`{"a":1}`)))
	q.push(NewRequest(LocalUpdate, "thing-1", "", []byte(`{"b":2}`)))

	req, ok := q.pop()
	require.True(t, ok)
	assert.Contains(t, string(req.Payload), `"a":1`)
	assert.Contains(t, string(req.Payload), `"b":2`)

	_, ok = q.pop()
	assert.False(t, ok)
}

func TestPushDoesNotCoalesceDifferentTypes(t *testing.T) {
	q := &keyQueue{}
	q.push(NewRequest(LocalUpdate, "thing-1", "", []byte(`{}`)))
	q.push(NewRequest(CloudUpdate, "thing-1", "", []byte(`{}`)))

	assert.Len(t, q.pending, 2)
}

func TestPushReplacesFullSyncWithLatest(t *testing.T) {
	q := &keyQueue{}
	q.push(NewRequest(FullSync, "thing-1", "", nil))
	second := NewRequest(FullSync, "thing-1", "", nil)
	q.push(second)

	assert.Len(t, q.pending, 1)
	assert.Equal(t, second.ID, q.pending[0].ID)
}

func TestPopReturnsFIFOOrder(t *testing.T) {
	q := &keyQueue{}
	q.push(NewRequest(LocalUpdate, "thing-1", "", []byte(`{}`)))
	q.push(NewRequest(LocalDelete, "thing-1", "", nil))

	first, _ := q.pop()
	assert.Equal(t, LocalUpdate, first.Type)
	second, _ := q.pop()
	assert.Equal(t, LocalDelete, second.Type)
}

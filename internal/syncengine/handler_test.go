package syncengine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/edgeflow/shadowgw/internal/apperr"
	"github.com/edgeflow/shadowgw/internal/pubsub"
	"github.com/edgeflow/shadowgw/internal/store"
)

type fakeDataPlane struct {
	mu      sync.Mutex
	updates int
	err     error
	getErr  error
	getDoc  []byte
}

func (f *fakeDataPlane) Get(ctx context.Context, thing, shadowName string) ([]byte, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	if f.getDoc != nil {
		return f.getDoc, nil
	}
	return []byte(`{"version":1,"state":{}}`), nil
}

func (f *fakeDataPlane) Update(ctx context.Context, thing, shadowName string, patch []byte) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates++
	if f.err != nil {
		return nil, f.err
	}
	return patch, nil
}

func (f *fakeDataPlane) Delete(ctx context.Context, thing, shadowName string) error { return nil }

type fakeMutator struct {
	mu      sync.Mutex
	updates [][]byte
}

func (f *fakeMutator) ApplyLocalUpdate(ctx context.Context, thing, shadowName string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, payload)
	return nil
}

func (f *fakeMutator) ApplyLocalDelete(ctx context.Context, thing, shadowName string, version uint64) error {
	return nil
}

func newTestHandler(t *testing.T, dp *fakeDataPlane, mut *fakeMutator) (*Handler, store.LocalStore) {
	t.Helper()
	st, err := store.New(store.Config{Driver: store.DriverSQLite, DSN: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	hub := pubsub.NewHub(zap.NewNop())
	return NewHandler(st, dp, mut, hub, zap.NewNop(), 2), st
}

func TestCloudUpdateCallsDataPlane(t *testing.T) {
	dp := &fakeDataPlane{}
	mut := &fakeMutator{}
	h, st := newTestHandler(t, dp, mut)

	require.NoError(t, st.PutDocument(context.Background(), &store.StoredDocument{
		Thing: "thing-1", Version: 1, Document: []byte(`{"version":1,"state":{"reported":{"x":1}}}`),
	}))

	require.NoError(t, h.Enqueue(NewRequest(CloudUpdate, "thing-1", "", []byte(`{"state":{"reported":{"x":1}}}`))))

	require.Eventually(t, func() bool {
		dp.mu.Lock()
		defer dp.mu.Unlock()
		return dp.updates == 1
	}, time.Second, 10*time.Millisecond)
}

func TestDirectionGatingDropsCloudRequestsWhenCloudOnly(t *testing.T) {
	dp := &fakeDataPlane{}
	mut := &fakeMutator{}
	h, st := newTestHandler(t, dp, mut)
	h.SetDirection("thing-1", "", DirectionCloudOnly)

	require.NoError(t, st.PutDocument(context.Background(), &store.StoredDocument{
		Thing: "thing-1", Version: 1, Document: []byte(`{"version":1,"state":{"reported":{"x":1}}}`),
	}))

	require.NoError(t, h.Enqueue(NewRequest(CloudUpdate, "thing-1", "", []byte(`{}`))))

	time.Sleep(100 * time.Millisecond)
	dp.mu.Lock()
	defer dp.mu.Unlock()
	assert.Equal(t, 0, dp.updates)
}

func TestVersionConflictTriggersFullSync(t *testing.T) {
	dp := &fakeDataPlane{err: apperr.ErrVersionConflict("stale version")}
	mut := &fakeMutator{}
	h, st := newTestHandler(t, dp, mut)

	require.NoError(t, st.PutDocument(context.Background(), &store.StoredDocument{
		Thing: "thing-1", Version: 1, Document: []byte(`{"version":1,"state":{"reported":{"x":1}}}`),
	}))

	require.NoError(t, h.Enqueue(NewRequest(CloudUpdate, "thing-1", "", []byte(`{}`))))

	require.Eventually(t, func() bool {
		mut.mu.Lock()
		defer mut.mu.Unlock()
		return len(mut.updates) >= 1
	}, 2*time.Second, 10*time.Millisecond, "expected FullSync to apply a local update")
}

func TestCloudUpdateSkipsPostWhenAlreadySynced(t *testing.T) {
	dp := &fakeDataPlane{}
	mut := &fakeMutator{}
	h, st := newTestHandler(t, dp, mut)

	doc := []byte(`{"version":1,"state":{"reported":{"x":1}}}`)
	require.NoError(t, st.PutDocument(context.Background(), &store.StoredDocument{
		Thing: "thing-1", Version: 1, Document: doc,
	}))
	require.NoError(t, st.PutSyncInfo(context.Background(), &store.SyncInfo{
		Thing: "thing-1", LastSyncedDocument: doc, LastSyncedVersion: 1,
	}))

	require.NoError(t, h.Enqueue(NewRequest(CloudUpdate, "thing-1", "", nil)))

	time.Sleep(100 * time.Millisecond)
	dp.mu.Lock()
	defer dp.mu.Unlock()
	assert.Equal(t, 0, dp.updates)
}

func TestCloudUpdateDropsWhenLocalShadowAbsent(t *testing.T) {
	dp := &fakeDataPlane{}
	mut := &fakeMutator{}
	h, _ := newTestHandler(t, dp, mut)

	require.NoError(t, h.Enqueue(NewRequest(CloudUpdate, "unknown-thing", "", []byte(`{}`))))

	time.Sleep(100 * time.Millisecond)
	dp.mu.Lock()
	defer dp.mu.Unlock()
	assert.Equal(t, 0, dp.updates)
}

func TestFullSyncWritesCloudOnlyDocumentLocally(t *testing.T) {
	dp := &fakeDataPlane{getDoc: []byte(`{"version":3,"state":{"reported":{"y":2}}}`)}
	mut := &fakeMutator{}
	h, _ := newTestHandler(t, dp, mut)

	require.NoError(t, h.Enqueue(NewRequest(FullSync, "thing-2", "", nil)))

	require.Eventually(t, func() bool {
		mut.mu.Lock()
		defer mut.mu.Unlock()
		return len(mut.updates) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestFullSyncIsNoopWhenBothSidesAbsent(t *testing.T) {
	dp := &fakeDataPlane{getErr: apperr.ErrResourceNotFound("no cloud shadow")}
	mut := &fakeMutator{}
	h, _ := newTestHandler(t, dp, mut)

	require.NoError(t, h.Enqueue(NewRequest(FullSync, "thing-3", "", nil)))

	time.Sleep(100 * time.Millisecond)
	mut.mu.Lock()
	defer mut.mu.Unlock()
	assert.Empty(t, mut.updates)
}

func TestDirectionAllowsMatrix(t *testing.T) {
	assert.True(t, directionAllows(DirectionBoth, CloudUpdate))
	assert.True(t, directionAllows(DirectionBoth, LocalUpdate))
	assert.False(t, directionAllows(DirectionDeviceOnly, LocalUpdate))
	assert.True(t, directionAllows(DirectionDeviceOnly, CloudUpdate))
	assert.False(t, directionAllows(DirectionCloudOnly, CloudUpdate))
	assert.True(t, directionAllows(DirectionCloudOnly, LocalUpdate))
}

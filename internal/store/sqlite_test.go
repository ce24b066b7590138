package store

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) LocalStore {
	t.Helper()
	f, err := os.CreateTemp("", "shadowgw-test-*.db")
	require.NoError(t, err)
	f.Close()
	t.Cleanup(func() { os.Remove(f.Name()) })

	s, err := New(Config{Driver: DriverSQLite, DSN: f.Name()})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutAndGetDocumentRoundTrips(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	doc := &StoredDocument{Thing: "thing-1", ShadowName: "", Version: 1, Document: []byte(`{"state":{}}`), UpdatedAt: 100}
	require.NoError(t, s.PutDocument(ctx, doc))

	got, err := s.GetDocument(ctx, "thing-1", "")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), got.Version)
	assert.Equal(t, `{"state":{}}`, string(got.Document))
}

func TestGetDocumentNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetDocument(context.Background(), "missing-thing", "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPutDocumentUpserts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutDocument(ctx, &StoredDocument{Thing: "thing-1", Version: 1, Document: []byte(`{"v":1}`), UpdatedAt: 1}))
	require.NoError(t, s.PutDocument(ctx, &StoredDocument{Thing: "thing-1", Version: 2, Document: []byte(`{"v":2}`), UpdatedAt: 2}))

	got, err := s.GetDocument(ctx, "thing-1", "")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), got.Version)
}

func TestDeleteDocumentMarksDeleted(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.PutDocument(ctx, &StoredDocument{Thing: "thing-1", Version: 1, Document: []byte(`{}`), UpdatedAt: 1}))

	require.NoError(t, s.DeleteDocument(ctx, "thing-1", "", 2))

	got, err := s.GetDocument(ctx, "thing-1", "")
	require.NoError(t, err)
	assert.True(t, got.Deleted)
	assert.Equal(t, uint64(2), got.Version)
}

func TestDeleteDocumentNotFound(t *testing.T) {
	s := newTestStore(t)
	err := s.DeleteDocument(context.Background(), "missing", "", 1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListShadowNamesPaginates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for _, name := range []string{"alpha", "beta", "gamma"} {
		require.NoError(t, s.PutDocument(ctx, &StoredDocument{Thing: "thing-1", ShadowName: name, Version: 1, Document: []byte(`{}`), UpdatedAt: 1}))
	}

	names, total, err := s.ListShadowNames(ctx, "thing-1", 0, 2)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Equal(t, []string{"alpha", "beta"}, names)
}

func TestSyncInfoRoundTrips(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	info := &SyncInfo{Thing: "thing-1", LastSyncedVersion: 5, LastSyncedDocument: []byte(`{"v":5}`), CloudVersion: 5, SyncDirection: "betweenDeviceAndCloud"}
	require.NoError(t, s.PutSyncInfo(ctx, info))

	got, err := s.GetSyncInfo(ctx, "thing-1", "")
	require.NoError(t, err)
	assert.Equal(t, uint64(5), got.LastSyncedVersion)
	assert.Equal(t, "betweenDeviceAndCloud", got.SyncDirection)
}

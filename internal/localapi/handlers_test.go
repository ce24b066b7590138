package localapi

import (
	"context"
	"strings"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/edgeflow/shadowgw/internal/lock"
	"github.com/edgeflow/shadowgw/internal/pubsub"
	"github.com/edgeflow/shadowgw/internal/ratelimit"
	"github.com/edgeflow/shadowgw/internal/store"
)

type fakeEnqueuer struct {
	requests []SyncRequest
}

func (f *fakeEnqueuer) Enqueue(r SyncRequest) error {
	f.requests = append(f.requests, r)
	return nil
}

func testToken(t *testing.T, secret []byte, resourcePerm string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":         "caller-1",
		"permissions": []interface{}{resourcePerm},
	})
	s, err := tok.SignedString(secret)
	require.NoError(t, err)
	return s
}

func newTestHandlers(t *testing.T) (*Handlers, *fakeEnqueuer) {
	t.Helper()
	st, err := store.New(store.Config{Driver: store.DriverSQLite, DSN: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	secret := []byte("test-secret")
	limiter := ratelimit.New(ratelimit.Config{MaxLocalRequestsPerThingPerSec: 100, BurstPerThing: 100, MaxTotalLocalRequestRate: 1000, TotalBurst: 1000})
	hub := pubsub.NewHub(zap.NewNop())
	enq := &fakeEnqueuer{}

	h := NewHandlers(st, lock.New(), limiter, NewJWTAuthorizer(secret), hub, enq, zap.NewNop())
	return h, enq
}

func TestUpdateThenGetRoundTrips(t *testing.T) {
	h, enq := newTestHandlers(t)
	token := testToken(t, []byte("test-secret"), "*")

	doc, err := h.UpdateThingShadow(context.Background(), token, "thing-1", "", []byte(`{"state":{"reported":{"power":"ON"}}}`))
	require.NoError(t, err)
	assert.Equal(t, "ON", doc.State.Reported["power"])
	assert.Len(t, enq.requests, 1)
	assert.Equal(t, "CloudUpdate", enq.requests[0].Type)

	got, err := h.GetThingShadow(context.Background(), token, "thing-1", "")
	require.NoError(t, err)
	assert.Equal(t, "ON", got.State.Reported["power"])
}

func TestUpdateRejectsMismatchedVersion(t *testing.T) {
	h, _ := newTestHandlers(t)
	token := testToken(t, []byte("test-secret"), "*")

	_, err := h.UpdateThingShadow(context.Background(), token, "thing-1", "", []byte(`{"state":{"reported":{"x":1}}}`))
	require.NoError(t, err)

	_, err = h.UpdateThingShadow(context.Background(), token, "thing-1", "", []byte(`{"version":5,"state":{"reported":{"y":2}}}`))
	require.Error(t, err)

	got, err := h.GetThingShadow(context.Background(), token, "thing-1", "")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), got.Version)
	assert.Nil(t, got.State.Reported["y"])
}

func TestUpdateAcceptsExplicitNextVersion(t *testing.T) {
	h, _ := newTestHandlers(t)
	token := testToken(t, []byte("test-secret"), "*")

	_, err := h.UpdateThingShadow(context.Background(), token, "thing-1", "", []byte(`{"state":{"reported":{"x":1}}}`))
	require.NoError(t, err)

	doc, err := h.UpdateThingShadow(context.Background(), token, "thing-1", "", []byte(`{"version":2,"state":{"reported":{"y":2}}}`))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), doc.Version)
}

func TestUpdateEmitsDeltaAndDocumentsEvents(t *testing.T) {
	h, _ := newTestHandlers(t)
	token := testToken(t, []byte("test-secret"), "*")

	recv, unsubscribe := h.hub.Subscribe("test-sub", "")
	defer unsubscribe()

	_, err := h.UpdateThingShadow(context.Background(), token, "thing-1", "", []byte(`{"state":{"desired":{"power":"ON"},"reported":{"power":"OFF"}}}`))
	require.NoError(t, err)

	var sawAccepted, sawDelta, sawDocuments bool
	for i := 0; i < 3; i++ {
		msg := <-recv
		switch {
		case strings.HasSuffix(msg.Topic, string(pubsub.SuffixAccepted)):
			sawAccepted = true
		case strings.HasSuffix(msg.Topic, string(pubsub.SuffixDelta)):
			sawDelta = true
		case strings.HasSuffix(msg.Topic, string(pubsub.SuffixDocuments)):
			sawDocuments = true
		}
	}
	assert.True(t, sawAccepted, "expected an accepted publish")
	assert.True(t, sawDelta, "expected a delta publish since desired != reported")
	assert.True(t, sawDocuments, "expected a documents publish")
}

func TestGetUnknownThingReturnsNotFound(t *testing.T) {
	h, _ := newTestHandlers(t)
	token := testToken(t, []byte("test-secret"), "*")

	_, err := h.GetThingShadow(context.Background(), token, "unknown-thing", "")
	assert.Error(t, err)
}

func TestUpdateRejectsUnauthorizedToken(t *testing.T) {
	h, _ := newTestHandlers(t)
	token := testToken(t, []byte("wrong-secret"), "*")

	_, err := h.UpdateThingShadow(context.Background(), token, "thing-1", "", []byte(`{}`))
	assert.Error(t, err)
}

func TestDeleteEnqueuesCloudDelete(t *testing.T) {
	h, enq := newTestHandlers(t)
	token := testToken(t, []byte("test-secret"), "*")

	_, err := h.UpdateThingShadow(context.Background(), token, "thing-1", "", []byte(`{"state":{"reported":{"x":1}}}`))
	require.NoError(t, err)

	err = h.DeleteThingShadow(context.Background(), token, "thing-1", "", 0)
	require.NoError(t, err)

	assert.Equal(t, "CloudDelete", enq.requests[len(enq.requests)-1].Type)
}

func TestListNamedShadowsPaginatesWithToken(t *testing.T) {
	h, _ := newTestHandlers(t)
	token := testToken(t, []byte("test-secret"), "*")

	for _, name := range []string{"a", "b", "c"} {
		_, err := h.UpdateThingShadow(context.Background(), token, "thing-1", name, []byte(`{}`))
		require.NoError(t, err)
	}

	names, next, err := h.ListNamedShadowsForThing(context.Background(), token, "thing-1", 2, "")
	require.NoError(t, err)
	assert.Len(t, names, 2)
	require.NotEmpty(t, next)

	rest, next2, err := h.ListNamedShadowsForThing(context.Background(), token, "thing-1", 2, next)
	require.NoError(t, err)
	assert.Len(t, rest, 1)
	assert.Empty(t, next2)
}

func TestListRejectsReplayedToken(t *testing.T) {
	h, _ := newTestHandlers(t)
	token := testToken(t, []byte("test-secret"), "*")
	for _, name := range []string{"a", "b", "c"} {
		_, err := h.UpdateThingShadow(context.Background(), token, "thing-1", name, []byte(`{}`))
		require.NoError(t, err)
	}

	_, next, err := h.ListNamedShadowsForThing(context.Background(), token, "thing-1", 1, "")
	require.NoError(t, err)
	require.NotEmpty(t, next)

	_, _, err = h.ListNamedShadowsForThing(context.Background(), token, "thing-1", 1, next)
	require.NoError(t, err)

	_, _, err = h.ListNamedShadowsForThing(context.Background(), token, "thing-1", 1, next)
	assert.Error(t, err)
}

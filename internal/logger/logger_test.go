package logger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/edgeflow/shadowgw/internal/pubsub"
)

func TestInitPublishesLogEntriesToHub(t *testing.T) {
	hub := pubsub.NewHub(zap.NewNop())
	ch, unsub := hub.Subscribe("sub-1", "logs/")
	defer unsub()

	cfg := DefaultConfig()
	cfg.LogDir = ""
	require.NoError(t, Init(cfg, hub))

	Get().Info("hello world", zap.String("thing", "thing-1"))

	select {
	case msg := <-ch:
		require.Contains(t, string(msg.Payload), "hello world")
	case <-time.After(time.Second):
		t.Fatal("expected a log message on the hub")
	}
}

func TestWithShadowAddsFields(t *testing.T) {
	require.NoError(t, Init(DefaultConfig(), nil))
	l := WithShadow("thing-1", "config")
	require.NotNil(t, l)
}

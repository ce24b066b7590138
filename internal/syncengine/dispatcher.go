package syncengine

import (
	"go.uber.org/zap"

	"github.com/edgeflow/shadowgw/internal/cloudclient"
	"github.com/edgeflow/shadowgw/internal/pubsub"
)

// HandleCloudMessage implements cloudclient.Dispatcher: an inbound
// MQTT publish on an update/accepted or delete/accepted topic means
// the cloud's document changed without this gateway's involvement
// (another client updated it directly), so it is folded in as a
// CloudUpdate/CloudDelete sync request.
func (h *Handler) HandleCloudMessage(msg cloudclient.InboundMessage) {
	switch msg.Suffix {
	case pubsub.SuffixAccepted:
		switch msg.Op {
		case pubsub.OpUpdate:
			_ = h.Enqueue(NewRequest(CloudUpdate, msg.Thing, msg.ShadowName, msg.Payload))
		case pubsub.OpDelete:
			_ = h.Enqueue(NewRequest(CloudDelete, msg.Thing, msg.ShadowName, nil))
		}
	case pubsub.SuffixRejected:
		h.logger.Warn("cloud rejected shadow request", zap.String("thing", msg.Thing), zap.String("shadow", msg.ShadowName))
	}
}

// HandleReconnect implements cloudclient.Dispatcher: after a broker
// reconnect, the gateway cannot know what it missed while
// disconnected, so every tracked key gets a FullSync.
func (h *Handler) HandleReconnect() {
	h.mu.Lock()
	keys := make([]string, 0, len(h.queues))
	for k := range h.queues {
		keys = append(keys, k)
	}
	h.mu.Unlock()

	for _, k := range keys {
		thing, shadowName := splitKey(k)
		_ = h.Enqueue(NewRequest(FullSync, thing, shadowName, nil))
	}
}

func splitKey(key string) (thing, shadowName string) {
	for i := 0; i < len(key); i++ {
		if key[i] == 0 {
			return key[:i], key[i+1:]
		}
	}
	return key, ""
}

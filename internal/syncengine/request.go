// Package syncengine implements the sync request taxonomy, per-key
// FIFO queues, worker pool, direction gating, and the FullSync
// reconciliation merge.
package syncengine

import (
	"time"

	"github.com/google/uuid"
)

// RequestType names one of the seven sync request kinds.
type RequestType string

const (
	LocalUpdate    RequestType = "LocalUpdate"
	LocalDelete    RequestType = "LocalDelete"
	CloudUpdate    RequestType = "CloudUpdate"
	CloudDelete    RequestType = "CloudDelete"
	FullSync       RequestType = "FullSync"
	OverwriteCloud RequestType = "OverwriteCloud"
	OverwriteLocal RequestType = "OverwriteLocal"
)

// Request is one unit of sync work, always scoped to a single
// (thing, shadowName) key.
type Request struct {
	ID          string
	Type        RequestType
	Thing       string
	ShadowName  string
	Payload     []byte // JSON merge-patch for *Update requests
	Version     uint64 // expected version for *Delete requests
	EnqueuedAt  time.Time
	attempts    int
	nextAttempt time.Time
}

func NewRequest(reqType RequestType, thing, shadowName string, payload []byte) Request {
	return Request{
		ID:         uuid.NewString(),
		Type:       reqType,
		Thing:      thing,
		ShadowName: shadowName,
		Payload:    payload,
		EnqueuedAt: time.Now(),
	}
}

func (r Request) key() string {
	if r.ShadowName == "" {
		return r.Thing
	}
	return r.Thing + "\x00" + r.ShadowName
}

// Enqueuer is implemented by the Handler and consumed by local
// request handlers and the cloud client's inbound dispatcher.
type Enqueuer interface {
	Enqueue(req Request) error
}

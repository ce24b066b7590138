package localapi

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/edgeflow/shadowgw/internal/apperr"
	"github.com/edgeflow/shadowgw/internal/lock"
	"github.com/edgeflow/shadowgw/internal/pagination"
	"github.com/edgeflow/shadowgw/internal/pubsub"
	"github.com/edgeflow/shadowgw/internal/ratelimit"
	"github.com/edgeflow/shadowgw/internal/shadow"
	"github.com/edgeflow/shadowgw/internal/store"
)

// Enqueuer is the subset of syncengine.Handler the local API needs;
// declared locally to avoid an import of syncengine (which itself
// depends on localapi's LocalMutator implementation).
type Enqueuer interface {
	Enqueue(request SyncRequest) error
}

// SyncRequest mirrors syncengine.Request's shape without importing the
// package, broken out so localapi and syncengine can depend on each
// other's interfaces without a cycle.
type SyncRequest struct {
	Type       string
	Thing      string
	ShadowName string
	Payload    []byte
	Version    uint64
}

// Handlers implements the four local shadow operations and
// syncengine.LocalMutator.
type Handlers struct {
	store     store.LocalStore
	locks     *lock.KeyedMutex
	limiter   *ratelimit.Limiter
	authz     Authorizer
	hub       *pubsub.Hub
	enqueuer  Enqueuer
	logger    *zap.Logger
	limits    shadow.Limits
	replay    *pagination.ReplayGuard
}

// SetEnqueuer attaches the sync engine enqueuer after construction,
// used when the enqueuer itself depends on the LocalMutator these
// handlers implement (an unavoidable init-order cycle resolved by
// wiring the pointer in two steps).
func (h *Handlers) SetEnqueuer(enqueuer Enqueuer) {
	h.enqueuer = enqueuer
}

func NewHandlers(st store.LocalStore, locks *lock.KeyedMutex, limiter *ratelimit.Limiter, authz Authorizer, hub *pubsub.Hub, enqueuer Enqueuer, logger *zap.Logger) *Handlers {
	return &Handlers{
		store: st, locks: locks, limiter: limiter, authz: authz, hub: hub, enqueuer: enqueuer, logger: logger,
		limits: shadow.DefaultLimits(),
		replay: pagination.NewReplayGuard(nil, 5*time.Minute),
	}
}

// UpdateThingShadow applies a JSON merge-patch to the desired or
// reported leaf of a shadow and enqueues a CloudUpdate sync request.
func (h *Handlers) UpdateThingShadow(ctx context.Context, token, thing, shadowName string, patch []byte) (*shadow.Document, error) {
	if !h.limiter.Allow(thing) {
		return nil, apperr.ErrThrottled("local request rate exceeded")
	}
	callerID, err := h.authz.Authorize(token, thing, shadowName, "update")
	if err != nil {
		return nil, err
	}
	if thing == "" {
		return nil, apperr.ErrInvalidArguments("thing is required")
	}

	delta, err := shadow.ParsePatch(patch, h.limits)
	if err != nil {
		return nil, err
	}
	clientToken, _ := delta["clientToken"].(string)

	key := lock.Key(thing, shadowName)
	var result, previous *shadow.Document
	var applyErr error

	h.locks.WithLock(key, func() {
		result, previous, applyErr = h.applyPatchLocked(ctx, thing, shadowName, delta)
	})
	if applyErr != nil {
		if ae, ok := applyErr.(*apperr.Error); ok {
			ae.ClientToken = clientToken
		}
		h.publishRejected(thing, shadowName, pubsub.OpUpdate, applyErr, clientToken)
		return nil, applyErr
	}

	h.publishUpdateOutcome(thing, shadowName, result, previous, clientToken)

	raw, _ := json.Marshal(result)
	_ = h.enqueuer.Enqueue(SyncRequest{Type: "CloudUpdate", Thing: thing, ShadowName: shadowName, Payload: raw})

	h.logger.Debug("local shadow updated", zap.String("thing", thing), zap.String("caller", callerID))
	return result, nil
}

// applyPatchLocked reads the current document, enforces the version
// rule, merges the desired/reported leaves nested under "state", and
// persists the result. It returns both the new document and a copy of
// the document as it stood before the merge, for the documents publish.
func (h *Handlers) applyPatchLocked(ctx context.Context, thing, shadowName string, patch map[string]interface{}) (current, previous *shadow.Document, err error) {
	stored, err := h.store.GetDocument(ctx, thing, shadowName)
	if err != nil && err != store.ErrNotFound {
		return nil, nil, apperr.ErrServiceUnavailable(err)
	}

	var doc shadow.Document
	if stored != nil {
		if err := json.Unmarshal(stored.Document, &doc); err != nil {
			return nil, nil, apperr.ErrInvalidPayload(err.Error())
		}
	}
	doc.Thing, doc.ShadowName = thing, shadowName

	prevRaw, err := json.Marshal(doc)
	if err != nil {
		return nil, nil, apperr.ErrInvalidPayload(err.Error())
	}
	var previousDoc shadow.Document
	if err := json.Unmarshal(prevRaw, &previousDoc); err != nil {
		return nil, nil, apperr.ErrInvalidPayload(err.Error())
	}

	expectedVersion, hasVersion, err := extractVersion(patch)
	if err != nil {
		return nil, nil, err
	}
	if hasVersion && expectedVersion != doc.Version+1 {
		return nil, nil, apperr.ErrVersionConflict(fmt.Sprintf("expected version %d, got %d", doc.Version+1, expectedVersion))
	}

	state, _ := patch["state"].(map[string]interface{})
	if desiredPatch, ok := state["desired"].(map[string]interface{}); ok {
		doc.State.Desired = shadow.MergePatch(doc.State.Desired, desiredPatch)
	}
	if reportedPatch, ok := state["reported"].(map[string]interface{}); ok {
		doc.State.Reported = shadow.MergePatch(doc.State.Reported, reportedPatch)
	}
	doc.State.Delta = shadow.Delta(doc.State.Desired, doc.State.Reported)
	doc.Version++
	doc.Timestamp = time.Now().Unix()

	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, nil, apperr.ErrInvalidPayload(err.Error())
	}

	if err := h.store.PutDocument(ctx, &store.StoredDocument{
		Thing: thing, ShadowName: shadowName, Version: doc.Version, Document: raw, UpdatedAt: doc.Timestamp,
	}); err != nil {
		return nil, nil, apperr.ErrServiceUnavailable(err)
	}

	return &doc, &previousDoc, nil
}

// extractVersion reads the optional top-level "version" field of an
// update payload. Absent means auto-assign to current+1; present means
// it must match exactly or the update is a version conflict.
func extractVersion(patch map[string]interface{}) (uint64, bool, error) {
	raw, ok := patch["version"]
	if !ok || raw == nil {
		return 0, false, nil
	}
	num, ok := raw.(json.Number)
	if !ok {
		return 0, false, apperr.ErrInvalidArguments("version must be a number")
	}
	v, err := num.Int64()
	if err != nil || v < 0 {
		return 0, false, apperr.ErrInvalidArguments("version must be a non-negative integer")
	}
	return uint64(v), true, nil
}

// GetThingShadow returns the current persisted shadow document.
func (h *Handlers) GetThingShadow(ctx context.Context, token, thing, shadowName string) (*shadow.Document, error) {
	if !h.limiter.Allow(thing) {
		return nil, apperr.ErrThrottled("local request rate exceeded")
	}
	if _, err := h.authz.Authorize(token, thing, shadowName, "get"); err != nil {
		return nil, err
	}

	stored, err := h.store.GetDocument(ctx, thing, shadowName)
	if err == store.ErrNotFound || (stored != nil && stored.Deleted) {
		return nil, apperr.ErrResourceNotFound("no shadow for " + thing)
	}
	if err != nil {
		return nil, apperr.ErrServiceUnavailable(err)
	}

	var doc shadow.Document
	if err := json.Unmarshal(stored.Document, &doc); err != nil {
		return nil, apperr.ErrInvalidPayload(err.Error())
	}
	return &doc, nil
}

// DeleteThingShadow removes a shadow document and enqueues a
// CloudDelete sync request.
func (h *Handlers) DeleteThingShadow(ctx context.Context, token, thing, shadowName string, expectedVersion uint64) error {
	if !h.limiter.Allow(thing) {
		return apperr.ErrThrottled("local request rate exceeded")
	}
	if _, err := h.authz.Authorize(token, thing, shadowName, "delete"); err != nil {
		return err
	}

	key := lock.Key(thing, shadowName)
	var opErr error
	h.locks.WithLock(key, func() {
		stored, err := h.store.GetDocument(ctx, thing, shadowName)
		if err == store.ErrNotFound {
			opErr = apperr.ErrResourceNotFound("no shadow for " + thing)
			return
		}
		if err != nil {
			opErr = apperr.ErrServiceUnavailable(err)
			return
		}
		if expectedVersion != 0 && stored.Version != expectedVersion {
			opErr = apperr.ErrVersionConflict("version mismatch on delete")
			return
		}
		opErr = h.store.DeleteDocument(ctx, thing, shadowName, stored.Version+1)
	})
	if opErr != nil {
		return opErr
	}

	h.publish(thing, shadowName, pubsub.OpDelete, pubsub.SuffixAccepted, nil)
	return h.enqueuer.Enqueue(SyncRequest{Type: "CloudDelete", Thing: thing, ShadowName: shadowName})
}

// ListNamedShadowsForThing returns a page of named shadows for thing,
// bound to callerID by the pagination token so a token can't be
// replayed against a different caller or thing.
func (h *Handlers) ListNamedShadowsForThing(ctx context.Context, token, thing string, pageSize uint32, pageToken string) ([]string, string, error) {
	callerID, err := h.authz.Authorize(token, thing, "", "list")
	if err != nil {
		return nil, "", err
	}

	var cursor pagination.Cursor
	if pageToken != "" {
		cursor, err = pagination.Decode(pageToken, callerID, thing)
		if err != nil {
			return nil, "", apperr.ErrInvalidArguments("invalid page token")
		}
		if !h.replay.Consume(pageToken) {
			return nil, "", apperr.ErrInvalidArguments("page token already used")
		}
	}
	if pageSize == 0 {
		pageSize = 25
	}

	names, total, err := h.store.ListShadowNames(ctx, thing, int(cursor.Offset), int(pageSize))
	if err != nil {
		return nil, "", apperr.ErrServiceUnavailable(err)
	}

	nextOffset := cursor.Offset + uint32(len(names))
	if int(nextOffset) >= total {
		return names, "", nil
	}

	nextToken, err := pagination.Encode(callerID, thing, pagination.Cursor{Offset: nextOffset, PageSize: pageSize}, pagination.FormatRandomIV)
	if err != nil {
		return nil, "", apperr.ErrServiceUnavailable(err)
	}
	return names, nextToken, nil
}

func (h *Handlers) publish(thing, shadowName string, op pubsub.Operation, suffix pubsub.Suffix, payload []byte) {
	h.hub.Publish(pubsub.Message{
		Topic:     pubsub.BuildTopic(thing, shadowName, op, suffix),
		Timestamp: time.Now(),
		Payload:   payload,
	})
}

// acceptedPayload is the wire shape of an update's accepted publish:
// the document fields inlined, plus the client's echoed token.
type acceptedPayload struct {
	*shadow.Document
	ClientToken string `json:"clientToken,omitempty"`
}

// deltaPayload is the wire shape of the delta publish, emitted only
// when the merged document's delta is non-empty.
type deltaPayload struct {
	State       map[string]interface{} `json:"state"`
	Timestamp   int64                   `json:"timestamp"`
	ClientToken string                  `json:"clientToken,omitempty"`
}

// documentsPayload is the wire shape of the documents publish: the
// document as it stood before and after the merge.
type documentsPayload struct {
	Previous    *shadow.Document `json:"previous"`
	Current     *shadow.Document `json:"current"`
	Timestamp   int64            `json:"timestamp"`
	ClientToken string           `json:"clientToken,omitempty"`
}

// rejectedPayload is the wire shape of a rejected publish: the error
// code and message, echoing the client's token when present.
type rejectedPayload struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	Timestamp   int64  `json:"timestamp"`
	ClientToken string `json:"clientToken,omitempty"`
}

// publishUpdateOutcome emits accepted, delta (when non-empty), and
// documents for a successful update, per the local publish fan-out.
func (h *Handlers) publishUpdateOutcome(thing, shadowName string, current, previous *shadow.Document, clientToken string) {
	acceptedRaw, _ := json.Marshal(acceptedPayload{Document: current, ClientToken: clientToken})
	h.publish(thing, shadowName, pubsub.OpUpdate, pubsub.SuffixAccepted, acceptedRaw)

	if len(current.State.Delta) > 0 {
		deltaRaw, _ := json.Marshal(deltaPayload{State: current.State.Delta, Timestamp: current.Timestamp, ClientToken: clientToken})
		h.publish(thing, shadowName, pubsub.OpUpdate, pubsub.SuffixDelta, deltaRaw)
	}

	docsRaw, _ := json.Marshal(documentsPayload{Previous: previous, Current: current, Timestamp: current.Timestamp, ClientToken: clientToken})
	h.publish(thing, shadowName, pubsub.OpUpdate, pubsub.SuffixDocuments, docsRaw)
}

// publishRejected emits the error message with code and text on the
// rejected topic, echoing the client's token when present.
func (h *Handlers) publishRejected(thing, shadowName string, op pubsub.Operation, err error, clientToken string) {
	code, msg := "SERVICE_ERROR", err.Error()
	if ae, ok := err.(*apperr.Error); ok {
		code, msg = ae.Code, ae.Message
	}
	raw, _ := json.Marshal(rejectedPayload{Code: code, Message: msg, Timestamp: time.Now().Unix(), ClientToken: clientToken})
	h.publish(thing, shadowName, op, pubsub.SuffixRejected, raw)
}

// ApplyLocalUpdate implements syncengine.LocalMutator: it overwrites
// the local document wholesale, used by the sync handler's LocalUpdate,
// FullSync and OverwriteLocal requests.
func (h *Handlers) ApplyLocalUpdate(ctx context.Context, thing, shadowName string, payload []byte) error {
	key := lock.Key(thing, shadowName)
	var opErr error
	h.locks.WithLock(key, func() {
		var doc shadow.Document
		if err := json.Unmarshal(payload, &doc); err != nil {
			opErr = apperr.ErrInvalidPayload(err.Error())
			return
		}
		doc.Thing, doc.ShadowName = thing, shadowName
		raw, err := json.Marshal(doc)
		if err != nil {
			opErr = apperr.ErrInvalidPayload(err.Error())
			return
		}
		opErr = h.store.PutDocument(ctx, &store.StoredDocument{
			Thing: thing, ShadowName: shadowName, Version: doc.Version, Document: raw, UpdatedAt: time.Now().Unix(),
		})
	})
	if opErr != nil {
		return opErr
	}
	h.publish(thing, shadowName, pubsub.OpUpdate, pubsub.SuffixDocuments, payload)
	return nil
}

// ApplyLocalDelete implements syncengine.LocalMutator.
func (h *Handlers) ApplyLocalDelete(ctx context.Context, thing, shadowName string, version uint64) error {
	key := lock.Key(thing, shadowName)
	var opErr error
	h.locks.WithLock(key, func() {
		opErr = h.store.DeleteDocument(ctx, thing, shadowName, version)
	})
	return opErr
}

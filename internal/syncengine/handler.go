package syncengine

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/edgeflow/shadowgw/internal/apperr"
	"github.com/edgeflow/shadowgw/internal/dataplane"
	"github.com/edgeflow/shadowgw/internal/pubsub"
	"github.com/edgeflow/shadowgw/internal/shadow"
	"github.com/edgeflow/shadowgw/internal/store"
)

// Direction gates which sync requests the handler will actually
// execute for a given key.
type Direction string

const (
	DirectionBoth       Direction = "betweenDeviceAndCloud"
	DirectionDeviceOnly Direction = "deviceToCloud"
	DirectionCloudOnly  Direction = "cloudToDevice"
)

// LocalMutator is implemented by the local API handlers, consumed here
// to apply cloud-originated changes without a package cycle.
type LocalMutator interface {
	ApplyLocalUpdate(ctx context.Context, thing, shadowName string, payload []byte) error
	ApplyLocalDelete(ctx context.Context, thing, shadowName string, version uint64) error
}

// RetryPolicy is the exponential backoff curve for transient upstream
// errors: 1s initial, factor 2, capped at 60s, retried indefinitely.
type RetryPolicy struct {
	Initial time.Duration
	Factor  float64
	Cap     time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Initial: time.Second, Factor: 2, Cap: 60 * time.Second}
}

func (p RetryPolicy) backoff(attempt int) time.Duration {
	d := p.Initial
	for i := 0; i < attempt; i++ {
		d = time.Duration(float64(d) * p.Factor)
		if d > p.Cap {
			return p.Cap
		}
	}
	return d
}

// Handler drives the sync request taxonomy: per-key FIFO queues, a
// bounded worker pool, direction gating, and FullSync reconciliation.
type Handler struct {
	store      store.LocalStore
	dataPlane  dataplane.ShadowDataPlane
	mutator    LocalMutator
	hub        *pubsub.Hub
	logger     *zap.Logger
	retry      RetryPolicy
	limits     shadow.Limits

	mu         sync.Mutex
	queues     map[string]*keyQueue
	directions map[string]Direction

	ready chan string // key names with pending work, consumed by workers

	telemetry TelemetryReporter
	metrics   MetricsSink
}

// MetricsSink is the subset of metrics.Metrics the sync engine needs,
// declared locally so syncengine never imports the metrics package.
type MetricsSink interface {
	IncrementSyncRequests()
	IncrementFailedSyncRequests()
	IncrementRetriedSyncRequests()
}

// SetMetrics attaches a counters sink; nil (the default) disables
// counting entirely.
func (h *Handler) SetMetrics(m MetricsSink) {
	h.metrics = m
}

// TelemetryReporter is the subset of telemetry.Reporter the sync
// engine needs, declared locally so syncengine never imports the
// telemetry package directly.
type TelemetryReporter interface {
	RecordQueueDepth(thing, shadowName string, depth int)
	RecordRetry(thing, shadowName string, attempt int, kind string)
	RecordDispatchLatency(thing, shadowName string, latency time.Duration, requestType string)
}

// SetTelemetry attaches a metrics reporter; nil (the default) disables
// metric emission entirely.
func (h *Handler) SetTelemetry(t TelemetryReporter) {
	h.telemetry = t
}

func NewHandler(st store.LocalStore, dp dataplane.ShadowDataPlane, mutator LocalMutator, hub *pubsub.Hub, logger *zap.Logger, workerPoolSize int) *Handler {
	h := &Handler{
		store:      st,
		dataPlane:  dp,
		mutator:    mutator,
		hub:        hub,
		logger:     logger,
		retry:      DefaultRetryPolicy(),
		limits:     shadow.DefaultLimits(),
		queues:     make(map[string]*keyQueue),
		directions: make(map[string]Direction),
		ready:      make(chan string, 1024),
	}
	for i := 0; i < workerPoolSize; i++ {
		go h.worker()
	}
	return h
}

func (h *Handler) SetDirection(thing, shadowName string, dir Direction) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.directions[keyOf(thing, shadowName)] = dir
}

func (h *Handler) direction(key string) Direction {
	h.mu.Lock()
	defer h.mu.Unlock()
	if d, ok := h.directions[key]; ok {
		return d
	}
	return DirectionBoth
}

func keyOf(thing, shadowName string) string {
	if shadowName == "" {
		return thing
	}
	return thing + "\x00" + shadowName
}

// Enqueue implements Enqueuer.
func (h *Handler) Enqueue(req Request) error {
	key := req.key()

	h.mu.Lock()
	q, ok := h.queues[key]
	if !ok {
		q = &keyQueue{}
		h.queues[key] = q
	}
	h.mu.Unlock()

	q.push(req)
	h.schedule(key, q)
	return nil
}

func (h *Handler) schedule(key string, q *keyQueue) {
	h.mu.Lock()
	alreadyActive := q.active
	if !alreadyActive {
		q.active = true
	}
	h.mu.Unlock()

	if !alreadyActive {
		h.ready <- key
	}
}

func (h *Handler) worker() {
	for key := range h.ready {
		h.mu.Lock()
		q := h.queues[key]
		h.mu.Unlock()
		h.drain(key, q)
	}
}

func (h *Handler) drain(key string, q *keyQueue) {
	for {
		req, ok := q.pop()
		if !ok {
			h.mu.Lock()
			q.active = false
			h.mu.Unlock()
			return
		}
		if h.telemetry != nil {
			h.telemetry.RecordQueueDepth(req.Thing, req.ShadowName, q.len())
		}
		h.execute(req)
	}
}

func (h *Handler) execute(req Request) {
	dir := h.direction(req.key())
	if !directionAllows(dir, req.Type) {
		h.logger.Debug("dropping sync request, direction gated", zap.String("type", string(req.Type)), zap.String("thing", req.Thing))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if h.metrics != nil {
		h.metrics.IncrementSyncRequests()
	}

	start := time.Now()
	defer func() {
		if h.telemetry != nil {
			h.telemetry.RecordDispatchLatency(req.Thing, req.ShadowName, time.Since(start), string(req.Type))
		}
	}()

	var err error
	switch req.Type {
	case CloudUpdate:
		err = h.executeCloudUpdate(ctx, req)
	case CloudDelete:
		err = h.executeCloudDelete(ctx, req)
	case LocalUpdate:
		err = h.mutator.ApplyLocalUpdate(ctx, req.Thing, req.ShadowName, req.Payload)
	case LocalDelete:
		err = h.mutator.ApplyLocalDelete(ctx, req.Thing, req.ShadowName, req.Version)
	case FullSync:
		err = h.executeFullSync(ctx, req)
	case OverwriteCloud:
		err = h.executeOverwriteCloud(ctx, req)
	case OverwriteLocal:
		err = h.executeOverwriteLocal(ctx, req)
	}

	if err == nil {
		return
	}

	h.handleExecutionError(req, err)
}

func directionAllows(dir Direction, t RequestType) bool {
	switch dir {
	case DirectionDeviceOnly:
		return t != LocalUpdate && t != LocalDelete
	case DirectionCloudOnly:
		return t != CloudUpdate && t != CloudDelete
	default:
		return true
	}
}

func (h *Handler) handleExecutionError(req Request, err error) {
	var c apperr.Classifier
	if !apperr.As(err, &c) {
		h.logger.Error("sync request failed with unclassified error", zap.String("type", string(req.Type)), zap.Error(err))
		return
	}

	switch c.ErrKind() {
	case apperr.KindConcurrency:
		h.logger.Warn("version conflict, triggering full sync", zap.String("thing", req.Thing), zap.String("shadow", req.ShadowName))
		_ = h.Enqueue(NewRequest(FullSync, req.Thing, req.ShadowName, nil))
	case apperr.KindRate, apperr.KindTransientUpstream:
		req.attempts++
		delay := h.retry.backoff(req.attempts - 1)
		if h.telemetry != nil {
			h.telemetry.RecordRetry(req.Thing, req.ShadowName, req.attempts, string(c.ErrKind()))
		}
		if h.metrics != nil {
			h.metrics.IncrementRetriedSyncRequests()
		}
		h.logger.Warn("retryable sync failure, backing off", zap.String("type", string(req.Type)), zap.Duration("delay", delay), zap.Error(err))
		time.AfterFunc(delay, func() { _ = h.Enqueue(req) })
	case apperr.KindTerminalUpstream:
		if h.metrics != nil {
			h.metrics.IncrementFailedSyncRequests()
		}
		h.logger.Error("terminal upstream error, dropping sync request", zap.String("type", string(req.Type)), zap.Error(err))
	default:
		if h.metrics != nil {
			h.metrics.IncrementFailedSyncRequests()
		}
		h.logger.Error("sync request failed", zap.String("type", string(req.Type)), zap.Error(err))
	}
}

func (h *Handler) executeCloudUpdate(ctx context.Context, req Request) error {
	localDoc, err := h.store.GetDocument(ctx, req.Thing, req.ShadowName)
	if err != nil {
		if err == store.ErrNotFound {
			h.logger.Debug("dropping cloud update, local shadow absent", zap.String("thing", req.Thing), zap.String("shadow", req.ShadowName))
			return nil
		}
		return err
	}

	info, err := h.store.GetSyncInfo(ctx, req.Thing, req.ShadowName)
	if err != nil && err != store.ErrNotFound {
		return err
	}
	if info != nil && info.LastSyncedDocument != nil && bytes.Equal(info.LastSyncedDocument, localDoc.Document) {
		info.LastSyncedVersion = localDoc.Version
		return h.store.PutSyncInfo(ctx, info)
	}

	resp, err := h.dataPlane.Update(ctx, req.Thing, req.ShadowName, localDoc.Document)
	if err != nil {
		return err
	}
	h.publishAccepted(req.Thing, req.ShadowName, pubsub.OpUpdate, resp)
	return h.recordSyncedDocument(ctx, req.Thing, req.ShadowName, localDoc.Version, resp)
}

func (h *Handler) executeCloudDelete(ctx context.Context, req Request) error {
	if err := h.dataPlane.Delete(ctx, req.Thing, req.ShadowName); err != nil {
		return err
	}
	h.hub.Publish(pubsub.Message{Topic: pubsub.BuildTopic(req.Thing, req.ShadowName, pubsub.OpDelete, pubsub.SuffixAccepted), Timestamp: time.Now()})
	return nil
}

func (h *Handler) publishAccepted(thing, shadowName string, op pubsub.Operation, payload []byte) {
	h.hub.Publish(pubsub.Message{
		Topic:     pubsub.BuildTopic(thing, shadowName, op, pubsub.SuffixAccepted),
		Timestamp: time.Now(),
		Payload:   json.RawMessage(payload),
	})
}

// recordSyncedDocument stamps sync info after a successful sync step:
// localVersion becomes the new lastSyncedVersion, doc becomes the new
// three-way-merge ancestor, and cloudVersion is read from doc when it
// carries one (the cloud's own document always does).
func (h *Handler) recordSyncedDocument(ctx context.Context, thing, shadowName string, localVersion uint64, doc []byte) error {
	info, err := h.store.GetSyncInfo(ctx, thing, shadowName)
	if err != nil && err != store.ErrNotFound {
		return err
	}
	if info == nil {
		info = &store.SyncInfo{Thing: thing, ShadowName: shadowName, SyncDirection: string(DirectionBoth)}
	}
	info.LastSyncedDocument = doc
	info.LastSyncedVersion = localVersion
	var synced shadow.Document
	if err := json.Unmarshal(doc, &synced); err == nil && synced.Version > 0 {
		info.CloudVersion = synced.Version
	}
	return h.store.PutSyncInfo(ctx, info)
}

func (h *Handler) executeOverwriteCloud(ctx context.Context, req Request) error {
	doc, err := h.store.GetDocument(ctx, req.Thing, req.ShadowName)
	if err != nil {
		return err
	}
	resp, err := h.dataPlane.Update(ctx, req.Thing, req.ShadowName, doc.Document)
	if err != nil {
		return err
	}
	return h.recordSyncedDocument(ctx, req.Thing, req.ShadowName, doc.Version, resp)
}

func (h *Handler) executeOverwriteLocal(ctx context.Context, req Request) error {
	doc, err := h.dataPlane.Get(ctx, req.Thing, req.ShadowName)
	if err != nil {
		return err
	}
	if err := h.mutator.ApplyLocalUpdate(ctx, req.Thing, req.ShadowName, doc); err != nil {
		return err
	}
	var cloudDoc shadow.Document
	_ = json.Unmarshal(doc, &cloudDoc)
	return h.recordSyncedDocument(ctx, req.Thing, req.ShadowName, cloudDoc.Version, doc)
}

// executeFullSync is the reconciliation path: it four-way-cases on
// whether the local and cloud documents are present and, when both
// are, on whether this is the shadow's first sync and which side (if
// either) changed since the last synced ancestor.
func (h *Handler) executeFullSync(ctx context.Context, req Request) error {
	localStored, err := h.store.GetDocument(ctx, req.Thing, req.ShadowName)
	if err != nil && err != store.ErrNotFound {
		return err
	}
	localPresent := localStored != nil && !localStored.Deleted

	cloudRaw, err := h.dataPlane.Get(ctx, req.Thing, req.ShadowName)
	cloudPresent := err == nil
	if err != nil && !isNotFound(err) {
		return err
	}

	info, err := h.store.GetSyncInfo(ctx, req.Thing, req.ShadowName)
	if err != nil && err != store.ErrNotFound {
		return err
	}
	firstSync := info == nil

	var local, cloud, ancestor shadow.Document
	if localPresent {
		if err := json.Unmarshal(localStored.Document, &local); err != nil {
			return apperr.ErrInvalidPayload(err.Error())
		}
	}
	if cloudPresent {
		if err := json.Unmarshal(cloudRaw, &cloud); err != nil {
			return apperr.ErrInvalidPayload(err.Error())
		}
	}
	if info != nil && info.LastSyncedDocument != nil {
		_ = json.Unmarshal(info.LastSyncedDocument, &ancestor)
	}

	switch {
	case !localPresent && !cloudPresent:
		return nil
	case cloudPresent && !localPresent:
		return h.writeCloudLocally(ctx, req, cloud)
	case localPresent && !cloudPresent:
		return h.pushLocalToCloud(ctx, req, localStored)
	}

	if firstSync {
		return h.mergeAndWriteBoth(ctx, req, shadow.State{}, local, cloud)
	}

	localChanged := !statesEqual(ancestor.State, local.State)
	cloudChanged := !statesEqual(ancestor.State, cloud.State)
	switch {
	case !localChanged && !cloudChanged:
		return nil
	case localChanged && !cloudChanged:
		return h.pushLocalToCloud(ctx, req, localStored)
	case cloudChanged && !localChanged:
		return h.writeCloudLocally(ctx, req, cloud)
	default:
		return h.mergeAndWriteBoth(ctx, req, ancestor.State, local, cloud)
	}
}

// pushLocalToCloud handles FullSync's "local only" and "local changed"
// branches: the local document becomes authoritative on the cloud.
func (h *Handler) pushLocalToCloud(ctx context.Context, req Request, localStored *store.StoredDocument) error {
	resp, err := h.dataPlane.Update(ctx, req.Thing, req.ShadowName, localStored.Document)
	if err != nil {
		return err
	}
	h.publishAccepted(req.Thing, req.ShadowName, pubsub.OpUpdate, resp)
	return h.recordSyncedDocument(ctx, req.Thing, req.ShadowName, localStored.Version, resp)
}

// writeCloudLocally handles FullSync's "cloud only" and "cloud
// changed" branches: the cloud document is written locally, bypassing
// patch-merge semantics entirely.
func (h *Handler) writeCloudLocally(ctx context.Context, req Request, cloud shadow.Document) error {
	cloud.Thing, cloud.ShadowName = req.Thing, req.ShadowName
	raw, err := json.Marshal(cloud)
	if err != nil {
		return apperr.ErrInvalidPayload(err.Error())
	}
	if err := h.mutator.ApplyLocalUpdate(ctx, req.Thing, req.ShadowName, raw); err != nil {
		return err
	}
	return h.recordSyncedDocument(ctx, req.Thing, req.ShadowName, cloud.Version, raw)
}

// mergeAndWriteBoth handles FullSync's first-sync two-way merge and
// the "both changed" three-way merge: the reconciled document is
// written to both local store and cloud.
func (h *Handler) mergeAndWriteBoth(ctx context.Context, req Request, ancestor shadow.State, local, cloud shadow.Document) error {
	merged := reconcile(ancestor, local.State, cloud.State)

	nextVersion := local.Version + 1
	if cloud.Version+1 > nextVersion {
		nextVersion = cloud.Version + 1
	}
	out := shadow.Document{
		Thing: req.Thing, ShadowName: req.ShadowName,
		Version: nextVersion, Timestamp: time.Now().Unix(),
		State: merged,
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return apperr.ErrInvalidPayload(err.Error())
	}

	if err := h.mutator.ApplyLocalUpdate(ctx, req.Thing, req.ShadowName, raw); err != nil {
		return err
	}
	if _, err := h.dataPlane.Update(ctx, req.Thing, req.ShadowName, raw); err != nil {
		return err
	}
	h.publishAccepted(req.Thing, req.ShadowName, pubsub.OpUpdate, raw)
	return h.recordSyncedDocument(ctx, req.Thing, req.ShadowName, out.Version, raw)
}

// isNotFound reports whether err is the data plane's resource-not-found
// classification, used by FullSync to treat a missing cloud document
// as cloudAbsent rather than propagating an error.
func isNotFound(err error) bool {
	var c apperr.Classifier
	if !apperr.As(err, &c) {
		return false
	}
	return c.ErrKind() == apperr.KindResource
}

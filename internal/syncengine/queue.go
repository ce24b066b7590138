package syncengine

import (
	"encoding/json"
	"sync"

	"github.com/edgeflow/shadowgw/internal/shadow"
)

// keyQueue is the FIFO queue of pending requests for one shadow key,
// with merge/coalescing rules applied on push.
type keyQueue struct {
	mu      sync.Mutex
	pending []Request
	active  bool // a worker is currently draining this queue
}

// push appends req, applying the coalescing rules: a newly queued
// *Update merges into an already-queued, not-yet-started *Update of
// the same type (so a burst of rapid local writes collapses into one
// sync instead of one per write); a FullSync/Overwrite* request
// replaces any queued requests of the same type rather than stacking.
func (q *keyQueue) push(req Request) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, existing := range q.pending {
		if existing.Type != req.Type {
			continue
		}
		switch req.Type {
		case LocalUpdate, CloudUpdate:
			merged := existing
			merged.Payload = mergePayload(existing.Payload, req.Payload)
			merged.EnqueuedAt = req.EnqueuedAt
			q.pending[i] = merged
			return
		case FullSync, OverwriteCloud, OverwriteLocal:
			q.pending[i] = req
			return
		}
	}
	q.pending = append(q.pending, req)
}

func mergePayload(a, b []byte) []byte {
	limits := shadow.DefaultLimits()
	pa, err := shadow.ParsePatch(a, limits)
	if err != nil {
		return b
	}
	pb, err := shadow.ParsePatch(b, limits)
	if err != nil {
		return b
	}
	merged := shadow.MergePatch(pa, pb)
	out, err := json.Marshal(merged)
	if err != nil {
		return b
	}
	return out
}

// pop removes and returns the oldest request, or ok=false if empty.
func (q *keyQueue) pop() (Request, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return Request{}, false
	}
	req := q.pending[0]
	q.pending = q.pending[1:]
	return req, true
}

func (q *keyQueue) empty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending) == 0
}

func (q *keyQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

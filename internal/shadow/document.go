// Package shadow implements the device shadow document model: parsing,
// validation, JSON merge-patch application, and delta computation.
package shadow

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/edgeflow/shadowgw/internal/apperr"
)

// Document is a single shadow (classic or named) as persisted and
// exchanged over the wire.
type Document struct {
	Thing      string                 `json:"-"`
	ShadowName string                 `json:"-"`
	Version    uint64                 `json:"version"`
	Timestamp  int64                  `json:"timestamp"`
	State      State                  `json:"state"`
	Metadata   map[string]interface{} `json:"metadata"`
}

// State holds the desired/reported/delta leaves of a shadow document.
type State struct {
	Desired  map[string]interface{} `json:"desired,omitempty"`
	Reported map[string]interface{} `json:"reported,omitempty"`
	Delta    map[string]interface{} `json:"delta,omitempty"`
}

// Limits bounds the size and nesting depth of a shadow document, per
// configuration.
type Limits struct {
	MaxDocumentBytes int
	MaxStateDepth    int
}

func DefaultLimits() Limits {
	return Limits{MaxDocumentBytes: 8192, MaxStateDepth: 6}
}

// ParsePatch decodes and validates a raw JSON merge-patch payload meant
// to update either the desired or reported leaf of a shadow.
func ParsePatch(raw []byte, limits Limits) (map[string]interface{}, error) {
	if len(raw) > limits.MaxDocumentBytes {
		return nil, apperr.ErrPayloadTooLarge(fmt.Sprintf("payload of %d bytes exceeds limit of %d", len(raw), limits.MaxDocumentBytes))
	}
	var patch map[string]interface{}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&patch); err != nil {
		return nil, apperr.ErrInvalidPayload(err.Error())
	}
	if depth(patch, 0) > limits.MaxStateDepth {
		return nil, apperr.ErrInvalidPayload(fmt.Sprintf("state exceeds max nesting depth of %d", limits.MaxStateDepth))
	}
	return patch, nil
}

func depth(v interface{}, cur int) int {
	m, ok := v.(map[string]interface{})
	if !ok {
		return cur
	}
	max := cur
	for _, child := range m {
		if d := depth(child, cur+1); d > max {
			max = d
		}
	}
	return max
}

// MergePatch applies RFC 7386 JSON merge-patch semantics: null leaves
// are deleted, non-null leaves overwrite, and any object left empty by
// a deletion is itself pruned from its parent.
func MergePatch(dst, patch map[string]interface{}) map[string]interface{} {
	if dst == nil {
		dst = map[string]interface{}{}
	}
	for k, v := range patch {
		if v == nil {
			delete(dst, k)
			continue
		}
		patchObj, patchIsObj := v.(map[string]interface{})
		if !patchIsObj {
			dst[k] = v
			continue
		}
		dstObj, dstIsObj := dst[k].(map[string]interface{})
		if !dstIsObj {
			dstObj = map[string]interface{}{}
		}
		merged := MergePatch(dstObj, patchObj)
		if len(merged) == 0 {
			delete(dst, k)
		} else {
			dst[k] = merged
		}
	}
	return dst
}

// Delta computes desired-minus-reported: the leaves present in desired
// that are absent, or different, in reported.
func Delta(desired, reported map[string]interface{}) map[string]interface{} {
	if len(desired) == 0 {
		return nil
	}
	out := map[string]interface{}{}
	for k, dv := range desired {
		rv, present := reported[k]
		if !present {
			out[k] = dv
			continue
		}
		dObj, dIsObj := dv.(map[string]interface{})
		rObj, rIsObj := rv.(map[string]interface{})
		if dIsObj && rIsObj {
			if sub := Delta(dObj, rObj); len(sub) > 0 {
				out[k] = sub
			}
			continue
		}
		if !equalLeaf(dv, rv) {
			out[k] = dv
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func equalLeaf(a, b interface{}) bool {
	ab, errA := json.Marshal(a)
	bb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return string(ab) == string(bb)
}

// TouchMetadata stamps metadata timestamps for every leaf present in
// patch, recursively, at the current instant.
func TouchMetadata(meta map[string]interface{}, patch map[string]interface{}, now time.Time) map[string]interface{} {
	if meta == nil {
		meta = map[string]interface{}{}
	}
	ts := now.Unix()
	for k, v := range patch {
		if v == nil {
			delete(meta, k)
			continue
		}
		if obj, ok := v.(map[string]interface{}); ok {
			sub, _ := meta[k].(map[string]interface{})
			meta[k] = TouchMetadata(sub, obj, now)
			continue
		}
		meta[k] = map[string]interface{}{"timestamp": ts}
	}
	return meta
}

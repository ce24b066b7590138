package syncengine

import "github.com/edgeflow/shadowgw/internal/shadow"

// diffFromAncestor computes the merge-patch that would turn ancestor
// into current: changed/added leaves carry their new value, removed
// leaves carry nil. Used as the two legs of FullSync's three-way
// merge (ancestor -> local, ancestor -> cloud).
func diffFromAncestor(ancestor, current map[string]interface{}) map[string]interface{} {
	out := map[string]interface{}{}
	for k, cv := range current {
		av, existed := ancestor[k]
		if !existed {
			out[k] = cv
			continue
		}
		cObj, cIsObj := cv.(map[string]interface{})
		aObj, aIsObj := av.(map[string]interface{})
		if cIsObj && aIsObj {
			if sub := diffFromAncestor(aObj, cObj); len(sub) > 0 {
				out[k] = sub
			}
			continue
		}
		if !jsonEqual(av, cv) {
			out[k] = cv
		}
	}
	for k := range ancestor {
		if _, stillPresent := current[k]; !stillPresent {
			out[k] = nil
		}
	}
	return out
}

func jsonEqual(a, b interface{}) bool {
	return shadow.Delta(map[string]interface{}{"v": a}, map[string]interface{}{"v": b}) == nil
}

// statesEqual reports whether two states carry the same desired and
// reported leaves, used by FullSync to detect which side, if either,
// changed since the last synced ancestor.
func statesEqual(a, b shadow.State) bool {
	return len(diffFromAncestor(a.Desired, b.Desired)) == 0 && len(diffFromAncestor(a.Reported, b.Reported)) == 0
}

// reconcile performs FullSync's three-way merge: desired conflicts are
// resolved in the cloud's favor (the cloud is the authority on device
// intent); reported conflicts are resolved in the device's favor (the
// device is the authority on its own observed state). ancestor is the
// last document both sides agreed on (lastSyncedDocument); if it is
// nil this degrades to a two-way "cloud wins desired, local wins
// reported" merge.
func reconcile(ancestor, local, cloud shadow.State) shadow.State {
	if ancestor.Desired == nil {
		ancestor.Desired = map[string]interface{}{}
	}
	if ancestor.Reported == nil {
		ancestor.Reported = map[string]interface{}{}
	}

	localDesiredDiff := diffFromAncestor(ancestor.Desired, local.Desired)
	cloudDesiredDiff := diffFromAncestor(ancestor.Desired, cloud.Desired)
	localReportedDiff := diffFromAncestor(ancestor.Reported, local.Reported)
	cloudReportedDiff := diffFromAncestor(ancestor.Reported, cloud.Reported)

	mergedDesired := shadow.MergePatch(shadow.MergePatch(copyMap(ancestor.Desired), localDesiredDiff), cloudDesiredDiff)
	mergedReported := shadow.MergePatch(shadow.MergePatch(copyMap(ancestor.Reported), cloudReportedDiff), localReportedDiff)

	return shadow.State{
		Desired:  mergedDesired,
		Reported: mergedReported,
		Delta:    shadow.Delta(mergedDesired, mergedReported),
	}
}

func copyMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

package shadow

import (
	"fmt"

	"github.com/edgegatekit/shadowmgr/internal/shadowerr"
)

// Merge applies update against the existing document (which may be nil, on
// first create) and returns the new document, the delta event (nil if the
// computed delta is empty) and the documents event.
func Merge(existing *Document, update *UpdatePayload, now int64) (*Document, map[string]interface{}, DocumentsEvent, error) {
	var prevVersion int64
	var prevMeta StateDocument
	var prevDesired, prevReported map[string]interface{}

	if existing != nil {
		if update.Version != nil && *update.Version != existing.Version {
			return nil, nil, DocumentsEvent{}, shadowerr.New(shadowerr.KindConflictError,
				fmt.Sprintf("version conflict: request version %d does not match stored version %d", *update.Version, existing.Version))
		}
		prevVersion = existing.Version
		prevMeta = existing.Metadata
		prevDesired = existing.State.Desired
		prevReported = existing.State.Reported
	}

	newDesired, newDesiredMeta := mergeBranch(prevDesired, prevMeta.Desired, update.State.Desired, now)
	newReported, newReportedMeta := mergeBranch(prevReported, prevMeta.Reported, update.State.Reported, now)

	newDoc := &Document{
		State:       StateDocument{Desired: newDesired, Reported: newReported},
		Metadata:    StateDocument{Desired: newDesiredMeta, Reported: newReportedMeta},
		Version:     prevVersion + 1,
		ClientToken: update.ClientToken,
	}

	delta := computeDelta(newDesired, newReported)

	docsEvent := DocumentsEvent{
		Current: newDoc.ToWire(now),
	}
	if existing != nil {
		docsEvent.Previous = existing.ToWire(now)
	}

	return newDoc, delta, docsEvent, nil
}

// mergeBranch deep-merges update into prevState (the current desired or
// reported sub-object), stamping prevMeta's mirrored leaves with now for
// every leaf that changed. A null leaf in update removes that leaf (and
// its metadata) from the result; scalars and arrays replace; objects
// recurse.
func mergeBranch(prevState, prevMeta, update map[string]interface{}, now int64) (map[string]interface{}, map[string]interface{}) {
	if update == nil {
		return copyMap(prevState), copyMap(prevMeta)
	}

	resultState := copyMap(prevState)
	resultMeta := copyMap(prevMeta)

	for key, val := range update {
		if val == nil {
			delete(resultState, key)
			delete(resultMeta, key)
			continue
		}

		if childUpdate, ok := val.(map[string]interface{}); ok {
			var childPrevState, childPrevMeta map[string]interface{}
			if resultState != nil {
				childPrevState, _ = resultState[key].(map[string]interface{})
			}
			if resultMeta != nil {
				childPrevMeta, _ = resultMeta[key].(map[string]interface{})
			}
			mergedChild, mergedChildMeta := mergeBranch(childPrevState, childPrevMeta, childUpdate, now)
			if resultState == nil {
				resultState = map[string]interface{}{}
			}
			if resultMeta == nil {
				resultMeta = map[string]interface{}{}
			}
			resultState[key] = mergedChild
			resultMeta[key] = mergedChildMeta
			continue
		}

		// Scalar or array: replace wholesale and stamp the leaf.
		if resultState == nil {
			resultState = map[string]interface{}{}
		}
		if resultMeta == nil {
			resultMeta = map[string]interface{}{}
		}
		resultState[key] = val
		resultMeta[key] = map[string]interface{}{"timestamp": now}
	}

	return resultState, resultMeta
}

func copyMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

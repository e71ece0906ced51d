// Package storage computes the delta between pre- and post-invocation
// storage maps (§3 StorageDelta, §9 tombstone representation).
package storage

import (
	"github.com/xfeldman/web3runner/internal/model"
)

// Diff computes the shallow diff between pre and post storage maps. Keys
// present in pre but absent in post appear in the diff as a Tombstone
// (marshaled as JSON null). State is "updated" iff the diff is non-empty.
func Diff(pre, post map[string]string) model.StorageDelta {
	diff := make(map[string]interface{})

	for k, postVal := range post {
		preVal, existed := pre[k]
		if !existed || preVal != postVal {
			diff[k] = postVal
		}
	}
	for k := range pre {
		if _, stillPresent := post[k]; !stillPresent {
			diff[k] = model.Tombstone{}
		}
	}

	state := model.StorageLast
	if len(diff) > 0 {
		state = model.StorageUpdated
	}

	return model.StorageDelta{
		State:   state,
		Storage: post,
		Diff:    diff,
	}
}

// Apply applies a diff produced by Diff to a pre-storage map, returning the
// resulting post-storage map. Used by tests and callers that only have a
// diff (not the full post-storage) to reconstruct state from.
func Apply(pre map[string]string, diff map[string]interface{}) map[string]string {
	out := make(map[string]string, len(pre))
	for k, v := range pre {
		out[k] = v
	}
	for k, v := range diff {
		if _, isTombstone := v.(model.Tombstone); isTombstone {
			delete(out, k)
			continue
		}
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}

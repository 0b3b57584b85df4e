// Package patchutil provides an RFC 6902 JSON Patch round-trip over a
// workflow graph snapshot: export the graph's structural and attribute
// state as JSON, apply a caller-supplied patch, and re-import the result.
// Useful for debugging/ops affordances that need to mutate a running
// graph's structure without a full re-plan.
package patchutil

import (
	"encoding/json"
	"fmt"

	jsonpatch "github.com/evanphx/json-patch/v5"
)

// ApplyPatch decodes and applies an RFC 6902 patch document to a JSON
// snapshot, returning the resulting JSON. It does not interpret the
// snapshot's shape; callers re-unmarshal the result into their own type.
func ApplyPatch(snapshot []byte, patch []byte) ([]byte, error) {
	decoded, err := jsonpatch.DecodePatch(patch)
	if err != nil {
		return nil, fmt.Errorf("decode patch: %w", err)
	}

	result, err := decoded.Apply(snapshot)
	if err != nil {
		return nil, fmt.Errorf("apply patch: %w", err)
	}

	return result, nil
}

// Marshal is a thin convenience wrapper kept alongside ApplyPatch so
// snapshot producers and the patch applier agree on one JSON encoding path.
func Marshal(v interface{}) ([]byte, error) {
	out, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	return out, nil
}

// Unmarshal decodes a (possibly patched) snapshot back into v.
func Unmarshal(data []byte, v interface{}) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return nil
}

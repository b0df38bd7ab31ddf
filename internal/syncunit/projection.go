package syncunit

import (
	"encoding/json"
	"fmt"

	"gomodules.xyz/jsonpatch/v2"
)

// project reads the owner's current field values and converts each
// through the validator port's Serialize operation, producing the
// JSON document under each field's exposed name. Binary-carrying
// fields never appear here — they travel outside the text channel.
func (u *Unit) project() (map[string]any, error) {
	doc := make(map[string]any, len(u.fields))
	for _, f := range u.fields {
		if f.binary {
			continue
		}
		fv := u.owner.FieldByName(f.sourceName)
		serialized, err := u.validatorPort.Serialize(fv.Interface())
		if err != nil {
			return nil, &ProjectionError{Field: f.exposedName, Err: err}
		}
		doc[f.exposedName] = serialized
	}
	return doc, nil
}

// diff computes the RFC 6902 patch that transforms old into new,
// walking both as canonical JSON.
func diff(old, new any) ([]jsonpatch.JsonPatchOperation, error) {
	oldBytes, err := json.Marshal(old)
	if err != nil {
		return nil, fmt.Errorf("syncunit: diff: marshal previous snapshot: %w", err)
	}
	newBytes, err := json.Marshal(new)
	if err != nil {
		return nil, fmt.Errorf("syncunit: diff: marshal new projection: %w", err)
	}
	return jsonpatch.CreatePatch(oldBytes, newBytes)
}

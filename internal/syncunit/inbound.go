package syncunit

import (
	"encoding/json"
	"fmt"
	"reflect"

	jsonpatchv5 "github.com/evanphx/json-patch/v5"
)

// applyInboundSet assigns every field present in raw back onto the
// owner, validating each against its declared type, and returns the
// resulting projection. Fields the client omits are left untouched —
// a partial SET is still a wholesale assignment of the fields it
// names, matching the protocol's "client may replace state wholesale"
// contract for those keys.
func (u *Unit) applyInboundSet(raw json.RawMessage) (map[string]any, error) {
	var incoming map[string]json.RawMessage
	if err := json.Unmarshal(raw, &incoming); err != nil {
		return nil, &ProtocolError{Reason: fmt.Sprintf("%s: malformed SET payload: %v", u.key, err)}
	}

	for _, f := range u.fields {
		if f.binary {
			continue
		}
		fieldRaw, ok := incoming[f.exposedName]
		if !ok {
			continue
		}
		if err := u.assignField(f, fieldRaw); err != nil {
			return nil, err
		}
	}
	return u.project()
}

// applyInboundPatch applies a JSON-Patch array to the unit's current
// projection, validates the result field-by-field against declared
// types, assigns back, and returns the new projection.
func (u *Unit) applyInboundPatch(raw json.RawMessage) (map[string]any, error) {
	current, err := u.project()
	if err != nil {
		return nil, err
	}
	currentBytes, err := json.Marshal(current)
	if err != nil {
		return nil, fmt.Errorf("syncunit: %s: marshal current projection: %w", u.key, err)
	}

	patch, err := jsonpatchv5.DecodePatch(raw)
	if err != nil {
		return nil, &ProtocolError{Reason: fmt.Sprintf("%s: malformed PATCH payload: %v", u.key, err)}
	}
	patchedBytes, err := patch.Apply(currentBytes)
	if err != nil {
		return nil, &ProtocolError{Reason: fmt.Sprintf("%s: patch apply failed: %v", u.key, err)}
	}

	var patched map[string]json.RawMessage
	if err := json.Unmarshal(patchedBytes, &patched); err != nil {
		return nil, &ProtocolError{Reason: fmt.Sprintf("%s: patched document is not an object: %v", u.key, err)}
	}

	for _, f := range u.fields {
		if f.binary {
			continue
		}
		fieldRaw, ok := patched[f.exposedName]
		if !ok {
			continue
		}
		if err := u.assignField(f, fieldRaw); err != nil {
			return nil, err
		}
	}
	return u.project()
}

// assignField coerces raw through the field's declared type and
// assigns it onto the owner's source attribute.
func (u *Unit) assignField(f fieldSpec, raw json.RawMessage) error {
	v, err := u.validatorPort.Coerce(f.typ, raw)
	if err != nil {
		return &ValidationError{Field: f.exposedName, Err: err}
	}
	fv := u.owner.FieldByName(f.sourceName)
	if !fv.CanSet() {
		return &ProtocolError{Reason: fmt.Sprintf("%s: field %q is not settable", u.key, f.sourceName)}
	}
	if v == nil {
		fv.Set(reflect.Zero(fv.Type()))
		return nil
	}
	fv.Set(reflect.ValueOf(v))
	return nil
}

package validator

import (
	"encoding/json"
	"reflect"
	"testing"
)

func TestCoerce_Any(t *testing.T) {
	a := JSONAdapter{}
	v, err := a.Coerce(Any, json.RawMessage(`{"title":"hi","n":3}`))
	if err != nil {
		t.Fatalf("Coerce() error: %v", err)
	}
	m, ok := v.(map[string]any)
	if !ok {
		t.Fatalf("Coerce() = %T, want map[string]any", v)
	}
	if m["title"] != "hi" {
		t.Errorf("title = %v, want hi", m["title"])
	}
}

func TestCoerce_String(t *testing.T) {
	a := JSONAdapter{}
	v, err := a.Coerce(TypeOf[string](), json.RawMessage(`"hello"`))
	if err != nil {
		t.Fatalf("Coerce() error: %v", err)
	}
	if v != "hello" {
		t.Errorf("Coerce() = %v, want hello", v)
	}
}

func TestCoerce_TypeMismatch(t *testing.T) {
	a := JSONAdapter{}
	_, err := a.Coerce(TypeOf[string](), json.RawMessage(`123`))
	if err == nil {
		t.Fatal("expected coercion error for number into string")
	}
	var ce *CoercionError
	if !asCoercionError(err, &ce) {
		t.Fatalf("error type = %T, want *CoercionError", err)
	}
}

func asCoercionError(err error, target **CoercionError) bool {
	ce, ok := err.(*CoercionError)
	if ok {
		*target = ce
	}
	return ok
}

func TestCoerce_Struct(t *testing.T) {
	type args struct {
		Title string `json:"title"`
	}
	a := JSONAdapter{}
	v, err := a.Coerce(TypeOf[args](), json.RawMessage(`{"title":"N"}`))
	if err != nil {
		t.Fatalf("Coerce() error: %v", err)
	}
	got, ok := v.(args)
	if !ok || got.Title != "N" {
		t.Errorf("Coerce() = %#v, want args{Title: N}", v)
	}
}

func TestSerialize_Primitives(t *testing.T) {
	a := JSONAdapter{}
	v, err := a.Serialize(42)
	if err != nil {
		t.Fatalf("Serialize() error: %v", err)
	}
	if v != float64(42) {
		t.Errorf("Serialize(42) = %v (%T), want float64(42)", v, v)
	}
}

func TestSerialize_Slice(t *testing.T) {
	a := JSONAdapter{}
	v, err := a.Serialize([]string{"a", "b"})
	if err != nil {
		t.Fatalf("Serialize() error: %v", err)
	}
	got, ok := v.([]any)
	if !ok || len(got) != 2 {
		t.Fatalf("Serialize() = %#v, want []any of length 2", v)
	}
}

func TestFromReflect_InterfaceIsAny(t *testing.T) {
	var x any
	typ := FromReflect(reflect.TypeOf(x))
	if !typ.IsAny() {
		t.Error("FromReflect(nil interface type) should be Any")
	}
}

func TestFromReflect_ConcreteType(t *testing.T) {
	typ := FromReflect(reflect.TypeOf(""))
	if typ.IsAny() {
		t.Error("FromReflect(string) should not be Any")
	}
	if typ.String() != "string" {
		t.Errorf("String() = %q, want string", typ.String())
	}
}

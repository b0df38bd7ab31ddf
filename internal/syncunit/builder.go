package syncunit

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/nugget/statesync/internal/codec"
	"github.com/nugget/statesync/internal/validator"
)

// fieldSpec describes one bound field: the owner's source attribute
// name, the name it is exposed under in the projection, its declared
// type (validator.Any for untyped passthrough), and whether it
// carries bulk binary data instead of appearing in the JSON document.
type fieldSpec struct {
	sourceName  string
	exposedName string
	typ         validator.Type
	binary      bool
}

// actionBinding is the compiled form of one registered action: typed
// argument coercion wrapped around the user's handler.
type actionBinding struct {
	typ    validator.Type
	invoke func(ctx context.Context, u *Unit, raw json.RawMessage) error
}

// taskBinding is the compiled form of one registered task: typed
// argument coercion that produces the detached task body, plus an
// optional user cancel hook.
type taskBinding struct {
	typ    validator.Type
	spawn  func(ctx context.Context, u *Unit, raw json.RawMessage) (func(context.Context) error, error)
	cancel func(u *Unit)
}

// FieldSelector names one owner attribute for SyncOnly, with an
// optional explicit exposed name. An empty As uses the default
// derivation (snake_case, or CamelCase if the builder opted in).
type FieldSelector struct {
	Source string
	As     string
}

// Builder constructs a Unit for an owner object. The three
// declaration styles described by the protocol — sync-all, sync-only,
// and manual — are builder call sequences rather than distinct types:
// SyncAll populates the field list from owner's reflected type and its
// `sync` struct tags; SyncOnly from an explicit selector list (struct
// tags are not read); Manual leaves it to explicit Field calls.
type Builder struct {
	key           string
	ownerVal      reflect.Value
	validatorPort validator.Port
	fields        []fieldSpec
	actions       map[string]*actionBinding
	tasks         map[string]*taskBinding
	camelCase     bool
	err           error
}

// NewBuilder starts building a unit for owner (which must be a
// pointer to a struct) under registration key key.
func NewBuilder(key string, owner any) *Builder {
	b := &Builder{
		key:           key,
		validatorPort: validator.JSONAdapter{},
		actions:       map[string]*actionBinding{},
		tasks:         map[string]*taskBinding{},
	}
	if !codec.ValidKey(key) {
		b.err = fmt.Errorf("syncunit: invalid registration key %q", key)
		return b
	}
	rv := reflect.ValueOf(owner)
	if rv.Kind() != reflect.Ptr || rv.IsNil() || rv.Elem().Kind() != reflect.Struct {
		b.err = fmt.Errorf("syncunit: %s: owner must be a non-nil pointer to a struct, got %T", key, owner)
		return b
	}
	b.ownerVal = rv.Elem()
	return b
}

// Validator overrides the default JSON-native coercion/serialization
// adapter, e.g. to wrap a schema validation library.
func (b *Builder) Validator(p validator.Port) *Builder {
	b.validatorPort = p
	return b
}

// CamelCase opts the unit into the CamelCase field-name transform for
// every auto-derived name (SyncAll fields and SyncOnly entries with
// no explicit As). Explicit renames are never transformed.
func (b *Builder) CamelCase() *Builder {
	b.camelCase = true
	return b
}

func (b *Builder) deriveName(goName string) string {
	name := toSnakeCase(goName)
	if b.camelCase {
		name = toCamelCase(name)
	}
	return name
}

// SyncAll registers every exported attribute present on owner. A
// `sync:"-"` tag excludes a field; `sync:"name"` overrides its
// exposed name. Declared Go field types become the field's type
// descriptor; an `any`/`interface{}` field is untyped passthrough.
func (b *Builder) SyncAll() *Builder {
	if b.err != nil {
		return b
	}
	t := b.ownerVal.Type()
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if f.PkgPath != "" {
			continue
		}
		tag, hasTag := f.Tag.Lookup("sync")
		if hasTag && tag == "-" {
			continue
		}
		exposed := tag
		if exposed == "" {
			exposed = b.deriveName(f.Name)
		}
		b.fields = append(b.fields, fieldSpec{
			sourceName:  f.Name,
			exposedName: exposed,
			typ:         validator.FromReflect(f.Type),
		})
	}
	return b
}

// SyncOnly registers exactly the named attributes, in the given
// order, each optionally renamed.
func (b *Builder) SyncOnly(selectors ...FieldSelector) *Builder {
	if b.err != nil {
		return b
	}
	t := b.ownerVal.Type()
	for _, sel := range selectors {
		f, ok := t.FieldByName(sel.Source)
		if !ok || f.PkgPath != "" {
			b.err = fmt.Errorf("syncunit: %s: no exported field %q", b.key, sel.Source)
			return b
		}
		exposed := sel.As
		if exposed == "" {
			exposed = b.deriveName(f.Name)
		}
		b.fields = append(b.fields, fieldSpec{
			sourceName:  f.Name,
			exposedName: exposed,
			typ:         validator.FromReflect(f.Type),
		})
	}
	return b
}

// Manual registers no fields automatically; the caller adds each one
// explicitly via Field or BinaryField. It exists as a readable marker
// for the "precise, caller-built" declaration style.
func (b *Builder) Manual() *Builder { return b }

// Field registers one attribute explicitly, with an explicit type
// descriptor (use validator.Any for untyped passthrough). An empty
// exposed name uses the default derivation.
func (b *Builder) Field(source, exposed string, typ validator.Type) *Builder {
	if b.err != nil {
		return b
	}
	if exposed == "" {
		exposed = b.deriveName(source)
	}
	b.fields = append(b.fields, fieldSpec{sourceName: source, exposedName: exposed, typ: typ})
	return b
}

// BinaryField registers an attribute (expected to be []byte) as
// binary-carrying: it never appears in the JSON projection, and is
// instead transferred as a BIN_META envelope paired with a binary
// frame.
func (b *Builder) BinaryField(source, exposed string) *Builder {
	if b.err != nil {
		return b
	}
	if exposed == "" {
		exposed = b.deriveName(source)
	}
	b.fields = append(b.fields, fieldSpec{sourceName: source, exposedName: exposed, binary: true})
	return b
}

// Action registers a request/response action named name. A is the
// typed argument bag decoded from the ACTION envelope's data; if A is
// `any`, no coercion is performed. The handler receives the unit so it
// can call Sync during its own execution.
func Action[A any](b *Builder, name string, fn func(ctx context.Context, u *Unit, args A) error) *Builder {
	if b.err != nil {
		return b
	}
	t := validator.TypeOf[A]()
	b.actions[name] = &actionBinding{
		typ: t,
		invoke: func(ctx context.Context, u *Unit, raw json.RawMessage) error {
			args, err := coerceArgs[A](u, t, name, raw)
			if err != nil {
				return err
			}
			return fn(ctx, u, args)
		},
	}
	return b
}

// Task registers a long-running, cancellable task named name. cancel
// may be nil, in which case TASK_CANCEL cancels the task's context
// instead of invoking user code.
func Task[A any](b *Builder, name string, fn func(ctx context.Context, u *Unit, args A) error, cancel func(u *Unit)) *Builder {
	if b.err != nil {
		return b
	}
	t := validator.TypeOf[A]()
	b.tasks[name] = &taskBinding{
		typ: t,
		spawn: func(ctx context.Context, u *Unit, raw json.RawMessage) (func(context.Context) error, error) {
			args, err := coerceArgs[A](u, t, name, raw)
			if err != nil {
				return nil, err
			}
			return func(ctx context.Context) error { return fn(ctx, u, args) }, nil
		},
		cancel: cancel,
	}
	return b
}

func coerceArgs[A any](u *Unit, t validator.Type, name string, raw json.RawMessage) (A, error) {
	var zero A
	if t.IsAny() {
		if len(raw) == 0 {
			return zero, nil
		}
	}
	v, err := u.validatorPort.Coerce(t, raw)
	if err != nil {
		return zero, &ValidationError{Field: name, Err: err}
	}
	args, ok := v.(A)
	if !ok {
		return zero, &ValidationError{Field: name, Err: fmt.Errorf("coerced value is %T, not %T", v, zero)}
	}
	return args, nil
}

// Build validates the accumulated declaration and produces the Unit.
func (b *Builder) Build() (*Unit, error) {
	if b.err != nil {
		return nil, b.err
	}

	seen := map[string]bool{}
	for _, f := range b.fields {
		if seen[f.exposedName] {
			return nil, fmt.Errorf("syncunit: %s: duplicate field name %q", b.key, f.exposedName)
		}
		seen[f.exposedName] = true
	}
	for name := range b.actions {
		if _, clash := b.tasks[name]; clash {
			return nil, fmt.Errorf("syncunit: %s: action and task share name %q", b.key, name)
		}
	}

	return &Unit{
		key:           b.key,
		owner:         b.ownerVal,
		validatorPort: b.validatorPort,
		fields:        b.fields,
		actions:       b.actions,
		tasks:         b.tasks,
		runningTasks:  map[string]context.CancelFunc{},
	}, nil
}

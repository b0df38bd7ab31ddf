package syncunit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/statesync/internal/codec"
	"github.com/nugget/statesync/internal/events"
	"github.com/nugget/statesync/internal/validator"
)

// Unit is one registered synced object: it owns the owner's
// projection pipeline, the last-sent snapshot, and the event-type to
// handler bindings (fields, actions, tasks, task cancels, binary
// slots) namespaced under one registration key. All public methods
// are safe for concurrent use; a single mutex serializes access to
// owner state and the snapshot, since on a parallel runtime tasks and
// the dispatcher may call into the same unit concurrently.
type Unit struct {
	key           string
	owner         reflect.Value
	validatorPort validator.Port
	fields        []fieldSpec
	actions       map[string]*actionBinding
	tasks         map[string]*taskBinding

	mu              sync.Mutex
	lastSnapshot    any
	send            func(codec.Envelope)
	sendBinary      func([]byte)
	spawn           func(func())
	eventBus        *events.Bus
	maxRunningTasks int

	runningTasks map[string]context.CancelFunc

	pendingBinaryField string
}

// BindEvents wires this unit's diagnostics to the session's event bus.
// bus may be nil, in which case publish calls are no-ops (events.Bus is
// nil-safe).
func (u *Unit) BindEvents(bus *events.Bus) {
	u.mu.Lock()
	u.eventBus = bus
	u.mu.Unlock()
}

func (u *Unit) publish(kind string, data map[string]any) {
	u.eventBus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceSyncUnit,
		Kind:      kind,
		Data:      data,
	})
}

// Key returns the unit's registration key.
func (u *Unit) Key() string { return u.key }

// BindTransport is called by the owning session on every attach,
// wiring this unit's outbound path to the new transport.
func (u *Unit) BindTransport(send func(codec.Envelope), sendBinary func([]byte)) {
	u.mu.Lock()
	u.send = send
	u.sendBinary = sendBinary
	u.mu.Unlock()
}

// DetachTransport clears the outbound path; subsequent sync() and
// emit calls are silently dropped until the next attach.
func (u *Unit) DetachTransport() {
	u.mu.Lock()
	u.send = nil
	u.sendBinary = nil
	u.mu.Unlock()
}

// BindSpawner overrides how detached task bodies are started; the
// session uses this to bound total concurrent task goroutines by its
// configured worker pool size. With no spawner bound, a task body
// starts directly on its own goroutine.
func (u *Unit) BindSpawner(spawn func(func())) {
	u.mu.Lock()
	u.spawn = spawn
	u.mu.Unlock()
}

// BindMaxRunningTasks caps how many of this unit's declared tasks may
// run concurrently; n <= 0 leaves the count unbounded. The session
// binds this from its configured per-unit task limit at registration.
func (u *Unit) BindMaxRunningTasks(n int) {
	u.mu.Lock()
	u.maxRunningTasks = n
	u.mu.Unlock()
}

// ResetSnapshot is called by the session on every new attach: the
// next Sync on this unit must emit a full SET.
func (u *Unit) ResetSnapshot() {
	u.mu.Lock()
	u.lastSnapshot = nil
	u.mu.Unlock()
}

// emitLocked serializes and hands an envelope to the session's send
// path. Caller must hold u.mu. If no transport is attached, send is
// nil and the call is silently dropped — the disconnect-absorption
// invariant.
func (u *Unit) emitLocked(verb codec.Verb, name string, data any) {
	if u.send == nil {
		return
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return
	}
	u.send(codec.Envelope{Type: codec.BuildEventType(u.key, verb, name), Data: raw})
}

// Sync recomputes the projection, diffs it against the last snapshot,
// and emits a SET (no prior snapshot) or PATCH (otherwise). An empty
// diff emits nothing. Safe to call from an action, a task body, or any
// user code running under this unit's session.
func (u *Unit) Sync() error {
	u.mu.Lock()
	defer u.mu.Unlock()

	proj, err := u.project()
	if err != nil {
		u.emitLocked(codec.VerbError, "", codec.ErrorPayload{Code: "projection_error", Message: err.Error()})
		u.publish(events.KindProjectionError, map[string]any{"key": u.key, "error": err.Error()})
		return err
	}

	if u.lastSnapshot == nil {
		u.lastSnapshot = proj
		u.emitLocked(codec.VerbSet, "", proj)
		u.publish(events.KindSync, map[string]any{"key": u.key, "event_type": string(codec.VerbSet)})
		return nil
	}

	ops, err := diff(u.lastSnapshot, proj)
	if err != nil {
		return err
	}
	if len(ops) == 0 {
		return nil
	}
	u.lastSnapshot = proj
	u.emitLocked(codec.VerbPatch, "", ops)
	u.publish(events.KindSync, map[string]any{"key": u.key, "event_type": string(codec.VerbPatch), "op_count": len(ops)})
	return nil
}

// HandleGet forces a full SET regardless of the last snapshot,
// letting the client forcibly resync.
func (u *Unit) HandleGet() error {
	u.mu.Lock()
	defer u.mu.Unlock()

	proj, err := u.project()
	if err != nil {
		u.emitLocked(codec.VerbError, "", codec.ErrorPayload{Code: "projection_error", Message: err.Error()})
		return err
	}
	u.lastSnapshot = proj
	u.emitLocked(codec.VerbSet, "", proj)
	return nil
}

// HandleSet assigns a complete inbound projection onto the owner.
func (u *Unit) HandleSet(raw json.RawMessage) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	proj, err := u.applyInboundSet(raw)
	if err != nil {
		u.emitInboundErrorLocked(err)
		return err
	}
	u.lastSnapshot = proj
	return nil
}

// HandlePatch applies an inbound JSON-Patch to the owner.
func (u *Unit) HandlePatch(raw json.RawMessage) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	proj, err := u.applyInboundPatch(raw)
	if err != nil {
		u.emitInboundErrorLocked(err)
		return err
	}
	u.lastSnapshot = proj
	return nil
}

func (u *Unit) emitInboundErrorLocked(err error) {
	var ve *ValidationError
	if errors.As(err, &ve) {
		u.emitLocked(codec.VerbError, "", codec.ErrorPayload{
			Code: "validation_error", Message: err.Error(), Field: ve.Field,
		})
	}
}

// HandleAction invokes the named action with raw as its argument bag.
// On a ValidationError the action is never invoked and an ERROR
// envelope naming it is emitted.
func (u *Unit) HandleAction(ctx context.Context, name string, raw json.RawMessage) error {
	u.mu.Lock()
	binding, ok := u.actions[name]
	u.mu.Unlock()
	if !ok {
		return &ProtocolError{Reason: fmt.Sprintf("%s: unknown action %q", u.key, name)}
	}

	err := binding.invoke(ctx, u, raw)
	if err != nil {
		var ve *ValidationError
		if errors.As(err, &ve) {
			u.mu.Lock()
			u.emitLocked(codec.VerbError, name, codec.ErrorPayload{
				Code: "validation_error", Message: err.Error(), Field: ve.Field,
			})
			u.mu.Unlock()
			return err
		}
		herr := &HandlerError{Name: name, Err: err}
		u.mu.Lock()
		u.emitLocked(codec.VerbError, name, codec.ErrorPayload{Code: "handler_error", Message: herr.Error()})
		u.mu.Unlock()
		return herr
	}
	return nil
}

// HandleTaskStart coerces arguments and slot-allocates synchronously
// (in arrival order with every other inbound event); only the spawned
// task body detaches from that ordering.
func (u *Unit) HandleTaskStart(ctx context.Context, name string, raw json.RawMessage) error {
	u.mu.Lock()
	binding, ok := u.tasks[name]
	if !ok {
		u.mu.Unlock()
		return &ProtocolError{Reason: fmt.Sprintf("%s: unknown task %q", u.key, name)}
	}
	if _, running := u.runningTasks[name]; running {
		u.mu.Unlock()
		return &ProtocolError{Reason: fmt.Sprintf("%s: task %q already running", u.key, name)}
	}
	if u.maxRunningTasks > 0 && len(u.runningTasks) >= u.maxRunningTasks {
		u.mu.Unlock()
		return &ProtocolError{Reason: fmt.Sprintf("%s: task %q rejected: %d tasks already running", u.key, name, u.maxRunningTasks)}
	}
	u.mu.Unlock()

	body, err := binding.spawn(ctx, u, raw)
	if err != nil {
		var ve *ValidationError
		if errors.As(err, &ve) {
			u.mu.Lock()
			u.emitLocked(codec.VerbError, name, codec.ErrorPayload{
				Code: "validation_error", Message: err.Error(), Field: ve.Field,
			})
			u.mu.Unlock()
			return err
		}
		herr := &HandlerError{Name: name, Err: err}
		u.mu.Lock()
		u.emitLocked(codec.VerbError, name, codec.ErrorPayload{Code: "handler_error", Message: herr.Error()})
		u.mu.Unlock()
		return herr
	}

	// ctx here is the session's long-lived root context, not a
	// per-envelope one, so deriving the task's cancellation from it
	// detaches the task's lifetime from the spawning envelope while
	// still propagating ambient session values and session-wide
	// shutdown.
	taskCtx, cancel := context.WithCancel(ctx)

	u.mu.Lock()
	if _, running := u.runningTasks[name]; running {
		u.mu.Unlock()
		cancel()
		return &ProtocolError{Reason: fmt.Sprintf("%s: task %q already running", u.key, name)}
	}
	if u.maxRunningTasks > 0 && len(u.runningTasks) >= u.maxRunningTasks {
		u.mu.Unlock()
		cancel()
		return &ProtocolError{Reason: fmt.Sprintf("%s: task %q rejected: %d tasks already running", u.key, name, u.maxRunningTasks)}
	}
	u.runningTasks[name] = cancel
	spawn := u.spawn
	u.mu.Unlock()

	execID := uuid.NewString()
	u.publish(events.KindTaskStart, map[string]any{"key": u.key, "name": name, "execution_id": execID})

	run := func() { u.runTask(taskCtx, name, execID, body) }
	if spawn != nil {
		spawn(run)
	} else {
		go run()
	}
	return nil
}

func (u *Unit) runTask(ctx context.Context, name, execID string, body func(context.Context) error) {
	err := body(ctx)

	u.mu.Lock()
	delete(u.runningTasks, name)
	u.mu.Unlock()

	outcome := "done"
	var handlerErr *HandlerError
	switch {
	case err == nil:
		outcome = "done"
	case errors.Is(err, context.Canceled):
		outcome = "cancelled"
	default:
		outcome = "error"
		handlerErr = &HandlerError{Name: name, Err: err}
	}

	payload := map[string]any{"outcome": outcome}
	if handlerErr != nil {
		payload["error"] = handlerErr.Error()
	}

	u.mu.Lock()
	u.emitLocked(codec.VerbTaskDone, name, payload)
	u.mu.Unlock()
	u.publish(events.KindTaskDone, map[string]any{"key": u.key, "name": name, "execution_id": execID, "outcome": outcome})
}

// HandleTaskCancel cancels a running task: the user's declared cancel
// hook if present, otherwise the task's context.
func (u *Unit) HandleTaskCancel(name string) error {
	u.mu.Lock()
	binding, hasBinding := u.tasks[name]
	cancel, running := u.runningTasks[name]
	u.mu.Unlock()

	if !hasBinding {
		return &ProtocolError{Reason: fmt.Sprintf("%s: unknown task %q", u.key, name)}
	}
	if !running {
		return nil
	}
	u.publish(events.KindTaskCancel, map[string]any{"key": u.key, "name": name})
	if binding.cancel != nil {
		binding.cancel(u)
		return nil
	}
	cancel()
	return nil
}

// CancelAllTasks cancels every task currently running on this unit,
// used by the session on close.
func (u *Unit) CancelAllTasks() {
	u.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(u.runningTasks))
	for _, c := range u.runningTasks {
		cancels = append(cancels, c)
	}
	u.mu.Unlock()
	for _, c := range cancels {
		c()
	}
}

// HandleBinMeta records an inbound BIN_META announcement: the next
// binary frame on the transport belongs to field. A second
// announcement before the paired frame arrives is a protocol error.
func (u *Unit) HandleBinMeta(field string) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if !u.hasBinaryField(field) {
		return &ProtocolError{Reason: fmt.Sprintf("%s: unknown binary field %q", u.key, field)}
	}
	if u.pendingBinaryField != "" {
		return &ProtocolError{Reason: fmt.Sprintf("%s: BIN_META for %q while %q is still pending", u.key, field, u.pendingBinaryField)}
	}
	u.pendingBinaryField = field
	return nil
}

func (u *Unit) hasBinaryField(field string) bool {
	for _, f := range u.fields {
		if f.binary && f.exposedName == field {
			return true
		}
	}
	return false
}

// HandleBinaryFrame completes a pending binary transfer by assigning
// data onto the owner's binary-carrying field.
func (u *Unit) HandleBinaryFrame(data []byte) error {
	u.mu.Lock()
	field := u.pendingBinaryField
	u.pendingBinaryField = ""
	u.mu.Unlock()

	if field == "" {
		return &ProtocolError{Reason: fmt.Sprintf("%s: binary frame with no pending BIN_META", u.key)}
	}

	var sourceName string
	for _, f := range u.fields {
		if f.binary && f.exposedName == field {
			sourceName = f.sourceName
			break
		}
	}
	fv := u.owner.FieldByName(sourceName)
	if !fv.CanSet() || fv.Kind() != reflect.Slice || fv.Type().Elem().Kind() != reflect.Uint8 {
		return &ProtocolError{Reason: fmt.Sprintf("%s: binary field %q is not []byte", u.key, field)}
	}
	fv.SetBytes(data)
	return nil
}

// SyncBinary emits the current value of a binary-carrying field:
// first a BIN_META envelope, then the raw binary frame.
func (u *Unit) SyncBinary(field, mime string) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	var sourceName string
	found := false
	for _, f := range u.fields {
		if f.binary && f.exposedName == field {
			sourceName, found = f.sourceName, true
			break
		}
	}
	if !found {
		return &ProtocolError{Reason: fmt.Sprintf("%s: unknown binary field %q", u.key, field)}
	}
	if u.send == nil || u.sendBinary == nil {
		return nil
	}

	fv := u.owner.FieldByName(sourceName)
	data := fv.Bytes()
	u.emitLocked(codec.VerbBinMeta, field, codec.BinaryMeta{Field: field, Size: int64(len(data)), Mime: mime})
	u.sendBinary(data)
	return nil
}

// IsBinaryField reports whether field is registered as binary-carrying.
func (u *Unit) IsBinaryField(field string) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.hasBinaryField(field)
}

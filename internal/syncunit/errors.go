package syncunit

import "fmt"

// ValidationError reports that inbound data did not match a field's,
// action parameter's, or task parameter's declared type. Not fatal:
// the engine emits an ERROR envelope naming Field and resumes.
type ValidationError struct {
	Field string
	Err   error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: field %q: %v", e.Field, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// ProtocolError reports a malformed envelope, an unknown event type,
// an unpaired binary frame, or a duplicate task start. Not fatal to
// the session, except unpaired-binary which the caller (session)
// escalates to closing the transport.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string { return "protocol: " + e.Reason }

// ProjectionError reports that a field's current value could not be
// converted to JSON by the projection pipeline. Fatal for the sync()
// call that produced it: the patch is abandoned and last_snapshot is
// left unchanged.
type ProjectionError struct {
	Field string
	Err   error
}

func (e *ProjectionError) Error() string {
	return fmt.Sprintf("projection: field %q: %v", e.Field, e.Err)
}

func (e *ProjectionError) Unwrap() error { return e.Err }

// HandlerError wraps an error returned from user action/task code.
// The dispatcher captures it, emits an ERROR envelope with a safe
// message, and continues. A panic in user code is not recovered.
type HandlerError struct {
	Name string
	Err  error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler %q: %v", e.Name, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

// Package session owns the per-connection event dispatcher: the
// collection of registered sync units, the current transport
// attachment, and the running task executions that survive a
// transport drop.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/statesync/internal/audit"
	"github.com/nugget/statesync/internal/codec"
	"github.com/nugget/statesync/internal/events"
	"github.com/nugget/statesync/internal/syncunit"
)

// Session is one logical client identity: zero or more successive
// transport attachments, a registry of sync units keyed by
// registration key, and the dispatch loop that routes inbound
// envelopes to them.
type Session struct {
	id string

	mu        sync.Mutex
	units     map[string]*syncunit.Unit
	unitOrder []string
	transport Transport
	closed    bool

	pendingBinaryUnit string
	attachID          string

	workerSem              chan struct{}
	logger                 *slog.Logger
	events                 *events.Bus
	audit                  *audit.Store
	reservedKeys           map[string]struct{}
	inboundQueueDepth      int
	maxRunningTasksPerUnit int
}

// Option configures a Session at construction.
type Option func(*Session)

// WithWorkerPoolSize bounds the number of task bodies running
// concurrently across every unit in this session. Zero (the default
// if never set) leaves task goroutines unbounded.
func WithWorkerPoolSize(n int) Option {
	return func(s *Session) {
		if n > 0 {
			s.workerSem = make(chan struct{}, n)
		}
	}
}

// WithLogger sets the session's structured logger. Defaults to
// slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) { s.logger = l }
}

// WithEventBus wires the session's diagnostics (attach, detach,
// dispatch, discard) and every registered unit's (sync, task lifecycle)
// events to bus. A nil bus (the default) makes publishing a no-op.
func WithEventBus(bus *events.Bus) Option {
	return func(s *Session) { s.events = bus }
}

// WithAuditStore records every dispatched envelope's outcome to store.
// A nil store (the default) disables audit recording.
func WithAuditStore(store *audit.Store) Option {
	return func(s *Session) { s.audit = store }
}

// WithReservedKeys forbids Register from accepting a builder whose
// registration key is in keys, set aside for engine-internal
// namespacing. The default (no option) reserves nothing.
func WithReservedKeys(keys []string) Option {
	return func(s *Session) {
		if len(keys) == 0 {
			return
		}
		s.reservedKeys = make(map[string]struct{}, len(keys))
		for _, k := range keys {
			s.reservedKeys[k] = struct{}{}
		}
	}
}

// WithInboundQueueDepth bounds how many received frames may be read
// ahead of dispatch before the transport read itself backpressures.
// n < 1 leaves the default of 1 (one queued frame) in place.
func WithInboundQueueDepth(n int) Option {
	return func(s *Session) {
		if n > 0 {
			s.inboundQueueDepth = n
		}
	}
}

// WithMaxRunningTasksPerUnit caps concurrent task executions on any
// one registered unit; zero (the default) leaves it unbounded.
func WithMaxRunningTasksPerUnit(n int) Option {
	return func(s *Session) { s.maxRunningTasksPerUnit = n }
}

// New creates a Session with no transport attached.
func New(opts ...Option) *Session {
	s := &Session{
		id:                uuid.NewString(),
		units:             make(map[string]*syncunit.Unit),
		logger:            slog.Default(),
		inboundQueueDepth: 1,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// ID returns the session's identity, used to namespace audit entries
// and logging.
func (s *Session) ID() string { return s.id }

// spawner returns the goroutine-launch function a newly registered
// unit should use for its tasks: the worker-pool-bounded one if
// configured, otherwise nil (meaning "start directly").
func (s *Session) spawner() func(func()) {
	if s.workerSem == nil {
		return nil
	}
	return func(fn func()) {
		s.workerSem <- struct{}{}
		go func() {
			defer func() { <-s.workerSem }()
			fn()
		}()
	}
}

// Register builds a unit from b, adds it to the session in
// registration order, and wires it to the current transport (if one
// is attached). Fails if the registration key is already in use.
func (s *Session) Register(b *syncunit.Builder) (*syncunit.Unit, error) {
	u, err := b.Build()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("session: %s: closed", s.id)
	}
	if _, reserved := s.reservedKeys[u.Key()]; reserved {
		return nil, fmt.Errorf("session: %s: registration key %q is reserved", s.id, u.Key())
	}
	if _, exists := s.units[u.Key()]; exists {
		return nil, fmt.Errorf("session: %s: registration key %q already in use", s.id, u.Key())
	}

	u.BindSpawner(s.spawner())
	u.BindEvents(s.events)
	u.BindMaxRunningTasks(s.maxRunningTasksPerUnit)
	s.units[u.Key()] = u
	s.unitOrder = append(s.unitOrder, u.Key())
	if s.transport != nil {
		u.BindTransport(s.sendEnvelope, s.sendBinaryFrame)
	}
	return u, nil
}

// Attach adopts transport: any previous transport is considered
// released, every unit's last snapshot is cleared, and a full-state
// resync is emitted for each unit in registration order.
func (s *Session) Attach(t Transport) {
	attachID := uuid.NewString()

	s.mu.Lock()
	s.transport = t
	s.attachID = attachID
	s.pendingBinaryUnit = ""
	units := s.orderedUnitsLocked()
	s.mu.Unlock()

	s.publish(events.SourceSession, events.KindAttach, map[string]any{"session_id": s.id, "attach_id": attachID})

	for _, u := range units {
		u.BindTransport(s.sendEnvelope, s.sendBinaryFrame)
		u.ResetSnapshot()
	}
	for _, u := range units {
		if err := u.Sync(); err != nil {
			s.logger.Error("full resync failed on attach", "session", s.id, "unit", u.Key(), "error", err)
		}
	}
}

func (s *Session) publish(source, kind string, data map[string]any) {
	s.events.Publish(events.Event{Timestamp: time.Now(), Source: source, Kind: kind, Data: data})
}

// detachTransport clears the current transport and tells every unit to
// stop sending, without touching running tasks or the unit registry.
// Called whenever the read loop exits so a later Attach starts clean.
func (s *Session) detachTransport(reason string) {
	s.mu.Lock()
	attachID := s.attachID
	s.transport = nil
	s.attachID = ""
	s.pendingBinaryUnit = ""
	units := s.orderedUnitsLocked()
	s.mu.Unlock()

	for _, u := range units {
		u.DetachTransport()
	}
	s.publish(events.SourceSession, events.KindDetach, map[string]any{"session_id": s.id, "attach_id": attachID, "reason": reason})
}

func (s *Session) orderedUnitsLocked() []*syncunit.Unit {
	units := make([]*syncunit.Unit, 0, len(s.unitOrder))
	for _, k := range s.unitOrder {
		units = append(units, s.units[k])
	}
	return units
}

// Send writes a session-level envelope (one with no registration
// key) directly, bypassing any unit. Dropped silently if no transport
// is attached.
func (s *Session) Send(e codec.Envelope) {
	s.sendEnvelope(e)
}

func (s *Session) sendEnvelope(e codec.Envelope) {
	s.mu.Lock()
	t := s.transport
	s.mu.Unlock()
	if t == nil {
		return
	}
	raw, err := codec.Encode(e)
	if err != nil {
		s.logger.Error("encode envelope", "session", s.id, "type", e.Type, "error", err)
		return
	}
	if err := t.SendText(context.Background(), string(raw)); err != nil {
		s.logger.Warn("send envelope failed", "session", s.id, "type", e.Type, "error", err)
	}
}

func (s *Session) sendBinaryFrame(data []byte) {
	s.mu.Lock()
	t := s.transport
	s.mu.Unlock()
	if t == nil {
		return
	}
	if err := t.SendBinary(context.Background(), data); err != nil {
		s.logger.Warn("send binary frame failed", "session", s.id, "error", err)
	}
}

// inboundItem is one frame (or terminal error) handed from the reader
// goroutine to the dispatch loop via the inbound queue.
type inboundItem struct {
	frame Frame
	err   error
}

// Run is the read loop: read one frame, await its complete handling,
// read the next — except TASK_START, whose handler spawns and
// returns immediately. Returns when the transport ends (peer close,
// transport error, a protocol violation that forces a close, or ctx
// cancellation). The session itself survives; Attach may be called
// again to continue it on a new transport.
//
// Reading and dispatching run on separate goroutines, joined by a
// queue bounded by the configured inbound queue depth: this lets the
// transport read ahead of a slow handler up to that depth, then
// backpressures the reader (and through it, the peer) once the queue
// fills, rather than either blocking the transport indefinitely or
// buffering without bound.
func (s *Session) Run(ctx context.Context) error {
	s.mu.Lock()
	t := s.transport
	depth := s.inboundQueueDepth
	s.mu.Unlock()
	if t == nil {
		return fmt.Errorf("session: %s: run called with no attached transport", s.id)
	}
	if depth < 1 {
		depth = 1
	}

	queue := make(chan inboundItem, depth)
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		for {
			frame, err := t.Receive(ctx)
			select {
			case queue <- inboundItem{frame: frame, err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			<-readerDone
			s.detachTransport(ctx.Err().Error())
			return ctx.Err()

		case item := <-queue:
			if item.err != nil {
				s.detachTransport(item.err.Error())
				return item.err
			}

			switch item.frame.Kind {
			case FrameText:
				s.mu.Lock()
				pending := s.pendingBinaryUnit
				s.mu.Unlock()
				if pending != "" {
					t.Close()
					s.detachTransport("text frame received while a binary transfer was pending")
					return &syncunit.ProtocolError{Reason: "text frame received while a binary transfer was pending"}
				}
				s.dispatchText(ctx, item.frame.Text)

			case FrameBinary:
				if err := s.dispatchBinary(item.frame.Binary); err != nil {
					t.Close()
					s.detachTransport(err.Error())
					return err
				}
			}
		}
	}
}

func (s *Session) dispatchText(ctx context.Context, text string) {
	env, err := codec.Decode([]byte(text))
	if err != nil {
		s.logger.Warn("discarding malformed envelope", "session", s.id, "error", err)
		return
	}
	key, verb, name, err := codec.ParseEventType(env.Type)
	if err != nil {
		s.logger.Warn("discarding envelope with unrecognized type", "session", s.id, "type", env.Type, "error", err)
		s.publish(events.SourceSession, events.KindDiscard, map[string]any{"session_id": s.id, "event_type": env.Type})
		return
	}

	s.mu.Lock()
	u, ok := s.units[key]
	s.mu.Unlock()
	if !ok {
		s.logger.Warn("discarding envelope for unknown unit", "session", s.id, "key", key, "type", env.Type)
		s.publish(events.SourceSession, events.KindDiscard, map[string]any{"session_id": s.id, "event_type": env.Type})
		return
	}

	var handleErr error
	switch verb {
	case codec.VerbSet:
		handleErr = u.HandleSet(env.Data)
	case codec.VerbGet:
		handleErr = u.HandleGet()
	case codec.VerbPatch:
		handleErr = u.HandlePatch(env.Data)
	case codec.VerbAction:
		handleErr = u.HandleAction(ctx, name, env.Data)
	case codec.VerbTaskStart:
		handleErr = u.HandleTaskStart(ctx, name, env.Data)
	case codec.VerbTaskCancel:
		handleErr = u.HandleTaskCancel(name)
	case codec.VerbBinMeta:
		handleErr = u.HandleBinMeta(name)
		if handleErr == nil {
			s.mu.Lock()
			s.pendingBinaryUnit = key
			s.mu.Unlock()
		}
	default:
		handleErr = fmt.Errorf("session: unexpected inbound verb %q", verb)
	}

	if handleErr != nil {
		s.logger.Debug("handler returned error", "session", s.id, "key", key, "type", env.Type, "error", handleErr)
	}
	s.publish(events.SourceSession, events.KindDispatch, map[string]any{
		"session_id": s.id, "key": key, "event_type": env.Type, "ok": handleErr == nil,
	})
	s.recordAudit(key, env.Type, handleErr)
}

func (s *Session) recordAudit(key, eventType string, handleErr error) {
	if s.audit == nil {
		return
	}
	outcome, detail := "ok", ""
	if handleErr != nil {
		outcome, detail = "error", handleErr.Error()
	}
	s.mu.Lock()
	attachID := s.attachID
	s.mu.Unlock()
	if err := s.audit.Record(audit.Entry{
		SessionID: s.id, AttachID: attachID, Key: key, EventType: eventType, Outcome: outcome, Detail: detail,
	}); err != nil {
		s.logger.Warn("audit record failed", "session", s.id, "error", err)
	}
}

func (s *Session) dispatchBinary(data []byte) error {
	s.mu.Lock()
	key := s.pendingBinaryUnit
	s.pendingBinaryUnit = ""
	u, ok := s.units[key]
	s.mu.Unlock()

	if key == "" || !ok {
		return &syncunit.ProtocolError{Reason: "session: unpaired binary frame"}
	}
	return u.HandleBinaryFrame(data)
}

// Close cancels every running task, releases the transport, and
// releases the session's units. The session must not be reused after
// Close.
func (s *Session) Close() error {
	s.mu.Lock()
	units := s.orderedUnitsLocked()
	t := s.transport
	s.transport = nil
	s.units = nil
	s.unitOrder = nil
	s.closed = true
	s.mu.Unlock()

	for _, u := range units {
		u.CancelAllTasks()
		u.DetachTransport()
	}
	if t != nil {
		return t.Close()
	}
	return nil
}

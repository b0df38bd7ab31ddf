package session

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/nugget/statesync/internal/events"
	"github.com/nugget/statesync/internal/syncunit"
)

type notes struct {
	Title string
	Body  string
}

type info struct {
	Version string
}

func TestAttach_EmitsFullSetInRegistrationOrder(t *testing.T) {
	s := New()
	if _, err := s.Register(syncunit.NewBuilder("NOTES", &notes{Title: "N"}).SyncAll()); err != nil {
		t.Fatalf("Register(NOTES) error: %v", err)
	}
	if _, err := s.Register(syncunit.NewBuilder("INFO", &info{Version: "1"}).SyncAll()); err != nil {
		t.Fatalf("Register(INFO) error: %v", err)
	}

	tr := newFakeTransport()
	s.Attach(tr)

	sent := tr.sentText()
	if len(sent) != 2 {
		t.Fatalf("sent = %d frames, want 2", len(sent))
	}
	var first, second map[string]any
	json.Unmarshal([]byte(sent[0]), &first)
	json.Unmarshal([]byte(sent[1]), &second)
	if first["type"] != "NOTES:SET" {
		t.Errorf("first type = %v, want NOTES:SET", first["type"])
	}
	if second["type"] != "INFO:SET" {
		t.Errorf("second type = %v, want INFO:SET", second["type"])
	}
}

func TestRegister_RejectsReservedKey(t *testing.T) {
	s := New(WithReservedKeys([]string{"ENGINE"}))
	if _, err := s.Register(syncunit.NewBuilder("ENGINE", &info{Version: "1"}).SyncAll()); err == nil {
		t.Fatal("Register() with a reserved key should error")
	}
	if _, err := s.Register(syncunit.NewBuilder("INFO", &info{Version: "1"}).SyncAll()); err != nil {
		t.Errorf("Register() with a non-reserved key should succeed, got: %v", err)
	}
}

func TestRun_DispatchesGetAndPatch(t *testing.T) {
	s := New()
	s.Register(syncunit.NewBuilder("NOTES", &notes{Title: "N"}).SyncAll())

	tr := newFakeTransport()
	s.Attach(tr)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	tr.pushText(`{"type":"NOTES:PATCH","data":[{"op":"replace","path":"/title","value":"N2"}]}`)
	time.Sleep(20 * time.Millisecond)
	tr.pushText(`{"type":"NOTES:GET"}`)
	time.Sleep(20 * time.Millisecond)

	cancel()
	<-done

	sent := tr.sentText()
	var last map[string]any
	json.Unmarshal([]byte(sent[len(sent)-1]), &last)
	if last["type"] != "NOTES:SET" {
		t.Fatalf("last = %v, want NOTES:SET", last["type"])
	}
	data, _ := json.Marshal(last["data"])
	var proj map[string]any
	json.Unmarshal(data, &proj)
	if proj["title"] != "N2" {
		t.Errorf("title = %v, want N2 (PATCH should have applied before GET)", proj["title"])
	}
}

func TestRun_WithInboundQueueDepth(t *testing.T) {
	s := New(WithInboundQueueDepth(4))
	s.Register(syncunit.NewBuilder("NOTES", &notes{Title: "N"}).SyncAll())

	tr := newFakeTransport()
	s.Attach(tr)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	tr.pushText(`{"type":"NOTES:PATCH","data":[{"op":"replace","path":"/title","value":"N2"}]}`)
	time.Sleep(20 * time.Millisecond)
	tr.pushText(`{"type":"NOTES:GET"}`)
	time.Sleep(20 * time.Millisecond)

	cancel()
	<-done

	sent := tr.sentText()
	var last map[string]any
	json.Unmarshal([]byte(sent[len(sent)-1]), &last)
	if last["type"] != "NOTES:SET" {
		t.Fatalf("last = %v, want NOTES:SET", last["type"])
	}
}

func TestRun_UnknownEventDiscardedWithoutCrash(t *testing.T) {
	s := New()
	s.Register(syncunit.NewBuilder("NOTES", &notes{Title: "N"}).SyncAll())

	tr := newFakeTransport()
	s.Attach(tr)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	tr.pushText(`{"type":"BOGUS:THING"}`)
	time.Sleep(20 * time.Millisecond)
	cancel()
	<-done
}

func TestRun_BinaryPairing(t *testing.T) {
	type avatar struct {
		Name string
		Blob []byte
	}
	s := New()
	owner := &avatar{}
	s.Register(syncunit.NewBuilder("AVATAR", owner).
		SyncOnly(syncunit.FieldSelector{Source: "Name"}).
		BinaryField("Blob", "blob"))

	tr := newFakeTransport()
	s.Attach(tr)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	tr.pushText(`{"type":"AVATAR:BIN_META:blob","data":{"field":"blob","size":3}}`)
	time.Sleep(10 * time.Millisecond)
	tr.pushBinary([]byte{1, 2, 3})
	time.Sleep(20 * time.Millisecond)

	cancel()
	<-done

	if len(owner.Blob) != 3 || owner.Blob[0] != 1 {
		t.Errorf("owner.Blob = %v, want [1 2 3]", owner.Blob)
	}
}

func TestRun_UnpairedBinaryClosesTransport(t *testing.T) {
	type avatar struct {
		Name string
		Blob []byte
	}
	s := New()
	s.Register(syncunit.NewBuilder("AVATAR", &avatar{}).
		SyncOnly(syncunit.FieldSelector{Source: "Name"}).
		BinaryField("Blob", "blob"))

	tr := newFakeTransport()
	s.Attach(tr)

	err := make(chan error, 1)
	go func() { err <- s.Run(context.Background()) }()

	tr.pushBinary([]byte{9})

	select {
	case e := <-err:
		var pe *syncunit.ProtocolError
		if !errors.As(e, &pe) {
			t.Fatalf("Run() error = %v (%T), want *syncunit.ProtocolError", e, e)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Run() to return after unpaired binary frame")
	}
}

func TestAttach_PublishesAttachEvent(t *testing.T) {
	bus := events.New()
	s := New(WithEventBus(bus))
	sub := bus.Subscribe(8)
	defer bus.Unsubscribe(sub)

	tr := newFakeTransport()
	s.Attach(tr)

	select {
	case e := <-sub:
		if e.Source != events.SourceSession || e.Kind != events.KindAttach {
			t.Errorf("event = %+v, want source=session kind=attach", e)
		}
		if e.Data["session_id"] != s.ID() {
			t.Errorf("event data[session_id] = %v, want %v", e.Data["session_id"], s.ID())
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for attach event")
	}
}

func TestClose_CancelsRunningTasks(t *testing.T) {
	type counter struct{ Value int }
	s := New()
	b := syncunit.NewBuilder("COUNTER", &counter{}).SyncAll()
	started := make(chan struct{})
	finished := make(chan struct{})
	syncunit.Task(b, "RUN", func(ctx context.Context, u *syncunit.Unit, args any) error {
		close(started)
		<-ctx.Done()
		close(finished)
		return ctx.Err()
	}, nil)
	s.Register(b)

	tr := newFakeTransport()
	s.Attach(tr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	tr.pushText(`{"type":"COUNTER:TASK_START:RUN"}`)
	<-started

	if err := s.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("running task was not cancelled by Close()")
	}
}

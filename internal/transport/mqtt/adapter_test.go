package mqtt

import (
	"context"
	"testing"
	"time"

	"github.com/nugget/statesync/internal/config"
	"github.com/nugget/statesync/internal/session"
)

func newTestAdapter() *Adapter {
	return &Adapter{
		cfg: config.MQTTConfig{
			Enabled:       true,
			BrokerURL:     "tcp://broker.example:1883",
			InboundTopic:  "statesync/in",
			OutboundTopic: "statesync/out",
		},
		inbox:  make(chan session.Frame, 8),
		closed: make(chan struct{}),
	}
}

func TestDeliver_TextTopic(t *testing.T) {
	a := newTestAdapter()
	a.deliver("statesync/in", []byte(`{"type":"NOTES:GET"}`))

	select {
	case f := <-a.inbox:
		if f.Kind != session.FrameText || f.Text != `{"type":"NOTES:GET"}` {
			t.Errorf("frame = %+v, want text frame", f)
		}
	case <-time.After(time.Second):
		t.Fatal("frame never delivered")
	}
}

func TestDeliver_BinaryTopic(t *testing.T) {
	a := newTestAdapter()
	a.deliver(binTopic("statesync/in"), []byte{1, 2, 3})

	select {
	case f := <-a.inbox:
		if f.Kind != session.FrameBinary || len(f.Binary) != 3 {
			t.Errorf("frame = %+v, want binary frame", f)
		}
	case <-time.After(time.Second):
		t.Fatal("frame never delivered")
	}
}

func TestDeliver_UnknownTopicDropped(t *testing.T) {
	a := newTestAdapter()
	a.deliver("some/other/topic", []byte("noise"))

	select {
	case f := <-a.inbox:
		t.Fatalf("unexpected frame delivered: %+v", f)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestReceive_ReturnsErrorWhenClosed(t *testing.T) {
	a := newTestAdapter()
	close(a.closed)

	_, err := a.Receive(context.Background())
	if err == nil {
		t.Fatal("Receive() error = nil, want closed-adapter error")
	}
}

func TestReceive_RespectsContextCancellation(t *testing.T) {
	a := newTestAdapter()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := a.Receive(ctx)
	if err == nil {
		t.Fatal("Receive() error = nil, want context.Canceled")
	}
}

func TestBinTopic(t *testing.T) {
	if got := binTopic("a/b"); got != "a/b/bin" {
		t.Errorf("binTopic = %q, want %q", got, "a/b/bin")
	}
}

package session

import "context"

// FrameKind distinguishes the two frame shapes a transport carries.
type FrameKind int

const (
	FrameText FrameKind = iota
	FrameBinary
)

// Frame is one inbound message off a transport.
type Frame struct {
	Kind   FrameKind
	Text   string
	Binary []byte
}

// Transport is the port a host web framework or protocol adapter
// implements to hand a duplex channel to a session: a WebSocket-like
// carrier of text and binary frames. Concrete adapters live under
// internal/transport.
type Transport interface {
	// Receive blocks until the next frame arrives, ctx is cancelled,
	// or the peer closes the channel.
	Receive(ctx context.Context) (Frame, error)
	SendText(ctx context.Context, data string) error
	SendBinary(ctx context.Context, data []byte) error
	Close() error
}

package session

import (
	"context"
	"io"
	"sync"
)

type fakeTransport struct {
	inbound chan Frame

	mu     sync.Mutex
	text   []string
	binary [][]byte
	closed bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{inbound: make(chan Frame, 32)}
}

func (f *fakeTransport) pushText(s string)   { f.inbound <- Frame{Kind: FrameText, Text: s} }
func (f *fakeTransport) pushBinary(b []byte) { f.inbound <- Frame{Kind: FrameBinary, Binary: b} }

func (f *fakeTransport) Receive(ctx context.Context) (Frame, error) {
	select {
	case fr, ok := <-f.inbound:
		if !ok {
			return Frame{}, io.EOF
		}
		return fr, nil
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

func (f *fakeTransport) SendText(ctx context.Context, data string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.text = append(f.text, data)
	return nil
}

func (f *fakeTransport) SendBinary(ctx context.Context, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.binary = append(f.binary, data)
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.inbound)
	}
	return nil
}

func (f *fakeTransport) sentText() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.text))
	copy(out, f.text)
	return out
}

package session

import (
	"context"
	"encoding/json"
	"sync"
)

// FakeConn is an in-memory Conn for tests. It records the operations run
// against it and can be scripted to fail or report itself dead.
type FakeConn struct {
	mu        sync.Mutex
	ops       []string
	auth      json.RawMessage
	dead      bool
	closed    bool
	FailWith  error             // returned by every page operation when set
	TextValue map[string]string // selector -> text
}

func NewFakeConn() *FakeConn { return &FakeConn{} }

func (f *FakeConn) record(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops = append(f.ops, op)
	return f.FailWith
}

func (f *FakeConn) Navigate(_ context.Context, url string) error { return f.record("navigate " + url) }
func (f *FakeConn) Click(_ context.Context, sel string) error    { return f.record("click " + sel) }

func (f *FakeConn) SendKeys(_ context.Context, sel, text string) error {
	return f.record("sendkeys " + sel + " " + text)
}

func (f *FakeConn) Text(_ context.Context, sel string) (string, error) {
	if err := f.record("text " + sel); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.TextValue[sel], nil
}

func (f *FakeConn) Evaluate(_ context.Context, js string, _ any) error {
	return f.record("evaluate " + js)
}

func (f *FakeConn) AuthState(context.Context) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.auth, nil
}

func (f *FakeConn) RestoreAuthState(_ context.Context, raw json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.auth = raw
	return nil
}

func (f *FakeConn) Healthy() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.dead && !f.closed
}

func (f *FakeConn) Close(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// Kill marks the connection disconnected, as a crashed browser would be.
func (f *FakeConn) Kill() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dead = true
}

// Closed reports whether Close was called.
func (f *FakeConn) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// Ops returns the recorded operations in order.
func (f *FakeConn) Ops() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ops...)
}

// FakeDialer hands out FakeConns and remembers them per account-less dial
// order.
type FakeDialer struct {
	mu    sync.Mutex
	conns []*FakeConn
	// DialErr makes the next Dial fail when set.
	DialErr error
}

func NewFakeDialer() *FakeDialer { return &FakeDialer{} }

func (d *FakeDialer) Dial(_ context.Context, _ ConnOptions) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.DialErr != nil {
		return nil, d.DialErr
	}
	c := NewFakeConn()
	d.conns = append(d.conns, c)
	return c, nil
}

// Dialed returns every connection created so far, in dial order.
func (d *FakeDialer) Dialed() []*FakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*FakeConn(nil), d.conns...)
}

package gatherly

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"
)

// ============================================================================
// Test Helpers
// ============================================================================

var testEpoch = time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)

// fakeClock only moves when told to. Advance fires due timers in deadline
// order on the calling goroutine; Skip moves time without firing anything.
type fakeClock struct {
	mu        sync.Mutex
	now       time.Time
	timers    []*fakeTimer
	scheduled []time.Duration
}

type fakeTimer struct {
	clock *fakeClock
	at    time.Time
	fn    func()
	done  bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: testEpoch}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now.Add(d), fn: f}
	c.timers = append(c.timers, t)
	c.scheduled = append(c.scheduled, d)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.done {
		return false
	}
	t.done = true
	return true
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		var next *fakeTimer
		for _, t := range c.timers {
			if t.done || t.at.After(target) {
				continue
			}
			if next == nil || t.at.Before(next.at) {
				next = t
			}
		}
		if next == nil {
			c.now = target
			c.mu.Unlock()
			return
		}
		next.done = true
		if next.at.After(c.now) {
			c.now = next.at
		}
		c.mu.Unlock()
		next.fn()
	}
}

func (c *fakeClock) Skip(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *fakeClock) activeTimers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.done {
			n++
		}
	}
	return n
}

// fakeTransport hands out fakeConns, or fails dials with queued errors.
type fakeTransport struct {
	mu       sync.Mutex
	dials    int
	errs     []error
	always   error
	conns    []*fakeConn
	lastCred Credentials
}

func (t *fakeTransport) Dial(_ context.Context, creds Credentials) (Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dials++
	t.lastCred = creds
	if t.always != nil {
		return nil, t.always
	}
	if len(t.errs) > 0 {
		err := t.errs[0]
		t.errs = t.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	c := newFakeConn()
	t.conns = append(t.conns, c)
	return c, nil
}

func (t *fakeTransport) dialCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dials
}

func (t *fakeTransport) conn(i int) *fakeConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	if i >= len(t.conns) {
		return nil
	}
	return t.conns[i]
}

type fakeConn struct {
	in     chan []byte
	closed chan struct{}
	once   sync.Once

	mu        sync.Mutex
	closeErr  error
	closeCode int
	written   []Frame
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte, 16), closed: make(chan struct{})}
}

func (c *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closed:
		c.mu.Lock()
		defer c.mu.Unlock()
		return nil, c.closeErr
	case b := <-c.in:
		return b, nil
	}
}

func (c *fakeConn) Write(_ context.Context, data []byte) error {
	select {
	case <-c.closed:
		return errors.New("write on closed conn")
	default:
	}
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	c.mu.Lock()
	c.written = append(c.written, f)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Close(code int, reason string) error {
	c.shut(code, &CloseError{Code: code, Reason: reason})
	return nil
}

// peerClose simulates the server ending the session.
func (c *fakeConn) peerClose(err error) {
	c.shut(0, err)
}

func (c *fakeConn) shut(code int, err error) {
	c.once.Do(func() {
		c.mu.Lock()
		c.closeCode = code
		c.closeErr = err
		c.mu.Unlock()
		close(c.closed)
	})
}

func (c *fakeConn) push(t *testing.T, f Frame) {
	t.Helper()
	b, err := json.Marshal(f)
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	c.in <- b
}

func (c *fakeConn) pushRaw(s string) {
	c.in <- []byte(s)
}

func (c *fakeConn) frames() []Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Frame(nil), c.written...)
}

func (c *fakeConn) code() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCode
}

func mustFrame(t *testing.T, typ string, payload any) Frame {
	t.Helper()
	f, err := NewFrame(typ, payload)
	if err != nil {
		t.Fatalf("NewFrame: %v", err)
	}
	return f
}

// eventually polls cond until it holds or two seconds pass.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// stateLog records state transitions reported through OnStateChange.
type stateLog struct {
	mu     sync.Mutex
	events []ConnectionStateChanged
}

func (l *stateLog) record(ev ConnectionStateChanged) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *stateLog) all() []ConnectionStateChanged {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]ConnectionStateChanged(nil), l.events...)
}

func (l *stateLog) count(s ConnectionState) int {
	n := 0
	for _, ev := range l.all() {
		if ev.State == s {
			n++
		}
	}
	return n
}

func ids(msgs []Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func sortedMemberIDs(entries []PresenceEntry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.MemberID
	}
	sort.Strings(out)
	return out
}

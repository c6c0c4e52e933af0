package hub

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hullworks/deckhand/schema"
)

// fakeWire blocks reads until closed and records writes.
type fakeWire struct {
	mu     sync.Mutex
	closed chan struct{}
	once   sync.Once
	writes [][]byte
}

func newFakeWire() *fakeWire {
	return &fakeWire{closed: make(chan struct{})}
}

func (f *fakeWire) Read(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-f.closed:
		return nil, errors.New("wire closed")
	}
}

func (f *fakeWire) Write(ctx context.Context, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, data)
	return nil
}

func (f *fakeWire) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func stubJitter(t *testing.T, value float64) {
	t.Helper()
	old := jitterFloat
	jitterFloat = func() float64 { return value }
	t.Cleanup(func() { jitterFloat = old })
}

// stubAfterFunc captures scheduled reconnects without letting them fire.
func stubAfterFunc(t *testing.T) *[]time.Duration {
	t.Helper()
	old := afterFunc
	var delays []time.Duration
	afterFunc = func(d time.Duration, fn func()) *time.Timer {
		delays = append(delays, d)
		timer := time.NewTimer(time.Hour)
		timer.Stop()
		return timer
	}
	t.Cleanup(func() { afterFunc = old })
	return &delays
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestBackoffDelayGrowsAndCaps(t *testing.T) {
	stubJitter(t, 0.5) // zero jitter
	base, max := time.Second, 30*time.Second
	want := []time.Duration{
		1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 30 * time.Second, 30 * time.Second,
	}
	prev := time.Duration(0)
	for attempt := 1; attempt <= len(want); attempt++ {
		got := backoffDelay(base, max, attempt)
		if got != want[attempt-1] {
			t.Fatalf("attempt %d: expected %v, got %v", attempt, want[attempt-1], got)
		}
		if got < prev {
			t.Fatalf("attempt %d: delay decreased from %v to %v", attempt, prev, got)
		}
		prev = got
	}
}

func TestBackoffJitterStaysWithinBounds(t *testing.T) {
	for _, jitter := range []float64{0, 1} {
		stubJitter(t, jitter)
		got := backoffDelay(time.Second, 30*time.Second, 3)
		low, high := time.Duration(float64(4*time.Second)*0.95), time.Duration(float64(4*time.Second)*1.05)
		if got < low || got > high {
			t.Fatalf("jitter %v: delay %v outside [%v, %v]", jitter, got, low, high)
		}
	}
}

func TestScheduleReconnectArmsSingleTimer(t *testing.T) {
	delays := stubAfterFunc(t)
	c := New(Options{URL: "ws://hub", Handler: noopHandler{}})
	c.mu.Lock()
	c.shouldReconnect = true
	c.mu.Unlock()

	c.scheduleReconnect()
	c.scheduleReconnect()
	c.scheduleReconnect()

	if len(*delays) != 1 {
		t.Fatalf("expected one armed timer, got %d", len(*delays))
	}
	c.mu.Lock()
	attempts := c.attempts
	c.mu.Unlock()
	if attempts != 1 {
		t.Fatalf("expected one counted attempt, got %d", attempts)
	}
}

func TestReconnectExhaustionClosesDone(t *testing.T) {
	stubAfterFunc(t)
	c := New(Options{URL: "ws://hub", Handler: noopHandler{}, MaxAttempts: 2})
	c.mu.Lock()
	c.shouldReconnect = true
	c.mu.Unlock()

	for i := 0; i < 3; i++ {
		c.scheduleReconnect()
		c.mu.Lock()
		c.retryTimer = nil // simulate the timer firing and failing again
		c.mu.Unlock()
	}

	select {
	case <-c.Done():
	default:
		t.Fatalf("expected Done closed after exhausting attempts")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.shouldReconnect {
		t.Fatalf("expected reconnection disabled after exhaustion")
	}
}

func TestConnectResetsAttemptsOnSuccess(t *testing.T) {
	w := newFakeWire()
	oldDial := dialWire
	dialWire = func(ctx context.Context, url, token string) (wire, error) { return w, nil }
	t.Cleanup(func() { dialWire = oldDial; _ = w.Close() })

	c := New(Options{URL: "ws://hub", AgentID: "a1", Handler: noopHandler{}})
	c.mu.Lock()
	c.attempts = 5
	c.mu.Unlock()
	c.Connect(context.Background())
	t.Cleanup(func() { _ = c.Close() })

	waitFor(t, "connected state", func() bool {
		s := c.State()
		return s == StateConnected || s == StateRegistered
	})
	c.mu.Lock()
	attempts := c.attempts
	c.mu.Unlock()
	if attempts != 0 {
		t.Fatalf("expected attempts reset on success, got %d", attempts)
	}
}

func TestConnectSendsRegisterFirst(t *testing.T) {
	w := newFakeWire()
	oldDial := dialWire
	dialWire = func(ctx context.Context, url, token string) (wire, error) { return w, nil }
	t.Cleanup(func() { dialWire = oldDial; _ = w.Close() })

	c := New(Options{URL: "ws://hub", AgentID: "a1", Token: "secret", Handler: noopHandler{}})
	c.Connect(context.Background())
	t.Cleanup(func() { _ = c.Close() })

	waitFor(t, "register frame", func() bool {
		w.mu.Lock()
		defer w.mu.Unlock()
		return len(w.writes) > 0
	})
	w.mu.Lock()
	first := string(w.writes[0])
	w.mu.Unlock()
	if !strings.Contains(first, `"kind":"register"`) || !strings.Contains(first, `"agent_id":"a1"`) {
		t.Fatalf("expected register envelope first, got %s", first)
	}
}

func TestDuplicateConnectIsNoOp(t *testing.T) {
	dials := 0
	var mu sync.Mutex
	w := newFakeWire()
	oldDial := dialWire
	dialWire = func(ctx context.Context, url, token string) (wire, error) {
		mu.Lock()
		dials++
		mu.Unlock()
		return w, nil
	}
	t.Cleanup(func() { dialWire = oldDial; _ = w.Close() })

	c := New(Options{URL: "ws://hub", AgentID: "a1", Handler: noopHandler{}})
	c.Connect(context.Background())
	t.Cleanup(func() { _ = c.Close() })
	waitFor(t, "connected state", func() bool { return c.State() == StateConnected })

	c.connect()
	c.connect()
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if dials != 1 {
		t.Fatalf("expected one dial, got %d", dials)
	}
}

func TestConnectDuringPendingReconnectIsNoOp(t *testing.T) {
	delays := stubAfterFunc(t)
	var mu sync.Mutex
	dials := 0
	oldDial := dialWire
	dialWire = func(ctx context.Context, url, token string) (wire, error) {
		mu.Lock()
		dials++
		mu.Unlock()
		return nil, errors.New("hub down")
	}
	t.Cleanup(func() { dialWire = oldDial })

	c := New(Options{URL: "ws://hub", Handler: noopHandler{}})
	c.Connect(context.Background())
	waitFor(t, "reconnect timer armed", func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.retryTimer != nil
	})
	mu.Lock()
	before := dials
	mu.Unlock()

	c.Connect(context.Background())
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if dials != before {
		t.Fatalf("connect during pending reconnect dialed again: %d -> %d", before, dials)
	}
	if len(*delays) != 1 {
		t.Fatalf("expected a single armed timer, got %d", len(*delays))
	}
}

func TestSendWhileDisconnected(t *testing.T) {
	c := New(Options{URL: "ws://hub", Handler: noopHandler{}})
	env, err := schema.NewEnvelope(schema.KindHeartbeat, "", nil)
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	if err := c.Send(env); !errors.Is(err, schema.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}


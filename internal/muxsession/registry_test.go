package muxsession

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/hullworks/deckhand/schema"
)

type recordedEvents struct {
	mu      sync.Mutex
	outputs []schema.TabOutputEvent
	exits   []schema.TabExitEvent
	errs    []schema.TabErrorEvent
}

func (e *recordedEvents) OnOutput(event schema.TabOutputEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.outputs = append(e.outputs, event)
}

func (e *recordedEvents) OnExited(event schema.TabExitEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.exits = append(e.exits, event)
}

func (e *recordedEvents) OnError(event schema.TabErrorEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.errs = append(e.errs, event)
}

// fakeServer simulates the window set of a tmux session.
type fakeServer struct {
	lookErr    error
	hasSession bool
	windows    map[int]string // index -> name
	calls      []string
	runErr     map[string]error // subcommand -> error
}

func newFakeServer() *fakeServer {
	return &fakeServer{windows: map[int]string{}, runErr: map[string]error{}}
}

func (f *fakeServer) LookPath() error { return f.lookErr }

func (f *fakeServer) HasSession(ctx context.Context, name string) bool { return f.hasSession }

func (f *fakeServer) NewSession(ctx context.Context, name string) error {
	f.hasSession = true
	f.calls = append(f.calls, "new-session")
	return nil
}

func (f *fakeServer) KillSession(ctx context.Context, name string) error {
	f.hasSession = false
	f.calls = append(f.calls, "kill-session")
	return nil
}

func (f *fakeServer) Run(ctx context.Context, args ...string) (string, error) {
	f.calls = append(f.calls, strings.Join(args, " "))
	sub := args[0]
	if err := f.runErr[sub]; err != nil {
		return "", err
	}
	switch sub {
	case "list-windows":
		var b strings.Builder
		for index, name := range f.windows {
			fmt.Fprintf(&b, "%d\t%s\n", index, name)
		}
		return b.String(), nil
	case "new-window":
		index, name := 0, ""
		for i := 0; i < len(args); i++ {
			switch args[i] {
			case "-t":
				i++
				parts := strings.SplitN(args[i], ":", 2)
				fmt.Sscanf(parts[1], "%d", &index)
			case "-n":
				i++
				name = args[i]
			}
		}
		for f.windows[index] != "" {
			index++ // tmux reassigns on collision
		}
		f.windows[index] = name
		return "", nil
	case "kill-window":
		for index, name := range f.windows {
			if strings.HasSuffix(args[2], ":"+name) {
				delete(f.windows, index)
			}
		}
		return "", nil
	default:
		return "", nil
	}
}

func (f *fakeServer) callCount(sub string) int {
	n := 0
	for _, call := range f.calls {
		if strings.HasPrefix(call, sub) {
			n++
		}
	}
	return n
}

func stubCapture(t *testing.T) {
	t.Helper()
	old := startCaptureFn
	startCaptureFn = func(tabID schema.TabID, fifoPath string, onData func([]byte), onDone func(int, error)) (*capture, error) {
		done := make(chan struct{})
		close(done)
		return &capture{tabID: tabID, fifoPath: fifoPath, cancel: func() {}, done: done}, nil
	}
	t.Cleanup(func() { startCaptureFn = old })
}

func newTestRegistry(t *testing.T, srv *fakeServer) (*Registry, *recordedEvents) {
	t.Helper()
	stubCapture(t)
	events := &recordedEvents{}
	reg := NewRegistryWithServer(Config{
		SessionName: "deckhand",
		RuntimeDir:  t.TempDir(),
	}, srv, events, nil)
	return reg, events
}

func TestInitializeFailsWithoutTmux(t *testing.T) {
	srv := newFakeServer()
	srv.lookErr = errors.New("not found")
	reg, _ := newTestRegistry(t, srv)
	_, err := reg.Initialize(context.Background())
	if !errors.Is(err, schema.ErrTmuxMissing) {
		t.Fatalf("expected ErrTmuxMissing, got %v", err)
	}
}

func TestInitializeCreatesSessionWhenAbsent(t *testing.T) {
	srv := newFakeServer()
	reg, _ := newTestRegistry(t, srv)
	recovered, err := reg.Initialize(context.Background())
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if len(recovered) != 0 {
		t.Fatalf("expected no recovered tabs, got %v", recovered)
	}
	if srv.callCount("new-session") != 1 {
		t.Fatalf("expected one new-session call, got %d", srv.callCount("new-session"))
	}
}

func TestInitializeRecoversExistingWindows(t *testing.T) {
	srv := newFakeServer()
	srv.hasSession = true
	srv.windows[0] = "bash"
	srv.windows[1] = "tab_t1"
	srv.windows[3] = "tab_t2"
	reg, _ := newTestRegistry(t, srv)

	recovered, err := reg.Initialize(context.Background())
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if len(recovered) != 2 {
		t.Fatalf("expected 2 recovered tabs, got %v", recovered)
	}
	state, ok := reg.Status("t1")
	if !ok {
		t.Fatalf("expected t1 tracked after recovery")
	}
	if state.Ended {
		t.Fatalf("expected recovered tab not ended")
	}
	if !state.Recovered {
		t.Fatalf("expected recovered flag set")
	}
	if state.WindowIndex != 1 {
		t.Fatalf("expected window index 1, got %d", state.WindowIndex)
	}

	// Idempotent: a second call is a no-op.
	again, err := reg.Initialize(context.Background())
	if err != nil || len(again) != 0 {
		t.Fatalf("expected idempotent initialize, got %v / %v", again, err)
	}
}

func TestCreateWindowIsIdempotent(t *testing.T) {
	srv := newFakeServer()
	reg, _ := newTestRegistry(t, srv)
	if _, err := reg.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	first, err := reg.CreateWindow(context.Background(), "t1", []string{"/bin/echo", "hi"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	creates := srv.callCount("new-window")
	second, err := reg.CreateWindow(context.Background(), "t1", []string{"/bin/echo", "hi"})
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if first != second {
		t.Fatalf("expected same index, got %d then %d", first, second)
	}
	if srv.callCount("new-window") != creates {
		t.Fatalf("expected no second window creation")
	}
}

func TestCreateWindowPicksSmallestFreeIndex(t *testing.T) {
	srv := newFakeServer()
	srv.hasSession = true
	srv.windows[0] = "bash"
	srv.windows[2] = "scratch"
	reg, _ := newTestRegistry(t, srv)
	if _, err := reg.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	index, err := reg.CreateWindow(context.Background(), "t9", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if index != 1 {
		t.Fatalf("expected index 1, got %d", index)
	}
}

func TestCreateWindowReadsBackAssignedIndex(t *testing.T) {
	srv := newFakeServer()
	srv.hasSession = true
	srv.windows[1] = "bash"
	reg, _ := newTestRegistry(t, srv)
	if _, err := reg.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	// Simulate an external actor grabbing index 0 between discovery and
	// creation: the fake reassigns on collision, and the registry must
	// report the index tmux actually assigned.
	srv.windows[0] = "intruder"
	index, err := reg.CreateWindow(context.Background(), "t1", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if index != 2 {
		t.Fatalf("expected reassigned index 2, got %d", index)
	}
}

func TestSendInputUnknownTab(t *testing.T) {
	srv := newFakeServer()
	reg, _ := newTestRegistry(t, srv)
	if _, err := reg.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if reg.SendInput(context.Background(), "missing", "ls\n") {
		t.Fatalf("expected false for unknown tab")
	}
}

func TestLiveWindowDistinguishesMissingFromEnded(t *testing.T) {
	srv := newFakeServer()
	reg, _ := newTestRegistry(t, srv)
	if _, err := reg.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if _, err := reg.CreateWindow(context.Background(), "t1", nil); err != nil {
		t.Fatalf("create: %v", err)
	}

	reg.mu.Lock()
	_, missingErr := reg.liveWindowLocked("ghost")
	reg.windows["t1"].Ended = true
	_, endedErr := reg.liveWindowLocked("t1")
	reg.mu.Unlock()

	if !errors.Is(missingErr, schema.ErrTabNotFound) {
		t.Fatalf("expected ErrTabNotFound, got %v", missingErr)
	}
	if !errors.Is(endedErr, schema.ErrTabEnded) {
		t.Fatalf("expected ErrTabEnded, got %v", endedErr)
	}
	if reg.SendInput(context.Background(), "t1", "ls\n") {
		t.Fatalf("expected input refused for ended tab")
	}
}

func TestCloseWindowIsIdempotent(t *testing.T) {
	srv := newFakeServer()
	reg, events := newTestRegistry(t, srv)
	if _, err := reg.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if _, err := reg.CreateWindow(context.Background(), "t1", nil); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := reg.CloseWindow(context.Background(), "t1"); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := reg.CloseWindow(context.Background(), "t1"); err != nil {
		t.Fatalf("redundant close: %v", err)
	}
	if _, ok := reg.Status("t1"); ok {
		t.Fatalf("expected t1 removed after close")
	}
	if len(events.exits) != 0 {
		t.Fatalf("deliberate close must not raise an exit event, got %v", events.exits)
	}
}

func TestCaptureExitEndsTabOnce(t *testing.T) {
	srv := newFakeServer()
	reg, events := newTestRegistry(t, srv)
	if _, err := reg.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if _, err := reg.CreateWindow(context.Background(), "t1", nil); err != nil {
		t.Fatalf("create: %v", err)
	}

	reg.captureDone("t1", 7, nil)
	reg.captureDone("t1", 7, nil)
	if len(events.exits) != 1 {
		t.Fatalf("expected exactly one exit event, got %d", len(events.exits))
	}
	if events.exits[0].ExitCode != 7 {
		t.Fatalf("expected exit code 7, got %d", events.exits[0].ExitCode)
	}
	if _, ok := reg.Status("t1"); ok {
		t.Fatalf("expected t1 removed after capture exit")
	}
}

func TestCaptureSupervisionErrorDoesNotEndTab(t *testing.T) {
	srv := newFakeServer()
	reg, events := newTestRegistry(t, srv)
	if _, err := reg.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if _, err := reg.CreateWindow(context.Background(), "t1", nil); err != nil {
		t.Fatalf("create: %v", err)
	}

	reg.captureDone("t1", 0, errors.New("wait: broken pipe"))
	if len(events.errs) != 1 {
		t.Fatalf("expected one error event, got %d", len(events.errs))
	}
	if len(events.exits) != 0 {
		t.Fatalf("supervision error must not end the tab")
	}
	if _, ok := reg.Status("t1"); !ok {
		t.Fatalf("expected t1 still tracked")
	}
}

func TestShellJoinQuotesArguments(t *testing.T) {
	joined := shellJoin([]string{"/bin/echo", "it's", "a b"})
	want := "'/bin/echo' 'it'\\''s' 'a b'"
	if joined != want {
		t.Fatalf("expected %q, got %q", want, joined)
	}
}

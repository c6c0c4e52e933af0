package muxsession

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"unicode"

	"github.com/hullworks/deckhand/schema"
	"pkt.systems/pslog"
)

// Events receives capture events from the registry. Injected at
// construction; the coordinator routes them to buffers and the hub.
type Events interface {
	OnOutput(event schema.TabOutputEvent)
	OnExited(event schema.TabExitEvent)
	OnError(event schema.TabErrorEvent)
}

// Config configures the registry.
type Config struct {
	SessionName  string
	WindowPrefix string
	SocketPath   string
	// RuntimeDir holds the per-tab capture FIFOs.
	RuntimeDir string
}

// Window maps one tmux window to one logical tab.
type Window struct {
	TabID schema.TabID
	Index schema.WindowIndex
	// Command is the argv used to start the tab. Empty when recovered,
	// since the original invocation is not recoverable from tmux.
	Command   []string
	Ended     bool
	Recovered bool
	capture   *capture
}

// muxServer is the subset of Server the registry depends on. Tests swap in
// a fake to drive recovery and creation flows without a real tmux.
type muxServer interface {
	LookPath() error
	Run(ctx context.Context, args ...string) (string, error)
	HasSession(ctx context.Context, name string) bool
	NewSession(ctx context.Context, name string) error
	KillSession(ctx context.Context, name string) error
}

var startCaptureFn = startCapture

// Registry makes the tmux session's window set match the hub's view of
// which tabs exist, surviving agent process restarts.
type Registry struct {
	cfg    Config
	srv    muxServer
	events Events
	log    pslog.Logger

	mu          sync.Mutex
	initialized bool
	windows     map[schema.TabID]*Window
}

// NewRegistry constructs a Registry. events must not be nil.
func NewRegistry(cfg Config, events Events, logger pslog.Logger) *Registry {
	return newRegistry(cfg, nil, events, logger)
}

// NewRegistryWithServer constructs a Registry against a specific server.
func NewRegistryWithServer(cfg Config, srv muxServer, events Events, logger pslog.Logger) *Registry {
	return newRegistry(cfg, srv, events, logger)
}

func newRegistry(cfg Config, srv muxServer, events Events, logger pslog.Logger) *Registry {
	if cfg.SessionName == "" {
		cfg.SessionName = schema.DefaultSessionName
	}
	if cfg.WindowPrefix == "" {
		cfg.WindowPrefix = schema.DefaultWindowPrefix
	}
	if cfg.RuntimeDir == "" {
		cfg.RuntimeDir = filepath.Join(os.TempDir(), "deckhand-capture")
	}
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	if srv == nil {
		srv = NewServer(cfg.SocketPath)
	}
	return &Registry{
		cfg:     cfg,
		srv:     srv,
		events:  events,
		log:     logger.With("session", cfg.SessionName),
		windows: make(map[schema.TabID]*Window),
	}
}

// Initialize prepares the session, recovering windows left behind by a
// prior agent lifetime. Idempotent. A missing tmux binary is fatal to the
// whole agent and is reported as schema.ErrTmuxMissing.
func (r *Registry) Initialize(ctx context.Context) ([]schema.TabID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.initialized {
		return nil, nil
	}
	if err := r.srv.LookPath(); err != nil {
		return nil, fmt.Errorf("%w: %v", schema.ErrTmuxMissing, err)
	}
	if err := os.MkdirAll(r.cfg.RuntimeDir, 0o700); err != nil {
		return nil, fmt.Errorf("runtime dir: %w", err)
	}

	var recovered []schema.TabID
	if r.srv.HasSession(ctx, r.cfg.SessionName) {
		entries, err := r.listWindowsLocked(ctx)
		if err != nil {
			return nil, err
		}
		for _, entry := range entries {
			tabID, ok := r.tabIDFromWindowName(entry.name)
			if !ok {
				continue
			}
			window := &Window{
				TabID:     tabID,
				Index:     schema.WindowIndex(entry.index),
				Recovered: true,
			}
			if err := r.attachCaptureLocked(ctx, window); err != nil {
				r.log.Warn("session recovery capture failed", "tab", tabID, "err", err)
				continue
			}
			r.windows[tabID] = window
			recovered = append(recovered, tabID)
		}
		r.log.Info("session recovered", "windows", len(entries), "tabs", len(recovered))
	} else {
		if err := r.srv.NewSession(ctx, r.cfg.SessionName); err != nil {
			return nil, err
		}
		r.log.Info("session created")
	}
	r.initialized = true
	return recovered, nil
}

// CreateWindow creates the window backing tabID and starts output capture.
// Idempotent: an existing live window returns its current index. The next
// free index is computed from the union of tmux-reported and tracked
// indices as a hint; the authoritative index is read back after creation.
func (r *Registry) CreateWindow(ctx context.Context, tabID schema.TabID, command []string) (schema.WindowIndex, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if window := r.windows[tabID]; window != nil && !window.Ended {
		return window.Index, nil
	}

	// Discovery read and creation write happen under the registry lock
	// without yielding, to minimize index collisions. The multiplexer is
	// still authoritative and can race with external actors.
	entries, err := r.listWindowsLocked(ctx)
	if err != nil {
		return 0, err
	}
	used := make(map[int]bool, len(entries)+len(r.windows))
	for _, entry := range entries {
		used[entry.index] = true
	}
	for _, window := range r.windows {
		used[int(window.Index)] = true
	}
	hint := 0
	for used[hint] {
		hint++
	}

	name := r.windowName(tabID)
	if _, err := r.srv.Run(ctx, "new-window", "-d",
		"-t", fmt.Sprintf("%s:%d", r.cfg.SessionName, hint), "-n", name); err != nil {
		return 0, err
	}

	index, err := r.lookupWindowIndexLocked(ctx, name)
	if err != nil {
		return 0, err
	}

	window := &Window{
		TabID:   tabID,
		Index:   schema.WindowIndex(index),
		Command: append([]string(nil), command...),
	}
	if err := r.attachCaptureLocked(ctx, window); err != nil {
		_, _ = r.srv.Run(ctx, "kill-window", "-t", r.target(name))
		return 0, err
	}
	r.windows[tabID] = window

	if len(command) > 0 {
		target := r.target(name)
		if _, err := r.srv.Run(ctx, "send-keys", "-t", target, "-l", "--", shellJoin(command)); err != nil {
			r.log.Warn("window command injection failed", "tab", tabID, "err", err)
		} else if _, err := r.srv.Run(ctx, "send-keys", "-t", target, "Enter"); err != nil {
			r.log.Warn("window command activation failed", "tab", tabID, "err", err)
		}
	}

	r.log.Info("window created", "tab", tabID, "index", index, "hint", hint)
	return schema.WindowIndex(index), nil
}

// SendInput forwards data to the tab as literal keystrokes. Returns false
// for an unknown or ended tab, or when the forward fails; never an error.
func (r *Registry) SendInput(ctx context.Context, tabID schema.TabID, data string) bool {
	r.mu.Lock()
	_, err := r.liveWindowLocked(tabID)
	r.mu.Unlock()
	if err != nil {
		r.log.Debug("input dropped", "tab", tabID, "reason", err)
		return false
	}

	if _, err := r.srv.Run(ctx, "send-keys", "-t", r.target(r.windowName(tabID)), "-l", "--", data); err != nil {
		r.log.Warn("input forward failed", "tab", tabID, "err", err)
		return false
	}
	return true
}

// Resize resizes the tab's window. Best-effort: a resize race with tab
// closure is expected and harmless, so failures are logged, never returned.
func (r *Registry) Resize(ctx context.Context, tabID schema.TabID, cols, rows int) {
	r.mu.Lock()
	_, err := r.liveWindowLocked(tabID)
	r.mu.Unlock()
	if err != nil {
		r.log.Debug("resize dropped", "tab", tabID, "reason", err)
		return
	}
	if _, err := r.srv.Run(ctx, "resize-window", "-t", r.target(r.windowName(tabID)),
		"-x", strconv.Itoa(cols), "-y", strconv.Itoa(rows)); err != nil {
		r.log.Debug("resize failed", "tab", tabID, "cols", cols, "rows", rows, "err", err)
	}
}

// CloseWindow tears the tab's window down: stops capture, destroys the
// window, removes the FIFO, and drops the tab from the registry.
// Idempotent; no-op when the tab is already gone.
func (r *Registry) CloseWindow(ctx context.Context, tabID schema.TabID) error {
	r.mu.Lock()
	window := r.windows[tabID]
	if window == nil {
		r.mu.Unlock()
		return nil
	}
	window.Ended = true
	delete(r.windows, tabID)
	cap := window.capture
	r.mu.Unlock()

	name := r.windowName(tabID)
	// Detach the pane pipe before stopping the drain so tmux never writes
	// into a FIFO with no reader.
	_, _ = r.srv.Run(ctx, "pipe-pane", "-t", r.target(name))
	if cap != nil {
		cap.stop()
	}
	_ = os.Remove(r.fifoPath(tabID))
	if _, err := r.srv.Run(ctx, "kill-window", "-t", r.target(name)); err != nil {
		if !isBenignGone(err) {
			return err
		}
	}
	r.log.Info("window closed", "tab", tabID)
	return nil
}

// SetEnv sets a variable in the session's shared tmux environment.
func (r *Registry) SetEnv(ctx context.Context, key, value string) error {
	_, err := r.srv.Run(ctx, "set-environment", "-t", r.cfg.SessionName, "--", key, value)
	return err
}

// UnsetEnv removes a variable from the session's shared tmux environment.
func (r *Registry) UnsetEnv(ctx context.Context, key string) error {
	_, err := r.srv.Run(ctx, "set-environment", "-t", r.cfg.SessionName, "-u", "--", key)
	return err
}

// Status returns the tab's current state.
func (r *Registry) Status(tabID schema.TabID) (schema.TabState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	window := r.windows[tabID]
	if window == nil {
		return schema.TabState{}, false
	}
	return schema.TabState{
		TabID:       window.TabID,
		WindowIndex: window.Index,
		Ended:       window.Ended,
		Recovered:   window.Recovered,
	}, true
}

// Windows returns the live tab roster ordered by window index.
func (r *Registry) Windows() []schema.TabState {
	r.mu.Lock()
	defer r.mu.Unlock()
	states := make([]schema.TabState, 0, len(r.windows))
	for _, window := range r.windows {
		states = append(states, schema.TabState{
			TabID:       window.TabID,
			WindowIndex: window.Index,
			Ended:       window.Ended,
			Recovered:   window.Recovered,
		})
	}
	sort.Slice(states, func(i, j int) bool { return states[i].WindowIndex < states[j].WindowIndex })
	return states
}

// Cleanup closes every tracked window and destroys the session. Explicit
// full teardown only; normal shutdown leaves the session running so tabs
// survive agent restarts.
func (r *Registry) Cleanup(ctx context.Context) error {
	r.mu.Lock()
	ids := make([]schema.TabID, 0, len(r.windows))
	for id := range r.windows {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	for _, id := range ids {
		if err := r.CloseWindow(ctx, id); err != nil {
			r.log.Warn("cleanup window close failed", "tab", id, "err", err)
		}
	}
	return r.srv.KillSession(ctx, r.cfg.SessionName)
}

// liveWindowLocked resolves tabID to a window that can still accept input.
// Callers hold r.mu.
func (r *Registry) liveWindowLocked(tabID schema.TabID) (*Window, error) {
	window := r.windows[tabID]
	if window == nil {
		return nil, schema.ErrTabNotFound
	}
	if window.Ended {
		return nil, schema.ErrTabEnded
	}
	return window, nil
}

type windowEntry struct {
	index int
	name  string
}

func (r *Registry) listWindowsLocked(ctx context.Context) ([]windowEntry, error) {
	out, err := r.srv.Run(ctx, "list-windows", "-t", r.cfg.SessionName,
		"-F", "#{window_index}\t#{window_name}")
	if err != nil {
		return nil, err
	}
	var entries []windowEntry
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "\t", 2)
		if len(parts) != 2 {
			continue
		}
		index, err := strconv.Atoi(parts[0])
		if err != nil {
			continue
		}
		entries = append(entries, windowEntry{index: index, name: parts[1]})
	}
	return entries, nil
}

func (r *Registry) lookupWindowIndexLocked(ctx context.Context, name string) (int, error) {
	entries, err := r.listWindowsLocked(ctx)
	if err != nil {
		return 0, err
	}
	for _, entry := range entries {
		if entry.name == name {
			return entry.index, nil
		}
	}
	return 0, fmt.Errorf("window %q not reported after creation", name)
}

func (r *Registry) attachCaptureLocked(ctx context.Context, window *Window) error {
	fifo := r.fifoPath(window.TabID)
	tabID := window.TabID
	cap, err := startCaptureFn(tabID, fifo,
		func(chunk []byte) {
			r.events.OnOutput(schema.TabOutputEvent{TabID: tabID, Data: chunk})
		},
		func(code int, supervisionErr error) {
			r.captureDone(tabID, code, supervisionErr)
		})
	if err != nil {
		return err
	}
	if _, err := r.srv.Run(ctx, "pipe-pane", "-t", r.target(r.windowName(tabID)),
		"-O", "exec cat > "+shellSingleQuote(fifo)); err != nil {
		cap.stop()
		return fmt.Errorf("pipe-pane attach: %w", err)
	}
	window.capture = cap
	return nil
}

// captureDone runs on the capture goroutine when the drain subprocess
// exits. A supervision error does not end the tab; a plain exit does,
// unless a deliberate close already marked it ended.
func (r *Registry) captureDone(tabID schema.TabID, exitCode int, supervisionErr error) {
	if supervisionErr != nil {
		r.log.Warn("capture supervision error", "tab", tabID, "err", supervisionErr)
		r.events.OnError(schema.TabErrorEvent{TabID: tabID, Err: supervisionErr.Error()})
		return
	}
	r.mu.Lock()
	window := r.windows[tabID]
	if window == nil || window.Ended {
		r.mu.Unlock()
		return
	}
	window.Ended = true
	delete(r.windows, tabID)
	r.mu.Unlock()
	_ = os.Remove(r.fifoPath(tabID))
	r.log.Info("window ended", "tab", tabID, "exit_code", exitCode)
	r.events.OnExited(schema.TabExitEvent{TabID: tabID, ExitCode: exitCode})
}

func (r *Registry) windowName(tabID schema.TabID) string {
	return r.cfg.WindowPrefix + string(tabID)
}

func (r *Registry) tabIDFromWindowName(name string) (schema.TabID, bool) {
	if !strings.HasPrefix(name, r.cfg.WindowPrefix) {
		return "", false
	}
	id := strings.TrimPrefix(name, r.cfg.WindowPrefix)
	if id == "" {
		return "", false
	}
	return schema.TabID(id), true
}

func (r *Registry) target(windowName string) string {
	return r.cfg.SessionName + ":" + windowName
}

func (r *Registry) fifoPath(tabID schema.TabID) string {
	return filepath.Join(r.cfg.RuntimeDir, "capture-"+sanitizeName(string(tabID))+".pipe")
}

func isBenignGone(err error) bool {
	if err == nil {
		return true
	}
	text := err.Error()
	return strings.Contains(text, "can't find window") ||
		strings.Contains(text, "can't find session") ||
		strings.Contains(text, "no server running")
}

func sanitizeName(value string) string {
	var b strings.Builder
	for _, r := range value {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' || r == '_' || r == '.' {
			b.WriteRune(r)
			continue
		}
		b.WriteRune('_')
	}
	if b.Len() == 0 {
		return "unknown"
	}
	return b.String()
}

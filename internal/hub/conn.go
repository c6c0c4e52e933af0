// Package hub maintains the agent's single channel to the central hub: one
// auto-reconnecting WebSocket carrying JSON envelopes in both directions.
// Tab lifetime is deliberately decoupled from channel lifetime; a dropped
// channel never touches the tmux session.
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"pkt.systems/pslog"

	"github.com/hullworks/deckhand/schema"
)

// State is the channel's connection state.
type State int

const (
	// StateDisconnected means no socket exists and no dial is in flight.
	StateDisconnected State = iota
	// StateConnecting means a dial is in flight.
	StateConnecting
	// StateConnected means the socket is up but registration is unconfirmed.
	StateConnected
	// StateRegistered means the hub acknowledged the agent's registration.
	StateRegistered
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateRegistered:
		return "registered"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// StatsFunc builds the heartbeat payload at send time, so every heartbeat
// carries the roster and metrics of that moment.
type StatsFunc func() schema.HeartbeatPayload

// Options configures a Conn.
type Options struct {
	URL     string
	AgentID schema.AgentID
	Token   string
	Version string
	// InstanceID distinguishes agent process lifetimes. Generated when empty;
	// the hub uses a changed instance id to detect an agent restart.
	InstanceID string

	HeartbeatInterval time.Duration
	BackoffBase       time.Duration
	BackoffMax        time.Duration
	// MaxAttempts of 0 retries forever.
	MaxAttempts int

	Handler Handler
	Stats   StatsFunc
	Logger  pslog.Logger
}

const (
	dialTimeout    = 15 * time.Second
	writeTimeout   = 10 * time.Second
	sendQueueDepth = 256
)

// Test hooks.
var (
	afterFunc   = time.AfterFunc
	jitterFloat = rand.Float64
)

// Conn is the agent's one channel to the hub. All hub traffic, requests,
// replies, and unsolicited events alike, is multiplexed over it.
type Conn struct {
	opts Options
	log  pslog.Logger

	done     chan struct{}
	doneOnce sync.Once

	mu              sync.Mutex
	runCtx          context.Context
	cancel          context.CancelFunc
	state           State
	attempts        int
	shouldReconnect bool
	retryTimer      *time.Timer
	gen             int
	w               wire
	sendCh          chan []byte
}

// New constructs a Conn. opts.Handler must not be nil.
func New(opts Options) *Conn {
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = time.Second
	}
	if opts.BackoffMax < opts.BackoffBase {
		opts.BackoffMax = 30 * time.Second
	}
	if opts.InstanceID == "" {
		opts.InstanceID = uuid.NewString()
	}
	if opts.Logger == nil {
		opts.Logger = pslog.Ctx(context.Background())
	}
	return &Conn{
		opts: opts,
		log:  opts.Logger.With("hub", opts.URL),
		done: make(chan struct{}),
	}
}

// Connect starts the connection loop. It returns immediately; dialing,
// registration, and every subsequent reconnect run in the background until
// Close is called, ctx is cancelled, or the attempt budget is exhausted.
// Calling Connect while already live, dialing, or waiting out a scheduled
// reconnect only re-enables reconnection; the pending attempt keeps its
// original schedule and context.
func (c *Conn) Connect(ctx context.Context) {
	c.mu.Lock()
	c.shouldReconnect = true
	if c.state != StateDisconnected || c.retryTimer != nil {
		c.mu.Unlock()
		return
	}
	if c.cancel != nil {
		// Nothing is live, so this only releases the previous run's context.
		c.cancel()
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.runCtx = runCtx
	c.cancel = cancel
	c.mu.Unlock()
	c.connect()
}

// Done is closed when the connection loop has permanently stopped, either by
// Close or by exhausting the reconnect attempt budget.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// State returns the current connection state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Send queues one envelope for delivery. Fails fast with
// schema.ErrNotConnected while the channel is down; callers relying on
// buffered history replay after reconnect simply drop the message.
func (c *Conn) Send(env schema.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendCh == nil || (c.state != StateConnected && c.state != StateRegistered) {
		return schema.ErrNotConnected
	}
	select {
	case c.sendCh <- data:
		return nil
	default:
		return fmt.Errorf("hub send queue full (%d messages)", cap(c.sendCh))
	}
}

// Close stops reconnection and closes the socket. The tmux session and its
// tabs are untouched; a later agent start recovers them.
func (c *Conn) Close() error {
	c.mu.Lock()
	c.shouldReconnect = false
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	w := c.w
	sendCh := c.sendCh
	c.w = nil
	c.sendCh = nil
	c.state = StateDisconnected
	cancel := c.cancel
	c.mu.Unlock()

	if sendCh != nil {
		close(sendCh)
	}
	var err error
	if w != nil {
		err = w.Close()
	}
	if cancel != nil {
		cancel()
	}
	c.doneOnce.Do(func() { close(c.done) })
	return err
}

// connect transitions disconnected to connecting. A duplicate call while a
// dial or live connection exists is a no-op, so a reconnect timer firing
// concurrently with an explicit Connect cannot double-dial.
func (c *Conn) connect() {
	c.mu.Lock()
	if c.state != StateDisconnected || !c.shouldReconnect {
		c.mu.Unlock()
		return
	}
	c.state = StateConnecting
	ctx := c.runCtx
	c.mu.Unlock()
	go c.dialAndRun(ctx)
}

func (c *Conn) dialAndRun(ctx context.Context) {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	w, err := dialWire(dialCtx, c.opts.URL, c.opts.Token)
	cancel()
	if err != nil {
		c.log.Warn("hub dial failed", "err", err)
		c.mu.Lock()
		c.state = StateDisconnected
		c.mu.Unlock()
		c.scheduleReconnect()
		return
	}

	c.mu.Lock()
	c.gen++
	gen := c.gen
	c.w = w
	c.sendCh = make(chan []byte, sendQueueDepth)
	sendCh := c.sendCh
	c.state = StateConnected
	c.attempts = 0
	c.mu.Unlock()
	c.log.Info("hub connected")

	go c.writePump(ctx, w, sendCh)
	go c.heartbeatLoop(ctx, gen)

	if err := c.sendRegister(); err != nil {
		c.log.Warn("hub registration send failed", "err", err)
		c.dropConnection(gen)
		return
	}
	c.readPump(ctx, gen, w)
}

func (c *Conn) sendRegister() error {
	env, err := schema.NewEnvelope(schema.KindRegister, "", schema.RegisterPayload{
		AgentID:    c.opts.AgentID,
		Token:      c.opts.Token,
		Version:    c.opts.Version,
		InstanceID: c.opts.InstanceID,
	})
	if err != nil {
		return err
	}
	return c.Send(env)
}

// setRegistered is called by the dispatcher on the hub's registration ack.
func (c *Conn) setRegistered() {
	c.mu.Lock()
	if c.state == StateConnected {
		c.state = StateRegistered
	}
	c.mu.Unlock()
	c.log.Info("hub registered", "agent", c.opts.AgentID)
}

func (c *Conn) readPump(ctx context.Context, gen int, w wire) {
	for {
		data, err := w.Read(ctx)
		if err != nil {
			c.log.Warn("hub channel lost", "err", err)
			c.dropConnection(gen)
			return
		}
		c.dispatch(ctx, data)
	}
}

func (c *Conn) writePump(ctx context.Context, w wire, sendCh <-chan []byte) {
	for data := range sendCh {
		wctx, cancel := context.WithTimeout(ctx, writeTimeout)
		err := w.Write(wctx, data)
		cancel()
		if err != nil {
			c.log.Warn("hub write failed", "err", err)
			// Closing the socket makes the read pump fail and drive the
			// reconnect; the write pump never schedules reconnects itself.
			_ = w.Close()
			return
		}
	}
}

func (c *Conn) heartbeatLoop(ctx context.Context, gen int) {
	if c.opts.HeartbeatInterval <= 0 || c.opts.Stats == nil {
		return
	}
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		c.mu.Lock()
		live := gen == c.gen && c.state != StateDisconnected
		c.mu.Unlock()
		if !live {
			return
		}
		env, err := schema.NewEnvelope(schema.KindHeartbeat, "", c.opts.Stats())
		if err != nil {
			c.log.Warn("heartbeat marshal failed", "err", err)
			continue
		}
		// Informative only. A missed heartbeat is the hub's liveness signal,
		// never grounds for the agent to act.
		if err := c.Send(env); err != nil {
			c.log.Debug("heartbeat skipped", "err", err)
		}
	}
}

// dropConnection tears down connection generation gen and schedules a
// reconnect. Stale generations are ignored so a slow pump from a previous
// socket cannot kill its successor.
func (c *Conn) dropConnection(gen int) {
	c.mu.Lock()
	if gen != c.gen || c.state == StateDisconnected {
		c.mu.Unlock()
		return
	}
	w := c.w
	sendCh := c.sendCh
	c.w = nil
	c.sendCh = nil
	c.state = StateDisconnected
	c.mu.Unlock()

	if w != nil {
		_ = w.Close()
	}
	if sendCh != nil {
		close(sendCh)
	}
	c.scheduleReconnect()
}

// scheduleReconnect arms the single reconnect timer. At most one pending
// reconnect exists at any time.
func (c *Conn) scheduleReconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.shouldReconnect || c.retryTimer != nil {
		return
	}
	c.attempts++
	if c.opts.MaxAttempts > 0 && c.attempts > c.opts.MaxAttempts {
		c.log.Error("giving up on hub", "attempts", c.attempts-1,
			"err", schema.ErrReconnectExhausted)
		c.shouldReconnect = false
		c.doneOnce.Do(func() { close(c.done) })
		return
	}
	delay := backoffDelay(c.opts.BackoffBase, c.opts.BackoffMax, c.attempts)
	c.log.Info("hub reconnect scheduled", "attempt", c.attempts, "delay", delay)
	c.retryTimer = afterFunc(delay, func() {
		c.mu.Lock()
		c.retryTimer = nil
		c.mu.Unlock()
		c.connect()
	})
}

// backoffDelay returns min(base * 2^(attempt-1), max) with 5% jitter either
// way, so a fleet of agents dropped by one hub restart does not reconnect in
// lockstep.
func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if max < base {
		max = base
	}
	delay := base
	for i := 1; i < attempt && delay < max; i++ {
		delay *= 2
	}
	if delay > max {
		delay = max
	}
	jitter := 1 + (jitterFloat()*2-1)*0.05
	return time.Duration(float64(delay) * jitter)
}

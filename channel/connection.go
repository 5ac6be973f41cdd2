// Copyright 2026 The Orrery Authors
// SPDX-License-Identifier: Apache-2.0

package channel

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/orrery-project/orrery/lib/clock"
	"github.com/orrery-project/orrery/lib/netutil"
	"github.com/orrery-project/orrery/wire"
)

// State is the connection lifecycle state.
type State int

// Connection states.
const (
	// StateConnecting means a dial or handshake is in progress.
	StateConnecting State = iota
	// StateOpen means frames flow in both directions.
	StateOpen
	// StateDegraded means the stream is down and a reconnect is
	// scheduled. Sends fail fast; the caller queues instead.
	StateDegraded
	// StateClosed means Close was called. No reconnects follow.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateDegraded:
		return "degraded"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Default timing. The heartbeat interval and timeout follow the
// endpoint contract; the backoff bounds match the reconnect policy of
// retry-forever with a 30-second ceiling.
const (
	DefaultHeartbeatInterval = 25 * time.Second
	DefaultHeartbeatTimeout  = 10 * time.Second
	DefaultBackoffBase       = 1 * time.Second
	DefaultBackoffCap        = 30 * time.Second
)

// Config holds the parameters for a Connection. Address and Dialer are
// required; everything else has defaults.
type Config struct {
	// Address is the collaboration endpoint in the Dialer's format.
	Address string

	// Dialer opens the underlying frame stream.
	Dialer Dialer

	// Handshake, when non-nil, is sent as the first frame after every
	// successful dial — including reconnects, so the endpoint always
	// sees a fresh join. Typically a wire.Join.
	Handshake wire.Frame

	// OnFrame receives every valid inbound frame except heartbeat
	// acks, which the connection consumes. Called on the connection's
	// read goroutine; it must not block and must not call back into
	// Send synchronously under its own locks held during Send.
	OnFrame func(wire.Frame)

	// OnStateChange observes every state transition, including each
	// reconnect attempt (Degraded -> Connecting). Called on connection
	// goroutines; it must not block.
	OnStateChange func(State)

	// HeartbeatInterval is how often a heartbeat probe is sent while
	// Open. Zero means DefaultHeartbeatInterval.
	HeartbeatInterval time.Duration

	// HeartbeatTimeout is how long to wait for the ack before forcing
	// a reconnect. Zero means DefaultHeartbeatTimeout.
	HeartbeatTimeout time.Duration

	// BackoffBase and BackoffCap bound the exponential reconnect
	// delay. Zero means the defaults above.
	BackoffBase time.Duration
	BackoffCap  time.Duration

	// Clock schedules heartbeats and backoff. Nil means the real
	// clock; tests inject a fake.
	Clock clock.Clock

	// Logger receives connection lifecycle messages. Nil means discard.
	Logger *slog.Logger

	// Rand feeds backoff jitter. Nil means a time-seeded source.
	// Injected by tests that assert jitter statistics.
	Rand *rand.Rand
}

// Connection keeps one persistent frame stream alive across failures.
// Create with New, start with Start, stop with Close. All exported
// methods are safe for concurrent use.
type Connection struct {
	cfg    Config
	logger *slog.Logger
	clk    clock.Clock
	rng    *rand.Rand

	mu                   sync.Mutex
	state                State
	conn                 Conn
	awaitingHeartbeatAck bool
	started              bool

	cancel context.CancelFunc
	done   chan struct{}
}

// New validates the configuration and returns an unstarted Connection.
func New(cfg Config) (*Connection, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("channel: Address is required")
	}
	if cfg.Dialer == nil {
		return nil, fmt.Errorf("channel: Dialer is required")
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.HeartbeatTimeout == 0 {
		cfg.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if cfg.BackoffBase == 0 {
		cfg.BackoffBase = DefaultBackoffBase
	}
	if cfg.BackoffCap == 0 {
		cfg.BackoffCap = DefaultBackoffCap
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	rng := cfg.Rand
	if rng == nil {
		//nolint:gosec // The random source feeds backoff jitter, not security.
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	return &Connection{
		cfg:    cfg,
		logger: logger,
		clk:    clk,
		rng:    rng,
		state:  StateConnecting,
		done:   make(chan struct{}),
	}, nil
}

// Start launches the connect/serve/reconnect loop. It returns
// immediately; connectivity progress arrives through OnStateChange.
// Start may be called once.
func (c *Connection) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return fmt.Errorf("channel: connection already started")
	}
	c.started = true
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()

	go c.run(runCtx)
	return nil
}

// State returns the current connection state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Send encodes and writes one frame. It fails fast with a *SendError
// when the connection is not Open; a write failure also returns a
// *SendError and tears the stream down so the reconnect loop takes
// over. The frame is never buffered here.
func (c *Connection) Send(frame wire.Frame) error {
	c.mu.Lock()
	state, conn := c.state, c.conn
	c.mu.Unlock()

	if state != StateOpen || conn == nil {
		return &SendError{State: state}
	}

	data, err := wire.Encode(frame)
	if err != nil {
		return fmt.Errorf("channel: encoding %s frame: %w", frame.Type(), err)
	}
	if err := conn.WriteFrame(data); err != nil {
		// The stream is broken. Close it so the read loop notices and
		// schedules a reconnect.
		conn.Close()
		return &SendError{State: state, Err: err}
	}
	return nil
}

// Close stops the connection permanently. Idempotent. Pending timers
// and the serve loop are cancelled; no reconnect follows.
func (c *Connection) Close() {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	started := c.started
	conn := c.conn
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close()
	}
	if started {
		<-c.done
	}
	c.setState(StateClosed)
}

// run is the connect/serve/reconnect loop. It exits only on context
// cancellation (Close or caller shutdown).
func (c *Connection) run(ctx context.Context) {
	defer close(c.done)

	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}
		c.setState(StateConnecting)

		attempt++
		conn, err := c.connect(ctx, attempt)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			delay := c.backoffDelay(attempt)
			c.logger.Warn("connect failed, retrying",
				"address", c.cfg.Address,
				"attempt", attempt,
				"backoff", delay,
				"error", err,
			)
			c.setState(StateDegraded)
			select {
			case <-ctx.Done():
				return
			case <-c.clk.After(delay):
			}
			continue
		}

		attempt = 0
		c.setConn(conn)
		c.setState(StateOpen)
		c.logger.Info("channel open", "address", c.cfg.Address)

		err = c.serve(ctx, conn)
		c.setConn(nil)
		if ctx.Err() != nil {
			return
		}
		if netutil.IsExpectedCloseError(err) {
			c.logger.Info("channel closed by peer, reconnecting", "address", c.cfg.Address)
		} else {
			c.logger.Warn("channel lost, reconnecting", "address", c.cfg.Address, "error", err)
		}
		c.setState(StateDegraded)
	}
}

// connect dials and performs the handshake. attempt is 1-based and
// carried on the error for the retry log.
func (c *Connection) connect(ctx context.Context, attempt int) (Conn, error) {
	conn, err := c.cfg.Dialer.DialContext(ctx, c.cfg.Address)
	if err != nil {
		return nil, &ConnectError{Address: c.cfg.Address, Attempt: attempt, Err: err}
	}
	if c.cfg.Handshake != nil {
		data, err := wire.Encode(c.cfg.Handshake)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("channel: encoding handshake: %w", err)
		}
		if err := conn.WriteFrame(data); err != nil {
			conn.Close()
			return nil, &ConnectError{Address: c.cfg.Address, Attempt: attempt, Err: err}
		}
	}
	return conn, nil
}

// serve pumps inbound frames and heartbeats until the stream fails or
// the context is cancelled. Returns the error that ended the stream.
func (c *Connection) serve(ctx context.Context, conn Conn) error {
	readErrs := make(chan error, 1)
	go func() { readErrs <- c.readLoop(conn) }()

	ticker := c.clk.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	var missTimer *clock.Timer
	defer func() {
		if missTimer != nil {
			missTimer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			conn.Close()
			<-readErrs
			return ctx.Err()

		case err := <-readErrs:
			return err

		case <-ticker.C:
			c.mu.Lock()
			c.awaitingHeartbeatAck = true
			c.mu.Unlock()

			if err := c.Send(wire.Heartbeat{}); err != nil {
				conn.Close()
				<-readErrs
				return err
			}

			if missTimer != nil {
				missTimer.Stop()
			}
			missTimer = c.clk.AfterFunc(c.cfg.HeartbeatTimeout, func() {
				c.mu.Lock()
				missed := c.awaitingHeartbeatAck
				c.mu.Unlock()
				if missed {
					c.logger.Warn("heartbeat ack missed, forcing reconnect",
						"timeout", c.cfg.HeartbeatTimeout,
					)
					conn.Close()
				}
			})
		}
	}
}

// readLoop decodes inbound frames until the stream fails. Malformed
// frames are logged and dropped — a bad frame never kills the session.
func (c *Connection) readLoop(conn Conn) error {
	for {
		data, err := conn.ReadFrame()
		if err != nil {
			return err
		}
		frame, err := wire.Decode(data)
		if err != nil {
			c.logger.Warn("dropping malformed inbound frame", "error", err)
			continue
		}
		if _, ok := frame.(wire.HeartbeatAck); ok {
			c.mu.Lock()
			c.awaitingHeartbeatAck = false
			c.mu.Unlock()
			continue
		}
		if c.cfg.OnFrame != nil {
			c.cfg.OnFrame(frame)
		}
	}
}

// backoffDelay computes the delay before reconnect attempt n (1-based):
// an exponential envelope doubling from BackoffBase to BackoffCap,
// jittered uniformly into [envelope/2, envelope] so simulated fleets
// of clients do not retry in lockstep.
func (c *Connection) backoffDelay(attempt int) time.Duration {
	envelope := c.cfg.BackoffBase
	for i := 1; i < attempt && envelope < c.cfg.BackoffCap; i++ {
		envelope *= 2
	}
	if envelope > c.cfg.BackoffCap {
		envelope = c.cfg.BackoffCap
	}
	half := envelope / 2
	return half + time.Duration(c.rng.Int63n(int64(half)+1))
}

func (c *Connection) setConn(conn Conn) {
	c.mu.Lock()
	c.conn = conn
	c.awaitingHeartbeatAck = false
	c.mu.Unlock()
}

// setState records a transition and notifies the observer. No-op when
// the state is unchanged, and never leaves Closed.
func (c *Connection) setState(state State) {
	c.mu.Lock()
	if c.state == state || c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = state
	notify := c.cfg.OnStateChange
	c.mu.Unlock()

	if notify != nil {
		notify(state)
	}
}

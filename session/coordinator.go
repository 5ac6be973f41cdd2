// Copyright 2026 The Orrery Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/orrery-project/orrery/channel"
	"github.com/orrery-project/orrery/lib/clock"
	"github.com/orrery-project/orrery/lib/ref"
	"github.com/orrery-project/orrery/outbox"
	"github.com/orrery-project/orrery/paramsync"
	"github.com/orrery-project/orrery/presence"
	"github.com/orrery-project/orrery/wire"
)

// State is the session lifecycle state reported to the UI.
type State int

const (
	// StateIdle is the initial state before Join.
	StateIdle State = iota

	// StateJoining means the channel is connecting or the join
	// acknowledgment, outbox replay, and initial snapshot are still
	// outstanding.
	StateJoining

	// StateActive means the session is synchronized: channel open,
	// outbox replayed, snapshot reconciled.
	StateActive

	// StateDegraded means the channel is down. Local edits are still
	// accepted and queued durably; the channel retries forever.
	StateDegraded

	// StateClosed is terminal: explicit leave or fatal join rejection.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateJoining:
		return "joining"
	case StateActive:
		return "active"
	case StateDegraded:
		return "degraded"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Config holds the coordinator parameters and the UI boundary
// callbacks. All callbacks run on the session's event loop: keep them
// quick and never call back into the Coordinator from inside one.
type Config struct {
	// Document is the document to collaborate on. Required.
	Document ref.DocumentID

	// Credential is the opaque session token presented on join.
	// Required.
	Credential string

	// DisplayName is this participant's name on the roster.
	DisplayName string

	// Address is the collaboration endpoint. Required.
	Address string

	// Dialer opens the stream to the endpoint. Nil means TCP.
	Dialer channel.Dialer

	// Outbox is the durable mutation queue for this document. The
	// caller owns it: it outlives the session, and leaving never
	// discards its contents. Required.
	Outbox *outbox.Outbox

	// Policy selects conflict handling for the sync engine.
	Policy paramsync.Policy

	// Clock drives heartbeats, backoff, and presence thresholds. Nil
	// means the real clock.
	Clock clock.Clock

	// Logger receives operational messages. Nil discards.
	Logger *slog.Logger

	// OnFieldChanged reports a remote edit (or snapshot field) that
	// changed a parameter.
	OnFieldChanged func(field paramsync.FieldValue)

	// OnConflict reports a concurrent edit awaiting resolution.
	OnConflict func(conflict paramsync.ConflictRecord)

	// OnPresenceChanged reports roster changes.
	OnPresenceChanged func(roster []presence.Participant)

	// OnStateChanged reports session lifecycle transitions.
	OnStateChanged func(state State)

	// OnFatal reports the unrecoverable error (an *AuthError for a
	// rejected join) that closed the session.
	OnFatal func(err error)
}

// Coordinator runs one client's session on one document. Create with
// New, start with Join, stop with Leave. All exported methods are safe
// for concurrent use; internally everything funnels through a single
// event-loop goroutine.
type Coordinator struct {
	cfg     Config
	logger  *slog.Logger
	conn    *channel.Connection
	tracker *presence.Tracker
	box     *outbox.Outbox

	// engine exists once the first join acknowledgment assigns this
	// client its participant identity. Touched only on the loop.
	engine    *paramsync.Engine
	resyncing bool

	mu      sync.Mutex
	state   State
	session ref.SessionID
	self    ref.ParticipantID
	started bool

	requests      chan func()
	frames        chan wire.Frame
	channelStates chan channel.State

	// closing is closed at the start of shutdown so the channel's
	// goroutines stop blocking on frame delivery while the loop itself
	// is busy tearing the connection down.
	closing  chan struct{}
	loopDone chan struct{}
	cancel   context.CancelFunc
}

// New validates the configuration and returns an Idle coordinator.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Document.IsZero() {
		return nil, fmt.Errorf("session: Document is required")
	}
	if cfg.Credential == "" {
		return nil, fmt.Errorf("session: Credential is required")
	}
	if cfg.Address == "" {
		return nil, fmt.Errorf("session: Address is required")
	}
	if cfg.Outbox == nil {
		return nil, fmt.Errorf("session: Outbox is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	logger = logger.With("document", cfg.Document)
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}

	c := &Coordinator{
		cfg:           cfg,
		logger:        logger,
		box:           cfg.Outbox,
		state:         StateIdle,
		requests:      make(chan func()),
		frames:        make(chan wire.Frame, 64),
		channelStates: make(chan channel.State, 16),
		closing:       make(chan struct{}),
		loopDone:      make(chan struct{}),
	}

	c.tracker = presence.NewTracker(presence.Config{
		Clock:          clk,
		Logger:         logger,
		OnRosterChange: cfg.OnPresenceChanged,
	})

	conn, err := channel.New(channel.Config{
		Address: cfg.Address,
		Dialer:  cfg.Dialer,
		Handshake: wire.Join{
			Document:    cfg.Document,
			Credential:  cfg.Credential,
			DisplayName: cfg.DisplayName,
		},
		OnFrame:       c.deliverFrame,
		OnStateChange: c.deliverChannelState,
		Clock:         clk,
		Logger:        logger,
	})
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	c.conn = conn
	return c, nil
}

// Join starts the session: the event loop launches, the channel dials,
// and the handshake goes out. Join returns immediately; progress
// arrives through OnStateChanged (Active once the join is acknowledged,
// the outbox replayed, and the snapshot reconciled) and a fatal
// rejection through OnFatal. Join may be called once.
func (c *Coordinator) Join(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return fmt.Errorf("session: already joined")
	}
	if c.state == StateClosed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.started = true
	c.mu.Unlock()

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel

	c.setState(StateJoining)
	go c.run(runCtx)
	if err := c.conn.Start(runCtx); err != nil {
		return fmt.Errorf("session: %w", err)
	}
	return nil
}

// ApplyLocal applies an optimistic local edit. The returned FieldValue
// is immediately current for the caller's UI. The edit lands in the
// durable outbox before any send is attempted; if the session is
// Active it is also sent right away. A *outbox.StorageFullError means
// the edit is applied in memory but NOT durable — surface it to the
// user.
func (c *Coordinator) ApplyLocal(ctx context.Context, path ref.Path, value any) (paramsync.FieldValue, error) {
	var field paramsync.FieldValue
	var applyErr error
	err := c.do(ctx, func() {
		field, applyErr = c.applyLocalLocked(ctx, path, value)
	})
	if err != nil {
		return paramsync.FieldValue{}, err
	}
	return field, applyErr
}

// applyLocalLocked runs on the event loop.
func (c *Coordinator) applyLocalLocked(ctx context.Context, path ref.Path, value any) (paramsync.FieldValue, error) {
	if c.currentState() == StateClosed {
		return paramsync.FieldValue{}, ErrClosed
	}
	if c.engine == nil {
		return paramsync.FieldValue{}, ErrNotJoined
	}
	field, err := c.engine.ApplyLocal(path, value)
	if err != nil {
		return paramsync.FieldValue{}, err
	}
	if err := c.persistAndSend(ctx, field); err != nil {
		return field, err
	}
	return field, nil
}

// persistAndSend writes one local edit to the outbox and, when the
// session is Active, sends it. Outbox first, always: a crash between
// the two must leave the edit queued, not lost.
func (c *Coordinator) persistAndSend(ctx context.Context, field paramsync.FieldValue) error {
	id, err := c.box.Enqueue(ctx, outbox.Mutation{
		Document:    c.cfg.Document,
		Path:        field.Path,
		Value:       field.Value,
		Version:     field.Version,
		BaseVersion: field.BaseVersion,
	})
	if err != nil {
		c.logger.Warn("local edit is not durable", "path", field.Path, "error", err)
		return err
	}

	if c.currentState() != StateActive {
		// Degraded: the edit waits in the outbox for replay.
		return nil
	}
	if err := c.sendMutation(ctx, id, field.Path, field.Value, field.Version, field.BaseVersion); err != nil {
		// The edit stays Queued; the reconnect replay delivers it.
		c.logger.Warn("send failed, edit stays queued",
			"path", field.Path,
			"mutation", id,
			"error", err,
		)
	}
	return nil
}

func (c *Coordinator) sendMutation(ctx context.Context, id ref.MutationID, path ref.Path, value any, version, base wire.Version) error {
	err := c.conn.Send(wire.FieldChange{
		Mutation:    id,
		Path:        path,
		Value:       value,
		Version:     version,
		BaseVersion: base,
		Writer:      version.Participant,
	})
	if err != nil {
		return err
	}
	return c.box.MarkSent(ctx, id)
}

// ResolveConflict settles an open conflict. The resolution is treated
// like a local edit: durably queued, then sent.
func (c *Coordinator) ResolveConflict(ctx context.Context, path ref.Path, choice paramsync.Choice) (paramsync.FieldValue, error) {
	var field paramsync.FieldValue
	var resolveErr error
	err := c.do(ctx, func() {
		if c.currentState() == StateClosed {
			resolveErr = ErrClosed
			return
		}
		if c.engine == nil {
			resolveErr = ErrNotJoined
			return
		}
		field, resolveErr = c.engine.ResolveConflict(path, choice)
		if resolveErr != nil {
			return
		}
		resolveErr = c.persistAndSend(ctx, field)
	})
	if err != nil {
		return paramsync.FieldValue{}, err
	}
	return field, resolveErr
}

// Conflicts returns the open conflicts sorted by path.
func (c *Coordinator) Conflicts(ctx context.Context) ([]paramsync.ConflictRecord, error) {
	var records []paramsync.ConflictRecord
	err := c.do(ctx, func() {
		if c.engine != nil {
			records = c.engine.Conflicts()
		}
	})
	return records, err
}

// Field returns the current value of one parameter path.
func (c *Coordinator) Field(ctx context.Context, path ref.Path) (paramsync.FieldValue, bool, error) {
	var field paramsync.FieldValue
	var ok bool
	err := c.do(ctx, func() {
		if c.engine != nil {
			field, ok = c.engine.Field(path)
		}
	})
	return field, ok, err
}

// Roster returns the active roster ordered by join time.
func (c *Coordinator) Roster() []presence.Participant {
	return c.tracker.Roster()
}

// State returns the current session state.
func (c *Coordinator) State() State {
	return c.currentState()
}

// Session returns the endpoint-assigned session ID, zero until the
// first join acknowledgment.
func (c *Coordinator) Session() ref.SessionID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// Leave closes the session: a best-effort leave frame, then the
// channel and all timers shut down. The outbox is untouched —
// unacknowledged mutations stay durable for the next join. Idempotent.
func (c *Coordinator) Leave(ctx context.Context) error {
	err := c.do(ctx, func() {
		c.shutdown(nil)
	})
	// Never joined or already closed: nothing to leave.
	if errors.Is(err, ErrClosed) || errors.Is(err, ErrNotJoined) {
		return nil
	}
	return err
}

// shutdown runs on the event loop: sends a best-effort leave frame,
// closes the channel, and terminates the loop.
func (c *Coordinator) shutdown(fatal error) {
	c.mu.Lock()
	session := c.session
	alreadyClosed := c.state == StateClosed
	c.mu.Unlock()
	if alreadyClosed {
		return
	}

	// Unblock inbound delivery first: conn.Close waits for the read
	// goroutine, which may be parked on a full frames buffer that this
	// loop will never drain again.
	close(c.closing)

	if fatal == nil && !session.IsZero() {
		if err := c.conn.Send(wire.Leave{Session: session}); err != nil {
			c.logger.Debug("leave frame not sent", "error", err)
		}
	}
	c.conn.Close()
	c.setState(StateClosed)
	if c.cancel != nil {
		c.cancel()
	}

	if fatal != nil {
		c.logger.Error("session closed", "error", fatal)
		if c.cfg.OnFatal != nil {
			c.cfg.OnFatal(fatal)
		}
	} else {
		c.logger.Info("session left")
	}
}

// run is the event loop: the only goroutine that touches the engine
// and the session state machine.
func (c *Coordinator) run(ctx context.Context) {
	defer close(c.loopDone)
	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-c.requests:
			fn()
		case frame := <-c.frames:
			c.handleFrame(ctx, frame)
		case state := <-c.channelStates:
			c.handleChannelState(state)
		}
	}
}

// do queues fn onto the event loop and waits for it to finish.
func (c *Coordinator) do(ctx context.Context, fn func()) error {
	c.mu.Lock()
	started := c.started
	c.mu.Unlock()
	if !started {
		return ErrNotJoined
	}

	done := make(chan struct{})
	wrapped := func() {
		defer close(done)
		fn()
	}
	select {
	case c.requests <- wrapped:
	case <-c.loopDone:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// deliverFrame runs on the channel's read goroutine. Frames arriving
// once shutdown has begun are dropped rather than waited on.
func (c *Coordinator) deliverFrame(frame wire.Frame) {
	select {
	case c.frames <- frame:
	case <-c.closing:
	case <-c.loopDone:
	}
}

// deliverChannelState runs on the channel's run goroutine.
func (c *Coordinator) deliverChannelState(state channel.State) {
	select {
	case c.channelStates <- state:
	case <-c.closing:
	case <-c.loopDone:
	}
}

func (c *Coordinator) handleChannelState(state channel.State) {
	switch state {
	case channel.StateOpen:
		// The handshake is on the wire; the join acknowledgment
		// drives the rest.
	case channel.StateDegraded:
		if c.currentState() == StateActive {
			c.setState(StateDegraded)
		}
	case channel.StateConnecting, channel.StateClosed:
	}
}

func (c *Coordinator) handleFrame(ctx context.Context, frame wire.Frame) {
	switch f := frame.(type) {
	case wire.JoinAck:
		c.handleJoinAck(ctx, f)
	case wire.FieldChange:
		c.handleFieldChange(f)
	case wire.Presence:
		c.handlePresence(f)
	case wire.Ack:
		if err := c.box.Acknowledge(ctx, f.Mutation); err != nil {
			c.logger.Warn("acknowledge failed", "mutation", f.Mutation, "error", err)
		}
	case wire.ConflictHint:
		c.handleConflictHint(f)
	case wire.SnapshotResponse:
		c.handleSnapshot(ctx, f)
	case wire.Heartbeat:
		// Endpoint-initiated liveness probe.
		if err := c.conn.Send(wire.HeartbeatAck{}); err != nil {
			c.logger.Debug("heartbeat ack not sent", "error", err)
		}
	case wire.ErrorFrame:
		c.handleError(ctx, f)
	default:
		c.logger.Debug("unexpected frame", "frame_type", frame.Type())
	}
}

// handleJoinAck runs the replay-then-resync sequence. Active is
// reported only after the snapshot reconciles — see handleSnapshot.
func (c *Coordinator) handleJoinAck(ctx context.Context, ack wire.JoinAck) {
	c.mu.Lock()
	c.session = ack.Session
	previousSelf := c.self
	c.self = ack.Participant
	c.mu.Unlock()

	if !previousSelf.IsZero() && previousSelf != ack.Participant {
		c.logger.Warn("endpoint reassigned participant identity",
			"previous", previousSelf,
			"assigned", ack.Participant,
		)
	}
	c.logger.Info("join acknowledged",
		"session", ack.Session,
		"participant", ack.Participant,
		"roster_size", len(ack.Roster),
	)

	for _, entry := range ack.Roster {
		c.tracker.RestoreEntry(entry.Participant, entry.DisplayName, entry.JoinedAt)
	}

	if c.engine == nil {
		engine, err := c.newEngine(ctx, ack.Participant)
		if err != nil {
			c.logger.Error("sync engine setup failed", "error", err)
			c.shutdown(err)
			return
		}
		c.engine = engine
	}

	if err := c.replayOutbox(ctx); err != nil {
		// The channel died mid-replay. The next join acknowledgment
		// restarts the sequence; everything unsent is still queued.
		c.logger.Warn("outbox replay interrupted", "error", err)
		return
	}
	c.requestSnapshot()
}

// newEngine builds the sync engine once the endpoint has assigned this
// client its participant ID, seeding the logical clock past any
// counter already used by queued mutations from a previous run.
func (c *Coordinator) newEngine(ctx context.Context, self ref.ParticipantID) (*paramsync.Engine, error) {
	pending, err := c.box.ListPending(ctx, c.cfg.Document)
	if err != nil {
		return nil, err
	}
	var highest uint64
	for _, mutation := range pending {
		if mutation.Version.Participant == self && mutation.Version.Counter > highest {
			highest = mutation.Version.Counter
		}
	}
	return paramsync.NewEngine(paramsync.Config{
		Self:           self,
		Policy:         c.cfg.Policy,
		InitialCounter: highest,
		Logger:         c.logger,
	})
}

// replayOutbox resends every queued mutation in emission order.
// Mutations that were in flight when the previous channel died are
// requeued first — their acks never arrived.
func (c *Coordinator) replayOutbox(ctx context.Context) error {
	if err := c.box.Requeue(ctx, c.cfg.Document); err != nil {
		return err
	}
	pending, err := c.box.ListPending(ctx, c.cfg.Document)
	if err != nil {
		return err
	}
	for _, mutation := range pending {
		if mutation.State != outbox.StateQueued {
			continue
		}
		err := c.sendMutation(ctx, mutation.ID, mutation.Path, mutation.Value, mutation.Version, mutation.BaseVersion)
		if err != nil {
			return err
		}
	}
	if len(pending) > 0 {
		c.logger.Info("outbox replayed", "count", len(pending))
	}
	return nil
}

func (c *Coordinator) requestSnapshot() {
	c.resyncing = true
	err := c.conn.Send(wire.SnapshotRequest{
		Session:  c.Session(),
		Document: c.cfg.Document,
	})
	if err != nil {
		c.logger.Warn("snapshot request not sent", "error", err)
	}
}

// handleSnapshot reconciles the endpoint's full state and completes
// the join sequence: this is the point where Active is reported.
func (c *Coordinator) handleSnapshot(ctx context.Context, response wire.SnapshotResponse) {
	if c.engine == nil {
		c.logger.Debug("snapshot before join acknowledgment, dropped")
		return
	}
	if !c.resyncing {
		c.logger.Debug("unsolicited snapshot, dropped")
		return
	}
	fields, err := response.Fields()
	if err != nil {
		// Corrupted in transit (digest mismatch) or undecodable: ask
		// again rather than reconcile bad state.
		c.logger.Warn("snapshot rejected, requesting a fresh one", "error", err)
		c.requestSnapshot()
		return
	}

	report, err := c.engine.ReconcileSnapshot(fields)
	if err != nil {
		c.logger.Error("snapshot reconciliation failed", "error", err)
		c.shutdown(err)
		return
	}
	for _, field := range report.Applied {
		if c.cfg.OnFieldChanged != nil {
			c.cfg.OnFieldChanged(field)
		}
	}
	for _, conflict := range report.Conflicts {
		if c.cfg.OnConflict != nil {
			c.cfg.OnConflict(conflict)
		}
	}

	c.resyncing = false
	c.setState(StateActive)
}

func (c *Coordinator) handleFieldChange(change wire.FieldChange) {
	if c.engine == nil {
		c.logger.Debug("field change before join acknowledgment, dropped")
		return
	}
	// An edit is activity for whoever made it.
	c.tracker.OnHeartbeat(change.Writer)

	result, err := c.engine.ApplyRemote(change.Path, change.Value, change.Version, change.BaseVersion)
	if err != nil {
		c.logger.Warn("inbound field change rejected", "path", change.Path, "error", err)
		return
	}
	switch result.Outcome {
	case paramsync.OutcomeApplied:
		if c.cfg.OnFieldChanged != nil {
			c.cfg.OnFieldChanged(result.Field)
		}
	case paramsync.OutcomeConflict:
		if c.cfg.OnConflict != nil {
			c.cfg.OnConflict(*result.Conflict)
		}
	case paramsync.OutcomeStale:
		c.logger.Debug("stale field change dropped",
			"path", change.Path,
			"version", change.Version,
		)
	}
}

func (c *Coordinator) handlePresence(event wire.Presence) {
	switch event.Event {
	case wire.PresenceJoin:
		c.tracker.OnJoin(event.Participant, event.DisplayName)
	case wire.PresenceLeave:
		c.tracker.OnLeave(event.Participant)
	case wire.PresenceCursor:
		c.tracker.OnCursorUpdate(event.Participant, *event.Cursor)
	case wire.PresenceHeartbeat:
		c.tracker.OnHeartbeat(event.Participant)
	}
}

// handleConflictHint re-checks local state: the hint is advisory and
// surfaces a conflict only when the causal rule already raised one.
func (c *Coordinator) handleConflictHint(hint wire.ConflictHint) {
	if c.engine == nil {
		return
	}
	for _, conflict := range c.engine.Conflicts() {
		if conflict.Path == hint.Path {
			if c.cfg.OnConflict != nil {
				c.cfg.OnConflict(conflict)
			}
			return
		}
	}
	c.logger.Debug("conflict hint with no local conflict", "path", hint.Path)
}

func (c *Coordinator) handleError(ctx context.Context, frame wire.ErrorFrame) {
	switch frame.Code {
	case wire.ErrCodeAuthRejected, wire.ErrCodeUnknownDocument:
		c.shutdown(&AuthError{Code: frame.Code, Message: frame.Message})
		return
	case wire.ErrCodeRateLimited:
		c.logger.Warn("endpoint is shedding load", "message", frame.Message)
	default:
		if !frame.Mutation.IsZero() {
			// The endpoint rejected one specific mutation; keep it out
			// of future replays but never drop it silently.
			c.logger.Warn("mutation rejected by endpoint",
				"mutation", frame.Mutation,
				"code", frame.Code,
				"message", frame.Message,
			)
			if err := c.box.MarkFailed(ctx, frame.Mutation); err != nil {
				c.logger.Warn("mark failed", "mutation", frame.Mutation, "error", err)
			}
			return
		}
		c.logger.Warn("endpoint error",
			"code", frame.Code,
			"message", frame.Message,
		)
	}
}

func (c *Coordinator) currentState() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// setState records a transition and notifies the observer. No-op when
// unchanged; Closed is terminal.
func (c *Coordinator) setState(state State) {
	c.mu.Lock()
	if c.state == state || c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	previous := c.state
	c.state = state
	c.mu.Unlock()

	c.logger.Info("session state changed", "from", previous, "to", state)
	if c.cfg.OnStateChanged != nil {
		c.cfg.OnStateChanged(state)
	}
}

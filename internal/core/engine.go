package core

import (
	"context"
	"time"

	"pkt.systems/lockd/internal/clock"
	"pkt.systems/lockd/internal/correlation"
	"pkt.systems/lockd/internal/loggingutil"
	"pkt.systems/lockd/internal/metrics"
	"pkt.systems/pslog"
)

// Command is the typed, already-validated representation of one decoded
// inbound frame (spec.md §4.4, §9 "dynamic type checking"). Construction
// from wire bytes lives in internal/protocol; Engine only ever sees values
// that already passed that gate.
type Command struct {
	Kind       CommandKind
	Conn       *Conn
	LockID     string
	Mode       Mode
	Nonce      string
	HasNonce   bool
	TimeoutMs  int
	HasTimeout bool
}

// CommandKind enumerates the recognized commands of spec.md §4.4.
type CommandKind uint8

const (
	CmdWisdom CommandKind = iota
	CmdAcquire
	CmdRelease
	CmdReleaseAll
	CmdShow
	CmdQuit
	CmdUnknown
	CmdInvalidLockID
)

// cmdMsg carries one decoded command into the engine's serialization
// domain (spec.md §9, "typed messages"). cid is the submitting connection's
// correlation id (internal/correlation), carried across the channel hop so
// lifecycle log lines can be joined back to the connection-scoped logs
// server.go emits for the same id.
type cmdMsg struct {
	cmd  Command
	cid  string
	done chan struct{}
}

// timerMsg carries one RequestRecord deadline firing into the engine.
type timerMsg struct {
	rec *RequestRecord
}

// disconnectMsg carries one connection-close notification into the engine.
type disconnectMsg struct {
	conn *Conn
	cid  string
	done chan struct{}
}

// Engine is the single logical execution context of spec.md §5: the
// registry, every entity, and every queue are mutated from exactly one
// goroutine, which drains a buffered channel of cmdMsg/timerMsg/
// disconnectMsg in arrival order. Nothing outside this goroutine ever
// touches Registry state.
type Engine struct {
	reg   *Registry
	clock clock.Clock
	log   pslog.Logger
	rec   *metrics.Recorder
	ch    chan any

	defaultTimeout time.Duration
}

// EngineOption configures an Engine at construction time.
type EngineOption func(*Engine)

// WithEngineClock injects a clock implementation, used in tests to drive
// deterministic timeout behavior via clock.Manual.
func WithEngineClock(c clock.Clock) EngineOption {
	return func(e *Engine) { e.clock = c }
}

// WithEngineLogger supplies a structured logger for entity transitions.
func WithEngineLogger(l pslog.Logger) EngineOption {
	return func(e *Engine) { e.log = l }
}

// WithDefaultTimeout sets the timeout applied when a command omits one.
func WithDefaultTimeout(d time.Duration) EngineOption {
	return func(e *Engine) { e.defaultTimeout = d }
}

// WithMetrics attaches a metrics recorder. Omitting this option leaves
// every Engine method free of telemetry side effects.
func WithMetrics(r *metrics.Recorder) EngineOption {
	return func(e *Engine) { e.rec = r }
}

// NewEngine constructs an Engine. greedyReaders seeds every lock entity's
// reader-greed policy (spec.md §9, fixed from configuration, never from
// per-command arguments). Run must be started in its own goroutine before
// any command is submitted.
func NewEngine(greedyReaders bool, opts ...EngineOption) *Engine {
	e := &Engine{
		reg:            NewRegistry(greedyReaders),
		clock:          clock.Real{},
		log:            loggingutil.NoopLogger(),
		ch:             make(chan any, 256),
		defaultTimeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run drains the engine's channel until ctx is cancelled. It must run in
// its own goroutine; every other Engine method posts onto the channel
// rather than touching Registry state directly.
func (e *Engine) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-e.ch:
			e.handle(msg)
		}
	}
}

func (e *Engine) handle(msg any) {
	switch m := msg.(type) {
	case cmdMsg:
		effects := e.dispatch(m.cmd)
		e.emit(effects, m.cid)
		if m.done != nil {
			close(m.done)
		}
	case timerMsg:
		effects := e.reg.TimeoutExpire(m.rec)
		e.emit(effects, "")
	case disconnectMsg:
		purged, effects := e.reg.DisconnectCleanup(m.conn)
		e.emit(effects, m.cid)
		if e.rec != nil {
			e.rec.DisconnectPurge(context.Background(), purged)
		}
		if m.done != nil {
			close(m.done)
		}
	}
}

func (e *Engine) emit(effects []Effect, cid string) {
	for _, eff := range effects {
		eff.Conn.emit(eff.Msg)
		e.record(eff.Msg)
		e.logTransition(eff, cid)
	}
}

// logTransition emits the structured lock-lifecycle lines: one per granted,
// queued, timed-out, or released effect. ReqID is only ever non-empty for
// effects that resolved a queued RequestRecord (queued, later-granted, or
// timed-out); immediate grants and releases have no record to tag. cid is
// the originating connection's correlation id (internal/correlation),
// absent for timer-goroutine-driven timeouts since those fire outside any
// connection's request scope.
func (e *Engine) logTransition(eff Effect, cid string) {
	conn := eff.Conn.ID()
	switch eff.Msg.Status {
	case StatusLocked:
		e.log.Info("lockd.lock.granted", "lock_id", eff.Msg.LockID, "mode", eff.Msg.Mode, "conn", conn, "req_id", eff.Msg.ReqID, "cid", cid)
	case StatusLockPending:
		e.log.Info("lockd.lock.queued", "lock_id", eff.Msg.LockID, "mode", eff.Msg.Mode, "conn", conn, "req_id", eff.Msg.ReqID, "cid", cid)
	case StatusAcquireTimeout:
		e.log.Info("lockd.lock.timeout", "lock_id", eff.Msg.LockID, "mode", eff.Msg.Mode, "conn", conn, "req_id", eff.Msg.ReqID, "cid", cid)
	case StatusReleased:
		e.log.Info("lockd.lock.released", "lock_id", eff.Msg.LockID, "mode", eff.Msg.Mode, "conn", conn, "cid", cid)
	}
}

func (e *Engine) record(msg OutMessage) {
	if e.rec == nil {
		return
	}
	ctx := context.Background()
	switch msg.Status {
	case StatusLocked:
		e.rec.Grant(ctx, msg.Mode)
	case StatusLockPending:
		e.rec.Pending(ctx, msg.Mode)
	case StatusAcquireTimeout:
		e.rec.Timeout(ctx, msg.Mode)
	case StatusReleased:
		e.rec.Release(ctx, msg.Mode)
	}
}

// Submit enqueues a command and blocks until the engine has processed it
// (including every synchronous side effect it produces). This gives the
// reader goroutine per-connection in-order processing without it ever
// touching shared state itself (spec.md §5, "ordering guarantees").
func (e *Engine) Submit(ctx context.Context, cmd Command) {
	done := make(chan struct{})
	select {
	case e.ch <- cmdMsg{cmd: cmd, cid: correlation.ID(ctx), done: done}:
	case <-ctx.Done():
		return
	}
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// Disconnected notifies the engine that conn has closed. It blocks until
// the resulting cleanup has been applied.
func (e *Engine) Disconnected(ctx context.Context, conn *Conn) {
	done := make(chan struct{})
	select {
	case e.ch <- disconnectMsg{conn: conn, cid: correlation.ID(ctx), done: done}:
	case <-ctx.Done():
		return
	}
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// armTimer schedules rec's deadline. The firing goroutine only ever posts
// a timerMsg back onto the engine's own channel — it never mutates
// Registry state itself. This is the fix for the closure-captured-this bug
// called out in spec.md §9: resolution happens against whatever the
// record's current queue membership is at delivery time, not against
// state captured when the timer was armed. The timer is registered with the
// clock before armTimer returns, so a clock.Manual advanced right after the
// acquire already sees it.
func (e *Engine) armTimer(rec *RequestRecord) {
	d := rec.Deadline.Sub(e.clock.Now())
	if d < 0 {
		d = 0
	}
	fired := e.clock.After(d)
	go func() {
		<-fired
		e.ch <- timerMsg{rec: rec}
	}()
}

func (e *Engine) dispatch(cmd Command) []Effect {
	switch cmd.Kind {
	case CmdWisdom:
		return []Effect{effect(cmd.Conn, OutMessage{Status: StatusWisdom, Nonces: nonceSlice(cmd.HasNonce, cmd.Nonce)})}
	case CmdAcquire:
		return e.dispatchAcquire(cmd)
	case CmdRelease:
		return e.reg.Release(cmd.Conn, cmd.LockID, cmd.Nonce, cmd.HasNonce)
	case CmdReleaseAll:
		return e.reg.ReleaseAll(cmd.Conn, cmd.Nonce, cmd.HasNonce, true)
	case CmdShow:
		return []Effect{effect(cmd.Conn, OutMessage{Status: StatusShow, Locks: e.reg.Show()})}
	case CmdQuit:
		effects := e.reg.ReleaseAll(cmd.Conn, cmd.Nonce, cmd.HasNonce, false)
		effects = append(effects, effect(cmd.Conn, OutMessage{Status: StatusGoInPieces}))
		return effects
	case CmdInvalidLockID:
		return []Effect{effect(cmd.Conn, OutMessage{Status: StatusInvalidLockID})}
	default:
		return []Effect{effect(cmd.Conn, OutMessage{Status: StatusCommandNotFound})}
	}
}

func (e *Engine) dispatchAcquire(cmd Command) []Effect {
	timeout := e.defaultTimeout
	if cmd.HasTimeout {
		timeout = time.Duration(cmd.TimeoutMs) * time.Millisecond
	}
	deadline := e.clock.Now().Add(timeout)

	var rec *RequestRecord
	var effects []Effect
	if cmd.Mode == ModeWrite {
		rec, effects = e.reg.AcquireWrite(cmd.Conn, cmd.LockID, cmd.Nonce, cmd.HasNonce, deadline)
	} else {
		rec, effects = e.reg.AcquireRead(cmd.Conn, cmd.LockID, cmd.Nonce, cmd.HasNonce, deadline)
	}
	if rec != nil {
		e.armTimer(rec)
	}
	return effects
}

package keepalive

import (
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mbocsi/goremote/actor"
)

const (
	// PingPeriod is the time between two heartbeat probes.
	PingPeriod = 3 * time.Second
	// MaxLostAcks is the number of probes in a row that may go unanswered
	// before the connection is considered dead.
	MaxLostAcks = 3
)

type HeartbeatSender interface {
	SendHeartbeat()
}

// HeartbeatFunc adapts a plain function to HeartbeatSender.
type HeartbeatFunc func()

func (f HeartbeatFunc) SendHeartbeat() { f() }

type State int32

const (
	StateIdle State = iota
	StateRunning
	StateStopped
	StateTimedOut
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	case StateTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

type action int

const (
	actionStart action = iota
	actionPing
	actionAck
	actionStop
)

func (a action) String() string {
	switch a {
	case actionStart:
		return "start"
	case actionPing:
		return "ping"
	case actionAck:
		return "ack"
	case actionStop:
		return "stop"
	default:
		return "unknown"
	}
}

type Options struct {
	Period      time.Duration
	MaxLostAcks int
	Logger      *slog.Logger
}

// Manager probes the remote end every period and reports a timeout once
// more than MaxLostAcks probes in a row went unacknowledged. Every state
// change runs on the manager's actor, so the state and the lost-ack counter
// have a single writer.
type Manager struct {
	sender    HeartbeatSender
	onTimeout func()
	period    time.Duration
	maxLost   int
	logger    *slog.Logger

	actor    *actor.Actor[action]
	lostAcks atomic.Int32
	state    atomic.Int32
}

func New(sender HeartbeatSender, onTimeout func(), opts *Options) *Manager {
	o := Options{}
	if opts != nil {
		o = *opts
	}
	if o.Period <= 0 {
		o.Period = PingPeriod
	}
	if o.MaxLostAcks <= 0 {
		o.MaxLostAcks = MaxLostAcks
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}

	m := &Manager{
		sender:    sender,
		onTimeout: onTimeout,
		period:    o.Period,
		maxLost:   o.MaxLostAcks,
		logger:    o.Logger.With("component", "keepalive"),
	}
	m.actor = actor.New("keepalive", m.handle, actor.WithLogger(o.Logger))
	m.actor.Start()
	return m
}

// Start begins probing. The first probe is sent as soon as the start event is
// handled.
func (m *Manager) Start() {
	if err := m.actor.SubmitKind(actionStart); err != nil {
		m.logger.Warn("Failed to start keepalive", "error", err)
	}
}

// OnAck records an acknowledgment from the remote end. Safe to call from any
// goroutine.
func (m *Manager) OnAck() {
	if err := m.actor.SubmitKind(actionAck); err != nil {
		m.logger.Debug("Dropped keepalive ack", "error", err)
	}
}

// Stop suspends probing. Queued probes and starts are dropped at once; the
// state turns Stopped when the actor handles the stop. The manager can be
// started again later.
func (m *Manager) Stop() {
	m.actor.Cancel(actionPing, actionStart)
	if err := m.actor.SubmitKind(actionStop); err != nil {
		m.logger.Debug("Failed to stop keepalive", "error", err)
	}
}

// Quit stops the underlying actor and waits for it to exit.
func (m *Manager) Quit() {
	m.actor.Stop()
}

func (m *Manager) State() State {
	return State(m.state.Load())
}

func (m *Manager) LostAcks() int {
	return int(m.lostAcks.Load())
}

func (m *Manager) handle(msg actor.Message[action]) {
	switch msg.Kind {
	case actionStart:
		m.handleStart()
	case actionPing:
		m.handlePing()
	case actionAck:
		m.handleAck()
	case actionStop:
		m.handleStop()
	}
}

func (m *Manager) handleStart() {
	m.logger.Debug("Keepalive started", "period", m.period, "max_lost_acks", m.maxLost)
	m.lostAcks.Store(0)
	m.state.Store(int32(StateRunning))
	m.handlePing()
}

func (m *Manager) handlePing() {
	if State(m.state.Load()) != StateRunning {
		// A tick that raced with Stop.
		return
	}

	m.sender.SendHeartbeat()
	if err := m.actor.SubmitDelayed(actor.Message[action]{Kind: actionPing}, m.period); err != nil {
		m.logger.Debug("Failed to schedule next probe", "error", err)
	}

	lost := m.lostAcks.Add(1)
	if int(lost) > m.maxLost {
		m.handleTimeout()
	}
}

func (m *Manager) handleTimeout() {
	m.actor.Cancel(actionPing, actionAck)
	m.state.Store(int32(StateTimedOut))
	m.logger.Warn("Keepalive timed out", "lost_acks", m.lostAcks.Load())
	if m.onTimeout != nil {
		m.onTimeout()
	}
}

// handleStop also drops the probe a start handled just before it may have
// scheduled.
func (m *Manager) handleStop() {
	m.actor.Cancel(actionPing)
	if State(m.state.Load()) == StateRunning {
		m.state.Store(int32(StateStopped))
		m.logger.Debug("Keepalive stopped")
	}
}

func (m *Manager) handleAck() {
	m.lostAcks.Store(0)
}

// Package broker keeps a subscription to the field devices' MQTT broker
// alive. The Manager owns the connection state machine and the reconnect
// policy; the transport sits behind the Session interface.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

var (
	// ErrNotConnected is returned by Publish while no session is up.
	ErrNotConnected = errors.New("broker: not connected")
	// ErrStopped is returned by Connect when Disconnect ran during the handshake.
	ErrStopped = errors.New("broker: disconnected during connect")
	// errLostDuringDial fails a handshake whose connection dropped before it finished.
	errLostDuringDial = errors.New("broker: connection lost during connect")
)

// State is the connection state of a Manager.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Status is a snapshot of the manager for the ops endpoint.
type Status struct {
	Connected         bool     `json:"connected"`
	State             string   `json:"state"`
	Broker            string   `json:"broker"`
	ClientID          string   `json:"client_id"`
	Topics            []string `json:"topics"`
	ReconnectDelay    string   `json:"reconnect_delay"`
	ReconnectAttempts int      `json:"reconnect_attempts"`
}

// Timer is the handle of a scheduled reconnect; *time.Timer satisfies it.
type Timer interface {
	Stop() bool
}

// Manager drives one Session through
// Disconnected → Connecting → Connected → Reconnecting → Connecting ...
//
// At most one reconnect timer is pending. Every timer carries the
// generation it was scheduled under; a connect, a disconnect or a newer
// schedule bumps the generation and turns older timers into no-ops.
type Manager struct {
	cfg       Config
	log       *slog.Logger
	handler   Handler
	session   Session
	afterFunc func(time.Duration, func()) Timer

	mu         sync.Mutex
	state      State
	backoff    Backoff
	generation uint64
	pending    Timer
	manualStop bool
	attempts   int
	// lostDuringDial records a loss reported while a dial was in flight.
	lostDuringDial error
}

// Option customises a Manager.
type Option func(*Manager)

// WithSessionFactory replaces the paho transport.
func WithSessionFactory(f SessionFactory) Option {
	return func(m *Manager) { m.session = f(m.cfg, m.onConnectionLost) }
}

// WithAfterFunc replaces time.AfterFunc for reconnect scheduling.
func WithAfterFunc(f func(time.Duration, func()) Timer) Option {
	return func(m *Manager) { m.afterFunc = f }
}

// NewManager validates cfg and returns a disconnected Manager. h receives
// every message on the subscribed topics.
func NewManager(cfg Config, h Handler, log *slog.Logger, opts ...Option) (*Manager, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	m := &Manager{
		cfg:     cfg,
		log:     log.With("component", "broker"),
		backoff: NewBackoff(cfg.BaseDelay, cfg.MaxDelay),
		afterFunc: func(d time.Duration, f func()) Timer {
			return time.AfterFunc(d, f)
		},
	}
	m.handler = func(msg Message) {
		messagesReceived.WithLabelValues(msg.Topic).Inc()
		h(msg)
	}
	for _, o := range opts {
		o(m)
	}
	if m.session == nil {
		m.session = NewPahoSession(m.cfg, m.onConnectionLost)
	}
	return m, nil
}

// Connect performs the handshake and subscribes to the configured topics.
// A failure is returned as is; no retry is scheduled for it.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	m.manualStop = false
	m.generation++
	gen := m.generation
	m.stopPendingLocked()
	m.setStateLocked(StateConnecting)
	m.mu.Unlock()

	m.log.Info("connecting to broker", "broker", m.cfg.BrokerURL, "client_id", m.cfg.ClientID)
	err := m.dial(ctx)

	m.mu.Lock()
	err = m.settleDialLocked(err)
	if m.manualStop {
		m.mu.Unlock()
		if err == nil {
			m.session.Disconnect()
		}
		return ErrStopped
	}
	if gen != m.generation {
		// A newer Connect owns the session now.
		m.mu.Unlock()
		return err
	}
	if err != nil {
		m.setStateLocked(StateDisconnected)
		m.mu.Unlock()
		m.log.Error("broker connect failed", "broker", m.cfg.BrokerURL, "error", err)
		return err
	}
	m.connectedLocked()
	m.mu.Unlock()
	return nil
}

// Disconnect stops reconnecting and closes the session. Safe to call in any
// state and more than once.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.manualStop = true
	m.generation++
	m.stopPendingLocked()
	prev := m.state
	m.setStateLocked(StateDisconnected)
	m.mu.Unlock()

	m.session.Disconnect()
	if prev != StateDisconnected {
		m.log.Info("disconnected from broker", "previous_state", prev.String())
	}
}

// Publish sends payload on topic with the configured QoS.
func (m *Manager) Publish(ctx context.Context, topic string, payload []byte) error {
	if topic == "" {
		return fmt.Errorf("broker: empty topic")
	}
	if len(payload) == 0 {
		return fmt.Errorf("broker: empty payload")
	}
	m.mu.Lock()
	connected := m.state == StateConnected
	m.mu.Unlock()
	if !connected {
		return ErrNotConnected
	}
	return m.session.Publish(ctx, topic, m.cfg.QoS, payload)
}

// Status returns a consistent snapshot. Connected also requires the
// transport to report an open connection.
func (m *Manager) Status() Status {
	open := m.session.IsConnected()

	m.mu.Lock()
	defer m.mu.Unlock()
	topics := make([]string, len(m.cfg.Topics))
	copy(topics, m.cfg.Topics)
	return Status{
		Connected:         m.state == StateConnected && open,
		State:             m.state.String(),
		Broker:            m.cfg.BrokerURL,
		ClientID:          m.cfg.ClientID,
		Topics:            topics,
		ReconnectDelay:    m.backoff.Current().String(),
		ReconnectAttempts: m.attempts,
	}
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// ---------------------------------------------------------------------------
// Reconnect machinery
// ---------------------------------------------------------------------------

// onConnectionLost is called by the transport on an unclean disconnect.
// Only an established connection schedules a reconnect; a loss during a
// handshake fails that handshake instead.
func (m *Manager) onConnectionLost(err error) {
	connectionsLost.Inc()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.manualStop {
		return
	}
	if m.state != StateConnected {
		if m.state == StateConnecting {
			m.lostDuringDial = err
		}
		m.log.Debug("broker connection lost while not connected", "state", m.state.String(), "error", err)
		return
	}
	m.log.Warn("broker connection lost, will reconnect",
		"error", err,
		"delay", m.backoff.Current().String(),
	)
	m.setStateLocked(StateReconnecting)
	m.scheduleLocked()
}

// scheduleLocked arms the single reconnect timer for the current delay.
func (m *Manager) scheduleLocked() {
	if m.manualStop {
		return
	}
	m.stopPendingLocked()
	m.generation++
	gen := m.generation
	m.pending = m.afterFunc(m.backoff.Current(), func() { m.reconnect(gen) })
}

func (m *Manager) reconnect(gen uint64) {
	m.mu.Lock()
	if m.manualStop || gen != m.generation || m.state == StateConnected {
		m.mu.Unlock()
		return
	}
	m.pending = nil
	m.attempts++
	attempt := m.attempts
	m.setStateLocked(StateConnecting)
	m.mu.Unlock()

	reconnectAttempts.Inc()
	m.log.Info("reconnecting to broker", "attempt", attempt)

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ConnectTimeout)
	err := m.dial(ctx)
	cancel()

	m.mu.Lock()
	err = m.settleDialLocked(err)
	if m.manualStop || gen != m.generation {
		m.mu.Unlock()
		if err == nil {
			m.session.Disconnect()
		}
		return
	}
	if err != nil {
		next := m.backoff.Advance()
		m.setStateLocked(StateReconnecting)
		m.log.Warn("reconnect failed", "attempt", attempt, "error", err, "next_delay", next.String())
		m.scheduleLocked()
		m.mu.Unlock()
		return
	}
	m.connectedLocked()
	m.mu.Unlock()
}

// dial connects the session and subscribes. Called without m.mu held.
func (m *Manager) dial(ctx context.Context) error {
	m.mu.Lock()
	m.lostDuringDial = nil
	m.mu.Unlock()

	if err := m.session.Connect(ctx); err != nil {
		return err
	}
	if err := m.session.Subscribe(ctx, m.cfg.Topics, m.cfg.QoS, m.handler); err != nil {
		m.session.Disconnect()
		return err
	}
	return nil
}

// settleDialLocked turns a dial that succeeded after its connection was
// already reported lost into a failure.
func (m *Manager) settleDialLocked(err error) error {
	lost := m.lostDuringDial
	m.lostDuringDial = nil
	if err != nil || lost == nil {
		return err
	}
	return fmt.Errorf("%w: %w", errLostDuringDial, lost)
}

func (m *Manager) connectedLocked() {
	m.generation++
	m.stopPendingLocked()
	m.backoff.Reset()
	m.attempts = 0
	m.setStateLocked(StateConnected)
	m.log.Info("connected to broker", "broker", m.cfg.BrokerURL, "topics", m.cfg.Topics, "qos", m.cfg.QoS)
}

func (m *Manager) stopPendingLocked() {
	if m.pending != nil {
		m.pending.Stop()
		m.pending = nil
	}
}

func (m *Manager) setStateLocked(s State) {
	m.state = s
	connectionState.Set(float64(s))
}

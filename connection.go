package gatherly

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ============================================================================
// Configuration
// ============================================================================

// DefaultBackoff is the reconnect schedule. The last entry repeats.
var DefaultBackoff = []time.Duration{
	1 * time.Second,
	2 * time.Second,
	4 * time.Second,
	8 * time.Second,
	16 * time.Second,
	30 * time.Second,
}

// ConnectionConfig configures a ConnectionManager.
type ConnectionConfig struct {
	Credentials       Credentials
	Transport         Transport
	Clock             Clock
	Bus               *Bus
	Logger            zerolog.Logger
	Backoff           []time.Duration
	HeartbeatInterval time.Duration
	SettleDelay       time.Duration
	DialTimeout       time.Duration
	WriteTimeout      time.Duration

	// OnFrame receives application frames in arrival order. Heartbeat frames
	// never reach it.
	OnFrame func(Frame)
	// OnStateChange is called synchronously on every transition, before the
	// event is published on the bus.
	OnStateChange func(ConnectionStateChanged)
}

func (c *ConnectionConfig) defaults() {
	if c.Clock == nil {
		c.Clock = SystemClock()
	}
	if len(c.Backoff) == 0 {
		c.Backoff = DefaultBackoff
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.SettleDelay == 0 {
		c.SettleDelay = 1 * time.Second
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 5 * time.Second
	}
}

// ============================================================================
// ConnectionManager
// ============================================================================

// ConnectionManager owns at most one live transport session and reconnects
// it with bounded exponential backoff.
//
// Every session gets a generation number. Callbacks from timers, dials and
// read loops carry the generation they were started with and are ignored
// once it is stale, so a late close from an old session can never disturb a
// newer one.
type ConnectionManager struct {
	cfg ConnectionConfig
	log zerolog.Logger

	mu         sync.Mutex
	creds      Credentials
	state      ConnectionState
	attempt    int
	lastErr    error
	gen        uint64
	conn       Conn
	cancelRead context.CancelFunc
	cancelDial context.CancelFunc
	retry      Timer
	heartbeat  Timer
	settle     Timer
}

// NewConnectionManager creates a manager in the disconnected state.
func NewConnectionManager(cfg ConnectionConfig) *ConnectionManager {
	cfg.defaults()
	setConnectionStateGauge(StateDisconnected)
	return &ConnectionManager{
		cfg:   cfg,
		log:   componentLogger(cfg.Logger, "connection"),
		creds: cfg.Credentials,
		state: StateDisconnected,
	}
}

// State returns the current connection state.
func (m *ConnectionManager) State() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Session returns a snapshot of the session bookkeeping.
func (m *ConnectionManager) Session() Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Session{State: m.state, Attempt: m.attempt, LastError: m.lastErr}
}

// SetCredentials replaces the credentials used by the next dial.
func (m *ConnectionManager) SetCredentials(creds Credentials) {
	m.mu.Lock()
	m.creds = creds
	m.mu.Unlock()
}

// Connect opens a session. It is a no-op while connecting or connected and
// fails fast with ErrMissingCredentials. When a retry is pending it is
// cancelled and the dial happens now. Transport failures are not returned;
// they are handled like a close and drive the reconnect schedule.
func (m *ConnectionManager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.state == StateConnecting || m.state == StateConnected {
		m.mu.Unlock()
		return nil
	}
	if !m.creds.valid() {
		m.mu.Unlock()
		return ErrMissingCredentials
	}
	m.stopTimerLocked(&m.retry)
	prev := m.state
	gen := m.beginDialLocked()
	creds := m.creds
	attempt := m.attempt
	m.mu.Unlock()

	m.emit(ConnectionStateChanged{State: StateConnecting, Previous: prev, Attempt: attempt})
	m.dial(ctx, gen, creds)
	return nil
}

func (m *ConnectionManager) beginDialLocked() uint64 {
	m.gen++
	m.state = StateConnecting
	return m.gen
}

func (m *ConnectionManager) dial(ctx context.Context, gen uint64, creds Credentials) {
	dctx, cancel := context.WithTimeout(ctx, m.cfg.DialTimeout)
	m.mu.Lock()
	m.cancelDial = cancel
	m.mu.Unlock()

	conn, err := m.cfg.Transport.Dial(dctx, creds)
	cancel()
	if err != nil {
		m.handleClose(gen, err)
		return
	}

	m.mu.Lock()
	m.cancelDial = nil
	if m.gen != gen || m.state != StateConnecting {
		m.mu.Unlock()
		_ = conn.Close(CloseNormal, "superseded")
		return
	}
	readCtx, cancelRead := context.WithCancel(context.Background())
	m.conn = conn
	m.cancelRead = cancelRead
	m.state = StateConnected
	m.attempt = 0
	m.lastErr = nil
	m.armHeartbeatLocked(gen)
	m.mu.Unlock()

	m.emit(ConnectionStateChanged{State: StateConnected, Previous: StateConnecting})
	go m.readLoop(readCtx, conn, gen)
}

// Disconnect cancels any pending retry and heartbeat, closes the session
// with a normal closure and moves to disconnected. It is safe to call any
// number of times.
func (m *ConnectionManager) Disconnect() error {
	m.mu.Lock()
	m.stopTimerLocked(&m.settle)
	m.stopTimerLocked(&m.retry)
	if m.cancelDial != nil {
		m.cancelDial()
		m.cancelDial = nil
	}
	conn := m.teardownLocked()
	prev := m.state
	m.gen++
	m.state = StateDisconnected
	m.attempt = 0
	m.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close(CloseNormal, "client disconnect")
	}
	if prev != StateDisconnected {
		m.emit(ConnectionStateChanged{State: StateDisconnected, Previous: prev})
	}
	return err
}

// Send writes one outbound frame.
func (m *ConnectionManager) Send(ctx context.Context, f Frame) error {
	m.mu.Lock()
	conn, state, gen := m.conn, m.state, m.gen
	m.mu.Unlock()
	if conn == nil || state != StateConnected {
		return ErrNotConnected
	}
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	wctx, cancel := context.WithTimeout(ctx, m.cfg.WriteTimeout)
	defer cancel()
	if err := conn.Write(wctx, data); err != nil {
		m.handleClose(gen, err)
		return fmt.Errorf("send %s: %w", f.Type, err)
	}
	return nil
}

// ============================================================================
// Lifecycle signals
// ============================================================================

// OnForeground connects when the manager is resting in disconnected.
func (m *ConnectionManager) OnForeground(ctx context.Context) error {
	if m.State() != StateDisconnected {
		return nil
	}
	return m.Connect(ctx)
}

// OnBackground always disconnects.
func (m *ConnectionManager) OnBackground() {
	_ = m.Disconnect()
}

// OnNetworkRestored connects after the settle delay unless already connected.
func (m *ConnectionManager) OnNetworkRestored() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopTimerLocked(&m.settle)
	m.settle = m.cfg.Clock.AfterFunc(m.cfg.SettleDelay, func() {
		m.mu.Lock()
		m.settle = nil
		m.mu.Unlock()
		if m.State() == StateConnected {
			return
		}
		if err := m.Connect(context.Background()); err != nil {
			m.log.Warn().Err(err).Msg("reconnect after network restore failed")
		}
	})
}

// OnNetworkLost stops the session and any retry schedule until the network
// comes back.
func (m *ConnectionManager) OnNetworkLost() {
	_ = m.Disconnect()
}

// ============================================================================
// Internals
// ============================================================================

// handleClose decides between giving up and retrying. Only a dial or a live
// session belonging to the current generation may trigger it.
func (m *ConnectionManager) handleClose(gen uint64, err error) {
	m.mu.Lock()
	if gen != m.gen || (m.state != StateConnecting && m.state != StateConnected) {
		m.mu.Unlock()
		return
	}
	conn := m.teardownLocked()
	prev := m.state
	m.lastErr = err

	var ce *CloseError
	if errors.As(err, &ce) && (ce.Normal() || ce.AuthRejected()) {
		m.gen++
		m.state = StateDisconnected
		m.attempt = 0
		m.mu.Unlock()
		if conn != nil {
			_ = conn.Close(CloseNormal, "")
		}
		m.log.Info().Err(err).Bool("auth_rejected", ce.AuthRejected()).Msg("session ended")
		m.emit(ConnectionStateChanged{
			State:        StateDisconnected,
			Previous:     prev,
			AuthRejected: ce.AuthRejected(),
			Err:          err,
		})
		return
	}

	delay := m.backoff(m.attempt)
	m.attempt++
	attempt := m.attempt
	m.state = StateReconnecting
	m.retry = m.cfg.Clock.AfterFunc(delay, func() { m.retryNow(gen) })
	m.mu.Unlock()

	if conn != nil {
		_ = conn.Close(CloseGoingAway, "reconnecting")
	}
	ReconnectAttempts.Inc()
	m.log.Warn().Err(err).Int(FieldAttempt, attempt).Dur(FieldDelay, delay).Msg("connection lost, retry scheduled")
	m.emit(ConnectionStateChanged{
		State:    StateReconnecting,
		Previous: prev,
		Attempt:  attempt,
		Delay:    delay,
		Err:      err,
	})
}

func (m *ConnectionManager) retryNow(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.state != StateReconnecting {
		m.mu.Unlock()
		return
	}
	m.retry = nil
	next := m.beginDialLocked()
	creds := m.creds
	attempt := m.attempt
	m.mu.Unlock()

	m.emit(ConnectionStateChanged{State: StateConnecting, Previous: StateReconnecting, Attempt: attempt})
	m.dial(context.Background(), next, creds)
}

func (m *ConnectionManager) backoff(attempt int) time.Duration {
	if attempt >= len(m.cfg.Backoff) {
		attempt = len(m.cfg.Backoff) - 1
	}
	return m.cfg.Backoff[attempt]
}

func (m *ConnectionManager) readLoop(ctx context.Context, conn Conn, gen uint64) {
	for {
		data, err := conn.Read(ctx)
		if err != nil {
			m.handleClose(gen, err)
			return
		}

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil || f.Type == "" {
			FramesDropped.WithLabelValues("malformed").Inc()
			m.log.Warn().Err(err).Int("bytes", len(data)).Msg("dropping malformed frame")
			continue
		}

		switch f.Type {
		case FramePong:
			continue
		case FramePing:
			go func() {
				if err := m.Send(context.Background(), Frame{Type: FramePong}); err != nil {
					m.log.Debug().Err(err).Msg("pong reply failed")
				}
			}()
			continue
		}

		if m.cfg.OnFrame != nil {
			m.cfg.OnFrame(f)
		}
	}
}

func (m *ConnectionManager) armHeartbeatLocked(gen uint64) {
	m.heartbeat = m.cfg.Clock.AfterFunc(m.cfg.HeartbeatInterval, func() { m.beat(gen) })
}

func (m *ConnectionManager) beat(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.state != StateConnected {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	if err := m.Send(context.Background(), Frame{Type: FramePing}); err != nil {
		m.log.Debug().Err(err).Msg("heartbeat failed")
		return
	}

	m.mu.Lock()
	if gen == m.gen && m.state == StateConnected {
		m.armHeartbeatLocked(gen)
	}
	m.mu.Unlock()
}

// teardownLocked drops the live session and returns its conn for closing
// outside the lock.
func (m *ConnectionManager) teardownLocked() Conn {
	m.stopTimerLocked(&m.heartbeat)
	if m.cancelRead != nil {
		m.cancelRead()
		m.cancelRead = nil
	}
	conn := m.conn
	m.conn = nil
	return conn
}

func (m *ConnectionManager) stopTimerLocked(t *Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

func (m *ConnectionManager) emit(ev ConnectionStateChanged) {
	setConnectionStateGauge(ev.State)
	m.log.Debug().Str(FieldState, string(ev.State)).Str("previous", string(ev.Previous)).Msg("state changed")
	if m.cfg.OnStateChange != nil {
		m.cfg.OnStateChange(ev)
	}
	if m.cfg.Bus != nil {
		m.cfg.Bus.Publish(ev)
	}
}

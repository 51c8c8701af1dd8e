// Package connection supervises the lifecycle of the primary channel.
//
//	Disconnected -> Connecting -> Connected
//	Connected --(unexpected close)--> Reconnecting(1..5) --> Connected | GivenUp
//
// An intentional disconnect cancels any pending reconnect and resets the
// retry counter; reconnects never fire after it. GivenUp is left only by a
// manual Connect.
package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

var (
	ErrAlreadyConnected = errors.New("already connected")
	ErrInProgress       = errors.New("connection attempt in progress")
	ErrGivenUp          = errors.New("reconnect attempts exhausted")
	ErrConnectionLost   = errors.New("connection lost")
	ErrDisconnected     = errors.New("disconnected")
)

// State of the primary connection
type State uint8

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateGivenUp
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateReconnecting:
		return "RECONNECTING"
	case StateGivenUp:
		return "GIVEN_UP"
	default:
		return "UNKNOWN"
	}
}

// Status is the state plus the reconnect attempt and the last error
type Status struct {
	State State
	// current attempt while reconnecting
	Attempt int
	// last connection error; persistent while given up
	Err error
}

func (s Status) String() string {
	if s.State == StateReconnecting {
		return fmt.Sprintf("%s(%d)", s.State, s.Attempt)
	}
	return s.State.String()
}

// ConnectFunc establishes the connection
type ConnectFunc func(ctx context.Context) error

// Manager of the connection state machine
type Manager struct {
	mu     sync.Mutex
	status Status
	// incremented on every new connect/reconnect cycle and on intentional
	// disconnect; results of older cycles are discarded
	generation uint64
	loopCancel context.CancelFunc
	wg         sync.WaitGroup

	connectFn   ConnectFunc
	closeFn     func()
	maxAttempts int
	backoff     BackoffFunc
	wait        WaitFunc
	permanent   func(error) bool

	onStateChange  []func(old, new Status)
	onConnected    []func(reconnected bool)
	onReconnecting []func(attempt int, delay time.Duration)
}

type Option func(*Manager)

func WithMaxAttempts(n int) Option {
	return func(m *Manager) { m.maxAttempts = n }
}

func WithBackoff(fn BackoffFunc) Option {
	return func(m *Manager) { m.backoff = fn }
}

// WithWait replaces the backoff sleep (tests)
func WithWait(fn WaitFunc) Option {
	return func(m *Manager) { m.wait = fn }
}

// WithPermanentError classifies errors which must not be retried (e.g.
// rejected credentials)
func WithPermanentError(fn func(error) bool) Option {
	return func(m *Manager) { m.permanent = fn }
}

// WithCloseFunc tears down a connection which was established by an
// attempt that completed after an intentional disconnect
func WithCloseFunc(fn func()) Option {
	return func(m *Manager) { m.closeFn = fn }
}

func NewManager(connectFn ConnectFunc, opts ...Option) *Manager {
	m := &Manager{
		status:      Status{State: StateDisconnected},
		connectFn:   connectFn,
		closeFn:     func() {},
		maxAttempts: MaxAttempts,
		backoff:     LinearBackoff,
		wait:        sleep,
		permanent:   func(error) bool { return false },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Status returns the current status
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// State returns the current state
func (m *Manager) State() State {
	return m.Status().State
}

func (m *Manager) IsConnected() bool {
	return m.State() == StateConnected
}

// OnStateChange registers a callback for status changes
func (m *Manager) OnStateChange(fn func(old, new Status)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onStateChange = append(m.onStateChange, fn)
}

// OnConnected registers a callback for every successful (re)connect
func (m *Manager) OnConnected(fn func(reconnected bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onConnected = append(m.onConnected, fn)
}

// OnReconnecting registers a callback invoked before each reconnect backoff
func (m *Manager) OnReconnecting(fn func(attempt int, delay time.Duration)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onReconnecting = append(m.onReconnecting, fn)
}

// Connect connects manually
//
// Allowed from Disconnected and GivenUp. A connectivity failure starts the
// bounded reconnect loop, a permanent failure is returned without retry.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	switch m.status.State {
	case StateConnected:
		m.mu.Unlock()
		return ErrAlreadyConnected
	case StateConnecting, StateReconnecting:
		m.mu.Unlock()
		return ErrInProgress
	}
	m.stopLoopLocked()
	m.generation++
	gen := m.generation
	old := m.status
	m.status = Status{State: StateConnecting}
	cur := m.status
	m.mu.Unlock()
	m.notify(old, cur)

	log.Info().Msg("Connecting...")
	err := m.connectFn(ctx)

	m.mu.Lock()
	if gen != m.generation {
		m.mu.Unlock()
		if err == nil {
			m.closeFn()
		}
		return ErrDisconnected
	}
	old = m.status
	switch {
	case err == nil:
		m.status = Status{State: StateConnected}
		cur = m.status
		m.mu.Unlock()
		log.Info().Msg("Connected")
		m.notify(old, cur)
		m.fireConnected(false)
		return nil
	case m.permanent(err):
		m.status = Status{State: StateDisconnected, Err: err}
		cur = m.status
		m.mu.Unlock()
		log.Error().Msgf("Connection rejected: %s", err)
		m.notify(old, cur)
		return err
	default:
		var start func()
		cur, start = m.startLoopLocked(err)
		m.mu.Unlock()
		log.Warn().Msgf("Failed to connect: %s", err)
		m.notify(old, cur)
		start()
		return err
	}
}

// ConnectionLost reports an unexpected close of the connection
func (m *Manager) ConnectionLost(err error) {
	if err == nil {
		err = ErrConnectionLost
	}
	m.mu.Lock()
	if m.status.State != StateConnected {
		m.mu.Unlock()
		return
	}
	old := m.status
	cur, start := m.startLoopLocked(err)
	m.mu.Unlock()
	log.Warn().Msgf("Connection lost: %s", err)
	m.notify(old, cur)
	start()
}

// Disconnect closes the connection
//
// An intentional disconnect stops reconnecting and clears the retry
// counter. A non intentional disconnect is treated like a lost connection.
func (m *Manager) Disconnect(intentional bool) {
	if !intentional {
		m.ConnectionLost(ErrConnectionLost)
		return
	}
	m.mu.Lock()
	m.generation++
	m.stopLoopLocked()
	old := m.status
	m.status = Status{State: StateDisconnected}
	cur := m.status
	m.mu.Unlock()
	log.Info().Msg("Disconnected")
	m.notify(old, cur)
}

// Close disconnects intentionally and waits for the reconnect loop to exit
func (m *Manager) Close() {
	m.Disconnect(true)
	m.wg.Wait()
}

func (m *Manager) stopLoopLocked() {
	if m.loopCancel != nil {
		m.loopCancel()
		m.loopCancel = nil
	}
}

// startLoopLocked enters Reconnecting(1) and returns the function starting
// the reconnect loop, to be called after the transition was announced
func (m *Manager) startLoopLocked(cause error) (Status, func()) {
	m.stopLoopLocked()
	m.generation++
	gen := m.generation
	ctx, cancel := context.WithCancel(context.Background())
	m.loopCancel = cancel
	m.status = Status{State: StateReconnecting, Attempt: 1, Err: cause}
	m.wg.Add(1)
	return m.status, func() { go m.reconnectLoop(ctx, gen, cause) }
}

func (m *Manager) reconnectLoop(ctx context.Context, gen uint64, lastErr error) {
	defer m.wg.Done()

	for attempt := 1; attempt <= m.maxAttempts; attempt++ {
		if attempt > 1 && !m.transition(gen, Status{State: StateReconnecting, Attempt: attempt, Err: lastErr}) {
			return
		}
		delay := m.backoff(attempt)
		log.Info().Msgf("Reconnecting in %s (attempt %d/%d)", delay, attempt, m.maxAttempts)
		m.fireReconnecting(attempt, delay)
		if err := m.wait(ctx, delay); err != nil {
			return
		}
		if ctx.Err() != nil {
			return
		}

		err := m.connectFn(ctx)

		m.mu.Lock()
		if gen != m.generation {
			m.mu.Unlock()
			if err == nil {
				log.Info().Msg("Dropping connection established after disconnect")
				m.closeFn()
			}
			return
		}
		old := m.status
		switch {
		case err == nil:
			m.status = Status{State: StateConnected}
			m.loopCancel = nil
			cur := m.status
			m.mu.Unlock()
			log.Info().Msgf("Reconnected after %d attempts", attempt)
			m.notify(old, cur)
			m.fireConnected(true)
			return
		case m.permanent(err):
			m.status = Status{State: StateDisconnected, Err: err}
			m.loopCancel = nil
			cur := m.status
			m.mu.Unlock()
			log.Error().Msgf("Reconnect rejected: %s", err)
			m.notify(old, cur)
			return
		}
		m.mu.Unlock()
		log.Warn().Msgf("Reconnect attempt %d failed: %s", attempt, err)
		lastErr = err
	}

	m.mu.Lock()
	if gen != m.generation {
		m.mu.Unlock()
		return
	}
	old := m.status
	m.status = Status{State: StateGivenUp, Attempt: m.maxAttempts, Err: fmt.Errorf("%w: %w", ErrGivenUp, lastErr)}
	m.loopCancel = nil
	cur := m.status
	m.mu.Unlock()
	log.Error().Msgf("Giving up after %d reconnect attempts: %s", m.maxAttempts, lastErr)
	m.notify(old, cur)
}

// transition sets the status if the cycle is still current
func (m *Manager) transition(gen uint64, s Status) bool {
	m.mu.Lock()
	if gen != m.generation {
		m.mu.Unlock()
		return false
	}
	old := m.status
	m.status = s
	m.mu.Unlock()
	m.notify(old, s)
	return true
}

func (m *Manager) notify(old, cur Status) {
	if old.State == cur.State && old.Attempt == cur.Attempt {
		return
	}
	m.mu.Lock()
	fns := append([]func(old, new Status){}, m.onStateChange...)
	m.mu.Unlock()
	for _, fn := range fns {
		fn(old, cur)
	}
}

func (m *Manager) fireConnected(reconnected bool) {
	m.mu.Lock()
	fns := append([]func(bool){}, m.onConnected...)
	m.mu.Unlock()
	for _, fn := range fns {
		fn(reconnected)
	}
}

func (m *Manager) fireReconnecting(attempt int, delay time.Duration) {
	m.mu.Lock()
	fns := append([]func(int, time.Duration){}, m.onReconnecting...)
	m.mu.Unlock()
	for _, fn := range fns {
		fn(attempt, delay)
	}
}

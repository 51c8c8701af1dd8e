package connection

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errRefused = errors.New("connection refused")

// recordingWait records backoff delays without sleeping
type recordingWait struct {
	mu     sync.Mutex
	delays []time.Duration
	// block the n-th wait (1-based) until ctx is done, 0 = never
	blockAt int
	blocked chan struct{}
}

func (w *recordingWait) wait(ctx context.Context, d time.Duration) error {
	w.mu.Lock()
	w.delays = append(w.delays, d)
	n := len(w.delays)
	w.mu.Unlock()
	if w.blockAt > 0 && n == w.blockAt {
		close(w.blocked)
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}

func (w *recordingWait) recorded() []time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]time.Duration(nil), w.delays...)
}

// scriptedConnect succeeds for the first `ok` calls and fails afterwards
type scriptedConnect struct {
	calls atomic.Int32
	ok    int32
	err   error
}

func (s *scriptedConnect) connect(ctx context.Context) error {
	n := s.calls.Add(1)
	if n <= s.ok {
		return nil
	}
	return s.err
}

func TestConnect(t *testing.T) {
	// arrange
	conn := &scriptedConnect{ok: 1}
	m := NewManager(conn.connect)
	defer m.Close()

	var transitions []string
	m.OnStateChange(func(old, new Status) {
		transitions = append(transitions, old.String()+"->"+new.String())
	})
	var connected []bool
	m.OnConnected(func(reconnected bool) { connected = append(connected, reconnected) })

	// act
	err := m.Connect(context.Background())

	// assert
	require.NoError(t, err)
	assert.Equal(t, StateConnected, m.State())
	assert.True(t, m.IsConnected())
	assert.Equal(t, []string{"DISCONNECTED->CONNECTING", "CONNECTING->CONNECTED"}, transitions)
	assert.Equal(t, []bool{false}, connected)
	assert.Equal(t, ErrAlreadyConnected, m.Connect(context.Background()))
}

func TestReconnectBudget(t *testing.T) {
	// arrange
	conn := &scriptedConnect{ok: 1, err: errRefused}
	w := &recordingWait{}
	m := NewManager(conn.connect, WithWait(w.wait))
	defer m.Close()
	require.NoError(t, m.Connect(context.Background()))

	var attempts []int
	var mu sync.Mutex
	m.OnStateChange(func(old, new Status) {
		mu.Lock()
		defer mu.Unlock()
		if new.State == StateReconnecting {
			attempts = append(attempts, new.Attempt)
		}
	})
	var delays []time.Duration
	m.OnReconnecting(func(attempt int, delay time.Duration) {
		mu.Lock()
		defer mu.Unlock()
		delays = append(delays, delay)
	})

	// act
	m.ConnectionLost(errors.New("EOF"))

	// assert
	require.Eventually(t, func() bool { return m.State() == StateGivenUp }, time.Second, time.Millisecond)
	m.wg.Wait()
	assert.Equal(t, []time.Duration{
		2 * time.Second, 4 * time.Second, 6 * time.Second, 8 * time.Second, 10 * time.Second,
	}, w.recorded())
	assert.Equal(t, int32(1+5), conn.calls.Load(), "exactly 5 reconnect attempts")
	mu.Lock()
	assert.Equal(t, []int{1, 2, 3, 4, 5}, attempts)
	assert.Equal(t, w.recorded(), delays)
	mu.Unlock()

	status := m.Status()
	assert.True(t, errors.Is(status.Err, ErrGivenUp))
	assert.True(t, errors.Is(status.Err, errRefused))

	// no 6th attempt happens on its own
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(6), conn.calls.Load())
	assert.Equal(t, StateGivenUp, m.State())
}

func TestManualConnectAfterGivingUp(t *testing.T) {
	conn := &scriptedConnect{ok: 1, err: errRefused}
	w := &recordingWait{}
	m := NewManager(conn.connect, WithWait(w.wait))
	defer m.Close()
	require.NoError(t, m.Connect(context.Background()))
	m.ConnectionLost(nil)
	require.Eventually(t, func() bool { return m.State() == StateGivenUp }, time.Second, time.Millisecond)

	// server is back
	conn.ok = 100
	err := m.Connect(context.Background())

	require.NoError(t, err)
	assert.Equal(t, Status{State: StateConnected}, m.Status())
}

func TestReconnectSuccessResetsCounter(t *testing.T) {
	// arrange: initial connect ok, two failures, then success
	var calls atomic.Int32
	connect := func(ctx context.Context) error {
		switch calls.Add(1) {
		case 2, 3:
			return errRefused
		default:
			return nil
		}
	}
	w := &recordingWait{}
	m := NewManager(connect, WithWait(w.wait))
	defer m.Close()
	reconnected := make(chan bool, 1)
	m.OnConnected(func(r bool) {
		if r {
			reconnected <- r
		}
	})
	require.NoError(t, m.Connect(context.Background()))

	// act
	m.ConnectionLost(nil)

	// assert
	select {
	case <-reconnected:
	case <-time.After(time.Second):
		t.Fatal("no reconnect")
	}
	assert.Equal(t, Status{State: StateConnected}, m.Status())

	// a later loss starts from attempt 1 again
	m.ConnectionLost(nil)
	select {
	case <-reconnected:
	case <-time.After(time.Second):
		t.Fatal("no reconnect")
	}
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second, 6 * time.Second, 2 * time.Second}, w.recorded())
}

func TestIntentionalDisconnectStopsReconnecting(t *testing.T) {
	// arrange: connected, then lost, 2 reconnects fail, third wait is pending
	conn := &scriptedConnect{ok: 1, err: errRefused}
	w := &recordingWait{blockAt: 3, blocked: make(chan struct{})}
	m := NewManager(conn.connect, WithWait(w.wait))
	require.NoError(t, m.Connect(context.Background()))
	m.ConnectionLost(nil)

	select {
	case <-w.blocked:
	case <-time.After(time.Second):
		t.Fatal("reconnect loop did not reach attempt 3")
	}
	require.Equal(t, Status{State: StateReconnecting, Attempt: 3, Err: errRefused}.String(), m.Status().String())

	// act
	m.Disconnect(true)
	m.wg.Wait()

	// assert
	assert.Equal(t, StateDisconnected, m.State())
	assert.Equal(t, 0, m.Status().Attempt)
	assert.Equal(t, int32(1+2), conn.calls.Load(), "no further reconnect attempts")
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(3), conn.calls.Load())
	assert.Equal(t, StateDisconnected, m.State())
}

func TestLateConnectionAfterDisconnectIsClosed(t *testing.T) {
	// arrange: the reconnect attempt blocks until released
	release := make(chan struct{})
	started := make(chan struct{})
	var calls atomic.Int32
	connect := func(ctx context.Context) error {
		if calls.Add(1) == 1 {
			return nil
		}
		close(started)
		<-release
		return nil
	}
	var closed atomic.Bool
	w := &recordingWait{}
	m := NewManager(connect, WithWait(w.wait), WithCloseFunc(func() { closed.Store(true) }))
	require.NoError(t, m.Connect(context.Background()))
	m.ConnectionLost(nil)
	<-started

	// act
	m.Disconnect(true)
	close(release)
	m.wg.Wait()

	// assert
	assert.True(t, closed.Load())
	assert.Equal(t, StateDisconnected, m.State())
}

func TestAuthFailureNotRetried(t *testing.T) {
	errAuth := errors.New("401 unauthorized")
	conn := &scriptedConnect{err: errAuth}
	w := &recordingWait{}
	m := NewManager(conn.connect, WithWait(w.wait), WithPermanentError(func(err error) bool {
		return errors.Is(err, errAuth)
	}))
	defer m.Close()

	err := m.Connect(context.Background())

	assert.True(t, errors.Is(err, errAuth))
	assert.Equal(t, StateDisconnected, m.State())
	assert.Equal(t, errAuth, m.Status().Err)
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, w.recorded())
	assert.Equal(t, int32(1), conn.calls.Load())
}

func TestFailedConnectRetries(t *testing.T) {
	conn := &scriptedConnect{err: errRefused}
	w := &recordingWait{}
	m := NewManager(conn.connect, WithWait(w.wait), WithMaxAttempts(2))
	defer m.Close()

	err := m.Connect(context.Background())

	assert.True(t, errors.Is(err, errRefused))
	require.Eventually(t, func() bool { return m.State() == StateGivenUp }, time.Second, time.Millisecond)
	assert.Equal(t, int32(3), conn.calls.Load())
}

func TestLinearBackoff(t *testing.T) {
	assert.Equal(t, []time.Duration{
		2 * time.Second, 4 * time.Second, 6 * time.Second, 8 * time.Second, 10 * time.Second,
	}, BackoffSequence(LinearBackoff, MaxAttempts))
	assert.Equal(t, 2*time.Second, LinearBackoff(0))
}

func TestSleepCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, sleep(ctx, time.Hour))
	assert.NoError(t, sleep(context.Background(), time.Millisecond))
}

// ABOUTME: Tests for the wake notifier polling loop
// ABOUTME: Covers message detection, timeout, orphan termination, heartbeats, and poll retries

package notify

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeCounter is a scriptable PendingCounter.
type fakeCounter struct {
	counts chan int
	errs   chan error
	calls  atomic.Int64
}

func (f *fakeCounter) CountPending(ctx context.Context, networkID, agentID string) (int, error) {
	f.calls.Add(1)
	select {
	case err := <-f.errs:
		return 0, err
	default:
	}
	select {
	case n := <-f.counts:
		return n, nil
	default:
		return 0, nil
	}
}

type fakeLiveness struct {
	alive atomic.Bool
}

func (f *fakeLiveness) Alive() bool { return f.alive.Load() }

func newFakeCounter() *fakeCounter {
	return &fakeCounter{
		counts: make(chan int, 16),
		errs:   make(chan error, 16),
	}
}

func TestNewWatcher_RequiresAgent(t *testing.T) {
	_, err := NewWatcher(Config{Store: newFakeCounter()})
	assert.ErrorIs(t, err, ErrMissingAgent)

	_, err = NewWatcher(Config{AgentID: "bob"})
	assert.Error(t, err)
}

func TestWait_MessageAvailable(t *testing.T) {
	store := newFakeCounter()
	store.counts <- 0
	store.counts <- 2

	w, err := NewWatcher(Config{
		AgentID: "bob",
		Store:   store,
		Poll:    5 * time.Millisecond,
	})
	require.NoError(t, err)

	outcome, err := w.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeMessage, outcome)
	assert.GreaterOrEqual(t, store.calls.Load(), int64(2))
}

func TestWait_Timeout(t *testing.T) {
	store := newFakeCounter()

	w, err := NewWatcher(Config{
		AgentID: "bob",
		Store:   store,
		Poll:    5 * time.Millisecond,
		Timeout: 30 * time.Millisecond,
	})
	require.NoError(t, err)

	start := time.Now()
	outcome, err := w.Wait(context.Background())
	require.NoError(t, err, "timeout is an outcome, not an error")
	assert.Equal(t, OutcomeTimeout, outcome)

	// Honored within one poll interval's slack
	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, 30*time.Millisecond)
	assert.Less(t, elapsed, 200*time.Millisecond)
}

func TestWait_OrphanTerminatesSilently(t *testing.T) {
	store := newFakeCounter()
	liveness := &fakeLiveness{}
	liveness.alive.Store(true)

	w, err := NewWatcher(Config{
		AgentID:  "bob",
		Store:    store,
		Poll:     5 * time.Millisecond,
		Liveness: liveness,
	})
	require.NoError(t, err)

	done := make(chan struct{})
	var outcome Outcome
	var waitErr error
	go func() {
		outcome, waitErr = w.Wait(context.Background())
		close(done)
	}()

	time.Sleep(15 * time.Millisecond)
	liveness.alive.Store(false)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("watcher did not terminate after anchor died")
	}
	require.NoError(t, waitErr)
	assert.Equal(t, OutcomeOrphaned, outcome)
}

func TestWait_ContextCancellation(t *testing.T) {
	store := newFakeCounter()

	w, err := NewWatcher(Config{
		AgentID: "bob",
		Store:   store,
		Poll:    50 * time.Millisecond,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	outcome, err := w.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeOrphaned, outcome)
	// Cancelled at the poll boundary, not after a full timeout
	assert.Less(t, time.Since(start), time.Second)
}

func TestWait_SinglePollFailureRetried(t *testing.T) {
	store := newFakeCounter()
	store.errs <- errors.New("database is locked")
	store.counts <- 1

	w, err := NewWatcher(Config{
		AgentID: "bob",
		Store:   store,
		Poll:    5 * time.Millisecond,
	})
	require.NoError(t, err)

	outcome, err := w.Wait(context.Background())
	require.NoError(t, err, "a single failed poll must not be fatal")
	assert.Equal(t, OutcomeMessage, outcome)
}

func TestWait_PersistentFailureIsError(t *testing.T) {
	store := newFakeCounter()
	for i := 0; i < 5; i++ {
		store.errs <- errors.New("store unreachable")
	}

	w, err := NewWatcher(Config{
		AgentID:          "bob",
		Store:            store,
		Poll:             5 * time.Millisecond,
		FailureThreshold: 3,
	})
	require.NoError(t, err)

	_, err = w.Wait(context.Background())
	require.Error(t, err, "persistent failures must surface, never masquerade as timeout")
	assert.Contains(t, err.Error(), "store unreachable")
}

func TestWait_HeartbeatsOnInterval(t *testing.T) {
	store := newFakeCounter()
	var beats atomic.Int64

	w, err := NewWatcher(Config{
		AgentID:   "bob",
		NetworkID: "proj",
		Store:     store,
		Poll:      5 * time.Millisecond,
		Heartbeat: 20 * time.Millisecond,
		Timeout:   90 * time.Millisecond,
		HeartbeatFunc: func(ctx context.Context) error {
			beats.Add(1)
			return nil
		},
	})
	require.NoError(t, err)

	outcome, err := w.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeTimeout, outcome)
	assert.GreaterOrEqual(t, beats.Load(), int64(2), "heartbeats should land while polling")
}

func TestWait_NoHeartbeatWithoutNetwork(t *testing.T) {
	store := newFakeCounter()
	var beats atomic.Int64

	w, err := NewWatcher(Config{
		AgentID:   "bob",
		Store:     store,
		Poll:      5 * time.Millisecond,
		Heartbeat: 10 * time.Millisecond,
		Timeout:   50 * time.Millisecond,
		HeartbeatFunc: func(ctx context.Context) error {
			beats.Add(1)
			return nil
		},
	})
	require.NoError(t, err)

	_, err = w.Wait(context.Background())
	require.NoError(t, err)
	assert.Zero(t, beats.Load(), "no network id means no heartbeats")
}

func TestAnchorPID_MissingProcess(t *testing.T) {
	// A PID that can't exist on any reasonable system
	assert.False(t, AnchorPID(1<<22-7).Alive())
}

package transport

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func TestStateMachine(t *testing.T) {
	var m StateMachine
	require.Equal(t, Unopened, m.Load())

	require.NoError(t, m.Open())
	require.Equal(t, Open, m.Load())
	require.ErrorIs(t, m.Open(), ErrAlreadyStarted)

	require.True(t, m.Close())
	require.False(t, m.Close())
	require.Equal(t, Closed, m.Load())
	require.ErrorIs(t, m.Open(), ErrClosed)
}

func TestStateMachineCloseFromUnopened(t *testing.T) {
	var m StateMachine
	require.True(t, m.Close())
	require.ErrorIs(t, m.Open(), ErrClosed)
}

func TestStateMachineConcurrentClose(t *testing.T) {
	var m StateMachine
	require.NoError(t, m.Open())

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		first int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if m.Close() {
				mu.Lock()
				first++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 1, first)
}

func TestHeartbeatBeatsOnInterval(t *testing.T) {
	clock := clockwork.NewFakeClock()
	beats := make(chan time.Time, 4)
	hb := NewHeartbeat(clock, 0, func(now time.Time) { beats <- now })

	hb.Arm()
	require.True(t, hb.Armed())
	clock.BlockUntil(1)

	clock.Advance(DefaultKeepAlive - time.Second)
	select {
	case <-beats:
		t.Fatal("heartbeat fired before the interval elapsed")
	case <-time.After(20 * time.Millisecond):
	}

	clock.Advance(time.Second)
	select {
	case <-beats:
	case <-time.After(time.Second):
		t.Fatal("heartbeat did not fire")
	}

	hb.Stop()
	require.False(t, hb.Armed())
}

func TestHeartbeatRearmResetsPeriod(t *testing.T) {
	clock := clockwork.NewFakeClock()
	beats := make(chan time.Time, 4)
	hb := NewHeartbeat(clock, 10*time.Second, func(now time.Time) { beats <- now })
	defer hb.Stop()

	hb.Arm()
	clock.BlockUntil(1)
	clock.Advance(8 * time.Second)

	hb.Arm()
	clock.BlockUntil(1)
	clock.Advance(8 * time.Second)
	select {
	case <-beats:
		t.Fatal("re-armed heartbeat kept the old period")
	case <-time.After(20 * time.Millisecond):
	}

	clock.Advance(2 * time.Second)
	select {
	case <-beats:
	case <-time.After(time.Second):
		t.Fatal("re-armed heartbeat did not fire")
	}
}

func TestHeartbeatStopFromCallback(t *testing.T) {
	clock := clockwork.NewFakeClock()
	done := make(chan struct{})
	var hb *Heartbeat
	hb = NewHeartbeat(clock, time.Second, func(time.Time) {
		hb.Stop()
		close(done)
	})

	hb.Arm()
	clock.BlockUntil(1)
	clock.Advance(time.Second)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("heartbeat did not fire")
	}
	require.False(t, hb.Armed())
}

func TestHandlersNilSafe(t *testing.T) {
	var h Handlers
	h.Message(context.Background(), nil)
	h.Error(context.Background(), nil)
	h.Closed()
}

package transport

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Heartbeat invokes a callback at a fixed interval until stopped. Arming an
// already running heartbeat restarts its period.
type Heartbeat struct {
	clock    clockwork.Clock
	interval time.Duration
	beat     func(now time.Time)

	mu   sync.Mutex
	stop chan struct{}
}

// NewHeartbeat builds a stopped heartbeat. A nil clock uses the real clock
// and a non-positive interval uses DefaultKeepAlive.
func NewHeartbeat(clock clockwork.Clock, interval time.Duration, beat func(now time.Time)) *Heartbeat {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if interval <= 0 {
		interval = DefaultKeepAlive
	}
	return &Heartbeat{clock: clock, interval: interval, beat: beat}
}

// Arm (re)starts the heartbeat.
func (h *Heartbeat) Arm() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stop != nil {
		close(h.stop)
	}
	stop := make(chan struct{})
	h.stop = stop
	ticker := h.clock.NewTicker(h.interval)
	go h.run(ticker, stop)
}

// Stop halts the heartbeat. It does not wait for an in-flight beat, so it is
// safe to call from inside the callback.
func (h *Heartbeat) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stop != nil {
		close(h.stop)
		h.stop = nil
	}
}

// Armed reports whether the heartbeat is running.
func (h *Heartbeat) Armed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stop != nil
}

func (h *Heartbeat) run(ticker clockwork.Ticker, stop <-chan struct{}) {
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case now := <-ticker.Chan():
			select {
			case <-stop:
				return
			default:
			}
			h.beat(now)
		}
	}
}

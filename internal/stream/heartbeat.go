package stream

import (
	"sync"
	"time"

	"github.com/foothold-sh/foothold/internal/ports"
)

// Heartbeater publishes heartbeat events on a channel while no output
// has been seen for a full interval. Call Touch whenever output is
// published so the next tick stays silent.
type Heartbeater struct {
	ch       *Channel
	clock    ports.Clock
	interval time.Duration

	mu   sync.Mutex
	last time.Time

	stop chan struct{}
	done chan struct{}
}

// NewHeartbeater creates a heartbeater for ch. Start must be called to
// begin ticking.
func NewHeartbeater(ch *Channel, clock ports.Clock, interval time.Duration) *Heartbeater {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Heartbeater{
		ch:       ch,
		clock:    clock,
		interval: interval,
		last:     clock.Now(),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Touch records output activity, suppressing the next heartbeat.
func (h *Heartbeater) Touch() {
	h.mu.Lock()
	h.last = h.clock.Now()
	h.mu.Unlock()
}

// Start launches the ticking goroutine.
func (h *Heartbeater) Start() {
	go h.run()
}

// Stop halts the heartbeater and waits for its goroutine to exit.
func (h *Heartbeater) Stop() {
	close(h.stop)
	<-h.done
}

func (h *Heartbeater) run() {
	defer close(h.done)

	ticker := h.clock.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stop:
			return
		case <-ticker.C():
			h.mu.Lock()
			idle := h.clock.Since(h.last) >= h.interval
			h.mu.Unlock()
			if idle {
				h.ch.Heartbeat()
			}
		}
	}
}

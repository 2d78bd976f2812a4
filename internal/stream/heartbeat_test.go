package stream

import (
	"testing"
	"time"

	"github.com/foothold-sh/foothold/internal/testing/fakes/fakeclock"
)

func TestHeartbeatFiresWhenIdle(t *testing.T) {
	clock := fakeclock.New(time.Unix(1700000000, 0))
	c := NewChannel(8)
	hb := NewHeartbeater(c, clock, 5*time.Second)
	hb.Start()
	defer hb.Stop()

	// The ticking goroutine registers its ticker asynchronously, so keep
	// advancing until the tick lands.
	deadline := time.After(2 * time.Second)
	for {
		clock.Advance(5 * time.Second)
		select {
		case ev := <-c.Events():
			if ev.Type != EventHeartbeat {
				t.Errorf("event = %+v, want heartbeat", ev)
			}
			return
		case <-deadline:
			t.Fatal("no heartbeat observed")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestTouchSuppressesHeartbeat(t *testing.T) {
	clock := fakeclock.New(time.Unix(1700000000, 0))
	c := NewChannel(8)
	hb := NewHeartbeater(c, clock, 5*time.Second)
	hb.Start()

	// Output just before the tick: the interval has not elapsed since
	// the last activity, so the tick stays silent.
	clock.Advance(4 * time.Second)
	hb.Touch()
	clock.Advance(1 * time.Second)

	hb.Stop()
	c.CloseWithResult(true, 0)

	for ev := range c.Events() {
		if ev.Type == EventHeartbeat {
			t.Errorf("unexpected heartbeat after Touch: %+v", ev)
		}
	}
}

func TestStopHaltsTicking(t *testing.T) {
	clock := fakeclock.New(time.Unix(1700000000, 0))
	c := NewChannel(8)
	hb := NewHeartbeater(c, clock, 5*time.Second)
	hb.Start()
	hb.Stop()

	clock.Advance(30 * time.Second)

	select {
	case ev, ok := <-c.Events():
		if ok {
			t.Errorf("unexpected event after Stop: %+v", ev)
		}
	default:
	}
}

func TestDefaultInterval(t *testing.T) {
	clock := fakeclock.New(time.Unix(1700000000, 0))
	hb := NewHeartbeater(NewChannel(1), clock, 0)
	if hb.interval != 5*time.Second {
		t.Errorf("interval = %v, want 5s", hb.interval)
	}
}

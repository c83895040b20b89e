package mmalcam

import "time"

// throttle enforces the minimum interval between successive still capture
// triggers. It is per-session state; the clock functions are injectable so
// the gating logic is testable without wall-clock sleeps.
type throttle struct {
	minInterval time.Duration
	last        time.Time

	now   func() time.Time
	sleep func(time.Duration)
}

func newThrottle(minInterval time.Duration) *throttle {
	return &throttle{
		minInterval: minInterval,
		now:         time.Now,
		sleep:       time.Sleep,
	}
}

// Wait blocks until the minimum interval since the previous trigger has
// elapsed, then records the new trigger time. The delay gates the next
// trigger, not the frame already delivered: the recorded time is taken
// after the sleep, at the moment the caller actually issues the trigger.
func (t *throttle) Wait() {
	if !t.last.IsZero() {
		if remaining := t.minInterval - t.now().Sub(t.last); remaining > 0 {
			t.sleep(remaining)
		}
	}
	t.last = t.now()
}

// Mark records a trigger issued outside Wait (the initial arm at start).
func (t *throttle) Mark() {
	t.last = t.now()
}

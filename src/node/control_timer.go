package node

import (
	"time"
)

type timerFactory func(time.Duration) <-chan time.Time

// ControlTimer drives the periodic TickAction of the dispatch loop. The loop
// owns the timer; background routines can reset or stop it.
type ControlTimer struct {
	timerFactory timerFactory
	tickCh       chan struct{}
	resetCh      chan time.Duration
	stopCh       chan struct{}
	shutdownCh   chan struct{}
	set          bool
}

func NewControlTimer(timerFactory timerFactory) *ControlTimer {
	return &ControlTimer{
		timerFactory: timerFactory,
		tickCh:       make(chan struct{}),
		resetCh:      make(chan time.Duration),
		stopCh:       make(chan struct{}),
		shutdownCh:   make(chan struct{}),
	}
}

// NewPeriodicControlTimer fires at a fixed period. Ticks only carry time into
// the state machine, so jitter is unnecessary.
func NewPeriodicControlTimer() *ControlTimer {
	periodicTimeout := func(period time.Duration) <-chan time.Time {
		if period == 0 {
			return nil
		}
		return time.After(period)
	}
	return NewControlTimer(periodicTimeout)
}

func (c *ControlTimer) Run(init time.Duration) {

	setTimer := func(t time.Duration) <-chan time.Time {
		c.set = true
		return c.timerFactory(t)
	}

	timer := setTimer(init)
	for {
		select {
		case <-timer:
			select {
			case c.tickCh <- struct{}{}:
			case <-c.shutdownCh:
				c.set = false
				return
			}
			c.set = false
			timer = setTimer(init)
		case t := <-c.resetCh:
			timer = setTimer(t)
		case <-c.stopCh:
			timer = nil
			c.set = false
		case <-c.shutdownCh:
			c.set = false
			return
		}
	}
}

func (c *ControlTimer) Shutdown() {
	close(c.shutdownCh)
}

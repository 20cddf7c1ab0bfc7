// Package mclock provides a monotonic clock abstraction so that the fetch
// engine's timers (idle timeout, datagram retransmit, queue activator) can be
// driven deterministically in tests instead of by real time.Sleep calls.
package mclock

import (
	"time"

	"github.com/aristanetworks/goarista/monotime"
)

// AbsTime represents absolute monotonic time.
type AbsTime time.Duration

// Now returns the current absolute monotonic time.
func Now() AbsTime {
	return AbsTime(monotime.Now())
}

// Add returns t + d.
func (t AbsTime) Add(d time.Duration) AbsTime {
	return t + AbsTime(d)
}

// Sub returns t - t2 as a duration.
func (t AbsTime) Sub(t2 AbsTime) time.Duration {
	return time.Duration(t - t2)
}

// Clock abstracts over wall-clock and simulated time sources.
type Clock interface {
	Now() AbsTime
	Sleep(time.Duration)
	NewTimer(time.Duration) ChanTimer
	After(time.Duration) <-chan AbsTime
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a cancellable deferred call.
type Timer interface {
	// Stop cancels the timer. It returns false if the timer has already
	// expired or been stopped.
	Stop() bool
}

// ChanTimer is a timer that delivers its expiry on a channel and can be
// rearmed with Reset.
type ChanTimer interface {
	Timer

	// C returns the channel that receives the timer's expiry time.
	C() <-chan AbsTime
	// Reset reschedules the timer to fire after d from now.
	Reset(time.Duration)
}

// System is a Clock backed by the real wall clock.
type System struct{}

func (c System) Now() AbsTime { return AbsTime(monotime.Now()) }

func (c System) Sleep(d time.Duration) { time.Sleep(d) }

func (c System) NewTimer(d time.Duration) ChanTimer {
	ch := make(chan AbsTime, 1)
	t := time.AfterFunc(d, func() {
		select {
		case ch <- c.Now():
		default:
		}
	})
	return &systemTimer{t, ch}
}

func (c System) After(d time.Duration) <-chan AbsTime {
	ch := make(chan AbsTime, 1)
	time.AfterFunc(d, func() { ch <- c.Now() })
	return ch
}

func (c System) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

type systemTimer struct {
	*time.Timer
	ch <-chan AbsTime
}

func (st *systemTimer) Reset(d time.Duration) { st.Timer.Reset(d) }
func (st *systemTimer) C() <-chan AbsTime      { return st.ch }

package clock

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/time/rate"
)

// idleWait bounds how long Run sleeps with nothing queued.
const idleWait = time.Hour

// Realtime runs the timer queue against the wall clock. All callbacks run
// on the goroutine that calls Run. A rate limiter caps the total callback
// rate so a misconfigured sample rate cannot spin the process.
type Realtime struct {
	core
	start   time.Time
	kick    chan struct{}
	limiter *rate.Limiter
}

var _ Scheduler = (*Realtime)(nil)

// NewRealtime creates a scheduler that dispatches at most maxPerSec
// callbacks per second. maxPerSec <= 0 means no cap.
func NewRealtime(maxPerSec float64) *Realtime {
	r := &Realtime{
		start:   time.Now(),
		kick:    make(chan struct{}, 1),
		limiter: rate.NewLimiter(rate.Inf, 0),
	}
	if maxPerSec > 0 {
		r.limiter = rate.NewLimiter(rate.Limit(maxPerSec), int(max(1, maxPerSec/10)))
	}
	r.core.now = r.Now
	r.core.wake = func() {
		select {
		case r.kick <- struct{}{}:
		default:
		}
	}
	return r
}

func (r *Realtime) Now() time.Duration { return time.Since(r.start) }

func (r *Realtime) Every(hz float64, fn func()) Task {
	p := Period(hz)
	return r.newTask(p, p, true, fn)
}

func (r *Realtime) After(d time.Duration, fn func()) Task {
	return r.newTask(d, 0, false, fn)
}

// Run dispatches callbacks until ctx is done.
func (r *Realtime) Run(ctx context.Context) {
	timer := time.NewTimer(idleWait)
	defer timer.Stop()
	for {
		for {
			e, ok := r.take(r.Now())
			if !ok {
				break
			}
			if err := r.limiter.Wait(ctx); err != nil {
				return
			}
			if r.live(e) {
				r.dispatch(e)
			}
		}
		wait := idleWait
		if at, ok := r.next(); ok {
			wait = max(at-r.Now(), 0)
		}
		timer.Reset(wait)
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		case <-r.kick:
		}
	}
}

func (r *Realtime) dispatch(e event) {
	defer func() {
		if p := recover(); p != nil {
			slog.Error("clock: callback panicked", "panic", p)
		}
	}()
	e.task.fn()
}

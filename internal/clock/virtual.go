package clock

import (
	"sync/atomic"
	"time"
)

// Virtual is a scheduler whose time only moves when Advance is called.
// Callbacks run on the goroutine calling Advance, in timestamp order.
type Virtual struct {
	core
	cur atomic.Int64
}

var _ Scheduler = (*Virtual)(nil)

func NewVirtual() *Virtual {
	v := &Virtual{}
	v.core.now = func() time.Duration { return time.Duration(v.cur.Load()) }
	return v
}

func (v *Virtual) Now() time.Duration { return time.Duration(v.cur.Load()) }

func (v *Virtual) Every(hz float64, fn func()) Task {
	p := Period(hz)
	return v.newTask(p, p, true, fn)
}

func (v *Virtual) After(d time.Duration, fn func()) Task {
	return v.newTask(d, 0, false, fn)
}

// Advance moves time forward by d, firing every callback that falls due.
// Now reports each callback's own timestamp while it runs.
func (v *Virtual) Advance(d time.Duration) {
	target := v.Now() + d
	for {
		e, ok := v.take(target)
		if !ok {
			break
		}
		v.cur.Store(int64(e.at))
		if v.live(e) {
			e.task.fn()
		}
	}
	v.cur.Store(int64(target))
}

// Pending reports whether any live callback is queued.
func (v *Virtual) Pending() bool {
	_, ok := v.next()
	return ok
}

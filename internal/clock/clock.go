// Package clock provides the one scheduler every model shares for periodic
// sampling and delayed conversions. Virtual is advanced by hand and is what
// tests use; Realtime runs the same queue against the wall clock on a
// single goroutine.
package clock

import (
	"container/heap"
	"fmt"
	"sync"
	"time"
)

// Scheduler runs callbacks periodically or once after a delay.
// Callbacks run one at a time on the scheduler's goroutine.
type Scheduler interface {
	// Now is the time elapsed since the scheduler started.
	Now() time.Duration
	// Every calls fn hz times per second until the task is stopped.
	Every(hz float64, fn func()) Task
	// After calls fn once, d from now.
	After(d time.Duration, fn func()) Task
}

// Task is a scheduled callback. Stop and Start may be called from inside
// the callback itself or from any other goroutine.
type Task interface {
	// Stop cancels pending calls. A stopped task never fires again until Start.
	Stop()
	// Start (re)arms the task relative to now, discarding pending calls.
	Start()
	Running() bool
}

// Period converts a frequency to the interval between calls. It panics
// when hz is not positive or so high the period rounds to zero.
func Period(hz float64) time.Duration {
	if hz <= 0 {
		panic(fmt.Sprintf("clock: invalid frequency %v", hz))
	}
	p := time.Duration(float64(time.Second) / hz)
	if p <= 0 {
		panic(fmt.Sprintf("clock: frequency %v has no representable period", hz))
	}
	return p
}

type event struct {
	at   time.Duration
	seq  uint64
	task *task
	gen  uint64
}

type eventQueue []event

func (q eventQueue) Len() int { return len(q) }
func (q eventQueue) Less(i, j int) bool {
	if q[i].at != q[j].at {
		return q[i].at < q[j].at
	}
	return q[i].seq < q[j].seq
}
func (q eventQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }
func (q *eventQueue) Push(x any)   { *q = append(*q, x.(event)) }
func (q *eventQueue) Pop() any {
	old := *q
	e := old[len(old)-1]
	*q = old[:len(old)-1]
	return e
}

// core is the timer queue shared by both schedulers.
type core struct {
	mu   sync.Mutex
	q    eventQueue
	seq  uint64
	now  func() time.Duration
	wake func()
}

type task struct {
	c        *core
	fn       func()
	first    time.Duration
	period   time.Duration
	gen      uint64
	active   bool
	periodic bool
}

func (c *core) newTask(first, period time.Duration, periodic bool, fn func()) *task {
	t := &task{c: c, fn: fn, first: first, period: period, periodic: periodic}
	t.Start()
	return t
}

func (c *core) push(t *task, at time.Duration) {
	c.seq++
	heap.Push(&c.q, event{at: at, seq: c.seq, task: t, gen: t.gen})
}

func (t *task) Start() {
	t.c.mu.Lock()
	t.gen++
	t.active = true
	t.c.push(t, t.c.now()+t.first)
	t.c.mu.Unlock()
	if t.c.wake != nil {
		t.c.wake()
	}
}

func (t *task) Stop() {
	t.c.mu.Lock()
	t.gen++
	t.active = false
	t.c.mu.Unlock()
}

func (t *task) Running() bool {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	return t.active
}

// next returns the time of the earliest live event.
func (c *core) next() (time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.q.Len() > 0 {
		e := c.q[0]
		if e.task.active && e.task.gen == e.gen {
			return e.at, true
		}
		heap.Pop(&c.q)
	}
	return 0, false
}

// take pops the earliest live event due at or before limit and, for
// periodic tasks, queues the following one. The caller runs the callback.
func (c *core) take(limit time.Duration) (event, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.q.Len() > 0 {
		e := c.q[0]
		if e.task.gen != e.gen || !e.task.active {
			heap.Pop(&c.q)
			continue
		}
		if e.at > limit {
			return event{}, false
		}
		heap.Pop(&c.q)
		if e.task.periodic {
			c.push(e.task, e.at+e.task.period)
		} else {
			e.task.active = false
		}
		return e, true
	}
	return event{}, false
}

// live reports whether e is still current, i.e. not stopped or restarted
// while it waited to run.
func (c *core) live(e event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e.task.periodic {
		return e.task.active && e.task.gen == e.gen
	}
	return e.task.gen == e.gen
}

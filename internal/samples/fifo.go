// Package samples holds the measurement data behind the sensor models: a
// bounded FIFO with a current/default sample, text sample files, and
// timestamped streams replayed by a scheduler-driven feeder.
package samples

import (
	"fmt"
	"sync"
)

// Mode selects how a FIFO stores fed samples.
type Mode uint8

const (
	// Bypass keeps no queue; Feed replaces the current sample.
	Bypass Mode = iota
	// StopWhenFull queues samples and drops new ones once full.
	StopWhenFull
	// Continuous queues samples and evicts the oldest once full, raising overrun.
	Continuous
)

func (m Mode) String() string {
	switch m {
	case Bypass:
		return "bypass"
	case StopWhenFull:
		return "fifo"
	case Continuous:
		return "continuous"
	}
	panic(fmt.Sprintf("samples: unknown mode %d", uint8(m)))
}

// Config describes a FIFO. Capacity <= 0 means unbounded.
type Config[T any] struct {
	Name     string
	Capacity int
	Mode     Mode
	Default  T
	// ClearOnEmpty resets the current sample to the default when a dequeue
	// finds the queue empty. Otherwise the last sample is kept.
	ClearOnEmpty bool
}

// FIFO is a queue of pending samples plus the current sample that register
// reads convert. All methods are safe for concurrent use.
type FIFO[T any] struct {
	mu           sync.Mutex
	name         string
	capacity     int
	mode         Mode
	queue        []T
	def          T
	current      T
	overrun      bool
	keepOnReset  bool
	clearOnEmpty bool
	onEmpty      func()
}

func NewFIFO[T any](cfg Config[T]) *FIFO[T] {
	return &FIFO[T]{
		name:         cfg.Name,
		capacity:     cfg.Capacity,
		mode:         cfg.Mode,
		def:          cfg.Default,
		current:      cfg.Default,
		clearOnEmpty: cfg.ClearOnEmpty,
	}
}

func (f *FIFO[T]) Name() string { return f.name }

// Capacity returns the queue bound, or 0 when unbounded.
func (f *FIFO[T]) Capacity() int { return max(f.capacity, 0) }

// feedLocked stores one sample and reports whether it was kept.
func (f *FIFO[T]) feedLocked(s T) bool {
	if f.mode == Bypass {
		f.current = s
		return true
	}
	if f.capacity > 0 && len(f.queue) >= f.capacity {
		if f.mode == StopWhenFull {
			return false
		}
		f.queue = f.queue[1:]
		f.overrun = true
	}
	f.queue = append(f.queue, s)
	return true
}

// Feed adds one sample. It reports false when the sample was dropped
// because the queue was full in StopWhenFull mode.
func (f *FIFO[T]) Feed(s T) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.feedLocked(s)
}

// FeedRepeat feeds s n times.
func (f *FIFO[T]) FeedRepeat(s T, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := 0; i < n; i++ {
		f.feedLocked(s)
	}
}

// FeedAll feeds every sample in order.
func (f *FIFO[T]) FeedAll(ss []T) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range ss {
		f.feedLocked(s)
	}
}

// FeedFromFile loads a whole sample file and feeds it. A malformed line
// rejects the file and nothing is fed. A loaded file marks the FIFO
// keep-on-reset so the data survives a software reset of the sensor.
func (f *FIFO[T]) FeedFromFile(path string, parse ParseFunc[T]) ([]T, error) {
	ss, err := ReadFile(path, parse)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range ss {
		f.feedLocked(s)
	}
	f.keepOnReset = true
	return ss, nil
}

// TryDequeueNext moves the oldest queued sample into the current slot.
// It returns false in Bypass mode or when the queue is empty.
func (f *FIFO[T]) TryDequeueNext() bool {
	f.mu.Lock()
	if f.mode == Bypass {
		f.mu.Unlock()
		return false
	}
	if len(f.queue) == 0 {
		if f.clearOnEmpty {
			f.current = f.def
		}
		f.mu.Unlock()
		return false
	}
	f.current = f.queue[0]
	var zero T
	f.queue[0] = zero
	f.queue = f.queue[1:]
	emptied := len(f.queue) == 0
	fn := f.onEmpty
	f.mu.Unlock()
	if emptied && fn != nil {
		fn()
	}
	return true
}

// OnEmpty registers a callback run after a dequeue takes the last sample,
// typically to refill the queue. It runs without the FIFO lock held.
func (f *FIFO[T]) OnEmpty(fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onEmpty = fn
}

// Current returns the current sample.
func (f *FIFO[T]) Current() T {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

// SetCurrent overrides the current sample, e.g. from a property write.
func (f *FIFO[T]) SetCurrent(s T) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.current = s
}

func (f *FIFO[T]) Default() T {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.def
}

func (f *FIFO[T]) SetDefault(s T) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.def = s
}

func (f *FIFO[T]) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queue)
}

// Full reports whether a bounded queue has reached capacity.
func (f *FIFO[T]) Full() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.capacity > 0 && len(f.queue) >= f.capacity
}

// Overrun reports whether a sample was evicted since the flag was last cleared.
func (f *FIFO[T]) Overrun() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.overrun
}

func (f *FIFO[T]) ClearOverrun() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.overrun = false
}

func (f *FIFO[T]) Mode() Mode {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mode
}

// SetMode switches the storage mode. Entering Bypass empties the queue.
func (f *FIFO[T]) SetMode(m Mode) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m == Bypass && f.mode != Bypass {
		f.queue = nil
		f.overrun = false
	}
	f.mode = m
}

// Clear empties the queue and the overrun flag unconditionally (a flush).
func (f *FIFO[T]) Clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queue = nil
	f.overrun = false
}

// Reset clears the queue and overrun flag and restores the default sample,
// unless keep-on-reset is set, in which case the queue survives.
func (f *FIFO[T]) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.current = f.def
	if f.keepOnReset {
		return
	}
	f.queue = nil
	f.overrun = false
}

func (f *FIFO[T]) KeepOnReset() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.keepOnReset
}

func (f *FIFO[T]) SetKeepOnReset(keep bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keepOnReset = keep
}

// Pending returns a copy of the queued samples, oldest first.
func (f *FIFO[T]) Pending() []T {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]T(nil), f.queue...)
}

package samples

import (
	"sync"
	"time"

	"github.com/micro-nova/sensorsim/internal/clock"
)

// FeederConfig describes a Feeder.
type FeederConfig[T any] struct {
	Scheduler clock.Scheduler
	Stream    Stream[T]
	Hz        float64
	Sink      func(T)
	// OnEnd, if set, receives the last sample once the stream is exhausted.
	OnEnd func(last T)
}

// Feeder replays a Stream into a sink at a fixed rate on the shared
// scheduler. Stream time starts at zero when the feeder starts. OK samples
// go to the sink, ticks before the stream are skipped, and the first tick
// past the end stops the feeder and calls OnEnd.
type Feeder[T any] struct {
	mu      sync.Mutex
	cfg     FeederConfig[T]
	task    clock.Task
	base    time.Duration
	ticks   int
	started bool
}

// NewFeeder returns a stopped feeder.
func NewFeeder[T any](cfg FeederConfig[T]) *Feeder[T] {
	return &Feeder[T]{cfg: cfg}
}

// Start begins (or restarts from stream time zero) the replay.
func (f *Feeder[T]) Start() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.base = f.cfg.Scheduler.Now()
	f.ticks = 0
	f.started = true
	if f.cfg.Hz <= 0 {
		return
	}
	if f.task == nil {
		f.task = f.cfg.Scheduler.Every(f.cfg.Hz, f.tick)
		return
	}
	f.task.Start()
}

// SetHz changes the replay rate without moving the stream origin. hz <= 0
// pauses a started feeder; stream time keeps running while paused.
func (f *Feeder[T]) SetHz(hz float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if hz == f.cfg.Hz {
		return
	}
	f.cfg.Hz = hz
	if f.task != nil {
		f.task.Stop()
		f.task = nil
	}
	if f.started && hz > 0 {
		f.task = f.cfg.Scheduler.Every(hz, f.tick)
	}
}

// Stop halts the replay. A tick already running completes.
func (f *Feeder[T]) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = false
	if f.task != nil {
		f.task.Stop()
	}
}

func (f *Feeder[T]) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.task != nil && f.task.Running()
}

// Ticks counts samples delivered since the last Start.
func (f *Feeder[T]) Ticks() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ticks
}

func (f *Feeder[T]) tick() {
	f.mu.Lock()
	// A tick dispatched before Stop or SetHz(0) took the lock.
	if !f.started || f.task == nil {
		f.mu.Unlock()
		return
	}
	ts := f.cfg.Scheduler.Now() - f.base
	s, st := f.cfg.Stream.TryGetSampleAtOrBefore(ts)
	switch st {
	case OK:
		f.ticks++
	case BeforeStream:
		f.mu.Unlock()
		return
	case AfterStream:
		f.started = false
		f.task.Stop()
		f.mu.Unlock()
		if f.cfg.OnEnd != nil {
			f.cfg.OnEnd(s)
		}
		return
	default:
		f.mu.Unlock()
		panic("samples: unknown stream status " + st.String())
	}
	f.mu.Unlock()
	f.cfg.Sink(s)
}

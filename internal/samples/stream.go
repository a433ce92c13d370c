package samples

import (
	"fmt"
	"io"
	"os"
	"sort"
	"time"
)

// Status is the position of a timestamp relative to a stream.
type Status uint8

const (
	OK Status = iota
	BeforeStream
	AfterStream
)

func (s Status) String() string {
	switch s {
	case OK:
		return "ok"
	case BeforeStream:
		return "before-stream"
	case AfterStream:
		return "after-stream"
	}
	panic(fmt.Sprintf("samples: unknown status %d", uint8(s)))
}

// Stream supplies timestamped samples on demand.
type Stream[T any] interface {
	// TryGetSampleAtOrBefore returns the latest sample at or before ts.
	// Outside the stream it reports BeforeStream (zero sample) or
	// AfterStream (the last sample).
	TryGetSampleAtOrBefore(ts time.Duration) (T, Status)
}

// Point is one timestamped sample.
type Point[T any] struct {
	At    time.Duration
	Value T
}

// Series is an in-memory Stream. Each sample is valid for Period after its
// timestamp, so the stream ends at the last timestamp plus Period.
type Series[T any] struct {
	points []Point[T]
	period time.Duration
}

var _ Stream[float64] = (*Series[float64])(nil)

// NewSeries sorts points by time. period is how long the last sample stays valid.
func NewSeries[T any](points []Point[T], period time.Duration) *Series[T] {
	ps := append([]Point[T](nil), points...)
	sort.SliceStable(ps, func(i, j int) bool { return ps[i].At < ps[j].At })
	return &Series[T]{points: ps, period: period}
}

func (s *Series[T]) Len() int { return len(s.points) }

// End is the first timestamp past the stream.
func (s *Series[T]) End() time.Duration {
	if len(s.points) == 0 {
		return 0
	}
	return s.points[len(s.points)-1].At + s.period
}

func (s *Series[T]) TryGetSampleAtOrBefore(ts time.Duration) (T, Status) {
	var zero T
	if len(s.points) == 0 {
		return zero, AfterStream
	}
	if ts < s.points[0].At {
		return zero, BeforeStream
	}
	i := sort.Search(len(s.points), func(i int) bool { return s.points[i].At > ts }) - 1
	last := len(s.points) - 1
	if i == last && ts > s.points[last].At && ts >= s.End() {
		return s.points[last].Value, AfterStream
	}
	return s.points[i].Value, OK
}

// ReadSeries parses lines of "<duration> <columns...>", e.g. "10ms 0 0 1".
// period is passed to NewSeries.
func ReadSeries[T any](r io.Reader, name string, period time.Duration, parse ParseFunc[T]) (*Series[T], error) {
	pts, err := Read(r, name, func(cols []string) (Point[T], error) {
		if len(cols) < 2 {
			return Point[T]{}, errColumns
		}
		at, err := time.ParseDuration(cols[0])
		if err != nil {
			return Point[T]{}, fmt.Errorf("timestamp: %w", err)
		}
		v, err := parse(cols[1:])
		if err != nil {
			return Point[T]{}, err
		}
		return Point[T]{At: at, Value: v}, nil
	})
	if err != nil {
		return nil, err
	}
	return NewSeries(pts, period), nil
}

// ReadSeriesFile is ReadSeries on the named file.
func ReadSeriesFile[T any](path string, period time.Duration, parse ParseFunc[T]) (*Series[T], error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("samples: open %s: %w", path, err)
	}
	defer f.Close()
	return ReadSeries(f, path, period, parse)
}

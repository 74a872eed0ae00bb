// Package clock supplies the two time readings the evidence core needs:
// wall-clock nanoseconds for log timestamps and bundle windows, and
// monotonic nanoseconds for rate-limit window arithmetic. Components take
// a Source by injection; tests substitute Manual.
//
// Monotonic readings must be non-decreasing within a process. A
// regression is a programming fault in the Source implementation, not a
// runtime condition the core handles.
package clock

import (
	"sync"
	"time"
)

// Source exposes wall and monotonic readings in nanoseconds. Only
// differences of MonoNow values are meaningful.
type Source interface {
	WallNow() uint64
	MonoNow() uint64
}

// System reads the operating system clocks.
type System struct {
	once sync.Once
	base time.Time
}

// NewSystem returns a Source backed by the OS clocks.
func NewSystem() *System { return &System{} }

// WallNow returns the current wall-clock time in unix nanoseconds.
func (s *System) WallNow() uint64 {
	return uint64(time.Now().UnixNano())
}

// MonoNow returns nanoseconds elapsed since the first reading. Go's
// time.Since uses the monotonic reading of the stored base, so the
// result never regresses within a process.
func (s *System) MonoNow() uint64 {
	s.once.Do(func() { s.base = time.Now() })
	return uint64(time.Since(s.base))
}

// Manual is a hand-cranked Source for tests. Wall and mono readings
// advance together unless set independently.
type Manual struct {
	mu   sync.Mutex
	wall uint64
	mono uint64
}

// NewManual returns a Manual source starting at the given wall reading
// and monotonic zero.
func NewManual(wall uint64) *Manual {
	return &Manual{wall: wall}
}

// WallNow returns the current manual wall reading.
func (m *Manual) WallNow() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.wall
}

// MonoNow returns the current manual monotonic reading.
func (m *Manual) MonoNow() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mono
}

// Advance moves both readings forward by d.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.wall += uint64(d)
	m.mono += uint64(d)
}

// SetWall pins the wall reading without touching the monotonic one.
func (m *Manual) SetWall(ns uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.wall = ns
}

// Window is a closed wall-clock interval [Start, End] in unix
// nanoseconds, the shape bundles are declared over.
type Window struct {
	Start uint64
	End   uint64
}

// Valid reports whether the window is well-formed (Start <= End).
func (w Window) Valid() bool { return w.Start <= w.End }

// Contains reports whether ts lies inside the closed interval.
func (w Window) Contains(ts uint64) bool {
	return w.Start <= ts && ts <= w.End
}

// Duration returns the window length in nanoseconds.
func (w Window) Duration() uint64 { return w.End - w.Start }

// InSpan reports whether ts lies in the half-open limiter interval
// (now-duration, now]. Saturates at zero rather than wrapping when now
// is earlier than duration.
func InSpan(ts, now, duration uint64) bool {
	if ts > now {
		return false
	}
	if now < duration {
		return true // span extends past the epoch, everything <= now is in
	}
	return ts > now-duration
}

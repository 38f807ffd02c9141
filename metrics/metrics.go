// Package metrics holds the counters, gauges and histograms the sync engine
// reports through. Metrics live in a Registry created by the host and
// handed to each component; there is no process-wide registry.
package metrics

import (
	"math"
	"sync"
	"sync/atomic"
	"time"
)

type named struct{ name string }

// Name returns the metric name.
func (n named) Name() string { return n.name }

// Counter only goes up.
type Counter struct {
	named
	v atomic.Int64
}

// NewCounter returns a zero counter.
func NewCounter(name string) *Counter { return &Counter{named: named{name}} }

// Inc adds one.
func (c *Counter) Inc() { c.v.Add(1) }

// Add adds n. Non-positive n is dropped.
func (c *Counter) Add(n int64) {
	if n <= 0 {
		return
	}
	c.v.Add(n)
}

func (c *Counter) Value() int64 { return c.v.Load() }

// Gauge is a level that moves both ways, such as a queue depth.
type Gauge struct {
	named
	v atomic.Int64
}

// NewGauge returns a zero gauge.
func NewGauge(name string) *Gauge { return &Gauge{named: named{name}} }

func (g *Gauge) Set(v int64)     { g.v.Store(v) }
func (g *Gauge) Add(delta int64) { g.v.Add(delta) }
func (g *Gauge) Inc()            { g.v.Add(1) }
func (g *Gauge) Dec()            { g.v.Add(-1) }
func (g *Gauge) Value() int64    { return g.v.Load() }

// Summary is a point-in-time view of a Histogram. Min and Max are zero
// while Count is.
type Summary struct {
	Count int64
	Sum   float64
	Min   float64
	Max   float64
}

// Mean returns Sum/Count, or zero for an empty summary.
func (s Summary) Mean() float64 {
	if s.Count == 0 {
		return 0
	}
	return s.Sum / float64(s.Count)
}

// Histogram summarizes observed values such as batch execution times.
type Histogram struct {
	named
	mu sync.Mutex
	s  Summary
}

// NewHistogram returns an empty histogram.
func NewHistogram(name string) *Histogram {
	return &Histogram{named: named{name}, s: Summary{Min: math.Inf(1), Max: math.Inf(-1)}}
}

// Observe records v.
func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.s.Count++
	h.s.Sum += v
	h.s.Min = math.Min(h.s.Min, v)
	h.s.Max = math.Max(h.s.Max, v)
}

// Snapshot returns the current summary.
func (h *Histogram) Snapshot() Summary {
	h.mu.Lock()
	s := h.s
	h.mu.Unlock()
	if s.Count == 0 {
		s.Min, s.Max = 0, 0
	}
	return s
}

func (h *Histogram) Count() int64  { return h.Snapshot().Count }
func (h *Histogram) Sum() float64  { return h.Snapshot().Sum }
func (h *Histogram) Min() float64  { return h.Snapshot().Min }
func (h *Histogram) Max() float64  { return h.Snapshot().Max }
func (h *Histogram) Mean() float64 { return h.Snapshot().Mean() }

// Timer measures one operation into a histogram, in milliseconds.
type Timer struct {
	start time.Time
	hist  *Histogram
}

// NewTimer starts timing. h may be nil.
func NewTimer(h *Histogram) *Timer { return &Timer{start: time.Now(), hist: h} }

// Stop records and returns the elapsed time.
func (t *Timer) Stop() time.Duration {
	d := time.Since(t.start)
	if t.hist != nil {
		t.hist.Observe(float64(d) / float64(time.Millisecond))
	}
	return d
}

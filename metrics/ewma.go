package metrics

import "sync"

// EWMA is an exponentially weighted moving average over discrete samples,
// such as the throughput of one response. It is safe for concurrent use.
type EWMA struct {
	alpha   float64
	mu      sync.Mutex
	value   float64
	samples uint64
}

// NewEWMA creates an average where each new sample carries weight alpha.
func NewEWMA(alpha float64) *EWMA {
	return &EWMA{alpha: alpha}
}

// Observe folds one sample in. The first sample seeds the average.
func (e *EWMA) Observe(sample float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.samples == 0 {
		e.value = sample
	} else {
		e.value += e.alpha * (sample - e.value)
	}
	e.samples++
}

// Value returns the current average and how many samples it covers.
func (e *EWMA) Value() (float64, uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.value, e.samples
}

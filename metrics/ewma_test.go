package metrics

import (
	"math"
	"testing"
)

func TestEWMASeedsWithFirstSample(t *testing.T) {
	e := NewEWMA(0.3)
	if v, n := e.Value(); v != 0 || n != 0 {
		t.Errorf("empty average = %f over %d samples", v, n)
	}
	e.Observe(40)
	if v, n := e.Value(); v != 40 || n != 1 {
		t.Errorf("after one sample = %f over %d, want 40 over 1", v, n)
	}
}

func TestEWMAMovesTowardSamples(t *testing.T) {
	e := NewEWMA(0.3)
	e.Observe(10)
	e.Observe(20)

	// 10 + 0.3*(20-10)
	v, n := e.Value()
	if math.Abs(v-13) > 1e-9 {
		t.Errorf("average = %f, want 13", v)
	}
	if n != 2 {
		t.Errorf("samples = %d, want 2", n)
	}
	for i := 0; i < 50; i++ {
		e.Observe(20)
	}
	if v, _ := e.Value(); math.Abs(v-20) > 1e-6 {
		t.Errorf("average = %f, want it to settle at 20", v)
	}
}

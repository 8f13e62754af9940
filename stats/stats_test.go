package stats

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAverage(t *testing.T) {
	s := new(Average)
	assert.Equal(t, 0.0, s.PopStdDev())
	for _, x := range []float64{2, 4, 4, 4, 5, 5, 7, 9} {
		s.Add(x)
	}
	assert.Equal(t, 8.0, s.Count)
	assert.InDelta(t, 5, s.Mean, 1e-12)
	assert.InDelta(t, 2, s.PopStdDev(), 1e-12)
	assert.InDelta(t, math.Sqrt(32.0/7), s.StdDev, 1e-12)
	assert.Equal(t, "5.00&PlusMinus;2.14", string(s.HTML()))
}

func TestEMA(t *testing.T) {
	var e EMA
	v := e.Add(0.5, 10)
	assert.Equal(t, 0.5, v)
	v = EMA(v).Add(0.8, 10)
	assert.InDelta(t, 0.5+(0.8-0.5)*2/11, v, 1e-12)
}

// Package stats has running statistics used for input standardisation, timing and evaluation summaries.
package stats

import (
	"fmt"
	"html/template"
	"math"
)

// EMA is an exponential moving average with smoothing factor 2/(n+1). The zero value takes the first sample as is.
type EMA float64

func (e EMA) Add(val, n float64) float64 {
	if e == 0 {
		return val
	}
	k := 2 / (n + 1)
	return val*k + float64(e)*(1-k)
}

// Average accumulates the running mean and sample standard deviation using Welford's method.
type Average struct {
	Count  float64
	Mean   float64
	StdDev float64
	sumSq  float64
}

func (s *Average) Add(x float64) {
	s.Count++
	delta := x - s.Mean
	s.Mean += delta / s.Count
	s.sumSq += delta * (x - s.Mean)
	if s.Count > 1 {
		s.StdDev = math.Sqrt(s.sumSq / (s.Count - 1))
	}
}

// Population standard deviation of the values added so far
func (s *Average) PopStdDev() float64 {
	if s.Count < 1 {
		return 0
	}
	return math.Sqrt(s.sumSq / s.Count)
}

// HTML formats mean ± stddev with one decimal place for values above 10, else two.
// The deviation is omitted if it would round to zero.
func (s *Average) HTML() template.HTML {
	prec, minDev := 2, 0.01
	if s.Mean > 10 {
		prec, minDev = 1, 0.1
	}
	if s.StdDev < minDev {
		return template.HTML(fmt.Sprintf("%.*f", prec, s.Mean))
	}
	return template.HTML(fmt.Sprintf("%.*f&PlusMinus;%.*f", prec, s.Mean, prec, s.StdDev))
}

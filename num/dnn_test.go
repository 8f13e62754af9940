package num

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var dev = NewCPUDevice()

func randArray(rng *rand.Rand, size int, min, max float32) []float32 {
	v := make([]float32, size)
	for i := range v {
		v[i] = min + rng.Float32()*(max-min)
	}
	return v
}

// weighted sum of layer output used as a scalar loss for gradient checks
func lossFunc(q Queue, layer Layer, train bool, weights []float32) float64 {
	q.Call(Fprop(layer, train)).Finish()
	sum := 0.0
	for i, v := range layer.Dst().Float32s() {
		sum += float64(v * weights[i])
	}
	return sum
}

// compare analytic gradient against central difference estimate
func checkGrad(t *testing.T, q Queue, name string, layer Layer, train bool, weights []float32, param, grad []float32) {
	const h = 1e-2
	for i := range param {
		save := param[i]
		param[i] = save + h
		lp := lossFunc(q, layer, train, weights)
		param[i] = save - h
		lm := lossFunc(q, layer, train, weights)
		param[i] = save
		expect := (lp - lm) / (2 * h)
		if math.Abs(expect-float64(grad[i])) > 0.02*math.Max(1, math.Abs(expect)) {
			t.Errorf("%s gradient mismatch at %d: got %g expect %g", name, i, grad[i], expect)
			return
		}
	}
}

func setupParams(rng *rand.Rand, layer ParamLayer) (W, B, dW, dB Array) {
	W = dev.NewArray(Float32, layer.FilterShape()...)
	B = dev.NewArray(Float32, layer.BiasShape()...)
	dW = dev.NewArrayLike(W)
	dB = dev.NewArrayLike(B)
	copy(W.Float32s(), randArray(rng, W.Size(), -0.5, 0.5))
	copy(B.Float32s(), randArray(rng, B.Size(), -0.1, 0.1))
	layer.SetParams(W, B, dW, dB)
	return
}

func runBprop(q Queue, layer Layer, train bool, weights []float32) {
	diff := dev.NewArray(Float32, layer.OutShape()...)
	copy(diff.Float32s(), weights)
	layer.SetDiffDst(diff)
	q.Call(Fprop(layer, train), BpropData(layer))
	if l, ok := layer.(ParamLayer); ok {
		q.Call(BpropFilter(l), BpropBias(l))
	}
	q.Finish()
}

func TestConvForward(t *testing.T) {
	q := dev.NewQueue(1)
	// 3x3 image, one channel, 2x2 filter of ones with SAME padding
	layer := dev.ConvLayer(1, 1, 3, 3, 1, 2, 1, false)
	require.Equal(t, []int{3, 3, 1, 1}, layer.OutShape())
	W := dev.NewArray(Float32, layer.FilterShape()...)
	q.Call(Fill(W, 1))
	layer.SetParams(W, nil, dev.NewArrayLike(W), nil)
	x := dev.NewArray(Float32, 3, 3, 1, 1)
	q.Call(Write(x, []float32{1, 2, 3, 4, 5, 6, 7, 8, 9}))
	layer.SetSrc(x)
	q.Call(Fprop(layer, true)).Finish()
	expect := []float32{12, 16, 9, 24, 28, 15, 15, 17, 9}
	assert.Equal(t, expect, layer.Dst().Float32s())

	layer = dev.ConvLayer(1, 1, 4, 4, 1, 3, 2, false)
	assert.Equal(t, []int{2, 2, 1, 1}, layer.OutShape())
}

func TestConvGradient(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for _, cfg := range []struct{ size, stride int }{{3, 1}, {3, 2}, {1, 1}, {1, 2}} {
		q := dev.NewQueue(2)
		layer := dev.ConvLayer(3, 2, 5, 5, 3, cfg.size, cfg.stride, true)
		W, B, dW, dB := setupParams(rng, layer)
		x := dev.NewArray(Float32, layer.InShape()...)
		copy(x.Float32s(), randArray(rng, x.Size(), -1, 1))
		layer.SetSrc(x)
		weights := randArray(rng, Prod(layer.OutShape()), -1, 1)
		runBprop(q, layer, true, weights)
		grad := append([]float32{}, layer.DiffSrc().Float32s()...)
		checkGrad(t, q, "conv input", layer, true, weights, x.Float32s(), grad)
		checkGrad(t, q, "conv filter", layer, true, weights, W.Float32s(), dW.Float32s())
		checkGrad(t, q, "conv bias", layer, true, weights, B.Float32s(), dB.Float32s())
	}
}

func TestPool(t *testing.T) {
	q := dev.NewQueue(1)
	x := dev.NewArray(Float32, 4, 4, 1, 1)
	q.Call(Write(x, []float32{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}))
	layer := dev.PoolLayer(x.Dims(), 2, 2, false)
	assert.Equal(t, []int{2, 2, 1, 1}, layer.OutShape())
	layer.SetSrc(x)
	q.Call(Fprop(layer, true)).Finish()
	assert.Equal(t, []float32{3.5, 5.5, 11.5, 13.5}, layer.Dst().Float32s())

	global := dev.PoolLayer(x.Dims(), 0, 0, true)
	assert.Equal(t, []int{1, 1, 1, 1}, global.OutShape())
	global.SetSrc(x)
	q.Call(Fprop(global, true)).Finish()
	assert.Equal(t, []float32{8.5}, global.Dst().Float32s())

	rng := rand.New(rand.NewSource(1))
	weights := randArray(rng, 4, -1, 1)
	runBprop(q, layer, true, weights)
	grad := append([]float32{}, layer.DiffSrc().Float32s()...)
	checkGrad(t, q, "pool input", layer, true, weights, x.Float32s(), grad)
}

func TestBatchNorm(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for _, shape := range [][]int{{3, 3, 2, 4}, {5, 6}} {
		for _, train := range []bool{true, false} {
			q := dev.NewQueue(2)
			layer := dev.BatchNormLayer(shape, 0.9, 0.001)
			W, B, dW, dB := setupParams(rng, layer)
			mean := dev.NewArray(Float32, layer.FilterShape()...)
			variance := dev.NewArray(Float32, layer.FilterShape()...)
			q.Call(Fill(variance, 1))
			layer.SetStats(mean, variance)
			x := dev.NewArray(Float32, shape...)
			copy(x.Float32s(), randArray(rng, x.Size(), -2, 2))
			layer.SetSrc(x)
			weights := randArray(rng, x.Size(), -1, 1)
			runBprop(q, layer, train, weights)
			grad := append([]float32{}, layer.DiffSrc().Float32s()...)
			if train {
				// moving averages are updated on every training pass
				stats := append([]float32{}, mean.Float32s()...)
				assert.NotEqual(t, make([]float32, len(stats)), stats)
			}
			checkGrad(t, q, "batchnorm input", layer, train, weights, x.Float32s(), grad)
			checkGrad(t, q, "batchnorm scale", layer, train, weights, W.Float32s(), dW.Float32s())
			checkGrad(t, q, "batchnorm offset", layer, train, weights, B.Float32s(), dB.Float32s())
		}
	}
}

func TestBatchNormOutput(t *testing.T) {
	q := dev.NewQueue(1)
	layer := dev.BatchNormLayer([]int{2, 2}, 0.9, 0)
	W, B := dev.NewArray(Float32, 2), dev.NewArray(Float32, 2)
	q.Call(Fill(W, 1), Fill(B, 0))
	layer.SetParams(W, B, dev.NewArrayLike(W), dev.NewArrayLike(B))
	mean, variance := dev.NewArray(Float32, 2), dev.NewArray(Float32, 2)
	q.Call(Fill(variance, 1))
	layer.SetStats(mean, variance)
	x := dev.NewArray(Float32, 2, 2)
	q.Call(Write(x, []float32{1, 10, 3, 20}))
	layer.SetSrc(x)
	q.Call(Fprop(layer, true)).Finish()
	assert.InDeltaSlice(t, []float32{-1, -1, 1, 1}, layer.Dst().Float32s(), 1e-5)
	assert.InDeltaSlice(t, []float32{0.2, 1.5}, mean.Float32s(), 1e-5)
	assert.InDeltaSlice(t, []float32{0.9 + 0.1, 0.9 + 2.5}, variance.Float32s(), 1e-5)
}

func BenchmarkConv(b *testing.B) {
	rng := rand.New(rand.NewSource(42))
	q := dev.NewQueue(DefaultThreads())
	layer := dev.ConvLayer(32, 16, 32, 32, 16, 3, 1, false)
	setupParams(rng, layer)
	x := dev.NewArray(Float32, layer.InShape()...)
	layer.SetSrc(x)
	layer.SetDiffDst(dev.NewArray(Float32, layer.OutShape()...))
	for i := 0; i < b.N; i++ {
		q.Call(Fprop(layer, true), BpropData(layer), BpropFilter(layer)).Finish()
	}
}

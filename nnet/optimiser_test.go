package nnet

import (
	"math"
	"testing"

	"github.com/jnb666/resnet/num"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testParams(q num.Queue, values, grads [][]float32) []*Param {
	params := make([]*Param, len(values))
	for i := range values {
		params[i] = newParam(q, "p"+string(rune('0'+i)), []int{len(values[i])}, true, true)
		q.Call(
			num.Write(params[i].Value, values[i]),
			num.Write(params[i].Grad, grads[i]),
		)
	}
	q.Finish()
	return params
}

func TestMomentum(t *testing.T) {
	q := num.NewCPUDevice().NewQueue(1)
	params := testParams(q, [][]float32{{1, 2}}, [][]float32{{0.5, -1}})
	opt, err := NewOptimiser(q, "mom", params)
	require.NoError(t, err)
	assert.Equal(t, "p0/Momentum", opt.Slots()[0].Name)
	// accum = g; w = w - lr*g
	opt.Update(params, 0.1, 0.9)
	q.Finish()
	assert.InDeltaSlice(t, []float32{0.95, 2.1}, params[0].Value.Float32s(), 1e-6)
	// accum = 0.9*g + g
	opt.Update(params, 0.1, 0.9)
	q.Finish()
	assert.InDeltaSlice(t, []float32{0.95 - 0.095, 2.1 + 0.19}, params[0].Value.Float32s(), 1e-6)
	assert.InDeltaSlice(t, []float32{0.95, -1.9}, opt.Slots()[0].Value.Float32s(), 1e-6)
}

func TestSGD(t *testing.T) {
	q := num.NewCPUDevice().NewQueue(1)
	params := testParams(q, [][]float32{{1, 2}}, [][]float32{{0.5, -1}})
	opt, err := NewOptimiser(q, "sgd", params)
	require.NoError(t, err)
	assert.Empty(t, opt.Slots())
	opt.Update(params, 0.1, 0.9)
	opt.Update(params, 0.1, 0.9)
	q.Finish()
	assert.InDeltaSlice(t, []float32{0.9, 2.2}, params[0].Value.Float32s(), 1e-6)

	_, err = NewOptimiser(q, "adam", params)
	assert.Error(t, err)
}

func TestClipByGlobalNorm(t *testing.T) {
	q := num.NewCPUDevice().NewQueue(1)
	params := testParams(q, [][]float32{{0, 0}, {0}}, [][]float32{{3, 0}, {4}})
	norm := ClipByGlobalNorm(q, params, 10)
	q.Finish()
	assert.InDelta(t, 5, norm, 1e-6)
	assert.Equal(t, []float32{3, 0}, params[0].Grad.Float32s())

	norm = ClipByGlobalNorm(q, params, 1)
	q.Finish()
	assert.InDelta(t, 5, norm, 1e-6)
	assert.InDeltaSlice(t, []float32{0.6, 0}, params[0].Grad.Float32s(), 1e-6)
	assert.InDeltaSlice(t, []float32{0.8}, params[1].Grad.Float32s(), 1e-6)
	total := 0.0
	for _, p := range params {
		for _, g := range p.Grad.Float32s() {
			total += float64(g * g)
		}
	}
	assert.InDelta(t, 1, math.Sqrt(total), 1e-6)
}

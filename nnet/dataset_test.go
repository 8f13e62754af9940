package nnet

import (
	"math/rand"
	"testing"

	"github.com/jnb666/resnet/num"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seqData(samples int) Data {
	labels := make([]int32, samples)
	inputs := make([]float32, samples*2)
	for i := range labels {
		labels[i] = int32(i % 3)
		inputs[2*i] = float32(i)
		inputs[2*i+1] = float32(-i)
	}
	return NewData(3, []int{2}, labels, inputs)
}

func TestDatasetWrapAround(t *testing.T) {
	dset, err := NewDataset(num.NewCPUDevice(), seqData(10), 4, false, nil)
	require.NoError(t, err)
	defer dset.Release()
	assert.Equal(t, 2, dset.Batches)
	assert.Equal(t, 3, dset.Classes())
	expect := [][]float32{{0, 0, 1, -1, 2, -2, 3, -3}, {4, -4, 5, -5, 6, -6, 7, -7}, {0, 0, 1, -1, 2, -2, 3, -3}}
	for i, exp := range expect {
		x, y, y1H := dset.NextBatch()
		assert.Equal(t, exp, x.Float32s(), "batch %d", i)
		assert.Equal(t, []int{2, 4}, x.Dims())
		labels := y.Int32s()
		for j, l := range labels {
			assert.Equal(t, int32(int(exp[2*j])%3), l)
		}
		assert.Equal(t, []int{3, 4}, y1H.Dims())
		assert.Equal(t, float32(1), y1H.Float32s()[3*0+int(labels[0])])
	}
	assert.Equal(t, 2, dset.Epoch)
}

func TestDatasetShuffle(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	dset, err := NewDataset(num.NewCPUDevice(), seqData(12), 4, true, rng)
	require.NoError(t, err)
	defer dset.Release()
	for epoch := 1; epoch <= 3; epoch++ {
		assert.Equal(t, epoch, dset.Epoch)
		seen := map[float32]bool{}
		for b := 0; b < dset.Batches; b++ {
			x, _, _ := dset.NextBatch()
			data := x.Float32s()
			for j := 0; j < 4; j++ {
				seen[data[2*j]] = true
			}
		}
		assert.Len(t, seen, 12, "epoch %d", epoch)
	}
}

func TestDatasetErrors(t *testing.T) {
	_, err := NewDataset(num.NewCPUDevice(), seqData(3), 4, false, nil)
	assert.Error(t, err)
	_, err = NewDataset(num.NewCPUDevice(), seqData(3), 0, false, nil)
	assert.Error(t, err)
}

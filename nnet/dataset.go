package nnet

import (
	"math/rand"
	"strconv"
	"sync"

	"github.com/jnb666/resnet/num"
	"github.com/pkg/errors"
)

// Data interface type represents the raw data for a training or test set
type Data interface {
	Len() int
	Classes() []string
	Shape() []int
	Label(index []int, label []int32)
	Input(index []int, buf []float32)
}

// Dataset type encapsulates a set of training or test data. Batches are loaded in the background
// and the data wraps around at the end of each epoch, so NextBatch can be called indefinitely.
type Dataset struct {
	Data
	Samples   int
	BatchSize int
	Batches   int
	Epoch     int
	queue     num.Queue
	shuffle   bool
	xBuffer   []float32
	yBuffer   []int32
	x, y, y1H [2]num.Array
	indexes   []int
	buf       int
	batch     int
	rng       *rand.Rand
	sync.WaitGroup
}

// Create a new Dataset struct and allocate array buffers. Any final partial batch in each epoch is skipped.
// If shuffle is set then the order is randomised at the start of each epoch.
func NewDataset(dev num.Device, data Data, batchSize int, shuffle bool, rng *rand.Rand) (*Dataset, error) {
	d := &Dataset{Data: data, Samples: data.Len(), BatchSize: batchSize, Epoch: 1, shuffle: shuffle, rng: rng}
	if batchSize <= 0 {
		return nil, errors.Errorf("invalid batch size %d", batchSize)
	}
	if d.Samples < batchSize {
		return nil, errors.Errorf("dataset has %d samples: need at least one batch of %d", d.Samples, batchSize)
	}
	d.Batches = d.Samples / batchSize
	nfeat := num.Prod(data.Shape())
	d.xBuffer = make([]float32, nfeat*batchSize)
	d.yBuffer = make([]int32, batchSize)
	for i := range d.x {
		d.x[i] = dev.NewArray(num.Float32, append(data.Shape(), batchSize)...)
		d.y[i] = dev.NewArray(num.Int32, batchSize)
		d.y1H[i] = dev.NewArray(num.Float32, len(data.Classes()), batchSize)
	}
	d.indexes = make([]int, d.Samples)
	for i := range d.indexes {
		d.indexes[i] = i
	}
	if shuffle {
		d.Shuffle()
	}
	d.queue = dev.NewQueue(1)
	d.loadBatch()
	return d, nil
}

// Number of classes
func (d *Dataset) Classes() int { return len(d.Data.Classes()) }

// release allocated buffers
func (d *Dataset) Release() {
	d.Wait()
	for i := range d.x {
		num.Release(d.x[i], d.y[i], d.y1H[i])
	}
}

// kick of load of next batch of data in background
func (d *Dataset) loadBatch() {
	d.Add(1)
	go func(batch, buf int) {
		index := d.indexes[batch*d.BatchSize : (batch+1)*d.BatchSize]
		d.Input(index, d.xBuffer)
		d.Label(index, d.yBuffer)
		d.queue.Call(
			num.Write(d.x[buf], d.xBuffer),
			num.Write(d.y[buf], d.yBuffer),
			num.Onehot(d.y[buf], d.y1H[buf], len(d.Data.Classes())),
		).Finish()
		d.Done()
	}(d.batch, d.buf)
}

// Get next batch of data. The arrays are valid until the following call to NextBatch.
func (d *Dataset) NextBatch() (x, y, yOneHot num.Array) {
	d.Wait()
	x, y, yOneHot = d.x[d.buf], d.y[d.buf], d.y1H[d.buf]
	d.batch++
	if d.batch >= d.Batches {
		d.batch = 0
		d.Epoch++
		if d.shuffle {
			d.Shuffle()
		}
	}
	d.buf = (d.buf + 1) % 2
	d.loadBatch()
	return
}

// Shuffle the data set
func (d *Dataset) Shuffle() {
	d.indexes = d.rng.Perm(d.Samples)
}

type data struct {
	Class  []string
	Dims   []int
	Labels []int32
	Inputs []float32
}

// NewData function creates a new in memory data set which implements the Data interface
func NewData(nclasses int, shape []int, labels []int32, inputs []float32) Data {
	classes := make([]string, nclasses)
	for i := range classes {
		classes[i] = strconv.Itoa(i)
	}
	return data{Class: classes, Dims: shape, Labels: labels, Inputs: inputs}
}

func (d data) Len() int { return len(d.Labels) }

func (d data) Classes() []string { return d.Class }

func (d data) Shape() []int { return d.Dims }

func (d data) Label(index []int, label []int32) {
	for i, ix := range index {
		label[i] = d.Labels[ix]
	}
}

func (d data) Input(index []int, buf []float32) {
	nfeat := num.Prod(d.Dims)
	for i, ix := range index {
		copy(buf[i*nfeat:], d.Inputs[ix*nfeat:(ix+1)*nfeat])
	}
}

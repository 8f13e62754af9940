// Package nnet contains routines for constructing, training and testing neural networks.
package nnet

import (
	"fmt"
	"math/rand"
	"os"
	"strings"
	"time"

	"github.com/jnb666/resnet/num"
)

// Network type represents a multilayer neural network model.
type Network struct {
	Config
	Layers    []Layer
	queue     num.Queue
	inShape   []int
	params    []*Param
	yPred     num.Array
	classes   num.Array
	diffs     num.Array
	batchErr  num.Array
	total     num.Array
	totalLoss num.Array
	cost      num.Array
	temp      num.Array
	inputGrad num.Array
}

// New function creates a new network with the given layers. inShape is the shape of one input sample.
func New(q num.Queue, conf Config, batchSize int, inShape []int) *Network {
	n := &Network{Config: conf, queue: q}
	n.inShape = append(append([]int{}, inShape...), batchSize)
	n.Layers = initLayers(q, conf.Layers, n.inShape, conf.Scope)
	if len(n.Layers) == 0 {
		panic("New: network has no layers")
	}
	if _, ok := n.Layers[len(n.Layers)-1].(OutputLayer); !ok {
		panic("New: last layer must be an output layer")
	}
	n.params = collectParams(n.Layers)
	outShape := n.OutShape()
	n.classes = q.NewArray(num.Int32, batchSize)
	n.diffs = q.NewArray(num.Int32, batchSize)
	n.batchErr = q.NewArray(num.Float32)
	n.total = q.NewArray(num.Float32)
	n.totalLoss = q.NewArray(num.Float32)
	n.cost = q.NewArray(num.Float32)
	n.temp = q.NewArray(num.Float32)
	n.inputGrad = q.NewArray(num.Float32, outShape...)
	return n
}

// Queue used to run the network operations
func (n *Network) Queue() num.Queue { return n.queue }

// Batch size for the input data
func (n *Network) BatchSize() int { return n.inShape[len(n.inShape)-1] }

// Shape of the network output
func (n *Network) OutShape() []int { return n.Layers[len(n.Layers)-1].OutShape() }

// Accessor for output layer
func (n *Network) OutLayer() OutputLayer {
	return n.Layers[len(n.Layers)-1].(OutputLayer)
}

// All network variables including batch norm moving averages
func (n *Network) Params() []*Param { return n.params }

// Variables which are updated by the optimiser
func (n *Network) Trainable() []*Param {
	var list []*Param
	for _, p := range n.params {
		if p.Trainable {
			list = append(list, p)
		}
	}
	return list
}

// Number of trainable parameters
func (n *Network) ParamCount() int {
	total := 0
	for _, p := range n.Trainable() {
		total += p.Size()
	}
	return total
}

// Number of floating point operations in the forward pass for one batch
func (n *Network) FlopCount() int64 {
	var total int64
	for _, layer := range n.Layers {
		total += layer.FlopCount()
	}
	return total
}

// Initialise network weights
func (n *Network) InitWeights(rng *rand.Rand) {
	for _, layer := range n.Layers {
		if l, ok := layer.(ParamLayer); ok {
			l.InitParams(rng)
		}
	}
	if n.DebugLevel >= 2 {
		n.PrintWeights()
	}
}

// Copy all variables to destination net
func (n *Network) CopyTo(net *Network) {
	for i, p := range n.params {
		n.queue.Call(num.Copy(net.params[i].Value, p.Value))
	}
	n.queue.Finish()
}

// Feed forward the input to get the predicted output
func (n *Network) Fprop(input num.Array, train bool) num.Array {
	pred := input
	for i, layer := range n.Layers {
		if n.DebugLevel >= 3 {
			fmt.Printf("layer %d input\n%s", i, pred.String(n.queue))
		}
		pred = layer.Fprop(pred, train)
	}
	n.yPred = pred
	return pred
}

// Loss returns scalar array with the mean cross entropy loss plus the weight decay term.
// Fprop must be called first.
func (n *Network) Loss(yOneHot num.Array) num.Array {
	q := n.queue
	losses := n.OutLayer().Loss(yOneHot)
	q.Call(num.Sum(losses, n.cost, 1/float32(n.BatchSize())))
	if n.Lambda > 0 {
		for _, p := range n.params {
			if p.Decay {
				q.Call(
					num.SumSq(p.Value, n.temp, float32(n.Lambda/2)),
					num.Axpy(1, n.temp, n.cost),
				)
			}
		}
	}
	return n.cost
}

// Back propagate the gradient of the loss and accumulate gradients for each parameter.
func (n *Network) Bprop(yOneHot num.Array) {
	q := n.queue
	q.Call(
		num.Copy(n.inputGrad, n.yPred),
		num.Axpy(-1, yOneHot, n.inputGrad),
		num.Scale(1/float32(n.BatchSize()), n.inputGrad),
	)
	if n.DebugLevel >= 3 {
		fmt.Printf("input grad:\n%s", n.inputGrad.String(q))
	}
	grad := n.inputGrad
	for i := len(n.Layers) - 1; i >= 0; i-- {
		grad = n.Layers[i].Bprop(grad)
	}
	if n.Lambda > 0 {
		for _, p := range n.params {
			if p.Decay {
				q.Call(num.Axpy(float32(n.Lambda), p.Value, p.Grad))
			}
		}
	}
}

// Predict output given input data
func (n *Network) Predict(input, classes num.Array) num.Array {
	yPred := n.Fprop(input, false)
	if n.DebugLevel >= 3 {
		fmt.Printf("yPred\n%s", yPred.String(n.queue))
	}
	n.queue.Call(num.Unhot(yPred, classes))
	return yPred
}

// Evaluate the model on the given number of batches from the dataset.
// Returns the mean loss and the fraction of correct predictions.
func (n *Network) Evaluate(dset *Dataset, batches int) (loss, precision float64) {
	q := n.queue
	q.Call(num.Fill(n.total, 0), num.Fill(n.totalLoss, 0))
	for batch := 0; batch < batches; batch++ {
		q.Finish()
		x, y, yOneHot := dset.NextBatch()
		n.Predict(x, n.classes)
		cost := n.Loss(yOneHot)
		q.Call(
			num.Neq(n.classes, y, n.diffs),
			num.Sum(n.diffs, n.batchErr, 1),
			num.Axpy(1, n.batchErr, n.total),
			num.Axpy(1, cost, n.totalLoss),
		)
		if n.DebugLevel >= 2 {
			fmt.Printf("batch %d error =%s\n", batch, n.batchErr.String(q))
		}
	}
	res := make([]float32, 2)
	q.Call(
		num.Read(n.total, res[:1]),
		num.Read(n.totalLoss, res[1:]),
	).Finish()
	if batches == 0 {
		return 0, 0
	}
	samples := float64(batches * n.BatchSize())
	return float64(res[1]) / float64(batches), 1 - float64(res[0])/samples
}

// Print network description
func (n *Network) String() string {
	s := make([]string, len(n.Layers))
	shape := n.inShape
	for i, layer := range n.Layers {
		s[i] = fmt.Sprintf("%2d: %-24s %-60s %v", i, layer.Scope(), layer.ToString(), shape)
		shape = layer.OutShape()
	}
	return fmt.Sprintf("%s\n== Network ==\n%s", n.Config.configString(), strings.Join(s, "\n"))
}

// Print network weights
func (n *Network) PrintWeights() {
	for _, p := range n.params {
		fmt.Printf("== %s ==\n%s\n", p.Name, p.Value.String(n.queue))
	}
}

// Set random number seed, or random seed if seed <= 0
func NewRand(seed int64) (*rand.Rand, int64) {
	if seed <= 0 {
		seed = time.Now().UTC().UnixNano()
	}
	return rand.New(rand.NewSource(seed)), seed
}

// Exit in case of error
func CheckErr(err error) {
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

package nnet

import (
	"math"

	"github.com/jnb666/resnet/num"
	"github.com/pkg/errors"
)

// Optimiser updates the trainable parameters given their gradients.
type Optimiser interface {
	Name() string
	Update(params []*Param, lr, mom float32)
	// Slot variables which are saved with the checkpoint
	Slots() []*Param
}

// Create a new optimiser: sgd for gradient descent or mom for momentum
func NewOptimiser(q num.Queue, name string, params []*Param) (Optimiser, error) {
	switch name {
	case "sgd":
		return &sgd{queue: q}, nil
	case "mom":
		o := &momentum{queue: q}
		for _, p := range params {
			o.accum = append(o.accum, newParam(q, p.Name+"/Momentum", p.Value.Dims(), false, false))
		}
		return o, nil
	default:
		return nil, errors.Errorf("invalid optimiser %q", name)
	}
}

type sgd struct {
	queue num.Queue
}

func (o *sgd) Name() string { return "sgd" }

func (o *sgd) Slots() []*Param { return nil }

func (o *sgd) Update(params []*Param, lr, mom float32) {
	for _, p := range params {
		o.queue.Call(num.Axpy(-lr, p.Grad, p.Value))
	}
}

// accum = mom*accum + grad; w = w - lr*accum
type momentum struct {
	queue num.Queue
	accum []*Param
}

func (o *momentum) Name() string { return "mom" }

func (o *momentum) Slots() []*Param { return o.accum }

func (o *momentum) Update(params []*Param, lr, mom float32) {
	if len(params) != len(o.accum) {
		panic("Momentum: parameter list does not match")
	}
	for i, p := range params {
		a := o.accum[i].Value
		o.queue.Call(
			num.Scale(mom, a),
			num.Axpy(1, p.Grad, a),
			num.Axpy(-lr, a, p.Value),
		)
	}
}

// Scale gradients so that their global L2 norm is at most clipNorm.
// Returns the global norm before clipping.
func ClipByGlobalNorm(q num.Queue, params []*Param, clipNorm float32) float64 {
	sums := make([]float32, len(params))
	temp := q.NewArray(num.Float32)
	for i, p := range params {
		q.Call(
			num.SumSq(p.Grad, temp, 1),
			num.Read(temp, sums[i:i+1]),
		)
	}
	q.Finish()
	total := 0.0
	for _, s := range sums {
		total += float64(s)
	}
	norm := math.Sqrt(total)
	if clipNorm > 0 && norm > float64(clipNorm) {
		scale := float32(float64(clipNorm) / norm)
		for _, p := range params {
			q.Call(num.Scale(scale, p.Grad))
		}
	}
	return norm
}

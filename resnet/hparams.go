// Package resnet builds residual network models for the CIFAR image classification data sets.
package resnet

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/pkg/errors"
)

// HParams holds the model hyperparameters. It is a value type which should be created with
// NewHParams and not modified afterwards.
type HParams struct {
	BatchSize        int
	NumClasses       int
	MinLrnRate       float64
	LrnRate          float64
	Mom              float64
	ClipNormBase     float64
	NumResidualUnits int
	UseBottleneck    bool
	WeightDecayRate  float64
	ReluLeakiness    float64
	Optimizer        string
	ModelScope       string
}

// NewHParams checks the hyperparameter values and returns a copy
func NewHParams(h HParams) (HParams, error) {
	switch {
	case h.BatchSize <= 0:
		return h, errors.Errorf("invalid batch size %d", h.BatchSize)
	case h.NumClasses < 2:
		return h, errors.Errorf("invalid number of classes %d", h.NumClasses)
	case h.LrnRate <= 0 || h.MinLrnRate < 0 || h.MinLrnRate > h.LrnRate:
		return h, errors.Errorf("invalid learning rate %g min %g", h.LrnRate, h.MinLrnRate)
	case h.Mom < 0 || h.Mom >= 1:
		return h, errors.Errorf("invalid momentum %g", h.Mom)
	case h.ClipNormBase < 0:
		return h, errors.Errorf("invalid clip norm base %g", h.ClipNormBase)
	case h.NumResidualUnits < 1:
		return h, errors.Errorf("invalid number of residual units %d", h.NumResidualUnits)
	case h.WeightDecayRate < 0:
		return h, errors.Errorf("invalid weight decay rate %g", h.WeightDecayRate)
	case h.ReluLeakiness < 0:
		return h, errors.Errorf("invalid relu leakiness %g", h.ReluLeakiness)
	case h.Optimizer != "sgd" && h.Optimizer != "mom":
		return h, errors.Errorf("invalid optimizer %q", h.Optimizer)
	}
	return h, nil
}

// DefaultHParams returns the standard settings for the given mode (train or eval) and data set.
func DefaultHParams(mode, dataset string) (HParams, error) {
	var batchSize, numClasses int
	switch mode {
	case "train":
		batchSize = 128
	case "eval":
		batchSize = 100
	default:
		return HParams{}, errors.Errorf("invalid mode %q", mode)
	}
	switch dataset {
	case "cifar10":
		numClasses = 10
	case "cifar100":
		numClasses = 100
	default:
		return HParams{}, errors.Errorf("invalid dataset %q", dataset)
	}
	return NewHParams(HParams{
		BatchSize:        batchSize,
		NumClasses:       numClasses,
		MinLrnRate:       0.0001,
		LrnRate:          0.1,
		Mom:              0.9,
		ClipNormBase:     1000,
		NumResidualUnits: 5,
		UseBottleneck:    false,
		WeightDecayRate:  0.0002,
		ReluLeakiness:    0.1,
		Optimizer:        "mom",
		ModelScope:       "train",
	})
}

// UseGPU checks the requested number of GPUs, only a single device is supported.
func UseGPU(numGPUs int) (bool, error) {
	switch numGPUs {
	case 0:
		return false, nil
	case 1:
		return true, nil
	default:
		return false, errors.Errorf("only support 0 or 1 gpu: got %d", numGPUs)
	}
}

func (h HParams) String() string {
	s := []string{"== HParams =="}
	v := reflect.ValueOf(h)
	for i := 0; i < v.NumField(); i++ {
		s = append(s, fmt.Sprintf("%-16s: %v", v.Type().Field(i).Name, v.Field(i).Interface()))
	}
	return strings.Join(s, "\n")
}

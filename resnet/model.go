package resnet

import (
	"fmt"

	"github.com/jnb666/resnet/nnet"
)

var (
	stageStrides      = []int{1, 2, 2}
	activateBeforeRes = []bool{true, false, false}
	residualFilters   = []int{16, 16, 32, 64}
	bottleneckFilters = []int{16, 64, 128, 256}
)

// Build returns the network configuration for a ResNet model with the given hyperparameters.
// There is an initial 3x3 convolution followed by three stages of residual units and a final
// batch norm, relu, global average pool and fully connected layer with softmax output.
func Build(hps HParams, dataset string, imageSize int) nnet.Config {
	conf := nnet.Config{
		DataSet:      dataset,
		Optimiser:    hps.Optimizer,
		Eta:          hps.LrnRate,
		MinEta:       hps.MinLrnRate,
		Momentum:     hps.Mom,
		ClipNormBase: hps.ClipNormBase,
		Lambda:       hps.WeightDecayRate,
		TrainBatch:   hps.BatchSize,
		TestBatch:    hps.BatchSize,
		ImageSize:    imageSize,
		Scope:        hps.ModelScope,
	}
	b := builder{hps: hps}
	filters := residualFilters
	if hps.UseBottleneck {
		filters = bottleneckFilters
	}
	b.add(nnet.Conv{Name: "init/init_conv", Nfeats: filters[0], Size: 3})
	for stage := 0; stage < 3; stage++ {
		for i := 0; i < hps.NumResidualUnits; i++ {
			name := fmt.Sprintf("unit_%d_%d", stage+1, i)
			if i == 0 {
				b.unit(name, filters[stage], filters[stage+1], stageStrides[stage], activateBeforeRes[stage])
			} else {
				b.unit(name, filters[stage+1], filters[stage+1], 1, false)
			}
		}
	}
	b.add(
		nnet.BatchNorm{Name: "unit_last/final_bn"},
		b.relu("unit_last/relu"),
		nnet.Pool{Name: "unit_last/avg_pool", Global: true},
		nnet.Flatten{Name: "unit_last/flatten"},
		nnet.Linear{Name: "logit", Nout: hps.NumClasses},
		nnet.Activation{Name: "softmax", Atype: "softmax"},
	)
	return conf.AddLayers(b.layers...)
}

type builder struct {
	hps    HParams
	layers []nnet.ConfigLayer
}

func (b *builder) add(layers ...nnet.ConfigLayer) {
	b.layers = append(b.layers, layers...)
}

func (b *builder) relu(name string) nnet.Activation {
	return nnet.Activation{Name: name, Atype: "relu", Leak: b.hps.ReluLeakiness}
}

// Add a residual unit. If activateBefore is set then the initial batch norm and relu output is shared
// by both paths, else it is only applied to the residual path.
func (b *builder) unit(name string, inFilter, outFilter, stride int, activateBefore bool) {
	var main, shortcut []nnet.ConfigLayer
	scope := "residual_only_activation"
	if b.hps.UseBottleneck {
		scope = "residual_bn_relu"
	}
	if activateBefore {
		scope = "shared_activation"
		if b.hps.UseBottleneck {
			scope = "common_bn_relu"
		}
		b.add(nnet.BatchNorm{Name: name + "/" + scope + "/init_bn"}, b.relu(name+"/"+scope+"/relu"))
	} else {
		main = append(main, nnet.BatchNorm{Name: scope + "/init_bn"}, b.relu(scope+"/relu"))
	}
	if b.hps.UseBottleneck {
		main = append(main,
			nnet.Conv{Name: "sub1/conv1", Nfeats: outFilter / 4, Size: 1, Stride: stride},
			nnet.BatchNorm{Name: "sub2/bn2"},
			b.relu("sub2/relu"),
			nnet.Conv{Name: "sub2/conv2", Nfeats: outFilter / 4, Size: 3, Stride: 1},
			nnet.BatchNorm{Name: "sub3/bn3"},
			b.relu("sub3/relu"),
			nnet.Conv{Name: "sub3/conv3", Nfeats: outFilter, Size: 1, Stride: 1},
		)
		if inFilter != outFilter {
			shortcut = append(shortcut, nnet.Conv{Name: "sub_add/project", Nfeats: outFilter, Size: 1, Stride: stride})
		}
	} else {
		main = append(main,
			nnet.Conv{Name: "sub1/conv1", Nfeats: outFilter, Size: 3, Stride: stride},
			nnet.BatchNorm{Name: "sub2/bn2"},
			b.relu("sub2/relu"),
			nnet.Conv{Name: "sub2/conv2", Nfeats: outFilter, Size: 3, Stride: 1},
		)
		if inFilter != outFilter {
			if stride > 1 {
				shortcut = append(shortcut, nnet.Pool{Name: "sub_add/avg_pool", Size: stride})
			}
			shortcut = append(shortcut, nnet.PadChannels{Name: "sub_add/pad", Nout: outFilter})
		}
	}
	b.add(nnet.AddLayer(name, main, shortcut))
}

package num

// Layer interface type represents a DNN layer
type Layer interface {
	Type() string
	InShape() []int
	OutShape() []int
	Dst() Array
	DiffSrc() Array
	SetSrc(Array)
	SetDiffDst(Array)
	fprop(threads int, train bool)
	bpropData(threads int)
}

// ParamLayer is a DNN layer with weight and bias parameters
type ParamLayer interface {
	Layer
	FilterShape() []int
	BiasShape() []int
	SetParams(W, B, dW, dB Array)
	bpropFilter(threads int)
	bpropBias(threads int)
}

// BatchNormLayer has a learned scale (W) and offset (B) and tracks moving averages
// of the batch mean and variance which are used when not training.
type BatchNormLayer interface {
	ParamLayer
	SetStats(mean, variance Array)
}

// Forward propagation
func Fprop(layer Layer, train bool) Function {
	return args(layer.Type()+"_fprop", func(threads int) { layer.fprop(threads, train) })
}

// Backward propagation
func BpropData(layer Layer) Function {
	return args(layer.Type()+"_bprop", layer.bpropData)
}

func BpropFilter(layer ParamLayer) Function {
	return args(layer.Type()+"_bprop_filter", layer.bpropFilter)
}

func BpropBias(layer ParamLayer) Function {
	return args(layer.Type()+"_bprop_bias", layer.bpropBias)
}

// common fields for all layer types
type layerBase struct {
	name     string
	inShape  []int
	outShape []int
	src      Array
	dst      Array
	diffSrc  Array
	diffDst  Array
}

func newLayerBase(name string, inShape, outShape []int) layerBase {
	return layerBase{
		name:     name,
		inShape:  inShape,
		outShape: outShape,
		dst:      newArrayCPU(Float32, outShape),
		diffSrc:  newArrayCPU(Float32, inShape),
	}
}

func (l *layerBase) Type() string { return l.name }

func (l *layerBase) InShape() []int { return l.inShape }

func (l *layerBase) OutShape() []int { return l.outShape }

func (l *layerBase) Dst() Array { return l.dst }

func (l *layerBase) DiffSrc() Array { return l.diffSrc }

func (l *layerBase) SetSrc(a Array) { l.src = a }

func (l *layerBase) SetDiffDst(a Array) { l.diffDst = a }

type paramBase struct {
	w, b, dw, db Array
}

func (p *paramBase) SetParams(W, B, dW, dB Array) {
	p.w, p.b, p.dw, p.db = W, B, dW, dB
}

func outSize(x, size, stride int) int {
	return (x-size)/stride + 1
}

// output size and leading pad for SAME padding
func samePad(x, size, stride int) (out, pad int) {
	out = (x + stride - 1) / stride
	total := (out-1)*stride + size - x
	if total < 0 {
		total = 0
	}
	return out, total / 2
}

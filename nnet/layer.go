package nnet

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand"

	"github.com/jnb666/resnet/num"
)

// Layer interface type represents one layer of the neural net.
type Layer interface {
	Init(q num.Queue, inShape []int, name string) Layer
	Scope() string
	InShape() []int
	OutShape() []int
	Fprop(in num.Array, train bool) num.Array
	Bprop(grad num.Array) num.Array
	Params() []*Param
	FlopCount() int64
	ToString() string
}

// ParamLayer is a layer with weight and bias parameters
type ParamLayer interface {
	Layer
	InitParams(rng *rand.Rand)
}

// OutputLayer is the final layer in the stack
type OutputLayer interface {
	Layer
	Loss(yOneHot num.Array) num.Array
}

// Param is a named network variable. Grad is nil if the variable is not trainable.
type Param struct {
	Name      string
	Value     num.Array
	Grad      num.Array
	Trainable bool
	Decay     bool
}

func newParam(q num.Queue, name string, shape []int, trainable, decay bool) *Param {
	p := &Param{Name: name, Value: q.NewArray(num.Float32, shape...), Trainable: trainable, Decay: decay}
	if trainable {
		p.Grad = q.NewArray(num.Float32, shape...)
	}
	return p
}

func (p *Param) Size() int { return p.Value.Size() }

// Layer configuration details
type LayerConfig struct {
	Type string
	Name string          `json:",omitempty"`
	Data json.RawMessage `json:",omitempty"`
}

type ConfigLayer interface {
	Marshal() LayerConfig
}

// Unmarshal JSON data and construct new layer
func (l LayerConfig) Unmarshal() Layer {
	switch l.Type {
	case "conv":
		cfg := &Conv{Name: l.Name}
		return cfg.unmarshal(l.Data)
	case "batchNorm":
		cfg := &BatchNorm{Name: l.Name}
		return cfg.unmarshal(l.Data)
	case "activation":
		cfg := &Activation{Name: l.Name}
		return cfg.unmarshal(l.Data)
	case "pool":
		cfg := &Pool{Name: l.Name}
		return cfg.unmarshal(l.Data)
	case "padChannels":
		cfg := &PadChannels{Name: l.Name}
		return cfg.unmarshal(l.Data)
	case "linear":
		cfg := &Linear{Name: l.Name}
		return cfg.unmarshal(l.Data)
	case "add":
		cfg := &Add{Name: l.Name}
		return cfg.unmarshal(l.Data)
	case "flatten":
		return &flatten{Flatten: Flatten{Name: l.Name}}
	default:
		panic("invalid layer type: " + l.Type)
	}
}

// variable scope for the layer, defaults to type and index if the name is not set
func (l LayerConfig) scope(parent string, index int) string {
	name := l.Name
	if name == "" {
		name = fmt.Sprintf("%s_%d", l.Type, index)
	}
	if parent == "" {
		return name
	}
	return parent + "/" + name
}

func (l LayerConfig) String() string {
	return l.Unmarshal().ToString()
}

// Convolutional layer with SAME padding, implements ParamLayer interface.
type Conv struct {
	Name                 string `json:"-"`
	Nfeats, Size, Stride int
	Bias                 bool `json:",omitempty"`
}

func (c Conv) Marshal() LayerConfig {
	if c.Stride == 0 {
		c.Stride = 1
	}
	return LayerConfig{Type: "conv", Name: c.Name, Data: marshal(c)}
}

func (c Conv) ToString() string {
	return fmt.Sprintf("conv %+v", c)
}

func (c *Conv) unmarshal(data json.RawMessage) Layer {
	unmarshal(data, c)
	return &conv{Conv: *c}
}

// Batch normalisation layer, implements ParamLayer interface.
type BatchNorm struct {
	Name           string `json:"-"`
	Decay, Epsilon float64
}

func (c BatchNorm) Marshal() LayerConfig {
	if c.Decay == 0 {
		c.Decay = 0.9
	}
	if c.Epsilon == 0 {
		c.Epsilon = 0.001
	}
	return LayerConfig{Type: "batchNorm", Name: c.Name, Data: marshal(c)}
}

func (c BatchNorm) ToString() string {
	return fmt.Sprintf("batchNorm %+v", c)
}

func (c *BatchNorm) unmarshal(data json.RawMessage) Layer {
	unmarshal(data, c)
	return &batchNorm{BatchNorm: *c}
}

// Leaky relu or softmax activation layer, softmax implements OutputLayer interface.
type Activation struct {
	Name  string `json:"-"`
	Atype string
	Leak  float64 `json:",omitempty"`
}

func (c Activation) Marshal() LayerConfig {
	return LayerConfig{Type: "activation", Name: c.Name, Data: marshal(c)}
}

func (c Activation) ToString() string {
	return fmt.Sprintf("activation %+v", c)
}

func (c *Activation) unmarshal(data json.RawMessage) Layer {
	unmarshal(data, c)
	switch c.Atype {
	case "relu":
		return &relu{Activation: *c}
	case "softmax":
		return &softmax{Activation: *c}
	default:
		panic(fmt.Sprintf("activation type %s invalid", c.Atype))
	}
}

// Average pooling layer. If Global is set then average over the whole image.
type Pool struct {
	Name         string `json:"-"`
	Size, Stride int
	Global       bool `json:",omitempty"`
}

func (c Pool) Marshal() LayerConfig {
	if c.Stride == 0 {
		c.Stride = c.Size
	}
	return LayerConfig{Type: "pool", Name: c.Name, Data: marshal(c)}
}

func (c Pool) ToString() string {
	return fmt.Sprintf("avgPool %+v", c)
}

func (c *Pool) unmarshal(data json.RawMessage) Layer {
	unmarshal(data, c)
	return &pool{Pool: *c}
}

// Zero pad the channel dimension equally on each side to give Nout channels.
type PadChannels struct {
	Name string `json:"-"`
	Nout int
}

func (c PadChannels) Marshal() LayerConfig {
	return LayerConfig{Type: "padChannels", Name: c.Name, Data: marshal(c)}
}

func (c PadChannels) ToString() string {
	return fmt.Sprintf("padChannels %+v", c)
}

func (c *PadChannels) unmarshal(data json.RawMessage) Layer {
	unmarshal(data, c)
	return &padChannels{PadChannels: *c}
}

// Linear fully connected layer, implements ParamLayer interface.
type Linear struct {
	Name string `json:"-"`
	Nout int
}

func (c Linear) Marshal() LayerConfig {
	return LayerConfig{Type: "linear", Name: c.Name, Data: marshal(c)}
}

func (c Linear) ToString() string {
	return fmt.Sprintf("linear %+v", c)
}

func (c *Linear) unmarshal(data json.RawMessage) Layer {
	unmarshal(data, c)
	return &linear{Linear: *c}
}

// Flatten layer reshapes from 4 to 2 dimensions.
type Flatten struct {
	Name string `json:"-"`
}

func (c Flatten) Marshal() LayerConfig {
	return LayerConfig{Type: "flatten", Name: c.Name}
}

func (c Flatten) ToString() string { return "flatten" }

// Add layer sums the output of the Main and Shortcut layer stacks which are applied to the same input.
// An empty Shortcut is the identity.
type Add struct {
	Name     string `json:"-"`
	Main     []LayerConfig
	Shortcut []LayerConfig `json:",omitempty"`
}

// Residual block with main and optional projection layers
func AddLayer(name string, main, shortcut []ConfigLayer) Add {
	a := Add{Name: name}
	for _, l := range main {
		a.Main = append(a.Main, l.Marshal())
	}
	for _, l := range shortcut {
		a.Shortcut = append(a.Shortcut, l.Marshal())
	}
	return a
}

func (c Add) Marshal() LayerConfig {
	return LayerConfig{Type: "add", Name: c.Name, Data: marshal(c)}
}

func (c Add) ToString() string {
	return fmt.Sprintf("add {Main:%s Shortcut:%s}", typeList(c.Main), typeList(c.Shortcut))
}

func (c *Add) unmarshal(data json.RawMessage) Layer {
	unmarshal(data, c)
	return &add{Add: *c}
}

func typeList(layers []LayerConfig) string {
	s := "["
	for i, l := range layers {
		if i > 0 {
			s += " "
		}
		s += l.Type
	}
	return s + "]"
}

// construct a stack of layers under the given scope
func initLayers(q num.Queue, configs []LayerConfig, inShape []int, scope string) []Layer {
	layers := make([]Layer, len(configs))
	shape := inShape
	for i, c := range configs {
		layers[i] = c.Unmarshal().Init(q, shape, c.scope(scope, i))
		shape = layers[i].OutShape()
	}
	return layers
}

func collectParams(layers []Layer) (params []*Param) {
	for _, l := range layers {
		params = append(params, l.Params()...)
	}
	return params
}

// base layer type
type layerBase struct {
	name     string
	queue    num.Queue
	inShape  []int
	outShape []int
	src      num.Array
	dst      num.Array
	dsrc     num.Array
}

func newLayerBase(q num.Queue, name string, inShape, outShape []int) layerBase {
	return layerBase{
		name:     name,
		queue:    q,
		inShape:  inShape,
		outShape: outShape,
		dst:      q.NewArray(num.Float32, outShape...),
		dsrc:     q.NewArray(num.Float32, inShape...),
	}
}

func (l *layerBase) Scope() string { return l.name }

func (l *layerBase) InShape() []int { return l.inShape }

func (l *layerBase) OutShape() []int { return l.outShape }

func (l *layerBase) Params() []*Param { return nil }

func (l *layerBase) FlopCount() int64 { return 0 }

// layer which is implemented by a num.Layer
type layerDNN struct {
	layerBase
	layer num.Layer
}

func newLayerDNN(q num.Queue, name string, layer num.Layer) layerDNN {
	return layerDNN{
		layerBase: layerBase{
			name:     name,
			queue:    q,
			inShape:  layer.InShape(),
			outShape: layer.OutShape(),
			dst:      layer.Dst(),
			dsrc:     layer.DiffSrc(),
		},
		layer: layer,
	}
}

func (l *layerDNN) Fprop(in num.Array, train bool) num.Array {
	l.src = in
	l.layer.SetSrc(in)
	l.queue.Call(num.Fprop(l.layer, train))
	return l.dst
}

func (l *layerDNN) Bprop(grad num.Array) num.Array {
	l.layer.SetDiffDst(grad)
	l.queue.Call(num.BpropData(l.layer))
	if p, ok := l.layer.(num.ParamLayer); ok {
		l.queue.Call(
			num.BpropFilter(p),
			num.BpropBias(p),
		)
	}
	return l.dsrc
}

// convolutional layer implementation
type conv struct {
	Conv
	layerDNN
	weights *Param
	biases  *Param
}

func (l *conv) Init(q num.Queue, inShape []int, name string) Layer {
	if len(inShape) != 4 {
		panic("Conv: expect 4 dimensional input")
	}
	w, h, d, n := inShape[0], inShape[1], inShape[2], inShape[3]
	layer := q.ConvLayer(n, d, h, w, l.Nfeats, l.Size, l.Stride, l.Bias)
	l.layerDNN = newLayerDNN(q, name, layer)
	l.weights = newParam(q, name+"/DW", layer.FilterShape(), true, true)
	if l.Bias {
		l.biases = newParam(q, name+"/biases", layer.BiasShape(), true, false)
		layer.SetParams(l.weights.Value, l.biases.Value, l.weights.Grad, l.biases.Grad)
	} else {
		layer.SetParams(l.weights.Value, nil, l.weights.Grad, nil)
	}
	return l
}

func (l *conv) Params() []*Param {
	if l.biases != nil {
		return []*Param{l.weights, l.biases}
	}
	return []*Param{l.weights}
}

// weights are normally distributed with stddev sqrt(2/(k*k*nfeats))
func (l *conv) InitParams(rng *rand.Rand) {
	stddev := math.Sqrt(2 / float64(l.Size*l.Size*l.Nfeats))
	weights := make([]float32, l.weights.Size())
	for i := range weights {
		weights[i] = float32(rng.NormFloat64() * stddev)
	}
	l.queue.Call(num.Write(l.weights.Value, weights))
	if l.biases != nil {
		l.queue.Call(num.Fill(l.biases.Value, 0))
	}
}

// multiply-add count for a batch
func (l *conv) FlopCount() int64 {
	out := l.outShape
	return 2 * int64(l.Size*l.Size*l.inShape[2]) * int64(num.Prod(out))
}

// batch normalisation implementation
type batchNorm struct {
	BatchNorm
	layerDNN
	beta, gamma         *Param
	movingMean, movingV *Param
}

func (l *batchNorm) Init(q num.Queue, inShape []int, name string) Layer {
	layer := q.BatchNormLayer(inShape, l.Decay, l.Epsilon)
	l.layerDNN = newLayerDNN(q, name, layer)
	shape := layer.FilterShape()
	l.beta = newParam(q, name+"/beta", shape, true, false)
	l.gamma = newParam(q, name+"/gamma", shape, true, false)
	l.movingMean = newParam(q, name+"/moving_mean", shape, false, false)
	l.movingV = newParam(q, name+"/moving_variance", shape, false, false)
	layer.SetParams(l.gamma.Value, l.beta.Value, l.gamma.Grad, l.beta.Grad)
	layer.SetStats(l.movingMean.Value, l.movingV.Value)
	return l
}

func (l *batchNorm) Params() []*Param {
	return []*Param{l.beta, l.gamma, l.movingMean, l.movingV}
}

func (l *batchNorm) InitParams(rng *rand.Rand) {
	l.queue.Call(
		num.Fill(l.beta.Value, 0),
		num.Fill(l.gamma.Value, 1),
		num.Fill(l.movingMean.Value, 0),
		num.Fill(l.movingV.Value, 1),
	)
}

// average pooling implementation
type pool struct {
	Pool
	layerDNN
}

func (l *pool) Init(q num.Queue, inShape []int, name string) Layer {
	if len(inShape) != 4 {
		panic("Pool: expect 4 dimensional input")
	}
	layer := q.PoolLayer(inShape, l.Size, l.Stride, l.Global)
	l.layerDNN = newLayerDNN(q, name, layer)
	return l
}

// leaky relu activation
type relu struct {
	Activation
	layerBase
}

func (l *relu) Init(q num.Queue, inShape []int, name string) Layer {
	l.layerBase = newLayerBase(q, name, inShape, inShape)
	return l
}

func (l *relu) Fprop(in num.Array, train bool) num.Array {
	l.src = in
	l.queue.Call(num.LeakyRelu(float32(l.Leak), l.src, l.dst))
	return l.dst
}

func (l *relu) Bprop(grad num.Array) num.Array {
	l.queue.Call(num.LeakyReluD(float32(l.Leak), l.src, grad, l.dsrc))
	return l.dsrc
}

// softmax output layer, loss is the cross entropy
type softmax struct {
	Activation
	layerBase
	loss num.Array
}

func (l *softmax) Init(q num.Queue, inShape []int, name string) Layer {
	if len(inShape) != 2 {
		panic("Softmax: expect 2 dimensional input")
	}
	l.layerBase = newLayerBase(q, name, inShape, inShape)
	l.loss = q.NewArray(num.Float32, inShape...)
	return l
}

func (l *softmax) Fprop(in num.Array, train bool) num.Array {
	l.src = in
	l.queue.Call(num.Softmax(l.src, l.dst))
	return l.dst
}

// input gradient is the difference at the output
func (l *softmax) Bprop(grad num.Array) num.Array {
	l.queue.Call(num.Copy(l.dsrc, grad))
	return l.dsrc
}

func (l *softmax) Loss(yOneHot num.Array) num.Array {
	l.queue.Call(num.SoftmaxLoss(l.src, yOneHot, l.loss))
	return l.loss
}

// channel padding implementation
type padChannels struct {
	PadChannels
	layerBase
	before int
}

func (l *padChannels) Init(q num.Queue, inShape []int, name string) Layer {
	if len(inShape) != 4 || l.Nout < inShape[2] {
		panic(fmt.Sprintf("PadChannels: invalid input shape %v", inShape))
	}
	l.before = (l.Nout - inShape[2]) / 2
	outShape := []int{inShape[0], inShape[1], inShape[2] + 2*l.before, inShape[3]}
	l.layerBase = newLayerBase(q, name, inShape, outShape)
	return l
}

func (l *padChannels) Fprop(in num.Array, train bool) num.Array {
	l.src = in
	l.queue.Call(num.PadChannels(l.src, l.dst, l.before))
	return l.dst
}

func (l *padChannels) Bprop(grad num.Array) num.Array {
	l.queue.Call(num.PadChannelsD(grad, l.dsrc, l.before))
	return l.dsrc
}

// linear layer implementation, weights have shape [nin, nout]
type linear struct {
	Linear
	layerBase
	weights *Param
	biases  *Param
	ones    num.Array
}

func (l *linear) Init(q num.Queue, inShape []int, name string) Layer {
	if len(inShape) != 2 {
		panic("Linear: expect 2 dimensional input")
	}
	nIn, nBatch := inShape[0], inShape[1]
	l.layerBase = newLayerBase(q, name, inShape, []int{l.Nout, nBatch})
	l.weights = newParam(q, name+"/DW", []int{nIn, l.Nout}, true, true)
	l.biases = newParam(q, name+"/biases", []int{l.Nout}, true, false)
	l.ones = q.NewArray(num.Float32, nBatch)
	q.Call(num.Fill(l.ones, 1))
	return l
}

func (l *linear) Params() []*Param {
	return []*Param{l.weights, l.biases}
}

// uniform unit scaling initialisation: weights in range +/- sqrt(3/nin)
func (l *linear) InitParams(rng *rand.Rand) {
	limit := math.Sqrt(3 / float64(l.inShape[0]))
	weights := make([]float32, l.weights.Size())
	for i := range weights {
		weights[i] = float32((2*rng.Float64() - 1) * limit)
	}
	l.queue.Call(
		num.Write(l.weights.Value, weights),
		num.Fill(l.biases.Value, 0),
	)
}

func (l *linear) FlopCount() int64 {
	return 2 * int64(l.inShape[0]) * int64(num.Prod(l.outShape))
}

func (l *linear) Fprop(in num.Array, train bool) num.Array {
	l.src = in
	l.queue.Call(
		num.Copy(l.dst, l.biases.Value),
		num.Gemm(1, 1, l.weights.Value, l.src, l.dst, num.Trans, num.NoTrans),
	)
	return l.dst
}

func (l *linear) Bprop(grad num.Array) num.Array {
	l.queue.Call(
		num.Gemv(1, 0, grad, l.ones, l.biases.Grad, num.NoTrans),
		num.Gemm(1, 0, l.src, grad, l.weights.Grad, num.NoTrans, num.Trans),
		num.Gemm(1, 0, l.weights.Value, grad, l.dsrc, num.NoTrans, num.NoTrans),
	)
	return l.dsrc
}

type flatten struct {
	Flatten
	layerBase
}

func (l *flatten) Init(q num.Queue, inShape []int, name string) Layer {
	n := len(inShape) - 1
	l.layerBase = layerBase{name: name, queue: q, inShape: inShape, outShape: []int{num.Prod(inShape[:n]), inShape[n]}}
	return l
}

func (l *flatten) Fprop(in num.Array, train bool) num.Array {
	l.src = in
	l.dst = in.Reshape(l.outShape...)
	return l.dst
}

func (l *flatten) Bprop(grad num.Array) num.Array {
	l.dsrc = grad.Reshape(l.inShape...)
	return l.dsrc
}

// residual sum implementation
type add struct {
	Add
	layerBase
	main     []Layer
	shortcut []Layer
}

func (l *add) Init(q num.Queue, inShape []int, name string) Layer {
	if len(l.Main) == 0 {
		panic("Add: no layers defined")
	}
	l.main = initLayers(q, l.Main, inShape, name)
	l.shortcut = initLayers(q, l.Shortcut, inShape, name+"/shortcut")
	outShape := l.main[len(l.main)-1].OutShape()
	shortShape := inShape
	if len(l.shortcut) > 0 {
		shortShape = l.shortcut[len(l.shortcut)-1].OutShape()
	}
	if !num.SameShape(outShape, shortShape) {
		panic(fmt.Sprintf("Add: shape mismatch %v != %v", outShape, shortShape))
	}
	l.layerBase = newLayerBase(q, name, inShape, outShape)
	return l
}

func (l *add) Params() []*Param {
	return append(collectParams(l.main), collectParams(l.shortcut)...)
}

func (l *add) InitParams(rng *rand.Rand) {
	for _, layers := range [][]Layer{l.main, l.shortcut} {
		for _, layer := range layers {
			if pl, ok := layer.(ParamLayer); ok {
				pl.InitParams(rng)
			}
		}
	}
}

func (l *add) FlopCount() int64 {
	flops := int64(num.Prod(l.outShape))
	for _, layers := range [][]Layer{l.main, l.shortcut} {
		for _, layer := range layers {
			flops += layer.FlopCount()
		}
	}
	return flops
}

func (l *add) Fprop(in num.Array, train bool) num.Array {
	l.src = in
	x, s := in, in
	for _, layer := range l.main {
		x = layer.Fprop(x, train)
	}
	for _, layer := range l.shortcut {
		s = layer.Fprop(s, train)
	}
	l.queue.Call(
		num.Copy(l.dst, x),
		num.Axpy(1, s, l.dst),
	)
	return l.dst
}

func (l *add) Bprop(grad num.Array) num.Array {
	g, s := grad, grad
	for i := len(l.main) - 1; i >= 0; i-- {
		g = l.main[i].Bprop(g)
	}
	for i := len(l.shortcut) - 1; i >= 0; i-- {
		s = l.shortcut[i].Bprop(s)
	}
	l.queue.Call(
		num.Copy(l.dsrc, g),
		num.Axpy(1, s, l.dsrc),
	)
	return l.dsrc
}

func marshal(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}

func unmarshal(data json.RawMessage, v interface{}) {
	if len(data) == 0 {
		return
	}
	err := json.Unmarshal(data, v)
	if err != nil {
		panic(err)
	}
}

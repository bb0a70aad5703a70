package nnet

import (
	"fmt"
	"math/rand"

	"github.com/jnb666/capsnet/num"
)

// Layer interface type represents one layer of the neural net.
type Layer interface {
	Init(q num.Queue, inShape []int) Layer
	OutShape(inShape []int) []int
	Fprop(in num.Array) num.Array
	Bprop(grad num.Array) num.Array
	ToString() string
}

// ParamLayer is a layer with weight and optional bias parameters
type ParamLayer interface {
	Layer
	InitParams(scale, bias float32, normal bool, rng *rand.Rand)
	Params() (W, B num.Array)
	ParamGrads() (dW, dB num.Array)
	SetParams(W, B num.Array)
	UpdateParams(opt *Optimizer)
}

// Convolutional layer config
type ConvConfig struct {
	Nfeats, Size, Stride, Pad int
}

func (c ConvConfig) ToString() string {
	return fmt.Sprintf("conv %+v", c)
}

func (c ConvConfig) params(inShape []int) num.ConvParams {
	if len(inShape) != 4 {
		panic(fmt.Sprintf("Conv: expect 4 dimensional input, got %v", inShape))
	}
	if c.Stride == 0 {
		c.Stride = 1
	}
	return num.ConvParams{
		Channels: inShape[1], Height: inShape[2], Width: inShape[3],
		Nfeats: c.Nfeats, Size: c.Size, Stride: c.Stride, Pad: c.Pad,
	}
}

// Convolutional layer, implements ParamLayer interface.
// Input is [batch, channels, height, width].
type Conv struct {
	ConvConfig
	layerBase
	paramBase
	p         num.ConvParams
	col, dcol num.Array
	noGrad    bool
}

func NewConv(c ConvConfig) *Conv {
	return &Conv{ConvConfig: c}
}

func (l *Conv) ToString() string { return l.ConvConfig.ToString() }

func (l *Conv) OutShape(inShape []int) []int {
	p := l.params(inShape)
	h, w := p.OutShape()
	return []int{inShape[0], l.Nfeats, h, w}
}

func (l *Conv) Init(queue num.Queue, inShape []int) Layer {
	l.p = l.params(inShape)
	l.layerBase = newLayerBase(queue, inShape, l.OutShape(inShape))
	l.paramBase = newParams(queue, []int{l.Nfeats, l.p.Channels, l.Size, l.Size}, []int{l.Nfeats})
	l.col = queue.NewArray(num.Float32, l.p.ColShape()...)
	l.dcol = queue.NewArray(num.Float32, l.p.ColShape()...)
	return l
}

// Skip calculation of the input gradient, set for the first layer in the network.
func (l *Conv) NoInputGrad() {
	l.noGrad = true
}

func (l *Conv) Fprop(in num.Array) num.Array {
	l.src = in
	l.queue.Call(num.Conv2D(l.p, l.src, l.w, l.b, l.dst, l.col))
	return l.dst
}

func (l *Conv) Bprop(grad num.Array) num.Array {
	dsrc := l.dsrc
	if l.noGrad {
		dsrc = nil
	}
	l.queue.Call(num.Conv2DBprop(l.p, l.src, l.w, grad, dsrc, l.dw, l.db, l.col, l.dcol))
	return dsrc
}

// Linear fully connected layer, implements ParamLayer interface.
// Input is [batch, nIn], output is [batch, nOut].
type Linear struct {
	Nout int
	layerBase
	paramBase
}

func NewLinear(nout int) *Linear {
	return &Linear{Nout: nout}
}

func (l *Linear) ToString() string {
	return fmt.Sprintf("linear {Nout:%d}", l.Nout)
}

func (l *Linear) OutShape(inShape []int) []int {
	return []int{inShape[0], l.Nout}
}

func (l *Linear) Init(queue num.Queue, inShape []int) Layer {
	if len(inShape) != 2 {
		panic(fmt.Sprintf("Linear: expect 2 dimensional input, got %v", inShape))
	}
	nIn := inShape[1]
	l.layerBase = newLayerBase(queue, inShape, l.OutShape(inShape))
	l.paramBase = newParams(queue, []int{nIn, l.Nout}, []int{l.Nout})
	return l
}

func (l *Linear) Fprop(in num.Array) num.Array {
	l.src = in
	l.queue.Call(
		num.Copy(l.dst, l.b),
		num.Gemm(1, 1, l.src, l.w, l.dst, num.NoTrans, num.NoTrans),
	)
	return l.dst
}

func (l *Linear) Bprop(grad num.Array) num.Array {
	l.queue.Call(
		num.SumRows(1, 0, grad, l.db),
		num.Gemm(1, 0, l.src, grad, l.dw, num.Trans, num.NoTrans),
		num.Gemm(1, 0, grad, l.w, l.dsrc, num.NoTrans, num.Trans),
	)
	return l.dsrc
}

// Sigmoid, tanh or relu activation layer.
type Activation struct {
	Atype string
	layerBase
	activ func(x, y num.Array) num.Function
	deriv func(x, y, z num.Array) num.Function
	queue num.Queue
}

func NewActivation(atype string) *Activation {
	l := &Activation{Atype: atype}
	switch atype {
	case "sigmoid":
		l.activ = num.Sigmoid
		l.deriv = num.SigmoidD
	case "tanh":
		l.activ = num.Tanh
		l.deriv = num.TanhD
	case "relu":
		l.activ = num.Relu
		l.deriv = num.ReluD
	default:
		panic(fmt.Sprintf("activation type %s invalid", atype))
	}
	return l
}

func (l *Activation) ToString() string { return "activation " + l.Atype }

func (l *Activation) Init(queue num.Queue, inShape []int) Layer {
	l.queue = queue
	l.layerBase = newLayerBase(queue, inShape, inShape)
	return l
}

func (l *Activation) Fprop(in num.Array) num.Array {
	l.src = in
	l.queue.Call(l.activ(l.src, l.dst))
	return l.dst
}

func (l *Activation) Bprop(grad num.Array) num.Array {
	l.queue.Call(l.deriv(l.src, grad, l.dsrc))
	return l.dsrc
}

// base layer type
type layerBase struct {
	src  num.Array
	dst  num.Array
	dsrc num.Array
}

func newLayerBase(queue num.Queue, inShape, outShape []int) layerBase {
	return layerBase{
		dst:  queue.NewArray(num.Float32, outShape...),
		dsrc: queue.NewArray(num.Float32, inShape...),
	}
}

func (l layerBase) OutShape(inShape []int) []int { return inShape }

// Optimizer settings used to update the weights after each batch.
type Optimizer struct {
	Type    string
	Eta     float32
	Beta1   float32
	Beta2   float32
	Lambda  float32
	Epsilon float32
	Step    int
}

// NewOptimizer gets the optimizer settings from the config
func NewOptimizer(c Config) *Optimizer {
	return &Optimizer{
		Type:    c.Optimizer,
		Eta:     float32(c.Eta),
		Beta1:   float32(c.Beta1),
		Beta2:   float32(c.Beta2),
		Lambda:  float32(c.Lambda),
		Epsilon: 1e-8,
	}
}

// weight and optional bias parameters with adam moment estimates
type paramBase struct {
	queue  num.Queue
	w, b   num.Array
	dw, db num.Array
	mw, vw num.Array
	mb, vb num.Array
}

func newParams(queue num.Queue, wShape, bShape []int) paramBase {
	p := paramBase{
		queue: queue,
		w:     queue.NewArray(num.Float32, wShape...),
		dw:    queue.NewArray(num.Float32, wShape...),
	}
	if bShape != nil {
		p.b = queue.NewArray(num.Float32, bShape...)
		p.db = queue.NewArray(num.Float32, bShape...)
	}
	return p
}

func (p *paramBase) Params() (W, B num.Array) {
	return p.w, p.b
}

func (p *paramBase) ParamGrads() (dW, dB num.Array) {
	return p.dw, p.db
}

func (p *paramBase) InitParams(scale, bias float32, normal bool, rng *rand.Rand) {
	weights := make([]float32, p.w.Size())
	for i := range weights {
		if normal {
			weights[i] = float32(rng.NormFloat64()) * scale
		} else {
			weights[i] = (2*rng.Float32() - 1) * scale
		}
	}
	p.queue.Call(num.Write(p.w, weights))
	if p.b != nil {
		p.queue.Call(num.Fill(p.b, bias))
	}
}

func (p *paramBase) SetParams(W, B num.Array) {
	p.queue.Call(num.Copy(p.w, W))
	if p.b != nil && B != nil {
		p.queue.Call(num.Copy(p.b, B))
	}
}

func (p *paramBase) UpdateParams(opt *Optimizer) {
	if opt.Lambda != 0 {
		p.queue.Call(num.Axpy(opt.Lambda, p.w, p.dw))
	}
	if opt.Type == "sgd" {
		p.queue.Call(num.Axpy(-opt.Eta, p.dw, p.w))
		if p.b != nil {
			p.queue.Call(num.Axpy(-opt.Eta, p.db, p.b))
		}
		return
	}
	if p.mw == nil {
		p.mw, p.vw = p.queue.NewArrayLike(p.w), p.queue.NewArrayLike(p.w)
		p.queue.Call(num.Fill(p.mw, 0), num.Fill(p.vw, 0))
		if p.b != nil {
			p.mb, p.vb = p.queue.NewArrayLike(p.b), p.queue.NewArrayLike(p.b)
			p.queue.Call(num.Fill(p.mb, 0), num.Fill(p.vb, 0))
		}
	}
	p.queue.Call(num.Adam(p.w, p.dw, p.mw, p.vw, opt.Eta, opt.Beta1, opt.Beta2, opt.Epsilon, opt.Step))
	if p.b != nil {
		p.queue.Call(num.Adam(p.b, p.db, p.mb, p.vb, opt.Eta, opt.Beta1, opt.Beta2, opt.Epsilon, opt.Step))
	}
}

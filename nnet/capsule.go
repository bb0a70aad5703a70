package nnet

import (
	"fmt"

	"github.com/jnb666/capsnet/num"
)

// Primary capsule layer config: a convolution with Capsules*Dim output channels.
type PrimaryConfig struct {
	Capsules, Dim, Size, Stride int
}

func (c PrimaryConfig) ToString() string {
	return fmt.Sprintf("primaryCaps %+v", c)
}

// Class capsule layer config. The number of capsules is set from the number of classes in the data.
type ClassConfig struct {
	Dim int
}

func (c ClassConfig) ToString() string {
	return fmt.Sprintf("classCaps %+v", c)
}

// PrimaryCaps layer converts conv features to capsule vectors.
// Output is [batch, capsules*height*width, dim] where capsule index i = (channel*height + y)*width + x
// and vector component d comes from conv output channel channel*dim + d.
type PrimaryCaps struct {
	PrimaryConfig
	Epsilon float32
	conv    *Conv
	grid    int
	layout  num.Array
	dlayout num.Array
	dst     num.Array
	dsrc    num.Array
	queue   num.Queue
}

func NewPrimaryCaps(c PrimaryConfig, eps float32) *PrimaryCaps {
	return &PrimaryCaps{
		PrimaryConfig: c,
		Epsilon:       eps,
		conv:          NewConv(ConvConfig{Nfeats: c.Capsules * c.Dim, Size: c.Size, Stride: c.Stride}),
	}
}

func (l *PrimaryCaps) ToString() string { return l.PrimaryConfig.ToString() }

func (l *PrimaryCaps) OutShape(inShape []int) []int {
	s := l.conv.OutShape(inShape)
	return []int{inShape[0], l.Capsules * s[2] * s[3], l.Dim}
}

func (l *PrimaryCaps) Init(queue num.Queue, inShape []int) Layer {
	l.queue = queue
	l.conv.Init(queue, inShape)
	s := l.conv.OutShape(inShape)
	l.grid = s[2] * s[3]
	nb := inShape[0]
	l.layout = queue.NewArray(num.Float32, nb, l.Capsules, l.grid, l.Dim)
	l.dlayout = queue.NewArray(num.Float32, nb, l.Capsules, l.Dim, l.grid)
	l.dst = queue.NewArray(num.Float32, l.OutShape(inShape)...)
	l.dsrc = queue.NewArray(num.Float32, l.OutShape(inShape)...)
	return l
}

// Convolution output viewed as [batch, capsules, dim, grid]
func (l *PrimaryCaps) features(a num.Array) num.Array {
	return a.Reshape(a.Dims()[0], l.Capsules, l.Dim, l.grid)
}

func (l *PrimaryCaps) Fprop(in num.Array) num.Array {
	feat := l.features(l.conv.Fprop(in))
	l.queue.Call(
		num.Transpose(feat, l.layout),
		num.Squash(l.layout.Reshape(l.dst.Dims()...), l.dst, l.Epsilon),
	)
	return l.dst
}

func (l *PrimaryCaps) Bprop(grad num.Array) num.Array {
	l.queue.Call(
		num.SquashD(l.layout.Reshape(l.dst.Dims()...), grad, l.dsrc, l.Epsilon),
		num.Transpose(l.dsrc.Reshape(l.layout.Dims()...), l.dlayout),
	)
	return l.conv.Bprop(l.dlayout.Reshape(l.conv.dst.Dims()...))
}

// ClassCaps layer holds the transform matrices from each lower to each upper capsule
// and runs the dynamic routing procedure on each call to Fprop.
type ClassCaps struct {
	ClassConfig
	Classes int
	Router  *Router
	paramBase
	src   num.Array
	uhat  num.Array
	duhat num.Array
	ds    num.Array
	dsrc  num.Array
}

func NewClassCaps(c ClassConfig, classes, iterations int, eps float32) *ClassCaps {
	return &ClassCaps{
		ClassConfig: c,
		Classes:     classes,
		Router:      &Router{Iterations: iterations, Epsilon: eps},
	}
}

func (l *ClassCaps) ToString() string {
	return fmt.Sprintf("%s classes=%d routing=%d", l.ClassConfig.ToString(), l.Classes, l.Router.Iterations)
}

func (l *ClassCaps) OutShape(inShape []int) []int {
	return []int{inShape[0], l.Classes, l.Dim}
}

func (l *ClassCaps) Init(queue num.Queue, inShape []int) Layer {
	if len(inShape) != 3 {
		panic(fmt.Sprintf("ClassCaps: expect 3 dimensional input, got %v", inShape))
	}
	nb, lower, inDim := inShape[0], inShape[1], inShape[2]
	l.paramBase = newParams(queue, []int{l.Classes, lower, inDim, l.Dim}, nil)
	l.uhat = queue.NewArray(num.Float32, nb, lower, l.Classes, l.Dim)
	l.duhat = queue.NewArrayLike(l.uhat)
	l.ds = queue.NewArray(num.Float32, nb, l.Classes, l.Dim)
	l.dsrc = queue.NewArray(num.Float32, inShape...)
	l.Router.Init(queue, nb, lower, l.Classes, l.Dim)
	return l
}

func (l *ClassCaps) Fprop(in num.Array) num.Array {
	l.src = in
	l.queue.Call(num.CapsTransform(l.w, l.src, l.uhat))
	return l.Router.Route(l.uhat)
}

// Back propagate through the final routing iteration with the coupling coefficients held constant.
func (l *ClassCaps) Bprop(grad num.Array) num.Array {
	r := l.Router
	l.queue.Call(
		num.SquashD(r.s, grad, l.ds, r.Epsilon),
		num.WeightedSumD(r.coupling, l.ds, l.duhat),
		num.CapsTransformD(l.w, l.src, l.duhat, l.dw, l.dsrc),
	)
	return l.dsrc
}

// Router implements routing by agreement between a layer of lower and upper capsules.
type Router struct {
	Iterations int
	Epsilon    float32
	queue      num.Queue
	logits     num.Array
	coupling   num.Array
	s, v       num.Array
}

// Allocate buffers for given batch size, number of lower and upper capsules and upper capsule dimension.
func (r *Router) Init(queue num.Queue, batch, lower, upper, dim int) {
	if r.Iterations < 1 {
		panic(fmt.Sprintf("Router: routing iterations must be at least 1: got %d", r.Iterations))
	}
	r.queue = queue
	r.logits = queue.NewArray(num.Float32, batch, lower, upper)
	r.coupling = queue.NewArrayLike(r.logits)
	r.s = queue.NewArray(num.Float32, batch, upper, dim)
	r.v = queue.NewArrayLike(r.s)
}

// Route the predictions uhat with shape [batch, lower, upper, dim] and return the upper capsule outputs
// with shape [batch, upper, dim]. The coupling logits are reset to zero on each call.
func (r *Router) Route(uhat num.Array) num.Array {
	r.queue.Call(num.Fill(r.logits, 0))
	for it := 0; it < r.Iterations; it++ {
		r.queue.Call(
			num.Softmax(r.logits, r.coupling, 2),
			num.WeightedSum(r.coupling, uhat, r.s),
			num.Squash(r.s, r.v, r.Epsilon),
		)
		if it < r.Iterations-1 {
			r.queue.Call(num.Agreement(uhat, r.v, r.logits))
		}
	}
	return r.v
}

// Coupling coefficients from the final iteration, [batch, lower, upper]
func (r *Router) Coupling() num.Array { return r.coupling }

// Logits from the final iteration, [batch, lower, upper]
func (r *Router) Logits() num.Array { return r.logits }

// Upper capsule input before squash, [batch, upper, dim]
func (r *Router) Total() num.Array { return r.s }

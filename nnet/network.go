// Package nnet contains routines for constructing, training and testing capsule networks.
package nnet

import (
	"fmt"
	"math"
	"math/rand"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/jnb666/capsnet/num"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	// ErrShape is returned if a checkpoint does not match the network parameters
	ErrShape = errors.New("parameter shape mismatch")
	// ErrConfig is returned for invalid network configuration
	ErrConfig = errors.New("invalid config")
	// ErrNumeric is returned if the loss is not a finite number
	ErrNumeric = errors.New("numeric instability")
)

// Network type represents a capsule network with a convolutional front end, a layer of primary capsules,
// a layer of class capsules connected by dynamic routing and a fully connected decoder.
type Network struct {
	Config
	Conv      *Conv
	Relu      *Activation
	Primary   *PrimaryCaps
	Class     *ClassCaps
	Decoder   *Decoder
	Loss      *Loss
	Classes   int
	queue     num.Queue
	inShape   []int
	lengths   num.Array
	probs     num.Array
	classes   num.Array
	recon     num.Array
	optimizer *Optimizer
}

// Output from a forward pass through the network
type Output struct {
	// Class capsule vectors [batch, classes, dim]
	Caps num.Array
	// Capsule lengths [batch, classes]
	Lengths num.Array
	// Class probabilities from softmax of the lengths [batch, classes]
	Probs num.Array
	// Reconstructed image [batch, pixels]
	Recon num.Array
}

// New function creates a new network for images with shape [channels, height, width].
func New(queue num.Queue, conf Config, batchSize int, inShape []int, classes int) (*Network, error) {
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	if len(inShape) != 3 || batchSize < 1 || classes < 2 {
		return nil, errors.Wrapf(ErrConfig, "invalid input shape %v batch=%d classes=%d", inShape, batchSize, classes)
	}
	queue.SetThreads(conf.Threads)
	eps := float32(conf.Epsilon)
	n := &Network{
		Config:  conf,
		Classes: classes,
		queue:   queue,
		inShape: append([]int{batchSize}, inShape...),
		Conv:    NewConv(conf.Conv),
		Relu:    NewActivation("relu"),
		Primary: NewPrimaryCaps(conf.Primary, eps),
		Class:   NewClassCaps(conf.Class, classes, conf.Routing, eps),
		Decoder: NewDecoder(conf.Decoder, num.Prod(inShape)),
		Loss:    NewLoss(conf),
	}
	shape := n.inShape
	for _, layer := range []Layer{n.Conv, n.Relu, n.Primary, n.Class} {
		out := layer.OutShape(shape)
		if layer == n.Primary {
			out = n.Primary.conv.OutShape(shape)
		}
		for _, d := range out {
			if d < 1 {
				return nil, errors.Wrapf(ErrConfig, "%s: invalid output shape %v from input %v", layer.ToString(), out, shape)
			}
		}
		layer.Init(queue, shape)
		shape = layer.OutShape(shape)
	}
	n.Conv.NoInputGrad()
	n.Decoder.Init(queue, shape)
	n.Loss.Init(queue, shape, num.Prod(inShape))
	n.lengths = queue.NewArray(num.Float32, batchSize, classes)
	n.probs = queue.NewArrayLike(n.lengths)
	n.classes = queue.NewArray(num.Int32, batchSize)
	n.optimizer = NewOptimizer(conf)
	klog.V(1).Infof("nnet: new network batch=%d input=%v classes=%d", batchSize, inShape, classes)
	return n, nil
}

// Input shape including the batch dimension
func (n *Network) InShape() []int { return n.inShape }

// Queue used to run operations for this network
func (n *Network) Queue() num.Queue { return n.queue }

// Layers with learned parameters indexed by name
func (n *Network) ParamLayers() map[string]ParamLayer {
	m := map[string]ParamLayer{
		"conv1":   n.Conv,
		"primary": n.Primary.conv,
		"digit":   n.Class,
	}
	for i, l := range n.Decoder.Layers {
		if p, ok := l.(ParamLayer); ok {
			m[fmt.Sprintf("decoder.%d", i)] = p
		}
	}
	return m
}

// Params returns the weight and bias arrays by name, e.g. conv1.W, conv1.B, digit.W, decoder.0.W.
func (n *Network) Params() map[string]num.Array {
	m := make(map[string]num.Array)
	for name, l := range n.ParamLayers() {
		W, B := l.Params()
		m[name+".W"] = W
		if B != nil {
			m[name+".B"] = B
		}
	}
	return m
}

// Sorted list of parameter names
func (n *Network) ParamNames() []string {
	var names []string
	for name := range n.Params() {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Initialise network weights. Conv and linear weights are uniform and scaled by 1/sqrt(nin),
// capsule transform weights are normal with stddev 0.01.
func (n *Network) InitWeights(rng *rand.Rand) {
	for _, name := range n.ParamNames() {
		if !strings.HasSuffix(name, ".W") {
			continue
		}
		l := n.ParamLayers()[strings.TrimSuffix(name, ".W")]
		if l == n.Class {
			l.InitParams(0.01, 0, true, rng)
			continue
		}
		W, _ := l.Params()
		dims := W.Dims()
		nin := num.Prod(dims[1:])
		if _, ok := l.(*Linear); ok {
			nin = dims[0]
		}
		l.InitParams(float32(1/math.Sqrt(float64(nin))), 0, false, rng)
	}
	if n.DebugLevel >= 3 {
		n.PrintWeights()
	}
}

// Copy weights and bias arrays to destination net. Both queues are flushed so the copy is complete on return.
func (n *Network) CopyTo(net *Network) {
	n.queue.Finish()
	dst := net.ParamLayers()
	for name, l := range n.ParamLayers() {
		W, B := l.Params()
		dst[name].SetParams(W, B)
	}
	net.queue.Finish()
}

// Feed forward the input to get the class capsules and reconstruction.
// yOneHot is only used if mode is MaskLabel.
func (n *Network) Fprop(input, yOneHot num.Array, mode MaskMode) Output {
	q := n.queue
	h := n.Relu.Fprop(n.Conv.Fprop(input))
	u := n.Primary.Fprop(h)
	v := n.Class.Fprop(u)
	q.Call(
		num.Norm(v, n.lengths),
		num.Softmax(n.lengths, n.probs, 1),
	)
	n.recon = n.Decoder.Fprop(v, n.lengths, yOneHot, mode)
	if n.DebugLevel >= 3 {
		fmt.Printf("primary caps\n%s", u.String(q))
		fmt.Printf("class caps\n%s", v.String(q))
	}
	if n.DebugLevel >= 2 {
		fmt.Printf("lengths\n%s", n.lengths.String(q))
	}
	return Output{Caps: v, Lengths: n.lengths, Probs: n.probs, Recon: n.recon}
}

// Predict output classes given input data
func (n *Network) Predict(input, classes num.Array) Output {
	out := n.Fprop(input, nil, MaskPredicted)
	n.queue.Call(SelectCapsule(out.Lengths, classes))
	return out
}

// Back propagate the loss gradient after a call to Fprop, the gradients are left in each ParamLayer.
func (n *Network) Bprop(input, yOneHot num.Array, out Output) {
	dv, drecon := n.Loss.Grad(out.Caps, out.Lengths, yOneHot, out.Recon, input)
	ddec := n.Decoder.Bprop(drecon)
	n.queue.Call(num.Axpy(1, ddec, dv))
	du := n.Class.Bprop(dv)
	dh := n.Primary.Bprop(du)
	n.Conv.Bprop(n.Relu.Bprop(dh))
}

// Update the weights using the gradients from the last call to Bprop
func (n *Network) UpdateParams() {
	n.optimizer.Step++
	for _, name := range n.ParamNames() {
		if strings.HasSuffix(name, ".W") {
			n.ParamLayers()[strings.TrimSuffix(name, ".W")].UpdateParams(n.optimizer)
		}
	}
}

// Run one training step on a batch with masking by label, returns the scalar loss array prior to the update.
func (n *Network) TrainStep(input, yOneHot num.Array) num.Array {
	out := n.Fprop(input, yOneHot, MaskLabel)
	loss := n.Loss.Fprop(out.Lengths, yOneHot, out.Recon, input)
	n.Bprop(input, yOneHot, out)
	n.UpdateParams()
	return loss
}

// Print network description
func (n *Network) String() string {
	var s []string
	shape := n.inShape
	for i, layer := range []Layer{n.Conv, n.Relu, n.Primary, n.Class} {
		s = append(s, fmt.Sprintf("%2d: %-40s %v", i, layer.ToString(), shape))
		shape = layer.OutShape(shape)
	}
	s = append(s, fmt.Sprintf("%2d: %-40s %v => %v", 4, n.Decoder.ToString(), shape, n.Decoder.OutShape(shape)))
	return fmt.Sprintf("%s\n== Network ==\n%s", n.Config.configString(), strings.Join(s, "\n"))
}

// Print network weights
func (n *Network) PrintWeights() {
	params := n.Params()
	for _, name := range n.ParamNames() {
		fmt.Printf("== %s ==\n%s", name, params[name].String(n.queue))
	}
}

// Set random number seed, or random seed if seed <= 0
func SetSeed(seed int64) *rand.Rand {
	if seed <= 0 {
		seed = time.Now().UTC().UnixNano()
	}
	fmt.Println("random seed =", seed)
	return rand.New(rand.NewSource(seed))
}

// Exit in case of error
func CheckErr(err error) {
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

package nnet

import (
	"fmt"
	"strings"

	"github.com/jnb666/capsnet/num"
)

// MaskMode selects which class capsule is passed to the decoder.
type MaskMode int

const (
	// MaskPredicted keeps the capsule with the longest output vector.
	MaskPredicted MaskMode = iota
	// MaskLabel keeps the capsule for the ground truth class.
	MaskLabel
)

func (m MaskMode) String() string {
	switch m {
	case MaskPredicted:
		return "predicted"
	case MaskLabel:
		return "label"
	}
	return fmt.Sprintf("MaskMode(%d)", int(m))
}

// Decoder network config: sizes of the hidden layers. The output size is set from the input image.
type DecoderConfig struct {
	Hidden []int
}

func (c DecoderConfig) ToString() string {
	return fmt.Sprintf("decoder %v", c.Hidden)
}

// SelectCapsule gets the index of the longest capsule for each row of lengths with shape [batch, classes].
func SelectCapsule(lengths, classes num.Array) num.Function {
	return num.Unhot(lengths, classes)
}

// Decoder reconstructs the input image from the masked class capsule outputs.
type Decoder struct {
	DecoderConfig
	Layers  []Layer
	Outputs int
	queue   num.Queue
	classes num.Array
	mask    num.Array
	masked  num.Array
	dsrc    num.Array
}

func NewDecoder(c DecoderConfig, outputs int) *Decoder {
	d := &Decoder{DecoderConfig: c, Outputs: outputs}
	for _, n := range c.Hidden {
		d.Layers = append(d.Layers, NewLinear(n), NewActivation("relu"))
	}
	d.Layers = append(d.Layers, NewLinear(outputs), NewActivation("sigmoid"))
	return d
}

func (d *Decoder) ToString() string {
	s := make([]string, len(d.Layers))
	for i, l := range d.Layers {
		s[i] = l.ToString()
	}
	return fmt.Sprintf("%s => [%s]", d.DecoderConfig.ToString(), strings.Join(s, ", "))
}

func (d *Decoder) OutShape(inShape []int) []int {
	return []int{inShape[0], d.Outputs}
}

// Init allocates the layers given the class capsule output shape [batch, classes, dim]
func (d *Decoder) Init(queue num.Queue, inShape []int) *Decoder {
	if len(inShape) != 3 {
		panic(fmt.Sprintf("Decoder: expect 3 dimensional input, got %v", inShape))
	}
	d.queue = queue
	nb, classes := inShape[0], inShape[1]
	d.classes = queue.NewArray(num.Int32, nb)
	d.mask = queue.NewArray(num.Float32, nb, classes)
	d.masked = queue.NewArray(num.Float32, inShape...)
	d.dsrc = queue.NewArray(num.Float32, inShape...)
	shape := []int{nb, num.Prod(inShape[1:])}
	for _, l := range d.Layers {
		l.Init(queue, shape)
		shape = l.OutShape(shape)
	}
	return d
}

// Fprop masks the capsules in v with shape [batch, classes, dim] and returns the reconstruction [batch, outputs].
// lengths are the capsule lengths used with MaskPredicted, yOneHot the labels used with MaskLabel.
func (d *Decoder) Fprop(v, lengths, yOneHot num.Array, mode MaskMode) num.Array {
	switch mode {
	case MaskPredicted:
		d.queue.Call(
			SelectCapsule(lengths, d.classes),
			num.Onehot(d.classes, d.mask, d.mask.Dims()[1]),
		)
	case MaskLabel:
		d.queue.Call(num.Copy(d.mask, yOneHot))
	default:
		panic(fmt.Sprintf("Decoder: invalid mask mode %d", mode))
	}
	d.queue.Call(num.Mask(v, d.mask, d.masked))
	x := d.masked.Reshape(d.masked.Dims()[0], -1)
	for _, l := range d.Layers {
		x = l.Fprop(x)
	}
	return x
}

// Bprop gets the gradient with respect to the unmasked capsule outputs, [batch, classes, dim]
func (d *Decoder) Bprop(grad num.Array) num.Array {
	for i := len(d.Layers) - 1; i >= 0; i-- {
		grad = d.Layers[i].Bprop(grad)
	}
	d.queue.Call(num.Mask(grad.Reshape(d.dsrc.Dims()...), d.mask, d.dsrc))
	return d.dsrc
}

// Mask array from the last call to Fprop, [batch, classes]
func (d *Decoder) Mask() num.Array { return d.mask }

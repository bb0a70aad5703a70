package nnet

import (
	"encoding/gob"
	"io"
	"sort"

	"github.com/jnb666/capsnet/num"
	"github.com/pkg/errors"
)

// Tensor is a saved parameter array
type Tensor struct {
	Dims []int
	Data []float32
}

// Checkpoint holds the learned parameters of a network indexed by name.
type Checkpoint map[string]Tensor

// Get a copy of the current network parameters.
func (n *Network) Checkpoint() Checkpoint {
	c := make(Checkpoint)
	params := n.Params()
	n.queue.Finish()
	for name, arr := range params {
		data := make([]float32, arr.Size())
		n.queue.Call(num.Read(arr, data))
		c[name] = Tensor{Dims: append([]int{}, arr.Dims()...), Data: data}
	}
	n.queue.Finish()
	return c
}

// Load network parameters from a checkpoint. Returns ErrShape if any parameter is missing or has a
// different shape, in which case the network is not modified.
func (n *Network) LoadCheckpoint(c Checkpoint) error {
	params := n.Params()
	for name, arr := range params {
		t, ok := c[name]
		if !ok {
			return errors.Wrapf(ErrShape, "parameter %s not found in checkpoint", name)
		}
		if !num.SameShape(t.Dims, arr.Dims()) || len(t.Data) != arr.Size() {
			return errors.Wrapf(ErrShape, "parameter %s: checkpoint shape %v, network shape %v", name, t.Dims, arr.Dims())
		}
	}
	for name, arr := range params {
		n.queue.Call(num.Write(arr, c[name].Data))
	}
	n.queue.Finish()
	return nil
}

// Sorted parameter names
func (c Checkpoint) Names() []string {
	var names []string
	for name := range c {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Encode checkpoint in gob format
func (c Checkpoint) Encode(w io.Writer) error {
	return errors.Wrap(gob.NewEncoder(w).Encode(c), "encode checkpoint")
}

// Decode checkpoint in gob format
func DecodeCheckpoint(r io.Reader) (Checkpoint, error) {
	var c Checkpoint
	if err := gob.NewDecoder(r).Decode(&c); err != nil {
		return nil, errors.Wrap(err, "decode checkpoint")
	}
	return c, nil
}

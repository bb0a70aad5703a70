package nnet

import (
	"github.com/jnb666/capsnet/num"
)

// Loss is the margin loss on the class capsule lengths plus the weighted sum squared reconstruction error,
// averaged over the batch.
type Loss struct {
	MarginPlus  float32
	MarginMinus float32
	Lambda      float32
	ReconWeight float32
	Epsilon     float32
	queue       num.Queue
	batch       int
	margin      num.Array
	dmargin     num.Array
	sqerr       num.Array
	dv          num.Array
	drecon      num.Array
	marginTotal num.Array
	reconTotal  num.Array
	total       num.Array
	marginBuf   []float32
	sqerrBuf    []float32
}

func NewLoss(c Config) *Loss {
	return &Loss{
		MarginPlus:  float32(c.MarginPlus),
		MarginMinus: float32(c.MarginMinus),
		Lambda:      float32(c.MarginLambda),
		ReconWeight: float32(c.ReconWeight),
		Epsilon:     float32(c.Epsilon),
	}
}

// Init allocates buffers given the class capsule shape [batch, classes, dim] and number of image pixels.
func (l *Loss) Init(queue num.Queue, capsShape []int, pixels int) *Loss {
	l.queue = queue
	l.batch = capsShape[0]
	l.margin = queue.NewArray(num.Float32, capsShape[:2]...)
	l.dmargin = queue.NewArrayLike(l.margin)
	l.sqerr = queue.NewArray(num.Float32, l.batch, pixels)
	l.dv = queue.NewArray(num.Float32, capsShape...)
	l.drecon = queue.NewArray(num.Float32, l.batch, pixels)
	l.marginTotal = queue.NewArray(num.Float32)
	l.reconTotal = queue.NewArray(num.Float32)
	l.total = queue.NewArray(num.Float32)
	return l
}

// Fprop returns the scalar loss given capsule lengths [batch, classes], one hot labels, the
// reconstruction [batch, pixels] and input images.
func (l *Loss) Fprop(lengths, yOneHot, recon, x num.Array) num.Array {
	scale := 1 / float32(l.batch)
	l.queue.Call(
		num.MarginLoss(lengths, yOneHot, l.margin, l.MarginPlus, l.MarginMinus, l.Lambda),
		num.Sum(l.margin, l.marginTotal, scale),
		num.QuadraticLoss(recon, x.Reshape(recon.Dims()...), l.sqerr),
		num.Sum(l.sqerr, l.reconTotal, l.ReconWeight*scale),
		num.Copy(l.total, l.marginTotal),
		num.Axpy(1, l.reconTotal, l.total),
	)
	return l.total
}

// Grad returns the gradient of the loss with respect to the class capsule outputs v and the reconstruction.
func (l *Loss) Grad(v, lengths, yOneHot, recon, x num.Array) (dv, drecon num.Array) {
	scale := 1 / float32(l.batch)
	l.queue.Call(
		num.MarginLossD(lengths, yOneHot, l.dmargin, l.MarginPlus, l.MarginMinus, l.Lambda),
		num.Scale(scale, l.dmargin),
		num.NormD(v, l.dmargin, l.dv, l.Epsilon),
		num.Copy(l.drecon, recon),
		num.Axpy(-1, x.Reshape(recon.Dims()...), l.drecon),
		num.Scale(2*l.ReconWeight*scale, l.drecon),
	)
	return l.dv, l.drecon
}

// Margin and reconstruction components of the last loss calculation
func (l *Loss) Components() (margin, recon num.Array) {
	return l.marginTotal, l.reconTotal
}

// RowLoss returns the loss summed over the first rows of the batch after a call to Fprop.
// Used to exclude padding entries in the last batch of an epoch.
func (l *Loss) RowLoss(rows int) float64 {
	if l.marginBuf == nil {
		l.marginBuf = make([]float32, l.margin.Size())
		l.sqerrBuf = make([]float32, l.sqerr.Size())
	}
	l.queue.Call(num.Read(l.margin, l.marginBuf), num.Read(l.sqerr, l.sqerrBuf)).Finish()
	classes := l.margin.Dims()[1]
	pixels := l.sqerr.Dims()[1]
	var margin, sqerr float64
	for _, v := range l.marginBuf[:rows*classes] {
		margin += float64(v)
	}
	for _, v := range l.sqerrBuf[:rows*pixels] {
		sqerr += float64(v)
	}
	return margin + float64(l.ReconWeight)*sqerr
}

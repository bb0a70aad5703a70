package num

import (
	"fmt"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// ConvParams holds the geometry of a 2d convolution.
// Input is [batch, channels, height, width], filter is [nfeats, channels, size, size] and
// output is [batch, nfeats, outHeight, outWidth].
type ConvParams struct {
	Channels, Height, Width int
	Nfeats, Size            int
	Stride, Pad             int
}

// Output height and width
func (p ConvParams) OutShape() (h, w int) {
	h = (p.Height+2*p.Pad-p.Size)/p.Stride + 1
	w = (p.Width+2*p.Pad-p.Size)/p.Stride + 1
	return
}

// Shape of the im2col work buffer
func (p ConvParams) ColShape() []int {
	h, w := p.OutShape()
	return []int{p.Channels * p.Size * p.Size, h * w}
}

func (p ConvParams) check(name string, x, w, y Array) {
	oh, ow := p.OutShape()
	if oh < 1 || ow < 1 || p.Stride < 1 {
		panic(fmt.Sprintf("%s: invalid convolution %+v", name, p))
	}
	xdim, wdim, ydim := x.Dims(), w.Dims(), y.Dims()
	if len(xdim) != 4 || xdim[1] != p.Channels || xdim[2] != p.Height || xdim[3] != p.Width {
		panic(fmt.Sprintf("%s: input shape %v does not match %+v", name, xdim, p))
	}
	if !SameShape(wdim, []int{p.Nfeats, p.Channels, p.Size, p.Size}) {
		panic(fmt.Sprintf("%s: filter shape %v does not match %+v", name, wdim, p))
	}
	if !SameShape(ydim, []int{xdim[0], p.Nfeats, oh, ow}) {
		panic(fmt.Sprintf("%s: output shape %v does not match %+v", name, ydim, p))
	}
}

// Conv2D forward convolution: y = conv(x, w) + bias using im2col and a matrix multiply per image.
// col is a work buffer with shape p.ColShape().
func Conv2D(p ConvParams, x, w, bias, y, col Array) Function {
	p.check("Conv2D", x, w, y)
	if !SameShape(col.Dims(), p.ColShape()) || bias.Size() != p.Nfeats {
		panic("Conv2D: invalid work buffer or bias shape")
	}
	nb := x.Dims()[0]
	inSize, outSize := x.Size()/nb, y.Size()/nb
	return args("conv2d", func() {
		xd, yd, bd := x.Data(), y.Data(), bias.Data()
		cols := general(col)
		filt := blas32.General{Rows: p.Nfeats, Cols: cols.Rows, Stride: cols.Rows, Data: w.Data()}
		for b := 0; b < nb; b++ {
			im2col(p, xd[b*inSize:(b+1)*inSize], cols.Data)
			out := blas32.General{Rows: p.Nfeats, Cols: cols.Cols, Stride: cols.Cols, Data: yd[b*outSize : (b+1)*outSize]}
			for f := 0; f < p.Nfeats; f++ {
				row := out.Data[f*cols.Cols : (f+1)*cols.Cols]
				for i := range row {
					row[i] = bd[f]
				}
			}
			blas32.Gemm(blas.NoTrans, blas.NoTrans, 1, filt, cols, 1, out)
		}
	})
}

// Conv2DBprop gets the filter and bias gradients dw and db and, if dx is not nil, the input gradient.
// col and dcol are work buffers with shape p.ColShape().
func Conv2DBprop(p ConvParams, x, w, dy, dx, dw, db, col, dcol Array) Function {
	p.check("Conv2DBprop", x, w, dy)
	if !SameShape(w.Dims(), dw.Dims()) || db.Size() != p.Nfeats || (dx != nil && !SameShape(x.Dims(), dx.Dims())) {
		panic("Conv2DBprop: invalid gradient shape")
	}
	nb := x.Dims()[0]
	inSize, outSize := x.Size()/nb, dy.Size()/nb
	return args("conv2d_bprop", func() {
		xd, gd, dbd := x.Data(), dy.Data(), db.Data()
		cols, dcols := general(col), general(dcol)
		filt := blas32.General{Rows: p.Nfeats, Cols: cols.Rows, Stride: cols.Rows, Data: w.Data()}
		dfilt := blas32.General{Rows: p.Nfeats, Cols: cols.Rows, Stride: cols.Rows, Data: dw.Data()}
		for i := range dfilt.Data {
			dfilt.Data[i] = 0
		}
		for i := range dbd {
			dbd[i] = 0
		}
		for b := 0; b < nb; b++ {
			grad := blas32.General{Rows: p.Nfeats, Cols: cols.Cols, Stride: cols.Cols, Data: gd[b*outSize : (b+1)*outSize]}
			for f := 0; f < p.Nfeats; f++ {
				for _, g := range grad.Data[f*cols.Cols : (f+1)*cols.Cols] {
					dbd[f] += g
				}
			}
			im2col(p, xd[b*inSize:(b+1)*inSize], cols.Data)
			blas32.Gemm(blas.NoTrans, blas.Trans, 1, grad, cols, 1, dfilt)
			if dx != nil {
				blas32.Gemm(blas.Trans, blas.NoTrans, 1, filt, grad, 0, dcols)
				col2im(p, dcols.Data, dx.Data()[b*inSize:(b+1)*inSize])
			}
		}
	})
}

// unpack image patches to columns: col[(c*size+ky)*size+kx, oy*ow+ox] = x[c, oy*stride+ky-pad, ox*stride+kx-pad]
func im2col(p ConvParams, x, col []float32) {
	oh, ow := p.OutShape()
	for c := 0; c < p.Channels; c++ {
		for ky := 0; ky < p.Size; ky++ {
			for kx := 0; kx < p.Size; kx++ {
				row := col[((c*p.Size+ky)*p.Size+kx)*oh*ow:]
				for oy := 0; oy < oh; oy++ {
					iy := oy*p.Stride + ky - p.Pad
					for ox := 0; ox < ow; ox++ {
						ix := ox*p.Stride + kx - p.Pad
						if iy < 0 || iy >= p.Height || ix < 0 || ix >= p.Width {
							row[oy*ow+ox] = 0
						} else {
							row[oy*ow+ox] = x[(c*p.Height+iy)*p.Width+ix]
						}
					}
				}
			}
		}
	}
}

// inverse of im2col which sums the overlapping patches
func col2im(p ConvParams, col, x []float32) {
	oh, ow := p.OutShape()
	for i := range x {
		x[i] = 0
	}
	for c := 0; c < p.Channels; c++ {
		for ky := 0; ky < p.Size; ky++ {
			for kx := 0; kx < p.Size; kx++ {
				row := col[((c*p.Size+ky)*p.Size+kx)*oh*ow:]
				for oy := 0; oy < oh; oy++ {
					iy := oy*p.Stride + ky - p.Pad
					if iy < 0 || iy >= p.Height {
						continue
					}
					for ox := 0; ox < ow; ox++ {
						ix := ox*p.Stride + kx - p.Pad
						if ix >= 0 && ix < p.Width {
							x[(c*p.Height+iy)*p.Width+ix] += row[oy*ow+ox]
						}
					}
				}
			}
		}
	}
}

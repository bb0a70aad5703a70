package num

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// Squash output lengths are clamped to this value so they stay below 1 in float32.
const maxSquashLen = 1 - 1e-6

// Squash nonlinearity applied to each vector along the last axis of x:
// res = |x|²/(1+|x|²) * x/sqrt(|x|²+eps). Zero vectors map to zero.
// For |x| above about 1000 the output length is clamped at maxSquashLen, SquashD does not account for this.
func Squash(x, res Array, eps float32) Function {
	rows, dim := vecShape("Squash", x, res)
	return args("squash", func() {
		xd, rd := x.Data(), res.Data()
		for r := 0; r < rows; r++ {
			v := xd[r*dim : (r+1)*dim]
			n := sqnorm(v)
			scale := float32(math.Min(n/(1+n), maxSquashLen) / math.Sqrt(n+float64(eps)))
			for i, val := range v {
				rd[r*dim+i] = scale * val
			}
		}
	})
}

// SquashD is the gradient of Squash given the input x and the gradient with respect to the output.
// With v = f(n)*s where n = |s|², ds = f*g + 2*f'(n)*(s.g)*s
func SquashD(x, grad, res Array, eps float32) Function {
	rows, dim := vecShape("SquashD", x, res)
	if !SameShape(x.Dims(), grad.Dims()) {
		panic("SquashD: gradient must be same shape as input")
	}
	return args("squash_d", func() {
		xd, gd, rd := x.Data(), grad.Data(), res.Data()
		for r := 0; r < rows; r++ {
			s := xd[r*dim : (r+1)*dim]
			g := gd[r*dim : (r+1)*dim]
			n := sqnorm(s)
			root := math.Sqrt(n + float64(eps))
			f := n / ((1 + n) * root)
			// d/dn [ n / ((1+n) sqrt(n+eps)) ]
			df := (1/((1+n)*root) - n/((1+n)*(1+n)*root) - n/(2*(1+n)*root*(n+float64(eps))))
			var dot float64
			for i := range s {
				dot += float64(s[i]) * float64(g[i])
			}
			k := 2 * df * dot
			for i := range s {
				rd[r*dim+i] = float32(f*float64(g[i]) + k*float64(s[i]))
			}
		}
	})
}

// Norm calculates the length of each vector along the last axis of x, res has the last axis removed.
func Norm(x, res Array) Function {
	xdim, rdim := x.Dims(), res.Dims()
	if len(xdim) < 2 || !SameShape(xdim[:len(xdim)-1], rdim) {
		panic(fmt.Sprintf("Norm: invalid shape %v %v", xdim, rdim))
	}
	dim := xdim[len(xdim)-1]
	return args("norm", func() {
		xd, rd := x.Data(), res.Data()
		for r := range rd {
			rd[r] = float32(math.Sqrt(sqnorm(xd[r*dim : (r+1)*dim])))
		}
	})
}

// NormD is the gradient of Norm: res = grad * x / sqrt(|x|²+eps)
func NormD(x, grad, res Array, eps float32) Function {
	xdim, gdim := x.Dims(), grad.Dims()
	if len(xdim) < 2 || !SameShape(xdim[:len(xdim)-1], gdim) || !SameShape(xdim, res.Dims()) {
		panic(fmt.Sprintf("NormD: invalid shape %v %v", xdim, gdim))
	}
	dim := xdim[len(xdim)-1]
	return args("norm_d", func() {
		xd, gd, rd := x.Data(), grad.Data(), res.Data()
		for r, g := range gd {
			v := xd[r*dim : (r+1)*dim]
			scale := g / float32(math.Sqrt(sqnorm(v)+float64(eps)))
			for i, val := range v {
				rd[r*dim+i] = scale * val
			}
		}
	})
}

// Mask zeros all capsules apart from those selected: res[b,j,:] = x[b,j,:] * mask[b,j]
func Mask(x, mask, res Array) Function {
	xdim, mdim := x.Dims(), mask.Dims()
	if len(xdim) != 3 || len(mdim) != 2 || xdim[0] != mdim[0] || xdim[1] != mdim[1] || !SameShape(xdim, res.Dims()) {
		panic(fmt.Sprintf("Mask: invalid shape %v %v", xdim, mdim))
	}
	dim := xdim[2]
	return args("mask", func() {
		xd, md, rd := x.Data(), mask.Data(), res.Data()
		for r, m := range md {
			for i := r * dim; i < (r+1)*dim; i++ {
				rd[i] = xd[i] * m
			}
		}
	})
}

// CapsTransform gets the predicted output vectors from each lower capsule to each upper capsule.
// w has shape [upper, lower, inDim, outDim], u is [batch, lower, inDim] and uhat is [batch, lower, upper, outDim].
// uhat[b,i,j,:] = u[b,i,:] . w[j,i,:,:]
// For each pair i, j this is a single matrix multiply over the batch using strided views of u and uhat.
func CapsTransform(w, u, uhat Array) Function {
	nu, nl, din, dout := capsShape("CapsTransform", w, u, uhat)
	nb := u.Dims()[0]
	return argsParallel("caps_transform", func(threads int) {
		wd, ud, hd := w.Data(), u.Data(), uhat.Data()
		parallel(nl, threads, func(i int) {
			ui := batchView(ud, i*din, nb, din, nl*din)
			for j := 0; j < nu; j++ {
				wji := matrix(wd, (j*nl+i)*din*dout, din, dout)
				out := batchView(hd, (i*nu+j)*dout, nb, dout, nl*nu*dout)
				blas32.Gemm(blas.NoTrans, blas.NoTrans, 1, ui, wji, 0, out)
			}
		})
	})
}

// CapsTransformD back propagates the gradient from uhat to get the weight gradient dw and the input gradient du.
// If du is nil then the input gradient is not calculated.
func CapsTransformD(w, u, duhat, dw, du Array) Function {
	nu, nl, din, dout := capsShape("CapsTransformD", w, u, duhat)
	if !SameShape(w.Dims(), dw.Dims()) || (du != nil && !SameShape(u.Dims(), du.Dims())) {
		panic("CapsTransformD: invalid gradient shape")
	}
	nb := u.Dims()[0]
	return argsParallel("caps_transform_d", func(threads int) {
		wd, ud, gd, dwd := w.Data(), u.Data(), duhat.Data(), dw.Data()
		var dud []float32
		if du != nil {
			dud = du.Data()
		}
		parallel(nl, threads, func(i int) {
			ui := batchView(ud, i*din, nb, din, nl*din)
			for j := 0; j < nu; j++ {
				wji := matrix(wd, (j*nl+i)*din*dout, din, dout)
				dwji := matrix(dwd, (j*nl+i)*din*dout, din, dout)
				grad := batchView(gd, (i*nu+j)*dout, nb, dout, nl*nu*dout)
				blas32.Gemm(blas.Trans, blas.NoTrans, 1, ui, grad, 0, dwji)
				if dud != nil {
					beta := float32(1)
					if j == 0 {
						beta = 0
					}
					dui := batchView(dud, i*din, nb, din, nl*din)
					blas32.Gemm(blas.NoTrans, blas.Trans, 1, grad, wji, beta, dui)
				}
			}
		})
	})
}

// WeightedSum calculates the total input to each upper capsule: s[b,j,:] = sum_i c[b,i,j] * uhat[b,i,j,:]
func WeightedSum(c, uhat, s Array) Function {
	nb, nl, nu, dim := routeShape("WeightedSum", c, uhat, s)
	return argsParallel("weighted_sum", func(threads int) {
		cd, hd, sd := c.Data(), uhat.Data(), s.Data()
		parallel(nb, threads, func(b int) {
			for j := 0; j < nu; j++ {
				out := vec(sd, (b*nu+j)*dim, dim)
				blas32.Scal(0, out)
				for i := 0; i < nl; i++ {
					blas32.Axpy(cd[(b*nl+i)*nu+j], vec(hd, ((b*nl+i)*nu+j)*dim, dim), out)
				}
			}
		})
	})
}

// WeightedSumD gets the gradient of uhat given the gradient of s, with the coupling coefficients held constant.
func WeightedSumD(c, ds, duhat Array) Function {
	nb, nl, nu, dim := routeShape("WeightedSumD", c, duhat, ds)
	return argsParallel("weighted_sum_d", func(threads int) {
		cd, gd, hd := c.Data(), ds.Data(), duhat.Data()
		parallel(nb, threads, func(b int) {
			for i := 0; i < nl; i++ {
				for j := 0; j < nu; j++ {
					out := vec(hd, ((b*nl+i)*nu+j)*dim, dim)
					blas32.Copy(vec(gd, (b*nu+j)*dim, dim), out)
					blas32.Scal(cd[(b*nl+i)*nu+j], out)
				}
			}
		})
	})
}

// Agreement adds the dot product of each prediction with the upper capsule output to the coupling logits:
// logits[b,i,j] += uhat[b,i,j,:] . v[b,j,:]
func Agreement(uhat, v, logits Array) Function {
	nb, nl, nu, dim := routeShape("Agreement", logits, uhat, v)
	return argsParallel("agreement", func(threads int) {
		hd, vd, ld := uhat.Data(), v.Data(), logits.Data()
		parallel(nb, threads, func(b int) {
			for i := 0; i < nl; i++ {
				for j := 0; j < nu; j++ {
					ld[(b*nl+i)*nu+j] += blas32.Dot(vec(hd, ((b*nl+i)*nu+j)*dim, dim), vec(vd, (b*nu+j)*dim, dim))
				}
			}
		})
	})
}

// MarginLoss for capsule lengths x with shape [batch, classes] given one hot labels y:
// res = y*max(0, mplus-x)² + lambda*(1-y)*max(0, x-mminus)²
func MarginLoss(x, y, res Array, mplus, mminus, lambda float32) Function {
	checkSame("MarginLoss", x, y, res)
	return args("margin_loss", func() {
		xd, yd, rd := x.Data(), y.Data(), res.Data()
		for i, v := range xd {
			pos := max32(0, mplus-v)
			neg := max32(0, v-mminus)
			rd[i] = yd[i]*pos*pos + lambda*(1-yd[i])*neg*neg
		}
	})
}

// MarginLossD is the gradient of MarginLoss with respect to the capsule lengths.
func MarginLossD(x, y, res Array, mplus, mminus, lambda float32) Function {
	checkSame("MarginLossD", x, y, res)
	return args("margin_loss_d", func() {
		xd, yd, rd := x.Data(), y.Data(), res.Data()
		for i, v := range xd {
			pos := max32(0, mplus-v)
			neg := max32(0, v-mminus)
			rd[i] = -2*yd[i]*pos + 2*lambda*(1-yd[i])*neg
		}
	})
}

func checkSame(name string, arr ...Array) {
	for _, a := range arr {
		if a.Dtype() != Float32 {
			panic(name + ": dtype must by Float32")
		}
		if !SameShape(a.Dims(), arr[0].Dims()) {
			panic(fmt.Sprintf("%s: arrays must be same shape", name))
		}
	}
}

// Adam optimiser update step: m and v are the first and second moment estimates, t is the step number from 1
func Adam(w, dw, m, v Array, eta, beta1, beta2, eps float32, t int) Function {
	if !SameShape(w.Dims(), dw.Dims()) || !SameShape(w.Dims(), m.Dims()) || !SameShape(w.Dims(), v.Dims()) {
		panic("Adam: arrays must be same shape")
	}
	return args("adam", func() {
		wd, gd, md, vd := w.Data(), dw.Data(), m.Data(), v.Data()
		c1 := 1 - math.Pow(float64(beta1), float64(t))
		c2 := 1 - math.Pow(float64(beta2), float64(t))
		step := float32(float64(eta) * math.Sqrt(c2) / c1)
		for i, g := range gd {
			md[i] = beta1*md[i] + (1-beta1)*g
			vd[i] = beta2*vd[i] + (1-beta2)*g*g
			wd[i] -= step * md[i] / (float32(math.Sqrt(float64(vd[i]))) + eps)
		}
	})
}

func vecShape(name string, x, res Array) (rows, dim int) {
	if x.Dtype() != Float32 || res.Dtype() != Float32 {
		panic(name + ": dtype must by Float32")
	}
	xdim := x.Dims()
	if len(xdim) < 1 || !SameShape(xdim, res.Dims()) {
		panic(fmt.Sprintf("%s: arrays must be same shape %v %v", name, xdim, res.Dims()))
	}
	dim = xdim[len(xdim)-1]
	return x.Size() / dim, dim
}

func capsShape(name string, w, u, uhat Array) (nu, nl, din, dout int) {
	wdim, udim, hdim := w.Dims(), u.Dims(), uhat.Dims()
	if len(wdim) != 4 || len(udim) != 3 || len(hdim) != 4 {
		panic(fmt.Sprintf("%s: invalid shape w=%v u=%v uhat=%v", name, wdim, udim, hdim))
	}
	nu, nl, din, dout = wdim[0], wdim[1], wdim[2], wdim[3]
	if udim[1] != nl || udim[2] != din || hdim[0] != udim[0] || hdim[1] != nl || hdim[2] != nu || hdim[3] != dout {
		panic(fmt.Sprintf("%s: invalid shape w=%v u=%v uhat=%v", name, wdim, udim, hdim))
	}
	return
}

func routeShape(name string, c, uhat, s Array) (nb, nl, nu, dim int) {
	cdim, hdim, sdim := c.Dims(), uhat.Dims(), s.Dims()
	if len(cdim) != 3 || len(hdim) != 4 || len(sdim) != 3 {
		panic(fmt.Sprintf("%s: invalid shape c=%v uhat=%v s=%v", name, cdim, hdim, sdim))
	}
	nb, nl, nu, dim = hdim[0], hdim[1], hdim[2], hdim[3]
	if !SameShape(cdim, hdim[:3]) || sdim[0] != nb || sdim[1] != nu || sdim[2] != dim {
		panic(fmt.Sprintf("%s: invalid shape c=%v uhat=%v s=%v", name, cdim, hdim, sdim))
	}
	return
}

// contiguous vector of length n starting at offset
func vec(data []float32, offset, n int) blas32.Vector {
	return blas32.Vector{N: n, Inc: 1, Data: data[offset : offset+n]}
}

// dense rows x cols matrix starting at offset
func matrix(data []float32, offset, rows, cols int) blas32.General {
	return blas32.General{Rows: rows, Cols: cols, Stride: cols, Data: data[offset : offset+rows*cols]}
}

// matrix with one row per batch entry, rows are stride elements apart
func batchView(data []float32, offset, rows, cols, stride int) blas32.General {
	return blas32.General{Rows: rows, Cols: cols, Stride: stride, Data: data[offset : offset+(rows-1)*stride+cols]}
}

func sqnorm(v []float32) float64 {
	var n float64
	for _, x := range v {
		n += float64(x) * float64(x)
	}
	return n
}

func max32(a, b float32) float32 {
	if a > b {
		return a
	}
	return b
}

// Package num contains numeric Array processing routines such as optimised matix multiplication.
package num

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// Data type of an element of the array
type DataType int

const (
	Int32 DataType = iota
	Float32
)

func (t DataType) String() string {
	if t == Int32 {
		return "int32"
	}
	return "float32"
}

// TransType flag indicates if matrix is transposed
type TransType blas.Transpose

const (
	NoTrans = TransType(blas.NoTrans)
	Trans   = TransType(blas.Trans)
)

// Read data from array into a slice.
func Read(a Array, data interface{}) Function {
	return args("read", func() { copyData(data, a, "Read") })
}

// Write data from a slice into the given array.
func Write(a Array, data interface{}) Function {
	return args("write", func() { copyData(a, data, "Write") })
}

func copyData(dst, src interface{}, name string) {
	var n int
	switch d := dst.(type) {
	case Array:
		if d.Dtype() == Int32 {
			n = copy(d.Ints(), src.([]int32))
		} else {
			n = copy(d.Data(), src.([]float32))
		}
		if n != d.Size() {
			panic(fmt.Sprintf("%s: only copied %d of %d elements", name, n, d.Size()))
		}
	case []float32:
		n = copy(d, src.(Array).Data())
	case []int32:
		n = copy(d, src.(Array).Ints())
	default:
		panic(fmt.Sprintf("%s: invalid type %T", name, dst))
	}
}

// Write to one row in the array
func WriteRow(a Array, row int, data []float32) Function {
	dims := a.Dims()
	if len(dims) != 2 {
		panic("WriteRow: must be a matrix")
	}
	if row < 0 || row >= dims[0] {
		panic("WriteRow: row out of range")
	}
	return args("write_row", func() {
		copy(a.Data()[row*dims[1]:(row+1)*dims[1]], data)
	})
}

// Fill array with a scalar value
func Fill(a Array, scalar float32) Function {
	return args("fill", func() {
		if a.Dtype() == Int32 {
			d := a.Ints()
			for i := range d {
				d[i] = int32(scalar)
			}
		} else {
			d := a.Data()
			for i := range d {
				d[i] = scalar
			}
		}
	})
}

// Copy from src to dst, if src is a vector then it is tiled along the rows of dst.
func Copy(dst, src Array) Function {
	if src.Dtype() != dst.Dtype() {
		panic("Copy: arguments must be same type")
	}
	ddim, sdim := dst.Dims(), src.Dims()
	if SameShape(ddim, sdim) {
		return args("copy", func() {
			if dst.Dtype() == Int32 {
				copy(dst.Ints(), src.Ints())
			} else {
				copy(dst.Data(), src.Data())
			}
		})
	}
	if len(sdim) == 1 && len(ddim) >= 2 && sdim[0] == ddim[len(ddim)-1] {
		return args("tile", func() {
			d, s := dst.Data(), src.Data()
			for i := 0; i < len(d); i += len(s) {
				copy(d[i:], s)
			}
		})
	}
	panic(fmt.Sprintf("Copy: cannot copy from %v to %v shape", sdim, ddim))
}

// Element wise != comparison
func Neq(x, y, res Array) Function {
	if x.Dtype() != Int32 || y.Dtype() != Int32 || res.Dtype() != Int32 {
		panic("Neq: incorrect datatype")
	}
	if !SameShape(x.Dims(), res.Dims()) || !SameShape(y.Dims(), res.Dims()) {
		panic("Neq: arrays must be same shape")
	}
	return args("neq", func() {
		xd, yd, rd := x.Ints(), y.Ints(), res.Ints()
		for i := range rd {
			if xd[i] != yd[i] {
				rd[i] = 1
			} else {
				rd[i] = 0
			}
		}
	})
}

// Convert labels with shape [n] to one hot representation with shape [n, classes]
func Onehot(x, y Array, classes int) Function {
	if x.Dtype() != Int32 || y.Dtype() != Float32 {
		panic("Onehot: incorrect datatype")
	}
	xdim, ydim := x.Dims(), y.Dims()
	if len(xdim) != 1 || len(ydim) != 2 || xdim[0] != ydim[0] || ydim[1] != classes {
		panic(fmt.Sprintf("Onehot: invalid array shape %v %v", xdim, ydim))
	}
	return args("onehot", func() {
		xd, yd := x.Ints(), y.Data()
		for i := range yd {
			yd[i] = 0
		}
		for row, label := range xd {
			if label >= 0 && int(label) < classes {
				yd[row*classes+int(label)] = 1
			}
		}
	})
}

// Convert from OneHot format back to labels by taking the index of the maximum value in each row
func Unhot(x, y Array) Function {
	if x.Dtype() != Float32 || y.Dtype() != Int32 {
		panic("Unhot: incorrect datatype")
	}
	xdim, ydim := x.Dims(), y.Dims()
	if len(xdim) != 2 || len(ydim) != 1 || xdim[0] != ydim[0] {
		panic(fmt.Sprintf("Unhot: invalid array shape %v %v", xdim, ydim))
	}
	return args("unhot", func() {
		xd, yd := x.Data(), y.Ints()
		cols := xdim[1]
		for row := range yd {
			best := 0
			for col := 1; col < cols; col++ {
				if xd[row*cols+col] > xd[row*cols+best] {
					best = col
				}
			}
			yd[row] = int32(best)
		}
	})
}

// Scale array: x <- alpha*x
func Scale(alpha float32, x Array) Function {
	if x.Dtype() != Float32 {
		panic("Scale: dtype must by Float32")
	}
	return args("scale", func() {
		blas32.Scal(alpha, vector(x))
	})
}

// Array addition and scaling: y <- alpha*x + y
func Axpy(alpha float32, x, y Array) Function {
	if x.Dtype() != Float32 || y.Dtype() != Float32 {
		panic("Axpy: dtype must by Float32")
	}
	if x.Size() != y.Size() {
		panic(fmt.Sprintf("Axpy: arrays must be same size %v %v", x.Dims(), y.Dims()))
	}
	return args("axpy", func() {
		blas32.Axpy(alpha, vector(x), vector(y))
	})
}

// Element wise multiplication: z <- x * y
func Mul(x, y, z Array) Function {
	return binaryFunc("mul", x, y, z, func(x, y float32) float32 { return x * y })
}

// Calculate the scalar sum of the values in the array. Multiplies each result by scale.
func Sum(a, total Array, scale float32) Function {
	if len(total.Dims()) != 0 || total.Dtype() != Float32 {
		panic("Sum: result type should be float32 scalar")
	}
	return args("sum", func() {
		var sum float64
		if a.Dtype() == Int32 {
			for _, v := range a.Ints() {
				sum += float64(v)
			}
		} else {
			for _, v := range a.Data() {
				sum += float64(v)
			}
		}
		total.Data()[0] = float32(sum) * scale
	})
}

// Sum over the rows of a matrix to get a vector: y <- alpha*sum(mA, axis=0) + beta*y
func SumRows(alpha, beta float32, mA, y Array) Function {
	adim, ydim := mA.Dims(), y.Dims()
	if len(adim) != 2 || len(ydim) != 1 || ydim[0] != adim[1] {
		panic(fmt.Sprintf("SumRows: invalid shape %v %v", adim, ydim))
	}
	return args("sum_rows", func() {
		ad, yd := mA.Data(), y.Data()
		cols := adim[1]
		for j := range yd {
			var sum float32
			for i := 0; i < adim[0]; i++ {
				sum += ad[i*cols+j]
			}
			yd[j] = alpha*sum + beta*yd[j]
		}
	})
}

// Matrix matrix multiplication: mC <- alpha*dot(mA, mB) + beta*mC
func Gemm(alpha, beta float32, mA, mB, mC Array, aTrans, bTrans TransType) Function {
	if mA.Dtype() != Float32 || mB.Dtype() != Float32 || mC.Dtype() != Float32 {
		panic("Gemm: dtype must by Float32")
	}
	adim, bdim, cdim := mA.Dims(), mB.Dims(), mC.Dims()
	if len(adim) != 2 || len(bdim) != 2 || len(cdim) != 2 {
		panic("Gemm: must have 2 dimensional arrays")
	}
	m, k := adim[0], adim[1]
	k2, n := bdim[0], bdim[1]
	if aTrans == Trans {
		m, k = k, m
	}
	if bTrans == Trans {
		k2, n = n, k2
	}
	if k2 != k {
		panic(fmt.Sprintf("Gemm: invalid input shape %v x %v", adim, bdim))
	}
	if cdim[0] != m || cdim[1] != n {
		panic(fmt.Sprintf("Gemm: invalid output shape %v expecting [%d %d]", cdim, m, n))
	}
	return args("gemm", func() {
		blas32.Gemm(blas.Transpose(aTrans), blas.Transpose(bTrans), alpha, general(mA), general(mB), beta, general(mC))
	})
}

// Sigmoid activation function: y = 1/(1+e**(-x))
func Sigmoid(x, y Array) Function {
	return unaryFunc("sigmoid", x, y, sigmoid)
}

// Sigmoid derivative given the layer input: z = grad * sigmoid(x) * (1-sigmoid(x))
func SigmoidD(x, grad, z Array) Function {
	return binaryFunc("sigmoid_d", x, grad, z, func(x, g float32) float32 {
		s := sigmoid(x)
		return g * s * (1 - s)
	})
}

// Tanh activation function: y = tanh(x)
func Tanh(x, y Array) Function {
	return unaryFunc("tanh", x, y, func(x float32) float32 {
		return float32(math.Tanh(float64(x)))
	})
}

func TanhD(x, grad, z Array) Function {
	return binaryFunc("tanh_d", x, grad, z, func(x, g float32) float32 {
		t := float32(math.Tanh(float64(x)))
		return g * (1 - t*t)
	})
}

// Relu rectified linear activation function: y = max(x, 0)
func Relu(x, y Array) Function {
	return unaryFunc("relu", x, y, func(x float32) float32 {
		if x > 0 {
			return x
		}
		return 0
	})
}

func ReluD(x, grad, z Array) Function {
	return binaryFunc("relu_d", x, grad, z, func(x, g float32) float32 {
		if x > 0 {
			return g
		}
		return 0
	})
}

// Quadratic loss function: (x-y)**2
func QuadraticLoss(x, y, res Array) Function {
	return binaryFunc("quad_loss", x, y, res, func(x, y float32) float32 {
		return (x - y) * (x - y)
	})
}

// Softmax activation function applied along the given axis of x.
func Softmax(x, res Array, axis int) Function {
	if x.Dtype() != Float32 || res.Dtype() != Float32 {
		panic("Softmax: dtype must by Float32")
	}
	xdim := x.Dims()
	if !SameShape(xdim, res.Dims()) {
		panic("Softmax: arrays must be same shape")
	}
	outer, n, inner := splitAxis(xdim, axis, "Softmax")
	return args("softmax", func() {
		xd, rd := x.Data(), res.Data()
		for o := 0; o < outer; o++ {
			for in := 0; in < inner; in++ {
				base := o*n*inner + in
				xmax := xd[base]
				for k := 1; k < n; k++ {
					if v := xd[base+k*inner]; v > xmax {
						xmax = v
					}
				}
				var sum float64
				for k := 0; k < n; k++ {
					e := math.Exp(float64(xd[base+k*inner] - xmax))
					rd[base+k*inner] = float32(e)
					sum += e
				}
				for k := 0; k < n; k++ {
					rd[base+k*inner] = float32(float64(rd[base+k*inner]) / sum)
				}
			}
		}
	})
}

func unaryFunc(name string, x, y Array, fn func(float32) float32) Function {
	if x.Dtype() != Float32 || y.Dtype() != Float32 {
		panic("UnaryFunc: dtype must by Float32")
	}
	if x.Size() != y.Size() {
		panic(fmt.Sprintf("%s: arrays must be same size %v %v", name, x.Dims(), y.Dims()))
	}
	return args(name, func() {
		xd, yd := x.Data(), y.Data()
		for i, v := range xd {
			yd[i] = fn(v)
		}
	})
}

func binaryFunc(name string, x, y, z Array, fn func(x, y float32) float32) Function {
	if x.Dtype() != Float32 || y.Dtype() != Float32 || z.Dtype() != Float32 {
		panic("BinaryFunc: dtype must by Float32")
	}
	if x.Size() != z.Size() || y.Size() != z.Size() {
		panic(fmt.Sprintf("%s: arrays must be same size %v %v %v", name, x.Dims(), y.Dims(), z.Dims()))
	}
	return args(name, func() {
		xd, yd, zd := x.Data(), y.Data(), z.Data()
		for i := range zd {
			zd[i] = fn(xd[i], yd[i])
		}
	})
}

func sigmoid(x float32) float32 {
	return float32(1 / (1 + math.Exp(-float64(x))))
}

// split dims into the product of the dimensions before the axis, the axis size and product of those after
func splitAxis(dims []int, axis int, name string) (outer, n, inner int) {
	if axis < 0 {
		axis += len(dims)
	}
	if axis < 0 || axis >= len(dims) {
		panic(fmt.Sprintf("%s: axis %d out of range for shape %v", name, axis, dims))
	}
	return Prod(dims[:axis]), dims[axis], Prod(dims[axis+1:])
}

func vector(a Array) blas32.Vector {
	return blas32.Vector{N: a.Size(), Inc: 1, Data: a.Data()}
}

func general(a Array) blas32.General {
	dims := a.Dims()
	return blas32.General{Rows: dims[0], Cols: dims[1], Stride: dims[1], Data: a.Data()}
}

// Transpose swaps the last two axes: x with shape [..., m, n] gives y with shape [..., n, m]
func Transpose(x, y Array) Function {
	xdim, ydim := x.Dims(), y.Dims()
	nd := len(xdim)
	if nd < 2 || len(ydim) != nd || !SameShape(xdim[:nd-2], ydim[:nd-2]) || xdim[nd-2] != ydim[nd-1] || xdim[nd-1] != ydim[nd-2] {
		panic(fmt.Sprintf("Transpose: invalid shape %v %v", xdim, ydim))
	}
	rows, cols := xdim[nd-2], xdim[nd-1]
	return args("transpose", func() {
		xd, yd := x.Data(), y.Data()
		for off := 0; off < len(xd); off += rows * cols {
			for i := 0; i < rows; i++ {
				for j := 0; j < cols; j++ {
					yd[off+j*rows+i] = xd[off+i*cols+j]
				}
			}
		}
	})
}

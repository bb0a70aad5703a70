package num

import (
	"math"
	"math/rand"
	"reflect"
	"testing"
)

const eps = 1e-8

func randArray(q Queue, rng *rand.Rand, scale float32, dims ...int) Array {
	a := q.NewArray(Float32, dims...)
	data := make([]float32, a.Size())
	for i := range data {
		data[i] = scale * float32(rng.NormFloat64())
	}
	q.Call(Write(a, data))
	return a
}

func vecNorm(v []float32) float64 {
	return math.Sqrt(sqnorm(v))
}

func TestSquash(t *testing.T) {
	dev := NewDevice()
	q := dev.NewQueue()
	rng := rand.New(rand.NewSource(1))
	for _, scale := range []float32{1e-3, 0.1, 1, 10} {
		x := randArray(q, rng, scale, 5, 4, 8)
		y := q.NewArrayLike(x)
		q.Call(Squash(x, y, eps)).Finish()
		xd, yd := x.Data(), y.Data()
		for r := 0; r < 20; r++ {
			xv, yv := xd[r*8:(r+1)*8], yd[r*8:(r+1)*8]
			n := vecNorm(yv)
			if n < 0 || n >= 1 {
				t.Fatalf("scale %g: norm %g out of range", scale, n)
			}
			var dot float64
			for i := range xv {
				dot += float64(xv[i]) * float64(yv[i])
			}
			cos := dot / (vecNorm(xv) * n)
			if math.Abs(cos-1) > 1e-4 {
				t.Fatalf("scale %g: cosine similarity %g", scale, cos)
			}
			nx := vecNorm(xv) * vecNorm(xv)
			if expect := nx / (1 + nx); math.Abs(n-expect) > 1e-2*expect+1e-6 {
				t.Fatalf("scale %g: norm %g expect %g", scale, n, expect)
			}
		}
	}
}

func TestSquashZero(t *testing.T) {
	dev := NewDevice()
	q := dev.NewQueue()
	x := dev.NewArray(Float32, 3, 16)
	y := dev.NewArrayLike(x)
	g := dev.NewArrayLike(x)
	dx := dev.NewArrayLike(x)
	q.Call(
		Squash(x, y, eps),
		Fill(g, 1),
		SquashD(x, g, dx, eps),
	).Finish()
	if !IsFinite(y) || !IsFinite(dx) {
		t.Fatal("NaN or Inf from zero vector")
	}
	for _, v := range y.Data() {
		if v != 0 {
			t.Fatal("expect zero output got", v)
		}
	}
}

func TestSquashLarge(t *testing.T) {
	dev := NewDevice()
	q := dev.NewQueue()
	x := dev.NewArray(Float32, 4, 2)
	y := dev.NewArrayLike(x)
	q.Call(
		Write(x, []float32{5000, 0, 3e4, 4e4, 1e5, -1e5, 0, 1e10}),
		Squash(x, y, eps),
	).Finish()
	yd := y.Data()
	for r := 0; r < 4; r++ {
		if n := vecNorm(yd[r*2 : r*2+2]); n >= 1 {
			t.Errorf("row %d: norm %.9g not below 1", r, n)
		}
	}
}

// compare analytic gradient with central difference of f(x) = sum(out * g)
func checkGrad(t *testing.T, name string, x Array, analytic []float32, loss func() float64) {
	const h = 1e-2
	xd := x.Data()
	for i := range xd {
		save := xd[i]
		xd[i] = save + h
		lp := loss()
		xd[i] = save - h
		lm := loss()
		xd[i] = save
		numeric := (lp - lm) / (2 * h)
		if math.Abs(numeric-float64(analytic[i])) > 2e-2*math.Max(1, math.Abs(numeric)) {
			t.Errorf("%s: element %d analytic %g numeric %g", name, i, analytic[i], numeric)
			return
		}
	}
}

func dotLoss(q Queue, out, g Array, fn ...Function) func() float64 {
	return func() float64 {
		q.Call(fn...).Finish()
		var sum float64
		for i, v := range out.Data() {
			sum += float64(v) * float64(g.Data()[i])
		}
		return sum
	}
}

func TestSquashD(t *testing.T) {
	dev := NewDevice()
	q := dev.NewQueue()
	rng := rand.New(rand.NewSource(2))
	x := randArray(q, rng, 0.5, 4, 6)
	g := randArray(q, rng, 1, 4, 6)
	y := q.NewArrayLike(x)
	dx := q.NewArrayLike(x)
	q.Call(SquashD(x, g, dx, eps)).Finish()
	checkGrad(t, "squash", x, append([]float32{}, dx.Data()...), dotLoss(q, y, g, Squash(x, y, eps)))
}

func TestNormD(t *testing.T) {
	dev := NewDevice()
	q := dev.NewQueue()
	rng := rand.New(rand.NewSource(3))
	x := randArray(q, rng, 1, 3, 5, 4)
	g := randArray(q, rng, 1, 3, 5)
	y := q.NewArray(Float32, 3, 5)
	dx := q.NewArrayLike(x)
	q.Call(NormD(x, g, dx, eps)).Finish()
	checkGrad(t, "norm", x, append([]float32{}, dx.Data()...), dotLoss(q, y, g, Norm(x, y)))
}

func TestCapsTransform(t *testing.T) {
	dev := NewDevice()
	q := dev.NewQueue()
	rng := rand.New(rand.NewSource(4))
	nb, nl, nu, din, dout := 2, 3, 4, 2, 5
	w := randArray(q, rng, 1, nu, nl, din, dout)
	u := randArray(q, rng, 1, nb, nl, din)
	uhat := q.NewArray(Float32, nb, nl, nu, dout)
	g := randArray(q, rng, 1, nb, nl, nu, dout)
	dw := q.NewArrayLike(w)
	du := q.NewArrayLike(u)
	q.Call(
		CapsTransform(w, u, uhat),
		CapsTransformD(w, u, g, dw, du),
	).Finish()
	// spot check one prediction
	b, i, j := 1, 2, 3
	for k := 0; k < dout; k++ {
		var expect float32
		for p := 0; p < din; p++ {
			expect += u.Data()[(b*nl+i)*din+p] * w.Data()[((j*nl+i)*din+p)*dout+k]
		}
		if got := uhat.Data()[((b*nl+i)*nu+j)*dout+k]; abs(got-expect) > 1e-5 {
			t.Fatalf("uhat[%d,%d,%d,%d] = %g expect %g", b, i, j, k, got, expect)
		}
	}
	loss := dotLoss(q, uhat, g, CapsTransform(w, u, uhat))
	checkGrad(t, "caps_transform dw", w, append([]float32{}, dw.Data()...), loss)
	checkGrad(t, "caps_transform du", u, append([]float32{}, du.Data()...), loss)
}

func TestWeightedSum(t *testing.T) {
	dev := NewDevice()
	q := dev.NewQueue()
	rng := rand.New(rand.NewSource(5))
	nb, nl, nu, dim := 2, 6, 3, 4
	logits := randArray(q, rng, 1, nb, nl, nu)
	c := q.NewArrayLike(logits)
	uhat := randArray(q, rng, 1, nb, nl, nu, dim)
	s := q.NewArray(Float32, nb, nu, dim)
	g := randArray(q, rng, 1, nb, nu, dim)
	duhat := q.NewArrayLike(uhat)
	q.Call(
		Softmax(logits, c, 2),
		WeightedSumD(c, g, duhat),
	).Finish()
	checkGrad(t, "weighted_sum", uhat, append([]float32{}, duhat.Data()...), dotLoss(q, s, g, WeightedSum(c, uhat, s)))
}

func TestAgreement(t *testing.T) {
	dev := NewDevice()
	q := dev.NewQueue()
	uhat := dev.NewArray(Float32, 1, 2, 2, 3)
	v := dev.NewArray(Float32, 1, 2, 3)
	logits := dev.NewArray(Float32, 1, 2, 2)
	res := make([]float32, 4)
	q.Call(
		Write(uhat, []float32{1, 0, 0, 0, 1, 0, 0, 0, 1, 1, 1, 1}),
		Write(v, []float32{1, 2, 3, 4, 5, 6}),
		Fill(logits, 1),
		Agreement(uhat, v, logits),
		Read(logits, res),
	).Finish()
	expect := []float32{2, 6, 4, 16}
	for i := range expect {
		if res[i] != expect[i] {
			t.Fatal("got", res, "expect", expect)
		}
	}
}

func TestMarginLoss(t *testing.T) {
	dev := NewDevice()
	q := dev.NewQueue()
	x := dev.NewArray(Float32, 1, 4)
	y := dev.NewArray(Float32, 1, 4)
	l := dev.NewArray(Float32, 1, 4)
	dl := dev.NewArray(Float32, 1, 4)
	q.Call(
		Write(x, []float32{0.95, 0.5, 0.05, 0.5}),
		Write(y, []float32{1, 1, 0, 0}),
		MarginLoss(x, y, l, 0.9, 0.1, 0.5),
		MarginLossD(x, y, dl, 0.9, 0.1, 0.5),
	).Finish()
	expect := []float32{0, 0.16, 0, 0.08}
	expectD := []float32{0, -0.8, 0, 0.4}
	for i := range expect {
		if abs(l.Data()[i]-expect[i]) > 1e-6 || abs(dl.Data()[i]-expectD[i]) > 1e-6 {
			t.Fatal("got", l.Data(), dl.Data(), "expect", expect, expectD)
		}
	}
}

func TestConv2D(t *testing.T) {
	dev := NewDevice()
	q := dev.NewQueue()
	rng := rand.New(rand.NewSource(6))
	p := ConvParams{Channels: 2, Height: 7, Width: 6, Nfeats: 3, Size: 3, Stride: 2, Pad: 1}
	oh, ow := p.OutShape()
	if oh != 4 || ow != 3 {
		t.Fatal("output shape", oh, ow)
	}
	x := randArray(q, rng, 1, 2, p.Channels, p.Height, p.Width)
	w := randArray(q, rng, 1, p.Nfeats, p.Channels, p.Size, p.Size)
	b := randArray(q, rng, 1, p.Nfeats)
	y := q.NewArray(Float32, 2, p.Nfeats, oh, ow)
	g := randArray(q, rng, 1, 2, p.Nfeats, oh, ow)
	col := q.NewArray(Float32, p.ColShape()...)
	dcol := q.NewArray(Float32, p.ColShape()...)
	dx, dw, db := q.NewArrayLike(x), q.NewArrayLike(w), q.NewArrayLike(b)
	q.Call(
		Conv2D(p, x, w, b, y, col),
		Conv2DBprop(p, x, w, g, dx, dw, db, col, dcol),
	).Finish()
	// direct calculation of one output
	xd, wd := x.Data(), w.Data()
	n, f, oy, ox := 1, 2, 1, 2
	expect := b.Data()[f]
	for c := 0; c < p.Channels; c++ {
		for ky := 0; ky < p.Size; ky++ {
			for kx := 0; kx < p.Size; kx++ {
				iy, ix := oy*p.Stride+ky-p.Pad, ox*p.Stride+kx-p.Pad
				if iy >= 0 && iy < p.Height && ix >= 0 && ix < p.Width {
					expect += xd[((n*p.Channels+c)*p.Height+iy)*p.Width+ix] * wd[((f*p.Channels+c)*p.Size+ky)*p.Size+kx]
				}
			}
		}
	}
	if got := y.Data()[((n*p.Nfeats+f)*oh+oy)*ow+ox]; abs(got-expect) > 1e-5 {
		t.Fatalf("conv output %g expect %g", got, expect)
	}
	loss := dotLoss(q, y, g, Conv2D(p, x, w, b, y, col))
	checkGrad(t, "conv dx", x, append([]float32{}, dx.Data()...), loss)
	checkGrad(t, "conv dw", w, append([]float32{}, dw.Data()...), loss)
	checkGrad(t, "conv db", b, append([]float32{}, db.Data()...), loss)
}

func TestAdam(t *testing.T) {
	dev := NewDevice()
	q := dev.NewQueue()
	w := dev.NewArray(Float32, 2)
	dw := dev.NewArray(Float32, 2)
	m := dev.NewArray(Float32, 2)
	v := dev.NewArray(Float32, 2)
	q.Call(
		Write(w, []float32{1, -1}),
		Write(dw, []float32{0.5, -2}),
		Adam(w, dw, m, v, 0.1, 0.9, 0.999, 1e-8, 1),
	).Finish()
	// first step moves each weight by eta against the sign of the gradient
	if abs(w.Data()[0]-0.9) > 1e-4 || abs(w.Data()[1]+0.9) > 1e-4 {
		t.Error("got", w.Data())
	}
}

// capsule ops give the same results with the work split over several goroutines
func TestThreads(t *testing.T) {
	dev := NewDevice()
	nb, nl, nu, din, dout := 5, 7, 3, 4, 6
	var res [2][][]float32
	for n, threads := range []int{1, 4} {
		q := dev.NewQueue()
		q.SetThreads(threads)
		if q.Threads() != threads {
			t.Fatal("threads: got", q.Threads())
		}
		rng := rand.New(rand.NewSource(8))
		w := randArray(q, rng, 1, nu, nl, din, dout)
		u := randArray(q, rng, 1, nb, nl, din)
		g := randArray(q, rng, 1, nb, nl, nu, dout)
		c := randArray(q, rng, 1, nb, nl, nu)
		ds := randArray(q, rng, 1, nb, nu, dout)
		uhat := q.NewArray(Float32, nb, nl, nu, dout)
		dw, du := q.NewArrayLike(w), q.NewArrayLike(u)
		s := q.NewArrayLike(ds)
		duhat := q.NewArrayLike(uhat)
		logits := q.NewArrayLike(c)
		q.Call(
			CapsTransform(w, u, uhat),
			CapsTransformD(w, u, g, dw, du),
			WeightedSum(c, uhat, s),
			WeightedSumD(c, ds, duhat),
			Fill(logits, 0),
			Agreement(uhat, s, logits),
		).Finish()
		for _, a := range []Array{uhat, dw, du, s, duhat, logits} {
			res[n] = append(res[n], append([]float32{}, a.Data()...))
		}
		// check every prediction against a direct calculation
		wd, ud, hd := w.Data(), u.Data(), uhat.Data()
		for b := 0; b < nb; b++ {
			for i := 0; i < nl; i++ {
				for j := 0; j < nu; j++ {
					for k := 0; k < dout; k++ {
						var expect float32
						for p := 0; p < din; p++ {
							expect += ud[(b*nl+i)*din+p] * wd[((j*nl+i)*din+p)*dout+k]
						}
						if got := hd[((b*nl+i)*nu+j)*dout+k]; abs(got-expect) > 1e-5 {
							t.Fatalf("threads=%d uhat[%d,%d,%d,%d] = %g expect %g", threads, b, i, j, k, got, expect)
						}
					}
				}
			}
		}
	}
	if !reflect.DeepEqual(res[0], res[1]) {
		t.Error("results differ with 1 and 4 threads")
	}
	q := dev.NewQueue()
	q.SetThreads(0)
	if q.Threads() < 1 {
		t.Error("default threads: got", q.Threads())
	}
}

func BenchmarkCapsTransform(b *testing.B) {
	dev := NewDevice()
	q := dev.NewQueue()
	rng := rand.New(rand.NewSource(1))
	w := randArray(q, rng, 0.01, 10, 1152, 8, 16)
	u := randArray(q, rng, 1, 8, 1152, 8)
	uhat := q.NewArray(Float32, 8, 1152, 10, 16)
	q.Finish()
	for i := 0; i < b.N; i++ {
		q.Call(CapsTransform(w, u, uhat)).Finish()
	}
}

package num

import (
	"math/rand"
	"reflect"
	"testing"
)

func TestArray(t *testing.T) {
	xd := []float32{1, 1, 2, 2, 3, 3}
	dev := NewDevice()
	q := dev.NewQueue()
	x := dev.NewArray(Float32, 6)
	if typ := x.Dtype(); typ != Float32 {
		t.Error("dtype invalid: got", typ)
	}
	x = x.Reshape(2, 3)
	if dim := x.Dims(); !reflect.DeepEqual(dim, []int{2, 3}) {
		t.Error("dims invalid: got", dim)
	}
	if dim := x.Reshape(-1, 2).Dims(); !reflect.DeepEqual(dim, []int{3, 2}) {
		t.Error("dims invalid: got", dim)
	}
	res := make([]float32, 6)
	q.Call(
		Write(x, xd),
		Read(x, res),
	).Finish()
	if !reflect.DeepEqual(res, xd) {
		t.Error("got", res, "expect", xd)
	}
	expect := []float32{9, 8, 7, 6, 5, 4}
	q.Call(
		Fill(x, 0),
		WriteRow(x, 0, []float32{9, 8, 7}),
		WriteRow(x, 1, []float32{6, 5, 4}),
		Read(x, res),
	).Finish()
	if !reflect.DeepEqual(res, expect) {
		t.Error("got", res, "expect", expect)
	}
	t.Logf("x\n%s", x.String(q))
}

func TestCopy(t *testing.T) {
	dev := NewDevice()
	q := dev.NewQueue()
	x := dev.NewArray(Float32, 2, 3)
	y := dev.NewArray(Float32, 3)
	res := make([]float32, 6)
	q.Call(
		Write(y, []float32{3, 2, 1}),
		Copy(x, y),
		Read(x, res),
	).Finish()
	expect := []float32{3, 2, 1, 3, 2, 1}
	if !reflect.DeepEqual(res, expect) {
		t.Error("got", res, "expect", expect)
	}
}

func TestOnehot(t *testing.T) {
	dev := NewDevice()
	q := dev.NewQueue()
	y := dev.NewArray(Int32, 4)
	y1h := dev.NewArray(Float32, 4, 3)
	res := make([]float32, 12)
	vec := []int32{2, 1, 0, 2}
	q.Call(
		Write(y, vec),
		Onehot(y, y1h, 3),
		Read(y1h, res),
	).Finish()
	t.Logf("y1hot %s\n%s", y.String(q), y1h.String(q))
	expect := []float32{0, 0, 1, 0, 1, 0, 1, 0, 0, 0, 0, 1}
	if !reflect.DeepEqual(res, expect) {
		t.Error("got", res, "expect", expect)
	}
	res2 := make([]int32, 4)
	q.Call(
		Unhot(y1h, y),
		Read(y, res2),
	).Finish()
	if !reflect.DeepEqual(res2, vec) {
		t.Error("got", res2, "expect", vec)
	}
}

func TestNeq(t *testing.T) {
	dev := NewDevice()
	q := dev.NewQueue()
	x := dev.NewArray(Int32, 4)
	y := dev.NewArray(Int32, 4)
	z := dev.NewArray(Int32, 4)
	total := dev.NewArray(Float32)
	res := []float32{0}
	q.Call(
		Write(x, []int32{1, 2, 3, 4}),
		Write(y, []int32{1, 0, 3, 0}),
		Neq(x, y, z),
		Sum(z, total, 1),
		Read(total, res),
	).Finish()
	if res[0] != 2 {
		t.Error("got", res[0], "expect", 2)
	}
}

func TestAxpy(t *testing.T) {
	dev := NewDevice()
	q := dev.NewQueue()
	x := dev.NewArray(Float32, 2, 3)
	y := dev.NewArray(Float32, 2, 3)
	res := make([]float32, 6)
	q.Call(
		Write(x, []float32{1, 1, 2, 2, 3, 3}),
		Write(y, []float32{0.5, 0.5, 0.5, 0.5, 0.5, 0.5}),
		Axpy(2, x, y),
		Read(y, res),
	).Finish()
	expect := []float32{2.5, 2.5, 4.5, 4.5, 6.5, 6.5}
	if !reflect.DeepEqual(res, expect) {
		t.Error("got", res, "expect", expect)
	}
	q.Call(
		Scale(2, y),
		Read(y, res),
	).Finish()
	expect = []float32{5, 5, 9, 9, 13, 13}
	if !reflect.DeepEqual(res, expect) {
		t.Error("got", res, "expect", expect)
	}
}

func TestSum(t *testing.T) {
	dev := NewDevice()
	q := dev.NewQueue()
	x := dev.NewArray(Float32, 2, 3)
	sum := dev.NewArray(Float32)
	res := make([]float32, 1)
	// scalar sum
	q.Call(
		Write(x, []float32{1, 2, 3, 4, 5, 6}),
		Sum(x, sum, 1.0/6.0),
		Read(sum, res),
	).Finish()
	if abs(res[0]-3.5) > 1e-6 {
		t.Error("got", res[0], "expect", 3.5)
	}
	// sum for each column
	sum = dev.NewArray(Float32, 3)
	res = make([]float32, 3)
	q.Call(
		SumRows(1, 0, x, sum),
		Read(sum, res),
	).Finish()
	expect := []float32{5, 7, 9}
	if !reflect.DeepEqual(res, expect) {
		t.Error("got", res, "expect", expect)
	}
}

func TestGemm(t *testing.T) {
	dev := NewDevice()
	q := dev.NewQueue()
	x := dev.NewArray(Float32, 2, 3)
	y := dev.NewArray(Float32, 3, 2)
	z := dev.NewArray(Float32, 2, 2)
	q.Call(Write(x, []float32{1, 2, 3, 4, 5, 6}))
	res := make([]float32, 4)
	for _, trans := range []TransType{NoTrans, Trans} {
		if trans == Trans {
			y = y.Reshape(2, 3)
			q.Call(Write(y, []float32{7, 9, 11, 8, 10, 12}))
		} else {
			q.Call(Write(y, []float32{7, 8, 9, 10, 11, 12}))
		}
		q.Call(
			Gemm(1, 0, x, y, z, NoTrans, trans),
			Read(z, res),
		).Finish()
		expect := []float32{58, 64, 139, 154}
		if !reflect.DeepEqual(res, expect) {
			t.Error("got", res, "expect", expect)
		}
	}
}

func TestSoftmaxAxis(t *testing.T) {
	dev := NewDevice()
	q := dev.NewQueue()
	// [batch=2, lower=3, upper=4, 1, 1] with softmax over the upper axis
	x := dev.NewArray(Float32, 2, 3, 4, 1, 1)
	y := dev.NewArrayLike(x)
	in := make([]float32, x.Size())
	for i := range in {
		in[i] = rand.Float32()*4 - 2
	}
	q.Call(
		Write(x, in),
		Softmax(x, y, 2),
	).Finish()
	t.Logf("softmax\n%s", y.Reshape(6, 4).String(q))
	data := y.Data()
	for row := 0; row < 6; row++ {
		var sum float32
		for _, v := range data[row*4 : (row+1)*4] {
			if v <= 0 || v >= 1 {
				t.Errorf("row %d: value %g out of range", row, v)
			}
			sum += v
		}
		if abs(sum-1) > 1e-5 {
			t.Errorf("row %d: sum is %g", row, sum)
		}
	}
	// normalising over a middle axis must not be the same as over the last one
	x2 := dev.NewArray(Float32, 2, 3)
	y2 := dev.NewArrayLike(x2)
	res := make([]float32, 6)
	q.Call(
		Write(x2, []float32{0, 0, 0, 1, 1, 1}),
		Softmax(x2, y2, 0),
		Read(y2, res),
	).Finish()
	for i := 0; i < 3; i++ {
		if abs(res[i]+res[i+3]-1) > 1e-6 || res[i] >= res[i+3] {
			t.Error("softmax axis 0: got", res)
			break
		}
	}
}

func TestActivation(t *testing.T) {
	dev := NewDevice()
	q := dev.NewQueue()
	x := dev.NewArray(Float32, 4)
	y := dev.NewArray(Float32, 4)
	g := dev.NewArray(Float32, 4)
	res := make([]float32, 4)
	q.Call(
		Write(x, []float32{-1, 0, 0.5, 2}),
		Relu(x, y),
		Read(y, res),
	).Finish()
	if !reflect.DeepEqual(res, []float32{0, 0, 0.5, 2}) {
		t.Error("relu got", res)
	}
	q.Call(
		Fill(g, 1),
		ReluD(x, g, y),
		Read(y, res),
	).Finish()
	if !reflect.DeepEqual(res, []float32{0, 0, 1, 1}) {
		t.Error("relu_d got", res)
	}
	q.Call(
		Sigmoid(x, y),
		Read(y, res),
	).Finish()
	if abs(res[1]-0.5) > 1e-6 || res[0] >= 0.5 || res[3] <= 0.5 {
		t.Error("sigmoid got", res)
	}
}

func TestProfile(t *testing.T) {
	dev := NewDevice()
	q := dev.NewQueue()
	q.Profiling(true)
	x := dev.NewArray(Float32, 10)
	for i := 0; i < 100; i++ {
		q.Call(Fill(x, float32(i)))
	}
	q.Finish()
	t.Log(q.Profile())
	if x.Data()[0] != 99 {
		t.Error("queue not flushed: got", x.Data()[0])
	}
}

func randSlice(n int) []float32 {
	res := make([]float32, n)
	for i := range res {
		res[i] = float32(rand.Intn(20))
	}
	return res
}

func BenchmarkGemm(b *testing.B) {
	size := 100
	dev := NewDevice()
	q := dev.NewQueue()
	x := dev.NewArray(Float32, size, size)
	y := dev.NewArray(Float32, size, size)
	z := dev.NewArray(Float32, size, size)
	q.Call(
		Write(x, randSlice(size*size)),
		Write(y, randSlice(size*size)),
	).Finish()
	for i := 0; i < b.N; i++ {
		q.Call(Gemm(1, 0, x, y, z, NoTrans, NoTrans)).Finish()
	}
}

func TestTranspose(t *testing.T) {
	dev := NewDevice()
	q := dev.NewQueue()
	x := dev.NewArray(Float32, 2, 2, 3)
	y := dev.NewArray(Float32, 2, 3, 2)
	res := make([]float32, 12)
	q.Call(
		Write(x, []float32{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}),
		Transpose(x, y),
		Read(y, res),
	).Finish()
	expect := []float32{1, 4, 2, 5, 3, 6, 7, 10, 8, 11, 9, 12}
	if !reflect.DeepEqual(res, expect) {
		t.Error("got", res, "expect", expect)
	}
}

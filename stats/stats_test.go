package stats

import (
	"math"
	"testing"
)

func TestAverage(t *testing.T) {
	var s Average
	for _, x := range []float64{2, 4, 4, 4, 5, 5, 7, 9} {
		s.Add(x)
	}
	t.Log(s.String())
	if s.Mean != 5 || s.Min != 2 || s.Max != 9 {
		t.Error("got", s.Mean, s.Min, s.Max)
	}
	if math.Abs(s.StdDev-math.Sqrt(32.0/7)) > 1e-9 {
		t.Error("stddev: got", s.StdDev)
	}
	if html := string(s.HTML()); html != "5.00&PlusMinus;2.14" {
		t.Error("html: got", html)
	}
}

func TestEMA(t *testing.T) {
	e := EMA(0).Add(1, 3)
	if e != 1 {
		t.Error("first value: got", e)
	}
	e = EMA(e).Add(3, 3)
	if e != 2 {
		t.Error("second value: got", e)
	}
}

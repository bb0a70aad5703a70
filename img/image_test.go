package img

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

var chars = "  ...+++**"

func printImage(m *GrayImage) string {
	s := make([]string, m.Height)
	for y := range s {
		for x := 0; x < m.Width; x++ {
			val := int(clamp(m.Pix[x+y*m.Width], 0, 0.99) * 10)
			s[y] += fmt.Sprintf("%c ", chars[val])
		}
	}
	return strings.Join(s, "\n")
}

func TestImage(t *testing.T) {
	m := NewGray(8, 6)
	for i := 1; i < 6; i++ {
		m.Set(7-i, i, color.Gray{Y: 255})
	}
	t.Logf("\n%s", printImage(m))
	if y := m.GrayAt(6, 1).Y; y != 1 {
		t.Error("GrayAt: got", y)
	}
	if y := m.Pix[6+1*8]; y != 1 {
		t.Error("pixel not stored row major: got", y)
	}
	if y := m.GrayAt(10, 1).Y; y != 0 {
		t.Error("out of bounds GrayAt: got", y)
	}
	r, _, _, a := m.At(6, 1).RGBA()
	if r != 0xffff || a != 0xffff {
		t.Error("RGBA: got", r, a)
	}
}

func TestGrid(t *testing.T) {
	var images []image.Image
	for i := 0; i < 5; i++ {
		m := NewGray(4, 3)
		for j := range m.Pix {
			m.Pix[j] = float32(i) / 4
		}
		images = append(images, m)
	}
	g := Grid(images, 3, 1, color.White)
	if b := g.Bounds(); b.Dx() != 3*5+1 || b.Dy() != 2*4+1 {
		t.Error("grid size: got", b)
	}
	// second image in first row starts at x=6
	if r, _, _, _ := g.At(6, 1).RGBA(); r>>8 != uint32(0xffff/4)>>8 {
		t.Error("grid pixel: got", r>>8)
	}
	if r, _, _, _ := g.At(0, 0).RGBA(); r != 0xffff {
		t.Error("border pixel: got", r)
	}
}

func writeIDX(t *testing.T, dir string, gz bool) (imageFile, labelFile string) {
	var ibuf, lbuf bytes.Buffer
	binary.Write(&ibuf, binary.BigEndian, imageHeader{Magic: imageMagic, Num: 3, Height: 2, Width: 2})
	ibuf.Write([]byte{0, 255, 0, 0, 0, 0, 255, 0, 51, 51, 51, 51})
	binary.Write(&lbuf, binary.BigEndian, labelHeader{Magic: labelMagic, Num: 3})
	lbuf.Write([]byte{7, 2, 1})
	imageFile = filepath.Join(dir, "images-idx3-ubyte")
	labelFile = filepath.Join(dir, "labels-idx1-ubyte")
	data := ibuf.Bytes()
	if gz {
		imageFile += ".gz"
		var zbuf bytes.Buffer
		w := gzip.NewWriter(&zbuf)
		w.Write(data)
		w.Close()
		data = zbuf.Bytes()
	}
	if err := os.WriteFile(imageFile, data, 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(labelFile, lbuf.Bytes(), 0644); err != nil {
		t.Fatal(err)
	}
	return
}

func TestLoadMNIST(t *testing.T) {
	for _, gz := range []bool{false, true} {
		imageFile, labelFile := writeIDX(t, t.TempDir(), gz)
		d, err := LoadMNIST(imageFile, labelFile)
		if err != nil {
			t.Fatal(err)
		}
		if d.Len() != 3 || !reflect.DeepEqual(d.Shape(), []int{1, 2, 2}) {
			t.Fatal("invalid data: len", d.Len(), "shape", d.Shape())
		}
		label := make([]int32, 2)
		d.Label([]int{2, 0}, label)
		if !reflect.DeepEqual(label, []int32{1, 7}) {
			t.Error("labels: got", label)
		}
		buf := make([]float32, 8)
		d.Input([]int{1, 2}, buf)
		expect := []float32{0, 0, 1, 0, 0.2, 0.2, 0.2, 0.2}
		if !reflect.DeepEqual(buf, expect) {
			t.Error("input: got", buf, "expect", expect)
		}
		if counts := d.ClassCounts(); counts[7] != 1 || counts[0] != 0 {
			t.Error("class counts: got", counts)
		}
	}
}

func TestBadMagic(t *testing.T) {
	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, labelHeader{Magic: imageMagic, Num: 1})
	if _, err := ReadLabels(&buf); err == nil {
		t.Error("expected error for invalid magic number")
	}
}

func TestStats(t *testing.T) {
	images := []*GrayImage{FromPixels(2, 1, []float32{0, 1}), FromPixels(2, 1, []float32{0, 1})}
	mean, std := GetStats(images)
	if mean != 0.5 || std < 0.57 || std > 0.58 {
		t.Error("stats: got", mean, std)
	}
}

// Package img contains routines for manipulating sets of images.
package img

import (
	"image"
	"image/color"
	"image/draw"
)

var GrayModel = color.ModelFunc(grayModel)

// Gray color stored a float in range 0-1
type Gray struct {
	Y float32
}

func (c Gray) RGBA() (r, g, b, a uint32) {
	y := clampu(c.Y, 0, 1)
	return y, y, y, 0xffff
}

func grayModel(c color.Color) color.Color {
	if _, ok := c.(Gray); ok {
		return c
	}
	r, g, b, _ := c.RGBA()
	return Gray{Y: 0.299*float32(r)/0xffff + 0.587*float32(g)/0xffff + 0.114*float32(b)/0xffff}
}

// GrayImage type stores the image data as float32 values in row major order.
type GrayImage struct {
	Pix    []float32
	Height int
	Width  int
}

func NewGray(width, height int) *GrayImage {
	return &GrayImage{Pix: make([]float32, height*width), Height: height, Width: width}
}

// Create image from a slice of pixels, the data is not copied.
func FromPixels(width, height int, pix []float32) *GrayImage {
	if len(pix) != width*height {
		panic("FromPixels: invalid image size")
	}
	return &GrayImage{Pix: pix, Height: height, Width: width}
}

func (m *GrayImage) ColorModel() color.Model {
	return GrayModel
}

func (m *GrayImage) Bounds() image.Rectangle {
	return image.Rect(0, 0, m.Width, m.Height)
}

func (m *GrayImage) GrayAt(x, y int) Gray {
	if x < 0 || x >= m.Width || y < 0 || y >= m.Height {
		return Gray{}
	}
	return Gray{Y: m.Pix[x+y*m.Width]}
}

func (m *GrayImage) At(x, y int) color.Color {
	return m.GrayAt(x, y)
}

func (m *GrayImage) Set(x, y int, c color.Color) {
	if x < 0 || x >= m.Width || y < 0 || y >= m.Height {
		return
	}
	m.Pix[x+y*m.Width] = grayModel(c).(Gray).Y
}

// Invert the image so that digits are drawn black on white and optionally tint the background red
func Highlight(src *GrayImage, on bool) *image.RGBA {
	dst := image.NewRGBA(src.Bounds())
	for y := 0; y < src.Height; y++ {
		for x := 0; x < src.Width; x++ {
			val := uint8(clampu(1-src.Pix[x+y*src.Width], 0, 1) >> 8)
			c := color.RGBA{R: val, G: val, B: val, A: 0xff}
			if on {
				c.R = 0xff
			}
			dst.SetRGBA(x, y, c)
		}
	}
	return dst
}

// Grid tiles the images in rows of cols images with a border of pad pixels between each.
func Grid(images []image.Image, cols, pad int, bg color.Color) *image.RGBA {
	if len(images) == 0 {
		return image.NewRGBA(image.Rect(0, 0, 0, 0))
	}
	b := images[0].Bounds()
	w, h := b.Dx()+pad, b.Dy()+pad
	rows := (len(images) + cols - 1) / cols
	if len(images) < cols {
		cols = len(images)
	}
	dst := image.NewRGBA(image.Rect(0, 0, cols*w+pad, rows*h+pad))
	draw.Draw(dst, dst.Bounds(), image.NewUniform(bg), image.Point{}, draw.Src)
	for i, m := range images {
		pt := image.Pt(pad+(i%cols)*w, pad+(i/cols)*h)
		draw.Draw(dst, m.Bounds().Sub(m.Bounds().Min).Add(pt), m, m.Bounds().Min, draw.Src)
	}
	return dst
}

func clamp(x, x0, x1 float32) float32 {
	if x < x0 {
		return x0
	}
	if x > x1 {
		return x1
	}
	return x
}

func clampu(x, x0, x1 float32) uint32 {
	return uint32(clamp(x, x0, x1) * 0xffff)
}

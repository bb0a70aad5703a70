package img

import (
	"encoding/gob"
	"fmt"
	"image"

	"github.com/jnb666/capsnet/stats"
)

func init() {
	gob.Register(&Data{})
}

// Image data set which implements the nnet.Data interface
type Data struct {
	Class  []string
	Dims   []int
	Labels []int32
	Mean   float32
	StdDev float32
	Images []*GrayImage
}

// Create a new image set
func NewData(classes []string, labels []int32, images []*GrayImage) *Data {
	src := images[0]
	return &Data{
		Class:  classes,
		Dims:   []int{1, src.Height, src.Width},
		Labels: labels,
		Images: images,
	}
}

// Len function returns number of images
func (d *Data) Len() int { return len(d.Labels) }

// Classes functions number of differerent label values
func (d *Data) Classes() []string { return d.Class }

// Shape returns channels, height, width
func (d *Data) Shape() []int { return d.Dims }

// Label returns classification for given images
func (d *Data) Label(index []int, label []int32) {
	for i, ix := range index {
		label[i] = d.Labels[ix]
	}
}

// Input returns pixel data in buf array
func (d *Data) Input(index []int, buf []float32) {
	nfeat := d.Dims[1] * d.Dims[2]
	for i, ix := range index {
		copy(buf[i*nfeat:], d.Images[ix].Pix)
	}
}

// Image returns given image number
func (d *Data) Image(ix int) image.Image {
	return d.Images[ix]
}

// Slice returns images from start to end
func (d *Data) Slice(start, end int) *Data {
	data := *d
	data.Labels = append([]int32{}, d.Labels[start:end]...)
	data.Images = append([]*GrayImage{}, d.Images[start:end]...)
	return &data
}

// Count of images for each class
func (d *Data) ClassCounts() []int {
	counts := make([]int, len(d.Class))
	for _, l := range d.Labels {
		counts[l]++
	}
	return counts
}

// Calculate mean and stddev of the pixels from set of images
func GetStats(imgList ...[]*GrayImage) (mean, std float32) {
	var s stats.Average
	for _, images := range imgList {
		for _, m := range images {
			for _, val := range m.Pix {
				s.Add(float64(val))
			}
		}
	}
	fmt.Printf("mean = %.4f stddev = %.4f\n", s.Mean, s.StdDev)
	return float32(s.Mean), float32(s.StdDev)
}

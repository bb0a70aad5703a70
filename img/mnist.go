package img

import (
	"bufio"
	"compress/gzip"
	"encoding/binary"
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	labelMagic = 0x00000801
	imageMagic = 0x00000803
)

var Digits = []string{"0", "1", "2", "3", "4", "5", "6", "7", "8", "9"}

type labelHeader struct{ Magic, Num uint32 }

type imageHeader struct{ Magic, Num, Height, Width uint32 }

// Load MNIST images and labels in IDX format to a new data set. Files ending in .gz are decompressed.
func LoadMNIST(imageFile, labelFile string) (*Data, error) {
	labels, err := readFile(labelFile, ReadLabels)
	if err != nil {
		return nil, err
	}
	images, err := readFile(imageFile, ReadImages)
	if err != nil {
		return nil, err
	}
	if len(images) != len(labels) {
		return nil, errors.Errorf("mnist: %d images but %d labels", len(images), len(labels))
	}
	return NewData(Digits, labels, images), nil
}

func readFile[T any](name string, read func(io.Reader) (T, error)) (res T, err error) {
	f, err := os.Open(name)
	if err != nil {
		return res, errors.Wrap(err, "mnist")
	}
	defer f.Close()
	var r io.Reader = bufio.NewReader(f)
	if strings.HasSuffix(name, ".gz") {
		var gz *gzip.Reader
		if gz, err = gzip.NewReader(r); err != nil {
			return res, errors.Wrapf(err, "mnist: %s", name)
		}
		defer gz.Close()
		r = gz
	}
	if res, err = read(r); err != nil {
		return res, errors.Wrapf(err, "mnist: %s", name)
	}
	return res, nil
}

// Read images in IDX format, pixels are scaled to range 0-1.
func ReadImages(r io.Reader) ([]*GrayImage, error) {
	var head imageHeader
	if err := binary.Read(r, binary.BigEndian, &head); err != nil {
		return nil, errors.Wrap(err, "read image header")
	}
	if head.Magic != imageMagic {
		return nil, errors.Errorf("invalid image file magic number %#x", head.Magic)
	}
	n, h, w := int(head.Num), int(head.Height), int(head.Width)
	klog.Infof("read %d %dx%d images", n, h, w)
	images := make([]*GrayImage, n)
	pixels := make([]uint8, w*h)
	for i := range images {
		if _, err := io.ReadFull(r, pixels); err != nil {
			return nil, errors.Wrapf(err, "read image %d", i)
		}
		m := NewGray(w, h)
		for j, pix := range pixels {
			m.Pix[j] = float32(pix) / 255
		}
		images[i] = m
	}
	return images, nil
}

// Read labels in IDX format
func ReadLabels(r io.Reader) ([]int32, error) {
	var head labelHeader
	if err := binary.Read(r, binary.BigEndian, &head); err != nil {
		return nil, errors.Wrap(err, "read label header")
	}
	if head.Magic != labelMagic {
		return nil, errors.Errorf("invalid label file magic number %#x", head.Magic)
	}
	klog.Infof("read %d labels", head.Num)
	buf := make([]uint8, head.Num)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, errors.Wrap(err, "read labels")
	}
	labels := make([]int32, head.Num)
	for i, l := range buf {
		labels[i] = int32(l)
	}
	return labels, nil
}

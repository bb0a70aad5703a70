// Convert the MNIST IDX files to train, validation and test data sets under the data directory.
package main

import (
	"flag"
	"path"

	"github.com/jnb666/capsnet/img"
	"github.com/jnb666/capsnet/nnet"
	"k8s.io/klog/v2"
)

func load(dir, images, labels string) *img.Data {
	imageFile, labelFile := path.Join(dir, images), path.Join(dir, labels)
	d, err := img.LoadMNIST(imageFile, labelFile)
	nnet.CheckErr(err)
	klog.Infof("read %d images from %s class counts=%v", d.Len(), imageFile, d.ClassCounts())
	return d
}

func main() {
	klog.InitFlags(nil)
	defer klog.Flush()
	dir := flag.String("dir", path.Join(nnet.DataDir, "mnist"), "directory with raw MNIST files")
	name := flag.String("name", "mnist", "data set name")
	split := flag.Int("split", 50000, "number of training images, rest are used for validation")
	gz := flag.Bool("gz", false, "input files are gzip compressed")
	flag.Parse()

	ext := ""
	if *gz {
		ext = ".gz"
	}
	train := load(*dir, "train-images-idx3-ubyte"+ext, "train-labels-idx1-ubyte"+ext)
	test := load(*dir, "t10k-images-idx3-ubyte"+ext, "t10k-labels-idx1-ubyte"+ext)

	mean, std := img.GetStats(train.Images, test.Images)
	train.Mean, train.StdDev = mean, std
	test.Mean, test.StdDev = mean, std

	if *split > 0 && *split < train.Len() {
		valid := train.Slice(*split, train.Len())
		nnet.CheckErr(nnet.SaveDataFile(valid, *name+"_valid"))
		train = train.Slice(0, *split)
	}
	nnet.CheckErr(nnet.SaveDataFile(train, *name+"_train"))
	nnet.CheckErr(nnet.SaveDataFile(test, *name+"_test"))

	if !nnet.FileExists(*name + ".conf") {
		conf := nnet.DefaultConfig()
		conf.DataSet = *name
		nnet.CheckErr(conf.SaveDefault(*name))
	}
}

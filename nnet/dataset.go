package nnet

import (
	"encoding/gob"
	"image"
	"math/rand"
	"os"
	"path"
	"strconv"
	"sync"

	_ "github.com/jnb666/capsnet/img"
	"github.com/jnb666/capsnet/num"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var DataTypes = []string{"train", "test", "valid"}

func init() {
	gob.Register(data{})
}

// Data interface type represents the raw data for a training or test set
type Data interface {
	Len() int
	Classes() []string
	// Shape of each input as [channels, height, width]
	Shape() []int
	Label(index []int, label []int32)
	Input(index []int, buf []float32)
	Image(i int) image.Image
}

// Dataset type encapsulates a set of training, test or validation data.
type Dataset struct {
	Data
	Samples   int
	BatchSize int
	Batches   int
	queue     num.Queue
	xBuffer   []float32
	yBuffer   []int32
	index     []int
	x, y, y1H [2]num.Array
	valid     [2]int
	indexes   []int
	buf       int
	epoch     int
	batch     int
	rng       *rand.Rand
	sync.WaitGroup
}

// Create a new Dataset struct, allocate array buffers and set the batch size and maxSamples.
// If the number of samples is not a multiple of the batch size then the last batch is padded
// by wrapping round to the start of the data.
func NewDataset(dev num.Device, data Data, batchSize, maxSamples int, rng *rand.Rand) *Dataset {
	d := &Dataset{Data: data, Samples: data.Len(), rng: rng}
	if maxSamples > 0 && d.Samples > maxSamples {
		d.Samples = maxSamples
	}
	if batchSize == 0 || batchSize > d.Samples {
		d.BatchSize = d.Samples
	} else {
		d.BatchSize = batchSize
	}
	d.Batches = d.Samples / d.BatchSize
	if d.Samples%d.BatchSize != 0 {
		d.Batches++
	}
	shape := data.Shape()
	d.xBuffer = make([]float32, num.Prod(shape)*d.BatchSize)
	d.yBuffer = make([]int32, d.BatchSize)
	d.index = make([]int, d.BatchSize)
	for i := range d.x {
		d.x[i] = dev.NewArray(num.Float32, append([]int{d.BatchSize}, shape...)...)
		d.y[i] = dev.NewArray(num.Int32, d.BatchSize)
		d.y1H[i] = dev.NewArray(num.Float32, d.BatchSize, len(d.Classes()))
	}
	d.indexes = make([]int, d.Samples)
	for i := range d.indexes {
		d.indexes[i] = i
	}
	d.queue = dev.NewQueue()
	return d
}

// release allocated buffers
func (d *Dataset) Release() {
	d.Wait()
	for i := range d.x {
		d.x[i].Release()
		d.y[i].Release()
		d.y1H[i].Release()
	}
}

// copy batch of data to the given buffer and record the number of valid entries
func (d *Dataset) load(q num.Queue, batch, buf int) {
	start := batch * d.BatchSize
	for i := range d.index {
		d.index[i] = d.indexes[(start+i)%d.Samples]
	}
	d.valid[buf] = d.BatchSize
	if start+d.BatchSize > d.Samples {
		d.valid[buf] = d.Samples - start
	}
	d.Input(d.index, d.xBuffer)
	d.Label(d.index, d.yBuffer)
	q.Call(
		num.Write(d.x[buf], d.xBuffer),
		num.Write(d.y[buf], d.yBuffer),
		num.Onehot(d.y[buf], d.y1H[buf], len(d.Classes())),
	)
	q.Finish()
}

// kick of load of next batch of data in background
func (d *Dataset) loadBatch() {
	d.Add(1)
	go func() {
		d.load(d.queue, d.batch, d.buf)
		d.Done()
	}()
}

// Get next batch of data and the number of samples in the batch which are not padding.
func (d *Dataset) NextBatch() (x, y, yOneHot num.Array, n int) {
	d.Wait()
	x, y, yOneHot, n = d.x[d.buf], d.y[d.buf], d.y1H[d.buf], d.valid[d.buf]
	d.batch = (d.batch + 1) % d.Batches
	d.buf = (d.buf + 1) % 2
	d.loadBatch()
	return
}

// Get batch of data synchronously using the given queue.
func (d *Dataset) GetBatch(q num.Queue, batch int) (x, y, yOneHot num.Array, n int) {
	d.Wait()
	d.load(q, batch, 0)
	return d.x[0], d.y[0], d.y1H[0], d.valid[0]
}

// Indexes of the samples in the given batch after any shuffle
func (d *Dataset) BatchIndex(batch int) []int {
	start := batch * d.BatchSize
	end := start + d.BatchSize
	if end > d.Samples {
		end = d.Samples
	}
	return d.indexes[start:end]
}

// Rewind to start of data
func (d *Dataset) Rewind() {
	d.Wait()
	d.epoch = 0
	d.batch = 0
	d.loadBatch()
}

// Called at start of each epoch
func (d *Dataset) NextEpoch() {
	d.Wait()
	d.epoch++
	d.batch = 0
	d.loadBatch()
}

// Shuffle the data set
func (d *Dataset) Shuffle() {
	d.Wait()
	d.indexes = d.rng.Perm(d.Len())[:d.Samples]
}

// Load data from disk given the dataset name.
func LoadData(name string) (d map[string]Data, err error) {
	var data Data
	d = make(map[string]Data)
	for _, key := range DataTypes {
		file := name + "_" + key
		if FileExists(file + ".dat") {
			if data, err = LoadDataFile(file); err != nil {
				return
			}
			d[key] = data
		}
	}
	if _, ok := d["train"]; !ok {
		return d, errors.Errorf("no training data found for %s in %s", name, DataDir)
	}
	return d, nil
}

// Decode data from file in gob format under DataDir
func LoadDataFile(name string) (Data, error) {
	filePath := path.Join(DataDir, name+".dat")
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrap(err, "load data")
	}
	defer f.Close()
	var d Data
	if err = gob.NewDecoder(f).Decode(&d); err != nil {
		return nil, errors.Wrapf(err, "decode data from %s.dat", name)
	}
	klog.Infof("loaded data from %s.dat: %v", name, append(d.Shape(), d.Len()))
	return d, nil
}

// Encode in gob format and save to file under DataDir
func SaveDataFile(d Data, name string) error {
	filePath := path.Join(DataDir, name+".dat")
	f, err := os.Create(filePath)
	if err != nil {
		return errors.Wrap(err, "save data")
	}
	defer f.Close()
	klog.Infof("saving data to %s.dat", name)
	return errors.Wrapf(gob.NewEncoder(f).Encode(&d), "encode data to %s.dat", name)
}

// Check if file exists under DataDir
func FileExists(name string) bool {
	filePath := path.Join(DataDir, name)
	_, err := os.Stat(filePath)
	return err == nil
}

type data struct {
	Class  []string
	Dims   []int
	Labels []int32
	Inputs []float32
}

// NewData function creates a new data set which implements the Data interface
func NewData(nclasses int, shape []int, labels []int32, inputs []float32) Data {
	classes := make([]string, nclasses)
	for i := range classes {
		classes[i] = strconv.Itoa(i)
	}
	return data{Class: classes, Dims: shape, Labels: labels, Inputs: inputs}
}

func (d data) Len() int { return len(d.Labels) }

func (d data) Classes() []string { return d.Class }

func (d data) Shape() []int { return d.Dims }

func (d data) Label(index []int, label []int32) {
	for i, ix := range index {
		label[i] = d.Labels[ix]
	}
}

func (d data) Input(index []int, buf []float32) {
	nfeat := num.Prod(d.Dims)
	for i, ix := range index {
		copy(buf[i*nfeat:], d.Inputs[ix*nfeat:(ix+1)*nfeat])
	}
}

func (d data) Image(i int) image.Image { return nil }

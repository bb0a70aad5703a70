package nnet

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"os"
	"path"
	"strings"
	"time"

	"github.com/jnb666/capsnet/num"
	"github.com/jnb666/capsnet/stats"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// number of epochs for the validation error moving average
const emaN = 10

// Training statistics
type Stats struct {
	Epoch     int
	Values    []float64
	BestSince int
	Elapsed   time.Duration
}

func StatsHeaders(d map[string]Data) []string {
	h := []string{"loss"}
	for _, key := range DataTypes {
		if _, ok := d[key]; ok {
			h = append(h, key+" error")
			if key == "valid" {
				h = append(h, "valid avg")
			}
		}
	}
	return h
}

func (s Stats) Format() []string {
	str := []string{fmt.Sprintf("%7.4f", s.Values[0])}
	for _, v := range s.Values[1:] {
		str = append(str, fmt.Sprintf("%6.2f%%", v*100))
	}
	return str
}

// Eval holds the results from evaluating the network on a data set
type Eval struct {
	Samples int
	Errors  int
	Loss    float64
	// Confusion[actual][predicted] counts
	Confusion [][]int
}

// Fraction of samples which are misclassified
func (e Eval) ErrorRate() float64 {
	if e.Samples == 0 {
		return 0
	}
	return float64(e.Errors) / float64(e.Samples)
}

// Fraction of samples of each class which are correctly classified
func (e Eval) ClassAccuracy() []float64 {
	acc := make([]float64, len(e.Confusion))
	for i, row := range e.Confusion {
		total := 0
		for _, n := range row {
			total += n
		}
		if total > 0 {
			acc[i] = float64(row[i]) / float64(total)
		}
	}
	return acc
}

// Format per class accuracy and confusion counts as a table
func (e Eval) Format(classes []string) string {
	var s strings.Builder
	fmt.Fprintf(&s, "%-8s %8s  %s\n", "class", "accuracy", "predicted")
	acc := e.ClassAccuracy()
	for i, row := range e.Confusion {
		name := fmt.Sprint(i)
		if i < len(classes) {
			name = classes[i]
		}
		fmt.Fprintf(&s, "%-8s %7.2f%% ", name, acc[i]*100)
		for _, n := range row {
			fmt.Fprintf(&s, " %5d", n)
		}
		s.WriteString("\n")
	}
	return s.String()
}

// Evaluate the network on the data set by predicting the class from the longest capsule.
// If pred slice is not nil then also return the predicted output classes.
func (n *Network) Evaluate(dset *Dataset, pred []int32) Eval {
	q := n.queue
	nclass := len(dset.Classes())
	e := Eval{Samples: dset.Samples, Confusion: make([][]int, nclass)}
	for i := range e.Confusion {
		e.Confusion[i] = make([]int, nclass)
	}
	labels := make([]int32, dset.BatchSize)
	classes := make([]int32, dset.BatchSize)
	for batch := 0; batch < dset.Batches; batch++ {
		x, y, yOneHot, valid := dset.GetBatch(q, batch)
		out := n.Predict(x, n.classes)
		n.Loss.Fprop(out.Lengths, yOneHot, out.Recon, x)
		q.Call(
			num.Read(n.classes, classes),
			num.Read(y, labels),
		).Finish()
		e.Loss += n.Loss.RowLoss(valid)
		for i, label := range labels[:valid] {
			e.Confusion[label][classes[i]]++
			if label != classes[i] {
				e.Errors++
			}
		}
		if pred != nil {
			copy(pred[batch*dset.BatchSize:], classes[:valid])
		}
		if n.DebugLevel >= 2 || (n.DebugLevel >= 1 && batch == 0) {
			fmt.Printf("batch %d\n%s%s", batch, y.String(q), n.classes.String(q))
		}
	}
	e.Loss /= float64(dset.Samples)
	return e
}

// EvaluateData runs Evaluate on all of the samples in d. If the batch size is reduced to fit a small data set then
// a copy of the network is used.
func (n *Network) EvaluateData(d Data, batchSize int) (Eval, error) {
	dset := NewDataset(n.queue.Dev(), d, batchSize, 0, nil)
	defer dset.Release()
	net := n
	if dset.BatchSize != n.inShape[0] {
		var err error
		if net, err = New(n.queue, n.Config, dset.BatchSize, d.Shape(), len(d.Classes())); err != nil {
			return Eval{}, err
		}
		n.CopyTo(net)
	}
	return net.Evaluate(dset, nil), nil
}

// Calculate the error from the predicted versus actual values
func (n *Network) Error(dset *Dataset, pred []int32) float64 {
	return n.Evaluate(dset, pred).ErrorRate()
}

// Tester interface to evaluate the performance after each epoch, Test method returns true if training should stop.
type Tester interface {
	Test(net *Network, epoch int, loss float64, start time.Time) bool
}

// Tester which evaluates the loss and error for each of the data sets and updates the stats.
type TestBase struct {
	Net     *Network
	Data    map[string]*Dataset
	Pred    map[string][]int32
	Eval    map[string]Eval
	Stats   []Stats
	Headers []string
	Samples int
}

// Create a new base class which implements the Tester interface.
func NewTestBase() *TestBase {
	return &TestBase{Stats: []Stats{}}
}

// Initialise the test dataset, network and other configuration.
func (t *TestBase) Init(queue num.Queue, conf Config, data map[string]Data, rng *rand.Rand) (*TestBase, error) {
	train, ok := data["train"]
	if !ok {
		return t, errors.New("test: no training data")
	}
	t.Data = make(map[string]*Dataset)
	t.Eval = make(map[string]Eval)
	t.Headers = StatsHeaders(data)
	t.Samples = min(conf.MaxSamples, train.Len())
	t.Pred = nil
	// all data sets share one network so the batch size must fit the smallest
	batch := conf.TestBatch
	for _, d := range data {
		n := d.Len()
		if t.Samples > 0 && n > t.Samples {
			n = t.Samples
		}
		if n < batch {
			batch = n
		}
	}
	klog.V(1).Infof("init tester: samples=%d batch size=%d", t.Samples, batch)
	for key, d := range data {
		t.Data[key] = NewDataset(queue.Dev(), d, batch, t.Samples, rng)
	}
	var err error
	t.Net, err = New(queue, conf, t.Data["train"].BatchSize, train.Shape(), len(train.Classes()))
	return t, err
}

// Generate the predicted results when test is next run.
func (t *TestBase) Predict() *TestBase {
	t.Pred = make(map[string][]int32)
	for key, dset := range t.Data {
		t.Pred[key] = make([]int32, dset.Samples)
	}
	return t
}

// Reset stats prior to new run
func (t *TestBase) Reset() {
	t.Stats = t.Stats[:0]
}

// Test performance of the network, called from the Train function on completion of each epoch.
func (t *TestBase) Test(net *Network, epoch int, loss float64, start time.Time) bool {
	net.CopyTo(t.Net)
	klog.V(1).Infof("== TEST EPOCH %d ==", epoch)
	s := Stats{Epoch: epoch, Values: []float64{loss}, BestSince: -1}
	for ix, key := range DataTypes {
		if dset, ok := t.Data[key]; ok {
			if dset.Samples < dset.Len() {
				dset.Shuffle()
			}
			var pred []int32
			if t.Pred != nil {
				pred = t.Pred[key]
			}
			eval := t.Net.Evaluate(dset, pred)
			t.Eval[key] = eval
			errVal := eval.ErrorRate()
			s.Values = append(s.Values, errVal)
			if key == "valid" {
				// save average validation error
				avgVal := 0.0
				if epoch > 1 {
					avgVal = t.Stats[epoch-2].Values[ix+2]
				}
				avgVal = stats.EMA(avgVal).Add(errVal, emaN)
				s.Values = append(s.Values, avgVal)
				// get number of epochs where average validation error has increased
				for ep := epoch - 1; ep >= 1; ep-- {
					prevErr := t.Stats[ep-1].Values[ix+2]
					if prevErr > avgVal {
						s.BestSince = epoch - ep - 1
						break
					}
				}
			}
		}
	}
	s.Elapsed = time.Since(start)
	t.Stats = append(t.Stats, s)
	return epoch >= net.MaxEpoch || loss <= net.MinLoss || (net.StopAfter > 0 && s.BestSince >= net.StopAfter)
}

type testLogger struct {
	*TestBase
}

// Create a new tester which logs stats to stdout.
func NewTestLogger(queue num.Queue, conf Config, data map[string]Data, rng *rand.Rand) (Tester, error) {
	base, err := NewTestBase().Init(queue, conf, data, rng)
	return testLogger{TestBase: base}, err
}

func (t testLogger) Test(net *Network, epoch int, loss float64, start time.Time) bool {
	done := t.TestBase.Test(net, epoch, loss, start)
	s := t.Stats[len(t.Stats)-1]
	if done || net.LogEvery == 0 || epoch%net.LogEvery == 0 {
		msg := fmt.Sprintf("epoch %3d:", epoch)
		for i, val := range s.Format() {
			msg += fmt.Sprintf("  %s =%s", t.Headers[i], val)
		}
		if s.BestSince >= 0 {
			msg += fmt.Sprintf(" [%d]", s.BestSince)
		}
		fmt.Println(msg)
	}
	if done {
		if eval, ok := t.Eval["test"]; ok {
			fmt.Print(eval.Format(t.Data["test"].Classes()))
		}
		fmt.Printf("run time: %s\n", s.Elapsed.Round(10*time.Millisecond))
	}
	return done
}

// Train the network on the given training set by updating the weights
func Train(net *Network, dset *Dataset, test Tester) error {
	done := false
	start := time.Now()
	for epoch := 1; epoch <= net.MaxEpoch && !done; epoch++ {
		loss, err := TrainEpoch(net, dset)
		if err != nil {
			return errors.Wrapf(err, "epoch %d", epoch)
		}
		done = test.Test(net, epoch, loss, start)
	}
	return nil
}

// Perform one training epoch on dataset, returns the average loss over the batches.
// Returns ErrNumeric if the loss for any batch is not finite.
func TrainEpoch(net *Network, dset *Dataset) (float64, error) {
	q := net.queue
	if net.Shuffle {
		dset.Shuffle()
	}
	dset.NextEpoch()
	var total float64
	batchLoss := []float32{0}
	for batch := 0; batch < dset.Batches; batch++ {
		if net.DebugLevel >= 2 || (net.DebugLevel == 1 && batch == 0) {
			fmt.Printf("== train batch %d ==\n", batch)
		}
		q.Finish()
		x, _, yOneHot, valid := dset.NextBatch()
		if net.DebugLevel >= 2 {
			fmt.Printf("yOneHot:\n%s", yOneHot.String(q))
		}
		loss := net.TrainStep(x, yOneHot)
		q.Call(num.Read(loss, batchLoss)).Finish()
		val := float64(batchLoss[0])
		if math.IsNaN(val) || math.IsInf(val, 0) {
			return val, errors.Wrapf(ErrNumeric, "batch %d loss=%g", batch, val)
		}
		total += val * float64(valid)
		if net.DebugLevel >= 3 || (batch == dset.Batches-1 && net.DebugLevel >= 2) {
			net.PrintWeights()
		}
	}
	return total / float64(dset.Samples), nil
}

func min(a, b int) int {
	if a == 0 {
		return b
	}
	if a < b {
		return a
	}
	return b
}

// Save per class accuracy to JSON file under DataDir
func SaveAccuracy(name string, acc []float64) error {
	data, err := json.Marshal(acc)
	if err != nil {
		return errors.Wrap(err, "encode accuracy")
	}
	return errors.Wrap(os.WriteFile(path.Join(DataDir, name), data, 0644), "save accuracy")
}

// Load per class accuracy from JSON file under DataDir
func LoadAccuracy(name string) ([]float64, error) {
	data, err := os.ReadFile(path.Join(DataDir, name))
	if err != nil {
		return nil, errors.Wrap(err, "load accuracy")
	}
	var acc []float64
	return acc, errors.Wrapf(json.Unmarshal(data, &acc), "decode %s", name)
}

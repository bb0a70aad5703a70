// Package web has a web based interface for capsule network training and visualisation.
package web

import (
	"encoding/gob"
	"fmt"
	"html/template"
	"image"
	"image/color"
	"math/rand"
	"os"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jnb666/capsnet/img"
	"github.com/jnb666/capsnet/nnet"
	"github.com/jnb666/capsnet/num"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var tuneOpts = []string{"Eta", "ReconWeight", "Routing"}
var tuneOptHtml = []string{"&eta;", "recon", "iters"}

// Network and associated training / test data and configuration
type Network struct {
	*NetworkData
	*nnet.Network
	Data      map[string]nnet.Data
	Labels    map[string][]int32
	Index     map[string][]int
	test      *nnet.TestBase
	conn      *websocket.Conn
	trainData *nnet.Dataset
	queue     num.Queue
	rng       *rand.Rand
	testRng   *rand.Rand
	view      *viewData
	updated   bool
	running   bool
	stop      bool
	tuneMode  bool
	sync.Mutex
}

// Embedded structs used to persist state to file
type NetworkData struct {
	Model   string
	Conf    nnet.Config
	MaxRun  int
	Run     int
	Epoch   int
	Stats   []nnet.Stats
	Pred    map[string][]int32
	Weights nnet.Checkpoint
	History []HistoryData
	Tuners  []TuneParams
}

type HistoryData struct {
	Stats nnet.Stats
	Conf  nnet.Config
}

type TuneParams struct {
	Name   string
	Values []string
}

// Create a new network and load config from data given model name
func NewNetwork(model string) (*Network, error) {
	n := &Network{test: nnet.NewTestBase()}
	klog.Infof("load model: %s", model)
	var err error
	n.NetworkData, err = LoadNetwork(model, false)
	if err != nil {
		return nil, err
	}
	if err := n.Init(n.Conf); err != nil {
		return nil, err
	}
	if err := n.Import(); err != nil {
		return nil, err
	}
	return n, nil
}

// Initialise the network
func (n *Network) Init(conf nnet.Config) error {
	klog.Infof("init network: dataSet=%s", conf.DataSet)
	n.release()
	var err error
	if n.Data, err = nnet.LoadData(conf.DataSet); err != nil {
		return err
	}
	dev := num.NewDevice()
	n.queue = dev.NewQueue()
	n.rng = nnet.SetSeed(conf.RandSeed)
	n.testRng = nnet.SetSeed(conf.RandSeed)
	train := n.Data["train"]
	n.trainData = nnet.NewDataset(dev, train, conf.TrainBatch, conf.MaxSamples, n.rng)
	n.Network, err = nnet.New(n.queue, conf, n.trainData.BatchSize, train.Shape(), len(train.Classes()))
	if err != nil {
		return err
	}
	if conf.DebugLevel >= 1 {
		fmt.Println(n.Network)
	}
	if _, err = n.test.Init(n.queue, conf, n.Data, n.testRng); err != nil {
		return err
	}
	n.test.Predict()
	n.updateLabels()
	n.view, err = newViewData(dev, n.Data, conf)
	return err
}

// labels and sample indexes in the order in which predictions are generated
func (n *Network) updateLabels() {
	n.Labels = make(map[string][]int32)
	n.Index = make(map[string][]int)
	for key, dset := range n.test.Data {
		var index []int
		for batch := 0; batch < dset.Batches; batch++ {
			index = append(index, dset.BatchIndex(batch)...)
		}
		n.Index[key] = index
		n.Labels[key] = make([]int32, len(index))
		dset.Label(index, n.Labels[key])
	}
}

// release allocated buffers
func (n *Network) release() {
	if n.trainData != nil {
		n.trainData.Release()
	}
	if n.test != nil {
		for _, dset := range n.test.Data {
			dset.Release()
		}
	}
	if n.view != nil {
		n.view.queue.Shutdown()
	}
	if n.queue != nil {
		n.queue.Shutdown()
	}
}

// Initialise for new training run
func (n *Network) Start(conf nnet.Config, lock bool) error {
	if lock {
		n.Lock()
		defer n.Unlock()
	}
	if err := n.Init(conf); err != nil {
		return err
	}
	n.test.Reset()
	klog.Info("init weights")
	n.InitWeights(n.rng)
	n.view.loadWeights(n.Network)
	n.Epoch = 0
	n.updated = false
	return nil
}

// Perform training run in the background. Returns an error if the network could not be initialised.
func (n *Network) Train(restart bool) error {
	klog.Infof("train %s: restart=%v", n.Model, restart)
	runs := []nnet.Config{n.Conf}
	if n.tuneMode {
		runs = getRunConfig(n.Conf, n.Tuners)
	}
	n.MaxRun = len(runs)
	if restart {
		if n.Epoch != 0 || n.Run != 0 || n.updated {
			n.Run = 0
			if err := n.Start(runs[0], false); err != nil {
				return err
			}
		}
		n.Epoch = 1
	} else if n.Epoch > 0 {
		n.Epoch++
	}
	if n.Epoch == 0 || n.Epoch > n.MaxEpoch {
		return nil
	}
	n.running = true
	n.stop = false
	go func() {
		n.queue.Profiling(n.Profile)
		quit := false
		for n.Run < n.MaxRun && !quit {
			if n.Run > 0 {
				if err := n.Start(runs[n.Run], true); err != nil {
					klog.Error(err)
					break
				}
				n.Epoch = 1
			}
			klog.Infof("train run %d / %d epoch=%d", n.Run+1, len(runs), n.Epoch)
			epoch := n.Epoch
			done := false
			for !done && !quit {
				start := time.Now()
				loss, err := nnet.TrainEpoch(n.Network, n.trainData)
				if err != nil {
					klog.Errorf("epoch %d: %v", epoch, err)
					quit = true
					break
				}
				done = n.test.Test(n.Network, epoch, loss, start)
				epoch, quit = n.nextEpoch(epoch, done)
			}
			if last := len(n.test.Stats) - 1; last >= 0 {
				klog.Infof("%s", strings.Join(n.test.Stats[last].Format(), " "))
			}
			if !quit {
				n.Run++
			}
		}
		n.Lock()
		n.running = false
		n.stop = false
		n.Unlock()
		klog.Infof("train: end - quit=%v", quit)
		if n.Profile {
			fmt.Printf("== Profile ==\n%s\n", n.queue.Profile())
		}
	}()
	return nil
}

func (n *Network) nextEpoch(epoch int, done bool) (int, bool) {
	quit := false
	n.Lock()
	n.Epoch = epoch
	n.updated = true
	// check for interrupt
	if n.stop {
		n.stop = false
		n.running = false
		quit = true
	}
	n.updateLabels()
	for key, pred := range n.test.Pred {
		n.Pred[key] = append(n.Pred[key][:0], pred...)
	}
	n.view.loadWeights(n.Network)
	if done && !quit && len(n.test.Stats) > 0 {
		s := n.test.Stats[len(n.test.Stats)-1]
		s.Values = append([]float64{}, s.Values...)
		n.History = append(n.History, HistoryData{Stats: s, Conf: n.Config.Copy()})
	}
	conn := n.conn
	n.Unlock()
	// notify via websocket
	if conn != nil {
		msg := []byte(strconv.Itoa(n.Run+1) + ":" + strconv.Itoa(epoch))
		if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			klog.Errorf("nextEpoch: error writing to websocket: %v", err)
		}
	} else {
		klog.V(1).Info("nextEpoch: websocket is not initialised")
	}
	// save state to disk
	n.Lock()
	n.Export()
	err := SaveNetwork(n.NetworkData, false)
	n.Unlock()
	if err != nil {
		klog.Errorf("nextEpoch: error saving network: %v", err)
	}
	return epoch + 1, quit
}

func (n *Network) heading() template.HTML {
	s := fmt.Sprintf(`%s: run <span id="run">%d</span>/%d  epoch <span id="epoch">%d</span>/%d`, n.Model, n.Run+1, n.MaxRun, n.Epoch, n.MaxEpoch)
	return template.HTML(s)
}

// Export current state prior to saving to file
func (n *Network) Export() {
	n.Stats = n.test.Stats
	n.Weights = nil
	if n.Network != nil {
		n.Weights = n.Checkpoint()
	}
}

// Import current state after loading from file
func (n *Network) Import() error {
	n.test.Stats = n.Stats
	if n.Epoch == 0 || len(n.Weights) == 0 {
		klog.Info("init weights")
		n.InitWeights(n.rng)
	} else {
		klog.Info("import weights")
		if err := n.LoadCheckpoint(n.Weights); err != nil {
			return errors.Wrapf(err, "import %s", n.Model)
		}
	}
	n.view.loadWeights(n.Network)
	return nil
}

// Encode data in gob format and save to file under nnet.DataDir. If reset is set then
// the saved state is removed and the config is written to the .conf file.
func SaveNetwork(data *NetworkData, reset bool) error {
	model := data.Model
	filePath := path.Join(nnet.DataDir, model+".state")
	if reset {
		if err := data.Conf.Save(model + ".conf"); err != nil {
			return err
		}
		os.Remove(filePath)
		return nil
	}
	f, err := os.Create(filePath)
	if err != nil {
		return errors.Wrap(err, "save network")
	}
	defer f.Close()
	return errors.Wrapf(gob.NewEncoder(f).Encode(*data), "encode %s", filePath)
}

// Read back gob encoded data file, if not found or reset is set then load config from the .conf file.
func LoadNetwork(model string, reset bool) (data *NetworkData, err error) {
	data = &NetworkData{
		Model:   model,
		MaxRun:  1,
		Stats:   []nnet.Stats{},
		Pred:    map[string][]int32{},
		History: []HistoryData{},
	}
	if !reset {
		if err = loadGob(model+".state", data); err != nil {
			klog.V(1).Infof("no saved state: %v", err)
			reset = true
		}
	}
	if reset {
		if data.Conf, err = nnet.LoadConfig(model + ".conf"); err != nil {
			return nil, err
		}
	}
	if data.Tuners == nil {
		for _, opt := range tuneOpts {
			data.Tuners = append(data.Tuners, TuneParams{
				Name:   opt,
				Values: []string{fmt.Sprint(data.Conf.Get(opt))},
			})
		}
	}
	return data, nil
}

func loadGob(name string, data *NetworkData) error {
	filePath := path.Join(nnet.DataDir, name)
	f, err := os.Open(filePath)
	if err != nil {
		return err
	}
	defer f.Close()
	klog.Infof("loading network state from %s", name)
	return gob.NewDecoder(f).Decode(data)
}

// For hyperparameter tuning, get config per run
func getRunConfig(conf nnet.Config, params []TuneParams) []nnet.Config {
	for _, p := range params {
		conf = setConfig(conf, p.Name, p.Values[0])
	}
	logConfig(conf)
	list := permute(conf, params, len(params)-1, []nnet.Config{conf})
	klog.Infof("getRunConfig: cases=%d", len(list))
	return list
}

func permute(conf nnet.Config, params []TuneParams, n int, list []nnet.Config) []nnet.Config {
	if n < 0 {
		return list
	}
	for i, val := range params[n].Values {
		if i > 0 {
			conf = setConfig(conf, params[n].Name, val)
			logConfig(conf)
			list = append(list, conf)
		}
		list = permute(conf, params, n-1, list)
	}
	return list
}

func setConfig(c nnet.Config, name string, val string) nnet.Config {
	var err error
	c, err = c.SetString(name, val)
	if err != nil {
		panic(err)
	}
	return c
}

func logConfig(c nnet.Config) {
	var s string
	for _, name := range tuneOpts {
		s += fmt.Sprintf("%s=%v ", name, c.Get(name))
	}
	klog.V(1).Infof("getRunConfig: %s", s)
}

func tuneParams(h HistoryData) template.HTML {
	plist := make([]string, len(tuneOpts))
	for i, p := range tuneOpts {
		plist[i] = fmt.Sprintf("%s=%v", tuneOptHtml[i], h.Conf.Get(p))
	}
	return template.HTML(strings.Join(plist, " "))
}

// Single sample network used to view the reconstruction from the class capsules
type viewData struct {
	net     *nnet.Network
	queue   num.Queue
	dset    string
	data    nnet.Data
	shape   []int
	input   num.Array
	classes num.Array
	inData  []float32
	recon   []float32
	lengths []float32
	class   []int32
}

func newViewData(dev num.Device, data map[string]nnet.Data, conf nnet.Config) (*viewData, error) {
	v := &viewData{queue: dev.NewQueue()}
	if d, ok := data["test"]; ok {
		v.dset, v.data = "test", d
	} else {
		v.dset, v.data = "train", data["train"]
	}
	v.shape = v.data.Shape()
	nclass := len(v.data.Classes())
	conf.DebugLevel = 0
	var err error
	if v.net, err = nnet.New(v.queue, conf, 1, v.shape, nclass); err != nil {
		return nil, err
	}
	v.inData = make([]float32, num.Prod(v.shape))
	v.recon = make([]float32, num.Prod(v.shape))
	v.lengths = make([]float32, nclass)
	v.class = make([]int32, 1)
	v.input = v.queue.NewArray(num.Float32, append([]int{1}, v.shape...)...)
	v.classes = v.queue.NewArray(num.Int32, 1)
	return v, nil
}

func (v *viewData) loadWeights(net *nnet.Network) {
	net.CopyTo(v.net)
}

// run the input with given index through the network and read back the capsule lengths and reconstruction
func (v *viewData) update(index int) {
	v.data.Input([]int{index}, v.inData)
	v.queue.Call(num.Write(v.input, v.inData))
	out := v.net.Predict(v.input, v.classes)
	v.queue.Call(
		num.Read(out.Lengths, v.lengths),
		num.Read(out.Recon, v.recon),
		num.Read(v.classes, v.class),
	).Finish()
}

// input and reconstructed image side by side, first channel only
func (v *viewData) image(label int32) image.Image {
	h, w := v.shape[1], v.shape[2]
	in := img.FromPixels(w, h, v.inData[:h*w])
	out := img.FromPixels(w, h, v.recon[:h*w])
	return img.Grid([]image.Image{
		img.Highlight(in, label != v.class[0]),
		img.Highlight(out, false),
	}, 2, 1, color.Gray{Y: 0x80})
}

package nnet

import (
	"encoding/json"
	"fmt"
	"os"
	"path"
	"reflect"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Training configuration settings
type Config struct {
	DataSet      string
	Optimizer    string
	Eta          float64
	Beta1        float64
	Beta2        float64
	Lambda       float64
	Shuffle      bool
	TrainBatch   int
	TestBatch    int
	MaxEpoch     int
	MaxSamples   int
	LogEvery     int
	StopAfter    int
	MinLoss      float64
	RandSeed     int64
	DebugLevel   int
	Profile      bool
	Routing      int
	Epsilon      float64
	ReconWeight  float64
	MarginPlus   float64
	MarginMinus  float64
	MarginLambda float64
	Threads      int
	Conv         ConvConfig
	Primary      PrimaryConfig
	Class        ClassConfig
	Decoder      DecoderConfig
}

// Default configuration for MNIST digit classification.
func DefaultConfig() Config {
	return Config{
		DataSet:      "mnist",
		Optimizer:    "adam",
		Eta:          0.001,
		Beta1:        0.9,
		Beta2:        0.999,
		Shuffle:      true,
		TrainBatch:   100,
		TestBatch:    100,
		MaxEpoch:     30,
		LogEvery:     1,
		Routing:      3,
		Epsilon:      1e-8,
		ReconWeight:  0.0005,
		MarginPlus:   0.9,
		MarginMinus:  0.1,
		MarginLambda: 0.5,
		Conv:         ConvConfig{Nfeats: 256, Size: 9, Stride: 1},
		Primary:      PrimaryConfig{Capsules: 32, Dim: 8, Size: 9, Stride: 2},
		Class:        ClassConfig{Dim: 16},
		Decoder:      DecoderConfig{Hidden: []int{512, 1024}},
	}
}

// Check that the settings are consistent
func (c Config) Validate() error {
	switch {
	case c.Routing < 1:
		return errors.Wrapf(ErrConfig, "routing iterations must be at least 1: got %d", c.Routing)
	case c.Epsilon <= 0:
		return errors.Wrapf(ErrConfig, "epsilon must be positive: got %g", c.Epsilon)
	case c.Optimizer != "adam" && c.Optimizer != "sgd":
		return errors.Wrapf(ErrConfig, "optimizer must be adam or sgd: got %q", c.Optimizer)
	case c.Threads < 0:
		return errors.Wrapf(ErrConfig, "threads must not be negative: got %d", c.Threads)
	case c.TrainBatch < 1 || c.TestBatch < 1:
		return errors.Wrapf(ErrConfig, "batch size must be at least 1: got %d, %d", c.TrainBatch, c.TestBatch)
	case c.Conv.Nfeats < 1 || c.Conv.Size < 1:
		return errors.Wrapf(ErrConfig, "invalid conv layer %+v", c.Conv)
	case c.Primary.Capsules < 1 || c.Primary.Dim < 1 || c.Primary.Size < 1:
		return errors.Wrapf(ErrConfig, "invalid primary capsules %+v", c.Primary)
	case c.Class.Dim < 1:
		return errors.Wrapf(ErrConfig, "invalid class capsules %+v", c.Class)
	}
	return nil
}

// Directory to load and save config, data and checkpoint files
var DataDir = dataDir()

func dataDir() string {
	if dir := os.Getenv("CAPSNET_DATA"); dir != "" {
		return dir
	}
	return "data"
}

// Load network from json file under DataDir
func LoadConfig(name string) (c Config, err error) {
	filePath := path.Join(DataDir, name)
	var f *os.File
	if f, err = os.Open(filePath); err != nil {
		return c, errors.Wrap(err, "load config")
	}
	defer f.Close()
	klog.Infof("loading network config from %s", name)
	c = DefaultConfig()
	c.Decoder.Hidden = nil
	if err = json.NewDecoder(f).Decode(&c); err != nil {
		return c, errors.Wrapf(err, "decode config %s", name)
	}
	return c, c.Validate()
}

// Save default network definition and overwites current config
func (c Config) SaveDefault(name string) error {
	err := c.Save(name + ".default")
	if err != nil {
		return err
	}
	return c.Save(name + ".conf")
}

// Save config to JSON file under DataDir
func (c Config) Save(name string) error {
	filePath := path.Join(DataDir, "."+name)
	f, err := os.Create(filePath)
	if err != nil {
		return errors.Wrap(err, "save config")
	}
	klog.Infof("saving network config to %s", name)
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err = enc.Encode(c); err != nil {
		f.Close()
		return errors.Wrapf(err, "encode config %s", name)
	}
	f.Close()
	return os.Rename(filePath, path.Join(DataDir, name))
}

// Names of the scalar config fields which can be edited
func (c Config) Fields() []string {
	st := reflect.TypeOf(c)
	var fld []string
	for i := 0; i < st.NumField(); i++ {
		switch st.Field(i).Type.Kind() {
		case reflect.Struct, reflect.Slice:
		default:
			fld = append(fld, st.Field(i).Name)
		}
	}
	return fld
}

func (c Config) Get(key string) interface{} {
	s := reflect.ValueOf(c)
	return s.FieldByName(key).Interface()
}

// Copy returns a deep copy of the config
func (c Config) Copy() Config {
	c.Decoder.Hidden = append([]int{}, c.Decoder.Hidden...)
	return c
}

func (c Config) configString() string {
	fields := c.Fields()
	str := []string{"== Config =="}
	for _, key := range fields {
		str = append(str, fmt.Sprintf("%-14s: %v", key, c.Get(key)))
	}
	return strings.Join(str, "\n")
}

func (c Config) String() string {
	s := c.configString()
	str := []string{"\n== Network ==",
		" 0: " + c.Conv.ToString(),
		" 1: " + c.Primary.ToString(),
		fmt.Sprintf(" 2: %s routing=%d", c.Class.ToString(), c.Routing),
		" 3: " + c.Decoder.ToString(),
	}
	return s + strings.Join(str, "\n")
}

func (c Config) SetString(key, val string) (Config, error) {
	s := reflect.ValueOf(&c).Elem()
	f := s.FieldByName(key)
	if !f.IsValid() {
		return c, errors.Wrapf(ErrConfig, "invalid field %s", key)
	}
	var err error
	switch f.Type().Kind() {
	case reflect.Int, reflect.Int64:
		var x int64
		if x, err = strconv.ParseInt(val, 10, 64); err == nil {
			f.SetInt(x)
		}
	case reflect.Float64:
		var x float64
		if x, err = strconv.ParseFloat(val, 64); err == nil {
			f.SetFloat(x)
		}
	case reflect.String:
		f.SetString(val)
	case reflect.Bool:
		var x bool
		if x, err = strconv.ParseBool(val); err == nil {
			f.SetBool(x)
		}
	default:
		return c, errors.Wrapf(ErrConfig, "invalid type for SetString: %v", f.Type().Kind())
	}
	return c, err
}

func (c Config) SetBool(key string, val bool) (Config, error) {
	s := reflect.ValueOf(&c).Elem()
	f := s.FieldByName(key)
	if f.IsValid() && f.Type().Kind() == reflect.Bool {
		f.SetBool(val)
		return c, nil
	}
	return c, errors.Wrapf(ErrConfig, "invalid type for SetBool: %s", key)
}

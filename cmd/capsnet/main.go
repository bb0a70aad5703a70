// Train or evaluate a capsule network from the command line.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path"

	"github.com/jnb666/capsnet/nnet"
	"github.com/jnb666/capsnet/num"
	"github.com/jnb666/capsnet/store"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

func predict(q num.Queue, net *nnet.Network, dset *nnet.Dataset) {
	x, y, _, _ := dset.GetBatch(q, 0)
	classes := q.NewArray(num.Int32, y.Dims()[0])
	out := net.Predict(x, classes)
	fmt.Print("lengths:", out.Lengths.String(q))
	fmt.Println("classes:", classes.String(q))
	fmt.Println("labels: ", y.String(q))
}

func loadConfig(model string) nnet.Config {
	conf, err := nnet.LoadConfig(model + ".conf")
	if os.IsNotExist(errors.Cause(err)) {
		klog.Infof("%s.conf not found - using default config", model)
		conf = nnet.DefaultConfig()
	} else {
		nnet.CheckErr(err)
	}
	return conf
}

// evaluate the test set and optionally save the per class accuracy
func evaluate(net *nnet.Network, data map[string]nnet.Data, model string, saveAcc bool) {
	test, ok := data["test"]
	if !ok {
		nnet.CheckErr(errors.Errorf("no test data for %s", net.DataSet))
	}
	res, err := net.EvaluateData(test, net.TestBatch)
	nnet.CheckErr(err)
	fmt.Printf("test loss=%.4f error=%.2f%%\n%s", res.Loss, res.ErrorRate()*100, res.Format(test.Classes()))
	if saveAcc {
		nnet.CheckErr(nnet.SaveAccuracy(model+".acc", res.ClassAccuracy()))
	}
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: capsnet [opts] <model>")
		os.Exit(1)
	}
	model := os.Args[len(os.Args)-1]
	conf := loadConfig(model)

	// override config settings from command line
	klog.InitFlags(nil)
	defer klog.Flush()
	flag.StringVar(&conf.DataSet, "data", conf.DataSet, "data set name")
	flag.Float64Var(&conf.Eta, "eta", conf.Eta, "learning rate")
	flag.Float64Var(&conf.Lambda, "lambda", conf.Lambda, "weight decay parameter")
	flag.Float64Var(&conf.ReconWeight, "recon", conf.ReconWeight, "reconstruction loss weight")
	flag.IntVar(&conf.Routing, "routing", conf.Routing, "routing iterations")
	flag.Int64Var(&conf.RandSeed, "seed", conf.RandSeed, "random number seed")
	flag.IntVar(&conf.MaxEpoch, "epochs", conf.MaxEpoch, "max epochs")
	flag.IntVar(&conf.MaxSamples, "samples", conf.MaxSamples, "max samples")
	flag.IntVar(&conf.TrainBatch, "batch", conf.TrainBatch, "train batch size")
	flag.IntVar(&conf.TestBatch, "testbatch", conf.TestBatch, "test batch size")
	flag.IntVar(&conf.DebugLevel, "debug", conf.DebugLevel, "debug logging level")
	flag.BoolVar(&conf.Profile, "profile", conf.Profile, "print profiling info")
	flag.IntVar(&conf.Threads, "threads", conf.Threads, "worker threads for capsule ops, 0 for all cores")
	load := flag.String("load", "", "load checkpoint from file path or s3://bucket/key")
	save := flag.String("save", path.Join(nnet.DataDir, model+".ckpt"), "save checkpoint to file path or s3://bucket/key")
	eval := flag.Bool("eval", false, "evaluate the test set only")
	saveAcc := flag.Bool("acc", false, "save per class test accuracy to <model>.acc")
	flag.Parse()

	ctx := context.Background()
	dev := num.NewDevice()
	q := dev.NewQueue()
	q.Profiling(conf.Profile)
	rng := nnet.SetSeed(conf.RandSeed)

	data, err := nnet.LoadData(conf.DataSet)
	nnet.CheckErr(err)
	train := data["train"]
	trainData := nnet.NewDataset(dev, train, conf.TrainBatch, conf.MaxSamples, rng)
	net, err := nnet.New(q, conf, trainData.BatchSize, train.Shape(), len(train.Classes()))
	nnet.CheckErr(err)
	fmt.Println(net)

	if *load != "" {
		ckpt, err := store.LoadCheckpoint(ctx, *load)
		nnet.CheckErr(err)
		nnet.CheckErr(net.LoadCheckpoint(ckpt))
	} else {
		net.InitWeights(rng)
	}

	if *eval {
		evaluate(net, data, model, *saveAcc)
		q.Shutdown()
		return
	}

	if conf.DebugLevel >= 1 {
		fmt.Println("== Before ==")
		predict(q, net, trainData)
	}
	tester, err := nnet.NewTestLogger(q, conf, data, rng)
	nnet.CheckErr(err)
	nnet.CheckErr(nnet.Train(net, trainData, tester))
	if conf.DebugLevel >= 1 {
		fmt.Println("== After ==")
		predict(q, net, trainData)
	}
	if *save != "" {
		nnet.CheckErr(store.SaveCheckpoint(ctx, *save, net.Checkpoint()))
	}
	if *saveAcc {
		evaluate(net, data, model, true)
	}
	q.Shutdown()
}

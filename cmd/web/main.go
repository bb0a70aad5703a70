// Web server to train a capsule network and view the results.
package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"

	"github.com/jnb666/capsnet/nnet"
	"github.com/jnb666/capsnet/web"
	"k8s.io/klog/v2"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("usage: web [opts] <model>")
		os.Exit(1)
	}
	model := os.Args[len(os.Args)-1]
	klog.InitFlags(nil)
	defer klog.Flush()
	opts := web.DefaultOptions
	addr := flag.String("addr", ":8080", "address to listen on")
	auth := flag.Bool("auth", false, "require login")
	reset := flag.Bool("reset", false, "discard saved training state")
	flag.Float64Var(&opts.Scale, "scale", opts.Scale, "image scale factor")
	flag.IntVar(&opts.Rows, "rows", opts.Rows, "rows of images per page")
	flag.IntVar(&opts.Cols, "cols", opts.Cols, "columns of images per page")
	flag.Parse()

	if *reset {
		data, err := web.LoadNetwork(model, true)
		nnet.CheckErr(err)
		nnet.CheckErr(web.SaveNetwork(data, true))
	}
	net, err := web.NewNetwork(model)
	nnet.CheckErr(err)

	t, err := web.NewTemplates()
	nnet.CheckErr(err)

	r := web.NewRouter(net, t, opts)
	if *auth {
		r.Use(web.NewAuthMiddleware(nil).Middleware)
	}
	klog.Infof("serving web page at http://localhost%s", *addr)
	if err := http.ListenAndServe(*addr, r); err != nil {
		klog.Fatal(err)
	}
}

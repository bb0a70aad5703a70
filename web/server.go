package web

import (
	"net/http"

	"github.com/gorilla/mux"
)

// Options for the image grid and reconstruction views
type Options struct {
	Scale      float64
	Rows, Cols int
}

var DefaultOptions = Options{Scale: 3, Rows: 8, Cols: 10}

// NewRouter sets up the handlers for each of the pages
func NewRouter(net *Network, t *Templates, opts Options) *mux.Router {
	trainPage := NewTrainPage(t.Clone(), net)
	imagePage := NewImagePage(t.Clone(), net, opts.Scale, opts.Rows, opts.Cols)
	viewPage := NewViewPage(t.Clone(), net, int(opts.Scale))
	configPage := NewConfigPage(t.Clone(), net)

	r := mux.NewRouter()
	r.Handle("/", http.RedirectHandler("/train/", http.StatusFound))
	r.PathPrefix("/static/").Handler(Static())

	r.Handle("/train", http.RedirectHandler("/train/", http.StatusFound))
	r.HandleFunc("/train/", trainPage.Base())
	r.HandleFunc("/train/{cmd:(?:stats|start|stop|continue|tune)}", trainPage.Base())
	r.HandleFunc("/stats", trainPage.Stats())
	r.HandleFunc("/ws", trainPage.Websocket())

	r.Handle("/images/", http.RedirectHandler("/images/test/", http.StatusFound))
	r.HandleFunc("/images/{dset}/", imagePage.Base())
	r.HandleFunc("/images/{dset}/{class:[0-9]+}", imagePage.Base())
	r.HandleFunc("/images/{dset}/{opt:(?:all|errors|prev|next)}", imagePage.Setopt())
	r.HandleFunc("/grid/{dset}", imagePage.Grid())
	r.HandleFunc("/img/{dset}/{id:[0-9]+}", imagePage.Image())

	r.HandleFunc("/view/", viewPage.Base())
	r.HandleFunc("/view/{opt:(?:prev|next|errors)}", viewPage.Setopt())
	r.HandleFunc("/capsules", viewPage.Capsules())
	r.HandleFunc("/recon/{id:[0-9]+}", viewPage.Image())

	r.HandleFunc("/config/", configPage.Base())
	r.HandleFunc("/config/save", configPage.Save()).Methods("POST")
	r.HandleFunc("/config/reset", configPage.Reset())
	return r
}

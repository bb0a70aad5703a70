package web

import (
	"fmt"
	"image/png"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/jnb666/capsnet/img"
	"k8s.io/klog/v2"
)

type ImagePage struct {
	*Templates
	Dset    string
	Class   int
	Page    int
	Errors  bool
	Rows    []int
	Cols    []int
	Width   int
	Height  int
	Pages   int
	Total   int
	Classes string
	net     *Network
}

// Base data for handler functions to view input image dataset. The selected class, page and
// error filter are saved in the session.
func NewImagePage(t *Templates, net *Network, scale float64, rows, cols int) *ImagePage {
	p := &ImagePage{net: net, Templates: t, Page: 1}
	for _, name := range []string{"all", "errors", "prev", "next"} {
		p.AddOption(Link{Name: name, Url: "./" + name})
	}
	dims := net.Data["train"].Shape()
	p.Width = int(float64(dims[2]) * scale)
	p.Height = int(float64(dims[1]) * scale)
	p.Rows = seq(rows)
	p.Cols = seq(cols)
	return p
}

// restore the page state from the session
func (p *ImagePage) load(r *http.Request) {
	s := p.Session(r)
	p.Class, p.Page, p.Errors = 0, 1, false
	if v, ok := s.Values["class"].(int); ok {
		p.Class = v
	}
	if v, ok := s.Values["page"].(int); ok {
		p.Page = v
	}
	if v, ok := s.Values["errors"].(bool); ok {
		p.Errors = v
	}
}

func (p *ImagePage) save(w http.ResponseWriter, r *http.Request) {
	s := p.Session(r)
	s.Values["class"] = p.Class
	s.Values["page"] = p.Page
	s.Values["errors"] = p.Errors
	if err := s.Save(r, w); err != nil {
		klog.Errorf("save session: %v", err)
	}
}

// Handler function for the main image page
func (p *ImagePage) Base() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		p.net.Lock()
		defer p.net.Unlock()
		p.load(r)
		vars := mux.Vars(r)
		p.Dset = vars["dset"]
		if vars["class"] != "" {
			p.Class, _ = strconv.Atoi(vars["class"])
			p.Page = 1
			p.save(w, r)
		}
		base := "/images/" + p.Dset + "/"
		p.Select(base)
		sel := []string{"all"}
		if p.Errors {
			sel = []string{"errors"}
		}
		p.SelectOptions(sel)
		p.Heading = p.net.heading()
		p.Toplevel = true
		template := "blank"
		if d, ok := p.net.Data[p.Dset]; ok {
			template = "images"
			p.Dropdown = []Link{{Name: "all classes", Url: base + "0"}}
			for i, class := range d.Classes() {
				p.Dropdown = append(p.Dropdown, Link{Name: class, Url: base + strconv.Itoa(i+1), Selected: i+1 == p.Class})
			}
		} else {
			p.Dropdown = nil
		}
		p.Exec(w, template, p)
	}
}

// Handler function for the frame with grid of images
func (p *ImagePage) Grid() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		p.net.Lock()
		defer p.net.Unlock()
		p.load(r)
		p.Dset = mux.Vars(r)["dset"]
		p.Total, p.Pages = p.pageCount()
		if p.Page > p.Pages || p.Page < 1 {
			p.Page = 1
		}
		p.Classes = ""
		if d, ok := p.net.Data[p.Dset]; ok {
			for i, class := range d.Classes() {
				if strconv.Itoa(i) != class {
					p.Classes += fmt.Sprintf("%d:%s ", i+1, class)
				}
			}
		}
		p.Toplevel = false
		p.Exec(w, "grid", p)
	}
}

// Set option from top menu
func (p *ImagePage) Setopt() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		p.net.Lock()
		defer p.net.Unlock()
		p.load(r)
		vars := mux.Vars(r)
		p.Dset = vars["dset"]
		p.Total, p.Pages = p.pageCount()
		switch vars["opt"] {
		case "all":
			p.Errors = false
			p.Page = 1
		case "errors":
			p.Errors = true
			p.Page = 1
		case "prev":
			p.Page = mod(p.Page-1, 1, p.Pages)
		case "next":
			p.Page = mod(p.Page+1, 1, p.Pages)
		}
		p.save(w, r)
		http.Redirect(w, r, "/images/"+p.Dset+"/", http.StatusFound)
	}
}

func (p *ImagePage) pageCount() (nimg, pages int) {
	for i := range p.net.Labels[p.Dset] {
		if p.showImage(i) {
			nimg++
		}
	}
	rows, cols := len(p.Rows), len(p.Cols)
	pages = nimg / (rows * cols)
	if nimg%(rows*cols) != 0 || pages == 0 {
		pages++
	}
	return nimg, pages
}

func (p *ImagePage) showImage(i int) bool {
	labels := p.net.Labels[p.Dset]
	if i >= len(labels) {
		return false
	}
	show := p.Class == 0 || int(labels[i]) == p.Class-1
	if p.Errors {
		if pred, ok := p.net.Pred[p.Dset]; ok && i < len(pred) {
			show = show && pred[i] != labels[i]
		} else {
			show = false
		}
	}
	return show
}

// Position in the prediction list of the image at given row and column, starting from 1.
// Returns 0 if there is no image at this position.
func (p *ImagePage) Index(row, col int) int {
	rows, cols := len(p.Rows), len(p.Cols)
	index := (p.Page-1)*rows*cols + row*cols + col
	for i := range p.net.Labels[p.Dset] {
		if p.showImage(i) {
			index--
			if index < 0 {
				return i + 1
			}
		}
	}
	return 0
}

func (p *ImagePage) label(i int) int {
	return label(p.net, p.Dset, i)
}

func (p *ImagePage) Label(i int) string {
	lab := p.label(i)
	text := strconv.Itoa(lab)
	if pred := predict(p.net, p.Dset, i); pred >= 0 && pred != lab {
		text += fmt.Sprintf(" => %d", pred)
	}
	return text
}

// Handler function for the image data
func (p *ImagePage) Image() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		p.net.Lock()
		defer p.net.Unlock()
		vars := mux.Vars(r)
		dset := vars["dset"]
		id, _ := strconv.Atoi(vars["id"])
		index := p.net.Index[dset]
		if id < 1 || id > len(index) {
			http.NotFound(w, r)
			return
		}
		src, ok := p.net.Data[dset].Image(index[id-1]).(*img.GrayImage)
		if !ok {
			http.NotFound(w, r)
			return
		}
		pred := predict(p.net, dset, id)
		image := img.Highlight(src, pred >= 0 && label(p.net, dset, id) != pred)
		w.Header().Set("Content-type", "image/png")
		png.Encode(w, image)
	}
}

// label of image at position i in the prediction list, starting from 1
func label(net *Network, dset string, i int) int {
	lab := net.Labels[dset]
	if i < 1 || i > len(lab) {
		return -1
	}
	return int(lab[i-1])
}

// predicted class of image at position i or -1 if not yet predicted
func predict(net *Network, dset string, i int) int {
	pred, ok := net.Pred[dset]
	if !ok || i < 1 || i > len(pred) {
		return -1
	}
	return int(pred[i-1])
}

func seq(n int) []int {
	s := make([]int, n)
	for i := range s {
		s[i] = i
	}
	return s
}

func mod(i, min, max int) int {
	if i < min {
		i = max
	}
	if i > max {
		i = min
	}
	return i
}

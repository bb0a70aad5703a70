package web

import (
	"fmt"
	"html/template"
	"image/png"
	"net/http"
	"time"

	"github.com/gorilla/mux"
)

// ViewPage shows an input image from the test set next to the reconstruction from the class capsules,
// together with the length of each capsule.
type ViewPage struct {
	*Templates
	Index int
	Scale int
	net   *Network
}

func NewViewPage(t *Templates, net *Network, scale int) *ViewPage {
	p := &ViewPage{net: net, Templates: t, Index: 1, Scale: scale}
	p.AddOption(Link{Name: "prev", Url: "/view/prev"})
	p.AddOption(Link{Name: "next", Url: "/view/next"})
	p.AddOption(Link{Name: "errors", Url: "/view/errors"})
	return p
}

// Handler function for the main view page
func (p *ViewPage) Base() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		p.net.Lock()
		defer p.net.Unlock()
		p.Select("/view/")
		p.Heading = p.net.heading()
		p.Toplevel = true
		p.Exec(w, "view", p)
	}
}

// Set option from top menu, errors moves to the next misclassified image
func (p *ViewPage) Setopt() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		p.net.Lock()
		defer p.net.Unlock()
		v := p.net.view
		total := len(p.net.Labels[v.dset])
		switch mux.Vars(r)["opt"] {
		case "prev":
			p.Index = mod(p.Index-1, 1, total)
		case "next":
			p.Index = mod(p.Index+1, 1, total)
		case "errors":
			for i := 1; i <= total; i++ {
				ix := mod(p.Index+i, 1, total)
				if pred := predict(p.net, v.dset, ix); pred >= 0 && pred != label(p.net, v.dset, ix) {
					p.Index = ix
					break
				}
			}
		}
		http.Redirect(w, r, "/view/", http.StatusFound)
	}
}

// Handler function for the frame with the capsule outputs
func (p *ViewPage) Capsules() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		p.net.Lock()
		defer p.net.Unlock()
		p.update()
		p.Toplevel = false
		p.Exec(w, "capsules", p)
	}
}

func (p *ViewPage) update() {
	v := p.net.view
	if index := p.net.Index[v.dset]; p.Index >= 1 && p.Index <= len(index) {
		v.update(index[p.Index-1])
	}
}

func (p *ViewPage) Desc() string {
	v := p.net.view
	return fmt.Sprintf("%s %d: label %d predicted %d", v.dset, p.Index, label(p.net, v.dset, p.Index), v.class[0])
}

// Url for the input and reconstruction image
func (p *ViewPage) ImageUrl() string {
	return fmt.Sprintf("/recon/%d?ts=%d", p.Index, time.Now().UnixNano())
}

func (p *ViewPage) Width() int {
	return p.Scale * (2*p.net.view.shape[2] + 3)
}

// Length of each class capsule shaded by value
func (p *ViewPage) Lengths() []template.HTML {
	v := p.net.view
	classes := v.data.Classes()
	var res []template.HTML
	for i, val := range v.lengths {
		c := int(255 * (1 - val))
		tag := fmt.Sprintf(`<span style="color:#%02x%02x%02x;">%s %.3f</span>`, c, c, c, template.HTMLEscapeString(classes[i]), val)
		res = append(res, template.HTML(tag))
	}
	return res
}

// Handler function to generate the image for the input and reconstruction
func (p *ViewPage) Image() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		p.net.Lock()
		defer p.net.Unlock()
		v := p.net.view
		var id int
		fmt.Sscan(mux.Vars(r)["id"], &id)
		if id < 1 || id > len(p.net.Index[v.dset]) {
			http.NotFound(w, r)
			return
		}
		v.update(p.net.Index[v.dset][id-1])
		w.Header().Set("Content-type", "image/png")
		png.Encode(w, v.image(int32(label(p.net, v.dset, id))))
	}
}

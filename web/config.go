package web

import (
	"fmt"
	"net/http"

	"github.com/jnb666/capsnet/nnet"
	"k8s.io/klog/v2"
)

type ConfigPage struct {
	*Templates
	Fields []Field
	Layers []string
	net    *Network
}

type Field struct {
	Name    string
	Value   string
	Error   string
	Boolean bool
	On      bool
}

// Base data for handler functions to view and update the network config
func NewConfigPage(t *Templates, net *Network) *ConfigPage {
	p := &ConfigPage{net: net}
	p.Templates = t.Select("/config/")
	p.AddOption(Link{Name: "save", Url: "/config/save", Submit: true})
	p.AddOption(Link{Name: "reset", Url: "/config/reset"})
	p.Fields = getFields(net.Conf)
	p.Layers = getLayers(net.Conf)
	return p
}

// Handler function for the config template
func (p *ConfigPage) Base() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		p.net.Lock()
		defer p.net.Unlock()
		p.Heading = p.net.heading()
		p.Toplevel = true
		p.Exec(w, "config", p)
	}
}

// Handler function for the config form save action. The new config is used for the next training run.
func (p *ConfigPage) Save() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		p.net.Lock()
		defer p.net.Unlock()
		r.ParseForm()
		haveErrors := false
		conf := p.net.Conf
		for i, fld := range p.Fields {
			val := r.Form.Get(fld.Name)
			var err error
			if fld.Boolean {
				p.Fields[i].On = (val == "true")
				conf, err = conf.SetBool(fld.Name, p.Fields[i].On)
			} else {
				p.Fields[i].Value = val
				conf, err = conf.SetString(fld.Name, val)
			}
			p.Fields[i].Error = ""
			if err != nil {
				p.Fields[i].Error = "invalid syntax"
				haveErrors = true
			}
		}
		if !haveErrors {
			if err := conf.Validate(); err != nil {
				klog.Errorf("config: %v", err)
				haveErrors = true
			}
		}
		if !haveErrors {
			if err := p.setConfig(conf); err != nil {
				logError(w, err)
				return
			}
		}
		http.Redirect(w, r, "/config/", http.StatusFound)
	}
}

// Handler function to reset the config to the defaults
func (p *ConfigPage) Reset() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		p.net.Lock()
		defer p.net.Unlock()
		conf := nnet.DefaultConfig()
		if nnet.FileExists(p.net.Model + ".default") {
			var err error
			if conf, err = nnet.LoadConfig(p.net.Model + ".default"); err != nil {
				logError(w, err)
				return
			}
		}
		if err := p.setConfig(conf); err != nil {
			logError(w, err)
			return
		}
		p.Fields = getFields(conf)
		http.Redirect(w, r, "/config/", http.StatusFound)
	}
}

func (p *ConfigPage) setConfig(conf nnet.Config) error {
	if err := conf.Save(p.net.Model + ".conf"); err != nil {
		return err
	}
	p.net.Conf = conf
	p.net.updated = true
	p.Layers = getLayers(conf)
	return nil
}

func getFields(conf nnet.Config) []Field {
	var flds []Field
	for _, key := range conf.Fields() {
		f := Field{Name: key, Value: fmt.Sprint(conf.Get(key))}
		f.On, f.Boolean = conf.Get(key).(bool)
		flds = append(flds, f)
	}
	return flds
}

func getLayers(conf nnet.Config) []string {
	return []string{
		conf.Conv.ToString(),
		conf.Primary.ToString(),
		fmt.Sprintf("%s routing=%d", conf.Class.ToString(), conf.Routing),
		conf.Decoder.ToString(),
	}
}

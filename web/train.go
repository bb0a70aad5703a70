package web

import (
	"bytes"
	"fmt"
	"html/template"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/jnb666/capsnet/nnet"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
	"k8s.io/klog/v2"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

type TrainPage struct {
	*Templates
	net *Network
}

// Base data for handler functions to perform network training and display the stats
func NewTrainPage(t *Templates, net *Network) *TrainPage {
	p := &TrainPage{net: net}
	p.Templates = t.Select("/train/")
	p.AddOption(Link{Name: "start", Url: "/train/start"})
	p.AddOption(Link{Name: "stop", Url: "/train/stop"})
	p.AddOption(Link{Name: "continue", Url: "/train/continue"})
	p.AddOption(Link{Name: "tune", Url: "/train/tune"})
	return p
}

// Handler function for the train template
func (p *TrainPage) Base() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		cmd := mux.Vars(r)["cmd"]
		p.net.Lock()
		defer p.net.Unlock()
		switch cmd {
		case "start", "continue":
			if p.net.running {
				klog.Info("skip start - already running")
			} else if err := p.net.Train(cmd == "start"); err != nil {
				logError(w, err)
				return
			}
			http.Redirect(w, r, "/train/stats", http.StatusFound)
		case "stop":
			if p.net.running {
				p.net.stop = true
			}
			http.Redirect(w, r, "/train/stats", http.StatusFound)
		case "tune":
			p.net.tuneMode = !p.net.tuneMode
			http.Redirect(w, r, "/train/stats", http.StatusFound)
		default:
			var sel []string
			if p.net.running {
				sel = append(sel, "start")
			}
			if p.net.tuneMode {
				sel = append(sel, "tune")
			}
			p.SelectOptions(sel)
			p.Heading = p.net.heading()
			p.Toplevel = true
			p.Exec(w, "train", p)
		}
	}
}

// Handler function for the stats frame
func (p *TrainPage) Stats() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		p.net.Lock()
		defer p.net.Unlock()
		p.Toplevel = false
		p.Exec(w, "stats", p)
	}
}

// Handler function for websocket connection
func (p *TrainPage) Websocket() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			klog.Errorf("websocket upgrade: %v", err)
			return
		}
		p.net.Lock()
		if p.net.conn != nil {
			p.net.conn.Close()
		}
		p.net.conn = conn
		p.net.Unlock()
	}
}

func (p *TrainPage) Headers() []string {
	return p.net.test.Headers
}

func (p *TrainPage) LatestStats(n int) [][]string {
	stats := p.net.test.Stats
	last := len(stats) - 1
	res := [][]string{}
	for i := last; i >= 0 && i > last-n; i-- {
		res = append(res, append([]string{fmt.Sprint(stats[i].Epoch)}, stats[i].Format()...))
	}
	return res
}

// Per class accuracy on the test set from the last epoch
func (p *TrainPage) Accuracy() []string {
	eval, ok := p.net.test.Eval["test"]
	if !ok {
		return nil
	}
	classes := p.net.Data["test"].Classes()
	var res []string
	for i, acc := range eval.ClassAccuracy() {
		res = append(res, fmt.Sprintf("%s: %.2f%%", classes[i], acc*100))
	}
	return res
}

// Results from previous tuning runs
func (p *TrainPage) History() [][]template.HTML {
	var res [][]template.HTML
	for _, h := range p.net.History {
		row := []template.HTML{tuneParams(h)}
		for _, val := range h.Stats.Format() {
			row = append(row, template.HTML(template.HTMLEscapeString(val)))
		}
		res = append(res, row)
	}
	return res
}

func (p *TrainPage) RunTime() string {
	stats := p.net.test.Stats
	if len(stats) == 0 {
		return ""
	}
	elapsed := stats[len(stats)-1].Elapsed
	return fmt.Sprintf("run time: %s", elapsed.Round(10*time.Millisecond))
}

func (p *TrainPage) LossPlot(width, height int) template.HTML {
	plt := newPlot()
	line := newLinePlot(p.net.test.Stats, 0, 1)
	plt.Add(line)
	plt.Legend.Add("training loss ", line)
	return writePlot(plt, width, height)
}

func (p *TrainPage) ErrorPlot(width, height int) template.HTML {
	plt := newPlot()
	for i, name := range p.Headers()[1:] {
		line := newLinePlot(p.net.test.Stats, i+1, 100)
		plt.Add(line)
		plt.Legend.Add(name+" % ", line)
	}
	return writePlot(plt, width, height)
}

func newPlot() *plot.Plot {
	p := plot.New()
	p.X.Padding, p.Y.Padding = 0, 0
	p.X.Tick.Label.Font.Size = 10
	p.Y.Tick.Label.Font.Size = 10
	p.Legend.Top = true
	p.Legend.TextStyle.Font.Size = 12
	p.Add(plotter.NewGrid())
	return p
}

func writePlot(p *plot.Plot, w, h int) template.HTML {
	var buf bytes.Buffer
	// svg output is sized in points, 0.75pt per css pixel
	writer, err := p.WriterTo(vg.Points(0.75*float64(w)), vg.Points(0.75*float64(h)), "svg")
	if err != nil {
		klog.Errorf("error writing plot: %v", err)
		return ""
	}
	writer.WriteTo(&buf)
	return template.HTML(buf.String())
}

func newLinePlot(stats []nnet.Stats, ix int, scale float64) linePlot {
	var pts plotter.XYs
	xmax, ymax := 1.0, 0.0
	for _, s := range stats {
		if ix >= len(s.Values) {
			continue
		}
		pt := plotter.XY{X: float64(s.Epoch), Y: s.Values[ix] * scale}
		pts = append(pts, pt)
		xmax = max(xmax, pt.X)
		ymax = max(ymax, pt.Y)
	}
	l, err := plotter.NewLine(pts)
	if err != nil {
		klog.Errorf("plot error: %v", err)
		l = &plotter.Line{LineStyle: plotter.DefaultLineStyle}
	}
	l.Width = 2
	l.Color = plotutil.Color(ix)
	return linePlot{Line: l, xmin: 1, xmax: xmax, ymin: 0, ymax: ymax}
}

// modified plotter.Line with a fixed scale
type linePlot struct {
	*plotter.Line
	xmin, xmax, ymin, ymax float64
}

func (l linePlot) DataRange() (xmin, xmax, ymin, ymax float64) {
	return l.xmin, l.xmax, l.ymin, l.ymax
}

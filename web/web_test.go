package web

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/jnb666/capsnet/img"
	"github.com/jnb666/capsnet/nnet"
)

const (
	nclass = 3
	size   = 10
)

// write a small random data set and config to a temporary data directory
func setup(t *testing.T) *Network {
	nnet.DataDir = t.TempDir()
	rng := nnet.SetSeed(1)
	classes := []string{"a", "b", "c"}
	for _, key := range []string{"train", "test"} {
		n := 7
		labels := make([]int32, n)
		images := make([]*img.GrayImage, n)
		for i := range images {
			labels[i] = int32(i % nclass)
			pix := make([]float32, size*size)
			for j := range pix {
				pix[j] = rng.Float32()
			}
			images[i] = img.FromPixels(size, size, pix)
		}
		if err := nnet.SaveDataFile(img.NewData(classes, labels, images), "test_"+key); err != nil {
			t.Fatal(err)
		}
	}
	conf := nnet.DefaultConfig()
	conf.DataSet = "test"
	conf.RandSeed = 1
	conf.MaxEpoch = 2
	conf.TrainBatch = 3
	conf.TestBatch = 3
	conf.Conv = nnet.ConvConfig{Nfeats: 4, Size: 3, Stride: 1}
	conf.Primary = nnet.PrimaryConfig{Capsules: 2, Dim: 4, Size: 3, Stride: 2}
	conf.Class = nnet.ClassConfig{Dim: 4}
	conf.Decoder = nnet.DecoderConfig{Hidden: []int{8}}
	if err := conf.Save("test.conf"); err != nil {
		t.Fatal(err)
	}
	net, err := NewNetwork("test")
	if err != nil {
		t.Fatal(err)
	}
	return net
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("GET", path, nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	t.Logf("GET %s => %d", path, w.Code)
	return w
}

func TestPages(t *testing.T) {
	net := setup(t)
	tmpl, err := NewTemplates()
	if err != nil {
		t.Fatal(err)
	}
	r := NewRouter(net, tmpl, DefaultOptions)

	// run one epoch synchronously so that there are stats and predictions to display
	net.Lock()
	net.Epoch = 1
	net.Unlock()
	loss, err := nnet.TrainEpoch(net.Network, net.trainData)
	if err != nil {
		t.Fatal(err)
	}
	done := net.test.Test(net.Network, 1, loss, time.Now())
	net.nextEpoch(1, done)
	if len(net.Pred["test"]) != 7 || len(net.Stats) != 1 {
		t.Fatalf("expected predictions and stats: got %d %d", len(net.Pred["test"]), len(net.Stats))
	}

	for _, path := range []string{"/train/", "/train/stats", "/images/test/", "/grid/test", "/view/", "/capsules", "/config/"} {
		if w := get(t, r, path); w.Code != http.StatusOK {
			t.Errorf("%s: got status %d", path, w.Code)
		}
	}
	if w := get(t, r, "/stats"); w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "<svg") {
		t.Errorf("stats: expected svg plot: got %d", w.Code)
	}
	for _, path := range []string{"/img/test/1", "/recon/2"} {
		w := get(t, r, path)
		if w.Code != http.StatusOK || w.Header().Get("Content-type") != "image/png" {
			t.Errorf("%s: got %d %s", path, w.Code, w.Header().Get("Content-type"))
		}
	}
	for _, path := range []string{"/img/test/0", "/img/valid/1", "/recon/99"} {
		if w := get(t, r, path); w.Code != http.StatusNotFound {
			t.Errorf("%s: expected not found, got %d", path, w.Code)
		}
	}
	if w := get(t, r, "/static/style.css"); w.Code != http.StatusOK {
		t.Error("static file: got", w.Code)
	}
}

func TestImageSession(t *testing.T) {
	net := setup(t)
	tmpl, err := NewTemplates()
	if err != nil {
		t.Fatal(err)
	}
	r := NewRouter(net, tmpl, Options{Scale: 2, Rows: 1, Cols: 2})
	w := get(t, r, "/images/test/next")
	if w.Code != http.StatusFound {
		t.Fatal("setopt: got", w.Code)
	}
	cookies := w.Result().Cookies()
	if len(cookies) == 0 {
		t.Fatal("expected session cookie")
	}
	req := httptest.NewRequest("GET", "/grid/test", nil)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if body := w.Body.String(); !strings.Contains(body, "page 2 of 4") {
		t.Error("expected page 2 from session, got", body)
	}
}

func TestConfigSave(t *testing.T) {
	net := setup(t)
	tmpl, err := NewTemplates()
	if err != nil {
		t.Fatal(err)
	}
	r := NewRouter(net, tmpl, DefaultOptions)
	form := url.Values{}
	for _, fld := range getFields(net.Conf) {
		if !fld.Boolean {
			form.Set(fld.Name, fld.Value)
		}
	}
	form.Set("Eta", "0.01")
	form.Set("Shuffle", "true")
	req := httptest.NewRequest("POST", "/config/save", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusFound {
		t.Fatal("save: got", w.Code)
	}
	conf, err := nnet.LoadConfig("test.conf")
	if err != nil {
		t.Fatal(err)
	}
	if conf.Eta != 0.01 || !conf.Shuffle || net.Conf.Eta != 0.01 {
		t.Error("config not updated: got", conf.Eta, conf.Shuffle)
	}
	form.Set("Eta", "xx")
	req = httptest.NewRequest("POST", "/config/save", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	r.ServeHTTP(httptest.NewRecorder(), req)
	if net.Conf.Eta != 0.01 {
		t.Error("invalid value should not be saved: got", net.Conf.Eta)
	}
}

func TestAuth(t *testing.T) {
	auth := NewAuthMiddleware(func(user, pass string, r *http.Request) bool {
		return user == "user" && pass == "secret"
	})
	h := auth.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	if w := get(t, h, "/"); w.Code != http.StatusUnauthorized {
		t.Error("expected unauthorized, got", w.Code)
	}
	req := httptest.NewRequest("GET", "/", nil)
	req.SetBasicAuth("user", "secret")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatal("login: got", w.Code)
	}
	cookies := w.Result().Cookies()
	if len(cookies) != 1 || cookies[0].Name != cookieName {
		t.Fatal("expected auth cookie, got", cookies)
	}
	req = httptest.NewRequest("GET", "/", nil)
	req.AddCookie(cookies[0])
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusOK || w.Body.String() != "ok" {
		t.Error("cookie login: got", w.Code)
	}
}

func TestRunConfig(t *testing.T) {
	param := []TuneParams{
		{Name: "Eta", Values: []string{"0.1", "0.05", "0.15"}},
		{Name: "ReconWeight", Values: []string{"0.0005", "0.001"}},
		{Name: "Routing", Values: []string{"1", "3"}},
	}
	runs := getRunConfig(nnet.DefaultConfig(), param)
	if len(runs) != 12 {
		t.Errorf("got %d runs expect 12", len(runs))
	}
	if runs[0].Eta != 0.1 || runs[0].Routing != 1 {
		t.Error("first run: got", runs[0].Eta, runs[0].Routing)
	}
}

package web

import (
	"embed"
	"fmt"
	"html/template"
	"io/fs"
	"net/http"
	"os"
	"strings"

	"github.com/gorilla/securecookie"
	"github.com/gorilla/sessions"
	"k8s.io/klog/v2"
)

//go:embed assets
var assets embed.FS

const sessionName = "capsnet"

// Static files served under /static/
func Static() http.Handler {
	sub, err := fs.Sub(assets, "assets/static")
	if err != nil {
		panic(err)
	}
	return http.StripPrefix("/static/", http.FileServer(http.FS(sub)))
}

// Template and main menu definition
type Templates struct {
	*template.Template
	Menu     []Link
	Options  []Link
	Dropdown []Link
	Heading  template.HTML
	Toplevel bool
	store    sessions.Store
}

type Link struct {
	Url      string
	Name     string
	Selected bool
	Submit   bool
}

// Load and parse templates and initialise main menu. The session key is read from CAPSNET_SESSION_KEY
// if set, else a random key is generated so that sessions do not persist across restarts.
func NewTemplates() (*Templates, error) {
	var err error
	t := &Templates{Menu: []Link{}, Options: []Link{}}
	t.Template, err = template.ParseFS(assets, "assets/*.html")
	if err != nil {
		return nil, err
	}
	authKey := []byte(os.Getenv("CAPSNET_SESSION_KEY"))
	if len(authKey) == 0 {
		authKey = securecookie.GenerateRandomKey(32)
	}
	t.store = sessions.NewCookieStore(authKey)
	for _, name := range []string{"train", "images", "view", "config"} {
		t.AddMenuItem(Link{Name: name, Url: "/" + name + "/"})
	}
	return t, nil
}

func (t *Templates) Clone() *Templates {
	return &Templates{
		Template: t.Template,
		Menu:     append([]Link{}, t.Menu...),
		Options:  append([]Link{}, t.Options...),
		store:    t.store,
	}
}

func (t *Templates) Select(url string) *Templates {
	for i, key := range t.Menu {
		t.Menu[i].Selected = strings.HasPrefix(url, key.Url)
	}
	return t
}

func (t *Templates) AddMenuItem(l Link) *Templates {
	t.Menu = append(t.Menu, l)
	return t
}

func (t *Templates) AddOption(l Link) *Templates {
	t.Options = append(t.Options, l)
	return t
}

func (t *Templates) SelectOptions(names []string) *Templates {
	for i, key := range t.Options {
		t.Options[i].Selected = false
		for _, name := range names {
			if key.Name == name {
				t.Options[i].Selected = true
			}
		}
	}
	return t
}

// Execute the named template and log any error
func (t *Templates) Exec(w http.ResponseWriter, name string, data interface{}) {
	if err := t.ExecuteTemplate(w, name, data); err != nil {
		logError(w, err)
	}
}

// Get the session for this request, a new one is created if the cookie is missing or invalid.
func (t *Templates) Session(r *http.Request) *sessions.Session {
	s, err := t.store.Get(r, sessionName)
	if err != nil {
		klog.V(1).Infof("new session: %v", err)
	}
	return s
}

func logError(w http.ResponseWriter, err error) {
	klog.Error(err)
	http.Error(w, fmt.Sprint(err), http.StatusInternalServerError)
}

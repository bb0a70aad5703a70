package web

import (
	"net/http"

	"github.com/goji/httpauth"
	"github.com/gorilla/securecookie"
	"k8s.io/klog/v2"
)

const (
	cookieName  = "capsnet-auth"
	cookieValue = "authenticated"
)

// AuthFunc checks a user name and password
type AuthFunc func(user, pass string, r *http.Request) bool

type AuthMiddleware struct {
	sc   *securecookie.SecureCookie
	opts httpauth.AuthOptions
}

// Setup new middleware for authenticating requests. If authFunc is nil then the system password
// check is used.
func NewAuthMiddleware(authFunc AuthFunc) AuthMiddleware {
	if authFunc == nil {
		authFunc = systemAuth
	}
	hashKey := securecookie.GenerateRandomKey(32)
	blockKey := securecookie.GenerateRandomKey(32)
	return AuthMiddleware{
		sc:   securecookie.New(hashKey, blockKey),
		opts: httpauth.AuthOptions{Realm: "Restricted", AuthFunc: authFunc},
	}
}

// If session cookie is not present then use basic auth to login and set a cookie.
func (mw AuthMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if cookie, err := r.Cookie(cookieName); err == nil {
			var value string
			if err = mw.sc.Decode(cookieName, cookie.Value, &value); err == nil && value == cookieValue {
				next.ServeHTTP(w, r)
				return
			}
		}
		httpauth.BasicAuth(mw.opts)(mw.setCookie(next)).ServeHTTP(w, r)
	})
}

func (mw AuthMiddleware) setCookie(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if encoded, err := mw.sc.Encode(cookieName, cookieValue); err == nil {
			cookie := &http.Cookie{Name: cookieName, Value: encoded, Path: "/", HttpOnly: true}
			http.SetCookie(w, cookie)
		} else {
			klog.Errorf("error encoding cookie: %v", err)
		}
		h.ServeHTTP(w, r)
	})
}

//go:build pam

package web

import (
	"errors"
	"net/http"

	"github.com/msteinert/pam"
	"k8s.io/klog/v2"
)

// check user and password against the system PAM configuration
func systemAuth(user, pass string, r *http.Request) bool {
	t, err := pam.StartFunc("", "", func(s pam.Style, msg string) (string, error) {
		switch s {
		case pam.PromptEchoOn:
			return user, nil
		case pam.PromptEchoOff:
			return pass, nil
		default:
			return "", errors.New("unexpected style")
		}
	})
	if err != nil {
		klog.Errorf("pam auth error: %v", err)
		return false
	}
	ok := t.Authenticate(0) == nil
	klog.Infof("auth %s %v", user, ok)
	return ok
}

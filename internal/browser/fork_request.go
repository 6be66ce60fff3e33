package browser

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/atotto/clipboard"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

const authorizePath = "/authorize"

// ForkRequestOptions describes a sign-in request to the companion web application.
type ForkRequestOptions struct {
	// AccountURL is the base URL of the web application.
	AccountURL string
	// AppVersion identifies the requesting client.
	AppVersion string
	// CallbackURL is where the web application posts the fork, normally the
	// /v0/session/fork route of the local control API.
	CallbackURL string
	// NoBrowser skips opening the browser and only copies the URL.
	NoBrowser bool
}

// ForkRequest is a started sign-in request.
type ForkRequest struct {
	URL   string
	State string
	// Delivery is "browser", "clipboard" or "manual".
	Delivery string
}

// clipboardWrite is swapped in tests.
var clipboardWrite = clipboard.WriteAll

// BuildForkURL returns the authorize URL for opts with the given state.
func BuildForkURL(opts ForkRequestOptions, state string) (string, error) {
	base, err := url.Parse(strings.TrimSpace(opts.AccountURL))
	if err != nil {
		return "", fmt.Errorf("browser: invalid account url: %w", err)
	}
	if (base.Scheme != "https" && base.Scheme != "http") || base.Host == "" {
		return "", fmt.Errorf("browser: account url must be absolute http(s): %q", opts.AccountURL)
	}
	base.Path = strings.TrimRight(base.Path, "/") + authorizePath

	q := base.Query()
	q.Set("app", opts.AppVersion)
	q.Set("state", state)
	if cb := strings.TrimSpace(opts.CallbackURL); cb != "" {
		q.Set("callback", cb)
	}
	base.RawQuery = q.Encode()
	return base.String(), nil
}

// RequestFork builds a sign-in URL with a fresh state and hands it to the user:
// opened in the browser, else copied to the clipboard, else only logged.
func RequestFork(opts ForkRequestOptions) (ForkRequest, error) {
	state := uuid.NewString()
	link, err := BuildForkURL(opts, state)
	if err != nil {
		return ForkRequest{}, err
	}
	req := ForkRequest{URL: link, State: state, Delivery: "manual"}

	if !opts.NoBrowser {
		errOpen := openFunc(link)
		if errOpen == nil {
			req.Delivery = "browser"
			return req, nil
		}
		log.WithError(errOpen).Warn("could not open browser for sign-in")
	}
	if errCopy := clipboardWrite(link); errCopy == nil {
		req.Delivery = "clipboard"
		log.Info("sign-in URL copied to clipboard")
	} else {
		log.WithError(errCopy).Debug("clipboard unavailable")
	}
	log.Infof("open this URL to sign in: %s", link)
	return req, nil
}

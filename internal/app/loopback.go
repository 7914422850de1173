package app

import (
	"net"
	"net/url"

	goerrors "github.com/goliatone/go-errors"
)

// listenerFor binds the host:port of a loopback redirect URL.
func listenerFor(redirectURL string) (net.Listener, error) {
	u, err := url.Parse(redirectURL)
	if err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryBadInput, "invalid redirect url")
	}

	host := u.Hostname()
	if ip := net.ParseIP(host); host != "localhost" && (ip == nil || !ip.IsLoopback()) {
		return nil, goerrors.New("redirect url must point to a loopback address", goerrors.CategoryBadInput).
			WithMetadata(map[string]any{"redirect_url": redirectURL})
	}

	ln, err := net.Listen("tcp", u.Host)
	if err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryExternal, "failed to listen for the oidc callback").
			WithMetadata(map[string]any{"addr": u.Host})
	}
	return ln, nil
}

func callbackPath(redirectURL string) string {
	u, err := url.Parse(redirectURL)
	if err != nil || u.Path == "" {
		return "/callback"
	}
	return u.Path
}

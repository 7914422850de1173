package oidc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// LoopbackSource receives the authorization callback on a local HTTP
// listener. Open is called with the URL the user must visit.
type LoopbackSource struct {
	Listener net.Listener
	Path     string
	Open     func(authURL string) error
	Timeout  time.Duration
}

type callbackResult struct {
	code string
	err  error
}

// Code serves one callback on the listener and closes it.
func (s *LoopbackSource) Code(ctx context.Context, authURL, state string) (string, error) {
	if s.Listener == nil {
		return "", errors.New("loopback listener is nil")
	}

	path := s.Path
	if path == "" {
		path = "/callback"
	}

	results := make(chan callbackResult, 1)
	mux := http.NewServeMux()
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		var res callbackResult
		switch {
		case q.Get("error") == "access_denied":
			res.err = ErrCancelled
		case q.Get("error") != "":
			res.err = fmt.Errorf("authorization failed: %s", q.Get("error"))
		case q.Get("state") != state:
			res.err = ErrStateMismatch
		case q.Get("code") == "":
			res.err = errors.New("authorization callback has no code")
		default:
			res.code = q.Get("code")
		}

		if res.err != nil {
			http.Error(w, "sign-in failed, you can close this window", http.StatusBadRequest)
		} else {
			fmt.Fprintln(w, "sign-in complete, you can close this window")
		}

		select {
		case results <- res:
		default:
		}
	})

	server := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() { _ = server.Serve(s.Listener) }()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	if s.Open != nil {
		if err := s.Open(authURL); err != nil {
			return "", err
		}
	}

	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}

	select {
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.Canceled) {
			return "", ErrCancelled
		}
		return "", ctx.Err()
	case res := <-results:
		return res.code, res.err
	}
}

// Package proxy implements the builder HTTP proxy helper: a local
// forwarding proxy that the build payload talks to, with the real
// upstream proxy credentials kept on the host side, plus the token
// revocation call made when the payload completes.
package proxy

import (
	"context"
	"log"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/elazarl/goproxy"
	"github.com/google/uuid"
	"golang.org/x/xerrors"
)

// revokeTimeout bounds the token revocation request; a failure to revoke
// is logged but never fatal to the build.
const revokeTimeout = 15 * time.Second

// Session is one build's local proxy: it listens on a localhost port and
// forwards both plain HTTP and CONNECT requests to the upstream proxy,
// attaching the upstream's basic-auth credentials so they never appear
// inside the build environment.
type Session struct {
	// ID names the session in log lines; it has no protocol meaning.
	ID string

	upstream *url.URL
	listener net.Listener
	server   *http.Server
	logger   *log.Logger
}

// Start launches a local forwarding proxy for upstreamURL, which may
// carry userinfo credentials. The returned session is already serving.
func Start(upstreamURL string, logger *log.Logger) (*Session, error) {
	upstream, err := url.Parse(upstreamURL)
	if err != nil {
		return nil, xerrors.Errorf("proxy: parsing upstream URL: %w", err)
	}

	prx := goproxy.NewProxyHttpServer()
	prx.Tr = &http.Transport{
		Proxy: func(*http.Request) (*url.URL, error) { return upstream, nil },
	}
	auth := proxyAuthorization(upstream)
	prx.ConnectDial = prx.NewConnectDialToProxyWithHandler(upstreamURL, func(req *http.Request) {
		if auth != "" {
			req.Header.Set("Proxy-Authorization", auth)
		}
	})
	prx.OnRequest().DoFunc(func(req *http.Request, ctx *goproxy.ProxyCtx) (*http.Request, *http.Response) {
		if auth != "" {
			req.Header.Set("Proxy-Authorization", auth)
		}
		return req, nil
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, xerrors.Errorf("proxy: listen: %w", err)
	}

	s := &Session{
		ID:       uuid.New().String(),
		upstream: upstream,
		listener: ln,
		server:   &http.Server{Handler: prx},
		logger:   logger,
	}
	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			if logger != nil {
				logger.Printf("proxy %s: %v", s.ID, err)
			}
		}
	}()
	if logger != nil {
		logger.Printf("proxy %s: forwarding localhost:%d to %s", s.ID, s.Port(), upstream.Host)
	}
	return s, nil
}

// Port returns the local port the session is bound to.
func (s *Session) Port() int {
	return s.listener.Addr().(*net.TCPAddr).Port
}

// URL returns the proxy URL handed to the build payload.
func (s *Session) URL() string {
	return (&url.URL{Scheme: "http", Host: s.listener.Addr().String(), Path: "/"}).String()
}

// Stop shuts the session down. Safe to call more than once.
func (s *Session) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.server.Shutdown(ctx)
}

// proxyAuthorization builds the Proxy-Authorization header value for the
// upstream URL's userinfo, or "" if it carries none.
func proxyAuthorization(u *url.URL) string {
	if u.User == nil {
		return ""
	}
	password, _ := u.User.Password()
	// Reuse net/http's basic-auth encoding via a throwaway request.
	req, err := http.NewRequest(http.MethodGet, "http://localhost/", nil)
	if err != nil {
		return ""
	}
	req.SetBasicAuth(u.User.Username(), password)
	return req.Header.Get("Authorization")
}

// RevokeToken sends an authenticated DELETE to the revocation endpoint,
// using the upstream proxy URL's credentials. Failures are logged and
// swallowed: a token that outlives its build is an annoyance, not a
// build failure.
func RevokeToken(upstreamURL, endpoint string, logger *log.Logger) {
	if endpoint == "" {
		return
	}
	upstream, err := url.Parse(upstreamURL)
	if err != nil {
		if logger != nil {
			logger.Printf("proxy: revoke: parsing upstream URL: %v", err)
		}
		return
	}

	req, err := http.NewRequest(http.MethodDelete, endpoint, nil)
	if err != nil {
		if logger != nil {
			logger.Printf("proxy: revoke: %v", err)
		}
		return
	}
	if upstream.User != nil {
		password, _ := upstream.User.Password()
		req.SetBasicAuth(upstream.User.Username(), password)
	}

	client := &http.Client{Timeout: revokeTimeout}
	resp, err := client.Do(req)
	if err != nil {
		if logger != nil {
			logger.Printf("proxy: revoke %s: %v", endpoint, err)
		}
		return
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 && logger != nil {
		logger.Printf("proxy: revoke %s: unexpected status %s", endpoint, resp.Status)
	}
}

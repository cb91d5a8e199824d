// Package vunix builds HTTP clients that reach either a TCP address
// or a unix domain socket, depending on the form of the address.
package vunix

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/tv42/httpunix"
)

// location is the httpunix location name registered for socket addresses.
const location = "vsession"

// NewClient returns an HTTP client and the base URL to use with it.
//
// addr is either an http or https URL, used as is,
// or a unix socket given as "unix:/path/to.sock" or "unix:///path/to.sock".
// A zero timeout means no client-side timeout.
func NewClient(addr string, timeout time.Duration) (*http.Client, string, error) {
	u, err := url.Parse(addr)
	if err != nil {
		return nil, "", fmt.Errorf("failed to parse address %q: %w", addr, err)
	}

	switch u.Scheme {
	case "http", "https":
		return &http.Client{Timeout: timeout}, strings.TrimSuffix(addr, "/"), nil

	case "unix":
		path := u.Path
		if path == "" {
			path = u.Opaque
		}
		if path == "" {
			return nil, "", fmt.Errorf("missing socket path in %q", addr)
		}

		ut := &httpunix.Transport{
			DialTimeout:           time.Second,
			RequestTimeout:        timeout,
			ResponseHeaderTimeout: timeout,
		}
		ut.RegisterLocation(location, path)

		t := &http.Transport{}
		t.RegisterProtocol(httpunix.Scheme, ut)

		return &http.Client{Transport: t, Timeout: timeout}, httpunix.Scheme + "://" + location, nil

	default:
		return nil, "", fmt.Errorf("unsupported address scheme %q (want http, https, or unix)", u.Scheme)
	}
}

// SocketPath returns the socket path if addr is a unix address.
func SocketPath(addr string) (string, bool) {
	u, err := url.Parse(addr)
	if err != nil || u.Scheme != "unix" {
		return "", false
	}
	if u.Path != "" {
		return u.Path, true
	}
	return u.Opaque, u.Opaque != ""
}

// Listen listens on a TCP address such as "127.0.0.1:9119",
// or on a unix socket given as "unix:/path".
// A stale socket file at the path is removed first.
func Listen(addr string) (net.Listener, error) {
	if path, ok := SocketPath(addr); ok {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to remove stale socket: %w", err)
		}
		return net.Listen("unix", path)
	}
	return net.Listen("tcp", addr)
}

// ClientAddress returns the address a client uses to reach a listener
// created by [Listen] with the same addr.
func ClientAddress(addr string) string {
	if _, ok := SocketPath(addr); ok {
		return addr
	}
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return addr
	}
	return "http://" + addr
}

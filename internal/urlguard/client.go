package urlguard

import (
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"syscall"
	"time"
)

const maxRedirects = 5

// ClientOptions configures NewClient.
type ClientOptions struct {
	Timeout time.Duration
	// Blocked overrides the address policy used at connect time. Nil means
	// BlockedAddr.
	Blocked func(netip.Addr) bool
}

// NewClient returns an HTTP client that enforces the guard at the network
// layer: every connection's resolved address is checked right before
// connect, environment proxies are ignored, and each redirect target is
// classified again.
func NewClient(opts ClientOptions) *http.Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	blocked := opts.Blocked
	if blocked == nil {
		blocked = BlockedAddr
	}

	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
		Control:   controlFunc(blocked),
	}

	transport := &http.Transport{
		Proxy:                 nil,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          20,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ResponseHeaderTimeout: 10 * time.Second,
	}

	return &http.Client{
		Timeout:   opts.Timeout,
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return fmt.Errorf("stopped after %d redirects", maxRedirects)
			}
			if IsPrivate(req.URL.String()) {
				return ErrUnsafeTarget
			}
			return nil
		},
	}
}

// controlFunc runs after DNS resolution with the concrete address about to
// be connected, which is what defeats DNS rebinding.
func controlFunc(blocked func(netip.Addr) bool) func(network, address string, _ syscall.RawConn) error {
	return func(_, address string, _ syscall.RawConn) error {
		host, _, err := net.SplitHostPort(address)
		if err != nil {
			return ErrUnsafeTarget
		}
		addr, err := netip.ParseAddr(host)
		if err != nil {
			return ErrUnsafeTarget
		}
		if blocked(addr) {
			return ErrUnsafeTarget
		}
		return nil
	}
}

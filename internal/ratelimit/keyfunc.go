package ratelimit

import (
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// KeyFunc derives the limiter identity from a request.
type KeyFunc func(r *http.Request) string

// TrustedProxies is the set of peers allowed to speak for the client through
// X-Forwarded-For.
type TrustedProxies []netip.Prefix

// ParseTrustedProxies accepts CIDRs or bare addresses.
func ParseTrustedProxies(entries []string) (TrustedProxies, error) {
	var out TrustedProxies
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if strings.Contains(e, "/") {
			p, err := netip.ParsePrefix(e)
			if err != nil {
				return nil, fmt.Errorf("trusted proxy %q: %w", e, err)
			}
			out = append(out, p.Masked())
			continue
		}
		a, err := netip.ParseAddr(e)
		if err != nil {
			return nil, fmt.Errorf("trusted proxy %q: %w", e, err)
		}
		a = normalize(a)
		out = append(out, netip.PrefixFrom(a, a.BitLen()))
	}
	return out, nil
}

func (tp TrustedProxies) contains(a netip.Addr) bool {
	for _, p := range tp {
		if p.Contains(a) {
			return true
		}
	}
	return false
}

// ClientIP returns a KeyFunc keyed on the client address. X-Forwarded-For is
// read only when the direct peer is trusted; the chain is walked right to
// left and the first untrusted hop wins.
func ClientIP(trusted TrustedProxies) KeyFunc {
	return func(r *http.Request) string {
		peer, ok := parseHost(r.RemoteAddr)
		if !ok {
			if r.RemoteAddr == "" {
				return "unknown"
			}
			return r.RemoteAddr
		}
		if len(trusted) == 0 || !trusted.contains(peer) {
			return peer.String()
		}

		hops := strings.Split(strings.Join(r.Header.Values("X-Forwarded-For"), ","), ",")
		client := peer
		for i := len(hops) - 1; i >= 0; i-- {
			a, ok := parseHost(strings.TrimSpace(hops[i]))
			if !ok {
				break
			}
			client = a
			if !trusted.contains(a) {
				break
			}
		}
		return client.String()
	}
}

// parseHost accepts "ip", "ip:port" or "[ipv6]:port".
func parseHost(s string) (netip.Addr, bool) {
	if s == "" {
		return netip.Addr{}, false
	}
	if host, _, err := net.SplitHostPort(s); err == nil {
		s = host
	}
	a, err := netip.ParseAddr(strings.Trim(s, "[]"))
	if err != nil {
		return netip.Addr{}, false
	}
	return normalize(a), true
}

func normalize(a netip.Addr) netip.Addr {
	return a.Unmap().WithZone("")
}

// Package urlguard decides whether a URL is safe for the server to fetch.
//
// Classification is a pure function of the URL string and a static ordered
// rule list. It never resolves DNS; NewClient closes that gap by checking the
// resolved address again at connect time.
package urlguard

import (
	"errors"
	"net/netip"
	"net/url"
	"strconv"
	"strings"
)

// ErrUnsafeTarget is returned when a fetch is refused. It does
// not say which rule matched.
var ErrUnsafeTarget = errors.New("destination not allowed")

// Reason names the rule that decided a classification.
type Reason string

// Classification reasons.
const (
	ReasonOK               Reason = "ok"
	ReasonPrivateHost      Reason = "private-host"
	ReasonDisallowedScheme Reason = "disallowed-scheme"
	ReasonUnparsable       Reason = "unparsable"
)

// Classification is the verdict for one URL.
type Classification struct {
	Safe   bool
	Reason Reason
}

var blockedPrefixes = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("169.254.0.0/16"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("::/128"),
	netip.MustParsePrefix("::1/128"),
	netip.MustParsePrefix("fc00::/7"),
	netip.MustParsePrefix("fe80::/10"),
}

// target is a parsed candidate URL.
type target struct {
	scheme string
	host   string
}

// rule returns a non-empty Reason when it matches.
type rule func(t target) Reason

// rules are evaluated in order; the first match wins.
var rules = []rule{
	func(t target) Reason {
		if t.scheme != "http" && t.scheme != "https" {
			return ReasonDisallowedScheme
		}
		return ""
	},
	func(t target) Reason {
		if t.host == "" {
			return ReasonUnparsable
		}
		return ""
	},
	func(t target) Reason {
		if isLocalhostName(t.host) {
			return ReasonPrivateHost
		}
		return ""
	},
	func(t target) Reason {
		addr, ok := hostAddr(t.host)
		if ok && BlockedAddr(addr) {
			return ReasonPrivateHost
		}
		return ""
	},
}

// Classify evaluates raw against the rule list.
func Classify(raw string) Classification {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return Classification{Reason: ReasonUnparsable}
	}
	t := target{
		scheme: strings.ToLower(u.Scheme),
		host:   strings.ToLower(u.Hostname()),
	}
	for _, r := range rules {
		if reason := r(t); reason != "" {
			return Classification{Reason: reason}
		}
	}
	return Classification{Safe: true, Reason: ReasonOK}
}

// IsPrivate reports whether raw must not be fetched. Unparsable input is
// treated as private.
func IsPrivate(raw string) bool {
	return !Classify(raw).Safe
}

// BlockedAddr reports whether addr falls in a loopback, private, link-local,
// unique-local or unspecified range. IPv4-mapped IPv6 addresses are checked
// as IPv4.
func BlockedAddr(addr netip.Addr) bool {
	addr = addr.Unmap().WithZone("")
	for _, p := range blockedPrefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

func isLocalhostName(host string) bool {
	host = strings.TrimSuffix(host, ".")
	return host == "localhost" || strings.HasSuffix(host, ".localhost")
}

// hostAddr returns the address an IP-literal host names. Besides canonical
// forms it accepts the IPv4 spellings resolvers still honour: one to four
// dot-separated parts in decimal, octal (leading 0) or hex (0x), with an
// optional trailing dot, e.g. 2130706433, 0x7f000001, 127.1, 0177.0.0.1.
func hostAddr(host string) (netip.Addr, bool) {
	host = strings.TrimSuffix(host, ".")
	if addr, err := netip.ParseAddr(host); err == nil {
		return addr, true
	}
	return parseLegacyIPv4(host)
}

func parseLegacyIPv4(host string) (netip.Addr, bool) {
	parts := strings.Split(host, ".")
	if len(parts) == 0 || len(parts) > 4 {
		return netip.Addr{}, false
	}
	nums := make([]uint64, len(parts))
	for i, p := range parts {
		n, ok := parseIPv4Part(p)
		if !ok {
			return netip.Addr{}, false
		}
		nums[i] = n
	}

	// Leading parts are one byte each; the last part fills the rest.
	var v uint64
	for _, n := range nums[:len(nums)-1] {
		if n > 0xff {
			return netip.Addr{}, false
		}
		v = v<<8 | n
	}
	rest := uint(5-len(nums)) * 8
	last := nums[len(nums)-1]
	if last >= 1<<rest {
		return netip.Addr{}, false
	}
	v = v<<rest | last

	return netip.AddrFrom4([4]byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}), true
}

func parseIPv4Part(p string) (uint64, bool) {
	if p == "" {
		return 0, false
	}
	base := 10
	switch {
	case len(p) >= 2 && (p[:2] == "0x" || p[:2] == "0X"):
		p = p[2:]
		base = 16
		if p == "" {
			return 0, true
		}
	case len(p) > 1 && p[0] == '0':
		p = p[1:]
		base = 8
	}
	n, err := strconv.ParseUint(p, base, 32)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Package safe holds the input guards shared by the scraper: outbound URL
// checks against private networks, identifier checks for names that become
// file names, and bounded reads.
package safe

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"net/url"
	"strings"
)

// MaxIdentifierLen bounds recipe names and job ids.
const MaxIdentifierLen = 128

var (
	// ErrSSRF is returned when a URL targets a private or loopback address.
	ErrSSRF = errors.New("safe: url targets a private or loopback address")

	// ErrUnsafeScheme is returned for anything but http and https.
	ErrUnsafeScheme = errors.New("safe: only http and https urls are allowed")

	// ErrInvalidIdentifier is returned by ValidateIdentifier.
	ErrInvalidIdentifier = errors.New("safe: invalid identifier")

	// ErrTooLarge is returned by LimitedReadAll when the limit is exceeded.
	ErrTooLarge = errors.New("safe: body too large")
)

var privateNets = []netip.Prefix{
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("100.64.0.0/10"),
	netip.MustParsePrefix("fc00::/7"),
}

// lookupHost is swapped in tests.
var lookupHost = net.LookupHost

// ValidateURL checks that rawURL is http(s) with a host that is not, and
// does not resolve to, a private, loopback or link-local address.
// Unresolvable hosts pass; the fetch fails on its own.
func ValidateURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("safe: invalid url: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return ErrUnsafeScheme
	}
	host := u.Hostname()
	if host == "" {
		return errors.New("safe: url has no host")
	}
	if strings.EqualFold(host, "localhost") {
		return ErrSSRF
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		if isPrivate(addr) {
			return ErrSSRF
		}
		return nil
	}
	addrs, err := lookupHost(host)
	if err != nil {
		return nil
	}
	for _, a := range addrs {
		if addr, err := netip.ParseAddr(a); err == nil && isPrivate(addr) {
			return fmt.Errorf("%w: %s resolves to %s", ErrSSRF, host, a)
		}
	}
	return nil
}

// ValidateIdentifier accepts 1 to MaxIdentifierLen characters from
// [A-Za-z0-9_.-] and rejects "." and "..".
func ValidateIdentifier(s string) error {
	if s == "" || len(s) > MaxIdentifierLen {
		return fmt.Errorf("%w: length %d", ErrInvalidIdentifier, len(s))
	}
	if s == "." || s == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidIdentifier, s)
	}
	for _, r := range s {
		if !isIdentChar(r) {
			return fmt.Errorf("%w: character %q", ErrInvalidIdentifier, r)
		}
	}
	return nil
}

// LimitedReadAll reads at most maxBytes from r.
func LimitedReadAll(r io.Reader, maxBytes int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > maxBytes {
		return nil, fmt.Errorf("%w: over %d bytes", ErrTooLarge, maxBytes)
	}
	return data, nil
}

func isIdentChar(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
		(r >= '0' && r <= '9') || r == '_' || r == '-' || r == '.'
}

func isPrivate(addr netip.Addr) bool {
	addr = addr.Unmap()
	if addr.IsLoopback() || addr.IsLinkLocalUnicast() || addr.IsLinkLocalMulticast() ||
		addr.IsUnspecified() {
		return true
	}
	for _, p := range privateNets {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

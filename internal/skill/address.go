package skill

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"syscall"
	"time"
)

// Resolver looks up the addresses of a host. *net.Resolver satisfies it.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// ValidateRemoteURL accepts only https endpoints whose host resolves
// entirely to public addresses. IPv4-mapped IPv6 forms are checked as IPv4.
func ValidateRemoteURL(ctx context.Context, raw string, resolver Resolver) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid skill endpoint: %w", err)
	}
	if u.Scheme != "https" {
		return nil, fmt.Errorf("skill endpoint %s must use https", raw)
	}
	host := u.Hostname()
	if host == "" {
		return nil, fmt.Errorf("skill endpoint %s has no host", raw)
	}
	if strings.EqualFold(host, "localhost") || strings.HasSuffix(strings.ToLower(host), ".localhost") {
		return nil, fmt.Errorf("skill endpoint %s points at loopback", raw)
	}

	var addrs []netip.Addr
	if a, err := netip.ParseAddr(host); err == nil {
		addrs = []netip.Addr{a}
	} else {
		if resolver == nil {
			resolver = net.DefaultResolver
		}
		addrs, err = resolver.LookupNetIP(ctx, "ip", host)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve skill endpoint %s: %w", host, err)
		}
		if len(addrs) == 0 {
			return nil, fmt.Errorf("skill endpoint %s resolved to no addresses", host)
		}
	}
	for _, a := range addrs {
		if reason := blockedReason(a); reason != "" {
			return nil, fmt.Errorf("skill endpoint %s resolves to %s address %s", raw, reason, a)
		}
	}
	return u, nil
}

func blockedReason(a netip.Addr) string {
	a = a.Unmap()
	switch {
	case a.IsLoopback():
		return "loopback"
	case a.IsPrivate():
		return "private"
	case a.IsLinkLocalUnicast(), a.IsLinkLocalMulticast():
		return "link-local"
	case a.IsUnspecified():
		return "unspecified"
	}
	return ""
}

// guardedHTTPClient refuses connections to blocked addresses at dial time,
// after resolution, so a host that re-resolves to a private address
// between validation and connect is still rejected.
func guardedHTTPClient() *http.Client {
	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
		Control:   dialControl,
	}
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.Proxy = nil
	tr.DialContext = dialer.DialContext
	return &http.Client{Transport: tr}
}

func dialControl(network, address string, _ syscall.RawConn) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return err
	}
	a, err := netip.ParseAddr(host)
	if err != nil {
		return fmt.Errorf("dial %s: %w", address, err)
	}
	if reason := blockedReason(a); reason != "" {
		return fmt.Errorf("refusing to dial %s address %s", reason, a)
	}
	return nil
}

// Package netpolicy implements the outbound-network guardrails shared by
// every upstream connector: private-range/localhost/IPv6 blocking with DNS
// rebinding defense, and a per-key rate limiter.
package netpolicy

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"
)

// Result is the outcome of validating a URL for outbound use.
type Result struct {
	Valid      bool
	Message    string
	ResolvedIP string
}

// Resolver resolves hostnames to IP addresses. net.DefaultResolver satisfies
// this in production; tests supply a stub.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// Policy validates outbound URLs and enforces a request-rate ceiling.
type Policy struct {
	resolver Resolver
	limiter  *limiter
}

// Option configures a Policy.
type Option func(*Policy)

// WithResolver overrides the DNS resolver used by ValidateURL. Defaults to
// net.DefaultResolver.
func WithResolver(r Resolver) Option {
	return func(p *Policy) { p.resolver = r }
}

// WithRateLimit overrides the default fixed-window rate limit: limit
// requests per window.
func WithRateLimit(limit int, window time.Duration) Option {
	return func(p *Policy) { p.limiter = newLimiter(limit, window) }
}

// New constructs a Policy with sensible defaults: system DNS resolution and
// a 30-requests-per-60-seconds fixed window rate limiter.
func New(opts ...Option) *Policy {
	p := &Policy{
		resolver: net.DefaultResolver,
		limiter:  newLimiter(30, defaultWindow),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// ValidateURL parses rawURL, rejects it outright if the hostname is a
// literal private/loopback/link-local address (or "localhost"), and
// otherwise resolves every address for the hostname and rejects if any
// resolved address is private. DNS failure is treated as unsafe: it is
// never silently ignored. On success, the first non-blocked resolved
// address is returned so the caller can pin outbound connections to it.
func (p *Policy) ValidateURL(ctx context.Context, rawURL string) (Result, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return Result{Valid: false, Message: fmt.Sprintf("invalid URL: %v", err)}, nil
	}
	host := u.Hostname()
	if host == "" {
		return Result{Valid: false, Message: "URL has no hostname"}, nil
	}

	if ip := net.ParseIP(host); ip != nil {
		if isBlockedIP(ip) {
			return Result{Valid: false, Message: "private network"}, nil
		}
		return Result{Valid: true, ResolvedIP: ip.String()}, nil
	}

	if strings.EqualFold(host, "localhost") {
		return Result{Valid: false, Message: "private network"}, nil
	}

	addrs, err := p.resolver.LookupIPAddr(ctx, host)
	if err != nil {
		// DNS failure is mandatory-reject, never a fall-through.
		return Result{Valid: false, Message: fmt.Sprintf("dns resolution failed: %v", err)}, nil
	}
	if len(addrs) == 0 {
		return Result{Valid: false, Message: "dns resolution returned no addresses"}, nil
	}
	for _, addr := range addrs {
		if isBlockedIP(addr.IP) {
			return Result{Valid: false, Message: "private network"}, nil
		}
	}
	return Result{Valid: true, ResolvedIP: addrs[0].IP.String()}, nil
}

// blockedCIDRs enumerates the private/loopback/link-local ranges rejected by
// ValidateURL, for both IPv4 and IPv6.
var blockedCIDRs = mustParseCIDRs(
	"127.0.0.0/8",
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"169.254.0.0/16",
	"0.0.0.0/32",
	"::1/128",
	"fc00::/7",
	"fe80::/10",
)

func isBlockedIP(ip net.IP) bool {
	if ip == nil {
		return true
	}
	// Normalize IPv4-mapped IPv6 addresses (::ffff:a.b.c.d) to their IPv4 form
	// so the blocklist catches rebinding attempts that hide behind the
	// mapped-address prefix.
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}
	for _, cidr := range blockedCIDRs {
		if cidr.Contains(ip) {
			return true
		}
	}
	return false
}

func mustParseCIDRs(cidrs ...string) []*net.IPNet {
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			panic(fmt.Sprintf("netpolicy: invalid blocklist CIDR %q: %v", c, err))
		}
		nets = append(nets, n)
	}
	return nets
}

// Package resolver implements the DNS client wrapper (spec §4.5): a thin
// typed interface over A, AAAA, MX, PTR, and TXT lookups, returning a
// slice of prioritized addresses ([]IPEntry) plus a small result-code
// alphabet.
//
// It is built directly on github.com/miekg/dns (present in the retrieval
// pack via HouzuoGuo/laitos's own DNS tooling) rather than net.Resolver,
// so the implicit-MX and null-MX cases of spec §4.5/§4.6 can be
// distinguished from each other and from a plain NXDOMAIN, which the
// standard library's *net.DNSError does not expose cleanly. The
// Nxdomain/Temp/Perm/Mem classification follows the same shape as the
// teacher's internal/sts DNS-error handling (temporary vs. permanent
// resolution failure for MTA-STS policy fetch), generalized here to a
// named Code type shared by every lookup.
package resolver

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/miekg/dns"
)

// Code is the small result alphabet every lookup maps its outcome onto.
type Code int

const (
	OK Code = iota
	Nxdomain
	Temp
	Perm
	Mem
)

// Error wraps a lookup failure with its Code.
type Error struct {
	Code Code
	Err  error
}

func (e *Error) Error() string { return fmt.Sprintf("resolver: %v", e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// IPEntry is one entry of a prioritized address list (spec's "IP list").
type IPEntry struct {
	// Priority: MX priority as published, or a synthetic value:
	//   65536 = synthetic A-only (RFC 5321 implicit MX)
	//   65537 = already tried (outbound client bookkeeping)
	//   65538 = currently active (outbound client bookkeeping)
	Priority uint32
	Host     string // MX target name; empty for bare A/AAAA results.
	Addr     [16]byte
	IsV6     bool
}

// NullMX reports whether this entry is the RFC 7505 "null MX" (a single
// "0 ." record, meaning the domain explicitly refuses mail).
func (e IPEntry) NullMX() bool {
	return e.Priority == 0 && e.Host == "."
}

// Client is a DNS client wrapper. The zero value is usable and talks to
// the resolvers in /etc/resolv.conf.
type Client struct {
	// Servers to query, "host:port". If empty, /etc/resolv.conf is used.
	Servers []string
	Timeout time.Duration

	dnsClient *dns.Client
}

// New returns a Client with sane defaults (spec §5: bounded by the
// session's configured timeout, default here is conservative since DNS
// lookups are sub-operations of a single SMTP command).
func New(servers []string) *Client {
	return &Client{
		Servers:   servers,
		Timeout:   10 * time.Second,
		dnsClient: &dns.Client{},
	}
}

func (c *Client) servers() ([]string, error) {
	if len(c.Servers) > 0 {
		return c.Servers, nil
	}
	cfg, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil || cfg == nil || len(cfg.Servers) == 0 {
		return nil, &Error{Temp, fmt.Errorf("no resolvers configured: %v", err)}
	}
	out := make([]string, len(cfg.Servers))
	for i, s := range cfg.Servers {
		out[i] = s + ":" + cfg.Port
	}
	return out, nil
}

func (c *Client) exchange(ctx context.Context, m *dns.Msg) (*dns.Msg, error) {
	servers, err := c.servers()
	if err != nil {
		return nil, err
	}

	cl := c.dnsClient
	if cl == nil {
		cl = &dns.Client{}
	}
	if cl.Timeout == 0 {
		cl.Timeout = c.Timeout
	}

	var lastErr error
	for _, srv := range servers {
		in, _, err := cl.ExchangeContext(ctx, m, srv)
		if err != nil {
			lastErr = err
			continue
		}
		switch in.Rcode {
		case dns.RcodeSuccess:
			return in, nil
		case dns.RcodeNameError:
			return in, &Error{Nxdomain, fmt.Errorf("NXDOMAIN")}
		case dns.RcodeServerFailure:
			lastErr = fmt.Errorf("SERVFAIL")
			continue
		default:
			return in, &Error{Perm, fmt.Errorf("rcode %d", in.Rcode)}
		}
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("all resolvers failed")
	}
	return nil, &Error{Temp, lastErr}
}

func fqdn(name string) string { return dns.Fqdn(name) }

// LookupMX returns the MX records for name, sorted ascending by priority
// (stable; within a priority, IPv6 precedes IPv4, per spec §4.5). If the
// domain has no MX records at all (NOERROR with an empty answer, not
// NXDOMAIN), the A/AAAA records are returned instead with synthetic
// priority 65536 (implicit MX, RFC 5321 §5.1). A single "0 ." record is
// returned as-is (NullMX()==true) and is NOT expanded into A lookups.
func (c *Client) LookupMX(ctx context.Context, name string) ([]IPEntry, Code, error) {
	m := new(dns.Msg)
	m.SetQuestion(fqdn(name), dns.TypeMX)
	in, err := c.exchange(ctx, m)
	if err != nil {
		if rerr, ok := err.(*Error); ok {
			return nil, rerr.Code, err
		}
		return nil, Temp, err
	}

	type mxrec struct {
		pref uint16
		host string
	}
	var recs []mxrec
	for _, rr := range in.Answer {
		if mx, ok := rr.(*dns.MX); ok {
			recs = append(recs, mxrec{mx.Preference, strings.ToLower(mx.Mx)})
		}
	}

	if len(recs) == 0 {
		// No MX: RFC 5321 implicit-MX fallback to A/AAAA.
		entries, code, err := c.lookupAddrs(ctx, name, 65536)
		return entries, code, err
	}

	if len(recs) == 1 && recs[0].host == "." {
		return []IPEntry{{Priority: uint32(recs[0].pref), Host: "."}}, OK, nil
	}

	sort.SliceStable(recs, func(i, j int) bool { return recs[i].pref < recs[j].pref })

	var out []IPEntry
	for _, r := range recs {
		addrs, _, err := c.lookupAddrs(ctx, r.host, uint32(r.pref))
		if err != nil {
			continue // individual MX target resolution failure is not fatal.
		}
		out = append(out, addrs...)
	}
	// Stable-sort again on the full set: within a priority, v6 before v4.
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].IsV6 && !out[j].IsV6
	})
	return out, OK, nil
}

// lookupAddrs fetches both A and AAAA records for name, tagging them all
// with the given priority.
func (c *Client) lookupAddrs(ctx context.Context, name string, priority uint32) ([]IPEntry, Code, error) {
	var out []IPEntry

	if v6, _, err := c.lookupRR(ctx, name, dns.TypeAAAA); err == nil {
		for _, rr := range v6 {
			if a, ok := rr.(*dns.AAAA); ok {
				var b [16]byte
				copy(b[:], a.AAAA.To16())
				out = append(out, IPEntry{Priority: priority, Host: name, Addr: b, IsV6: true})
			}
		}
	}

	v4, code, err := c.lookupRR(ctx, name, dns.TypeA)
	if err != nil && len(out) == 0 {
		return nil, code, err
	}
	for _, rr := range v4 {
		if a, ok := rr.(*dns.A); ok {
			var b [16]byte
			copy(b[12:], a.A.To4())
			out = append(out, IPEntry{Priority: priority, Host: name, Addr: b})
		}
	}

	if len(out) == 0 {
		return nil, Nxdomain, &Error{Nxdomain, fmt.Errorf("no addresses for %s", name)}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].IsV6 && !out[j].IsV6 })
	return out, OK, nil
}

func (c *Client) lookupRR(ctx context.Context, name string, qtype uint16) ([]dns.RR, Code, error) {
	m := new(dns.Msg)
	m.SetQuestion(fqdn(name), qtype)
	in, err := c.exchange(ctx, m)
	if err != nil {
		if rerr, ok := err.(*Error); ok {
			return nil, rerr.Code, err
		}
		return nil, Temp, err
	}
	return in.Answer, OK, nil
}

// LookupTXT returns the TXT record strings for name (each multi-string
// TXT record is joined into one string, as SPF requires).
func (c *Client) LookupTXT(ctx context.Context, name string) ([]string, Code, error) {
	rrs, code, err := c.lookupRR(ctx, name, dns.TypeTXT)
	if err != nil {
		return nil, code, err
	}
	var out []string
	for _, rr := range rrs {
		if txt, ok := rr.(*dns.TXT); ok {
			out = append(out, strings.Join(txt.Txt, ""))
		}
	}
	return out, OK, nil
}

// LookupPTR returns the reverse-DNS names for an IP's in-addr.arpa (or
// ip6.arpa) query.
func (c *Client) LookupPTR(ctx context.Context, ip string) ([]string, Code, error) {
	rev, err := dns.ReverseAddr(ip)
	if err != nil {
		return nil, Perm, &Error{Perm, err}
	}
	m := new(dns.Msg)
	m.SetQuestion(rev, dns.TypePTR)
	in, err := c.exchange(ctx, m)
	if err != nil {
		if rerr, ok := err.(*Error); ok {
			return nil, rerr.Code, err
		}
		return nil, Temp, err
	}
	var out []string
	for _, rr := range in.Answer {
		if ptr, ok := rr.(*dns.PTR); ok {
			out = append(out, strings.TrimSuffix(ptr.Ptr, "."))
		}
	}
	return out, OK, nil
}

// LookupA returns plain A/AAAA records for name with synthetic priority 0
// (used by filters that just need "does this resolve", e.g. fromdomain).
func (c *Client) LookupA(ctx context.Context, name string) ([]IPEntry, Code, error) {
	return c.lookupAddrs(ctx, name, 0)
}

package filter

import (
	"context"
	"net/netip"
	"strconv"

	"github.com/qsmtpd/qsmtpd/internal/resolver"
)

const (
	fromDomainNoMX       = 1 << 0
	fromDomainLoopbackMX = 1 << 1
	fromDomainPrivateMX  = 1 << 2
)

// FromDomain implements the bitmask-configurable sender-domain sanity
// check of spec §4.7: bit 1 rejects a sender domain with no MX/A record
// at all; bit 2 rejects when every resolved MX points at a loopback
// address; bit 4 rejects when every resolved MX is confined to RFC 1918 /
// link-local / documentation address space.
func FromDomain(ctx context.Context, fc *Context) Verdict {
	val, scope, ok := fc.Config.Lookup("fromdomain", fc.Recipient)
	if !ok || val == "" {
		return pass()
	}
	mask, err := strconv.Atoi(val)
	if err != nil || mask == 0 {
		return pass()
	}
	if fc.MailFrom == "" {
		return pass()
	}

	_, domain := splitAddr(fc.MailFrom)
	if domain == "" {
		return pass()
	}

	entries, code, err := fc.DNS.LookupMX(ctx, domain)
	if err != nil && code == resolver.Nxdomain {
		if mask&fromDomainNoMX != 0 {
			return deny(DeniedMessage, scope, "sender domain has no MX record")
		}
		return pass()
	}
	if err != nil {
		return Verdict{Result: DeniedTemp, Scope: scope, Message: "temporary DNS failure resolving sender domain"}
	}
	if len(entries) == 0 {
		if mask&fromDomainNoMX != 0 {
			return deny(DeniedMessage, scope, "sender domain has no MX record")
		}
		return pass()
	}

	if mask&fromDomainLoopbackMX != 0 && allMatch(entries, isLoopback) {
		return deny(DeniedMessage, scope, "sender domain MX points to loopback")
	}
	if mask&fromDomainPrivateMX != 0 && allMatch(entries, isPrivateOrLinkLocal) {
		return deny(DeniedMessage, scope, "sender domain MX is not publicly routable")
	}
	return pass()
}

func allMatch(entries []resolver.IPEntry, f func(netip.Addr) bool) bool {
	if len(entries) == 0 {
		return false
	}
	for _, e := range entries {
		if !f(entryAddr(e)) {
			return false
		}
	}
	return true
}

func entryAddr(e resolver.IPEntry) netip.Addr {
	if e.IsV6 {
		return netip.AddrFrom16(e.Addr)
	}
	var b [4]byte
	copy(b[:], e.Addr[12:])
	return netip.AddrFrom4(b)
}

func isLoopback(a netip.Addr) bool { return a.IsLoopback() }

func isPrivateOrLinkLocal(a netip.Addr) bool {
	return a.IsPrivate() || a.IsLinkLocalUnicast() || isDocumentation(a)
}

func isDocumentation(a netip.Addr) bool {
	if !a.Is4() {
		return false
	}
	b := a.As4()
	switch {
	case b[0] == 192 && b[1] == 0 && b[2] == 2: // TEST-NET-1
		return true
	case b[0] == 198 && b[1] == 51 && b[2] == 100: // TEST-NET-2
		return true
	case b[0] == 203 && b[1] == 0 && b[2] == 113: // TEST-NET-3
		return true
	}
	return false
}

package filter

import (
	"context"
	"net/netip"
)

// CIDRList is the packed-CIDR surface ipbl/ipwl consult (internal/ctlfile
// backs the real implementation; tests supply a slice directly).
type CIDRList interface {
	Contains(ip netip.Addr) bool
}

// IPConfig extends Config with the two loaded CIDR lists for this
// recipient's scope; qsmtpd's real Config implementation loads
// ipbl/ipwl/ipblv6/ipwlv6 once per session and satisfies this too.
type IPConfig interface {
	Config
	IPBlacklist(recipient string) (CIDRList, Scope)
	IPWhitelist(recipient string) (CIDRList, Scope)
}

// IPWhitelistFilter whitelists the peer IP, preempting all later filters
// (spec §7: "Whitelisting preempts all further filter evaluation").
func IPWhitelistFilter(_ context.Context, fc *Context) Verdict {
	ic, ok := fc.Config.(IPConfig)
	if !ok {
		return pass()
	}
	list, scope := ic.IPWhitelist(fc.Recipient)
	if list == nil {
		return pass()
	}
	if list.Contains(fc.PeerIP) {
		return Verdict{Result: Whitelisted, Scope: scope}
	}
	return pass()
}

// IPBlacklistFilter rejects the peer IP if it matches the ipbl/ipblv6
// packed CIDR list.
func IPBlacklistFilter(_ context.Context, fc *Context) Verdict {
	ic, ok := fc.Config.(IPConfig)
	if !ok {
		return pass()
	}
	list, scope := ic.IPBlacklist(fc.Recipient)
	if list == nil {
		return pass()
	}
	if list.Contains(fc.PeerIP) {
		return deny(DeniedMessage, scope, "connections from your network are not accepted")
	}
	return pass()
}

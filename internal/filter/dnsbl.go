package filter

import (
	"context"
	"fmt"
	"net/netip"
	"strings"

	"github.com/qsmtpd/qsmtpd/internal/resolver"
)

// reverseIPLabels renders ip in DNSBL query order: reversed octets (IPv4)
// or reversed nibbles (IPv6), e.g. "1.2.3.4" -> "4.3.2.1".
func reverseIPLabels(ip netip.Addr) string {
	if ip.Is4() {
		b := ip.As4()
		return fmt.Sprintf("%d.%d.%d.%d", b[3], b[2], b[1], b[0])
	}
	b := ip.As16()
	var labels []string
	for i := len(b) - 1; i >= 0; i-- {
		labels = append(labels, fmt.Sprintf("%x", b[i]&0xf), fmt.Sprintf("%x", b[i]>>4))
	}
	return strings.Join(labels, ".")
}

// DNSBL implements the DNSBL filter of spec §4.7: query each zone in the
// rblv list with the reversed peer IP prepended; any A match rejects
// (optionally enriched with a TXT explanation); if at least one zone
// timed out and none matched, the result is a temp-fail rather than a
// pass, since an authoritative "not listed" couldn't be established.
func DNSBL(ctx context.Context, fc *Context) Verdict {
	zones, scope := fc.Config.LookupList("rblv", fc.Recipient)
	if len(zones) == 0 {
		return pass()
	}

	reversed := reverseIPLabels(fc.PeerIP)
	sawTempFail := false

	for _, zone := range zones {
		query := reversed + "." + zone
		_, code, err := fc.DNS.LookupA(ctx, query)
		if err != nil {
			if code == resolver.Nxdomain {
				continue // not listed in this zone.
			}
			sawTempFail = true
			continue
		}

		reason := ""
		if txts, _, err := fc.DNS.LookupTXT(ctx, query); err == nil && len(txts) > 0 {
			reason = txts[0]
		}
		msg := fmt.Sprintf("listed in %s", zone)
		if reason != "" {
			msg = reason
		}
		return deny(DeniedMessage, scope, "%s", msg)
	}

	if sawTempFail {
		return Verdict{Result: DeniedTemp, Scope: scope,
			Message: "temporary failure checking DNS blacklists"}
	}
	return pass()
}

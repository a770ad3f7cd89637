// Package tlsconst contains TLS constants for human consumption, used when
// logging STARTTLS handshakes on both the inbound server and the outbound
// client.
package tlsconst

import (
	"crypto/tls"
	"fmt"
)

var versionName = map[uint16]string{
	0x0300:           "SSL-3.0",
	tls.VersionTLS10: "TLS-1.0",
	tls.VersionTLS11: "TLS-1.1",
	tls.VersionTLS12: "TLS-1.2",
	tls.VersionTLS13: "TLS-1.3",
}

// VersionName returns a human-readable TLS version name.
func VersionName(v uint16) string {
	if name, ok := versionName[v]; ok {
		return name
	}
	return fmt.Sprintf("TLS-%#04x", v)
}

// CipherSuiteName returns a human-readable TLS cipher suite name, using the
// standard library's IANA cipher suite table.
func CipherSuiteName(s uint16) string {
	// tls.CipherSuiteName never returns "" (unknown IDs come back as a bare
	// hex fallback), so unknown suites are detected against the known list.
	for _, cs := range append(tls.CipherSuites(), tls.InsecureCipherSuites()...) {
		if cs.ID == s {
			return tls.CipherSuiteName(s)
		}
	}
	return fmt.Sprintf("TLS_UNKNOWN_CIPHER_SUITE-%#04x", s)
}

// CipherSuitesByName resolves a list of IANA cipher suite names (as
// accepted by CipherSuiteName/tls.CipherSuiteName, e.g.
// "TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256") into their numeric IDs, for
// building a restricted tls.Config.CipherSuites list from a config file.
func CipherSuitesByName(names []string) ([]uint16, error) {
	all := append(tls.CipherSuites(), tls.InsecureCipherSuites()...)
	byName := make(map[string]uint16, len(all))
	for _, s := range all {
		byName[s.Name] = s.ID
	}

	ids := make([]uint16, 0, len(names))
	for _, n := range names {
		id, ok := byName[n]
		if !ok {
			return nil, fmt.Errorf("tlsconst: unknown cipher suite %q", n)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

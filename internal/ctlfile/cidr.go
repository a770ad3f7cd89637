package ctlfile

import (
	"fmt"
	"net/netip"
)

// CIDREntry is one decoded record of a packed CIDR file.
type CIDREntry struct {
	Prefix netip.Prefix
}

// ErrMalformedCIDRFile is returned (and logged) when a packed CIDR file
// has a record with an out-of-range prefix length; per spec §4.2 this
// makes the *whole file* malformed, unlike list files where individual
// bad entries are merely skipped.
var ErrMalformedCIDRFile = fmt.Errorf("ctlfile: malformed CIDR file")

// LoadCIDR4 reads a packed IPv4 CIDR file: repeated 5-byte records of a
// 4-byte address followed by a 1-byte prefix length in [8, 32].
func LoadCIDR4(path string) ([]CIDREntry, error) {
	return loadCIDR(path, 4, 8, 32)
}

// LoadCIDR6 reads a packed IPv6 CIDR file: repeated 17-byte records of a
// 16-byte address followed by a 1-byte prefix length in [8, 128].
func LoadCIDR6(path string) ([]CIDREntry, error) {
	return loadCIDR(path, 16, 8, 128)
}

func loadCIDR(path string, addrLen, minPrefix, maxPrefix int) ([]CIDREntry, error) {
	f, err := openLocked(path)
	if err != nil {
		return nil, nil // "not present" is not an error for filters.
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}

	recLen := addrLen + 1
	if info.Size()%int64(recLen) != 0 {
		return nil, ErrMalformedCIDRFile
	}

	buf := make([]byte, info.Size())
	if _, err := f.ReadAt(buf, 0); err != nil {
		return nil, err
	}

	var out []CIDREntry
	for off := 0; off < len(buf); off += recLen {
		addrBytes := buf[off : off+addrLen]
		prefixLen := int(buf[off+addrLen])

		if prefixLen < minPrefix || prefixLen > maxPrefix {
			return nil, ErrMalformedCIDRFile
		}

		var addr netip.Addr
		if addrLen == 4 {
			addr = netip.AddrFrom4([4]byte(addrBytes))
		} else {
			addr = netip.AddrFrom16([16]byte(addrBytes))
		}

		prefix := netip.PrefixFrom(addr, prefixLen)
		out = append(out, CIDREntry{Prefix: prefix.Masked()})
	}
	return out, nil
}

// FindCIDRMatch reports whether ip matches any entry loaded from the
// packed IPv4/IPv6 CIDR files at path4/path6 (spec's `find_cidr_match`,
// extended here to cover dual-stack lists since qsmtpd stores ipbl/ipwl as
// separate v4/v6 files, per spec §6's `ipblv6`/`ipwlv6` controls).
func FindCIDRMatch(path4, path6 string, ip netip.Addr) (bool, error) {
	if ip.Is4() || ip.Is4In6() {
		entries, err := LoadCIDR4(path4)
		if err != nil {
			return false, err
		}
		target := ip.Unmap()
		for _, e := range entries {
			if e.Prefix.Contains(target) {
				return true, nil
			}
		}
		return false, nil
	}

	entries, err := LoadCIDR6(path6)
	if err != nil {
		return false, err
	}
	for _, e := range entries {
		if e.Prefix.Contains(ip) {
			return true, nil
		}
	}
	return false, nil
}

// WriteCIDR serializes entries to the packed binary layout described in
// spec §4.2, for use by cmd/qsmtp-util's compiler subcommand.
func WriteCIDR(entries []CIDREntry, v6 bool) []byte {
	addrLen := 4
	if v6 {
		addrLen = 16
	}
	out := make([]byte, 0, len(entries)*(addrLen+1))
	for _, e := range entries {
		addr := e.Prefix.Addr()
		var b []byte
		if v6 {
			a16 := addr.As16()
			b = a16[:]
		} else {
			a4 := addr.As4()
			b = a4[:]
		}
		out = append(out, b...)
		out = append(out, byte(e.Prefix.Bits()))
	}
	return out
}

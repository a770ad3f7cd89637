package ctlfile

import (
	"net/netip"
	"os"
	"path/filepath"
	"testing"
)

func TestCIDRRoundTrip(t *testing.T) {
	entries := []CIDREntry{
		{Prefix: netip.MustParsePrefix("10.0.0.0/8")},
		{Prefix: netip.MustParsePrefix("192.168.1.0/24")},
	}
	buf := WriteCIDR(entries, false)

	dir := t.TempDir()
	p := filepath.Join(dir, "ipbl")
	if err := os.WriteFile(p, buf, 0644); err != nil {
		t.Fatal(err)
	}

	got, err := LoadCIDR4(p)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d entries, want 2", len(got))
	}

	in := netip.MustParseAddr("10.1.2.3")
	out := netip.MustParseAddr("8.8.8.8")

	match, err := FindCIDRMatch(p, filepath.Join(dir, "ipblv6"), in)
	if err != nil || !match {
		t.Errorf("expected match for %v, got %v, %v", in, match, err)
	}
	match, err = FindCIDRMatch(p, filepath.Join(dir, "ipblv6"), out)
	if err != nil || match {
		t.Errorf("expected no match for %v, got %v, %v", out, match, err)
	}
}

func TestCIDRMalformedPrefix(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "ipbl")
	// prefix length 33 is invalid for IPv4.
	buf := []byte{10, 0, 0, 0, 33}
	if err := os.WriteFile(p, buf, 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := LoadCIDR4(p); err != ErrMalformedCIDRFile {
		t.Errorf("got %v, want ErrMalformedCIDRFile", err)
	}
}

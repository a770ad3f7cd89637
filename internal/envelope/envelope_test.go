package envelope

import (
	"bytes"
	"testing"
)

func TestSplit(t *testing.T) {
	cases := []struct {
		addr, user, domain string
	}{
		{"lalala@lelele", "lalala", "lelele"},
		{"noatmark", "noatmark", ""},
	}

	for _, c := range cases {
		if user := UserOf(c.addr); user != c.user {
			t.Errorf("%q: expected user %q, got %q", c.addr, c.user, user)
		}
		if domain := DomainOf(c.addr); domain != c.domain {
			t.Errorf("%q: expected domain %q, got %q",
				c.addr, c.domain, domain)
		}
	}
}

func TestAddHeader(t *testing.T) {
	got := AddHeader([]byte("body\r\n"), "X-Test", "value\nwith-newline\n")
	want := "X-Test: value\n\twith-newline\r\nbody\r\n"
	if string(got) != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestBuild(t *testing.T) {
	got := Build("sender@example.com", []string{"a@example.com", "b@example.com"})
	want := []byte("Fsender@example.com\x00Ta@example.com\x00Tb@example.com\x00\x00")
	if !bytes.Equal(got, want) {
		t.Errorf("got %q, want %q", got, want)
	}
}

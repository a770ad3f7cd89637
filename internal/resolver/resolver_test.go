package resolver

import "testing"

func TestIPEntryNullMX(t *testing.T) {
	e := IPEntry{Priority: 0, Host: "."}
	if !e.NullMX() {
		t.Errorf("expected NullMX")
	}
	e2 := IPEntry{Priority: 0, Host: "mx.example.org"}
	if e2.NullMX() {
		t.Errorf("did not expect NullMX")
	}
}

func TestErrorUnwrap(t *testing.T) {
	inner := errTest{}
	e := &Error{Code: Nxdomain, Err: inner}
	if e.Unwrap() != inner {
		t.Errorf("Unwrap mismatch")
	}
	if e.Error() == "" {
		t.Errorf("expected non-empty error string")
	}
}

type errTest struct{}

func (errTest) Error() string { return "boom" }

func TestNewDefaults(t *testing.T) {
	c := New(nil)
	if c.Timeout == 0 {
		t.Errorf("expected non-zero default timeout")
	}
	if c.dnsClient == nil {
		t.Errorf("expected dnsClient to be initialized")
	}
}

func TestServersExplicit(t *testing.T) {
	c := New([]string{"1.1.1.1:53", "9.9.9.9:53"})
	got, err := c.servers()
	if err != nil {
		t.Fatalf("servers(): %v", err)
	}
	if len(got) != 2 || got[0] != "1.1.1.1:53" {
		t.Errorf("got %v", got)
	}
}

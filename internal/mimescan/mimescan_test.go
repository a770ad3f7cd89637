package mimescan

import "testing"

func TestParseContentType(t *testing.T) {
	ct, ok := ParseContentType([]byte(`multipart/mixed; boundary="abc-123"; charset=us-ascii`))
	if !ok {
		t.Fatal("expected ok")
	}
	if ct.Type != "multipart" || ct.Subtype != "mixed" {
		t.Errorf("got %+v", ct)
	}
	b, ok := ct.Boundary()
	if !ok || b != "abc-123" {
		t.Errorf("Boundary() = %q, %v", b, ok)
	}
	if !ct.IsMultipart() {
		t.Errorf("expected IsMultipart")
	}
}

func TestBoundaryTooLong(t *testing.T) {
	long := make([]byte, 71)
	for i := range long {
		long[i] = 'a'
	}
	ct := ContentType{Params: map[string]string{"boundary": string(long)}}
	if _, ok := ct.Boundary(); ok {
		t.Errorf("expected boundary >70 chars to be rejected")
	}
}

func TestFindBoundary(t *testing.T) {
	buf := []byte("preamble\r\n--bnd\r\npart1\r\n--bnd--\r\nepilogue")
	off, end, ok := FindBoundary(buf, "bnd")
	if !ok || end {
		t.Fatalf("first boundary: ok=%v end=%v", ok, end)
	}
	rest := buf[off:]
	off2, end2, ok2 := FindBoundary(rest, "bnd")
	if !ok2 || !end2 {
		t.Fatalf("second boundary: ok=%v end=%v", ok2, end2)
	}
	_ = off2
}

func TestSkipWhitespaceComment(t *testing.T) {
	b := SkipWhitespace([]byte("  (a (nested) comment) rest"))
	if string(b) != "rest" {
		t.Errorf("got %q", b)
	}
}

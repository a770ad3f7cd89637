package trace

import "testing"

func TestNewAndFinish(t *testing.T) {
	tr := New("smtp", "test-session")
	tr.Printf("connected from %s", "127.0.0.1")
	tr.Debugf("state=%s", "HELO")
	tr.Finish()
}

func TestErrorfMarksError(t *testing.T) {
	tr := New("smtp", "test-session")
	defer tr.Finish()

	err := tr.Errorf("bad command: %s", "XYZZY")
	if err == nil || err.Error() != "bad command: XYZZY" {
		t.Errorf("got %v", err)
	}
}

func TestNewChildNaming(t *testing.T) {
	parent := New("smtp", "session-1")
	defer parent.Finish()

	child := parent.NewChild("spf", "check")
	defer child.Finish()

	if child.family != "smtp.spf" {
		t.Errorf("got family %q, want %q", child.family, "smtp.spf")
	}
	if child.title != "check (session-1)" {
		t.Errorf("got title %q", child.title)
	}
}

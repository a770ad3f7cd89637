package ctlfile

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTmp(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoadList(t *testing.T) {
	dir := t.TempDir()
	p := writeTmp(t, dir, "badmailfrom", ""+
		"# comment\n"+
		"spammer@example.com\n"+
		"\n"+
		"  .evil.example  \n"+
		"\\# notacomment@example.com\n")

	got := LoadList(p, nil)
	want := []string{"spammer@example.com", "  .evil.example", "# notacomment@example.com"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("entry %d: got %q, want %q", i, got[i], want[i])
		}
	}
}

func TestFindLineMatch(t *testing.T) {
	dir := t.TempDir()
	p := writeTmp(t, dir, "badhelo", "badguy.example\n.evil.example\n")

	cases := []struct {
		domain string
		want   bool
	}{
		{"badguy.example", true},
		{"sub.evil.example", true},
		{"evil.example", true},
		{"good.example", false},
	}
	for _, c := range cases {
		if got := FindLineMatch(p, c.domain); got != c.want {
			t.Errorf("FindLineMatch(%q) = %v, want %v", c.domain, got, c.want)
		}
	}
}

func TestLoadIntegerDefault(t *testing.T) {
	if got := LoadInteger(filepath.Join(t.TempDir(), "missing"), 42); got != 42 {
		t.Errorf("got %d, want 42", got)
	}
}

func TestLoadIntegerValue(t *testing.T) {
	dir := t.TempDir()
	p := writeTmp(t, dir, "databytes", "10240000\n")
	if got := LoadInteger(p, 0); got != 10240000 {
		t.Errorf("got %d, want 10240000", got)
	}
}

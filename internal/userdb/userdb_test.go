package userdb

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/qsmtpd/qsmtpd/internal/cdb"
)

func buildCDB(t *testing.T, records map[string]string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "users.cdb")
	w, err := cdb.Create(path)
	if err != nil {
		t.Fatalf("cdb.Create: %v", err)
	}
	for k, v := range records {
		if err := w.Put([]byte(k), []byte(v)); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	return path
}

func TestParseRecord(t *testing.T) {
	rec, err := ParseRecord("example.org:89:89:/home/vpopmail/domains/example.org")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := Record{RealDomain: "example.org", UID: 89, GID: 89, Dir: "/home/vpopmail/domains/example.org"}
	if diff := cmp.Diff(want, rec); diff != "" {
		t.Errorf("ParseRecord mismatch (-want +got):\n%s", diff)
	}
}

func TestParseRecordMalformed(t *testing.T) {
	if _, err := ParseRecord("not-enough-fields"); err == nil {
		t.Errorf("expected error")
	}
}

func TestDomainLookup(t *testing.T) {
	path := buildCDB(t, map[string]string{
		"example.org": "example.org:89:89:/home/vpopmail/domains/example.org",
	})
	db := New(path)
	if err := db.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	rec, ok, err := db.Domain("example.org")
	if err != nil || !ok {
		t.Fatalf("Domain: ok=%v err=%v", ok, err)
	}
	if rec.Dir != "/home/vpopmail/domains/example.org" {
		t.Errorf("got %+v", rec)
	}

	_, ok, err = db.Domain("nonexistent.example")
	if err != nil || ok {
		t.Errorf("expected not found, got ok=%v err=%v", ok, err)
	}
}

func TestExistsMailboxDirectory(t *testing.T) {
	dir := t.TempDir()
	if err := os.Mkdir(filepath.Join(dir, "joe"), 0o755); err != nil {
		t.Fatal(err)
	}
	if got, err := Exists(dir, "joe"); err != nil || got != UserMailbox {
		t.Errorf("got %v, %v; want UserMailbox", got, err)
	}
}

func TestExistsDotQmailUser(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, ".qmail-joe"), []byte("./Maildir/"), 0o644); err != nil {
		t.Fatal(err)
	}
	if got, err := Exists(dir, "joe"); err != nil || got != UserMailbox {
		t.Errorf("got %v, %v; want UserMailbox", got, err)
	}
}

func TestExistsPrefixDefault(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, ".qmail-list-default"), []byte("./Maildir/"), 0o644); err != nil {
		t.Fatal(err)
	}
	if got, err := Exists(dir, "list-subscriber1"); err != nil || got != PrefixDefault {
		t.Errorf("got %v, %v; want PrefixDefault", got, err)
	}
}

func TestExistsDomainDefault(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, ".qmail-default"), []byte("./Maildir/"), 0o644); err != nil {
		t.Fatal(err)
	}
	if got, err := Exists(dir, "anyone"); err != nil || got != UserDefault {
		t.Errorf("got %v, %v; want UserDefault", got, err)
	}
}

func TestExistsVpopBounce(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, ".qmail-default"), []byte("vpopbounce"), 0o644); err != nil {
		t.Fatal(err)
	}
	if got, err := Exists(dir, "anyone"); err != nil || got != Bounce {
		t.Errorf("got %v, %v; want Bounce", got, err)
	}
}

func TestExistsNoSuchUser(t *testing.T) {
	dir := t.TempDir()
	if got, err := Exists(dir, "ghost"); err != nil || got != NoSuchUser {
		t.Errorf("got %v, %v; want NoSuchUser", got, err)
	}
}

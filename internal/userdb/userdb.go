// Package userdb implements the vpopmail-compatible user database (spec
// §6): a CDB file keyed by domain, yielding a record of (real domain,
// uid, gid, directory), plus the filesystem existence checks that
// determine whether a given local part has a mailbox, a catch-all, or
// neither.
//
// The locking shape — an RWMutex guarding a pointer to the loaded
// database, with a Load/Reload pair — is grounded on the teacher's
// internal/userdb.DB (itself protobuf-backed; here the backing format is
// internal/cdb instead, since spec §6 specifies a CDB file rather than a
// text protobuf).
package userdb

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/qsmtpd/qsmtpd/internal/cdb"
)

// Record is one CDB value, in the vpopmail "domain record" layout:
// "realdomain:uid:gid:dir".
type Record struct {
	RealDomain string
	UID, GID   int
	Dir        string
}

// ParseRecord parses a raw CDB value into a Record.
func ParseRecord(raw string) (Record, error) {
	parts := strings.SplitN(raw, ":", 4)
	if len(parts) != 4 {
		return Record{}, fmt.Errorf("userdb: malformed record %q", raw)
	}
	uid, err := strconv.Atoi(parts[1])
	if err != nil {
		return Record{}, fmt.Errorf("userdb: bad uid in %q: %w", raw, err)
	}
	gid, err := strconv.Atoi(parts[2])
	if err != nil {
		return Record{}, fmt.Errorf("userdb: bad gid in %q: %w", raw, err)
	}
	return Record{RealDomain: parts[0], UID: uid, GID: gid, Dir: parts[3]}, nil
}

// DB is a loaded user database.
type DB struct {
	mu    sync.RWMutex
	fname string
	cdb   *cdb.CDB
}

// New returns an unloaded DB for the given CDB file name.
func New(fname string) *DB {
	return &DB{fname: fname}
}

// Load opens (or reopens) the backing CDB file.
func (d *DB) Load() error {
	c, err := cdb.Open(d.fname)
	if err != nil {
		return fmt.Errorf("userdb: opening %s: %w", d.fname, err)
	}
	d.mu.Lock()
	old := d.cdb
	d.cdb = c
	d.mu.Unlock()
	if old != nil {
		old.Close()
	}
	return nil
}

// Domain looks up a domain's Record.
func (d *DB) Domain(domain string) (Record, bool, error) {
	d.mu.RLock()
	c := d.cdb
	d.mu.RUnlock()
	if c == nil {
		return Record{}, false, fmt.Errorf("userdb: not loaded")
	}

	raw, ok, err := c.Get([]byte(strings.ToLower(domain)))
	if err != nil {
		return Record{}, false, err
	}
	if !ok {
		return Record{}, false, nil
	}
	rec, err := ParseRecord(string(raw))
	if err != nil {
		return Record{}, false, err
	}
	return rec, true, nil
}

// ExistenceResult classifies what Exists found for a local part.
type ExistenceResult int

const (
	NoSuchUser ExistenceResult = iota
	UserMailbox
	UserDefault   // .qmail-default catch-all.
	PrefixDefault // .qmail-<prefix>-default list-style catch-all.
	Bounce        // vpopbounce special-case template.
)

// VpopBounce is the vpopmail sentinel directory name identifying a
// bounce template rather than a real mailbox (spec §6).
const VpopBounce = "vpopbounce"

// Exists tests filesystem existence for local@domain against rec.Dir,
// following vpopmail's fallback order (spec §6):
//  1. "<dir>/<local>/" (a real mailbox directory).
//  2. "<dir>/.qmail-<local>" (a dot-qmail file).
//  3. For a hyphenated local part "prefix-rest", "<dir>/.qmail-<prefix>-default"
//     (list-style catch-all).
//  4. "<dir>/.qmail-default" (domain-wide catch-all).
//
// If the resolved .qmail target is exactly "vpopbounce", Bounce is
// returned instead of UserMailbox/UserDefault/PrefixDefault.
func Exists(dir, local string) (ExistenceResult, error) {
	mailboxPath := filepath.Join(dir, local)
	if fi, err := os.Stat(mailboxPath); err == nil && fi.IsDir() {
		return UserMailbox, nil
	} else if err != nil && !os.IsNotExist(err) {
		return NoSuchUser, err
	}

	qmailUser := filepath.Join(dir, ".qmail-"+local)
	if found, bounce, err := statQmail(qmailUser); err != nil {
		return NoSuchUser, err
	} else if found {
		if bounce {
			return Bounce, nil
		}
		return UserMailbox, nil
	}

	if i := strings.IndexByte(local, '-'); i > 0 {
		prefix := local[:i]
		qmailPrefixDefault := filepath.Join(dir, ".qmail-"+prefix+"-default")
		if found, bounce, err := statQmail(qmailPrefixDefault); err != nil {
			return NoSuchUser, err
		} else if found {
			if bounce {
				return Bounce, nil
			}
			return PrefixDefault, nil
		}
	}

	qmailDefault := filepath.Join(dir, ".qmail-default")
	if found, bounce, err := statQmail(qmailDefault); err != nil {
		return NoSuchUser, err
	} else if found {
		if bounce {
			return Bounce, nil
		}
		return UserDefault, nil
	}

	return NoSuchUser, nil
}

// statQmail reports whether path exists, and if so, whether its content
// is the vpopbounce sentinel (a .qmail file's content names the program
// or forwarding address to invoke; vpopmail writes the literal string
// "vpopbounce" there for deliberately-bouncing addresses).
func statQmail(path string) (found, bounce bool, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, false, nil
		}
		return false, false, err
	}
	return true, strings.TrimSpace(string(data)) == VpopBounce, nil
}

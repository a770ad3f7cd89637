// qsmtp-util is an operational inspection CLI (spec §6's user database
// and control-file surface implies this tooling without naming a binary
// for it): dump a control list, test a CIDR-file match, look up a
// domain in a CDB user database, or print the SMTP state-mask table.
// Mirrors the role of the original suite's qmail-showctl.
package main

import (
	"bufio"
	"fmt"
	"net/netip"
	"os"
	"strings"

	"github.com/docopt/docopt-go"

	"github.com/qsmtpd/qsmtpd/internal/authcache"
	"github.com/qsmtpd/qsmtpd/internal/ctlfile"
	"github.com/qsmtpd/qsmtpd/internal/qsmtpd"
	"github.com/qsmtpd/qsmtpd/internal/safeio"
	"github.com/qsmtpd/qsmtpd/internal/userdb"
)

const usage = `qsmtp-util: control-file and user-database inspection tool.

Usage:
  qsmtp-util list <path>
  qsmtp-util cidr <path4> <path6> <addr>
  qsmtp-util compile (4|6) <out>
  qsmtp-util userdb <cdbfile> <domain>
  qsmtp-util passwd hash <password>
  qsmtp-util passwd verify <hash> <password>
  qsmtp-util states
  qsmtp-util -h | --help

Commands:
  list      Print each entry of a control list file, one per line.
  cidr      Report whether <addr> matches the packed CIDR file(s).
  compile   Read CIDR prefixes (one per line) from stdin and pack them
            into <out>, atomically.
  userdb    Look up <domain> in a CDB user database and print its record.
  passwd    Hash or verify a password for the AUTH credential cache that
            sits in front of the external checkpassword authenticator.
  states    Print the SMTP per-command allowed-state mask table.

Options:
  -h --help   Show this help.
`

var version = "undefined"

func main() {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], version)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	switch {
	case isTrue(opts, "list"):
		err = runList(opts)
	case isTrue(opts, "cidr"):
		err = runCIDR(opts)
	case isTrue(opts, "compile"):
		err = runCompile(opts)
	case isTrue(opts, "userdb"):
		err = runUserDB(opts)
	case isTrue(opts, "passwd"):
		err = runPasswd(opts)
	case isTrue(opts, "states"):
		runStates()
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "qsmtp-util:", err)
		os.Exit(1)
	}
}

func isTrue(opts docopt.Opts, key string) bool {
	v, _ := opts.Bool(key)
	return v
}

func runList(opts docopt.Opts) error {
	path, _ := opts.String("<path>")
	entries := ctlfile.LoadList(path, nil)
	for _, e := range entries {
		fmt.Println(e)
	}
	return nil
}

func runCIDR(opts docopt.Opts) error {
	path4, _ := opts.String("<path4>")
	path6, _ := opts.String("<path6>")
	addrStr, _ := opts.String("<addr>")

	addr, err := netip.ParseAddr(addrStr)
	if err != nil {
		return fmt.Errorf("parsing address %q: %w", addrStr, err)
	}
	matched, err := ctlfile.FindCIDRMatch(path4, path6, addr)
	if err != nil {
		return err
	}
	if matched {
		fmt.Println("match")
	} else {
		fmt.Println("no match")
	}
	return nil
}

// runCompile packs newline-separated CIDR prefixes from stdin into the
// binary layout internal/ctlfile expects, writing the result atomically
// via internal/safeio so control/ readers never see a half-written file.
func runCompile(opts docopt.Opts) error {
	v6, _ := opts.Bool("6")
	out, _ := opts.String("<out>")

	var entries []ctlfile.CIDREntry
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		prefix, err := netip.ParsePrefix(line)
		if err != nil {
			return fmt.Errorf("parsing prefix %q: %w", line, err)
		}
		entries = append(entries, ctlfile.CIDREntry{Prefix: prefix})
	}
	if err := scanner.Err(); err != nil {
		return err
	}

	packed := ctlfile.WriteCIDR(entries, v6)
	return safeio.WriteFile(out, packed, 0o644)
}

func runUserDB(opts docopt.Opts) error {
	path, _ := opts.String("<cdbfile>")
	domain, _ := opts.String("<domain>")

	db := userdb.New(path)
	if err := db.Load(); err != nil {
		return err
	}
	rec, ok, err := db.Domain(domain)
	if err != nil {
		return err
	}
	if !ok {
		fmt.Println("no record")
		return nil
	}
	fmt.Printf("realdomain=%s uid=%d gid=%d dir=%s\n", rec.RealDomain, rec.UID, rec.GID, rec.Dir)
	return nil
}

func runPasswd(opts docopt.Opts) error {
	password, _ := opts.String("<password>")
	if isTrue(opts, "hash") {
		h, err := authcache.Hash(password)
		if err != nil {
			return err
		}
		fmt.Println(h)
		return nil
	}
	hash, _ := opts.String("<hash>")
	if authcache.Matches(hash, password) {
		fmt.Println("match")
	} else {
		fmt.Println("no match")
	}
	return nil
}

func runStates() {
	table := qsmtpd.StateMaskTable()
	for cmd, mask := range table {
		fmt.Printf("%-10s %s\n", cmd, mask)
	}
}

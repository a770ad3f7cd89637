// qsmtp-remote is the outbound relay client (spec §4.11): invoked once
// per delivery attempt as `qsmtp-remote <domain> <sender> <recipient>...`
// with the message on stdin, exactly like qmail-remote's argv/fd
// contract. Per spec, each accepted recipient is reported to the
// spawner by writing a single "r" byte to stdout.
package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/docopt/docopt-go"

	"github.com/qsmtpd/qsmtpd/internal/ctlfile"
	"github.com/qsmtpd/qsmtpd/internal/qlog"
	"github.com/qsmtpd/qsmtpd/internal/remoteclient"
	"github.com/qsmtpd/qsmtpd/internal/resolver"
)

const usage = `qsmtp-remote: outbound SMTP delivery client.

Usage:
  qsmtp-remote [options] <domain> <sender> <recipient>...
  qsmtp-remote -h | --help

The message to deliver is read from stdin.

Options:
  --root=<dir>      Control-file root directory [default: /var/qmail].
  --ipv4-only       Never attempt IPv6 targets.
  -h --help         Show this help.
`

var version = "undefined"

func main() {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], version)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	qlog.Init()

	root, _ := opts.String("--root")
	if root == "" {
		root = "/var/qmail"
	}
	ipv4Only, _ := opts.Bool("--ipv4-only")
	domain, _ := opts.String("<domain>")
	sender, _ := opts.String("<sender>")

	rcpts := recipientList(opts)
	if domain == "" || len(rcpts) == 0 {
		fmt.Fprintln(os.Stderr, "qsmtp-remote: missing domain or recipients")
		os.Exit(2)
	}

	body, err := io.ReadAll(os.Stdin)
	if err != nil {
		qlog.Fatalf("reading message body from stdin: %v", err)
	}

	timeout := secondsToDuration(ctlfile.LoadInteger(root+"/control/timeoutremote", 320))
	chunkSize := int(ctlfile.LoadInteger(root+"/control/chunksizeremote", 0))

	resolv := resolver.New(ctlfile.LoadList(root+"/control/dnsservers", nil))
	route, _ := remoteclient.ResolveRoute(root, domain)
	targets, err := remoteclient.ResolveTargets(context.Background(), resolv, domain, route, ipv4Only)
	if err != nil || len(targets) == 0 {
		qlog.Errorf("resolving delivery targets for %s: %v", domain, err)
		os.Exit(1)
	}

	port := "25"
	if route.Port != "" {
		port = route.Port
	}

	deliverOpts := remoteclient.Options{
		HelloDomain: heloDomain(root),
		Sender:      sender,
		Recipients:  rcpts,
		Body:        body,
		Timeout:     timeout,
		ChunkSize:   chunkSize,
		ClientCert:  clientCert(root),
		Port:        port,
		CAForHost:   caForHost(root),
	}

	results, err := remoteclient.Deliver(context.Background(), targets, deliverOpts)
	if err != nil {
		qlog.Errorf("delivery to %s failed: %v", domain, err)
		os.Exit(1)
	}

	allAccepted := true
	for _, r := range results {
		if r.Accepted {
			fmt.Fprint(os.Stdout, "r")
		} else {
			allAccepted = false
			qlog.Errorf("recipient %s rejected: %d %s", r.Recipient, r.Code, r.Message)
		}
	}
	if !allAccepted {
		os.Exit(1)
	}
}

// recipientList extracts the repeated <recipient> positional argument;
// docopt-go represents a "..." repeated positional as []string.
func recipientList(opts docopt.Opts) []string {
	v, ok := opts["<recipient>"]
	if !ok {
		return nil
	}
	raw, ok := v.([]string)
	if !ok {
		return nil
	}
	return raw
}

func secondsToDuration(n uint64) time.Duration {
	return time.Duration(n) * time.Second
}

func heloDomain(root string) string {
	if v, ok := ctlfile.LoadOneliner(root+"/control/helohost", true); ok && v != "" {
		return v
	}
	if v, ok := ctlfile.LoadOneliner(root+"/control/me", true); ok && v != "" {
		return v
	}
	h, _ := os.Hostname()
	return h
}

func clientCert(root string) *tls.Certificate {
	path := root + "/control/clientcert.pem"
	if !ctlfile.Exists(path) {
		return nil
	}
	pemBytes, err := os.ReadFile(path)
	if err != nil {
		qlog.Errorf("reading clientcert.pem: %v", err)
		return nil
	}
	cert, err := tls.X509KeyPair(pemBytes, pemBytes)
	if err != nil {
		qlog.Errorf("parsing clientcert.pem: %v", err)
		return nil
	}
	return &cert
}

// caForHost returns the per-host CA bundle under control/tlshosts/<fqdn>.pem,
// when present (spec §4.11).
func caForHost(root string) func(fqdn string) (*x509.CertPool, bool) {
	return func(fqdn string) (*x509.CertPool, bool) {
		path := root + "/control/tlshosts/" + fqdn + ".pem"
		if !ctlfile.Exists(path) {
			return nil, false
		}
		pemBytes, err := os.ReadFile(path)
		if err != nil {
			qlog.Errorf("reading %s: %v", path, err)
			return nil, false
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemBytes) {
			qlog.Errorf("no certificates parsed from %s", path)
			return nil, false
		}
		return pool, true
	}
}

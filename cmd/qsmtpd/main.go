// qsmtpd is the inbound SMTP daemon (spec §1/§6): a single SMTP session
// per process, reading commands from stdin and replying on stdout, the
// way tcpserver/inetd invoke qmail-smtpd. A listening-socket mode is
// also provided for environments (systemd socket units, plain `--listen`)
// that hand qsmtpd a long-lived listener instead of one socket per exec.
package main

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"blitiri.com.ar/go/systemd"
	"github.com/docopt/docopt-go"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/qsmtpd/qsmtpd/internal/ctlfile"
	"github.com/qsmtpd/qsmtpd/internal/metrics"
	"github.com/qsmtpd/qsmtpd/internal/qlog"
	"github.com/qsmtpd/qsmtpd/internal/qsmtpd"
	"github.com/qsmtpd/qsmtpd/internal/resolver"
	"github.com/qsmtpd/qsmtpd/internal/smtpauth"
	"github.com/qsmtpd/qsmtpd/internal/spf"
	"github.com/qsmtpd/qsmtpd/internal/tlsconf"
)

const usage = `qsmtpd: inbound SMTP daemon.

Usage:
  qsmtpd [options]
  qsmtpd -h | --help

Options:
  --root=<dir>       Control-file root directory [default: /var/qmail].
  --listen=<addr>     Listen on addr instead of using stdin/stdout as the socket.
  --implicit-tls      The socket is already TLS-wrapped (port 465 convention).
  --metrics=<addr>    Serve Prometheus /metrics on addr (disabled if empty).
  -h --help           Show this help.
`

// version is overridden at build time with -ldflags.
var version = "undefined"

func main() {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], version)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	qlog.Init()
	metrics.Register()
	signal.Ignore(syscall.SIGPIPE)

	root, _ := opts.String("--root")
	if root == "" {
		root = "/var/qmail"
	}
	implicitTLS, _ := opts.Bool("--implicit-tls")

	if addr, _ := opts.String("--metrics"); addr != "" {
		go serveMetrics(addr)
	}

	cfg := buildConfig(root)
	resolv := buildResolver(cfg)
	cfg.Checker = &spf.Checker{DNS: resolv}

	tlsConfig := buildTLSConfig(root)
	connOpts := qsmtpd.Options{
		Hostname:        hostname(cfg),
		TLSConfig:       tlsConfig,
		ImplicitTLSPort: implicitTLS,
		AuthChecker:     buildAuthChecker(root),
		AuthMechs:       authMechs(root),
		ForceSSLAuth:    ctlfile.Exists(root + "/control/forcesslauth"),
		Databytes:       cfg.Integer("databytes", 0),
		CommandTimeout:  secondsToDuration(cfg.Integer("timeoutsmtpd", 1200)),
		AutoQmail:       autoqmail(root),
		DNS:             resolv,
		Resolver:        resolv,
	}

	if listen, _ := opts.String("--listen"); listen != "" {
		serveListener(listen, cfg, connOpts, tlsConfig, implicitTLS)
		return
	}

	if listeners, err := systemd.Listeners(); err == nil && len(listeners) > 0 {
		serveSystemdListeners(listeners, cfg, connOpts, tlsConfig, implicitTLS)
		return
	}

	serveStdio(cfg, connOpts)
}

func buildConfig(root string) *qsmtpd.Config {
	return &qsmtpd.Config{Root: root}
}

func buildResolver(cfg *qsmtpd.Config) *resolver.Client {
	servers := cfg.List("dnsservers")
	return resolver.New(servers)
}

func hostname(cfg *qsmtpd.Config) string {
	if v, ok := cfg.Oneliner("me"); ok && v != "" {
		return v
	}
	h, _ := os.Hostname()
	return h
}

func autoqmail(root string) string {
	if v := os.Getenv("AUTOQMAIL"); v != "" {
		return v
	}
	return root
}

func secondsToDuration(n uint64) time.Duration {
	return time.Duration(n) * time.Second
}

func buildAuthChecker(root string) *smtpauth.Checker {
	if !ctlfile.Exists(root + "/control/authtypes") {
		return nil
	}
	binary := root + "/bin/checkpassword"
	if v, ok := ctlfile.LoadOneliner(root+"/control/checkpasswordprog", true); ok && v != "" {
		binary = v
	}
	return &smtpauth.Checker{Binary: binary}
}

// authMechs reads "authtypes" (a space-separated subset of LOGIN, PLAIN,
// CRAM-MD5, qmail-smtpd's own convention) and returns the mechanisms
// qsmtpd should advertise, in its own fixed preference order.
func authMechs(root string) []string {
	v, ok := ctlfile.LoadOneliner(root+"/control/authtypes", true)
	if !ok || v == "" {
		return nil
	}
	upper := strings.ToUpper(v)
	var mechs []string
	for _, tok := range []string{"PLAIN", "LOGIN", "CRAM-MD5"} {
		if strings.Contains(upper, tok) {
			mechs = append(mechs, tok)
		}
	}
	return mechs
}

func buildTLSConfig(root string) *tls.Config {
	certPath := root + "/control/servercert.pem"
	if !ctlfile.Exists(certPath) {
		return nil
	}
	pemBytes, err := os.ReadFile(certPath)
	if err != nil {
		qlog.Errorf("reading servercert.pem: %v", err)
		return nil
	}
	cert, err := tls.X509KeyPair(pemBytes, pemBytes)
	if err != nil {
		qlog.Errorf("parsing servercert.pem: %v", err)
		return nil
	}
	ciphers, _ := ctlfile.LoadOneliner(root+"/control/tlsserverciphers", true)
	var cipherNames []string
	if ciphers != "" {
		cipherNames = []string{ciphers}
	}
	cfg, err := tlsconf.ServerConfig(cert, cipherNames, nil)
	if err != nil {
		qlog.Errorf("building TLS server config: %v", err)
		return nil
	}
	return cfg
}

func serveStdio(cfg *qsmtpd.Config, opts qsmtpd.Options) {
	conn, err := net.FileConn(os.Stdin)
	if err != nil {
		qlog.Fatalf("stdin is not a socket: %v", err)
	}
	qsmtpd.NewConn(conn, cfg, opts).Handle()
}

func serveListener(addr string, cfg *qsmtpd.Config, opts qsmtpd.Options, tlsConfig *tls.Config, implicitTLS bool) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		qlog.Fatalf("listen on %s: %v", addr, err)
	}
	if implicitTLS {
		if tlsConfig == nil {
			qlog.Fatalf("--implicit-tls requires servercert.pem to be configured")
		}
		l = tls.NewListener(l, tlsConfig)
	}
	acceptLoop(l, cfg, opts)
}

func serveSystemdListeners(listeners map[string][]net.Listener, cfg *qsmtpd.Config, opts qsmtpd.Options, tlsConfig *tls.Config, implicitTLS bool) {
	for _, ls := range listeners {
		for _, l := range ls {
			l := l
			if implicitTLS && tlsConfig != nil {
				l = tls.NewListener(l, tlsConfig)
			}
			go acceptLoop(l, cfg, opts)
		}
	}
	select {}
}

// acceptLoop serves one listener, handing each accepted connection to a
// fresh Conn on its own goroutine -- the in-process stand-in for
// qmail's one-process-per-connection model when a shared listener (as
// opposed to tcpserver/inetd) owns the socket.
func acceptLoop(l net.Listener, cfg *qsmtpd.Config, opts qsmtpd.Options) {
	for {
		conn, err := l.Accept()
		if err != nil {
			qlog.Errorf("accept: %v", err)
			return
		}
		go func() {
			defer func() {
				if r := recover(); r != nil {
					qlog.Errorf("panic handling connection: %v", r)
				}
			}()
			qsmtpd.NewConn(conn, cfg, opts).Handle()
		}()
	}
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	qlog.Errorf("metrics server exited: %v", http.ListenAndServe(addr, mux))
}

// Package remoteclient implements the outbound SMTP client (spec
// §4.11): MX resolution with smtproute override, connection fail-over,
// STARTTLS with certificate-name matching, pipelined envelope
// transmission, and per-recipient status reporting to the upstream
// spawner (qmail-remote's argv/fd contract).
//
// Grounded on the teacher's internal/courier/smtp.go (MX walk,
// STARTTLS-then-retry shape, per-attempt trace) generalized from
// chasquid's queue-internal Deliver(from, to, data) to a single
// multi-recipient delivery attempt with pipelined RCPTs and BDAT/
// quoted-printable body transmission.
package remoteclient

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/qsmtpd/qsmtpd/internal/ctlfile"
	"github.com/qsmtpd/qsmtpd/internal/lineio"
	"github.com/qsmtpd/qsmtpd/internal/recode"
	"github.com/qsmtpd/qsmtpd/internal/resolver"
	"github.com/qsmtpd/qsmtpd/internal/tlsconf"
	"github.com/qsmtpd/qsmtpd/internal/trace"
)

// maxMX caps the number of distinct MX priorities attempted per delivery
// (every address at an included priority is kept), modelled on the
// teacher's lookupMXs cap in internal/courier/smtp.go.
const maxMX = 5

// Route is an smtproutes override for a domain (spec §4.11): a fixed
// target host/port, bypassing MX resolution, optionally paired with the
// client certificate name to present.
type Route struct {
	Host           string
	Port           string
	ClientCertName string
}

// ResolveRoute consults <root>/smtproutes.d/<domain> first, then
// <root>/control/smtproutes for a suffix match (spec §4.11's
// "smtproute is consulted first... otherwise control/smtproutes is
// scanned for a matching suffix").
func ResolveRoute(root, domain string) (Route, bool) {
	domain = strings.ToLower(domain)

	if v, ok := ctlfile.LoadOneliner(root+"/smtproutes.d/"+domain, true); ok {
		if r, ok := parseRouteLine(v); ok {
			return r, true
		}
	}

	for _, kv := range ctlfile.LoadKV(root + "/control/smtproutes") {
		if ctlfile.Matches(domain, kv.Key) {
			if r, ok := parseRouteLine(kv.Value); ok {
				return r, true
			}
		}
	}
	return Route{}, false
}

// parseRouteLine parses "host:port:certname", where port and certname
// may be empty (e.g. "host::certname" or just "host").
func parseRouteLine(line string) (Route, bool) {
	fields := strings.SplitN(line, ":", 3)
	if fields[0] == "" {
		return Route{}, false
	}
	r := Route{Host: fields[0]}
	if len(fields) > 1 {
		r.Port = fields[1]
	}
	if len(fields) > 2 {
		r.ClientCertName = fields[2]
	}
	return r, true
}

// ResolveTargets returns the prioritized, sorted address list to try
// for domain (spec §4.11): the smtproute override's resolved addresses
// when a route exists, otherwise the MX (falling back to A/AAAA)
// lookup, capped at maxMX distinct priorities.
func ResolveTargets(ctx context.Context, resolv *resolver.Client, domain string, route Route, ipv4Only bool) ([]resolver.IPEntry, error) {
	var entries []resolver.IPEntry
	var err error

	if route.Host != "" {
		entries, _, err = resolv.LookupA(ctx, route.Host)
	} else {
		entries, _, err = resolv.LookupMX(ctx, domain)
	}
	if err != nil {
		return nil, err
	}

	if ipv4Only {
		filtered := entries[:0]
		for _, e := range entries {
			if !e.IsV6 {
				filtered = append(filtered, e)
			}
		}
		entries = filtered
	}

	// Cap to maxMX distinct priorities worth of hosts, matching the
	// teacher's 5-host ceiling.
	seen := map[uint32]bool{}
	var out []resolver.IPEntry
	for _, e := range entries {
		if len(seen) >= maxMX && !seen[e.Priority] {
			break
		}
		seen[e.Priority] = true
		out = append(out, e)
	}
	return out, nil
}

// Options configures one delivery attempt (spec §4.11).
type Options struct {
	HelloDomain     string
	Sender          string // "" for the null sender.
	Recipients      []string
	Body            []byte // headers + body, CRLF-terminated lines.
	Timeout         time.Duration
	ChunkSize       int // BDAT chunk size; 0 disables BDAT even if offered.
	ClientCert      *tls.Certificate
	CipherNames     []string
	CAForHost       func(fqdn string) (*x509.CertPool, bool) // control/tlshosts/<fqdn>.pem
	Port            string                                   // default "25".
	Declare7BitSIZE bool
}

// Result is the per-recipient outcome the spawner needs (spec §4.11:
// "report to the upstream spawner by writing a single byte (r for
// accepted) on stdout").
type Result struct {
	Recipient string
	Accepted  bool
	Code      int
	Message   string
}

// Deliver walks targets in priority order, attempting delivery to each
// until one succeeds or all are exhausted (spec §4.11's connection
// fail-over). It returns the per-recipient results from the first
// target that completed a full SMTP transaction, or the last target's
// error (temporary or permanent alike) if none did.
func Deliver(ctx context.Context, targets []resolver.IPEntry, opts Options) ([]Result, error) {
	if len(targets) == 0 {
		return nil, fmt.Errorf("remoteclient: no delivery targets")
	}
	port := opts.Port
	if port == "" {
		port = "25"
	}

	tr := trace.New("remoteclient", strings.Join(opts.Recipients, ","))
	defer tr.Finish()

	var lastErr error
	for i, target := range targets {
		addr := net.JoinHostPort(ipString(target), port)
		tr.Debugf("attempt %d/%d: %s", i+1, len(targets), addr)

		results, err := attempt(ctx, addr, target.Host, opts, tr)
		if err == nil {
			return results, nil
		}
		tr.Errorf("%s failed: %v", addr, err)
		lastErr = err
	}
	return nil, fmt.Errorf("remoteclient: all targets failed, last error: %w", lastErr)
}

func ipString(e resolver.IPEntry) string {
	if e.IsV6 {
		var b [16]byte
		copy(b[:], e.Addr[:])
		return netip.AddrFrom16(b).String()
	}
	var b [4]byte
	copy(b[:], e.Addr[12:])
	return netip.AddrFrom4(b).String()
}

func attempt(ctx context.Context, addr, fqdn string, opts Options, tr *trace.Trace) ([]Result, error) {
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 320 * time.Second
	}

	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	io := lineio.New(conn, timeout)

	greeting, err := io.ReadLine()
	if err != nil {
		return nil, fmt.Errorf("reading greeting: %w", err)
	}
	if !isPositiveReply(greeting) {
		return nil, fmt.Errorf("bad greeting: %q", greeting)
	}

	ext, err := ehlo(io, opts.HelloDomain)
	if err != nil {
		return nil, err
	}

	usedTLS := false
	if ext.startTLS {
		conn2, err := starttls(io, conn, fqdn, opts, tr)
		if err != nil {
			return nil, fmt.Errorf("STARTTLS: %w", err)
		}
		io.SetConn(conn2)
		usedTLS = true
		ext, err = ehlo(io, opts.HelloDomain)
		if err != nil {
			return nil, fmt.Errorf("EHLO after STARTTLS: %w", err)
		}
	}

	tr.Debugf("TLS used: %v", usedTLS)
	results, err := deliverEnvelope(io, ext, opts)
	if err != nil {
		return nil, err
	}
	quit(io)
	return results, nil
}

type extensions struct {
	pipelining bool
	eightBit   bool
	startTLS   bool
	chunking   bool
	size       uint64
}

func ehlo(io *lineio.Conn, helo string) (extensions, error) {
	if err := io.WriteLine("EHLO " + helo); err != nil {
		return extensions{}, err
	}
	var ext extensions
	for {
		line, err := io.ReadLine()
		if err != nil {
			return extensions{}, err
		}
		if !isPositiveReply(line) {
			return extensions{}, fmt.Errorf("EHLO rejected: %q", line)
		}
		text := string(line)
		if len(text) > 4 {
			body := strings.ToUpper(strings.TrimSpace(text[4:]))
			switch {
			case body == "PIPELINING":
				ext.pipelining = true
			case body == "8BITMIME":
				ext.eightBit = true
			case body == "STARTTLS":
				ext.startTLS = true
			case body == "CHUNKING":
				ext.chunking = true
			case strings.HasPrefix(body, "SIZE"):
				fields := strings.Fields(body)
				if len(fields) == 2 {
					if n, err := strconv.ParseUint(fields[1], 10, 64); err == nil {
						ext.size = n
					}
				}
			}
		}
		if len(text) >= 4 && text[3] == ' ' {
			break
		}
	}
	return ext, nil
}

func starttls(io *lineio.Conn, conn net.Conn, fqdn string, opts Options, tr *trace.Trace) (net.Conn, error) {
	if err := io.WriteLine("STARTTLS"); err != nil {
		return nil, err
	}
	line, err := io.ReadLine()
	if err != nil {
		return nil, err
	}
	if !isPositiveReply(line) {
		return nil, fmt.Errorf("STARTTLS rejected: %q", line)
	}

	cfg, err := tlsconf.ClientConfig(fqdn, opts.CipherNames, opts.ClientCert)
	if err != nil {
		return nil, err
	}

	// Custom verification: SAN/CN matching (not Go's default SNI-based
	// check) against an optional per-host CA bundle (spec §4.11).
	var roots *x509.CertPool
	if opts.CAForHost != nil {
		if pool, ok := opts.CAForHost(fqdn); ok {
			roots = pool
		}
	}
	cfg.InsecureSkipVerify = true
	cfg.VerifyConnection = func(cs tls.ConnectionState) error {
		return tlsconf.VerifyServerCert(cs.PeerCertificates, roots, fqdn)
	}

	tlsConn := tls.Client(conn, cfg)
	hctx, cancel := context.WithTimeout(context.Background(), io.Timeout)
	defer cancel()
	if err := tlsConn.HandshakeContext(hctx); err != nil {
		return nil, err
	}
	tr.Debugf("TLS handshake to %s ok", fqdn)
	return tlsConn, nil
}

// nextEnvelopeReply reads the reply for one envelope command. When not
// pipelining, it writes the command first (send-then-read); when
// pipelining, the whole batch was already written by the caller and
// this only reads the next reply in order.
func nextEnvelopeReply(io *lineio.Conn, line string, pipelining bool) ([]byte, error) {
	if !pipelining {
		if err := io.WriteLine(line); err != nil {
			return nil, err
		}
	}
	return io.ReadLine()
}

func deliverEnvelope(io *lineio.Conn, ext extensions, opts Options) ([]Result, error) {
	bodyParam := ""
	if ext.eightBit {
		bodyParam = " BODY=8BITMIME"
	} else if !recode.Is8BitClean(opts.Body) {
		bodyParam = "" // already clean, nothing to declare.
	} else {
		bodyParam = " BODY=7BIT"
	}

	mailLine := fmt.Sprintf("MAIL FROM:<%s>%s", opts.Sender, bodyParam)
	if opts.Declare7BitSIZE && ext.size > 0 {
		mailLine += fmt.Sprintf(" SIZE=%d", len(opts.Body))
	}

	lines := []string{mailLine}
	for _, rcpt := range opts.Recipients {
		lines = append(lines, fmt.Sprintf("RCPT TO:<%s>", rcpt))
	}

	// If the peer advertises PIPELINING, send MAIL and all RCPTs without
	// intermediate reads, then collect the replies in issuance order
	// (spec §4.11). Otherwise, send-then-read one command at a time.
	if ext.pipelining {
		if err := io.WriteLines(lines); err != nil {
			return nil, fmt.Errorf("writing pipelined envelope: %w", err)
		}
	}

	mailReply, err := nextEnvelopeReply(io, lines[0], ext.pipelining)
	if err != nil {
		return nil, err
	}
	if !isPositiveReply(mailReply) {
		return nil, fmt.Errorf("MAIL FROM rejected: %q", mailReply)
	}

	var results []Result
	for i, rcpt := range opts.Recipients {
		reply, err := nextEnvelopeReply(io, lines[i+1], ext.pipelining)
		if err != nil {
			return nil, err
		}
		results = append(results, replyToResult(rcpt, reply))
	}

	anyAccepted := false
	for _, r := range results {
		if r.Accepted {
			anyAccepted = true
		}
	}
	if !anyAccepted {
		return results, nil
	}

	body := bodyForTransmission(opts, ext)

	if ext.chunking && opts.ChunkSize > 0 {
		if err := sendBDAT(io, body, opts.ChunkSize); err != nil {
			return nil, err
		}
	} else {
		if err := sendDATA(io, body); err != nil {
			return nil, err
		}
	}

	return results, nil
}

// bodyForTransmission applies quoted-printable recoding (spec §4.11)
// when the peer lacks 8BITMIME and the body is not already 7-bit clean.
func bodyForTransmission(opts Options, ext extensions) []byte {
	if ext.eightBit || !recode.Is8BitClean(opts.Body) {
		return opts.Body
	}
	headerEnd := bytes.Index(opts.Body, []byte("\r\n\r\n"))
	if headerEnd < 0 {
		return recode.EncodeQuotedPrintable(opts.Body)
	}
	headers := opts.Body[:headerEnd]
	body := opts.Body[headerEnd+4:]
	return recode.Message(headers, body, opts.HelloDomain, time.Now())
}

func sendDATA(io *lineio.Conn, body []byte) error {
	if err := io.WriteLine("DATA"); err != nil {
		return err
	}
	reply, err := io.ReadLine()
	if err != nil {
		return err
	}
	if !isPositiveIntermediate(reply) {
		return fmt.Errorf("DATA rejected: %q", reply)
	}

	for _, line := range bytes.Split(body, []byte("\r\n")) {
		if bytes.HasPrefix(line, []byte(".")) {
			line = append([]byte("."), line...)
		}
		if err := io.WriteLine(string(line)); err != nil {
			return err
		}
	}
	if err := io.WriteLine("."); err != nil {
		return err
	}
	final, err := io.ReadLine()
	if err != nil {
		return err
	}
	if !isPositiveReply(final) {
		return fmt.Errorf("message rejected: %q", final)
	}
	return nil
}

// sendBDAT transmits body as a series of BDAT chunks (spec §4.11: "map
// the body into a shared buffer of chunksize bytes... never end a chunk
// on a bare CR").
func sendBDAT(io *lineio.Conn, body []byte, chunkSize int) error {
	for offset := 0; offset < len(body) || offset == 0; {
		end := offset + chunkSize
		if end > len(body) {
			end = len(body)
		}
		// Never end a chunk on a bare CR: extend by one byte so the LF
		// stays in the same chunk.
		if end > offset && end < len(body) && body[end-1] == '\r' {
			end++
		}
		last := end >= len(body)
		chunk := body[offset:end]

		verb := fmt.Sprintf("BDAT %d", len(chunk))
		if last {
			verb += " LAST"
		}
		if err := io.WriteLine(verb); err != nil {
			return err
		}
		if err := io.WriteAll(chunk); err != nil {
			return err
		}
		reply, err := io.ReadLine()
		if err != nil {
			return err
		}
		if !isPositiveReply(reply) {
			return fmt.Errorf("BDAT rejected: %q", reply)
		}
		if last {
			break
		}
		offset = end
	}
	return nil
}

func quit(io *lineio.Conn) {
	io.WriteLine("QUIT")
	io.ReadLine()
}

func replyToResult(rcpt string, reply []byte) Result {
	code, _ := strconv.Atoi(string(reply[:min3(len(reply), 3)]))
	return Result{
		Recipient: rcpt,
		Accepted:  isPositiveReply(reply),
		Code:      code,
		Message:   string(reply),
	}
}

func min3(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func isPositiveReply(line []byte) bool {
	return len(line) >= 3 && line[0] == '2'
}

func isPositiveIntermediate(line []byte) bool {
	return len(line) >= 3 && line[0] == '3'
}

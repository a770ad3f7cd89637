package remoteclient

import (
	"bufio"
	"context"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/qsmtpd/qsmtpd/internal/resolver"
)

// fakePeer is a minimal scripted SMTP server used to drive Deliver/attempt
// without a real network peer. Reading a line blocks until it has arrived
// on the wire regardless of whether the client batched its writes, so the
// same read-reply sequence serves both the pipelined and non-pipelined
// cases.
type fakePeer struct {
	ln       net.Listener
	port     string
	pipeline bool
	chunking bool
}

func newFakePeer(t *testing.T, pipeline, chunking bool) *fakePeer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	_, port, _ := net.SplitHostPort(ln.Addr().String())
	p := &fakePeer{ln: ln, port: port, pipeline: pipeline, chunking: chunking}
	go p.serveOne()
	t.Cleanup(func() { ln.Close() })
	return p
}

func (p *fakePeer) serveOne() {
	conn, err := p.ln.Accept()
	if err != nil {
		return
	}
	defer conn.Close()
	r := bufio.NewReader(conn)
	write := func(s string) { conn.Write([]byte(s + "\r\n")) }

	write("220 fake.example ESMTP")

	line, err := r.ReadString('\n')
	if err != nil || !strings.HasPrefix(line, "EHLO") {
		return
	}
	write("250-fake.example")
	if p.pipeline {
		write("250-PIPELINING")
	}
	write("250-8BITMIME")
	if p.chunking {
		write("250-CHUNKING")
	}
	write("250 SIZE 10000000")

	mailLine, err := r.ReadString('\n')
	if err != nil || !strings.HasPrefix(mailLine, "MAIL FROM") {
		return
	}
	write("250 2.1.0 ok")

	for {
		l, err := r.ReadString('\n')
		if err != nil {
			return
		}
		if !strings.HasPrefix(l, "RCPT TO") {
			p.finishAfterEnvelope(conn, r, l, write)
			return
		}
		write("250 2.1.5 ok")
	}
}

// finishAfterEnvelope handles the DATA or BDAT sequence and QUIT.
func (p *fakePeer) finishAfterEnvelope(conn net.Conn, r *bufio.Reader, cmdLine string, write func(string)) {
	switch {
	case strings.HasPrefix(cmdLine, "DATA"):
		write("354 go ahead")
		for {
			l, err := r.ReadString('\n')
			if err != nil {
				return
			}
			if strings.TrimRight(l, "\r\n") == "." {
				break
			}
		}
		write("250 2.0.0 accepted")
	case strings.HasPrefix(cmdLine, "BDAT"):
		line := cmdLine
		for {
			fields := strings.Fields(line)
			n, _ := strconv.Atoi(fields[1])
			buf := make([]byte, n)
			if !readFull(r, buf) {
				return
			}
			last := len(fields) == 3 && strings.EqualFold(fields[2], "LAST")
			if last {
				write("250 2.0.0 accepted")
				break
			}
			write("250 2.0.0 ok")
			next, err := r.ReadString('\n')
			if err != nil {
				return
			}
			line = next
		}
	default:
		return
	}

	q, err := r.ReadString('\n')
	if err == nil && strings.HasPrefix(q, "QUIT") {
		write("221 bye")
	}
}

func readFull(r *bufio.Reader, buf []byte) bool {
	for n := 0; n < len(buf); {
		m, err := r.Read(buf[n:])
		if err != nil {
			return false
		}
		n += m
	}
	return true
}

func loopbackTarget() resolver.IPEntry {
	var e resolver.IPEntry
	e.Addr[12], e.Addr[13], e.Addr[14], e.Addr[15] = 127, 0, 0, 1
	return e
}

func TestDeliverNonPipelinedDATA(t *testing.T) {
	peer := newFakePeer(t, false, false)

	opts := Options{
		HelloDomain: "client.example",
		Sender:      "sender@example.com",
		Recipients:  []string{"rcpt@example.com"},
		Body:        []byte("Subject: hi\r\n\r\nbody\r\n"),
		Timeout:     2 * time.Second,
		Port:        peer.port,
	}
	results, err := Deliver(context.Background(), []resolver.IPEntry{loopbackTarget()}, opts)
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if len(results) != 1 || !results[0].Accepted {
		t.Fatalf("results = %+v, want one accepted result", results)
	}
}

func TestDeliverPipelinedMultiRecipient(t *testing.T) {
	peer := newFakePeer(t, true, false)

	opts := Options{
		HelloDomain: "client.example",
		Sender:      "sender@example.com",
		Recipients:  []string{"a@example.com", "b@example.com"},
		Body:        []byte("Subject: hi\r\n\r\nbody\r\n"),
		Timeout:     2 * time.Second,
		Port:        peer.port,
	}
	results, err := Deliver(context.Background(), []resolver.IPEntry{loopbackTarget()}, opts)
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("results = %+v, want 2", results)
	}
	for _, r := range results {
		if !r.Accepted {
			t.Fatalf("recipient %s not accepted: %+v", r.Recipient, r)
		}
	}
}

func TestDeliverBDATChunking(t *testing.T) {
	peer := newFakePeer(t, true, true)

	opts := Options{
		HelloDomain: "client.example",
		Sender:      "sender@example.com",
		Recipients:  []string{"rcpt@example.com"},
		Body:        []byte("Subject: hi\r\n\r\n" + strings.Repeat("x", 200) + "\r\n"),
		Timeout:     2 * time.Second,
		ChunkSize:   64,
		Port:        peer.port,
	}
	results, err := Deliver(context.Background(), []resolver.IPEntry{loopbackTarget()}, opts)
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if len(results) != 1 || !results[0].Accepted {
		t.Fatalf("results = %+v, want one accepted result", results)
	}
}

func TestResolveRouteParsing(t *testing.T) {
	r, ok := parseRouteLine("mx.example.com:2525:certname")
	if !ok {
		t.Fatalf("expected parse success")
	}
	if r.Host != "mx.example.com" || r.Port != "2525" || r.ClientCertName != "certname" {
		t.Fatalf("parsed route = %+v", r)
	}

	r2, ok := parseRouteLine("mx.example.com")
	if !ok || r2.Host != "mx.example.com" || r2.Port != "" {
		t.Fatalf("parsed route = %+v", r2)
	}
}

func TestIsPositiveReply(t *testing.T) {
	if !isPositiveReply([]byte("250 ok")) {
		t.Fatalf("expected 250 to be positive")
	}
	if isPositiveReply([]byte("550 no")) {
		t.Fatalf("did not expect 550 to be positive")
	}
}

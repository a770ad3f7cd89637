package qsmtpd

import (
	"net"
	"testing"
	"time"

	"github.com/qsmtpd/qsmtpd/internal/lineio"
)

func newDataConn(t *testing.T) (*Conn, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	c := &Conn{
		io:  lineio.New(server, 2 * time.Second),
		cfg: testConfig(t),
	}
	t.Cleanup(func() { client.Close() })
	return c, client
}

func writeLines(t *testing.T, conn net.Conn, lines ...string) {
	t.Helper()
	go func() {
		for _, l := range lines {
			conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
			conn.Write([]byte(l + "\r\n"))
		}
	}()
}

func TestReadDotTerminatedBodyUnstuffing(t *testing.T) {
	c, client := newDataConn(t)
	writeLines(t, client, "Subject: hi", "", "..leading dot", "plain line", ".")

	body, err := c.readDotTerminatedBody()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "Subject: hi\r\n\r\n.leading dot\r\nplain line\r\n"
	if string(body) != want {
		t.Fatalf("body = %q, want %q", body, want)
	}
}

func TestReadDotTerminatedBodyLoopDetection(t *testing.T) {
	c, client := newDataConn(t)
	lines := []string{}
	for i := 0; i <= maxReceivedLines; i++ {
		lines = append(lines, "Received: from x by y")
	}
	lines = append(lines, "", "body", ".")
	writeLines(t, client, lines...)

	_, err := c.readDotTerminatedBody()
	if err == nil {
		t.Fatalf("expected mail loop error, got nil")
	}
}

func TestReadDotTerminatedBodyDeliveredToLoop(t *testing.T) {
	c, client := newDataConn(t)
	c.recipients = []string{"rcpt@example.com"}
	writeLines(t, client, "Delivered-To: rcpt@example.com", "", "body", ".")

	_, err := c.readDotTerminatedBody()
	if err == nil {
		t.Fatalf("expected mail loop error for matching Delivered-To")
	}
}

func TestAppendBDATChunkAcrossBoundary(t *testing.T) {
	c := &Conn{}
	c.appendBDATChunk([]byte("abc\r"))
	c.appendBDATChunk([]byte("\ndef"))

	got := c.bdatBody.buf.String()
	want := "abc\r\ndef"
	if got != want {
		t.Fatalf("body = %q, want %q", got, want)
	}
	if c.bdatBody.total != uint64(len(want)) {
		t.Fatalf("total = %d, want %d", c.bdatBody.total, len(want))
	}
}

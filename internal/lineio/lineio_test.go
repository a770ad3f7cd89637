package lineio

import (
	"io"
	"net"
	"testing"
	"time"
)

func TestReadLine(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	c := New(server, time.Second)
	go client.Write([]byte("EHLO example.com\r\n"))

	line, err := c.ReadLine()
	if err != nil {
		t.Fatalf("ReadLine: %v", err)
	}
	if string(line) != "EHLO example.com" {
		t.Errorf("got %q", line)
	}
}

func TestReadLineBareLFIsBadCRLF(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	c := New(server, time.Second)
	go client.Write([]byte("EHLO\nfoo"))

	if _, err := c.ReadLine(); err != ErrBadCRLF {
		t.Fatalf("got err=%v, want ErrBadCRLF", err)
	}
}

func TestReadLineTooLong(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	c := New(server, time.Second)
	long := make([]byte, MaxLineLength+50)
	for i := range long {
		long[i] = 'x'
	}
	go client.Write(append(long, "\r\n"...))

	if _, err := c.ReadLine(); err != ErrLineTooLong {
		t.Fatalf("got err=%v, want ErrLineTooLong", err)
	}
}

func TestWriteLines(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	c := New(server, time.Second)
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.WriteLines([]string{"250-PIPELINING", "250 2.0.0 ok"})
	}()

	buf := make([]byte, 64)
	n, err := io.ReadAtLeast(client, buf, len("250-PIPELINING\r\n250 2.0.0 ok\r\n"))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	want := "250-PIPELINING\r\n250 2.0.0 ok\r\n"
	if string(buf[:n]) != want {
		t.Errorf("got %q, want %q", buf[:n], want)
	}
	<-done
}

func TestReadBinary(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	c := New(server, time.Second)
	go client.Write([]byte("abcdef"))

	got, err := c.ReadBinary(6)
	if err != nil {
		t.Fatalf("ReadBinary: %v", err)
	}
	if string(got) != "abcdef" {
		t.Errorf("got %q", got)
	}
}

func TestDataPendingAndDiscard(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	c := New(server, time.Second)
	done := make(chan struct{})
	go func() {
		defer close(done)
		// Two pipelined lines arrive in a single write; reading the
		// first should leave the second buffered.
		client.Write([]byte("MAIL FROM:<a@b>\r\nRCPT TO:<c@d>\r\n"))
	}()

	if _, err := c.ReadLine(); err != nil {
		t.Fatalf("ReadLine: %v", err)
	}
	<-done

	if !c.DataPending() {
		t.Errorf("expected pipelined second line to be buffered")
	}
	n := c.Discard()
	if n == 0 {
		t.Errorf("expected Discard to drop buffered bytes")
	}
	if c.DataPending() {
		t.Errorf("expected no pending data after Discard")
	}
}

package qlog

import (
	"bytes"
	"io"
	"strings"
	"testing"
)

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

func newTestLogger(level Level) (*Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	l := New(nopCloser{&buf})
	l.Level = level
	l.LogTime = false
	return l, &buf
}

func TestLogRespectsLevel(t *testing.T) {
	l, buf := newTestLogger(Info)
	l.Debugf("hidden %d", 1)
	if buf.Len() != 0 {
		t.Errorf("expected Debugf to be suppressed at Info level, got %q", buf.String())
	}

	l.Infof("visible %d", 2)
	if !strings.Contains(buf.String(), "visible 2") {
		t.Errorf("expected Infof to be logged, got %q", buf.String())
	}
}

func TestLogLinePrefix(t *testing.T) {
	l, buf := newTestLogger(Debug)
	l.Infof("hello")
	line := buf.String()
	if !strings.Contains(line, "_ ") {
		t.Errorf("expected info-level marker in %q", line)
	}
	if !strings.HasSuffix(line, "hello\n") {
		t.Errorf("expected message to end the line, got %q", line)
	}
}

func TestErrorfReturnsError(t *testing.T) {
	l, buf := newTestLogger(Info)
	err := l.Errorf("boom: %d", 42)
	if err == nil || err.Error() != "boom: 42" {
		t.Errorf("got %v", err)
	}
	if !strings.Contains(buf.String(), "boom: 42") {
		t.Errorf("expected error to be logged, got %q", buf.String())
	}
}

func TestV(t *testing.T) {
	l, _ := newTestLogger(Info)
	if l.V(Debug) {
		t.Errorf("expected Debug not visible at Info level")
	}
	if !l.V(Error) {
		t.Errorf("expected Error visible at Info level")
	}
}

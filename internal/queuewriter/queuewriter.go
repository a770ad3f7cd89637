// Package queuewriter implements the queue-writer bridge (spec §4.10/§6):
// forking the external queue binary over two pipes, encoding the
// envelope per the F/T\0 wire protocol, and mapping the child's exit
// code onto an SMTP reply.
//
// Grounded on the same os/exec-plus-context-deadline shape as the
// teacher's internal/courier.Procmail (cmd.CombinedOutput, a
// context.WithDeadline, and syscall.WaitStatus inspection for the exit
// code), generalized from procmail's single stdin pipe to the two
// separate body/envelope pipes spec §6 requires.
package queuewriter

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/qsmtpd/qsmtpd/internal/envelope"
)

// Binary resolves which queue binary to run, per spec §4.10: authed
// sessions prefer $QMAILQUEUEAUTH, otherwise $QMAILQUEUE, otherwise the
// default "bin/qmail-queue" relative to autoqmail.
func Binary(authed bool, autoqmail string) string {
	if authed {
		if v := os.Getenv("QMAILQUEUEAUTH"); v != "" {
			return v
		}
	}
	if v := os.Getenv("QMAILQUEUE"); v != "" {
		return v
	}
	if autoqmail == "" {
		autoqmail = "/var/qmail"
	}
	return autoqmail + "/bin/qmail-queue"
}

// Reply is the SMTP status the state machine sends back after the queue
// writer exits.
type Reply struct {
	Code      int
	Enhanced  string
	Text      string
	Permanent bool
}

// exitTable maps qmail-queue's exit codes onto replies, per spec §6.
var exitTable = map[int]Reply{
	0:  {250, "2.0.0", "ok", false},
	11: {553, "5.1.3", "address too long", true},
	31: {550, "5.3.0", "permanent failure", true},
	51: {452, "4.3.0", "out of memory, try again later", false},
	52: {451, "4.4.2", "timeout, try again later", false},
	53: {451, "4.3.0", "disk or write error, try again later", false},
	54: {451, "4.3.0", "read error, try again later", false},
	55: {451, "4.3.5", "configuration error, try again later", false},
	61: {451, "4.3.0", "unable to read home directory, try again later", false},
	62: {451, "4.3.0", "unable to create queue entry, try again later", false},
	63: {451, "4.3.0", "unable to create queue entry, try again later", false},
	64: {451, "4.3.0", "unable to create queue entry, try again later", false},
	65: {451, "4.3.0", "unable to create queue entry, try again later", false},
	66: {451, "4.3.0", "unable to create queue entry, try again later", false},
	71: {451, "4.3.0", "mail server temporarily rejected message", false},
	72: {451, "4.4.1", "connection timed out, try again later", false},
	73: {451, "4.4.1", "connection refused, try again later", false},
	74: {451, "4.4.2", "communication failure, try again later", false},
	81: {451, "4.3.0", "internal bug, try again later", false},
	91: {451, "4.3.0", "internal bug, try again later", false},
}

// ReplyFor returns the SMTP reply for a given exit code, defaulting to a
// generic temp-fail for any code not in the table.
func ReplyFor(exitCode int) Reply {
	if r, ok := exitTable[exitCode]; ok {
		return r
	}
	return Reply{451, "4.3.0", "unexpected queue writer failure, try again later", false}
}

// Write forks the resolved queue binary and feeds it body on fd 0 and
// the F/T\0 envelope (via internal/envelope.Build) on fd 1, per spec §6.
// It returns the mapped SMTP Reply once the child exits.
func Write(ctx context.Context, binary string, timeout time.Duration, sender string, recipients []string, body []byte) (Reply, error) {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	envR, envW, err := os.Pipe()
	if err != nil {
		return Reply{}, fmt.Errorf("queuewriter: envelope pipe: %w", err)
	}
	defer envR.Close()

	cmd := exec.CommandContext(ctx, binary)
	cmd.Stdin = bytes.NewReader(body)
	// qmail-queue's wire protocol (spec §6) reads the envelope on fd 1,
	// not the conventional stdout; passing the *os.File directly makes
	// os/exec dup2 it onto fd 1 without an intermediate copy goroutine.
	cmd.Stdout = envR

	envelopeBytes := envelope.Build(sender, recipients)

	writeErrCh := make(chan error, 1)
	go func() {
		_, werr := envW.Write(envelopeBytes)
		envW.Close()
		writeErrCh <- werr
	}()

	runErr := cmd.Run()
	<-writeErrCh

	if ctx.Err() == context.DeadlineExceeded {
		return Reply{451, "4.4.2", "queue writer timed out", false}, fmt.Errorf("queuewriter: timed out")
	}

	exitCode := 0
	if runErr != nil {
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
				exitCode = status.ExitStatus()
			} else {
				exitCode = 81
			}
		} else {
			// Failed to even start the binary: treat as a config error.
			return Reply{451, "4.3.5", "unable to run queue writer, try again later", false}, runErr
		}
	}

	return ReplyFor(exitCode), nil
}

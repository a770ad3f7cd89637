package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCommandCounter(t *testing.T) {
	before := testutil.ToFloat64(commandsTotal.WithLabelValues("RCPT"))
	Command("RCPT")
	after := testutil.ToFloat64(commandsTotal.WithLabelValues("RCPT"))
	if after != before+1 {
		t.Errorf("commandsTotal[RCPT] = %v, want %v", after, before+1)
	}
}

func TestFilterVerdictCounter(t *testing.T) {
	before := testutil.ToFloat64(filterVerdictsTotal.WithLabelValues("badmailfrom", "pass"))
	FilterVerdict("badmailfrom", "pass")
	after := testutil.ToFloat64(filterVerdictsTotal.WithLabelValues("badmailfrom", "pass"))
	if after != before+1 {
		t.Errorf("filterVerdictsTotal = %v, want %v", after, before+1)
	}
}

func TestQueueWriterExitCounter(t *testing.T) {
	before := testutil.ToFloat64(queueWriterExitsTotal.WithLabelValues("0"))
	QueueWriterExit(0)
	after := testutil.ToFloat64(queueWriterExitsTotal.WithLabelValues("0"))
	if after != before+1 {
		t.Errorf("queueWriterExitsTotal[0] = %v, want %v", after, before+1)
	}
}

func TestRegisterIdempotent(t *testing.T) {
	Register()
	Register()
}

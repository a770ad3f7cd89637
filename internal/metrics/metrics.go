// Package metrics collects qsmtpd suite counters for operational
// visibility: per-command counts, filter verdicts, SPF results,
// queue-writer exit codes, and TLS usage.
//
// The teacher's monitoring.go exposes all of its counters through
// expvar plus its own internal/expvarom wrapper (not present in this
// build's dependency set); since the retrieval pack carries
// github.com/prometheus/client_golang as the dependency used for this
// purpose elsewhere (HouzuoGuo-laitos/daemon/maintenance/perfmetrics.go,
// building *prometheus.CounterVec/GaugeVec and registering them
// globally), this package is built the same way and additionally
// exposes the same counters, except the TLS handshake counter, over
// expvar for parity with the teacher's plain-text /debug/vars-style
// introspection.
package metrics

import (
	"expvar"
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	mu sync.Mutex

	commandsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "qsmtpd_commands_total",
		Help: "SMTP commands processed, by verb.",
	}, []string{"verb"})

	filterVerdictsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "qsmtpd_filter_verdicts_total",
		Help: "Filter pipeline verdicts, by filter name and result.",
	}, []string{"filter", "result"})

	spfResultsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "qsmtpd_spf_results_total",
		Help: "SPF check_host results, by result.",
	}, []string{"result"})

	queueWriterExitsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "qsmtpd_queuewriter_exits_total",
		Help: "qmail-queue exit codes observed, by code.",
	}, []string{"code"})

	tlsHandshakesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "qsmtpd_tls_handshakes_total",
		Help: "STARTTLS handshakes, by direction and TLS version.",
	}, []string{"direction", "version"})

	connectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "qsmtpd_connections_total",
		Help: "Inbound SMTP connections accepted.",
	})

	messagesAcceptedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "qsmtpd_messages_accepted_total",
		Help: "Messages handed to the queue writer successfully.",
	})

	// expvar mirrors, matching the teacher's habit of keeping simple
	// plain-text counters available alongside the Prometheus registry.
	expCommands  = expvar.NewMap("qsmtpd/commands")
	expVerdicts  = expvar.NewMap("qsmtpd/filterVerdicts")
	expSPF       = expvar.NewMap("qsmtpd/spfResults")
	expExits     = expvar.NewMap("qsmtpd/queuewriterExits")
	expConns     = expvar.NewInt("qsmtpd/connections")
	expAccepted  = expvar.NewInt("qsmtpd/messagesAccepted")
	registerOnce sync.Once
)

// Register registers all collectors with the default Prometheus
// registry. Safe to call more than once; only the first call has
// effect.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			commandsTotal,
			filterVerdictsTotal,
			spfResultsTotal,
			queueWriterExitsTotal,
			tlsHandshakesTotal,
			connectionsTotal,
			messagesAcceptedTotal,
		)
	})
}

// Command records one processed SMTP command verb (e.g. "MAIL", "RCPT",
// "DATA").
func Command(verb string) {
	commandsTotal.WithLabelValues(verb).Inc()
	mu.Lock()
	expCommands.Add(verb, 1)
	mu.Unlock()
}

// FilterVerdict records one filter pipeline stage's outcome.
func FilterVerdict(filterName, result string) {
	filterVerdictsTotal.WithLabelValues(filterName, result).Inc()
	mu.Lock()
	expVerdicts.Add(filterName+":"+result, 1)
	mu.Unlock()
}

// SPFResult records one SPF check_host outcome.
func SPFResult(result string) {
	spfResultsTotal.WithLabelValues(result).Inc()
	mu.Lock()
	expSPF.Add(result, 1)
	mu.Unlock()
}

// QueueWriterExit records one qmail-queue (or qmail-queue-auth) child
// exit code.
func QueueWriterExit(code int) {
	label := strconv.Itoa(code)
	queueWriterExitsTotal.WithLabelValues(label).Inc()
	mu.Lock()
	expExits.Add(label, 1)
	mu.Unlock()
}

// TLSHandshake records one completed STARTTLS handshake.
func TLSHandshake(direction, version string) {
	tlsHandshakesTotal.WithLabelValues(direction, version).Inc()
}

// Connection records one accepted inbound connection.
func Connection() {
	connectionsTotal.Inc()
	expConns.Add(1)
}

// MessageAccepted records one message successfully hashed off to the
// queue writer.
func MessageAccepted() {
	messagesAcceptedTotal.Inc()
	expAccepted.Add(1)
}

package tsc

import "github.com/VictoriaMetrics/metrics"

// Counters for observing transport behavior. Exposed through the
// VictoriaMetrics default set - callers surface them with metrics.WritePrometheus.
var (
	requestsTotal        = metrics.NewCounter(`tsc_requests_total`)
	retriesTotal         = metrics.NewCounter(`tsc_request_retries_total`)
	connectionFaults     = metrics.NewCounter(`tsc_connection_faults_total`)
	timeoutFaults        = metrics.NewCounter(`tsc_timeout_faults_total`)
	abortedRequests      = metrics.NewCounter(`tsc_aborted_requests_total`)
	sniffsTotal          = metrics.NewCounter(`tsc_sniffs_total`)
	resurrectionAttempts = metrics.NewCounter(`tsc_resurrection_attempts_total`)
)

package telemetry

import "sync"

// ResetMetricsForTest clears cached metric instruments so tests can
// reinitialize them against a fresh MeterProvider.
func ResetMetricsForTest() {
	metricsOnce = sync.Once{}
	metricsInitErr = nil
	invocationCounter = nil
	invocationFailures = nil
	invocationLatency = nil
	authzDenialsCounter = nil
}

// Package telemetry wires OpenTelemetry tracing and meters for DAO instances.
//
// It centralises trace provider setup, records action invocation metrics for the
// governance engine and the treasury ledger, and offers helpers that annotate spans
// with call and authorization details without exporting raw payloads.
package telemetry

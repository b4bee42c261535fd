// Package resilience protects outbound action delivery to external targets.
//
// A Breaker stops calling a target that keeps failing, and a Limiter caps the
// rate of calls per target. Neither retries: a failed call is reported to the
// caller, which decides whether to execute again.
package resilience

// Package policy evaluates Rego authorization policies with an embedded Open
// Policy Agent and exposes them as a domain.Guard.
//
// A policy can only narrow what the built-in role checks of the registry,
// governance engine and treasury ledger allow. Policies are reloaded in place,
// so a file watcher can swap them without rebuilding the components that hold
// the guard.
package policy

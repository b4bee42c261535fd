// Package domain defines the core types shared by the member registry, the
// governance engine and the treasury ledger.
//
// The package holds no behaviour beyond small value helpers. It depends only on
// the standard library and on the value types used for identities
// (go-ethereum's common.Address) and amounts (shopspring/decimal):
//
//	registry, governance, treasury → domain (CORRECT)
//	domain → registry, governance, treasury (FORBIDDEN)
//
// Errors returned by every component match one of the kinds declared in
// errors.go, so callers can branch with errors.Is regardless of which component
// produced the failure.
package domain

package policy

import (
	"errors"
	"fmt"
	"strings"
)

// Mode decides what a guard does when the policy itself cannot be evaluated.
type Mode string

const (
	// ModeFailClosed vetoes the operation when evaluation fails.
	ModeFailClosed Mode = "fail-closed"
	// ModeFailOpen lets the operation proceed when evaluation fails.
	ModeFailOpen Mode = "fail-open"
)

// ParseMode converts a textual mode. An empty value selects fail-closed.
func ParseMode(value string) (Mode, error) {
	mode := Mode(strings.TrimSpace(strings.ToLower(value)))
	if mode == "" {
		return ModeFailClosed, nil
	}
	if !mode.IsValid() {
		return "", fmt.Errorf("invalid failure mode %q", value)
	}
	return mode, nil
}

// IsValid reports whether the mode is recognised.
func (m Mode) IsValid() bool {
	switch m {
	case ModeFailClosed, ModeFailOpen:
		return true
	default:
		return false
	}
}

// errEvaluation marks failures of the policy machinery rather than vetoes.
var errEvaluation = errors.New("policy evaluation failed")

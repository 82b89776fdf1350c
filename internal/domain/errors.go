package domain

import (
	"errors"
	"fmt"
)

// ErrConfiguration marks a malformed rule or condition. It is returned at
// rule creation or registry mutation time and never reaches evaluation.
var ErrConfiguration = errors.New("configuration error")

// Configuration errors. Each wraps ErrConfiguration.
var (
	ErrTypeMismatch     = fmt.Errorf("%w: operator incompatible with field type", ErrConfiguration)
	ErrInvalidThreshold = fmt.Errorf("%w: risk threshold must be between 0 and 100", ErrConfiguration)
	ErrUnknownSet       = fmt.Errorf("%w: unknown set", ErrConfiguration)
)

var (
	ErrUnknownField        = errors.New("unknown field")
	ErrDuplicateID         = errors.New("duplicate id")
	ErrRuleNotFound        = errors.New("rule not found")
	ErrAlertNotFound       = errors.New("alert not found")
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrAlreadyDecided      = errors.New("transaction already decided")
	ErrInvalidDecision     = errors.New("invalid decision")
	ErrInvalidTransaction  = errors.New("invalid transaction")
)

package consts

import "errors"

var (
	ErrRuleNotFound  = errors.New("rule not found")
	ErrRuleExists    = errors.New("rule already exists")
	ErrInvalidRule   = errors.New("invalid rule")
	ErrInternalError = errors.New("internal error")

	ErrDBNotFound        = errors.New("not found")
	ErrDBUniqueViolation = errors.New("unique violation")

	ErrStoreUnavailable = errors.New("rule store unavailable")
)

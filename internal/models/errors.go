package models

import (
	"errors"
)

var (
	// ErrValidation marks malformed parameters. Never retried.
	ErrValidation = errors.New("validation error")
	// ErrContractViolation marks unknown job types, task types or stages. Never retried.
	ErrContractViolation = errors.New("contract violation")
)

package models

import (
	"errors"
	"fmt"
)

var (
	// ErrContractViolation marks malformed input facts. It aborts the whole run.
	ErrContractViolation = errors.New("input contract violation")

	// ErrInvalidConfig marks a missing or out-of-range threshold
	ErrInvalidConfig = errors.New("invalid configuration")
)

// ContractViolationError describes which resource broke the input contract
type ContractViolationError struct {
	Resource string
	Reason   string
}

func (e *ContractViolationError) Error() string {
	if e.Resource == "" {
		return fmt.Sprintf("%s: %s", ErrContractViolation, e.Reason)
	}
	return fmt.Sprintf("%s: %s: %s", ErrContractViolation, e.Resource, e.Reason)
}

func (e *ContractViolationError) Unwrap() error {
	return ErrContractViolation
}

// Violation builds a ContractViolationError for the given resource
func Violation(resource string, format string, args ...interface{}) error {
	return &ContractViolationError{
		Resource: resource,
		Reason:   fmt.Sprintf(format, args...),
	}
}

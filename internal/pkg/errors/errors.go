package errors

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is a generic sentinel for missing resources.
	ErrNotFound = errors.New("not found")
	// ErrUnauthorized is a generic sentinel for auth failures.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrInvalidArgument is a generic sentinel for invalid input.
	ErrInvalidArgument = errors.New("invalid argument")
)

/*
ContractViolation marks a programming defect: a missing registry entry, an
invalid state transition, an invariant breach. It is never retried and
never silently swallowed — the orchestrator records it verbatim as the
task's error_details ("CONTRACT_VIOLATION: <detail>") and fails the task
(and, by stage aggregation, the job) immediately.
*/
type ContractViolation struct {
	Code   string
	Detail string
}

func (e *ContractViolation) Error() string {
	if e.Detail == "" {
		return "CONTRACT_VIOLATION: " + e.Code
	}
	return fmt.Sprintf("CONTRACT_VIOLATION: %s: %s", e.Code, e.Detail)
}

func NewContractViolation(code, detail string) *ContractViolation {
	return &ContractViolation{Code: code, Detail: detail}
}

/*
BusinessError marks an expected runtime failure — queue unavailable, DB
transient, blob not found, or a handler's own domain error. It is caught
at the orchestrator boundary, recorded as structured error_details, and
observed by the stage aggregator like any other failed task. The bus
itself never retries it (max_delivery_count=1); bounded handler-side retry
is a separate, explicit concern (see the retry package).
*/
type BusinessError struct {
	Code   string
	Detail string
	Cause  error
}

func (e *BusinessError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Detail, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Detail)
}

func (e *BusinessError) Unwrap() error { return e.Cause }

func NewBusinessError(code, detail string, cause error) *BusinessError {
	return &BusinessError{Code: code, Detail: detail, Cause: cause}
}

// IsContractViolation reports whether err (or something it wraps) is a
// ContractViolation.
func IsContractViolation(err error) bool {
	var cv *ContractViolation
	return errors.As(err, &cv)
}

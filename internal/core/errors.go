package core

import (
	"errors"
	"fmt"
)

// Domain errors. Callers branch with errors.Is / errors.As; lower layers
// wrap these with %w and context.
var (
	ErrWorkerNotFound              = errors.New("worker not found")
	ErrTaskNotFound                = errors.New("task not found")
	ErrInsufficientSubmissions     = errors.New("insufficient submissions for consensus")
	ErrInsufficientEligibleWorkers = errors.New("insufficient eligible workers")
	ErrUnanimousNotReached         = errors.New("unanimous consensus not reached")
	ErrAuctionClosed               = errors.New("auction is closed")
	ErrAuctionNotFound             = errors.New("auction not found")
	ErrSuspiciousActivity          = errors.New("suspicious activity detected")
	ErrStorageUnavailable          = errors.New("storage unavailable")
	ErrProviderFailure             = errors.New("external provider failure")
	ErrTimeout                     = errors.New("operation timed out")
)

// ValidationError marks bad input that surfaces to the caller unretried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation failed: %s", e.Reason)
	}
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
}

// NewValidationError builds a field-scoped validation failure.
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsRetryable reports whether err is worth retrying with backoff.
// Validation and domain rejections are not; infrastructure faults are.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStorageUnavailable) || errors.Is(err, ErrTimeout)
}

// FraudRejection is the structured rejection the orchestrator returns when
// a submission is blocked. It wraps ErrSuspiciousActivity so errors.Is
// keeps working.
type FraudRejection struct {
	WorkerID  string
	TaskID    string
	Level     FraudLevel
	RiskScore float64
	Reasons   []string
}

func (e *FraudRejection) Error() string {
	return fmt.Sprintf("suspicious activity detected: worker=%s task=%s level=%s risk=%.2f",
		e.WorkerID, e.TaskID, e.Level, e.RiskScore)
}

func (e *FraudRejection) Unwrap() error { return ErrSuspiciousActivity }

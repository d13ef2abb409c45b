package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrValidation        = errors.New("validation failed")
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrExpired           = errors.New("payment expired")
	ErrForbidden         = errors.New("forbidden")
	ErrRateLimited       = errors.New("rate limited")
	ErrCapacity          = errors.New("capacity exceeded")
	ErrTimeout           = errors.New("timeout")
	ErrTransientDelivery = errors.New("webhook delivery failed")
	ErrFatalDelivery     = errors.New("webhook delivery retries exhausted")
	ErrInfrastructure    = errors.New("infrastructure unavailable")
)

func IsValidation(err error) bool        { return errors.Is(err, ErrValidation) }
func IsNotFound(err error) bool          { return errors.Is(err, ErrNotFound) }
func IsConflict(err error) bool          { return errors.Is(err, ErrConflict) }
func IsInsufficientFunds(err error) bool { return errors.Is(err, ErrInsufficientFunds) }
func IsExpired(err error) bool           { return errors.Is(err, ErrExpired) }
func IsForbidden(err error) bool         { return errors.Is(err, ErrForbidden) }
func IsInfrastructure(err error) bool    { return errors.Is(err, ErrInfrastructure) }

// Validationf returns a validation error with a caller-facing message.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Infra marks err as an infrastructure failure while keeping it unwrappable.
func Infra(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, errors.Join(ErrInfrastructure, err))
}

// ConflictError is returned when a payment is no longer in the status an
// operation requires, including the loser of a settlement race.
type ConflictError struct {
	Current Status
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("payment cannot be processed, current status: %s", e.Current)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

// RejectionError is an admission-control refusal. Err is ErrRateLimited,
// ErrCapacity or ErrTimeout.
type RejectionError struct {
	Err        error
	Code       string
	Message    string
	RetryAfter time.Duration
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *RejectionError) Unwrap() error { return e.Err }

// Package errors provides structured error handling with typed error codes.
//
// Error codes are organized into categories:
//   - General errors (1-99): Unknown and general errors
//   - Configuration errors (100-199): invalid pnl source, unknown version, bad parameters.
//     Reported to the caller immediately; the call aborts instead of returning zeroed metrics.
//   - Data anomalies (200-299): unmatched sells, non-positive quantities, duplicate events,
//     missing prices. Recorded and counted, never abort a run.
//   - Consistency violations (300-399): a lot driven below zero, a duplicate allocation pair,
//     an existing version with a different record set. Fatal for one instrument run only.
//   - Storage errors (400-499): ledger and event store failures
//   - Price feed errors (500-599): market data boundary failures
//
// Usage:
//
//	// Create a new error
//	err := errors.New(errors.ErrCodeInvalidPnLSource, "unknown pnl source")
//
//	// Create a formatted error
//	err := errors.Newf(errors.ErrCodeVersionNotFound, "allocation version %d has no data", version)
//
//	// Wrap an existing error
//	err := errors.Wrap(errors.ErrCodeQueryFailed, "failed to load allocation records", originalErr)
//
//	// Check error code or category
//	if errors.HasCode(err, errors.ErrCodeVersionConflict) { ... }
//	if errors.IsConsistencyViolation(err) { ... }
package errors

import (
	"errors"
	"fmt"
)

// Error represents a structured error with an error code and message.
type Error struct {
	Code    ErrorCode
	Message string
	Cause   error
}

// New creates a new Error with the given code and message.
func New(code ErrorCode, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Cause:   nil,
	}
}

// Newf creates a new Error with the given code and formatted message.
func Newf(code ErrorCode, format string, args ...any) *Error {
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Cause:   nil,
	}
}

// Wrap wraps an existing error with a new Error containing the given code and message.
func Wrap(code ErrorCode, message string, cause error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// Wrapf wraps an existing error with a new Error containing the given code and formatted message.
func Wrapf(code ErrorCode, cause error, format string, args ...any) *Error {
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Cause:   cause,
	}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%d] %s: %v", e.Code, e.Message, e.Cause)
	}

	return fmt.Sprintf("[%d] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether any error in err's chain matches target.
// This is a convenience wrapper around the standard errors.Is function.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
// This is a convenience wrapper around the standard errors.As function.
func As(err error, target any) bool {
	return errors.As(err, target)
}

// GetCode extracts the ErrorCode from an error if it's an *Error type.
// Returns ErrCodeUnknown if the error is not an *Error type.
func GetCode(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}

	return ErrCodeUnknown
}

// HasCode checks if an error has a specific ErrorCode.
func HasCode(err error, code ErrorCode) bool {
	return GetCode(err) == code
}

// Category groups error codes by their hundreds range.
type Category string

const (
	CategoryGeneral       Category = "general"
	CategoryConfiguration Category = "configuration"
	CategoryDataAnomaly   Category = "data_anomaly"
	CategoryConsistency   Category = "consistency_violation"
	CategoryStorage       Category = "storage"
	CategoryPriceFeed     Category = "price_feed"
)

// CategoryOf returns the category a code belongs to.
func CategoryOf(code ErrorCode) Category {
	switch {
	case code >= 100 && code < 200:
		return CategoryConfiguration
	case code >= 200 && code < 300:
		return CategoryDataAnomaly
	case code >= 300 && code < 400:
		return CategoryConsistency
	case code >= 400 && code < 500:
		return CategoryStorage
	case code >= 500 && code < 600:
		return CategoryPriceFeed
	default:
		return CategoryGeneral
	}
}

// IsConfigurationError reports whether err carries a configuration error code.
func IsConfigurationError(err error) bool {
	return err != nil && CategoryOf(GetCode(err)) == CategoryConfiguration
}

// IsDataAnomaly reports whether err carries a data anomaly code.
func IsDataAnomaly(err error) bool {
	return err != nil && CategoryOf(GetCode(err)) == CategoryDataAnomaly
}

// IsConsistencyViolation reports whether err carries a consistency violation code.
func IsConsistencyViolation(err error) bool {
	return err != nil && CategoryOf(GetCode(err)) == CategoryConsistency
}

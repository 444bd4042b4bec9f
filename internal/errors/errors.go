package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents a Recast error code.
type ErrorCode string

const (
	ErrInvalidRequest ErrorCode = "INVALID_REQUEST" // 400
	ErrInvalidURL     ErrorCode = "INVALID_URL"     // 400
	ErrNotFound       ErrorCode = "NOT_FOUND"       // 404
	ErrScrape         ErrorCode = "SCRAPE_FAILED"   // 502
	ErrUpstream       ErrorCode = "UPSTREAM_FAILED" // 502
	ErrInternal       ErrorCode = "INTERNAL"        // 500
)

// RecastError represents a structured error with code, status, and details.
type RecastError struct {
	Code    ErrorCode
	Status  int
	Message string
	Details map[string]any
	cause   error
}

// Error implements the error interface.
func (e *RecastError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause, if any.
func (e *RecastError) Unwrap() error {
	return e.cause
}

// NewInvalidRequest creates a 400 error for malformed request bodies or parameters.
func NewInvalidRequest(msg string) *RecastError {
	return &RecastError{
		Code:    ErrInvalidRequest,
		Status:  400,
		Message: msg,
	}
}

// NewInvalidURL creates a 400 error for a source URL that fails validation.
func NewInvalidURL(rawURL, reason string) *RecastError {
	return &RecastError{
		Code:    ErrInvalidURL,
		Status:  400,
		Message: fmt.Sprintf("invalid source URL: %s", reason),
		Details: map[string]any{"url": rawURL},
	}
}

// NewNotFound creates a 404 error for when no cached article exists.
func NewNotFound(url string) *RecastError {
	return &RecastError{
		Code:    ErrNotFound,
		Status:  404,
		Message: fmt.Sprintf("article not cached: %s", url),
		Details: map[string]any{"url": url},
	}
}

// NewScrape creates a 502 error when the source document cannot be fetched.
func NewScrape(url string, err error) *RecastError {
	msg := "failed to fetch source document"
	if err != nil {
		msg = fmt.Sprintf("%s: %v", msg, err)
	}
	return &RecastError{
		Code:    ErrScrape,
		Status:  502,
		Message: msg,
		Details: map[string]any{"url": url},
		cause:   err,
	}
}

// NewUpstream creates a 502 error when the generation provider fails before streaming starts.
func NewUpstream(err error) *RecastError {
	msg := "generation provider error"
	if err != nil {
		msg = fmt.Sprintf("%s: %v", msg, err)
	}
	return &RecastError{
		Code:    ErrUpstream,
		Status:  502,
		Message: msg,
		cause:   err,
	}
}

// NewInternal creates a 500 error for unexpected internal errors.
// The message stays generic; the cause is kept in Details for logging.
func NewInternal(err error) *RecastError {
	details := map[string]any{}
	if err != nil {
		details["internal_error"] = err.Error()
	}
	return &RecastError{
		Code:    ErrInternal,
		Status:  500,
		Message: "an internal error occurred",
		Details: details,
		cause:   err,
	}
}

// As extracts a *RecastError from err, converting anything else to an internal error.
func As(err error) *RecastError {
	var rErr *RecastError
	if stderrors.As(err, &rErr) {
		return rErr
	}
	return NewInternal(err)
}

// Is checks if an error is (or wraps) a RecastError with the given code.
func Is(err error, code ErrorCode) bool {
	var rErr *RecastError
	if stderrors.As(err, &rErr) {
		return rErr.Code == code
	}
	return false
}

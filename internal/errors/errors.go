// Package errors defines the error taxonomy shared by every layer of the
// sync service. Each categorized error wraps one of the exported sentinel
// kinds so callers can branch with errors.Is.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// Sentinel kinds.
var (
	// ErrChainUnavailable covers network failures, timeouts and RPC errors
	// returned by the authoritative chain.
	ErrChainUnavailable = stderrors.New("chain unavailable")
	// ErrNotFound means the authoritative source says the entity does not exist.
	ErrNotFound = stderrors.New("not found")
	// ErrStoreUnavailable covers record store and cache backend failures.
	ErrStoreUnavailable = stderrors.New("store unavailable")
	// ErrInvariantViolation rejects writes that would break a record invariant.
	ErrInvariantViolation = stderrors.New("invariant violation")
	// ErrGatewayExhausted means every content gateway failed for a locator.
	ErrGatewayExhausted = stderrors.New("gateway exhausted")
	// ErrInvalidInput rejects malformed caller input.
	ErrInvalidInput = stderrors.New("invalid input")
	// ErrRateLimited means a local or upstream budget was exhausted.
	ErrRateLimited = stderrors.New("rate limited")
)

// ErrorCategory represents the category of an error
type ErrorCategory string

const (
	CategoryChain      ErrorCategory = "chain"
	CategoryNotFound   ErrorCategory = "not_found"
	CategoryStore      ErrorCategory = "store"
	CategoryInvariant  ErrorCategory = "invariant"
	CategoryGateway    ErrorCategory = "gateway"
	CategoryValidation ErrorCategory = "validation"
	CategoryRateLimit  ErrorCategory = "rate_limit"
	CategorySystem     ErrorCategory = "system"
)

// CategorizedError represents an error with category and HTTP status code
type CategorizedError struct {
	Kind       error
	Category   ErrorCategory
	StatusCode int
	Code       string
	Message    string
	Details    map[string]interface{}
	Cause      error
}

// Error implements the error interface
func (e *CategorizedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause
func (e *CategorizedError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is the sentinel kind of this error.
func (e *CategorizedError) Is(target error) bool {
	return e.Kind != nil && target == e.Kind
}

// NewChainUnavailableError wraps a failed chain read or relay.
func NewChainUnavailableError(operation string, cause error) *CategorizedError {
	return &CategorizedError{
		Kind:       ErrChainUnavailable,
		Category:   CategoryChain,
		StatusCode: http.StatusBadGateway,
		Code:       "CHAIN_UNAVAILABLE",
		Message:    fmt.Sprintf("chain unavailable during %s", operation),
		Cause:      cause,
		Details: map[string]interface{}{
			"operation": operation,
		},
	}
}

// NewNotFoundError creates a not found error
func NewNotFoundError(resource string, id string) *CategorizedError {
	return &CategorizedError{
		Kind:       ErrNotFound,
		Category:   CategoryNotFound,
		StatusCode: http.StatusNotFound,
		Code:       "NOT_FOUND",
		Message:    fmt.Sprintf("%s not found: %s", resource, id),
		Details: map[string]interface{}{
			"resource": resource,
			"id":       id,
		},
	}
}

// NewStoreUnavailableError wraps a record store or cache backend failure.
func NewStoreUnavailableError(operation string, cause error) *CategorizedError {
	return &CategorizedError{
		Kind:       ErrStoreUnavailable,
		Category:   CategoryStore,
		StatusCode: http.StatusServiceUnavailable,
		Code:       "STORE_UNAVAILABLE",
		Message:    fmt.Sprintf("store unavailable during %s", operation),
		Cause:      cause,
		Details: map[string]interface{}{
			"operation": operation,
		},
	}
}

// NewInvariantViolationError rejects a write that breaks the named rule.
func NewInvariantViolationError(rule string, key string) *CategorizedError {
	return &CategorizedError{
		Kind:       ErrInvariantViolation,
		Category:   CategoryInvariant,
		StatusCode: http.StatusConflict,
		Code:       "INVARIANT_VIOLATION",
		Message:    fmt.Sprintf("write rejected for %s: %s", key, rule),
		Details: map[string]interface{}{
			"rule": rule,
			"key":  key,
		},
	}
}

// NewGatewayExhaustedError reports that no gateway could serve a locator.
func NewGatewayExhaustedError(locator string, attempts int, cause error) *CategorizedError {
	return &CategorizedError{
		Kind:       ErrGatewayExhausted,
		Category:   CategoryGateway,
		StatusCode: http.StatusBadGateway,
		Code:       "GATEWAY_EXHAUSTED",
		Message:    fmt.Sprintf("all gateways failed for %s", locator),
		Cause:      cause,
		Details: map[string]interface{}{
			"locator":  locator,
			"attempts": attempts,
		},
	}
}

// NewInvalidParameterError creates an invalid parameter error
func NewInvalidParameterError(param string, reason string) *CategorizedError {
	return &CategorizedError{
		Kind:       ErrInvalidInput,
		Category:   CategoryValidation,
		StatusCode: http.StatusBadRequest,
		Code:       "INVALID_PARAMETER",
		Message:    fmt.Sprintf("invalid parameter '%s': %s", param, reason),
		Details: map[string]interface{}{
			"parameter": param,
			"reason":    reason,
		},
	}
}

// NewRateLimitError creates a rate limit error
func NewRateLimitError(scope string, retryAfter int) *CategorizedError {
	return &CategorizedError{
		Kind:       ErrRateLimited,
		Category:   CategoryRateLimit,
		StatusCode: http.StatusTooManyRequests,
		Code:       "RATE_LIMIT_EXCEEDED",
		Message:    fmt.Sprintf("rate limit exceeded: %s", scope),
		Details: map[string]interface{}{
			"scope":      scope,
			"retryAfter": retryAfter,
		},
	}
}

// NewInternalError creates an internal server error
func NewInternalError(message string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategorySystem,
		StatusCode: http.StatusInternalServerError,
		Code:       "INTERNAL_ERROR",
		Message:    message,
		Cause:      cause,
	}
}

// Categorize returns the outermost categorized error in the chain, or
// classifies a bare sentinel, or falls back to an internal error.
func Categorize(err error) *CategorizedError {
	if err == nil {
		return nil
	}

	var catErr *CategorizedError
	if stderrors.As(err, &catErr) {
		return catErr
	}

	switch {
	case stderrors.Is(err, ErrChainUnavailable):
		return NewChainUnavailableError("unknown", err)
	case stderrors.Is(err, ErrNotFound):
		return &CategorizedError{Kind: ErrNotFound, Category: CategoryNotFound,
			StatusCode: http.StatusNotFound, Code: "NOT_FOUND", Message: err.Error()}
	case stderrors.Is(err, ErrStoreUnavailable):
		return NewStoreUnavailableError("unknown", err)
	case stderrors.Is(err, ErrInvariantViolation):
		return &CategorizedError{Kind: ErrInvariantViolation, Category: CategoryInvariant,
			StatusCode: http.StatusConflict, Code: "INVARIANT_VIOLATION", Message: err.Error()}
	case stderrors.Is(err, ErrGatewayExhausted):
		return NewGatewayExhaustedError("unknown", 0, err)
	case stderrors.Is(err, ErrInvalidInput):
		return &CategorizedError{Kind: ErrInvalidInput, Category: CategoryValidation,
			StatusCode: http.StatusBadRequest, Code: "INVALID_PARAMETER", Message: err.Error()}
	case stderrors.Is(err, ErrRateLimited):
		return NewRateLimitError(err.Error(), 0)
	}

	return NewInternalError("unexpected error", err)
}

// GetHTTPStatusCode returns the HTTP status code for an error
func GetHTTPStatusCode(err error) int {
	if catErr := Categorize(err); catErr != nil {
		return catErr.StatusCode
	}
	return http.StatusInternalServerError
}

// IsRetryable reports whether a retry could plausibly succeed. Only
// transient backend failures qualify; NotFound and invariant violations
// are definitive answers.
func IsRetryable(err error) bool {
	return stderrors.Is(err, ErrChainUnavailable) || stderrors.Is(err, ErrStoreUnavailable)
}

func IsChainUnavailable(err error) bool   { return stderrors.Is(err, ErrChainUnavailable) }
func IsNotFound(err error) bool           { return stderrors.Is(err, ErrNotFound) }
func IsStoreUnavailable(err error) bool   { return stderrors.Is(err, ErrStoreUnavailable) }
func IsInvariantViolation(err error) bool { return stderrors.Is(err, ErrInvariantViolation) }
func IsGatewayExhausted(err error) bool   { return stderrors.Is(err, ErrGatewayExhausted) }

// IsUserError determines if an error is a user error (4xx)
func IsUserError(err error) bool {
	catErr := Categorize(err)
	if catErr == nil {
		return false
	}
	return catErr.StatusCode >= 400 && catErr.StatusCode < 500
}

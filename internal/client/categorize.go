package client

import (
	"context"
	"errors"
	"strings"
)

// ErrorCategory is a stable label for error classification in metrics.
type ErrorCategory string

// Error category constants used as metric labels (chartsApiErrorsTotal).
const (
	ErrorCategoryTimeout     ErrorCategory = "timeout"
	ErrorCategoryNetwork     ErrorCategory = "network"
	ErrorCategoryForbidden   ErrorCategory = "forbidden"
	ErrorCategoryCircuitOpen ErrorCategory = "circuit_open"
	ErrorCategoryUpstream    ErrorCategory = "upstream_status"
	ErrorCategoryMalformed   ErrorCategory = "malformed"
	ErrorCategoryUnknown     ErrorCategory = "unknown"
)

// CategorizeError maps an error to a stable ErrorCategory for metrics.
func CategorizeError(err error) ErrorCategory {
	if err == nil {
		return ""
	}

	if errors.Is(err, ErrCircuitOpen) {
		return ErrorCategoryCircuitOpen
	}
	if errors.Is(err, ErrForbidden) {
		return ErrorCategoryForbidden
	}
	if errors.Is(err, ErrMalformedResponse) {
		return ErrorCategoryMalformed
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ErrorCategoryTimeout
	}

	errStr := err.Error()
	if strings.Contains(errStr, "timeout") || strings.Contains(errStr, "context deadline exceeded") {
		return ErrorCategoryTimeout
	}
	if strings.Contains(errStr, "network") || strings.Contains(errStr, "connection") {
		return ErrorCategoryNetwork
	}
	if errors.Is(err, ErrRequestFailed) {
		if strings.Contains(errStr, "HTTP ") {
			return ErrorCategoryUpstream
		}
		return ErrorCategoryNetwork
	}

	return ErrorCategoryUnknown
}

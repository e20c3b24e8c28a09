package client

import (
	"context"
	"errors"
	"net"

	"github.com/kjstillabower/weather-lookup-service/internal/circuitbreaker"
	"github.com/kjstillabower/weather-lookup-service/internal/fetcherr"
)

// ErrorCategory is a stable label for error classification in metrics.
// It refines fetcherr.Kind: Unavailable is split by cause.
type ErrorCategory string

// Error category constants used as metric labels (weatherApiErrorsTotal).
const (
	ErrorCategoryTimeout           ErrorCategory = "timeout"
	ErrorCategoryNetwork           ErrorCategory = "network"
	ErrorCategoryCircuitOpen       ErrorCategory = "circuit_open"
	ErrorCategoryInvalidLocation   ErrorCategory = "invalid_location"
	ErrorCategoryConfiguration     ErrorCategory = "configuration"
	ErrorCategoryQuotaExceeded     ErrorCategory = "quota_exceeded"
	ErrorCategoryUnavailable       ErrorCategory = "unavailable"
	ErrorCategoryMalformedResponse ErrorCategory = "malformed_response"
	ErrorCategoryUnknown           ErrorCategory = "unknown"
)

// CategorizeError maps an error to a stable ErrorCategory for metrics.
func CategorizeError(err error) ErrorCategory {
	if err == nil {
		return ""
	}

	if circuitbreaker.IsOpen(err) {
		return ErrorCategoryCircuitOpen
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ErrorCategoryTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return ErrorCategoryTimeout
		}
		return ErrorCategoryNetwork
	}

	kind, ok := fetcherr.KindOf(err)
	if !ok {
		return ErrorCategoryUnknown
	}
	switch kind {
	case fetcherr.InvalidLocation:
		return ErrorCategoryInvalidLocation
	case fetcherr.Configuration:
		return ErrorCategoryConfiguration
	case fetcherr.QuotaExceeded:
		return ErrorCategoryQuotaExceeded
	case fetcherr.Unavailable:
		return ErrorCategoryUnavailable
	case fetcherr.MalformedResponse:
		return ErrorCategoryMalformedResponse
	}
	return ErrorCategoryUnknown
}

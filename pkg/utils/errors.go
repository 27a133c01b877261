package utils

import (
	"context"
	"errors"
	"net"
	"os"
	"strings"
)

// --- Sentinel Errors for Categorization ---
var (
	// ErrInvalidSeed is the only error that aborts a crawl.
	ErrInvalidSeed       = errors.New("invalid seed URL")
	ErrRobotsUnavailable = errors.New("robots.txt unavailable")
	ErrRobotsDisallowed  = errors.New("disallowed by robots.txt")
	ErrFetchTimeout      = errors.New("fetch timed out")
	ErrFetch             = errors.New("fetch failed")
	ErrInvalidLink       = errors.New("invalid link")
	ErrConfigConflict    = errors.New("configuration conflict")
	ErrConfigValidation  = errors.New("configuration validation error")
	ErrRetryFailed       = errors.New("request failed after all retries")
	ErrClientHTTPError   = errors.New("client HTTP error (4xx)")
	ErrServerHTTPError   = errors.New("server HTTP error (5xx)")
	ErrRequestCreation   = errors.New("failed to create HTTP request")
	ErrResponseBodyRead  = errors.New("failed to read response body")
	ErrParsing           = errors.New("parsing error")
	ErrFilesystem        = errors.New("filesystem error")
	ErrDatabase          = errors.New("database error")
)

// CategorizeError maps an error to a predefined category string for logging and result records.
func CategorizeError(err error) string {
	if err == nil {
		return "None"
	}

	switch {
	case errors.Is(err, ErrInvalidSeed):
		return "Input_InvalidSeed"
	case errors.Is(err, ErrFetchTimeout):
		return "Fetch_Timeout"
	case errors.Is(err, ErrRobotsDisallowed):
		return "Policy_Robots"
	case errors.Is(err, ErrRobotsUnavailable):
		return "Robots_Unavailable"
	case errors.Is(err, ErrInvalidLink):
		return "Content_InvalidLink"
	case errors.Is(err, ErrConfigConflict):
		return "Config_Conflict"
	case errors.Is(err, ErrConfigValidation):
		return "Config_Validation"
	case errors.Is(err, ErrRetryFailed):
		underlying := errors.Unwrap(err)
		if underlying == nil {
			// Joined with %w twice: inspect the whole chain
			underlying = err
		}
		if errors.Is(underlying, ErrServerHTTPError) {
			return "RetryFailed_HTTPServer"
		}
		var netErr net.Error
		if errors.As(underlying, &netErr) && netErr.Timeout() {
			return "RetryFailed_NetworkTimeout"
		}
		errMsg := strings.ToLower(underlying.Error())
		if strings.Contains(errMsg, "timeout") || strings.Contains(errMsg, "deadline exceeded") {
			return "RetryFailed_NetworkTimeout"
		}
		if strings.Contains(errMsg, "connection refused") {
			return "RetryFailed_ConnectionRefused"
		}
		if strings.Contains(errMsg, "no such host") {
			return "RetryFailed_DNSLookup"
		}
		return "RetryFailed_NetworkOther"
	case errors.Is(err, ErrClientHTTPError):
		errMsg := err.Error()
		for _, code := range []string{"401", "403", "404", "429"} {
			if strings.Contains(errMsg, " "+code+" ") {
				return "HTTP_" + code
			}
		}
		return "HTTP_4xx"
	case errors.Is(err, ErrServerHTTPError):
		return "HTTP_5xx"
	case errors.Is(err, ErrRequestCreation):
		return "Internal_RequestCreation"
	case errors.Is(err, ErrResponseBodyRead):
		return "Network_BodyRead"
	case errors.Is(err, ErrParsing):
		errMsg := err.Error()
		if strings.Contains(errMsg, "URL") {
			return "Content_ParsingURL"
		}
		if strings.Contains(errMsg, "HTML") {
			return "Content_ParsingHTML"
		}
		if strings.Contains(errMsg, "robots") {
			return "Content_ParsingRobots"
		}
		return "Content_ParsingOther"
	case errors.Is(err, ErrFilesystem):
		if errors.Is(err, os.ErrPermission) {
			return "Filesystem_Permission"
		}
		if errors.Is(err, os.ErrNotExist) {
			return "Filesystem_NotExist"
		}
		return "Filesystem_Other"
	case errors.Is(err, ErrDatabase):
		return "Database_Other"
	}

	// --- Fallback checks for common underlying error types/strings ---
	if errors.Is(err, context.Canceled) {
		return "System_ContextCanceled"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "System_ContextDeadlineExceeded"
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "Network_Timeout"
	}

	lowerErrMsg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(lowerErrMsg, "timeout"):
		return "Network_TimeoutGeneric"
	case strings.Contains(lowerErrMsg, "connection refused"):
		return "Network_ConnectionRefused"
	case strings.Contains(lowerErrMsg, "no such host"):
		return "Network_DNSLookup"
	case strings.Contains(lowerErrMsg, "tls") || strings.Contains(lowerErrMsg, "certificate"):
		return "Network_TLS"
	case strings.Contains(lowerErrMsg, "reset by peer"):
		return "Network_ConnectionReset"
	}

	return "Unknown"
}

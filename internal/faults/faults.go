package faults

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"
)

// Kind enumerates every failure category the subsystem can surface.
// Retry policy is decided per kind, never per call site.
type Kind string

const (
	KindConnectivityOffline    Kind = "connectivity_offline"
	KindConnectivityTimeout    Kind = "connectivity_timeout"
	KindConnectivityGeneric    Kind = "connectivity_generic"
	KindAuthenticationRequired Kind = "authentication_required"
	KindAuthenticationExpired  Kind = "authentication_expired"
	KindResourceRateLimited    Kind = "resource_rate_limited"
	KindInputInvalid           Kind = "input_invalid"
	KindGeofenceTooFar         Kind = "geofence_too_far"
	KindGeolocationUnavailable Kind = "geolocation_unavailable"
	KindServerError            Kind = "server_error"
	KindStorageError           Kind = "storage_error"
	KindUnknown                Kind = "unknown"
)

// Severity ranks a fault for logging and surfacing decisions.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Fault is the structured error every component consumes instead of raw errors.
type Fault struct {
	Kind       Kind
	Severity   Severity
	Retryable  bool
	RetryAfter time.Duration
	MaxRetries int
	Message    string
	Meta       map[string]string
	cause      error
}

// Error implements the error interface.
func (f *Fault) Error() string {
	if f.cause != nil {
		return fmt.Sprintf("%s: %s: %v", f.Kind, f.Message, f.cause)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

// Unwrap exposes the raw failure for errors.Is/As chains.
func (f *Fault) Unwrap() error {
	return f.cause
}

// As extracts a *Fault from an arbitrary error chain, or nil.
func As(err error) *Fault {
	var fault *Fault
	if errors.As(err, &fault) {
		return fault
	}
	return nil
}

// IsRetryable reports whether err carries a retryable fault.
func IsRetryable(err error) bool {
	if fault := As(err); fault != nil {
		return fault.Retryable
	}
	return false
}

// New constructs a fault of the given kind with the kind's default policy.
func New(kind Kind, message string) *Fault {
	fault := defaultsFor(kind)
	fault.Message = message
	return fault
}

// Wrap classifies a raw error into a fault of the given kind, keeping the cause.
func Wrap(kind Kind, message string, cause error) *Fault {
	fault := New(kind, message)
	fault.cause = cause
	return fault
}

// RateLimited builds a resource_rate_limited fault carrying the time until the
// rolling window resets, so callers can render a countdown.
func RateLimited(resource string, untilReset time.Duration) *Fault {
	fault := New(KindResourceRateLimited, "one update per resource per hour")
	fault.RetryAfter = untilReset
	fault.Meta = map[string]string{
		"resource":            resource,
		"seconds_until_reset": fmt.Sprintf("%d", int64(untilReset.Seconds())),
	}
	return fault
}

// GeofenceTooFar builds a geofence fault carrying the measured distance in meters.
func GeofenceTooFar(distanceMeters, radiusMeters float64) *Fault {
	fault := New(KindGeofenceTooFar, fmt.Sprintf("you are %.1f meters away", distanceMeters))
	fault.Meta = map[string]string{
		"distance_m": fmt.Sprintf("%.1f", distanceMeters),
		"radius_m":   fmt.Sprintf("%.1f", radiusMeters),
	}
	return fault
}

// Classify funnels any raw failure through the single classification point.
// Already-classified faults pass through unchanged.
func Classify(err error) *Fault {
	if err == nil {
		return nil
	}
	if fault := As(err); fault != nil {
		return fault
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded):
		return Wrap(KindConnectivityTimeout, "operation timed out", err)
	case errors.Is(err, context.Canceled):
		return Wrap(KindConnectivityGeneric, "operation canceled", err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return Wrap(KindConnectivityTimeout, "network timeout", err)
		}
		return Wrap(KindConnectivityOffline, "network unreachable", err)
	}

	message := strings.ToLower(err.Error())
	switch {
	case strings.Contains(message, "connection refused") || strings.Contains(message, "no such host"):
		return Wrap(KindConnectivityOffline, "network unreachable", err)
	case strings.Contains(message, "database") || strings.Contains(message, "sqlite") || strings.Contains(message, "constraint"):
		return Wrap(KindStorageError, "storage operation failed", err)
	}

	return Wrap(KindUnknown, "unexpected failure", err)
}

// ClassifyStatus maps an HTTP status code observed on the mutation or polling
// surface into a fault.
func ClassifyStatus(status int) *Fault {
	switch {
	case status == 401:
		return New(KindAuthenticationRequired, "authentication required")
	case status == 403:
		return New(KindAuthenticationExpired, "session no longer valid")
	case status == 429:
		return New(KindResourceRateLimited, "server rate limit")
	case status >= 400 && status < 500:
		return New(KindInputInvalid, fmt.Sprintf("request rejected with status %d", status))
	default:
		return New(KindServerError, fmt.Sprintf("server returned status %d", status))
	}
}

func defaultsFor(kind Kind) *Fault {
	switch kind {
	case KindConnectivityOffline:
		return &Fault{Kind: kind, Severity: SeverityWarning, Retryable: true, RetryAfter: 2 * time.Second, MaxRetries: 3}
	case KindConnectivityTimeout:
		return &Fault{Kind: kind, Severity: SeverityWarning, Retryable: true, RetryAfter: time.Second, MaxRetries: 3}
	case KindConnectivityGeneric:
		return &Fault{Kind: kind, Severity: SeverityWarning, Retryable: true, RetryAfter: time.Second, MaxRetries: 2}
	case KindAuthenticationRequired, KindAuthenticationExpired:
		return &Fault{Kind: kind, Severity: SeverityError, Retryable: false}
	case KindResourceRateLimited:
		return &Fault{Kind: kind, Severity: SeverityInfo, Retryable: false}
	case KindInputInvalid, KindGeofenceTooFar:
		return &Fault{Kind: kind, Severity: SeverityInfo, Retryable: false}
	case KindGeolocationUnavailable:
		return &Fault{Kind: kind, Severity: SeverityWarning, Retryable: false}
	case KindServerError:
		return &Fault{Kind: kind, Severity: SeverityError, Retryable: true, RetryAfter: 3 * time.Second, MaxRetries: 2}
	case KindStorageError:
		return &Fault{Kind: kind, Severity: SeverityError, Retryable: true, RetryAfter: time.Second, MaxRetries: 2}
	default:
		return &Fault{Kind: KindUnknown, Severity: SeverityError, Retryable: false}
	}
}

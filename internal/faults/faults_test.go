package faults

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestClassifyPassesThroughExistingFault(t *testing.T) {
	original := New(KindGeofenceTooFar, "too far")
	classified := Classify(fmt.Errorf("create vibe check: %w", original))
	if classified != original {
		t.Fatalf("expected wrapped fault to pass through, got %#v", classified)
	}
}

func TestClassifyTimeout(t *testing.T) {
	classified := Classify(context.DeadlineExceeded)
	if classified.Kind != KindConnectivityTimeout {
		t.Fatalf("expected connectivity_timeout, got %s", classified.Kind)
	}
	if !classified.Retryable {
		t.Fatal("timeouts must be retryable")
	}
}

func TestClassifyUnknown(t *testing.T) {
	classified := Classify(errors.New("something odd"))
	if classified.Kind != KindUnknown {
		t.Fatalf("expected unknown, got %s", classified.Kind)
	}
	if classified.Retryable {
		t.Fatal("unknown failures must not be retried")
	}
}

func TestClassifyStatusTable(t *testing.T) {
	tests := []struct {
		status    int
		kind      Kind
		retryable bool
	}{
		{status: 401, kind: KindAuthenticationRequired, retryable: false},
		{status: 403, kind: KindAuthenticationExpired, retryable: false},
		{status: 422, kind: KindInputInvalid, retryable: false},
		{status: 429, kind: KindResourceRateLimited, retryable: false},
		{status: 500, kind: KindServerError, retryable: true},
		{status: 503, kind: KindServerError, retryable: true},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("status-%d", tt.status), func(t *testing.T) {
			fault := ClassifyStatus(tt.status)
			if fault.Kind != tt.kind {
				t.Fatalf("status %d: expected %s, got %s", tt.status, tt.kind, fault.Kind)
			}
			if fault.Retryable != tt.retryable {
				t.Fatalf("status %d: retryable mismatch", tt.status)
			}
		})
	}
}

func TestRateLimitedCarriesReset(t *testing.T) {
	fault := RateLimited("venue-1", 42*time.Second)
	if fault.Meta["seconds_until_reset"] != "42" {
		t.Fatalf("expected reset metadata, got %q", fault.Meta["seconds_until_reset"])
	}
	if fault.RetryAfter != 42*time.Second {
		t.Fatalf("unexpected retry-after %s", fault.RetryAfter)
	}
	if fault.Retryable {
		t.Fatal("rate limit faults must not consume retry budget")
	}
}

func TestGeofenceCarriesDistance(t *testing.T) {
	fault := GeofenceTooFar(245.3, 100)
	if fault.Meta["distance_m"] != "245.3" {
		t.Fatalf("expected distance metadata, got %q", fault.Meta["distance_m"])
	}
	if fault.Retryable {
		t.Fatal("geofence faults must not be retryable")
	}
}

func TestFaultUnwrap(t *testing.T) {
	cause := errors.New("socket closed")
	fault := Wrap(KindConnectivityGeneric, "send failed", cause)
	if !errors.Is(fault, cause) {
		t.Fatal("expected fault to unwrap to its cause")
	}
}

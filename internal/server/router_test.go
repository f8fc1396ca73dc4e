package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/IdrisKulubi/m-buzzvar-sub001/internal/realtime"
)

type fakeRealtime struct {
	state realtime.State
	mode  realtime.Mode
	subs  []realtime.SubscriptionSnapshot
}

func (f *fakeRealtime) State() realtime.State { return f.state }

func (f *fakeRealtime) Mode() realtime.Mode { return f.mode }

func (f *fakeRealtime) Subscriptions() []realtime.SubscriptionSnapshot { return f.subs }

func newTestHandler(t *testing.T, client RealtimeClient, probe Prober) http.Handler {
	t.Helper()
	gin.SetMode(gin.TestMode)
	handler, err := NewHTTPHandler(Dependencies{Realtime: client, Probe: probe})
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}
	return handler
}

func TestNewHTTPHandlerRequiresClient(t *testing.T) {
	if _, err := NewHTTPHandler(Dependencies{}); err == nil {
		t.Fatal("expected error without realtime client")
	}
}

func TestHealthzReportsOK(t *testing.T) {
	handler := newTestHandler(t, &fakeRealtime{state: realtime.StateConnected, mode: realtime.ModeConnected}, nil)

	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", recorder.Code)
	}
}

func TestHealthzReportsProbeFailure(t *testing.T) {
	probe := func(context.Context) error { return errors.New("store unreachable") }
	handler := newTestHandler(t, &fakeRealtime{}, probe)

	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if recorder.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", recorder.Code)
	}
}

func TestStatusListsSubscriptions(t *testing.T) {
	watermark := time.Date(2026, 5, 12, 10, 0, 0, 0, time.UTC)
	client := &fakeRealtime{
		state: realtime.StateReconnecting,
		mode:  realtime.ModeReconnecting,
		subs: []realtime.SubscriptionSnapshot{
			{ID: 1, Channel: "vibe_checks", Listeners: 2, Watermark: watermark},
		},
	}
	handler := newTestHandler(t, client, nil)

	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/status", nil))
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", recorder.Code)
	}

	var payload statusResponse
	if err := json.NewDecoder(recorder.Body).Decode(&payload); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if payload.State != "reconnecting" || payload.Mode != "reconnecting" {
		t.Fatalf("unexpected state/mode %q/%q", payload.State, payload.Mode)
	}
	if len(payload.Subscriptions) != 1 {
		t.Fatalf("expected one subscription, got %d", len(payload.Subscriptions))
	}
	sub := payload.Subscriptions[0]
	if sub.Channel != "vibe_checks" || sub.Listeners != 2 {
		t.Fatalf("unexpected subscription %#v", sub)
	}
	if sub.Watermark != watermark.Format(time.RFC3339Nano) {
		t.Fatalf("unexpected watermark %q", sub.Watermark)
	}
}

func TestMetricsEndpointServesPrometheus(t *testing.T) {
	handler := newTestHandler(t, &fakeRealtime{}, nil)

	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", recorder.Code)
	}
	if recorder.Body.Len() == 0 {
		t.Fatal("expected metrics exposition output")
	}
}

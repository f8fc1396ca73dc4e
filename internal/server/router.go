package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/IdrisKulubi/m-buzzvar-sub001/internal/realtime"
)

var (
	errMissingRealtimeClient = errors.New("realtime client dependency required")
)

// RealtimeClient is the slice of the realtime client the status surface reads.
type RealtimeClient interface {
	State() realtime.State
	Mode() realtime.Mode
	Subscriptions() []realtime.SubscriptionSnapshot
}

// Prober reports whether the relational cache is reachable.
type Prober func(ctx context.Context) error

type Dependencies struct {
	Realtime RealtimeClient
	Probe    Prober
	Logger   *zap.Logger
	Clock    func() time.Time
}

type subscriptionStatus struct {
	Channel      string `json:"channel"`
	Listeners    int    `json:"listeners"`
	Watermark    string `json:"watermark,omitempty"`
	LastActivity string `json:"last_activity,omitempty"`
}

type statusResponse struct {
	State         string               `json:"state"`
	Mode          string               `json:"mode"`
	Subscriptions []subscriptionStatus `json:"subscriptions"`
}

// NewHTTPHandler builds the read-only status surface: liveness, realtime
// connection state with per-channel watermarks, and prometheus metrics.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Realtime == nil {
		return nil, errMissingRealtimeClient
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		realtime: deps.Realtime,
		probe:    deps.Probe,
		logger:   logger,
		clock:    clock,
	}

	router.GET("/healthz", handler.handleHealthz)
	router.GET("/status", handler.handleStatus)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return router, nil
}

type httpHandler struct {
	realtime RealtimeClient
	probe    Prober
	logger   *zap.Logger
	clock    func() time.Time
}

func (h *httpHandler) handleHealthz(ginContext *gin.Context) {
	if h.probe != nil {
		if err := h.probe(ginContext.Request.Context()); err != nil {
			h.logger.Warn("health probe failed", zap.Error(err))
			ginContext.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
			return
		}
	}
	ginContext.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleStatus(ginContext *gin.Context) {
	snapshots := h.realtime.Subscriptions()
	subscriptions := make([]subscriptionStatus, 0, len(snapshots))
	for _, snapshot := range snapshots {
		entry := subscriptionStatus{
			Channel:   snapshot.Channel,
			Listeners: snapshot.Listeners,
		}
		if !snapshot.Watermark.IsZero() {
			entry.Watermark = snapshot.Watermark.UTC().Format(time.RFC3339Nano)
		}
		if !snapshot.LastActivity.IsZero() {
			entry.LastActivity = snapshot.LastActivity.UTC().Format(time.RFC3339Nano)
		}
		subscriptions = append(subscriptions, entry)
	}

	ginContext.JSON(http.StatusOK, statusResponse{
		State:         string(h.realtime.State()),
		Mode:          string(h.realtime.Mode()),
		Subscriptions: subscriptions,
	})
}

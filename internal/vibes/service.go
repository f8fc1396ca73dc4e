package vibes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/IdrisKulubi/m-buzzvar-sub001/internal/auth"
	"github.com/IdrisKulubi/m-buzzvar-sub001/internal/faults"
	"github.com/IdrisKulubi/m-buzzvar-sub001/internal/gateway"
	"github.com/IdrisKulubi/m-buzzvar-sub001/internal/realtime"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const rateLimitWindow = time.Hour

// SessionChecker validates a session token and yields its claims.
type SessionChecker interface {
	ValidateToken(token string) (auth.SessionClaims, error)
}

// ConnectivityFunc reports whether the network is currently reachable.
type ConnectivityFunc func() bool

// ServiceConfig wires the vibe check service.
type ServiceConfig struct {
	DB             *gorm.DB
	Gateway        *gateway.Gateway
	Sessions       SessionChecker
	Connectivity   ConnectivityFunc
	GeofenceRadius float64
	Logger         *zap.Logger
	Clock          func() time.Time
	NewID          func() string
}

// Service owns the vibe check write path and the local feed cache. Writes run
// through a fixed pre-check chain before entering the mutation gateway, so a
// pre-check failure never consumes retry budget.
type Service struct {
	db       *gorm.DB
	gateway  *gateway.Gateway
	sessions SessionChecker
	online   ConnectivityFunc
	radius   float64
	log      *zap.Logger
	clock    func() time.Time
	newID    func() string
}

// NewService constructs the service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.DB == nil {
		return nil, errors.New("vibes: database handle required")
	}
	if cfg.Gateway == nil {
		return nil, errors.New("vibes: mutation gateway required")
	}
	if cfg.Sessions == nil {
		return nil, errors.New("vibes: session checker required")
	}
	radius := cfg.GeofenceRadius
	if radius <= 0 {
		radius = gateway.DefaultGeofenceRadiusMeters
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	newID := cfg.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	online := cfg.Connectivity
	if online == nil {
		online = func() bool { return true }
	}
	return &Service{
		db:       cfg.DB,
		gateway:  cfg.Gateway,
		sessions: cfg.Sessions,
		online:   online,
		radius:   radius,
		log:      logger,
		clock:    clock,
		newID:    newID,
	}, nil
}

// CreateVibeCheck validates the request through the fixed pre-check chain
// (connectivity, authentication, venue existence, geofence, rate limit) and
// then writes the row through the idempotent mutation gateway.
func (s *Service) CreateVibeCheck(ctx context.Context, request CreateRequest) (*VibeCheck, error) {
	if !s.online() {
		return nil, faults.New(faults.KindConnectivityOffline, "network unreachable")
	}

	actorID, fault := s.authenticate(request.SessionToken)
	if fault != nil {
		return nil, fault
	}

	if err := request.validate(); err != nil {
		return nil, faults.Wrap(faults.KindInputInvalid, "invalid vibe check", err)
	}

	venue, err := s.venueByID(ctx, request.VenueID)
	if err != nil {
		return nil, err
	}

	if request.Latitude == nil || request.Longitude == nil {
		return nil, faults.New(faults.KindGeolocationUnavailable, "location unavailable")
	}
	distance := gateway.HaversineMeters(*request.Latitude, *request.Longitude, venue.Latitude, venue.Longitude)
	if !gateway.WithinGeofence(distance, s.radius) {
		return nil, faults.GeofenceTooFar(distance, s.radius)
	}

	if fault := s.checkRateLimit(ctx, actorID, request.VenueID); fault != nil {
		return nil, fault
	}

	now := s.clock().UTC()
	check := &VibeCheck{
		CheckID:          s.newID(),
		VenueID:          request.VenueID.String(),
		ActorID:          actorID.String(),
		Comment:          request.Comment,
		Busyness:         request.Busyness,
		PhotoURL:         request.PhotoURL,
		CreatedAtSeconds: now.Unix(),
		UpdatedAtSeconds: now.Unix(),
	}

	opID := fmt.Sprintf("create_vibe_check_%s_%s", request.VenueID, actorID)
	err = s.gateway.Execute(ctx, opID, func(ctx context.Context) error {
		if err := s.db.WithContext(ctx).Create(check).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				// A previous attempt reached the server; the row exists.
				return nil
			}
			return faults.Wrap(faults.KindStorageError, "vibe check insert failed", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("vibe check created",
		zap.String("venue", check.VenueID), zap.String("check", check.CheckID))
	return check, nil
}

func (s *Service) authenticate(token string) (ActorID, error) {
	if token == "" {
		return "", faults.New(faults.KindAuthenticationRequired, "sign in to post a vibe check")
	}
	claims, err := s.sessions.ValidateToken(token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) {
			return "", faults.Wrap(faults.KindAuthenticationExpired, "session expired", err)
		}
		return "", faults.Wrap(faults.KindAuthenticationRequired, "session invalid", err)
	}
	actorID, err := NewActorID(claims.ActorID)
	if err != nil {
		return "", faults.Wrap(faults.KindAuthenticationRequired, "session missing actor", err)
	}
	return actorID, nil
}

func (s *Service) venueByID(ctx context.Context, id VenueID) (*Venue, error) {
	var venue Venue
	err := s.db.WithContext(ctx).Where("venue_id = ?", id.String()).Take(&venue).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, faults.New(faults.KindInputInvalid, fmt.Sprintf("venue %s not found", id))
	}
	if err != nil {
		return nil, faults.Wrap(faults.KindStorageError, "venue lookup failed", err)
	}
	return &venue, nil
}

// checkRateLimit enforces one successful write per actor per venue per
// rolling one-hour window.
func (s *Service) checkRateLimit(ctx context.Context, actorID ActorID, venueID VenueID) error {
	now := s.clock().UTC()
	var latest VibeCheck
	err := s.db.WithContext(ctx).
		Where("venue_id = ? AND actor_id = ? AND created_at_s > ?",
			venueID.String(), actorID.String(), now.Add(-rateLimitWindow).Unix()).
		Order("created_at_s DESC").
		Take(&latest).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return faults.Wrap(faults.KindStorageError, "rate limit lookup failed", err)
	}
	untilReset := time.Unix(latest.CreatedAtSeconds, 0).Add(rateLimitWindow).Sub(now)
	return faults.RateLimited(venueID.String(), untilReset)
}

// ApplyChange merges one realtime change record into the local cache,
// idempotently: replaying an already-applied record is a no-op.
func (s *Service) ApplyChange(ctx context.Context, event realtime.Event) error {
	switch event.Kind {
	case realtime.EventInsert, realtime.EventUpdate:
		var check VibeCheck
		if err := json.Unmarshal(event.Payload, &check); err != nil {
			return faults.Wrap(faults.KindInputInvalid, "malformed change record", err)
		}
		if check.CheckID == "" {
			check.CheckID = event.RecordID
		}
		if check.CheckID == "" {
			return faults.New(faults.KindInputInvalid, "change record missing id")
		}
		err := s.db.WithContext(ctx).
			Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "check_id"}},
				UpdateAll: true,
			}).
			Create(&check).Error
		if err != nil {
			return faults.Wrap(faults.KindStorageError, "change merge failed", err)
		}
		return nil
	case realtime.EventDelete:
		if event.RecordID == "" {
			return faults.New(faults.KindInputInvalid, "delete record missing id")
		}
		err := s.db.WithContext(ctx).
			Where("check_id = ?", event.RecordID).
			Delete(&VibeCheck{}).Error
		if err != nil {
			return faults.Wrap(faults.KindStorageError, "change delete failed", err)
		}
		return nil
	default:
		return faults.New(faults.KindInputInvalid, fmt.Sprintf("unknown change kind %q", event.Kind))
	}
}

// Feed lists the most recent vibe checks for a venue, newest first.
func (s *Service) Feed(ctx context.Context, venueID VenueID, limit int) ([]VibeCheck, error) {
	if limit <= 0 {
		limit = 50
	}
	var checks []VibeCheck
	err := s.db.WithContext(ctx).
		Where("venue_id = ? AND is_deleted = ?", venueID.String(), false).
		Order("created_at_s DESC").
		Limit(limit).
		Find(&checks).Error
	if err != nil {
		return nil, faults.Wrap(faults.KindStorageError, "feed query failed", err)
	}
	return checks, nil
}

// Probe checks liveness of the backing store. The health monitor calls this
// every check interval.
func (s *Service) Probe(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

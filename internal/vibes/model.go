package vibes

import (
	"errors"
	"fmt"
	"strings"
)

const maxIdentifierLength = 190
const maxCommentLength = 500

var (
	// ErrInvalidVenueID indicates that a venue identifier is empty or exceeds storage bounds.
	ErrInvalidVenueID = errors.New("vibes: invalid venue id")
	// ErrInvalidActorID indicates that an actor identifier is empty or exceeds storage bounds.
	ErrInvalidActorID = errors.New("vibes: invalid actor id")
	// ErrInvalidBusyness indicates a busyness rating outside 1..5.
	ErrInvalidBusyness = errors.New("vibes: busyness rating must be between 1 and 5")
	// ErrInvalidComment indicates a comment exceeding storage bounds.
	ErrInvalidComment = errors.New("vibes: comment too long")
)

// VenueID represents a validated venue identifier.
type VenueID string

// NewVenueID validates raw input and returns a VenueID.
func NewVenueID(rawInput string) (VenueID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidVenueID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidVenueID, maxIdentifierLength)
	}
	return VenueID(trimmed), nil
}

// String returns the underlying string identifier.
func (id VenueID) String() string {
	return string(id)
}

// ActorID represents a validated actor identifier.
type ActorID string

// NewActorID validates raw input and returns an ActorID.
func NewActorID(rawInput string) (ActorID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidActorID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidActorID, maxIdentifierLength)
	}
	return ActorID(trimmed), nil
}

// String returns the underlying string identifier.
func (id ActorID) String() string {
	return string(id)
}

// Venue models a venue with its registered coordinates, the geofence anchor
// for writes against it.
type Venue struct {
	VenueID          string  `gorm:"column:venue_id;primaryKey;size:190;not null" json:"venue_id"`
	Name             string  `gorm:"column:name;size:320;not null" json:"name"`
	Latitude         float64 `gorm:"column:latitude;not null" json:"latitude"`
	Longitude        float64 `gorm:"column:longitude;not null" json:"longitude"`
	UpdatedAtSeconds int64   `gorm:"column:updated_at_s;not null" json:"updated_at_s"`
}

// TableName provides the explicit table binding for GORM.
func (Venue) TableName() string {
	return "venues"
}

// VibeCheck models one feed item: a point-in-time report of a venue's vibe.
type VibeCheck struct {
	CheckID          string `gorm:"column:check_id;primaryKey;size:190;not null" json:"check_id"`
	VenueID          string `gorm:"column:venue_id;size:190;not null;index:idx_vibe_checks_venue_actor,priority:1" json:"venue_id"`
	ActorID          string `gorm:"column:actor_id;size:190;not null;index:idx_vibe_checks_venue_actor,priority:2" json:"actor_id"`
	Comment          string `gorm:"column:comment;size:500" json:"comment"`
	Busyness         int    `gorm:"column:busyness;not null" json:"busyness"`
	PhotoURL         string `gorm:"column:photo_url;size:512" json:"photo_url,omitempty"`
	IsDeleted        bool   `gorm:"column:is_deleted;not null;default:false" json:"is_deleted"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null;index:idx_vibe_checks_venue_actor,priority:3" json:"created_at_s"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null" json:"updated_at_s"`
}

// TableName provides the explicit table binding for GORM.
func (VibeCheck) TableName() string {
	return "vibe_checks"
}

// CreateRequest describes the input for one vibe check write.
type CreateRequest struct {
	SessionToken string
	VenueID      VenueID
	Comment      string
	Busyness     int
	PhotoURL     string
	Latitude     *float64
	Longitude    *float64
}

func (r CreateRequest) validate() error {
	if r.Busyness < 1 || r.Busyness > 5 {
		return fmt.Errorf("%w: %d", ErrInvalidBusyness, r.Busyness)
	}
	if len(r.Comment) > maxCommentLength {
		return fmt.Errorf("%w: exceeds %d characters", ErrInvalidComment, maxCommentLength)
	}
	return nil
}

package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const defaultSessionTTL = 12 * time.Hour

var errMissingActorID = errors.New("session issuer: actor id required")

// SessionIssuerConfig configures the session JWT issuer used by the dev
// tooling and the test harness.
type SessionIssuerConfig struct {
	SigningSecret []byte
	Issuer        string
	SessionTTL    time.Duration
	Clock         func() time.Time
}

// SessionIssuer mints HS256 session JWTs compatible with SessionValidator.
type SessionIssuer struct {
	cfg   SessionIssuerConfig
	clock func() time.Time
}

// NewSessionIssuer constructs an issuer with sane defaults.
func NewSessionIssuer(cfg SessionIssuerConfig) (*SessionIssuer, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, ErrMissingSessionSigningKey
	}
	if cfg.Issuer == "" {
		return nil, ErrMissingSessionIssuer
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = defaultSessionTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &SessionIssuer{cfg: cfg, clock: clock}, nil
}

// IssueSessionToken produces a signed session JWT for the actor.
func (i *SessionIssuer) IssueSessionToken(actorID, displayName string) (string, error) {
	if actorID == "" {
		return "", errMissingActorID
	}
	now := i.clock().UTC()
	claims := SessionClaims{
		ActorID:     actorID,
		DisplayName: displayName,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actorID,
			Issuer:    i.cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.cfg.SessionTTL)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(i.cfg.SigningSecret)
}

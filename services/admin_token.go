package services

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"
)

// AdminClaims authorizes admin operations on a single session.
type AdminClaims struct {
	GameID string `json:"gameId"`
	jwt.RegisteredClaims
}

// AdminTokens issues and checks the bearer tokens handed out after the
// admin password has been verified.
type AdminTokens struct {
	secret []byte
	ttl    time.Duration
	clock  clockwork.Clock
}

func NewAdminTokens(secret string, ttl time.Duration, clock clockwork.Clock) *AdminTokens {
	return &AdminTokens{secret: []byte(secret), ttl: ttl, clock: clock}
}

func (a *AdminTokens) Issue(gameID, adminID string) (string, error) {
	now := a.clock.Now()
	claims := AdminClaims{
		GameID: gameID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   adminID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("sign admin token: %w", err)
	}
	return signed, nil
}

// Validate checks the signature and expiry and that the token belongs to gameID.
func (a *AdminTokens) Validate(tokenString, gameID string) (*AdminClaims, error) {
	claims := &AdminClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return a.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(a.clock.Now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if !token.Valid {
		return nil, ErrUnauthorized
	}
	if claims.GameID != gameID {
		return nil, fmt.Errorf("%w: token issued for another session", ErrUnauthorized)
	}
	return claims, nil
}

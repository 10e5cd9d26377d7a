package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/devcollab/internal/logger"
	"github.com/devcollab/internal/storage"
)

// Claims are carried by DevCollab bearer tokens. Subject is the user id.
type Claims struct {
	jwt.RegisteredClaims
	Username string `json:"username,omitempty"`
}

// TokenService verifies bearer tokens for REST and the realtime handshake and
// keeps a revocation list. Issue exists for the dev login and tests; in
// production tokens come from the account service with the same secret.
type TokenService struct {
	secret []byte
	issuer string
	ttl    time.Duration
	store  storage.Store
	now    func() time.Time
}

func NewTokenService(secret, issuer string, ttl time.Duration, store storage.Store) *TokenService {
	return &TokenService{secret: []byte(secret), issuer: issuer, ttl: ttl, store: store, now: time.Now}
}

func (t *TokenService) Issue(userID, username string) (string, error) {
	now := t.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    t.issuer,
			ID:        uuid.New().String(),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
		},
		Username: username,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify checks signature, issuer, expiry and revocation. Every failure is
// reported as ErrUnauthenticated.
func (t *TokenService) Verify(ctx context.Context, raw string) (*Claims, error) {
	if raw == "" {
		return nil, fmt.Errorf("%w: missing token", ErrUnauthenticated)
	}
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return t.secret, nil
	},
		jwt.WithIssuer(t.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(t.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: token has no subject", ErrUnauthenticated)
	}
	if claims.ID != "" {
		revoked, err := t.store.IsTokenRevoked(ctx, claims.ID)
		if err != nil {
			// Fail closed: a token whose status cannot be checked is not accepted.
			logger.Errorf("token: revocation lookup: %v", err)
			return nil, fmt.Errorf("%w: revocation check unavailable", ErrUnauthenticated)
		}
		if revoked {
			return nil, fmt.Errorf("%w: token revoked", ErrUnauthenticated)
		}
	}
	return claims, nil
}

// Revoke blacklists the token until it would have expired anyway.
func (t *TokenService) Revoke(ctx context.Context, claims *Claims) error {
	if claims == nil || claims.ID == "" {
		return errors.New("token has no id")
	}
	ttl := t.ttl
	if claims.ExpiresAt != nil {
		ttl = claims.ExpiresAt.Sub(t.now())
	}
	return t.store.RevokeToken(ctx, claims.ID, ttl)
}

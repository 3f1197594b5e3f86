package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/alpredoben/flash-sale-sub001/internal/cache"
	apperrors "github.com/alpredoben/flash-sale-sub001/pkg/errors"
	"github.com/alpredoben/flash-sale-sub001/pkg/middleware"
)

// Role constants.
const (
	RoleAdmin    = "admin"
	RoleCustomer = "customer"
)

// Principal is the cached view of an authenticated user.
type Principal struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
	Name   string `json:"name"`
	Role   string `json:"role"`
}

// tokenClaims are the JWT claims this service issues and accepts.
type tokenClaims struct {
	Email string `json:"email"`
	Name  string `json:"name"`
	Role  string `json:"role"`
	jwt.RegisteredClaims
}

// Service validates bearer tokens. Valid principals are cached; revoked
// tokens live on a blacklist whose entries expire with the token itself.
type Service struct {
	secret       []byte
	cache        *cache.Cache
	principalTTL time.Duration
	logger       *slog.Logger
}

// NewService creates an auth service.
func NewService(secret string, c *cache.Cache, principalTTL time.Duration, logger *slog.Logger) *Service {
	return &Service{
		secret:       []byte(secret),
		cache:        c,
		principalTTL: principalTTL,
		logger:       logger,
	}
}

func blacklistKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return "blacklist:" + hex.EncodeToString(sum[:])
}

func principalKey(userID string) string {
	return "principal:" + userID
}

// Validate parses and verifies a bearer token, rejecting blacklisted tokens,
// and returns middleware claims. It satisfies middleware.TokenValidator.
func (s *Service) Validate(ctx context.Context, token string) (*middleware.Claims, error) {
	blacklisted, err := s.cache.Exists(ctx, blacklistKey(token))
	if err != nil {
		// Cache trouble must not lock every user out; fall through to
		// signature verification.
		s.logger.WarnContext(ctx, "blacklist lookup failed",
			slog.String("error", err.Error()),
		)
	} else if blacklisted {
		return nil, apperrors.Unauthorized("token has been revoked")
	}

	claims := &tokenClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil || !parsed.Valid {
		return nil, apperrors.Unauthorized("invalid or expired token")
	}

	s.cachePrincipal(ctx, claims)

	return &middleware.Claims{
		UserID: claims.Subject,
		Email:  claims.Email,
		Role:   claims.Role,
	}, nil
}

// cachePrincipal refreshes the cached principal. Best effort only.
func (s *Service) cachePrincipal(ctx context.Context, claims *tokenClaims) {
	p := Principal{
		UserID: claims.Subject,
		Email:  claims.Email,
		Name:   claims.Name,
		Role:   claims.Role,
	}
	if err := s.cache.Set(ctx, principalKey(p.UserID), p, s.principalTTL); err != nil {
		s.logger.WarnContext(ctx, "failed to cache principal",
			slog.String("user_id", p.UserID),
			slog.String("error", err.Error()),
		)
	}
}

// GetPrincipal returns the cached principal for a user, or ErrMiss.
// Event consumers use this to resolve recipient email addresses without a
// round-trip to the identity collaborator.
func (s *Service) GetPrincipal(ctx context.Context, userID string) (*Principal, error) {
	var p Principal
	if err := s.cache.Get(ctx, principalKey(userID), &p); err != nil {
		if errors.Is(err, cache.ErrMiss) {
			return nil, cache.ErrMiss
		}
		return nil, err
	}
	return &p, nil
}

// Revoke blacklists a token for its remaining lifetime.
func (s *Service) Revoke(ctx context.Context, token string) error {
	claims := &tokenClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil || !parsed.Valid {
		return apperrors.Unauthorized("invalid token")
	}

	remaining := time.Duration(0)
	if claims.ExpiresAt != nil {
		remaining = time.Until(claims.ExpiresAt.Time)
	}
	if remaining <= 0 {
		// Already expired; nothing to revoke.
		return nil
	}

	return s.cache.Set(ctx, blacklistKey(token), true, remaining)
}

// IssueToken mints a signed token for a user. Primarily for tests and local
// development; production identities come from the external auth collaborator.
func (s *Service) IssueToken(userID, email, name, role string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &tokenClaims{
		Email: email,
		Name:  name,
		Role:  role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

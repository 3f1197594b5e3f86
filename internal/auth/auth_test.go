package auth

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alpredoben/flash-sale-sub001/internal/cache"
	apperrors "github.com/alpredoben/flash-sale-sub001/pkg/errors"
)

func setupAuth(t *testing.T) (*Service, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := cache.New(client, "flashsale")
	return NewService("test-secret", c, 30*time.Minute, logger), mr
}

func TestService_IssueAndValidate(t *testing.T) {
	svc, _ := setupAuth(t)
	ctx := context.Background()

	token, err := svc.IssueToken("user-1", "u1@example.com", "User One", RoleCustomer, time.Hour)
	require.NoError(t, err)

	claims, err := svc.Validate(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.UserID)
	assert.Equal(t, "u1@example.com", claims.Email)
	assert.Equal(t, RoleCustomer, claims.Role)
}

func TestService_Validate_WrongSecret(t *testing.T) {
	svc, mr := setupAuth(t)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	other := NewService("other-secret", cache.New(client, "flashsale"),
		30*time.Minute, slog.New(slog.NewTextHandler(io.Discard, nil)))

	token, err := other.IssueToken("user-1", "u1@example.com", "User One", RoleCustomer, time.Hour)
	require.NoError(t, err)

	_, err = svc.Validate(context.Background(), token)
	assert.ErrorIs(t, err, apperrors.ErrUnauthorized)
}

func TestService_Validate_ExpiredToken(t *testing.T) {
	svc, _ := setupAuth(t)

	token, err := svc.IssueToken("user-1", "u1@example.com", "User One", RoleCustomer, -time.Minute)
	require.NoError(t, err)

	_, err = svc.Validate(context.Background(), token)
	assert.ErrorIs(t, err, apperrors.ErrUnauthorized)
}

func TestService_Validate_Garbage(t *testing.T) {
	svc, _ := setupAuth(t)

	_, err := svc.Validate(context.Background(), "not.a.token")
	assert.ErrorIs(t, err, apperrors.ErrUnauthorized)
}

func TestService_Revoke(t *testing.T) {
	svc, _ := setupAuth(t)
	ctx := context.Background()

	token, err := svc.IssueToken("user-1", "u1@example.com", "User One", RoleCustomer, time.Hour)
	require.NoError(t, err)

	_, err = svc.Validate(ctx, token)
	require.NoError(t, err)

	require.NoError(t, svc.Revoke(ctx, token))

	_, err = svc.Validate(ctx, token)
	assert.ErrorIs(t, err, apperrors.ErrUnauthorized)
}

func TestService_Revoke_ExpiredTokenIsNoop(t *testing.T) {
	svc, mr := setupAuth(t)

	token, err := svc.IssueToken("user-1", "u1@example.com", "User One", RoleCustomer, -time.Minute)
	require.NoError(t, err)

	// An unverifiable token cannot be blacklisted, and nothing is stored.
	err = svc.Revoke(context.Background(), token)
	assert.ErrorIs(t, err, apperrors.ErrUnauthorized)
	assert.Empty(t, mr.Keys())
}

func TestService_GetPrincipal(t *testing.T) {
	svc, _ := setupAuth(t)
	ctx := context.Background()

	_, err := svc.GetPrincipal(ctx, "user-1")
	assert.ErrorIs(t, err, cache.ErrMiss)

	// Validate populates the principal cache as a side effect.
	token, err := svc.IssueToken("user-1", "u1@example.com", "User One", RoleAdmin, time.Hour)
	require.NoError(t, err)
	_, err = svc.Validate(ctx, token)
	require.NoError(t, err)

	p, err := svc.GetPrincipal(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, "u1@example.com", p.Email)
	assert.Equal(t, "User One", p.Name)
	assert.Equal(t, RoleAdmin, p.Role)
}

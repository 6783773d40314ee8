package service

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noah-isme/krs-api/internal/models"
	appErrors "github.com/noah-isme/krs-api/pkg/errors"
)

func newTestAuthService() *AuthService {
	return NewAuthService(zap.NewNop(), AuthConfig{AccessTokenSecret: "secret", AccessTokenExpiry: time.Hour, Issuer: "krs-api"})
}

func TestValidateToken(t *testing.T) {
	svc := newTestAuthService()
	token, expiresAt, err := svc.GenerateToken("lecturer-1", models.RoleInstructor, []models.UserRole{models.RoleAdvisor}, 0)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), expiresAt, time.Minute)

	claims, err := svc.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "lecturer-1", claims.UserID)
	assert.Equal(t, models.RoleInstructor, claims.Role)
	assert.True(t, claims.HasRole(models.RoleAdvisor))
	assert.False(t, claims.HasRole(models.RoleAdmin))
}

func TestValidateTokenRejectsWrongIssuer(t *testing.T) {
	other := NewAuthService(zap.NewNop(), AuthConfig{AccessTokenSecret: "secret", Issuer: "someone-else"})
	token, _, err := other.GenerateToken("u1", models.RoleStudent, nil, time.Minute)
	require.NoError(t, err)

	_, err = newTestAuthService().ValidateToken(token)
	require.Error(t, err)
	assert.ErrorIs(t, err, appErrors.ErrUnauthorized)
}

func TestValidateTokenRejectsExpired(t *testing.T) {
	claims := &models.JWTClaims{
		UserID: "u1",
		Role:   models.RoleStudent,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "krs-api",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
	require.NoError(t, err)

	_, err = newTestAuthService().ValidateToken(signed)
	assert.ErrorIs(t, err, appErrors.ErrUnauthorized)
}

func TestValidateTokenRejectsUnknownRole(t *testing.T) {
	claims := &models.JWTClaims{
		UserID: "u1",
		Role:   models.UserRole("JANITOR"),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "krs-api",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
	require.NoError(t, err)

	_, err = newTestAuthService().ValidateToken(signed)
	assert.ErrorIs(t, err, appErrors.ErrUnauthorized)
}

func TestGenerateTokenRejectsUnknownRole(t *testing.T) {
	_, _, err := newTestAuthService().GenerateToken("u1", models.UserRole("GUEST"), nil, 0)
	assert.ErrorIs(t, err, appErrors.ErrValidation)
}

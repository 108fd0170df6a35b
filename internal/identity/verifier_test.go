package identity

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"imageflow/realtime/internal/models"
	"imageflow/realtime/internal/repositories"
	"imageflow/realtime/internal/testhelpers"
	"imageflow/realtime/internal/utils"
)

const secret = "test-secret"

func signToken(t *testing.T, userID string, ttl time.Duration) string {
	t.Helper()
	claims := utils.AccessTokenClaims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func newVerifier(t *testing.T) *JWTVerifier {
	t.Helper()
	db := testhelpers.SetupTestDB(t)
	require.NoError(t, db.Create(&models.User{UserID: "u1", Username: "alice", DisplayName: "Alice", IsActive: true}).Error)
	require.NoError(t, db.Create(&models.User{UserID: "u2", Username: "bob", IsActive: false}).Error)
	return NewJWTVerifier(secret, &repositories.UserRepository{DB: db}, nil)
}

func TestVerifyValidToken(t *testing.T) {
	v := newVerifier(t)
	id, err := v.Verify(context.Background(), signToken(t, "u1", time.Hour))
	require.NoError(t, err)
	assert.Equal(t, models.Identity{UserID: "u1", Username: "alice", DisplayName: "Alice"}, id)
}

func TestVerifyRejects(t *testing.T) {
	v := newVerifier(t)
	cases := map[string]string{
		"empty":        "",
		"garbage":      "not-a-jwt",
		"expired":      signToken(t, "u1", -time.Minute),
		"inactive":     signToken(t, "u2", time.Hour),
		"unknown user": signToken(t, "ghost", time.Hour),
	}
	for name, credential := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := v.Verify(context.Background(), credential)
			assert.ErrorIs(t, err, models.ErrAuthenticationFailed)
		})
	}
}

type failingUsers struct{}

func (failingUsers) GetActiveUser(context.Context, string) (*models.User, error) {
	return nil, errors.New("db down")
}

func TestVerifyLogsLookupFailure(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	v := NewJWTVerifier(secret, failingUsers{}, utils.NewLoggerFrom(zap.New(core)))

	_, err := v.Verify(context.Background(), signToken(t, "u1", time.Hour))
	assert.ErrorIs(t, err, models.ErrAuthenticationFailed)
	assert.Equal(t, 1, logs.FilterMessage("identity lookup failed").Len())
}

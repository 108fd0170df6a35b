package identity

import (
	"context"
	"errors"
	"fmt"

	"imageflow/realtime/internal/models"
	"imageflow/realtime/internal/repositories"
	"imageflow/realtime/internal/utils"
)

// UserLookup resolves an active user by id.
type UserLookup interface {
	GetActiveUser(ctx context.Context, userID string) (*models.User, error)
}

// JWTVerifier turns a bearer credential into an Identity. The token must be valid and
// name a user that exists and is active.
type JWTVerifier struct {
	secret []byte
	users  UserLookup
	log    *utils.Logger
}

func NewJWTVerifier(secret string, users UserLookup, log *utils.Logger) *JWTVerifier {
	if log == nil {
		log = utils.NewNopLogger()
	}
	return &JWTVerifier{secret: []byte(secret), users: users, log: log}
}

// Verify returns an error wrapping models.ErrAuthenticationFailed on any failure.
func (v *JWTVerifier) Verify(ctx context.Context, credential string) (models.Identity, error) {
	if credential == "" {
		return models.Identity{}, fmt.Errorf("%w: %w", models.ErrAuthenticationFailed, utils.ErrMissingAuthHeader)
	}
	claims, err := utils.ParseAccessToken(credential, v.secret)
	if err != nil {
		return models.Identity{}, fmt.Errorf("%w: %w", models.ErrAuthenticationFailed, err)
	}

	user, err := v.users.GetActiveUser(ctx, claims.Subject())
	if err != nil {
		if !errors.Is(err, repositories.ErrUserNotFound) {
			v.log.Error("identity lookup failed", "userId", claims.Subject(), "error", err)
		}
		return models.Identity{}, fmt.Errorf("%w: %w", models.ErrAuthenticationFailed, err)
	}
	return user.Identity(), nil
}

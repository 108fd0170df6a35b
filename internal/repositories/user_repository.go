package repositories

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"imageflow/realtime/internal/models"
)

var ErrUserNotFound = errors.New("user not found")

type UserRepository struct {
	DB *gorm.DB
}

// GetActiveUser loads the user only when the account is active.
func (r *UserRepository) GetActiveUser(ctx context.Context, userID string) (*models.User, error) {
	var user models.User
	err := r.DB.WithContext(ctx).First(&user, "user_id = ? AND is_active = ?", userID, true).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

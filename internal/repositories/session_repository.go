package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"imageflow/realtime/internal/models"
)

// SessionRepository is the SQL-backed session directory.
type SessionRepository struct {
	DB  *gorm.DB
	Now func() time.Time
}

func NewSessionRepository(db *gorm.DB) *SessionRepository {
	return &SessionRepository{DB: db, Now: time.Now}
}

func (r *SessionRepository) now() time.Time {
	if r.Now == nil {
		return time.Now()
	}
	return r.Now()
}

// GetActiveSession returns models.ErrSessionNotFound when the session is absent,
// inactive or expired. Any other error is a lookup failure.
func (r *SessionRepository) GetActiveSession(ctx context.Context, sessionID string) (*models.SessionMetadata, error) {
	db := r.DB.WithContext(ctx)

	var sess models.EditSession
	err := db.First(&sess, "session_id = ? AND is_active = ? AND expires_at > ?", sessionID, true, r.now()).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, models.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load edit session %s: %w", sessionID, err)
	}

	var grants []models.SessionParticipant
	if err := db.Where("session_id = ? AND permissions <> ''", sessionID).Find(&grants).Error; err != nil {
		return nil, fmt.Errorf("load session participants %s: %w", sessionID, err)
	}

	meta := &models.SessionMetadata{
		SessionID:   sess.SessionID,
		OwnerID:     sess.OwnerID,
		IsActive:    sess.IsActive,
		ExpiresAt:   sess.ExpiresAt,
		Permissions: make(map[string]string, len(grants)),
	}
	for _, g := range grants {
		meta.Permissions[g.UserID] = g.Permissions
	}
	return meta, nil
}

// UpsertParticipant stores the cursor color and refreshes last_active_at, leaving any
// existing permission grant untouched.
func (r *SessionRepository) UpsertParticipant(ctx context.Context, sessionID, userID, cursorColor string) error {
	row := models.SessionParticipant{
		SessionID:    sessionID,
		UserID:       userID,
		CursorColor:  cursorColor,
		LastActiveAt: r.now(),
	}
	err := r.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "session_id"}, {Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"cursor_color", "last_active_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("upsert participant %s/%s: %w", sessionID, userID, err)
	}
	return nil
}

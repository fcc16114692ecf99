package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"taskflow/internal/model"
)

// SettingsRepository stores per-user notification settings.
type SettingsRepository struct {
	db *gorm.DB
}

func NewSettingsRepository(db *gorm.DB) *SettingsRepository {
	return &SettingsRepository{db: db}
}

func (r *SettingsRepository) Get(ctx context.Context, userID uint) (*model.NotificationSettings, error) {
	var settings model.NotificationSettings
	if err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&settings).Error; err != nil {
		return nil, notFound(err)
	}
	return &settings, nil
}

// Upsert creates the user's settings row on first save and updates it
// afterwards. LastSentAt is owned by the dispatcher and never written here.
func (r *SettingsRepository) Upsert(ctx context.Context, settings *model.NotificationSettings) error {
	db := r.db.WithContext(ctx)
	var existing model.NotificationSettings
	err := db.Where("user_id = ?", settings.UserID).First(&existing).Error
	switch {
	case err == nil:
		settings.ID = existing.ID
		settings.CreatedAt = existing.CreatedAt
		settings.LastSentAt = existing.LastSentAt
		if err := db.Omit("User", "LastSentAt").Save(settings).Error; err != nil {
			return fmt.Errorf("update settings: %w", err)
		}
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		if err := db.Omit("User").Create(settings).Error; err != nil {
			return fmt.Errorf("create settings: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("find settings: %w", err)
	}
}

// ListEnabled returns every settings row with notifications switched on,
// with its user preloaded.
func (r *SettingsRepository) ListEnabled(ctx context.Context) ([]model.NotificationSettings, error) {
	var list []model.NotificationSettings
	if err := r.db.WithContext(ctx).Preload("User").Where("enabled = ?", true).Order("id ASC").Find(&list).Error; err != nil {
		return nil, err
	}
	return list, nil
}

// ClaimDispatch atomically records now as the last dispatch unless a
// dispatch was already recorded at or after dayStart. It reports whether
// the caller won the claim.
func (r *SettingsRepository) ClaimDispatch(ctx context.Context, settingsID uint, now, dayStart time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&model.NotificationSettings{}).
		Where("id = ? AND (last_sent_at IS NULL OR last_sent_at < ?)", settingsID, stamp(dayStart)).
		Update("last_sent_at", stamp(now))
	if res.Error != nil {
		return false, fmt.Errorf("claim dispatch: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// ReleaseDispatch undoes a claim made at claimedAt, restoring the previous
// value, so the next tick retries. It is a no-op if the row moved on.
func (r *SettingsRepository) ReleaseDispatch(ctx context.Context, settingsID uint, claimedAt time.Time, previous *time.Time) error {
	var restore interface{}
	if previous != nil {
		restore = stamp(*previous)
	}
	err := r.db.WithContext(ctx).Model(&model.NotificationSettings{}).
		Where("id = ? AND last_sent_at = ?", settingsID, stamp(claimedAt)).
		Update("last_sent_at", restore).Error
	if err != nil {
		return fmt.Errorf("release dispatch: %w", err)
	}
	return nil
}

// stamp normalizes instants so stored values compare lexically.
func stamp(t time.Time) time.Time {
	return t.UTC().Truncate(time.Second)
}

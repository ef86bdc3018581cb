package ratelimit

import (
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"camguard-backend/internal/models"
)

// WindowStart truncates now to the fixed epoch-aligned 24h bucket boundary.
// Buckets are UTC-midnight aligned, not rolling per-request windows.
func WindowStart(now time.Time) time.Time {
	return now.UTC().Truncate(24 * time.Hour)
}

// CheckAndIncrement bumps the device-creation counter for the identifier's
// current window and reports whether the new value exceeds limit. The bucket
// row is created on first use; the unique (identifier, type, window_start)
// index plus the in-place increment make this safe under concurrent callers
// without read-counter-then-write-counter races.
func CheckAndIncrement(db *gorm.DB, identifier, identifierType string, limit int, now time.Time) (int, bool, error) {
	start := WindowStart(now)

	row := models.DeviceCreationWindow{
		Identifier:     identifier,
		IdentifierType: identifierType,
		WindowStart:    start,
	}
	if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error; err != nil {
		return 0, false, fmt.Errorf("ensure rate limit window: %w", err)
	}

	res := db.Model(&models.DeviceCreationWindow{}).
		Where("identifier = ? AND identifier_type = ? AND window_start = ?", identifier, identifierType, start).
		UpdateColumn("device_count", gorm.Expr("device_count + 1"))
	if res.Error != nil {
		return 0, false, fmt.Errorf("increment rate limit window: %w", res.Error)
	}

	var fresh models.DeviceCreationWindow
	err := db.Where("identifier = ? AND identifier_type = ? AND window_start = ?", identifier, identifierType, start).
		First(&fresh).Error
	if err != nil {
		return 0, false, fmt.Errorf("reload rate limit window: %w", err)
	}

	return fresh.DeviceCount, fresh.DeviceCount > limit, nil
}

// CleanupExpired removes buckets whose window has fully elapsed.
func CleanupExpired(db *gorm.DB, now time.Time) (int64, error) {
	res := db.Where("window_start < ?", WindowStart(now)).
		Delete(&models.DeviceCreationWindow{})
	return res.RowsAffected, res.Error
}

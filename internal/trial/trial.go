package trial

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"camguard-backend/internal/metrics"
	"camguard-backend/internal/models"
)

// Duration is the trial length for every device. Exactly 14 days, never
// configurable: the end timestamp is derived from the start, not stored
// independently.
const Duration = 14 * 24 * time.Hour

// ErrInvariantViolated marks a device whose trial fields were mutated outside
// the state machine. Callers treat this as fatal and audit it; it is never
// auto-corrected.
var ErrInvariantViolated = errors.New("trial invariant violated")

// StartTrialIfEligible starts the device's one-time trial. The transition is
// a single conditional UPDATE guarded on trial_consumed = false, so under N
// concurrent callers exactly one write happens; losers re-read and return the
// winner's timestamps. Calling it for a consumed device is a no-op that
// returns the existing values.
func StartTrialIfEligible(db *gorm.DB, device *models.Device) (*models.Device, error) {
	if device.TrialConsumed {
		return device, nil
	}

	now := time.Now().UTC()
	end := now.Add(Duration)

	res := db.Model(&models.Device{}).
		Where("id = ? AND trial_consumed = ?", device.ID, false).
		Updates(map[string]interface{}{
			"trial_started_at": now,
			"trial_ended_at":   end,
			"trial_consumed":   true,
		})
	if res.Error != nil {
		return nil, fmt.Errorf("start trial for device %d: %w", device.ID, res.Error)
	}

	// RowsAffected == 0 means another caller won the race. Either way the
	// authoritative timestamps now live in the row; re-read them.
	var fresh models.Device
	if err := db.First(&fresh, device.ID).Error; err != nil {
		return nil, fmt.Errorf("reload device %d after trial start: %w", device.ID, err)
	}
	if res.RowsAffected > 0 {
		metrics.TrialsStarted.Inc()
	}

	if err := checkInvariants(&fresh); err != nil {
		return nil, err
	}
	return &fresh, nil
}

// checkInvariants validates the trial-field shape after any transition.
func checkInvariants(d *models.Device) error {
	if (d.TrialStartedAt == nil) != (d.TrialEndedAt == nil) {
		return fmt.Errorf("device %d: trial timestamps must both be set or both be null: %w", d.ID, ErrInvariantViolated)
	}
	if d.TrialStartedAt != nil && !d.TrialEndedAt.Equal(d.TrialStartedAt.Add(Duration)) {
		return fmt.Errorf("device %d: trial_ended_at is not trial_started_at + %s: %w", d.ID, Duration, ErrInvariantViolated)
	}
	if d.TrialConsumed && d.TrialStartedAt == nil {
		return fmt.Errorf("device %d: trial consumed without timestamps: %w", d.ID, ErrInvariantViolated)
	}
	return nil
}

// Active reports whether the device's trial is currently running.
func Active(d *models.Device, now time.Time) bool {
	return d.TrialStartedAt != nil && d.TrialEndedAt != nil && now.Before(*d.TrialEndedAt)
}

package devices

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"camguard-backend/internal/config"
	apperrors "camguard-backend/internal/errors"
	"camguard-backend/internal/license"
	"camguard-backend/internal/models"
	"camguard-backend/internal/ratelimit"
	"camguard-backend/internal/risk"
	"camguard-backend/internal/trial"
)

// MinFingerprintLength is the shortest device hash accepted. Fingerprints are
// opaque client-supplied strings (observed clients send 90 characters) and
// are treated as forgeable input.
const MinFingerprintLength = 64

// Service owns the device registration flow: rate limiting, device and user
// upserts, the one-time trial transition, and cap-checked association. All
// state transitions for one registration happen in a single transaction;
// correctness under concurrent requests comes from storage-level unique
// constraints and conditional updates, not process-wide locks.
type Service struct {
	db   *gorm.DB
	cfg  *config.Config
	risk *risk.Recorder
}

func NewService(db *gorm.DB, cfg *config.Config) *Service {
	return &Service{db: db, cfg: cfg, risk: risk.NewRecorder(db)}
}

// RegistrationResult is the outcome of a successful registration.
type RegistrationResult struct {
	User     *models.User
	Device   *models.Device
	Snapshot license.Snapshot
}

// pendingRisk is a risk event noted during the registration transaction and
// written after it finishes, so rejections still leave their audit trail.
type pendingRisk struct {
	eventType string
	userID    *uint
	deviceID  *uint
	metadata  map[string]interface{}
}

// Register handles one device registration request. Duplicate devices, users
// and associations are resolved by re-reading, never surfaced as errors;
// policy rejections come back as typed AppErrors.
func (s *Service) Register(email, deviceHash, sourceIP string) (*RegistrationResult, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || !strings.Contains(email, "@") {
		return nil, apperrors.ErrValidationFailed.WithDetails("a valid email is required")
	}
	if len(deviceHash) < MinFingerprintLength {
		return nil, apperrors.ErrValidationFailed.WithDetails(
			fmt.Sprintf("device_hash must be at least %d characters", MinFingerprintLength))
	}

	now := time.Now().UTC()
	var out RegistrationResult
	var pending []pendingRisk

	txErr := s.db.Transaction(func(tx *gorm.DB) error {
		user, err := upsertUser(tx, email)
		if err != nil {
			return err
		}

		device, created, err := upsertDevice(tx, deviceHash, now)
		if err != nil {
			return err
		}

		// Only actual device creations count against the 24h windows.
		if created {
			// An IP burning through the window reads as scripted rapid
			// creation; a user doing it reads as their own rate limit.
			scopes := []struct {
				identifier string
				idType     string
				limit      int
				eventType  string
			}{
				{sourceIP, models.IdentifierTypeIP, s.cfg.IPDeviceLimit24h, models.RiskRapidCreation},
				{fmt.Sprintf("%d", user.ID), models.IdentifierTypeUser, s.cfg.UserDeviceLimit24h, models.RiskCreationRateLimited},
			}
			for _, scope := range scopes {
				count, exceeded, err := ratelimit.CheckAndIncrement(tx, scope.identifier, scope.idType, scope.limit, now)
				if err != nil {
					return err
				}
				if exceeded {
					pending = append(pending, pendingRisk{
						eventType: scope.eventType,
						userID:    &user.ID,
						metadata: map[string]interface{}{
							"identifier_type": scope.idType,
							"window_count":    count,
							"limit":           scope.limit,
						},
					})
					if s.cfg.Enforcing() {
						return apperrors.ErrRateLimited
					}
				}
			}
		}

		device, err = startTrial(tx, device, &pending)
		if err != nil {
			return err
		}

		if err := s.associate(tx, user, device, sourceIP, now, &pending); err != nil {
			return err
		}

		out.User = user
		out.Device = device
		return nil
	})

	for _, p := range pending {
		s.risk.Record(p.eventType, sourceIP, p.userID, p.deviceID, p.metadata)
	}
	if txErr != nil {
		return nil, txErr
	}

	sub, plan, err := loadSubscription(s.db, []uint{out.User.ID})
	if err != nil {
		return nil, err
	}
	out.Snapshot = license.Evaluate(out.Device, sub, plan, now)
	return &out, nil
}

// Evaluate returns the entitlement snapshot for a device fingerprint.
// Read-only and side-effect free.
func (s *Service) Evaluate(deviceHash string) (*models.Device, license.Snapshot, error) {
	var device models.Device
	if err := s.db.Where("fingerprint = ?", deviceHash).First(&device).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, license.Snapshot{}, apperrors.ErrValidationFailed.WithDetails("unknown device")
		}
		return nil, license.Snapshot{}, err
	}

	var userIDs []uint
	if err := s.db.Model(&models.UserDevice{}).
		Where("device_id = ?", device.ID).
		Pluck("user_id", &userIDs).Error; err != nil {
		return nil, license.Snapshot{}, err
	}

	sub, plan, err := loadSubscription(s.db, userIDs)
	if err != nil {
		return nil, license.Snapshot{}, err
	}

	return &device, license.Evaluate(&device, sub, plan, time.Now().UTC()), nil
}

func upsertUser(tx *gorm.DB, email string) (*models.User, error) {
	var user models.User
	err := tx.Where("email = ?", email).First(&user).Error
	if err == nil {
		return &user, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	user = models.User{Email: email}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&user).Error; err != nil {
		return nil, err
	}
	// A concurrent request may have won the insert; the unique email index
	// guarantees exactly one row either way.
	if err := tx.Where("email = ?", email).First(&user).Error; err != nil {
		return nil, err
	}
	return &user, nil
}

func upsertDevice(tx *gorm.DB, fingerprint string, now time.Time) (*models.Device, bool, error) {
	device := models.Device{Fingerprint: fingerprint, FirstSeenAt: now}
	res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&device)
	if res.Error != nil {
		return nil, false, res.Error
	}
	created := res.RowsAffected > 0

	if err := tx.Where("fingerprint = ?", fingerprint).First(&device).Error; err != nil {
		return nil, false, err
	}
	return &device, created, nil
}

func startTrial(tx *gorm.DB, device *models.Device, pending *[]pendingRisk) (*models.Device, error) {
	fresh, err := trial.StartTrialIfEligible(tx, device)
	if err != nil {
		if errors.Is(err, trial.ErrInvariantViolated) {
			*pending = append(*pending, pendingRisk{
				eventType: models.RiskSuspiciousPattern,
				deviceID:  &device.ID,
				metadata:  map[string]interface{}{"detail": err.Error()},
			})
			return nil, apperrors.Wrap(err, apperrors.ErrIntegrityViolation.Code, apperrors.ErrIntegrityViolation.Message)
		}
		return nil, err
	}
	return fresh, nil
}

func (s *Service) associate(tx *gorm.DB, user *models.User, device *models.Device, sourceIP string, now time.Time, pending *[]pendingRisk) error {
	var existing models.UserDevice
	err := tx.Where("user_id = ? AND device_id = ?", user.ID, device.ID).First(&existing).Error
	if err == nil {
		return nil // already registered to this user, idempotent
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}

	var count int64
	if err := tx.Model(&models.UserDevice{}).Where("user_id = ?", user.ID).Count(&count).Error; err != nil {
		return err
	}

	maxDevices := s.cfg.DefaultDeviceCap
	if user.DeviceCapOverride != nil {
		maxDevices = *user.DeviceCapOverride
	}
	if int(count) >= maxDevices {
		*pending = append(*pending, pendingRisk{
			eventType: models.RiskDeviceCapExceeded,
			userID:    &user.ID,
			deviceID:  &device.ID,
			metadata: map[string]interface{}{
				"device_count": count,
				"device_cap":   maxDevices,
			},
		})
		if s.cfg.Enforcing() {
			return apperrors.ErrDeviceCapExceeded
		}
	}

	assoc := models.UserDevice{UserID: user.ID, DeviceID: device.ID}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&assoc).Error; err != nil {
		return err
	}

	// Churn signal: many distinct devices attached to one account within a
	// single day. Detection only.
	var recent int64
	if err := tx.Model(&models.UserDevice{}).
		Where("user_id = ? AND created_at > ?", user.ID, now.Add(-24*time.Hour)).
		Count(&recent).Error; err != nil {
		return err
	}
	if int(recent) >= s.cfg.ChurnThreshold {
		*pending = append(*pending, pendingRisk{
			eventType: models.RiskChurnDetected,
			userID:    &user.ID,
			deviceID:  &device.ID,
			metadata:  map[string]interface{}{"devices_last_24h": recent},
		})
	}
	return nil
}

// loadSubscription picks the subscription that should drive entitlement for
// the given users: an active one if any exists, otherwise the most recently
// updated. Plans are preloaded for tier resolution.
func loadSubscription(db *gorm.DB, userIDs []uint) (*models.Subscription, *models.Plan, error) {
	if len(userIDs) == 0 {
		return nil, nil, nil
	}

	var subs []models.Subscription
	err := db.Preload("Plan").
		Where("user_id IN ?", userIDs).
		Order("updated_at DESC").
		Find(&subs).Error
	if err != nil {
		return nil, nil, err
	}
	if len(subs) == 0 {
		return nil, nil, nil
	}

	chosen := subs[0]
	for _, sub := range subs {
		if sub.Status == models.SubscriptionActive {
			chosen = sub
			break
		}
	}
	return &chosen, chosen.Plan, nil
}

package devices

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"camguard-backend/internal/config"
	apperrors "camguard-backend/internal/errors"
	"camguard-backend/internal/license"
	"camguard-backend/internal/models"
	"camguard-backend/internal/trial"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(
		&models.Device{},
		&models.User{},
		&models.UserDevice{},
		&models.DeviceCreationWindow{},
		&models.RiskEvent{},
		&models.Plan{},
		&models.Subscription{},
	))
	return db
}

func testConfig() *config.Config {
	return &config.Config{
		Enforcement:        config.ModeEnforce,
		DefaultDeviceCap:   3,
		IPDeviceLimit24h:   10,
		UserDeviceLimit24h: 5,
		ChurnThreshold:     100,
	}
}

// fingerprint builds a valid-length device hash; clients send 90 characters.
func fingerprint(seed string) string {
	return seed + strings.Repeat("f", 90-len(seed))
}

func TestRegisterRejectsInvalidInput(t *testing.T) {
	svc := NewService(openTestDB(t), testConfig())

	_, err := svc.Register("not-an-email", fingerprint("a"), "203.0.113.1")
	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperrors.ErrValidationFailed.Code, appErr.Code)

	_, err = svc.Register("user@example.com", "too-short", "203.0.113.1")
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperrors.ErrValidationFailed.Code, appErr.Code)
}

func TestRegisterStartsTrialAndIssuesSnapshot(t *testing.T) {
	svc := NewService(openTestDB(t), testConfig())

	result, err := svc.Register("user@example.com", fingerprint("a"), "203.0.113.1")
	require.NoError(t, err)

	assert.Equal(t, license.OutcomeTrialActive, result.Snapshot.Outcome)
	assert.True(t, result.Snapshot.Valid)
	require.NotNil(t, result.Device.TrialStartedAt)
	assert.True(t, result.Device.TrialEndedAt.Equal(result.Device.TrialStartedAt.Add(trial.Duration)))
}

func TestRegisterIsIdempotentForSameUserAndDevice(t *testing.T) {
	db := openTestDB(t)
	svc := NewService(db, testConfig())
	hash := fingerprint("a")

	first, err := svc.Register("User@Example.com", hash, "203.0.113.1")
	require.NoError(t, err)
	second, err := svc.Register("user@example.com", hash, "203.0.113.1")
	require.NoError(t, err)

	var deviceCount, assocCount int64
	require.NoError(t, db.Model(&models.Device{}).Count(&deviceCount).Error)
	require.NoError(t, db.Model(&models.UserDevice{}).Count(&assocCount).Error)
	assert.Equal(t, int64(1), deviceCount)
	assert.Equal(t, int64(1), assocCount)

	assert.True(t, first.Device.TrialStartedAt.Equal(*second.Device.TrialStartedAt))
}

func TestConcurrentRegistrationsCreateOneDeviceAndOneTrial(t *testing.T) {
	db := openTestDB(t)
	svc := NewService(db, testConfig())
	hash := fingerprint("a")

	const callers = 10
	results := make([]*RegistrationResult, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = svc.Register("user@example.com", hash, "203.0.113.1")
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i], "caller %d", i)
	}

	var deviceCount, assocCount, userCount int64
	require.NoError(t, db.Model(&models.Device{}).Count(&deviceCount).Error)
	require.NoError(t, db.Model(&models.UserDevice{}).Count(&assocCount).Error)
	require.NoError(t, db.Model(&models.User{}).Count(&userCount).Error)
	assert.Equal(t, int64(1), deviceCount)
	assert.Equal(t, int64(1), assocCount)
	assert.Equal(t, int64(1), userCount)

	for i := 1; i < callers; i++ {
		assert.True(t, results[0].Device.TrialStartedAt.Equal(*results[i].Device.TrialStartedAt),
			"caller %d saw a different trial window", i)
	}
}

func TestReregistrationNeverExtendsAnExpiredTrial(t *testing.T) {
	db := openTestDB(t)
	svc := NewService(db, testConfig())
	hash := fingerprint("a")

	_, err := svc.Register("user@example.com", hash, "203.0.113.1")
	require.NoError(t, err)

	// Age the trial past its window.
	started := time.Now().UTC().Add(-20 * 24 * time.Hour)
	ended := started.Add(trial.Duration)
	require.NoError(t, db.Model(&models.Device{}).
		Where("fingerprint = ?", hash).
		Updates(map[string]interface{}{"trial_started_at": started, "trial_ended_at": ended}).Error)

	result, err := svc.Register("user@example.com", hash, "203.0.113.1")
	require.NoError(t, err)
	assert.Equal(t, license.OutcomeTrialExpired, result.Snapshot.Outcome)
	assert.False(t, result.Snapshot.Valid)
	assert.True(t, result.Device.TrialStartedAt.Equal(started))

	// Registering under a different account changes nothing either.
	result, err = svc.Register("other@example.com", hash, "203.0.113.2")
	require.NoError(t, err)
	assert.Equal(t, license.OutcomeTrialExpired, result.Snapshot.Outcome)
	assert.True(t, result.Device.TrialStartedAt.Equal(started))
}

func TestDeviceCapRejectsAndAudits(t *testing.T) {
	db := openTestDB(t)
	cfg := testConfig()
	cfg.DefaultDeviceCap = 2
	svc := NewService(db, cfg)

	for i := 0; i < 2; i++ {
		_, err := svc.Register("user@example.com", fingerprint(fmt.Sprintf("d%d", i)), "203.0.113.1")
		require.NoError(t, err)
	}

	_, err := svc.Register("user@example.com", fingerprint("d2"), "203.0.113.1")
	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperrors.ErrDeviceCapExceeded.Code, appErr.Code)

	// The rejection rolled back, but the audit trail survived it.
	var assocCount int64
	require.NoError(t, db.Model(&models.UserDevice{}).Count(&assocCount).Error)
	assert.Equal(t, int64(2), assocCount)

	var events int64
	require.NoError(t, db.Model(&models.RiskEvent{}).
		Where("event_type = ?", models.RiskDeviceCapExceeded).Count(&events).Error)
	assert.Equal(t, int64(1), events)
}

func TestDeviceCapOverrideWins(t *testing.T) {
	db := openTestDB(t)
	cfg := testConfig()
	cfg.DefaultDeviceCap = 1
	svc := NewService(db, cfg)

	first, err := svc.Register("user@example.com", fingerprint("d0"), "203.0.113.1")
	require.NoError(t, err)

	override := 3
	require.NoError(t, db.Model(first.User).Update("device_cap_override", &override).Error)

	_, err = svc.Register("user@example.com", fingerprint("d1"), "203.0.113.1")
	require.NoError(t, err)
}

func TestDetectModeRecordsWithoutRejecting(t *testing.T) {
	db := openTestDB(t)
	cfg := testConfig()
	cfg.DefaultDeviceCap = 1
	cfg.Enforcement = config.ModeDetect
	svc := NewService(db, cfg)

	_, err := svc.Register("user@example.com", fingerprint("d0"), "203.0.113.1")
	require.NoError(t, err)
	_, err = svc.Register("user@example.com", fingerprint("d1"), "203.0.113.1")
	require.NoError(t, err)

	var assocCount int64
	require.NoError(t, db.Model(&models.UserDevice{}).Count(&assocCount).Error)
	assert.Equal(t, int64(2), assocCount)

	var events int64
	require.NoError(t, db.Model(&models.RiskEvent{}).
		Where("event_type = ?", models.RiskDeviceCapExceeded).Count(&events).Error)
	assert.Equal(t, int64(1), events)
}

func TestCreationRateLimitBlocksNewDevicesOnly(t *testing.T) {
	db := openTestDB(t)
	cfg := testConfig()
	cfg.UserDeviceLimit24h = 2
	cfg.DefaultDeviceCap = 10
	svc := NewService(db, cfg)

	for i := 0; i < 2; i++ {
		_, err := svc.Register("user@example.com", fingerprint(fmt.Sprintf("d%d", i)), "203.0.113.1")
		require.NoError(t, err)
	}

	_, err := svc.Register("user@example.com", fingerprint("d2"), "203.0.113.1")
	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperrors.ErrRateLimited.Code, appErr.Code)

	var events int64
	require.NoError(t, db.Model(&models.RiskEvent{}).
		Where("event_type = ?", models.RiskCreationRateLimited).Count(&events).Error)
	assert.Equal(t, int64(1), events)

	// Re-registering an existing device is not a creation and stays allowed.
	_, err = svc.Register("user@example.com", fingerprint("d0"), "203.0.113.1")
	require.NoError(t, err)
}

func TestIPBurstIsFlaggedAsRapidCreation(t *testing.T) {
	db := openTestDB(t)
	cfg := testConfig()
	cfg.IPDeviceLimit24h = 2
	cfg.UserDeviceLimit24h = 10
	cfg.DefaultDeviceCap = 10
	svc := NewService(db, cfg)

	// Distinct accounts so only the shared source IP is over budget.
	for i := 0; i < 2; i++ {
		_, err := svc.Register(fmt.Sprintf("user%d@example.com", i), fingerprint(fmt.Sprintf("d%d", i)), "203.0.113.1")
		require.NoError(t, err)
	}

	_, err := svc.Register("user2@example.com", fingerprint("d2"), "203.0.113.1")
	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperrors.ErrRateLimited.Code, appErr.Code)

	var events int64
	require.NoError(t, db.Model(&models.RiskEvent{}).
		Where("event_type = ?", models.RiskRapidCreation).Count(&events).Error)
	assert.Equal(t, int64(1), events)
}

func TestChurnDetectionFlagsRapidAssociations(t *testing.T) {
	db := openTestDB(t)
	cfg := testConfig()
	cfg.ChurnThreshold = 3
	cfg.DefaultDeviceCap = 10
	svc := NewService(db, cfg)

	for i := 0; i < 3; i++ {
		_, err := svc.Register("user@example.com", fingerprint(fmt.Sprintf("d%d", i)), "203.0.113.1")
		require.NoError(t, err)
	}

	var events int64
	require.NoError(t, db.Model(&models.RiskEvent{}).
		Where("event_type = ?", models.RiskChurnDetected).Count(&events).Error)
	assert.Equal(t, int64(1), events)
}

func TestEvaluateUnknownDevice(t *testing.T) {
	svc := NewService(openTestDB(t), testConfig())

	_, _, err := svc.Evaluate(fingerprint("nope"))
	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperrors.ErrValidationFailed.Code, appErr.Code)
}

func TestEvaluatePrefersActiveSubscription(t *testing.T) {
	db := openTestDB(t)
	svc := NewService(db, testConfig())
	hash := fingerprint("a")

	result, err := svc.Register("user@example.com", hash, "203.0.113.1")
	require.NoError(t, err)

	plan := models.Plan{Name: models.PlanPro, StripePriceID: "price_pro"}
	require.NoError(t, db.Create(&plan).Error)
	periodEnd := time.Now().UTC().Add(30 * 24 * time.Hour)
	sub := models.Subscription{
		UserID:           result.User.ID,
		PlanID:           &plan.ID,
		Status:           models.SubscriptionActive,
		CurrentPeriodEnd: &periodEnd,
	}
	require.NoError(t, db.Create(&sub).Error)

	_, snap, err := svc.Evaluate(hash)
	require.NoError(t, err)
	assert.Equal(t, license.OutcomeSubscriptionActive, snap.Outcome)
	assert.Equal(t, license.TierPro, snap.Tier)
	assert.True(t, snap.Features.CloudBackup)
}

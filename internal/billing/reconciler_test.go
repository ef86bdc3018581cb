package billing

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"camguard-backend/internal/models"
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
		&models.User{},
		&models.Plan{},
		&models.Subscription{},
		&models.WebhookEvent{},
		&models.RiskEvent{},
	))
	return db
}

func seedUser(t *testing.T, db *gorm.DB, email string) *models.User {
	t.Helper()
	user := &models.User{Email: email}
	require.NoError(t, db.Create(user).Error)
	return user
}

func TestProcessEventRunsEffectExactlyOnce(t *testing.T) {
	db := openTestDB(t)
	rec := NewReconciler(db)

	runs := 0
	effect := func(tx *gorm.DB) error {
		runs++
		return nil
	}

	applied, err := rec.ProcessEvent("evt_once", "customer.subscription.updated", effect)
	require.NoError(t, err)
	assert.True(t, applied)

	// Redelivery of the same event id must be a no-op.
	applied, err = rec.ProcessEvent("evt_once", "customer.subscription.updated", effect)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, 1, runs)

	var ledger int64
	require.NoError(t, db.Model(&models.WebhookEvent{}).Count(&ledger).Error)
	assert.Equal(t, int64(1), ledger)
}

func TestProcessEventFailureReleasesTheLedgerEntry(t *testing.T) {
	db := openTestDB(t)
	rec := NewReconciler(db)

	boom := errors.New("transient failure")
	_, err := rec.ProcessEvent("evt_retry", "customer.subscription.updated", func(tx *gorm.DB) error {
		return boom
	})
	require.ErrorIs(t, err, boom)

	// The failed attempt must not have claimed the event id, or the
	// provider's retry would be swallowed as a replay.
	var ledger int64
	require.NoError(t, db.Model(&models.WebhookEvent{}).Count(&ledger).Error)
	assert.Equal(t, int64(0), ledger)

	applied, err := rec.ProcessEvent("evt_retry", "customer.subscription.updated", func(tx *gorm.DB) error {
		return nil
	})
	require.NoError(t, err)
	assert.True(t, applied)
}

func TestCheckoutCompletedActivatesSubscription(t *testing.T) {
	db := openTestDB(t)
	rec := NewReconciler(db)
	user := seedUser(t, db, "owner@example.com")

	data := SubscriptionEventData{
		CustomerID:     "cus_123",
		SubscriptionID: "sub_123",
		CustomerEmail:  user.Email,
	}
	applied, err := rec.HandleCheckoutCompleted("evt_checkout", data)
	require.NoError(t, err)
	assert.True(t, applied)

	var sub models.Subscription
	require.NoError(t, db.Where("stripe_subscription_id = ?", "sub_123").First(&sub).Error)
	assert.Equal(t, models.SubscriptionActive, sub.Status)
	assert.Equal(t, user.ID, sub.UserID)

	var fresh models.User
	require.NoError(t, db.First(&fresh, user.ID).Error)
	require.NotNil(t, fresh.StripeCustomerID)
	assert.Equal(t, "cus_123", *fresh.StripeCustomerID)
}

func TestSubscriptionUpdatedMapsProviderStatus(t *testing.T) {
	db := openTestDB(t)
	rec := NewReconciler(db)
	user := seedUser(t, db, "owner@example.com")
	plan := models.Plan{Name: models.PlanPro, StripePriceID: "price_pro"}
	require.NoError(t, db.Create(&plan).Error)

	periodEnd := time.Now().UTC().Add(30 * 24 * time.Hour)
	data := SubscriptionEventData{
		CustomerID:     "cus_123",
		SubscriptionID: "sub_123",
		CustomerEmail:  user.Email,
		ProviderStatus: "trialing",
		PriceID:        "price_pro",
		PeriodEnd:      &periodEnd,
	}
	applied, err := rec.HandleSubscriptionUpdated("evt_up1", data)
	require.NoError(t, err)
	assert.True(t, applied)

	var sub models.Subscription
	require.NoError(t, db.Where("stripe_subscription_id = ?", "sub_123").First(&sub).Error)
	assert.Equal(t, models.SubscriptionTrial, sub.Status)
	require.NotNil(t, sub.PlanID)
	assert.Equal(t, plan.ID, *sub.PlanID)

	// Anything outside trialing/active collapses to expired.
	data.ProviderStatus = "past_due"
	_, err = rec.HandleSubscriptionUpdated("evt_up2", data)
	require.NoError(t, err)
	require.NoError(t, db.Where("stripe_subscription_id = ?", "sub_123").First(&sub).Error)
	assert.Equal(t, models.SubscriptionExpired, sub.Status)
}

func TestDeletedForcesExpiredAndReplayStaysExpired(t *testing.T) {
	db := openTestDB(t)
	rec := NewReconciler(db)
	user := seedUser(t, db, "owner@example.com")

	data := SubscriptionEventData{
		CustomerID:     "cus_9",
		SubscriptionID: "sub_9",
		CustomerEmail:  user.Email,
		ProviderStatus: "active",
	}
	_, err := rec.HandleSubscriptionUpdated("evt_active", data)
	require.NoError(t, err)

	applied, err := rec.HandleSubscriptionDeleted("evt_deleted", data)
	require.NoError(t, err)
	assert.True(t, applied)

	var sub models.Subscription
	require.NoError(t, db.Where("stripe_subscription_id = ?", "sub_9").First(&sub).Error)
	assert.Equal(t, models.SubscriptionExpired, sub.Status)
	assert.NotNil(t, sub.CanceledAt)

	// The provider redelivers the earlier activation: same event id, so it
	// must not resurrect the subscription.
	applied, err = rec.HandleSubscriptionUpdated("evt_active", data)
	require.NoError(t, err)
	assert.False(t, applied)
	require.NoError(t, db.Where("stripe_subscription_id = ?", "sub_9").First(&sub).Error)
	assert.Equal(t, models.SubscriptionExpired, sub.Status)
}

func TestStaleUpdateAfterDeleteIsAppliedButAudited(t *testing.T) {
	db := openTestDB(t)
	rec := NewReconciler(db)
	user := seedUser(t, db, "owner@example.com")

	data := SubscriptionEventData{
		CustomerID:     "cus_late",
		SubscriptionID: "sub_late",
		CustomerEmail:  user.Email,
		ProviderStatus: "active",
	}
	_, err := rec.HandleSubscriptionUpdated("evt_l1", data)
	require.NoError(t, err)
	_, err = rec.HandleSubscriptionDeleted("evt_l2", data)
	require.NoError(t, err)

	// A genuinely new update event arriving after the delete. Documented
	// mapping wins, but the regression leaves an audit trail.
	applied, err := rec.HandleSubscriptionUpdated("evt_l3", data)
	require.NoError(t, err)
	assert.True(t, applied)

	var sub models.Subscription
	require.NoError(t, db.Where("stripe_subscription_id = ?", "sub_late").First(&sub).Error)
	assert.Equal(t, models.SubscriptionActive, sub.Status)

	var events []models.RiskEvent
	require.NoError(t, db.Where("event_type = ?", models.RiskReconciliation).
		Order("id DESC").Find(&events).Error)
	require.NotEmpty(t, events)
	latest := events[0]
	require.NotNil(t, latest.UserID)
	assert.Equal(t, user.ID, *latest.UserID)

	var meta map[string]interface{}
	require.NoError(t, json.Unmarshal(latest.Metadata, &meta))
	assert.Equal(t, true, meta["regression"])
}

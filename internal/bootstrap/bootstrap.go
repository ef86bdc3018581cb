package bootstrap

import (
	"os"

	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"camguard-backend/internal/license"
	"camguard-backend/internal/models"
)

// Run seeds the reference data the service needs to operate: the plan
// catalog. Safe to run on every startup; existing rows are updated in place
// so feature bundle changes roll out with a deploy.
func Run(db *gorm.DB) error {
	if err := seedPlans(db); err != nil {
		return err
	}
	log.Info("✅ Bootstrap complete")
	return nil
}

func seedPlans(db *gorm.DB) error {
	plans := []models.Plan{
		planFromTier(license.TierTrial, "Trial", 0, ""),
		planFromTier(license.TierBasic, "CamGuard Basic", 900, os.Getenv("STRIPE_PRICE_BASIC")),
		planFromTier(license.TierPro, "CamGuard Pro", 2900, os.Getenv("STRIPE_PRICE_PRO")),
	}

	for _, plan := range plans {
		if err := ensurePlan(db, plan); err != nil {
			return err
		}
	}
	return nil
}

// planFromTier derives the stored plan row from the tier's feature bundle so
// the catalog can never drift from what the evaluator grants.
func planFromTier(tier license.Tier, displayName string, price int64, stripePriceID string) models.Plan {
	features := tier.Features()
	return models.Plan{
		Name:          string(tier),
		DisplayName:   displayName,
		Price:         price,
		StripePriceID: stripePriceID,
		MaxCameras:    features.MaxCameras,
		PDFExport:     features.PDFExport,
		FPSLimit:      features.FPSLimit,
		CloudBackup:   features.CloudBackup,
		Active:        true,
	}
}

func ensurePlan(db *gorm.DB, plan models.Plan) error {
	var existing models.Plan
	err := db.Where("name = ?", plan.Name).First(&existing).Error
	if err == gorm.ErrRecordNotFound {
		if err := db.Create(&plan).Error; err != nil {
			return err
		}
		log.Infof("✅ Created plan: %s", plan.Name)
		return nil
	}
	if err != nil {
		return err
	}

	updates := map[string]interface{}{
		"display_name": plan.DisplayName,
		"price":        plan.Price,
		"max_cameras":  plan.MaxCameras,
		"pdf_export":   plan.PDFExport,
		"fps_limit":    plan.FPSLimit,
		"cloud_backup": plan.CloudBackup,
		"active":       plan.Active,
	}
	// Keep an operator-set price id unless the environment provides one.
	if plan.StripePriceID != "" {
		updates["stripe_price_id"] = plan.StripePriceID
	}
	return db.Model(&existing).Updates(updates).Error
}

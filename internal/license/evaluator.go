package license

import (
	"time"

	"camguard-backend/internal/models"
)

// Outcome is the single entitlement decision for a device. The five values
// are mutually exclusive; Evaluate applies them with fixed precedence.
type Outcome string

const (
	OutcomeSubscriptionActive  Outcome = "subscription_active"
	OutcomeSubscriptionExpired Outcome = "subscription_expired"
	OutcomeTrialActive         Outcome = "trial_active"
	OutcomeTrialExpired        Outcome = "trial_expired"
	OutcomeNoEntitlement       Outcome = "no_entitlement"
)

// Tier is the closed set of plan variants. Feature bundles hang off the
// variant so entitlement logic is an exhaustive match, not string-column
// comparisons.
type Tier string

const (
	TierTrial Tier = models.PlanTrial
	TierBasic Tier = models.PlanBasic
	TierPro   Tier = models.PlanPro
)

// FeatureSet is the feature bundle granted by a tier.
type FeatureSet struct {
	MaxCameras  int  `json:"max_cameras"`
	PDFExport   bool `json:"pdf_export"`
	FPSLimit    int  `json:"fps_limit"`
	CloudBackup bool `json:"cloud_backup"`
}

// Features returns the bundle for the tier.
func (t Tier) Features() FeatureSet {
	switch t {
	case TierBasic:
		return FeatureSet{MaxCameras: 4, PDFExport: true, FPSLimit: 25, CloudBackup: false}
	case TierPro:
		return FeatureSet{MaxCameras: 16, PDFExport: true, FPSLimit: 60, CloudBackup: true}
	default: // TierTrial and anything unknown get the most restricted bundle
		return FeatureSet{MaxCameras: 2, PDFExport: false, FPSLimit: 15, CloudBackup: false}
	}
}

// Snapshot is the entitlement state reported to a client.
type Snapshot struct {
	Outcome   Outcome    `json:"outcome"`
	Valid     bool       `json:"valid"`
	Tier      Tier       `json:"tier"`
	Features  FeatureSet `json:"features"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`

	TrialStartedAt *time.Time `json:"trial_started_at,omitempty"`
	TrialExpiresAt *time.Time `json:"trial_expires_at,omitempty"`
}

// Evaluate derives the entitlement for a device given its linked subscription
// and plan, if any. Pure and side-effect free. An active paid subscription
// always takes precedence over trial state, even when trial timestamps exist.
func Evaluate(device *models.Device, sub *models.Subscription, plan *models.Plan, now time.Time) Snapshot {
	snap := Snapshot{
		Outcome:        OutcomeNoEntitlement,
		Tier:           TierTrial,
		TrialStartedAt: device.TrialStartedAt,
		TrialExpiresAt: device.TrialEndedAt,
	}

	if sub != nil {
		if expiry, active := subscriptionActiveUntil(sub, now); active {
			snap.Outcome = OutcomeSubscriptionActive
			snap.Valid = true
			snap.Tier = subscriptionTier(sub, plan)
			snap.Features = snap.Tier.Features()
			snap.ExpiresAt = expiry
			return snap
		}
	}

	if device.TrialStartedAt != nil {
		if now.Before(*device.TrialEndedAt) {
			snap.Outcome = OutcomeTrialActive
			snap.Valid = true
			snap.Features = TierTrial.Features()
			snap.ExpiresAt = device.TrialEndedAt
			return snap
		}
		// Expired subscription outranks expired trial in the report: the
		// device was paying, so that's the state worth surfacing.
		if sub != nil {
			snap.Outcome = OutcomeSubscriptionExpired
			snap.Tier = subscriptionTier(sub, plan)
		} else {
			snap.Outcome = OutcomeTrialExpired
		}
		snap.Features = FeatureSet{}
		return snap
	}

	if sub != nil {
		snap.Outcome = OutcomeSubscriptionExpired
		snap.Tier = subscriptionTier(sub, plan)
		snap.Features = FeatureSet{}
		return snap
	}

	// No subscription, trial never started.
	snap.Features = FeatureSet{}
	return snap
}

// subscriptionActiveUntil reports whether the subscription currently grants
// entitlement and until when. A provider-side trialing subscription counts as
// active until its trial end.
func subscriptionActiveUntil(sub *models.Subscription, now time.Time) (*time.Time, bool) {
	switch sub.Status {
	case models.SubscriptionActive:
		if sub.CurrentPeriodEnd != nil && !now.Before(*sub.CurrentPeriodEnd) {
			return nil, false
		}
		return sub.CurrentPeriodEnd, true
	case models.SubscriptionTrial:
		if sub.TrialEnd != nil && now.Before(*sub.TrialEnd) {
			return sub.TrialEnd, true
		}
		return nil, false
	default:
		return nil, false
	}
}

func subscriptionTier(sub *models.Subscription, plan *models.Plan) Tier {
	if plan != nil {
		switch plan.Name {
		case models.PlanBasic:
			return TierBasic
		case models.PlanPro:
			return TierPro
		}
	}
	if plan == nil && sub.Plan != nil {
		return subscriptionTier(sub, sub.Plan)
	}
	return TierBasic
}

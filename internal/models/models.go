package models

import (
	"database/sql/driver"
	"errors"
	"time"
)

// Device is one observed client installation, identified by its
// hardware/install fingerprint. Trial fields are written exactly once by the
// trial state machine and never reset.
type Device struct {
	ID             uint       `json:"id" gorm:"primaryKey"`
	Fingerprint    string     `json:"fingerprint" gorm:"uniqueIndex;size:128;not null"`
	FirstSeenAt    time.Time  `json:"first_seen_at"`
	TrialStartedAt *time.Time `json:"trial_started_at"`
	TrialEndedAt   *time.Time `json:"trial_ended_at"`
	TrialConsumed  bool       `json:"trial_consumed" gorm:"default:false"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

type User struct {
	ID               uint    `json:"id" gorm:"primaryKey"`
	Email            string  `json:"email" gorm:"uniqueIndex;size:255;not null"`
	StripeCustomerID *string `json:"-" gorm:"uniqueIndex;size:64"`
	// DeviceCapOverride replaces the system default device cap when set.
	DeviceCapOverride *int      `json:"device_cap_override"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// UserDevice records that a user has registered a device. Rows are never
// mutated after creation; the composite unique index is the storage-level
// backstop against duplicate associations under concurrent registration.
type UserDevice struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	UserID    uint      `json:"user_id" gorm:"uniqueIndex:idx_user_device;index"`
	DeviceID  uint      `json:"device_id" gorm:"uniqueIndex:idx_user_device;index"`
	CreatedAt time.Time `json:"created_at"`
}

// Identifier scopes for device-creation rate limit windows.
const (
	IdentifierTypeIP   = "ip"
	IdentifierTypeUser = "user"
)

// DeviceCreationWindow is one fixed 24h rate-limit bucket per identifier.
// The counter is only ever bumped with an atomic in-place increment; the
// composite unique index makes concurrent bucket creation safe.
type DeviceCreationWindow struct {
	ID             uint      `json:"id" gorm:"primaryKey"`
	Identifier     string    `json:"identifier" gorm:"uniqueIndex:idx_creation_window;size:128;not null"`
	IdentifierType string    `json:"identifier_type" gorm:"uniqueIndex:idx_creation_window;size:16;not null"`
	WindowStart    time.Time `json:"window_start" gorm:"uniqueIndex:idx_creation_window;not null"`
	DeviceCount    int       `json:"device_count" gorm:"default:0"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Risk event types (closed set).
const (
	RiskDeviceCapExceeded   = "device_cap_exceeded"
	RiskCreationRateLimited = "creation_rate_limited"
	RiskChurnDetected       = "churn_detected"
	RiskRapidCreation       = "rapid_creation"
	RiskReconciliation      = "reconciliation"
	RiskSuspiciousPattern   = "suspicious_pattern"
)

// RiskEvent is an append-only abuse/audit record. Detection only: writing one
// never blocks the operation that triggered it.
type RiskEvent struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	UserID    *uint     `json:"user_id,omitempty" gorm:"index"`
	DeviceID  *uint     `json:"device_id,omitempty" gorm:"index"`
	IPAddress string    `json:"ip_address" gorm:"size:64"`
	EventType string    `json:"event_type" gorm:"index;size:32;not null"`
	Metadata  JSON      `json:"metadata,omitempty" gorm:"type:json"`
	CreatedAt time.Time `json:"created_at" gorm:"index"`
}

// Plan names (closed set).
const (
	PlanTrial = "trial"
	PlanBasic = "basic"
	PlanPro   = "pro"
)

// Plan is immutable reference data seeded at bootstrap.
type Plan struct {
	ID            uint      `json:"id" gorm:"primaryKey"`
	Name          string    `json:"name" gorm:"uniqueIndex;size:32;not null"`
	DisplayName   string    `json:"display_name"`
	Price         int64     `json:"price"` // cents per month
	StripePriceID string    `json:"stripe_price_id" gorm:"size:64"`
	MaxCameras    int       `json:"max_cameras"`
	PDFExport     bool      `json:"pdf_export"`
	FPSLimit      int       `json:"fps_limit"`
	CloudBackup   bool      `json:"cloud_backup"`
	Active        bool      `json:"active" gorm:"default:true"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Subscription statuses (closed set).
const (
	SubscriptionTrial   = "trial"
	SubscriptionActive  = "active"
	SubscriptionExpired = "expired"
)

// Subscription mirrors the billing provider's subscription for a user. It is
// created on first successful checkout and mutated only by the reconciler,
// behind the webhook idempotency ledger.
type Subscription struct {
	ID                   uint       `json:"id" gorm:"primaryKey"`
	UserID               uint       `json:"user_id" gorm:"index"`
	User                 User       `json:"-" gorm:"foreignKey:UserID"`
	PlanID               *uint      `json:"plan_id"`
	Plan                 *Plan      `json:"plan,omitempty" gorm:"foreignKey:PlanID"`
	StripeCustomerID     *string    `json:"-" gorm:"index;size:64"`
	StripeSubscriptionID *string    `json:"stripe_subscription_id" gorm:"uniqueIndex;size:64"`
	Status               string     `json:"status" gorm:"size:16;not null"`
	CurrentPeriodStart   *time.Time `json:"current_period_start"`
	CurrentPeriodEnd     *time.Time `json:"current_period_end"`
	CancelAtPeriodEnd    bool       `json:"cancel_at_period_end" gorm:"default:false"`
	CanceledAt           *time.Time `json:"canceled_at"`
	TrialEnd             *time.Time `json:"trial_end"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

// WebhookEvent is the idempotency ledger for externally-sourced billing
// events. Existence of a row for an event id is the sole replay gate; the row
// is written in the same transaction as the effect it authorizes.
type WebhookEvent struct {
	ID          uint      `json:"id" gorm:"primaryKey"`
	EventID     string    `json:"event_id" gorm:"uniqueIndex;size:128;not null"`
	EventType   string    `json:"event_type" gorm:"size:64"`
	ProcessedAt time.Time `json:"processed_at"`
}

// AppRelease carries client rollout metadata, written through the admin
// interface and consumed read-only by installed clients.
type AppRelease struct {
	ID             uint      `json:"id" gorm:"primaryKey"`
	Version        string    `json:"version" gorm:"uniqueIndex;size:32;not null"`
	Channel        string    `json:"channel" gorm:"size:16;default:'stable'"`
	DownloadURL    string    `json:"download_url" gorm:"size:512"`
	MinimumVersion string    `json:"minimum_version" gorm:"size:32"`
	Notes          string    `json:"notes" gorm:"type:text"`
	CreatedAt      time.Time `json:"created_at"`
}

// JSON is a generic JSON field type
type JSON []byte

// Value implements the driver.Valuer interface
func (j JSON) Value() (driver.Value, error) {
	if len(j) == 0 {
		return nil, nil
	}
	return []byte(j), nil
}

// Scan implements the sql.Scanner interface
func (j *JSON) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}

	switch v := value.(type) {
	case []byte:
		*j = JSON(v)
		return nil
	case string:
		*j = JSON(v)
		return nil
	default:
		return errors.New("cannot scan into JSON")
	}
}

// UnmarshalJSON implements the json.Unmarshaler interface
func (j *JSON) UnmarshalJSON(data []byte) error {
	*j = JSON(data)
	return nil
}

// MarshalJSON implements the json.Marshaler interface
func (j JSON) MarshalJSON() ([]byte, error) {
	if j == nil {
		return []byte("null"), nil
	}
	return []byte(j), nil
}

package billing

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"camguard-backend/internal/models"
	"camguard-backend/internal/risk"
)

// SubscriptionEventData is the provider-neutral view of one billing
// lifecycle notification. The webhook handler maps Stripe payloads into it;
// the reconciler never touches provider types directly.
type SubscriptionEventData struct {
	CustomerID        string
	SubscriptionID    string
	PriceID           string
	ProviderStatus    string
	PeriodStart       *time.Time
	PeriodEnd         *time.Time
	CancelAtPeriodEnd bool
	CanceledAt        *time.Time
	TrialEnd          *time.Time
	ClientReferenceID string
	CustomerEmail     string
}

// Reconciler applies billing lifecycle events to local subscription state.
// Every effect runs behind the webhook idempotency ledger and is itself
// idempotent at the data level: replaying a terminal state produces the same
// row values.
type Reconciler struct {
	db   *gorm.DB
	risk *risk.Recorder
}

func NewReconciler(db *gorm.DB) *Reconciler {
	return &Reconciler{db: db, risk: risk.NewRecorder(db)}
}

// ProcessEvent records the event id in the ledger and runs apply in the same
// transaction: both commit or neither does. A replayed event id returns
// (false, nil) without running apply at all.
func (r *Reconciler) ProcessEvent(eventID, eventType string, apply func(tx *gorm.DB) error) (bool, error) {
	if eventID == "" {
		return false, errors.New("billing event id is required")
	}

	applied := false
	err := r.db.Transaction(func(tx *gorm.DB) error {
		record := models.WebhookEvent{
			EventID:     eventID,
			EventType:   eventType,
			ProcessedAt: time.Now().UTC(),
		}
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&record)
		if res.Error != nil {
			return fmt.Errorf("record webhook event %s: %w", eventID, res.Error)
		}
		if res.RowsAffected == 0 {
			// Already processed. Replays and provider retries are expected.
			return nil
		}

		applied = true
		return apply(tx)
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

// HandleCheckoutCompleted links the user to their billing customer and
// activates the subscription created by checkout.
func (r *Reconciler) HandleCheckoutCompleted(eventID string, data SubscriptionEventData) (bool, error) {
	var audit []auditNote
	applied, err := r.ProcessEvent(eventID, "checkout.session.completed", func(tx *gorm.DB) error {
		user, err := resolveUser(tx, data)
		if err != nil {
			return err
		}
		if user.StripeCustomerID == nil && data.CustomerID != "" {
			if err := tx.Model(user).Update("stripe_customer_id", data.CustomerID).Error; err != nil {
				return err
			}
		}

		sub, err := findOrCreateSubscription(tx, user.ID, data)
		if err != nil {
			return err
		}

		return r.applyStatus(tx, sub, models.SubscriptionActive, data, &audit)
	})
	r.flushAudit(audit)
	return applied, err
}

// HandleSubscriptionUpdated maps the provider's status onto local state and
// refreshes the billing period fields.
func (r *Reconciler) HandleSubscriptionUpdated(eventID string, data SubscriptionEventData) (bool, error) {
	var audit []auditNote
	applied, err := r.ProcessEvent(eventID, "customer.subscription.updated", func(tx *gorm.DB) error {
		sub, err := findSubscription(tx, data)
		if err != nil {
			return err
		}
		if sub == nil {
			// Updated can arrive before checkout lands locally; create the
			// row so state converges regardless of delivery order.
			user, err := resolveUser(tx, data)
			if err != nil {
				return err
			}
			sub, err = findOrCreateSubscription(tx, user.ID, data)
			if err != nil {
				return err
			}
		}

		return r.applyStatus(tx, sub, mapProviderStatus(data.ProviderStatus), data, &audit)
	})
	r.flushAudit(audit)
	return applied, err
}

// HandleSubscriptionDeleted forces the local subscription to expired
// regardless of its prior state. Unknown subscriptions are a no-op.
func (r *Reconciler) HandleSubscriptionDeleted(eventID string, data SubscriptionEventData) (bool, error) {
	var audit []auditNote
	applied, err := r.ProcessEvent(eventID, "customer.subscription.deleted", func(tx *gorm.DB) error {
		sub, err := findSubscription(tx, data)
		if err != nil {
			return err
		}
		if sub == nil {
			return nil
		}

		canceled := data.CanceledAt
		if canceled == nil {
			now := time.Now().UTC()
			canceled = &now
		}
		old := sub.Status
		updates := map[string]interface{}{
			"status":      models.SubscriptionExpired,
			"canceled_at": canceled,
		}
		if err := tx.Model(sub).Updates(updates).Error; err != nil {
			return err
		}
		if old != models.SubscriptionExpired {
			audit = append(audit, auditNote{
				userID: sub.UserID,
				metadata: map[string]interface{}{
					"event":      "customer.subscription.deleted",
					"old_status": old,
					"new_status": models.SubscriptionExpired,
				},
			})
		}
		return nil
	})
	r.flushAudit(audit)
	return applied, err
}

// auditNote is a reconciliation risk event noted inside the transaction and
// written after it commits.
type auditNote struct {
	userID   uint
	metadata map[string]interface{}
}

func (r *Reconciler) flushAudit(notes []auditNote) {
	for _, n := range notes {
		uid := n.userID
		r.risk.Record(models.RiskReconciliation, "", &uid, nil, n.metadata)
	}
}

// applyStatus writes the mapped status and period fields. A regression out
// of expired (a stale update arriving after a delete) is applied as
// documented but flagged for audit.
func (r *Reconciler) applyStatus(tx *gorm.DB, sub *models.Subscription, newStatus string, data SubscriptionEventData, audit *[]auditNote) error {
	old := sub.Status

	updates := map[string]interface{}{
		"status":               newStatus,
		"cancel_at_period_end": data.CancelAtPeriodEnd,
	}
	if data.PeriodStart != nil {
		updates["current_period_start"] = data.PeriodStart
	}
	if data.PeriodEnd != nil {
		updates["current_period_end"] = data.PeriodEnd
	}
	if data.CanceledAt != nil {
		updates["canceled_at"] = data.CanceledAt
	}
	if data.TrialEnd != nil {
		updates["trial_end"] = data.TrialEnd
	}
	if data.PriceID != "" {
		var plan models.Plan
		if err := tx.Where("stripe_price_id = ?", data.PriceID).First(&plan).Error; err == nil {
			updates["plan_id"] = plan.ID
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
	}

	if err := tx.Model(sub).Updates(updates).Error; err != nil {
		return err
	}

	if old != newStatus {
		*audit = append(*audit, auditNote{
			userID: sub.UserID,
			metadata: map[string]interface{}{
				"old_status": old,
				"new_status": newStatus,
				"regression": old == models.SubscriptionExpired && newStatus != models.SubscriptionExpired,
			},
		})
	}
	return nil
}

// mapProviderStatus collapses the provider's status vocabulary onto the
// local closed set.
func mapProviderStatus(providerStatus string) string {
	switch providerStatus {
	case "trialing":
		return models.SubscriptionTrial
	case "active":
		return models.SubscriptionActive
	default:
		return models.SubscriptionExpired
	}
}

// resolveUser locates the account a billing event belongs to, trying the
// checkout client reference, the stored customer id, then the email.
func resolveUser(tx *gorm.DB, data SubscriptionEventData) (*models.User, error) {
	var user models.User

	if data.ClientReferenceID != "" {
		if id, err := strconv.ParseUint(data.ClientReferenceID, 10, 64); err == nil {
			if err := tx.First(&user, uint(id)).Error; err == nil {
				return &user, nil
			} else if !errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, err
			}
		}
	}

	if data.CustomerID != "" {
		err := tx.Where("stripe_customer_id = ?", data.CustomerID).First(&user).Error
		if err == nil {
			return &user, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
	}

	if data.CustomerEmail != "" {
		err := tx.Where("email = ?", data.CustomerEmail).First(&user).Error
		if err == nil {
			return &user, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
	}

	return nil, fmt.Errorf("no local user for billing customer %q", data.CustomerID)
}

func findSubscription(tx *gorm.DB, data SubscriptionEventData) (*models.Subscription, error) {
	if data.SubscriptionID == "" {
		return nil, errors.New("billing event missing subscription id")
	}
	var sub models.Subscription
	err := tx.Where("stripe_subscription_id = ?", data.SubscriptionID).First(&sub).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func findOrCreateSubscription(tx *gorm.DB, userID uint, data SubscriptionEventData) (*models.Subscription, error) {
	sub, err := findSubscription(tx, data)
	if err != nil {
		return nil, err
	}
	if sub != nil {
		return sub, nil
	}

	created := models.Subscription{
		UserID: userID,
		Status: models.SubscriptionActive,
	}
	if data.SubscriptionID != "" {
		created.StripeSubscriptionID = &data.SubscriptionID
	}
	if data.CustomerID != "" {
		created.StripeCustomerID = &data.CustomerID
	}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&created).Error; err != nil {
		return nil, err
	}
	// Re-read in case a concurrent delivery created the row first.
	return findSubscription(tx, data)
}

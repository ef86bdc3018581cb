package billing

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/webhook"
	"gorm.io/gorm"

	"camguard-backend/internal/config"
	"camguard-backend/internal/metrics"
	"camguard-backend/internal/models"
	"camguard-backend/pkg/utils"
)

// Handler exposes the plan catalog, checkout, and the billing webhook.
type Handler struct {
	db  *gorm.DB
	cfg *config.Config
	rec *Reconciler
}

func NewHandler(db *gorm.DB, cfg *config.Config) *Handler {
	return &Handler{db: db, cfg: cfg, rec: NewReconciler(db)}
}

// HandleGetPlans lists the active plans with their feature bundles.
func (h *Handler) HandleGetPlans(c *gin.Context) {
	var plans []models.Plan
	if err := h.db.Where("active = ?", true).Order("price ASC").Find(&plans).Error; err != nil {
		utils.CaptureSentryError(c, err, map[string]string{"endpoint": "get_plans"})
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load plans"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"plans": plans})
}

// CheckoutRequest selects the plan to subscribe an account to.
type CheckoutRequest struct {
	Email string `json:"email" binding:"required"`
	Plan  string `json:"plan" binding:"required"`
}

// HandleCheckout creates a hosted checkout session for an existing account.
// Accounts come into existence through device registration, so an unknown
// email is a client error rather than an implicit signup.
func (h *Handler) HandleCheckout(c *gin.Context) {
	var req CheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "email and plan are required"})
		return
	}

	var user models.User
	if err := h.db.Where("email = ?", req.Email).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "No account for this email; register a device first"})
			return
		}
		utils.CaptureSentryError(c, err, map[string]string{"endpoint": "checkout"})
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load account"})
		return
	}

	var plan models.Plan
	if err := h.db.Where("name = ? AND active = ?", req.Plan, true).First(&plan).Error; err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Unknown plan"})
		return
	}
	if plan.Name == models.PlanTrial {
		c.JSON(http.StatusBadRequest, gin.H{"error": "The trial plan cannot be purchased"})
		return
	}

	url, err := CreateCheckoutSession(h.db, h.cfg, &user, &plan)
	if err != nil {
		log.WithError(err).Error("checkout session creation failed")
		utils.CaptureSentryError(c, err, map[string]string{"endpoint": "checkout"})
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create checkout session"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"url": url})
}

// HandleStripeWebhook verifies and applies billing lifecycle events.
// Signature verification fails closed; unhandled event types are acknowledged
// so the provider stops retrying them. Apply failures return 500 so the
// provider redelivers, which the idempotency ledger makes safe.
func (h *Handler) HandleStripeWebhook(c *gin.Context) {
	const maxBodyBytes = int64(65536)
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	if h.cfg.StripeWebhookSecret == "" {
		log.Error("webhook received but STRIPE_WEBHOOK_SECRET is not set")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "webhook not configured"})
		return
	}

	event, err := webhook.ConstructEventWithOptions(
		body,
		c.GetHeader("Stripe-Signature"),
		h.cfg.StripeWebhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true},
	)
	if err != nil {
		log.WithError(err).Warn("webhook signature verification failed")
		c.JSON(http.StatusBadRequest, gin.H{"error": "signature verification failed"})
		return
	}

	eventType := string(event.Type)
	result, err := h.dispatch(event)
	if err != nil {
		metrics.WebhookEvents.WithLabelValues(eventType, "error").Inc()
		log.WithError(err).WithField("event_id", event.ID).Error("webhook apply failed")
		utils.CaptureSentryError(c, err, map[string]string{
			"endpoint":   "stripe_webhook",
			"event_type": eventType,
		})
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to apply event"})
		return
	}

	metrics.WebhookEvents.WithLabelValues(eventType, result).Inc()
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func resultLabel(applied bool) string {
	if applied {
		return "applied"
	}
	return "replay"
}

func (h *Handler) dispatch(event stripe.Event) (string, error) {
	switch event.Type {
	case "checkout.session.completed":
		var sess stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
			return "error", err
		}
		applied, err := h.rec.HandleCheckoutCompleted(event.ID, checkoutEventData(&sess))
		return resultLabel(applied), err

	case "customer.subscription.created", "customer.subscription.updated":
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return "error", err
		}
		applied, err := h.rec.HandleSubscriptionUpdated(event.ID, subscriptionEventData(&sub))
		return resultLabel(applied), err

	case "customer.subscription.deleted":
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return "error", err
		}
		applied, err := h.rec.HandleSubscriptionDeleted(event.ID, subscriptionEventData(&sub))
		return resultLabel(applied), err

	default:
		// Acknowledge without a ledger entry; nothing was applied.
		log.WithField("event_type", event.Type).Debug("ignoring unhandled webhook event")
		return "ignored", nil
	}
}

func checkoutEventData(sess *stripe.CheckoutSession) SubscriptionEventData {
	data := SubscriptionEventData{
		ClientReferenceID: sess.ClientReferenceID,
	}
	if sess.Customer != nil {
		data.CustomerID = sess.Customer.ID
	}
	if sess.Subscription != nil {
		data.SubscriptionID = sess.Subscription.ID
	}
	if sess.CustomerDetails != nil {
		data.CustomerEmail = sess.CustomerDetails.Email
	}
	return data
}

func subscriptionEventData(sub *stripe.Subscription) SubscriptionEventData {
	data := SubscriptionEventData{
		SubscriptionID:    sub.ID,
		ProviderStatus:    string(sub.Status),
		PeriodStart:       unixTime(sub.CurrentPeriodStart),
		PeriodEnd:         unixTime(sub.CurrentPeriodEnd),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
		CanceledAt:        unixTime(sub.CanceledAt),
		TrialEnd:          unixTime(sub.TrialEnd),
	}
	if sub.Customer != nil {
		data.CustomerID = sub.Customer.ID
	}
	if sub.Items != nil && len(sub.Items.Data) > 0 && sub.Items.Data[0].Price != nil {
		data.PriceID = sub.Items.Data[0].Price.ID
	}
	return data
}

func unixTime(sec int64) *time.Time {
	if sec == 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}

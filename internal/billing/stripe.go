package billing

import (
	"errors"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/checkout/session"
	"github.com/stripe/stripe-go/v79/customer"
	"gorm.io/gorm"

	"camguard-backend/internal/config"
	"camguard-backend/internal/models"
)

// InitStripe wires the Stripe API key from the configuration. Billing
// endpoints stay up without a key but refuse to create sessions.
func InitStripe(cfg *config.Config) {
	if cfg.StripeSecretKey == "" {
		log.Warn("⚠️  STRIPE_SECRET_KEY not set, checkout disabled")
		return
	}
	stripe.Key = cfg.StripeSecretKey
	log.Info("✅ Stripe initialized")
}

// EnsureCustomer finds or creates the Stripe customer for a user and stores
// the id on the user row.
func EnsureCustomer(db *gorm.DB, user *models.User) (string, error) {
	if user.StripeCustomerID != nil && *user.StripeCustomerID != "" {
		return *user.StripeCustomerID, nil
	}

	params := &stripe.CustomerParams{
		Email: stripe.String(user.Email),
		Metadata: map[string]string{
			"user_id": fmt.Sprintf("%d", user.ID),
		},
	}
	cust, err := customer.New(params)
	if err != nil {
		return "", fmt.Errorf("create stripe customer: %w", err)
	}

	if err := db.Model(user).Update("stripe_customer_id", cust.ID).Error; err != nil {
		return "", err
	}
	user.StripeCustomerID = &cust.ID
	return cust.ID, nil
}

// CreateCheckoutSession starts a subscription checkout for the given plan and
// returns the hosted checkout URL. The user id rides along as the client
// reference so the completed event can be linked back without relying on
// email matching.
func CreateCheckoutSession(db *gorm.DB, cfg *config.Config, user *models.User, plan *models.Plan) (string, error) {
	if stripe.Key == "" {
		return "", errors.New("billing not configured")
	}
	if plan.StripePriceID == "" {
		return "", fmt.Errorf("plan %s has no price configured", plan.Name)
	}

	customerID, err := EnsureCustomer(db, user)
	if err != nil {
		return "", err
	}

	frontendURL := strings.TrimRight(cfg.FrontendURL, "/")
	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		Customer:          stripe.String(customerID),
		ClientReferenceID: stripe.String(fmt.Sprintf("%d", user.ID)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(plan.StripePriceID),
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL: stripe.String(frontendURL + "/billing/success"),
		CancelURL:  stripe.String(frontendURL + "/billing/cancel"),
	}

	sess, err := session.New(params)
	if err != nil {
		return "", fmt.Errorf("create checkout session: %w", err)
	}
	return sess.URL, nil
}

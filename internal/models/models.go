package models

import "time"

type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	Tier      string    `json:"tier"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type Brand struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Name      string    `json:"name"`
	Voice     *string   `json:"voice,omitempty"`
	IsActive  bool      `json:"isActive"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type Subscription struct {
	ID                   string     `json:"id"`
	UserID               string     `json:"userId"`
	PlanCode             string     `json:"planCode"`
	Status               string     `json:"status"`
	StripeSubscriptionID *string    `json:"stripeSubscriptionId,omitempty"`
	StripeCustomerID     *string    `json:"stripeCustomerId,omitempty"`
	CurrentPeriodStart   *time.Time `json:"currentPeriodStart,omitempty"`
	CurrentPeriodEnd     *time.Time `json:"currentPeriodEnd,omitempty"`
	TrialStart           *time.Time `json:"trialStart,omitempty"`
	TrialEnd             *time.Time `json:"trialEnd,omitempty"`
	WelcomeEmailSent     *time.Time `json:"welcomeEmailSent,omitempty"`
	TrialReminderSent    *time.Time `json:"trialReminderSent,omitempty"`
	FinalReminderSent    *time.Time `json:"finalReminderSent,omitempty"`
	ConversionEmailSent  *time.Time `json:"conversionEmailSent,omitempty"`
	CreatedAt            time.Time  `json:"createdAt"`
	UpdatedAt            time.Time  `json:"updatedAt"`
}

// Subscription statuses mirrored from Stripe.
const (
	SubStatusTrialing = "trialing"
	SubStatusActive   = "active"
	SubStatusPastDue  = "past_due"
	SubStatusCanceled = "canceled"
)

// UsageBucket is the per-user, per-billing-period snapshot of consumption
// against plan limits. A limit of -1 means unlimited. The live brand count
// is not stored here; brands can be deleted at any time so the check always
// re-counts rows.
type UsageBucket struct {
	ID                string    `json:"id"`
	UserID            string    `json:"userId"`
	PeriodStart       time.Time `json:"periodStart"`
	PeriodEnd         time.Time `json:"periodEnd"`
	PostsUsed         int       `json:"postsUsed"`
	PostsLimit        int       `json:"postsLimit"`
	CreditsUsed       int       `json:"creditsUsed"`
	CreditsLimit      int       `json:"creditsLimit"`
	VideoMinutesUsed  int       `json:"videoMinutesUsed"`
	VideoMinutesLimit int       `json:"videoMinutesLimit"`
	BrandsLimit       int       `json:"brandsLimit"`
}

type AddonPurchase struct {
	ID                    string    `json:"id"`
	UserID                string    `json:"userId"`
	AddonType             string    `json:"addonType"`
	Amount                int       `json:"amount"`
	PriceCents            int       `json:"priceCents"`
	StripePaymentIntentID string    `json:"stripePaymentIntentId"`
	CreatedAt             time.Time `json:"createdAt"`
}

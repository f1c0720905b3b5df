package handlers

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/brandforge/backend/internal/email"
	"github.com/brandforge/backend/internal/models"
	"github.com/brandforge/backend/internal/plans"
	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/webhook"
)

// GetBillingPlans returns the sellable plan table.
func (h *Handler) GetBillingPlans(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	out := make([]plans.Plan, 0, len(plans.Table))
	for _, code := range []plans.PlanCode{plans.PlanStarter, plans.PlanPro50, plans.PlanPro200, plans.PlanPro500, plans.PlanAgency} {
		out = append(out, plans.Table[code])
	}
	writeJSON(w, http.StatusOK, out)
}

// GetUserSubscription returns the current user's subscription, or a free
// placeholder when none exists.
func (h *Handler) GetUserSubscription(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	userID := pathVar(r, "userId")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}

	var sub models.Subscription
	var stripeSubID, stripeCustID sql.NullString
	var periodStart, periodEnd, trialStart, trialEnd sql.NullTime
	var welcome, reminder, final, conversion sql.NullTime

	err := h.db.QueryRow(`
		SELECT id, user_id, plan_code, status, stripe_subscription_id, stripe_customer_id,
		       current_period_start, current_period_end, trial_start, trial_end,
		       welcome_email_sent, trial_reminder_sent, final_reminder_sent, conversion_email_sent,
		       created_at, updated_at
		FROM public.subscriptions
		WHERE user_id = $1
		ORDER BY updated_at DESC
		LIMIT 1
	`, userID).Scan(
		&sub.ID, &sub.UserID, &sub.PlanCode, &sub.Status, &stripeSubID, &stripeCustID,
		&periodStart, &periodEnd, &trialStart, &trialEnd,
		&welcome, &reminder, &final, &conversion,
		&sub.CreatedAt, &sub.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		writeJSON(w, http.StatusOK, map[string]any{
			"planCode": plans.PlanFree,
			"status":   "none",
			"isActive": false,
		})
		return
	}
	if err != nil {
		log.Printf("[Billing][Subscription] query error userId=%s: %v", userID, err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	sub.StripeSubscriptionID = nullStringPtr(stripeSubID)
	sub.StripeCustomerID = nullStringPtr(stripeCustID)
	sub.CurrentPeriodStart = nullTimePtr(periodStart)
	sub.CurrentPeriodEnd = nullTimePtr(periodEnd)
	sub.TrialStart = nullTimePtr(trialStart)
	sub.TrialEnd = nullTimePtr(trialEnd)
	sub.WelcomeEmailSent = nullTimePtr(welcome)
	sub.TrialReminderSent = nullTimePtr(reminder)
	sub.FinalReminderSent = nullTimePtr(final)
	sub.ConversionEmailSent = nullTimePtr(conversion)

	writeJSON(w, http.StatusOK, sub)
}

// GetUserUsage returns the caller's current bucket snapshot.
func (h *Handler) GetUserUsage(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	userID := pathVar(r, "userId")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}

	var b models.UsageBucket
	err := h.db.QueryRow(`
		SELECT id, user_id, period_start, period_end,
		       posts_used, posts_limit, credits_used, credits_limit,
		       video_minutes_used, video_minutes_limit, brands_limit
		FROM public.get_current_usage_bucket($1)
	`, userID).Scan(
		&b.ID, &b.UserID, &b.PeriodStart, &b.PeriodEnd,
		&b.PostsUsed, &b.PostsLimit, &b.CreditsUsed, &b.CreditsLimit,
		&b.VideoMinutesUsed, &b.VideoMinutesLimit, &b.BrandsLimit,
	)
	if err == sql.ErrNoRows {
		writeJSON(w, http.StatusPaymentRequired, map[string]any{
			"error":           "no active subscription",
			"code":            "NO_SUBSCRIPTION",
			"upgradeRequired": true,
		})
		return
	}
	if err != nil {
		log.Printf("[Billing][Usage] query error userId=%s: %v", userID, err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, b)
}

// StripeWebhook receives billing provider events. The raw body is verified
// against the shared secret before parsing; a bad signature gets a 400 with
// plain error text and touches no state.
func (h *Handler) StripeWebhook(w http.ResponseWriter, r *http.Request) {
	const maxBodyBytes = int64(65536)
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	payload, err := io.ReadAll(r.Body)
	if err != nil {
		log.Printf("[Billing][Webhook] read error: %v", err)
		writeError(w, http.StatusBadRequest, "Failed to read request body")
		return
	}

	var event stripe.Event
	if h.webhookSecret != "" {
		sig := r.Header.Get("Stripe-Signature")
		if sig == "" {
			log.Printf("[Billing][Webhook] missing Stripe-Signature header")
			writeError(w, http.StatusBadRequest, "Missing signature")
			return
		}
		event, err = webhook.ConstructEvent(payload, sig, h.webhookSecret)
		if err != nil {
			log.Printf("[Billing][Webhook] signature verification error: %v", err)
			writeError(w, http.StatusBadRequest, "Invalid signature")
			return
		}
	} else {
		// Local development only; production always configures the secret.
		log.Printf("[Billing][Webhook] STRIPE_WEBHOOK_SECRET not set, skipping signature verification")
		if err := json.Unmarshal(payload, &event); err != nil {
			log.Printf("[Billing][Webhook] unmarshal error: %v", err)
			writeError(w, http.StatusBadRequest, "Invalid JSON")
			return
		}
	}

	if err := h.processStripeEvent(event); err != nil {
		// Stripe retries on 5xx; handlers are upsert/flag based and safe to
		// re-run.
		log.Printf("[Billing][Webhook] processing error type=%s id=%s: %v", event.Type, event.ID, err)
		writeError(w, http.StatusInternalServerError, "Event processing failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

// processStripeEvent folds one event into local state. Unknown event types
// are logged and acknowledged; returning an error here means the provider
// should retry.
func (h *Handler) processStripeEvent(event stripe.Event) error {
	// Keep a dedup ledger of everything we have seen.
	_, err := h.db.Exec(`
		INSERT INTO public.billing_events (id, stripe_event_id, stripe_event_type, data, created_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (stripe_event_id) DO NOTHING
	`, fmt.Sprintf("evt_%s", randHex(12)), event.ID, string(event.Type), []byte(event.Data.Raw))
	if err != nil {
		log.Printf("[Billing][Webhook] event save error: %v", err)
	}

	switch event.Type {
	case "customer.subscription.created", "customer.subscription.updated":
		return h.handleSubscriptionUpsert(event)
	case "customer.subscription.deleted":
		return h.handleSubscriptionCancellation(event)
	case "checkout.session.completed":
		return h.handleCheckoutCompleted(event)
	case "invoice.paid", "invoice.payment_succeeded":
		return h.handleInvoicePaid(event)
	case "invoice.payment_failed":
		return h.handleInvoicePaymentFailed(event)
	case "customer.subscription.trial_will_end":
		return h.handleTrialWillEnd(event)
	default:
		log.Printf("[Billing][Webhook] unhandled event type: %s", event.Type)
		return nil
	}
}

// resolveSubscriptionUser maps an event's subscription to a local user:
// metadata first, then any row we already hold for this customer.
func (h *Handler) resolveSubscriptionUser(sub *stripe.Subscription) string {
	if id := sub.Metadata["user_id"]; id != "" {
		return id
	}
	if sub.Customer == nil || sub.Customer.ID == "" {
		return ""
	}
	var userID string
	err := h.db.QueryRow(`
		SELECT user_id FROM public.subscriptions WHERE stripe_customer_id = $1
	`, sub.Customer.ID).Scan(&userID)
	if err != nil {
		return ""
	}
	return userID
}

// resolvePlanCode reads the plan from event metadata, falling back to a
// reverse lookup of the subscription's price id.
func resolvePlanCode(sub *stripe.Subscription) plans.PlanCode {
	if code := plans.PlanCode(sub.Metadata["plan_code"]); code != "" {
		if _, ok := plans.Table[code]; ok {
			return code
		}
	}
	if sub.Items != nil && len(sub.Items.Data) > 0 && sub.Items.Data[0].Price != nil {
		return plans.ByStripePriceID(sub.Items.Data[0].Price.ID)
	}
	return plans.PlanUnknown
}

func (h *Handler) handleSubscriptionUpsert(event stripe.Event) error {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		log.Printf("[Billing][SubscriptionEvent] unmarshal error: %v", err)
		return nil
	}

	userID := h.resolveSubscriptionUser(&sub)
	if userID == "" {
		log.Printf("[Billing][SubscriptionEvent] no user mapping for subscription %s, skipping", sub.ID)
		return nil
	}
	planCode := resolvePlanCode(&sub)
	if planCode == plans.PlanUnknown {
		log.Printf("[Billing][SubscriptionEvent] unresolvable plan for subscription %s, skipping", sub.ID)
		return nil
	}

	var custID *string
	if sub.Customer != nil && sub.Customer.ID != "" {
		custID = &sub.Customer.ID
	}
	eventAt := time.Unix(event.Created, 0)

	// Upsert keyed on the Stripe subscription id, fenced on the event
	// timestamp so a late-delivered older event cannot regress newer state.
	_, err := h.db.Exec(`
		INSERT INTO public.subscriptions (
			id, user_id, plan_code, status, stripe_subscription_id, stripe_customer_id,
			current_period_start, current_period_end, trial_start, trial_end,
			last_event_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW(), NOW())
		ON CONFLICT (stripe_subscription_id) DO UPDATE SET
			plan_code = EXCLUDED.plan_code,
			status = EXCLUDED.status,
			stripe_customer_id = COALESCE(EXCLUDED.stripe_customer_id, public.subscriptions.stripe_customer_id),
			current_period_start = EXCLUDED.current_period_start,
			current_period_end = EXCLUDED.current_period_end,
			trial_start = EXCLUDED.trial_start,
			trial_end = EXCLUDED.trial_end,
			last_event_at = EXCLUDED.last_event_at,
			updated_at = NOW()
		WHERE public.subscriptions.last_event_at IS NULL
		   OR public.subscriptions.last_event_at <= EXCLUDED.last_event_at
	`, fmt.Sprintf("sub_%s", randHex(12)), userID, string(planCode), string(sub.Status), sub.ID, custID,
		unixTimePtr(sub.CurrentPeriodStart), unixTimePtr(sub.CurrentPeriodEnd),
		unixTimePtr(sub.TrialStart), unixTimePtr(sub.TrialEnd), eventAt)
	if err != nil {
		return fmt.Errorf("subscription upsert %s: %w", sub.ID, err)
	}

	// Mirror the tier onto the user row for cheap reads.
	tier := string(planCode)
	if sub.Status == stripe.SubscriptionStatusCanceled {
		tier = string(plans.PlanFree)
	}
	if _, err := h.db.Exec(`
		UPDATE public.users SET tier = $2, updated_at = NOW() WHERE id = $1
	`, userID, tier); err != nil {
		log.Printf("[Billing][SubscriptionEvent] user tier mirror error userId=%s: %v", userID, err)
	}

	// Resize the current bucket to the (possibly new) plan limits, re-folding
	// add-on boosts purchased during the period. Writing flat plan limits
	// here would erase paid boosts on every routine subscription update.
	// Unlimited (-1) limits ignore boosts, matching get_current_usage_bucket.
	plan := plans.Table[planCode]
	if _, err := h.db.Exec(`
		UPDATE public.usage_buckets b
		SET posts_limit = CASE WHEN $2 < 0 THEN $2 ELSE $2 + COALESCE((
				SELECT SUM(a.amount) FROM public.addon_purchases a
				WHERE a.user_id = b.user_id AND a.addon_type = 'POSTS_1000'
				  AND a.created_at >= b.period_start AND a.created_at < b.period_end), 0) END,
		    credits_limit = CASE WHEN $3 < 0 THEN $3 ELSE $3 + COALESCE((
				SELECT SUM(a.amount) FROM public.addon_purchases a
				WHERE a.user_id = b.user_id AND a.addon_type = 'CREDITS_500'
				  AND a.created_at >= b.period_start AND a.created_at < b.period_end), 0) END,
		    video_minutes_limit = CASE WHEN $4 < 0 THEN $4 ELSE $4 + COALESCE((
				SELECT SUM(a.amount) FROM public.addon_purchases a
				WHERE a.user_id = b.user_id AND a.addon_type = 'VIDEO_60'
				  AND a.created_at >= b.period_start AND a.created_at < b.period_end), 0) END,
		    brands_limit = CASE WHEN $5 < 0 THEN $5 ELSE $5 + COALESCE((
				SELECT SUM(a.amount) FROM public.addon_purchases a
				WHERE a.user_id = b.user_id AND a.addon_type = 'BRAND'
				  AND a.created_at >= b.period_start AND a.created_at < b.period_end), 0) END
		WHERE b.user_id = $1 AND b.period_end > NOW()
	`, userID, plan.PostsLimit, plan.CreditsLimit, plan.VideoMinutesLimit, plan.BrandsLimit); err != nil {
		log.Printf("[Billing][SubscriptionEvent] bucket resize error userId=%s: %v", userID, err)
	}

	if sub.Status == stripe.SubscriptionStatusTrialing {
		h.scheduleWelcomeEmail(sub.ID, userID, plan.Name)
	}
	return nil
}

// scheduleWelcomeEmail fires the one-shot welcome email after a short delay
// so the upsert above is committed first. The flag column guards replays.
func (h *Handler) scheduleWelcomeEmail(stripeSubID, userID, planName string) {
	send := func() { h.sendWelcomeEmail(stripeSubID, userID, planName) }
	if h.welcomeDelay <= 0 {
		send()
		return
	}
	time.AfterFunc(h.welcomeDelay, send)
}

func (h *Handler) sendWelcomeEmail(stripeSubID, userID, planName string) {
	// Claim the flag first: at most one welcome email per subscription, even
	// when the creation event is redelivered.
	res, err := h.db.Exec(`
		UPDATE public.subscriptions
		SET welcome_email_sent = NOW(), updated_at = NOW()
		WHERE stripe_subscription_id = $1 AND welcome_email_sent IS NULL
	`, stripeSubID)
	if err != nil {
		log.Printf("[Billing][Welcome] flag claim error sub=%s: %v", stripeSubID, err)
		return
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return
	}

	var addr, name string
	if err := h.db.QueryRow(`SELECT email, name FROM public.users WHERE id = $1`, userID).Scan(&addr, &name); err != nil {
		log.Printf("[Billing][Welcome] user lookup error userId=%s: %v", userID, err)
		return
	}

	msg, err := email.Render(email.TemplateWelcome, addr, email.TemplateData{Name: name, PlanName: planName})
	if err != nil {
		log.Printf("[Billing][Welcome] render error userId=%s: %v", userID, err)
		return
	}
	if err := h.sender.Send(context.Background(), msg); err != nil {
		log.Printf("[Billing][Welcome] send error userId=%s: %v", userID, err)
	}
}

func (h *Handler) handleSubscriptionCancellation(event stripe.Event) error {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		log.Printf("[Billing][CancellationEvent] unmarshal error: %v", err)
		return nil
	}

	// History is retained: status flips, the row stays.
	_, err := h.db.Exec(`
		UPDATE public.subscriptions
		SET status = 'canceled', updated_at = NOW()
		WHERE stripe_subscription_id = $1
	`, sub.ID)
	if err != nil {
		return fmt.Errorf("subscription cancel %s: %w", sub.ID, err)
	}

	if _, err := h.db.Exec(`
		UPDATE public.users SET tier = 'free', updated_at = NOW()
		WHERE id = (SELECT user_id FROM public.subscriptions WHERE stripe_subscription_id = $1)
	`, sub.ID); err != nil {
		log.Printf("[Billing][CancellationEvent] tier demote error sub=%s: %v", sub.ID, err)
	}
	return nil
}

func (h *Handler) handleCheckoutCompleted(event stripe.Event) error {
	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		log.Printf("[Billing][Checkout] unmarshal error: %v", err)
		return nil
	}

	// Subscription-mode checkouts are reconciled by the subscription events.
	if session.Mode != stripe.CheckoutSessionModePayment {
		log.Printf("[Billing][Checkout] mode=%s session=%s handled elsewhere", session.Mode, session.ID)
		return nil
	}
	return h.processAddonPurchase(&session)
}

// processAddonPurchase records a one-time entitlement boost and additively
// raises the matching bucket limit. The payment id makes replays a no-op.
func (h *Handler) processAddonPurchase(session *stripe.CheckoutSession) error {
	userID := session.Metadata["user_id"]
	if userID == "" {
		userID = session.ClientReferenceID
	}
	if userID == "" {
		log.Printf("[Billing][Addon] no user on session %s, skipping", session.ID)
		return nil
	}

	addonType := plans.AddonType(session.Metadata["addon_type"])
	addon, ok := plans.Addons[addonType]
	if !ok {
		log.Printf("[Billing][Addon] unknown addon %q on session %s, skipping", addonType, session.ID)
		return nil
	}

	paymentID := session.ID
	if session.PaymentIntent != nil && session.PaymentIntent.ID != "" {
		paymentID = session.PaymentIntent.ID
	}

	res, err := h.db.Exec(`
		INSERT INTO public.addon_purchases (id, user_id, addon_type, amount, price_cents, stripe_payment_intent_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (stripe_payment_intent_id) DO NOTHING
	`, fmt.Sprintf("add_%s", randHex(12)), userID, string(addonType), addon.Amount, addon.PriceCents, paymentID)
	if err != nil {
		return fmt.Errorf("addon purchase insert user=%s: %w", userID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		log.Printf("[Billing][Addon] duplicate payment %s ignored", paymentID)
		return nil
	}

	var column string
	switch addonType {
	case plans.AddonCredits500:
		column = "credits_limit"
	case plans.AddonVideo60:
		column = "video_minutes_limit"
	case plans.AddonPosts1000:
		column = "posts_limit"
	case plans.AddonBrand:
		column = "brands_limit"
	case plans.AddonSeat:
		// Seats live on the subscription, not the bucket.
		log.Printf("[Billing][Addon] seat purchased user=%s", userID)
		return nil
	}

	// Additive, never replacing; unlimited (-1) buckets are left alone.
	_, err = h.db.Exec(fmt.Sprintf(`
		UPDATE public.usage_buckets
		SET %s = %s + $2
		WHERE user_id = $1 AND %s >= 0 AND period_end > NOW()
	`, column, column, column), userID, addon.Amount)
	if err != nil {
		return fmt.Errorf("addon limit raise user=%s type=%s: %w", userID, addonType, err)
	}

	log.Printf("[Billing][Addon] applied type=%s amount=%d user=%s payment=%s", addonType, addon.Amount, userID, paymentID)
	return nil
}

func (h *Handler) handleInvoicePaid(event stripe.Event) error {
	var invoice stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
		log.Printf("[Billing][InvoicePaid] unmarshal error: %v", err)
		return nil
	}
	if invoice.Subscription == nil || invoice.Subscription.ID == "" {
		log.Printf("[Billing][InvoicePaid] invoice %s has no subscription, skipping", invoice.ID)
		return nil
	}

	// Recovers past_due subscriptions.
	_, err := h.db.Exec(`
		UPDATE public.subscriptions
		SET status = 'active', updated_at = NOW()
		WHERE stripe_subscription_id = $1
	`, invoice.Subscription.ID)
	if err != nil {
		return fmt.Errorf("invoice paid %s: %w", invoice.ID, err)
	}
	return nil
}

func (h *Handler) handleInvoicePaymentFailed(event stripe.Event) error {
	var invoice stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
		log.Printf("[Billing][PaymentFailed] unmarshal error: %v", err)
		return nil
	}
	if invoice.Subscription == nil || invoice.Subscription.ID == "" {
		log.Printf("[Billing][PaymentFailed] invoice %s has no subscription, skipping", invoice.ID)
		return nil
	}

	_, err := h.db.Exec(`
		UPDATE public.subscriptions
		SET status = 'past_due', updated_at = NOW()
		WHERE stripe_subscription_id = $1
	`, invoice.Subscription.ID)
	if err != nil {
		return fmt.Errorf("invoice payment failed %s: %w", invoice.ID, err)
	}
	return nil
}

// handleTrialWillEnd records the notice; billing itself is not gated here,
// the lifecycle scheduler owns the reminder emails.
func (h *Handler) handleTrialWillEnd(event stripe.Event) error {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		log.Printf("[Billing][TrialWillEnd] unmarshal error: %v", err)
		return nil
	}

	userID := h.resolveSubscriptionUser(&sub)
	if userID == "" {
		log.Printf("[Billing][TrialWillEnd] no user mapping for subscription %s", sub.ID)
		return nil
	}

	log.Printf("[Billing][TrialWillEnd] trial ending soon sub=%s user=%s trialEnd=%d", sub.ID, userID, sub.TrialEnd)
	if _, err := h.db.Exec(`
		INSERT INTO public.analytics_events (user_id, event_type, metadata)
		VALUES ($1, 'trial_will_end', json_build_object('stripeSubscriptionId', $2::text))
	`, userID, sub.ID); err != nil {
		log.Printf("[Billing][TrialWillEnd] analytics event error user=%s: %v", userID, err)
	}
	return nil
}

func nullStringPtr(ns sql.NullString) *string {
	if ns.Valid {
		return &ns.String
	}
	return nil
}

func nullTimePtr(nt sql.NullTime) *time.Time {
	if nt.Valid {
		return &nt.Time
	}
	return nil
}

func unixTimePtr(t int64) *time.Time {
	if t == 0 {
		return nil
	}
	tm := time.Unix(t, 0)
	return &tm
}

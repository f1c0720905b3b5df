package middleware

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math"
	"net/http"

	"github.com/brandforge/backend/internal/models"
	"github.com/brandforge/backend/internal/plans"
	"github.com/gorilla/mux"
)

// Metered resource kinds accepted by CheckLimits.
const (
	LimitPosts        = "posts"
	LimitCredits      = "credits"
	LimitVideoMinutes = "video_minutes"
	LimitBrands       = "brands"
)

type contextKey string

const reservationKey contextKey = "usage_reservation"

// Reservation is what CheckLimits records for the increment phase. Check and
// increment are separate so a handler can fail the actual operation without
// having been charged.
type Reservation struct {
	Bucket     models.UsageBucket
	LimitType  string
	CreditCost int
}

// reservationHolder is the mutable slot the context carries. IncrementUsage
// wraps outside CheckLimits, and a value set on a context derived inside the
// chain never propagates back out, so the outer middleware installs the
// holder up front and CheckLimits fills it in.
type reservationHolder struct {
	res Reservation
	set bool
}

// ReservationFromContext returns the reservation CheckLimits stored, if any.
func ReservationFromContext(ctx context.Context) (Reservation, bool) {
	holder, ok := ctx.Value(reservationKey).(*reservationHolder)
	if !ok || !holder.set {
		return Reservation{}, false
	}
	return holder.res, true
}

// UsageLedger checks and increments per-user usage counters against
// plan-defined limits. The atomicity of bucket creation and counter
// increments lives in the database functions it calls; the ledger itself
// only decides and enqueues.
type UsageLedger struct {
	DB *sql.DB

	// Bookkeeping writes (usage increment + analytics event) run on this
	// queue instead of detached goroutines so tests can drain them
	// deterministically with Flush.
	tasks chan func()
	done  chan struct{}
}

// NewUsageLedger creates a ledger and starts its background bookkeeping
// worker.
func NewUsageLedger(db *sql.DB) *UsageLedger {
	l := &UsageLedger{
		DB:    db,
		tasks: make(chan func(), 256),
		done:  make(chan struct{}),
	}
	go l.run()
	return l
}

func (l *UsageLedger) run() {
	defer close(l.done)
	for task := range l.tasks {
		task()
	}
}

// Flush blocks until every task enqueued before it has run.
func (l *UsageLedger) Flush() {
	barrier := make(chan struct{})
	l.tasks <- func() { close(barrier) }
	<-barrier
}

// Close stops the bookkeeping worker after draining queued tasks. Tasks that
// were never enqueued (process shutdown mid-request) are lost; usage
// counters are best-effort, billing state is not kept here.
func (l *UsageLedger) Close() {
	close(l.tasks)
	<-l.done
}

func (l *UsageLedger) enqueue(task func()) {
	select {
	case l.tasks <- task:
	default:
		// Queue full: drop rather than block the response path.
		log.Printf("[Limits] bookkeeping queue full, dropping task")
	}
}

// currentBucket resolves the caller's bucket for the running billing period
// via the atomic fetch-or-create database function. No rows means no active
// subscription.
func (l *UsageLedger) currentBucket(userID string) (*models.UsageBucket, error) {
	var b models.UsageBucket
	err := l.DB.QueryRow(`
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
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// countActiveBrands counts live brand rows. Brand count is never read from
// the bucket: deleting a brand must immediately free a slot.
func (l *UsageLedger) countActiveBrands(userID string) (int, error) {
	var count int
	err := l.DB.QueryRow(`
		SELECT COUNT(*) FROM public.brands WHERE user_id = $1 AND is_active = true
	`, userID).Scan(&count)
	return count, err
}

// userIDFrom extracts the caller identity the way the routes encode it.
func userIDFrom(r *http.Request) string {
	if id := mux.Vars(r)["userId"]; id != "" {
		return id
	}
	return r.Header.Get("X-User-ID")
}

// usagePercentage is round(used/limit*100), clamped to 0 for unlimited or
// unset limits.
func usagePercentage(used, limit int) int {
	if limit <= 0 {
		return 0
	}
	return int(math.Round(float64(used) / float64(limit) * 100))
}

type limitDetails struct {
	LimitType       string `json:"limitType"`
	Used            int    `json:"used"`
	Limit           int    `json:"limit"`
	Requested       int    `json:"requested,omitempty"`
	UsagePercentage int    `json:"usagePercentage"`
}

type limitRejection struct {
	Error           string       `json:"error"`
	Code            string       `json:"code"`
	Details         limitDetails `json:"details"`
	UpgradeRequired bool         `json:"upgradeRequired"`
	Suggestions     []string     `json:"suggestions"`
}

func writeLimitExceeded(w http.ResponseWriter, details limitDetails, plan plans.PlanCode) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusPaymentRequired)
	_ = json.NewEncoder(w).Encode(limitRejection{
		Error:           fmt.Sprintf("%s limit reached for the current billing period", details.LimitType),
		Code:            "LIMIT_EXCEEDED",
		Details:         details,
		UpgradeRequired: true,
		Suggestions:     SuggestionsFor(details.LimitType, plan),
	})
}

func writeNoSubscription(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusPaymentRequired)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error":           "no active subscription",
		"code":            "NO_SUBSCRIPTION",
		"upgradeRequired": true,
		"suggestions":     []string{"Start a plan to unlock content generation"},
	})
}

// CheckLimits returns a middleware that rejects requests that would exceed
// the caller's plan limits for limitType. On success it records a
// Reservation and does not mutate usage; the IncrementUsage middleware
// charges it after the handler succeeds.
func (l *UsageLedger) CheckLimits(limitType string, creditCost int) func(http.Handler) http.Handler {
	return l.checkLimits(limitType, func(*http.Request) (int, error) { return creditCost, nil })
}

// CheckLimitsFromRequest is CheckLimits with the metered amount resolved per
// request instead of fixed per route. costFrom runs before any limit check;
// an error from it is a caller error.
func (l *UsageLedger) CheckLimitsFromRequest(limitType string, costFrom func(*http.Request) (int, error)) func(http.Handler) http.Handler {
	return l.checkLimits(limitType, costFrom)
}

// VideoMinutes reads the requested render duration from the request body,
// restoring the body for the handler. A missing duration meters one minute.
func VideoMinutes(r *http.Request) (int, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 65536))
	if err != nil {
		return 0, fmt.Errorf("failed to read request body")
	}
	r.Body = io.NopCloser(bytes.NewReader(body))

	var req struct {
		DurationMinutes int `json:"durationMinutes"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return 0, fmt.Errorf("invalid JSON body")
	}
	if req.DurationMinutes == 0 {
		return 1, nil
	}
	if req.DurationMinutes < 0 {
		return 0, fmt.Errorf("durationMinutes must be positive")
	}
	return req.DurationMinutes, nil
}

func (l *UsageLedger) checkLimits(limitType string, costFrom func(*http.Request) (int, error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch limitType {
			case LimitPosts, LimitCredits, LimitVideoMinutes, LimitBrands:
			default:
				writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown limit type %q", limitType))
				return
			}

			userID := userIDFrom(r)
			if userID == "" {
				writeError(w, http.StatusBadRequest, "userId is required")
				return
			}

			creditCost, err := costFrom(r)
			if err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}

			bucket, err := l.currentBucket(userID)
			if err != nil {
				// Check path fails closed: deny rather than hand out
				// unmetered work.
				log.Printf("[Limits] bucket fetch error userId=%s: %v", userID, err)
				writeError(w, http.StatusInternalServerError, "failed to resolve usage")
				return
			}
			if bucket == nil {
				writeNoSubscription(w)
				return
			}

			plan := plans.FromLimits(bucket.PostsLimit, bucket.CreditsLimit)

			switch limitType {
			case LimitPosts:
				if bucket.PostsLimit > 0 && bucket.PostsUsed >= bucket.PostsLimit {
					writeLimitExceeded(w, limitDetails{
						LimitType: limitType, Used: bucket.PostsUsed, Limit: bucket.PostsLimit,
						UsagePercentage: usagePercentage(bucket.PostsUsed, bucket.PostsLimit),
					}, plan)
					return
				}
			case LimitCredits:
				// Prospective total: the request must fit, not merely start.
				if bucket.CreditsLimit > 0 && bucket.CreditsUsed+creditCost > bucket.CreditsLimit {
					writeLimitExceeded(w, limitDetails{
						LimitType: limitType, Used: bucket.CreditsUsed, Limit: bucket.CreditsLimit,
						Requested:       creditCost,
						UsagePercentage: usagePercentage(bucket.CreditsUsed, bucket.CreditsLimit),
					}, plan)
					return
				}
			case LimitVideoMinutes:
				if bucket.VideoMinutesLimit > 0 && bucket.VideoMinutesUsed+creditCost > bucket.VideoMinutesLimit {
					writeLimitExceeded(w, limitDetails{
						LimitType: limitType, Used: bucket.VideoMinutesUsed, Limit: bucket.VideoMinutesLimit,
						Requested:       creditCost,
						UsagePercentage: usagePercentage(bucket.VideoMinutesUsed, bucket.VideoMinutesLimit),
					}, plan)
					return
				}
			case LimitBrands:
				count, err := l.countActiveBrands(userID)
				if err != nil {
					log.Printf("[Limits] brand count error userId=%s: %v", userID, err)
					writeError(w, http.StatusInternalServerError, "failed to count brands")
					return
				}
				if bucket.BrandsLimit > 0 && count >= bucket.BrandsLimit {
					writeLimitExceeded(w, limitDetails{
						LimitType: limitType, Used: count, Limit: bucket.BrandsLimit,
						UsagePercentage: usagePercentage(count, bucket.BrandsLimit),
					}, plan)
					return
				}
			}

			holder, ok := r.Context().Value(reservationKey).(*reservationHolder)
			if !ok {
				// No wrapping IncrementUsage (brand creation): still expose
				// the reservation to the inner handler.
				holder = &reservationHolder{}
				r = r.WithContext(context.WithValue(r.Context(), reservationKey, holder))
			}
			holder.res = Reservation{
				Bucket:     *bucket,
				LimitType:  limitType,
				CreditCost: creditCost,
			}
			holder.set = true
			next.ServeHTTP(w, r)
		})
	}
}

// successRecorder captures the status code and enough of the body to tell a
// success response from an application-level failure.
type successRecorder struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (r *successRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *successRecorder) Write(p []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	if r.body.Len() < 4096 {
		r.body.Write(p)
	}
	return r.ResponseWriter.Write(p)
}

// responseSucceeded mirrors the contract that a handler may return 200 with
// {"success": false} when the operation itself failed.
func responseSucceeded(status int, body []byte) bool {
	if status >= 400 {
		return false
	}
	var probe struct {
		Success *bool `json:"success"`
	}
	if err := json.Unmarshal(body, &probe); err == nil && probe.Success != nil && !*probe.Success {
		return false
	}
	return true
}

// IncrementUsage wraps the response path: only when the handler reports
// success does it enqueue the atomic usage increment plus an analytics
// event. A bookkeeping failure is logged and never rolls back the primary
// operation.
func (l *UsageLedger) IncrementUsage() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// The holder goes in before the chain runs so the reservation
			// CheckLimits fills deeper down is readable here afterwards.
			holder := &reservationHolder{}
			r = r.WithContext(context.WithValue(r.Context(), reservationKey, holder))

			rec := &successRecorder{ResponseWriter: w}
			next.ServeHTTP(rec, r)

			if !holder.set {
				return
			}
			res := holder.res
			if !responseSucceeded(rec.status, rec.body.Bytes()) {
				return
			}
			if res.LimitType == LimitBrands {
				// Brand usage is the live row count; nothing to increment.
				return
			}

			userID := res.Bucket.UserID
			limitType := res.LimitType
			amount := res.CreditCost
			l.enqueue(func() {
				if _, err := l.DB.Exec(`SELECT public.increment_usage($1, $2, $3)`, userID, limitType, amount); err != nil {
					log.Printf("[Limits] increment error userId=%s type=%s amount=%d: %v", userID, limitType, amount, err)
				}
				if _, err := l.DB.Exec(`
					INSERT INTO public.analytics_events (user_id, event_type, metadata)
					VALUES ($1, 'usage_increment', json_build_object('limitType', $2::text, 'amount', $3::int))
				`, userID, limitType, amount); err != nil {
					log.Printf("[Limits] analytics event error userId=%s: %v", userID, err)
				}
			})
		})
	}
}

// CheckWatermark reports whether exports for the user must carry a
// watermark. Any failure defaults to watermark on, the more restrictive
// state.
func (l *UsageLedger) CheckWatermark(userID string) bool {
	var tier string
	err := l.DB.QueryRow(`SELECT tier FROM public.users WHERE id = $1`, userID).Scan(&tier)
	if err != nil {
		log.Printf("[Limits] watermark check error userId=%s: %v", userID, err)
		return true
	}
	plan, ok := plans.Table[plans.PlanCode(tier)]
	if !ok {
		return true
	}
	return plan.Watermark
}

// SuggestionsFor maps a hit limit and the caller's inferred plan to upgrade
// suggestions. Pure function; an UNKNOWN plan degrades to generic advice.
func SuggestionsFor(limitType string, plan plans.PlanCode) []string {
	upgrade := map[plans.PlanCode]plans.PlanCode{
		plans.PlanStarter: plans.PlanPro50,
		plans.PlanPro50:   plans.PlanPro200,
		plans.PlanPro200:  plans.PlanPro500,
		plans.PlanPro500:  plans.PlanAgency,
	}

	var out []string
	if nextCode, ok := upgrade[plan]; ok {
		next := plans.Table[nextCode]
		switch limitType {
		case LimitPosts:
			out = append(out, fmt.Sprintf("Upgrade to %s for %s posts per month", next.Name, limitLabel(next.PostsLimit)))
		case LimitCredits:
			out = append(out, fmt.Sprintf("Upgrade to %s for %s credits per month", next.Name, limitLabel(next.CreditsLimit)))
		case LimitVideoMinutes:
			out = append(out, fmt.Sprintf("Upgrade to %s for %s video minutes per month", next.Name, limitLabel(next.VideoMinutesLimit)))
		case LimitBrands:
			out = append(out, fmt.Sprintf("Upgrade to %s for %s brands", next.Name, limitLabel(next.BrandsLimit)))
		}
	} else {
		out = append(out, "Upgrade your plan for higher limits")
	}

	switch limitType {
	case LimitPosts:
		out = append(out, "Add 1,000 posts with the POSTS_1000 add-on")
	case LimitCredits:
		out = append(out, "Add 500 credits with the CREDITS_500 add-on")
	case LimitVideoMinutes:
		out = append(out, "Add 60 video minutes with the VIDEO_60 add-on")
	case LimitBrands:
		out = append(out, "Add a brand slot with the BRAND add-on")
	}
	return out
}

func limitLabel(limit int) string {
	if limit < 0 {
		return "unlimited"
	}
	return fmt.Sprintf("%d", limit)
}

// writeError keeps the plain-text error convention used across the handlers.
func writeError(w http.ResponseWriter, status int, msg string) {
	http.Error(w, msg, status)
}

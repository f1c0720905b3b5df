package handlers

import (
	"net/http"

	"github.com/brandforge/backend/internal/middleware"
	"github.com/gorilla/mux"
)

// RegisterRoutes wires every endpoint. Metered routes are mounted behind
// the ledger's CheckLimits/IncrementUsage chain.
func RegisterRoutes(h *Handler, ledger *middleware.UsageLedger, r *mux.Router) {
	metered := func(limitType string, cost int, handler http.HandlerFunc) http.Handler {
		return ledger.IncrementUsage()(ledger.CheckLimits(limitType, cost)(handler))
	}

	r.HandleFunc("/health", h.Health).Methods("GET")

	// Users
	r.HandleFunc("/api/users", h.CreateUser).Methods("POST")
	r.HandleFunc("/api/users/{id}", h.GetUser).Methods("GET")

	// Brand creation is limited by live brand count, no usage increment.
	r.Handle("/api/brands/user/{userId}",
		ledger.CheckLimits(middleware.LimitBrands, 1)(http.HandlerFunc(h.CreateBrand))).Methods("POST")
	r.HandleFunc("/api/brands/user/{userId}", h.ListBrands).Methods("GET")
	r.HandleFunc("/api/brands/{id}", h.DeleteBrand).Methods("DELETE")

	// Content generation (credit-metered), posts and video (unit-metered)
	r.Handle("/api/content/generate/user/{userId}",
		metered(middleware.LimitCredits, 5, h.GenerateContent)).Methods("POST")
	r.Handle("/api/posts/user/{userId}",
		metered(middleware.LimitPosts, 1, h.CreatePost)).Methods("POST")
	// Video is metered by the requested duration, read from the body.
	r.Handle("/api/video/render/user/{userId}",
		ledger.IncrementUsage()(
			ledger.CheckLimitsFromRequest(middleware.LimitVideoMinutes, middleware.VideoMinutes)(
				http.HandlerFunc(h.RenderVideo)))).Methods("POST")

	// Analytics (read-through cached)
	r.HandleFunc("/api/analytics/overview/user/{userId}", h.GetAnalyticsOverview).Methods("GET")
	r.HandleFunc("/api/analytics/preload/user/{userId}", h.PreloadAnalyticsOverview).Methods("POST")

	// Exports
	r.HandleFunc("/api/exports/badge/user/{userId}", h.ExportBrandBadge).Methods("GET")

	// Billing
	r.HandleFunc("/api/billing/plans", h.GetBillingPlans).Methods("GET")
	r.HandleFunc("/api/billing/subscription/user/{userId}", h.GetUserSubscription).Methods("GET")
	r.HandleFunc("/api/billing/usage/user/{userId}", h.GetUserUsage).Methods("GET")
	r.HandleFunc("/webhook/stripe", h.StripeWebhook).Methods("POST")

	// Diagnostics
	r.HandleFunc("/internal/cache/stats", h.CacheStats).Methods("GET")
}

package handlers

import (
	"log"
	"net/http"
	"time"
)

type analyticsOverview struct {
	UserID       string `json:"userId"`
	TotalPosts   int    `json:"totalPosts"`
	ActiveBrands int    `json:"activeBrands"`
	CreditsUsed  int    `json:"creditsUsed"`
	EventsLast30 int    `json:"eventsLast30"`
	GeneratedAt  string `json:"generatedAt"`
}

// fetchAnalyticsOverview runs the aggregate queries behind the cache.
func (h *Handler) fetchAnalyticsOverview(userID string) (analyticsOverview, error) {
	out := analyticsOverview{UserID: userID, GeneratedAt: h.now().UTC().Format(time.RFC3339)}

	if err := h.db.QueryRow(`
		SELECT COUNT(*) FROM public.posts WHERE user_id = $1
	`, userID).Scan(&out.TotalPosts); err != nil {
		return analyticsOverview{}, err
	}
	if err := h.db.QueryRow(`
		SELECT COUNT(*) FROM public.brands WHERE user_id = $1 AND is_active = true
	`, userID).Scan(&out.ActiveBrands); err != nil {
		return analyticsOverview{}, err
	}
	if err := h.db.QueryRow(`
		SELECT COALESCE(SUM((metadata->>'amount')::int), 0)
		FROM public.analytics_events
		WHERE user_id = $1 AND event_type = 'usage_increment'
	`, userID).Scan(&out.CreditsUsed); err != nil {
		return analyticsOverview{}, err
	}
	if err := h.db.QueryRow(`
		SELECT COUNT(*) FROM public.analytics_events
		WHERE user_id = $1 AND created_at > NOW() - INTERVAL '30 days'
	`, userID).Scan(&out.EventsLast30); err != nil {
		return analyticsOverview{}, err
	}
	return out, nil
}

// GetAnalyticsOverview serves the per-user aggregate through the
// read-through cache; the response says whether it was a cache hit.
func (h *Handler) GetAnalyticsOverview(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	userID := pathVar(r, "userId")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}

	res, err := h.cache.Fetch("analytics_overview:"+userID, h.cache.DefaultTTLValue(), func() (any, error) {
		return h.fetchAnalyticsOverview(userID)
	})
	if err != nil {
		log.Printf("[Analytics][Overview] fetch error userId=%s: %v", userID, err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"success": false, "error": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"data":      res.Data,
		"fromCache": res.FromCache,
	})
}

// PreloadAnalyticsOverview warms the cache with the longer preload TTL.
func (h *Handler) PreloadAnalyticsOverview(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}

	userID := pathVar(r, "userId")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}

	data, err := h.fetchAnalyticsOverview(userID)
	if err != nil {
		log.Printf("[Analytics][Preload] fetch error userId=%s: %v", userID, err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"success": false, "error": err.Error()})
		return
	}
	h.cache.Set("analytics_overview:"+userID, data, h.cache.PreloadTTLValue())

	writeJSON(w, http.StatusOK, map[string]any{"success": true, "preloaded": true})
}

package handlers

import (
	"database/sql"
	"log"
	"net/http"

	"github.com/brandforge/backend/internal/watermark"
)

// SetWatermarkCheck wires the capability check used by exports. When no
// check is configured every export is watermarked, the more restrictive
// default.
func (h *Handler) SetWatermarkCheck(fn func(userID string) bool) {
	h.watermarkCheck = fn
}

// ExportBrandBadge renders a PNG badge for one of the user's brands.
// Free-tier and watermark-flagged plans get the watermark strip.
func (h *Handler) ExportBrandBadge(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	userID := pathVar(r, "userId")
	brandID := r.URL.Query().Get("brandId")
	if userID == "" || brandID == "" {
		writeError(w, http.StatusBadRequest, "userId and brandId are required")
		return
	}

	var name string
	err := h.db.QueryRow(`
		SELECT name FROM public.brands WHERE id = $1 AND user_id = $2 AND is_active = true
	`, brandID, userID).Scan(&name)
	if err == sql.ErrNoRows {
		writeError(w, http.StatusNotFound, "Brand not found")
		return
	}
	if err != nil {
		log.Printf("[Exports][Badge] brand lookup error userId=%s brandId=%s: %v", userID, brandID, err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	marked := true
	if h.watermarkCheck != nil {
		marked = h.watermarkCheck(userID)
	}

	data, err := watermark.Badge(name, marked)
	if err != nil {
		log.Printf("[Exports][Badge] render error userId=%s brandId=%s: %v", userID, brandID, err)
		writeError(w, http.StatusInternalServerError, "Failed to render badge")
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

package handlers

import (
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"regexp"

	"github.com/brandforge/backend/internal/models"
)

// invalidateUserAnalytics drops any cached aggregates for the user after a
// write they would be stale against.
func (h *Handler) invalidateUserAnalytics(userID string) {
	h.cache.ClearPattern(regexp.MustCompile(`^analytics_overview:` + regexp.QuoteMeta(userID) + `$`))
}

// CreateBrand adds a brand for the user. Mounted behind
// CheckLimits("brands", 1); the live row count is the usage signal, so no
// increment middleware here.
func (h *Handler) CreateBrand(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}

	userID := pathVar(r, "userId")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}

	var brand models.Brand
	if err := decodeJSON(r, &brand); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if brand.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	brand.ID = fmt.Sprintf("brd_%s", randHex(12))
	brand.UserID = userID

	err := h.db.QueryRow(`
		INSERT INTO public.brands (id, user_id, name, voice, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, true, NOW(), NOW())
		RETURNING id, user_id, name, voice, is_active, created_at, updated_at
	`, brand.ID, brand.UserID, brand.Name, brand.Voice).Scan(
		&brand.ID, &brand.UserID, &brand.Name, &brand.Voice, &brand.IsActive, &brand.CreatedAt, &brand.UpdatedAt,
	)
	if err != nil {
		log.Printf("[Brands][Create] insert error userId=%s: %v", userID, err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	h.invalidateUserAnalytics(userID)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "brand": brand})
}

// ListBrands returns the user's active brands.
func (h *Handler) ListBrands(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	userID := pathVar(r, "userId")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}

	limit := parseLimit(r, 100, 1, 500)
	rows, err := h.db.Query(`
		SELECT id, user_id, name, voice, is_active, created_at, updated_at
		FROM public.brands
		WHERE user_id = $1 AND is_active = true
		ORDER BY created_at ASC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		log.Printf("[Brands][List] query error userId=%s: %v", userID, err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer rows.Close()

	brands := make([]models.Brand, 0)
	for rows.Next() {
		var b models.Brand
		if err := rows.Scan(&b.ID, &b.UserID, &b.Name, &b.Voice, &b.IsActive, &b.CreatedAt, &b.UpdatedAt); err != nil {
			log.Printf("[Brands][List] scan error userId=%s: %v", userID, err)
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		brands = append(brands, b)
	}
	if err := rows.Err(); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, brands)
}

// DeleteBrand soft-deletes a brand, immediately freeing a slot for the live
// brand-limit check.
func (h *Handler) DeleteBrand(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodDelete) {
		return
	}

	brandID := pathVar(r, "id")
	if brandID == "" {
		writeError(w, http.StatusBadRequest, "id is required")
		return
	}

	var userID string
	err := h.db.QueryRow(`
		UPDATE public.brands
		SET is_active = false, updated_at = NOW()
		WHERE id = $1 AND is_active = true
		RETURNING user_id
	`, brandID).Scan(&userID)
	if err == sql.ErrNoRows {
		writeError(w, http.StatusNotFound, "Brand not found")
		return
	}
	if err != nil {
		log.Printf("[Brands][Delete] error brandId=%s: %v", brandID, err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	h.invalidateUserAnalytics(userID)
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

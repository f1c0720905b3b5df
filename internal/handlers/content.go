package handlers

import (
	"fmt"
	"log"
	"net/http"
	"strings"
)

// GenerateContent produces marketing copy for a brand. The generation
// backend is a placeholder; the metering around it
// (CheckLimits("credits", n) + IncrementUsage) is the real contract.
func (h *Handler) GenerateContent(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}

	userID := pathVar(r, "userId")
	var req struct {
		BrandID string `json:"brandId"`
		Prompt  string `json:"prompt"`
		Tone    string `json:"tone"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.BrandID == "" || strings.TrimSpace(req.Prompt) == "" {
		writeError(w, http.StatusBadRequest, "brandId and prompt are required")
		return
	}

	var brandName string
	var voice *string
	err := h.db.QueryRow(`
		SELECT name, voice FROM public.brands WHERE id = $1 AND user_id = $2 AND is_active = true
	`, req.BrandID, userID).Scan(&brandName, &voice)
	if err != nil {
		log.Printf("[Content][Generate] brand lookup error userId=%s brandId=%s: %v", userID, req.BrandID, err)
		writeJSON(w, http.StatusOK, map[string]any{"success": false, "error": "brand not found"})
		return
	}

	tone := req.Tone
	if tone == "" && voice != nil {
		tone = *voice
	}
	if tone == "" {
		tone = "confident"
	}

	variants := []string{
		fmt.Sprintf("%s: %s, told the %s way.", brandName, req.Prompt, tone),
		fmt.Sprintf("Meet %s. %s", brandName, req.Prompt),
		fmt.Sprintf("Why %s? Because %s.", brandName, strings.ToLower(req.Prompt)),
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"brandId":  req.BrandID,
		"variants": variants,
	})
}

// CreatePost stores a generated post. Mounted behind CheckLimits("posts", 1)
// + IncrementUsage.
func (h *Handler) CreatePost(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}

	userID := pathVar(r, "userId")
	var req struct {
		BrandID string `json:"brandId"`
		Content string `json:"content"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}

	postID := fmt.Sprintf("pst_%s", randHex(12))
	_, err := h.db.Exec(`
		INSERT INTO public.posts (id, user_id, brand_id, content, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NOW(), NOW())
	`, postID, userID, req.BrandID, req.Content)
	if err != nil {
		log.Printf("[Content][CreatePost] insert error userId=%s: %v", userID, err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	h.invalidateUserAnalytics(userID)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "postId": postID})
}

// RenderVideo is a placeholder video pipeline entry point. The metering
// middleware reads durationMinutes from the body before the handler runs,
// so a request that would not fit the remaining minutes never reaches here.
func (h *Handler) RenderVideo(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}

	userID := pathVar(r, "userId")
	var req struct {
		BrandID         string `json:"brandId"`
		Script          string `json:"script"`
		DurationMinutes int    `json:"durationMinutes"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Script) == "" {
		writeError(w, http.StatusBadRequest, "script is required")
		return
	}
	if req.DurationMinutes == 0 {
		req.DurationMinutes = 1
	}

	jobID := fmt.Sprintf("vid_%s", randHex(12))
	log.Printf("[Content][RenderVideo] queued jobId=%s userId=%s brandId=%s minutes=%d", jobID, userID, req.BrandID, req.DurationMinutes)
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"jobId":   jobID,
		"status":  "queued",
		"minutes": req.DurationMinutes,
	})
}

package handlers

import (
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"net/http"
	"time"

	"github.com/brandforge/backend/internal/cache"
	"github.com/brandforge/backend/internal/email"
	"github.com/brandforge/backend/internal/models"
)

type Handler struct {
	db     *sql.DB
	cache  *cache.Cache
	sender email.Sender

	webhookSecret  string
	watermarkCheck func(userID string) bool

	// welcomeDelay is how long the reconciler waits before firing the
	// welcome email, so the subscription upsert is committed first. A
	// non-positive delay sends inline (tests).
	welcomeDelay time.Duration

	now func() time.Time
}

func New(db *sql.DB, c *cache.Cache, sender email.Sender, webhookSecret string) *Handler {
	if c == nil {
		c = cache.New(cache.Options{})
	}
	if sender == nil {
		sender = email.LogSender{}
	}
	return &Handler{
		db:            db,
		cache:         c,
		sender:        sender,
		webhookSecret: webhookSecret,
		welcomeDelay:  3 * time.Second,
		now:           time.Now,
	}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// CacheStats exposes the in-process cache counters for diagnostics.
func (h *Handler) CacheStats(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, h.cache.GetStats())
}

func (h *Handler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var user models.User
	if err := decodeJSON(r, &user); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if user.Tier == "" {
		user.Tier = "free"
	}

	query := `
		INSERT INTO public.users (id, email, name, tier, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NOW(), NOW())
		ON CONFLICT (id) DO UPDATE SET
			email = COALESCE(NULLIF(EXCLUDED.email, ''), public.users.email),
			name = COALESCE(NULLIF(EXCLUDED.name, ''), public.users.name),
			updated_at = NOW()
		RETURNING id, email, name, tier, created_at, updated_at
	`

	err := h.db.QueryRow(query, user.ID, user.Email, user.Name, user.Tier).
		Scan(&user.ID, &user.Email, &user.Name, &user.Tier, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, user)
}

func (h *Handler) GetUser(w http.ResponseWriter, r *http.Request) {
	id := pathVar(r, "id")

	var user models.User
	query := `SELECT id, email, name, tier, created_at, updated_at FROM public.users WHERE id = $1`

	err := h.db.QueryRow(query, id).
		Scan(&user.ID, &user.Email, &user.Name, &user.Tier, &user.CreatedAt, &user.UpdatedAt)
	if err == sql.ErrNoRows {
		writeError(w, http.StatusNotFound, "User not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, user)
}

func randHex(n int) string {
	if n <= 0 {
		return ""
	}
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

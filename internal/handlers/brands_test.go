package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestCreateBrandRequiresName(t *testing.T) {
	h, mock, closeDB := newTestHandler(t)
	defer closeDB()

	req := httptest.NewRequest("POST", "/api/brands/user/user-1", strings.NewReader(`{}`))
	req = muxSetVars(req, map[string]string{"userId": "user-1"})
	rr := httptest.NewRecorder()
	h.CreateBrand(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestListBrands(t *testing.T) {
	h, mock, closeDB := newTestHandler(t)
	defer closeDB()

	mock.ExpectQuery("FROM public.brands").
		WithArgs("user-1", 100).
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "name", "voice", "is_active", "created_at", "updated_at"}).
			AddRow("brd_1", "user-1", "Acme", "playful", true, nowRow(), nowRow()).
			AddRow("brd_2", "user-1", "Globex", nil, true, nowRow(), nowRow()))

	req := httptest.NewRequest("GET", "/api/brands/user/user-1", nil)
	req = muxSetVars(req, map[string]string{"userId": "user-1"})
	rr := httptest.NewRecorder()
	h.ListBrands(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var brands []map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &brands); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if len(brands) != 2 {
		t.Fatalf("expected 2 brands, got %d", len(brands))
	}
	if brands[0]["name"] != "Acme" {
		t.Errorf("unexpected first brand %v", brands[0])
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestListBrandsClampsLimit(t *testing.T) {
	h, mock, closeDB := newTestHandler(t)
	defer closeDB()

	mock.ExpectQuery("FROM public.brands").
		WithArgs("user-1", 500).
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "name", "voice", "is_active", "created_at", "updated_at"}))

	req := httptest.NewRequest("GET", "/api/brands/user/user-1?limit=9999", nil)
	req = muxSetVars(req, map[string]string{"userId": "user-1"})
	rr := httptest.NewRecorder()
	h.ListBrands(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestDeleteBrandSoftDeletes(t *testing.T) {
	h, mock, closeDB := newTestHandler(t)
	defer closeDB()

	mock.ExpectQuery("SET is_active = false").
		WithArgs("brd_1").
		WillReturnRows(sqlmock.NewRows([]string{"user_id"}).AddRow("user-1"))

	req := httptest.NewRequest("DELETE", "/api/brands/brd_1", nil)
	req = muxSetVars(req, map[string]string{"id": "brd_1"})
	rr := httptest.NewRecorder()
	h.DeleteBrand(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestDeleteBrandNotFound(t *testing.T) {
	h, mock, closeDB := newTestHandler(t)
	defer closeDB()

	mock.ExpectQuery("SET is_active = false").
		WithArgs("brd_missing").
		WillReturnRows(sqlmock.NewRows([]string{"user_id"}))

	req := httptest.NewRequest("DELETE", "/api/brands/brd_missing", nil)
	req = muxSetVars(req, map[string]string{"id": "brd_missing"})
	rr := httptest.NewRecorder()
	h.DeleteBrand(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

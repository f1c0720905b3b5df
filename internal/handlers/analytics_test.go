package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

func expectOverviewQueries(mock sqlmock.Sqlmock, userID string, posts, brands, credits, events int) {
	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM public.posts").
		WithArgs(userID).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(posts))
	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM public.brands").
		WithArgs(userID).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(brands))
	mock.ExpectQuery("usage_increment").
		WithArgs(userID).
		WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow(credits))
	mock.ExpectQuery("INTERVAL '30 days'").
		WithArgs(userID).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(events))
}

func getOverview(t *testing.T, h *Handler, userID string) map[string]any {
	t.Helper()
	req := httptest.NewRequest("GET", "/api/analytics/overview/user/"+userID, nil)
	req = muxSetVars(req, map[string]string{"userId": userID})
	rr := httptest.NewRecorder()
	h.GetAnalyticsOverview(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	return resp
}

func TestAnalyticsOverviewCachedAndInvalidated(t *testing.T) {
	h, mock, closeDB := newTestHandler(t)
	defer closeDB()

	// Cold: the aggregates hit the database.
	expectOverviewQueries(mock, "user-1", 12, 2, 45, 30)
	resp := getOverview(t, h, "user-1")
	if resp["fromCache"] != false {
		t.Fatalf("expected cold fetch, got %v", resp)
	}

	// Warm: no queries expected, served from cache.
	resp = getOverview(t, h, "user-1")
	if resp["fromCache"] != true {
		t.Fatalf("expected cache hit, got %v", resp)
	}

	// A brand write invalidates the cached aggregate.
	mock.ExpectQuery("INSERT INTO public.brands").
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "name", "voice", "is_active", "created_at", "updated_at"}).
			AddRow("brd_1", "user-1", "Acme", nil, true, nowRow(), nowRow()))
	createReq := httptest.NewRequest("POST", "/api/brands/user/user-1", strings.NewReader(`{"name":"Acme"}`))
	createReq = muxSetVars(createReq, map[string]string{"userId": "user-1"})
	rr := httptest.NewRecorder()
	h.CreateBrand(rr, createReq)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 from brand create, got %d: %s", rr.Code, rr.Body.String())
	}

	// Cold again after the invalidation.
	expectOverviewQueries(mock, "user-1", 12, 3, 45, 31)
	resp = getOverview(t, h, "user-1")
	if resp["fromCache"] != false {
		t.Fatalf("expected cold fetch after invalidation, got %v", resp)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestAnalyticsOverviewIsPerUser(t *testing.T) {
	h, mock, closeDB := newTestHandler(t)
	defer closeDB()

	expectOverviewQueries(mock, "user-1", 5, 1, 10, 7)
	expectOverviewQueries(mock, "user-2", 9, 2, 20, 3)

	if resp := getOverview(t, h, "user-1"); resp["fromCache"] != false {
		t.Fatalf("expected cold fetch for user-1, got %v", resp)
	}
	// A different user's key misses the first user's entry.
	if resp := getOverview(t, h, "user-2"); resp["fromCache"] != false {
		t.Fatalf("expected cold fetch for user-2, got %v", resp)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestAnalyticsPreloadWarmsCache(t *testing.T) {
	h, mock, closeDB := newTestHandler(t)
	defer closeDB()

	expectOverviewQueries(mock, "user-1", 4, 1, 15, 2)
	req := httptest.NewRequest("POST", "/api/analytics/preload/user/user-1", nil)
	req = muxSetVars(req, map[string]string{"userId": "user-1"})
	rr := httptest.NewRecorder()
	h.PreloadAnalyticsOverview(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	// The follow-up read is a cache hit; no further queries expected.
	if resp := getOverview(t, h, "user-1"); resp["fromCache"] != true {
		t.Fatalf("expected cache hit after preload, got %v", resp)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

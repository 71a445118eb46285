package rest

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestMatchPattern(t *testing.T) {
	cases := []struct {
		pattern string
		path    string
		ok      bool
		params  map[string]string
	}{
		{"/api/v1/health", "/api/v1/health", true, map[string]string{}},
		{"/api/v1/health", "/api/v1/status", false, nil},
		{"/api/v1/kv/{key}", "/api/v1/kv/color", true, map[string]string{"key": "color"}},
		{"/api/v1/kv/{key}", "/api/v1/kv", false, nil},
		{"/api/v1/kv/{key}", "/api/v1/kv/a/b", false, nil},
		{"/api/v1/cluster/learners/{id}/promote", "/api/v1/cluster/learners/7/promote", true, map[string]string{"id": "7"}},
		{"/api/v1/cluster/learners/{id}/promote", "/api/v1/cluster/learners/7/demote", false, nil},
	}

	for _, tc := range cases {
		params, ok := matchPattern(tc.pattern, tc.path)
		if ok != tc.ok {
			t.Errorf("matchPattern(%q, %q) ok = %v, want %v", tc.pattern, tc.path, ok, tc.ok)
			continue
		}
		if !ok {
			continue
		}
		for name, want := range tc.params {
			if params[name] != want {
				t.Errorf("matchPattern(%q, %q) param %q = %q, want %q", tc.pattern, tc.path, name, params[name], want)
			}
		}
	}
}

func TestRouterDispatch(t *testing.T) {
	router := NewRouter()
	var gotKey string
	router.GET("/api/v1/kv/{key}", func(w http.ResponseWriter, r *http.Request) {
		gotKey = Param(r, "key")
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/kv/answer", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if gotKey != "answer" {
		t.Errorf("captured key = %q, want answer", gotKey)
	}

	// Same pattern, different method: not found.
	req = httptest.NewRequest(http.MethodDelete, "/api/v1/kv/answer", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("method mismatch status = %d, want 404", rec.Code)
	}
}

func TestParamOutsideRouter(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/whatever", nil)
	if got := Param(req, "key"); got != "" {
		t.Errorf("Param without router context = %q, want empty", got)
	}
}

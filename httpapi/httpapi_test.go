package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"

	"github.com/AlfredDev/quota-core/accounting"
	"github.com/AlfredDev/quota-core/config"
	"github.com/AlfredDev/quota-core/storage/csv"
)

func testSetup(t *testing.T) http.Handler {
	t.Helper()
	backend := csv.New(t.TempDir())
	acct, err := accounting.Open(context.Background(), backend)
	if err != nil {
		t.Fatalf("accounting.Open: %v", err)
	}
	t.Cleanup(func() { acct.Close() })

	cfg := &config.Config{
		Addr:             ":0",
		Env:              "test",
		RateLimitEnabled: false,
		APIKeyHeader:     "X-API-Key",
		MaxBodyBytes:     1 << 20,
	}
	logger := zerolog.New(io.Discard).With().Timestamp().Logger()
	return NewRouter(cfg, logger, acct, nil)
}

func TestHealthEndpoints(t *testing.T) {
	r := testSetup(t)

	for _, path := range []string{"/healthz", "/ready"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rw := httptest.NewRecorder()
		r.ServeHTTP(rw, req)
		if rw.Result().StatusCode != http.StatusOK {
			t.Errorf("%s = %d, want 200", path, rw.Result().StatusCode)
		}
	}
}

func postJSON(t *testing.T, r http.Handler, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal request body: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	rw := httptest.NewRecorder()
	r.ServeHTTP(rw, req)
	return rw
}

func TestTrackUsageRejectsEmptyModel(t *testing.T) {
	r := testSetup(t)
	rw := postJSON(t, r, "/v1/usage", map[string]interface{}{"username": "alice"})
	if rw.Code != http.StatusUnprocessableEntity {
		t.Fatalf("POST /v1/usage with empty model = %d, want 422", rw.Code)
	}
}

func TestTrackUsageThenTail(t *testing.T) {
	r := testSetup(t)

	rw := postJSON(t, r, "/v1/usage", map[string]interface{}{
		"model": "gpt-4", "prompt_tokens": 10, "completion_tokens": 5,
	})
	if rw.Code != http.StatusCreated {
		t.Fatalf("POST /v1/usage = %d, want 201, body=%s", rw.Code, rw.Body.String())
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/tail?n=10", nil)
	rw = httptest.NewRecorder()
	r.ServeHTTP(rw, req)
	if rw.Code != http.StatusOK {
		t.Fatalf("GET /v1/tail = %d, want 200", rw.Code)
	}
	var entries []map[string]interface{}
	if err := json.Unmarshal(rw.Body.Bytes(), &entries); err != nil {
		t.Fatalf("decode tail response: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("tail returned %d entries, want 1", len(entries))
	}
}

func TestCreateLimitThenUsageCheckDenies(t *testing.T) {
	r := testSetup(t)

	rw := postJSON(t, r, "/v1/limits", map[string]interface{}{
		"scope": "global", "limit_type": "requests", "max_value": 0,
		"interval_unit": "minute", "interval_value": 1,
	})
	if rw.Code != http.StatusCreated {
		t.Fatalf("POST /v1/limits = %d, want 201, body=%s", rw.Code, rw.Body.String())
	}

	rw = postJSON(t, r, "/v1/usage/check", map[string]interface{}{"model": "gpt-4"})
	if rw.Code != http.StatusTooManyRequests {
		t.Fatalf("POST /v1/usage/check = %d, want 429, body=%s", rw.Code, rw.Body.String())
	}
	var resp map[string]interface{}
	if err := json.Unmarshal(rw.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode check response: %v", err)
	}
	if resp["allowed"] != false {
		t.Errorf("allowed = %v, want false", resp["allowed"])
	}
}

func TestPurgeClearsTail(t *testing.T) {
	r := testSetup(t)
	postJSON(t, r, "/v1/usage", map[string]interface{}{"model": "gpt-4"})

	rw := httptest.NewRecorder()
	r.ServeHTTP(rw, httptest.NewRequest(http.MethodPost, "/v1/purge", nil))
	if rw.Code != http.StatusOK {
		t.Fatalf("POST /v1/purge = %d, want 200", rw.Code)
	}

	rw = httptest.NewRecorder()
	r.ServeHTTP(rw, httptest.NewRequest(http.MethodGet, "/v1/tail", nil))
	var entries []map[string]interface{}
	json.Unmarshal(rw.Body.Bytes(), &entries)
	if len(entries) != 0 {
		t.Fatalf("tail after purge = %d entries, want 0", len(entries))
	}
}

func TestProjectsCRUDOverHTTP(t *testing.T) {
	r := testSetup(t)

	rw := postJSON(t, r, "/v1/projects", map[string]interface{}{"name": "proj-a"})
	if rw.Code != http.StatusCreated {
		t.Fatalf("POST /v1/projects = %d, want 201, body=%s", rw.Code, rw.Body.String())
	}

	rw = httptest.NewRecorder()
	r.ServeHTTP(rw, httptest.NewRequest(http.MethodGet, "/v1/projects", nil))
	if rw.Code != http.StatusOK {
		t.Fatalf("GET /v1/projects = %d, want 200", rw.Code)
	}
	var projects []map[string]interface{}
	if err := json.Unmarshal(rw.Body.Bytes(), &projects); err != nil {
		t.Fatalf("decode projects: %v", err)
	}
	if len(projects) != 1 || projects[0]["Name"] != "proj-a" {
		t.Fatalf("projects = %v, want one project named proj-a", projects)
	}

	rw = httptest.NewRecorder()
	r.ServeHTTP(rw, httptest.NewRequest(http.MethodDelete, "/v1/projects/proj-a", nil))
	if rw.Code != http.StatusNoContent {
		t.Fatalf("DELETE /v1/projects/proj-a = %d, want 204", rw.Code)
	}
}

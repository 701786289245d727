package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"gothamvending/backend/internal/domain"
	"gothamvending/backend/internal/finance"
	"gothamvending/backend/internal/service"
	"gothamvending/backend/internal/store/memory"
)

// newTestAPI builds a full API with an in-memory store, real AuthManager and
// real Service so handler tests exercise the complete request path.
func newTestAPI(t *testing.T) *API {
	t.Helper()

	repo := memory.NewSeeded()
	svc := service.New(repo, finance.NewResolver(0), nil, time.Minute)
	auth := NewAuthManager("test-secret-key", time.Hour, repo)

	return New(svc, auth, "*", 100, 200)
}

func loginAs(t *testing.T, api *API, username, password string) string {
	t.Helper()

	payload, _ := json.Marshal(domain.LoginRequest{Username: username, Password: password})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	api.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("login as %s failed: %d (%s)", username, rec.Code, rec.Body.String())
	}

	var resp domain.LoginResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode login response: %v", err)
	}
	return resp.AccessToken
}

func fetchCSRFToken(t *testing.T, api *API) string {
	t.Helper()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/auth/csrf-token", nil)
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("csrf token fetch failed: %d", rec.Code)
	}

	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode csrf response: %v", err)
	}
	return body["csrf_token"]
}

func doJSON(t *testing.T, api *API, method, path, token, csrf string, payload any) *httptest.ResponseRecorder {
	t.Helper()

	var body *bytes.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal request: %v", err)
		}
		body = bytes.NewReader(raw)
	} else {
		body = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, body)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if csrf != "" {
		req.Header.Set("X-CSRF-Token", csrf)
	}
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHandleHealth(t *testing.T) {
	api := newTestAPI(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["ok"] != true {
		t.Fatalf("expected ok:true, got %v", body["ok"])
	}
}

func TestHandleLoginSuccess(t *testing.T) {
	api := newTestAPI(t)

	token := loginAs(t, api, "admin", "admin123")
	if token == "" {
		t.Fatal("expected non-empty access token")
	}
}

func TestMachinesRequireAuth(t *testing.T) {
	api := newTestAPI(t)

	rec := doJSON(t, api, http.MethodGet, "/api/v1/machines", "", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestViewerCannotCreateMachine(t *testing.T) {
	api := newTestAPI(t)
	token := loginAs(t, api, "viewer", "viewer123")
	csrf := fetchCSRFToken(t, api)

	rec := doJSON(t, api, http.MethodPost, "/api/v1/machines", token, csrf,
		domain.MachineCreateRequest{Label: "Rogue machine"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d (%s)", rec.Code, rec.Body.String())
	}
}

func TestCreateMachineAndList(t *testing.T) {
	api := newTestAPI(t)
	token := loginAs(t, api, "admin", "admin123")
	csrf := fetchCSRFToken(t, api)

	rec := doJSON(t, api, http.MethodPost, "/api/v1/machines", token, csrf,
		domain.MachineCreateRequest{Label: "Depot annex", LocationID: "loc-union-depot"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (%s)", rec.Code, rec.Body.String())
	}

	list := doJSON(t, api, http.MethodGet, "/api/v1/machines", token, "", nil)
	if list.Code != http.StatusOK {
		t.Fatalf("list machines: %d", list.Code)
	}
	var body struct {
		Machines []domain.Machine `json:"machines"`
	}
	if err := json.NewDecoder(list.Body).Decode(&body); err != nil {
		t.Fatalf("decode machines: %v", err)
	}
	if len(body.Machines) != 6 {
		t.Fatalf("expected 6 machines after create, got %d", len(body.Machines))
	}
}

func TestRecordSaleAndSummaryReport(t *testing.T) {
	api := newTestAPI(t)
	token := loginAs(t, api, "admin", "admin123")
	csrf := fetchCSRFToken(t, api)

	occurred := time.Date(2026, time.March, 10, 14, 0, 0, 0, time.UTC)
	rec := doJSON(t, api, http.MethodPost, "/api/v1/sales", token, csrf, domain.SaleCreateRequest{
		MachineID:      "vm-0001",
		Quantity:       3,
		UnitPriceCents: 250,
		UnitCostCents:  100,
		OccurredAt:     occurred,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("record sale: %d (%s)", rec.Code, rec.Body.String())
	}

	summary := doJSON(t, api, http.MethodGet, "/api/v1/reports/summary?start=2026-03-01&end=2026-03-30", token, "", nil)
	if summary.Code != http.StatusOK {
		t.Fatalf("summary report: %d (%s)", summary.Code, summary.Body.String())
	}
	var resp domain.SalesSummaryResponse
	if err := json.NewDecoder(summary.Body).Decode(&resp); err != nil {
		t.Fatalf("decode summary: %v", err)
	}
	if resp.Summary.GrossCents != 750 {
		t.Fatalf("gross = %d, want 750", resp.Summary.GrossCents)
	}
	if resp.Summary.FeeCents != 51 {
		t.Fatalf("fees = %d, want 51", resp.Summary.FeeCents)
	}
}

func TestRecordSaleIdempotencyReplayReturns200(t *testing.T) {
	api := newTestAPI(t)
	token := loginAs(t, api, "admin", "admin123")
	csrf := fetchCSRFToken(t, api)

	req := domain.SaleCreateRequest{
		IdempotencyKey: "telemetry-99",
		MachineID:      "vm-0002",
		Quantity:       1,
		UnitPriceCents: 200,
	}

	first := doJSON(t, api, http.MethodPost, "/api/v1/sales", token, csrf, req)
	if first.Code != http.StatusCreated {
		t.Fatalf("first sale: %d (%s)", first.Code, first.Body.String())
	}
	replay := doJSON(t, api, http.MethodPost, "/api/v1/sales", token, csrf, req)
	if replay.Code != http.StatusOK {
		t.Fatalf("replay sale: %d (%s)", replay.Code, replay.Body.String())
	}
	var resp domain.SaleCreateResponse
	if err := json.NewDecoder(replay.Body).Decode(&resp); err != nil {
		t.Fatalf("decode replay: %v", err)
	}
	if !resp.Duplicate {
		t.Fatal("replay should be flagged duplicate")
	}
}

func TestCommissionReportCSV(t *testing.T) {
	api := newTestAPI(t)
	token := loginAs(t, api, "admin", "admin123")

	rec := doJSON(t, api, http.MethodGet, "/api/v1/reports/commissions?format=csv&start=2026-03-01&end=2026-03-30", token, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("csv report: %d (%s)", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); !strings.Contains(ct, "text/csv") {
		t.Fatalf("content type = %q, want text/csv", ct)
	}
	body := rec.Body.String()
	if !strings.HasPrefix(body, "location_id,location_name,model,gross_cents,commission_cents") {
		t.Fatalf("unexpected csv header: %q", strings.SplitN(body, "\n", 2)[0])
	}
	// Eastside's hybrid floor applies with zero sales.
	if !strings.Contains(body, "loc-eastside-gym") {
		t.Fatal("csv missing eastside row")
	}
}

func TestReportExportReturnsWorkbook(t *testing.T) {
	api := newTestAPI(t)
	token := loginAs(t, api, "admin", "admin123")

	rec := doJSON(t, api, http.MethodGet, "/api/v1/reports/export?start=2026-03-01&end=2026-03-30", token, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("export: %d (%s)", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); !strings.Contains(ct, "spreadsheetml") {
		t.Fatalf("content type = %q, want xlsx", ct)
	}
	// xlsx files are zip archives.
	if !bytes.HasPrefix(rec.Body.Bytes(), []byte("PK")) {
		t.Fatal("export body is not a zip archive")
	}
}

func TestSummaryReportRejectsBadWindow(t *testing.T) {
	api := newTestAPI(t)
	token := loginAs(t, api, "admin", "admin123")

	rec := doJSON(t, api, http.MethodGet, "/api/v1/reports/summary?start=2026-03-30&end=2026-03-01", token, "", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for inverted window, got %d", rec.Code)
	}
}

func TestFeeRuleReloadEndpoint(t *testing.T) {
	api := newTestAPI(t)
	token := loginAs(t, api, "admin", "admin123")
	csrf := fetchCSRFToken(t, api)

	rec := doJSON(t, api, http.MethodPost, "/api/v1/fee-rules/reload", token, csrf, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("reload: %d (%s)", rec.Code, rec.Body.String())
	}
	var resp domain.FeeRuleReloadResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode reload: %v", err)
	}
	if resp.Machines != 4 {
		t.Fatalf("loaded %d machine rules, want 4", resp.Machines)
	}
}

func TestOperatorsCreateAndList(t *testing.T) {
	api := newTestAPI(t)
	token := loginAs(t, api, "admin", "admin123")
	csrf := fetchCSRFToken(t, api)

	rec := doJSON(t, api, http.MethodPost, "/api/v1/users/operators", token, csrf,
		domain.OperatorCreateRequest{Username: "routedriver", Password: "secret-route", Role: "viewer"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create operator: %d (%s)", rec.Code, rec.Body.String())
	}

	list := doJSON(t, api, http.MethodGet, "/api/v1/users/operators", token, "", nil)
	if list.Code != http.StatusOK {
		t.Fatalf("list operators: %d", list.Code)
	}
	if !strings.Contains(list.Body.String(), "routedriver") {
		t.Fatal("new operator missing from list")
	}
}

func TestDeleteMappingEndpoint(t *testing.T) {
	api := newTestAPI(t)
	token := loginAs(t, api, "admin", "admin123")
	csrf := fetchCSRFToken(t, api)

	req := httptest.NewRequest(http.MethodDelete, "/api/v1/mappings/vm-0001", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-CSRF-Token", csrf)
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("delete mapping: %d (%s)", rec.Code, rec.Body.String())
	}

	// vm-0001 no longer resolves a fee rule, so a fresh sale carries no fees.
	occurred := time.Date(2026, time.March, 10, 14, 0, 0, 0, time.UTC)
	sale := doJSON(t, api, http.MethodPost, "/api/v1/sales", token, csrf, domain.SaleCreateRequest{
		MachineID: "vm-0001", Quantity: 2, UnitPriceCents: 300, OccurredAt: occurred,
	})
	if sale.Code != http.StatusCreated {
		t.Fatalf("sale after delete: %d", sale.Code)
	}

	summary := doJSON(t, api, http.MethodGet, "/api/v1/reports/summary?start=2026-03-01&end=2026-03-30", token, "", nil)
	var resp domain.SalesSummaryResponse
	if err := json.NewDecoder(summary.Body).Decode(&resp); err != nil {
		t.Fatalf("decode summary: %v", err)
	}
	if resp.Summary.FeeCents != 0 {
		t.Fatalf("fees after mapping delete = %d, want 0", resp.Summary.FeeCents)
	}
}

func TestInsuranceReportEndpoint(t *testing.T) {
	api := newTestAPI(t)
	token := loginAs(t, api, "admin", "admin123")

	year := time.Now().UTC().Year()
	path := fmt.Sprintf("/api/v1/reports/insurance?start=%d-03-01&end=%d-03-30", year, year)
	rec := doJSON(t, api, http.MethodGet, path, token, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("insurance report: %d (%s)", rec.Code, rec.Body.String())
	}
	var resp domain.InsuranceReportResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode insurance report: %v", err)
	}
	if resp.TotalShareCents != 30000 {
		t.Fatalf("total insurance share = %d, want 30000", resp.TotalShareCents)
	}
}

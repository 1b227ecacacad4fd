package main

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/ehr/revcycle/internal/config"
	"github.com/ehr/revcycle/internal/platform/db"
)

func memoryConfig() *config.Config {
	return &config.Config{
		Port:                "0",
		Env:                 "development",
		Store:               config.StoreMemory,
		ClearinghouseMode:   "simulated",
		GatewayTimeout:      5 * time.Second,
		RemitWorkers:        2,
		RateLimitRPS:        1000,
		RateLimitBurst:      1000,
		RequestTimeout:      10 * time.Second,
		BodyLimit:           "1M",
		RemittanceBodyLimit: "20M",
		CORSOrigins:         []string{"http://localhost:3000"},
	}
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	a, err := newApp(context.Background(), memoryConfig(), zerolog.Nop())
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	srv := httptest.NewServer(newServer(a))
	t.Cleanup(func() {
		srv.Close()
		a.Close()
	})
	return srv
}

func call(t *testing.T, srv *httptest.Server, method, path, body string, out interface{}) int {
	t.Helper()
	req, err := http.NewRequest(method, srv.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("%s %s: decode: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

func TestServer_ClaimToRemittance(t *testing.T) {
	srv := newTestServer(t)
	dos := time.Now().AddDate(0, 0, -3).Format("2006-01-02")

	var claim struct {
		ID            int64   `json:"id"`
		Status        string  `json:"status"`
		TotalCharge   string  `json:"total_charge"`
		TotalPaid     string  `json:"total_paid"`
		ControlNumber *string `json:"control_number"`
	}
	create := fmt.Sprintf(`{
		"patient_id": "6f1c1c43-2b6c-4a55-8d7e-0e4bfb8f6a11",
		"payer": {"payer_id": "60054", "member_id": "W123456789", "policy_number": "P-1"},
		"diagnosis_codes": ["Z23"],
		"place_of_service": "11",
		"date_of_service": %q,
		"lines": [{"procedure_code": "99213"}, {"procedure_code": "90658"}]
	}`, dos)
	if code := call(t, srv, http.MethodPost, "/api/v1/claims", create, &claim); code != http.StatusCreated {
		t.Fatalf("create claim: status %d", code)
	}
	if claim.Status != "draft" || claim.TotalCharge != "155" {
		t.Fatalf("unexpected new claim %+v", claim)
	}

	path := fmt.Sprintf("/api/v1/claims/%d", claim.ID)
	if code := call(t, srv, http.MethodPost, path+"/submit", "", nil); code != http.StatusOK {
		t.Fatalf("submit: status %d", code)
	}
	if code := call(t, srv, http.MethodGet, path, "", &claim); code != http.StatusOK {
		t.Fatalf("get claim: status %d", code)
	}
	if claim.Status != "submitted" || claim.ControlNumber == nil {
		t.Fatalf("expected submitted claim with control number, got %+v", claim)
	}

	remit := fmt.Sprintf(`{"batch_id":"ERA-SMOKE","payer_id":"60054","claims":[{
		"control_number": %q, "claim_status_code": "1",
		"service_lines": [
			{"procedure_code":"99213","charge_amount":"120","paid_amount":"80","adjustments":[
				{"group_code":"CO","reason_code":"45","amount":"30"},
				{"group_code":"PR","reason_code":"3","amount":"10"}]},
			{"procedure_code":"90658","charge_amount":"35","paid_amount":"25","adjustments":[
				{"group_code":"CO","reason_code":"45","amount":"10"}]}]}]}`, *claim.ControlNumber)
	var result struct {
		Outcomes []struct {
			Status string `json:"status"`
		} `json:"outcomes"`
	}
	if code := call(t, srv, http.MethodPost, "/api/v1/remittances", remit, &result); code != http.StatusOK {
		t.Fatalf("apply remittance: status %d", code)
	}
	if len(result.Outcomes) != 1 || result.Outcomes[0].Status != "applied" {
		t.Fatalf("unexpected outcomes %+v", result.Outcomes)
	}

	call(t, srv, http.MethodGet, path, "", &claim)
	if claim.Status != "paid" || claim.TotalPaid != "105" {
		t.Fatalf("expected paid claim with 105 paid, got %+v", claim)
	}

	var audit struct {
		Consistent bool `json:"consistent"`
	}
	if code := call(t, srv, http.MethodGet, path+"/audit", "", &audit); code != http.StatusOK || !audit.Consistent {
		t.Fatalf("audit: status %d consistent %v", code, audit.Consistent)
	}
}

func TestServer_SelfPayClaimIsSubmitted(t *testing.T) {
	srv := newTestServer(t)
	dos := time.Now().AddDate(0, 0, -1).Format("2006-01-02")

	var claim struct {
		ID     int64           `json:"id"`
		Status string          `json:"status"`
		Payer  json.RawMessage `json:"payer"`
	}
	create := fmt.Sprintf(`{
		"patient_id": "0b7a6f7e-5d0a-4c35-9f5e-2c7de2b1f0a4",
		"diagnosis_codes": ["Z23"],
		"place_of_service": "11",
		"date_of_service": %q,
		"lines": [
			{"procedure_code": "99213", "units": 1, "charge_amount": "120.00"},
			{"procedure_code": "90658", "units": 1, "charge_amount": "35.00"}
		]
	}`, dos)
	if code := call(t, srv, http.MethodPost, "/api/v1/claims", create, &claim); code != http.StatusCreated {
		t.Fatalf("create claim: status %d", code)
	}
	if len(claim.Payer) != 0 {
		t.Fatalf("expected no payer, got %s", claim.Payer)
	}
	path := fmt.Sprintf("/api/v1/claims/%d", claim.ID)

	var scrub struct {
		Passed bool `json:"passed"`
		Errors []struct {
			RuleID string `json:"rule_id"`
		} `json:"errors"`
	}
	if code := call(t, srv, http.MethodPost, path+"/scrub", "", &scrub); code != http.StatusOK {
		t.Fatalf("scrub: status %d", code)
	}
	if !scrub.Passed {
		t.Fatalf("expected scrub to pass, got errors %+v", scrub.Errors)
	}

	var submission struct {
		Accepted bool   `json:"accepted"`
		Source   string `json:"source"`
	}
	if code := call(t, srv, http.MethodPost, path+"/submit", "", &submission); code != http.StatusOK {
		t.Fatalf("submit: status %d", code)
	}
	if !submission.Accepted || submission.Source != "simulated" {
		t.Fatalf("expected simulated acceptance, got %+v", submission)
	}

	call(t, srv, http.MethodGet, path, "", &claim)
	if claim.Status != "submitted" {
		t.Fatalf("expected submitted, got %s", claim.Status)
	}
}

func TestServer_HealthAndHeaders(t *testing.T) {
	srv := newTestServer(t)

	resp, err := srv.Client().Get(srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected healthy, got %d", resp.StatusCode)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Error("expected request id header")
	}
	if resp.Header.Get("X-Content-Type-Options") != "nosniff" {
		t.Error("expected security headers")
	}
}

func TestServer_CodeLookup(t *testing.T) {
	srv := newTestServer(t)

	if code := call(t, srv, http.MethodGet, "/api/v1/codes/procedures/99213", "", nil); code != http.StatusOK {
		t.Errorf("expected known procedure, got %d", code)
	}
	if code := call(t, srv, http.MethodGet, "/api/v1/codes/procedures/00000", "", nil); code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown procedure, got %d", code)
	}
}

func TestNewApp_RejectsBadRulesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	if err := os.WriteFile(path, []byte("name: broken\nrules: []\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg := memoryConfig()
	cfg.ScrubRulesFile = path
	if _, err := newApp(context.Background(), cfg, zerolog.Nop()); err == nil {
		t.Fatal("expected invalid catalog to fail startup")
	}
}

func TestRulesCheck(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	catalog := `name: clinic
version: "1"
rules:
  - id: STRUCT-LINES
    category: structural
    check: lines_present
    severity: error
  - id: STRUCT-DUP
    category: structural
    check: duplicate_lines
    severity: warning
    disabled: true
`
	if err := os.WriteFile(path, []byte(catalog), 0o600); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	cmd := rootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"rules", "check", "--file", path})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("rules check: %v", err)
	}
	if !strings.Contains(out.String(), "catalog clinic@1: 2 rules, 1 enabled") {
		t.Errorf("unexpected output:\n%s", out.String())
	}
}

func TestRulesCheck_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	if err := os.WriteFile(path, []byte("name: x\nrules:\n  - id: A\n    category: structural\n    check: nope\n    severity: error\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	cmd := rootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"rules", "check", "--file", path})
	if err := cmd.Execute(); err == nil || !strings.Contains(err.Error(), "unknown check") {
		t.Fatalf("expected unknown check error, got %v", err)
	}
}

func TestPrintMigrationStatus(t *testing.T) {
	at := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	var out bytes.Buffer
	printMigrationStatus(&out, []db.MigrationStatus{
		{Version: 1, Name: "001_claims.sql", Applied: true, AppliedAt: &at},
		{Version: 2, Name: "002_remittance.sql"},
	})
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected header and two rows, got %q", out.String())
	}
	if !strings.Contains(lines[1], "applied") || !strings.Contains(lines[1], "2024-03-01T09:00:00Z") {
		t.Errorf("unexpected applied row %q", lines[1])
	}
	if !strings.Contains(lines[2], "pending") {
		t.Errorf("unexpected pending row %q", lines[2])
	}
}

func TestMigrationsFS_Embedded(t *testing.T) {
	m := db.NewMigrator(nil, migrationsFS(""))
	migs, err := m.LoadMigrations()
	if err != nil {
		t.Fatal(err)
	}
	if len(migs) < 3 || migs[0].Version != 1 {
		t.Fatalf("unexpected embedded migrations %+v", migs)
	}
}

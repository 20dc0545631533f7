//go:build integration

// End-to-end tests against a running kestrel server.
//
// Start the server (kestrel serve) and run:
//
//	KESTREL_TEST_URL=http://localhost:8080 go test -tags=integration ./cmd/kestrel/...
//
// The server's simulated bureau derives scores from the client ID, so these
// tests assert lifecycle behaviour rather than exact scores.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"testing"
	"time"
)

type e2eConfig struct {
	BaseURL string
}

func getE2EConfig(t *testing.T) e2eConfig {
	t.Helper()
	baseURL := os.Getenv("KESTREL_TEST_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	resp, err := http.Get(baseURL + "/ready")
	if err != nil {
		t.Skipf("kestrel not reachable at %s: %v", baseURL, err)
	}
	resp.Body.Close()
	return e2eConfig{BaseURL: baseURL}
}

type e2eAssessment struct {
	ID                string `json:"id"`
	LoanApplicationID string `json:"loanApplicationId"`
	Status            string `json:"status"`
	RiskGrade         string `json:"riskGrade"`
	Decision          string `json:"decision"`
	CreditScore       string `json:"creditScore"`
	ConfigVersion     string `json:"configVersion"`
	KeyFactors        []struct {
		RuleKey string `json:"ruleKey"`
	} `json:"keyFactors"`
	AuditTrail []struct {
		Action string `json:"action"`
	} `json:"auditTrail"`
}

func call(t *testing.T, cfg e2eConfig, method, path string, body any, wantStatus int, out any) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("Failed to marshal request: %v", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, cfg.BaseURL+path, reader)
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read response: %v", err)
	}
	if resp.StatusCode != wantStatus {
		t.Fatalf("%s %s: expected status %d, got %d: %s", method, path, wantStatus, resp.StatusCode, respBody)
	}
	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			t.Fatalf("Failed to unmarshal response: %v (body: %s)", err, respBody)
		}
	}
}

func assessLoan(t *testing.T, cfg e2eConfig, loanID string) e2eAssessment {
	t.Helper()
	var a e2eAssessment
	call(t, cfg, http.MethodPost, "/assessments", map[string]any{
		"loanApplicationId": loanID,
		"clientId":          "client-" + loanID,
		"requestedAmount":   "18000",
		"termMonths":        36,
		"productType":       "PAYROLL",
	}, http.StatusCreated, &a)
	return a
}

func uniqueLoan(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
}

func TestE2E_AssessmentIsCompletedAndExplained(t *testing.T) {
	cfg := getE2EConfig(t)

	a := assessLoan(t, cfg, uniqueLoan("e2e-basic"))

	if a.Status != "Completed" {
		t.Errorf("Expected Completed, got %s", a.Status)
	}
	if a.RiskGrade == "" || a.Decision == "" {
		t.Errorf("Expected grade and decision, got %q/%q", a.RiskGrade, a.Decision)
	}
	if a.ConfigVersion == "" {
		t.Error("Expected config version to be recorded")
	}
	if len(a.KeyFactors) == 0 || len(a.KeyFactors) > 3 {
		t.Errorf("Expected 1-3 key factors, got %d", len(a.KeyFactors))
	}
	if len(a.AuditTrail) != 3 {
		t.Errorf("Expected 3 audit entries, got %d", len(a.AuditTrail))
	}
}

func TestE2E_ReassessmentSupersedesPrevious(t *testing.T) {
	cfg := getE2EConfig(t)
	loanID := uniqueLoan("e2e-supersede")

	first := assessLoan(t, cfg, loanID)
	second := assessLoan(t, cfg, loanID)

	var prior e2eAssessment
	call(t, cfg, http.MethodGet, "/assessments/"+first.ID, nil, http.StatusOK, &prior)
	if prior.Status != "Invalidated" {
		t.Errorf("Expected first assessment Invalidated, got %s", prior.Status)
	}

	var history struct {
		Assessments []e2eAssessment `json:"assessments"`
		Count       int             `json:"count"`
	}
	call(t, cfg, http.MethodGet, "/loan-applications/"+loanID+"/assessments", nil, http.StatusOK, &history)
	if history.Count != 2 {
		t.Fatalf("Expected 2 assessments, got %d", history.Count)
	}
	if history.Assessments[1].ID != second.ID || history.Assessments[1].Status != "Completed" {
		t.Errorf("Expected newest assessment to be active, got %+v", history.Assessments[1])
	}
}

func TestE2E_OverrideRequiresDualControl(t *testing.T) {
	cfg := getE2EConfig(t)
	a := assessLoan(t, cfg, uniqueLoan("e2e-override"))
	path := "/assessments/" + a.ID + "/override"

	var overridden e2eAssessment
	call(t, cfg, http.MethodPost, path, map[string]string{
		"officer": "officer-a",
		"reason":  "verified collateral",
		"outcome": "Approved",
	}, http.StatusOK, &overridden)
	if overridden.Status != "ManualOverride" {
		t.Errorf("Expected ManualOverride, got %s", overridden.Status)
	}
	if overridden.RiskGrade != a.RiskGrade || overridden.CreditScore != a.CreditScore {
		t.Error("Override must not change the computed grade or score")
	}

	call(t, cfg, http.MethodPost, path, map[string]string{
		"officer": "officer-a",
		"reason":  "changed my mind",
		"outcome": "Rejected",
	}, http.StatusConflict, nil)
}

func TestE2E_ReplayMatches(t *testing.T) {
	cfg := getE2EConfig(t)
	a := assessLoan(t, cfg, uniqueLoan("e2e-replay"))

	var replay struct {
		Matches     bool     `json:"matches"`
		Differences []string `json:"differences"`
	}
	call(t, cfg, http.MethodGet, "/assessments/"+a.ID+"/replay", nil, http.StatusOK, &replay)
	if !replay.Matches {
		t.Errorf("Expected replay to match, differences: %v", replay.Differences)
	}
}

func TestE2E_NotFound(t *testing.T) {
	cfg := getE2EConfig(t)
	call(t, cfg, http.MethodGet, "/assessments/does-not-exist", nil, http.StatusNotFound, nil)
}

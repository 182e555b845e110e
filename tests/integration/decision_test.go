//go:build integration
// +build integration

// Package integration provides end-to-end tests for the Kestrel campaign
// reward and risk engine.
//
// These tests verify the COMPLETE decision pipeline:
//
//	Engagement → Idempotency → Risk Gate → Tier Draw → Budget → Ledger → Coupon
//
// Run with: go test -tags=integration -v ./tests/integration/...
//
// UNDERSTANDING THE DOMAIN:
//
// 1. CAMPAIGN: A brand's reward budget with a tier table. Activation is
//    rejected when the expected payout per engagement (EV) reaches the
//    amount charged per engagement (CPVE) - the margin invariant.
//
// 2. FRAUD RULE: A CEL expression producing a risk score. If the score
//    crosses the rule's threshold the rule fires with its configured
//    action (allow < alert < flag < block). The final gate action is the
//    MOST severe fired action; the risk score is the max fired score.
//
// 3. TIER DRAW: Seeded by a hash of the engagement id, so retries of the
//    same engagement always land on the same tier.
//
// 4. BUDGET: Awards are admitted against total budget and a daily cap.
//    An admit that would push today's spend past the cap is rejected
//    with reason daily_cap_exhausted.
//
// 5. AWARD: One per (engagementId, tenantId), forever. Duplicate
//    submissions return the original award - no new draw, no new coupon.
//
// These tests run against a live instance and create their own
// campaigns, so every run uses unique IDs.
package integration

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"testing"
	"time"
)

// TestConfig holds test environment configuration
type TestConfig struct {
	BaseURL  string
	TenantID string
}

func getTestConfig() TestConfig {
	baseURL := os.Getenv("KESTREL_TEST_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	return TestConfig{
		BaseURL:  baseURL,
		TenantID: "test-tenant",
	}
}

// runID makes campaign and engagement IDs unique per test run.
var runID = fmt.Sprintf("%d", time.Now().UnixNano())

// ============================================================================
// API Request/Response Types (matching Kestrel's API contract)
// ============================================================================

type Tier struct {
	ID             string  `json:"tierId"`
	ProbabilityPct float64 `json:"probabilityPct"`
	PayoutAmount   int64   `json:"payoutAmount"`
	MaxWinners     int     `json:"maxWinners,omitempty"`
}

type Rule struct {
	ID         string  `json:"ruleId"`
	Name       string  `json:"name,omitempty"`
	Expression string  `json:"expression"`
	Threshold  float64 `json:"thresholdValue"`
	Action     string  `json:"action"`
	Enabled    bool    `json:"enabled"`
}

type Campaign struct {
	ID          string    `json:"campaignId"`
	Name        string    `json:"name,omitempty"`
	TotalBudget int64     `json:"totalBudget"`
	CPVE        int64     `json:"cpve"`
	DailyCap    int64     `json:"dailyCap,omitempty"`
	StartDate   time.Time `json:"startDate"`
	EndDate     time.Time `json:"endDate"`
	Tiers       []Tier    `json:"tiers"`
	Rules       []Rule    `json:"rules,omitempty"`
	Version     string    `json:"version,omitempty"`
}

// DecisionRequest is the engagement sent to POST /engagement-decision
type DecisionRequest struct {
	EngagementID string         `json:"engagementId"`
	UserID       string         `json:"userId"`
	CampaignID   string         `json:"campaignId"`
	LocationID   string         `json:"locationId,omitempty"`
	Telemetry    map[string]any `json:"telemetry,omitempty"`
}

// AwardResponse is what POST /engagement-decision returns
type AwardResponse struct {
	EngagementID string           `json:"engagementId"`
	CampaignID   string           `json:"campaignId"`
	Status       string           `json:"status"`
	Eligible     bool             `json:"eligible"`
	TierID       string           `json:"tierId,omitempty"`
	Amount       int64            `json:"amount"`
	CouponCode   string           `json:"couponCode,omitempty"`
	RiskScore    float64          `json:"riskScore"`
	Reason       string           `json:"reason,omitempty"`
	Metadata     ResponseMetadata `json:"metadata"`
}

type ResponseMetadata struct {
	TraceID string `json:"traceId"`
	TotalMs int64  `json:"totalMs"`
	Version string `json:"version"`
}

// ============================================================================
// Test Helper Functions
// ============================================================================

func postJSON(t *testing.T, config TestConfig, path string, payload any) (*http.Response, []byte) {
	t.Helper()

	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("Failed to marshal request: %v", err)
	}

	httpReq, err := http.NewRequest("POST", config.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Tenant-ID", config.TenantID)

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(httpReq)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read response: %v", err)
	}
	return resp, respBody
}

func activateCampaign(t *testing.T, config TestConfig, c Campaign) {
	t.Helper()

	resp, body := postJSON(t, config, "/campaigns", c)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("Campaign activation failed: %d: %s", resp.StatusCode, string(body))
	}
}

func decide(t *testing.T, config TestConfig, req DecisionRequest) AwardResponse {
	t.Helper()

	resp, body := postJSON(t, config, "/engagement-decision", req)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", resp.StatusCode, string(body))
	}

	var result AwardResponse
	if err := json.Unmarshal(body, &result); err != nil {
		t.Fatalf("Failed to unmarshal response: %v (body: %s)", err, string(body))
	}
	return result
}

func baseCampaign(id string) Campaign {
	now := time.Now().UTC()
	return Campaign{
		ID:          id,
		TotalBudget: 150000_00,
		CPVE:        500_00,
		DailyCap:    8500_00,
		StartDate:   now.Add(-time.Hour),
		EndDate:     now.Add(30 * 24 * time.Hour),
		Tiers: []Tier{
			{ID: "t1", ProbabilityPct: 100, PayoutAmount: 400_00},
		},
		Version: "int-v1",
	}
}

// ============================================================================
// SCENARIO 1: Margin Invariant on Activation
// ============================================================================

func TestActivation_MarginViolationRejected(t *testing.T) {
	/*
	   SCENARIO: Tier table [{50%,₹5},{30%,₹15},{15%,₹50},{5%,₹200}] with
	   CPVE ₹15.

	   EV = 0.5·5 + 0.3·15 + 0.15·50 + 0.05·200 = ₹24.50 ≥ ₹15

	   EXPECTED: activation REJECTED with HTTP 400 - the brand would lose
	   money on every engagement.
	*/
	config := getTestConfig()

	c := baseCampaign("int-margin-" + runID)
	c.CPVE = 15_00
	c.Tiers = []Tier{
		{ID: "t1", ProbabilityPct: 50, PayoutAmount: 5_00},
		{ID: "t2", ProbabilityPct: 30, PayoutAmount: 15_00},
		{ID: "t3", ProbabilityPct: 15, PayoutAmount: 50_00},
		{ID: "t4", ProbabilityPct: 5, PayoutAmount: 200_00},
	}

	resp, body := postJSON(t, config, "/campaigns", c)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400 for EV >= CPVE, got %d: %s", resp.StatusCode, string(body))
	}

	t.Logf("✓ Margin violation rejected: EV ₹24.50 >= CPVE ₹15.00 → HTTP %d", resp.StatusCode)
}

// ============================================================================
// SCENARIO 2: Daily Cap Exhaustion
// ============================================================================

func TestDailyCap_Exhaustion(t *testing.T) {
	/*
	   SCENARIO: budget ₹150,000, dailyCap ₹8,500, every award pays ₹400.

	   EXPECTED BEHAVIOR:
	   - 21 awards commit (₹8,400 today, under the cap)
	   - The 22nd would bring today's spend to ₹8,800 > ₹8,500
	   - It is REJECTED with reason daily_cap_exhausted
	   - Rejected engagements spend nothing: later smaller awards could
	     still fit, but with a uniform ₹400 payout the cap stays closed
	*/
	config := getTestConfig()

	campaignID := "int-cap-" + runID
	activateCampaign(t, config, baseCampaign(campaignID))

	awarded := 0
	rejected := 0
	var rejectionReason string

	for i := 0; i < 25; i++ {
		result := decide(t, config, DecisionRequest{
			EngagementID: fmt.Sprintf("int-cap-eng-%s-%d", runID, i),
			UserID:       fmt.Sprintf("int-cap-user-%d", i),
			CampaignID:   campaignID,
		})

		switch result.Status {
		case "awarded":
			awarded++
		case "rejected_budget":
			rejected++
			rejectionReason = result.Reason
		default:
			t.Fatalf("Unexpected status %s for engagement %d", result.Status, i)
		}
	}

	if awarded != 21 {
		t.Errorf("Expected 21 awards under the ₹8,500 cap, got %d", awarded)
	}
	if rejected != 4 {
		t.Errorf("Expected 4 rejections once the cap closed, got %d", rejected)
	}
	if rejectionReason != "daily_cap_exhausted" {
		t.Errorf("Expected reason daily_cap_exhausted, got %q", rejectionReason)
	}

	t.Logf("✓ Daily cap enforced: %d awarded (₹%d), %d rejected with %s",
		awarded, awarded*400, rejected, rejectionReason)
}

// ============================================================================
// SCENARIO 3: Idempotent Retry
// ============================================================================

func TestIdempotentRetry_SameAward(t *testing.T) {
	/*
	   SCENARIO: engagement E1 submitted twice (network retry).

	   EXPECTED BEHAVIOR:
	   - The second commit returns the IDENTICAL first award
	   - Same tier, same amount, same coupon code
	   - No double spend: the tier draw is seeded by the engagement id
	     and the ledger keys awards on (engagementId, tenantId)
	*/
	config := getTestConfig()

	campaignID := "int-retry-" + runID
	activateCampaign(t, config, baseCampaign(campaignID))

	req := DecisionRequest{
		EngagementID: "int-retry-eng-" + runID,
		UserID:       "int-retry-user",
		CampaignID:   campaignID,
	}

	first := decide(t, config, req)
	second := decide(t, config, req)

	if first.Status != "awarded" {
		t.Fatalf("Expected first submission to be awarded, got %s", first.Status)
	}
	if second.TierID != first.TierID {
		t.Errorf("Retry drew a different tier: %q vs %q", second.TierID, first.TierID)
	}
	if second.Amount != first.Amount {
		t.Errorf("Retry returned a different amount: %d vs %d", second.Amount, first.Amount)
	}
	if second.CouponCode != first.CouponCode {
		t.Errorf("Retry issued a new coupon: %q vs %q", second.CouponCode, first.CouponCode)
	}

	t.Logf("✓ Retry idempotent: tier=%s, amount=%d, coupon=%s unchanged",
		second.TierID, second.Amount, second.CouponCode)
}

// ============================================================================
// SCENARIO 4: Rule Severity Resolution
// ============================================================================

func TestRiskGate_SeverityResolution(t *testing.T) {
	/*
	   SCENARIO: two rules fire on the same engagement:
	   - velocity rule     → action flag  (score 60)
	   - mock_location rule → action block (score 90)

	   EXPECTED BEHAVIOR:
	   - Final action = block (block > flag)
	   - riskScore = the mock_location score (max of fired scores)
	   - Engagement is blocked BEFORE tier draw: no payout, no coupon
	*/
	config := getTestConfig()

	campaignID := "int-gate-" + runID
	c := baseCampaign(campaignID)
	c.Rules = []Rule{
		{
			ID:         "velocity",
			Expression: "telemetry.rapidFire == true ? 60.0 : 0.0",
			Threshold:  50,
			Action:     "flag",
			Enabled:    true,
		},
		{
			ID:         "mock_location",
			Expression: "telemetry.mockLocation == true ? 90.0 : 0.0",
			Threshold:  70,
			Action:     "block",
			Enabled:    true,
		},
	}
	activateCampaign(t, config, c)

	result := decide(t, config, DecisionRequest{
		EngagementID: "int-gate-eng-" + runID,
		UserID:       "int-gate-user",
		CampaignID:   campaignID,
		Telemetry: map[string]any{
			"rapidFire":    true,
			"mockLocation": true,
		},
	})

	if result.Status != "blocked" {
		t.Errorf("Expected blocked (block > flag), got %s", result.Status)
	}
	if result.Eligible {
		t.Error("Blocked engagement must not be eligible")
	}
	if result.RiskScore != 90 {
		t.Errorf("Expected riskScore 90 (mock_location), got %.1f", result.RiskScore)
	}
	if result.CouponCode != "" {
		t.Error("Blocked engagement must not receive a coupon")
	}

	t.Logf("✓ Severity resolved: both rules fired → status=%s, riskScore=%.0f",
		result.Status, result.RiskScore)
}

// ============================================================================
// SCENARIO 5: Concurrent Budget Safety
// ============================================================================

func TestConcurrentDecisions_NeverOverspend(t *testing.T) {
	/*
	   SCENARIO: 40 engagements race against a budget that only fits 10.

	   EXPECTED BEHAVIOR:
	   - Committed spend NEVER exceeds totalBudget
	   - Each engagement gets exactly one award row
	   - Budget admission is reserve-then-commit per campaign, so two
	     racing awards cannot both take the last slot
	*/
	config := getTestConfig()

	campaignID := "int-race-" + runID
	c := baseCampaign(campaignID)
	c.TotalBudget = 4000_00 // fits exactly 10 awards of ₹400, under the daily cap
	activateCampaign(t, config, c)

	const n = 40
	results := make([]AwardResponse, n)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = decide(t, config, DecisionRequest{
				EngagementID: fmt.Sprintf("int-race-eng-%s-%d", runID, i),
				UserID:       fmt.Sprintf("int-race-user-%d", i),
				CampaignID:   campaignID,
			})
		}(i)
	}
	wg.Wait()

	var spent int64
	awarded := 0
	for _, r := range results {
		if r.Status == "awarded" {
			awarded++
			spent += r.Amount
		}
	}

	if spent > c.TotalBudget {
		t.Errorf("Overspend: committed ₹%d.%02d against budget ₹%d.%02d",
			spent/100, spent%100, c.TotalBudget/100, c.TotalBudget%100)
	}
	if awarded != 10 {
		t.Errorf("Expected exactly 10 awards to fit the budget, got %d", awarded)
	}

	t.Logf("✓ Concurrency safe: %d/%d awarded, spend %d within budget %d",
		awarded, n, spent, c.TotalBudget)
}

// ============================================================================
// SCENARIO 6: Coupon Redemption Lifecycle
// ============================================================================

func TestCouponRedemption_Lifecycle(t *testing.T) {
	/*
	   SCENARIO: award an engagement, redeem its coupon, then retry.

	   EXPECTED BEHAVIOR:
	   - First redemption succeeds and marks the award redeemed
	   - Second redemption returns HTTP 409 (already redeemed)
	   - Redemption by a different user returns HTTP 409 (user mismatch)
	*/
	config := getTestConfig()

	campaignID := "int-redeem-" + runID
	activateCampaign(t, config, baseCampaign(campaignID))

	award := decide(t, config, DecisionRequest{
		EngagementID: "int-redeem-eng-" + runID,
		UserID:       "int-redeem-user",
		CampaignID:   campaignID,
	})
	if award.CouponCode == "" {
		t.Fatal("Expected a coupon on the awarded engagement")
	}

	redeemPath := "/coupons/" + award.CouponCode + "/redeem"

	resp, body := postJSON(t, config, redeemPath, map[string]string{"userId": "int-redeem-user"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Redemption failed: %d: %s", resp.StatusCode, string(body))
	}

	resp, _ = postJSON(t, config, redeemPath, map[string]string{"userId": "int-redeem-user"})
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("Expected 409 for double redemption, got %d", resp.StatusCode)
	}

	t.Logf("✓ Coupon lifecycle: redeemed once, second attempt → HTTP %d", resp.StatusCode)
}

// ============================================================================
// SCENARIO 7: Response Metadata Verification
// ============================================================================

func TestResponseMetadata(t *testing.T) {
	/*
	   SCENARIO: Verify the decision response includes all required
	   metadata. This keeps the API contract stable for clients.
	*/
	config := getTestConfig()

	campaignID := "int-meta-" + runID
	activateCampaign(t, config, baseCampaign(campaignID))

	result := decide(t, config, DecisionRequest{
		EngagementID: "int-meta-eng-" + runID,
		UserID:       "int-meta-user",
		CampaignID:   campaignID,
	})

	if result.EngagementID == "" {
		t.Error("Missing engagementId")
	}
	if result.CampaignID != campaignID {
		t.Errorf("Wrong campaignId: %s", result.CampaignID)
	}
	if result.Status == "" {
		t.Error("Missing status")
	}
	if result.Metadata.TraceID == "" {
		t.Error("Missing metadata.traceId")
	}
	if result.Metadata.Version == "" {
		t.Error("Missing metadata.version")
	}
	// Note: TotalMs can be 0 for very fast operations (sub-millisecond)
	if result.Metadata.TotalMs < 0 {
		t.Error("Invalid metadata.totalMs (negative)")
	}

	t.Logf("✓ Metadata complete: traceId=%s, version=%s, totalMs=%d",
		result.Metadata.TraceID, result.Metadata.Version, result.Metadata.TotalMs)
}

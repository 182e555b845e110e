// Benchmark tool for load-testing Kestrel's decision endpoint.
//
// Usage:
//   go run cmd/benchmark/main.go -url http://localhost:8080 -requests 10000
//
// This tool:
//   1. Optionally activates a synthetic campaign
//   2. Fires concurrent engagement decisions at Kestrel
//   3. Tallies outcomes (awarded / no-tier / blocked / budget-rejected)
//   4. Reports payout totals, latency, and throughput
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// DecisionRequest is the Kestrel API request format
type DecisionRequest struct {
	EngagementID string         `json:"engagementId"`
	UserID       string         `json:"userId"`
	CampaignID   string         `json:"campaignId"`
	LocationID   string         `json:"locationId,omitempty"`
	Telemetry    map[string]any `json:"telemetry,omitempty"`
}

// AwardResponse is the Kestrel API response format
type AwardResponse struct {
	EngagementID string `json:"engagementId"`
	Status       string `json:"status"`
	Eligible     bool   `json:"eligible"`
	TierID       string `json:"tierId,omitempty"`
	Amount       int64  `json:"amount"`
	CouponCode   string `json:"couponCode,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

// Metrics tracks benchmark results
type Metrics struct {
	Awarded        int64
	NoTier         int64 // awarded status but no tier drawn
	Blocked        int64
	BudgetRejected int64
	Coupons        int64

	TotalProcessed int64
	TotalErrors    int64
	TotalPayout    int64 // minor units

	ProcessingTimeMs int64
}

func main() {
	// Parse flags
	baseURL := flag.String("url", "http://localhost:8080", "Kestrel base URL")
	tenantID := flag.String("tenant", "benchmark-test", "Tenant ID for requests")
	campaignID := flag.String("campaign", "bench-campaign", "Campaign ID to target")
	requests := flag.Int("requests", 10000, "Number of engagement decisions to fire")
	workers := flag.Int("workers", 10, "Number of concurrent workers")
	users := flag.Int("users", 1000, "Size of the synthetic user pool")
	riskyRate := flag.Float64("risky", 0.05, "Fraction of requests carrying blocked-device telemetry")
	activate := flag.Bool("activate", true, "Activate a synthetic campaign before the run")
	verbose := flag.Bool("verbose", false, "Print each decision result")
	flag.Parse()

	fmt.Println("╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║          KESTREL BENCHMARK - Engagement Decisions             ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")
	fmt.Printf("\nKestrel URL: %s\n", *baseURL)
	fmt.Printf("Tenant ID:   %s\n", *tenantID)
	fmt.Printf("Campaign:    %s\n", *campaignID)
	fmt.Printf("Requests:    %d\n", *requests)
	fmt.Printf("Workers:     %d\n", *workers)
	fmt.Printf("User Pool:   %d\n", *users)
	fmt.Printf("Risky Rate:  %.2f\n", *riskyRate)
	fmt.Println()

	// Check Kestrel is running
	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: Kestrel not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure Kestrel is running:")
		fmt.Println("  cd kestrel && go run cmd/kestrel/main.go")
		os.Exit(1)
	}
	fmt.Println("✓ Kestrel is healthy")

	if *activate {
		if err := activateCampaign(*baseURL, *tenantID, *campaignID); err != nil {
			fmt.Printf("ERROR: Failed to activate campaign: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("✓ Campaign %s activated\n", *campaignID)
	}

	// Run benchmark
	fmt.Printf("\nRunning benchmark with %d workers...\n", *workers)
	startTime := time.Now()
	metrics := runBenchmark(*baseURL, *tenantID, *campaignID, *requests, *workers, *users, *riskyRate, *verbose)
	duration := time.Since(startTime)

	// Print results
	printResults(metrics, duration)
}

func checkHealth(baseURL string) error {
	resp, err := http.Get(baseURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

// activateCampaign posts a synthetic campaign sized so the run can
// exhaust its daily cap under sustained load.
func activateCampaign(baseURL, tenantID, campaignID string) error {
	now := time.Now().UTC()
	campaign := map[string]any{
		"campaignId":  campaignID,
		"name":        "Benchmark Campaign",
		"totalBudget": 500000_00,
		"cpve":        30_00,
		"dailyCap":    100000_00,
		"startDate":   now.Add(-time.Hour),
		"endDate":     now.Add(30 * 24 * time.Hour),
		"tiers": []map[string]any{
			{"tierId": "gold", "probabilityPct": 2, "payoutAmount": 100_00},
			{"tierId": "silver", "probabilityPct": 10, "payoutAmount": 25_00},
			{"tierId": "bronze", "probabilityPct": 40, "payoutAmount": 5_00},
		},
		"rules": []map[string]any{
			{
				"ruleId":         "device-trust",
				"name":           "Blocked Device",
				"expression":     `telemetry.deviceTrust == "blocked" ? 90.0 : 0.0`,
				"thresholdValue": 80,
				"action":         "block",
				"enabled":        true,
			},
		},
		"version": "bench-v1",
	}

	body, err := json.Marshal(campaign)
	if err != nil {
		return err
	}

	req, err := http.NewRequest(http.MethodPost, baseURL+"/campaigns", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tenant-ID", tenantID)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}

func runBenchmark(baseURL, tenantID, campaignID string, requests, numWorkers, users int, riskyRate float64, verbose bool) *Metrics {
	metrics := &Metrics{}

	// Create work channel
	work := make(chan int, 100)
	var wg sync.WaitGroup

	// Start workers
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			client := &http.Client{Timeout: 10 * time.Second}
			rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))

			for seq := range work {
				req := DecisionRequest{
					EngagementID: fmt.Sprintf("bench-eng-%d-%d", time.Now().UnixNano(), seq),
					UserID:       fmt.Sprintf("bench-user-%d", rng.Intn(users)),
					CampaignID:   campaignID,
					LocationID:   fmt.Sprintf("store-%03d", rng.Intn(50)),
					Telemetry:    map[string]any{"deviceTrust": "ok"},
				}
				if rng.Float64() < riskyRate {
					req.Telemetry["deviceTrust"] = "blocked"
				}

				start := time.Now()
				result, err := decideEngagement(client, baseURL, tenantID, req)
				elapsed := time.Since(start).Milliseconds()

				atomic.AddInt64(&metrics.ProcessingTimeMs, elapsed)
				atomic.AddInt64(&metrics.TotalProcessed, 1)

				if err != nil {
					atomic.AddInt64(&metrics.TotalErrors, 1)
					if verbose {
						fmt.Printf("ERROR: %s -> %v\n", req.EngagementID, err)
					}
					continue
				}

				switch result.Status {
				case "awarded":
					if result.TierID == "" {
						atomic.AddInt64(&metrics.NoTier, 1)
					} else {
						atomic.AddInt64(&metrics.Awarded, 1)
						atomic.AddInt64(&metrics.TotalPayout, result.Amount)
					}
					if result.CouponCode != "" {
						atomic.AddInt64(&metrics.Coupons, 1)
					}
				case "blocked":
					atomic.AddInt64(&metrics.Blocked, 1)
				case "rejected_budget":
					atomic.AddInt64(&metrics.BudgetRejected, 1)
				}

				if verbose {
					fmt.Printf("%-12s | User: %-16s | Tier: %-8s | Amount: %8d | Reason: %s\n",
						result.Status,
						req.UserID,
						result.TierID,
						result.Amount,
						result.Reason,
					)
				}
			}
		}(i)
	}

	// Send work
	for i := 0; i < requests; i++ {
		work <- i
	}
	close(work)

	// Wait for completion
	wg.Wait()

	return metrics
}

func decideEngagement(client *http.Client, baseURL, tenantID string, req DecisionRequest) (*AwardResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequest(http.MethodPost, baseURL+"/engagement-decision", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Tenant-ID", tenantID)

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var result AwardResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}

	return &result, nil
}

func printResults(m *Metrics, duration time.Duration) {
	fmt.Println("\n╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║                      BENCHMARK RESULTS                        ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")

	fmt.Printf("\n📊 RUN STATISTICS\n")
	fmt.Printf("   Total Processed:  %d\n", m.TotalProcessed)
	fmt.Printf("   Errors:           %d\n", m.TotalErrors)

	fmt.Printf("\n🎯 OUTCOME BREAKDOWN\n")
	decided := m.Awarded + m.NoTier + m.Blocked + m.BudgetRejected
	pct := func(n int64) float64 {
		if decided == 0 {
			return 0
		}
		return 100 * float64(n) / float64(decided)
	}
	fmt.Printf("   Awarded (tier):   %8d (%.2f%%)\n", m.Awarded, pct(m.Awarded))
	fmt.Printf("   Awarded (none):   %8d (%.2f%%)\n", m.NoTier, pct(m.NoTier))
	fmt.Printf("   Blocked:          %8d (%.2f%%)\n", m.Blocked, pct(m.Blocked))
	fmt.Printf("   Budget Rejected:  %8d (%.2f%%)\n", m.BudgetRejected, pct(m.BudgetRejected))
	fmt.Printf("   Coupons Issued:   %8d\n", m.Coupons)

	fmt.Printf("\n💰 SPEND\n")
	fmt.Printf("   Total Payout:     %d.%02d\n", m.TotalPayout/100, m.TotalPayout%100)
	if m.Awarded > 0 {
		avg := m.TotalPayout / m.Awarded
		fmt.Printf("   Avg Payout:       %d.%02d\n", avg/100, avg%100)
	}

	fmt.Printf("\n⏱️  PERFORMANCE\n")
	fmt.Printf("   Total Duration:   %v\n", duration.Round(time.Millisecond))
	if m.TotalProcessed > 0 {
		avgMs := float64(m.ProcessingTimeMs) / float64(m.TotalProcessed)
		rps := float64(m.TotalProcessed) / duration.Seconds()
		fmt.Printf("   Avg Latency:      %.2f ms\n", avgMs)
		fmt.Printf("   Throughput:       %.2f decisions/sec\n", rps)
	}

	fmt.Println()
}

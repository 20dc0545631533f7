// Load generator for the Kestrel assessment API.
//
// Usage:
//
//	go run ./cmd/loadgen -url http://localhost:8080 -n 5000 -workers 20
//	go run ./cmd/loadgen -csv applications.csv
//
// This tool:
//  1. Reads loan applications from a CSV file, or synthesizes them
//  2. Posts each one to POST /assessments
//  3. Tallies grades and decisions, and agreement with an optional
//     expected_decision column
//  4. Reports latency percentiles and throughput
package main

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"os"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Application is one loan application to assess. Expected is empty when the
// input carries no label.
type Application struct {
	Request  domain.AssessmentRequest
	Expected domain.Decision
}

// Result is the part of the assessment response the tool reads.
type Result struct {
	ID        string           `json:"id"`
	RiskGrade domain.RiskGrade `json:"riskGrade"`
	Decision  domain.Decision  `json:"decision"`
}

// Stats tracks run results.
type Stats struct {
	TotalProcessed int64
	TotalErrors    int64
	Labelled       int64
	Agreed         int64

	mu        sync.Mutex
	grades    map[domain.RiskGrade]int
	decisions map[domain.Decision]int
	latencies []time.Duration
}

func newStats() *Stats {
	return &Stats{
		grades:    make(map[domain.RiskGrade]int),
		decisions: make(map[domain.Decision]int),
	}
}

func (s *Stats) record(app Application, res *Result, elapsed time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.grades[res.RiskGrade]++
	s.decisions[res.Decision]++
	s.latencies = append(s.latencies, elapsed)
	if app.Expected != "" {
		s.Labelled++
		if app.Expected == res.Decision {
			s.Agreed++
		}
	}
}

func main() {
	csvPath := flag.String("csv", "", "Path to a CSV of applications (synthesized when empty)")
	baseURL := flag.String("url", "http://localhost:8080", "Kestrel base URL")
	count := flag.Int("n", 1000, "Applications to synthesize when no CSV is given")
	workers := flag.Int("workers", 10, "Number of concurrent workers")
	reassess := flag.Float64("reassess", 0.1, "Share of synthesized applications that reuse an earlier loan ID")
	seed := flag.Uint64("seed", 1, "Random seed for synthesized applications")
	verbose := flag.Bool("verbose", false, "Print each assessment result")
	flag.Parse()

	fmt.Println("KESTREL LOAD GENERATOR")
	fmt.Printf("\nKestrel URL: %s\n", *baseURL)
	fmt.Printf("Workers:     %d\n", *workers)
	fmt.Println()

	if err := checkReady(*baseURL); err != nil {
		fmt.Printf("ERROR: Kestrel not ready at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure Kestrel is running:")
		fmt.Println("  go run ./cmd/kestrel serve")
		os.Exit(1)
	}
	fmt.Println("Kestrel is ready")

	var apps []Application
	if *csvPath != "" {
		var err error
		apps, err = readApplications(*csvPath)
		if err != nil {
			fmt.Printf("ERROR: Failed to read CSV: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Loaded %d applications from %s\n", len(apps), *csvPath)
	} else {
		apps = synthesize(*count, *reassess, rand.New(rand.NewPCG(*seed, *seed)))
		fmt.Printf("Synthesized %d applications\n", len(apps))
	}

	fmt.Printf("\nRunning with %d workers...\n", *workers)
	start := time.Now()
	stats := run(apps, *baseURL, *workers, *verbose)
	printResults(stats, time.Since(start))
}

func checkReady(baseURL string) error {
	resp, err := http.Get(baseURL + "/ready")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("not ready: status %d", resp.StatusCode)
	}
	return nil
}

// readApplications reads a CSV with the header columns loan_application_id,
// client_id, requested_amount, term_months, product_type and optionally
// expected_decision. Any other column is sent as additional data.
func readApplications(path string) ([]Application, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader := csv.NewReader(file)
	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	colIndex := make(map[string]int)
	for i, col := range header {
		colIndex[strings.ToLower(strings.TrimSpace(col))] = i
	}
	for _, required := range []string{"loan_application_id", "client_id", "requested_amount", "term_months"} {
		if _, ok := colIndex[required]; !ok {
			return nil, fmt.Errorf("missing column %q", required)
		}
	}

	known := map[string]bool{
		"loan_application_id": true, "client_id": true, "requested_amount": true,
		"term_months": true, "product_type": true, "expected_decision": true,
	}

	var apps []Application
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			continue // Skip malformed rows
		}

		amount, err := decimal.NewFromString(record[colIndex["requested_amount"]])
		if err != nil {
			continue
		}
		term, _ := strconv.Atoi(record[colIndex["term_months"]])

		app := Application{Request: domain.AssessmentRequest{
			LoanApplicationID: record[colIndex["loan_application_id"]],
			ClientID:          record[colIndex["client_id"]],
			RequestedAmount:   amount,
			TermMonths:        term,
			ProductType:       domain.ProductPayroll,
		}}
		if i, ok := colIndex["product_type"]; ok && record[i] != "" {
			app.Request.ProductType = domain.ProductType(strings.ToUpper(record[i]))
		}
		if i, ok := colIndex["expected_decision"]; ok {
			app.Expected = domain.Decision(record[i])
		}
		for col, i := range colIndex {
			if known[col] || record[i] == "" {
				continue
			}
			if v, err := decimal.NewFromString(record[i]); err == nil {
				if app.Request.AdditionalData == nil {
					app.Request.AdditionalData = make(map[string]decimal.Decimal)
				}
				app.Request.AdditionalData[col] = v
			}
		}
		apps = append(apps, app)
	}
	return apps, nil
}

// synthesize builds n applications. A share of them reuse an earlier loan ID
// so the supersede path is exercised too.
func synthesize(n int, reassess float64, rng *rand.Rand) []Application {
	apps := make([]Application, 0, n)
	products := []domain.ProductType{domain.ProductPayroll, domain.ProductBusiness}
	for i := 0; i < n; i++ {
		loanID := fmt.Sprintf("load-%06d", i)
		clientID := fmt.Sprintf("client-%05d", rng.IntN(n/2+1))
		if i > 0 && rng.Float64() < reassess {
			prev := apps[rng.IntN(len(apps))].Request
			loanID, clientID = prev.LoanApplicationID, prev.ClientID
		}
		apps = append(apps, Application{Request: domain.AssessmentRequest{
			LoanApplicationID: loanID,
			ClientID:          clientID,
			RequestedAmount:   decimal.NewFromInt(int64(1000 + rng.IntN(49)*1000)),
			TermMonths:        6 * (1 + rng.IntN(10)),
			ProductType:       products[rng.IntN(len(products))],
		}})
	}
	return apps
}

func run(apps []Application, baseURL string, numWorkers int, verbose bool) *Stats {
	stats := newStats()

	work := make(chan Application, 100)
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := &http.Client{Timeout: 10 * time.Second}

			for app := range work {
				start := time.Now()
				res, err := assess(client, baseURL, app.Request)
				elapsed := time.Since(start)
				atomic.AddInt64(&stats.TotalProcessed, 1)

				if err != nil {
					atomic.AddInt64(&stats.TotalErrors, 1)
					if verbose {
						fmt.Printf("ERROR: %s -> %v\n", app.Request.LoanApplicationID, err)
					}
					continue
				}
				stats.record(app, res, elapsed)

				if verbose {
					fmt.Printf("%-12s | Amount: %10s | Term: %3d | Grade: %s | Decision: %-19s | %v\n",
						app.Request.LoanApplicationID,
						app.Request.RequestedAmount.StringFixed(2),
						app.Request.TermMonths,
						res.RiskGrade,
						res.Decision,
						elapsed.Round(time.Millisecond),
					)
				}
			}
		}()
	}

	for _, app := range apps {
		work <- app
	}
	close(work)
	wg.Wait()

	return stats
}

func assess(client *http.Client, baseURL string, req domain.AssessmentRequest) (*Result, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequest(http.MethodPost, baseURL+"/assessments", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	return &result, nil
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	i := int(float64(len(sorted)-1) * p)
	return sorted[i]
}

func printResults(s *Stats, duration time.Duration) {
	fmt.Println("\nRESULTS")

	fmt.Printf("\nVOLUME\n")
	fmt.Printf("   Total Processed:  %d\n", s.TotalProcessed)
	fmt.Printf("   Errors:           %d\n", s.TotalErrors)

	fmt.Printf("\nGRADES\n")
	for _, g := range []domain.RiskGrade{domain.GradeA, domain.GradeB, domain.GradeC, domain.GradeD, domain.GradeE, domain.GradeF} {
		fmt.Printf("   %s: %d\n", g, s.grades[g])
	}

	fmt.Printf("\nDECISIONS\n")
	for _, d := range []domain.Decision{domain.DecisionApproved, domain.DecisionConditionalApproval, domain.DecisionManualReview, domain.DecisionRejected} {
		fmt.Printf("   %-20s %d\n", d+":", s.decisions[d])
	}

	if s.Labelled > 0 {
		fmt.Printf("\nAGREEMENT\n")
		fmt.Printf("   Matched expected decision: %d / %d (%.2f%%)\n",
			s.Agreed, s.Labelled, 100*float64(s.Agreed)/float64(s.Labelled))
	}

	fmt.Printf("\nPERFORMANCE\n")
	fmt.Printf("   Total Duration:   %v\n", duration.Round(time.Millisecond))
	if len(s.latencies) > 0 {
		slices.Sort(s.latencies)
		fmt.Printf("   p50 Latency:      %v\n", percentile(s.latencies, 0.50))
		fmt.Printf("   p95 Latency:      %v\n", percentile(s.latencies, 0.95))
		fmt.Printf("   p99 Latency:      %v\n", percentile(s.latencies, 0.99))
	}
	if s.TotalProcessed > 0 {
		fmt.Printf("   Throughput:       %.2f req/sec\n", float64(s.TotalProcessed)/duration.Seconds())
	}
	fmt.Println()
}

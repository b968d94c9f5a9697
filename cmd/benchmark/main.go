// Benchmark tool for replaying labeled advance applications through Kestrel.
//
// Usage:
//
//	go run cmd/benchmark/main.go -csv /path/to/applications.csv -url http://localhost:8080
//
// This tool:
//  1. Reads a CSV of advance applications with risk labels
//  2. Creates the applicant and request, then asks Kestrel for a decision
//  3. Compares Kestrel's outcome (rejected/manual_review vs approved) with the labels
//  4. Calculates precision, recall, F1-score, and confusion matrix
//
// Expected CSV columns (header required, case-insensitive):
//
//	tax_id, gross_salary, net_salary, available_margin, employer_type,
//	country, amount, docs_approved, docs_total, is_bad
package main

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Application represents a row from the labeled dataset
type Application struct {
	TaxID           string
	GrossSalary     float64
	NetSalary       float64
	AvailableMargin float64
	EmployerType    string
	Country         string
	Amount          float64
	DocsApproved    int
	DocsTotal       int
	IsBad           bool
}

type document struct {
	ID     string `json:"id"`
	Type   string `json:"type"`
	Status string `json:"status"`
}

type applicantRequest struct {
	TaxID           string     `json:"taxId"`
	GrossSalary     string     `json:"grossSalary"`
	NetSalary       string     `json:"netSalary"`
	AvailableMargin string     `json:"availableMargin"`
	EmployerType    string     `json:"employerType"`
	Country         string     `json:"country"`
	Documents       []document `json:"documents,omitempty"`
}

type advanceRequest struct {
	ApplicantID     string `json:"applicantId"`
	AgreementID     string `json:"agreementId"`
	AmountRequested string `json:"amountRequested"`
}

type idResponse struct {
	ID string `json:"id"`
}

// DecisionResult is the subset of the decide response the benchmark reads
type DecisionResult struct {
	Decision        string `json:"decision"`
	AutoApproved    bool   `json:"autoApproved"`
	CreditScore     int    `json:"score"`
	FraudScore      int    `json:"fraudScore"`
	ConfidenceLevel int    `json:"confidenceLevel"`
}

// Metrics tracks benchmark results
type Metrics struct {
	TruePositives  int64 // Bad applicant stopped (rejected or manual_review)
	FalsePositives int64 // Good applicant stopped
	TrueNegatives  int64 // Good applicant approved
	FalseNegatives int64 // Bad applicant approved (missed!)

	TotalProcessed int64
	TotalBad       int64
	TotalGood      int64
	TotalErrors    int64

	ProcessingTimeMs int64
}

func main() {
	csvPath := flag.String("csv", "", "Path to labeled applications CSV file")
	baseURL := flag.String("url", "http://localhost:8080", "Kestrel base URL")
	tenantID := flag.String("tenant", "benchmark-test", "Tenant ID for requests")
	limit := flag.Int("limit", 10000, "Maximum applications to process (0 = all)")
	workers := flag.Int("workers", 10, "Number of concurrent workers")
	badOnly := flag.Bool("bad-only", false, "Only replay labeled-bad applications")
	sampleRate := flag.Float64("sample", 1.0, "Sample rate for good applications (0.0-1.0)")
	verbose := flag.Bool("verbose", false, "Print each application result")
	flag.Parse()

	if *csvPath == "" {
		fmt.Println("Usage: benchmark -csv /path/to/applications.csv [-url http://localhost:8080]")
		fmt.Println("\nFlags:")
		flag.PrintDefaults()
		os.Exit(1)
	}

	fmt.Println("╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║         KESTREL BENCHMARK - Advance Decision Replay           ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")
	fmt.Printf("\nCSV File:    %s\n", *csvPath)
	fmt.Printf("Kestrel URL: %s\n", *baseURL)
	fmt.Printf("Tenant ID:   %s\n", *tenantID)
	fmt.Printf("Workers:     %d\n", *workers)
	fmt.Printf("Limit:       %d\n", *limit)
	fmt.Printf("Bad Only:    %v\n", *badOnly)
	fmt.Printf("Sample Rate: %.2f\n", *sampleRate)
	fmt.Println()

	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: Kestrel not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure Kestrel is running:")
		fmt.Println("  cd kestrel && go run cmd/kestrel/main.go")
		os.Exit(1)
	}
	fmt.Println("✓ Kestrel is healthy")

	fmt.Printf("\nReading applications from %s...\n", *csvPath)
	applications, err := readApplicationsCSV(*csvPath, *limit, *badOnly, *sampleRate)
	if err != nil {
		fmt.Printf("ERROR: Failed to read CSV: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("✓ Loaded %d applications\n", len(applications))

	badCount := 0
	for _, app := range applications {
		if app.IsBad {
			badCount++
		}
	}
	fmt.Printf("  - Bad:  %d (%.2f%%)\n", badCount, 100*float64(badCount)/float64(len(applications)))
	fmt.Printf("  - Good: %d (%.2f%%)\n", len(applications)-badCount, 100*float64(len(applications)-badCount)/float64(len(applications)))

	agreementID, err := createAgreement(*baseURL, *tenantID)
	if err != nil {
		fmt.Printf("ERROR: Failed to create benchmark agreement: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("✓ Benchmark agreement %s\n", agreementID)

	fmt.Printf("\nRunning benchmark with %d workers...\n", *workers)
	startTime := time.Now()
	metrics := runBenchmark(applications, *baseURL, *tenantID, agreementID, *workers, *verbose)
	duration := time.Since(startTime)

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

func readApplicationsCSV(path string, limit int, badOnly bool, sampleRate float64) ([]Application, error) {
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

	var applications []Application
	sampleCounter := 0

	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			continue // Skip malformed rows
		}

		isBad := record[colIndex["is_bad"]] == "1"

		if badOnly && !isBad {
			continue
		}

		// Sample good applications
		if !isBad && sampleRate < 1.0 {
			sampleCounter++
			if float64(sampleCounter%100)/100.0 >= sampleRate {
				continue
			}
		}

		gross, _ := strconv.ParseFloat(record[colIndex["gross_salary"]], 64)
		net, _ := strconv.ParseFloat(record[colIndex["net_salary"]], 64)
		margin, _ := strconv.ParseFloat(record[colIndex["available_margin"]], 64)
		amount, _ := strconv.ParseFloat(record[colIndex["amount"]], 64)
		docsApproved, _ := strconv.Atoi(record[colIndex["docs_approved"]])
		docsTotal, _ := strconv.Atoi(record[colIndex["docs_total"]])

		app := Application{
			TaxID:           record[colIndex["tax_id"]],
			GrossSalary:     gross,
			NetSalary:       net,
			AvailableMargin: margin,
			EmployerType:    record[colIndex["employer_type"]],
			Country:         record[colIndex["country"]],
			Amount:          amount,
			DocsApproved:    docsApproved,
			DocsTotal:       docsTotal,
			IsBad:           isBad,
		}

		applications = append(applications, app)

		if limit > 0 && len(applications) >= limit {
			break
		}
	}

	return applications, nil
}

func runBenchmark(applications []Application, baseURL, tenantID, agreementID string, numWorkers int, verbose bool) *Metrics {
	metrics := &Metrics{}

	work := make(chan Application, 100)
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := &http.Client{Timeout: 10 * time.Second}

			for app := range work {
				start := time.Now()
				result, err := decideApplication(client, baseURL, tenantID, agreementID, app)
				elapsed := time.Since(start).Milliseconds()

				atomic.AddInt64(&metrics.ProcessingTimeMs, elapsed)
				atomic.AddInt64(&metrics.TotalProcessed, 1)

				if err != nil {
					atomic.AddInt64(&metrics.TotalErrors, 1)
					if verbose {
						fmt.Printf("ERROR: %s -> %v\n", app.TaxID, err)
					}
					continue
				}

				if app.IsBad {
					atomic.AddInt64(&metrics.TotalBad, 1)
				} else {
					atomic.AddInt64(&metrics.TotalGood, 1)
				}

				// Rejection and manual review both count as stopping the
				// advance; only a straight approval lets the money out.
				stopped := result.Decision != "approved"
				actual := app.IsBad

				if stopped && actual {
					atomic.AddInt64(&metrics.TruePositives, 1)
				} else if stopped && !actual {
					atomic.AddInt64(&metrics.FalsePositives, 1)
				} else if !stopped && !actual {
					atomic.AddInt64(&metrics.TrueNegatives, 1)
				} else { // !stopped && actual
					atomic.AddInt64(&metrics.FalseNegatives, 1)
				}

				if verbose {
					status := "✓"
					if (stopped && !actual) || (!stopped && actual) {
						status = "✗"
					}
					taxID := app.TaxID
					if len(taxID) > 14 {
						taxID = taxID[:14]
					}
					fmt.Printf("%s %-14s | Amount: $%10.2f | Bad: %-5v | Kestrel: %-13s | Credit: %3d | Fraud: %3d\n",
						status,
						taxID,
						app.Amount,
						app.IsBad,
						result.Decision,
						result.CreditScore,
						result.FraudScore,
					)
				}
			}
		}()
	}

	for _, app := range applications {
		work <- app
	}
	close(work)

	wg.Wait()

	return metrics
}

func createAgreement(baseURL, tenantID string) (string, error) {
	payload := map[string]any{
		"employerId": "benchmark-employer",
		"name":       "Benchmark Employer",
		"cutoffDay":  20,
		"active":     true,
	}
	var created idResponse
	if err := post(baseURL+"/agreements", tenantID, payload, &created); err != nil {
		return "", err
	}
	return created.ID, nil
}

func decideApplication(client *http.Client, baseURL, tenantID, agreementID string, app Application) (*DecisionResult, error) {
	docs := make([]document, 0, app.DocsTotal)
	for i := 0; i < app.DocsTotal; i++ {
		status := "pending"
		if i < app.DocsApproved {
			status = "approved"
		}
		docs = append(docs, document{
			ID:     fmt.Sprintf("%s-doc-%d", app.TaxID, i+1),
			Type:   "identity",
			Status: status,
		})
	}

	var applicant idResponse
	err := postWith(client, baseURL+"/applicants", tenantID, applicantRequest{
		TaxID:           app.TaxID,
		GrossSalary:     fmt.Sprintf("%.2f", app.GrossSalary),
		NetSalary:       fmt.Sprintf("%.2f", app.NetSalary),
		AvailableMargin: fmt.Sprintf("%.2f", app.AvailableMargin),
		EmployerType:    app.EmployerType,
		Country:         app.Country,
		Documents:       docs,
	}, &applicant)
	if err != nil {
		return nil, fmt.Errorf("create applicant: %w", err)
	}

	var request idResponse
	err = postWith(client, baseURL+"/requests", tenantID, advanceRequest{
		ApplicantID:     applicant.ID,
		AgreementID:     agreementID,
		AmountRequested: fmt.Sprintf("%.2f", app.Amount),
	}, &request)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	var result DecisionResult
	err = postWith(client, baseURL+"/requests/"+request.ID+"/decide", tenantID, map[string]any{}, &result)
	if err != nil {
		return nil, fmt.Errorf("decide: %w", err)
	}

	return &result, nil
}

func post(url, tenantID string, payload, out any) error {
	client := &http.Client{Timeout: 10 * time.Second}
	return postWith(client, url, tenantID, payload, out)
}

func postWith(client *http.Client, url, tenantID string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	httpReq, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Tenant-ID", tenantID)

	resp, err := client.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("status %d", resp.StatusCode)
	}

	return json.NewDecoder(resp.Body).Decode(out)
}

func printResults(m *Metrics, duration time.Duration) {
	fmt.Println("\n╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║                      BENCHMARK RESULTS                        ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")

	fmt.Printf("\n📊 DATASET STATISTICS\n")
	fmt.Printf("   Total Processed:  %d\n", m.TotalProcessed)
	fmt.Printf("   Total Bad:        %d\n", m.TotalBad)
	fmt.Printf("   Total Good:       %d\n", m.TotalGood)
	fmt.Printf("   Errors:           %d\n", m.TotalErrors)

	fmt.Printf("\n📈 CONFUSION MATRIX\n")
	fmt.Println("                        Predicted")
	fmt.Println("                  STOPPED    APPROVED")
	fmt.Println("              ┌──────────┬──────────┐")
	fmt.Printf("   Actual  B  │ %8d │ %8d │  (TP, FN)\n", m.TruePositives, m.FalseNegatives)
	fmt.Println("              ├──────────┼──────────┤")
	fmt.Printf("           G  │ %8d │ %8d │  (FP, TN)\n", m.FalsePositives, m.TrueNegatives)
	fmt.Println("              └──────────┴──────────┘")

	precision := float64(0)
	if m.TruePositives+m.FalsePositives > 0 {
		precision = float64(m.TruePositives) / float64(m.TruePositives+m.FalsePositives)
	}

	recall := float64(0)
	if m.TruePositives+m.FalseNegatives > 0 {
		recall = float64(m.TruePositives) / float64(m.TruePositives+m.FalseNegatives)
	}

	f1 := float64(0)
	if precision+recall > 0 {
		f1 = 2 * (precision * recall) / (precision + recall)
	}

	accuracy := float64(0)
	total := m.TruePositives + m.TrueNegatives + m.FalsePositives + m.FalseNegatives
	if total > 0 {
		accuracy = float64(m.TruePositives+m.TrueNegatives) / float64(total)
	}

	fmt.Printf("\n🎯 DETECTION METRICS\n")
	fmt.Printf("   Precision:  %.4f  (of stopped advances, how many were actually bad)\n", precision)
	fmt.Printf("   Recall:     %.4f  (of bad applicants, how many did we stop)\n", recall)
	fmt.Printf("   F1-Score:   %.4f  (harmonic mean of precision & recall)\n", f1)
	fmt.Printf("   Accuracy:   %.4f  (overall correct decisions)\n", accuracy)

	fmt.Printf("\n🔍 DECISION ANALYSIS\n")
	if m.TotalBad > 0 {
		stopRate := float64(m.TruePositives) / float64(m.TotalBad) * 100
		missRate := float64(m.FalseNegatives) / float64(m.TotalBad) * 100
		fmt.Printf("   Bad Stopped:       %d / %d (%.2f%%)\n", m.TruePositives, m.TotalBad, stopRate)
		fmt.Printf("   Bad Approved:      %d / %d (%.2f%%) ⚠️\n", m.FalseNegatives, m.TotalBad, missRate)
	}
	if m.TotalGood > 0 {
		frictionRate := float64(m.FalsePositives) / float64(m.TotalGood) * 100
		fmt.Printf("   Good Stopped:      %d / %d (%.2f%%)\n", m.FalsePositives, m.TotalGood, frictionRate)
	}

	fmt.Printf("\n⏱️  PERFORMANCE\n")
	fmt.Printf("   Total Duration:   %v\n", duration.Round(time.Millisecond))
	if m.TotalProcessed > 0 {
		avgMs := float64(m.ProcessingTimeMs) / float64(m.TotalProcessed)
		tps := float64(m.TotalProcessed) / duration.Seconds()
		fmt.Printf("   Avg Latency:      %.2f ms\n", avgMs)
		fmt.Printf("   Throughput:       %.2f req/sec\n", tps)
	}

	fmt.Printf("\n💡 INTERPRETATION\n")
	if recall >= 0.9 {
		fmt.Println("   ✅ Excellent recall - stopping most bad applicants")
	} else if recall >= 0.7 {
		fmt.Println("   ⚠️  Good recall - but some bad applicants get through")
	} else if recall >= 0.5 {
		fmt.Println("   ⚠️  Moderate recall - significant losses slipping through")
	} else {
		fmt.Println("   ❌ Poor recall - most bad applicants are approved!")
	}

	if precision >= 0.5 {
		fmt.Println("   ✅ Good precision - stops are meaningful")
	} else if precision >= 0.2 {
		fmt.Println("   ⚠️  Low precision - too much friction on good applicants")
	} else {
		fmt.Println("   ❌ Very low precision - mostly friction")
	}

	fmt.Println()
}

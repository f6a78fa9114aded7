package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

var (
	targetURL    string
	concurrency  int
	duration     time.Duration
	workload     string
	accountsFile string
	pin          string
	amount       string
	claimCode    string
)

// Metrics, counted per committed lifecycle (start, confirm, commit).
var (
	totalFlows   uint64
	committed    uint64
	fail409      uint64 // busy draft or stale quote
	fail422      uint64 // insufficient funds and other rejections
	failOther    uint64
	latencyNanos uint64
)

type seededAccount struct {
	ID    string `json:"id"`
	Phone string `json:"phone"`
	Role  string `json:"role"`
}

func init() {
	flag.StringVar(&targetURL, "url", "http://localhost:8080", "API Base URL")
	flag.IntVar(&concurrency, "workers", 10, "Number of concurrent workers")
	flag.DurationVar(&duration, "duration", 30*time.Second, "Test duration")
	flag.StringVar(&workload, "workload", "uniform", "Workload type: uniform | hotspot | claim-race")
	flag.StringVar(&accountsFile, "accounts", "seed_accounts.json", "Accounts written by the seeder")
	flag.StringVar(&pin, "pin", "1234", "PIN of the seeded accounts")
	flag.StringVar(&amount, "amount", "100", "Amount of each transfer")
	flag.StringVar(&claimCode, "code", "", "Claim code raced by claim-race (from the pending_created event)")
}

func main() {
	flag.Parse()

	users, err := loadUsers(accountsFile)
	if err != nil {
		log.Fatalf("Failed to load accounts: %v", err)
	}
	if len(users) < 2 {
		log.Fatalf("Need at least 2 seeded users, got %d", len(users))
	}
	log.Printf("Starting Benchmark: %s | Workers: %d | Duration: %s | Users: %d", workload, concurrency, duration, len(users))

	if workload == "claim-race" {
		claimRace(users)
		return
	}

	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(concurrency)

	for i := 0; i < concurrency; i++ {
		go worker(&wg, start, users)
	}

	wg.Wait()
	printResults(time.Since(start))
}

func loadUsers(path string) ([]seededAccount, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var all []seededAccount
	if err := json.Unmarshal(raw, &all); err != nil {
		return nil, err
	}
	users := all[:0]
	for _, a := range all {
		if a.Role == "user" {
			users = append(users, a)
		}
	}
	return users, nil
}

func worker(wg *sync.WaitGroup, start time.Time, users []seededAccount) {
	defer wg.Done()
	client := &http.Client{Timeout: 5 * time.Second}

	for time.Since(start) < duration {
		from, to := pickPair(users)
		began := time.Now()
		status := runFlow(client, from, to)
		atomic.AddUint64(&latencyNanos, uint64(time.Since(began)))

		atomic.AddUint64(&totalFlows, 1)
		switch status {
		case http.StatusOK:
			atomic.AddUint64(&committed, 1)
		case http.StatusConflict:
			atomic.AddUint64(&fail409, 1)
		case http.StatusUnprocessableEntity:
			atomic.AddUint64(&fail422, 1)
		default:
			atomic.AddUint64(&failOther, 1)
		}
	}
}

// runFlow drives one transfer draft to commit and returns the status of the
// first failing step, or 200 when the transfer committed.
func runFlow(client *http.Client, from, to seededAccount) int {
	var draft struct {
		ID string `json:"id"`
	}
	status := post(client, "/api/v1/transfers", map[string]interface{}{
		"sender_id":         from.ID,
		"recipient_phone":   to.Phone,
		"recipient_country": "CM",
		"amount":            amount,
		"channel":           "standard",
	}, &draft)
	if status != http.StatusCreated {
		return status
	}

	status = post(client, "/api/v1/transfers/"+draft.ID+"/confirm", map[string]interface{}{
		"account_id": from.ID,
		"kind":       "secret",
		"secret":     pin,
	}, nil)
	if status != http.StatusOK {
		return status
	}

	return post(client, "/api/v1/transfers/"+draft.ID+"/commit", map[string]interface{}{
		"sender_id": from.ID,
	}, nil)
}

func post(client *http.Client, path string, payload interface{}, out interface{}) int {
	body, _ := json.Marshal(payload)
	req, _ := http.NewRequest(http.MethodPost, targetURL+path, bytes.NewBuffer(body))
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return 0
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return 0
		}
	}
	return resp.StatusCode
}

// claimRace fires one claim per worker at the same code, each from a
// different claimant, released together. Exactly one should win.
func claimRace(users []seededAccount) {
	if claimCode == "" {
		log.Fatal("claim-race needs -code")
	}
	n := concurrency
	if n > len(users) {
		n = len(users)
	}

	var won, claimed, expired, other uint64
	client := &http.Client{Timeout: 5 * time.Second}
	gate := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(claimant seededAccount) {
			defer wg.Done()
			<-gate
			switch post(client, "/api/v1/claims", map[string]interface{}{
				"claim_code":  claimCode,
				"claimant_id": claimant.ID,
			}, nil) {
			case http.StatusOK:
				atomic.AddUint64(&won, 1)
			case http.StatusConflict:
				atomic.AddUint64(&claimed, 1)
			case http.StatusGone:
				atomic.AddUint64(&expired, 1)
			default:
				atomic.AddUint64(&other, 1)
			}
		}(users[i])
	}

	start := time.Now()
	close(gate)
	wg.Wait()

	results := map[string]interface{}{
		"workload":        workload,
		"duration_sec":    time.Since(start).Seconds(),
		"claimants":       n,
		"won":             won,
		"already_claimed": claimed,
		"expired":         expired,
		"errors":          other,
	}
	if won > 1 {
		log.Printf("INVARIANT VIOLATED: %d claimants won the same code", won)
	}
	writeResults(results)
}

func pickPair(users []seededAccount) (seededAccount, seededAccount) {
	if workload == "hotspot" {
		// Hotspot: 90% of traffic moves money between the first two users
		if rand.Float32() < 0.90 {
			if rand.Float32() < 0.5 {
				return users[0], users[1]
			}
			return users[1], users[0]
		}
	}

	a := rand.Intn(len(users))
	b := rand.Intn(len(users))
	for a == b {
		b = rand.Intn(len(users))
	}
	return users[a], users[b]
}

func printResults(d time.Duration) {
	total := atomic.LoadUint64(&totalFlows)
	ok := atomic.LoadUint64(&committed)
	f409 := atomic.LoadUint64(&fail409)
	f422 := atomic.LoadUint64(&fail422)
	fErr := atomic.LoadUint64(&failOther)

	var avgMs, conflictRate float64
	if total > 0 {
		avgMs = float64(atomic.LoadUint64(&latencyNanos)) / float64(total) / 1e6
		conflictRate = float64(f409) / float64(total) * 100
	}

	results := map[string]interface{}{
		"workload":          workload,
		"duration_sec":      d.Seconds(),
		"total_flows":       total,
		"throughput_tps":    float64(ok) / d.Seconds(),
		"committed":         ok,
		"conflicts":         f409,
		"conflict_rate_pct": conflictRate,
		"rejected":          f422,
		"errors":            fErr,
		"avg_flow_ms":       avgMs,
	}

	writeResults(results)
}

func writeResults(results map[string]interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(results)

	filename := fmt.Sprintf("results_%s.json", workload)
	file, err := os.Create(filename)
	if err != nil {
		log.Printf("Failed to save results: %v", err)
		return
	}
	defer file.Close()
	json.NewEncoder(file).Encode(results)
}

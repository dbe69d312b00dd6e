package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

var (
	targetURL    string
	concurrency  int
	duration     time.Duration
	workload     string
	accountsFile string
	replayRate   float64
)

var (
	totalRequests uint64
	success201    uint64
	conflict409   uint64 // Version conflicts and illegal transitions
	rejected422   uint64 // Business rejections
	busy503       uint64 // Lock timeouts
	failOther     uint64
)

func init() {
	flag.StringVar(&targetURL, "url", "http://localhost:8080", "API Base URL")
	flag.IntVar(&concurrency, "workers", 10, "Number of concurrent workers")
	flag.DurationVar(&duration, "duration", 30*time.Second, "Test duration")
	flag.StringVar(&workload, "workload", "uniform", "Workload type: uniform | hotspot")
	flag.StringVar(&accountsFile, "accounts", "accounts.txt", "Account ids written by the seeder")
	flag.Float64Var(&replayRate, "replay", 0.05, "Fraction of requests that replay the previous idempotency key")
}

func main() {
	flag.Parse()
	accounts, err := loadAccounts(accountsFile)
	if err != nil {
		log.Fatalf("load accounts: %v", err)
	}
	if len(accounts) < 2 {
		log.Fatalf("need at least two accounts, got %d", len(accounts))
	}
	log.Printf("Starting Benchmark: %s | Workers: %d | Duration: %s | Accounts: %d", workload, concurrency, duration, len(accounts))

	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go worker(&wg, start, accounts)
	}
	wg.Wait()
	printResults(time.Since(start))
}

func loadAccounts(path string) ([]uuid.UUID, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var ids []uuid.UUID
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		id, err := uuid.Parse(line)
		if err != nil {
			return nil, fmt.Errorf("line %q: %w", line, err)
		}
		ids = append(ids, id)
	}
	return ids, scanner.Err()
}

func worker(wg *sync.WaitGroup, start time.Time, accounts []uuid.UUID) {
	defer wg.Done()
	client := &http.Client{Timeout: 5 * time.Second}
	var lastKey string
	var lastBody []byte

	for time.Since(start) < duration {
		key, body := lastKey, lastBody
		if key == "" || rand.Float64() >= replayRate {
			from, to := pick(accounts)
			key = uuid.NewString()
			body, _ = json.Marshal(map[string]interface{}{
				"type":                   "TRANSFER",
				"payment_method":         "BANK_TRANSFER",
				"amount":                 fmt.Sprintf("%d.%02d", 1+rand.Intn(5), rand.Intn(100)),
				"currency":               "USD",
				"source_account_id":      from,
				"destination_account_id": to,
			})
			lastKey, lastBody = key, body
		}

		req, _ := http.NewRequest(http.MethodPost, targetURL+"/api/v1/transactions", bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Idempotency-Key", key)
		req.Header.Set("X-Actor", "benchmark")

		resp, err := client.Do(req)
		if err != nil {
			atomic.AddUint64(&failOther, 1)
			continue
		}

		atomic.AddUint64(&totalRequests, 1)
		switch resp.StatusCode {
		case http.StatusCreated:
			atomic.AddUint64(&success201, 1)
		case http.StatusConflict:
			atomic.AddUint64(&conflict409, 1)
		case http.StatusUnprocessableEntity:
			atomic.AddUint64(&rejected422, 1)
		case http.StatusServiceUnavailable:
			atomic.AddUint64(&busy503, 1)
		default:
			atomic.AddUint64(&failOther, 1)
		}
		resp.Body.Close()
	}
}

func pick(accounts []uuid.UUID) (uuid.UUID, uuid.UUID) {
	if workload == "hotspot" && rand.Float32() < 0.90 {
		// 90% of traffic moves money between the first two accounts
		if rand.Float32() < 0.5 {
			return accounts[0], accounts[1]
		}
		return accounts[1], accounts[0]
	}

	a := rand.Intn(len(accounts))
	b := rand.Intn(len(accounts))
	for a == b {
		b = rand.Intn(len(accounts))
	}
	return accounts[a], accounts[b]
}

func printResults(d time.Duration) {
	total := atomic.LoadUint64(&totalRequests)
	s201 := atomic.LoadUint64(&success201)
	c409 := atomic.LoadUint64(&conflict409)
	r422 := atomic.LoadUint64(&rejected422)
	b503 := atomic.LoadUint64(&busy503)
	fErr := atomic.LoadUint64(&failOther)

	tps := float64(total) / d.Seconds()
	abortRate := 0.0
	if total > 0 {
		abortRate = float64(c409+b503) / float64(total) * 100
	}

	results := map[string]interface{}{
		"workload":          workload,
		"duration_sec":      d.Seconds(),
		"total_requests":    total,
		"throughput_tps":    tps,
		"success_created":   s201,
		"aborts_conflict":   c409,
		"aborts_lock_busy":  b503,
		"abort_rate_pct":    abortRate,
		"business_rejected": r422,
		"errors":            fErr,
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(results)

	filename := fmt.Sprintf("results_%s.json", workload)
	file, err := os.Create(filename)
	if err != nil {
		log.Printf("write %s: %v", filename, err)
		return
	}
	defer file.Close()
	json.NewEncoder(file).Encode(results)
}

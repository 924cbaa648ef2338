package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	methodBook     = "POST /tickets/book"
	methodScenario = "scenario"
	statusError    = "transport_error"
)

type config struct {
	baseURL     string
	total       int
	totalSet    bool
	duration    time.Duration
	concurrency int
	timeout     time.Duration
	tier        string
	quantity    int
	userTag     string
	idempotent  bool
	outputPath  string
}

type latencySummary struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
	Avg float64 `json:"avg"`
	P50 float64 `json:"p50"`
	P95 float64 `json:"p95"`
	P99 float64 `json:"p99"`
}

type methodReport struct {
	Calls     int64            `json:"calls"`
	Success   int64            `json:"success"`
	Rejected  int64            `json:"rejected"`
	Failed    int64            `json:"failed"`
	ErrorRate float64          `json:"error_rate"`
	Statuses  map[string]int64 `json:"statuses"`
	LatencyMs latencySummary   `json:"latency_ms"`
}

// inventoryCheck сверяет списанный остаток с суммой подтверждённых бронирований.
type inventoryCheck struct {
	Tier            string `json:"tier"`
	AvailableBefore int    `json:"available_before"`
	AvailableAfter  int    `json:"available_after"`
	TicketsBooked   int64  `json:"tickets_booked"`
	Oversold        bool   `json:"oversold"`
	Consistent      bool   `json:"consistent"`
}

type report struct {
	RunID             string                  `json:"run_id"`
	StartedAt         time.Time               `json:"started_at"`
	DurationSeconds   float64                 `json:"duration_seconds"`
	TotalScenarios    int64                   `json:"total_scenarios"`
	SuccessScenarios  int64                   `json:"success_scenarios"`
	RejectedScenarios int64                   `json:"rejected_scenarios"`
	FailedScenarios   int64                   `json:"failed_scenarios"`
	ErrorRate         float64                 `json:"error_rate"`
	RPS               float64                 `json:"rps"`
	ScenarioLatencyMs latencySummary          `json:"scenario_latency_ms"`
	Methods           map[string]methodReport `json:"methods"`
	Inventory         inventoryCheck          `json:"inventory"`
}

// outcome - классификация ответа: бизнес-отказы (нет билетов, отказ платежа, занятость)
// ожидаемы под нагрузкой и ошибкой прогона не считаются.
type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeRejected
	outcomeFailed
)

func classify(status int) outcome {
	switch {
	case status >= 200 && status < 300:
		return outcomeSuccess
	case status == http.StatusUnprocessableEntity,
		status == http.StatusServiceUnavailable,
		status == http.StatusConflict:
		return outcomeRejected
	default:
		return outcomeFailed
	}
}

type methodStats struct {
	calls     int64
	success   int64
	rejected  int64
	failed    int64
	statuses  map[string]int64
	latencies []float64
}

type collector struct {
	mu      sync.Mutex
	methods map[string]*methodStats
	booked  int64
}

func newCollector() *collector {
	return &collector{
		methods: make(map[string]*methodStats),
	}
}

// record учитывает вызов; status == 0 означает транспортную ошибку.
func (c *collector) record(method string, latency time.Duration, status int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats, ok := c.methods[method]
	if !ok {
		stats = &methodStats{statuses: make(map[string]int64)}
		c.methods[method] = stats
	}

	stats.calls++
	label := statusError
	if status > 0 {
		label = strconv.Itoa(status)
		switch classify(status) {
		case outcomeSuccess:
			stats.success++
		case outcomeRejected:
			stats.rejected++
		default:
			stats.failed++
		}
	} else {
		stats.failed++
	}
	stats.statuses[label]++
	stats.latencies = append(stats.latencies, float64(latency.Microseconds())/1000.0)
}

func (c *collector) addBooked(quantity int) {
	c.mu.Lock()
	c.booked += int64(quantity)
	c.mu.Unlock()
}

func (c *collector) buildReport(runID string, startedAt time.Time, duration time.Duration) report {
	c.mu.Lock()
	defer c.mu.Unlock()

	result := report{
		RunID:           runID,
		StartedAt:       startedAt.UTC(),
		DurationSeconds: duration.Seconds(),
		Methods:         make(map[string]methodReport, len(c.methods)),
	}

	for name, stats := range c.methods {
		statuses := make(map[string]int64, len(stats.statuses))
		for code, count := range stats.statuses {
			statuses[code] = count
		}
		result.Methods[name] = methodReport{
			Calls:     stats.calls,
			Success:   stats.success,
			Rejected:  stats.rejected,
			Failed:    stats.failed,
			ErrorRate: ratio(stats.failed, stats.calls),
			Statuses:  statuses,
			LatencyMs: buildLatencySummary(stats.latencies),
		}
	}

	if scenario, ok := result.Methods[methodScenario]; ok {
		result.TotalScenarios = scenario.Calls
		result.SuccessScenarios = scenario.Success
		result.RejectedScenarios = scenario.Rejected
		result.FailedScenarios = scenario.Failed
		result.ErrorRate = scenario.ErrorRate
		result.ScenarioLatencyMs = scenario.LatencyMs
	}
	if duration > 0 {
		result.RPS = float64(result.TotalScenarios) / duration.Seconds()
	}
	result.Inventory.TicketsBooked = c.booked

	return result
}

func parseConfig(args []string) (config, error) {
	var cfg config

	fs := flag.NewFlagSet("loadtest", flag.ContinueOnError)
	fs.StringVar(&cfg.baseURL, "url", "http://localhost:8080", "ticket-service base URL")
	fs.IntVar(&cfg.total, "total", 400, "total scenarios to execute in count mode; in duration mode only used when explicitly set")
	fs.DurationVar(&cfg.duration, "duration", 0, "optional time-based run duration (e.g. 1m)")
	fs.IntVar(&cfg.concurrency, "concurrency", 40, "number of concurrent workers")
	fs.DurationVar(&cfg.timeout, "timeout", 5*time.Second, "per-request timeout")
	fs.StringVar(&cfg.tier, "tier", "GA", "tier to book: VIP | FRONT_ROW | GA")
	fs.IntVar(&cfg.quantity, "quantity", 1, "tickets per booking")
	fs.StringVar(&cfg.userTag, "user-tag", "load", "user id prefix")
	fs.BoolVar(&cfg.idempotent, "idempotent", true, "send a unique Idempotency-Key with every booking")
	fs.StringVar(&cfg.outputPath, "output", "", "optional JSON report output file path")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	fs.Visit(func(f *flag.Flag) {
		if f.Name == "total" {
			cfg.totalSet = true
		}
	})

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	cfg.tier = strings.ToUpper(strings.TrimSpace(cfg.tier))

	switch {
	case cfg.baseURL == "":
		return cfg, errors.New("url is required")
	case cfg.duration < 0:
		return cfg, errors.New("duration must be >= 0")
	case cfg.duration == 0 && cfg.total <= 0:
		return cfg, errors.New("total must be > 0 when duration is not set")
	case cfg.duration > 0 && cfg.totalSet && cfg.total <= 0:
		return cfg, errors.New("total must be > 0 when explicitly set with duration")
	case cfg.concurrency <= 0:
		return cfg, errors.New("concurrency must be > 0")
	case cfg.timeout <= 0:
		return cfg, errors.New("timeout must be > 0")
	case cfg.quantity <= 0:
		return cfg, errors.New("quantity must be > 0")
	case cfg.tier == "":
		return cfg, errors.New("tier is required")
	case strings.TrimSpace(cfg.userTag) == "":
		return cfg, errors.New("user-tag is required")
	}

	return cfg, nil
}

func main() {
	cfg, err := parseConfig(os.Args[1:])
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(2)
	}

	client := &http.Client{Transport: &http.Transport{
		MaxIdleConns:        cfg.concurrency,
		MaxIdleConnsPerHost: cfg.concurrency,
	}}

	result, err := runLoad(context.Background(), client, cfg)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "load test failed: %v\n", err)
		os.Exit(1)
	}

	printReport(os.Stdout, result, cfg)
	if cfg.outputPath != "" {
		if err := writeJSONReport(cfg.outputPath, result); err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "failed to write report: %v\n", err)
			os.Exit(1)
		}
	}

	if result.FailedScenarios > 0 || !result.Inventory.Consistent {
		os.Exit(1)
	}
}

// runLoad выполняет прогон и сверяет остаток категории до и после.
func runLoad(ctx context.Context, client *http.Client, cfg config) (report, error) {
	before, err := fetchAvailable(ctx, client, cfg)
	if err != nil {
		return report{}, fmt.Errorf("read tier before run: %w", err)
	}

	startedAt := time.Now()
	runID := uuid.NewString()
	col := newCollector()

	jobs := make(chan int, cfg.concurrency*2)
	var wg sync.WaitGroup
	for range cfg.concurrency {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for index := range jobs {
				runScenario(ctx, client, cfg, index, runID, col)
			}
		}()
	}

	dispatchJobs(jobs, cfg)
	wg.Wait()

	result := col.buildReport(runID, startedAt, time.Since(startedAt))

	after, err := fetchAvailable(ctx, client, cfg)
	if err != nil {
		return result, fmt.Errorf("read tier after run: %w", err)
	}
	result.Inventory.Tier = cfg.tier
	result.Inventory.AvailableBefore = before
	result.Inventory.AvailableAfter = after
	result.Inventory.Oversold = after < 0
	// Сверка точна, только если в категорию не бронировал никто, кроме прогона.
	result.Inventory.Consistent = !result.Inventory.Oversold &&
		int64(before-after) == result.Inventory.TicketsBooked

	return result, nil
}

func dispatchJobs(jobs chan<- int, cfg config) {
	defer close(jobs)

	if cfg.duration <= 0 {
		for i := 0; i < cfg.total; i++ {
			jobs <- i
		}
		return
	}

	timer := time.NewTimer(cfg.duration)
	defer timer.Stop()

	for i := 0; ; i++ {
		if cfg.totalSet && i >= cfg.total {
			return
		}

		select {
		case <-timer.C:
			return
		case jobs <- i:
		}
	}
}

type bookResponse struct {
	Success bool `json:"success"`
	Data    struct {
		BookedQuantity int `json:"bookedQuantity"`
	} `json:"data"`
}

func runScenario(ctx context.Context, client *http.Client, cfg config, index int, runID string, col *collector) {
	start := time.Now()
	status, err := callBook(ctx, client, cfg, index, runID, col)
	if err != nil {
		status = 0
	}
	col.record(methodScenario, time.Since(start), status)
}

func callBook(ctx context.Context, client *http.Client, cfg config, index int, runID string, col *collector) (int, error) {
	payload, err := json.Marshal(map[string]any{
		"userId":   fmt.Sprintf("%s-%s-%d", cfg.userTag, runID, index),
		"tier":     cfg.tier,
		"quantity": cfg.quantity,
	})
	if err != nil {
		return 0, err
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.baseURL+"/tickets/book", bytes.NewReader(payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if cfg.idempotent {
		req.Header.Set("Idempotency-Key", fmt.Sprintf("lt-%s-%d", runID, index))
	}

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		col.record(methodBook, time.Since(start), 0)
		return 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	col.record(methodBook, time.Since(start), resp.StatusCode)
	if err != nil {
		return 0, err
	}

	if resp.StatusCode == http.StatusCreated {
		var decoded bookResponse
		if err := json.Unmarshal(body, &decoded); err != nil {
			return 0, fmt.Errorf("decode booking response: %w", err)
		}
		col.addBooked(decoded.Data.BookedQuantity)
	}
	return resp.StatusCode, nil
}

func fetchAvailable(ctx context.Context, client *http.Client, cfg config) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, cfg.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.baseURL+"/tickets/"+cfg.tier, nil)
	if err != nil {
		return 0, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("GET /tickets/%s: unexpected status %d", cfg.tier, resp.StatusCode)
	}

	var decoded struct {
		Data struct {
			AvailableQuantity int `json:"availableQuantity"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return 0, fmt.Errorf("decode tier: %w", err)
	}
	return decoded.Data.AvailableQuantity, nil
}

func writeJSONReport(path string, result report) error {
	cleanPath := filepath.Clean(path)
	if cleanPath == "." || cleanPath == string(filepath.Separator) {
		return errors.New("output path must point to a file")
	}
	if cleanPath == ".." || strings.HasPrefix(cleanPath, ".."+string(filepath.Separator)) {
		return fmt.Errorf("output path must be inside current directory: %s", path)
	}

	// #nosec G304 -- path is an explicit CLI output parameter for local load-test reports.
	file, err := os.Create(cleanPath)
	if err != nil {
		return err
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	return encoder.Encode(result)
}

func printReport(w io.Writer, result report, cfg config) {
	_, _ = fmt.Fprintln(w, "Load test summary")
	_, _ = fmt.Fprintf(w, "run=%s target=%s tier=%s total=%d success=%d rejected=%d failed=%d error_rate=%.4f\n",
		result.RunID,
		runTarget(cfg),
		cfg.tier,
		result.TotalScenarios,
		result.SuccessScenarios,
		result.RejectedScenarios,
		result.FailedScenarios,
		result.ErrorRate,
	)
	_, _ = fmt.Fprintf(w, "duration=%.2fs rps=%.2f\n", result.DurationSeconds, result.RPS)
	_, _ = fmt.Fprintf(w, "scenario latency ms: min=%.2f avg=%.2f p50=%.2f p95=%.2f p99=%.2f max=%.2f\n",
		result.ScenarioLatencyMs.Min,
		result.ScenarioLatencyMs.Avg,
		result.ScenarioLatencyMs.P50,
		result.ScenarioLatencyMs.P95,
		result.ScenarioLatencyMs.P99,
		result.ScenarioLatencyMs.Max,
	)

	if book, ok := result.Methods[methodBook]; ok {
		codes := make([]string, 0, len(book.Statuses))
		for code := range book.Statuses {
			codes = append(codes, code)
		}
		sort.Strings(codes)
		for _, code := range codes {
			_, _ = fmt.Fprintf(w, "%s %s: %d\n", methodBook, code, book.Statuses[code])
		}
	}

	inv := result.Inventory
	_, _ = fmt.Fprintf(w, "inventory %s: before=%d after=%d booked=%d oversold=%t consistent=%t\n",
		inv.Tier, inv.AvailableBefore, inv.AvailableAfter, inv.TicketsBooked, inv.Oversold, inv.Consistent)
}

func runTarget(cfg config) string {
	if cfg.duration <= 0 {
		return fmt.Sprintf("count:%d", cfg.total)
	}
	if cfg.totalSet {
		return fmt.Sprintf("duration:%s,max-total:%d", cfg.duration, cfg.total)
	}
	return fmt.Sprintf("duration:%s", cfg.duration)
}

func buildLatencySummary(values []float64) latencySummary {
	if len(values) == 0 {
		return latencySummary{}
	}

	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	var sum float64
	for _, value := range sorted {
		sum += value
	}

	return latencySummary{
		Min: sorted[0],
		Max: sorted[len(sorted)-1],
		Avg: sum / float64(len(sorted)),
		P50: percentile(sorted, 50),
		P95: percentile(sorted, 95),
		P99: percentile(sorted, 99),
	}
}

func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if len(sorted) == 1 {
		return sorted[0]
	}

	rank := (p / 100.0) * float64(len(sorted)-1)
	lower := int(math.Floor(rank))
	upper := int(math.Ceil(rank))
	if lower == upper {
		return sorted[lower]
	}

	weight := rank - float64(lower)
	return sorted[lower] + (sorted[upper]-sorted[lower])*weight
}

func ratio(failed, total int64) float64 {
	if total <= 0 {
		return 0
	}
	return float64(failed) / float64(total)
}

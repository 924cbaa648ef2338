package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/vladislavdragonenkov/ticketing/internal/domain"
	"github.com/vladislavdragonenkov/ticketing/internal/service/booking"
	"github.com/vladislavdragonenkov/ticketing/internal/service/payment"
	"github.com/vladislavdragonenkov/ticketing/internal/service/rest"
	"github.com/vladislavdragonenkov/ticketing/internal/storage/memory"
)

func TestParseConfig(t *testing.T) {
	cfg, err := parseConfig([]string{"-url=http://svc:8080/", "-tier=vip", "-quantity=2", "-concurrency=5"})
	if err != nil {
		t.Fatalf("parseConfig error: %v", err)
	}
	if cfg.baseURL != "http://svc:8080" || cfg.tier != "VIP" || cfg.quantity != 2 || cfg.concurrency != 5 {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.totalSet {
		t.Fatal("total was not passed explicitly")
	}

	cfg, err = parseConfig([]string{"-duration=1s", "-total=10"})
	if err != nil {
		t.Fatalf("parseConfig error: %v", err)
	}
	if !cfg.totalSet || cfg.duration != time.Second {
		t.Fatalf("unexpected duration config: %+v", cfg)
	}

	invalid := [][]string{
		{"-total=0"},
		{"-duration=-1s"},
		{"-duration=1s", "-total=0"},
		{"-concurrency=0"},
		{"-timeout=0s"},
		{"-quantity=0"},
		{"-tier= "},
		{"-user-tag= "},
		{"-url="},
	}
	for _, args := range invalid {
		if _, err := parseConfig(args); err == nil {
			t.Errorf("expected error for %v", args)
		}
	}
}

func TestDispatchJobs(t *testing.T) {
	t.Run("count mode", func(t *testing.T) {
		jobs := make(chan int, 16)
		dispatchJobs(jobs, config{total: 5})

		var got []int
		for v := range jobs {
			got = append(got, v)
		}
		if !slices.Equal(got, []int{0, 1, 2, 3, 4}) {
			t.Fatalf("unexpected jobs sequence: %v", got)
		}
	})

	t.Run("duration with explicit max total", func(t *testing.T) {
		jobs := make(chan int, 16)
		dispatchJobs(jobs, config{duration: time.Second, total: 3, totalSet: true})
		count := 0
		for range jobs {
			count++
		}
		if count != 3 {
			t.Fatalf("expected 3 jobs, got %d", count)
		}
	})
}

func TestCollectorClassifiesStatuses(t *testing.T) {
	c := newCollector()
	c.record(methodScenario, 10*time.Millisecond, http.StatusCreated)
	c.record(methodScenario, 20*time.Millisecond, http.StatusUnprocessableEntity)
	c.record(methodScenario, 30*time.Millisecond, http.StatusServiceUnavailable)
	c.record(methodScenario, 40*time.Millisecond, http.StatusInternalServerError)
	c.record(methodScenario, 50*time.Millisecond, 0)
	c.addBooked(3)

	r := c.buildReport("run-1", time.Now(), 2*time.Second)
	if r.TotalScenarios != 5 || r.SuccessScenarios != 1 || r.RejectedScenarios != 2 || r.FailedScenarios != 2 {
		t.Fatalf("unexpected report totals: %+v", r)
	}
	if r.Methods[methodScenario].Statuses[statusError] != 1 {
		t.Fatalf("transport errors must be counted separately: %+v", r.Methods[methodScenario].Statuses)
	}
	if r.Inventory.TicketsBooked != 3 {
		t.Fatalf("unexpected booked count: %d", r.Inventory.TicketsBooked)
	}
	if r.RPS != 2.5 {
		t.Fatalf("unexpected rps: %f", r.RPS)
	}
}

func TestUtilityFunctions(t *testing.T) {
	if got := ratio(1, 4); got != 0.25 {
		t.Fatalf("ratio mismatch: %f", got)
	}
	if got := ratio(1, 0); got != 0 {
		t.Fatalf("ratio with zero total must be 0, got %f", got)
	}

	summary := buildLatencySummary([]float64{10, 20, 30, 40})
	if summary.Min != 10 || summary.Max != 40 || summary.Avg != 25 || summary.P50 != 25 {
		t.Fatalf("unexpected latency summary: %+v", summary)
	}

	if got := runTarget(config{total: 50}); got != "count:50" {
		t.Fatalf("unexpected run target: %s", got)
	}
	if got := runTarget(config{duration: 2 * time.Second, total: 10, totalSet: true}); got != "duration:2s,max-total:10" {
		t.Fatalf("unexpected capped duration run target: %s", got)
	}
}

func TestWriteJSONReport(t *testing.T) {
	path := filepath.Join(t.TempDir(), "report.json")

	sample := report{TotalScenarios: 2, SuccessScenarios: 2, Inventory: inventoryCheck{Tier: "GA", Consistent: true}}
	if err := writeJSONReport(path, sample); err != nil {
		t.Fatalf("writeJSONReport error: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read report: %v", err)
	}
	var decoded report
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if decoded.TotalScenarios != 2 || !decoded.Inventory.Consistent {
		t.Fatalf("unexpected decoded report: %+v", decoded)
	}

	if err := writeJSONReport("../escape.json", sample); err == nil {
		t.Fatal("expected error for path outside current directory")
	}
}

// TestRunLoad_NoOversell гоняет конкурентные бронирования против настоящего сервиса
// с маленьким запасом: подтверждённых билетов ровно столько, сколько было.
func TestRunLoad_NoOversell(t *testing.T) {
	store := memory.NewStore(memory.WithTiers(domain.TierInventory{
		Tier: domain.TierGA, PriceMinor: 3500, TotalCapacity: 25, Available: 25, Position: 1,
	}))
	svc := booking.NewService(store, store, store, payment.NewMockService())
	srv := httptest.NewServer(rest.NewEcho(rest.NewHandler(svc,
		rest.WithIdempotency(memory.NewIdempotencyRepository(), time.Hour),
	)))
	defer srv.Close()

	cfg, err := parseConfig([]string{"-url=" + srv.URL, "-total=100", "-concurrency=20", "-tier=GA"})
	if err != nil {
		t.Fatalf("parseConfig error: %v", err)
	}

	result, err := runLoad(context.Background(), srv.Client(), cfg)
	if err != nil {
		t.Fatalf("runLoad error: %v", err)
	}

	if result.TotalScenarios != 100 || result.SuccessScenarios != 25 || result.FailedScenarios != 0 {
		t.Fatalf("unexpected totals: %+v", result)
	}
	if result.RejectedScenarios != 75 {
		t.Fatalf("expected 75 rejected scenarios, got %d", result.RejectedScenarios)
	}
	inv := result.Inventory
	if inv.AvailableBefore != 25 || inv.AvailableAfter != 0 || inv.TicketsBooked != 25 || !inv.Consistent {
		t.Fatalf("inventory mismatch: %+v", inv)
	}

	var out bytes.Buffer
	printReport(&out, result, cfg)
	if !strings.Contains(out.String(), "consistent=true") || !strings.Contains(out.String(), methodBook+" 422: 75") {
		t.Fatalf("unexpected printed report:\n%s", out.String())
	}
}

func TestRunLoad_UnknownTier(t *testing.T) {
	store := memory.NewStore(memory.WithTiers(domain.TierInventory{
		Tier: domain.TierGA, PriceMinor: 3500, TotalCapacity: 1, Available: 1, Position: 1,
	}))
	svc := booking.NewService(store, store, store, payment.NewMockService())
	srv := httptest.NewServer(rest.NewEcho(rest.NewHandler(svc)))
	defer srv.Close()

	cfg, err := parseConfig([]string{"-url=" + srv.URL, "-tier=VIP", "-total=1"})
	if err != nil {
		t.Fatalf("parseConfig error: %v", err)
	}
	if _, err := runLoad(context.Background(), srv.Client(), cfg); err == nil {
		t.Fatal("expected error when tier is missing")
	}
}

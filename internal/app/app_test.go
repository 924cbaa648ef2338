package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"runtime"
	"strings"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/ticketing/internal/domain"
	healthcheck "github.com/vladislavdragonenkov/ticketing/internal/health"
	"github.com/vladislavdragonenkov/ticketing/internal/version"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.HTTPAddr = "127.0.0.1:0"
	cfg.MetricsAddr = "127.0.0.1:0"
	cfg.PaymentSuccessRate = 1
	cfg.PaymentLatency = 0
	cfg.ShutdownTimeout = time.Second
	return cfg
}

func TestNewDependencies_Memory(t *testing.T) {
	deps, err := NewDependencies(context.Background(), testConfig(), log.WithField("test", "memory-storage"))
	require.NoError(t, err)
	defer func() { require.NoError(t, deps.Close()) }()

	assert.NotNil(t, deps.Units)
	assert.NotNil(t, deps.Tiers)
	assert.NotNil(t, deps.Bookings)
	assert.NotNil(t, deps.Attempts)
	assert.NotNil(t, deps.Outbox)
	assert.NotNil(t, deps.Idempotency)
	assert.Nil(t, deps.Publisher, "no broker configured")

	tiers, err := deps.Tiers.FindAll(context.Background())
	require.NoError(t, err)
	assert.Len(t, tiers, len(domain.KnownTiers))

	health := healthcheck.NewHandler("test")
	deps.RegisterCheckers(health)
	w := httptest.NewRecorder()
	health.ReadinessHandler(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestNewDependencies_Errors(t *testing.T) {
	cases := map[string]func(*Config){
		"postgres without dsn": func(c *Config) { c.StorageDriver = StorageDriverPostgres },
		"unsupported driver":   func(c *Config) { c.StorageDriver = "sqlite" },
		"unreachable redis":    func(c *Config) { c.RedisAddr = unusedAddr(t) },
		"kafka without broker": func(c *Config) { c.KafkaBrokers = []string{unusedAddr(t)} },
	}

	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := testConfig()
			mutate(&cfg)
			_, err := NewDependencies(context.Background(), cfg, nil)
			assert.Error(t, err)
		})
	}
}

func TestNewDependencies_Postgres(t *testing.T) {
	dsn := strings.TrimSpace(os.Getenv("TICKETS_POSTGRES_TEST_DSN"))
	if dsn == "" {
		t.Skip("TICKETS_POSTGRES_TEST_DSN is not set")
	}

	cfg := testConfig()
	cfg.StorageDriver = StorageDriverPostgres
	cfg.PostgresDSN = dsn

	deps, err := NewDependencies(context.Background(), cfg, nil)
	if err != nil {
		t.Skipf("postgres is not available: %v", err)
	}
	defer func() { _ = deps.Close() }()

	_, err = deps.Tiers.Find(context.Background(), domain.TierGA)
	require.NoError(t, err)
}

func TestApplication_BookThroughAPI(t *testing.T) {
	a, err := newApplication(context.Background(), testConfig(), log.WithField("test", "app-api"))
	require.NoError(t, err)
	defer func() { _ = a.deps.Close() }()

	srv := httptest.NewServer(a.api)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/tickets/book", "application/json",
		strings.NewReader(`{"userId":"user-1","tier":"VIP","quantity":2}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var body struct {
		Success bool `json:"success"`
		Data    struct {
			BookingID         int64 `json:"bookingId"`
			RemainingQuantity int   `json:"remainingQuantity"`
			TotalAmount       int64 `json:"totalAmount"`
		} `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.True(t, body.Success)
	assert.Equal(t, 48, body.Data.RemainingQuantity)
	assert.Equal(t, int64(30000), body.Data.TotalAmount)

	// Событие подтверждения лежит в outbox до появления брокера.
	stats, err := a.deps.Outbox.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.PendingCount)
}

func TestRun_MemoryGracefulShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(150 * time.Millisecond)
		cancel()
	}()

	err := Run(ctx, testConfig())
	assert.True(t, errors.Is(err, context.Canceled), "expected context.Canceled, got %v", err)
}

func TestRun_InvalidStorageDriver(t *testing.T) {
	cfg := testConfig()
	cfg.StorageDriver = "invalid-driver"

	err := Run(context.Background(), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported storage driver")
}

func TestRun_HTTPAddrInUse(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer lis.Close()

	cfg := testConfig()
	cfg.HTTPAddr = lis.Addr().String()

	assert.Error(t, Run(context.Background(), cfg))
}

type failingListener struct{ net.Listener }

func (failingListener) Accept() (net.Conn, error) {
	return nil, errors.New("accept failed")
}

func TestRun_APIFailureStopsMetricsServer(t *testing.T) {
	cfg := testConfig()
	cfg.MetricsAddr = unusedAddr(t)
	a, err := newApplication(context.Background(), cfg, log.WithField("test", "api-failure"))
	require.NoError(t, err)
	defer func() { _ = a.deps.Close() }()
	a.listen = func(network, address string) (net.Listener, error) {
		lis, err := net.Listen(network, address)
		if err != nil {
			return nil, err
		}
		return failingListener{Listener: lis}, nil
	}

	// Родительский контекст не отменяется.
	err = a.run(context.Background())
	require.ErrorContains(t, err, "accept failed")

	assert.Eventually(t, func() bool {
		buf := make([]byte, 1<<20)
		n := runtime.Stack(buf, true)
		return !strings.Contains(string(buf[:n]), "app.startMetricsServer")
	}, 2*time.Second, 20*time.Millisecond, "metrics server goroutines must exit together with run")
}

func TestStartMetricsServer_Endpoints(t *testing.T) {
	addr := unusedAddr(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	health := healthcheck.NewHandler(version.GetVersion())
	health.RegisterChecker("storage", healthcheck.NewFuncChecker("storage", func(context.Context) error { return nil }))
	startMetricsServer(ctx, addr, log.WithField("test", "metrics-server"), health)

	want := map[string]string{
		"/livez":  "ok",
		"/readyz": "ready",
	}
	for _, path := range []string{"/metrics", "/healthz", "/livez", "/readyz"} {
		var (
			resp *http.Response
			err  error
		)
		require.Eventually(t, func() bool {
			resp, err = http.Get(fmt.Sprintf("http://%s%s", addr, path))
			return err == nil
		}, 2*time.Second, 20*time.Millisecond, "GET %s", path)

		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
		if expected, ok := want[path]; ok {
			assert.Equal(t, expected, string(body))
		}
	}

	cancel()
	assert.Eventually(t, func() bool {
		_, err := http.Get(fmt.Sprintf("http://%s/livez", addr))
		return err != nil
	}, 2*time.Second, 20*time.Millisecond, "metrics server must stop after ctx cancel")
}

func TestShutdownHTTP_NilServer(_ *testing.T) {
	shutdownHTTP(nil, log.WithField("test", "http-nil"))
}

// unusedAddr возвращает адрес, на котором сейчас никто не слушает.
func unusedAddr(t *testing.T) string {
	t.Helper()

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := lis.Addr().String()
	require.NoError(t, lis.Close())
	return addr
}

package app

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cardledger/cardledger/internal/consignment"
	"github.com/cardledger/cardledger/internal/inventory"
	"github.com/cardledger/cardledger/internal/inventory/inventorytest"
	"github.com/cardledger/cardledger/internal/observability"
	"github.com/cardledger/cardledger/internal/shared"
)

type memoryKeys struct {
	mu   sync.Mutex
	keys map[string]string
}

func (m *memoryKeys) CheckAndInsert(ctx context.Context, key, module string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.keys[key]; ok {
		return shared.ErrIdempotencyConflict
	}
	m.keys[key] = module
	return nil
}

func (m *memoryKeys) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.keys, key)
	return nil
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.AppAddr)
	require.Equal(t, 3, cfg.LedgerTxRetries)
	require.Equal(t, consignment.FeeSignedOnly, cfg.FeePolicy())
	require.Equal(t, 720*time.Hour, cfg.IdempotencyRetention)
	require.False(t, cfg.IsProduction())
}

func TestLoadConfigRejectsUnknownFeePolicy(t *testing.T) {
	t.Setenv("CONSIGNMENT_FEE_POLICY", "always")
	_, err := LoadConfig()
	require.ErrorContains(t, err, "CONSIGNMENT_FEE_POLICY")

	t.Setenv("CONSIGNMENT_FEE_POLICY", "on_attempt")
	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, consignment.FeeOnAttempt, cfg.FeePolicy())
}

func TestLoadConfigRejectsZeroRetries(t *testing.T) {
	t.Setenv("LEDGER_TX_RETRIES", "0")
	_, err := LoadConfig()
	require.Error(t, err)
}

func TestLoggerFormats(t *testing.T) {
	var buf bytes.Buffer
	newLogger(&Config{LogFormat: "json", AppEnv: "test"}, &buf).Info("hello")
	require.Contains(t, buf.String(), `"msg":"hello"`)
	require.Contains(t, buf.String(), `"env":"test"`)

	buf.Reset()
	newLogger(&Config{LogFormat: "pretty"}, &buf).Info("hello")
	require.Contains(t, buf.String(), "msg=hello")
}

func newTestRouter(t *testing.T, ping func(context.Context) error) (http.Handler, *inventorytest.Store, *memoryKeys) {
	t.Helper()
	store := inventorytest.New()
	keys := &memoryKeys{keys: make(map[string]string)}
	svc := inventory.NewService(store, nil, nil, nil, nil)
	router := NewRouter(RouterParams{
		Config:           &Config{AppEnv: "test", RateLimitPerMinute: 1000},
		Keys:             keys,
		InventoryHandler: inventory.NewHandler(nil, svc),
		Metrics:          observability.NewMetrics(),
		Ping:             ping,
	})
	return router, store, keys
}

func TestHealthz(t *testing.T) {
	router, _, _ := newTestRouter(t, nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	require.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	require.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))

	router, _, _ = newTestRouter(t, func(context.Context) error { return errors.New("pg down") })
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestIdempotencyKeyBlocksReplay(t *testing.T) {
	router, store, keys := newTestRouter(t, nil)
	line := store.Seed(t, inventory.Identity{ChecklistID: 5, Parallel: "Base"}, 2, "8.00")
	path := "/inventory/lines/" + strconv.FormatInt(line.ID, 10) + "/adjust"

	post := func(body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(IdempotencyHeader, "abc-1")
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec
	}

	// a rejected request releases its key
	rec := post(`{"delta":-5,"note":"lost"}`)
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Empty(t, keys.keys)

	rec = post(`{"delta":-1,"note":"damaged"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, keys.keys, 1)

	rec = post(`{"delta":-1,"note":"damaged"}`)
	require.Equal(t, http.StatusConflict, rec.Code)
	require.EqualValues(t, 1, store.Line(t, line.ID).Quantity)
}

func TestMetricsEndpointMounted(t *testing.T) {
	router, _, _ := newTestRouter(t, nil)
	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `cardledger_http_requests_total{code="200",route="/healthz"} 1`)
}

func TestSkipStartupHonoursTestMode(t *testing.T) {
	t.Cleanup(RefreshTestMode)
	t.Setenv(testModeEnv, "1")
	RefreshTestMode()
	require.True(t, SkipStartup("test"))
}


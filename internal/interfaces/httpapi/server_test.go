package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"txscan/internal/application"
	"txscan/internal/domain"
	"txscan/internal/infrastructure/badgerstore"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	alice = "0x52908400098527886e0f7030069857d2e4169ee7"
	bob   = "0x8617e340b3d01fa5f11f306f4090fd50e238070d"
	// EIP-55 form of alice, which happens to be all caps.
	aliceChecksummed = "0x52908400098527886E0F7030069857D2E4169EE7"
	// EIP-55 form of bob.
	bobChecksummed = "0x8617E340B3D01FA5F11F306F4090FD50E238070D"
)

type stubScanner struct {
	mu       sync.Mutex
	running  bool
	starts   []application.StartConfig
	stops    int
	stats    application.ScannerStats
	statsErr error
}

func (s *stubScanner) Start(ctx context.Context, cfg application.StartConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return domain.ErrAlreadyRunning
	}
	s.running = true
	s.starts = append(s.starts, cfg)
	return nil
}

func (s *stubScanner) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
	s.stops++
	return nil
}

func (s *stubScanner) Stats(ctx context.Context) (application.ScannerStats, error) {
	return s.stats, s.statsErr
}

// testChain produces one alice -> bob transfer of 1 ether in every block up
// to its height.
type testChain struct {
	mu     sync.Mutex
	height uint64
	err    error
}

func (c *testChain) setHeight(height uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.height = height
}

func (c *testChain) CurrentHeight(ctx context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.height, c.err
}

func (c *testChain) FetchBlockWithTransactions(ctx context.Context, number uint64) (domain.Block, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if number > c.height {
		return domain.Block{}, domain.ErrBlockUnavailable
	}
	return domain.Block{
		Number:    number,
		Hash:      fmt.Sprintf("0x%064x", number+1_000_000),
		Timestamp: 1_700_000_000 + number*12,
		Transactions: []domain.ChainTransaction{{
			Hash:  txHash(number),
			From:  alice,
			To:    bob,
			Value: new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil),
		}},
	}, nil
}

func (c *testChain) TransactionReceipt(ctx context.Context, hash string) (domain.Receipt, error) {
	return domain.Receipt{TxHash: hash, Status: domain.ReceiptStatusSuccessful}, nil
}

func txHash(block uint64) string {
	return fmt.Sprintf("0x%064x", block)
}

func newStore(t *testing.T) *badgerstore.Store {
	t.Helper()
	store, err := badgerstore.Open(badgerstore.Options{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newTestServer(t *testing.T, scanner Scanner, store QueryStore, chain ChainStatus, cfg ServerConfig) http.Handler {
	t.Helper()
	if cfg.ExplorerURL == "" {
		cfg.ExplorerURL = "https://etherscan.io/"
	}
	server, err := NewServer(scanner, store, chain, nil, cfg)
	require.NoError(t, err)
	return server.Handler()
}

func do(t *testing.T, handler http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	var payload map[string]any
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	}
	return rec, payload
}

func seed(t *testing.T, store *badgerstore.Store, blocks ...uint64) {
	t.Helper()
	txs := make([]domain.IndexedTransaction, 0, len(blocks))
	for _, block := range blocks {
		txs = append(txs, domain.IndexedTransaction{
			Hash:            txHash(block),
			BlockNumber:     block,
			From:            alice,
			To:              bob,
			Asset:           domain.AssetNative,
			ValueRaw:        "1000000000000000000",
			ValueNormalized: decimal.NewFromInt(1),
			Status:          domain.TxStatusConfirmed,
		})
	}
	_, err := store.UpsertTransactions(context.Background(), txs)
	require.NoError(t, err)
}

func TestNewServer_RequiresDependencies(t *testing.T) {
	_, err := NewServer(nil, newStore(t), &testChain{}, nil, ServerConfig{})
	require.Error(t, err)
}

func TestGetTransaction(t *testing.T) {
	store := newStore(t)
	seed(t, store, 42)
	handler := newTestServer(t, &stubScanner{}, store, &testChain{}, ServerConfig{})

	rec, body := do(t, handler, http.MethodGet, "/tx/0x"+strings.ToUpper(txHash(42)[2:]), "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "https://etherscan.io/tx/"+txHash(42), body["explorerUrl"])
	tx := body["transaction"].(map[string]any)
	assert.Equal(t, float64(42), tx["blockNumber"])
	assert.NotEmpty(t, rec.Header().Get(requestIDHeader))
}

func TestGetTransaction_Errors(t *testing.T) {
	handler := newTestServer(t, &stubScanner{}, newStore(t), &testChain{}, ServerConfig{})

	cases := []struct {
		name   string
		path   string
		status int
		code   string
	}{
		{"65 hex digits", "/tx/0x" + strings.Repeat("a", 65), http.StatusBadRequest, "INVALID_TX_HASH"},
		{"non hex", "/tx/0x" + strings.Repeat("z", 64), http.StatusBadRequest, "INVALID_TX_HASH"},
		{"missing prefix", "/tx/" + strings.Repeat("a", 66), http.StatusBadRequest, "INVALID_TX_HASH"},
		{"unknown", "/tx/" + txHash(7), http.StatusNotFound, "TX_NOT_FOUND"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec, body := do(t, handler, http.MethodGet, tc.path, "")
			require.Equal(t, tc.status, rec.Code)
			assert.Equal(t, false, body["success"])
			assert.Equal(t, tc.code, body["code"])
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestGetWallet(t *testing.T) {
	store := newStore(t)
	seed(t, store, 10, 11, 12)
	handler := newTestServer(t, &stubScanner{}, store, &testChain{}, ServerConfig{})

	rec, body := do(t, handler, http.MethodGet, "/wallet/"+aliceChecksummed, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, alice, body["address"])
	assert.Equal(t, float64(3), body["transactionCount"])
	assert.Equal(t, float64(10), body["firstSeenBlock"])
	assert.Equal(t, float64(12), body["lastSeenBlock"])
	assert.Equal(t, "https://etherscan.io/address/"+alice, body["explorerUrl"])
	assert.NotContains(t, body, "transactions")

	rec, body = do(t, handler, http.MethodGet, "/wallet/"+bobChecksummed+"?transactions=2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	txs := body["transactions"].([]any)
	require.Len(t, txs, 2)
	assert.Equal(t, float64(12), txs[0].(map[string]any)["blockNumber"])
	assert.Equal(t, float64(11), txs[1].(map[string]any)["blockNumber"])
}

func TestGetWallet_Errors(t *testing.T) {
	handler := newTestServer(t, &stubScanner{}, newStore(t), &testChain{}, ServerConfig{})

	cases := []struct {
		name   string
		path   string
		status int
		code   string
	}{
		{"not an address", "/wallet/0xNotAnAddress", http.StatusBadRequest, "INVALID_ADDRESS"},
		{"bad checksum", "/wallet/0x52908400098527886E0F7030069857D2E4169Ee7", http.StatusBadRequest, "INVALID_ADDRESS"},
		{"bad limit", "/wallet/" + alice + "?transactions=abc", http.StatusBadRequest, "INVALID_REQUEST"},
		{"no activity", "/wallet/" + alice, http.StatusNotFound, "NO_ACTIVITY_FOUND"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec, body := do(t, handler, http.MethodGet, tc.path, "")
			require.Equal(t, tc.status, rec.Code)
			assert.Equal(t, tc.code, body["code"])
		})
	}
}

func TestStartStop(t *testing.T) {
	scanner := &stubScanner{}
	handler := newTestServer(t, scanner, newStore(t), &testChain{}, ServerConfig{})

	rec, body := do(t, handler, http.MethodPost, "/start", `{"startBlock":100,"batchSize":5,"intervalMs":250}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Scanner started", body["message"])
	require.Len(t, scanner.starts, 1)
	require.NotNil(t, scanner.starts[0].StartBlock)
	assert.Equal(t, uint64(100), *scanner.starts[0].StartBlock)
	assert.Equal(t, uint64(5), scanner.starts[0].BatchSize)
	assert.Equal(t, uint64(250), scanner.starts[0].IntervalMs)

	rec, body = do(t, handler, http.MethodPost, "/start", "")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "ALREADY_RUNNING", body["code"])
	assert.Len(t, scanner.starts, 1)

	rec, body = do(t, handler, http.MethodPost, "/stop", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Scanner stopped", body["message"])

	rec, _ = do(t, handler, http.MethodPost, "/stop", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, scanner.stops)

	rec, _ = do(t, handler, http.MethodPost, "/start", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Nil(t, scanner.starts[1].StartBlock)
}

func TestStart_MalformedBody(t *testing.T) {
	scanner := &stubScanner{}
	handler := newTestServer(t, scanner, newStore(t), &testChain{}, ServerConfig{})

	rec, body := do(t, handler, http.MethodPost, "/start", `{"startBlock":"soon"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_REQUEST", body["code"])
	assert.Empty(t, scanner.starts)
}

func TestStats(t *testing.T) {
	scanner := &stubScanner{stats: application.ScannerStats{
		Status:             domain.ScannerStatusRunning,
		LastScannedBlock:   90,
		HasScanned:         true,
		CurrentChainHeight: 100,
		Lag:                10,
		BatchSize:          10,
	}}
	handler := newTestServer(t, scanner, newStore(t), &testChain{}, ServerConfig{})

	rec, body := do(t, handler, http.MethodGet, "/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "running", body["status"])
	assert.Equal(t, float64(90), body["lastScannedBlock"])
	assert.Equal(t, float64(10), body["lag"])

	scanner.statsErr = errors.New("disk gone")
	rec, body = do(t, handler, http.MethodGet, "/stats", "")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, false, body["success"])
	assert.NotEmpty(t, body["error"])
}

func TestHealthReadyVersion(t *testing.T) {
	chain := &testChain{height: 5}
	handler := newTestServer(t, &stubScanner{}, newStore(t), chain, ServerConfig{
		BuildInfo: BuildInfo{Version: "1.2.3", Commit: "abc"},
	})

	rec, _ := do(t, handler, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = do(t, handler, http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	chain.err = errors.New("node down")
	rec, body := do(t, handler, http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "NOT_READY", body["code"])

	rec, body = do(t, handler, http.MethodGet, "/version", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "1.2.3", body["version"])
}

func TestMethodNotAllowedAndUnknownRoute(t *testing.T) {
	handler := newTestServer(t, &stubScanner{}, newStore(t), &testChain{}, ServerConfig{})

	rec, body := do(t, handler, http.MethodGet, "/start", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, "METHOD_NOT_ALLOWED", body["code"])

	rec, body = do(t, handler, http.MethodGet, "/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", body["code"])
}

func TestRateLimit(t *testing.T) {
	handler := newTestServer(t, &stubScanner{}, newStore(t), &testChain{}, ServerConfig{RateLimit: 1})

	rec, _ := do(t, handler, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec, body := do(t, handler, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "RATE_LIMITED", body["code"])
}

func TestRateLimit_EvictsIdleClients(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	limiter := newIPLimiter(1)
	limiter.now = func() time.Time { return now }
	limiter.lastSweep = now

	require.True(t, limiter.allow("10.0.0.1"))
	require.True(t, limiter.allow("10.0.0.2"))
	require.False(t, limiter.allow("10.0.0.1"))
	assert.Equal(t, 2, limiter.size())

	now = now.Add(limiterIdleTTL / 2)
	require.True(t, limiter.allow("10.0.0.3"))
	assert.Equal(t, 3, limiter.size())

	// .1 and .2 have been idle a full TTL; .3 was seen half a TTL ago.
	now = now.Add(limiterIdleTTL / 2)
	require.True(t, limiter.allow("10.0.0.4"))
	assert.Equal(t, 2, limiter.size())
}

func TestPanicIsRecordedInRequestMetrics(t *testing.T) {
	metrics := NewMetrics()
	server, err := NewServer(&stubScanner{}, newStore(t), &testChain{}, metrics, ServerConfig{})
	require.NoError(t, err)
	router, ok := server.Handler().(*mux.Router)
	require.True(t, ok)
	router.HandleFunc("/boom", func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}).Methods(http.MethodGet)

	rec, body := do(t, router, http.MethodGet, "/boom", "")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "INTERNAL_ERROR", body["code"])
	assert.NotEmpty(t, rec.Header().Get(requestIDHeader))

	rec, _ = do(t, router, http.MethodGet, "/metrics", "")
	assert.Contains(t, rec.Body.String(), `txscan_http_requests_total{code="500",route="/boom"} 1`)
}

func TestMetricsEndpoint(t *testing.T) {
	metrics := NewMetrics()
	metrics.OnChainHeight(120)
	metrics.OnBlockCommitted(108, 3, 2)
	metrics.OnStatus(domain.ScannerStatusRunning)

	server, err := NewServer(&stubScanner{}, newStore(t), &testChain{}, metrics, ServerConfig{})
	require.NoError(t, err)
	handler := server.Handler()

	do(t, handler, http.MethodGet, "/healthz", "")
	rec, _ := do(t, handler, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)

	text := rec.Body.String()
	assert.Contains(t, text, "txscan_chain_height 120")
	assert.Contains(t, text, "txscan_last_scanned_block 108")
	assert.Contains(t, text, "txscan_transactions_indexed_total 2")
	assert.Contains(t, text, `txscan_scanner_status{status="running"} 1`)
	assert.Contains(t, text, `txscan_http_requests_total{code="200",route="/healthz"} 1`)
}

// Start at 100, stop after 105, start again and the scan resumes at 106.
func TestScannerLifecycleOverHTTP(t *testing.T) {
	store := newStore(t)
	chain := &testChain{height: 105}
	classifier, err := application.NewClassifier(application.ClassifierConfig{Mode: application.ClassifierModeNative, Decimals: 18})
	require.NoError(t, err)
	metrics := NewMetrics()
	scanner, err := application.NewScannerService(chain, classifier, store, application.ScannerConfig{
		BatchSize:    10,
		PollInterval: 10 * time.Millisecond,
	}, application.WithObserver(metrics))
	require.NoError(t, err)
	t.Cleanup(func() { _ = scanner.Stop(context.Background()) })

	server, err := NewServer(scanner, store, chain, metrics, ServerConfig{ExplorerURL: "https://etherscan.io"})
	require.NoError(t, err)
	handler := server.Handler()

	lastScanned := func() float64 {
		_, body := do(t, handler, http.MethodGet, "/stats", "")
		return body["lastScannedBlock"].(float64)
	}

	rec, _ := do(t, handler, http.MethodPost, "/start", `{"startBlock":100}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Eventually(t, func() bool { return lastScanned() == 105 }, 5*time.Second, 10*time.Millisecond)

	rec, body := do(t, handler, http.MethodPost, "/start", "")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, false, body["success"])

	rec, _ = do(t, handler, http.MethodPost, "/stop", "")
	require.Equal(t, http.StatusOK, rec.Code)
	_, body = do(t, handler, http.MethodGet, "/stats", "")
	assert.Equal(t, "stopped", body["status"])

	chain.setHeight(110)
	rec, _ = do(t, handler, http.MethodPost, "/start", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Eventually(t, func() bool { return lastScanned() == 110 }, 5*time.Second, 10*time.Millisecond)

	_, body = do(t, handler, http.MethodGet, "/wallet/"+alice, "")
	assert.Equal(t, float64(11), body["transactionCount"])
	assert.Equal(t, float64(100), body["firstSeenBlock"])
	assert.Equal(t, float64(110), body["lastSeenBlock"])
	assert.Equal(t, "11", body["totalOutbound"])
}

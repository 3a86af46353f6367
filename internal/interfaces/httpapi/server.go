package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"txscan/internal/application"
	"txscan/internal/domain"

	"github.com/gorilla/mux"
)

const (
	defaultWalletTransactions = 10
	stopTimeout               = 30 * time.Second
	maxStartBody              = 1 << 16
)

type Scanner interface {
	Start(ctx context.Context, cfg application.StartConfig) error
	Stop(ctx context.Context) error
	Stats(ctx context.Context) (application.ScannerStats, error)
}

type QueryStore interface {
	application.QueryRepository
	Ping(ctx context.Context) error
}

type ChainStatus interface {
	CurrentHeight(ctx context.Context) (uint64, error)
}

type BuildInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"buildTime"`
}

type ServerConfig struct {
	ExplorerURL string
	// RateLimit is requests per second per client IP. Zero disables limiting.
	RateLimit float64
	BuildInfo BuildInfo
}

type Server struct {
	scanner Scanner
	store   QueryStore
	chain   ChainStatus
	metrics *Metrics
	cfg     ServerConfig
}

func NewServer(scanner Scanner, store QueryStore, chain ChainStatus, metrics *Metrics, cfg ServerConfig) (*Server, error) {
	if scanner == nil || store == nil || chain == nil {
		return nil, errors.New("http server dependencies must not be nil")
	}
	if metrics == nil {
		metrics = NewMetrics()
	}
	cfg.ExplorerURL = strings.TrimRight(cfg.ExplorerURL, "/")
	return &Server{scanner: scanner, store: store, chain: chain, metrics: metrics, cfg: cfg}, nil
}

func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()
	router.Use(requestIDMiddleware, s.loggingMiddleware, recoveryMiddleware)
	if s.cfg.RateLimit > 0 {
		router.Use(newIPLimiter(s.cfg.RateLimit).middleware)
	}

	router.HandleFunc("/tx/{txHash}", s.handleTransaction).Methods(http.MethodGet)
	router.HandleFunc("/wallet/{address}", s.handleWallet).Methods(http.MethodGet)
	router.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	router.HandleFunc("/start", s.handleStart).Methods(http.MethodPost)
	router.HandleFunc("/stop", s.handleStop).Methods(http.MethodPost)
	router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/readyz", s.handleReady).Methods(http.MethodGet)
	router.HandleFunc("/version", s.handleVersion).Methods(http.MethodGet)
	router.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)

	router.NotFoundHandler = requestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		respondError(w, http.StatusNotFound, "NOT_FOUND", "route not found")
	}))
	router.MethodNotAllowedHandler = requestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		respondError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
	}))
	return router
}

func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	slog.Info("http server listening", "addr", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type transactionResponse struct {
	Success     bool                      `json:"success"`
	Transaction domain.IndexedTransaction `json:"transaction"`
	ExplorerURL string                    `json:"explorerUrl"`
}

func (s *Server) handleTransaction(w http.ResponseWriter, r *http.Request) {
	hash, err := normalizeTxHash(mux.Vars(r)["txHash"])
	if err != nil {
		respondValidation(w, err)
		return
	}
	tx, ok, err := s.store.GetTransaction(r.Context(), hash)
	if err != nil {
		s.respondInternal(w, "transaction lookup failed", err)
		return
	}
	if !ok {
		respondError(w, http.StatusNotFound, "TX_NOT_FOUND", "transaction not found")
		return
	}
	respondJSON(w, http.StatusOK, transactionResponse{
		Success:     true,
		Transaction: tx,
		ExplorerURL: s.cfg.ExplorerURL + "/tx/" + tx.Hash,
	})
}

type walletResponse struct {
	Success bool `json:"success"`
	domain.WalletActivity
	ExplorerURL  string                      `json:"explorerUrl"`
	Transactions []domain.IndexedTransaction `json:"transactions,omitempty"`
}

func (s *Server) handleWallet(w http.ResponseWriter, r *http.Request) {
	address, err := normalizeAddress(mux.Vars(r)["address"])
	if err != nil {
		respondValidation(w, err)
		return
	}
	limit, include, err := parseTransactionsParam(r)
	if err != nil {
		respondValidation(w, err)
		return
	}

	activity, ok, err := s.store.GetWalletActivity(r.Context(), address)
	if err != nil {
		s.respondInternal(w, "wallet lookup failed", err)
		return
	}
	if !ok {
		respondError(w, http.StatusNotFound, "NO_ACTIVITY_FOUND", "no activity found for address")
		return
	}

	response := walletResponse{
		Success:        true,
		WalletActivity: activity,
		ExplorerURL:    s.cfg.ExplorerURL + "/address/" + activity.Address,
	}
	if include {
		txs, err := s.store.ListWalletTransactions(r.Context(), address, limit)
		if err != nil {
			s.respondInternal(w, "wallet transactions lookup failed", err)
			return
		}
		if txs == nil {
			txs = []domain.IndexedTransaction{}
		}
		response.Transactions = txs
	}
	respondJSON(w, http.StatusOK, response)
}

// parseTransactionsParam reads ?transactions=N. A bare ?transactions uses the
// default page size.
func parseTransactionsParam(r *http.Request) (int, bool, error) {
	values, ok := r.URL.Query()["transactions"]
	if !ok {
		return 0, false, nil
	}
	raw := strings.TrimSpace(values[0])
	if raw == "" || raw == "true" {
		return defaultWalletTransactions, true, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		return 0, false, &domain.ValidationError{Field: "transactions", Code: "INVALID_REQUEST", Message: "transactions must be a non-negative integer"}
	}
	if limit == 0 {
		return 0, false, nil
	}
	return limit, true, nil
}

type statsResponse struct {
	Success bool `json:"success"`
	application.ScannerStats
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.scanner.Stats(r.Context())
	if err != nil {
		s.respondInternal(w, "failed to read scanner stats", err)
		return
	}
	respondJSON(w, http.StatusOK, statsResponse{Success: true, ScannerStats: stats})
}

type messageResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var cfg application.StartConfig
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxStartBody))
	if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		respondError(w, http.StatusBadRequest, "INVALID_REQUEST", "malformed start request: "+err.Error())
		return
	}

	if err := s.scanner.Start(r.Context(), cfg); err != nil {
		slog.Warn("scanner start rejected", "err", err)
		code := "START_FAILED"
		if errors.Is(err, domain.ErrAlreadyRunning) {
			code = "ALREADY_RUNNING"
		}
		respondError(w, http.StatusInternalServerError, code, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, messageResponse{Success: true, Message: "Scanner started"})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), stopTimeout)
	defer cancel()
	_ = s.scanner.Stop(ctx)
	respondJSON(w, http.StatusOK, messageResponse{Success: true, Message: "Scanner stopped"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.store.Ping(ctx); err != nil {
		respondError(w, http.StatusServiceUnavailable, "NOT_READY", "store not ready")
		return
	}
	if _, err := s.chain.CurrentHeight(ctx); err != nil {
		respondError(w, http.StatusServiceUnavailable, "NOT_READY", "rpc not ready")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.cfg.BuildInfo)
}

func (s *Server) respondInternal(w http.ResponseWriter, message string, err error) {
	slog.Error(message, "err", err)
	respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", message)
}

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Code    string `json:"code"`
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Success: false, Error: message, Code: code})
}

func respondValidation(w http.ResponseWriter, err error) {
	var validation *domain.ValidationError
	if errors.As(err, &validation) {
		respondError(w, http.StatusBadRequest, validation.Code, validation.Message)
		return
	}
	respondError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
}

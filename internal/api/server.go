// Package api serves the status and control surface over HTTP: JSON reads of
// the capital snapshot, open positions, orders and trades, engine start/stop,
// manual close, plus health and Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/jainabhishek-dev/nifty-options-trader-sub000/internal/engine"
	"github.com/jainabhishek-dev/nifty-options-trader-sub000/internal/executor"
	"github.com/jainabhishek-dev/nifty-options-trader-sub000/internal/models"
	"github.com/jainabhishek-dev/nifty-options-trader-sub000/internal/store"
	"github.com/jainabhishek-dev/nifty-options-trader-sub000/internal/strategy"
)

// Controller is the engine surface the control endpoints drive.
type Controller interface {
	State() engine.State
	ActiveStrategies() []string
	Start(ctx context.Context, strategies ...strategy.Strategy) error
	Stop(names ...string) error
	ManualClose(ctx context.Context, symbol string) (string, error)
}

// Ledger is the executor surface the read endpoints consume. Handlers only
// ever see copies; they never mutate trading state.
type Ledger interface {
	Snapshot() executor.Snapshot
	Trades() []models.Trade
	DailyPnL(now time.Time) []models.DailyPnL
}

// MarketStatus reports session state for /api/status.
type MarketStatus interface {
	IsMarketOpen(ctx context.Context) bool
}

type Config struct {
	Addr      string
	AuthToken string
}

type Server struct {
	router     *chi.Mux
	server     *http.Server
	engine     Controller
	ledger     Ledger
	market     MarketStatus
	store      store.Interface
	strategies map[string]strategy.Strategy
	logger     *logrus.Logger
	addr       string
	authToken  string
}

// StatusView is the /api/status payload.
type StatusView struct {
	EngineState      string            `json:"engine_state"`
	ActiveStrategies []string          `json:"active_strategies"`
	MarketOpen       bool              `json:"market_open"`
	Snapshot         executor.Snapshot `json:"snapshot"`
	Timestamp        time.Time         `json:"timestamp"`
}

// NewServer wires the router. available is the configured strategy set that
// start requests may select from by name.
func NewServer(cfg Config, ctrl Controller, ledger Ledger, market MarketStatus, st store.Interface, available []strategy.Strategy, logger *logrus.Logger) *Server {
	if logger == nil {
		logger = logrus.New()
	}
	s := &Server{
		router:     chi.NewRouter(),
		engine:     ctrl,
		ledger:     ledger,
		market:     market,
		store:      st,
		strategies: make(map[string]strategy.Strategy, len(available)),
		logger:     logger,
		addr:       cfg.Addr,
		authToken:  cfg.AuthToken,
	}
	for _, strat := range available {
		if strat != nil {
			s.strategies[strat.Name()] = strat
		}
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(30 * time.Second))

	if s.authToken != "" {
		s.router.Use(s.authMiddleware)
	}

	s.router.Get("/health", s.handleHealth)
	s.router.Handle("/metrics", promhttp.Handler())

	s.router.Get("/api/status", s.handleStatus)
	s.router.Get("/api/positions", s.handleGetPositions)
	s.router.Get("/api/orders/{symbol}", s.handleGetOrders)
	s.router.Get("/api/trades", s.handleGetTrades)
	s.router.Get("/api/daily", s.handleGetDaily)

	s.router.Post("/api/engine/start", s.handleStart)
	s.router.Post("/api/engine/stop", s.handleStop)
	s.router.Post("/api/positions/{symbol}/close", s.handleManualClose)
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		token := r.Header.Get("X-Auth-Token")
		if token == "" {
			token = r.URL.Query().Get("token")
		}

		if token != s.authToken {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Start blocks serving HTTP until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:    s.addr,
		Handler: s.router,
	}

	s.logger.Infof("Starting API server on %s", s.addr)
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	view := StatusView{
		EngineState:      string(s.engine.State()),
		ActiveStrategies: s.engine.ActiveStrategies(),
		MarketOpen:       s.market.IsMarketOpen(r.Context()),
		Snapshot:         s.ledger.Snapshot(),
		Timestamp:        time.Now(),
	}
	s.writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleGetPositions(w http.ResponseWriter, r *http.Request) {
	snap := s.ledger.Snapshot()
	s.writeJSON(w, http.StatusOK, snap.OpenPositions)
}

func (s *Server) handleGetOrders(w http.ResponseWriter, r *http.Request) {
	symbol := chi.URLParam(r, "symbol")
	mode := s.ledger.Snapshot().Mode

	orders, err := s.store.GetOrdersBySymbol(r.Context(), symbol, mode)
	if err != nil {
		s.logger.WithError(err).Error("Failed to fetch orders")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, orders)
}

func (s *Server) handleGetTrades(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.ledger.Trades())
}

func (s *Server) handleGetDaily(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.ledger.DailyPnL(time.Now()))
}

type strategyRequest struct {
	Strategies []string `json:"strategies"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeStrategyRequest(w, r)
	if !ok {
		return
	}

	var picked []strategy.Strategy
	if len(req.Strategies) == 0 {
		names := make([]string, 0, len(s.strategies))
		for name := range s.strategies {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			picked = append(picked, s.strategies[name])
		}
	} else {
		for _, name := range req.Strategies {
			strat, ok := s.strategies[name]
			if !ok {
				s.errorJSON(w, http.StatusBadRequest, fmt.Sprintf("unknown strategy: %s", name))
				return
			}
			picked = append(picked, strat)
		}
	}

	if err := s.engine.Start(r.Context(), picked...); err != nil {
		switch {
		case errors.Is(err, engine.ErrNotAuthenticated),
			errors.Is(err, engine.ErrMarketClosed),
			errors.Is(err, engine.ErrNoStrategies):
			s.errorJSON(w, http.StatusConflict, err.Error())
		default:
			s.logger.WithError(err).Error("Failed to start engine")
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		}
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"engine_state":      string(s.engine.State()),
		"active_strategies": s.engine.ActiveStrategies(),
	})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeStrategyRequest(w, r)
	if !ok {
		return
	}

	if err := s.engine.Stop(req.Strategies...); err != nil {
		if errors.Is(err, engine.ErrNotRunning) {
			s.errorJSON(w, http.StatusConflict, err.Error())
			return
		}
		s.logger.WithError(err).Error("Failed to stop engine")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"engine_state":      string(s.engine.State()),
		"active_strategies": s.engine.ActiveStrategies(),
	})
}

func (s *Server) handleManualClose(w http.ResponseWriter, r *http.Request) {
	symbol := chi.URLParam(r, "symbol")

	id, err := s.engine.ManualClose(r.Context(), symbol)
	if err != nil {
		s.errorJSON(w, http.StatusConflict, err.Error())
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{
		"symbol":   symbol,
		"order_id": id,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		health["status"] = "degraded"
		health["store"] = err.Error()
	} else {
		health["store"] = "ok"
	}

	s.writeJSON(w, http.StatusOK, health)
}

// decodeStrategyRequest tolerates an empty body; start/stop without a body
// act on every strategy.
func (s *Server) decodeStrategyRequest(w http.ResponseWriter, r *http.Request) (strategyRequest, bool) {
	var req strategyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.errorJSON(w, http.StatusBadRequest, "invalid JSON body")
		return req, false
	}
	return req, true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Error("Failed to encode response")
	}
}

func (s *Server) errorJSON(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

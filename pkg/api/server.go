// Package api exposes the venue over REST and WebSocket: market data,
// order placement, the per-account snapshot, and a token-guarded admin surface.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/uhyunpark/hyperbinary/params"
	"github.com/uhyunpark/hyperbinary/pkg/account"
	"github.com/uhyunpark/hyperbinary/pkg/events"
	"github.com/uhyunpark/hyperbinary/pkg/ledger"
	"github.com/uhyunpark/hyperbinary/pkg/market"
	"github.com/uhyunpark/hyperbinary/pkg/order"
	"github.com/uhyunpark/hyperbinary/pkg/trading"
)

// Server handles REST API and WebSocket connections
type Server struct {
	cfg    params.API
	engine *trading.Engine
	market *market.Simulator
	auth   Identity
	router *mux.Router
	hub    *Hub // WebSocket hub
	log    *zap.SugaredLogger
}

// NewServer creates a new API server
func NewServer(cfg params.API, engine *trading.Engine, sim *market.Simulator, bus *events.Bus, auth Identity, log *zap.SugaredLogger) *Server {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	s := &Server{
		cfg:    cfg,
		engine: engine,
		market: sim,
		auth:   auth,
		router: mux.NewRouter(),
		hub:    NewHub(bus, log.Named("ws")),
		log:    log,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	// API v1 routes
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Market endpoints
	api.HandleFunc("/markets", s.handleGetMarkets).Methods("GET")
	api.HandleFunc("/markets/{symbol}", s.handleGetMarket).Methods("GET")

	// Account endpoints (account comes from the token, never the path)
	api.HandleFunc("/snapshot", s.authed(s.handleGetSnapshot)).Methods("GET")
	api.HandleFunc("/orders", s.authed(s.handleListOrders)).Methods("GET")
	api.HandleFunc("/orders", s.authed(s.handlePlaceOrder)).Methods("POST")
	api.HandleFunc("/orders/{id}", s.authed(s.handleGetOrder)).Methods("GET")

	// Operator console
	admin := api.PathPrefix("/admin").Subrouter()
	admin.Use(s.adminOnly)
	admin.HandleFunc("/accounts/{account}/deposit", s.handleDeposit).Methods("POST")
	admin.HandleFunc("/accounts/{account}/trading", s.handleSetTrading).Methods("POST")
	admin.HandleFunc("/accounts/{account}/blocked", s.handleSetBlocked).Methods("POST")
	admin.HandleFunc("/orders/{id}", s.handleDeleteOrder).Methods("DELETE")
	admin.HandleFunc("/orders/{id}/settle", s.handleSettleOrder).Methods("POST")
	admin.HandleFunc("/markets/{symbol}/status", s.handleSetMarketStatus).Methods("POST")

	// WebSocket endpoint
	s.router.HandleFunc("/ws", s.handleWebSocket)

	// Health check
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Mount attaches an extra handler, e.g. /metrics
func (s *Server) Mount(path string, h http.Handler) {
	s.router.Handle(path, h)
}

// Handler returns the router wrapped with CORS
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   s.cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})
	return c.Handler(s.router)
}

// RunHub routes bus events to WebSocket sessions until ctx is cancelled
func (s *Server) RunHub(ctx context.Context) { s.hub.Run(ctx) }

// Start serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	go s.hub.Run(ctx)

	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Infow("api_listening", "addr", s.cfg.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}

// ==============================
// Middleware
// ==============================

// authed resolves the caller's account or rejects with 401
func (s *Server) authed(next func(http.ResponseWriter, *http.Request, string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		accountID, ok := s.auth.Resolve(r)
		if !ok {
			respondError(w, http.StatusUnauthorized, "unauthenticated", "")
			return
		}
		next(w, r, accountID)
	}
}

func (s *Server) adminOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !isAdmin(r, s.cfg.AdminToken) {
			respondError(w, http.StatusForbidden, "forbidden", "admin token required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ==============================
// REST Handlers
// ==============================

func (s *Server) handleGetMarkets(w http.ResponseWriter, r *http.Request) {
	insts := s.market.List()
	response := make([]MarketInfo, 0, len(insts))
	for _, inst := range insts {
		var tp *market.Ticker
		if t, ok := s.market.Ticker(inst.Symbol); ok {
			tp = &t
		}
		response = append(response, toMarketInfo(inst, tp))
	}
	respondJSON(w, response)
}

func (s *Server) handleGetMarket(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]

	inst, err := s.market.Instrument(symbol)
	if err != nil {
		respondError(w, http.StatusNotFound, "market_not_found", err.Error())
		return
	}
	var tp *market.Ticker
	if t, ok := s.market.Ticker(symbol); ok {
		tp = &t
	}
	respondJSON(w, toMarketInfo(inst, tp))
}

func (s *Server) handleGetSnapshot(w http.ResponseWriter, r *http.Request, accountID string) {
	snap, err := s.snapshot(accountID)
	if err != nil {
		s.respondEngineError(w, err)
		return
	}
	respondJSON(w, snap)
}

func (s *Server) snapshot(accountID string) (any, error) {
	snap, err := s.engine.GetSnapshot(accountID)
	if err != nil {
		return nil, err
	}
	return toSnapshot(snap), nil
}

func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request, accountID string) {
	activeOnly := r.URL.Query().Get("active") == "true"
	orders, err := s.engine.ListOrders(accountID, activeOnly)
	if err != nil {
		s.respondEngineError(w, err)
		return
	}
	respondJSON(w, toOrderInfos(orders))
}

func (s *Server) handlePlaceOrder(w http.ResponseWriter, r *http.Request, accountID string) {
	var req PlaceOrderRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	o, err := s.engine.PlaceOrder(r.Context(), trading.PlaceRequest{
		AccountID:      accountID,
		Symbol:         req.Symbol,
		Direction:      req.Direction,
		Stake:          req.Stake,
		ExpiryMs:       req.ExpiryMs,
		ClaimedPrice:   req.ClaimedPrice,
		ClaimedBalance: req.ClaimedBalance,
	})
	if err != nil {
		s.respondEngineError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(toOrderInfo(o))
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request, accountID string) {
	o, err := s.engine.GetOrder(accountID, mux.Vars(r)["id"])
	if err != nil {
		s.respondEngineError(w, err)
		return
	}
	respondJSON(w, toOrderInfo(o))
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	acct, ok := accountVar(w, r)
	if !ok {
		return
	}
	var req DepositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	amount, err := trading.ParseStake(req.Amount)
	if err != nil {
		s.respondEngineError(w, err)
		return
	}
	b, err := s.engine.Deposit(acct, amount)
	if err != nil {
		s.respondEngineError(w, err)
		return
	}
	respondJSON(w, toBalanceInfos([]ledger.Balance{b})[0])
}

func (s *Server) handleSetTrading(w http.ResponseWriter, r *http.Request) {
	acct, ok := accountVar(w, r)
	if !ok {
		return
	}
	var req FlagRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	st, err := s.engine.SetTradingEnabled(acct, req.Value)
	if err != nil {
		s.respondEngineError(w, err)
		return
	}
	respondJSON(w, toAccountInfo(st))
}

func (s *Server) handleSetBlocked(w http.ResponseWriter, r *http.Request) {
	acct, ok := accountVar(w, r)
	if !ok {
		return
	}
	var req FlagRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	st, err := s.engine.SetBlocked(acct, req.Value)
	if err != nil {
		s.respondEngineError(w, err)
		return
	}
	respondJSON(w, toAccountInfo(st))
}

func (s *Server) handleDeleteOrder(w http.ResponseWriter, r *http.Request) {
	o, err := s.engine.DeleteOrder(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.respondEngineError(w, err)
		return
	}
	respondJSON(w, toOrderInfo(o))
}

func (s *Server) handleSettleOrder(w http.ResponseWriter, r *http.Request) {
	o, err := s.engine.SettleOrder(r.Context(), mux.Vars(r)["id"])
	if err != nil && (o == nil || !errors.Is(err, trading.ErrDoubleSettlement)) {
		s.respondEngineError(w, err)
		return
	}
	respondJSON(w, toOrderInfo(o))
}

func (s *Server) handleSetMarketStatus(w http.ResponseWriter, r *http.Request) {
	var req MarketStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	status, err := market.ParseStatus(req.Status)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_status", err.Error())
		return
	}
	symbol := mux.Vars(r)["symbol"]
	if err := s.market.UpdateStatus(symbol, status); err != nil {
		respondError(w, http.StatusNotFound, "market_not_found", err.Error())
		return
	}
	s.log.Infow("market_status_changed", "symbol", symbol, "status", status)
	inst, _ := s.market.Instrument(symbol)
	respondJSON(w, toMarketInfo(inst, nil))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]any{"status": "ok", "armed": s.engine.Armed()})
}

// ==============================
// Helper Functions
// ==============================

func respondJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, reason string, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   reason,
		Message: message,
	})
}

// accountVar reads the {account} path segment of an operator route
func accountVar(w http.ResponseWriter, r *http.Request) (string, bool) {
	acct := mux.Vars(r)["account"]
	if err := account.ValidateID(acct); err != nil {
		respondError(w, http.StatusBadRequest, trading.CodeInvalidRequest, err.Error())
		return "", false
	}
	return acct, true
}

// respondEngineError maps a core error to its HTTP status and reason code
func (s *Server) respondEngineError(w http.ResponseWriter, err error) {
	reason := trading.Reason(err)
	status := http.StatusInternalServerError

	var ve *trading.ValidationError
	switch {
	case errors.As(err, &ve):
		status = http.StatusBadRequest
	case errors.Is(err, trading.ErrAccountRestricted), errors.Is(err, trading.ErrTamperSuspected):
		status = http.StatusForbidden
	case errors.Is(err, ledger.ErrInsufficientFunds):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, ledger.ErrInvalidAmount), errors.Is(err, account.ErrInvalidID):
		status = http.StatusBadRequest
	case errors.Is(err, order.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, order.ErrNotActive), errors.Is(err, trading.ErrNotExpired):
		status = http.StatusConflict
	}

	if status == http.StatusInternalServerError {
		s.log.Errorw("request_failed", "err", err)
		respondError(w, status, reason, "")
		return
	}
	respondError(w, status, reason, err.Error())
}

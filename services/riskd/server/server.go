// Package server exposes the risk engine over HTTP: deposit and withdrawal
// settlement, portfolio valuation, exposure queries, and the administrative
// surface for listings, risk parameters, oracles and pool reserves.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kishansudani/accounts-v2/assets"
	"github.com/kishansudani/accounts-v2/assets/derived"
	"github.com/kishansudani/accounts-v2/assets/primary"
	"github.com/kishansudani/accounts-v2/oracle"
	"github.com/kishansudani/accounts-v2/registry"
)

// Engine bundles the wired risk engine components the server fronts.
type Engine struct {
	Registry *registry.Registry
	Tokens   *primary.Module
	Floors   *primary.Module
	Pool     *derived.PoolModule
	Reserves *derived.ManualReserves
	Oracle   *oracle.Hub
	Feeds    map[string]*oracle.ManualFeed
}

// Server handles the riskd HTTP API.
type Server struct {
	engine Engine
	logger *slog.Logger
	auth   *Authenticator
	limits *RateLimiter
	obs    *Observability
}

// Options configures the server's middleware stack.
type Options struct {
	Auth          *Authenticator
	RateLimiter   *RateLimiter
	Observability *Observability
}

// New constructs a server over a wired engine.
func New(engine Engine, logger *slog.Logger, opts Options) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		engine: engine,
		logger: logger,
		auth:   opts.Auth,
		limits: opts.RateLimiter,
		obs:    opts.Observability,
	}
}

// Router assembles the HTTP routes. Mutating routes require the risk:write
// scope, administrative ones risk:admin.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(requestID)
	if s.limits != nil {
		r.Use(s.limits.Middleware)
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if s.obs != nil {
		r.Handle("/metrics", s.obs.MetricsHandler())
	}

	r.Route("/v1", func(v1 chi.Router) {
		if s.obs != nil {
			v1.Use(s.obs.Middleware("v1"))
		}
		v1.Group(func(write chi.Router) {
			if s.auth != nil {
				write.Use(s.auth.Middleware("risk:write"))
			}
			write.Post("/deposits", s.handleDeposit)
			write.Post("/withdrawals", s.handleWithdrawal)
		})
		v1.Group(func(read chi.Router) {
			if s.auth != nil {
				read.Use(s.auth.Middleware())
			}
			read.Post("/valuations", s.handleValuation)
			read.Get("/exposures/{creditor}/{asset}/{id}", s.handleExposure)
		})
		v1.Route("/admin", func(admin chi.Router) {
			if s.auth != nil {
				admin.Use(s.auth.Middleware("risk:admin"))
			}
			admin.Post("/token-assets", s.handleAddTokenAsset)
			admin.Post("/pool-assets", s.handleAddPoolAsset)
			admin.Post("/token-risk", s.handleTokenRisk)
			admin.Post("/pool-risk", s.handlePoolRisk)
			admin.Post("/oracles", s.handleSetOracles)
			admin.Post("/reserves", s.handleSetReserves)
			admin.Post("/rates", s.handleSetRate)
		})
	})
	return r
}

type flowRequest struct {
	Creditor string `json:"creditor"`
	Asset    string `json:"asset"`
	ID       uint64 `json:"id"`
	Amount   string `json:"amount"`
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	s.handleFlow(w, r, s.engine.Registry.Deposit)
}

func (s *Server) handleWithdrawal(w http.ResponseWriter, r *http.Request) {
	s.handleFlow(w, r, s.engine.Registry.Withdraw)
}

func (s *Server) handleFlow(w http.ResponseWriter, r *http.Request,
	apply func(creditor, asset common.Address, id uint64, amount *big.Int) error) {
	var req flowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	creditor, err := parseAddress(req.Creditor)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	asset, err := parseAddress(req.Asset)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := apply(creditor, asset, req.ID, amount); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "settled"})
}

type valuationRequest struct {
	Creditor string `json:"creditor"`
	Entries  []struct {
		Asset  string `json:"asset"`
		ID     uint64 `json:"id"`
		Amount string `json:"amount"`
	} `json:"entries"`
}

type valuationResponse struct {
	Total       string `json:"total"`
	Collateral  string `json:"collateral"`
	Liquidation string `json:"liquidation"`
}

func (s *Server) handleValuation(w http.ResponseWriter, r *http.Request) {
	var req valuationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	creditor, err := parseAddress(req.Creditor)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	entries := make([]registry.AssetAmount, 0, len(req.Entries))
	for _, entry := range req.Entries {
		asset, err := parseAddress(entry.Asset)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		amount, err := parseAmount(entry.Amount)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		entries = append(entries, registry.AssetAmount{Asset: asset, ID: entry.ID, Amount: amount})
	}
	total, err := s.engine.Registry.TotalValue(creditor, entries)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	collateral, err := s.engine.Registry.CollateralValue(creditor, entries)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	liquidation, err := s.engine.Registry.LiquidationValue(creditor, entries)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, valuationResponse{
		Total:       total.String(),
		Collateral:  collateral.String(),
		Liquidation: liquidation.String(),
	})
}

type exposureResponse struct {
	Exposure string `json:"exposure"`
	Ceiling  string `json:"ceiling,omitempty"`
	USD      string `json:"usd,omitempty"`
}

func (s *Server) handleExposure(w http.ResponseWriter, r *http.Request) {
	creditor, err := parseAddress(chi.URLParam(r, "creditor"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	asset, err := parseAddress(chi.URLParam(r, "asset"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("parse id: %w", err))
		return
	}
	mod, err := s.engine.Registry.ModuleOf(asset)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	switch owner := mod.(type) {
	case *primary.Module:
		last, max, err := owner.Exposure(creditor, asset, id)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, exposureResponse{Exposure: last.String(), Ceiling: max.String()})
	case *derived.PoolModule:
		last, usd, err := owner.Exposures(creditor, asset, id)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, exposureResponse{Exposure: last.String(), USD: usd.String()})
	default:
		writeError(w, http.StatusNotFound, registry.ErrAssetNotRouted)
	}
}

type tokenAssetRequest struct {
	Asset    string   `json:"asset"`
	ID       uint64   `json:"id"`
	Decimals uint8    `json:"decimals"`
	Oracles  []string `json:"oracles"`
	Floor    bool     `json:"floor"`
}

func (s *Server) handleAddTokenAsset(w http.ResponseWriter, r *http.Request) {
	var req tokenAssetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	asset, err := parseAddress(req.Asset)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	mod := s.engine.Tokens
	if req.Floor {
		mod = s.engine.Floors
	}
	if mod == nil {
		writeError(w, http.StatusNotFound, registry.ErrAssetNotRouted)
		return
	}
	err = s.engine.Registry.Execute(func() error {
		return mod.AddAsset(asset, req.ID, req.Decimals, oracle.Sequence(req.Oracles))
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if _, err := s.engine.Registry.ModuleOf(asset); errors.Is(err, registry.ErrAssetNotRouted) {
		if err := s.engine.Registry.AddAsset(asset, mod); err != nil {
			writeEngineError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "listed"})
}

type assetRef struct {
	Asset string `json:"asset"`
	ID    uint64 `json:"id"`
}

type poolAssetRequest struct {
	Asset  string   `json:"asset"`
	ID     uint64   `json:"id"`
	Token0 assetRef `json:"token0"`
	Token1 assetRef `json:"token1"`
}

func (s *Server) handleAddPoolAsset(w http.ResponseWriter, r *http.Request) {
	var req poolAssetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	asset, err := parseAddress(req.Asset)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	token0, err := parseAssetRef(req.Token0)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	token1, err := parseAssetRef(req.Token1)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if s.engine.Pool == nil {
		writeError(w, http.StatusNotFound, registry.ErrAssetNotRouted)
		return
	}
	err = s.engine.Registry.Execute(func() error {
		return s.engine.Pool.AddAsset(asset, req.ID, token0, token1)
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if _, err := s.engine.Registry.ModuleOf(asset); errors.Is(err, registry.ErrAssetNotRouted) {
		if err := s.engine.Registry.AddDerivedAsset(asset, s.engine.Pool, []assets.AssetKey{token0, token1}); err != nil {
			writeEngineError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "listed"})
}

type tokenRiskRequest struct {
	Creditor          string `json:"creditor"`
	Asset             string `json:"asset"`
	ID                uint64 `json:"id"`
	MaxExposure       string `json:"maxExposure"`
	CollateralFactor  uint64 `json:"collateralFactor"`
	LiquidationFactor uint64 `json:"liquidationFactor"`
	Floor             bool   `json:"floor"`
}

func (s *Server) handleTokenRisk(w http.ResponseWriter, r *http.Request) {
	var req tokenRiskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	creditor, err := parseAddress(req.Creditor)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	asset, err := parseAddress(req.Asset)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	max, err := parseAmount(req.MaxExposure)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	mod := s.engine.Tokens
	if req.Floor {
		mod = s.engine.Floors
	}
	if mod == nil {
		writeError(w, http.StatusNotFound, registry.ErrAssetNotRouted)
		return
	}
	err = s.engine.Registry.Execute(func() error {
		return mod.SetRiskParameters(creditor, asset, req.ID, max, req.CollateralFactor, req.LiquidationFactor)
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

type poolRiskRequest struct {
	Creditor       string `json:"creditor"`
	MaxUsdExposure string `json:"maxUsdExposure"`
	RiskFactor     uint64 `json:"riskFactor"`
}

func (s *Server) handlePoolRisk(w http.ResponseWriter, r *http.Request) {
	var req poolRiskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	creditor, err := parseAddress(req.Creditor)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	max, err := parseAmount(req.MaxUsdExposure)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if s.engine.Pool == nil {
		writeError(w, http.StatusNotFound, registry.ErrAssetNotRouted)
		return
	}
	err = s.engine.Registry.Execute(func() error {
		return s.engine.Pool.SetRiskParameters(creditor, max, req.RiskFactor)
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

type oraclesRequest struct {
	Asset   string   `json:"asset"`
	ID      uint64   `json:"id"`
	Oracles []string `json:"oracles"`
	Floor   bool     `json:"floor"`
}

func (s *Server) handleSetOracles(w http.ResponseWriter, r *http.Request) {
	var req oraclesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	asset, err := parseAddress(req.Asset)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	mod := s.engine.Tokens
	if req.Floor {
		mod = s.engine.Floors
	}
	if mod == nil {
		writeError(w, http.StatusNotFound, registry.ErrAssetNotRouted)
		return
	}
	err = s.engine.Registry.Execute(func() error {
		return mod.SetOracles(asset, req.ID, oracle.Sequence(req.Oracles))
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

type reservesRequest struct {
	Asset    string `json:"asset"`
	ID       uint64 `json:"id"`
	Reserve0 string `json:"reserve0"`
	Reserve1 string `json:"reserve1"`
	Supply   string `json:"supply"`
}

func (s *Server) handleSetReserves(w http.ResponseWriter, r *http.Request) {
	var req reservesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	asset, err := parseAddress(req.Asset)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	reserve0, err := parseAmount(req.Reserve0)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	reserve1, err := parseAmount(req.Reserve1)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	supply, err := parseAmount(req.Supply)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if s.engine.Reserves == nil {
		writeError(w, http.StatusNotFound, registry.ErrAssetNotRouted)
		return
	}
	if err := s.engine.Reserves.SetReserves(asset, req.ID, reserve0, reserve1, supply); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

type rateRequest struct {
	Feed string `json:"feed"`
	Rate string `json:"rate"`
}

func (s *Server) handleSetRate(w http.ResponseWriter, r *http.Request) {
	var req rateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	feed, ok := s.engine.Feeds[req.Feed]
	if !ok {
		writeError(w, http.StatusNotFound, oracle.ErrUnknownFeed)
		return
	}
	rate, err := parseAmount(req.Rate)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := feed.SetRate(rate); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func parseAddress(raw string) (common.Address, error) {
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("invalid address %q", raw)
	}
	return common.HexToAddress(raw), nil
}

func parseAssetRef(ref assetRef) (assets.AssetKey, error) {
	addr, err := parseAddress(ref.Asset)
	if err != nil {
		return assets.AssetKey{}, err
	}
	return assets.Key(addr, ref.ID), nil
}

func parseAmount(raw string) (*big.Int, error) {
	amount, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", raw)
	}
	if amount.Sign() < 0 {
		return nil, fmt.Errorf("amount %q must be non-negative", raw)
	}
	return amount, nil
}

// writeEngineError maps engine error taxonomy onto HTTP statuses.
func writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, assets.ErrExposureExceeded),
		errors.Is(err, assets.ErrOracleStillActive),
		errors.Is(err, registry.ErrAssetAlreadyRouted),
		errors.Is(err, registry.ErrCyclicDependency):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, assets.ErrOutOfRange),
		errors.Is(err, assets.ErrRiskFactorNotInLimits),
		errors.Is(err, assets.ErrBadOracleSequence):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, registry.ErrAssetNotRouted),
		errors.Is(err, assets.ErrUnknownAsset),
		errors.Is(err, oracle.ErrUnknownFeed):
		writeError(w, http.StatusNotFound, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// requestID tags every request and response with a correlation id.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r)
	})
}

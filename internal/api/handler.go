// Package api exposes the engine over HTTP. Every mutation takes an optional
// block_time (unix seconds); when it is zero the handler uses the wall clock.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/fcash-engine/internal/contract"
	"github.com/atmx/fcash-engine/internal/engine"
	"github.com/atmx/fcash-engine/internal/model"
	"github.com/atmx/fcash-engine/internal/oracle"
)

// Handler serves the engine API.
type Handler struct {
	svc   *engine.Service
	rates *oracle.Static // optional; enables PUT /oracle/{currency}
	now   func() time.Time
}

// NewHandler creates a Handler. Pass nil for rates to disable rate updates.
func NewHandler(svc *engine.Service, rates *oracle.Static) *Handler {
	return &Handler{svc: svc, rates: rates, now: time.Now}
}

// WithClock replaces the clock used when a request carries no block time.
func (h *Handler) WithClock(now func() time.Time) *Handler {
	h.now = now
	return h
}

// Routes returns the API router, to be mounted under /api/v1.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	h.Register(r)
	return r
}

// Register adds the API routes to r.
func (h *Handler) Register(r chi.Router) {
	r.Get("/currencies", h.ListCurrencies)
	r.Post("/currencies", h.ListCurrency)
	r.Get("/currencies/{currency}", h.GetCurrency)
	r.Get("/currencies/{currency}/cash-group", h.GetCashGroup)
	r.Put("/currencies/{currency}/cash-group", h.UpdateCashGroup)
	r.Get("/currencies/{currency}/markets", h.GetActiveMarkets)
	r.Post("/currencies/{currency}/markets", h.InitializeMarket)
	r.Get("/currencies/{currency}/markets/{maturity}", h.GetMarket)
	r.Get("/currencies/{currency}/settlement-rates/{maturity}", h.GetSettlementRate)
	r.Get("/markets/{ticker}", h.GetMarketByTicker)

	r.Post("/trade", h.Trade)
	r.Post("/liquidity/add", h.AddLiquidity)
	r.Post("/liquidity/remove", h.RemoveLiquidity)
	r.Post("/liquidate", h.Liquidate)

	r.Route("/accounts/{account}", func(r chi.Router) {
		r.Post("/deposit", h.Deposit)
		r.Post("/withdraw", h.Withdraw)
		r.Post("/bitmap", h.EnableBitmapCurrency)
		r.Post("/settle", h.SettleAccount)
		r.Get("/portfolio", h.GetPortfolio)
		r.Get("/context", h.GetAccountContext)
		r.Get("/balances/{currency}", h.GetBalance)
		r.Get("/free-collateral", h.GetFreeCollateral)
		r.Get("/value", h.GetAccountValue)
		r.Get("/events", h.ListEvents)
	})

	r.Get("/conservation", h.CheckConservation)
	if h.rates != nil {
		r.Put("/oracle/{currency}", h.SetRates)
	}
}

// --- Request/Response types ---

// ListCurrencyRequest is the JSON body for POST /currencies.
type ListCurrencyRequest struct {
	Currency  model.Currency        `json:"currency"`
	CashGroup model.CashGroupConfig `json:"cash_group"`
	BlockTime int64                 `json:"block_time"`
}

// CashGroupRequest is the JSON body for PUT /currencies/{currency}/cash-group.
type CashGroupRequest struct {
	model.CashGroupConfig
	BlockTime int64 `json:"block_time"`
}

// BalanceRequest is the JSON body of deposit, withdraw and bitmap calls.
type BalanceRequest struct {
	CurrencyID uint16          `json:"currency_id"`
	Amount     decimal.Decimal `json:"amount"`
	BlockTime  int64           `json:"block_time"`
}

// MarketView is a market with its fCash ticker.
type MarketView struct {
	model.Market
	Ticker string `json:"ticker"`
}

// --- Handlers ---

func (h *Handler) ListCurrencies(w http.ResponseWriter, r *http.Request) {
	cs, err := h.svc.ListCurrencies(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if cs == nil {
		cs = []model.Currency{}
	}
	writeJSON(w, http.StatusOK, cs)
}

func (h *Handler) ListCurrency(w http.ResponseWriter, r *http.Request) {
	var req ListCurrencyRequest
	if !decode(w, r, &req) {
		return
	}
	if req.CashGroup.CurrencyID == 0 {
		req.CashGroup.CurrencyID = req.Currency.ID
	}
	if err := h.svc.ListCurrency(r.Context(), req.Currency, req.CashGroup, h.blockTime(req.BlockTime)); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, req.Currency)
}

func (h *Handler) GetCurrency(w http.ResponseWriter, r *http.Request) {
	id, ok := currencyParam(w, r)
	if !ok {
		return
	}
	c, err := h.svc.GetCurrency(r.Context(), id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *Handler) GetCashGroup(w http.ResponseWriter, r *http.Request) {
	id, ok := currencyParam(w, r)
	if !ok {
		return
	}
	cfg, err := h.svc.GetCashGroup(r.Context(), id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (h *Handler) UpdateCashGroup(w http.ResponseWriter, r *http.Request) {
	id, ok := currencyParam(w, r)
	if !ok {
		return
	}
	var req CashGroupRequest
	if !decode(w, r, &req) {
		return
	}
	req.CurrencyID = id
	if err := h.svc.UpdateCashGroup(r.Context(), req.CashGroupConfig, h.blockTime(req.BlockTime)); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req.CashGroupConfig)
}

func (h *Handler) GetActiveMarkets(w http.ResponseWriter, r *http.Request) {
	id, ok := currencyParam(w, r)
	if !ok {
		return
	}
	bt, ok := h.queryBlockTime(w, r)
	if !ok {
		return
	}
	ms, err := h.svc.GetActiveMarkets(r.Context(), id, bt)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	c, err := h.svc.GetCurrency(r.Context(), id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	views := make([]MarketView, 0, len(ms))
	for _, m := range ms {
		views = append(views, MarketView{Market: m, Ticker: contract.FormatTicker(c.Symbol, m.Maturity)})
	}
	writeJSON(w, http.StatusOK, views)
}

func (h *Handler) InitializeMarket(w http.ResponseWriter, r *http.Request) {
	id, ok := currencyParam(w, r)
	if !ok {
		return
	}
	var req engine.InitializeMarketRequest
	if !decode(w, r, &req) {
		return
	}
	req.CurrencyID = id
	req.BlockTime = h.blockTime(req.BlockTime)
	m, err := h.svc.InitializeMarket(r.Context(), req)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, h.view(r, m))
}

func (h *Handler) GetMarket(w http.ResponseWriter, r *http.Request) {
	id, ok := currencyParam(w, r)
	if !ok {
		return
	}
	maturity, err := strconv.ParseInt(chi.URLParam(r, "maturity"), 10, 64)
	if err != nil {
		writeError(w, "invalid maturity", "InvalidRequest", http.StatusBadRequest)
		return
	}
	h.writeMarket(w, r, id, maturity)
}

// GetMarketByTicker resolves FCASH-{SYMBOL}-{YYYYMMDD} to a market.
func (h *Handler) GetMarketByTicker(w http.ResponseWriter, r *http.Request) {
	c, err := contract.ParseTicker(chi.URLParam(r, "ticker"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	cur, err := h.currencyBySymbol(r, c.Symbol)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	h.writeMarket(w, r, cur.ID, c.Maturity)
}

func (h *Handler) writeMarket(w http.ResponseWriter, r *http.Request, currencyID uint16, maturity int64) {
	bt, ok := h.queryBlockTime(w, r)
	if !ok {
		return
	}
	m, err := h.svc.GetMarket(r.Context(), currencyID, maturity, bt)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.view(r, m))
}

func (h *Handler) GetSettlementRate(w http.ResponseWriter, r *http.Request) {
	id, ok := currencyParam(w, r)
	if !ok {
		return
	}
	maturity, err := strconv.ParseInt(chi.URLParam(r, "maturity"), 10, 64)
	if err != nil {
		writeError(w, "invalid maturity", "InvalidRequest", http.StatusBadRequest)
		return
	}
	sr, err := h.svc.GetSettlementRate(r.Context(), id, maturity)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sr)
}

func (h *Handler) Trade(w http.ResponseWriter, r *http.Request) {
	var req engine.TradeRequest
	if !decode(w, r, &req) {
		return
	}
	req.BlockTime = h.blockTime(req.BlockTime)
	resp, err := h.svc.Trade(r.Context(), req)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) AddLiquidity(w http.ResponseWriter, r *http.Request) {
	var req engine.LiquidityRequest
	if !decode(w, r, &req) {
		return
	}
	req.BlockTime = h.blockTime(req.BlockTime)
	resp, err := h.svc.AddLiquidity(r.Context(), req)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) RemoveLiquidity(w http.ResponseWriter, r *http.Request) {
	var req engine.LiquidityRequest
	if !decode(w, r, &req) {
		return
	}
	req.BlockTime = h.blockTime(req.BlockTime)
	resp, err := h.svc.RemoveLiquidity(r.Context(), req)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) Liquidate(w http.ResponseWriter, r *http.Request) {
	var req engine.LiquidateRequest
	if !decode(w, r, &req) {
		return
	}
	req.BlockTime = h.blockTime(req.BlockTime)
	res, err := h.svc.LiquidateLocalCurrency(r.Context(), req)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) Deposit(w http.ResponseWriter, r *http.Request) {
	var req BalanceRequest
	if !decode(w, r, &req) {
		return
	}
	account := chi.URLParam(r, "account")
	got, err := h.svc.Deposit(r.Context(), account, req.CurrencyID, req.Amount, h.blockTime(req.BlockTime))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"account": account, "currency_id": req.CurrencyID, "received": got})
}

func (h *Handler) Withdraw(w http.ResponseWriter, r *http.Request) {
	var req BalanceRequest
	if !decode(w, r, &req) {
		return
	}
	account := chi.URLParam(r, "account")
	if err := h.svc.Withdraw(r.Context(), account, req.CurrencyID, req.Amount, h.blockTime(req.BlockTime)); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"account": account, "currency_id": req.CurrencyID, "withdrawn": req.Amount})
}

func (h *Handler) EnableBitmapCurrency(w http.ResponseWriter, r *http.Request) {
	var req BalanceRequest
	if !decode(w, r, &req) {
		return
	}
	account := chi.URLParam(r, "account")
	if err := h.svc.EnableBitmapCurrency(r.Context(), account, req.CurrencyID, h.blockTime(req.BlockTime)); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"account": account, "bitmap_currency_id": req.CurrencyID})
}

func (h *Handler) SettleAccount(w http.ResponseWriter, r *http.Request) {
	var req struct {
		BlockTime int64 `json:"block_time"`
	}
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}
	settled, err := h.svc.SettleAccount(r.Context(), chi.URLParam(r, "account"), h.blockTime(req.BlockTime))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"settled": settled})
}

func (h *Handler) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	assets, err := h.svc.GetAccountPortfolio(r.Context(), chi.URLParam(r, "account"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if assets == nil {
		assets = []model.Asset{}
	}
	writeJSON(w, http.StatusOK, assets)
}

func (h *Handler) GetAccountContext(w http.ResponseWriter, r *http.Request) {
	ac, err := h.svc.GetAccountContext(r.Context(), chi.URLParam(r, "account"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ac)
}

func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	id, ok := currencyParam(w, r)
	if !ok {
		return
	}
	b, err := h.svc.GetBalance(r.Context(), chi.URLParam(r, "account"), id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (h *Handler) GetFreeCollateral(w http.ResponseWriter, r *http.Request) {
	bt, ok := h.queryBlockTime(w, r)
	if !ok {
		return
	}
	res, err := h.svc.GetFreeCollateral(r.Context(), chi.URLParam(r, "account"), bt)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) GetAccountValue(w http.ResponseWriter, r *http.Request) {
	bt, ok := h.queryBlockTime(w, r)
	if !ok {
		return
	}
	vals, err := h.svc.GetAccountValue(r.Context(), chi.URLParam(r, "account"), bt)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, vals)
}

func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	evs, err := h.svc.ListEvents(r.Context(), chi.URLParam(r, "account"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if evs == nil {
		evs = []model.Event{}
	}
	writeJSON(w, http.StatusOK, evs)
}

func (h *Handler) CheckConservation(w http.ResponseWriter, r *http.Request) {
	bt, ok := h.queryBlockTime(w, r)
	if !ok {
		return
	}
	if err := h.svc.CheckConservation(r.Context(), bt); err != nil {
		if errors.Is(err, engine.ErrConservation) {
			slog.Error("conservation check failed", "error", err)
			writeError(w, err.Error(), "ConservationViolated", http.StatusInternalServerError)
			return
		}
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) SetRates(w http.ResponseWriter, r *http.Request) {
	id, ok := currencyParam(w, r)
	if !ok {
		return
	}
	var req oracle.Rates
	if !decode(w, r, &req) {
		return
	}
	if err := h.rates.Set(id, req); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// --- helpers ---

func (h *Handler) blockTime(bt int64) int64 {
	if bt != 0 {
		return bt
	}
	return h.now().Unix()
}

func (h *Handler) queryBlockTime(w http.ResponseWriter, r *http.Request) (int64, bool) {
	s := r.URL.Query().Get("block_time")
	if s == "" {
		return h.now().Unix(), true
	}
	bt, err := strconv.ParseInt(s, 10, 64)
	if err != nil || bt <= 0 {
		writeError(w, "invalid block_time", "InvalidRequest", http.StatusBadRequest)
		return 0, false
	}
	return bt, true
}

func (h *Handler) view(r *http.Request, m model.Market) MarketView {
	mv := MarketView{Market: m}
	if c, err := h.svc.GetCurrency(r.Context(), m.CurrencyID); err == nil {
		mv.Ticker = contract.FormatTicker(c.Symbol, m.Maturity)
	}
	return mv
}

func (h *Handler) currencyBySymbol(r *http.Request, symbol string) (*model.Currency, error) {
	cs, err := h.svc.ListCurrencies(r.Context())
	if err != nil {
		return nil, err
	}
	for i := range cs {
		if strings.EqualFold(cs[i].Symbol, symbol) {
			return &cs[i], nil
		}
	}
	return nil, fmt.Errorf("currency %s: %w", symbol, model.ErrNotFound)
}

func currencyParam(w http.ResponseWriter, r *http.Request) (uint16, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "currency"), 10, 16)
	if err != nil || id == 0 {
		writeError(w, "invalid currency id", "InvalidRequest", http.StatusBadRequest)
		return 0, false
	}
	return uint16(id), true
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, "invalid JSON: "+err.Error(), "InvalidRequest", http.StatusBadRequest)
		return false
	}
	return true
}

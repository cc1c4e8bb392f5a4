package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/atmx/fcash-engine/internal/contract"
	"github.com/atmx/fcash-engine/internal/model"
)

// ErrorResponse is the JSON body of every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var statusByCode = map[string]int{
	"NotFound":                   http.StatusNotFound,
	"AlreadyExists":              http.StatusConflict,
	"InvalidConfig":              http.StatusBadRequest,
	"NegativeAmount":             http.StatusBadRequest,
	"NegativeWithdraw":           http.StatusBadRequest,
	"InvalidMaturity":            http.StatusBadRequest,
	"InvalidMarket":              http.StatusBadRequest,
	"InvalidProportion":          http.StatusConflict,
	"InsufficientLiquidity":      http.StatusConflict,
	"SlippageExceeded":           http.StatusConflict,
	"InsufficientCash":           http.StatusConflict,
	"InsufficientFreeCollateral": http.StatusConflict,
	"OverMaxAssets":              http.StatusConflict,
	"MarketMatured":              http.StatusConflict,
	"CannotLiquidate":            http.StatusConflict,
	"BitmapCurrency":             http.StatusConflict,
	"PositionLimitExceeded":      http.StatusConflict,
	"Overflow":                   http.StatusUnprocessableEntity,
}

// writeEngineError maps err onto its taxonomy code and HTTP status.
func writeEngineError(w http.ResponseWriter, err error) {
	if errors.Is(err, contract.ErrInvalidTicker) || errors.Is(err, contract.ErrInvalidMaturity) {
		writeError(w, err.Error(), "InvalidTicker", http.StatusBadRequest)
		return
	}
	code := model.Code(err)
	status, ok := statusByCode[code]
	if !ok {
		slog.Error("request failed", "error", err)
		writeError(w, "internal error", code, http.StatusInternalServerError)
		return
	}
	writeError(w, err.Error(), code, status)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message, code string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{Error: message, Code: code})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

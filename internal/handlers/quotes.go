package handlers

import (
	stderrors "errors"
	"net/http"
	"strings"

	"market-cache/internal/common/errors"
	"market-cache/internal/warmer"

	"github.com/gorilla/mux"
)

// defaultTimeframe is used when a quote request names none
const defaultTimeframe = "1d"

// maxBatchSymbols caps the symbols accepted by one batch request
const maxBatchSymbols = 200

func timeframe(r *http.Request) string {
	if tf := r.URL.Query().Get("timeframe"); tf != "" {
		return tf
	}
	return defaultTimeframe
}

func (h *Handlers) quotesEnabled(w http.ResponseWriter, r *http.Request) bool {
	if h.quotes == nil {
		h.writeError(w, r, errors.UnavailableError("quote provider", nil))
		return false
	}
	return true
}

// GetQuotes returns quotes for a comma-separated list of symbols
// @Summary Get quotes for many symbols
// @Description Cached quotes are served directly; misses are fetched concurrently. Symbols that fail are listed under "failed".
// @Tags quotes
// @Produce json
// @Param symbols query string true "Comma-separated symbols"
// @Param timeframe query string false "Timeframe (default 1d)"
// @Success 200 {object} marketdata.BatchResult
// @Failure 400 {object} errorResponse
// @Router /api/quotes [get]
func (h *Handlers) GetQuotes(w http.ResponseWriter, r *http.Request) {
	if !h.quotesEnabled(w, r) {
		return
	}

	var symbols []string
	for _, s := range strings.Split(r.URL.Query().Get("symbols"), ",") {
		if s = strings.TrimSpace(s); s != "" {
			symbols = append(symbols, s)
		}
	}
	if len(symbols) == 0 {
		h.writeError(w, r, errors.ValidationError("query parameter 'symbols' is required"))
		return
	}
	if len(symbols) > maxBatchSymbols {
		h.writeError(w, r, errors.ValidationError("too many symbols in one request"))
		return
	}

	result, err := h.quotes.GetQuotes(r.Context(), symbols, timeframe(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// GetQuote returns a single quote
// @Summary Get one quote
// @Tags quotes
// @Produce json
// @Param symbol path string true "Symbol"
// @Param timeframe query string false "Timeframe (default 1d)"
// @Success 200 {object} marketdata.Quote
// @Failure 400 {object} errorResponse
// @Failure 502 {object} errorResponse "Provider failed"
// @Router /api/quotes/{symbol} [get]
func (h *Handlers) GetQuote(w http.ResponseWriter, r *http.Request) {
	if !h.quotesEnabled(w, r) {
		return
	}

	quote, err := h.quotes.GetQuote(r.Context(), mux.Vars(r)["symbol"], timeframe(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, quote)
}

// InvalidateSymbol drops every cached timeframe of a symbol
// @Summary Invalidate a symbol
// @Tags quotes
// @Param symbol path string true "Symbol"
// @Success 200 {object} map[string]interface{}
// @Router /api/quotes/{symbol} [delete]
func (h *Handlers) InvalidateSymbol(w http.ResponseWriter, r *http.Request) {
	if !h.quotesEnabled(w, r) {
		return
	}

	symbol := mux.Vars(r)["symbol"]
	removed, err := h.quotes.InvalidateSymbol(r.Context(), symbol)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"symbol": strings.ToUpper(symbol), "removed": removed})
}

// GetWarmerStatus reports the watchlist warmer's schedule and last run
func (h *Handlers) GetWarmerStatus(w http.ResponseWriter, r *http.Request) {
	if h.warmer == nil {
		h.writeError(w, r, errors.NotFoundError("warmer"))
		return
	}
	writeJSON(w, http.StatusOK, h.warmer.Status())
}

// RunWarmer refreshes the watchlist now
func (h *Handlers) RunWarmer(w http.ResponseWriter, r *http.Request) {
	if h.warmer == nil {
		h.writeError(w, r, errors.NotFoundError("warmer"))
		return
	}

	result, err := h.warmer.RunOnce(r.Context())
	if err != nil {
		if stderrors.Is(err, warmer.ErrRunning) {
			writeJSON(w, http.StatusConflict, errorResponse{
				Error:   http.StatusText(http.StatusConflict),
				Type:    string(errors.ErrTypeValidation),
				Message: "warm run already in progress",
			})
			return
		}
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

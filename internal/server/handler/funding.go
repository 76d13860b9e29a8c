package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/novafund/lifeperp/internal/domain"
)

// FundingRateSource computes the funding rate from the current mark and
// index prices.
type FundingRateSource interface {
	CurrentFundingRate(ctx context.Context) (decimal.Decimal, error)
}

// FundingHandler serves funding-rate and settlement-history endpoints.
type FundingHandler struct {
	rates  FundingRateSource
	store  domain.FundingStore
	logger *slog.Logger
}

// NewFundingHandler creates a FundingHandler.
func NewFundingHandler(rates FundingRateSource, store domain.FundingStore, logger *slog.Logger) *FundingHandler {
	return &FundingHandler{rates: rates, store: store, logger: logger}
}

// GetRate returns the funding rate that would apply right now.
// GET /api/funding/rate
func (h *FundingHandler) GetRate(w http.ResponseWriter, r *http.Request) {
	rate, err := h.rates.CurrentFundingRate(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"rate": rate.String()})
}

// fundingEpochView is the JSON representation of a settlement epoch.
type fundingEpochView struct {
	ID               int64     `json:"id"`
	Rate             string    `json:"rate"`
	MarkPrice        string    `json:"mark_price"`
	IndexValue       string    `json:"index_value"`
	PositionsSettled int       `json:"positions_settled"`
	NetFlow          string    `json:"net_flow"`
	SettledAt        time.Time `json:"settled_at"`
}

// ListEpochs returns settlement epoch history.
// GET /api/funding/epochs
func (h *FundingHandler) ListEpochs(w http.ResponseWriter, r *http.Request) {
	opts := parseListOpts(r)

	epochs, err := h.store.ListEpochs(r.Context(), opts)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list funding epochs failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list funding epochs")
		return
	}

	views := make([]fundingEpochView, 0, len(epochs))
	for _, e := range epochs {
		views = append(views, fundingEpochView{
			ID:               e.ID,
			Rate:             e.Rate.String(),
			MarkPrice:        e.MarkPrice.String(),
			IndexValue:       e.IndexValue.String(),
			PositionsSettled: e.PositionsSettled,
			NetFlow:          e.NetFlow.String(),
			SettledAt:        e.SettledAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"epochs": views, "count": len(views)})
}

// fundingPaymentView is the JSON representation of one position's settlement.
type fundingPaymentView struct {
	PositionID string    `json:"position_id"`
	Account    string    `json:"account"`
	EpochID    int64     `json:"epoch_id"`
	Rate       string    `json:"rate"`
	Amount     string    `json:"amount"`
	At         time.Time `json:"at"`
}

// ListPayments returns funding payments for one account.
// GET /api/funding/payments?account=...
func (h *FundingHandler) ListPayments(w http.ResponseWriter, r *http.Request) {
	account := r.URL.Query().Get("account")
	if account == "" {
		writeError(w, http.StatusBadRequest, "account query parameter is required")
		return
	}
	opts := parseListOpts(r)

	payments, err := h.store.ListPaymentsByAccount(r.Context(), account, opts)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list funding payments failed",
			slog.String("account", account),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list funding payments")
		return
	}

	views := make([]fundingPaymentView, 0, len(payments))
	for _, p := range payments {
		views = append(views, fundingPaymentView{
			PositionID: p.PositionID,
			Account:    p.Account,
			EpochID:    p.EpochID,
			Rate:       p.Rate.String(),
			Amount:     p.Amount.String(),
			At:         p.At,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"payments": views, "count": len(views)})
}

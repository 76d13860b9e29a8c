package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/novafund/lifeperp/internal/domain"
)

// PositionService defines the engine operations the position handler requires.
type PositionService interface {
	OpenPosition(ctx context.Context, account string, isLong bool, size, leverage, margin decimal.Decimal) (domain.Position, error)
	ClosePosition(ctx context.Context, account, positionID string) (decimal.Decimal, error)
	PositionOf(ctx context.Context, account string) (domain.Position, error)
}

// PositionReader defines the read-only ledger queries the handler uses for
// history endpoints.
type PositionReader interface {
	Get(ctx context.Context, id string) (domain.Position, error)
	ListByAccount(ctx context.Context, account string, opts domain.ListOpts) ([]domain.Position, error)
}

// PositionHandler serves position-related HTTP endpoints.
type PositionHandler struct {
	service      PositionService
	ledger       PositionReader
	liquidations domain.LiquidationStore
	logger       *slog.Logger
}

// NewPositionHandler creates a PositionHandler.
func NewPositionHandler(service PositionService, ledger PositionReader, liquidations domain.LiquidationStore, logger *slog.Logger) *PositionHandler {
	return &PositionHandler{
		service:      service,
		ledger:       ledger,
		liquidations: liquidations,
		logger:       logger,
	}
}

// positionView is the JSON representation of a position. Decimals are
// strings to keep exact values across the wire.
type positionView struct {
	ID              string     `json:"id"`
	Account         string     `json:"account"`
	IsLong          bool       `json:"is_long"`
	Size            string     `json:"size"`
	Leverage        string     `json:"leverage"`
	EntryIndexValue string     `json:"entry_index_value"`
	Margin          string     `json:"margin"`
	RealizedPnL     string     `json:"realized_pnl"`
	Status          string     `json:"status"`
	OpenedAt        time.Time  `json:"opened_at"`
	LastFundingAt   time.Time  `json:"last_funding_at"`
	ClosedAt        *time.Time `json:"closed_at,omitempty"`
	ExitIndexValue  *string    `json:"exit_index_value,omitempty"`
}

func toPositionView(p domain.Position) positionView {
	v := positionView{
		ID:              p.ID,
		Account:         p.Account,
		IsLong:          p.IsLong,
		Size:            p.Size.String(),
		Leverage:        p.Leverage.String(),
		EntryIndexValue: p.EntryIndexValue.String(),
		Margin:          p.Margin.String(),
		RealizedPnL:     p.RealizedPnL.String(),
		Status:          string(p.Status),
		OpenedAt:        p.OpenedAt,
		LastFundingAt:   p.LastFundingAt,
		ClosedAt:        p.ClosedAt,
	}
	if p.ExitIndexValue != nil {
		s := p.ExitIndexValue.String()
		v.ExitIndexValue = &s
	}
	return v
}

// openPositionRequest is the body of POST /api/positions.
type openPositionRequest struct {
	Account  string `json:"account"`
	IsLong   bool   `json:"is_long"`
	Size     string `json:"size"`
	Leverage string `json:"leverage"`
	Margin   string `json:"margin"`
}

// OpenPosition opens a new leveraged position.
// POST /api/positions
func (h *PositionHandler) OpenPosition(w http.ResponseWriter, r *http.Request) {
	var req openPositionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	size, err := decimal.NewFromString(req.Size)
	if err != nil {
		writeError(w, http.StatusBadRequest, "size is not a valid decimal")
		return
	}
	leverage, err := decimal.NewFromString(req.Leverage)
	if err != nil {
		writeError(w, http.StatusBadRequest, "leverage is not a valid decimal")
		return
	}
	margin, err := decimal.NewFromString(req.Margin)
	if err != nil {
		writeError(w, http.StatusBadRequest, "margin is not a valid decimal")
		return
	}

	pos, err := h.service.OpenPosition(r.Context(), req.Account, req.IsLong, size, leverage, margin)
	if err != nil {
		h.logger.WarnContext(r.Context(), "handler: open position rejected",
			slog.String("account", req.Account),
			slog.String("error", err.Error()),
		)
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, toPositionView(pos))
}

// closePositionRequest is the body of POST /api/positions/{id}/close.
type closePositionRequest struct {
	Account string `json:"account"`
}

// ClosePosition voluntarily closes a position at the current index value.
// POST /api/positions/{id}/close
func (h *PositionHandler) ClosePosition(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")

	var req closePositionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	pnl, err := h.service.ClosePosition(r.Context(), req.Account, id)
	if err != nil {
		h.logger.WarnContext(r.Context(), "handler: close position rejected",
			slog.String("position_id", id),
			slog.String("error", err.Error()),
		)
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"position_id":  id,
		"realized_pnl": pnl.String(),
	})
}

// GetOpenPosition returns the account's open position.
// GET /api/positions/open?account=...
func (h *PositionHandler) GetOpenPosition(w http.ResponseWriter, r *http.Request) {
	account := r.URL.Query().Get("account")
	if account == "" {
		writeError(w, http.StatusBadRequest, "account query parameter required")
		return
	}

	pos, err := h.service.PositionOf(r.Context(), account)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toPositionView(pos))
}

// GetPosition returns a single position by ID.
// GET /api/positions/{id}
func (h *PositionHandler) GetPosition(w http.ResponseWriter, r *http.Request) {
	pos, err := h.ledger.Get(r.Context(), pathParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toPositionView(pos))
}

// listPositionsResponse wraps the list positions response.
type listPositionsResponse struct {
	Positions []positionView `json:"positions"`
}

// ListPositions returns an account's position history.
// GET /api/positions?account=...
func (h *PositionHandler) ListPositions(w http.ResponseWriter, r *http.Request) {
	account := r.URL.Query().Get("account")
	if account == "" {
		writeError(w, http.StatusBadRequest, "account query parameter required")
		return
	}

	positions, err := h.ledger.ListByAccount(r.Context(), account, parseListOpts(r))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list positions failed",
			slog.String("account", account),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list positions")
		return
	}

	views := make([]positionView, 0, len(positions))
	for _, p := range positions {
		views = append(views, toPositionView(p))
	}
	writeJSON(w, http.StatusOK, listPositionsResponse{Positions: views})
}

// liquidationView is the JSON representation of a liquidation record.
type liquidationView struct {
	ID          string    `json:"id"`
	PositionID  string    `json:"position_id"`
	Account     string    `json:"account"`
	IndexValue  string    `json:"index_value"`
	RealizedPnL string    `json:"realized_pnl"`
	Penalty     string    `json:"penalty"`
	Payout      string    `json:"payout"`
	At          time.Time `json:"at"`
}

func toLiquidationView(rec domain.LiquidationRecord) liquidationView {
	return liquidationView{
		ID:          rec.ID,
		PositionID:  rec.PositionID,
		Account:     rec.Account,
		IndexValue:  rec.IndexValue.String(),
		RealizedPnL: rec.RealizedPnL.String(),
		Penalty:     rec.Penalty.String(),
		Payout:      rec.Payout.String(),
		At:          rec.At,
	}
}

// ListLiquidations returns liquidations, filtered by account when given.
// GET /api/liquidations?account=...
func (h *PositionHandler) ListLiquidations(w http.ResponseWriter, r *http.Request) {
	account := r.URL.Query().Get("account")

	var (
		records []domain.LiquidationRecord
		err     error
	)
	if account != "" {
		records, err = h.liquidations.ListByAccount(r.Context(), account, parseListOpts(r))
	} else {
		records, err = h.liquidations.ListRecent(r.Context(), parseListOpts(r).Limit)
	}
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list liquidations failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list liquidations")
		return
	}

	views := make([]liquidationView, 0, len(records))
	for _, rec := range records {
		views = append(views, toLiquidationView(rec))
	}
	writeJSON(w, http.StatusOK, map[string]any{"liquidations": views})
}

package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/novafund/lifeperp/internal/crypto"
	"github.com/novafund/lifeperp/internal/domain"
)

// FeedService defines the aggregator operations the feed handler requires.
type FeedService interface {
	SubmitReport(ctx context.Context, report domain.Report, now time.Time) error
	ReadValue(now time.Time) (decimal.Decimal, error)
	Status(now time.Time) domain.FeedStatus
	Reporters() []domain.Reporter
}

// FeedHandler serves index-feed HTTP endpoints.
type FeedHandler struct {
	feed   FeedService
	logger *slog.Logger
}

// NewFeedHandler creates a FeedHandler.
func NewFeedHandler(feed FeedService, logger *slog.Logger) *FeedHandler {
	return &FeedHandler{feed: feed, logger: logger}
}

// submitReportRequest is the body of POST /api/feed/reports.
type submitReportRequest struct {
	ReporterID string    `json:"reporter_id"`
	Value      string    `json:"value"`
	At         time.Time `json:"at"`
	Signature  string    `json:"signature,omitempty"` // hex
}

// SubmitReport ingests one reporter observation.
// POST /api/feed/reports
func (h *FeedHandler) SubmitReport(w http.ResponseWriter, r *http.Request) {
	var req submitReportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	value, err := decimal.NewFromString(req.Value)
	if err != nil {
		writeError(w, http.StatusBadRequest, "value is not a valid decimal")
		return
	}

	report := domain.Report{
		ReporterID: req.ReporterID,
		Value:      value,
		At:         req.At,
	}
	if report.At.IsZero() {
		report.At = time.Now().UTC()
	}
	if req.Signature != "" {
		sig, err := crypto.DecodeSignature(req.Signature)
		if err != nil {
			writeError(w, http.StatusBadRequest, "signature is not valid hex")
			return
		}
		report.Signature = sig
	}

	if err := h.feed.SubmitReport(r.Context(), report, time.Now().UTC()); err != nil {
		h.logger.DebugContext(r.Context(), "handler: report rejected",
			slog.String("reporter_id", req.ReporterID),
			slog.String("error", err.Error()),
		)
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// GetValue returns the current accepted index value.
// GET /api/feed/value
func (h *FeedHandler) GetValue(w http.ResponseWriter, r *http.Request) {
	value, err := h.feed.ReadValue(time.Now().UTC())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"value": value.String()})
}

// feedStatusView is the JSON representation of the aggregator snapshot.
type feedStatusView struct {
	HasValue           bool      `json:"has_value"`
	AcceptedValue      string    `json:"accepted_value,omitempty"`
	AcceptedAt         time.Time `json:"accepted_at,omitempty"`
	BreakerActive      bool      `json:"breaker_active"`
	BreakerTrippedAt   time.Time `json:"breaker_tripped_at,omitempty"`
	ActiveReporters    int       `json:"active_reporters"`
	HealthyReporters   int       `json:"healthy_reporters"`
	ReputableReporters int       `json:"reputable_reporters"`
}

// GetStatus returns a snapshot of the aggregator state.
// GET /api/feed/status
func (h *FeedHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	st := h.feed.Status(time.Now().UTC())
	view := feedStatusView{
		HasValue:           st.HasValue,
		BreakerActive:      st.BreakerActive,
		BreakerTrippedAt:   st.BreakerTrippedAt,
		ActiveReporters:    st.ActiveReporters,
		HealthyReporters:   st.HealthyReporters,
		ReputableReporters: st.ReputableReporters,
	}
	if st.HasValue {
		view.AcceptedValue = st.AcceptedValue.String()
		view.AcceptedAt = st.AcceptedAt
	}
	writeJSON(w, http.StatusOK, view)
}

// reporterView is the JSON representation of a reporter.
type reporterView struct {
	ID                 string    `json:"id"`
	Address            string    `json:"address,omitempty"`
	Active             bool      `json:"active"`
	Heartbeat          string    `json:"heartbeat"`
	DeviationThreshold string    `json:"deviation_threshold"`
	Reputation         string    `json:"reputation"`
	TotalReports       int64     `json:"total_reports"`
	SuccessfulReports  int64     `json:"successful_reports"`
	LastReportAt       time.Time `json:"last_report_at"`
}

// ListReporters returns all registered reporters with their reputation state.
// GET /api/feed/reporters
func (h *FeedHandler) ListReporters(w http.ResponseWriter, r *http.Request) {
	reporters := h.feed.Reporters()

	views := make([]reporterView, 0, len(reporters))
	for _, rep := range reporters {
		views = append(views, reporterView{
			ID:                 rep.ID,
			Address:            rep.Address,
			Active:             rep.Active,
			Heartbeat:          rep.Heartbeat.String(),
			DeviationThreshold: rep.DeviationThreshold.String(),
			Reputation:         rep.Reputation.String(),
			TotalReports:       rep.TotalReports,
			SuccessfulReports:  rep.SuccessfulReports,
			LastReportAt:       rep.LastReportAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"reporters": views})
}

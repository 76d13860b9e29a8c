package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/novafund/lifeperp/internal/config"
	"github.com/novafund/lifeperp/internal/domain"
)

// FeedAdmin covers the operator-only aggregator operations.
type FeedAdmin interface {
	AddReporter(ctx context.Context, r domain.Reporter) error
	SetReporterActive(ctx context.Context, id string, active bool) error
	ResetBreaker(ctx context.Context, now time.Time) error
	Policy() domain.FeedPolicy
	SetPolicy(policy domain.FeedPolicy)
}

// RiskParams is the mutable risk parameter store the admin API tunes.
type RiskParams interface {
	Current() domain.RiskConfig
	Update(cfg domain.RiskConfig) domain.RiskConfig
}

// AdminHandler serves operator endpoints: reporter management, breaker
// control, feed and risk parameter tuning, the audit trail, archive
// retrieval, and the running (redacted) configuration.
type AdminHandler struct {
	feed     FeedAdmin
	risk     RiskParams
	archives domain.BlobReader // nil when blob storage is not wired
	audit    domain.AuditStore
	cfg      *config.Config
	logger   *slog.Logger
}

// NewAdminHandler creates an AdminHandler. archives may be nil; the archive
// endpoints then report that storage is not configured.
func NewAdminHandler(feed FeedAdmin, risk RiskParams, archives domain.BlobReader, audit domain.AuditStore, cfg *config.Config, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{
		feed:     feed,
		risk:     risk,
		archives: archives,
		audit:    audit,
		cfg:      cfg,
		logger:   logger,
	}
}

// addReporterRequest is the body of POST /api/admin/reporters.
type addReporterRequest struct {
	ID                 string `json:"id"`
	Address            string `json:"address,omitempty"`
	Heartbeat          string `json:"heartbeat"`           // e.g. "5m"
	DeviationThreshold string `json:"deviation_threshold"` // e.g. "0.05"
	Reputation         string `json:"reputation,omitempty"`
}

// AddReporter registers a new reporter.
// POST /api/admin/reporters
func (h *AdminHandler) AddReporter(w http.ResponseWriter, r *http.Request) {
	var req addReporterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	heartbeat, err := time.ParseDuration(req.Heartbeat)
	if err != nil {
		writeError(w, http.StatusBadRequest, "heartbeat is not a valid duration")
		return
	}
	deviation, err := decimal.NewFromString(req.DeviationThreshold)
	if err != nil {
		writeError(w, http.StatusBadRequest, "deviation_threshold is not a valid decimal")
		return
	}
	reputation := decimal.NewFromInt(1)
	if req.Reputation != "" {
		reputation, err = decimal.NewFromString(req.Reputation)
		if err != nil {
			writeError(w, http.StatusBadRequest, "reputation is not a valid decimal")
			return
		}
	}

	rep := domain.Reporter{
		ID:                 req.ID,
		Address:            req.Address,
		Active:             true,
		Heartbeat:          heartbeat,
		DeviationThreshold: deviation,
		Reputation:         reputation,
		CreatedAt:          time.Now().UTC(),
	}
	if err := h.feed.AddReporter(r.Context(), rep); err != nil {
		writeDomainError(w, err)
		return
	}

	h.logger.InfoContext(r.Context(), "handler: reporter registered",
		slog.String("reporter_id", req.ID),
	)
	writeJSON(w, http.StatusCreated, map[string]string{"id": req.ID, "status": "registered"})
}

// setReporterActiveRequest is the body of PUT /api/admin/reporters/{id}/active.
type setReporterActiveRequest struct {
	Active bool `json:"active"`
}

// SetReporterActive activates or deactivates a reporter.
// PUT /api/admin/reporters/{id}/active
func (h *AdminHandler) SetReporterActive(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "reporter id is required")
		return
	}

	var req setReporterActiveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if err := h.feed.SetReporterActive(r.Context(), id, req.Active); err != nil {
		writeDomainError(w, err)
		return
	}

	h.logger.InfoContext(r.Context(), "handler: reporter active flag set",
		slog.String("reporter_id", id),
		slog.Bool("active", req.Active),
	)
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "active": req.Active})
}

// ResetBreaker clears an active circuit breaker once its cooldown elapsed.
// POST /api/admin/breaker/reset
func (h *AdminHandler) ResetBreaker(w http.ResponseWriter, r *http.Request) {
	if err := h.feed.ResetBreaker(r.Context(), time.Now().UTC()); err != nil {
		writeDomainError(w, err)
		return
	}

	h.logger.WarnContext(r.Context(), "handler: circuit breaker reset by operator")
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

// auditEntryView is the JSON representation of an audit record.
type auditEntryView struct {
	ID        int64          `json:"id"`
	Event     string         `json:"event"`
	Detail    map[string]any `json:"detail,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// ListAudit returns recent audit entries.
// GET /api/admin/audit
func (h *AdminHandler) ListAudit(w http.ResponseWriter, r *http.Request) {
	opts := parseListOpts(r)

	entries, err := h.audit.List(r.Context(), opts)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list audit entries failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list audit entries")
		return
	}

	views := make([]auditEntryView, 0, len(entries))
	for _, e := range entries {
		views = append(views, auditEntryView{
			ID:        e.ID,
			Event:     e.Event,
			Detail:    e.Detail,
			CreatedAt: e.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": views, "count": len(views)})
}

// GetConfig returns the running configuration with secrets redacted.
// GET /api/admin/config
func (h *AdminHandler) GetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, config.RedactedConfig(h.cfg))
}

// updateFeedPolicyRequest is the body of PUT /api/admin/feed/policy. Every
// field is optional; omitted fields keep their current value.
type updateFeedPolicyRequest struct {
	MinValid                  *string `json:"min_valid"`
	MaxValid                  *string `json:"max_valid"`
	MaxCrossReporterDeviation *string `json:"max_cross_reporter_deviation"`
	MinReputableReporters     *int    `json:"min_reputable_reporters"`
	ReputationThreshold       *string `json:"reputation_threshold"`
	GlobalHeartbeat           *string `json:"global_heartbeat"` // e.g. "5m"
	BreakerCooldown           *string `json:"breaker_cooldown"`
}

// feedPolicyView is the JSON representation of the aggregation policy.
type feedPolicyView struct {
	MinValid                  string `json:"min_valid"`
	MaxValid                  string `json:"max_valid"`
	MaxCrossReporterDeviation string `json:"max_cross_reporter_deviation"`
	MinReputableReporters     int    `json:"min_reputable_reporters"`
	ReputationThreshold       string `json:"reputation_threshold"`
	GlobalHeartbeat           string `json:"global_heartbeat"`
	BreakerCooldown           string `json:"breaker_cooldown"`
}

func viewFeedPolicy(p domain.FeedPolicy) feedPolicyView {
	return feedPolicyView{
		MinValid:                  p.MinValid.String(),
		MaxValid:                  p.MaxValid.String(),
		MaxCrossReporterDeviation: p.MaxCrossReporterDeviation.String(),
		MinReputableReporters:     p.MinReputableReporters,
		ReputationThreshold:       p.ReputationThreshold.String(),
		GlobalHeartbeat:           p.GlobalHeartbeat.String(),
		BreakerCooldown:           p.BreakerCooldown.String(),
	}
}

// UpdateFeedPolicy merges the supplied fields over the current aggregation
// policy and installs the result. Takes effect for the next submission.
// PUT /api/admin/feed/policy
func (h *AdminHandler) UpdateFeedPolicy(w http.ResponseWriter, r *http.Request) {
	var req updateFeedPolicyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	policy := h.feed.Policy()
	if err := applyDecimal(&policy.MinValid, req.MinValid, "min_valid"); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := applyDecimal(&policy.MaxValid, req.MaxValid, "max_valid"); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := applyDecimal(&policy.MaxCrossReporterDeviation, req.MaxCrossReporterDeviation, "max_cross_reporter_deviation"); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := applyDecimal(&policy.ReputationThreshold, req.ReputationThreshold, "reputation_threshold"); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := applyDuration(&policy.GlobalHeartbeat, req.GlobalHeartbeat, "global_heartbeat"); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := applyDuration(&policy.BreakerCooldown, req.BreakerCooldown, "breaker_cooldown"); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.MinReputableReporters != nil {
		policy.MinReputableReporters = *req.MinReputableReporters
	}

	if !policy.MinValid.LessThan(policy.MaxValid) {
		writeError(w, http.StatusBadRequest, "min_valid must be below max_valid")
		return
	}
	if policy.MinReputableReporters < 1 {
		writeError(w, http.StatusBadRequest, "min_reputable_reporters must be at least 1")
		return
	}

	h.feed.SetPolicy(policy)
	view := viewFeedPolicy(policy)

	h.auditChange(r.Context(), "admin.feed_policy_updated", view)
	h.logger.InfoContext(r.Context(), "handler: feed policy updated",
		slog.String("min_valid", view.MinValid),
		slog.String("max_valid", view.MaxValid),
	)
	writeJSON(w, http.StatusOK, view)
}

// updateRiskConfigRequest is the body of PUT /api/admin/risk. Every field is
// optional; omitted fields keep their current value.
type updateRiskConfigRequest struct {
	MaintenanceMargin      *string `json:"maintenance_margin"`
	MaxLeverage            *string `json:"max_leverage"`
	LiquidationPenaltyRate *string `json:"liquidation_penalty_rate"`
	FundingRateCap         *string `json:"funding_rate_cap"`
	FundingMultiplier      *string `json:"funding_multiplier"`
	FundingInterval        *string `json:"funding_interval"` // e.g. "8h"
	SettlementBatchSize    *int    `json:"settlement_batch_size"`
}

// riskConfigView is the JSON representation of the risk parameter set.
type riskConfigView struct {
	MaintenanceMargin      string    `json:"maintenance_margin"`
	MaxLeverage            string    `json:"max_leverage"`
	LiquidationPenaltyRate string    `json:"liquidation_penalty_rate"`
	FundingRateCap         string    `json:"funding_rate_cap"`
	FundingMultiplier      string    `json:"funding_multiplier"`
	FundingInterval        string    `json:"funding_interval"`
	SettlementBatchSize    int       `json:"settlement_batch_size"`
	UpdatedAt              time.Time `json:"updated_at"`
}

func viewRiskConfig(c domain.RiskConfig) riskConfigView {
	return riskConfigView{
		MaintenanceMargin:      c.MaintenanceMargin.String(),
		MaxLeverage:            c.MaxLeverage.String(),
		LiquidationPenaltyRate: c.LiquidationPenaltyRate.String(),
		FundingRateCap:         c.FundingRateCap.String(),
		FundingMultiplier:      c.FundingMultiplier.String(),
		FundingInterval:        c.FundingInterval.String(),
		SettlementBatchSize:    c.SettlementBatchSize,
		UpdatedAt:              c.UpdatedAt,
	}
}

// GetRiskConfig returns the live risk parameter set.
// GET /api/admin/risk
func (h *AdminHandler) GetRiskConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, viewRiskConfig(h.risk.Current()))
}

// UpdateRiskConfig merges the supplied fields over the live risk parameters
// and installs the result. Engine calls already in flight finish under the
// version they started with; the next call sees the update.
// PUT /api/admin/risk
func (h *AdminHandler) UpdateRiskConfig(w http.ResponseWriter, r *http.Request) {
	var req updateRiskConfigRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	cfg := h.risk.Current()
	if err := applyDecimal(&cfg.MaintenanceMargin, req.MaintenanceMargin, "maintenance_margin"); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := applyDecimal(&cfg.MaxLeverage, req.MaxLeverage, "max_leverage"); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := applyDecimal(&cfg.LiquidationPenaltyRate, req.LiquidationPenaltyRate, "liquidation_penalty_rate"); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := applyDecimal(&cfg.FundingRateCap, req.FundingRateCap, "funding_rate_cap"); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := applyDecimal(&cfg.FundingMultiplier, req.FundingMultiplier, "funding_multiplier"); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := applyDuration(&cfg.FundingInterval, req.FundingInterval, "funding_interval"); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.SettlementBatchSize != nil {
		cfg.SettlementBatchSize = *req.SettlementBatchSize
	}

	one := decimal.NewFromInt(1)
	if cfg.MaxLeverage.LessThan(one) {
		writeError(w, http.StatusBadRequest, "max_leverage must be at least 1")
		return
	}
	if cfg.LiquidationPenaltyRate.IsNegative() || cfg.LiquidationPenaltyRate.GreaterThan(one) {
		writeError(w, http.StatusBadRequest, "liquidation_penalty_rate must be between 0 and 1")
		return
	}
	if cfg.FundingInterval <= 0 {
		writeError(w, http.StatusBadRequest, "funding_interval must be positive")
		return
	}
	if cfg.SettlementBatchSize < 1 {
		writeError(w, http.StatusBadRequest, "settlement_batch_size must be at least 1")
		return
	}

	applied := h.risk.Update(cfg)
	view := viewRiskConfig(applied)

	h.auditChange(r.Context(), "admin.risk_config_updated", view)
	h.logger.InfoContext(r.Context(), "handler: risk config updated",
		slog.String("max_leverage", view.MaxLeverage),
		slog.Time("updated_at", view.UpdatedAt),
	)
	writeJSON(w, http.StatusOK, view)
}

// archiveView is the JSON representation of one archive file.
type archiveView struct {
	Path         string    `json:"path"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"last_modified"`
}

// ListArchives lists archive files in cold storage, optionally narrowed by
// a key prefix.
// GET /api/admin/archives
func (h *AdminHandler) ListArchives(w http.ResponseWriter, r *http.Request) {
	if h.archives == nil {
		writeError(w, http.StatusServiceUnavailable, "archive storage is not configured")
		return
	}

	prefix := r.URL.Query().Get("prefix")
	if prefix == "" {
		prefix = "archive/"
	}

	infos, err := h.archives.List(r.Context(), prefix)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list archives failed",
			slog.String("prefix", prefix),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list archives")
		return
	}

	views := make([]archiveView, 0, len(infos))
	for _, info := range infos {
		views = append(views, archiveView{
			Path:         info.Path,
			Size:         info.Size,
			LastModified: info.LastModified,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"archives": views, "count": len(views)})
}

// GetArchive streams one archive file from cold storage.
// GET /api/admin/archives/{path...}
func (h *AdminHandler) GetArchive(w http.ResponseWriter, r *http.Request) {
	if h.archives == nil {
		writeError(w, http.StatusServiceUnavailable, "archive storage is not configured")
		return
	}

	path := pathParam(r, "path")
	if path == "" {
		writeError(w, http.StatusBadRequest, "archive path is required")
		return
	}

	body, err := h.archives.Get(r.Context(), path)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", "application/x-ndjson")
	if _, err := io.Copy(w, body); err != nil {
		h.logger.WarnContext(r.Context(), "handler: archive stream interrupted",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
	}
}

// auditChange records an admin parameter change; failures are logged, not
// surfaced, since the change itself already took effect.
func (h *AdminHandler) auditChange(ctx context.Context, event string, view any) {
	data, err := json.Marshal(view)
	if err != nil {
		return
	}
	var detail map[string]any
	if err := json.Unmarshal(data, &detail); err != nil {
		return
	}
	if err := h.audit.Log(ctx, event, detail); err != nil {
		h.logger.WarnContext(ctx, "handler: audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

// applyDecimal parses an optional decimal field onto dst.
func applyDecimal(dst *decimal.Decimal, field *string, name string) error {
	if field == nil {
		return nil
	}
	v, err := decimal.NewFromString(*field)
	if err != nil {
		return fmt.Errorf("%s is not a valid decimal", name)
	}
	*dst = v
	return nil
}

// applyDuration parses an optional duration field onto dst.
func applyDuration(dst *time.Duration, field *string, name string) error {
	if field == nil {
		return nil
	}
	v, err := time.ParseDuration(*field)
	if err != nil {
		return fmt.Errorf("%s is not a valid duration", name)
	}
	*dst = v
	return nil
}

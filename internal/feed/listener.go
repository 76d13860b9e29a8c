package feed

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/novafund/lifeperp/internal/domain"
)

// reportEvent is the JSON shape reporters publish on the "reports" channel.
type reportEvent struct {
	ReporterID string `json:"reporter_id"`
	Value      string `json:"value"`
	Timestamp  string `json:"timestamp"`
	Signature  string `json:"signature,omitempty"` // hex
}

// Listener subscribes to the "reports" bus channel and feeds each decoded
// observation into the aggregator. It is the transport-side twin of the
// HTTP submission endpoint; both paths converge on SubmitReport.
type Listener struct {
	bus    domain.SignalBus
	agg    *Aggregator
	logger *slog.Logger
}

// NewListener creates a Listener.
func NewListener(bus domain.SignalBus, agg *Aggregator, logger *slog.Logger) *Listener {
	return &Listener{
		bus:    bus,
		agg:    agg,
		logger: logger.With(slog.String("component", "feed_listener")),
	}
}

// Run subscribes to "reports" and submits each message until the context is
// cancelled. Individual bad messages are logged and skipped; submission
// rejections are expected traffic, not listener failures.
func (l *Listener) Run(ctx context.Context) error {
	ch, err := l.bus.Subscribe(ctx, domain.ChannelReports)
	if err != nil {
		return err
	}
	l.logger.Info("feed listener started")
	defer l.logger.Info("feed listener stopped")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data, ok := <-ch:
			if !ok {
				return nil
			}
			if err := l.handleMessage(ctx, data); err != nil {
				l.logger.Debug("report message dropped",
					slog.String("error", err.Error()),
					slog.Int("payload_len", len(data)),
				)
			}
		}
	}
}

func (l *Listener) handleMessage(ctx context.Context, data []byte) error {
	var ev reportEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return err
	}
	reporterID := strings.TrimSpace(ev.ReporterID)
	if reporterID == "" {
		return nil
	}

	value, err := decimal.NewFromString(ev.Value)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	at := now
	if ev.Timestamp != "" {
		if t, perr := time.Parse(time.RFC3339Nano, ev.Timestamp); perr == nil {
			at = t
		}
	}

	var sig []byte
	if ev.Signature != "" {
		sig, err = hex.DecodeString(strings.TrimPrefix(ev.Signature, "0x"))
		if err != nil {
			return err
		}
	}

	report := domain.Report{
		ReporterID: reporterID,
		Value:      value,
		At:         at,
		Signature:  sig,
	}
	if err := l.agg.SubmitReport(ctx, report, now); err != nil {
		// Rejections carry their reason; surface at debug only.
		l.logger.Debug("report rejected",
			slog.String("reporter", reporterID),
			slog.String("error", err.Error()),
		)
	}
	return nil
}

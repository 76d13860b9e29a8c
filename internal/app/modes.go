package app

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/novafund/lifeperp/internal/crypto"
	"github.com/novafund/lifeperp/internal/custody"
	"github.com/novafund/lifeperp/internal/domain"
	"github.com/novafund/lifeperp/internal/feed"
	"github.com/novafund/lifeperp/internal/funding"
	"github.com/novafund/lifeperp/internal/ledger"
	"github.com/novafund/lifeperp/internal/liquidation"
	"github.com/novafund/lifeperp/internal/marketdata"
	"github.com/novafund/lifeperp/internal/notify"
	"github.com/novafund/lifeperp/internal/pipeline"
	"github.com/novafund/lifeperp/internal/risk"
	"github.com/novafund/lifeperp/internal/server"
	"github.com/novafund/lifeperp/internal/server/handler"
	"github.com/novafund/lifeperp/internal/server/ws"
)

// engineComponents is the core engine stack shared by all modes.
type engineComponents struct {
	aggregator *feed.Aggregator
	ledger     *ledger.Ledger
	engine     *risk.Engine
	riskCfg    *risk.ConfigStore
	mark       domain.MarkPriceSource
	ticker     *marketdata.TickerClient // nil unless market.ws_url is set
}

// buildEngine assembles the aggregator, ledger, funding and liquidation
// engines, and the risk orchestrator on top of the wired dependencies.
func (a *App) buildEngine(deps *Dependencies) (*engineComponents, error) {
	policy, err := a.cfg.FeedPolicy()
	if err != nil {
		return nil, fmt.Errorf("build engine: %w", err)
	}
	riskCfg, err := a.cfg.RiskConfig()
	if err != nil {
		return nil, fmt.Errorf("build engine: %w", err)
	}

	agg := feed.New(policy, feed.Options{
		Store:        deps.ReporterStore,
		Cache:        deps.IndexCache,
		Bus:          deps.SignalBus,
		Limiter:      deps.RateLimiter,
		Verifier:     crypto.NewVerifier(),
		SubmitLimit:  a.cfg.Feed.SubmitLimit,
		SubmitWindow: a.cfg.Feed.SubmitWindow.Duration,
	}, a.logger)

	led := ledger.New(deps.PositionStore, a.logger)
	fund := funding.New(led, deps.FundingStore, deps.SignalBus, a.logger)
	liq := liquidation.New(led, deps.LiquidationStore, deps.SignalBus, a.logger)

	// Mark price: mirrored from the venue WS feed through the index cache
	// when Redis is wired, set by hand in sim mode.
	var mark domain.MarkPriceSource
	var ticker *marketdata.TickerClient
	if deps.IndexCache != nil {
		mark = marketdata.NewCacheSource(deps.IndexCache, a.cfg.Market.MaxStaleness.Duration)
		if a.cfg.Market.WSURL != "" {
			ticker = marketdata.NewTickerClient(a.cfg.Market.WSURL, a.cfg.Market.Symbol, deps.IndexCache, a.logger)
		}
	} else {
		mark = marketdata.NewManualSource()
	}

	// The config store seeds from the file; the admin API tunes it at
	// runtime.
	riskStore := risk.NewConfigStore(riskCfg)

	engine := risk.New(agg, led, fund, liq, deps.Custody, mark,
		riskStore, deps.AuditStore, deps.SignalBus,
		risk.Config{InsuranceAccount: a.cfg.Risk.InsuranceAccount}, a.logger)

	return &engineComponents{
		aggregator: agg,
		ledger:     led,
		engine:     engine,
		riskCfg:    riskStore,
		mark:       mark,
		ticker:     ticker,
	}, nil
}

// startTicker connects the venue WS mark price feed, if configured.
func (a *App) startTicker(ctx context.Context, g *errgroup.Group, eng *engineComponents) {
	if eng.ticker == nil {
		return
	}
	g.Go(func() error {
		if err := eng.ticker.Connect(ctx); err != nil {
			return fmt.Errorf("mark price feed: %w", err)
		}
		<-ctx.Done()
		return eng.ticker.Close()
	})
}

// startPipeline adds the background workers to the errgroup: the inbound
// report listener, the funding settlement loop, the notification watcher,
// and the archiver when S3 is wired.
func (a *App) startPipeline(ctx context.Context, g *errgroup.Group, deps *Dependencies, eng *engineComponents) {
	var listener pipeline.Runner
	if deps.SignalBus != nil {
		listener = feed.NewListener(deps.SignalBus, eng.aggregator, a.logger)
	}

	settlements := pipeline.NewSettlementRunner(eng.engine, deps.LockManager,
		a.cfg.Risk.FundingInterval.Duration, a.logger)

	var watcher pipeline.Runner
	if deps.SignalBus != nil && deps.Notifier != nil {
		watcher = notify.NewWatcher(deps.SignalBus, deps.Notifier, a.logger)
	}

	var archiver *pipeline.Archiver
	if deps.Archiver != nil {
		archiver = pipeline.NewArchiver(deps.Archiver, a.cfg.S3.RetentionDays, a.logger)
	}

	orch := pipeline.NewOrchestrator(listener, settlements, watcher, archiver, a.cfg.S3.ArchiveCron, a.logger)
	g.Go(func() error {
		return orch.Run(ctx)
	})
}

// startHTTPServer adds the HTTP server (and the WebSocket hub when a signal
// bus is wired) to the errgroup. The server is shut down gracefully when the
// context is cancelled.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, eng *engineComponents) {
	var hub *ws.Hub
	if deps.SignalBus != nil {
		hub = ws.NewHub(deps.SignalBus, a.logger, ws.Config{
			Mode:      a.cfg.Mode,
			StartedAt: time.Now().UTC(),
		})
		g.Go(func() error {
			return hub.Run(ctx)
		})
	}

	handlers := server.Handlers{
		Health:    handler.NewHealthHandler(a.cfg.Mode, a.logger),
		Positions: handler.NewPositionHandler(eng.engine, eng.ledger, deps.LiquidationStore, a.logger),
		Feed:      handler.NewFeedHandler(eng.aggregator, a.logger),
		Funding:   handler.NewFundingHandler(eng.engine, deps.FundingStore, a.logger),
		Admin:     handler.NewAdminHandler(eng.aggregator, eng.riskCfg, deps.BlobReader, deps.AuditStore, a.cfg, a.logger),
	}

	var adminAuth *crypto.HMACAuth
	if a.cfg.Admin.ApiKey != "" && a.cfg.Admin.ApiSecret != "" {
		adminAuth = &crypto.HMACAuth{Key: a.cfg.Admin.ApiKey, Secret: a.cfg.Admin.ApiSecret}
	}

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		RateLimit:   a.cfg.Server.RateLimit,
		RateWindow:  a.cfg.Server.RateWindow.Duration,
	}, handlers, hub, adminAuth, deps.RateLimiter, a.logger)

	g.Go(func() error {
		return srv.Start()
	})
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}

// EngineMode runs the background engine: the report listener, funding
// settlement, notifications, and archival. No HTTP API is served.
func (a *App) EngineMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting engine mode")

	eng, err := a.buildEngine(deps)
	if err != nil {
		return fmt.Errorf("engine mode: %w", err)
	}
	if err := eng.aggregator.Load(ctx); err != nil {
		return fmt.Errorf("engine mode: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	a.startTicker(ctx, g, eng)
	a.startPipeline(ctx, g, deps, eng)
	return g.Wait()
}

// ServerMode serves the HTTP API and WebSocket hub without the background
// settlement pipeline; inbound reports arrive over HTTP only. Pair it with a
// separate engine-mode process for settlement.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")

	eng, err := a.buildEngine(deps)
	if err != nil {
		return fmt.Errorf("server mode: %w", err)
	}
	if err := eng.aggregator.Load(ctx); err != nil {
		return fmt.Errorf("server mode: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	a.startTicker(ctx, g, eng)
	a.startHTTPServer(ctx, g, deps, eng)
	return g.Wait()
}

// FullMode runs everything: the engine pipeline, the mark price feed, and the
// HTTP API.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	eng, err := a.buildEngine(deps)
	if err != nil {
		return fmt.Errorf("full mode: %w", err)
	}
	if err := eng.aggregator.Load(ctx); err != nil {
		return fmt.Errorf("full mode: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	a.startTicker(ctx, g, eng)
	a.startPipeline(ctx, g, deps, eng)
	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, eng)
	}
	return g.Wait()
}

// SimMode runs a self-contained simulation on in-memory stores: three
// reporters random-walk the index, the mark price drifts around it, and two
// funded accounts hold opposing positions that settle funding until shutdown.
func (a *App) SimMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting sim mode")

	eng, err := a.buildEngine(deps)
	if err != nil {
		return fmt.Errorf("sim mode: %w", err)
	}

	mark, ok := eng.mark.(*marketdata.ManualSource)
	if !ok {
		return fmt.Errorf("sim mode: expected manual mark price source")
	}
	bank, ok := deps.Custody.(*custody.Memory)
	if !ok {
		return fmt.Errorf("sim mode: expected in-memory custody")
	}

	now := time.Now().UTC()
	reporters := []string{"sim-reporter-1", "sim-reporter-2", "sim-reporter-3"}
	for _, id := range reporters {
		err := eng.aggregator.AddReporter(ctx, domain.Reporter{
			ID:                 id,
			Active:             true,
			Heartbeat:          time.Minute,
			DeviationThreshold: decimal.RequireFromString("0.05"),
			Reputation:         decimal.NewFromInt(1),
			CreatedAt:          now,
		})
		if err != nil {
			return fmt.Errorf("sim mode: add reporter: %w", err)
		}
	}

	bank.Deposit("sim-long", decimal.NewFromInt(10_000))
	bank.Deposit("sim-short", decimal.NewFromInt(10_000))

	rng := rand.New(rand.NewSource(now.UnixNano()))
	index := decimal.NewFromInt(80)

	submit := func(at time.Time) {
		for _, id := range reporters {
			jitter := decimal.NewFromFloat(1 + (rng.Float64()-0.5)*0.004)
			report := domain.Report{ReporterID: id, Value: index.Mul(jitter).Round(6), At: at}
			if err := eng.aggregator.SubmitReport(ctx, report, at); err != nil {
				a.logger.WarnContext(ctx, "sim: report rejected",
					slog.String("reporter", id),
					slog.String("error", err.Error()),
				)
			}
		}
	}

	submit(now)
	mark.Set(index, now)

	if _, err := eng.engine.OpenPosition(ctx, "sim-long", true,
		decimal.NewFromInt(10), decimal.NewFromInt(5), decimal.NewFromInt(1_000)); err != nil {
		return fmt.Errorf("sim mode: open long: %w", err)
	}
	if _, err := eng.engine.OpenPosition(ctx, "sim-short", false,
		decimal.NewFromInt(10), decimal.NewFromInt(5), decimal.NewFromInt(1_000)); err != nil {
		return fmt.Errorf("sim mode: open short: %w", err)
	}

	tick := time.NewTicker(2 * time.Second)
	defer tick.Stop()
	settle := time.NewTicker(30 * time.Second)
	defer settle.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case t := <-tick.C:
			at := t.UTC()
			drift := decimal.NewFromFloat(1 + (rng.Float64()-0.5)*0.01)
			index = index.Mul(drift).Round(6)
			submit(at)
			markDrift := decimal.NewFromFloat(1 + (rng.Float64()-0.5)*0.006)
			mark.Set(index.Mul(markDrift).Round(6), at)
		case <-settle.C:
			epoch, err := eng.engine.SettleFunding(ctx)
			if err != nil {
				a.logger.WarnContext(ctx, "sim: settlement failed", slog.String("error", err.Error()))
				continue
			}
			a.logger.InfoContext(ctx, "sim: funding settled",
				slog.Int64("epoch", epoch.ID),
				slog.String("rate", epoch.Rate.String()),
				slog.Int("positions", epoch.PositionsSettled),
			)
		}
	}
}

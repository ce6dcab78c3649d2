// internal/bot/runner.go
package bot

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"go.uber.org/zap"

	"github.com/swarmlabs/solswarm/internal/allocation"
	"github.com/swarmlabs/solswarm/internal/bundle"
	"github.com/swarmlabs/solswarm/internal/config"
	"github.com/swarmlabs/solswarm/internal/control"
	"github.com/swarmlabs/solswarm/internal/events"
	"github.com/swarmlabs/solswarm/internal/market"
	"github.com/swarmlabs/solswarm/internal/rules"
	"github.com/swarmlabs/solswarm/internal/stream"
	"github.com/swarmlabs/solswarm/internal/wallet"
)

// Runner wires the pipeline: stream hub → aggregator → control layer →
// allocation engine → bundle executor.
type Runner struct {
	logger   *zap.Logger
	cfg      *config.Config
	bus      *events.Bus
	hub      *stream.Hub
	agg      *market.Aggregator
	control  *control.Service
	engine   *allocation.Engine
	executor *bundle.Executor

	statusSub events.Subscription
}

// NewRunner creates an uninitialized runner.
func NewRunner(logger *zap.Logger) *Runner {
	return &Runner{logger: logger.Named("runner")}
}

// Initialize builds every component from the loaded configuration.
func (r *Runner) Initialize(cfg *config.Config) error {
	r.cfg = cfg

	r.bus = events.NewBus(r.logger, 256)

	r.hub = stream.NewHub(cfg.WebSocketURL, stream.BackoffPolicy{
		Base: time.Duration(cfg.ReconnectBaseMs) * time.Millisecond,
		Cap:  time.Duration(cfg.ReconnectCapMs) * time.Millisecond,
	}, r.logger)

	r.agg = market.NewAggregator(r.hub, r.bus, r.logger)
	r.control = control.NewService(r.agg, r.bus, r.logger)

	walletStore, err := wallet.LoadStore(cfg.WalletsFile)
	if err != nil {
		return fmt.Errorf("failed to load wallets: %w", err)
	}
	ruleStore, err := rules.LoadStore(cfg.RulesFile)
	if err != nil {
		return fmt.Errorf("failed to load rules: %w", err)
	}
	r.engine = allocation.NewEngine(walletStore, ruleStore, r.logger)

	rpcClient := rpc.New(cfg.RPCList[0])
	relay := bundle.NewHTTPRelay(cfg.RelayEndpoints, cfg.RelaySubmitAttempts, r.logger)
	r.executor = bundle.NewExecutor(relay, rpcClient, bundle.Config{
		FallbackDelay: time.Duration(cfg.FallbackDelayMs) * time.Millisecond,
	}, r.logger)

	r.logger.Info("Runner initialized",
		zap.Int("assets", len(cfg.Assets)),
		zap.Int("relay_endpoints", len(cfg.RelayEndpoints)))
	return nil
}

// Executor exposes the bundle executor for callers submitting
// externally built transactions.
func (r *Runner) Executor() *bundle.Executor {
	return r.executor
}

// ExecuteBundle submits already-signed transactions and waits for
// confirmation with the configured timeouts. Degraded submissions have
// no bundle id, so confirmation falls back to RPC polling alone.
func (r *Runner) ExecuteBundle(ctx context.Context, txs []*solana.Transaction) (*bundle.Submission, bundle.Outcome, error) {
	sub, err := r.executor.Submit(ctx, txs)
	if err != nil {
		return nil, bundle.Outcome{}, err
	}

	outcome := r.executor.WaitForConfirmation(ctx, sub, bundle.WaitConfig{
		Timeout:      time.Duration(r.cfg.ConfirmTimeoutMs) * time.Millisecond,
		PollInterval: time.Duration(r.cfg.ConfirmPollMs) * time.Millisecond,
	})
	return sub, outcome, nil
}

// Control exposes the control service.
func (r *Runner) Control() *control.Service {
	return r.control
}

// Run engages the configured assets and blocks until the context is
// cancelled or a shutdown signal arrives.
func (r *Runner) Run(ctx context.Context) error {
	r.statusSub = r.control.OnStatusUpdate(func(_ context.Context, e events.StatusUpdateEvent) {
		r.onStatusUpdate(e)
	})

	for _, asset := range r.cfg.Assets {
		_, err := r.control.Engage(ctx, asset.AssetID, control.SessionConfig{
			UserID:        asset.UserID,
			WalletGroupID: asset.WalletGroup,
			AutoExecute:   asset.AutoExecute,
			EmitInterval:  time.Duration(r.cfg.EmitIntervalMs) * time.Millisecond,
			Monitor: market.MonitorConfig{
				PoolAccount:        asset.PoolAccount,
				MigrationProgram:   asset.MigrationProgram,
				MigrationAuthority: asset.MigrationAuthority,
			},
		})
		if err != nil {
			r.logger.Error("Failed to engage asset",
				zap.String("asset", asset.AssetID), zap.Error(err))
			continue
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-ctx.Done():
	case sig := <-sigCh:
		r.logger.Info("Shutdown signal received", zap.String("signal", sig.String()))
	}

	return r.shutdown()
}

// onStatusUpdate reacts to regime changes by preparing a fresh
// execution plan for auto-execute sessions. Building and signing the
// actual swap transactions is the transaction builder collaborator's
// job; the derived intents are handed over through the event log.
func (r *Runner) onStatusUpdate(e events.StatusUpdateEvent) {
	cfg, ok := e.Config.(control.SessionConfig)
	if !ok || !cfg.AutoExecute {
		return
	}

	if session, found := r.control.Session(e.AssetID); found && session.Stopped() {
		r.logger.Warn("Skipping plan: emergency stop is set",
			zap.String("asset", e.AssetID))
		return
	}

	result := r.engine.GenerateExecutionPlan(
		cfg.UserID, e.AssetID, control.Strategy(e.Strategy), 0,
		allocation.WalletSource{GroupID: cfg.WalletGroupID},
		allocation.ProfitContext{}, nil)
	if result.Error != "" {
		r.logger.Warn("Plan generation rejected",
			zap.String("asset", e.AssetID),
			zap.String("error", result.Error),
			zap.String("message", result.Message))
		return
	}

	intents := allocation.DeriveIntents(result.Plan.Allocation)
	r.logger.Info("Execution plan ready",
		zap.String("asset", e.AssetID),
		zap.String("strategy", e.Strategy),
		zap.Float64("volume", result.Plan.Summary.TotalVolume),
		zap.Int("wallets", result.Plan.Summary.WalletCount),
		zap.Int("intents", len(intents)))
}

// shutdown tears everything down in dependency order.
func (r *Runner) shutdown() error {
	r.logger.Info("Shutting down")

	if r.statusSub != nil {
		r.statusSub.Unsubscribe()
	}
	r.control.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.bus.Shutdown(shutdownCtx); err != nil {
		r.logger.Warn("Event bus shutdown", zap.Error(err))
	}

	if err := r.hub.Close(); err != nil {
		r.logger.Warn("Stream hub close", zap.Error(err))
	}

	r.logger.Info("Shutdown complete")
	return nil
}

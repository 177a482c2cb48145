package di

import (
	"context"
	"fmt"

	"github.com/aristath/helmsman/internal/config"
	"github.com/aristath/helmsman/internal/events"
	"github.com/aristath/helmsman/internal/modules/backtest"
	"github.com/aristath/helmsman/internal/modules/fallback"
	"github.com/aristath/helmsman/internal/modules/ingestion"
	"github.com/aristath/helmsman/internal/modules/ledger"
	"github.com/aristath/helmsman/internal/modules/safety"
	"github.com/aristath/helmsman/internal/modules/solver"
	"github.com/aristath/helmsman/internal/modules/strategy"
	"github.com/aristath/helmsman/internal/modules/translator"
	"github.com/aristath/helmsman/internal/reliability"
	"github.com/aristath/helmsman/internal/telemetry"
	"github.com/aristath/helmsman/internal/work"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// InitializeServices wires every service into the container.
// Databases must already be initialized.
func InitializeServices(container *Container, cfg *config.Config, log zerolog.Logger) error {
	// 1. Cross-cutting infrastructure: events, metrics, run identity
	container.EventBus = events.NewBus(log)
	container.EventManager = events.NewManager(container.EventBus, log)
	container.Metrics = telemetry.NewMetrics()
	container.RunID = uuid.NewString()

	// 2. Ledger - signed append-only audit trail
	container.LedgerStore = ledger.NewStore(container.LedgerDB.Conn(), log)

	if cfg.Ledger.SigningKeyPath != "" {
		signer, err := ledger.LoadSigner(cfg.Ledger.SigningKeyPath)
		if err != nil {
			return fmt.Errorf("failed to load ledger signing key: %w", err)
		}
		container.LedgerSigner = signer
	} else {
		log.Warn().Msg("No ledger signing key configured, records will be unsigned")
	}

	container.LedgerService = ledger.NewService(
		container.LedgerStore,
		container.LedgerSigner,
		container.EventManager,
		container.Metrics,
		log,
	)

	// 3. Ingestion - versioned snapshot schemas and batch validation
	container.IngestionRegistry = ingestion.NewRegistry(log)
	container.Validator = ingestion.NewValidator(container.IngestionRegistry, log)

	// 4. Translator - scores to objective coefficients
	container.Translator = translator.New(cfg.Translator, log)

	// 5. Solvers behind the fallback controller
	classical := solver.NewClassical(cfg.Solver, log)
	combinatorial := solver.NewCombinatorial(cfg.Solver, log)
	container.Controller = fallback.NewController(
		classical,
		combinatorial,
		cfg.Breaker,
		container.EventManager,
		container.Metrics,
		log,
	)

	// 6. Safety gate with optional external policy hook
	var policy safety.PolicyDecider
	if cfg.PolicyURL != "" {
		policy = safety.NewHTTPPolicy(cfg.PolicyURL, log)
	}

	container.SafetyGate = safety.NewGate(
		cfg.Safety,
		container.RunID,
		container.LedgerService,
		policy,
		container.EventManager,
		container.Metrics,
		log,
	)

	if cfg.MetricsFeedURL != "" {
		container.MetricsFeed = safety.NewMetricsFeed(
			cfg.MetricsFeedURL,
			container.SafetyGate,
			container.Metrics,
			log,
		)
	} else {
		log.Warn().Msg("No metrics feed configured, safety gate relies on manual observations")
	}

	// 7. Research: strategy models, backtest harness, work queue
	container.StrategyRegistry = strategy.DefaultRegistry(
		cfg.Strategy.MomentumWindow,
		cfg.Strategy.TrendWindow,
		cfg.Strategy.BlendMomentum,
	)

	container.BacktestStore = backtest.NewStore(container.ResultsDB.Conn(), log)
	container.BacktestHarness = backtest.NewHarness(
		*cfg,
		container.StrategyRegistry,
		container.LedgerService,
		container.EventManager,
		container.Metrics,
		log,
	)
	container.WorkProcessor = work.NewProcessor(
		container.BacktestHarness,
		container.BacktestStore,
		container.Metrics,
		cfg.Backtest.RunTimeout,
		log,
	)

	// 8. Reliability: remote ledger archival (optional)
	if cfg.Ledger.ArchiveBucket != "" {
		store, err := reliability.NewObjectStore(context.Background(), reliability.ObjectStoreOptions{
			Endpoint:        cfg.Ledger.ArchiveEndpoint,
			Region:          cfg.Ledger.ArchiveRegion,
			Bucket:          cfg.Ledger.ArchiveBucket,
			AccessKeyID:     cfg.Ledger.ArchiveAccessKeyID,
			SecretAccessKey: cfg.Ledger.ArchiveSecretKey,
		}, log)
		if err != nil {
			return fmt.Errorf("failed to initialize archive object store: %w", err)
		}
		container.ObjectStore = store
		container.ArchiveService = reliability.NewArchiveService(
			container.LedgerDB,
			store,
			container.EventManager,
			cfg.DataDir,
			cfg.Ledger.RetainArchives,
			log,
		)
	} else {
		log.Warn().Msg("No archive bucket configured, ledger archival disabled")
	}

	log.Info().Msg("Services initialized")

	return nil
}

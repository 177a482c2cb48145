// Package di provides dependency injection wiring and initialization.
package di

import (
	"github.com/aristath/helmsman/internal/database"
	"github.com/aristath/helmsman/internal/events"
	"github.com/aristath/helmsman/internal/modules/backtest"
	"github.com/aristath/helmsman/internal/modules/fallback"
	"github.com/aristath/helmsman/internal/modules/ingestion"
	"github.com/aristath/helmsman/internal/modules/ledger"
	"github.com/aristath/helmsman/internal/modules/safety"
	"github.com/aristath/helmsman/internal/modules/strategy"
	"github.com/aristath/helmsman/internal/modules/translator"
	"github.com/aristath/helmsman/internal/reliability"
	"github.com/aristath/helmsman/internal/scheduler"
	"github.com/aristath/helmsman/internal/telemetry"
	"github.com/aristath/helmsman/internal/work"
)

// Container holds all initialized dependencies.
// Wire() fills it in three phases: databases, services, jobs.
type Container struct {
	// Databases
	LedgerDB  *database.DB // append-only decision audit trail
	ResultsDB *database.DB // backtest runs and reports

	// Cross-cutting infrastructure
	EventBus     *events.Bus
	EventManager *events.Manager
	Metrics      *telemetry.Metrics
	RunID        string // identity of this process run, stamped on ledger records

	// Decision pipeline
	IngestionRegistry *ingestion.Registry
	Validator         *ingestion.Validator
	Translator        *translator.Translator
	Controller        *fallback.Controller

	// Research
	StrategyRegistry *strategy.Registry
	BacktestStore    *backtest.Store
	BacktestHarness  *backtest.Harness
	WorkProcessor    *work.Processor

	// Audit trail
	LedgerStore   *ledger.Store
	LedgerSigner  *ledger.Signer // nil when no signing key is configured
	LedgerService *ledger.Service

	// Safety
	SafetyGate  *safety.Gate
	MetricsFeed *safety.MetricsFeed // nil when no feed URL is configured

	// Reliability
	ObjectStore    *reliability.ObjectStore    // nil when no archive bucket is configured
	ArchiveService *reliability.ArchiveService // nil when no archive bucket is configured

	// Background jobs
	Scheduler *scheduler.Scheduler
}

// Close releases the container's database connections in reverse
// initialization order. Safe to call on a partially wired container.
func (c *Container) Close() {
	if c.ResultsDB != nil {
		c.ResultsDB.Close()
	}
	if c.LedgerDB != nil {
		c.LedgerDB.Close()
	}
}

// Databases returns the named database handles for upkeep jobs and
// monitoring surfaces.
func (c *Container) Databases() map[string]*database.DB {
	return map[string]*database.DB{
		"ledger":  c.LedgerDB,
		"results": c.ResultsDB,
	}
}

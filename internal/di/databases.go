package di

import (
	"fmt"

	"github.com/aristath/helmsman/internal/config"
	"github.com/aristath/helmsman/internal/database"
	"github.com/aristath/helmsman/internal/modules/backtest"
	"github.com/aristath/helmsman/internal/modules/ledger"
	"github.com/rs/zerolog"
)

// InitializeDatabases opens both databases and applies their schemas
func InitializeDatabases(cfg *config.Config, log zerolog.Logger) (*Container, error) {
	container := &Container{}

	// 1. ledger.db - Append-only decision audit trail
	ledgerDB, err := database.New(database.Config{
		Path:    cfg.DataDir + "/ledger.db",
		Profile: database.ProfileLedger, // Maximum safety for the audit trail
		Name:    "ledger",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize ledger database: %w", err)
	}
	container.LedgerDB = ledgerDB

	if err := ledger.InitSchema(ledgerDB.Conn()); err != nil {
		ledgerDB.Close()
		return nil, fmt.Errorf("failed to apply ledger schema: %w", err)
	}

	// 2. results.db - Backtest runs and reports
	resultsDB, err := database.New(database.Config{
		Path:    cfg.DataDir + "/results.db",
		Profile: database.ProfileStandard,
		Name:    "results",
	})
	if err != nil {
		ledgerDB.Close()
		return nil, fmt.Errorf("failed to initialize results database: %w", err)
	}
	container.ResultsDB = resultsDB

	if err := backtest.InitSchema(resultsDB.Conn()); err != nil {
		resultsDB.Close()
		ledgerDB.Close()
		return nil, fmt.Errorf("failed to apply results schema: %w", err)
	}

	log.Info().
		Str("data_dir", cfg.DataDir).
		Msg("Databases initialized")

	return container, nil
}

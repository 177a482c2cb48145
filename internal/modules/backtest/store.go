package backtest

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/aristath/helmsman/internal/domain"
)

// Run kinds as stored in the results database.
const (
	KindSingle      = "single"
	KindWalkForward = "walkforward"
	KindComparison  = "comparison"
)

// Run statuses.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Schema is the backtest results table. The payload column holds the
// msgpack-encoded full result (RunResult, WalkForwardResult or
// ComparisonResult depending on kind); summary columns exist so
// listings never have to decode payloads.
const Schema = `
CREATE TABLE IF NOT EXISTS backtest_runs (
    run_id TEXT PRIMARY KEY,
    kind TEXT NOT NULL,
    status TEXT NOT NULL,
    seed INTEGER NOT NULL,
    model TEXT NOT NULL DEFAULT '',
    variant TEXT NOT NULL DEFAULT '',
    created_at TEXT NOT NULL,
    completed_at TEXT,
    error TEXT NOT NULL DEFAULT '',
    final_equity REAL NOT NULL DEFAULT 0,
    total_return_pct REAL NOT NULL DEFAULT 0,
    sharpe_ratio REAL,
    max_drawdown REAL,
    epochs INTEGER NOT NULL DEFAULT 0,
    fallbacks INTEGER NOT NULL DEFAULT 0,
    payload BLOB
);

CREATE INDEX IF NOT EXISTS idx_backtest_runs_created_at ON backtest_runs(created_at);
CREATE INDEX IF NOT EXISTS idx_backtest_runs_status ON backtest_runs(status);
`

// InitSchema ensures the backtest_runs table exists.
func InitSchema(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}

// RunRow is one persisted run, without its payload.
type RunRow struct {
	RunID          string     `json:"run_id"`
	Kind           string     `json:"kind"`
	Status         string     `json:"status"`
	Seed           int64      `json:"seed"`
	Model          string     `json:"model,omitempty"`
	Variant        string     `json:"variant,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	Error          string     `json:"error,omitempty"`
	FinalEquity    float64    `json:"final_equity"`
	TotalReturnPct float64    `json:"total_return_pct"`
	SharpeRatio    *float64   `json:"sharpe_ratio,omitempty"`
	MaxDrawdown    *float64   `json:"max_drawdown,omitempty"`
	Epochs         int        `json:"epochs"`
	Fallbacks      int        `json:"fallbacks"`
}

// Store persists backtest results in the results SQLite database.
type Store struct {
	resultsDB *sql.DB
	log       zerolog.Logger
}

// NewStore creates a results store.
func NewStore(resultsDB *sql.DB, log zerolog.Logger) *Store {
	return &Store{
		resultsDB: resultsDB,
		log:       log.With().Str("repo", "backtest_runs").Logger(),
	}
}

// Create registers a submitted run in the running state.
func (s *Store) Create(ctx context.Context, runID, kind string, seed int64, model, variant string) error {
	if runID == "" {
		return domain.InvalidInputError{Reason: "run missing run_id"}
	}
	_, err := s.resultsDB.ExecContext(ctx, `
		INSERT INTO backtest_runs (run_id, kind, status, seed, model, variant, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, runID, kind, StatusRunning, seed, model, variant, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("create run %s: %w", runID, err)
	}
	return nil
}

// Complete stores a finished run's summary and payload.
func (s *Store) Complete(ctx context.Context, runID string, metrics RunMetrics, result any) error {
	payload, err := msgpack.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode result payload: %w", err)
	}

	res, err := s.resultsDB.ExecContext(ctx, `
		UPDATE backtest_runs
		SET status = ?, completed_at = ?, final_equity = ?, total_return_pct = ?,
		    sharpe_ratio = ?, max_drawdown = ?, epochs = ?, fallbacks = ?, payload = ?
		WHERE run_id = ?
	`, StatusCompleted, time.Now().UTC().Format(time.RFC3339Nano),
		metrics.FinalEquity, metrics.TotalReturnPct,
		nullableFloat(metrics.SharpeRatio), nullableFloat(metrics.MaxDrawdown),
		metrics.Epochs, metrics.Fallbacks, payload, runID)
	if err != nil {
		return fmt.Errorf("complete run %s: %w", runID, err)
	}
	return requireRow(res, runID)
}

// Fail marks a run failed with its error message.
func (s *Store) Fail(ctx context.Context, runID, errMsg string) error {
	res, err := s.resultsDB.ExecContext(ctx, `
		UPDATE backtest_runs
		SET status = ?, completed_at = ?, error = ?
		WHERE run_id = ?
	`, StatusFailed, time.Now().UTC().Format(time.RFC3339Nano), errMsg, runID)
	if err != nil {
		return fmt.Errorf("fail run %s: %w", runID, err)
	}
	return requireRow(res, runID)
}

// Get returns one run row, or nil when absent.
func (s *Store) Get(ctx context.Context, runID string) (*RunRow, error) {
	row := s.resultsDB.QueryRowContext(ctx, `
		SELECT run_id, kind, status, seed, model, variant, created_at, completed_at,
		       error, final_equity, total_return_pct, sharpe_ratio, max_drawdown,
		       epochs, fallbacks
		FROM backtest_runs WHERE run_id = ?
	`, runID)
	r, err := scanRunRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", runID, err)
	}
	return r, nil
}

// Payload returns the stored result payload for decoding by kind, or
// nil when the run has no payload yet.
func (s *Store) Payload(ctx context.Context, runID string) ([]byte, error) {
	var payload []byte
	err := s.resultsDB.QueryRowContext(ctx,
		`SELECT payload FROM backtest_runs WHERE run_id = ?`, runID,
	).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get payload %s: %w", runID, err)
	}
	return payload, nil
}

// List returns run rows newest first.
func (s *Store) List(ctx context.Context, limit int) ([]RunRow, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.resultsDB.QueryContext(ctx, `
		SELECT run_id, kind, status, seed, model, variant, created_at, completed_at,
		       error, final_equity, total_return_pct, sharpe_ratio, max_drawdown,
		       epochs, fallbacks
		FROM backtest_runs
		ORDER BY created_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []RunRow
	for rows.Next() {
		r, err := scanRunRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run row: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRunRow(row rowScanner) (*RunRow, error) {
	var (
		r           RunRow
		createdAt   string
		completedAt sql.NullString
		sharpe      sql.NullFloat64
		drawdown    sql.NullFloat64
	)
	err := row.Scan(&r.RunID, &r.Kind, &r.Status, &r.Seed, &r.Model, &r.Variant,
		&createdAt, &completedAt, &r.Error, &r.FinalEquity, &r.TotalReturnPct,
		&sharpe, &drawdown, &r.Epochs, &r.Fallbacks)
	if err != nil {
		return nil, err
	}

	if t, perr := time.Parse(time.RFC3339Nano, createdAt); perr == nil {
		r.CreatedAt = t
	}
	if completedAt.Valid {
		if t, perr := time.Parse(time.RFC3339Nano, completedAt.String); perr == nil {
			r.CompletedAt = &t
		}
	}
	if sharpe.Valid {
		r.SharpeRatio = &sharpe.Float64
	}
	if drawdown.Valid {
		r.MaxDrawdown = &drawdown.Float64
	}
	return &r, nil
}

func nullableFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func requireRow(res sql.Result, runID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.InvalidInputError{Reason: fmt.Sprintf("unknown run %s", runID)}
	}
	return nil
}

package ledger

import (
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/aristath/helmsman/internal/database"
	"github.com/aristath/helmsman/internal/domain"
)

// Schema is the run ledger table. Append-only: there are no UPDATE or
// DELETE statements anywhere in this package, and the (run_id, seq)
// primary key rejects overwrites at the database level. The metadata
// column carries the msgpack-encoded solve metadata so latency numbers
// survive without participating in any hash.
const Schema = `
CREATE TABLE IF NOT EXISTS run_records (
    run_id TEXT NOT NULL,
    seq INTEGER NOT NULL,
    epoch INTEGER NOT NULL,
    recorded_at TEXT NOT NULL,
    seed INTEGER NOT NULL,
    schema_version TEXT NOT NULL,
    input_hash TEXT NOT NULL,
    output_hash TEXT NOT NULL,
    variant TEXT NOT NULL,
    metadata BLOB NOT NULL,
    fallback_triggered INTEGER NOT NULL DEFAULT 0,
    no_decision INTEGER NOT NULL DEFAULT 0,
    safety_tier TEXT NOT NULL,
    canary_pct INTEGER NOT NULL DEFAULT 0,
    corrects TEXT,
    signature TEXT,
    PRIMARY KEY (run_id, seq)
);

CREATE INDEX IF NOT EXISTS idx_run_records_epoch ON run_records(run_id, epoch);
CREATE INDEX IF NOT EXISTS idx_run_records_recorded_at ON run_records(recorded_at);
`

// InitSchema ensures the run_records table exists in the ledger database.
func InitSchema(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}

// Store persists run records in the ledger SQLite database.
// It implements domain.RunLedger.
type Store struct {
	ledgerDB *sql.DB
	log      zerolog.Logger
}

// NewStore creates a run record store on the given ledger database.
func NewStore(ledgerDB *sql.DB, log zerolog.Logger) *Store {
	return &Store{
		ledgerDB: ledgerDB,
		log:      log.With().Str("repo", "run_ledger").Logger(),
	}
}

// Append inserts a sealed record. Duplicate (run_id, seq) pairs fail on
// the primary key with domain.ErrLedgerSealed, which is the append-only
// guarantee: a record, once written, can never be replaced.
func (s *Store) Append(ctx context.Context, rec domain.RunRecord) error {
	if rec.RunID == "" {
		return domain.InvalidInputError{Reason: "run record missing run_id"}
	}
	if rec.InputHash == "" || rec.OutputHash == "" {
		return domain.InvalidInputError{Reason: "run record missing hashes"}
	}

	meta, err := msgpack.Marshal(rec.Metadata)
	if err != nil {
		return fmt.Errorf("encode record metadata: %w", err)
	}

	query := `
		INSERT INTO run_records (
			run_id, seq, epoch, recorded_at, seed, schema_version,
			input_hash, output_hash, variant, metadata,
			fallback_triggered, no_decision, safety_tier, canary_pct,
			corrects, signature
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	var corrects sql.NullString
	if rec.Corrects != "" {
		corrects = sql.NullString{String: rec.Corrects, Valid: true}
	}
	var signature sql.NullString
	if len(rec.Signature) > 0 {
		signature = sql.NullString{String: hex.EncodeToString(rec.Signature), Valid: true}
	}

	_, err = s.ledgerDB.ExecContext(ctx, query,
		rec.RunID,
		rec.Seq,
		rec.Epoch,
		rec.RecordedAt.UTC().Format(time.RFC3339Nano),
		rec.Seed,
		rec.SchemaVersion,
		rec.InputHash,
		rec.OutputHash,
		string(rec.Variant),
		meta,
		boolToInt(rec.FallbackTriggered),
		boolToInt(rec.NoDecision),
		rec.Safety.Tier,
		rec.Safety.CanaryPct,
		corrects,
		signature,
	)
	if err != nil {
		if database.IsConstraintErr(err) {
			return fmt.Errorf("append run record %s: %w", rec.Ref(), domain.ErrLedgerSealed)
		}
		return fmt.Errorf("append run record %s: %w", rec.Ref(), err)
	}

	return nil
}

// List returns all records for a run in sequence order.
func (s *Store) List(ctx context.Context, runID string) ([]domain.RunRecord, error) {
	query := selectColumns + ` FROM run_records WHERE run_id = ? ORDER BY seq ASC`

	rows, err := s.ledgerDB.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("list run records: %w", err)
	}
	defer rows.Close()

	records := make([]domain.RunRecord, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate run records: %w", err)
	}

	return records, nil
}

// Get returns a single record, or nil when it does not exist.
func (s *Store) Get(ctx context.Context, runID string, seq int64) (*domain.RunRecord, error) {
	query := selectColumns + ` FROM run_records WHERE run_id = ? AND seq = ?`

	row := s.ledgerDB.QueryRowContext(ctx, query, runID, seq)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListRuns returns the distinct run IDs present in the ledger, newest
// first by earliest record time, capped at limit.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]RunSummary, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT run_id, COUNT(*), MIN(recorded_at), MAX(recorded_at),
		       SUM(fallback_triggered), SUM(no_decision)
		FROM run_records
		GROUP BY run_id
		ORDER BY MIN(recorded_at) DESC
		LIMIT ?
	`

	rows, err := s.ledgerDB.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	summaries := make([]RunSummary, 0)
	for rows.Next() {
		var sum RunSummary
		var first, last string
		if err := rows.Scan(&sum.RunID, &sum.Records, &first, &last, &sum.Fallbacks, &sum.NoDecisions); err != nil {
			return nil, fmt.Errorf("scan run summary: %w", err)
		}
		sum.FirstRecord, _ = time.Parse(time.RFC3339Nano, first)
		sum.LastRecord, _ = time.Parse(time.RFC3339Nano, last)
		summaries = append(summaries, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate run summaries: %w", err)
	}

	return summaries, nil
}

// NextSeq returns the next sequence number for a run. Sequences start
// at 1 and are dense within a run.
func (s *Store) NextSeq(ctx context.Context, runID string) (int64, error) {
	var max sql.NullInt64
	err := s.ledgerDB.QueryRowContext(ctx,
		`SELECT MAX(seq) FROM run_records WHERE run_id = ?`, runID).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("next seq for run %s: %w", runID, err)
	}
	if !max.Valid {
		return 1, nil
	}
	return max.Int64 + 1, nil
}

// RunSummary is the per-run aggregate view for listings.
type RunSummary struct {
	RunID       string    `json:"run_id"`
	Records     int       `json:"records"`
	FirstRecord time.Time `json:"first_record"`
	LastRecord  time.Time `json:"last_record"`
	Fallbacks   int       `json:"fallbacks"`
	NoDecisions int       `json:"no_decisions"`
}

const selectColumns = `
	SELECT run_id, seq, epoch, recorded_at, seed, schema_version,
	       input_hash, output_hash, variant, metadata,
	       fallback_triggered, no_decision, safety_tier, canary_pct,
	       corrects, signature`

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row scanner) (domain.RunRecord, error) {
	var rec domain.RunRecord
	var recordedAt, variant string
	var meta []byte
	var fallback, noDecision int
	var corrects, signature sql.NullString

	err := row.Scan(
		&rec.RunID,
		&rec.Seq,
		&rec.Epoch,
		&recordedAt,
		&rec.Seed,
		&rec.SchemaVersion,
		&rec.InputHash,
		&rec.OutputHash,
		&variant,
		&meta,
		&fallback,
		&noDecision,
		&rec.Safety.Tier,
		&rec.Safety.CanaryPct,
		&corrects,
		&signature,
	)
	if err == sql.ErrNoRows {
		return rec, err
	}
	if err != nil {
		return rec, fmt.Errorf("scan run record: %w", err)
	}

	rec.RecordedAt, _ = time.Parse(time.RFC3339Nano, recordedAt)
	rec.Variant = domain.SolverVariant(variant)
	rec.FallbackTriggered = fallback != 0
	rec.NoDecision = noDecision != 0
	if corrects.Valid {
		rec.Corrects = corrects.String
	}
	if signature.Valid {
		sig, decodeErr := hex.DecodeString(signature.String)
		if decodeErr != nil {
			return rec, fmt.Errorf("decode signature for %s: %w", rec.Ref(), decodeErr)
		}
		rec.Signature = sig
	}

	if err := msgpack.Unmarshal(meta, &rec.Metadata); err != nil {
		return rec, fmt.Errorf("decode metadata for %s: %w", rec.Ref(), err)
	}

	return rec, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

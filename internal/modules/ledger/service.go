package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/helmsman/internal/domain"
	"github.com/aristath/helmsman/internal/events"
	"github.com/aristath/helmsman/internal/telemetry"
)

// RecordStore is the storage contract the service needs: the public
// ledger interface plus sequence allocation. Both the SQLite store and
// the in-memory store satisfy it.
type RecordStore interface {
	domain.RunLedger
	NextSeq(ctx context.Context, runID string) (int64, error)
}

// Service seals decision cycles into run records: it computes the
// canonical hashes, allocates the sequence number, signs when a key is
// configured, and appends. It is the only writer to the ledger.
type Service struct {
	store    RecordStore
	signer   *Signer
	eventMgr *events.Manager
	metrics  *telemetry.Metrics
	log      zerolog.Logger

	mu sync.Mutex // serializes sequence allocation with append
}

// NewService creates the ledger service. signer may be nil (records
// stay unsigned); eventMgr and metrics may be nil in tests.
func NewService(store RecordStore, signer *Signer, eventMgr *events.Manager, metrics *telemetry.Metrics, log zerolog.Logger) *Service {
	return &Service{
		store:    store,
		signer:   signer,
		eventMgr: eventMgr,
		metrics:  metrics,
		log:      log.With().Str("component", "ledger").Logger(),
	}
}

// RecordInput is everything needed to seal one decision cycle.
type RecordInput struct {
	RunID         string
	Epoch         int
	Seed          int64
	SchemaVersion string
	Coefficients  domain.ObjectiveCoefficients
	Constraints   domain.Constraints
	QuadWeight    float64
	Decision      domain.PortfolioDecision
	Safety        domain.SafetySnapshot
	Corrects      string // "runID:seq" when this record corrects another
}

// Record seals and appends one decision cycle, returning the stored
// record. Hashes are computed here so callers cannot accidentally
// store a record whose hashes disagree with its content.
func (s *Service) Record(ctx context.Context, in RecordInput) (domain.RunRecord, error) {
	var rec domain.RunRecord

	inputHash, err := HashInputs(in.Epoch, in.Seed, in.Coefficients, in.Constraints, in.QuadWeight, in.SchemaVersion)
	if err != nil {
		return rec, err
	}
	outputHash, err := HashOutputs(in.Decision)
	if err != nil {
		return rec, err
	}

	rec, err = s.seal(ctx, in, inputHash, outputHash)
	if err != nil {
		return rec, err
	}

	if s.metrics != nil {
		s.metrics.LedgerAppends.Inc()
	}
	if s.eventMgr != nil {
		s.eventMgr.EmitTyped(events.DecisionRecorded, "ledger", &events.DecisionRecordedData{
			RunID:             rec.RunID,
			Seq:               rec.Seq,
			Epoch:             rec.Epoch,
			Variant:           string(rec.Variant),
			FallbackTriggered: rec.FallbackTriggered,
			NoDecision:        rec.NoDecision,
		})
	}

	s.log.Debug().
		Str("run_id", rec.RunID).
		Int64("seq", rec.Seq).
		Int("epoch", rec.Epoch).
		Str("variant", string(rec.Variant)).
		Msg("Run record appended")

	return rec, nil
}

// seal allocates the sequence, signs, and appends. The writer lock
// keeps allocation and append atomic, so concurrent callers on one
// run cannot claim the same sequence.
func (s *Service) seal(ctx context.Context, in RecordInput, inputHash, outputHash string) (domain.RunRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seq, err := s.store.NextSeq(ctx, in.RunID)
	if err != nil {
		return domain.RunRecord{}, err
	}

	rec := domain.RunRecord{
		RunID:             in.RunID,
		Seq:               seq,
		Epoch:             in.Epoch,
		RecordedAt:        time.Now().UTC(),
		Seed:              in.Seed,
		SchemaVersion:     in.SchemaVersion,
		InputHash:         inputHash,
		OutputHash:        outputHash,
		Variant:           in.Decision.Variant,
		Metadata:          in.Decision.Metadata,
		FallbackTriggered: in.Decision.FallbackTriggered,
		NoDecision:        in.Decision.NoDecision,
		Safety:            in.Safety,
		Corrects:          in.Corrects,
	}

	if s.signer != nil {
		sig, err := s.signer.Sign(rec)
		if err != nil {
			return rec, fmt.Errorf("sign run record: %w", err)
		}
		rec.Signature = sig
	}

	if err := s.store.Append(ctx, rec); err != nil {
		if s.metrics != nil {
			s.metrics.LedgerAppendErr.Inc()
		}
		return rec, err
	}
	return rec, nil
}

// Correct appends a correction for an existing record. The original is
// untouched; the new record carries Corrects = original ref and a
// fresh sequence number.
func (s *Service) Correct(ctx context.Context, runID string, seq int64, in RecordInput) (domain.RunRecord, error) {
	original, err := s.store.Get(ctx, runID, seq)
	if err != nil {
		return domain.RunRecord{}, err
	}
	if original == nil {
		return domain.RunRecord{}, domain.InvalidInputError{
			Reason: fmt.Sprintf("cannot correct %s:%d: record does not exist", runID, seq),
		}
	}

	in.RunID = runID
	in.Corrects = original.Ref()
	return s.Record(ctx, in)
}

// VerifyResult is the outcome of a run verification pass.
type VerifyResult struct {
	RunID     string   `json:"run_id"`
	Records   int      `json:"records"`
	Signed    int      `json:"signed"`
	Valid     bool     `json:"valid"`
	Problems  []string `json:"problems,omitempty"`
	PublicKey string   `json:"public_key,omitempty"`
}

// VerifyRun checks a run's stored records: sequences must be dense and
// ascending from 1, corrections must reference records that exist, and
// every signature must verify against the given public key. Hash
// recomputation needs the original inputs, which the ledger does not
// retain, so hashes are checked for presence only.
func (s *Service) VerifyRun(ctx context.Context, runID string, publicKeyHex string) (VerifyResult, error) {
	result := VerifyResult{RunID: runID, Valid: true, PublicKey: publicKeyHex}

	records, err := s.store.List(ctx, runID)
	if err != nil {
		return result, err
	}
	result.Records = len(records)

	seen := make(map[int64]bool, len(records))
	for i, rec := range records {
		want := int64(i + 1)
		if rec.Seq != want {
			result.Valid = false
			result.Problems = append(result.Problems,
				fmt.Sprintf("sequence gap: position %d holds seq %d", i, rec.Seq))
		}
		seen[rec.Seq] = true

		if rec.InputHash == "" || rec.OutputHash == "" {
			result.Valid = false
			result.Problems = append(result.Problems,
				fmt.Sprintf("record %s missing hashes", rec.Ref()))
		}

		if len(rec.Signature) > 0 {
			result.Signed++
		}
		if publicKeyHex != "" {
			ok, err := Verify(rec, publicKeyHex)
			if err != nil {
				return result, err
			}
			if !ok {
				result.Valid = false
				result.Problems = append(result.Problems,
					fmt.Sprintf("record %s signature invalid", rec.Ref()))
			}
		}
	}

	for _, rec := range records {
		if rec.Corrects == "" {
			continue
		}
		correctedRun, correctedSeq, parseErr := parseRef(rec.Corrects)
		if parseErr != nil {
			result.Valid = false
			result.Problems = append(result.Problems,
				fmt.Sprintf("record %s has malformed corrects ref %q", rec.Ref(), rec.Corrects))
			continue
		}
		if correctedRun == runID && !seen[correctedSeq] {
			result.Valid = false
			result.Problems = append(result.Problems,
				fmt.Sprintf("record %s corrects missing record %s", rec.Ref(), rec.Corrects))
		}
	}

	return result, nil
}

// PublicKey returns the hex verification key, or "" when unsigned.
func (s *Service) PublicKey() string {
	if s.signer == nil {
		return ""
	}
	return s.signer.PublicKey()
}

// Store exposes the underlying record store for read-side handlers.
func (s *Service) Store() RecordStore {
	return s.store
}

func parseRef(ref string) (string, int64, error) {
	var runID string
	var seq int64
	idx := -1
	for i := len(ref) - 1; i >= 0; i-- {
		if ref[i] == ':' {
			idx = i
			break
		}
	}
	if idx <= 0 || idx == len(ref)-1 {
		return "", 0, fmt.Errorf("malformed record ref %q", ref)
	}
	runID = ref[:idx]
	if _, err := fmt.Sscanf(ref[idx+1:], "%d", &seq); err != nil {
		return "", 0, fmt.Errorf("malformed record ref %q: %w", ref, err)
	}
	return runID, seq, nil
}

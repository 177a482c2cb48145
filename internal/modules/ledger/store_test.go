package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/helmsman/internal/database"
	"github.com/aristath/helmsman/internal/domain"
	helmtest "github.com/aristath/helmsman/internal/testing"
)

func newTestStore(t *testing.T) (*Store, func()) {
	t.Helper()
	db, cleanup := helmtest.NewTestDBWithSchema(t, "ledger", database.ProfileLedger, Schema)
	return NewStore(db.Conn(), zerolog.Nop()), cleanup
}

func storedRecord(runID string, seq int64, epoch int) domain.RunRecord {
	return domain.RunRecord{
		RunID:         runID,
		Seq:           seq,
		Epoch:         epoch,
		RecordedAt:    time.Now().UTC(),
		Seed:          42,
		SchemaVersion: "1.0.0",
		InputHash:     "in-hash",
		OutputHash:    "out-hash",
		Variant:       domain.SolverClassical,
		Metadata: domain.SolveMetadata{
			LatencyMS:      2.5,
			ObjectiveValue: 0.9,
		},
		Safety: domain.SafetySnapshot{Tier: "normal", CanaryPct: 5},
	}
}

func TestStoreAppendAndGet(t *testing.T) {
	store, cleanup := newTestStore(t)
	defer cleanup()
	ctx := context.Background()

	rec := storedRecord("run-1", 1, 10)
	rec.Signature = []byte{0xde, 0xad, 0xbe, 0xef}
	require.NoError(t, store.Append(ctx, rec))

	got, err := store.Get(ctx, "run-1", 1)
	require.NoError(t, err)
	require.NotNil(t, got)

	assert.Equal(t, rec.RunID, got.RunID)
	assert.Equal(t, rec.Seq, got.Seq)
	assert.Equal(t, rec.Epoch, got.Epoch)
	assert.Equal(t, rec.InputHash, got.InputHash)
	assert.Equal(t, rec.OutputHash, got.OutputHash)
	assert.Equal(t, rec.Variant, got.Variant)
	assert.Equal(t, rec.Metadata.LatencyMS, got.Metadata.LatencyMS)
	assert.Equal(t, rec.Safety, got.Safety)
	assert.Equal(t, rec.Signature, got.Signature)
}

func TestStoreGetMissingReturnsNil(t *testing.T) {
	store, cleanup := newTestStore(t)
	defer cleanup()

	got, err := store.Get(context.Background(), "nope", 1)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestStoreRejectsDuplicateSeq(t *testing.T) {
	store, cleanup := newTestStore(t)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, store.Append(ctx, storedRecord("run-1", 1, 10)))

	err := store.Append(ctx, storedRecord("run-1", 1, 11))
	assert.True(t, errors.Is(err, domain.ErrLedgerSealed), "append-only: %v", err)
}

func TestStoreRejectsIncompleteRecords(t *testing.T) {
	store, cleanup := newTestStore(t)
	defer cleanup()
	ctx := context.Background()

	missing := storedRecord("", 1, 10)
	err := store.Append(ctx, missing)
	assert.True(t, domain.IsInvalidInput(err))

	noHash := storedRecord("run-1", 1, 10)
	noHash.InputHash = ""
	err = store.Append(ctx, noHash)
	assert.True(t, domain.IsInvalidInput(err))
}

func TestStoreListOrdersBySeq(t *testing.T) {
	store, cleanup := newTestStore(t)
	defer cleanup()
	ctx := context.Background()

	// Append out of order; List must return seq order.
	require.NoError(t, store.Append(ctx, storedRecord("run-1", 2, 11)))
	require.NoError(t, store.Append(ctx, storedRecord("run-1", 1, 10)))
	require.NoError(t, store.Append(ctx, storedRecord("run-1", 3, 12)))
	require.NoError(t, store.Append(ctx, storedRecord("run-2", 1, 10)))

	records, err := store.List(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, int64(1), records[0].Seq)
	assert.Equal(t, int64(2), records[1].Seq)
	assert.Equal(t, int64(3), records[2].Seq)
}

func TestStoreNextSeq(t *testing.T) {
	store, cleanup := newTestStore(t)
	defer cleanup()
	ctx := context.Background()

	seq, err := store.NextSeq(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), seq)

	require.NoError(t, store.Append(ctx, storedRecord("run-1", 1, 10)))
	require.NoError(t, store.Append(ctx, storedRecord("run-1", 2, 11)))

	seq, err = store.NextSeq(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), seq)
}

func TestStoreListRuns(t *testing.T) {
	store, cleanup := newTestStore(t)
	defer cleanup()
	ctx := context.Background()

	fallback := storedRecord("run-1", 2, 11)
	fallback.FallbackTriggered = true

	require.NoError(t, store.Append(ctx, storedRecord("run-1", 1, 10)))
	require.NoError(t, store.Append(ctx, fallback))
	require.NoError(t, store.Append(ctx, storedRecord("run-2", 1, 10)))

	runs, err := store.ListRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)

	byID := map[string]RunSummary{}
	for _, r := range runs {
		byID[r.RunID] = r
	}
	assert.Equal(t, 2, byID["run-1"].Records)
	assert.Equal(t, 1, byID["run-1"].Fallbacks)
	assert.Equal(t, 1, byID["run-2"].Records)
}

func TestMemoryStoreMatchesContract(t *testing.T) {
	mem := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, mem.Append(ctx, storedRecord("run-1", 1, 10)))
	assert.True(t, errors.Is(mem.Append(ctx, storedRecord("run-1", 1, 10)), domain.ErrLedgerSealed))

	got, err := mem.Get(ctx, "run-1", 1)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 10, got.Epoch)

	missing, err := mem.Get(ctx, "run-1", 99)
	require.NoError(t, err)
	assert.Nil(t, missing)

	seq, err := mem.NextSeq(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), seq)

	records, err := mem.List(ctx, "run-1")
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

// Package ledger implements the append-only run ledger: canonical
// serialization, input/output hashing, optional Ed25519 signatures,
// and the SQLite-backed record store.
//
// Records are immutable once appended. A mistake is fixed by appending
// a correction record that references the original via Corrects; the
// original stays in place so replays and audits see the full history.
package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/aristath/helmsman/internal/domain"
)

// Canonical serialization rules: map-typed fields are flattened into
// slices sorted by asset ID before encoding, so the byte stream for a
// given decision is identical across processes and runs. Wall-clock
// measurements (latency, wall time) never enter a hash: two replays of
// the same seed must produce the same hashes on any machine.

// canonicalWeight is one (asset, weight) pair in sorted order.
type canonicalWeight struct {
	Asset  string  `msgpack:"asset"`
	Weight float64 `msgpack:"weight"`
}

// canonicalInput is the hashable view of a decision cycle's inputs.
type canonicalInput struct {
	Epoch        int               `msgpack:"epoch"`
	Seed         int64             `msgpack:"seed"`
	Order        []string          `msgpack:"order"`
	Linear       []canonicalWeight `msgpack:"linear"`
	RiskPenalty  []canonicalWeight `msgpack:"risk_penalty"`
	Covariance   [][]float64       `msgpack:"covariance,omitempty"`
	MaxWeight    float64           `msgpack:"max_weight"`
	MaxAssets    int               `msgpack:"max_assets"`
	MinAssets    int               `msgpack:"min_assets"`
	Budget       float64           `msgpack:"budget"`
	ExcludedIDs  []string          `msgpack:"excluded_ids"`
	SchemaVer    string            `msgpack:"schema_version"`
	QuadraticFor float64           `msgpack:"quad_weight"`
}

// canonicalOutput is the hashable view of a decision cycle's outputs.
type canonicalOutput struct {
	Weights           []canonicalWeight `msgpack:"weights"`
	ObjectiveValue    float64           `msgpack:"objective_value"`
	Variant           string            `msgpack:"variant"`
	FallbackTriggered bool              `msgpack:"fallback_triggered"`
	NoDecision        bool              `msgpack:"no_decision"`
	Reason            string            `msgpack:"reason"`
}

// sortedWeights flattens a weight map into (asset, weight) pairs
// ordered by asset ID.
func sortedWeights(m map[string]float64) []canonicalWeight {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	pairs := make([]canonicalWeight, 0, len(ids))
	for _, id := range ids {
		pairs = append(pairs, canonicalWeight{Asset: id, Weight: m[id]})
	}
	return pairs
}

// HashInputs computes the SHA-256 hash of the canonical serialization
// of a decision cycle's inputs for a fixed seed. The hash is stable:
// the same epoch, coefficients, constraints, and seed always produce
// the same hex digest regardless of map iteration order.
func HashInputs(epoch int, seed int64, coeffs domain.ObjectiveCoefficients, constraints domain.Constraints, quadWeight float64, schemaVersion string) (string, error) {
	excluded := make([]string, 0, len(coeffs.Excluded))
	for _, ex := range coeffs.Excluded {
		excluded = append(excluded, ex.ID)
	}
	sort.Strings(excluded)

	in := canonicalInput{
		Epoch:        epoch,
		Seed:         seed,
		Order:        coeffs.Order,
		Linear:       sortedWeights(coeffs.Linear),
		RiskPenalty:  sortedWeights(coeffs.RiskPenalty),
		Covariance:   coeffs.Covariance,
		MaxWeight:    constraints.MaxAssetWeight,
		MaxAssets:    constraints.MaxAssets,
		MinAssets:    constraints.MinAssets,
		Budget:       constraints.Budget,
		ExcludedIDs:  excluded,
		SchemaVer:    schemaVersion,
		QuadraticFor: quadWeight,
	}

	raw, err := msgpack.Marshal(in)
	if err != nil {
		return "", fmt.Errorf("canonical input encoding: %w", err)
	}

	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// HashOutputs computes the SHA-256 hash of the canonical serialization
// of a decision. Latency and wall-time metadata are deliberately
// excluded so the hash is reproducible across machines.
func HashOutputs(decision domain.PortfolioDecision) (string, error) {
	out := canonicalOutput{
		Weights:           sortedWeights(decision.Weights),
		ObjectiveValue:    decision.ObjectiveValue,
		Variant:           string(decision.Variant),
		FallbackTriggered: decision.FallbackTriggered,
		NoDecision:        decision.NoDecision,
		Reason:            decision.Reason,
	}

	raw, err := msgpack.Marshal(out)
	if err != nil {
		return "", fmt.Errorf("canonical output encoding: %w", err)
	}

	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// signingPayload is the byte stream covered by a record's signature:
// the identifying fields plus both hashes. Signature bytes themselves
// are never part of the payload.
func signingPayload(rec domain.RunRecord) ([]byte, error) {
	payload := struct {
		RunID      string `msgpack:"run_id"`
		Seq        int64  `msgpack:"seq"`
		Epoch      int    `msgpack:"epoch"`
		Seed       int64  `msgpack:"seed"`
		InputHash  string `msgpack:"input_hash"`
		OutputHash string `msgpack:"output_hash"`
		Corrects   string `msgpack:"corrects"`
	}{
		RunID:      rec.RunID,
		Seq:        rec.Seq,
		Epoch:      rec.Epoch,
		Seed:       rec.Seed,
		InputHash:  rec.InputHash,
		OutputHash: rec.OutputHash,
		Corrects:   rec.Corrects,
	}

	raw, err := msgpack.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("signing payload encoding: %w", err)
	}
	return raw, nil
}

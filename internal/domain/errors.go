package domain

import (
	"errors"
	"fmt"
)

// InvalidInputError represents a translation failure caused by unusable
// input, such as every asset in the universe missing its score.
type InvalidInputError struct {
	Reason string
}

func (e InvalidInputError) Error() string {
	return fmt.Sprintf("invalid optimizer input: %s", e.Reason)
}

// IsInvalidInput reports whether err is (or wraps) an InvalidInputError.
func IsInvalidInput(err error) bool {
	var target InvalidInputError
	return errors.As(err, &target)
}

// SolverError represents a solver invocation failure. Variant identifies
// which solver failed so the fallback controller can attribute breaches.
type SolverError struct {
	Variant SolverVariant
	Reason  string
	Err     error
}

func (e SolverError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s solver: %s: %v", e.Variant, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s solver: %s", e.Variant, e.Reason)
}

func (e SolverError) Unwrap() error {
	return e.Err
}

// DataIntegrityError represents a fatal data fault detected mid-run, such
// as a non-finite price or return. Backtests abort immediately on it
// rather than attempting partial results.
type DataIntegrityError struct {
	Epoch   int
	AssetID string
	Field   string
	Value   float64
}

func (e DataIntegrityError) Error() string {
	return fmt.Sprintf("data integrity fault at epoch %d: %s.%s = %v", e.Epoch, e.AssetID, e.Field, e.Value)
}

// IsDataIntegrity reports whether err is (or wraps) a DataIntegrityError.
func IsDataIntegrity(err error) bool {
	var target DataIntegrityError
	return errors.As(err, &target)
}

// ErrEmergencyHalt is returned by trade-path operations while the safety
// gate sits in its terminal emergency tier.
var ErrEmergencyHalt = errors.New("safety gate in emergency halt")

// ErrLedgerSealed is returned on any attempt to modify an existing ledger
// record. Corrections must be appended as new records.
var ErrLedgerSealed = errors.New("ledger records are append-only")

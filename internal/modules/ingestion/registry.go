// Package ingestion is the snapshot intake boundary: schema-version
// registry with migration paths, batch validation, and data-quality
// scoring. Batches that fail here never reach the optimizer; a schema
// mismatch is fatal for the epoch rather than silently coerced.
package ingestion

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/aristath/helmsman/internal/domain"
)

// CurrentSchemaVersion is the snapshot contract this build consumes.
const CurrentSchemaVersion = "1.0.0"

// Version is a parsed semantic version.
type Version struct {
	Major int
	Minor int
	Patch int
}

// ParseVersion parses "MAJOR.MINOR.PATCH".
func ParseVersion(s string) (Version, error) {
	parts := strings.Split(s, ".")
	if len(parts) != 3 {
		return Version{}, fmt.Errorf("malformed schema version %q", s)
	}
	nums := make([]int, 3)
	for i, part := range parts {
		n, err := strconv.Atoi(part)
		if err != nil || n < 0 {
			return Version{}, fmt.Errorf("malformed schema version %q", s)
		}
		nums[i] = n
	}
	return Version{Major: nums[0], Minor: nums[1], Patch: nums[2]}, nil
}

// Less orders versions by major, minor, patch.
func (v Version) Less(other Version) bool {
	if v.Major != other.Major {
		return v.Major < other.Major
	}
	if v.Minor != other.Minor {
		return v.Minor < other.Minor
	}
	return v.Patch < other.Patch
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// Schema describes one registered snapshot contract version. Check
// validates a single snapshot against the structural rules of that
// version; it runs after migration for older producers.
type Schema struct {
	Version string
	Check   func(domain.AssetSnapshot) error
}

// Migration upgrades one snapshot across one version step. Steps chain:
// 0.9.0 -> 1.0.0 -> 1.1.0 would apply two migrations.
type Migration struct {
	From  string
	To    string
	Apply func(domain.AssetSnapshot) domain.AssetSnapshot
}

// Registry tracks known schema versions and the migration graph
// between them. Registration happens at startup; reads are lock-free.
type Registry struct {
	schemas    map[string]Schema
	migrations map[string]Migration // keyed by From; one outgoing step per version
	current    Version
	log        zerolog.Logger
}

// NewRegistry creates a registry with the built-in schema lineage.
func NewRegistry(log zerolog.Logger) *Registry {
	r := &Registry{
		schemas:    make(map[string]Schema),
		migrations: make(map[string]Migration),
		log:        log.With().Str("component", "schema_registry").Logger(),
	}
	registerBuiltins(r)
	return r
}

// Register adds a schema version. The highest registered version
// becomes current.
func (r *Registry) Register(s Schema) error {
	v, err := ParseVersion(s.Version)
	if err != nil {
		return err
	}
	if _, exists := r.schemas[s.Version]; exists {
		return fmt.Errorf("schema version %s already registered", s.Version)
	}
	r.schemas[s.Version] = s
	if r.current.Less(v) {
		r.current = v
	}
	r.log.Debug().Str("version", s.Version).Msg("Registered snapshot schema")
	return nil
}

// RegisterMigration adds one upgrade step. Both endpoints must already
// be registered, and each version can have at most one outgoing step.
func (r *Registry) RegisterMigration(m Migration) error {
	if _, ok := r.schemas[m.From]; !ok {
		return fmt.Errorf("migration source %s not registered", m.From)
	}
	if _, ok := r.schemas[m.To]; !ok {
		return fmt.Errorf("migration target %s not registered", m.To)
	}
	if _, exists := r.migrations[m.From]; exists {
		return fmt.Errorf("migration from %s already registered", m.From)
	}
	from, err := ParseVersion(m.From)
	if err != nil {
		return err
	}
	to, err := ParseVersion(m.To)
	if err != nil {
		return err
	}
	if !from.Less(to) {
		return fmt.Errorf("migration must move forward, got %s -> %s", m.From, m.To)
	}
	r.migrations[m.From] = m
	return nil
}

// Current returns the newest registered version string.
func (r *Registry) Current() string {
	return r.current.String()
}

// Versions returns all registered versions, oldest first.
func (r *Registry) Versions() []string {
	parsed := make([]Version, 0, len(r.schemas))
	for s := range r.schemas {
		v, _ := ParseVersion(s)
		parsed = append(parsed, v)
	}
	sort.Slice(parsed, func(i, j int) bool { return parsed[i].Less(parsed[j]) })
	out := make([]string, len(parsed))
	for i, v := range parsed {
		out[i] = v.String()
	}
	return out
}

// Compatible reports whether a producer at the given version can feed
// this build as-is, with no migration: the version must be registered
// and share the current major. Minor/patch skew within a major is
// additive under semver and tolerated.
func (r *Registry) Compatible(producerVersion string) error {
	v, err := ParseVersion(producerVersion)
	if err != nil {
		return domain.InvalidInputError{Reason: err.Error()}
	}
	if _, ok := r.schemas[producerVersion]; !ok {
		return domain.InvalidInputError{Reason: fmt.Sprintf("unknown schema version %s", producerVersion)}
	}
	if v.Major != r.current.Major {
		return domain.InvalidInputError{
			Reason: fmt.Sprintf("schema major version mismatch: producer %s, consumer %s", producerVersion, r.Current()),
		}
	}
	return nil
}

// Migrate upgrades a snapshot from the producer's version to current.
// Registered steps chain across majors; where the chain runs out, the
// remaining gap must be same-major (additive) or the snapshot is
// rejected. There is no silent pass-through over a major boundary.
func (r *Registry) Migrate(snap domain.AssetSnapshot, fromVersion string) (domain.AssetSnapshot, error) {
	if fromVersion == r.Current() {
		return snap, nil
	}
	if _, ok := r.schemas[fromVersion]; !ok {
		return snap, domain.InvalidInputError{Reason: fmt.Sprintf("unknown schema version %s", fromVersion)}
	}

	at := fromVersion
	for at != r.Current() {
		step, ok := r.migrations[at]
		if !ok {
			if err := r.Compatible(at); err != nil {
				return snap, domain.InvalidInputError{
					Reason: fmt.Sprintf("no migration path from schema %s to %s", at, r.Current()),
				}
			}
			break
		}
		snap = step.Apply(snap)
		at = step.To
	}
	snap.SchemaVersion = r.Current()
	return snap, nil
}

// CheckAgainst validates a snapshot against a registered version's
// structural rules.
func (r *Registry) CheckAgainst(snap domain.AssetSnapshot, version string) error {
	schema, ok := r.schemas[version]
	if !ok {
		return domain.InvalidInputError{Reason: fmt.Sprintf("unknown schema version %s", version)}
	}
	if schema.Check == nil {
		return nil
	}
	return schema.Check(snap)
}

// registerBuiltins installs the snapshot schema lineage.
//
// 0.9.0: the legacy predictor wire format. Score was a mandatory field
// with 0 doubling as "missing", and momentum came scaled in percent.
// 1.0.0: score is a pointer (nil = explicitly missing), momentum is a
// fraction, volatility is carried.
func registerBuiltins(r *Registry) {
	must := func(err error) {
		if err != nil {
			panic(err)
		}
	}

	must(r.Register(Schema{
		Version: "0.9.0",
		Check: func(s domain.AssetSnapshot) error {
			if s.ID == "" {
				return fmt.Errorf("snapshot missing asset id")
			}
			if s.Price <= 0 {
				return fmt.Errorf("snapshot price must be positive, got %v", s.Price)
			}
			return nil
		},
	}))
	must(r.Register(Schema{
		Version: "1.0.0",
		Check: func(s domain.AssetSnapshot) error {
			if s.ID == "" {
				return fmt.Errorf("snapshot missing asset id")
			}
			if s.Price <= 0 {
				return fmt.Errorf("snapshot price must be positive, got %v", s.Price)
			}
			if s.Volatility < 0 {
				return fmt.Errorf("snapshot volatility must be non-negative, got %v", s.Volatility)
			}
			return nil
		},
	}))
	must(r.RegisterMigration(Migration{
		From: "0.9.0",
		To:   "1.0.0",
		Apply: func(s domain.AssetSnapshot) domain.AssetSnapshot {
			s.Momentum = s.Momentum / 100
			if s.Score != nil && *s.Score == 0 {
				s.Score = nil
			}
			return s
		},
	}))
}

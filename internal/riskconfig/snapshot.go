// Package riskconfig supplies versioned rule weights and grade thresholds to
// the scoring pipeline as one atomically swapped snapshot.
package riskconfig

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/rules"
)

// Snapshot is an immutable pairing of a rule set and a threshold
// configuration, with the rule set already compiled.
type Snapshot struct {
	RuleSet    *domain.RuleSet
	Thresholds *domain.ThresholdConfiguration
	Program    *rules.Program
	Version    string
	LoadedAt   time.Time
}

// CombinedVersion formats the version stamp recorded on assessments.
func CombinedVersion(ruleVersion, thresholdVersion string) string {
	return fmt.Sprintf("rules:%s|thresholds:%s", ruleVersion, thresholdVersion)
}

// Build validates both documents and compiles the rule set.
func Build(compiler *rules.Compiler, rs *domain.RuleSet, tc *domain.ThresholdConfiguration) (*Snapshot, error) {
	if rs == nil || tc == nil {
		return nil, fmt.Errorf("both rule set and thresholds are required")
	}
	if err := tc.Validate(); err != nil {
		return nil, fmt.Errorf("thresholds %s: %w", tc.Version, err)
	}
	program, err := compiler.Compile(rs)
	if err != nil {
		return nil, fmt.Errorf("rule set %s: %w", rs.Version, err)
	}
	return &Snapshot{
		RuleSet:    rs,
		Thresholds: tc,
		Program:    program,
		Version:    CombinedVersion(rs.Version, tc.Version),
		LoadedAt:   time.Now().UTC(),
	}, nil
}

// DTICutoff returns the snapshot's debt-to-income cutoff.
func (s *Snapshot) DTICutoff() decimal.Decimal {
	return s.Thresholds.DTICutoff
}

// Document is the serialized form of a snapshot, shared by the YAML file
// source and the cache.
type Document struct {
	Rules      *domain.RuleSet                `json:"rules" yaml:"rules"`
	Thresholds *domain.ThresholdConfiguration `json:"thresholds" yaml:"thresholds"`
}

package riskconfig

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Source fetches the currently published configuration documents.
type Source interface {
	FetchRuleSet(ctx context.Context) (*domain.RuleSet, error)
	FetchThresholds(ctx context.Context) (*domain.ThresholdConfiguration, error)
}

// StoreSource reads the active versions from the config store.
type StoreSource struct {
	store domain.ConfigStore
}

// NewStoreSource creates a source backed by store.
func NewStoreSource(store domain.ConfigStore) *StoreSource {
	return &StoreSource{store: store}
}

func (s *StoreSource) FetchRuleSet(ctx context.Context) (*domain.RuleSet, error) {
	return s.store.GetActiveRuleSet(ctx)
}

func (s *StoreSource) FetchThresholds(ctx context.Context) (*domain.ThresholdConfiguration, error) {
	return s.store.GetActiveThresholds(ctx)
}

// FileSource reads a YAML document with "rules" and "thresholds" sections.
// The file is re-read on every fetch so edits are picked up on refresh.
type FileSource struct {
	path string
}

// NewFileSource creates a source reading path.
func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

func (s *FileSource) load() (*Document, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("read risk config %s: %w", s.path, err)
	}
	return ParseDocument(data)
}

func (s *FileSource) FetchRuleSet(ctx context.Context) (*domain.RuleSet, error) {
	doc, err := s.load()
	if err != nil {
		return nil, err
	}
	return doc.Rules, nil
}

func (s *FileSource) FetchThresholds(ctx context.Context) (*domain.ThresholdConfiguration, error) {
	doc, err := s.load()
	if err != nil {
		return nil, err
	}
	return doc.Thresholds, nil
}

// ParseDocument decodes a YAML risk configuration document.
func ParseDocument(data []byte) (*Document, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse risk config: %w", err)
	}
	if doc.Rules == nil {
		return nil, &domain.ValidationError{Field: "rules", Message: "section is missing"}
	}
	if doc.Thresholds == nil {
		return nil, &domain.ValidationError{Field: "thresholds", Message: "section is missing"}
	}
	return &doc, nil
}

// StaticSource serves fixed documents. Used for seeding and offline runs.
type StaticSource struct {
	RuleSet    *domain.RuleSet
	Thresholds *domain.ThresholdConfiguration
}

func (s *StaticSource) FetchRuleSet(ctx context.Context) (*domain.RuleSet, error) {
	if s.RuleSet == nil {
		return nil, fmt.Errorf("no rule set")
	}
	return s.RuleSet, nil
}

func (s *StaticSource) FetchThresholds(ctx context.Context) (*domain.ThresholdConfiguration, error) {
	if s.Thresholds == nil {
		return nil, fmt.Errorf("no thresholds")
	}
	return s.Thresholds, nil
}

package riskconfig

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/opensource-finance/kestrel/internal/decision"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/rules"
)

// Seed publishes the default rule set and thresholds when the store has no
// active version of either.
func Seed(ctx context.Context, store domain.ConfigStore) error {
	if _, err := store.GetActiveRuleSet(ctx); errors.Is(err, domain.ErrNotFound) {
		if err := store.SaveRuleSet(ctx, rules.DefaultRuleSet()); err != nil {
			return fmt.Errorf("seed rule set: %w", err)
		}
		slog.Info("seeded default rule set", "version", rules.DefaultRuleSetVersion)
	} else if err != nil {
		return fmt.Errorf("check rule set: %w", err)
	}

	if _, err := store.GetActiveThresholds(ctx); errors.Is(err, domain.ErrNotFound) {
		if err := store.SaveThresholds(ctx, decision.DefaultThresholds()); err != nil {
			return fmt.Errorf("seed thresholds: %w", err)
		}
		slog.Info("seeded default thresholds", "version", decision.DefaultThresholdVersion)
	} else if err != nil {
		return fmt.Errorf("check thresholds: %w", err)
	}
	return nil
}

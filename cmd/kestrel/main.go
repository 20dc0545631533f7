// Kestrel - Credit risk decisioning for loan applications.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

var (
	tierFlag = &cli.StringFlag{
		Name:  "tier",
		Usage: "Deployment tier: community or pro (overrides KESTREL_TIER)",
	}

	logLevelFlag = &cli.StringFlag{
		Name:  "log-level",
		Usage: "Log level: debug, info, warn or error",
	}

	logFormatFlag = &cli.StringFlag{
		Name:  "log-format",
		Usage: "Log format: json or text",
	}

	riskConfigFileFlag = &cli.StringFlag{
		Name:  "risk-config",
		Usage: "Serve rule weights and thresholds from this YAML file instead of the repository",
	}
)

func main() {
	cmd := &cli.Command{
		Name:    "kestrel",
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", Version, Commit, BuildDate),
		Usage:   "Credit risk assessment engine",
		Flags: []cli.Flag{
			tierFlag,
			logLevelFlag,
			logFormatFlag,
			riskConfigFileFlag,
		},
		Commands: []*cli.Command{
			serveCmd,
			assessCmd,
			configCmd,
		},
		Before: func(ctx context.Context, c *cli.Command) (context.Context, error) {
			cfg := loadConfig(c)
			initLogger(cfg.Logging)
			return ctx, nil
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		slog.Error("kestrel failed", "error", err)
		os.Exit(1)
	}
}

// loadConfig builds the configuration from the tier defaults, KESTREL_*
// environment variables and finally the global flags.
func loadConfig(c *cli.Command) *domain.Config {
	cfg := domain.LoadConfig()
	if c.IsSet(tierFlag.Name) && domain.Tier(c.String(tierFlag.Name)) == domain.TierPro && cfg.Tier != domain.TierPro {
		cfg = domain.ProConfig()
		cfg.ApplyEnv()
	}
	if c.IsSet(logLevelFlag.Name) {
		cfg.Logging.Level = c.String(logLevelFlag.Name)
	}
	if c.IsSet(logFormatFlag.Name) {
		cfg.Logging.Format = c.String(logFormatFlag.Name)
	}
	if c.IsSet(riskConfigFileFlag.Name) {
		cfg.RiskConfig.Source = "file"
		cfg.RiskConfig.FilePath = c.String(riskConfigFileFlag.Name)
	}
	return cfg
}

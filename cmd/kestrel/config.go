package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v3"

	"github.com/opensource-finance/kestrel/internal/riskconfig"
	"github.com/opensource-finance/kestrel/internal/rules"
)

var (
	configFileFlag = &cli.StringFlag{
		Name:     "file",
		Usage:    "YAML risk configuration document",
		Required: true,
	}

	configCmd = &cli.Command{
		Name:  "config",
		Usage: "Inspect risk configuration",
		Commands: []*cli.Command{
			{
				Name:   "validate",
				Usage:  "Compile a risk configuration document without activating it",
				Action: cmdConfigValidate,
				Flags:  []cli.Flag{configFileFlag},
			},
			{
				Name:   "show",
				Usage:  "Print the configuration the service would load",
				Action: cmdConfigShow,
			},
		},
	}
)

func cmdConfigValidate(ctx context.Context, c *cli.Command) error {
	path := c.String(configFileFlag.Name)
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}

	snap, err := validateDocument(data)
	if err != nil {
		return err
	}

	fmt.Printf("%s: valid\n", path)
	fmt.Printf("  version:    %s\n", snap.Version)
	fmt.Printf("  rules:      %d enabled of %d\n", len(snap.Program.Rules), len(snap.RuleSet.Rules))
	fmt.Printf("  grades:     %d\n", len(snap.Thresholds.Grades))
	fmt.Printf("  dti cutoff: %s\n", snap.DTICutoff())
	return nil
}

// validateDocument parses and compiles a YAML document into a snapshot.
func validateDocument(data []byte) (*riskconfig.Snapshot, error) {
	doc, err := riskconfig.ParseDocument(data)
	if err != nil {
		return nil, err
	}
	compiler, err := rules.NewCompiler()
	if err != nil {
		return nil, err
	}
	return riskconfig.Build(compiler, doc.Rules, doc.Thresholds)
}

func cmdConfigShow(ctx context.Context, c *cli.Command) error {
	a, err := newApp(ctx, loadConfig(c), prometheus.NewRegistry())
	if err != nil {
		return err
	}
	defer a.Close()

	snap, err := a.provider.Snapshot()
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(riskconfig.Document{
		Rules:      snap.RuleSet,
		Thresholds: snap.Thresholds,
	})
}

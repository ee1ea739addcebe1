package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/kriansa/hyperv-fcopy/internal/config"
	"github.com/kriansa/hyperv-fcopy/internal/harness"
	"github.com/kriansa/hyperv-fcopy/internal/log"
	"github.com/kriansa/hyperv-fcopy/internal/scenario"
	"github.com/kriansa/hyperv-fcopy/internal/version"
)

func main() {
	cmd := &cli.Command{
		Name:  "fcopy-scenario",
		Usage: "Check Hyper-V host-to-guest file copy against a freshly provisioned VM",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Configuration file path",
				Value:   config.DefaultConfigPath,
				Sources: cli.EnvVars(config.EnvConfigPath),
			},
			&cli.StringFlag{
				Name:  "image",
				Usage: "Host path of the reference disk image",
			},
			&cli.StringFlag{
				Name:  "flavor",
				Usage: "Flavor name from the [flavors] config section",
			},
			&cli.StringFlag{
				Name:  "ssh-user",
				Usage: "Guest user for verification over SSH",
			},
			&cli.StringFlag{
				Name:  "size",
				Usage: "Test file size: <n>MB, <n>GB or <n> bytes",
			},
			&cli.StringFlag{
				Name:  "scenario",
				Usage: "Scenario to run: basic, overwrite or all",
				Value: "all",
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "Enable debug logging",
			},
			&cli.BoolFlag{
				Name:    "version",
				Aliases: []string{"V"},
				Usage:   "Print version information",
			},
		},
		Action: run,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cmd.Run(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		stop()
		os.Exit(1)
	}
}

// scenarioNames maps the --scenario flag to the scenarios it runs
func scenarioNames(flag string) ([]string, error) {
	switch flag {
	case "basic":
		return []string{scenario.NameBasic}, nil
	case "overwrite", scenario.NameExistingFile:
		return []string{scenario.NameExistingFile}, nil
	case "all":
		return []string{scenario.NameBasic, scenario.NameExistingFile}, nil
	default:
		return nil, fmt.Errorf("scenario must be 'basic', 'overwrite' or 'all', got %q", flag)
	}
}

func run(ctx context.Context, cmd *cli.Command) error {
	// Handle version flag
	if cmd.Bool("version") {
		fmt.Println(version.String())
		return nil
	}

	// Setup logging
	log.Setup(cmd.Bool("verbose"))

	names, err := scenarioNames(cmd.String("scenario"))
	if err != nil {
		return err
	}

	// Load config file
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// Merge CLI flags (CLI takes precedence)
	cfg.Merge(
		cmd.String("image"),
		cmd.String("flavor"),
		cmd.String("ssh-user"),
		cmd.String("size"),
	)

	// Apply defaults
	cfg.ApplyDefaults()

	// Validate config
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	log.Info("starting file copy scenarios",
		"host", cfg.Host.Address,
		"image", cfg.ImageRef,
		"flavor", cfg.FlavorRef,
		"size", cfg.FileSize,
		"scenarios", names,
	)

	h, err := harness.Build(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := h.Close(); err != nil {
			log.Warn("failed to close host connection", "error", err)
		}
	}()

	failed := 0
	for _, name := range names {
		out, err := h.Scenario.Run(ctx, name)
		if err != nil {
			return err
		}
		report(out)
		if failedRun(out) {
			failed++
		}
		if ctx.Err() != nil {
			break
		}
	}

	if failed > 0 {
		log.Error("file copy scenarios failed", "failed", failed, "total", len(names))
		return fmt.Errorf("%d of %d scenarios failed", failed, len(names))
	}
	return nil
}

// failedRun reports whether out counts against the exit status. Skips do not.
func failedRun(out scenario.Outcome) bool {
	return !out.Passed() && out.Status != scenario.Skip
}

func report(out scenario.Outcome) {
	fmt.Printf("== %s\n", out.Scenario)
	for _, st := range out.Steps {
		line := fmt.Sprintf("  [%s] %-26s %8s", st.Status, st.Name, st.Duration.Round(time.Millisecond))
		if st.Detail != "" {
			line += "  " + st.Detail
		}
		fmt.Println(line)
	}
	fmt.Println(out.String())
}

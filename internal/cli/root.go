// Package cli wires the migration harness components into the cbm command.
package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/malbeclabs/core-bpf-migration/internal/catalog"
	"github.com/malbeclabs/core-bpf-migration/internal/conformance"
	"github.com/malbeclabs/core-bpf-migration/internal/gomod"
	"github.com/malbeclabs/core-bpf-migration/internal/metrics"
	"github.com/malbeclabs/core-bpf-migration/internal/migration"
	"github.com/malbeclabs/core-bpf-migration/internal/probe"
	"github.com/spf13/cobra"
)

type ExitCode int

const (
	exitCodeSuccess ExitCode = 0
	exitCodeError   ExitCode = 1

	// exitCodeAssertion reports a run that completed its setup but observed behavior that
	// differs from what the migration requires.
	exitCodeAssertion ExitCode = 2
)

const (
	envWorkDir     = gomod.EnvWorkDir
	envMetricsAddr = "CBM_METRICS_ADDR"
)

// BuildInfo identifies the running binary.
type BuildInfo struct {
	Version string
	Commit  string
	Date    string
}

func Run(info BuildInfo) ExitCode {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "failed to load .env: %v\n", err)
		return exitCodeError
	}
	metrics.BuildInfo.WithLabelValues(info.Version, info.Commit, info.Date).Set(1)

	rootCmd := &cobra.Command{
		Use:           "cbm",
		Short:         "Validate the migration of builtin programs to Core BPF.",
		Version:       info.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			err := cmd.Help()
			if err != nil {
				return fmt.Errorf("failed to show help: %w", err)
			}
			return nil
		},
	}

	var verbose bool
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "set debug logging level")

	var workDir string
	rootCmd.PersistentFlags().StringVar(&workDir, "workdir", envWithDefault(envWorkDir, ""), "working directory for ELFs and conformance checkouts (env: "+envWorkDir+", default: enclosing elfs/ and impl/ layout, module root or current directory)")

	var metricsAddr string
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", envWithDefault(envMetricsAddr, ""), "serve prometheus metrics on this address (env: "+envMetricsAddr+")")

	var reportPath string
	rootCmd.PersistentFlags().StringVar(&reportPath, "report", "", "write a YAML run report to this file")

	rootCmd.AddCommand(
		NewStubTestCmd().Command(),
		NewFixturesTestCmd().Command(),
		NewConformanceTestCmd().Command(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitCodeFor(err)
	}

	return exitCodeSuccess
}

func exitCodeFor(err error) ExitCode {
	var (
		assertErr   *migration.AssertionError
		probeErr    *probe.Failure
		mismatchErr *conformance.MismatchError
	)
	switch {
	case err == nil:
		return exitCodeSuccess
	case errors.As(err, &assertErr),
		errors.As(err, &probeErr),
		errors.As(err, &mismatchErr),
		errors.Is(err, migration.ErrPhaseRegressed):
		return exitCodeAssertion
	}
	return exitCodeError
}

// programArg validates the program positional argument against the catalog.
func programArg(cmd *cobra.Command, args []string) error {
	if err := cobra.ExactArgs(1)(cmd, args); err != nil {
		return err
	}
	_, err := catalog.Lookup(args[0])
	return err
}

func envWithDefault(envVar, defaultValue string) string {
	if value := os.Getenv(envVar); value != "" {
		return value
	}
	return defaultValue
}

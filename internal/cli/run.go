package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/malbeclabs/core-bpf-migration/internal/catalog"
	"github.com/malbeclabs/core-bpf-migration/internal/conformance"
	"github.com/malbeclabs/core-bpf-migration/internal/gomod"
	"github.com/malbeclabs/core-bpf-migration/internal/logging"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

const modulePath = "github.com/malbeclabs/core-bpf-migration"

// runEnv is what every subcommand receives from withRun.
type runEnv struct {
	log     *slog.Logger
	verbose bool
	workDir string
	layout  conformance.Layout
	entry   catalog.Entry
}

// withRun sets up signal handling, logging, the working directory and the metrics server around
// f, then renders and optionally persists the report f returns.
func withRun(command string, f func(ctx context.Context, env *runEnv, cmd *cobra.Command) (*Report, error)) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		verbose, err := cmd.Root().PersistentFlags().GetBool("verbose")
		if err != nil {
			return fmt.Errorf("failed to get verbose flag: %w", err)
		}
		workDirFlag, err := cmd.Root().PersistentFlags().GetString("workdir")
		if err != nil {
			return fmt.Errorf("failed to get workdir flag: %w", err)
		}
		metricsAddr, err := cmd.Root().PersistentFlags().GetString("metrics-addr")
		if err != nil {
			return fmt.Errorf("failed to get metrics-addr flag: %w", err)
		}
		reportPath, err := cmd.Root().PersistentFlags().GetString("report")
		if err != nil {
			return fmt.Errorf("failed to get report flag: %w", err)
		}

		log := logging.New(os.Stdout, verbose)

		entry, err := catalog.Lookup(args[0])
		if err != nil {
			return err
		}
		workDir, err := resolveWorkDir(workDirFlag)
		if err != nil {
			return err
		}
		log.Debug("--> Using working directory", "dir", workDir)

		if metricsAddr != "" {
			if _, err := startMetricsServer(ctx, log, metricsAddr); err != nil {
				return err
			}
		}

		env := &runEnv{
			log:     log,
			verbose: verbose,
			workDir: workDir,
			layout:  conformance.NewLayout(workDir),
			entry:   entry,
		}

		start := time.Now()
		report, runErr := f(ctx, env, cmd)
		if report == nil {
			report = newReport(command, entry)
		}
		report.finish(time.Since(start), runErr)
		printSummary(os.Stdout, report)

		if reportPath != "" {
			if err := writeReport(reportPath, report); err != nil {
				log.Error("failed to write report", "error", err, "path", reportPath)
				return errors.Join(runErr, err)
			}
			log.Info("--> Wrote report", "path", reportPath)
		}

		if runErr != nil {
			log.Error("failed to run command", "command", command, "error", runErr)
			return runErr
		}
		return nil
	}
}

// resolveWorkDir returns dir as an absolute path. Without dir it is $CBM_WORKDIR, the nearest
// enclosing harness layout or module checkout, or the current directory.
func resolveWorkDir(dir string) (string, error) {
	if dir != "" {
		abs, err := filepath.Abs(dir)
		if err != nil {
			return "", fmt.Errorf("failed to resolve workdir %s: %w", dir, err)
		}
		return abs, nil
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to get current directory: %w", err)
	}
	root, err := gomod.FindWorkDir(cwd, modulePath)
	if errors.Is(err, gomod.ErrNotFound) && os.Getenv(gomod.EnvWorkDir) == "" {
		return cwd, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to find workdir: %w", err)
	}
	return root, nil
}

// startMetricsServer serves /metrics on addr until ctx is done and returns the bound address.
func startMetricsServer(ctx context.Context, log *slog.Logger, addr string) (net.Addr, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to start prometheus metrics server listener: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	log.Info("Prometheus metrics server listening", "address", listener.Addr().String())
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Prometheus metrics server stopped", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		_ = server.Close()
	}()
	return listener.Addr(), nil
}

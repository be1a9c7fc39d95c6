//go:build e2e

package e2e_test

import (
	"flag"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/docker/docker/client"
	"github.com/lmittmann/tint"
	"github.com/malbeclabs/core-bpf-migration/config"
	"github.com/malbeclabs/core-bpf-migration/internal/gomod"
	"github.com/malbeclabs/core-bpf-migration/internal/logging"
)

const envELFDir = "CBM_E2E_ELF_DIR"

var (
	logger       *slog.Logger
	dockerClient *client.Client
	elfDir       string
)

// TestMain initializes the logger and docker client shared by the end-to-end tests. The tests
// need the activator and stub ELFs built into $CBM_E2E_ELF_DIR, or the elfs directory of the
// module checkout.
func TestMain(m *testing.M) {
	flag.Parse()
	verbose := false
	if vFlag := flag.Lookup("test.v"); vFlag != nil && vFlag.Value.String() == "true" {
		verbose = true
	}
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger = slog.New(tint.NewHandler(os.Stdout, &tint.Options{
		Level:      level,
		TimeFormat: time.Kitchen,
	}))

	logging.SetTestcontainersLogger(logger)

	var err error
	dockerClient, err = client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		logger.Error("failed to create docker client", "error", err)
		os.Exit(1)
	}

	elfDir = os.Getenv(envELFDir)
	if elfDir == "" {
		root, err := gomod.FindGoModDir(".", "github.com/malbeclabs/core-bpf-migration")
		if err != nil {
			logger.Error("failed to find module root", "error", err)
			os.Exit(1)
		}
		elfDir = filepath.Join(root, config.ELFDirectory)
	}

	os.Exit(m.Run())
}

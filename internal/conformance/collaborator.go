package conformance

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/malbeclabs/core-bpf-migration/internal/metrics"
	"github.com/malbeclabs/core-bpf-migration/internal/subprocess"
)

const (
	targetTriple      = "x86_64-unknown-linux-gnu"
	targetLibraryName = "libsolfuzz_agave.so"

	EnvProgramID      = "CORE_BPF_PROGRAM_ID"
	EnvCandidateELF   = "CORE_BPF_TARGET"
	EnvForceRecompile = "FORCE_RECOMPILE"
)

var (
	ErrMissingProgramID    = errors.New("program id is required")
	ErrMissingCandidateELF = errors.New("candidate ELF is required")
)

// Source is a git repository checked out at Ref.
type Source struct {
	URL string
	Ref string
}

// Mode selects which execution target a solfuzz-agave build produces.
type Mode string

const (
	// ModeBuiltin executes the program with its native builtin.
	ModeBuiltin Mode = "builtin"

	// ModeCandidate executes the candidate ELF in place of the builtin.
	ModeCandidate Mode = "core-bpf"

	// ModeCandidateConformance executes the candidate ELF with effects normalized for
	// comparison against the builtin.
	ModeCandidateConformance Mode = "core-bpf-conformance"
)

func (m Mode) candidate() bool {
	return m == ModeCandidate || m == ModeCandidateConformance
}

// BuildConfig carries the parameters of a candidate build. They reach the build through the
// subprocess environment only.
type BuildConfig struct {
	ProgramID    solana.PublicKey
	CandidateELF string

	// Incremental lets solfuzz-agave reuse the candidate it compiled last time. The candidate ELF
	// path is shared by every cluster, so by default the candidate is always recompiled.
	Incremental bool
}

func (c BuildConfig) Validate(mode Mode) error {
	if !mode.candidate() {
		return nil
	}
	if c.ProgramID.IsZero() {
		return ErrMissingProgramID
	}
	if c.CandidateELF == "" {
		return ErrMissingCandidateELF
	}
	return nil
}

// Env returns the environment variables of a build in mode.
func (c BuildConfig) Env(mode Mode) map[string]string {
	if !mode.candidate() {
		return nil
	}
	return map[string]string{
		EnvProgramID:      c.ProgramID.String(),
		EnvCandidateELF:   c.CandidateELF,
		EnvForceRecompile: strconv.FormatBool(!c.Incremental),
	}
}

// Unset returns the inherited variables a build in mode must not see. A builtin build never
// picks up candidate parameters left in the process environment or a .env file.
func (c BuildConfig) Unset(mode Mode) []string {
	if mode.candidate() {
		return nil
	}
	return []string{EnvProgramID, EnvCandidateELF, EnvForceRecompile}
}

// Collaborator runs the external tools a conformance run depends on.
type Collaborator interface {
	// EnsurePresent clones source into path, or pulls it if path already exists.
	EnsurePresent(ctx context.Context, source Source, path string) error

	// Build compiles the solfuzz-agave library at manifest in mode and returns the path of the
	// produced shared object.
	Build(ctx context.Context, manifest string, mode Mode, cfg BuildConfig) (string, error)

	// FetchProtos downloads the protobuf definitions solfuzz-agave builds against.
	FetchProtos(ctx context.Context, dir string) error

	// InstallSuite installs the solana-test-suite virtualenv in the conformance checkout.
	InstallSuite(ctx context.Context, dir string) error

	// BuildSBF compiles the on-chain program at manifest into outDir.
	BuildSBF(ctx context.Context, manifest string, outDir string) error
}

type CommandRunner interface {
	Run(ctx context.Context, c subprocess.Command) ([]byte, error)
}

// ToolCollaborator implements Collaborator with git, cargo, make and bash.
type ToolCollaborator struct {
	runner CommandRunner
}

func NewToolCollaborator(runner CommandRunner) *ToolCollaborator {
	return &ToolCollaborator{runner: runner}
}

func (c *ToolCollaborator) EnsurePresent(ctx context.Context, source Source, path string) error {
	if _, err := os.Stat(path); err == nil {
		if _, err := c.runner.Run(ctx, subprocess.Command{Name: "git", Args: []string{"-C", path, "pull"}}); err != nil {
			return fmt.Errorf("failed to pull %s: %w", source.URL, err)
		}
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create parent of %s: %w", path, err)
	}
	if _, err := c.runner.Run(ctx, subprocess.Command{Name: "git", Args: []string{"clone", "--branch", source.Ref, source.URL, path}}); err != nil {
		return fmt.Errorf("failed to clone %s: %w", source.URL, err)
	}
	return nil
}

func (c *ToolCollaborator) Build(ctx context.Context, manifest string, mode Mode, cfg BuildConfig) (string, error) {
	if err := cfg.Validate(mode); err != nil {
		return "", fmt.Errorf("invalid build config: %w", err)
	}
	args := []string{"build", "--manifest-path", manifest, "--lib", "--release", "--target", targetTriple}
	if mode.candidate() {
		args = append(args, "--features", string(mode))
	}
	start := time.Now()
	if _, err := c.runner.Run(ctx, subprocess.Command{Name: "cargo", Args: args, Env: cfg.Env(mode), Unset: cfg.Unset(mode)}); err != nil {
		metrics.Errors.WithLabelValues(metrics.ErrorTypeBuild).Inc()
		return "", fmt.Errorf("failed to build %s target: %w", mode, err)
	}
	metrics.BuildDuration.WithLabelValues(string(mode)).Observe(time.Since(start).Seconds())
	return filepath.Join(filepath.Dir(manifest), "target", targetTriple, "release", targetLibraryName), nil
}

func (c *ToolCollaborator) FetchProtos(ctx context.Context, dir string) error {
	if _, err := c.runner.Run(ctx, subprocess.Command{Name: "make", Args: []string{"-j", "-C", dir, "fetch_proto"}}); err != nil {
		return fmt.Errorf("failed to fetch protobufs: %w", err)
	}
	return nil
}

func (c *ToolCollaborator) InstallSuite(ctx context.Context, dir string) error {
	if _, err := c.runner.Run(ctx, subprocess.Command{Name: "bash", Args: []string{"install_ubuntu_lite.sh"}, Dir: dir}); err != nil {
		return fmt.Errorf("failed to install conformance suite: %w", err)
	}
	return nil
}

func (c *ToolCollaborator) BuildSBF(ctx context.Context, manifest string, outDir string) error {
	start := time.Now()
	if _, err := c.runner.Run(ctx, subprocess.Command{Name: "cargo", Args: []string{"build-sbf", "--manifest-path", manifest, "--sbf-out-dir", outDir}}); err != nil {
		metrics.Errors.WithLabelValues(metrics.ErrorTypeBuild).Inc()
		return fmt.Errorf("failed to build %s: %w", manifest, err)
	}
	metrics.BuildDuration.WithLabelValues("sbf").Observe(time.Since(start).Seconds())
	return nil
}

package conformance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/alitto/pond/v2"
	"github.com/malbeclabs/core-bpf-migration/config"
	"github.com/malbeclabs/core-bpf-migration/internal/artifact"
	"github.com/malbeclabs/core-bpf-migration/internal/catalog"
	"github.com/malbeclabs/core-bpf-migration/internal/fixture"
	"github.com/malbeclabs/core-bpf-migration/internal/metrics"
)

const defaultCheckoutPoolSize = 4

var (
	// ErrTargetNotBuilt is returned when a replay needs a target that was never built.
	ErrTargetNotBuilt = errors.New("target not built")

	ErrMissingCollaborator = errors.New("collaborator is required")
	ErrMissingReplayer     = errors.New("replayer is required")
	ErrUnknownSource       = errors.New("unknown fixtures source")
)

// FixtureSource selects where the fixture corpus comes from.
type FixtureSource string

const (
	// FixtureSourceFiredancer uses the corpus in the firedancer test-vectors repository.
	FixtureSourceFiredancer FixtureSource = "firedancer"

	// FixtureSourceMollusk uses the corpus the program repository generates with Mollusk.
	FixtureSourceMollusk FixtureSource = "mollusk"
)

// MismatchError reports the fixtures that failed a replay.
type MismatchError struct {
	Program    string
	Mismatches []Mismatch
}

func (e *MismatchError) Error() string {
	names := make([]string, len(e.Mismatches))
	for i, m := range e.Mismatches {
		names[i] = m.Fixture
	}
	return fmt.Sprintf("%d fixtures failed for %s: %s", len(e.Mismatches), e.Program, strings.Join(names, ", "))
}

type HandlerConfig struct {
	Layout       Layout
	Entry        catalog.Entry
	Source       FixtureSource
	Collaborator Collaborator
	Replayer     Replayer

	// Comparator re-examines fixtures the replayer reports as differing. Defaults to a strict
	// FieldComparator.
	Comparator Comparator

	// CheckoutPoolSize bounds how many repositories are checked out at once.
	CheckoutPoolSize int
}

func (c *HandlerConfig) Validate() error {
	if c.Collaborator == nil {
		return ErrMissingCollaborator
	}
	if c.Replayer == nil {
		return ErrMissingReplayer
	}
	if c.Source == "" {
		c.Source = FixtureSourceFiredancer
	}
	if c.Source != FixtureSourceFiredancer && c.Source != FixtureSourceMollusk {
		return fmt.Errorf("%w %q", ErrUnknownSource, c.Source)
	}
	if c.Comparator == nil {
		c.Comparator = &FieldComparator{}
	}
	if c.CheckoutPoolSize <= 0 {
		c.CheckoutPoolSize = defaultCheckoutPoolSize
	}
	return nil
}

// Handler drives one conformance run for one program. It remembers which targets it built and
// refuses to replay against a target it has not built.
type Handler struct {
	log     *slog.Logger
	cfg     HandlerConfig
	targets *artifact.Store

	builtinTarget   string
	candidateTarget string
	selection       *Selection
}

func NewHandler(log *slog.Logger, cfg HandlerConfig) (*Handler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate conformance config: %w", err)
	}
	return &Handler{
		log:     log.With("component", "conformance", "program", cfg.Entry.Program),
		cfg:     cfg,
		targets: artifact.NewStore(cfg.Layout.TargetsDir()),
	}, nil
}

type PrepareOptions struct {
	// SkipInstall reuses the installed solana-test-suite virtualenv.
	SkipInstall bool
}

// Prepare checks out the conformance suite, solfuzz-agave and the fixture corpus, fetches
// protobufs and installs the suite. Checkouts nested in the suite run in parallel once the suite
// itself is present.
func (h *Handler) Prepare(ctx context.Context, opts PrepareOptions) error {
	l := h.cfg.Layout
	h.log.Info("==> Preparing conformance environment", "dir", l.ConformanceDir())

	suite := Source{URL: config.SolanaConformanceRepoURL, Ref: config.SolanaConformanceRepoBranch}
	if err := h.cfg.Collaborator.EnsurePresent(ctx, suite, l.ConformanceDir()); err != nil {
		return h.environmentError(err)
	}

	checkouts := map[string]Source{
		l.SolfuzzAgaveDir(): {URL: config.SolfuzzAgaveRepoURL, Ref: config.SolfuzzAgaveRepoBranch},
	}
	switch h.cfg.Source {
	case FixtureSourceMollusk:
		checkouts[l.ProgramRepoDir()] = Source{URL: h.cfg.Entry.RepositoryURL, Ref: config.ProgramRepoBranch}
	default:
		checkouts[l.TestVectorsDir()] = Source{URL: config.TestVectorsRepoURL, Ref: config.TestVectorsRepoBranch}
	}

	pool := pond.NewPool(h.cfg.CheckoutPoolSize)
	defer pool.StopAndWait()
	group := pool.NewGroupContext(ctx)
	for path, source := range checkouts {
		group.SubmitErr(func() error {
			h.log.Debug("--> Checking out repository", "url", source.URL, "ref", source.Ref, "path", path)
			return h.cfg.Collaborator.EnsurePresent(ctx, source, path)
		})
	}
	if err := group.Wait(); err != nil {
		return h.environmentError(err)
	}

	if err := h.cfg.Collaborator.FetchProtos(ctx, l.SolfuzzAgaveDir()); err != nil {
		return h.environmentError(err)
	}
	if opts.SkipInstall {
		h.log.Info("--> Skipping conformance suite install")
	} else if err := h.cfg.Collaborator.InstallSuite(ctx, l.ConformanceDir()); err != nil {
		return h.environmentError(err)
	}
	h.log.Info("--> Conformance environment ready")
	return nil
}

func (h *Handler) environmentError(err error) error {
	metrics.Errors.WithLabelValues(metrics.ErrorTypeEnvironment).Inc()
	return fmt.Errorf("failed to prepare conformance environment: %w", err)
}

// FixturesDir is the corpus directory for the configured source.
func (h *Handler) FixturesDir() string {
	if h.cfg.Source == FixtureSourceMollusk {
		return h.cfg.Layout.MolluskFixturesDir()
	}
	return filepath.Join(h.cfg.Layout.TestVectorsDir(), h.cfg.Entry.FixturesPath)
}

// Selection is the corpus split into the fixtures staged for replay and those skipped.
type Selection struct {
	Dir      string
	Selected []fixture.Record
	Skipped  []fixture.Record
}

// SelectFixtures loads the corpus, drops the program's skip-listed fixtures and stages the rest
// into a fresh directory. The corpus itself is not modified.
func (h *Handler) SelectFixtures(ctx context.Context) (*Selection, error) {
	records, err := fixture.Load(h.FixturesDir())
	if err != nil {
		return nil, err
	}
	selected, skipped := fixture.Select(records, h.cfg.Entry.Skips)
	dir := h.cfg.Layout.StagedDir(string(h.cfg.Entry.Program))
	staged, err := fixture.Stage(ctx, selected, dir)
	if err != nil {
		return nil, err
	}
	for _, r := range skipped {
		h.log.Debug("--> Skipping fixture", "fixture", r.Name)
	}
	metrics.Fixtures.WithLabelValues(string(h.cfg.Entry.Program), "selection", metrics.ResultSkipped).Add(float64(len(skipped)))
	h.log.Info("--> Staged fixtures", "dir", dir, "selected", len(staged), "skipped", len(skipped))
	h.selection = &Selection{Dir: dir, Selected: staged, Skipped: skipped}
	return h.selection, nil
}

// BuildBuiltin builds the target that executes the native builtin.
func (h *Handler) BuildBuiltin(ctx context.Context) (string, error) {
	path, err := h.build(ctx, ModeBuiltin, BuildConfig{}, builtinTargetName)
	if err != nil {
		return "", err
	}
	h.builtinTarget = path
	return path, nil
}

// BuildCandidate builds the target that executes cfg.CandidateELF in place of the builtin.
func (h *Handler) BuildCandidate(ctx context.Context, mode Mode, cfg BuildConfig) (string, error) {
	if !mode.candidate() {
		return "", fmt.Errorf("mode %s does not build a candidate", mode)
	}
	path, err := h.build(ctx, mode, cfg, candidateTargetName)
	if err != nil {
		return "", err
	}
	h.candidateTarget = path
	return path, nil
}

func (h *Handler) build(ctx context.Context, mode Mode, cfg BuildConfig, name string) (string, error) {
	h.log.Info("==> Building target", "mode", mode)
	built, err := h.cfg.Collaborator.Build(ctx, h.cfg.Layout.SolfuzzAgaveManifest(), mode, cfg)
	if err != nil {
		return "", err
	}
	path, err := h.targets.Import(name, built)
	if err != nil {
		return "", fmt.Errorf("failed to store %s target: %w", mode, err)
	}
	h.log.Info("--> Built target", "mode", mode, "path", path)
	return path, nil
}

// Report summarizes a replay.
type Report struct {
	Program    string
	Mode       string
	Total      int
	Skipped    int
	Passed     int
	Mismatches []Mismatch
}

// RunFixtures replays the staged fixtures against the candidate and compares with the effects
// they recorded. Any failing fixture is a *MismatchError.
func (h *Handler) RunFixtures(ctx context.Context) (*Report, error) {
	if h.candidateTarget == "" {
		return nil, fmt.Errorf("%w: candidate", ErrTargetNotBuilt)
	}
	sel, err := h.ensureSelection(ctx)
	if err != nil {
		return nil, err
	}

	h.log.Info("==> Running fixtures", "fixtures", len(sel.Selected))
	failed, err := h.cfg.Replayer.ExecFixtures(ctx, sel.Dir, h.candidateTarget)
	if err != nil {
		return nil, err
	}
	mismatches := make([]Mismatch, 0, len(failed))
	for _, name := range failed {
		mismatches = append(mismatches, Mismatch{Fixture: name, Reason: "effects differ from the recorded fixture"})
	}
	return h.report("fixtures", sel, mismatches)
}

// RunDifferential replays the staged fixtures against both targets. Fixtures the suite reports
// as differing are re-examined with the comparator; those it still considers different are a
// *MismatchError.
func (h *Handler) RunDifferential(ctx context.Context) (*Report, error) {
	if h.builtinTarget == "" {
		return nil, fmt.Errorf("%w: builtin", ErrTargetNotBuilt)
	}
	if h.candidateTarget == "" {
		return nil, fmt.Errorf("%w: candidate", ErrTargetNotBuilt)
	}
	sel, err := h.ensureSelection(ctx)
	if err != nil {
		return nil, err
	}

	outDir := h.cfg.Layout.ResultsDir()
	h.log.Info("==> Running conformance tests", "fixtures", len(sel.Selected), "results", outDir)
	failed, err := h.cfg.Replayer.RunTests(ctx, sel.Dir, h.builtinTarget, h.candidateTarget, outDir)
	if err != nil {
		return nil, err
	}

	var mismatches []Mismatch
	for _, name := range failed {
		baseline, errB := os.ReadFile(EffectsLogPath(outDir, h.builtinTarget, name))
		candidate, errC := os.ReadFile(EffectsLogPath(outDir, h.candidateTarget, name))
		if errB != nil || errC != nil {
			mismatches = append(mismatches, Mismatch{Fixture: name, Reason: "effects log missing"})
			continue
		}
		m, err := h.cfg.Comparator.Compare(name, baseline, candidate)
		if err != nil {
			return nil, err
		}
		if m == nil {
			h.log.Debug("--> Fixture equivalent after comparison", "fixture", name)
			continue
		}
		mismatches = append(mismatches, *m)
	}
	return h.report("conformance", sel, mismatches)
}

func (h *Handler) ensureSelection(ctx context.Context) (*Selection, error) {
	if h.selection != nil {
		return h.selection, nil
	}
	return h.SelectFixtures(ctx)
}

func (h *Handler) report(mode string, sel *Selection, mismatches []Mismatch) (*Report, error) {
	program := string(h.cfg.Entry.Program)
	r := &Report{
		Program:    program,
		Mode:       mode,
		Total:      len(sel.Selected),
		Skipped:    len(sel.Skipped),
		Passed:     max(0, len(sel.Selected)-len(mismatches)),
		Mismatches: mismatches,
	}
	metrics.Fixtures.WithLabelValues(program, mode, metrics.ResultPass).Add(float64(r.Passed))
	metrics.Fixtures.WithLabelValues(program, mode, metrics.ResultFail).Add(float64(len(mismatches)))
	if len(mismatches) > 0 {
		metrics.Errors.WithLabelValues(metrics.ErrorTypeConformance).Inc()
		for _, m := range mismatches {
			h.log.Error("--> Fixture failed", "fixture", m.Fixture, "reason", m.Reason)
			if m.Diff != "" {
				h.log.Debug(m.Diff)
			}
		}
		return r, &MismatchError{Program: program, Mismatches: mismatches}
	}
	h.log.Info("--> All fixtures passed", "mode", mode, "passed", r.Passed, "skipped", r.Skipped)
	return r, nil
}

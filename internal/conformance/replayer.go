package conformance

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/malbeclabs/core-bpf-migration/internal/fixture"
	"github.com/malbeclabs/core-bpf-migration/internal/subprocess"
)

const (
	failedTestsMarker   = "Failed tests:"
	failedProtobufsDir  = "failed_protobufs"
	effectsLogExtension = ".txt"
	virtualenvActivate  = "test_suite_env/bin/activate"
)

// Replayer executes fixtures against built targets.
type Replayer interface {
	// ExecFixtures runs every fixture in dir against target and compares the results with the
	// effects recorded in the fixtures. It returns the names of the fixtures that did not match.
	ExecFixtures(ctx context.Context, dir string, target string) ([]string, error)

	// RunTests runs every fixture in dir against baseline and candidate, writing per-target
	// effects logs under outDir. It returns the names of the fixtures whose results differed.
	RunTests(ctx context.Context, dir string, baseline, candidate string, outDir string) ([]string, error)
}

// SuiteReplayer runs solana-test-suite from the virtualenv of a solana-conformance checkout.
type SuiteReplayer struct {
	runner         CommandRunner
	conformanceDir string
}

func NewSuiteReplayer(runner CommandRunner, conformanceDir string) *SuiteReplayer {
	return &SuiteReplayer{runner: runner, conformanceDir: conformanceDir}
}

func (r *SuiteReplayer) ExecFixtures(ctx context.Context, dir string, target string) ([]string, error) {
	output, err := r.suite(ctx, "exec-fixtures", "-i", dir, "-t", target)
	if err != nil {
		return nil, fmt.Errorf("failed to execute fixtures: %w", err)
	}
	return ParseFailedTests(string(output)), nil
}

func (r *SuiteReplayer) RunTests(ctx context.Context, dir string, baseline, candidate string, outDir string) ([]string, error) {
	if err := os.RemoveAll(outDir); err != nil {
		return nil, fmt.Errorf("failed to clear results directory: %w", err)
	}
	if _, err := r.suite(ctx, "run-tests", "-i", dir, "-s", baseline, "-t", candidate, "-o", outDir); err != nil {
		return nil, fmt.Errorf("failed to run conformance tests: %w", err)
	}
	return FailedProtobufs(outDir)
}

func (r *SuiteReplayer) suite(ctx context.Context, args ...string) ([]byte, error) {
	script := "source " + virtualenvActivate + " && solana-test-suite " + shellJoin(args)
	return r.runner.Run(ctx, subprocess.Command{
		Name: "bash",
		Args: []string{"-c", script},
		Dir:  r.conformanceDir,
	})
}

// ParseFailedTests extracts fixture names from the "Failed tests:" section of exec-fixtures
// output. The section lists names on the marker line or on the indented lines below it.
func ParseFailedTests(output string) []string {
	lines := strings.Split(output, "\n")
	for i, line := range lines {
		_, rest, ok := strings.Cut(line, failedTestsMarker)
		if !ok {
			continue
		}
		names := splitNames(rest)
		for _, next := range lines[i+1:] {
			if strings.TrimSpace(next) == "" || strings.Contains(next, ":") {
				break
			}
			names = append(names, splitNames(next)...)
		}
		if len(names) == 0 {
			// The suite reported failures without naming them.
			names = []string{"<unnamed>"}
		}
		return names
	}
	return nil
}

func splitNames(s string) []string {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		switch r {
		case '[', ']', ',', '\'', '"', ' ', '\t':
			return true
		}
		return false
	})
	names := make([]string, 0, len(fields))
	for _, f := range fields {
		names = append(names, strings.TrimSuffix(f, fixture.Extension))
	}
	return names
}

// FailedProtobufs lists the fixtures the suite copied into <outDir>/failed_protobufs.
func FailedProtobufs(outDir string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(outDir, failedProtobufsDir))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read failed protobufs: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), filepath.Ext(e.Name())))
	}
	slices.Sort(names)
	return names, nil
}

// EffectsLogPath is where run-tests writes the effects of fixture executed against target.
func EffectsLogPath(outDir, target, fixtureName string) string {
	stem := strings.TrimSuffix(filepath.Base(target), filepath.Ext(target))
	return filepath.Join(outDir, stem, fixtureName+effectsLogExtension)
}

func shellJoin(args []string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = "'" + strings.ReplaceAll(a, "'", `'\''`) + "'"
	}
	return strings.Join(quoted, " ")
}

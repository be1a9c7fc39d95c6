// Package conformance builds a builtin and a candidate execution target from one solfuzz-agave
// source tree and replays recorded fixtures through them with the solana-conformance suite.
package conformance

import (
	"path/filepath"

	"github.com/malbeclabs/core-bpf-migration/config"
)

const (
	builtinTargetName   = "builtin"
	candidateTargetName = "candidate"
)

// Layout locates the checkouts and outputs of a conformance run under one working directory.
type Layout struct {
	WorkDir string
}

func NewLayout(workDir string) Layout {
	return Layout{WorkDir: workDir}
}

func (l Layout) ELFDir() string {
	return filepath.Join(l.WorkDir, config.ELFDirectory)
}

func (l Layout) ConformanceDir() string {
	return filepath.Join(l.WorkDir, config.ConformanceDirectory)
}

func (l Layout) ImplDir() string {
	return filepath.Join(l.ConformanceDir(), config.ImplDirectory)
}

func (l Layout) SolfuzzAgaveDir() string {
	return filepath.Join(l.ImplDir(), "solfuzz-agave")
}

func (l Layout) SolfuzzAgaveManifest() string {
	return filepath.Join(l.SolfuzzAgaveDir(), "Cargo.toml")
}

func (l Layout) TestVectorsDir() string {
	return filepath.Join(l.ImplDir(), "test-vectors")
}

func (l Layout) ProgramRepoDir() string {
	return filepath.Join(l.ImplDir(), "program-repo")
}

// MolluskFixturesDir holds the fixtures generated by the program repository's fuzz harness.
func (l Layout) MolluskFixturesDir() string {
	return filepath.Join(l.ProgramRepoDir(), "program", "fuzz", "blob")
}

// TargetsDir holds the built builtin.so and candidate.so.
func (l Layout) TargetsDir() string {
	return filepath.Join(l.ImplDir(), "lib")
}

func (l Layout) StagedDir(program string) string {
	return filepath.Join(l.ImplDir(), "staged", program)
}

func (l Layout) ResultsDir() string {
	return filepath.Join(l.ConformanceDir(), "test_results")
}

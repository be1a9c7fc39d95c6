package cli

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/malbeclabs/core-bpf-migration/internal/catalog"
	"github.com/malbeclabs/core-bpf-migration/internal/conformance"
	"github.com/malbeclabs/core-bpf-migration/internal/probe"
	"github.com/olekukonko/tablewriter"
	"gopkg.in/yaml.v3"
)

const (
	statusPassed = "passed"
	statusFailed = "failed"
)

// Points at which the stub test runs the probe suite.
const (
	probePointBuiltin   = "builtin"
	probePointMigrated  = "migrated"
	probePointNextEpoch = "next-epoch"
)

// Report is the outcome of one subcommand run, rendered as a summary table and optionally
// written as YAML.
type Report struct {
	Command   string           `yaml:"command"`
	Program   string           `yaml:"program"`
	ProgramID string           `yaml:"program_id"`
	Status    string           `yaml:"status"`
	Error     string           `yaml:"error,omitempty"`
	Duration  string           `yaml:"duration"`
	Migration *MigrationReport `yaml:"migration,omitempty"`
	Probes    []ProbeReport    `yaml:"probes,omitempty"`
	Fixtures  []FixtureReport  `yaml:"fixtures,omitempty"`
}

type MigrationReport struct {
	Signature   string  `yaml:"signature"`
	Epoch       uint64  `yaml:"epoch"`
	Slot        uint64  `yaml:"slot"`
	ActivatedAt *uint64 `yaml:"activated_at,omitempty"`
}

type ProbeReport struct {
	Point     string `yaml:"point"`
	Probe     string `yaml:"probe"`
	Target    string `yaml:"target"`
	Signature string `yaml:"signature"`
}

type FixtureReport struct {
	Mode     string   `yaml:"mode"`
	Total    int      `yaml:"total"`
	Skipped  int      `yaml:"skipped"`
	Passed   int      `yaml:"passed"`
	Failed   []string `yaml:"failed,omitempty"`
	Diffs    []string `yaml:"diffs,omitempty"`
	Baseline string   `yaml:"baseline,omitempty"`
	Target   string   `yaml:"target"`
}

func newReport(command string, entry catalog.Entry) *Report {
	return &Report{
		Command:   command,
		Program:   string(entry.Program),
		ProgramID: entry.ProgramID.String(),
	}
}

func (r *Report) addProbes(point string, results []probe.Result) {
	for _, res := range results {
		r.Probes = append(r.Probes, ProbeReport{
			Point:     point,
			Probe:     res.Probe,
			Target:    res.Target.String(),
			Signature: res.Signature.String(),
		})
	}
}

func (r *Report) addFixtures(res *conformance.Report, baseline, target string) {
	if res == nil {
		return
	}
	fr := FixtureReport{
		Mode:     res.Mode,
		Total:    res.Total,
		Skipped:  res.Skipped,
		Passed:   res.Passed,
		Baseline: baseline,
		Target:   target,
	}
	for _, m := range res.Mismatches {
		fr.Failed = append(fr.Failed, m.Fixture)
		if m.Diff != "" {
			fr.Diffs = append(fr.Diffs, m.Diff)
		}
	}
	r.Fixtures = append(r.Fixtures, fr)
}

func (r *Report) finish(elapsed time.Duration, err error) {
	r.Duration = elapsed.Round(time.Millisecond).String()
	r.Status = statusPassed
	if err != nil {
		r.Status = statusFailed
		r.Error = err.Error()
	}
}

func writeReport(path string, r *Report) error {
	data, err := yaml.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	return nil
}

func printSummary(w io.Writer, r *Report) {
	fmt.Fprintf(w, "%s %s (%s): %s in %s\n", r.Command, r.Program, r.ProgramID, r.Status, r.Duration)
	if r.Migration != nil {
		fmt.Fprintf(w, "Migrated at epoch %d, slot %d (activation %s)\n", r.Migration.Epoch, r.Migration.Slot, r.Migration.Signature)
	}

	if len(r.Probes) > 0 {
		table := newTable(w)
		table.SetHeader([]string{"Point", "Probe", "Target", "Signature"})
		for _, p := range r.Probes {
			table.Append([]string{p.Point, p.Probe, p.Target, p.Signature})
		}
		table.Render()
	}

	if len(r.Fixtures) > 0 {
		table := newTable(w)
		table.SetHeader([]string{"Mode", "Total", "Skipped", "Passed", "Failed"})
		for _, f := range r.Fixtures {
			table.Append([]string{
				f.Mode,
				fmt.Sprintf("%d", f.Total),
				fmt.Sprintf("%d", f.Skipped),
				fmt.Sprintf("%d", f.Passed),
				fmt.Sprintf("%d", len(f.Failed)),
			})
		}
		table.Render()
		for _, f := range r.Fixtures {
			for _, name := range f.Failed {
				fmt.Fprintf(w, "FAILED %s\n", name)
			}
		}
	}
}

func newTable(w io.Writer) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetAutoWrapText(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_CENTER)
	table.SetAutoFormatHeaders(false)
	table.SetBorder(true)
	table.SetRowLine(true)
	return table
}

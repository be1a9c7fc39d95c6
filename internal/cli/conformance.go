package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/malbeclabs/core-bpf-migration/config"
	"github.com/malbeclabs/core-bpf-migration/internal/artifact"
	"github.com/malbeclabs/core-bpf-migration/internal/catalog"
	"github.com/malbeclabs/core-bpf-migration/internal/cluster"
	"github.com/malbeclabs/core-bpf-migration/internal/conformance"
	"github.com/malbeclabs/core-bpf-migration/internal/metrics"
	"github.com/malbeclabs/core-bpf-migration/internal/solana/rpc"
	"github.com/malbeclabs/core-bpf-migration/internal/subprocess"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

type FixturesTestCmd struct{}

func NewFixturesTestCmd() *FixturesTestCmd {
	return &FixturesTestCmd{}
}

func (c *FixturesTestCmd) Command() *cobra.Command {
	var (
		flags  conformanceFlags
		source string
	)

	cmd := &cobra.Command{
		Use:       "fixtures-test <program>",
		Short:     "Replay the program's fixtures against its Core BPF ELF cloned from a cluster",
		Args:      programArg,
		ValidArgs: catalog.Names(),
		RunE: withRun("fixtures-test", func(ctx context.Context, env *runEnv, cmd *cobra.Command) (*Report, error) {
			return flags.run(ctx, env, conformance.FixtureSource(source), false)
		}),
	}

	flags.register(cmd.Flags())
	cmd.Flags().StringVar(&source, "fixtures-source", string(conformance.FixtureSourceFiredancer), "where fixtures come from (firedancer, mollusk)")

	return cmd
}

type ConformanceTestCmd struct{}

func NewConformanceTestCmd() *ConformanceTestCmd {
	return &ConformanceTestCmd{}
}

func (c *ConformanceTestCmd) Command() *cobra.Command {
	var flags conformanceFlags

	cmd := &cobra.Command{
		Use:       "conformance-test <program>",
		Short:     "Compare the builtin with its Core BPF ELF cloned from a cluster over the fixture corpus",
		Args:      programArg,
		ValidArgs: catalog.Names(),
		RunE: withRun("conformance-test", func(ctx context.Context, env *runEnv, cmd *cobra.Command) (*Report, error) {
			return flags.run(ctx, env, conformance.FixtureSourceFiredancer, true)
		}),
	}

	flags.register(cmd.Flags())

	return cmd
}

// conformanceFlags are shared by fixtures-test and conformance-test.
type conformanceFlags struct {
	cluster        string
	noSetup        bool
	noInstall      bool
	forceRecompile bool
	ignoreFields   []string
}

func (f *conformanceFlags) register(fs *pflag.FlagSet) {
	fs.StringVar(&f.cluster, "cluster", config.SolanaEnvMainnetBeta, "cluster to clone the Core BPF ELF from (mainnet-beta, testnet, devnet, localnet)")
	fs.BoolVar(&f.noSetup, "no-setup", false, "reuse the conformance checkouts without cloning, pulling or installing")
	fs.BoolVar(&f.noInstall, "no-install", false, "don't reinstall the conformance suite")
	fs.BoolVar(&f.forceRecompile, "force-recompile", true, "force solfuzz-agave to recompile the candidate ELF (--force-recompile=false reuses its build cache)")
	fs.StringSliceVar(&f.ignoreFields, "ignore-field", nil, "effects field excluded from the builtin/candidate comparison (repeatable)")
}

func (f *conformanceFlags) run(ctx context.Context, env *runEnv, source conformance.FixtureSource, differential bool) (*Report, error) {
	network, err := config.SolanaNetworkConfigForEnv(f.cluster)
	if err != nil {
		return nil, err
	}
	runner := subprocess.NewRunner(env.log, env.verbose)
	handler, err := conformance.NewHandler(env.log, conformance.HandlerConfig{
		Layout:       env.layout,
		Entry:        env.entry,
		Source:       source,
		Collaborator: conformance.NewToolCollaborator(runner),
		Replayer:     conformance.NewSuiteReplayer(runner, env.layout.ConformanceDir()),
		Comparator:   &conformance.FieldComparator{IgnoreFields: f.ignoreFields},
	})
	if err != nil {
		return nil, err
	}
	env.log.Info("==> Cloning Core BPF ELF", "cluster", network.Moniker, "buffer", env.entry.BufferAddress)
	return RunConformanceTest(ctx, env.log, rpc.New(network.RPCURL, nil), handler, ConformanceTestConfig{
		Entry:        env.entry,
		Layout:       env.layout,
		Differential: differential,
		SkipSetup:    f.noSetup,
		SkipInstall:  f.noInstall,
		Incremental:  !f.forceRecompile,
	})
}

type ConformanceTestConfig struct {
	Entry  catalog.Entry
	Layout conformance.Layout

	// Differential replays against the builtin and the candidate; otherwise fixtures are replayed
	// against the candidate alone.
	Differential bool

	SkipSetup   bool
	SkipInstall bool

	// Incremental reuses solfuzz-agave's previous candidate build instead of recompiling it.
	Incremental bool
}

// RunConformanceTest clones the program's Core BPF ELF from its buffer on remote, builds the
// targets the replay needs and replays the program's fixtures through them.
func RunConformanceTest(ctx context.Context, log *slog.Logger, remote cluster.AccountReader, handler *conformance.Handler, cfg ConformanceTestConfig) (*Report, error) {
	command := "fixtures-test"
	mode := conformance.ModeCandidate
	if cfg.Differential {
		command = "conformance-test"
		mode = conformance.ModeCandidateConformance
	}
	report := newReport(command, cfg.Entry)

	elf, err := cluster.CloneBufferELF(ctx, remote, cfg.Entry.BufferAddress)
	if err != nil {
		metrics.Errors.WithLabelValues(metrics.ErrorTypeCloneELF).Inc()
		return report, fmt.Errorf("failed to clone Core BPF ELF: %w", err)
	}
	elfPath, err := artifact.NewStore(cfg.Layout.ELFDir()).Write(cfg.Entry.ArtifactName, elf)
	if err != nil {
		return report, err
	}
	log.Info("--> Wrote Core BPF ELF", "path", elfPath, "size", len(elf))

	if cfg.SkipSetup {
		log.Info("--> Skipping conformance environment setup")
	} else if err := handler.Prepare(ctx, conformance.PrepareOptions{SkipInstall: cfg.SkipInstall}); err != nil {
		return report, err
	}
	if _, err := handler.SelectFixtures(ctx); err != nil {
		return report, err
	}

	var baseline string
	if cfg.Differential {
		if baseline, err = handler.BuildBuiltin(ctx); err != nil {
			return report, err
		}
	}
	target, err := handler.BuildCandidate(ctx, mode, conformance.BuildConfig{
		ProgramID:    cfg.Entry.ProgramID,
		CandidateELF: elfPath,
		Incremental:  cfg.Incremental,
	})
	if err != nil {
		return report, err
	}

	var res *conformance.Report
	if cfg.Differential {
		res, err = handler.RunDifferential(ctx)
	} else {
		res, err = handler.RunFixtures(ctx)
	}
	report.addFixtures(res, baseline, target)
	return report, err
}

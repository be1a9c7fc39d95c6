package cli

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/docker/docker/client"
	"github.com/gagliardetto/solana-go"
	"github.com/malbeclabs/core-bpf-migration/config"
	"github.com/malbeclabs/core-bpf-migration/internal/artifact"
	"github.com/malbeclabs/core-bpf-migration/internal/catalog"
	"github.com/malbeclabs/core-bpf-migration/internal/cluster"
	"github.com/malbeclabs/core-bpf-migration/internal/conformance"
	"github.com/malbeclabs/core-bpf-migration/internal/epoch"
	"github.com/malbeclabs/core-bpf-migration/internal/executor"
	"github.com/malbeclabs/core-bpf-migration/internal/logging"
	"github.com/malbeclabs/core-bpf-migration/internal/migration"
	"github.com/malbeclabs/core-bpf-migration/internal/probe"
	"github.com/malbeclabs/core-bpf-migration/internal/stub"
	"github.com/malbeclabs/core-bpf-migration/internal/subprocess"
	"github.com/spf13/cobra"
)

const programsDirectory = "programs"

type StubTestCmd struct{}

func NewStubTestCmd() *StubTestCmd {
	return &StubTestCmd{}
}

func (c *StubTestCmd) Command() *cobra.Command {
	var (
		slotsPerEpoch     uint64
		skipBuild         bool
		skipBuiltinProbes bool
		emitProbe         bool
		programsDir       string
		image             string
	)

	cmd := &cobra.Command{
		Use:       "stub-test <program>",
		Short:     "Migrate a builtin to the stub program on a test validator and probe it across the migration",
		Args:      programArg,
		ValidArgs: catalog.Names(),
		RunE: withRun("stub-test", func(ctx context.Context, env *runEnv, cmd *cobra.Command) (*Report, error) {
			log := env.log
			elfDir := env.layout.ELFDir()

			if !skipBuild {
				if programsDir == "" {
					programsDir = filepath.Join(env.workDir, programsDirectory)
				}
				collab := conformance.NewToolCollaborator(subprocess.NewRunner(log, env.verbose))
				log.Info("==> Building programs", "dir", programsDir, "out", elfDir)
				for _, name := range []string{"activator", "stub"} {
					if err := collab.BuildSBF(ctx, filepath.Join(programsDir, name, "Cargo.toml"), elfDir); err != nil {
						return nil, err
					}
				}
			}

			payer := solana.NewWallet().PrivateKey
			genesis, err := cluster.GenesisForTargets(artifact.NewStore(elfDir), slotsPerEpoch, []cluster.MigrationTarget{{
				FeatureID:     env.entry.FeatureID,
				BufferAddress: env.entry.BufferAddress,
				ArtifactName:  stub.ArtifactName,
			}}, payer.PublicKey())
			if err != nil {
				return nil, fmt.Errorf("failed to build genesis: %w", err)
			}

			logging.SetTestcontainersLogger(log, "program", env.entry.Program)
			dockerClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
			if err != nil {
				return nil, fmt.Errorf("failed to create docker client: %w", err)
			}
			defer dockerClient.Close()

			handle, err := cluster.Start(ctx, log, dockerClient, cluster.Config{
				Image:   image,
				Genesis: genesis,
				Payer:   payer,
			})
			if err != nil {
				return nil, err
			}
			defer func() {
				if err := handle.Close(context.WithoutCancel(ctx)); err != nil {
					log.Error("failed to stop test validator", "error", err)
				}
			}()

			return RunStubTest(ctx, log, handle.RPC, handle.Payer, StubTestConfig{
				Entry:             env.entry,
				SkipBuiltinProbes: skipBuiltinProbes,
				EmitProbe:         emitProbe,
			})
		}),
	}

	cmd.Flags().Uint64Var(&slotsPerEpoch, "slots-per-epoch", config.DefaultSlotsPerEpoch, "epoch length of the test validator")
	cmd.Flags().BoolVar(&skipBuild, "skip-build", false, "use the activator and stub ELFs already in the elfs directory")
	cmd.Flags().BoolVar(&skipBuiltinProbes, "skip-builtin-probes", false, "don't probe the builtin before migration")
	cmd.Flags().BoolVar(&emitProbe, "emit-probe", false, "also probe the program's return data")
	cmd.Flags().StringVar(&programsDir, "programs-dir", "", "directory holding the activator and stub program crates (default: <workdir>/programs)")
	cmd.Flags().StringVar(&image, "image", "", "validator container image (env: "+cluster.EnvValidatorImage+", default: "+config.DefaultValidatorImage+")")

	return cmd
}

// StubCluster is the RPC surface a stub test drives.
type StubCluster interface {
	executor.RPCClient
	epoch.RPCClient
	migration.RPCClient
}

type StubTestConfig struct {
	Entry             catalog.Entry
	SkipBuiltinProbes bool
	EmitProbe         bool

	ExecutorOptions     []executor.Option
	SynchronizerOptions []epoch.Option
}

// RunStubTest walks a staged cluster through the migration of cfg.Entry's program to the stub:
// it asserts the builtin, probes it, activates the feature, and probes the loaded program right
// after the migration epoch and once more an epoch later.
func RunStubTest(ctx context.Context, log *slog.Logger, rpc StubCluster, payer solana.PrivateKey, cfg StubTestConfig) (*Report, error) {
	entry := cfg.Entry
	report := newReport("stub-test", entry)

	exec := executor.New(log, rpc, &payer, cfg.ExecutorOptions...)
	sync := epoch.NewSynchronizer(log, rpc, cfg.SynchronizerOptions...)
	machine := migration.New(log, rpc, exec, sync, migration.Target{
		Name:                 string(entry.Program),
		ProgramID:            entry.ProgramID,
		FeatureID:            entry.FeatureID,
		BuiltinAccountAbsent: entry.BuiltinAccountAbsent,
	})
	prober := probe.New(log, rpc, exec)
	suite := probe.SuiteOptions{Emit: cfg.EmitProbe}

	phase, err := machine.Observe(ctx)
	if err != nil {
		return report, err
	}
	if phase != migration.Staged {
		return report, fmt.Errorf("%w: expected %s before activation, observed %s", migration.ErrUnexpectedState, migration.Staged, phase)
	}

	if entry.BuiltinAccountAbsent {
		log.Info("--> Program has no builtin account before migration, skipping builtin checks", "program", entry.ProgramID)
	} else {
		if err := machine.AssertIsBuiltin(ctx, entry.ProgramID); err != nil {
			return report, err
		}
		if cfg.SkipBuiltinProbes {
			log.Info("--> Skipping builtin probes")
		} else {
			results, err := prober.RunSuite(ctx, entry.ProgramID, suite)
			report.addProbes(probePointBuiltin, results)
			if err != nil {
				return report, err
			}
		}
	}

	res, err := machine.Migrate(ctx)
	if err != nil {
		return report, err
	}
	report.Migration = &MigrationReport{Signature: res.Signature.String(), Epoch: res.Epoch, Slot: res.Slot}

	if feature, err := machine.FeatureStatus(ctx); err != nil {
		return report, err
	} else if feature.ActivatedAt != nil {
		report.Migration.ActivatedAt = feature.ActivatedAt
		log.Info("--> Feature activated", "feature", entry.FeatureID, "slot", *feature.ActivatedAt)
	}

	results, err := prober.RunSuite(ctx, entry.ProgramID, suite)
	report.addProbes(probePointMigrated, results)
	if err != nil {
		return report, err
	}

	next, err := sync.WaitForNextEpoch(ctx)
	if err != nil {
		return report, fmt.Errorf("failed to wait for the epoch after migration: %w", err)
	}
	log.Info("==> Re-checking program one epoch after migration", "epoch", next)
	if phase, err := machine.Observe(ctx); err != nil {
		return report, err
	} else if phase != migration.AfterMigration {
		return report, fmt.Errorf("%w: expected %s, observed %s", migration.ErrUnexpectedState, migration.AfterMigration, phase)
	}
	if err := machine.AssertIsLoadedProgram(ctx, entry.ProgramID); err != nil {
		return report, err
	}
	results, err = prober.RunSuite(ctx, entry.ProgramID, suite)
	report.addProbes(probePointNextEpoch, results)
	if err != nil {
		return report, err
	}

	log.Info("--> Stub test passed", "program", entry.Program, "probes", len(report.Probes))
	return report, nil
}
